package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrOutOfRange is returned when a patch addresses a position outside the text.
var ErrOutOfRange = errors.New("position out of range")

// Before reports whether p sorts strictly before q.
func (p Position) Before(q Position) bool {
	if p.Line != q.Line {
		return p.Line < q.Line
	}
	return p.Ch < q.Ch
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Ch)
}

// Offset converts a position into a byte offset into text.
func Offset(text string, pos Position) (int, error) {
	if pos.Line < 0 || pos.Ch < 0 {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, pos)
	}
	start := 0
	for line := 0; line < pos.Line; line++ {
		nl := strings.IndexByte(text[start:], '\n')
		if nl < 0 {
			return 0, fmt.Errorf("%w: line %d of %d", ErrOutOfRange, pos.Line, line+1)
		}
		start += nl + 1
	}
	end := strings.IndexByte(text[start:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += start
	}
	off := start
	for ch := 0; ch < pos.Ch; ch++ {
		if off >= end {
			return 0, fmt.Errorf("%w: column %d past end of line %d", ErrOutOfRange, pos.Ch, pos.Line)
		}
		_, size := utf8.DecodeRuneInString(text[off:])
		off += size
	}
	return off, nil
}

// PositionAt is the inverse of Offset. off must lie on a rune boundary.
func PositionAt(text string, off int) Position {
	if off > len(text) {
		off = len(text)
	}
	prefix := text[:off]
	line := strings.Count(prefix, "\n")
	lineStart := strings.LastIndexByte(prefix, '\n') + 1
	return Position{Line: line, Ch: utf8.RuneCountInString(prefix[lineStart:])}
}

// End returns the position just past the last character of text.
func End(text string) Position {
	return PositionAt(text, len(text))
}

// Clamp moves pos to the nearest valid position in text.
func Clamp(text string, pos Position) Position {
	lines := strings.Split(text, "\n")
	if pos.Line < 0 {
		return Position{}
	}
	if pos.Line >= len(lines) {
		return End(text)
	}
	n := utf8.RuneCountInString(lines[pos.Line])
	if pos.Ch < 0 {
		pos.Ch = 0
	}
	if pos.Ch > n {
		pos.Ch = n
	}
	return pos
}

// Validate checks the structural shape of a single patch.
func (p Patch) Validate() error {
	if len(p.Text) == 0 {
		return errors.New("patch has no text lines")
	}
	if p.To.Before(p.From) {
		return fmt.Errorf("patch range inverted: %s > %s", p.From, p.To)
	}
	return nil
}

// Apply returns text with the patch applied.
func (p Patch) Apply(text string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	from, err := Offset(text, p.From)
	if err != nil {
		return "", fmt.Errorf("from: %w", err)
	}
	to, err := Offset(text, p.To)
	if err != nil {
		return "", fmt.Errorf("to: %w", err)
	}
	var b strings.Builder
	b.Grow(len(text) - (to - from) + len(p.Text)*8)
	b.WriteString(text[:from])
	b.WriteString(strings.Join(p.Text, "\n"))
	b.WriteString(text[to:])
	return b.String(), nil
}

// ApplyAll applies patches in order, each against the result of the previous.
func ApplyAll(text string, patches []Patch) (string, error) {
	for i, p := range patches {
		next, err := p.Apply(text)
		if err != nil {
			return text, fmt.Errorf("patch %d: %w", i, err)
		}
		text = next
	}
	return text, nil
}

// Insertion builds the patch that inserts s at pos.
func Insertion(pos Position, s string) Patch {
	return Patch{From: pos, To: pos, Text: strings.Split(s, "\n")}
}

// Replacement builds the patch that swaps the whole of old for s.
func Replacement(old, s string) Patch {
	return Patch{From: Position{}, To: End(old), Text: strings.Split(s, "\n")}
}

// Advance returns the position right after inserting the patch text at From.
func (p Patch) Advance() Position {
	if len(p.Text) <= 1 {
		n := 0
		if len(p.Text) == 1 {
			n = utf8.RuneCountInString(p.Text[0])
		}
		return Position{Line: p.From.Line, Ch: p.From.Ch + n}
	}
	last := p.Text[len(p.Text)-1]
	return Position{Line: p.From.Line + len(p.Text) - 1, Ch: utf8.RuneCountInString(last)}
}
