package client

import (
	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

// Buffer is an in-memory Editor. It is not safe for concurrent use; a
// Session only touches it from its event loop.
type Buffer struct {
	text      string
	cursor    protocol.Position
	listeners []func(Change)
}

func NewBuffer(text string) *Buffer {
	return &Buffer{text: text}
}

func (b *Buffer) OnEdit(fn func(Change)) {
	b.listeners = append(b.listeners, fn)
}

func (b *Buffer) emit(ch Change) {
	for _, fn := range b.listeners {
		fn(ch)
	}
}

func (b *Buffer) ApplyPatch(p protocol.Patch, origin Origin) error {
	next, err := p.Apply(b.text)
	if err != nil {
		return err
	}
	b.text = next
	if origin == OriginLocal {
		b.cursor = p.Advance()
	} else {
		b.cursor = protocol.Clamp(b.text, b.cursor)
	}
	b.emit(Change{Patch: p, Origin: origin})
	return nil
}

func (b *Buffer) SetValue(text string, origin Origin) {
	p := protocol.Replacement(b.text, text)
	b.text = text
	b.cursor = protocol.Clamp(text, b.cursor)
	b.emit(Change{Patch: p, Origin: origin})
}

func (b *Buffer) Value() string { return b.text }

func (b *Buffer) Cursor() protocol.Position { return b.cursor }

func (b *Buffer) SetCursor(pos protocol.Position) {
	b.cursor = protocol.Clamp(b.text, pos)
}

// Replace is a local edit of the range [from, to).
func (b *Buffer) Replace(from, to protocol.Position, s string) error {
	p := protocol.Insertion(from, s)
	p.To = to
	return b.ApplyPatch(p, OriginLocal)
}

// Insert is a local insertion at pos.
func (b *Buffer) Insert(pos protocol.Position, s string) error {
	return b.ApplyPatch(protocol.Insertion(pos, s), OriginLocal)
}

// Append is a local insertion at the end of the document.
func (b *Buffer) Append(s string) error {
	return b.Insert(protocol.End(b.text), s)
}
