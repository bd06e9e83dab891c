package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffset(t *testing.T) {
	text := "ab\ncd\n"

	tests := []struct {
		name string
		pos  Position
		want int
		err  bool
	}{
		{"start", Position{0, 0}, 0, false},
		{"end of first line", Position{0, 2}, 2, false},
		{"second line", Position{1, 1}, 4, false},
		{"empty last line", Position{2, 0}, 6, false},
		{"column past line end", Position{0, 3}, 0, true},
		{"line past end", Position{3, 0}, 0, true},
		{"negative", Position{-1, 0}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Offset(text, tt.pos)
			if tt.err {
				assert.ErrorIs(t, err, ErrOutOfRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOffsetCountsRunes(t *testing.T) {
	off, err := Offset("héllo", Position{0, 2})
	require.NoError(t, err)
	assert.Equal(t, 3, off)

	assert.Equal(t, Position{0, 2}, PositionAt("héllo", 3))
}

func TestPatchApply(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		patch Patch
		want  string
	}{
		{
			name:  "replace word",
			text:  "hello world",
			patch: Patch{From: Position{0, 6}, To: Position{0, 11}, Text: []string{"gopher"}},
			want:  "hello gopher",
		},
		{
			name:  "insert newline",
			text:  "hello world",
			patch: Insertion(Position{0, 5}, "\nX"),
			want:  "hello\nX world",
		},
		{
			name:  "delete across lines",
			text:  "one\ntwo\nthree",
			patch: Patch{From: Position{0, 3}, To: Position{2, 0}, Text: []string{""}},
			want:  "onethree",
		},
		{
			name:  "insert into empty document",
			text:  "",
			patch: Insertion(Position{0, 0}, "a"),
			want:  "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.patch.Apply(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPatchApplyRejects(t *testing.T) {
	_, err := Patch{From: Position{0, 2}, To: Position{0, 1}, Text: []string{""}}.Apply("abc")
	assert.Error(t, err, "inverted range")

	_, err = Patch{From: Position{0, 0}, To: Position{0, 0}}.Apply("abc")
	assert.Error(t, err, "no text lines")

	_, err = Insertion(Position{4, 0}, "x").Apply("abc")
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestApplyAllIsSequential(t *testing.T) {
	// The second patch only fits after the first one has been applied.
	patches := []Patch{
		Insertion(Position{0, 3}, "d"),
		Insertion(Position{0, 4}, "e"),
	}
	got, err := ApplyAll("abc", patches)
	require.NoError(t, err)
	assert.Equal(t, "abcde", got)

	_, err = ApplyAll("abc", patches[1:])
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestReplacement(t *testing.T) {
	p := Replacement("a\nb", "x")
	assert.Equal(t, Position{1, 1}, p.To)

	got, err := p.Apply("a\nb")
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestClampAndEnd(t *testing.T) {
	text := "ab\ncd"
	assert.Equal(t, Position{1, 2}, End(text))
	assert.Equal(t, Position{1, 2}, Clamp(text, Position{5, 0}))
	assert.Equal(t, Position{0, 2}, Clamp(text, Position{0, 9}))
	assert.Equal(t, Position{0, 0}, Clamp(text, Position{-1, 4}))
	assert.Equal(t, Position{0, 0}, Clamp("", Position{3, 3}))
}

func TestAdvance(t *testing.T) {
	assert.Equal(t, Position{0, 7}, Insertion(Position{0, 5}, "ab").Advance())
	assert.Equal(t, Position{2, 3}, Insertion(Position{0, 5}, "\n\nxyz").Advance())
	assert.Equal(t, Position{1, 0}, Insertion(Position{1, 0}, "").Advance())
}
