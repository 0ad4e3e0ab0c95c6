package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestOutputBuffer_Basic(t *testing.T) {
	b := NewOutputBuffer(3)
	require.Nil(t, b.LastN(5))

	b.Write(OutputChunk{Text: "a"})
	b.Write(OutputChunk{Text: "b"})
	require.Equal(t, 2, b.Len())
	require.Equal(t, "ab", b.String())

	b.Write(OutputChunk{Text: "c"})
	b.Write(OutputChunk{Text: "d"})
	require.Equal(t, 3, b.Len())
	require.Equal(t, "bcd", b.String())
	require.Equal(t, []OutputChunk{{Text: "c"}, {Text: "d"}}, b.LastN(2))

	b.Clear()
	require.Zero(t, b.Len())
	require.Empty(t, b.String())
}

func TestOutputBuffer_ZeroCapacity(t *testing.T) {
	b := NewOutputBuffer(0)
	b.Write(OutputChunk{Text: "a"})
	b.Write(OutputChunk{Text: "b"})
	require.Equal(t, "b", b.String())
}

// TestOutputBuffer_KeepsMostRecent checks the buffer against a plain slice.
func TestOutputBuffer_KeepsMostRecent(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(r, "capacity")
		writes := rapid.IntRange(0, 100).Draw(r, "writes")
		n := rapid.IntRange(0, 30).Draw(r, "n")

		b := NewOutputBuffer(capacity)
		var all []OutputChunk
		for i := range writes {
			c := OutputChunk{Text: fmt.Sprint(i)}
			b.Write(c)
			all = append(all, c)
		}

		want := all[max(0, len(all)-min(n, capacity)):]
		got := b.LastN(n)
		if len(want) == 0 {
			require.Empty(r, got)
			return
		}
		require.Equal(r, want, got)
		require.Equal(r, min(writes, capacity), b.Len())
	})
}
