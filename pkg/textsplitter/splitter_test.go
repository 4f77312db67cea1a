package textsplitter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	t.Run("empty text returns nil", func(t *testing.T) {
		assert.Nil(t, Split("", 100))
		assert.Nil(t, Split("   \n  ", 100))
	})

	t.Run("short text returns single segment", func(t *testing.T) {
		got := Split("hello world", 100)
		assert.Equal(t, []string{"hello world"}, got)
	})

	t.Run("splits on paragraph boundaries first", func(t *testing.T) {
		text := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 60)
		got := Split(text, 80)
		assert.Len(t, got, 2)
		assert.Equal(t, strings.Repeat("a", 60), got[0])
		assert.Equal(t, strings.Repeat("b", 60), got[1])
	})

	t.Run("segments never exceed max", func(t *testing.T) {
		text := strings.Repeat("word ", 500)
		for _, s := range Split(text, 64) {
			assert.LessOrEqual(t, len(s), 64)
			assert.NotEmpty(t, s)
		}
	})

	t.Run("segments do not overlap", func(t *testing.T) {
		text := "one two three four five six seven eight nine ten"
		got := Split(text, 20)
		joined := strings.Join(got, " ")
		assert.Equal(t, text, joined)
	})

	t.Run("unbroken run falls back to hard split", func(t *testing.T) {
		text := strings.Repeat("x", 100)
		got := Split(text, 30)
		assert.GreaterOrEqual(t, len(got), 4)
		for _, s := range got {
			assert.LessOrEqual(t, len(s), 30)
		}
	})
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single char counts as one token", "a", 1},
		{"four chars is one token", "abcd", 1},
		{"eight chars is two tokens", "abcdefgh", 2},
		{"hundred chars is twenty five tokens", strings.Repeat("a", 100), 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateTokens(tt.text))
		})
	}
}

func TestTruncateToTokens(t *testing.T) {
	t.Run("fits unchanged", func(t *testing.T) {
		assert.Equal(t, "short", TruncateToTokens("short", 10))
	})

	t.Run("zero budget empties", func(t *testing.T) {
		assert.Equal(t, "", TruncateToTokens("anything", 0))
	})

	t.Run("truncates at word boundary", func(t *testing.T) {
		text := strings.Repeat("word ", 100)
		got := TruncateToTokens(text, 10)
		assert.LessOrEqual(t, EstimateTokens(got), 10)
		assert.False(t, strings.HasSuffix(got, "wor"))
	})
}

func TestTruncateHeadTail(t *testing.T) {
	const marker = " ... "

	t.Run("fits unchanged", func(t *testing.T) {
		assert.Equal(t, "short text", TruncateHeadTail("short text", 100, marker))
	})

	t.Run("keeps beginning and end", func(t *testing.T) {
		text := "BEGIN " + strings.Repeat("middle ", 200) + " END"
		got := TruncateHeadTail(text, 30, marker)

		assert.True(t, strings.HasPrefix(got, "BEGIN"))
		assert.True(t, strings.HasSuffix(got, "END"))
		assert.Contains(t, got, marker)
		// marker tokens are paid from the allowance
		assert.LessOrEqual(t, EstimateTokens(got), 31)
	})

	t.Run("head gets roughly twice the tail", func(t *testing.T) {
		text := strings.Repeat("a", 2000) + strings.Repeat("z", 2000)
		got := TruncateHeadTail(text, 100, marker)

		head := strings.Count(got, "a")
		tail := strings.Count(got, "z")
		assert.Greater(t, head, tail)
		assert.Greater(t, tail, 0)
	})

	t.Run("zero budget empties", func(t *testing.T) {
		assert.Equal(t, "", TruncateHeadTail("anything", 0, marker))
	})
}
