package probe

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestTruncate(t *testing.T) {
	t.Run("short output unchanged", func(t *testing.T) {
		s := strings.Repeat("a", truncateThreshold)
		assert.Equal(t, s, Truncate(s))
	})

	t.Run("long output keeps head and tail", func(t *testing.T) {
		s := strings.Repeat("h", 6000) + strings.Repeat("m", 4000) + strings.Repeat("t", 3000)
		got := Truncate(s)
		assert.Equal(t, strings.Repeat("h", 5000)+truncateMarker+strings.Repeat("t", 3000), got)
	})

	t.Run("counts characters not bytes", func(t *testing.T) {
		s := strings.Repeat("é", truncateThreshold)
		assert.Equal(t, s, Truncate(s))

		long := strings.Repeat("é", truncateThreshold+1)
		got := Truncate(long)
		assert.True(t, utf8.ValidString(got))
		assert.Equal(t, truncateHead+utf8.RuneCountInString(truncateMarker)+truncateTail, utf8.RuneCountInString(got))
	})
}

func TestTruncateProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12000).Draw(t, "n")
		s := strings.Repeat(rapid.SampledFrom([]string{"x", "ü", "\n", "字"}).Draw(t, "c"), n)

		once := Truncate(s)
		if Truncate(once) != once {
			t.Fatalf("not idempotent for length %d", n)
		}
		limit := truncateHead + utf8.RuneCountInString(truncateMarker) + truncateTail
		if got := utf8.RuneCountInString(once); got > limit {
			t.Fatalf("truncated output has %d characters", got)
		}
	})
}
