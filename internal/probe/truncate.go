package probe

import "unicode/utf8"

// Output bounds, in characters.
const (
	truncateThreshold = 8000
	truncateHead      = 5000
	truncateTail      = 3000
	truncateMarker    = "\n...[truncated]...\n"
)

// Truncate bounds step output. Text longer than 8,000 characters keeps its
// first 5,000 and last 3,000 characters around a marker. Applying it twice
// gives the same result as applying it once.
func Truncate(s string) string {
	if utf8.RuneCountInString(s) <= truncateThreshold {
		return s
	}
	r := []rune(s)
	return string(r[:truncateHead]) + truncateMarker + string(r[len(r)-truncateTail:])
}
