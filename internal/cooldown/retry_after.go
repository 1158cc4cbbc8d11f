package cooldown

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// maxRetryHint caps hints parsed from backend output.
const maxRetryHint = time.Hour

var retryIndicators = []string{
	"retry in ", "retry after ", "try again in ", "wait ", "resets in ",
}

// RetryAfter extracts a suggested wait from messages such as "retry in 30s",
// "try again in 2 minutes" or "retry after 45 seconds". Hints outside one
// second to one hour are ignored.
func RetryAfter(message string) (time.Duration, bool) {
	lower := strings.ToLower(message)
	for _, ind := range retryIndicators {
		idx := strings.Index(lower, ind)
		if idx < 0 {
			continue
		}
		if d, ok := parseHint(lower[idx+len(ind):]); ok {
			return d, true
		}
	}
	return 0, false
}

// parseHint reads "<n><unit>" or "<n> <unit>" from the start of s.
func parseHint(s string) (time.Duration, bool) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n <= 0 {
		return 0, false
	}

	rest := strings.TrimLeft(s[end:], " ")
	unitEnd := strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsLetter(r) })
	if unitEnd < 0 {
		unitEnd = len(rest)
	}

	var unit time.Duration
	switch rest[:unitEnd] {
	case "", "s", "sec", "secs", "second", "seconds":
		unit = time.Second
	case "m", "min", "mins", "minute", "minutes":
		unit = time.Minute
	case "h", "hr", "hour", "hours":
		unit = time.Hour
	case "ms":
		return 0, false
	default:
		return 0, false
	}

	d := time.Duration(n) * unit
	if d < time.Second || d > maxRetryHint {
		return 0, false
	}
	return d, true
}
