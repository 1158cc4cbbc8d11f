package util

import (
	"fmt"
	"time"
)

// FormatAge renders d with at most two units, e.g. "45s", "3m12s", "2h5m",
// "3d4h". Negative durations render as "0s".
func FormatAge(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Truncate(time.Second)

	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	seconds := int(d % time.Minute / time.Second)

	switch {
	case days > 0:
		return twoUnits(days, "d", hours, "h")
	case hours > 0:
		return twoUnits(hours, "h", minutes, "m")
	case minutes > 0:
		return twoUnits(minutes, "m", seconds, "s")
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func twoUnits(major int, majorUnit string, minor int, minorUnit string) string {
	if minor == 0 {
		return fmt.Sprintf("%d%s", major, majorUnit)
	}
	return fmt.Sprintf("%d%s%d%s", major, majorUnit, minor, minorUnit)
}

// FormatUntil renders the time left until t, or "expired" once t has passed.
func FormatUntil(t, now time.Time) string {
	if !t.After(now) {
		return "expired"
	}
	return FormatAge(t.Sub(now))
}
