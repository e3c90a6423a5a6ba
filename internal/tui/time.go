package tui

import (
	"fmt"
	"time"
)

// Ago formats how long before now t was: "just now", "5 minutes ago",
// "1 hour ago", "3 days ago". A zero t renders as "-".
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour") + " ago"
	default:
		return plural(int(diff.Hours()/24), "day") + " ago"
	}
}

// Until formats the time left before a deadline, or "expired".
func Until(deadline, now time.Time) string {
	left := deadline.Sub(now)
	if left <= 0 {
		return "expired"
	}
	return "in " + Duration(left)
}

// Duration renders d rounded for humans: "850ms", "12s", "4m30s", "2h5m".
func Duration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < time.Hour:
		return trimZero(d.Round(time.Second).String())
	default:
		return trimZero(d.Round(time.Minute).String())
	}
}

func trimZero(s string) string {
	for _, suffix := range []string{"0s", "0m"} {
		if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix && s[len(s)-len(suffix)-1] >= 'a' {
			s = s[:len(s)-len(suffix)]
		}
	}
	return s
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
