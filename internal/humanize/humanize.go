// Package humanize renders timestamps as short relative-time strings
// ("3 minutes ago", "just now") alongside the absolute RFC3339 form, the way
// the wire protocol surfaces both for client convenience.
package humanize

import (
	"fmt"
	"time"
)

// Relative formats t relative to now using coarse buckets; precision beyond
// "a few days ago" is not useful to a viewer scanning a message list.
func Relative(t time.Time, now time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < 10*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%d seconds ago", int(d.Seconds()))
	case d < 2*time.Minute:
		return "a minute ago"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	case d < 2*time.Hour:
		return "an hour ago"
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	case d < 48*time.Hour:
		return "a day ago"
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}
