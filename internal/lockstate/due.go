package lockstate

import (
	"log"
	"strings"
	"time"
)

// Layouts tried when parsing a due date, most specific first. Date-only
// values are due at the end of that day in UTC.
var dueLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

const dateOnly = "2006-01-02"

// ParseDue parses a backend due timestamp, preserving its offset.
func ParseDue(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	for _, layout := range dueLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(dateOnly, s); err == nil {
		return t.Add(23*time.Hour + 59*time.Minute), true
	}
	return time.Time{}, false
}

// DaysUntilDue counts whole calendar days from now to the due date, both
// taken in the due timestamp's own offset, so a device in another zone sees
// the same count the backend meant. Hours and minutes give the remaining
// time and are never negative. An unparseable value yields zero days with
// ParseFailed set.
func DaysUntilDue(raw string, now time.Time) Payment {
	due, ok := ParseDue(raw)
	if !ok {
		log.Printf("[WARN] Unparseable payment due date %q, treating as due now", raw)
		return Payment{Raw: raw, ParseFailed: true}
	}

	local := now.In(due.Location())
	dueDay := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, time.UTC)
	nowDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	days := int(dueDay.Sub(nowDay).Hours() / 24)

	p := Payment{DueAt: due, Raw: raw, Days: days}
	if remaining := due.Sub(now); remaining > 0 {
		p.Hours = int(remaining.Hours())
		p.Minutes = int(remaining.Minutes()) % 60
	}
	return p
}
