package crawler

import "time"

// TimestampLayout is the fixed-width UTC layout used when timestamps are
// stored as text, so lexical order matches chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t with TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses TimestampLayout, falling back to RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
