package core

import "time"

// timestampLayouts are tried in order when parsing message timestamps.
// Clients sync histories recorded by other software, so a few common shapes
// are accepted beyond the canonical RFC 3339 form this package writes.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a message timestamp in any accepted layout.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
