package adapter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Sources timestamp items four ways: ISO-ish absolute strings, Unix
// seconds, Unix milliseconds, and natural-language relative phrases
// ("3 hours ago"). parseTimestamp recognizes all of them.

var relativePattern = regexp.MustCompile(`(?i)^(?:about\s+|~\s*)?(\d+|an?)\s+(second|minute|min|hour|hr|day|week|month|year)s?\s+ago$`)

var relativeUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"min":    time.Minute,
	"hour":   time.Hour,
	"hr":     time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
	"month":  30 * 24 * time.Hour,
	"year":   365 * 24 * time.Hour,
}

func parseTimestamp(raw string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	switch strings.ToLower(s) {
	case "just now", "now", "a moment ago", "moments ago":
		return now, nil
	case "yesterday":
		return now.Add(-24 * time.Hour), nil
	case "today":
		return now, nil
	}

	if m := relativePattern.FindStringSubmatch(s); m != nil {
		n := int64(1)
		if m[1] != "a" && m[1] != "an" && m[1] != "A" && m[1] != "An" {
			var err error
			n, err = strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("relative timestamp %q: %w", raw, err)
			}
		}
		unit := relativeUnits[strings.ToLower(m[2])]
		return now.Add(-time.Duration(n) * unit), nil
	}

	// Bare integers are Unix epochs; 13+ digits means milliseconds.
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		if len(s) >= 13 {
			return time.UnixMilli(epoch), nil
		}
		return time.Unix(epoch, 0), nil
	}

	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q: %w", raw, err)
	}
	return t, nil
}

// parseDurationMS reads a human duration field ("0:34", "1:02:10",
// "34s", plain seconds, or milliseconds when large) into milliseconds.
func parseDurationMS(raw string) *int64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		var total int64
		for _, p := range parts {
			n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil {
				return nil
			}
			total = total*60 + n
		}
		ms := total * 1000
		return &ms
	}

	s = strings.TrimSuffix(s, "s")
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		var ms int64
		if f >= 10000 { // already milliseconds
			ms = int64(f)
		} else {
			ms = int64(f * 1000)
		}
		return &ms
	}
	return nil
}
