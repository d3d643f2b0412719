package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseAge parses the `d/h/min/s/w/mon/y` age suffixes accepted by
// --min-age/--max-age. Longer suffixes are matched before
// shorter ones sharing a prefix ("min" before "m" would be ambiguous, so
// "m" alone is not accepted — only the spelled-out units are).
func ParseAge(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("config: empty age value")
	}

	unit, scale := matchAgeUnit(raw)
	if unit == "" {
		return 0, fmt.Errorf("config: unrecognized age suffix in %q", raw)
	}
	numPart := strings.TrimSuffix(raw, unit)
	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid age value %q: %w", raw, err)
	}
	return time.Duration(n * float64(scale)), nil
}

// ageUnits is ordered longest-suffix-first so "mon" matches before "m"
// would (were "m" accepted) and "min" matches before a bare "m".
var ageUnits = []struct {
	suffix string
	scale  time.Duration
}{
	{"mon", 30 * 24 * time.Hour},
	{"min", time.Minute},
	{"w", 7 * 24 * time.Hour},
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"y", 365 * 24 * time.Hour},
	{"s", time.Second},
}

func matchAgeUnit(raw string) (string, time.Duration) {
	for _, u := range ageUnits {
		if strings.HasSuffix(raw, u.suffix) {
			return u.suffix, u.scale
		}
	}
	return "", 0
}
