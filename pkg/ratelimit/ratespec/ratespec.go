// Package ratespec parses compact rate strings like "100/s" or "10/30s"
// into a limit and period.
package ratespec

import (
	"strconv"
	"strings"
	"time"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/errors"
)

var unitSeconds = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
}

// Spec is the parsed result of a rate string: limit requests per period.
type Spec struct {
	Limit  int64
	Period time.Duration
}

// Parse parses strings of the form "<n>/<unit>" or "<n>/<k><unit>" where
// unit is one of s, m, h, d and k is a small positive multiplier, e.g.
// "100/s", "10/30s", "5000/h".
func Parse(s string) (Spec, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Spec{}, errors.InvalidArgument("bad rate spec: expected \"<n>/<unit>\"", nil)
	}

	n, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || n <= 0 {
		return Spec{}, errors.InvalidArgument("bad rate spec: count must be a positive integer", nil)
	}

	period, err := parsePeriod(strings.TrimSpace(parts[1]))
	if err != nil {
		return Spec{}, err
	}

	return Spec{Limit: n, Period: period}, nil
}

func parsePeriod(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.InvalidArgument("bad rate spec: missing unit", nil)
	}

	unit := s[len(s)-1]
	mult, ok := unitSeconds[unit]
	if !ok {
		return 0, errors.InvalidArgument("bad rate spec: unknown unit \""+string(unit)+"\"", nil)
	}

	numPart := s[:len(s)-1]
	k := int64(1)
	if numPart != "" {
		parsed, err := strconv.ParseInt(numPart, 10, 64)
		if err != nil || parsed <= 0 {
			return 0, errors.InvalidArgument("bad rate spec: invalid period multiplier", nil)
		}
		k = parsed
	}

	seconds := k * mult
	if seconds <= 0 || seconds > (1<<31) {
		return 0, errors.InvalidArgument("bad rate spec: period out of range", nil)
	}

	return time.Duration(seconds) * time.Second, nil
}
