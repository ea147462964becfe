package ratespec_test

import (
	"testing"
	"time"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/ratespec"
	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in     string
		limit  int64
		period time.Duration
	}{
		{"100/s", 100, time.Second},
		{"10/30s", 10, 30 * time.Second},
		{"5/m", 5, time.Minute},
		{"2/h", 2, time.Hour},
		{"1/d", 1, 24 * time.Hour},
		{"10/2m", 10, 2 * time.Minute},
	}

	for _, c := range cases {
		got, err := ratespec.Parse(c.in)
		assert.NoError(t, err, c.in)
		assert.Equal(t, c.limit, got.Limit, c.in)
		assert.Equal(t, c.period, got.Period, c.in)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{"", "abc", "10", "10/", "0/s", "-5/s", "10/x", "10/0s"}
	for _, in := range bad {
		_, err := ratespec.Parse(in)
		assert.Error(t, err, in)
	}
}
