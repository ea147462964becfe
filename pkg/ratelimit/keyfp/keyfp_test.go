package keyfp_test

import (
	"context"
	"strings"
	"testing"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/keyfp"
	"github.com/stretchr/testify/assert"
)

func TestLiteral(t *testing.T) {
	got := keyfp.Fingerprint(context.Background(), keyfp.Source{Literal: "k"}, nil)
	assert.Equal(t, "k", got)
}

func TestFunc(t *testing.T) {
	src := keyfp.Source{Func: func(ctx context.Context) string { return "from-func" }}
	got := keyfp.Fingerprint(context.Background(), src, nil)
	assert.Equal(t, "from-func", got)
}

func TestSelectors(t *testing.T) {
	reg := keyfp.NewRegistry()
	reg.Register("client-address", func(ctx context.Context) string { return "1.2.3.4" })
	reg.Register("path", func(ctx context.Context) string { return "/v1/orders" })

	src := keyfp.Source{Selectors: []string{"client-address", "path"}}
	got := keyfp.Fingerprint(context.Background(), src, reg)
	assert.Equal(t, "client-address=1.2.3.4|path=/v1/orders", got)
}

func TestEquivalentShapesProduceEqualKeys(t *testing.T) {
	reg := keyfp.NewRegistry()
	reg.Register("ip", func(ctx context.Context) string { return "9.9.9.9" })

	viaSelector := keyfp.Fingerprint(context.Background(), keyfp.Source{Selectors: []string{"ip"}}, reg)
	viaFunc := keyfp.Fingerprint(context.Background(), keyfp.Source{Func: func(ctx context.Context) string { return "ip=9.9.9.9" }}, nil)

	assert.Equal(t, viaFunc, viaSelector)
}

func TestLongRawHashedToBoundedHex(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := keyfp.Fingerprint(context.Background(), keyfp.Source{Literal: long}, nil)

	assert.True(t, strings.HasPrefix(got, "h:"))
	assert.Len(t, got, len("h:")+64)
}

func TestLongRawIsDeterministic(t *testing.T) {
	long := strings.Repeat("y", 500)
	a := keyfp.Fingerprint(context.Background(), keyfp.Source{Literal: long}, nil)
	b := keyfp.Fingerprint(context.Background(), keyfp.Source{Literal: long}, nil)
	assert.Equal(t, a, b)
}
