package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend/memory"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/middleware"
)

func newLimiter(t *testing.T) *ratelimit.Limiter {
	be := memory.New("test", memory.Config{})
	t.Cleanup(func() { be.Close() })
	return ratelimit.New(be, ratelimit.Options{})
}

func TestIPSpoofingSharesRateLimitAcrossPorts(t *testing.T) {
	policy := middleware.WithIPKey(ratelimit.Policy{Name: "p", Limit: 1, Period: time.Minute, Algorithm: ratelimit.Fixed})
	handler := middleware.New(newLimiter(t), policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest("GET", "/", nil)
	req1.RemoteAddr = "1.2.3.4:12345"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)
	assert.Equal(t, http.StatusOK, w1.Code)

	req2 := httptest.NewRequest("GET", "/", nil)
	req2.RemoteAddr = "1.2.3.4:54321"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code, "same IP, different port, should share the limit")
}

func TestResetHeaderIsUnixTimestamp(t *testing.T) {
	policy := middleware.WithIPKey(ratelimit.Policy{Name: "p", Limit: 10, Period: time.Minute, Algorithm: ratelimit.Fixed})
	handler := middleware.New(newLimiter(t), policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "1.2.3.4:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resetHeader := w.Header().Get("X-RateLimit-Reset")
	ts, err := strconv.ParseInt(resetHeader, 10, 64)
	assert.NoError(t, err)
	assert.InDelta(t, time.Now().Add(time.Minute).Unix(), ts, 5)
}

func TestRejectionSetsRetryAfter(t *testing.T) {
	policy := middleware.WithIPKey(ratelimit.Policy{Name: "p", Limit: 1, Period: time.Minute, Algorithm: ratelimit.Fixed})
	handler := middleware.New(newLimiter(t), policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "9.9.9.9:1"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req)
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.NotEmpty(t, w2.Header().Get("Retry-After"))
}
