package ratelimit

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatguard/internal/blocklist"
	"threatguard/internal/config"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ms(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Millisecond)
}

func newTestLimiter(endpoints map[string]config.EndpointLimit, reg *blocklist.Registry) *Limiter {
	return New(config.RateLimitConfig{Shards: 4, Endpoints: endpoints}, reg)
}

func TestWindowSlides(t *testing.T) {
	l := newTestLimiter(nil, nil)
	for i := 0; i < 3; i++ {
		res, err := l.CheckAt("k", 3, time.Second, ms(0))
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i)
		assert.Equal(t, 2-i, res.Remaining)
		assert.Equal(t, ms(1000), res.ResetTime)
	}

	res, err := l.CheckAt("k", 3, time.Second, ms(500))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, ms(1000), res.ResetTime)

	res, err = l.CheckAt("k", 3, time.Second, ms(1000))
	require.NoError(t, err)
	assert.False(t, res.Allowed, "boundary timestamp is still inside the window")

	res, err = l.CheckAt("k", 3, time.Second, ms(1001))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, ms(2001), res.ResetTime)
}

func TestNoBurstAtFixedBoundary(t *testing.T) {
	l := newTestLimiter(nil, nil)
	for i := 0; i < 5; i++ {
		res, _ := l.CheckAt("burst", 5, time.Second, ms(990))
		require.True(t, res.Allowed)
	}
	// A fixed window would reset at t=1000 and admit another five.
	res, _ := l.CheckAt("burst", 5, time.Second, ms(1010))
	assert.False(t, res.Allowed)
}

func TestInvalidArguments(t *testing.T) {
	l := newTestLimiter(nil, nil)
	_, err := l.Check("k", -1, time.Second)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = l.Check("k", 1, 0)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	res, err := l.Check("k", 0, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, l.Keys())
}

func TestClockStepBackIsClamped(t *testing.T) {
	l := newTestLimiter(nil, nil)
	_, _ = l.CheckAt("k", 2, time.Second, ms(5000))
	res, _ := l.CheckAt("k", 2, time.Second, ms(1000))
	assert.True(t, res.Allowed)
	assert.Equal(t, ms(6000), res.ResetTime)
	res, _ = l.CheckAt("k", 2, time.Second, ms(5500))
	assert.False(t, res.Allowed)
}

// Randomized property: in every trailing window ending at an admitted
// request, no more than limit requests were admitted.
func TestNeverOverAdmits(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		l := newTestLimiter(nil, nil)
		limit := 1 + rng.Intn(10)
		span := time.Duration(50+rng.Intn(1000)) * time.Millisecond

		offsets := make([]int, 300)
		for i := range offsets {
			offsets[i] = rng.Intn(5000)
		}
		sort.Ints(offsets)

		var admitted []time.Time
		for _, off := range offsets {
			now := ms(off)
			res, err := l.CheckAt("prop", limit, span, now)
			require.NoError(t, err)
			if res.Allowed {
				admitted = append(admitted, now)
			}
			assert.LessOrEqual(t, res.Count, limit)
			assert.GreaterOrEqual(t, res.Remaining, 0)
		}
		for i, end := range admitted {
			n := 0
			for j := i; j >= 0 && !admitted[j].Before(end.Add(-span)); j-- {
				n++
			}
			require.LessOrEqual(t, n, limit, "round %d limit %d span %s", round, limit, span)
		}
	}
}

func TestConcurrentCallersDoNotDoubleAdmit(t *testing.T) {
	l := newTestLimiter(nil, nil)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				res, err := l.CheckAt("shared", 100, time.Hour, t0)
				if err == nil && res.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), allowed.Load())
}

func TestPolicyOverride(t *testing.T) {
	l := newTestLimiter(nil, nil)
	now := t0
	l.SetClock(func() time.Time { return now })

	_, err := l.SetPolicy("10.0.0.1", 1, time.Minute, time.Hour)
	require.NoError(t, err)
	p, ok := l.PolicyFor("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, 1, p.Limit)

	res, _ := l.Check("10.0.0.1", 100, time.Second)
	assert.True(t, res.Allowed)
	res, _ = l.Check("10.0.0.1", 100, time.Second)
	assert.False(t, res.Allowed, "override limit applies")

	now = now.Add(2 * time.Hour)
	_, ok = l.PolicyFor("10.0.0.1")
	assert.False(t, ok)
	res, _ = l.Check("10.0.0.1", 100, time.Second)
	assert.True(t, res.Allowed)
}

func TestCheckEndpointUserFirstThenIP(t *testing.T) {
	reg := blocklist.NewRegistry(nil)
	l := newTestLimiter(map[string]config.EndpointLimit{
		"login": {UserLimit: 2, IPLimit: 3, Window: time.Minute, BlockDuration: 10 * time.Minute},
	}, reg)
	l.SetClock(func() time.Time { return t0 })

	res, err := l.CheckEndpoint("login", "alice", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "ip", res.Scope)

	_, _ = l.CheckEndpoint("login", "alice", "10.0.0.1")
	res, err = l.CheckEndpoint("login", "alice", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "user", res.Scope)
	assert.True(t, res.Blocked)
	assert.True(t, reg.IsBlocked("user:alice"))
	assert.False(t, reg.IsBlocked("10.0.0.1"))

	// bob passes the per-user limit but exhausts the shared IP limit.
	res, _ = l.CheckEndpoint("login", "bob", "10.0.0.1")
	assert.True(t, res.Allowed)
	res, _ = l.CheckEndpoint("login", "bob", "10.0.0.1")
	assert.False(t, res.Allowed)
	assert.Equal(t, "ip", res.Scope)
	assert.True(t, reg.IsBlocked("10.0.0.1"))

	_, err = l.CheckEndpoint("missing", "alice", "10.0.0.1")
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestCheckEndpointHonoursIdentityOverride(t *testing.T) {
	l := newTestLimiter(map[string]config.EndpointLimit{
		"/login":  {IPLimit: 100, Window: time.Minute},
		"/search": {UserLimit: 50, Window: time.Minute},
	}, nil)
	l.SetClock(func() time.Time { return t0 })

	_, err := l.SetPolicy("10.0.0.1", 1, time.Minute, time.Hour)
	require.NoError(t, err)
	admitted := 0
	for i := 0; i < 5; i++ {
		res, err := l.CheckEndpoint("/login", "", "10.0.0.1")
		require.NoError(t, err)
		if res.Allowed {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)

	res, _ := l.CheckEndpoint("/login", "", "10.0.0.2")
	assert.True(t, res.Allowed)
	assert.Equal(t, 99, res.Remaining)

	// the override also applies where the endpoint sets no IP limit.
	res, _ = l.CheckEndpoint("/search", "", "10.0.0.1")
	assert.True(t, res.Allowed)
	assert.Equal(t, "ip", res.Scope)
	res, _ = l.CheckEndpoint("/search", "", "10.0.0.1")
	assert.False(t, res.Allowed)

	_, err = l.SetPolicy("user:carol", 0, time.Minute, time.Hour)
	require.NoError(t, err)
	res, _ = l.CheckEndpoint("/search", "carol", "")
	assert.False(t, res.Allowed)
	assert.Equal(t, "user", res.Scope)
}

func TestSweepDropsIdleWindows(t *testing.T) {
	l := newTestLimiter(nil, nil)
	_, _ = l.CheckAt("a", 5, time.Second, ms(0))
	_, _ = l.CheckAt("b", 5, time.Minute, ms(0))
	assert.Equal(t, 2, l.Keys())
	assert.Equal(t, 1, l.Sweep(ms(2000)))
	assert.Equal(t, 1, l.Keys())
}
