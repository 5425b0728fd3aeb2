package profile

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatguard/internal/model"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func event(kind model.EventKind, at time.Duration) model.SecurityEvent {
	return model.SecurityEvent{Kind: kind, ClientIP: "10.0.0.1", Timestamp: base.Add(at)}
}

func TestFirstSightingCreatesProfile(t *testing.T) {
	s, err := NewStore(100)
	require.NoError(t, err)
	ev := event(model.KindAuthenticationFailed, 0)
	ev.Geolocation = "DE"
	ev.Metadata = map[string]any{"endpoint": "/login"}

	obs := s.Observe("10.0.0.1", ev)
	assert.False(t, obs.Existed)
	assert.Equal(t, 1, obs.Current.RequestCount)
	assert.Equal(t, 1, obs.Current.ErrorCount)
	assert.Equal(t, 0, obs.Current.RiskScore)
	assert.Equal(t, model.ProfileNormal, obs.Current.Status)
	assert.Equal(t, []string{"DE"}, obs.Current.Geolocations)
	assert.Equal(t, 1, obs.Current.EndpointCounts["/login"])
}

func TestRepeatedFailuresRaiseRisk(t *testing.T) {
	s, err := NewStore(100)
	require.NoError(t, err)
	var obs Observation
	for i := 0; i < 5; i++ {
		obs = s.Observe("10.0.0.1", event(model.KindAuthenticationFailed, time.Duration(i)*2*time.Minute))
	}
	require.True(t, obs.Existed)
	assert.Equal(t, 4, obs.Previous.RequestCount)
	assert.Equal(t, 5, obs.Current.RequestCount)
	assert.Equal(t, 5, obs.Current.ErrorCount)
	assert.Equal(t, 2*time.Minute, obs.Current.AvgInterval)
	assert.Equal(t, 30, obs.Current.RiskScore)
	assert.Equal(t, model.ProfileNormal, obs.Current.Status)
	assert.InDelta(t, 0.0, obs.Current.SuccessRate(), 1e-9)
}

func TestFastRotatingClientBecomesBlocked(t *testing.T) {
	s, err := NewStore(100)
	require.NoError(t, err)
	geos := []string{"US", "DE", "FR", "BR", "JP"}
	agents := []string{"curl/8.0", "python-requests/2.31", "Go-http-client/1.1"}
	var obs Observation
	for i := 0; i < 6; i++ {
		ev := event(model.KindSQLInjectionAttempt, time.Duration(i)*100*time.Millisecond)
		ev.Geolocation = geos[i%len(geos)]
		ev.Metadata = map[string]any{"headers": map[string]any{"User-Agent": agents[i%len(agents)]}}
		obs = s.Observe("10.0.0.1", ev)
	}
	// low success 30 + fast 25 + geos 20 + agents 15
	assert.Equal(t, 90, obs.Current.RiskScore)
	assert.Equal(t, model.ProfileBlocked, obs.Current.Status)
	assert.Len(t, obs.Current.Geolocations, GeoHistoryCap)
	assert.Len(t, obs.Current.UserAgents, UserAgentHistoryCap)
}

func TestBoundedHistoriesMoveExistingToEnd(t *testing.T) {
	got := pushBounded([]string{"a", "b", "c"}, "a", 3)
	assert.Equal(t, []string{"b", "c", "a"}, got)
	got = pushBounded(got, "d", 3)
	assert.Equal(t, []string{"c", "a", "d"}, got)
	assert.Equal(t, got, pushBounded(got, "", 3))
}

func TestOutOfOrderEventClampsInterval(t *testing.T) {
	s, err := NewStore(100)
	require.NoError(t, err)
	s.Observe("k", event(model.KindBotActivity, time.Minute))
	obs := s.Observe("k", event(model.KindBotActivity, 0))
	assert.Equal(t, time.Duration(0), obs.Current.LastInterval)
	assert.Equal(t, base.Add(time.Minute), obs.Current.LastSeen)
}

func TestClearAndGet(t *testing.T) {
	s, err := NewStore(100)
	require.NoError(t, err)
	s.Observe("k", event(model.KindBotActivity, 0))
	_, ok := s.Get("k")
	assert.True(t, ok)
	assert.True(t, s.Clear("k"))
	_, ok = s.Get("k")
	assert.False(t, ok)
	assert.False(t, s.Clear("k"))
}

func TestSnapshotsAreDetached(t *testing.T) {
	s, err := NewStore(100)
	require.NoError(t, err)
	ev := event(model.KindBotActivity, 0)
	ev.Metadata = map[string]any{"endpoint": "/a"}
	obs := s.Observe("k", ev)
	obs.Current.EndpointCounts["/a"] = 99
	got, _ := s.Get("k")
	assert.Equal(t, 1, got.EndpointCounts["/a"])
}

func TestConcurrentUpdatesKeepCounts(t *testing.T) {
	s, err := NewStore(1000)
	require.NoError(t, err)
	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.Observe("shared", event(model.KindAPIAbuse, time.Duration(w*perWorker+i)*time.Millisecond))
				s.Observe(fmt.Sprintf("own-%d", w), event(model.KindAPIAbuse, time.Duration(i)*time.Millisecond))
			}
		}(w)
	}
	wg.Wait()
	shared, ok := s.Get("shared")
	require.True(t, ok)
	assert.Equal(t, workers*perWorker, shared.RequestCount)
	assert.Equal(t, workers*perWorker, shared.ErrorCount)
	assert.Equal(t, workers+1, s.Len())
}

func TestKey(t *testing.T) {
	ev := model.SecurityEvent{ClientIP: "10.0.0.1", UserID: "alice"}
	assert.Equal(t, "10.0.0.1", Key(ev, false))
	assert.Equal(t, "10.0.0.1|alice", Key(ev, true))
	ev.UserID = ""
	assert.Equal(t, "10.0.0.1", Key(ev, true))
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	h, err := NewHistory(10, 3)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		h.Append("k", event(model.KindBotActivity, time.Duration(i)*time.Second))
	}
	evs := h.Events("k")
	require.Len(t, evs, 3)
	assert.Equal(t, base.Add(2*time.Second), evs[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Second), evs[2].Timestamp)

	within := h.Since("k", base.Add(3*time.Second), base.Add(10*time.Second))
	assert.Len(t, within, 2)

	h.Clear("k")
	assert.Empty(t, h.Events("k"))
}

func TestAppendAndSnapshotSerialisesPerKey(t *testing.T) {
	h, err := NewHistory(10, 100)
	require.NoError(t, err)

	const n = 50
	seen := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prior := h.AppendAndSnapshot("k", event(model.KindBotActivity, time.Duration(i)*time.Second))
			seen[i] = len(prior)
		}(i)
	}
	wg.Wait()

	// every caller saw a distinct prefix, so no two missed each other.
	counts := make(map[int]int, n)
	for _, l := range seen {
		counts[l]++
	}
	for l := 0; l < n; l++ {
		assert.Equal(t, 1, counts[l], "prefix length %d", l)
	}
	assert.Len(t, h.Events("k"), n)
	assert.Empty(t, h.AppendAndSnapshot("other", event(model.KindBotActivity, 0)))
}
