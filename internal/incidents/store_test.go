package incidents

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatguard/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func inc(id string, at time.Duration) model.SecurityIncident {
	return model.SecurityIncident{ID: id, State: model.IncidentCreated, Timestamp: t0.Add(at)}
}

func TestAddEvictsOldest(t *testing.T) {
	s := NewStore(3, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add(inc(fmt.Sprintf("i%d", i), time.Duration(i)*time.Minute)))
	}
	list := s.List(0)
	require.Len(t, list, 3)
	assert.Equal(t, "i2", list[0].ID)
	assert.Equal(t, "i4", list[2].ID)
	_, err := s.Get("i0")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, s.List(2), 2)
}

func TestUpdateReplacesAndDetaches(t *testing.T) {
	s := NewStore(10, 0)
	i := inc("a", 0)
	require.NoError(t, s.Add(i))
	i.State = model.IncidentResolved
	i.Actions = append(i.Actions, model.RecoveryActionResult{Action: model.ActionMonitor, Success: true})
	require.NoError(t, s.Update(i))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentResolved, got.State)
	got.Actions[0].Success = false
	again, _ := s.Get("a")
	assert.True(t, again.Actions[0].Success)

	require.NoError(t, s.Update(inc("b", time.Minute)))
	assert.Equal(t, 2, s.Len())
	assert.Error(t, s.Add(inc("b", time.Minute)))
}

func TestSweepRetention(t *testing.T) {
	s := NewStore(10, time.Hour)
	require.NoError(t, s.Add(inc("old", 0)))
	require.NoError(t, s.Add(inc("new", 90*time.Minute)))
	assert.Equal(t, 1, s.Sweep(t0.Add(2*time.Hour)))
	_, err := s.Get("new")
	assert.NoError(t, err)
	assert.Len(t, s.Since(t0), 1)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := NewStore(10, 0)
	require.NoError(t, s.Add(inc("a", 0)))
	s.Close()
	assert.ErrorIs(t, s.Add(inc("b", 0)), ErrClosed)
	assert.ErrorIs(t, s.Update(inc("a", 0)), ErrClosed)
	_, err := s.Get("a")
	assert.NoError(t, err)
}
