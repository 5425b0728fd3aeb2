package incidents

import (
	"errors"
	"sync"
	"time"

	"threatguard/internal/model"
)

var (
	ErrClosed   = errors.New("incident store closed")
	ErrNotFound = errors.New("incident not found")
)

// Store keeps recent incidents in insertion order, bounded by limit and by
// the retention period measured from each incident's timestamp.
type Store struct {
	mu        sync.RWMutex
	buf       []model.SecurityIncident
	index     map[string]int
	limit     int
	retention time.Duration
	closed    bool
}

func NewStore(limit int, retention time.Duration) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit, retention: retention, index: make(map[string]int)}
}

func (s *Store) Add(inc model.SecurityIncident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.index[inc.ID]; ok {
		return errors.New("duplicate incident id")
	}
	if len(s.buf) >= s.limit {
		s.buf = append(s.buf[:0:0], s.buf[1:]...)
		s.reindex()
	}
	s.buf = append(s.buf, inc.Clone())
	s.index[inc.ID] = len(s.buf) - 1
	return nil
}

// Update replaces a stored incident. An incident already evicted is
// re-added so the final state is never lost.
func (s *Store) Update(inc model.SecurityIncident) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if i, ok := s.index[inc.ID]; ok {
		s.buf[i] = inc.Clone()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.Add(inc)
}

func (s *Store) Get(id string) (model.SecurityIncident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return model.SecurityIncident{}, ErrNotFound
	}
	return s.buf[i].Clone(), nil
}

// List returns up to limit of the most recent incidents, oldest first.
func (s *Store) List(limit int) []model.SecurityIncident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.SecurityIncident, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i].Clone())
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.SecurityIncident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SecurityIncident, 0)
	for i := range s.buf {
		if !s.buf[i].Timestamp.Before(ts) {
			out = append(out, s.buf[i].Clone())
		}
	}
	return out
}

// Sweep drops incidents older than the retention period.
func (s *Store) Sweep(now time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.buf[:0]
	removed := 0
	for _, inc := range s.buf {
		if inc.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, inc)
	}
	s.buf = kept
	s.reindex()
	return removed
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

// Close rejects further writes; reads keep working.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.buf))
	for i := range s.buf {
		s.index[s.buf[i].ID] = i
	}
}
