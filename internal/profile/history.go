package profile

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"threatguard/internal/model"
)

const DefaultHistoryLimit = 100

type ring struct {
	buf   []model.SecurityEvent
	start int
	n     int
}

func (r *ring) push(ev model.SecurityEvent) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) snapshot() []model.SecurityEvent {
	if r.n == 0 {
		return nil
	}
	out := make([]model.SecurityEvent, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// History keeps the most recent events per client in fixed-size rings.
type History struct {
	mu    sync.Mutex
	limit int
	cache *lru.Cache[string, *ring]
}

func NewHistory(clients, limit int) (*History, error) {
	if clients <= 0 {
		clients = defaultCapacity
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	c, err := lru.New[string, *ring](clients)
	if err != nil {
		return nil, err
	}
	return &History{limit: limit, cache: c}, nil
}

func (h *History) Append(key string, ev model.SecurityEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ringFor(key).push(ev)
}

// AppendAndSnapshot returns the client's history before ev, oldest first,
// and appends ev in the same critical section. Concurrent callers for one
// key each see the events of those that went before.
func (h *History) AppendAndSnapshot(key string, ev model.SecurityEvent) []model.SecurityEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.ringFor(key)
	prior := r.snapshot()
	r.push(ev)
	return prior
}

// Events returns a copy of the client's history, oldest first.
func (h *History) Events(key string) []model.SecurityEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.cache.Peek(key)
	if !ok {
		return nil
	}
	return r.snapshot()
}

func (h *History) ringFor(key string) *ring {
	r, ok := h.cache.Get(key)
	if !ok {
		r = &ring{buf: make([]model.SecurityEvent, h.limit)}
		h.cache.Add(key, r)
	}
	return r
}

// Since returns events with from <= Timestamp <= until, oldest first.
func (h *History) Since(key string, from, until time.Time) []model.SecurityEvent {
	all := h.Events(key)
	out := all[:0]
	for _, ev := range all {
		if ev.Timestamp.Before(from) || ev.Timestamp.After(until) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (h *History) Clear(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache.Remove(key)
}

func (h *History) Len() int {
	return h.cache.Len()
}
