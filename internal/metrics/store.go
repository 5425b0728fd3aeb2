package metrics

import (
	"sync"
	"time"

	"threatguard/internal/model"
)

// ThreatStats is the aggregate attached to incidents as evidence.
type ThreatStats struct {
	Events        int            `json:"events"`
	ByKind        map[string]int `json:"by_kind"`
	ByLevel       map[string]int `json:"by_level"`
	AutoBlocks    int            `json:"auto_blocks"`
	Fallbacks     int            `json:"fallbacks"`
	LastEventAt   time.Time      `json:"last_event_at,omitempty"`
	TopSourceIPs  []SourceCount  `json:"top_source_ips,omitempty"`
	TrackedSource int            `json:"tracked_sources"`
}

type SourceCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// Store aggregates threat statistics in memory. Per-source counters are
// bounded; the least recently updated source is evicted first.
type Store struct {
	mu         sync.RWMutex
	events     int
	byKind     map[string]int
	byLevel    map[string]int
	autoBlocks int
	fallbacks  int
	lastEvent  time.Time
	bySource   map[string]int
	updatedAt  map[string]time.Time
	limit      int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byKind:    make(map[string]int),
		byLevel:   make(map[string]int),
		bySource:  make(map[string]int),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Record(ev model.SecurityEvent, a model.ThreatAssessment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events++
	s.byKind[string(ev.Kind)]++
	s.byLevel[a.Level.String()]++
	if a.AutoBlock {
		s.autoBlocks++
	}
	if a.Fallback {
		s.fallbacks++
	}
	if ev.Timestamp.After(s.lastEvent) {
		s.lastEvent = ev.Timestamp
	}
	if ev.ClientIP == "" {
		return
	}
	s.bySource[ev.ClientIP]++
	s.updatedAt[ev.ClientIP] = ev.Timestamp
	if len(s.bySource) > s.limit {
		s.evictOldest()
	}
}

// Snapshot returns a copy with the top n sources by event count.
func (s *Store) Snapshot(top int) ThreatStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := ThreatStats{
		Events:        s.events,
		ByKind:        make(map[string]int, len(s.byKind)),
		ByLevel:       make(map[string]int, len(s.byLevel)),
		AutoBlocks:    s.autoBlocks,
		Fallbacks:     s.fallbacks,
		LastEventAt:   s.lastEvent,
		TrackedSource: len(s.bySource),
	}
	for k, v := range s.byKind {
		out.ByKind[k] = v
	}
	for k, v := range s.byLevel {
		out.ByLevel[k] = v
	}
	if top > 0 {
		out.TopSourceIPs = topSources(s.bySource, top)
	}
	return out
}

func topSources(m map[string]int, n int) []SourceCount {
	list := make([]SourceCount, 0, len(m))
	for ip, c := range m {
		list = append(list, SourceCount{IP: ip, Count: c})
	}
	// partial selection sort; n is small
	for i := 0; i < len(list) && i < n; i++ {
		best := i
		for j := i + 1; j < len(list); j++ {
			if list[j].Count > list[best].Count ||
				(list[j].Count == list[best].Count && list[j].IP < list[best].IP) {
				best = j
			}
		}
		list[i], list[best] = list[best], list[i]
	}
	if len(list) > n {
		list = list[:n]
	}
	return list
}

func (s *Store) evictOldest() {
	var oldestIP string
	var oldest time.Time
	for ip, ts := range s.updatedAt {
		if oldestIP == "" || ts.Before(oldest) {
			oldestIP = ip
			oldest = ts
		}
	}
	if oldestIP != "" {
		delete(s.bySource, oldestIP)
		delete(s.updatedAt, oldestIP)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events, s.autoBlocks, s.fallbacks = 0, 0, 0
	s.lastEvent = time.Time{}
	s.byKind = make(map[string]int)
	s.byLevel = make(map[string]int)
	s.bySource = make(map[string]int)
	s.updatedAt = make(map[string]time.Time)
}
