package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"threatguard/internal/model"
)

type dedupeItem struct {
	at         time.Time
	assessment model.ThreatAssessment
}

// DedupeCache remembers the assessment of each event for a short window so
// a redelivered event yields the same answer without touching profiles.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]dedupeItem
	limit int
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]dedupeItem), limit: 10000}
}

func (d *DedupeCache) Get(key string, now time.Time, ttl time.Duration) (model.ThreatAssessment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[key]
	if !ok {
		return model.ThreatAssessment{}, false
	}
	if now.Sub(it.at) > ttl {
		delete(d.items, key)
		return model.ThreatAssessment{}, false
	}
	return it.assessment.Clone(), true
}

func (d *DedupeCache) Put(key string, a model.ThreatAssessment, now time.Time, ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[key] = dedupeItem{at: now, assessment: a}
	if len(d.items) > d.limit {
		d.compact(now, ttl)
	}
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, it := range d.items {
		if now.Sub(it.at) > ttl {
			delete(d.items, k)
		}
	}
}

func hashEvent(ev model.SecurityEvent) string {
	parts := []string{
		string(ev.Kind),
		ev.ClientIP,
		ev.UserID,
		ev.SessionID,
		ev.Geolocation,
		ev.Endpoint(),
		ev.Source,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
