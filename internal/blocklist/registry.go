package blocklist

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var ErrTrusted = errors.New("key is trusted by access policy")

type Kind string

const (
	KindIPBlock        Kind = "ip_block"
	KindAccountLock    Kind = "account_lock"
	KindSessionRevoked Kind = "session_revoked"
	KindFileQuarantine Kind = "file_quarantine"
	KindMFARequired    Kind = "mfa_required"
	KindWatch          Kind = "watch"
)

// denying kinds make IsBlocked report true.
var denyingKinds = []Kind{KindIPBlock, KindAccountLock, KindSessionRevoked}

type Entry struct {
	Kind      Kind      `json:"kind"`
	Key       string    `json:"key"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e Entry) Permanent() bool {
	return e.ExpiresAt.IsZero()
}

func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

type shard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// Registry holds restrictions keyed by kind and subject. Expired entries are
// dropped lazily on read and reclaimed by Sweep.
type Registry struct {
	shards []*shard
	policy atomic.Pointer[AccessPolicy]
	now    func() time.Time
}

const defaultShards = 16

func NewRegistry(policy *AccessPolicy) *Registry {
	r := &Registry{
		shards: make([]*shard, defaultShards),
		now:    func() time.Time { return time.Now().UTC() },
	}
	r.policy.Store(policy)
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]Entry)}
	}
	return r
}

// SetClock replaces the time source; tests only.
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// SetPolicy swaps the access policy. Readers see either the old or the new
// policy, never a mix.
func (r *Registry) SetPolicy(policy *AccessPolicy) {
	r.policy.Store(policy)
}

func (r *Registry) Policy() *AccessPolicy {
	return r.policy.Load()
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func entryID(kind Kind, key string) string {
	return string(kind) + "|" + key
}

// Add registers a restriction. A zero duration is permanent. An existing
// entry is never shortened: a permanent entry stays permanent and a later
// expiry wins.
func (r *Registry) Add(kind Kind, key string, duration time.Duration, reason string) (Entry, error) {
	if key == "" {
		return Entry{}, errors.New("empty key")
	}
	if kind == KindIPBlock && r.Policy().IsTrusted(key) {
		return Entry{}, ErrTrusted
	}
	now := r.now()
	next := Entry{Kind: kind, Key: key, Reason: reason, CreatedAt: now}
	if duration > 0 {
		next.ExpiresAt = now.Add(duration)
	}
	id := entryID(kind, key)
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[id]; ok && !cur.Expired(now) {
		if cur.Permanent() {
			return cur, nil
		}
		if !next.Permanent() && cur.ExpiresAt.After(next.ExpiresAt) {
			return cur, nil
		}
		next.CreatedAt = cur.CreatedAt
	}
	s.entries[id] = next
	return next, nil
}

func (r *Registry) Remove(kind Kind, key string) bool {
	id := entryID(kind, key)
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

func (r *Registry) Active(kind Kind, key string) (Entry, bool) {
	id := entryID(kind, key)
	s := r.shardFor(id)
	now := r.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	if e.Expired(now) {
		delete(s.entries, id)
		return Entry{}, false
	}
	return e, true
}

// IsBlocked reports whether key is denied by policy or carries an active
// denying restriction. Trusted keys are never blocked.
func (r *Registry) IsBlocked(key string) bool {
	policy := r.Policy()
	if policy.IsDenied(key) {
		return true
	}
	if policy.IsTrusted(key) {
		return false
	}
	for _, k := range denyingKinds {
		if _, ok := r.Active(k, key); ok {
			return true
		}
	}
	return false
}

// List returns active entries of kind, or of every kind when kind is empty.
func (r *Registry) List(kind Kind) []Entry {
	now := r.now()
	var out []Entry
	for _, s := range r.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.Expired(now) {
				continue
			}
			if kind != "" && e.Kind != kind {
				continue
			}
			out = append(out, e)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return entryID(out[i].Kind, out[i].Key) < entryID(out[j].Kind, out[j].Key)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep deletes entries expired at now and returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if e.Expired(now) {
				delete(s.entries, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(r.now())
			}
		}
	}()
}
