package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"threatguard/internal/blocklist"
	"threatguard/internal/config"
	"threatguard/internal/model"
)

var (
	ErrInvalidLimit    = errors.New("rate limit must be >= 0")
	ErrInvalidWindow   = errors.New("rate limit window must be > 0")
	ErrUnknownEndpoint = errors.New("no rate limit configured for endpoint")
)

// Policy overrides the caller-supplied limit for a key until ExpiresAt.
// A zero ExpiresAt never expires.
type Policy struct {
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	ExpiresAt time.Time     `json:"expires_at,omitempty"`
}

func (p Policy) active(now time.Time) bool {
	return p.ExpiresAt.IsZero() || now.Before(p.ExpiresAt)
}

type shard struct {
	mu        sync.Mutex
	windows   map[string]*window
	overrides map[string]Policy
}

// Limiter is a sliding-window limiter. Each key's prune, count and append
// happen under that key's shard lock, so concurrent callers cannot
// over-admit.
type Limiter struct {
	shards    []*shard
	now       func() time.Time
	registry  *blocklist.Registry
	mu        sync.RWMutex
	endpoints map[string]config.EndpointLimit
}

func New(cfg config.RateLimitConfig, registry *blocklist.Registry) *Limiter {
	n := cfg.Shards
	if n <= 0 {
		n = 32
	}
	l := &Limiter{
		shards:   make([]*shard, n),
		now:      func() time.Time { return time.Now().UTC() },
		registry: registry,
	}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window), overrides: make(map[string]Policy)}
	}
	l.SetEndpoints(cfg.Endpoints)
	return l
}

// SetClock replaces the time source; tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

func (l *Limiter) SetEndpoints(endpoints map[string]config.EndpointLimit) {
	cp := make(map[string]config.EndpointLimit, len(endpoints))
	for k, v := range endpoints {
		cp[k] = v
	}
	l.mu.Lock()
	l.endpoints = cp
	l.mu.Unlock()
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *Limiter) Check(key string, limit int, window time.Duration) (model.LimitResult, error) {
	return l.CheckAt(key, limit, window, l.now())
}

// CheckAt evaluates one request for key at now. Timestamps older than
// now-window are discarded first; the request is admitted while the
// remaining count is below limit. An active policy override replaces the
// supplied limit and window.
func (l *Limiter) CheckAt(key string, limit int, span time.Duration, now time.Time) (model.LimitResult, error) {
	if limit < 0 {
		return model.LimitResult{}, ErrInvalidLimit
	}
	if span <= 0 {
		return model.LimitResult{}, ErrInvalidWindow
	}
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.overrides[key]; ok {
		if p.active(now) {
			limit, span = p.Limit, p.Window
		} else {
			delete(s.overrides, key)
		}
	}

	w, ok := s.windows[key]
	if !ok {
		w = newWindow()
		s.windows[key] = w
	}
	w.span = span
	now = w.clamp(now)
	w.evict(now.Add(-span))

	res := model.LimitResult{Allowed: w.count() < limit}
	if res.Allowed {
		w.add(now)
	}
	res.Count = w.count()
	res.Remaining = limit - res.Count
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if oldest, ok := w.oldest(); ok {
		res.ResetTime = oldest.Add(span)
	} else {
		res.ResetTime = now.Add(span)
	}
	if w.count() == 0 {
		delete(s.windows, key)
	}
	return res, nil
}

// SetPolicy installs an override for key. ttl <= 0 keeps it until cleared.
func (l *Limiter) SetPolicy(key string, limit int, window, ttl time.Duration) (Policy, error) {
	if limit < 0 {
		return Policy{}, ErrInvalidLimit
	}
	if window <= 0 {
		return Policy{}, ErrInvalidWindow
	}
	p := Policy{Limit: limit, Window: window}
	if ttl > 0 {
		p.ExpiresAt = l.now().Add(ttl)
	}
	s := l.shardFor(key)
	s.mu.Lock()
	s.overrides[key] = p
	s.mu.Unlock()
	return p, nil
}

func (l *Limiter) ClearPolicy(key string) {
	s := l.shardFor(key)
	s.mu.Lock()
	delete(s.overrides, key)
	s.mu.Unlock()
}

func (l *Limiter) PolicyFor(key string) (Policy, bool) {
	s := l.shardFor(key)
	now := l.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.overrides[key]
	if !ok || !p.active(now) {
		return Policy{}, false
	}
	return p, true
}

type EndpointResult struct {
	model.LimitResult
	Scope   string `json:"scope"`
	Blocked bool   `json:"blocked"`
}

// CheckEndpoint applies the per-user limit first and the per-IP limit only
// when the user check passes. An active override installed with SetPolicy on
// the bare IP or "user:"+userID tightens that identity's endpoint limit. A
// denial registers a temporary restriction on the failing identity when the
// endpoint configures a block duration.
func (l *Limiter) CheckEndpoint(endpoint, userID, ip string) (EndpointResult, error) {
	l.mu.RLock()
	lim, ok := l.endpoints[endpoint]
	l.mu.RUnlock()
	if !ok {
		return EndpointResult{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	now := l.now()
	ipLimit, ipSpan, ipOn := l.effective(ip, lim.IPLimit, lim.Window)
	if userID != "" {
		userLimit, userSpan, userOn := l.effective("user:"+userID, lim.UserLimit, lim.Window)
		if userOn {
			res, err := l.CheckAt("user:"+endpoint+":"+userID, userLimit, userSpan, now)
			if err != nil {
				return EndpointResult{}, err
			}
			if !res.Allowed {
				out := EndpointResult{LimitResult: res, Scope: "user"}
				out.Blocked = l.block(blocklist.KindAccountLock, "user:"+userID, lim.BlockDuration, endpoint)
				return out, nil
			}
			if ip == "" || !ipOn {
				return EndpointResult{LimitResult: res, Scope: "user"}, nil
			}
		}
	}
	if ip == "" || !ipOn {
		return EndpointResult{LimitResult: model.LimitResult{Allowed: true, ResetTime: now}, Scope: "none"}, nil
	}
	res, err := l.CheckAt("ip:"+endpoint+":"+ip, ipLimit, ipSpan, now)
	if err != nil {
		return EndpointResult{}, err
	}
	out := EndpointResult{LimitResult: res, Scope: "ip"}
	if !res.Allowed {
		out.Blocked = l.block(blocklist.KindIPBlock, ip, lim.BlockDuration, endpoint)
	}
	return out, nil
}

// effective returns the limit to apply for identity: the configured one, or
// an active override when it is stricter. on is false when neither applies.
func (l *Limiter) effective(identity string, limit int, span time.Duration) (int, time.Duration, bool) {
	on := limit > 0
	if identity == "" {
		return limit, span, on
	}
	if p, ok := l.PolicyFor(identity); ok && (!on || p.Limit < limit) {
		return p.Limit, p.Window, true
	}
	return limit, span, on
}

func (l *Limiter) block(kind blocklist.Kind, key string, d time.Duration, endpoint string) bool {
	if l.registry == nil || d <= 0 {
		return false
	}
	_, err := l.registry.Add(kind, key, d, "rate limit exceeded on "+endpoint)
	return err == nil
}

// Sweep drops idle windows and expired overrides.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for k, w := range s.windows {
			if w.idle(now) {
				delete(s.windows, k)
				removed++
			}
		}
		for k, p := range s.overrides {
			if !p.active(now) {
				delete(s.overrides, k)
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (l *Limiter) Keys() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
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
				l.Sweep(l.now())
			}
		}
	}()
}
