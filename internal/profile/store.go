package profile

import (
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"threatguard/internal/model"
)

const (
	GeoHistoryCap       = 5
	UserAgentHistoryCap = 3
	EndpointCap         = 256
)

// Risk contributions recomputed on every sighting after the first.
const (
	riskLowSuccessRate = 30
	riskFastInterval   = 25
	riskManyGeos       = 20
	riskManyAgents     = 15
	riskHighVolume     = 10

	fastInterval     = time.Second
	highVolumeCount  = 10000
	suspiciousAbove  = 50
	blockedAbove     = 80
	manyGeosAbove    = 3
	manyAgentsAbove  = 2
	lowSuccessBelow  = 0.5
	maxProfileRisk   = 100
	defaultShards    = 16
	defaultCapacity  = 100000
	minShardCapacity = 16
)

type entry struct {
	firstSeen    time.Time
	lastSeen     time.Time
	requests     int
	errors       int
	avgInterval  time.Duration
	lastInterval time.Duration
	geos         []string
	agents       []string
	endpoints    map[string]int
	risk         int
	status       model.ProfileStatus
}

func (e *entry) snapshot(key string) model.ClientProfile {
	p := model.ClientProfile{
		Key:          key,
		FirstSeen:    e.firstSeen,
		LastSeen:     e.lastSeen,
		RequestCount: e.requests,
		ErrorCount:   e.errors,
		AvgInterval:  e.avgInterval,
		LastInterval: e.lastInterval,
		Geolocations: append([]string(nil), e.geos...),
		UserAgents:   append([]string(nil), e.agents...),
		RiskScore:    e.risk,
		Status:       e.status,
	}
	if len(e.endpoints) > 0 {
		p.EndpointCounts = make(map[string]int, len(e.endpoints))
		for k, v := range e.endpoints {
			p.EndpointCounts[k] = v
		}
	}
	return p
}

// Observation carries the profile before and after one event was applied.
type Observation struct {
	Existed  bool
	Previous model.ClientProfile
	Current  model.ClientProfile
}

type shard struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *entry]
}

// Store keeps one behavior profile per client key. Keys hash onto shards;
// each shard serializes read-modify-write of its profiles and evicts the
// least recently observed profile beyond its capacity.
type Store struct {
	shards []*shard
}

func NewStore(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	n := defaultShards
	per := capacity / n
	if per < minShardCapacity {
		per = minShardCapacity
	}
	s := &Store{shards: make([]*shard, n)}
	for i := range s.shards {
		c, err := lru.New[string, *entry](per)
		if err != nil {
			return nil, err
		}
		s.shards[i] = &shard{cache: c}
	}
	return s, nil
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Observe applies ev to the profile for key, creating it on first sighting.
func (s *Store) Observe(key string, ev model.SecurityEvent) Observation {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.cache.Get(key)
	if !ok {
		e = &entry{
			firstSeen: ev.Timestamp,
			lastSeen:  ev.Timestamp,
			requests:  1,
			endpoints: make(map[string]int),
			status:    model.ProfileNormal,
		}
		if ev.IsError() {
			e.errors = 1
		}
		e.geos = pushBounded(e.geos, ev.Geolocation, GeoHistoryCap)
		e.agents = pushBounded(e.agents, ev.UserAgent(), UserAgentHistoryCap)
		countEndpoint(e.endpoints, ev.Endpoint())
		sh.cache.Add(key, e)
		return Observation{Current: e.snapshot(key)}
	}

	prev := e.snapshot(key)
	e.requests++
	if ev.IsError() {
		e.errors++
	}
	interval := ev.Timestamp.Sub(e.lastSeen)
	if interval < 0 {
		interval = 0
	}
	e.lastInterval = interval
	intervals := time.Duration(e.requests - 1)
	e.avgInterval += (interval - e.avgInterval) / intervals
	if ev.Timestamp.After(e.lastSeen) {
		e.lastSeen = ev.Timestamp
	}
	e.geos = pushBounded(e.geos, ev.Geolocation, GeoHistoryCap)
	e.agents = pushBounded(e.agents, ev.UserAgent(), UserAgentHistoryCap)
	countEndpoint(e.endpoints, ev.Endpoint())
	e.risk = riskScore(e)
	e.status = statusFor(e.risk)
	return Observation{Existed: true, Previous: prev, Current: e.snapshot(key)}
}

func riskScore(e *entry) int {
	risk := 0
	if e.requests > 0 && float64(e.requests-e.errors)/float64(e.requests) < lowSuccessBelow {
		risk += riskLowSuccessRate
	}
	if e.avgInterval < fastInterval {
		risk += riskFastInterval
	}
	if len(e.geos) > manyGeosAbove {
		risk += riskManyGeos
	}
	if len(e.agents) > manyAgentsAbove {
		risk += riskManyAgents
	}
	if e.requests > highVolumeCount {
		risk += riskHighVolume
	}
	if risk > maxProfileRisk {
		risk = maxProfileRisk
	}
	return risk
}

func statusFor(risk int) model.ProfileStatus {
	switch {
	case risk > blockedAbove:
		return model.ProfileBlocked
	case risk > suspiciousAbove:
		return model.ProfileSuspicious
	}
	return model.ProfileNormal
}

// pushBounded moves an existing value to the most recent position or appends
// a new one, trimming the oldest beyond limit.
func pushBounded(list []string, v string, limit int) []string {
	if v == "" {
		return list
	}
	for i, cur := range list {
		if cur == v {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	list = append(list, v)
	if len(list) > limit {
		list = append([]string(nil), list[len(list)-limit:]...)
	}
	return list
}

func countEndpoint(m map[string]int, endpoint string) {
	if endpoint == "" {
		return
	}
	if _, ok := m[endpoint]; !ok && len(m) >= EndpointCap {
		return
	}
	m[endpoint]++
}

func (s *Store) Get(key string) (model.ClientProfile, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.cache.Peek(key)
	if !ok {
		return model.ClientProfile{}, false
	}
	return e.snapshot(key), true
}

// Clear removes the profile, e.g. after a confirmed false positive.
func (s *Store) Clear(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.cache.Remove(key)
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		n += sh.cache.Len()
	}
	return n
}

// Key derives the profile key for an event.
func Key(ev model.SecurityEvent, includeUser bool) string {
	if includeUser && ev.UserID != "" {
		return ev.ClientIP + "|" + ev.UserID
	}
	return ev.ClientIP
}
