package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"threatguard/internal/logging"
	"threatguard/internal/model"
)

var ErrInvalidEntry = errors.New("invalid audit entry")

// Archiver receives entries evicted from the in-memory log.
type Archiver interface {
	Archive(entries []model.AuditEntry) error
}

// Sink persists entries. Implementations must not block for long; the log
// calls it after releasing its lock.
type Sink interface {
	SaveAuditEntry(ctx context.Context, e model.AuditEntry) error
}

// Log is an append-only, hash-chained audit trail bounded to limit entries.
type Log struct {
	mu       sync.RWMutex
	entries  []model.AuditEntry
	limit    int
	lastHash string
	archiver Archiver
	sink     Sink
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Log)

func WithArchiver(a Archiver) Option {
	return func(l *Log) { l.archiver = a }
}

func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

func New(limit int, logger *slog.Logger, opts ...Option) *Log {
	if limit <= 0 {
		limit = 10000
	}
	l := &Log{
		limit:  limit,
		logger: logging.For(logger, "audit"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append assigns id, timestamp and chain link, seals the entry with its
// hash and stores it. The stored copy is returned.
func (l *Log) Append(e model.AuditEntry) (model.AuditEntry, error) {
	if e.Action == "" || e.EventType == "" {
		return model.AuditEntry{}, ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Severity == "" {
		e.Severity = model.SeverityLow
	}
	if e.Outcome == "" {
		e.Outcome = model.OutcomeSuccess
	}
	details, err := detachDetails(e.Details)
	if err != nil {
		return model.AuditEntry{}, err
	}
	e.Details = details

	l.mu.Lock()
	e.PrevHash = l.lastHash
	hash, err := ComputeHash(e)
	if err != nil {
		l.mu.Unlock()
		return model.AuditEntry{}, err
	}
	e.Hash = hash
	l.entries = append(l.entries, e)
	l.lastHash = hash
	var evicted []model.AuditEntry
	if over := len(l.entries) - l.limit; over > 0 {
		evicted = append([]model.AuditEntry(nil), l.entries[:over]...)
		l.entries = append([]model.AuditEntry(nil), l.entries[over:]...)
	}
	l.mu.Unlock()

	if len(evicted) > 0 && l.archiver != nil {
		if err := l.archiver.Archive(evicted); err != nil {
			l.logger.Error("audit archive failed", "entries", len(evicted), "err", err)
		}
	}
	if l.sink != nil {
		if err := l.sink.SaveAuditEntry(context.Background(), e); err != nil {
			l.logger.Warn("audit sink rejected entry", "id", e.ID, "err", err)
		}
	}
	out := e
	out.Details = copyDetails(e.Details)
	return out, nil
}

// Query returns entries with start <= Timestamp <= end. A zero bound is open.
func (l *Log) Query(start, end time.Time) []model.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.AuditEntry, 0)
	for _, e := range l.entries {
		if !start.IsZero() && e.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			continue
		}
		cp := e
		cp.Details = copyDetails(e.Details)
		out = append(out, cp)
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

type IntegrityReport struct {
	Valid       bool     `json:"valid"`
	Checked     int      `json:"checked"`
	TamperedIDs []string `json:"tampered_ids"`
	BrokenLinks []string `json:"broken_links,omitempty"`
}

// VerifyIntegrity recomputes every entry's hash. Entries whose content no
// longer matches are reported in TamperedIDs; entries whose PrevHash does
// not match their predecessor are reported in BrokenLinks. Nothing is
// corrected.
func (l *Log) VerifyIntegrity() IntegrityReport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rep := IntegrityReport{Checked: len(l.entries), TamperedIDs: []string{}}
	for i, e := range l.entries {
		hash, err := ComputeHash(e)
		if err != nil || hash != e.Hash {
			rep.TamperedIDs = append(rep.TamperedIDs, e.ID)
		}
		if i > 0 && e.PrevHash != l.entries[i-1].Hash {
			rep.BrokenLinks = append(rep.BrokenLinks, e.ID)
		}
	}
	rep.Valid = len(rep.TamperedIDs) == 0 && len(rep.BrokenLinks) == 0
	return rep
}

// detachDetails rebuilds m from its JSON encoding so the stored entry shares
// no nested map or slice with the caller. Values come back as the JSON
// decoder produces them, which is also what the hash covers.
func detachDetails(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode audit details: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode audit details: %w", err)
	}
	return out, nil
}

// copyDetails deep-copies detached details, which hold only JSON values.
func copyDetails(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyDetails(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
