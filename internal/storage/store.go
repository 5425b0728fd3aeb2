package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"threatguard/internal/config"
	"threatguard/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// Store persists incidents and audit entries. SaveIncident upserts by id so
// the final state of an incident replaces earlier writes.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveIncident(ctx context.Context, inc model.SecurityIncident) error
	SaveAuditEntry(ctx context.Context, e model.AuditEntry) error
}

// NewStore returns nil when storage is disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, ErrUnsupportedDriver
	}
}

type baseStore struct {
	db *sql.DB
	// numbered placeholders ($1) instead of ?
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) rebind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const upsertIncident = `INSERT INTO incidents (id, ts, kind, level, severity, state, source_ip, affected_user, endpoint,
		workflow, resolution, completed_at, actions_json, follow_ups_json, tags_json, techniques_json, evidence_json, snapshot_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		state = excluded.state,
		resolution = excluded.resolution,
		completed_at = excluded.completed_at,
		actions_json = excluded.actions_json,
		follow_ups_json = excluded.follow_ups_json,
		tags_json = excluded.tags_json,
		evidence_json = excluded.evidence_json`

func (b *baseStore) SaveIncident(ctx context.Context, inc model.SecurityIncident) error {
	if b.db == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := b.db.ExecContext(ctx, b.rebind(upsertIncident),
		inc.ID,
		inc.Timestamp.UTC(),
		string(inc.Kind),
		inc.Level.String(),
		string(inc.Severity),
		string(inc.State),
		inc.SourceIP,
		inc.AffectedUser,
		inc.Endpoint,
		inc.Workflow,
		inc.Resolution,
		nullTime(inc.CompletedAt),
		encodeJSON(inc.Actions),
		encodeJSON(inc.FollowUps),
		encodeJSON(inc.Tags),
		encodeJSON(inc.Techniques),
		encodeJSON(inc.Evidence),
		encodeJSON(inc.RequestSnapshot),
	)
	return err
}

const insertAudit = `INSERT INTO audit_log (id, ts, event_type, severity, source, actor, target, action, outcome,
		details_json, prev_hash, hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING`

func (b *baseStore) SaveAuditEntry(ctx context.Context, e model.AuditEntry) error {
	if b.db == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := b.db.ExecContext(ctx, b.rebind(insertAudit),
		e.ID,
		e.Timestamp.UTC(),
		string(e.EventType),
		string(e.Severity),
		e.Source,
		e.Actor,
		e.Target,
		e.Action,
		string(e.Outcome),
		encodeJSON(e.Details),
		e.PrevHash,
		e.Hash,
	)
	return err
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
