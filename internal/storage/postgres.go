package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/threatguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			kind TEXT NOT NULL,
			level TEXT NOT NULL,
			severity TEXT NOT NULL,
			state TEXT NOT NULL,
			source_ip TEXT NOT NULL,
			affected_user TEXT,
			endpoint TEXT,
			workflow TEXT,
			resolution TEXT,
			completed_at TIMESTAMPTZ,
			actions_json JSONB NOT NULL,
			follow_ups_json JSONB,
			tags_json JSONB,
			techniques_json JSONB,
			evidence_json JSONB,
			snapshot_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_ts ON incidents(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_source ON incidents(source_ip)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			source TEXT NOT NULL,
			actor TEXT,
			target TEXT,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			details_json JSONB,
			prev_hash TEXT,
			hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts)`,
	})
}
