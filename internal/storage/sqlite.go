package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:threatguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			level TEXT NOT NULL,
			severity TEXT NOT NULL,
			state TEXT NOT NULL,
			source_ip TEXT NOT NULL,
			affected_user TEXT,
			endpoint TEXT,
			workflow TEXT,
			resolution TEXT,
			completed_at TEXT,
			actions_json TEXT NOT NULL,
			follow_ups_json TEXT,
			tags_json TEXT,
			techniques_json TEXT,
			evidence_json TEXT,
			snapshot_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_ts ON incidents(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_source ON incidents(source_ip)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			source TEXT NOT NULL,
			actor TEXT,
			target TEXT,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			details_json TEXT,
			prev_hash TEXT,
			hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts)`,
	})
}
