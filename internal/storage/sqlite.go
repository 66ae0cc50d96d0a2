package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"safesight/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:safesight.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY,
			camera_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT NOT NULL,
			location TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_updated_at TEXT NOT NULL,
			dismissed_at TEXT,
			alert_dispatched INTEGER NOT NULL,
			alert_ref TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_camera ON incidents(camera_id)`,
		`CREATE TABLE IF NOT EXISTS incident_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id INTEGER NOT NULL,
			camera_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			severity TEXT NOT NULL,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_incident ON incident_transitions(incident_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveIncident(ctx context.Context, inc model.Incident) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, camera_id, type, severity, status, description, location,
			created_at, last_updated_at, dismissed_at, alert_dispatched, alert_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			status = excluded.status,
			last_updated_at = excluded.last_updated_at,
			dismissed_at = excluded.dismissed_at,
			alert_dispatched = excluded.alert_dispatched,
			alert_ref = excluded.alert_ref`,
		inc.ID,
		inc.CameraID,
		string(inc.Type),
		string(inc.Severity),
		string(inc.Status),
		inc.Description,
		inc.Location,
		inc.CreatedAt.UTC(),
		inc.LastUpdatedAt.UTC(),
		nullableTime(inc.DismissedAt),
		inc.AlertDispatched,
		inc.AlertRef,
	)
	return err
}

func (s *sqliteStore) SaveTransition(ctx context.Context, tr Transition) error {
	if s.db == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incident_transitions (incident_id, camera_id, from_status, to_status, severity, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tr.IncidentID,
		tr.CameraID,
		string(tr.From),
		string(tr.To),
		string(tr.Severity),
		tr.Timestamp.UTC(),
	)
	return err
}
