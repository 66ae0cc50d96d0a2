package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"safesight/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/safesight?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id BIGINT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT NOT NULL,
			location TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_updated_at TIMESTAMPTZ NOT NULL,
			dismissed_at TIMESTAMPTZ,
			alert_dispatched BOOLEAN NOT NULL,
			alert_ref TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_camera ON incidents(camera_id)`,
		`CREATE TABLE IF NOT EXISTS incident_transitions (
			id BIGSERIAL PRIMARY KEY,
			incident_id BIGINT NOT NULL,
			camera_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			severity TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL
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

func (s *postgresStore) SaveIncident(ctx context.Context, inc model.Incident) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, camera_id, type, severity, status, description, location,
			created_at, last_updated_at, dismissed_at, alert_dispatched, alert_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			last_updated_at = EXCLUDED.last_updated_at,
			dismissed_at = EXCLUDED.dismissed_at,
			alert_dispatched = EXCLUDED.alert_dispatched,
			alert_ref = EXCLUDED.alert_ref`,
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

func (s *postgresStore) SaveTransition(ctx context.Context, tr Transition) error {
	if s.db == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incident_transitions (incident_id, camera_id, from_status, to_status, severity, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tr.IncidentID,
		tr.CameraID,
		string(tr.From),
		string(tr.To),
		string(tr.Severity),
		tr.Timestamp.UTC(),
	)
	return err
}
