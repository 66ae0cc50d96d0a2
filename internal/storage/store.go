package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"safesight/internal/config"
	"safesight/internal/model"
)

// Transition is one audit row: an incident entering a new status. Appended
// on every lifecycle transition so the incident history is replayable.
type Transition struct {
	IncidentID uint64
	CameraID   string
	From       model.IncidentStatus
	To         model.IncidentStatus
	Severity   model.Severity
	Timestamp  time.Time
}

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveIncident(ctx context.Context, inc model.Incident) error
	SaveTransition(ctx context.Context, tr Transition) error
}

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
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
