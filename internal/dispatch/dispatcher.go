package dispatch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"safesight/internal/model"
)

// Dispatcher is the outbound notification boundary. The engine invokes it
// once per opened incident (plus at most one retry); delivery itself is the
// surrounding application's concern.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload model.AlertPayload) (model.DispatchResult, error)
}

// LogDispatcher records the alert in the process log and reports success.
// Default in dev setups where no notification channel is wired.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d *LogDispatcher) Dispatch(_ context.Context, payload model.AlertPayload) (model.DispatchResult, error) {
	ref := uuid.NewString()
	if d.Logger != nil {
		d.Logger.Warn("incident alert",
			"incident_id", payload.IncidentID,
			"camera_id", payload.CameraID,
			"type", payload.Type,
			"severity", payload.Severity,
			"location", payload.Location,
			"reference", ref,
		)
	}
	return model.DispatchResult{Delivered: true, Reference: ref}, nil
}
