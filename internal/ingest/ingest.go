package ingest

import (
	"context"
	"log/slog"
	"time"

	"safesight/internal/model"
)

// SendNonBlocking drops the sample instead of stalling a producer when the
// engine channel is full.
func SendNonBlocking(ctx context.Context, out chan<- model.DetectionSample, sample model.DetectionSample, logger *slog.Logger) bool {
	select {
	case out <- sample:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("sample channel full, dropping sample", "camera_id", sample.CameraID, "timestamp", sample.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
