package ingest

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"safesight/internal/config"
	"safesight/internal/model"
)

var simulatedTypes = []model.IncidentType{
	model.IncidentCollision,
	model.IncidentFire,
	model.IncidentBreakdown,
	model.IncidentDebris,
}

// StartSimulator fabricates detection samples for the configured fleet.
// All randomness lives here, behind the sampler boundary: the engine sees
// ordinary samples and stays deterministic under test.
func StartSimulator(ctx context.Context, cfg *config.Manager, out chan<- model.DetectionSample, logger *slog.Logger) {
	current := cfg.Get().Ingest.Simulator
	if !current.Enabled {
		if logger != nil {
			logger.Info("simulator ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("simulator ingest enabled", "interval", current.Interval, "incident_chance", current.IncidentChance)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	go func() {
		ticker := time.NewTicker(current.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, def := range cfg.Get().Fleet {
					sample := fabricateSample(rng, def.ID, cfg.Get().Ingest.Simulator.IncidentChance)
					SendNonBlocking(ctx, out, sample, logger)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func fabricateSample(rng *rand.Rand, cameraID string, incidentChance float64) model.DetectionSample {
	sample := model.DetectionSample{
		CameraID:    cameraID,
		Timestamp:   time.Now().UTC(),
		ObjectCount: rng.Intn(12),
		Source:      "simulator",
	}
	if rng.Float64() < incidentChance {
		sample.CandidateType = simulatedTypes[rng.Intn(len(simulatedTypes))]
		sample.Confidence = 0.5 + rng.Float64()*0.5
	} else {
		sample.Confidence = rng.Float64() * 0.4
	}
	return sample
}
