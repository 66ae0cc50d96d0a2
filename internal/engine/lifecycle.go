package engine

import (
	"context"
	"fmt"
	"time"

	"safesight/internal/config"
	"safesight/internal/model"
)

var typeLabels = map[model.IncidentType]string{
	model.IncidentCollision: "Vehicle collision",
	model.IncidentFire:      "Vehicle fire",
	model.IncidentBreakdown: "Vehicle breakdown",
	model.IncidentDebris:    "Road debris",
}

// severityFor maps candidate type and confidence to severity. Collision and
// fire escalate to Critical above the critical-confidence threshold.
func severityFor(t model.IncidentType, confidence, criticalAt float64) model.Severity {
	switch t {
	case model.IncidentCollision, model.IncidentFire:
		if confidence >= criticalAt {
			return model.SeverityCritical
		}
		return model.SeverityHigh
	case model.IncidentBreakdown:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func describe(t model.IncidentType, cam model.Camera, confidence float64) string {
	label := typeLabels[t]
	if label == "" {
		label = "Incident"
	}
	return fmt.Sprintf("%s detected on %s (confidence %.2f)", label, cam.Name, confidence)
}

// openIncidentLocked creates a new Active incident for the camera, records
// the transition and kicks off alert dispatch without blocking the sample
// path. Caller holds e.mu.
func (e *Engine) openIncidentLocked(cfg *config.Config, cam model.Camera, sample model.DetectionSample) model.Incident {
	e.nextIncidentID++
	now := time.Now().UTC()
	inc := model.Incident{
		ID:            e.nextIncidentID,
		CameraID:      cam.ID,
		Type:          sample.CandidateType,
		Severity:      severityFor(sample.CandidateType, sample.Confidence, cfg.Detection.CriticalConfidence),
		Status:        model.IncidentActive,
		Description:   describe(sample.CandidateType, cam, sample.Confidence),
		Location:      cam.Location,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	e.incidents.Append(inc)
	e.registry.SetActiveIncident(cam.ID, inc.ID)
	e.persistTransition(inc.ID, cam.ID, "", model.IncidentActive, inc.Severity, now)
	if e.logger != nil {
		e.logger.Warn("incident opened",
			"incident_id", inc.ID,
			"camera_id", cam.ID,
			"type", inc.Type,
			"severity", inc.Severity,
			"confidence", sample.Confidence,
		)
	}

	payload := model.AlertPayload{
		IncidentID:  inc.ID,
		CameraID:    cam.ID,
		Type:        inc.Type,
		Severity:    inc.Severity,
		Location:    cam.Location,
		Description: inc.Description,
		Timestamp:   now,
	}
	// Fire-and-forget: the outcome joins back through recordDispatch.
	go e.dispatchAndRecord(inc.ID, payload, cfg.Alerts.Timeout)
	return inc
}

// reinforceLocked folds a further matching sample into the open incident:
// bumps last-updated and raises severity monotonically. Never opens a second
// incident on the camera. Caller holds e.mu.
func (e *Engine) reinforceLocked(cfg *config.Config, incidentID uint64, sample model.DetectionSample) model.Incident {
	now := time.Now().UTC()
	candidate := severityFor(sample.CandidateType, sample.Confidence, cfg.Detection.CriticalConfidence)
	e.incidents.Mutate(incidentID, func(rec *model.Incident) {
		rec.LastUpdatedAt = now
		if sample.CandidateType == rec.Type {
			rec.Severity = model.MaxSeverity(rec.Severity, candidate)
		}
	})
	inc, _ := e.incidents.Get(incidentID)
	e.persistIncident(inc)
	return inc
}

// resolveLocked is the automatic Active -> Resolved transition: camera went
// offline or the quiet window elapsed. Caller holds e.mu.
func (e *Engine) resolveLocked(incidentID uint64, cameraID string, ts time.Time) {
	inc, ok := e.incidents.Get(incidentID)
	if !ok || inc.Status != model.IncidentActive {
		return
	}
	e.incidents.Mutate(incidentID, func(rec *model.Incident) {
		rec.Status = model.IncidentResolved
		rec.LastUpdatedAt = ts
	})
	e.registry.ClearActiveIncident(cameraID)
	e.persistTransition(incidentID, cameraID, model.IncidentActive, model.IncidentResolved, inc.Severity, ts)
}

// dispatchAndRecord invokes the alert sink with a retry-once policy. It runs
// outside the engine mutex; persistent failure marks the incident as
// undelivered but never invalidates it.
func (e *Engine) dispatchAndRecord(incidentID uint64, payload model.AlertPayload, timeout time.Duration) {
	if e.dispatcher == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	res, err := e.dispatchOnce(payload, timeout)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("alert dispatch failed, retrying once", "incident_id", incidentID, "err", err)
		}
		res, err = e.dispatchOnce(payload, timeout)
	}
	if err != nil {
		if e.logger != nil {
			e.logger.Error("alert dispatch failed permanently",
				"incident_id", incidentID,
				"err", fmt.Errorf("%w: %w", model.ErrAlertDispatch, err),
			)
		}
		e.recordDispatch(incidentID, model.DispatchResult{})
		return
	}
	e.recordDispatch(incidentID, res)
}

func (e *Engine) dispatchOnce(payload model.AlertPayload, timeout time.Duration) (model.DispatchResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.dispatcher.Dispatch(ctx, payload)
}

func (e *Engine) recordDispatch(incidentID uint64, res model.DispatchResult) {
	var publish func()
	e.mu.Lock()
	defer e.unlockThen(&publish)
	e.incidents.Mutate(incidentID, func(rec *model.Incident) {
		rec.AlertDispatched = res.Delivered
		rec.AlertRef = res.Reference
	})
	if inc, ok := e.incidents.Get(incidentID); ok {
		e.persistIncident(inc)
	}
	publish = e.publishLocked()
}
