package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"safesight/internal/config"
	"safesight/internal/dispatch"
	"safesight/internal/incident"
	"safesight/internal/model"
	"safesight/internal/registry"
	"safesight/internal/stats"
	"safesight/internal/storage"
)

// Observer receives a fresh fleet snapshot after every processed mutation.
type Observer interface {
	Publish(snap model.Snapshot)
}

// Engine is the single owner of fleet state. A mutex serializes every
// mutating entry point so each sample runs registry update, lifecycle
// transition and stats recompute as one step; the observer fan-out for
// that step runs after the mutex is released so a slow observer never
// stalls the next sample. History writes go through a buffered queue
// drained by a separate goroutine for the same reason.
type Engine struct {
	logger     *slog.Logger
	registry   *registry.Registry
	incidents  *incident.Log
	dispatcher dispatch.Dispatcher
	store      storage.Store
	stats      *stats.Store
	cfg        atomic.Value

	mu              sync.Mutex
	observers       []Observer
	nextIncidentID  uint64
	totalDetections uint64

	deDupe    *DedupeCache
	started   time.Time
	persistCh chan persistOp
}

// persistOp is one queued history write: the incident's current record
// and, for lifecycle transitions, the audit row.
type persistOp struct {
	incident   *model.Incident
	transition *storage.Transition
}

// SampleResult is what ApplySample hands back to the caller: the camera
// before and after, and the incident the sample opened or reinforced.
type SampleResult struct {
	Previous model.Camera
	Camera   model.Camera
	Applied  bool
	Incident *model.Incident
	Opened   bool
}

func New(cfg *config.Config, logger *slog.Logger, dispatcher dispatch.Dispatcher, store storage.Store) *Engine {
	e := &Engine{
		logger:     logger,
		registry:   registry.New(),
		incidents:  incident.NewLog(),
		dispatcher: dispatcher,
		store:      store,
		stats:      stats.NewStore(),
		deDupe:     NewDedupeCache(),
		started:    time.Now().UTC(),
	}
	e.cfg.Store(cfg)
	if store != nil {
		e.persistCh = make(chan persistOp, 256)
		go e.drainPersist()
	}
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) StartedAt() time.Time {
	return e.started
}

// Subscribe registers an observer and immediately hands it the current
// snapshot so late subscribers do not wait for the next event.
func (e *Engine) Subscribe(obs Observer) {
	if obs == nil {
		return
	}
	e.mu.Lock()
	e.observers = append(e.observers, obs)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	obs.Publish(snap)
}

// Start consumes detection samples until ctx is cancelled and runs the
// quiet-window sweeper alongside.
func (e *Engine) Start(ctx context.Context, in <-chan model.DetectionSample) {
	go func() {
		for {
			select {
			case sample := <-in:
				if _, err := e.ApplySample(sample); err != nil {
					if e.logger != nil {
						e.logger.Warn("sample rejected", "camera_id", sample.CameraID, "err", err)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(e.config().Detection.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.SweepQuiet(time.Now().UTC())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RegisterCamera adds a camera to the fleet. Re-registering an identical
// definition is a no-op; a different definition under the same id fails.
func (e *Engine) RegisterCamera(def model.CameraDefinition) (model.Camera, error) {
	if def.ID == "" {
		return model.Camera{}, errors.New("camera id required")
	}
	var publish func()
	e.mu.Lock()
	defer e.unlockThen(&publish)
	cam, err := e.registry.Register(def)
	if err != nil {
		return model.Camera{}, err
	}
	publish = e.publishLocked()
	return cam, nil
}

// ApplySample routes one detection sample through the registry and the
// incident lifecycle. Samples for offline cameras are accepted but ignored;
// unknown cameras are rejected with no state change.
func (e *Engine) ApplySample(sample model.DetectionSample) (SampleResult, error) {
	cfg := e.config()
	now := time.Now().UTC()
	sample.Timestamp = clampTimestamp(sample.Timestamp, now, cfg.Detection.MaxClockSkew, cfg.Detection.MaxFutureSkew)

	var publish func()
	e.mu.Lock()
	defer e.unlockThen(&publish)

	prev, cur, applied, err := e.registry.ApplySample(sample)
	if err != nil {
		return SampleResult{}, err
	}
	res := SampleResult{Previous: prev, Camera: cur, Applied: applied}
	if !applied {
		return res, nil
	}
	// Only samples the registry accepted enter the dedupe cache; a rejected
	// or offline sample must not shadow a later retransmission.
	if e.deDupe.Seen(hashSample(sample), now, cfg.Detection.DedupeWindow) {
		res.Applied = false
		return res, nil
	}
	e.totalDetections++

	if model.ValidIncidentType(sample.CandidateType) && sample.Confidence >= cfg.Detection.MinConfidence {
		if cur.ActiveIncidentID == 0 {
			inc := e.openIncidentLocked(cfg, cur, sample)
			res.Incident = &inc
			res.Opened = true
			cam, _ := e.registry.Get(cur.ID)
			res.Camera = cam
		} else {
			inc := e.reinforceLocked(cfg, cur.ActiveIncidentID, sample)
			res.Incident = &inc
		}
	}

	publish = e.publishLocked()
	return res, nil
}

// SetCameraStatus flips a camera Online or Offline. A camera going Offline
// cannot sustain an incident it no longer observes, so any active incident
// resolves and its object count reads zero.
func (e *Engine) SetCameraStatus(id string, status model.CameraStatus) (model.Camera, error) {
	if status != model.CameraOnline && status != model.CameraOffline {
		return model.Camera{}, fmt.Errorf("invalid camera status %q", status)
	}
	var publish func()
	e.mu.Lock()
	defer e.unlockThen(&publish)
	prev, cur, err := e.registry.SetStatus(id, status)
	if err != nil {
		return model.Camera{}, err
	}
	if status == model.CameraOffline && prev.ActiveIncidentID != 0 {
		e.resolveLocked(prev.ActiveIncidentID, id, time.Now().UTC())
		cur, _ = e.registry.Get(id)
	}
	publish = e.publishLocked()
	return cur, nil
}

// Dismiss is the operator action: Active -> Dismissed, terminal for the
// incident instance. A later sample may open a brand-new incident.
func (e *Engine) Dismiss(incidentID uint64) (model.Incident, error) {
	var publish func()
	e.mu.Lock()
	defer e.unlockThen(&publish)
	inc, ok := e.incidents.Get(incidentID)
	if !ok {
		return model.Incident{}, fmt.Errorf("dismiss incident %d: %w", incidentID, model.ErrInvalidTransition)
	}
	if inc.Status != model.IncidentActive {
		return model.Incident{}, fmt.Errorf("dismiss incident %d in status %s: %w", incidentID, inc.Status, model.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	e.incidents.Mutate(incidentID, func(rec *model.Incident) {
		rec.Status = model.IncidentDismissed
		rec.DismissedAt = &now
		rec.LastUpdatedAt = now
	})
	e.registry.ClearActiveIncident(inc.CameraID)
	e.persistTransition(incidentID, inc.CameraID, model.IncidentActive, model.IncidentDismissed, inc.Severity, now)
	publish = e.publishLocked()
	out, _ := e.incidents.Get(incidentID)
	return out, nil
}

// SweepQuiet resolves active incidents that have seen no reinforcing sample
// within the configured quiet window.
func (e *Engine) SweepQuiet(now time.Time) int {
	cfg := e.config()
	cutoff := now.Add(-cfg.Detection.QuietWindow)
	var publish func()
	e.mu.Lock()
	defer e.unlockThen(&publish)
	resolved := 0
	for _, inc := range e.incidents.List(0) {
		if inc.Status != model.IncidentActive || !inc.LastUpdatedAt.Before(cutoff) {
			continue
		}
		e.resolveLocked(inc.ID, inc.CameraID, now)
		resolved++
		if e.logger != nil {
			e.logger.Info("incident auto-resolved after quiet window",
				"incident_id", inc.ID,
				"camera_id", inc.CameraID,
				"quiet_window", cfg.Detection.QuietWindow,
			)
		}
	}
	if resolved > 0 {
		publish = e.publishLocked()
	}
	return resolved
}

// Snapshot returns a consistent copy of cameras, incidents and stats taken
// at a single point between events.
func (e *Engine) Snapshot() model.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) Cameras() []model.Camera {
	return e.registry.List()
}

func (e *Engine) Camera(id string) (model.Camera, bool) {
	return e.registry.Get(id)
}

func (e *Engine) Incidents(limit int) []model.Incident {
	return e.incidents.List(limit)
}

func (e *Engine) IncidentsSince(ts time.Time) []model.Incident {
	return e.incidents.Since(ts)
}

func (e *Engine) Stats() model.FleetStats {
	return e.stats.Get()
}

func (e *Engine) StatsStore() *stats.Store {
	return e.stats
}

func (e *Engine) snapshotLocked() model.Snapshot {
	return model.Snapshot{
		Cameras:   e.registry.List(),
		Incidents: e.incidents.List(0),
		Stats:     e.stats.Get(),
		Timestamp: time.Now().UTC(),
	}
}

// publishLocked recomputes derived stats from the underlying state and
// returns the observer fan-out for the fresh snapshot. Called after every
// mutation; stats are never adjusted incrementally, so they cannot drift.
// The returned closure runs after the engine mutex is released so a slow
// observer cannot stall the next sample.
func (e *Engine) publishLocked() func() {
	fs := stats.Compute(e.registry.List(), e.incidents.List(0), e.totalDetections)
	e.stats.Set(fs)
	if len(e.observers) == 0 {
		return nil
	}
	snap := e.snapshotLocked()
	observers := make([]Observer, len(e.observers))
	copy(observers, e.observers)
	return func() {
		for _, obs := range observers {
			obs.Publish(snap)
		}
	}
}

// unlockThen releases the engine mutex and then runs the pending observer
// fan-out, if the mutation produced one.
func (e *Engine) unlockThen(publish *func()) {
	e.mu.Unlock()
	if *publish != nil {
		(*publish)()
	}
}

// persistIncident and persistTransition enqueue history writes; the queue
// is drained by drainPersist so a slow sink never blocks a mutating entry
// point. Writes are best-effort and dropped with a log line on overflow.
func (e *Engine) persistIncident(inc model.Incident) {
	if e.store == nil {
		return
	}
	e.enqueuePersist(persistOp{incident: &inc})
}

func (e *Engine) persistTransition(id uint64, cameraID string, from, to model.IncidentStatus, sev model.Severity, ts time.Time) {
	if e.store == nil {
		return
	}
	op := persistOp{transition: &storage.Transition{
		IncidentID: id,
		CameraID:   cameraID,
		From:       from,
		To:         to,
		Severity:   sev,
		Timestamp:  ts,
	}}
	if inc, ok := e.incidents.Get(id); ok {
		op.incident = &inc
	}
	e.enqueuePersist(op)
}

func (e *Engine) enqueuePersist(op persistOp) {
	select {
	case e.persistCh <- op:
	default:
		if e.logger != nil {
			e.logger.Warn("history queue full, dropping write")
		}
	}
}

// drainPersist runs for the engine's lifetime, applying queued history
// writes with a bounded per-call timeout.
func (e *Engine) drainPersist() {
	for op := range e.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if op.incident != nil {
			if err := e.store.SaveIncident(ctx, *op.incident); err != nil && e.logger != nil {
				e.logger.Warn("incident history write failed", "incident_id", op.incident.ID, "err", err)
			}
		}
		if op.transition != nil {
			if err := e.store.SaveTransition(ctx, *op.transition); err != nil && e.logger != nil {
				e.logger.Warn("transition history write failed", "incident_id", op.transition.IncidentID, "err", err)
			}
		}
		cancel()
	}
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 {
		if now.Sub(ts) > maxPast {
			return now
		}
	}
	if maxFuture > 0 {
		if ts.Sub(now) > maxFuture {
			return now
		}
	}
	return ts
}
