package registry

import (
	"fmt"
	"sync"

	"safesight/internal/model"
)

// Registry holds the fleet and each camera's live status. All accessors
// return value copies; nothing hands out a pointer into internal state.
type Registry struct {
	mu    sync.RWMutex
	cams  map[string]*model.Camera
	order []string
}

func New() *Registry {
	return &Registry{cams: make(map[string]*model.Camera)}
}

// Register adds a camera in Online state. Registering the same definition
// twice is a no-op; the same id with a different definition fails.
func (r *Registry) Register(def model.CameraDefinition) (model.Camera, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cams[def.ID]; ok {
		if existing.Name != def.Name || existing.Location != def.Location {
			return model.Camera{}, fmt.Errorf("register camera %s: %w", def.ID, model.ErrDuplicateCamera)
		}
		return *existing, nil
	}
	cam := &model.Camera{
		ID:       def.ID,
		Name:     def.Name,
		Location: def.Location,
		Status:   model.CameraOnline,
	}
	r.cams[def.ID] = cam
	r.order = append(r.order, def.ID)
	return *cam, nil
}

// SetStatus transitions a camera Online or Offline. Going Offline forces the
// object count to zero; the caller resolves any active incident.
func (r *Registry) SetStatus(id string, status model.CameraStatus) (prev, cur model.Camera, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cam, ok := r.cams[id]
	if !ok {
		return model.Camera{}, model.Camera{}, fmt.Errorf("set status %s: %w", id, model.ErrUnknownCamera)
	}
	prev = *cam
	cam.Status = status
	if status == model.CameraOffline {
		cam.ObjectCount = 0
	}
	return prev, *cam, nil
}

// ApplySample updates the camera's observed object count. Samples for an
// Offline camera are a no-op: prev == cur and applied is false.
func (r *Registry) ApplySample(sample model.DetectionSample) (prev, cur model.Camera, applied bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cam, ok := r.cams[sample.CameraID]
	if !ok {
		return model.Camera{}, model.Camera{}, false, fmt.Errorf("apply sample %s: %w", sample.CameraID, model.ErrUnknownCamera)
	}
	prev = *cam
	if cam.Status == model.CameraOffline {
		return prev, prev, false, nil
	}
	cam.ObjectCount = sample.ObjectCount
	cam.LastSampleAt = sample.Timestamp
	return prev, *cam, true, nil
}

func (r *Registry) SetActiveIncident(id string, incidentID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cam, ok := r.cams[id]; ok {
		cam.ActiveIncidentID = incidentID
	}
}

func (r *Registry) ClearActiveIncident(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cam, ok := r.cams[id]; ok {
		cam.ActiveIncidentID = 0
	}
}

func (r *Registry) Get(id string) (model.Camera, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cam, ok := r.cams[id]
	if !ok {
		return model.Camera{}, false
	}
	return *cam, true
}

// List returns cameras in registration order.
func (r *Registry) List() []model.Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Camera, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.cams[id])
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cams)
}

func (r *Registry) CountOnline() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, cam := range r.cams {
		if cam.Status == model.CameraOnline {
			n++
		}
	}
	return n
}
