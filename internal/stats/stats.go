package stats

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"safesight/internal/model"
)

// Compute derives fleet counters from registry and incident-log snapshots.
// It has no state of its own: the engine recomputes after every mutation so
// the counters can never drift from the underlying lists.
func Compute(cameras []model.Camera, incidents []model.Incident, totalDetections uint64) model.FleetStats {
	s := model.FleetStats{
		TotalCameras:    len(cameras),
		TotalIncidents:  len(incidents),
		TotalDetections: totalDetections,
		UpdatedAt:       time.Now().UTC(),
	}
	for i := range cameras {
		if cameras[i].Status == model.CameraOnline {
			s.OnlineCameras++
		}
	}
	for i := range incidents {
		if incidents[i].Status == model.IncidentActive {
			s.ActiveIncidents++
		}
	}
	return s
}

// Store holds the latest published FleetStats and exposes it as Prometheus
// gauges reading from the same snapshot the API serves.
type Store struct {
	mu       sync.RWMutex
	current  model.FleetStats
	registry *prometheus.Registry
}

func NewStore() *Store {
	s := &Store{registry: prometheus.NewRegistry()}
	s.registerGauges()
	return s
}

func (s *Store) registerGauges() {
	gauges := []struct {
		name string
		help string
		get  func(model.FleetStats) float64
	}{
		{"safesight_cameras_total", "Registered cameras in the fleet",
			func(fs model.FleetStats) float64 { return float64(fs.TotalCameras) }},
		{"safesight_cameras_online", "Cameras currently online",
			func(fs model.FleetStats) float64 { return float64(fs.OnlineCameras) }},
		{"safesight_incidents_active", "Incidents currently active",
			func(fs model.FleetStats) float64 { return float64(fs.ActiveIncidents) }},
		{"safesight_incidents_total", "Incidents ever opened",
			func(fs model.FleetStats) float64 { return float64(fs.TotalIncidents) }},
		{"safesight_detections_total", "Detection samples accepted on online cameras",
			func(fs model.FleetStats) float64 { return float64(fs.TotalDetections) }},
	}
	for _, g := range gauges {
		get := g.get
		s.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return get(s.Get()) },
		))
	}
}

func (s *Store) Set(fs model.FleetStats) {
	s.mu.Lock()
	s.current = fs
	s.mu.Unlock()
}

func (s *Store) Get() model.FleetStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
