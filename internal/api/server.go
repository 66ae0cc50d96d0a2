package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"safesight/internal/config"
	"safesight/internal/model"
	"safesight/internal/stats"
	"safesight/internal/ws"
)

// Engine is the surface the API needs: snapshot reads plus the three
// operator actions.
type Engine interface {
	Snapshot() model.Snapshot
	Cameras() []model.Camera
	Camera(id string) (model.Camera, bool)
	Incidents(limit int) []model.Incident
	IncidentsSince(ts time.Time) []model.Incident
	Stats() model.FleetStats
	StatsStore() *stats.Store
	RegisterCamera(def model.CameraDefinition) (model.Camera, error)
	SetCameraStatus(id string, status model.CameraStatus) (model.Camera, error)
	Dismiss(incidentID uint64) (model.Incident, error)
	StartedAt() time.Time
}

type Server struct {
	cfg     *config.Manager
	engine  Engine
	hub     *ws.Hub
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status    string       `json:"status"`
	Time      string       `json:"time"`
	Version   string       `json:"version"`
	Uptime    string       `json:"uptime"`
	Ingest    ingestStatus `json:"ingest"`
	Stats     model.FleetStats `json:"stats"`
	WSClients int          `json:"ws_clients"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	Kafka     bool `json:"kafka"`
	Replay    bool `json:"replay"`
	Simulator bool `json:"simulator"`
}

func Start(ctx context.Context, cfg *config.Manager, engine Engine, hub *ws.Hub, logger *slog.Logger, version string) *http.Server {
	if cfg == nil || engine == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:     cfg,
		engine:  engine,
		hub:     hub,
		logger:  logger,
		version: version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/cameras", server.handleCameras)
	mux.HandleFunc("/cameras/", server.handleCamera)
	mux.HandleFunc("/incidents", server.handleIncidents)
	mux.HandleFunc("/incidents/", server.handleIncident)
	mux.HandleFunc("/stats", server.handleStats)
	mux.Handle("/metrics", engine.StatsStore().Handler())
	if hub != nil {
		mux.HandleFunc("/ws", hub.Handler(engine.Snapshot))
	}

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	wsClients := 0
	if s.hub != nil {
		wsClients = s.hub.ClientCount()
	}
	resp := statusResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Version: s.version,
		Uptime:  time.Since(s.engine.StartedAt()).Round(time.Second).String(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			Replay:    cfg.Ingest.Replay.Enabled,
			Simulator: cfg.Ingest.Simulator.Enabled,
		},
		Stats:     s.engine.Stats(),
		WSClients: wsClients,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cams := s.engine.Cameras()
		writeJSON(w, http.StatusOK, map[string]any{
			"cameras": cams,
			"count":   len(cams),
		})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var def model.CameraDefinition
		if err := json.Unmarshal(body, &def); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cam, err := s.engine.RegisterCamera(def)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cam)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleCamera serves GET /cameras/{id} and POST /cameras/{id}/status.
func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/cameras/")
	if id, ok := strings.CutSuffix(path, "/status"); ok {
		s.handleCameraStatus(w, r, id)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cam, ok := s.engine.Camera(path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cam)
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req struct {
		Status model.CameraStatus `json:"status"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	cam, err := s.engine.SetCameraStatus(id, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cam)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.Incident
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.engine.IncidentsSince(ts)
	} else {
		list = s.engine.Incidents(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": list,
		"count":     len(list),
	})
}

// handleIncident serves POST /incidents/{id}/dismiss.
func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/incidents/")
	id, ok := strings.CutSuffix(path, "/dismiss")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	incidentID, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	inc, err := s.engine.Dismiss(incidentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, model.ErrUnknownCamera):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrDuplicateCamera):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidTransition):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
