package model

import "time"

type CameraStatus string

const (
	CameraOnline  CameraStatus = "online"
	CameraOffline CameraStatus = "offline"
)

type IncidentType string

const (
	IncidentCollision IncidentType = "collision"
	IncidentFire      IncidentType = "fire"
	IncidentBreakdown IncidentType = "breakdown"
	IncidentDebris    IncidentType = "debris"
)

func ValidIncidentType(t IncidentType) bool {
	switch t {
	case IncidentCollision, IncidentFire, IncidentBreakdown, IncidentDebris:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// MaxSeverity keeps incident severity monotonic under reinforcement.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

type IncidentStatus string

const (
	IncidentActive    IncidentStatus = "active"
	IncidentDismissed IncidentStatus = "dismissed"
	IncidentResolved  IncidentStatus = "resolved"
)

// CameraDefinition is the immutable part of a camera: what an operator
// registers and what the fleet section of the config declares.
type CameraDefinition struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Location string `json:"location" yaml:"location"`
}

type Camera struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Location         string       `json:"location"`
	Status           CameraStatus `json:"status"`
	ObjectCount      int          `json:"object_count"`
	ActiveIncidentID uint64       `json:"active_incident_id,omitempty"`
	LastSampleAt     time.Time    `json:"last_sample_at,omitempty"`
}

// DetectionSample is one observation from the vision subsystem. Ephemeral:
// it flows through the engine and is never stored.
type DetectionSample struct {
	CameraID      string       `json:"camera_id"`
	Timestamp     time.Time    `json:"timestamp"`
	ObjectCount   int          `json:"object_count"`
	CandidateType IncidentType `json:"candidate_type,omitempty"`
	Confidence    float64      `json:"confidence"`
	Source        string       `json:"source,omitempty"`
}

type Incident struct {
	ID              uint64         `json:"id"`
	CameraID        string         `json:"camera_id"`
	Type            IncidentType   `json:"type"`
	Severity        Severity       `json:"severity"`
	Status          IncidentStatus `json:"status"`
	Description     string         `json:"description"`
	Location        string         `json:"location"`
	CreatedAt       time.Time      `json:"created_at"`
	LastUpdatedAt   time.Time      `json:"last_updated_at"`
	DismissedAt     *time.Time     `json:"dismissed_at,omitempty"`
	AlertDispatched bool           `json:"alert_dispatched"`
	AlertRef        string         `json:"alert_ref,omitempty"`
}

// FleetStats is a derived view. The first four counters are pure functions of
// registry and incident-log state; TotalDetections is the monotonic count of
// samples accepted on online cameras.
type FleetStats struct {
	TotalCameras    int       `json:"total_cameras"`
	OnlineCameras   int       `json:"online_cameras"`
	ActiveIncidents int       `json:"active_incidents"`
	TotalIncidents  int       `json:"total_incidents"`
	TotalDetections uint64    `json:"total_detections"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Snapshot is what observers (API, websocket feed) receive after every
// processed mutation. All slices are copies.
type Snapshot struct {
	Cameras   []Camera   `json:"cameras"`
	Incidents []Incident `json:"incidents"`
	Stats     FleetStats `json:"stats"`
	Timestamp time.Time  `json:"timestamp"`
}

// AlertPayload is the contract with the outbound notification channel.
type AlertPayload struct {
	IncidentID  uint64       `json:"incident_id"`
	CameraID    string       `json:"camera_id"`
	Type        IncidentType `json:"type"`
	Severity    Severity     `json:"severity"`
	Location    string       `json:"location"`
	Description string       `json:"description"`
	Timestamp   time.Time    `json:"timestamp"`
}

type DispatchResult struct {
	Delivered bool   `json:"delivered"`
	Reference string `json:"reference,omitempty"`
}
