package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"safesight/internal/model"
)

type Config struct {
	LogLevel  string                   `json:"log_level" yaml:"log_level"`
	Fleet     []model.CameraDefinition `json:"fleet" yaml:"fleet"`
	Ingest    IngestConfig             `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig          `json:"detection" yaml:"detection"`
	Alerts    AlertsConfig             `json:"alerts" yaml:"alerts"`
	API       APIConfig                `json:"api" yaml:"api"`
	Storage   StorageConfig            `json:"storage" yaml:"storage"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Replay        ReplayConfig    `json:"replay" yaml:"replay"`
	Simulator     SimulatorConfig `json:"simulator" yaml:"simulator"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ReplayConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Follow  bool     `json:"follow" yaml:"follow"`
	Files   []string `json:"files" yaml:"files"`
}

type SimulatorConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Interval       time.Duration `json:"interval" yaml:"interval"`
	IncidentChance float64       `json:"incident_chance" yaml:"incident_chance"`
}

type DetectionConfig struct {
	MinConfidence      float64       `json:"min_confidence" yaml:"min_confidence"`
	CriticalConfidence float64       `json:"critical_confidence" yaml:"critical_confidence"`
	QuietWindow        time.Duration `json:"quiet_window" yaml:"quiet_window"`
	SweepInterval      time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	DedupeWindow       time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	MaxClockSkew       time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew      time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type AlertsConfig struct {
	Dispatcher string        `json:"dispatcher" yaml:"dispatcher"`
	Webhook    WebhookConfig `json:"webhook" yaml:"webhook"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

type WebhookConfig struct {
	URL string `json:"url" yaml:"url"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
			Replay:        ReplayConfig{Enabled: false, Follow: false},
			Simulator:     SimulatorConfig{Enabled: false, Interval: 2 * time.Second, IncidentChance: 0.05},
		},
		Detection: DetectionConfig{
			MinConfidence:      0.5,
			CriticalConfidence: 0.9,
			// An active incident with no reinforcing sample for this long
			// auto-resolves.
			QuietWindow:   90 * time.Second,
			SweepInterval: 15 * time.Second,
			DedupeWindow:  1 * time.Second,
			MaxClockSkew:  2 * time.Second,
			MaxFutureSkew: 2 * time.Second,
		},
		Alerts: AlertsConfig{
			Dispatcher: "log",
			Timeout:    5 * time.Second,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:safesight.db?_pragma=busy_timeout(5000)"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Simulator.Interval <= 0 {
		cfg.Ingest.Simulator.Interval = 2 * time.Second
	}
	if cfg.Detection.MinConfidence <= 0 {
		cfg.Detection.MinConfidence = 0.5
	}
	if cfg.Detection.CriticalConfidence <= 0 {
		cfg.Detection.CriticalConfidence = 0.9
	}
	if cfg.Detection.QuietWindow <= 0 {
		cfg.Detection.QuietWindow = 90 * time.Second
	}
	if cfg.Detection.SweepInterval <= 0 {
		cfg.Detection.SweepInterval = 15 * time.Second
	}
	if cfg.Alerts.Dispatcher == "" {
		cfg.Alerts.Dispatcher = "log"
	}
	if cfg.Alerts.Timeout <= 0 {
		cfg.Alerts.Timeout = 5 * time.Second
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.Replay.Enabled && len(cfg.Ingest.Replay.Files) == 0 {
		return errors.New("ingest.replay.files required when ingest.replay.enabled is true")
	}
	if c := cfg.Ingest.Simulator.IncidentChance; c < 0 || c > 1 {
		return errors.New("ingest.simulator.incident_chance must be within [0,1]")
	}
	if cfg.Detection.MinConfidence > 1 {
		return errors.New("detection.min_confidence must be within (0,1]")
	}
	if cfg.Detection.CriticalConfidence < cfg.Detection.MinConfidence || cfg.Detection.CriticalConfidence > 1 {
		return errors.New("detection.critical_confidence must be within [min_confidence,1]")
	}
	if cfg.Detection.QuietWindow <= cfg.Detection.SweepInterval {
		return fmt.Errorf("detection.quiet_window (%s) must exceed sweep_interval (%s)",
			cfg.Detection.QuietWindow, cfg.Detection.SweepInterval)
	}
	switch cfg.Alerts.Dispatcher {
	case "log", "webhook":
	default:
		return fmt.Errorf("alerts.dispatcher must be log or webhook, got %q", cfg.Alerts.Dispatcher)
	}
	if cfg.Alerts.Dispatcher == "webhook" && cfg.Alerts.Webhook.URL == "" {
		return errors.New("alerts.webhook.url required when alerts.dispatcher is webhook")
	}
	seen := make(map[string]struct{}, len(cfg.Fleet))
	for _, def := range cfg.Fleet {
		if strings.TrimSpace(def.ID) == "" {
			return errors.New("fleet entries require an id")
		}
		if _, dup := seen[def.ID]; dup {
			return fmt.Errorf("fleet contains duplicate camera id %q", def.ID)
		}
		seen[def.ID] = struct{}{}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file. Reloads
// are no-ops; used when the process runs on defaults.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
