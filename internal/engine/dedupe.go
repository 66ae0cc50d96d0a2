package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"safesight/internal/model"
)

// DedupeCache drops byte-identical samples delivered twice within the
// dedupe window, e.g. by transport retries. Distinct from reinforcement,
// which folds fresh samples into an open incident.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time)}
}

func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > 10000 {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}

func hashSample(s model.DetectionSample) string {
	parts := []string{
		s.CameraID,
		s.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(s.ObjectCount),
		string(s.CandidateType),
		strconv.FormatFloat(s.Confidence, 'f', -1, 64),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
