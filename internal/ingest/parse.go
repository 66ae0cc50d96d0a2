package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"safesight/internal/model"
)

// ParseSampleBytes decodes one detection sample from a JSON object. Field
// names are matched leniently because samples arrive from several vision
// services with slightly different schemas.
func ParseSampleBytes(data []byte) (model.DetectionSample, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return model.DetectionSample{}, err
	}
	return ParseSampleMap(obj)
}

func ParseSampleMap(obj map[string]interface{}) (model.DetectionSample, error) {
	extras := make(map[string]string, len(obj))
	for key, val := range obj {
		extras[strings.ToLower(key)] = fmt.Sprint(val)
	}

	cameraID := firstNonEmpty(extras, "camera_id", "camera", "cameraid", "feed", "video_id")
	if cameraID == "" {
		return model.DetectionSample{}, errors.New("sample missing camera id")
	}

	sample := model.DetectionSample{CameraID: cameraID, Timestamp: time.Now().UTC()}

	if raw := firstNonEmpty(extras, "timestamp", "time", "ts"); raw != "" {
		ts, err := ParseTimestamp(raw)
		if err != nil {
			return model.DetectionSample{}, fmt.Errorf("parse timestamp: %w", err)
		}
		sample.Timestamp = ts.UTC()
	}
	if raw := firstNonEmpty(extras, "object_count", "objects", "objects_count", "count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return model.DetectionSample{}, fmt.Errorf("invalid object count %q", raw)
		}
		sample.ObjectCount = n
	}
	if raw := firstNonEmpty(extras, "candidate_type", "incident_type", "type", "label"); raw != "" {
		t, ok := parseIncidentType(raw)
		if !ok {
			return model.DetectionSample{}, fmt.Errorf("unknown incident type %q", raw)
		}
		sample.CandidateType = t
	}
	if raw := firstNonEmpty(extras, "confidence", "conf", "score"); raw != "" {
		c, err := strconv.ParseFloat(raw, 64)
		if err != nil || c < 0 || c > 1 {
			return model.DetectionSample{}, fmt.Errorf("invalid confidence %q", raw)
		}
		sample.Confidence = c
	}
	return sample, nil
}

// parseIncidentType tolerates the labels the original vision prompt emitted
// alongside the canonical enum values. "none" means no candidate.
func parseIncidentType(raw string) (model.IncidentType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none", "normal":
		return "", true
	case "collision", "crash", "accident", "vehicle collision":
		return model.IncidentCollision, true
	case "fire", "vehicle fire", "smoke":
		return model.IncidentFire, true
	case "breakdown", "vehicle breakdown", "stalled":
		return model.IncidentBreakdown, true
	case "debris", "road debris", "obstacle":
		return model.IncidentDebris, true
	}
	return "", false
}

func firstNonEmpty(extras map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(extras[key]); v != "" && v != "<nil>" {
			return v
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		return parseUnix(value)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
