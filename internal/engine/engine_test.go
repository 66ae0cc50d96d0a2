package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"safesight/internal/config"
	"safesight/internal/model"
	"safesight/internal/storage"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Detection.MinConfidence = 0.5
	cfg.Detection.CriticalConfidence = 0.9
	cfg.Detection.QuietWindow = 90 * time.Second
	cfg.Detection.DedupeWindow = 0
	cfg.Detection.MaxClockSkew = 0
	cfg.Detection.MaxFutureSkew = 0
	return cfg
}

func newEngineForTest(cfg *config.Config) *Engine {
	eng := New(cfg, nil, nil, nil)
	_, _ = eng.RegisterCamera(model.CameraDefinition{ID: "cam01", Name: "I-80 East MM 12", Location: "I-80 East mile 12"})
	_, _ = eng.RegisterCamera(model.CameraDefinition{ID: "cam02", Name: "Bay Bridge West", Location: "Bay Bridge westbound"})
	return eng
}

func TestSampleWithoutCandidateOpensNothing(t *testing.T) {
	eng := newEngineForTest(testConfig())
	res, err := eng.ApplySample(model.DetectionSample{
		CameraID:    "cam01",
		Timestamp:   time.Now(),
		ObjectCount: 7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Applied || res.Incident != nil {
		t.Fatalf("expected applied sample with no incident, got %+v", res)
	}
	if res.Camera.ObjectCount != 7 {
		t.Fatalf("object count = %d, want 7", res.Camera.ObjectCount)
	}
	st := eng.Stats()
	if st.ActiveIncidents != 0 || st.TotalIncidents != 0 {
		t.Fatalf("expected no incidents, got %+v", st)
	}
	if st.TotalDetections != 1 {
		t.Fatalf("total detections = %d, want 1", st.TotalDetections)
	}
}

func TestLowConfidenceCandidateOpensNothing(t *testing.T) {
	eng := newEngineForTest(testConfig())
	res, err := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     time.Now(),
		CandidateType: model.IncidentCollision,
		Confidence:    0.49,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Incident != nil {
		t.Fatalf("expected no incident below min confidence")
	}
}

func TestHighConfidenceCollisionOpensCritical(t *testing.T) {
	eng := newEngineForTest(testConfig())
	res, err := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     time.Now(),
		ObjectCount:   3,
		CandidateType: model.IncidentCollision,
		Confidence:    0.95,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Opened || res.Incident == nil {
		t.Fatalf("expected opened incident, got %+v", res)
	}
	if res.Incident.Severity != model.SeverityCritical {
		t.Fatalf("severity = %s, want critical", res.Incident.Severity)
	}
	if res.Incident.Status != model.IncidentActive {
		t.Fatalf("status = %s, want active", res.Incident.Status)
	}
	if res.Camera.ActiveIncidentID != res.Incident.ID {
		t.Fatalf("camera not linked to incident: %+v", res.Camera)
	}
	st := eng.Stats()
	if st.ActiveIncidents != 1 || st.TotalIncidents != 1 {
		t.Fatalf("stats = %+v, want one active incident", st)
	}
}

func TestReinforceKeepsSingleIncidentAndRaisesSeverity(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Now()
	first, err := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     base,
		CandidateType: model.IncidentCollision,
		Confidence:    0.7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Incident.Severity != model.SeverityHigh {
		t.Fatalf("initial severity = %s, want high", first.Incident.Severity)
	}
	second, err := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     base.Add(time.Second),
		CandidateType: model.IncidentCollision,
		Confidence:    0.95,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Opened {
		t.Fatalf("expected reinforcement, not a second incident")
	}
	if second.Incident.ID != first.Incident.ID {
		t.Fatalf("incident id changed: %d -> %d", first.Incident.ID, second.Incident.ID)
	}
	if second.Incident.Severity != model.SeverityCritical {
		t.Fatalf("severity = %s, want critical after reinforcement", second.Incident.Severity)
	}

	// A later weaker sample never lowers the severity.
	third, err := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     base.Add(2 * time.Second),
		CandidateType: model.IncidentCollision,
		Confidence:    0.55,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.Incident.Severity != model.SeverityCritical {
		t.Fatalf("severity dropped to %s", third.Incident.Severity)
	}
	if eng.Stats().ActiveIncidents != 1 {
		t.Fatalf("active incidents = %d, want 1", eng.Stats().ActiveIncidents)
	}
}

func TestReinforceOtherTypeKeepsOriginal(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Now()
	first, _ := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     base,
		CandidateType: model.IncidentBreakdown,
		Confidence:    0.8,
	})
	second, err := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     base.Add(time.Second),
		CandidateType: model.IncidentCollision,
		Confidence:    0.95,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Opened || second.Incident.ID != first.Incident.ID {
		t.Fatalf("expected reinforcement of incident %d", first.Incident.ID)
	}
	if second.Incident.Type != model.IncidentBreakdown {
		t.Fatalf("type changed to %s", second.Incident.Type)
	}
	if second.Incident.Severity != model.SeverityMedium {
		t.Fatalf("severity = %s, want medium unchanged across type mismatch", second.Incident.Severity)
	}
}

func TestDismissThenNewIncidentGetsNewID(t *testing.T) {
	eng := newEngineForTest(testConfig())
	base := time.Now()
	first, _ := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     base,
		CandidateType: model.IncidentFire,
		Confidence:    0.8,
	})
	dismissed, err := eng.Dismiss(first.Incident.ID)
	if err != nil {
		t.Fatalf("dismiss failed: %v", err)
	}
	if dismissed.Status != model.IncidentDismissed || dismissed.DismissedAt == nil {
		t.Fatalf("dismiss result = %+v", dismissed)
	}
	if cam, _ := eng.Camera("cam01"); cam.ActiveIncidentID != 0 {
		t.Fatalf("camera still linked after dismissal")
	}

	if _, err := eng.Dismiss(first.Incident.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("second dismiss err = %v, want ErrInvalidTransition", err)
	}

	next, _ := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     base.Add(time.Second),
		CandidateType: model.IncidentFire,
		Confidence:    0.8,
	})
	if !next.Opened || next.Incident.ID == first.Incident.ID {
		t.Fatalf("expected a fresh incident, got %+v", next)
	}
	st := eng.Stats()
	if st.TotalIncidents != 2 || st.ActiveIncidents != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDismissUnknownIncident(t *testing.T) {
	eng := newEngineForTest(testConfig())
	if _, err := eng.Dismiss(42); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestOfflineResolvesIncidentAndZeroesCount(t *testing.T) {
	eng := newEngineForTest(testConfig())
	opened, _ := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     time.Now(),
		ObjectCount:   5,
		CandidateType: model.IncidentCollision,
		Confidence:    0.8,
	})
	cam, err := eng.SetCameraStatus("cam01", model.CameraOffline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cam.Status != model.CameraOffline || cam.ObjectCount != 0 || cam.ActiveIncidentID != 0 {
		t.Fatalf("camera after offline = %+v", cam)
	}
	inc, ok := eng.incidents.Get(opened.Incident.ID)
	if !ok || inc.Status != model.IncidentResolved {
		t.Fatalf("incident after offline = %+v", inc)
	}
	st := eng.Stats()
	if st.OnlineCameras != 1 || st.ActiveIncidents != 0 {
		t.Fatalf("stats = %+v", st)
	}

	// Samples while offline are accepted but ignored.
	res, err := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     time.Now(),
		ObjectCount:   9,
		CandidateType: model.IncidentCollision,
		Confidence:    0.9,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Applied || res.Incident != nil {
		t.Fatalf("expected ignored sample on offline camera, got %+v", res)
	}
}

func TestUnknownCameraRejectedWithoutStateChange(t *testing.T) {
	eng := newEngineForTest(testConfig())
	before := eng.Stats()
	_, err := eng.ApplySample(model.DetectionSample{
		CameraID:      "ghost",
		Timestamp:     time.Now(),
		CandidateType: model.IncidentCollision,
		Confidence:    0.99,
	})
	if !errors.Is(err, model.ErrUnknownCamera) {
		t.Fatalf("err = %v, want ErrUnknownCamera", err)
	}
	after := eng.Stats()
	if after.TotalDetections != before.TotalDetections || after.TotalIncidents != before.TotalIncidents {
		t.Fatalf("stats changed: %+v -> %+v", before, after)
	}
}

func TestRegisterDuplicateDefinition(t *testing.T) {
	eng := newEngineForTest(testConfig())
	if _, err := eng.RegisterCamera(model.CameraDefinition{ID: "cam01", Name: "I-80 East MM 12", Location: "I-80 East mile 12"}); err != nil {
		t.Fatalf("idempotent re-register failed: %v", err)
	}
	_, err := eng.RegisterCamera(model.CameraDefinition{ID: "cam01", Name: "Different", Location: "Elsewhere"})
	if !errors.Is(err, model.ErrDuplicateCamera) {
		t.Fatalf("err = %v, want ErrDuplicateCamera", err)
	}
	if eng.Stats().TotalCameras != 2 {
		t.Fatalf("total cameras = %d, want 2", eng.Stats().TotalCameras)
	}
}

func TestSweepQuietResolvesStaleIncident(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	opened, _ := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     time.Now(),
		CandidateType: model.IncidentDebris,
		Confidence:    0.6,
	})
	if n := eng.SweepQuiet(time.Now().UTC()); n != 0 {
		t.Fatalf("premature sweep resolved %d incidents", n)
	}
	future := time.Now().UTC().Add(cfg.Detection.QuietWindow + time.Second)
	if n := eng.SweepQuiet(future); n != 1 {
		t.Fatalf("sweep resolved %d incidents, want 1", n)
	}
	inc, _ := eng.incidents.Get(opened.Incident.ID)
	if inc.Status != model.IncidentResolved {
		t.Fatalf("incident status = %s, want resolved", inc.Status)
	}
	if cam, _ := eng.Camera("cam01"); cam.ActiveIncidentID != 0 {
		t.Fatalf("camera still linked after sweep")
	}
}

func TestSampleDedupeWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.DedupeWindow = time.Second
	eng := newEngineForTest(cfg)
	sample := model.DetectionSample{
		CameraID:    "cam01",
		Timestamp:   time.Now(),
		ObjectCount: 4,
	}
	if _, err := eng.ApplySample(sample); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := eng.ApplySample(sample)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Applied {
		t.Fatalf("duplicate sample was applied")
	}
	if eng.Stats().TotalDetections != 1 {
		t.Fatalf("total detections = %d, want 1", eng.Stats().TotalDetections)
	}
}

type stubDispatcher struct {
	failures int
	calls    int
	ref      string
}

func (d *stubDispatcher) Dispatch(_ context.Context, _ model.AlertPayload) (model.DispatchResult, error) {
	d.calls++
	if d.calls <= d.failures {
		return model.DispatchResult{}, errors.New("sink unavailable")
	}
	return model.DispatchResult{Delivered: true, Reference: d.ref}, nil
}

// seedIncident plants an active incident without going through the sample
// path, so dispatch can be driven synchronously in tests.
func seedIncident(eng *Engine, id uint64) model.Incident {
	now := time.Now().UTC()
	inc := model.Incident{
		ID:            id,
		CameraID:      "cam01",
		Type:          model.IncidentCollision,
		Severity:      model.SeverityCritical,
		Status:        model.IncidentActive,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	eng.incidents.Append(inc)
	return inc
}

func TestDispatchRetrySucceedsSecondAttempt(t *testing.T) {
	stub := &stubDispatcher{failures: 1, ref: "ref-123"}
	eng := New(testConfig(), nil, stub, nil)
	inc := seedIncident(eng, 1)
	eng.dispatchAndRecord(inc.ID, model.AlertPayload{IncidentID: inc.ID}, time.Second)
	if stub.calls != 2 {
		t.Fatalf("dispatch calls = %d, want 2", stub.calls)
	}
	got, _ := eng.incidents.Get(inc.ID)
	if !got.AlertDispatched || got.AlertRef != "ref-123" {
		t.Fatalf("incident after dispatch = %+v", got)
	}
	if got.Status != model.IncidentActive {
		t.Fatalf("dispatch outcome must not change lifecycle status, got %s", got.Status)
	}
}

func TestDispatchPermanentFailureKeepsIncident(t *testing.T) {
	stub := &stubDispatcher{failures: 100}
	eng := New(testConfig(), nil, stub, nil)
	inc := seedIncident(eng, 1)
	eng.dispatchAndRecord(inc.ID, model.AlertPayload{IncidentID: inc.ID}, time.Second)
	if stub.calls != 2 {
		t.Fatalf("dispatch calls = %d, want 2 (retry once)", stub.calls)
	}
	got, _ := eng.incidents.Get(inc.ID)
	if got.AlertDispatched {
		t.Fatalf("alert marked delivered after permanent failure")
	}
	if got.Status != model.IncidentActive {
		t.Fatalf("incident invalidated by dispatch failure: %s", got.Status)
	}
}

func TestSeverityTable(t *testing.T) {
	cases := []struct {
		typ        model.IncidentType
		confidence float64
		want       model.Severity
	}{
		{model.IncidentCollision, 0.95, model.SeverityCritical},
		{model.IncidentCollision, 0.89, model.SeverityHigh},
		{model.IncidentFire, 0.9, model.SeverityCritical},
		{model.IncidentFire, 0.6, model.SeverityHigh},
		{model.IncidentBreakdown, 0.99, model.SeverityMedium},
		{model.IncidentDebris, 0.99, model.SeverityLow},
	}
	for _, tc := range cases {
		if got := severityFor(tc.typ, tc.confidence, 0.9); got != tc.want {
			t.Fatalf("severityFor(%s, %.2f) = %s, want %s", tc.typ, tc.confidence, got, tc.want)
		}
	}
}

type captureObserver struct {
	snaps []model.Snapshot
}

func (c *captureObserver) Publish(snap model.Snapshot) {
	c.snaps = append(c.snaps, snap)
}

func TestSubscribeDeliversImmediateSnapshot(t *testing.T) {
	eng := newEngineForTest(testConfig())
	obs := &captureObserver{}
	eng.Subscribe(obs)
	if len(obs.snaps) != 1 {
		t.Fatalf("snapshots on subscribe = %d, want 1", len(obs.snaps))
	}
	if len(obs.snaps[0].Cameras) != 2 {
		t.Fatalf("snapshot cameras = %d, want 2", len(obs.snaps[0].Cameras))
	}
	_, _ = eng.ApplySample(model.DetectionSample{CameraID: "cam01", Timestamp: time.Now(), ObjectCount: 1})
	if len(obs.snaps) != 2 {
		t.Fatalf("snapshots after sample = %d, want 2", len(obs.snaps))
	}
}

// slowStore simulates a hung history sink: every write sleeps, and a signal
// is sent once the write lands.
type slowStore struct {
	delay time.Duration
	saved chan string
}

func (s *slowStore) Init(context.Context) error { return nil }
func (s *slowStore) Close() error               { return nil }

func (s *slowStore) SaveIncident(context.Context, model.Incident) error {
	time.Sleep(s.delay)
	select {
	case s.saved <- "incident":
	default:
	}
	return nil
}

func (s *slowStore) SaveTransition(context.Context, storage.Transition) error {
	time.Sleep(s.delay)
	select {
	case s.saved <- "transition":
	default:
	}
	return nil
}

func TestSlowHistorySinkDoesNotBlockSampling(t *testing.T) {
	store := &slowStore{delay: time.Second, saved: make(chan string, 8)}
	eng := New(testConfig(), nil, nil, store)
	if _, err := eng.RegisterCamera(model.CameraDefinition{ID: "cam01", Name: "North", Location: "I-80"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	start := time.Now()
	res, err := eng.ApplySample(model.DetectionSample{
		CameraID:      "cam01",
		Timestamp:     time.Now(),
		CandidateType: model.IncidentCollision,
		Confidence:    0.95,
	})
	elapsed := time.Since(start)
	if err != nil || !res.Opened {
		t.Fatalf("open failed: %v %+v", err, res)
	}
	if elapsed >= store.delay {
		t.Fatalf("incident-opening ApplySample took %s, blocked on the history sink", elapsed)
	}

	// The queued writes still land, just off the sample path.
	for _, want := range []string{"incident", "transition"} {
		select {
		case got := <-store.saved:
			if got != want {
				t.Fatalf("write order = %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("queued %s write never landed", want)
		}
	}
}

// gateObserver blocks its first Publish until released; later calls pass.
type gateObserver struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (o *gateObserver) Publish(model.Snapshot) {
	o.mu.Lock()
	o.calls++
	first := o.calls == 1
	o.mu.Unlock()
	if first {
		close(o.entered)
		<-o.release
	}
}

func TestBlockedObserverDoesNotStallSampling(t *testing.T) {
	eng := newEngineForTest(testConfig())
	obs := &gateObserver{entered: make(chan struct{}), release: make(chan struct{})}
	eng.mu.Lock()
	eng.observers = append(eng.observers, obs)
	eng.mu.Unlock()

	firstDone := make(chan struct{})
	go func() {
		_, _ = eng.ApplySample(model.DetectionSample{CameraID: "cam01", Timestamp: time.Now(), ObjectCount: 1})
		close(firstDone)
	}()
	<-obs.entered

	secondDone := make(chan struct{})
	go func() {
		_, _ = eng.ApplySample(model.DetectionSample{CameraID: "cam02", Timestamp: time.Now(), ObjectCount: 2})
		close(secondDone)
	}()
	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("sample processing stalled behind a blocked observer")
	}
	select {
	case <-firstDone:
		t.Fatalf("first call returned while its observer was still blocked")
	default:
	}
	close(obs.release)
	<-firstDone
}

func TestRejectedSampleDoesNotPoisonDedupe(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.DedupeWindow = time.Minute
	eng := New(cfg, nil, nil, nil)
	sample := model.DetectionSample{CameraID: "cam09", Timestamp: time.Now(), ObjectCount: 2}

	if _, err := eng.ApplySample(sample); !errors.Is(err, model.ErrUnknownCamera) {
		t.Fatalf("err = %v, want ErrUnknownCamera", err)
	}
	if _, err := eng.RegisterCamera(model.CameraDefinition{ID: "cam09", Name: "Late", Location: "SR-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := eng.ApplySample(sample)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Applied {
		t.Fatalf("retransmitted sample dropped after camera registration")
	}

	// Same for a sample ignored while the camera was offline.
	if _, err := eng.SetCameraStatus("cam09", model.CameraOffline); err != nil {
		t.Fatalf("offline: %v", err)
	}
	offlineSample := model.DetectionSample{CameraID: "cam09", Timestamp: time.Now(), ObjectCount: 3}
	if res, _ := eng.ApplySample(offlineSample); res.Applied {
		t.Fatalf("sample applied to offline camera")
	}
	if _, err := eng.SetCameraStatus("cam09", model.CameraOnline); err != nil {
		t.Fatalf("online: %v", err)
	}
	if res, _ := eng.ApplySample(offlineSample); !res.Applied {
		t.Fatalf("retransmitted sample dropped after camera came back online")
	}
}

func TestClampTimestamp(t *testing.T) {
	now := time.Now().UTC()
	if got := clampTimestamp(time.Time{}, now, time.Second, time.Second); !got.Equal(now) {
		t.Fatalf("zero timestamp not clamped to now")
	}
	stale := now.Add(-time.Minute)
	if got := clampTimestamp(stale, now, 2*time.Second, 2*time.Second); !got.Equal(now) {
		t.Fatalf("stale timestamp not clamped")
	}
	future := now.Add(time.Minute)
	if got := clampTimestamp(future, now, 2*time.Second, 2*time.Second); !got.Equal(now) {
		t.Fatalf("future timestamp not clamped")
	}
	ok := now.Add(-time.Second)
	if got := clampTimestamp(ok, now, 2*time.Second, 2*time.Second); !got.Equal(ok) {
		t.Fatalf("in-range timestamp altered")
	}
}
