package pipeline

import (
	"errors"
	"image"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adikhanal/vigil/internal/alert"
	"github.com/adikhanal/vigil/internal/capture"
	"github.com/adikhanal/vigil/internal/config"
	"github.com/adikhanal/vigil/internal/detector"
	"github.com/adikhanal/vigil/internal/perimeter"
	"github.com/adikhanal/vigil/internal/state"
)

// stepCamera hands out one frame per Feed call, so tests control exactly
// when the loop advances. Closing the source makes every read fail.
type stepCamera struct {
	frames chan *capture.Frame
	open   atomic.Bool
}

func newStepCamera() *stepCamera {
	return &stepCamera{frames: make(chan *capture.Frame)}
}

func (c *stepCamera) Open() error {
	c.open.Store(true)
	return nil
}

func (c *stepCamera) Close() error {
	c.open.Store(false)
	return nil
}

func (c *stepCamera) ReadFrame() (*capture.Frame, error) {
	f, ok := <-c.frames
	if !ok {
		return nil, errors.New("frame source closed")
	}
	return f, nil
}

func (c *stepCamera) IsOpen() bool {
	return c.open.Load()
}

func (c *stepCamera) Feed() {
	c.frames <- &capture.Frame{
		Image:     image.NewRGBA(image.Rect(0, 0, 64, 48)),
		Timestamp: time.Now(),
		Width:     64,
		Height:    48,
	}
}

type fixture struct {
	cfg    *config.Store
	zone   *perimeter.Engine
	alerts *alert.Manager
	hub    *state.Hub
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	zone, err := perimeter.NewEngine(cfg.Detection.PerimeterZone, cfg.Detection.EnablePerimeter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	alerts, err := alert.NewManager(nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &fixture{
		cfg:    config.NewStore(cfg, ""),
		zone:   zone,
		alerts: alerts,
		hub:    state.NewHub(),
	}
}

// newFastPipeline builds a pipeline whose failure handling is tightened
// so exhaustion tests finish in milliseconds.
func (f *fixture) newFastPipeline(cam capture.Camera, det detector.Detector) *Pipeline {
	p := New(f.cfg, cam, det, f.zone, f.alerts, f.hub)
	p.maxFailures = 2
	p.backoffBase = time.Millisecond
	p.backoffMax = time.Millisecond
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStopped(t *testing.T, p *Pipeline) {
	t.Helper()
	waitFor(t, "pipeline to stop", func() bool {
		st, _ := p.Status()
		return st == StateStopped
	})
}

func TestPipeline_FrameSkipCadence(t *testing.T) {
	tests := []struct {
		skip      int
		wantCalls int
	}{
		{1, 100},
		{2, 50},
		{3, 34},
	}

	for _, tt := range tests {
		f := newFixture(t, func(c *config.Config) {
			c.Detection.FrameSkip = tt.skip
		})
		cam := capture.NewMockCamera(capture.GrayFrames(100, 64, 48), false)
		det := detector.NewMockDetector()

		p := f.newFastPipeline(cam, det)
		if err := p.Start(); err != nil {
			t.Fatalf("skip %d: unexpected error: %v", tt.skip, err)
		}

		// The mock source runs dry after 100 frames and the tightened
		// failure budget stops the loop.
		waitStopped(t, p)

		if got := det.Calls(); got != tt.wantCalls {
			t.Errorf("skip %d: detector called %d times over 100 frames, want %d",
				tt.skip, got, tt.wantCalls)
		}
		if got := f.hub.Latest().Seq; got != 100 {
			t.Errorf("skip %d: published %d snapshots, want 100", tt.skip, got)
		}
	}
}

func TestPipeline_EveryFrameIsPublished(t *testing.T) {
	f := newFixture(t, nil)
	cam := newStepCamera()
	det := detector.NewMockDetector()

	p := f.newFastPipeline(cam, det)
	p.maxFailures = 1
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := uint64(1); i <= 5; i++ {
		cam.Feed()
		seq := i
		waitFor(t, "snapshot publication", func() bool {
			snap := f.hub.Latest()
			return snap != nil && snap.Seq == seq
		})
	}

	// A started cycle publishes before the loop can observe a stop, so
	// the snapshot count always matches the successful reads.
	close(cam.frames)
	waitStopped(t, p)

	if got := f.hub.Latest().Seq; got != 5 {
		t.Errorf("published %d snapshots, want 5", got)
	}
	if cam.IsOpen() {
		t.Error("camera should be released after the loop exits")
	}
}

// blockingDetector parks inside Detect until released, simulating a slow
// model so tests can observe an in-flight cycle.
type blockingDetector struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingDetector() *blockingDetector {
	return &blockingDetector{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (d *blockingDetector) Detect(img image.Image, inferenceSize int) ([]detector.RawDetection, error) {
	d.entered <- struct{}{}
	<-d.release
	return nil, nil
}

func (d *blockingDetector) Close() error { return nil }

func TestPipeline_StopWaitsForInFlightCycle(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Detection.FrameSkip = 1
	})
	cam := newStepCamera()
	det := newBlockingDetector()

	p := f.newFastPipeline(cam, det)
	p.maxFailures = 1
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cam.Feed()
	<-det.entered // the cycle is now parked inside the detector

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	// Give Stop time to signal; the cycle is still in flight, so the run
	// state must not report stopped and nothing may be published yet.
	time.Sleep(50 * time.Millisecond)
	if st, _ := p.Status(); st != StateRunning {
		t.Errorf("status = %s while a cycle is in flight, want running", st)
	}
	if f.hub.Latest() != nil {
		t.Error("snapshot published before the in-flight cycle finished")
	}

	close(det.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}

	// The interrupted cycle completed its publication before the state
	// transitioned.
	if snap := f.hub.Latest(); snap == nil || snap.Seq != 1 {
		t.Error("in-flight cycle should publish its snapshot before stopping")
	}
	if st, _ := p.Status(); st != StateStopped {
		t.Errorf("status = %s after Stop returned, want stopped", st)
	}
}

func TestPipeline_AlertSnapshotImageSaved(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, func(c *config.Config) {
		c.Detection.FrameSkip = 1
		c.Detection.AlertCooldown = 60
		c.Alerts.SaveImage = true
		c.Alerts.SavePath = dir
	})
	cam := newStepCamera()
	det := detector.NewMockDetector()
	det.Enqueue(detector.PersonAt(0.5, 0.5, config.DefaultInferenceSize))

	p := f.newFastPipeline(cam, det)
	p.maxFailures = 1
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cam.Feed()
	waitFor(t, "alert creation", func() bool {
		return f.alerts.Stats().TotalAlerts == 1
	})

	a := f.alerts.List(0, 0)[0]
	if a.SnapshotPath == "" {
		t.Fatal("alert should carry a snapshot path when image saving is on")
	}
	if !strings.HasPrefix(a.SnapshotPath, dir) {
		t.Errorf("snapshot path %q is outside the configured save dir %q", a.SnapshotPath, dir)
	}
	waitFor(t, "snapshot image on disk", func() bool {
		info, err := os.Stat(a.SnapshotPath)
		return err == nil && info.Size() > 0
	})

	close(cam.frames)
	waitStopped(t, p)
}

func TestPipeline_StartIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	cam := capture.NewMockCamera(capture.GrayFrames(10, 64, 48), true)
	p := f.newFastPipeline(cam, detector.NewMockDetector())

	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Errorf("second Start returned %v, want nil no-op", err)
	}

	st, connected := p.Status()
	if st != StateRunning || !connected {
		t.Errorf("status = %s connected=%t, want running and connected", st, connected)
	}

	p.Stop()
	p.Stop() // stopping again is a no-op

	st, _ = p.Status()
	if st != StateStopped {
		t.Errorf("status = %s after Stop, want stopped", st)
	}
}

func TestPipeline_StartFailsWhenCameraUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	cam := capture.NewMockCamera(nil, false)
	cam.SetOpenError(errors.New("device busy"))

	p := f.newFastPipeline(cam, detector.NewMockDetector())
	if err := p.Start(); err == nil {
		t.Fatal("Start should fail when the camera cannot be opened")
	}

	st, connected := p.Status()
	if st != StateStopped || connected {
		t.Errorf("status = %s connected=%t after failed start, want stopped and disconnected", st, connected)
	}
}

func TestPipeline_RetryBudgetExhaustionStopsLoop(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Detection.FrameSkip = 1
	})
	cam := capture.NewMockCamera(capture.GrayFrames(10, 64, 48), true)
	cam.FailReadsFrom(10)

	p := f.newFastPipeline(cam, detector.NewMockDetector())
	p.maxFailures = 3
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitStopped(t, p)

	if _, connected := p.Status(); connected {
		t.Error("camera should report disconnected after budget exhaustion")
	}
	if got := f.hub.Latest().Seq; got != 10 {
		t.Errorf("published %d snapshots before failure, want 10", got)
	}
	// 10 good reads plus the 3 failed attempts that spent the budget.
	if got := cam.ReadCount(); got != 13 {
		t.Errorf("read count = %d, want 13", got)
	}
}

func TestPipeline_TransientReadFailureRecovers(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Detection.FrameSkip = 1
	})
	cam := capture.NewMockCamera(capture.GrayFrames(10, 64, 48), false)
	cam.FailReadAt(3, errors.New("frame dropped"))

	p := f.newFastPipeline(cam, detector.NewMockDetector())
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitStopped(t, p)

	// One read failed mid-stream but all 10 frames still went out.
	if got := f.hub.Latest().Seq; got != 10 {
		t.Errorf("published %d snapshots, want 10", got)
	}
}

func TestPipeline_DetectorErrorsAreNotFatal(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Detection.FrameSkip = 1
	})
	cam := capture.NewMockCamera(capture.GrayFrames(10, 64, 48), false)
	det := detector.NewMockDetector()
	det.EnqueueError(errors.New("inference failed"))
	det.Enqueue(detector.PersonAt(0.5, 0.5, config.DefaultInferenceSize))

	p := f.newFastPipeline(cam, det)
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitStopped(t, p)

	if got := p.DetectorErrors(); got != 1 {
		t.Errorf("detector errors = %d, want 1", got)
	}
	if got := det.Calls(); got != 10 {
		t.Errorf("detector called %d times, want 10", got)
	}

	snap := f.hub.Latest()
	if snap.Seq != 10 {
		t.Fatalf("published %d snapshots, want 10", snap.Seq)
	}
	if len(snap.Detections) != 1 || snap.Detections[0].Class != detector.ClassHuman {
		t.Errorf("final detections = %v, want one human", snap.Detections)
	}
	if snap.Stats.InPerimeter != 1 || snap.Stats.TotalDetections != 1 {
		t.Errorf("stats = %+v, want one detection inside the perimeter", snap.Stats)
	}

	// Repeated sightings within the cooldown collapse into one alert.
	if got := f.alerts.Stats().TotalAlerts; got != 1 {
		t.Errorf("alerts = %d, want 1", got)
	}
}

func TestPipeline_SkippedFramesCarryLastDetections(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Detection.FrameSkip = 3
	})
	cam := newStepCamera()
	det := detector.NewMockDetector()
	det.Enqueue(detector.PersonAt(0.5, 0.5, config.DefaultInferenceSize))

	p := f.newFastPipeline(cam, det)
	p.maxFailures = 1
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		cam.Feed()
		seq := i
		waitFor(t, "snapshot publication", func() bool {
			snap := f.hub.Latest()
			return snap != nil && snap.Seq == seq
		})
		// Frames 2 and 3 skip the detector but still show the person.
		snap := f.hub.Latest()
		if len(snap.Detections) != 1 {
			t.Errorf("snapshot %d has %d detections, want 1 carried over", i, len(snap.Detections))
		}
	}

	if got := det.Calls(); got != 1 {
		t.Errorf("detector called %d times over 3 frames with skip 3, want 1", got)
	}

	close(cam.frames)
	waitStopped(t, p)
}

func TestPipeline_FrameSkipChangeAppliesNextCycle(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Detection.FrameSkip = 1
	})
	cam := newStepCamera()
	det := detector.NewMockDetector()

	p := f.newFastPipeline(cam, det)
	p.maxFailures = 1
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	feed := func(n int) {
		for i := 0; i < n; i++ {
			cam.Feed()
		}
	}
	waitSeq := func(seq uint64) {
		waitFor(t, "snapshot publication", func() bool {
			snap := f.hub.Latest()
			return snap != nil && snap.Seq == seq
		})
	}

	// Four frames at skip 1: every frame hits the detector.
	feed(4)
	waitSeq(4)
	if got := det.Calls(); got != 4 {
		t.Fatalf("detector called %d times at skip 1, want 4", got)
	}

	// Change cadence without restarting; frames 5-8 are counts 4-7, of
	// which 4 and 6 are detection frames.
	skip := 2
	if _, err := f.cfg.UpdateDetection(config.DetectionUpdate{FrameSkip: &skip}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	feed(4)
	waitSeq(8)
	if got := det.Calls(); got != 6 {
		t.Errorf("detector called %d times after skip change, want 6", got)
	}

	close(cam.frames)
	waitStopped(t, p)
}

func TestPipeline_PerimeterToggleGatesAlerts(t *testing.T) {
	// Bottom-half zone; the detector keeps reporting a person in the
	// top half, outside the restricted area.
	f := newFixture(t, func(c *config.Config) {
		c.Detection.FrameSkip = 1
		c.Detection.PerimeterZone = [][]float64{{0, 0.5}, {1, 0.5}, {1, 1}, {0, 1}}
		c.Detection.AlertCooldown = 60
	})
	cam := newStepCamera()
	det := detector.NewMockDetector()
	det.Enqueue(detector.PersonAt(0.5, 0.2, config.DefaultInferenceSize))

	p := f.newFastPipeline(cam, det)
	p.maxFailures = 1
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitSeq := func(seq uint64) {
		waitFor(t, "snapshot publication", func() bool {
			snap := f.hub.Latest()
			return snap != nil && snap.Seq == seq
		})
	}

	cam.Feed()
	cam.Feed()
	waitSeq(2)
	if got := f.alerts.Stats().TotalAlerts; got != 0 {
		t.Fatalf("alerts = %d with detection outside zone, want 0", got)
	}
	if snap := f.hub.Latest(); snap.Stats.OutsidePerimeter != 1 {
		t.Errorf("stats = %+v, want one detection outside", snap.Stats)
	}

	// Disabling the restriction makes every detection alert-eligible.
	f.zone.SetEnabled(false)
	cam.Feed()
	cam.Feed()
	waitSeq(4)
	if got := f.alerts.Stats().TotalAlerts; got != 1 {
		t.Errorf("alerts = %d after disabling perimeter, want 1 (cooldown holds the rest)", got)
	}
	if snap := f.hub.Latest(); snap.Stats.InPerimeter != 1 {
		t.Errorf("stats = %+v, want detection counted in scope", snap.Stats)
	}

	close(cam.frames)
	waitStopped(t, p)
}

func TestPipeline_Classify(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Detection.PerimeterZone = [][]float64{{0, 0.5}, {1, 0.5}, {1, 1}, {0, 1}}
		c.Model.ConfidenceThreshold = 0.5
		c.Detection.TargetClasses = []string{"person", "dog"}
	})
	p := f.newFastPipeline(capture.NewMockCamera(nil, false), detector.NewMockDetector())
	cfg := f.cfg.Current()

	size := cfg.Model.InferenceSize
	raw := []detector.RawDetection{
		detector.PersonAt(0.5, 0.7, size), // in zone
		detector.PersonAt(0.5, 0.2, size), // out of zone
		{Label: "dog", Confidence: 0.3, Box: image.Rect(100, 400, 200, 500)}, // below threshold
		{Label: "car", Confidence: 0.9, Box: image.Rect(100, 400, 200, 500)}, // not a target class
		{Label: "dog", Confidence: 0.8, Box: image.Rect(280, 400, 360, 480)}, // in zone
	}

	zone := f.zone.Snapshot()
	got := p.classify(raw, cfg, zone)
	if len(got) != 3 {
		t.Fatalf("classify kept %d detections, want 3", len(got))
	}
	if !got[0].InPerimeter || got[1].InPerimeter || !got[2].InPerimeter {
		t.Errorf("in-perimeter flags = %t, %t, %t; want true, false, true",
			got[0].InPerimeter, got[1].InPerimeter, got[2].InPerimeter)
	}
	if got[0].Class != detector.ClassHuman || got[2].Class != detector.ClassAnimal {
		t.Errorf("classes = %s, %s; want human, animal", got[0].Class, got[2].Class)
	}
	for i, d := range got {
		for j, v := range d.BBox {
			if v < 0 || v > 1 {
				t.Errorf("detection %d bbox[%d] = %g, want normalized to [0,1]", i, j, v)
			}
		}
	}

	// Classification follows the snapshot handed in for the cycle, not
	// whatever the engine holds by the time it runs.
	f.zone.SetEnabled(false)
	got = p.classify(raw, cfg, zone)
	if !got[0].InPerimeter || got[1].InPerimeter {
		t.Error("classify should use the cycle's zone snapshot, not live engine state")
	}

	// With the restriction off everything is in scope.
	got = p.classify(raw, cfg, f.zone.Snapshot())
	for i, d := range got {
		if !d.InPerimeter {
			t.Errorf("detection %d out of scope with perimeter disabled", i)
		}
	}
}

func TestPipeline_Overlays(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Detection.FrameSkip = 1
	})
	cam := capture.NewMockCamera(capture.GrayFrames(3, 64, 48), false)
	det := detector.NewMockDetector()
	det.Enqueue(detector.PersonAt(0.5, 0.5, config.DefaultInferenceSize))

	p := f.newFastPipeline(cam, det)
	if err := p.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitStopped(t, p)

	snap := f.hub.Latest()
	if len(snap.Overlays) != 2 {
		t.Fatalf("snapshot has %d overlays, want polygon + box", len(snap.Overlays))
	}
	if snap.Overlays[0].Kind != state.OverlayPolygon || len(snap.Overlays[0].Points) != 4 {
		t.Errorf("first overlay = %+v, want 4-point polygon", snap.Overlays[0])
	}
	if snap.Overlays[1].Kind != state.OverlayBox || snap.Overlays[1].Class != detector.ClassHuman {
		t.Errorf("second overlay = %+v, want human box", snap.Overlays[1])
	}
}

func TestEMA(t *testing.T) {
	if got := ema(0, 30); got != 30 {
		t.Errorf("ema seeds with first sample, got %g", got)
	}
	got := ema(30, 10)
	if got <= 10 || got >= 30 {
		t.Errorf("ema(30, 10) = %g, want between 10 and 30", got)
	}
}

func TestInstantRate(t *testing.T) {
	if got := instantRate(100 * time.Millisecond); got != 10 {
		t.Errorf("instantRate(100ms) = %g, want 10", got)
	}
	if got := instantRate(0); got != 0 {
		t.Errorf("instantRate(0) = %g, want 0", got)
	}
}
