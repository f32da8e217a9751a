// Package pipeline orchestrates frame acquisition, detector invocation
// cadence, perimeter classification, and snapshot publication.
package pipeline

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adikhanal/vigil/internal/alert"
	"github.com/adikhanal/vigil/internal/capture"
	"github.com/adikhanal/vigil/internal/config"
	"github.com/adikhanal/vigil/internal/detector"
	"github.com/adikhanal/vigil/internal/perimeter"
	"github.com/adikhanal/vigil/internal/render"
	"github.com/adikhanal/vigil/internal/state"
)

// RunState is the pipeline lifecycle state.
type RunState string

const (
	StateStopped RunState = "stopped"
	StateRunning RunState = "running"
)

// Acquisition failure handling. A single failed grab is transient; this
// many in a row is a dead source and stops the pipeline.
const (
	maxConsecutiveFailures = 30
	retryBackoffBase       = 100 * time.Millisecond
	retryBackoffMax        = 2 * time.Second
)

// fpsAlpha is the smoothing factor for the FPS moving averages.
const fpsAlpha = 0.2

// Pipeline runs the detection loop. It exclusively owns frame
// acquisition and detector invocation; everything externally visible
// goes through the hub and the alert manager.
type Pipeline struct {
	cfg      *config.Store
	camera   capture.Camera
	detector detector.Detector
	zone     *perimeter.Engine
	alerts   *alert.Manager
	hub      *state.Hub

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopping bool

	cameraConnected atomic.Bool
	seq             atomic.Uint64
	detectorErrors  atomic.Uint64

	// Failure handling knobs, set from the package defaults.
	maxFailures int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// New wires a pipeline from its collaborators.
func New(cfg *config.Store, cam capture.Camera, det detector.Detector,
	zone *perimeter.Engine, alerts *alert.Manager, hub *state.Hub) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		camera:      cam,
		detector:    det,
		zone:        zone,
		alerts:      alerts,
		hub:         hub,
		maxFailures: maxConsecutiveFailures,
		backoffBase: retryBackoffBase,
		backoffMax:  retryBackoffMax,
	}
}

// Start opens the camera and spawns the processing loop. Starting a
// running pipeline is a no-op.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopCh != nil {
		return nil
	}

	if err := p.camera.Open(); err != nil {
		return fmt.Errorf("camera unavailable: %w", err)
	}
	p.cameraConnected.Store(true)

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(p.stopCh, p.doneCh)

	log.Println("Detection pipeline started")
	return nil
}

// Stop signals the loop to terminate and blocks until it has finished
// the in-progress cycle and released the camera. The run state keeps
// reporting Running until that final cycle has published; only the
// loop's own cleanup clears it. Stopping a stopped pipeline is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopCh != nil && !p.stopping {
		p.stopping = true
		close(p.stopCh)
	}
	done := p.doneCh
	p.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Status reports the run state and whether the camera is connected. The
// pipeline counts as running until an in-flight cycle has completed its
// publication.
func (p *Pipeline) Status() (RunState, bool) {
	p.mu.Lock()
	running := p.stopCh != nil
	p.mu.Unlock()

	if running {
		return StateRunning, p.cameraConnected.Load()
	}
	return StateStopped, p.cameraConnected.Load()
}

// DetectorErrors reports how many detector invocations have failed.
func (p *Pipeline) DetectorErrors() uint64 {
	return p.detectorErrors.Load()
}

// run is the main processing loop. Each iteration reads the latest
// configuration snapshot, so settings changes apply on the next cycle
// without a restart. The loop checks for stop only between cycles: a
// cycle that has started always completes its publication.
func (p *Pipeline) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		if err := p.camera.Close(); err != nil {
			log.Printf("Error closing camera: %v", err)
		}
		p.cameraConnected.Store(false)
		p.mu.Lock()
		if p.stopCh == stopCh {
			p.stopCh = nil
			p.stopping = false
		}
		p.mu.Unlock()
		log.Println("Detection pipeline stopped")
	}()

	var (
		frameCount     int
		failures       int
		captureFPS     float64
		detectionFPS   float64
		lastCapture    time.Time
		lastDetection  time.Time
		lastDetections []detector.Detection
	)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		cfg := p.cfg.Current()

		frame, err := p.camera.ReadFrame()
		if err != nil {
			failures++
			log.Printf("Error reading frame (%d consecutive): %v", failures, err)
			if failures >= p.maxFailures {
				log.Printf("Frame source failed %d times, stopping pipeline", failures)
				p.cameraConnected.Store(false)
				return
			}
			backoff := p.backoffBase * time.Duration(failures)
			if backoff > p.backoffMax {
				backoff = p.backoffMax
			}
			select {
			case <-stopCh:
				return
			case <-time.After(backoff):
			}
			continue
		}
		failures = 0

		now := frame.Timestamp
		if !lastCapture.IsZero() {
			captureFPS = ema(captureFPS, instantRate(now.Sub(lastCapture)))
		}
		lastCapture = now

		// One zone snapshot per cycle, so classification and the zone
		// overlay in the published snapshot describe the same polygon.
		zone := p.zone.Snapshot()

		// Only every Nth frame goes to the detector; the rest reuse the
		// last detection list so display cadence stays decoupled from
		// detection cost.
		if frameCount%cfg.Detection.FrameSkip == 0 {
			raw, err := p.detector.Detect(frame.Image, cfg.Model.InferenceSize)
			if err != nil {
				// Detector failures are per-frame, never fatal.
				p.detectorErrors.Add(1)
				log.Printf("Detector error: %v", err)
				raw = nil
			}
			lastDetections = p.classify(raw, cfg, zone)

			if !lastDetection.IsZero() {
				detectionFPS = ema(detectionFPS, instantRate(now.Sub(lastDetection)))
			}
			lastDetection = now
		}
		frameCount++

		stats := buildStats(lastDetections, captureFPS, detectionFPS)

		snap := &state.Snapshot{
			Seq:        p.seq.Add(1),
			Frame:      frame,
			Detections: lastDetections,
			Stats:      stats,
			Overlays:   buildOverlays(lastDetections, zone),
			At:         now,
		}
		p.hub.Publish(snap)

		cooldown := time.Duration(cfg.Detection.AlertCooldown) * time.Second
		var annotated []byte
		for _, d := range lastDetections {
			a := p.alerts.Record(d, now, cooldown, snapshotPath(d, cfg, now))
			if a == nil {
				continue
			}
			log.Printf("ALERT: %s entered perimeter (confidence %.2f)", a.Type, a.Confidence)

			if a.SnapshotPath == "" {
				continue
			}
			// Rendered at most once per cycle; alerts from the same
			// cycle share the annotated frame.
			if annotated == nil {
				buf, err := render.JPEG(snap)
				if err != nil {
					log.Printf("Failed to render alert snapshot: %v", err)
					continue
				}
				annotated = buf
			}
			if err := writeSnapshot(a.SnapshotPath, annotated); err != nil {
				log.Printf("Failed to save alert snapshot: %v", err)
			}
		}
	}
}

// snapshotPath picks the image file path for a would-be alert. Empty when
// image saving is disabled or the detection cannot alert; the manager
// stores it only if the alert is actually created.
func snapshotPath(d detector.Detection, cfg *config.Config, at time.Time) string {
	if !cfg.Alerts.SaveImage || !d.InPerimeter {
		return ""
	}
	return filepath.Join(cfg.Alerts.SavePath, fmt.Sprintf("%s_%d.jpg", d.Class, at.UnixMilli()))
}

func writeSnapshot(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// classify filters raw detections by the configured threshold and target
// classes, maps boxes back to normalized original-frame coordinates, and
// tags containment against the zone snapshot the caller took for this
// cycle. When perimeter restriction is disabled, every detection is in
// scope for alerting.
func (p *Pipeline) classify(raw []detector.RawDetection, cfg *config.Config, zone *perimeter.Zone) []detector.Detection {
	size := float64(cfg.Model.InferenceSize)

	targets := make(map[string]bool, len(cfg.Detection.TargetClasses))
	for _, c := range cfg.Detection.TargetClasses {
		targets[c] = true
	}

	detections := make([]detector.Detection, 0, len(raw))
	for _, r := range raw {
		if r.Confidence < cfg.Model.ConfidenceThreshold {
			continue
		}
		if len(targets) > 0 && !targets[r.Label] {
			continue
		}

		// The backend reports boxes in the stretched inference square,
		// so dividing by the inference size per axis yields normalized
		// original-frame coordinates directly.
		bbox := [4]float64{
			clamp01(float64(r.Box.Min.X) / size),
			clamp01(float64(r.Box.Min.Y) / size),
			clamp01(float64(r.Box.Max.X) / size),
			clamp01(float64(r.Box.Max.Y) / size),
		}

		inPerimeter := true
		if zone.Enabled {
			inPerimeter = zone.ContainsBox(bbox)
		}

		detections = append(detections, detector.Detection{
			Class:       detector.Classify(r.Label),
			Label:       r.Label,
			Confidence:  r.Confidence,
			BBox:        bbox,
			InPerimeter: inPerimeter,
		})
	}
	return detections
}

// buildStats derives the cycle's stats from its detection list, so stats
// and detections in one snapshot always describe the same frame.
func buildStats(detections []detector.Detection, captureFPS, detectionFPS float64) state.SystemStats {
	in := 0
	for _, d := range detections {
		if d.InPerimeter {
			in++
		}
	}
	return state.SystemStats{
		CaptureFPS:       captureFPS,
		DetectionFPS:     detectionFPS,
		InPerimeter:      in,
		OutsidePerimeter: len(detections) - in,
		TotalDetections:  len(detections),
	}
}

// buildOverlays produces the structured shape list for this cycle: the
// zone polygon when enabled, plus one labeled box per detection.
func buildOverlays(detections []detector.Detection, zone *perimeter.Zone) []state.Overlay {
	overlays := make([]state.Overlay, 0, len(detections)+1)

	if zone.Enabled {
		pts := make([][2]float64, len(zone.Points))
		for i, p := range zone.Points {
			pts[i] = [2]float64{p.X, p.Y}
		}
		overlays = append(overlays, state.Overlay{
			Kind:   state.OverlayPolygon,
			Points: pts,
			Label:  "perimeter",
		})
	}

	for _, d := range detections {
		overlays = append(overlays, state.Overlay{
			Kind: state.OverlayBox,
			Points: [][2]float64{
				{d.BBox[0], d.BBox[1]},
				{d.BBox[2], d.BBox[3]},
			},
			Label: fmt.Sprintf("%s %.2f", d.Label, d.Confidence),
			Class: d.Class,
		})
	}
	return overlays
}

// ema folds a new sample into the exponential moving average, seeding
// with the first sample so there is no cold-start divide-by-zero.
func ema(current, sample float64) float64 {
	if current == 0 {
		return sample
	}
	return current + fpsAlpha*(sample-current)
}

// instantRate converts an inter-frame interval into a rate.
func instantRate(dt time.Duration) float64 {
	if dt <= 0 {
		return 0
	}
	return float64(time.Second) / float64(dt)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
