// Package state holds the externally visible pipeline snapshot and fans
// it out to an arbitrary number of live consumers.
package state

import (
	"time"

	"github.com/adikhanal/vigil/internal/capture"
	"github.com/adikhanal/vigil/internal/detector"
)

// SystemStats describes the most recent pipeline cycle. FPS figures are
// exponentially smoothed; counters reflect the cycle's detection list.
type SystemStats struct {
	CaptureFPS       float64 `json:"capture_fps"`
	DetectionFPS     float64 `json:"detection_fps"`
	InPerimeter      int     `json:"in_perimeter_count"`
	OutsidePerimeter int     `json:"outside_perimeter_count"`
	TotalDetections  int     `json:"total_detection_count"`
}

// OverlayKind identifies what an overlay shape represents.
type OverlayKind string

const (
	OverlayBox     OverlayKind = "box"
	OverlayPolygon OverlayKind = "polygon"
)

// Overlay is one shape to draw on the frame. The pipeline produces
// structured shapes rather than pixels; rasterisation is the transport
// layer's problem.
type Overlay struct {
	Kind   OverlayKind    `json:"kind"`
	Points [][2]float64   `json:"points"` // normalized coordinates
	Label  string         `json:"label,omitempty"`
	Class  detector.Class `json:"class,omitempty"`
}

// Snapshot is an immutable, internally consistent bundle published once
// per pipeline cycle. Frame, detections, stats, and overlays all derive
// from the same processed frame.
type Snapshot struct {
	Seq        uint64
	Frame      *capture.Frame
	Detections []detector.Detection
	Stats      SystemStats
	Overlays   []Overlay
	At         time.Time
}
