// Package perimeter implements point-in-polygon containment testing
// against a hot-swappable detection zone.
package perimeter

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrInvalidZone is returned when a zone update fails validation. The
// previously stored zone stays in effect. Out-of-range coordinates are
// rejected rather than clamped so a broken client cannot silently store
// a zone it did not ask for.
var ErrInvalidZone = errors.New("invalid perimeter zone")

// Point is a polygon vertex in normalized [0,1] frame coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Zone is an immutable polygon snapshot. Self-intersecting or zero-area
// polygons are accepted; containment results for them are whatever ray
// casting yields.
type Zone struct {
	Points  []Point `json:"points"`
	Enabled bool    `json:"enabled"`
}

// Contains reports whether the point lies inside the polygon, using ray
// casting with half-open edge handling: a point exactly on a top or
// right edge counts as outside, so adjacent zones never double-count.
func (z *Zone) Contains(x, y float64) bool {
	n := len(z.Points)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := z.Points[i].X, z.Points[i].Y
		xj, yj := z.Points[j].X, z.Points[j].Y

		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

// ContainsBox tests the bounding box against the polygon using the box
// center as the reference point. The center matches how detections carry
// their location; the box bottom edge is deliberately not used because
// partial occlusion moves it far more than the center.
func (z *Zone) ContainsBox(bbox [4]float64) bool {
	cx := (bbox[0] + bbox[2]) / 2
	cy := (bbox[1] + bbox[3]) / 2
	return z.Contains(cx, cy)
}

// Engine owns the live zone. Replacement swaps the whole immutable
// snapshot, so an in-flight classification pass keeps using the zone it
// started with and never mixes vertices from two versions.
type Engine struct {
	zone atomic.Pointer[Zone]
}

// NewEngine creates an engine with the given initial zone. The initial
// zone is validated the same way updates are.
func NewEngine(points [][]float64, enabled bool) (*Engine, error) {
	e := &Engine{}
	if _, err := e.Replace(points, enabled); err != nil {
		return nil, err
	}
	return e, nil
}

// Replace validates and atomically installs a new zone, returning the
// zone actually stored. Validation failures leave the prior zone intact.
func (e *Engine) Replace(points [][]float64, enabled bool) (*Zone, error) {
	if len(points) < 3 {
		return nil, fmt.Errorf("%w: need at least 3 points, got %d", ErrInvalidZone, len(points))
	}

	zone := &Zone{
		Points:  make([]Point, len(points)),
		Enabled: enabled,
	}
	for i, p := range points {
		if len(p) != 2 {
			return nil, fmt.Errorf("%w: point %d must have exactly 2 coordinates", ErrInvalidZone, i)
		}
		if p[0] < 0 || p[0] > 1 || p[1] < 0 || p[1] > 1 {
			return nil, fmt.Errorf("%w: point %d (%g, %g) outside [0,1]", ErrInvalidZone, i, p[0], p[1])
		}
		zone.Points[i] = Point{X: p[0], Y: p[1]}
	}

	e.zone.Store(zone)
	return zone, nil
}

// SetEnabled toggles the enabled flag, keeping the polygon.
func (e *Engine) SetEnabled(enabled bool) *Zone {
	for {
		old := e.zone.Load()
		next := &Zone{Points: old.Points, Enabled: enabled}
		if e.zone.CompareAndSwap(old, next) {
			return next
		}
	}
}

// Snapshot returns the current zone. The returned value is immutable and
// safe to use for a whole classification pass.
func (e *Engine) Snapshot() *Zone {
	return e.zone.Load()
}

// Enabled reports whether perimeter restriction is active.
func (e *Engine) Enabled() bool {
	return e.zone.Load().Enabled
}

// PointsSlice returns the zone vertices as [][]float64, the shape the
// configuration file and API use.
func (z *Zone) PointsSlice() [][]float64 {
	out := make([][]float64, len(z.Points))
	for i, p := range z.Points {
		out[i] = []float64{p.X, p.Y}
	}
	return out
}
