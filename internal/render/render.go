// Package render rasterises published snapshots into annotated JPEG
// frames, shared by the live stream, the WebSocket feed, and alert
// snapshot images.
package render

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/adikhanal/vigil/internal/detector"
	"github.com/adikhanal/vigil/internal/state"
)

// Annotation colors per intrusion class.
var classColors = map[detector.Class]color.RGBA{
	detector.ClassHuman:   {R: 255, A: 255},
	detector.ClassAnimal:  {R: 255, G: 165, A: 255},
	detector.ClassObject:  {R: 255, G: 255, A: 255},
	detector.ClassUnknown: {R: 128, G: 128, B: 128, A: 255},
}

var zoneColor = color.RGBA{G: 255, A: 255}

// JPEG rasterises a snapshot's frame with its overlay shapes and encodes
// it as JPEG.
func JPEG(snap *state.Snapshot) ([]byte, error) {
	mat, err := gocv.ImageToMatRGB(snap.Frame.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	gocv.CvtColor(mat, &mat, gocv.ColorRGBToBGR)

	w := float64(snap.Frame.Width)
	h := float64(snap.Frame.Height)

	for _, ov := range snap.Overlays {
		switch ov.Kind {
		case state.OverlayPolygon:
			drawPolygon(&mat, ov, w, h)
		case state.OverlayBox:
			drawBox(&mat, ov, w, h)
		}
	}

	buf, err := gocv.IMEncode(".jpg", mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func drawPolygon(mat *gocv.Mat, ov state.Overlay, w, h float64) {
	if len(ov.Points) < 2 {
		return
	}
	pts := make([]image.Point, len(ov.Points))
	for i, p := range ov.Points {
		pts[i] = image.Pt(int(p[0]*w), int(p[1]*h))
	}
	pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
	defer pv.Close()
	gocv.Polylines(mat, pv, true, zoneColor, 2)
}

func drawBox(mat *gocv.Mat, ov state.Overlay, w, h float64) {
	if len(ov.Points) != 2 {
		return
	}
	rect := image.Rect(
		int(ov.Points[0][0]*w), int(ov.Points[0][1]*h),
		int(ov.Points[1][0]*w), int(ov.Points[1][1]*h),
	)

	c, ok := classColors[ov.Class]
	if !ok {
		c = classColors[detector.ClassUnknown]
	}

	gocv.Rectangle(mat, rect, c, 2)
	if ov.Label != "" {
		gocv.PutText(mat, ov.Label, image.Pt(rect.Min.X, rect.Min.Y-5),
			gocv.FontHersheySimplex, 0.6, c, 1)
	}
}
