// Package capture provides video frame acquisition using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// ErrCameraNotOpen is returned when reading from a camera that is not open.
var ErrCameraNotOpen = errors.New("camera is not open")

// Frame is one captured image. It is immutable once captured; the
// pipeline either discards it after a cycle or retains it as the latest
// published frame.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	Width     int
	Height    int
}

// Camera defines the frame source contract. The pipeline is the only
// component that calls it.
type Camera interface {
	Open() error
	Close() error
	ReadFrame() (*Frame, error)
	IsOpen() bool
}

// Webcam captures frames from a local device or a stream URL via GoCV.
type Webcam struct {
	source string
	width  int
	height int
	fps    int

	mu      sync.Mutex
	capture *gocv.VideoCapture
	running bool
}

// NewWebcam creates a camera for the given source. A numeric source is
// treated as a device index, anything else as a capture URL (RTSP, file).
func NewWebcam(source string, width, height, fps int) *Webcam {
	return &Webcam{
		source: source,
		width:  width,
		height: height,
		fps:    fps,
	}
}

// Open opens the capture device and applies the configured resolution.
func (c *Webcam) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	var (
		capture *gocv.VideoCapture
		err     error
	)
	if id, convErr := strconv.Atoi(c.source); convErr == nil {
		capture, err = gocv.OpenVideoCapture(id)
	} else {
		capture, err = gocv.OpenVideoCapture(c.source)
	}
	if err != nil {
		return fmt.Errorf("failed to open camera %q: %w", c.source, err)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(c.width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(c.height))
	if c.fps > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(c.fps))
	}

	c.capture = capture
	c.running = true
	return nil
}

// Close releases the capture device.
func (c *Webcam) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		c.running = false
		return nil
	}

	err := c.capture.Close()
	c.capture = nil
	c.running = false
	return err
}

// ReadFrame reads and decodes a single frame.
func (c *Webcam) ReadFrame() (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		return nil, ErrCameraNotOpen
	}

	mat := gocv.NewMat()
	defer mat.Close()

	if ok := c.capture.Read(&mat); !ok {
		return nil, errors.New("failed to read frame from camera")
	}
	if mat.Empty() {
		return nil, errors.New("captured frame is empty")
	}

	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	return &Frame{
		Image:     img,
		Timestamp: time.Now(),
		Width:     mat.Cols(),
		Height:    mat.Rows(),
	}, nil
}

// IsOpen reports whether the camera is currently open.
func (c *Webcam) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
