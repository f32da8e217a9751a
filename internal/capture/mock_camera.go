package capture

import (
	"fmt"
	"image"
	"sync"
	"time"
)

// MockCamera plays back pre-built frames for testing. Individual reads
// can be scripted to fail, and the camera can be made to fail every read
// after a given point to exercise the pipeline's retry budget.
type MockCamera struct {
	mu        sync.Mutex
	frames    []*Frame
	index     int
	loop      bool
	running   bool
	openErr   error
	readErrs  map[int]error // read sequence number -> injected error
	failFrom  int           // fail every read from this sequence on (0 = disabled)
	readCount int
}

// NewMockCamera creates a mock camera that plays the given frames.
func NewMockCamera(frames []*Frame, loop bool) *MockCamera {
	return &MockCamera{
		frames:   frames,
		loop:     loop,
		readErrs: make(map[int]error),
	}
}

// GrayFrames builds n identical solid frames of the given size, a
// convenient fixture for pipeline tests.
func GrayFrames(n, width, height int) []*Frame {
	frames := make([]*Frame, n)
	for i := range frames {
		frames[i] = &Frame{
			Image:     image.NewRGBA(image.Rect(0, 0, width, height)),
			Timestamp: time.Now(),
			Width:     width,
			Height:    height,
		}
	}
	return frames
}

func (c *MockCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.running = true
	c.index = 0
	return nil
}

func (c *MockCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

func (c *MockCamera) ReadFrame() (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil, ErrCameraNotOpen
	}

	seq := c.readCount
	c.readCount++

	if err, ok := c.readErrs[seq]; ok {
		return nil, err
	}
	if c.failFrom > 0 && seq >= c.failFrom {
		return nil, fmt.Errorf("simulated camera failure at read %d", seq)
	}

	if len(c.frames) == 0 {
		return nil, fmt.Errorf("no frames available")
	}
	if c.index >= len(c.frames) {
		if !c.loop {
			return nil, fmt.Errorf("no more frames")
		}
		c.index = 0
	}

	frame := c.frames[c.index]
	c.index++
	return frame, nil
}

func (c *MockCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetOpenError makes Open fail with the given error.
func (c *MockCamera) SetOpenError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
}

// FailReadAt injects a one-off error for the nth read (0-based).
func (c *MockCamera) FailReadAt(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErrs[n] = err
}

// FailReadsFrom makes every read from the nth onward fail.
func (c *MockCamera) FailReadsFrom(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failFrom = n
}

// ReadCount reports how many reads have been attempted.
func (c *MockCamera) ReadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCount
}
