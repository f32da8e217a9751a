package detector

import (
	"image"
	"sync"
)

// MockDetector is a scripted Detector for tests. Each call to Detect
// returns the next scripted result; when the script is exhausted the last
// entry repeats. With no script it returns no detections.
type MockDetector struct {
	mu      sync.Mutex
	script  []mockResult
	calls   int
	lastImg image.Image
}

type mockResult struct {
	detections []RawDetection
	err        error
}

// NewMockDetector creates an empty mock detector.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// Enqueue appends a successful detection result to the script.
func (m *MockDetector) Enqueue(detections ...RawDetection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockResult{detections: detections})
}

// EnqueueError appends a failing call to the script.
func (m *MockDetector) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockResult{err: err})
}

// Detect returns the next scripted result.
func (m *MockDetector) Detect(img image.Image, inferenceSize int) ([]RawDetection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.lastImg = img

	if len(m.script) == 0 {
		return nil, nil
	}
	idx := m.calls - 1
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	r := m.script[idx]
	return r.detections, r.err
}

// Calls reports how many times Detect has been invoked.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}

// PersonAt builds a raw detection for a person whose box center sits at
// the given normalized coordinates, expressed in the inference pixel
// space. Convenient fixture for perimeter classification tests.
func PersonAt(cx, cy float64, inferenceSize int) RawDetection {
	const half = 20
	px := int(cx * float64(inferenceSize))
	py := int(cy * float64(inferenceSize))
	return RawDetection{
		Label:      "person",
		Confidence: 0.9,
		Box:        image.Rect(px-half, py-half, px+half, py+half),
	}
}
