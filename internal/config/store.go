package config

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// Store holds the live configuration snapshot. Readers (the pipeline
// loop, request handlers) get the latest complete config via Current;
// updates replace the whole snapshot atomically so a reader never sees
// a partially-applied change.
type Store struct {
	current atomic.Pointer[Config]

	// mu serializes writers only; reads are lock-free.
	mu   sync.Mutex
	path string
}

// NewStore creates a Store seeded with the given configuration.
// If path is non-empty, every successful update is persisted back to it.
func NewStore(cfg *Config, path string) *Store {
	s := &Store{path: path}
	s.current.Store(cfg.clone())
	return s
}

// Current returns the latest configuration snapshot. The returned value
// must not be mutated.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// DetectionUpdate carries a partial update to detection and model
// settings. Nil fields are left unchanged.
type DetectionUpdate struct {
	TargetClasses       []string `json:"target_classes,omitempty"`
	AlertCooldown       *int     `json:"alert_cooldown,omitempty"`
	FrameSkip           *int     `json:"frame_skip,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	InferenceSize       *int     `json:"inference_size,omitempty"`
}

// UpdateDetection applies a partial detection-settings update. The update
// is validated against the merged result; on failure nothing changes and
// the prior configuration remains in effect.
func (s *Store) UpdateDetection(u DetectionUpdate) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	if u.TargetClasses != nil {
		next.Detection.TargetClasses = append([]string(nil), u.TargetClasses...)
	}
	if u.AlertCooldown != nil {
		next.Detection.AlertCooldown = *u.AlertCooldown
	}
	if u.FrameSkip != nil {
		next.Detection.FrameSkip = *u.FrameSkip
	}
	if u.ConfidenceThreshold != nil {
		next.Model.ConfidenceThreshold = *u.ConfidenceThreshold
	}
	if u.InferenceSize != nil {
		next.Model.InferenceSize = *u.InferenceSize
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}

	s.current.Store(next)
	s.persist(next)
	return next, nil
}

// UpdatePerimeter records an already-validated perimeter zone in the
// configuration so it survives restarts. Zone validation itself belongs
// to the perimeter engine; this only persists what the engine accepted.
func (s *Store) UpdatePerimeter(points [][]float64, enabled bool) *Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	next.Detection.PerimeterZone = make([][]float64, len(points))
	for i, p := range points {
		next.Detection.PerimeterZone[i] = append([]float64(nil), p...)
	}
	next.Detection.EnablePerimeter = enabled

	s.current.Store(next)
	s.persist(next)
	return next
}

// persist writes the snapshot back to the config file. Failures are
// logged, not fatal: the in-memory configuration is already live.
func (s *Store) persist(cfg *Config) {
	if s.path == "" {
		return
	}
	if err := cfg.Save(s.path); err != nil {
		log.Printf("Failed to persist config: %v", err)
	}
}

// String implements fmt.Stringer for debug logging.
func (s *Store) String() string {
	c := s.Current()
	return fmt.Sprintf("config{skip=%d conf=%.2f size=%d cooldown=%ds perimeter=%t}",
		c.Detection.FrameSkip, c.Model.ConfidenceThreshold,
		c.Model.InferenceSize, c.Detection.AlertCooldown,
		c.Detection.EnablePerimeter)
}
