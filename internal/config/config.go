// Package config loads and manages the vigil configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default configuration values applied when the file omits a field.
const (
	DefaultWidth         = 1280
	DefaultHeight        = 720
	DefaultFPS           = 30
	DefaultConfidence    = 0.5
	DefaultInferenceSize = 640
	DefaultFrameSkip     = 3
	DefaultCooldown      = 5
	DefaultMaxStored     = 1000
	DefaultAddr          = ":8080"
)

// ErrInvalidConfig is returned when a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// CameraConfig describes the video source.
type CameraConfig struct {
	// URL is a device index ("0") or an RTSP/file URL.
	URL    string `yaml:"url" json:"url"`
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height" json:"height"`
	FPS    int    `yaml:"fps" json:"fps"`
}

// ModelConfig describes the detection model backend.
type ModelConfig struct {
	Weights             string  `yaml:"weights" json:"weights"`
	Names               string  `yaml:"names" json:"names"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	InferenceSize       int     `yaml:"inference_size" json:"inference_size"`
}

// DetectionConfig describes detection cadence and perimeter settings.
type DetectionConfig struct {
	TargetClasses   []string    `yaml:"target_classes" json:"target_classes"`
	PerimeterZone   [][]float64 `yaml:"perimeter_zone" json:"perimeter_zone"`
	EnablePerimeter bool        `yaml:"enable_perimeter" json:"enable_perimeter"`
	// AlertCooldown is the minimum interval in seconds between alerts
	// of the same class.
	AlertCooldown int `yaml:"alert_cooldown" json:"alert_cooldown"`
	FrameSkip     int `yaml:"frame_skip" json:"frame_skip"`
}

// AlertConfig describes alert persistence.
type AlertConfig struct {
	SavePath  string `yaml:"save_path" json:"save_path"`
	SaveImage bool   `yaml:"save_image" json:"save_image"`
	MaxStored int    `yaml:"max_stored" json:"max_stored"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Config is the full configuration tree. Values are treated as an
// immutable snapshot once loaded; updates go through Store.
type Config struct {
	Camera    CameraConfig    `yaml:"camera" json:"camera"`
	Model     ModelConfig     `yaml:"model" json:"model"`
	Detection DetectionConfig `yaml:"detection" json:"detection"`
	Alerts    AlertConfig     `yaml:"alerts" json:"alerts"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

// Default returns a configuration with all defaults filled in.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			URL:    "0",
			Width:  DefaultWidth,
			Height: DefaultHeight,
			FPS:    DefaultFPS,
		},
		Model: ModelConfig{
			Weights:             "models/yolov8n.onnx",
			ConfidenceThreshold: DefaultConfidence,
			InferenceSize:       DefaultInferenceSize,
		},
		Detection: DetectionConfig{
			TargetClasses:   []string{"person", "dog", "cat", "bird"},
			PerimeterZone:   [][]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}},
			EnablePerimeter: true,
			AlertCooldown:   DefaultCooldown,
			FrameSkip:       DefaultFrameSkip,
		},
		Alerts: AlertConfig{
			SavePath:  "data/detections",
			SaveImage: false,
			MaxStored: DefaultMaxStored,
		},
		Server: ServerConfig{
			Addr: DefaultAddr,
		},
	}
}

// Load reads a YAML configuration file, filling omitted fields with
// defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero values the YAML decoder may have written
// over the defaults (an explicit zero in the file is indistinguishable
// from an omitted field for numeric settings).
func (c *Config) applyDefaults() {
	if c.Camera.Width <= 0 {
		c.Camera.Width = DefaultWidth
	}
	if c.Camera.Height <= 0 {
		c.Camera.Height = DefaultHeight
	}
	if c.Camera.FPS <= 0 {
		c.Camera.FPS = DefaultFPS
	}
	if c.Model.InferenceSize <= 0 {
		c.Model.InferenceSize = DefaultInferenceSize
	}
	if c.Detection.FrameSkip <= 0 {
		c.Detection.FrameSkip = DefaultFrameSkip
	}
	if c.Alerts.MaxStored <= 0 {
		c.Alerts.MaxStored = DefaultMaxStored
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
}

// Validate checks all numeric settings are in range.
func (c *Config) Validate() error {
	if c.Detection.FrameSkip < 1 {
		return fmt.Errorf("%w: frame_skip must be >= 1, got %d", ErrInvalidConfig, c.Detection.FrameSkip)
	}
	if c.Model.ConfidenceThreshold < 0 || c.Model.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence_threshold must be in [0,1], got %g", ErrInvalidConfig, c.Model.ConfidenceThreshold)
	}
	if c.Model.InferenceSize < 1 {
		return fmt.Errorf("%w: inference_size must be >= 1, got %d", ErrInvalidConfig, c.Model.InferenceSize)
	}
	if c.Detection.AlertCooldown < 0 {
		return fmt.Errorf("%w: alert_cooldown must be >= 0, got %d", ErrInvalidConfig, c.Detection.AlertCooldown)
	}
	if len(c.Detection.PerimeterZone) < 3 {
		return fmt.Errorf("%w: perimeter_zone needs at least 3 points, got %d", ErrInvalidConfig, len(c.Detection.PerimeterZone))
	}
	return nil
}

// clone returns a deep copy so snapshots stay immutable after publication.
func (c *Config) clone() *Config {
	cp := *c
	cp.Detection.TargetClasses = append([]string(nil), c.Detection.TargetClasses...)
	cp.Detection.PerimeterZone = make([][]float64, len(c.Detection.PerimeterZone))
	for i, p := range c.Detection.PerimeterZone {
		cp.Detection.PerimeterZone[i] = append([]float64(nil), p...)
	}
	return &cp
}

// Save writes the configuration to the given path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
