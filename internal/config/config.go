// Package config loads the tuning configuration for the plate recognition
// service. Values omitted from the JSON file keep their defaults, so partial
// configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root tuning configuration. The JSON schema is flat so the
// same file can seed a deployment and be checked into fixtures for tests.
type Config struct {
	// Pipeline tuning.
	DirectionSign       int     `json:"direction_sign"`
	MinReadings         int     `json:"min_readings"`
	AcceptConfidence    float64 `json:"accept_confidence"`
	MinReadConfidence   float64 `json:"min_read_confidence"`
	RatioThreshold      int     `json:"ratio_threshold"`
	MotionWindow        int     `json:"motion_window"`
	AbandonAfterMisses  int     `json:"abandon_after_misses"`
	MaxBufferedReadings int     `json:"max_buffered_readings"`

	// Orchestrator limits and recovery.
	MaxCameras        int    `json:"max_cameras"`
	MaxSubscribers    int    `json:"max_subscribers"`
	StopTimeout       string `json:"stop_timeout"`
	ReopenDelay       string `json:"reopen_delay"`
	MaxReopenAttempts int    `json:"max_reopen_attempts"`

	// Broadcast and snapshots.
	JPEGQuality int    `json:"jpeg_quality"`
	SnapshotDir string `json:"snapshot_dir"`

	// Model and OCR assets.
	VehicleModelPath string   `json:"vehicle_model_path"`
	PlateModelPath   string   `json:"plate_model_path"`
	OCRLanguages     []string `json:"ocr_languages"`
}

// Default returns the production defaults for every tuning value.
func Default() *Config {
	return &Config{
		DirectionSign:       1,
		MinReadings:         7,
		AcceptConfidence:    0.50,
		MinReadConfidence:   0.45,
		RatioThreshold:      88,
		MotionWindow:        30,
		AbandonAfterMisses:  30,
		MaxBufferedReadings: 60,
		MaxCameras:          20,
		MaxSubscribers:      50,
		StopTimeout:         "5s",
		ReopenDelay:         "1s",
		MaxReopenAttempts:   5,
		JPEGQuality:         70,
		SnapshotDir:         "snapshots",
		VehicleModelPath:    "models/vehicle.onnx",
		PlateModelPath:      "models/plate.onnx",
		OCRLanguages:        []string{"eng", "spa"},
	}
}

// Load reads a JSON config file over the defaults. The path must carry a
// .json extension and stay under 1 MB, matching the deployment convention.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the pipeline or orchestrator cannot work with.
func (c *Config) Validate() error {
	if c.DirectionSign != 1 && c.DirectionSign != -1 {
		return fmt.Errorf("direction_sign must be +1 or -1, got %d", c.DirectionSign)
	}
	if c.MinReadings < 1 {
		return fmt.Errorf("min_readings must be at least 1, got %d", c.MinReadings)
	}
	if c.AcceptConfidence <= 0 || c.AcceptConfidence > 1 {
		return fmt.Errorf("accept_confidence must be in (0,1], got %g", c.AcceptConfidence)
	}
	if c.MinReadConfidence <= 0 || c.MinReadConfidence > 1 {
		return fmt.Errorf("min_read_confidence must be in (0,1], got %g", c.MinReadConfidence)
	}
	if c.RatioThreshold < 1 || c.RatioThreshold > 100 {
		return fmt.Errorf("ratio_threshold must be in [1,100], got %d", c.RatioThreshold)
	}
	if c.MaxCameras < 1 {
		return fmt.Errorf("max_cameras must be at least 1, got %d", c.MaxCameras)
	}
	if c.MaxSubscribers < 1 {
		return fmt.Errorf("max_subscribers must be at least 1, got %d", c.MaxSubscribers)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be in [1,100], got %d", c.JPEGQuality)
	}
	if _, err := time.ParseDuration(c.StopTimeout); err != nil {
		return fmt.Errorf("stop_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.ReopenDelay); err != nil {
		return fmt.Errorf("reopen_delay: %w", err)
	}
	return nil
}

// StopTimeoutDuration returns the parsed stop timeout. Validate guarantees
// the string parses; a zero duration is returned otherwise.
func (c *Config) StopTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.StopTimeout)
	return d
}

// ReopenDelayDuration returns the parsed source-reopen pause.
func (c *Config) ReopenDelayDuration() time.Duration {
	d, _ := time.ParseDuration(c.ReopenDelay)
	return d
}
