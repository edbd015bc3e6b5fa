// Package config loads server settings from an optional YAML file followed by
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable that points at a YAML config file.
const FileEnv = "DNDEMICUBE_CONFIG"

type Config struct {
	Addr      string `yaml:"addr" env:"DNDEMICUBE_ADDR"`
	FrameRate int    `yaml:"frame_rate" env:"DNDEMICUBE_FRAME_RATE"`
	ClientDir string `yaml:"client_dir" env:"DNDEMICUBE_CLIENT_DIR"`

	CommandCapacity   int           `yaml:"command_capacity" env:"DNDEMICUBE_COMMAND_CAPACITY"`
	PerActorLimit     int           `yaml:"per_actor_limit" env:"DNDEMICUBE_PER_ACTOR_LIMIT"`
	KeyframeRateLimit time.Duration `yaml:"keyframe_rate_limit" env:"DNDEMICUBE_KEYFRAME_RATE_LIMIT"`

	KeyframeInterval  int           `yaml:"keyframe_interval" env:"DNDEMICUBE_KEYFRAME_INTERVAL"`
	KeyframeRetention int           `yaml:"keyframe_retention" env:"DNDEMICUBE_KEYFRAME_RETENTION"`
	KeyframeMaxAge    time.Duration `yaml:"keyframe_max_age" env:"DNDEMICUBE_KEYFRAME_MAX_AGE"`

	FogCellSize           float64 `yaml:"fog_cell_size" env:"DNDEMICUBE_FOG_CELL_SIZE"`
	ChainSpacingFraction  float64 `yaml:"chain_spacing_fraction" env:"DNDEMICUBE_CHAIN_SPACING_FRACTION"`
	ResizeHandleTolerance float64 `yaml:"resize_handle_tolerance" env:"DNDEMICUBE_RESIZE_HANDLE_TOLERANCE"`
	GridSquareFeet        float64 `yaml:"grid_square_feet" env:"DNDEMICUBE_GRID_SQUARE_FEET"`
	GridScale             float64 `yaml:"grid_scale" env:"DNDEMICUBE_GRID_SCALE"`

	Logging Logging `yaml:"logging" envPrefix:"DNDEMICUBE_LOG_"`

	EnablePprofTrace bool `yaml:"enable_pprof_trace" env:"ENABLE_PPROF_TRACE"`
	DebugTelemetry   bool `yaml:"debug_telemetry" env:"DEBUG_TELEMETRY"`
}

type Logging struct {
	Sinks    []string `yaml:"sinks" env:"SINKS" envSeparator:","`
	JSONPath string   `yaml:"json_path" env:"JSON_PATH"`
	Level    string   `yaml:"level" env:"LEVEL"`
	Prefix   string   `yaml:"prefix" env:"PREFIX"`
}

func Default() Config {
	return Config{
		Addr:                  ":8080",
		FrameRate:             30,
		CommandCapacity:       256,
		PerActorLimit:         64,
		KeyframeRateLimit:     500 * time.Millisecond,
		KeyframeInterval:      30,
		KeyframeRetention:     8,
		KeyframeMaxAge:        10 * time.Second,
		FogCellSize:           10,
		ChainSpacingFraction:  0.5,
		ResizeHandleTolerance: 8,
		GridSquareFeet:        5,
		GridScale:             50,
		Logging: Logging{
			Sinks: []string{"console"},
			Level: "info",
		},
	}
}

// Load starts from Default, applies the YAML file named by DNDEMICUBE_CONFIG
// when set, then applies environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile decodes YAML from path over the values already held by target.
func LoadFile(path string, target *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// ParseEnv applies environment variables to target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

var errInvalid = errors.New("config: invalid value")

func (c Config) Validate() error {
	switch {
	case c.FrameRate <= 0:
		return fmt.Errorf("%w: frame rate must be positive, got %d", errInvalid, c.FrameRate)
	case c.FogCellSize <= 0:
		return fmt.Errorf("%w: fog cell size must be positive, got %g", errInvalid, c.FogCellSize)
	case c.ChainSpacingFraction <= 0:
		return fmt.Errorf("%w: chain spacing fraction must be positive, got %g", errInvalid, c.ChainSpacingFraction)
	case c.KeyframeRetention < 0:
		return fmt.Errorf("%w: keyframe retention must not be negative", errInvalid)
	}
	return nil
}

// FrameInterval converts the frame rate into a loop tick duration.
func (c Config) FrameInterval() time.Duration {
	if c.FrameRate <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.FrameRate)
}
