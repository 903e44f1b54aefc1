package pipeline

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config selects the device and sizes the per-display machinery. Zero
// values are filled with the defaults below.
type Config struct {
	// Card selects /dev/dri/card<N>. DevicePath, when set, overrides
	// it with an explicit node path.
	Card       int    `yaml:"card"`
	DevicePath string `yaml:"device_path"`

	// Importer picks the buffer import backend: "prime" (default) for
	// dma-buf producers, "dumb" for device-local drawing.
	Importer string `yaml:"importer"`

	// BufferSlots is the per-display import cache capacity.
	BufferSlots int `yaml:"buffer_slots"`

	// QueueDepth bounds the per-display render queue; the oldest
	// pending frame is dropped when a producer outruns the display.
	QueueDepth int `yaml:"queue_depth"`

	// SyntheticVSyncHz paces the synthetic vsync tick when the active
	// mode's refresh rate is unknown.
	SyntheticVSyncHz int `yaml:"synthetic_vsync_hz"`

	// InstanceID names this backend in logs. Defaults to a random
	// UUID per process.
	InstanceID string `yaml:"instance_id"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.fillDefaults()
	return cfg
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	if c.Importer == "" {
		c.Importer = "prime"
	}
	if c.BufferSlots == 0 {
		c.BufferSlots = 3
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 2
	}
	if c.SyntheticVSyncHz == 0 {
		c.SyntheticVSyncHz = 60
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
}

func (c *Config) validate() error {
	if c.Card < 0 {
		return fmt.Errorf("card index %d is negative", c.Card)
	}
	if c.BufferSlots < 1 {
		return fmt.Errorf("buffer_slots %d, need at least 1", c.BufferSlots)
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth %d, need at least 1", c.QueueDepth)
	}
	if c.SyntheticVSyncHz < 1 {
		return fmt.Errorf("synthetic_vsync_hz %d, need at least 1", c.SyntheticVSyncHz)
	}
	return nil
}
