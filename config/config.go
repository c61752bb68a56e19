// Package config loads and validates the node's startup configuration.
// Configuration is read exactly once; the node never watches or reloads
// it.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/skyhook-robotics/eskf/fusion"
)

// Defaults applied by Validate when a field is zero.
const (
	DefaultPublishRateHz = 100.0
	DefaultQueueSize     = 256
	DefaultListenAddress = ":8080"
)

// Config is the node's startup configuration.
type Config struct {
	// FusionMask selects which correction channels are wired, using the
	// flight-stack bit values (see fusion.Mask).
	FusionMask int `json:"fusion_mask"`

	// PublishRateHz is the fixed rate of the fused-pose publisher.
	PublishRateHz float64 `json:"publish_rate_hz"`

	// QueueSize bounds the dispatch queue between sensor feeds and the
	// fusion loop.
	QueueSize int `json:"queue_size"`

	// ListenAddress is the telemetry HTTP/websocket bind address.
	ListenAddress string `json:"listen_address"`

	// ReplayPath points at a JSONL sensor log to feed the node from.
	ReplayPath string `json:"replay_path,omitempty"`

	// ReplayRealtime paces replayed records by their recorded stamps
	// instead of dispatching as fast as possible.
	ReplayRealtime bool `json:"replay_realtime,omitempty"`
}

// Default returns a validated config with all defaults applied and no
// correction channels enabled.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		panic(err) // zero config always validates
	}
	return cfg
}

// Mask returns the typed fusion mask.
func (c *Config) Mask() fusion.Mask {
	return fusion.Mask(c.FusionMask)
}

// Validate applies defaults and rejects values the node cannot run with.
func (c *Config) Validate() error {
	if c.PublishRateHz == 0 {
		c.PublishRateHz = DefaultPublishRateHz
	}
	if c.PublishRateHz < 0 {
		return errors.Errorf("publish_rate_hz must be positive, got %v", c.PublishRateHz)
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.QueueSize < 0 {
		return errors.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if fusion.Mask(c.FusionMask)&^fusion.MaskAll != 0 {
		return errors.Errorf("fusion_mask %#x has unknown bits set", c.FusionMask)
	}
	return nil
}

// FromFile reads and validates a JSON config file.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validating config %q", path)
	}
	return &cfg, nil
}
