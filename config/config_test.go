package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"github.com/skyhook-robotics/eskf/fusion"
)

func TestValidateDefaults(t *testing.T) {
	cfg := &Config{FusionMask: int(fusion.MaskGPSPos)}
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.PublishRateHz, test.ShouldEqual, DefaultPublishRateHz)
	test.That(t, cfg.QueueSize, test.ShouldEqual, DefaultQueueSize)
	test.That(t, cfg.ListenAddress, test.ShouldEqual, DefaultListenAddress)
	test.That(t, cfg.Mask(), test.ShouldEqual, fusion.MaskGPSPos)
}

func TestValidateRejects(t *testing.T) {
	cfg := &Config{PublishRateHz: -5}
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = &Config{QueueSize: -1}
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = &Config{FusionMask: 1 << 12}
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	data := `{"fusion_mask": 24, "publish_rate_hz": 50, "listen_address": ":9000"}`
	test.That(t, os.WriteFile(path, []byte(data), 0o600), test.ShouldBeNil)

	cfg, err := FromFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Mask(), test.ShouldEqual, fusion.MaskGPSPos|fusion.MaskGPSVel)
	test.That(t, cfg.PublishRateHz, test.ShouldEqual, 50.0)
	test.That(t, cfg.ListenAddress, test.ShouldEqual, ":9000")

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	bad := filepath.Join(t.TempDir(), "bad.json")
	test.That(t, os.WriteFile(bad, []byte("{"), 0o600), test.ShouldBeNil)
	_, err = FromFile(bad)
	test.That(t, err, test.ShouldNotBeNil)
}
