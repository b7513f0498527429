package voxelconfig

import (
	"testing"

	"go.viam.com/test"
)

func TestDefaultConfigValidates(t *testing.T) {
	test.That(t, DefaultConfig().Validate(), test.ShouldBeNil)
}

func TestMaxScale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSide = 8
	test.That(t, cfg.MaxScale(), test.ShouldEqual, 3)
}

func TestValidateRejectsNonPow2BlockSide(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSide = 6
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestValidateRejectsInvertedLogOddsRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogOddsMin = 1
	cfg.LogOddsMax = -1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestValidateRejectsInvertedTauRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TauMin = 1
	cfg.TauMax = 0.5
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestDecodeConfigAppliesDefaultsAndOverrides(t *testing.T) {
	cfg, err := DecodeConfig(map[string]interface{}{
		"tau":    "0.2",
		"w_max":  50,
		"unused": "ignored fields are simply not mapped",
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Tau, test.ShouldEqual, 0.2)
	test.That(t, cfg.WMax, test.ShouldEqual, float32(50))
	// untouched fields keep their default.
	test.That(t, cfg.BlockSide, test.ShouldEqual, DefaultConfig().BlockSide)
}

func TestDecodeConfigRejectsInvalidResult(t *testing.T) {
	_, err := DecodeConfig(map[string]interface{}{"block_side": 5})
	test.That(t, err, test.ShouldNotBeNil)
}
