// Package voxelconfig holds the tunable parameters shared by the
// allocators, updaters and propagator: truncation band, weight caps, the
// occupancy log-odds response curve, and the scale-switch ratification
// thresholds.
package voxelconfig

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Config holds every numeric knob named in spec.md. DecodeConfig starts
// from DefaultConfig, so fields absent from the attribute map keep their
// defaults; Validate only checks the values and fills nothing in.
type Config struct {
	// BlockSide is B, the voxel block's side length in voxels. Must be a
	// power of two.
	BlockSide int `mapstructure:"block_side"`

	// WMax is the maximum integration weight a voxel can accumulate.
	WMax float32 `mapstructure:"w_max"`

	// Tau is the TSDF truncation boundary, in meters.
	Tau float64 `mapstructure:"tau"`

	// LogOddsMin and LogOddsMax bound the occupancy log-odds range
	// (before multiplying by WMax for the integer-weight saturation).
	LogOddsMin float32 `mapstructure:"log_odds_min"`
	LogOddsMax float32 `mapstructure:"log_odds_max"`

	// MinOccupancy is the mean*weight threshold below which a fully
	// observed subtree is pruned by propagate_to_root.
	MinOccupancy float32 `mapstructure:"min_occupancy"`

	// ScaleChangeMinIntegrations is the minimum buffer_integr_count
	// before a scale-switch buffer can be ratified.
	ScaleChangeMinIntegrations int `mapstructure:"scale_change_min_integrations"`

	// ScaleChangeObservedRatio is the fraction of the current pyramid's
	// observed-voxel count (area-weighted by scale) the buffer must
	// reach before ratification.
	ScaleChangeObservedRatio float64 `mapstructure:"scale_change_observed_ratio"`

	// MaxScaleStep is decoded and validated but not read by any other
	// component: the sensor models' integration-scale heuristic always
	// moves a block at most one scale level per frame.
	MaxScaleStep int `mapstructure:"max_scale_step"`

	// TauMin and TauMax bound the occupancy update's range-dependent
	// truncation band (meters), interpolated affinely against the
	// fraction of the sensor's far distance a measurement falls at.
	TauMin float64 `mapstructure:"occupancy_tau_min"`
	TauMax float64 `mapstructure:"occupancy_tau_max"`

	// SigmaMinVoxels and SigmaMaxVoxels bound the occupancy update's
	// range-dependent uncertainty band, in voxels, interpolated the same
	// way as TauMin/TauMax.
	SigmaMinVoxels float64 `mapstructure:"occupancy_sigma_min_voxels"`
	SigmaMaxVoxels float64 `mapstructure:"occupancy_sigma_max_voxels"`
}

// DefaultConfig returns the parameter set used by the concrete scenarios
// in spec.md §8.
func DefaultConfig() Config {
	return Config{
		BlockSide:                  8,
		WMax:                       100,
		Tau:                        0.1,
		LogOddsMin:                 -0.4,
		LogOddsMax:                 0.85,
		MinOccupancy:               -0.2,
		ScaleChangeMinIntegrations: 20,
		ScaleChangeObservedRatio:   0.9,
		MaxScaleStep:               1,
		TauMin:                     0.06,
		TauMax:                     0.16,
		SigmaMinVoxels:             1,
		SigmaMaxVoxels:             8,
	}
}

// DecodeConfig decodes a generic attribute map into a Config, applying
// defaults for any field left unset, the way teacher component configs
// are decoded from their attribute maps.
func DecodeConfig(attrs map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "building config decoder")
	}
	if err := dec.Decode(attrs); err != nil {
		return Config{}, errors.Wrap(err, "decoding voxmap config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants spec.md assumes hold for all of these
// parameters: block side is a power of two, weight and log-odds ranges
// are sane.
func (c Config) Validate() error {
	if c.BlockSide <= 0 || (c.BlockSide&(c.BlockSide-1)) != 0 {
		return errors.Errorf("block_side (%d) must be a power of two", c.BlockSide)
	}
	if c.WMax <= 0 {
		return errors.Errorf("w_max (%v) must be positive", c.WMax)
	}
	if c.Tau <= 0 {
		return errors.Errorf("tau (%v) must be positive", c.Tau)
	}
	if c.LogOddsMin >= c.LogOddsMax {
		return errors.Errorf("log_odds_min (%v) must be less than log_odds_max (%v)", c.LogOddsMin, c.LogOddsMax)
	}
	if c.ScaleChangeMinIntegrations < 0 {
		return errors.Errorf("scale_change_min_integrations (%d) must be non-negative", c.ScaleChangeMinIntegrations)
	}
	if c.ScaleChangeObservedRatio < 0 || c.ScaleChangeObservedRatio > 1 {
		return errors.Errorf("scale_change_observed_ratio (%v) must be in [0,1]", c.ScaleChangeObservedRatio)
	}
	if c.MaxScaleStep < 0 {
		return errors.Errorf("max_scale_step (%d) must be non-negative", c.MaxScaleStep)
	}
	if c.TauMin <= 0 || c.TauMax < c.TauMin {
		return errors.Errorf("occupancy_tau_min/max (%v,%v) must be positive and ordered", c.TauMin, c.TauMax)
	}
	if c.SigmaMinVoxels <= 0 || c.SigmaMaxVoxels < c.SigmaMinVoxels {
		return errors.Errorf("occupancy_sigma_min/max_voxels (%v,%v) must be positive and ordered", c.SigmaMinVoxels, c.SigmaMaxVoxels)
	}
	return nil
}

// MaxScale returns log2(BlockSide), the coarsest scale level (0 is
// per-voxel).
func (c Config) MaxScale() int {
	s := 0
	for n := c.BlockSide; n > 1; n >>= 1 {
		s++
	}
	return s
}
