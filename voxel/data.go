// Package voxel defines the per-voxel data model: TSDF and occupancy
// fields, plus the optional colour and id payloads that ride along with
// either field type.
package voxel

import "math"

// NoID is the sentinel id value meaning "no label has been assigned to
// this voxel", distinct from Unmapped.
const NoID uint16 = 0xFFFF

// Unmapped is the sentinel id value meaning "this voxel has never been
// integrated", distinct from NoID.
const Unmapped uint16 = 0xFFFE

// TSDFData is the field carried by a TSDF voxel: a truncated signed
// distance value in [-1, 1] and an integration weight in [0, WMax].
type TSDFData struct {
	Value  float32
	Weight float32
}

// DefaultTSDFData is the value a voxel holds before any integration.
var DefaultTSDFData = TSDFData{Value: 1, Weight: 0}

// IsValid reports whether this voxel has ever been integrated.
func (d TSDFData) IsValid() bool { return d.Weight > 0 }

// OccupancyData is the field carried by an occupancy voxel: a log-odds
// value saturated to [LMin*WMax, LMax*WMax], an integration weight, and
// whether the voxel has ever transitioned from unobserved to observed.
type OccupancyData struct {
	LogOdds  float32
	Weight   float32
	Observed bool
}

// DefaultOccupancyData is the value a voxel holds before any integration.
var DefaultOccupancyData = OccupancyData{LogOdds: 0, Weight: 0, Observed: false}

// IsValid reports whether this voxel has ever been integrated.
func (d OccupancyData) IsValid() bool { return d.Weight > 0 }

// Probability returns the occupancy probability implied by LogOdds.
func (d OccupancyData) Probability() float64 {
	return 1 / (1 + math.Exp(-float64(d.LogOdds)))
}

// Colour is an optional RGBA payload with a running-average weight,
// carried alongside either field type.
type Colour struct {
	R, G, B, A uint8
	Weight     float32
}

// Fuse blends c2 into c using a running weighted average, mirroring the
// TSDF running-average update in shape.
func (c Colour) Fuse(c2 Colour) Colour {
	if c.Weight == 0 {
		return c2
	}
	w := c.Weight + 1
	blend := func(a, b uint8) uint8 {
		return uint8((float32(a)*c.Weight + float32(b)) / w)
	}
	return Colour{
		R:      blend(c.R, c2.R),
		G:      blend(c.G, c2.G),
		B:      blend(c.B, c2.B),
		A:      blend(c.A, c2.A),
		Weight: w,
	}
}

// ID is a 16-bit semantic label; NoID and Unmapped are its two distinct
// sentinels.
type ID uint16

// IsAssigned reports whether id is a real label rather than a sentinel.
func (id ID) IsAssigned() bool {
	return uint16(id) != NoID && uint16(id) != Unmapped
}

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampTSDF clamps a raw TSDF sample to the valid [-1, 1] range.
func ClampTSDF(v float32) float32 {
	return clamp(v, -1, 1)
}

// ClampLogOdds saturates a raw log-odds sample to [lo, hi].
func ClampLogOdds(v, lo, hi float32) float32 {
	return clamp(v, lo, hi)
}
