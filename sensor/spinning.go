package sensor

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Spinning is a rotating multi-beam LiDAR model (an Ouster/OS1-style
// sensor, per the pack's Newer College dataset reader), addressed by
// (ring, azimuth) rather than (row, column): elevation is quantized
// into a fixed number of beams, azimuth into a fixed number of columns
// per revolution. Unlike Pinhole, near/far limits are per-ring: beams
// near the horizon see farther than beams pointed at the ground.
type Spinning struct {
	Rings   int
	Columns int

	// ElevationRad[i] is the fixed elevation angle of ring i, in
	// radians, 0 = horizontal, negative = pointed down.
	ElevationRad []float64
	// RingNear/RingFar give the valid range window per ring.
	RingNear, RingFar []float64

	minElevation, maxElevation float64
}

// NewSpinning validates and constructs a Spinning LiDAR model. All three
// slices must have length rings.
func NewSpinning(rings, columns int, elevationRad, ringNear, ringFar []float64) (*Spinning, error) {
	if rings <= 0 || columns <= 0 {
		return nil, errors.Errorf("spinning lidar geometry (%d rings, %d columns) must be positive", rings, columns)
	}
	if len(elevationRad) != rings || len(ringNear) != rings || len(ringFar) != rings {
		return nil, errors.Errorf("spinning lidar per-ring slices must all have length %d", rings)
	}
	s := &Spinning{Rings: rings, Columns: columns, ElevationRad: elevationRad, RingNear: ringNear, RingFar: ringFar}
	s.minElevation, s.maxElevation = elevationRad[0], elevationRad[0]
	for _, e := range elevationRad {
		if e < s.minElevation {
			s.minElevation = e
		}
		if e > s.maxElevation {
			s.maxElevation = e
		}
	}
	return s, nil
}

// ringOf returns the ring whose fixed elevation angle is closest to
// point's elevation, and reports whether point lies behind the sensor
// (range below machine epsilon).
func (s *Spinning) ringOf(point r3.Vector) (int, bool) {
	r := point.Norm()
	if r < 1e-9 {
		return 0, false
	}
	elevation := math.Asin(point.Z / r)
	best, bestDelta := 0, math.Inf(1)
	for i, e := range s.ElevationRad {
		d := math.Abs(e - elevation)
		if d < bestDelta {
			best, bestDelta = i, d
		}
	}
	return best, true
}

// Project buckets point into its nearest (ring, azimuth-column) cell.
func (s *Spinning) Project(point r3.Vector) (Pixel, ProjectionStatus) {
	ring, ok := s.ringOf(point)
	if !ok {
		return Pixel{}, ProjectionBehindCamera
	}
	azimuth := math.Atan2(point.Y, point.X)
	if azimuth < 0 {
		azimuth += 2 * math.Pi
	}
	col := int(azimuth / (2 * math.Pi) * float64(s.Columns))
	if col >= s.Columns {
		col = s.Columns - 1
	}
	return Pixel{X: col, Y: ring}, ProjectionSuccess
}

// BackProject reconstructs the unit ray direction for a (ring, column)
// cell from its fixed elevation and its column's azimuth.
func (s *Spinning) BackProject(pixel Pixel) r3.Vector {
	if pixel.Y < 0 || pixel.Y >= s.Rings {
		return r3.Vector{}
	}
	elevation := s.ElevationRad[pixel.Y]
	azimuth := (float64(pixel.X) + 0.5) / float64(s.Columns) * 2 * math.Pi
	cosEl := math.Cos(elevation)
	return r3.Vector{
		X: cosEl * math.Cos(azimuth),
		Y: cosEl * math.Sin(azimuth),
		Z: math.Sin(elevation),
	}
}

// NearDist and FarDist return the emitting ring's own range window;
// this is the direction-dependent behavior spec.md §6 calls out.
func (s *Spinning) NearDist(point r3.Vector) float64 {
	ring, ok := s.ringOf(point)
	if !ok {
		return 0
	}
	return s.RingNear[ring]
}

func (s *Spinning) FarDist(point r3.Vector) float64 {
	ring, ok := s.ringOf(point)
	if !ok {
		return 0
	}
	return s.RingFar[ring]
}

// MeasurementFromPoint is the Euclidean range, per spec.md §6.
func (s *Spinning) MeasurementFromPoint(point r3.Vector) float64 { return point.Norm() }

// ComputeIntegrationScale mirrors Pinhole's footprint argument but uses
// angular column spacing instead of a focal length, since a spinning
// LiDAR's "pixel size" is an azimuth increment, not fx.
func (s *Spinning) ComputeIntegrationScale(point r3.Vector, voxelSize float64, lastScale, minScale, maxScale int) int {
	r := point.Norm()
	if r < 1e-9 {
		return clampScale(lastScale, minScale, maxScale)
	}
	angularStep := 2 * math.Pi / float64(s.Columns)
	pixelFootprint := r * angularStep
	scale := minScale
	for scale < maxScale && voxelSize*float64(int(1)<<uint(scale)) < pixelFootprint {
		scale++
	}
	if scale > lastScale+1 {
		scale = lastScale + 1
	} else if scale < lastScale-1 {
		scale = lastScale - 1
	}
	return clampScale(scale, minScale, maxScale)
}

// SphereInFrustum checks the sphere's elevation range against the
// sensor's vertical field of view; a spinning LiDAR sees all azimuths,
// so only the elevation cone can reject a candidate.
func (s *Spinning) SphereInFrustum(center r3.Vector, radius float64) bool {
	r := center.Norm()
	if r < 1e-9 {
		return true
	}
	elevation := math.Asin(clampUnit(center.Z / r))
	margin := math.Asin(math.Min(1, radius/r))
	return elevation-margin <= s.maxElevation && elevation+margin >= s.minElevation
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
