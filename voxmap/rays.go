package voxmap

import (
	"context"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/voxmap/alloc"
	"go.viam.com/voxmap/sensor"
	"go.viam.com/voxmap/spatialmath"
)

// defaultBeamHalfAngleRadians bounds how far off a single ray's line a
// point may fall and still be considered "seen" by that ray, roughly a
// spinning LiDAR's per-beam divergence.
const defaultBeamHalfAngleRadians = 0.01

// RayMeasurement is a single ray-and-range reading (spec.md §6's "ray
// input" alternative entry point): the pose the ray was cast from,
// its direction in that pose's frame, and the range it returned.
// Near/Far default to the Map's configured window when left zero.
type RayMeasurement struct {
	Pose      spatialmath.Pose
	Direction r3.Vector
	Range     float64
	Near, Far float64
}

// RayBatch is a time-interval batch of (pose, ray) pairs, the shape a
// spinning LiDAR sweep naturally produces: each ray in the batch can
// carry its own pose (motion-compensated per-beam) but the whole batch
// is integrated as a single frame.
type RayBatch struct {
	Rays []RayMeasurement
}

// setBeamHalfAngle stores the cosine of the half-angle so Project's
// per-call check is a single dot-product comparison.
func (m *Map) setBeamHalfAngle(radians float64) {
	m.beamHalfAngleCos = math.Cos(radians)
}

// IntegrateRays runs each ray in batch through the same allocate →
// update → propagate pipeline a full depth image would, adapting the
// bare (pose, direction, range) triple into a one-pixel measurement so
// the existing block-parallel kernels need no ray-specific code path.
// Every ray in the batch shares one frame index.
func (m *Map) IntegrateRays(ctx context.Context, batch RayBatch) (int64, error) {
	frame := m.nextFrame()
	for _, ray := range batch.Rays {
		near, far := ray.Near, ray.Far
		if near == 0 && far == 0 {
			near, far = m.defaultNear, m.defaultFar
		}
		dir := ray.Direction.Normalize()
		model := singleRayModel{dir: dir, near: near, far: far, cosHalfAngle: m.beamHalfAngleCos}
		depth := &alloc.DepthImage{Width: 1, Height: 1, Depths: []float32{float32(ray.Range)}}
		if err := m.integrate(ctx, ray.Pose, model, depth, frame); err != nil {
			return frame, err
		}
	}
	return frame, nil
}

// singleRayModel adapts one bare ray direction into the sensor.Model
// contract so IntegrateRays can push a single measurement through the
// same fusion kernels a full depth image uses. Project rejects points
// whose angle off the ray line has a cosine below cosHalfAngle (wider
// than the beam's half-angle) so a touched block's fusePass
// only updates the voxels the beam actually sampled, not every voxel in
// the block.
type singleRayModel struct {
	dir          r3.Vector
	near, far    float64
	cosHalfAngle float64
}

func (r singleRayModel) Project(pointInSensor r3.Vector) (sensor.Pixel, sensor.ProjectionStatus) {
	norm := pointInSensor.Norm()
	if norm < 1e-9 {
		return sensor.Pixel{}, sensor.ProjectionOutsideImage
	}
	cos := pointInSensor.Dot(r.dir) / norm
	if cos <= 0 {
		return sensor.Pixel{}, sensor.ProjectionBehindCamera
	}
	if cos < r.cosHalfAngle {
		return sensor.Pixel{}, sensor.ProjectionOutsideImage
	}
	return sensor.Pixel{}, sensor.ProjectionSuccess
}

func (r singleRayModel) BackProject(sensor.Pixel) r3.Vector { return r.dir }
func (r singleRayModel) NearDist(r3.Vector) float64         { return r.near }
func (r singleRayModel) FarDist(r3.Vector) float64          { return r.far }

func (r singleRayModel) MeasurementFromPoint(point r3.Vector) float64 { return point.Norm() }

// ComputeIntegrationScale always returns the finest scale: a single ray
// carries no lateral footprint to justify coarsening.
func (r singleRayModel) ComputeIntegrationScale(_ r3.Vector, _ float64, _, minScale, _ int) int {
	return minScale
}

// SphereInFrustum treats a sphere as visible when its center falls
// within radius of the ray line and inside [near, far] along it.
func (r singleRayModel) SphereInFrustum(centerInSensor r3.Vector, radius float64) bool {
	t := centerInSensor.Dot(r.dir)
	if t < r.near-radius || t > r.far+radius {
		return false
	}
	closest := r.dir.Mul(t)
	return centerInSensor.Sub(closest).Norm() <= radius
}
