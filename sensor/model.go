// Package sensor defines the contract allocators, updaters and the
// raycaster use to reach into a concrete depth sensor: projecting a
// point into pixel space, walking a pixel back out into a ray
// direction, and picking an integration scale for a point at a given
// distance.
package sensor

import "github.com/golang/geo/r3"

// ProjectionStatus reports the outcome of projecting a point in the
// sensor frame into pixel space.
type ProjectionStatus int

const (
	// ProjectionSuccess means the pixel is a valid, addressable sample.
	ProjectionSuccess ProjectionStatus = iota
	// ProjectionBehindCamera means the point lies behind the sensor's
	// image plane and has no pixel.
	ProjectionBehindCamera
	// ProjectionOutsideImage means the point projects to a pixel outside
	// the sensor's resolution.
	ProjectionOutsideImage
)

// Pixel is an integer pixel coordinate, (0,0) at the top-left.
type Pixel struct {
	X, Y int
}

// Model is the contract every depth sensor (pinhole camera, spinning
// LiDAR, ...) must satisfy to drive allocation, integration and
// raycasting.
type Model interface {
	// Project maps a point in the sensor frame to a pixel.
	Project(pointInSensor r3.Vector) (Pixel, ProjectionStatus)
	// BackProject returns the ray direction in the sensor frame that a
	// pixel corresponds to, scaled so that
	// origin + MeasurementFromPoint(point)*BackProject(pixel) reproduces
	// that point: unit length for a range sensor, unit z-depth (Z=1)
	// for a sensor that reports z-depth. Callers that need a true unit
	// vector normalize it themselves.
	BackProject(pixel Pixel) r3.Vector
	// NearDist and FarDist give the sensor's valid depth/range window
	// along the direction implied by point; a spinning LiDAR's window
	// can vary per elevation ring, a pinhole camera's does not.
	NearDist(pointInSensor r3.Vector) float64
	FarDist(pointInSensor r3.Vector) float64
	// MeasurementFromPoint returns the scalar this sensor reports for a
	// point: z-axis depth for a pinhole camera, Euclidean range for a
	// LiDAR.
	MeasurementFromPoint(pointInSensor r3.Vector) float64
	// ComputeIntegrationScale picks the pyramid scale to integrate point
	// at, given the map's voxel size and the block's current scale
	// bounds; lastScale anchors the choice so scale changes step by at
	// most one level per frame.
	ComputeIntegrationScale(point r3.Vector, voxelSize float64, lastScale, minScale, maxScale int) int
	// SphereInFrustum reports whether a bounding sphere (in the sensor
	// frame) can possibly be seen by this sensor; false is a hard
	// rejection, true is not a guarantee (used for allocator pruning).
	SphereInFrustum(centerInSensor r3.Vector, radius float64) bool
}

func clampScale(scale, minScale, maxScale int) int {
	if scale < minScale {
		return minScale
	}
	if scale > maxScale {
		return maxScale
	}
	return scale
}
