package sensor

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Pinhole is a distortion-free depth-camera model: intrinsics shaped
// exactly like the teacher's rimage/transform.PinholeCameraIntrinsics
// (fx, fy, principal point, resolution), plus the near/far depth window
// spec.md §6 requires every sensor model expose.
type Pinhole struct {
	Width, Height int
	Fx, Fy        float64
	Ppx, Ppy      float64
	Near, Far     float64
}

// NewPinhole validates and constructs a Pinhole model.
func NewPinhole(width, height int, fx, fy, ppx, ppy, near, far float64) (*Pinhole, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("pinhole resolution (%d,%d) must be positive", width, height)
	}
	if fx <= 0 || fy <= 0 {
		return nil, errors.Errorf("pinhole focal lengths (%v,%v) must be positive", fx, fy)
	}
	if near <= 0 || far <= near {
		return nil, errors.Errorf("pinhole near/far window (%v,%v) invalid", near, far)
	}
	return &Pinhole{Width: width, Height: height, Fx: fx, Fy: fy, Ppx: ppx, Ppy: ppy, Near: near, Far: far}, nil
}

// Project follows the teacher's PinholeCameraIntrinsics.PointToPixel
// convention (round to nearest pixel), reporting behind-camera and
// outside-image explicitly instead of the teacher's sentinel (-1,-1).
func (p *Pinhole) Project(point r3.Vector) (Pixel, ProjectionStatus) {
	if point.Z <= 0 {
		return Pixel{}, ProjectionBehindCamera
	}
	u := math.Round((point.X/point.Z)*p.Fx + p.Ppx)
	v := math.Round((point.Y/point.Z)*p.Fy + p.Ppy)
	if u < 0 || u >= float64(p.Width) || v < 0 || v >= float64(p.Height) {
		return Pixel{}, ProjectionOutsideImage
	}
	return Pixel{X: int(u), Y: int(v)}, ProjectionSuccess
}

// BackProject mirrors the teacher's PixelToPoint at unit z-depth,
// deliberately left unnormalized: MeasurementFromPoint reports z-depth,
// not range, so origin+measurement*BackProject(pixel) must land on the
// correct depth plane, which only holds while this ray's own Z is 1.
// Callers that need a genuine unit direction (e.g. parametric raycast
// marching) normalize it themselves.
func (p *Pinhole) BackProject(pixel Pixel) r3.Vector {
	x := (float64(pixel.X) - p.Ppx) / p.Fx
	y := (float64(pixel.Y) - p.Ppy) / p.Fy
	return r3.Vector{X: x, Y: y, Z: 1}
}

// NearDist and FarDist are direction-independent for a pinhole camera.
func (p *Pinhole) NearDist(r3.Vector) float64 { return p.Near }
func (p *Pinhole) FarDist(r3.Vector) float64  { return p.Far }

// MeasurementFromPoint is the z-axis depth, per spec.md §6.
func (p *Pinhole) MeasurementFromPoint(point r3.Vector) float64 { return point.Z }

// ComputeIntegrationScale grows the scale (coarser) as a voxel's
// projected footprint shrinks below one pixel's footprint at that
// depth, and steps by at most one level per call so a single noisy
// frame cannot force a multi-level jump.
func (p *Pinhole) ComputeIntegrationScale(point r3.Vector, voxelSize float64, lastScale, minScale, maxScale int) int {
	if point.Z <= 0 {
		return clampScale(lastScale, minScale, maxScale)
	}
	pixelFootprint := point.Z / p.Fx
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

// SphereInFrustum is a conservative angular cone test: the camera's
// horizontal/vertical half field-of-view, widened by the angle the
// sphere's radius subtends at its distance. False is a hard rejection;
// true only means the allocator should not prune this node.
func (p *Pinhole) SphereInFrustum(center r3.Vector, radius float64) bool {
	if center.Z+radius < p.Near || center.Z-radius > p.Far {
		return false
	}
	dist := center.Norm()
	if dist < 1e-9 {
		return true
	}
	halfFovX := math.Atan(float64(p.Width) / 2 / p.Fx)
	halfFovY := math.Atan(float64(p.Height) / 2 / p.Fy)
	margin := math.Asin(math.Min(1, radius/dist))
	angleX := math.Atan2(math.Abs(center.X), center.Z)
	angleY := math.Atan2(math.Abs(center.Y), center.Z)
	return angleX <= halfFovX+margin && angleY <= halfFovY+margin
}
