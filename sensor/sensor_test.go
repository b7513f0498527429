package sensor

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestPinholeProjectRoundTrip(t *testing.T) {
	p, err := NewPinhole(640, 480, 500, 500, 320, 240, 0.1, 5)
	test.That(t, err, test.ShouldBeNil)

	point := r3.Vector{X: 0.2, Y: -0.1, Z: 2}
	pixel, status := p.Project(point)
	test.That(t, status, test.ShouldEqual, ProjectionSuccess)

	dir := p.BackProject(pixel)
	// The back-projected ray, scaled to point.Z, should land close to the
	// original point (within one pixel's worth of quantization).
	scaled := dir.Mul(point.Z / dir.Z)
	test.That(t, math.Abs(scaled.X-point.X) < 0.01, test.ShouldBeTrue)
	test.That(t, math.Abs(scaled.Y-point.Y) < 0.01, test.ShouldBeTrue)
}

func TestPinholeBehindCamera(t *testing.T) {
	p, err := NewPinhole(640, 480, 500, 500, 320, 240, 0.1, 5)
	test.That(t, err, test.ShouldBeNil)
	_, status := p.Project(r3.Vector{X: 0, Y: 0, Z: -1})
	test.That(t, status, test.ShouldEqual, ProjectionBehindCamera)
}

func TestPinholeOutsideImage(t *testing.T) {
	p, err := NewPinhole(640, 480, 500, 500, 320, 240, 0.1, 5)
	test.That(t, err, test.ShouldBeNil)
	_, status := p.Project(r3.Vector{X: 100, Y: 0, Z: 1})
	test.That(t, status, test.ShouldEqual, ProjectionOutsideImage)
}

func TestPinholeIntegrationScaleGrowsWithDistance(t *testing.T) {
	p, err := NewPinhole(640, 480, 500, 500, 320, 240, 0.1, 20)
	test.That(t, err, test.ShouldBeNil)

	near := p.ComputeIntegrationScale(r3.Vector{Z: 1}, 0.01, 0, 0, 5)
	far := p.ComputeIntegrationScale(r3.Vector{Z: 15}, 0.01, near, 0, 5)
	test.That(t, far >= near, test.ShouldBeTrue)
}

func TestPinholeIntegrationScaleStepsByOne(t *testing.T) {
	p, err := NewPinhole(640, 480, 500, 500, 320, 240, 0.1, 20)
	test.That(t, err, test.ShouldBeNil)
	scale := p.ComputeIntegrationScale(r3.Vector{Z: 15}, 0.01, 0, 0, 5)
	test.That(t, scale, test.ShouldEqual, 1)
}

func TestPinholeSphereInFrustumRejectsBehind(t *testing.T) {
	p, err := NewPinhole(640, 480, 500, 500, 320, 240, 0.1, 5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.SphereInFrustum(r3.Vector{Z: -1}, 0.1), test.ShouldBeFalse)
	test.That(t, p.SphereInFrustum(r3.Vector{Z: 2}, 0.1), test.ShouldBeTrue)
}

func TestSpinningRingSelectionAndBackProject(t *testing.T) {
	elev := []float64{-0.2, 0, 0.2}
	near := []float64{0.5, 0.5, 0.5}
	far := []float64{50, 100, 50}
	s, err := NewSpinning(3, 1024, elev, near, far)
	test.That(t, err, test.ShouldBeNil)

	point := r3.Vector{X: math.Cos(0.2), Y: 0, Z: math.Sin(0.2)}
	pixel, status := s.Project(point)
	test.That(t, status, test.ShouldEqual, ProjectionSuccess)
	test.That(t, pixel.Y, test.ShouldEqual, 2)

	test.That(t, s.FarDist(point), test.ShouldEqual, 50.0)

	dir := s.BackProject(Pixel{X: pixel.X, Y: 2})
	test.That(t, math.Abs(dir.Norm()-1) < 1e-9, test.ShouldBeTrue)
}

func TestSpinningMeasurementIsRange(t *testing.T) {
	s, err := NewSpinning(1, 16, []float64{0}, []float64{0.5}, []float64{50})
	test.That(t, err, test.ShouldBeNil)
	point := r3.Vector{X: 3, Y: 4, Z: 0}
	test.That(t, s.MeasurementFromPoint(point), test.ShouldEqual, 5.0)
}

func TestSpinningSphereInFrustumElevationCone(t *testing.T) {
	s, err := NewSpinning(3, 1024, []float64{-0.1, 0, 0.1}, []float64{0.5, 0.5, 0.5}, []float64{50, 50, 50})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.SphereInFrustum(r3.Vector{X: 1, Y: 0, Z: 0}, 0.05), test.ShouldBeTrue)
	test.That(t, s.SphereInFrustum(r3.Vector{X: 0, Y: 0, Z: -100}, 0.05), test.ShouldBeFalse)
}
