package voxel

import (
	"testing"

	"go.viam.com/test"
)

func TestSentinelsDistinct(t *testing.T) {
	test.That(t, NoID, test.ShouldNotEqual, Unmapped)
	test.That(t, ID(NoID).IsAssigned(), test.ShouldBeFalse)
	test.That(t, ID(Unmapped).IsAssigned(), test.ShouldBeFalse)
	test.That(t, ID(12).IsAssigned(), test.ShouldBeTrue)
}

func TestClampTSDF(t *testing.T) {
	test.That(t, ClampTSDF(2), test.ShouldEqual, float32(1))
	test.That(t, ClampTSDF(-2), test.ShouldEqual, float32(-1))
	test.That(t, ClampTSDF(0.3), test.ShouldEqual, float32(0.3))
}

func TestColourFuseFirstSample(t *testing.T) {
	var c Colour
	next := Colour{R: 100, G: 50, B: 25, A: 255, Weight: 1}
	fused := c.Fuse(next)
	test.That(t, fused, test.ShouldResemble, next)
}

func TestOccupancyValidity(t *testing.T) {
	d := DefaultOccupancyData
	test.That(t, d.IsValid(), test.ShouldBeFalse)
	d.Weight = 1
	test.That(t, d.IsValid(), test.ShouldBeTrue)
}
