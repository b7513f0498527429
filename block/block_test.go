package block

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/voxmap/voxel"
)

func TestNewTSDFBlockStartsAtCoarsestScale(t *testing.T) {
	b := NewTSDFBlock([3]int32{0, 0, 0}, 8)
	test.That(t, b.MaxScale(), test.ShouldEqual, 3)
	test.That(t, b.CurrentScale(), test.ShouldEqual, 3)
	test.That(t, b.ScaleLen(3), test.ShouldEqual, 1)
	test.That(t, b.ScaleLen(0), test.ShouldEqual, 0)
}

func TestTSDFAllocateDownToSeedsFromCoarse(t *testing.T) {
	b := NewTSDFBlock([3]int32{0, 0, 0}, 8)
	err := b.SetData([3]int32{0, 0, 0}, 3, voxel.TSDFData{Value: 0.5, Weight: 7})
	test.That(t, err, test.ShouldBeNil)

	err = b.AllocateDownTo(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.ScaleLen(0), test.ShouldEqual, 512)

	d := b.Data([3]int32{0, 0, 0}) // still at currentScale=3
	test.That(t, d.Value, test.ShouldEqual, float32(0.5))

	err = b.SetCurrentScale(0)
	test.That(t, err, test.ShouldBeNil)
	d = b.Data([3]int32{3, 3, 3})
	test.That(t, d.Value, test.ShouldEqual, float32(0.5))
	test.That(t, d.Weight, test.ShouldEqual, float32(7))
}

func TestTSDFDataAtNeverFinerThanCurrent(t *testing.T) {
	b := NewTSDFBlock([3]int32{0, 0, 0}, 8)
	_, scale := b.DataAt([3]int32{0, 0, 0}, 0)
	test.That(t, scale, test.ShouldEqual, 3) // clamped up to currentScale
}

func TestOccupancyBlockAllocateDownToSplitsSharedStorage(t *testing.T) {
	b := NewOccupancyBlock([3]int32{0, 0, 0}, 8)
	err := b.SetMeanData([3]int32{0, 0, 0}, 3, voxel.OccupancyData{LogOdds: 0.4, Weight: 3, Observed: true})
	test.That(t, err, test.ShouldBeNil)

	err = b.AllocateDownTo(2)
	test.That(t, err, test.ShouldBeNil)

	// The old finest scale (3) must now have independently-addressable
	// min/max arrays, not aliasing mean.
	m := b.MinData([3]int32{0, 0, 0}, 3)
	test.That(t, m.LogOdds, test.ShouldEqual, float32(0.4))

	// New finest scale 2 was seeded from the parent, unobserved.
	child := b.MinData([3]int32{0, 0, 0}, 2)
	test.That(t, child.LogOdds, test.ShouldEqual, float32(0.4))
	test.That(t, child.Observed, test.ShouldBeFalse)
}

func TestOccupancyScaleSwitchRatification(t *testing.T) {
	b := NewOccupancyBlock([3]int32{0, 0, 0}, 8)
	err := b.AllocateDownTo(2)
	test.That(t, err, test.ShouldBeNil)
	err = b.SetCurrentScale(2)
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i < 8; i++ {
		v := [3]int32{int32(i % 2 * 4), int32((i / 2 % 2) * 4), int32((i / 4) * 4)}
		b.SetCurrentData(v, voxel.OccupancyData{LogOdds: -0.4, Weight: 5, Observed: true}, true)
	}

	err = b.InitBuffer(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.BufferOpen(), test.ShouldBeTrue)
	test.That(t, b.ReadyToRatify(20, 0.9), test.ShouldBeFalse)

	// First pass observes every buffer voxel; later passes just push the
	// integration count past the minimum.
	for round := 0; round < 25; round++ {
		b.VoxelsAtScale(1, func(v [3]int32, idx int) {
			b.SetBufferData(v, voxel.OccupancyData{LogOdds: -0.4, Weight: 5, Observed: true}, round == 0)
		})
	}
	test.That(t, b.ReadyToRatify(20, 0.9), test.ShouldBeTrue)

	err = b.SwitchData()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.CurrentScale(), test.ShouldEqual, 1)
	test.That(t, b.BufferOpen(), test.ShouldBeFalse)
}
