package integrate

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/voxmap/alloc"
	"go.viam.com/voxmap/block"
	"go.viam.com/voxmap/logging"
	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/sensor"
	"go.viam.com/voxmap/spatialmath"
	"go.viam.com/voxmap/voxelconfig"
)

func newOccupancyTestStore(t *testing.T, rootSideVoxels, blockSide int32) *octree.Store {
	t.Helper()
	s, err := octree.NewStore(rootSideVoxels, blockSide, func(coordMin [3]int32, side int32) octree.Data {
		return block.NewOccupancyBlock(coordMin, side)
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return s
}

func flatOccupancyDepth(width, height int, depth float32) *alloc.DepthImage {
	depths := make([]float32, width*height)
	for i := range depths {
		depths[i] = depth
	}
	return &alloc.DepthImage{Width: width, Height: height, Depths: depths}
}

// TestOccupancyIntegrateFrameMarksCrossingBlockOccupied covers the
// non-free half of §4.5's kernel: a block the volume carver classifies
// as crossing the surface must end up with a positively-weighted,
// observed voxel at the plane.
func TestOccupancyIntegrateFrameMarksCrossingBlockOccupied(t *testing.T) {
	const voxelSize = 0.1
	const planeZ = 1.0
	origin := r3.Vector{X: -1.6, Y: -1.6, Z: -1.6}
	cfg := voxelconfig.DefaultConfig()

	store := newOccupancyTestStore(t, 32, 8)
	carver := &alloc.VolumeCarver{
		Store: store, Origin: origin, VoxelSize: voxelSize,
		Margin: 0.05, VarianceThreshold: 0.02, CollapseSide: 1,
	}
	updater := &OccupancyUpdater{Store: store, Origin: origin, VoxelSize: voxelSize, Config: cfg}

	model, err := sensor.NewPinhole(32, 32, 60, 60, 16, 16, voxelSize, 5.0)
	test.That(t, err, test.ShouldBeNil)
	pose := spatialmath.NewZeroPose()
	depth := flatOccupancyDepth(model.Width, model.Height, planeZ)

	ctx := context.Background()
	var frame int64
	for i := 0; i < 3; i++ {
		frame++
		res := carver.Carve(ctx, pose, model, depth)
		test.That(t, len(res.Blocks) > 0, test.ShouldBeTrue)
		test.That(t, updater.IntegrateFrame(ctx, res, pose, model, depth, frame), test.ShouldBeNil)
	}

	surfaceVoxel := octree.PointToVoxel(origin, voxelSize, r3.Vector{Z: planeZ})
	node, err := findBlockNode(store, surfaceVoxel)
	test.That(t, err, test.ShouldBeNil)
	blk, ok := node.Block().(*block.OccupancyBlock)
	test.That(t, ok, test.ShouldBeTrue)

	d := blk.MeanData(surfaceVoxel)
	test.That(t, d.Observed, test.ShouldBeTrue)
	test.That(t, d.LogOdds > 0, test.ShouldBeTrue)
	test.That(t, d.Weight > 0, test.ShouldBeTrue)
}

// TestOccupancyIntegrateFrameBulkFreesConstantDepthNodes is spec.md §8
// scenario 4: carving the same free-space cone twice must leave every
// fully-free node bulk-deleted back to an empty leaf rather than
// materialized as per-voxel block data.
func TestOccupancyIntegrateFrameBulkFreesConstantDepthNodes(t *testing.T) {
	const voxelSize = 0.1
	origin := r3.Vector{X: -1.6, Y: -1.6, Z: -1.6}
	cfg := voxelconfig.DefaultConfig()

	store := newOccupancyTestStore(t, 32, 8)
	carver := &alloc.VolumeCarver{
		Store: store, Origin: origin, VoxelSize: voxelSize,
		Margin: 0.05, VarianceThreshold: 0.02, CollapseSide: 8,
	}
	updater := &OccupancyUpdater{Store: store, Origin: origin, VoxelSize: voxelSize, Config: cfg}

	model, err := sensor.NewPinhole(32, 32, 60, 60, 16, 16, voxelSize, 5.0)
	test.That(t, err, test.ShouldBeNil)
	pose := spatialmath.NewZeroPose()
	// far plane: the whole root cube sits in front of it, so the carve
	// should collapse to free nodes rather than descend to blocks.
	depth := flatOccupancyDepth(model.Width, model.Height, 4.5)

	ctx := context.Background()
	var frame int64
	var lastRes alloc.CarveResult
	for i := 0; i < 2; i++ {
		frame++
		lastRes = carver.Carve(ctx, pose, model, depth)
		test.That(t, len(lastRes.FreeNodes) > 0, test.ShouldBeTrue)
		test.That(t, updater.IntegrateFrame(ctx, lastRes, pose, model, depth, frame), test.ShouldBeNil)
	}

	for _, node := range lastRes.FreeNodes {
		test.That(t, node.Kind(), test.ShouldEqual, octree.KindEmpty)
		s := node.Summary()
		test.That(t, s.Observed, test.ShouldBeTrue)
		test.That(t, s.Max <= cfg.LogOddsMin*cfg.WMax, test.ShouldBeTrue)
		test.That(t, node.Timestamp(), test.ShouldEqual, frame)
	}
}
