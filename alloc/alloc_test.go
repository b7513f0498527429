package alloc

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/voxmap/block"
	"go.viam.com/voxmap/logging"
	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/sensor"
	"go.viam.com/voxmap/spatialmath"
)

func newTSDFStore(t *testing.T, rootSideVoxels, blockSide int32) *octree.Store {
	t.Helper()
	logger := logging.NewTestLogger(t)
	s, err := octree.NewStore(rootSideVoxels, blockSide, func(coordMin [3]int32, side int32) octree.Data {
		return block.NewTSDFBlock(coordMin, side)
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	return s
}

func newOccupancyStore(t *testing.T, rootSideVoxels, blockSide int32) *octree.Store {
	t.Helper()
	logger := logging.NewTestLogger(t)
	s, err := octree.NewStore(rootSideVoxels, blockSide, func(coordMin [3]int32, side int32) octree.Data {
		return block.NewOccupancyBlock(coordMin, side)
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	return s
}

func frontFacingPinhole(t *testing.T) *sensor.Pinhole {
	t.Helper()
	p, err := sensor.NewPinhole(64, 48, 50, 50, 32, 24, 0.1, 10)
	test.That(t, err, test.ShouldBeNil)
	return p
}

// A flat depth image where every pixel returns the same range: the
// truncation band should carve a thin shell of blocks at that depth,
// per spec.md §8 scenario 1 ("single depth image of a plane").
func flatDepth(width, height int, depth float32) *DepthImage {
	depths := make([]float32, width*height)
	for i := range depths {
		depths[i] = depth
	}
	return &DepthImage{Width: width, Height: height, Depths: depths}
}

func TestRaycastCarverMaterializesBlocksAlongTruncationBand(t *testing.T) {
	store := newTSDFStore(t, 128, 8)
	carver := &RaycastCarver{
		Store:     store,
		Origin:    r3.Vector{X: -6, Y: -6, Z: -6},
		VoxelSize: 0.1,
		Tau:       0.2,
	}
	pose := spatialmath.NewZeroPose()
	model := frontFacingPinhole(t)
	depth := flatDepth(model.Width, model.Height, 2.0)

	blocks, err := carver.CarveFrame(context.Background(), pose, model, depth)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(blocks) > 0, test.ShouldBeTrue)

	for _, node := range blocks {
		test.That(t, node.Kind(), test.ShouldEqual, octree.KindBlock)
		test.That(t, node.Side, test.ShouldEqual, int32(8))
		test.That(t, node.Block(), test.ShouldNotBeNil)
	}
}

func TestRaycastCarverSkipsPixelsWithNoReturn(t *testing.T) {
	store := newTSDFStore(t, 64, 8)
	carver := &RaycastCarver{
		Store:     store,
		Origin:    r3.Vector{X: -4, Y: -4, Z: -4},
		VoxelSize: 0.1,
		Tau:       0.2,
	}
	pose := spatialmath.NewZeroPose()
	model := frontFacingPinhole(t)
	// all zero depths means no valid returns anywhere.
	depth := flatDepth(model.Width, model.Height, 0)

	blocks, err := carver.CarveFrame(context.Background(), pose, model, depth)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(blocks), test.ShouldEqual, 0)
}

func TestRaycastCarverDedupesRepeatedBlocksAcrossPixels(t *testing.T) {
	store := newTSDFStore(t, 128, 16)
	carver := &RaycastCarver{
		Store:     store,
		Origin:    r3.Vector{X: -8, Y: -8, Z: -8},
		VoxelSize: 0.1,
		Tau:       0.05,
	}
	pose := spatialmath.NewZeroPose()
	// tight image, small tau: many neighboring rays should land in the
	// same handful of 16^3-voxel blocks.
	model, err := sensor.NewPinhole(16, 16, 50, 50, 8, 8, 0.1, 10)
	test.That(t, err, test.ShouldBeNil)
	depth := flatDepth(model.Width, model.Height, 3.0)

	blocks, err := carver.CarveFrame(context.Background(), pose, model, depth)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(blocks) > 0, test.ShouldBeTrue)
	test.That(t, len(blocks) < model.Width*model.Height, test.ShouldBeTrue)

	seen := map[[3]int32]bool{}
	for _, node := range blocks {
		test.That(t, seen[node.CoordMin], test.ShouldBeFalse)
		seen[node.CoordMin] = true
	}
}

// TestRaycastCarverHonoursZDepthConventionOffCenter guards against
// treating a pinhole's z-depth reading as a travel distance along a
// normalized ray: for an off-center pixel that would land the carved
// shell well short of the true surface. It asserts the block actually
// containing the correctly reconstructed surface point (origin +
// depth*BackProject(pixel), per the z-depth contract) is among the
// blocks the carver touched.
func TestRaycastCarverHonoursZDepthConventionOffCenter(t *testing.T) {
	origin := r3.Vector{X: -6, Y: -6, Z: -6}
	store := newTSDFStore(t, 128, 8)
	carver := &RaycastCarver{Store: store, Origin: origin, VoxelSize: 0.1, Tau: 0.2}
	pose := spatialmath.NewZeroPose()
	model := frontFacingPinhole(t)

	corner := sensor.Pixel{X: 0, Y: 0}
	depthValue := float32(2.0)
	depth := flatDepth(model.Width, model.Height, 0)
	depth.Depths[corner.Y*model.Width+corner.X] = depthValue

	blocks, err := carver.CarveFrame(context.Background(), pose, model, depth)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(blocks) > 0, test.ShouldBeTrue)

	dirSensor := model.BackProject(corner)
	dirWorld := spatialmath.RotateVector(pose, dirSensor)
	surface := pose.Point().Add(dirWorld.Mul(float64(depthValue)))
	// the reconstructed point must sit on the depth-value plane, not
	// short of it the way a normalized-ray*depth computation would.
	test.That(t, math.Abs(surface.Z-float64(depthValue)) < 1e-9, test.ShouldBeTrue)

	wantVoxel := octree.PointToVoxel(origin, carver.VoxelSize, surface)
	found := false
	for _, node := range blocks {
		if withinBlock(node, wantVoxel) {
			found = true
			break
		}
	}
	test.That(t, found, test.ShouldBeTrue)
}

func withinBlock(node *octree.Node, v [3]int32) bool {
	for i := 0; i < 3; i++ {
		if v[i] < node.CoordMin[i] || v[i] >= node.CoordMin[i]+node.Side {
			return false
		}
	}
	return true
}

func TestVolumeCarverClassifiesFreeSpaceInFrontOfPlane(t *testing.T) {
	store := newOccupancyStore(t, 32, 8)
	carver := &VolumeCarver{
		Store:             store,
		Origin:            r3.Vector{X: -1.6, Y: -1.6, Z: -1.6},
		VoxelSize:         0.1,
		Margin:            0.05,
		VarianceThreshold: 0.02,
		CollapseSide:      8,
	}
	pose := spatialmath.NewZeroPose()
	model := frontFacingPinhole(t)
	depth := flatDepth(model.Width, model.Height, 3.0)

	res := carver.Carve(context.Background(), pose, model, depth)

	// the root cube spans roughly [-1.6, 1.6] around the camera, entirely
	// nearer than the observed 3.0 plane. The carver descends from the
	// root, and the nodes it reaches at CollapseSide (8) collapse to free
	// nodes rather than being allocated as blocks.
	test.That(t, len(res.FreeNodes) > 0, test.ShouldBeTrue)
}

func TestVolumeCarverClassifiesCrossingNodesAsBlocks(t *testing.T) {
	store := newOccupancyStore(t, 32, 8)
	carver := &VolumeCarver{
		Store:             store,
		Origin:            r3.Vector{X: -1.6, Y: -1.6, Z: -1.6},
		VoxelSize:         0.1,
		Margin:            0.05,
		VarianceThreshold: 0.02,
		CollapseSide:      1,
	}
	pose := spatialmath.NewZeroPose()
	model := frontFacingPinhole(t)
	// plane sits inside the root cube's depth range so some node must
	// cross it once refined down to block resolution.
	depth := flatDepth(model.Width, model.Height, 1.0)

	res := carver.Carve(context.Background(), pose, model, depth)
	test.That(t, len(res.Blocks) > 0, test.ShouldBeTrue)
	test.That(t, len(res.Blocks), test.ShouldEqual, len(res.VarianceStates))
	test.That(t, len(res.Blocks), test.ShouldEqual, len(res.ProjectsInside))
	for _, node := range res.Blocks {
		test.That(t, node.Side, test.ShouldEqual, int32(8))
	}
}

func TestVolumeCarverSkipsNodesOutsideFrustum(t *testing.T) {
	store := newOccupancyStore(t, 32, 8)
	carver := &VolumeCarver{
		Store:             store,
		Origin:            r3.Vector{X: 100, Y: 100, Z: 100},
		VoxelSize:         0.1,
		Margin:            0.05,
		VarianceThreshold: 0.02,
		CollapseSide:      8,
	}
	pose := spatialmath.NewZeroPose()
	model := frontFacingPinhole(t)
	depth := flatDepth(model.Width, model.Height, 3.0)

	// the store's world region is far outside the camera frustum, so
	// nothing should be classified at all.
	res := carver.Carve(context.Background(), pose, model, depth)
	test.That(t, len(res.FreeNodes), test.ShouldEqual, 0)
	test.That(t, len(res.Blocks), test.ShouldEqual, 0)
}
