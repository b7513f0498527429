package voxmap

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/voxmap/alloc"
	"go.viam.com/voxmap/logging"
	"go.viam.com/voxmap/schedule"
	"go.viam.com/voxmap/sensor"
	"go.viam.com/voxmap/spatialmath"
	"go.viam.com/voxmap/voxel"
	"go.viam.com/voxmap/voxelconfig"
)

func planeDepthImage(width, height int, planeZ float32) *alloc.DepthImage {
	depths := make([]float32, width*height)
	for i := range depths {
		depths[i] = planeZ
	}
	return &alloc.DepthImage{Width: width, Height: height, Depths: depths}
}

func TestNewTSDFMapValidatesConfig(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	cfg.WMax = 0
	_, err := NewTSDFMap(cfg, r3.Vector{}, 0.05, 64, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewOccupancyMapValidatesConfig(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	cfg.LogOddsMin = 1
	cfg.LogOddsMax = 0
	_, err := NewOccupancyMap(cfg, r3.Vector{}, 0.05, 64, 0.1, 0.05, 2, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTSDFMapIntegrateFrameConvergesToSurface(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	const voxelSize = 0.05
	const planeZ = 1.0
	m, err := NewTSDFMap(cfg, r3.Vector{}, voxelSize, 64, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	model, err := sensor.NewPinhole(64, 64, 50, 50, 32, 32, 0.05, 3.0)
	test.That(t, err, test.ShouldBeNil)
	pose := spatialmath.NewZeroPose()
	depth := planeDepthImage(64, 64, planeZ)

	frame, err := m.IntegrateFrame(context.Background(), MeasurementBundle{Pose: pose, Model: model, Depth: depth})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame, test.ShouldEqual, int64(1))

	surface := r3.Vector{Z: planeZ}
	res, ok := m.GetData(surface)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, res.Kind, test.ShouldEqual, FieldTSDF)
	test.That(t, res.TSDF.Weight > 0, test.ShouldBeTrue)
	test.That(t, math.Abs(float64(res.TSDF.Value)) < 1, test.ShouldBeTrue)

	// stay inside the same truncation-band block the surface allocated
	// (raycast carving only materializes blocks within [depth-tau,
	// depth+tau] of the surface, not the whole free cone back to the
	// sensor).
	near := r3.Vector{Z: planeZ - 3*voxelSize}
	front, ok := m.GetData(near)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, front.TSDF.Value > 0, test.ShouldBeTrue)
}

func TestTSDFMapWeightSaturatesAtWMax(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	const voxelSize = 0.05
	const planeZ = 1.0
	m, err := NewTSDFMap(cfg, r3.Vector{}, voxelSize, 64, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	model, err := sensor.NewPinhole(64, 64, 50, 50, 32, 32, 0.05, 3.0)
	test.That(t, err, test.ShouldBeNil)
	pose := spatialmath.NewZeroPose()
	depth := planeDepthImage(64, 64, planeZ)

	var frame int64
	for i := 0; i < 150; i++ {
		frame, err = m.IntegrateFrame(context.Background(), MeasurementBundle{Pose: pose, Model: model, Depth: depth})
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, frame, test.ShouldEqual, int64(150))

	res, ok := m.GetData(r3.Vector{Z: planeZ})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, res.TSDF.Weight, test.ShouldEqual, cfg.WMax)
}

func TestTSDFMapCastPixelFindsSurface(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	const voxelSize = 0.05
	const planeZ = 1.0
	m, err := NewTSDFMap(cfg, r3.Vector{}, voxelSize, 64, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	model, err := sensor.NewPinhole(64, 64, 50, 50, 32, 32, 0.05, 3.0)
	test.That(t, err, test.ShouldBeNil)
	pose := spatialmath.NewZeroPose()
	depth := planeDepthImage(64, 64, planeZ)

	for i := 0; i < 5; i++ {
		_, err := m.IntegrateFrame(context.Background(), MeasurementBundle{Pose: pose, Model: model, Depth: depth})
		test.That(t, err, test.ShouldBeNil)
	}

	hit, ok, err := m.CastPixel(context.Background(), pose, model, sensor.Pixel{X: 32, Y: 32})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, math.Abs(hit.Point.Z-planeZ) < voxelSize, test.ShouldBeTrue)
}

func TestTSDFMapGetDataSafeDefaultWhenUnallocated(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	m, err := NewTSDFMap(cfg, r3.Vector{}, 0.05, 64, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	_, ok := m.GetData(r3.Vector{Z: 100})
	test.That(t, ok, test.ShouldBeFalse)

	res := m.GetDataSafe(r3.Vector{Z: 100})
	test.That(t, res.Kind, test.ShouldEqual, FieldTSDF)
	test.That(t, res.TSDF.Weight, test.ShouldEqual, float32(0))
}

func TestOccupancyMapIntegrateFrameMarksSurfaceOccupied(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	const voxelSize = 0.05
	const planeZ = 1.0
	m, err := NewOccupancyMap(cfg, r3.Vector{}, voxelSize, 64, 0.1, 0.05, 2, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	model, err := sensor.NewPinhole(64, 64, 50, 50, 32, 32, 0.05, 3.0)
	test.That(t, err, test.ShouldBeNil)
	pose := spatialmath.NewZeroPose()
	depth := planeDepthImage(64, 64, planeZ)

	for i := 0; i < 3; i++ {
		_, err := m.IntegrateFrame(context.Background(), MeasurementBundle{Pose: pose, Model: model, Depth: depth})
		test.That(t, err, test.ShouldBeNil)
	}

	res, ok := m.GetData(r3.Vector{Z: planeZ})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, res.Kind, test.ShouldEqual, FieldOccupancy)
	test.That(t, res.Occupancy.LogOdds > 0, test.ShouldBeTrue)

	// stay inside the surface-crossing block rather than the free cone
	// further back toward the sensor, which the volume carver classifies
	// as fully free and prunes to an unallocated leaf (spec.md §8
	// scenario 4) rather than materializing per-voxel data.
	freeRes, ok := m.GetData(r3.Vector{Z: planeZ - 3*voxelSize})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, freeRes.Occupancy.LogOdds < 0, test.ShouldBeTrue)

	_, ok = m.GetData(r3.Vector{Z: planeZ - 10*voxelSize})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestMapIntegrateRaysWiresSingleRayModel(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	const voxelSize = 0.05
	m, err := NewTSDFMap(cfg, r3.Vector{}, voxelSize, 64, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// offset each ray's pose by half a voxel in the two axes orthogonal to
	// its direction so the ray runs exactly along a column of voxel
	// centers; the single-ray model's narrow beam angle would otherwise
	// miss every voxel center by more than its tolerance.
	poseZ := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.025, Y: 0.025})
	poseX := spatialmath.NewPoseFromPoint(r3.Vector{Y: 0.025, Z: 0.025})
	batch := RayBatch{Rays: []RayMeasurement{
		{Pose: poseZ, Direction: r3.Vector{Z: 1}, Range: 1.0},
		{Pose: poseX, Direction: r3.Vector{X: 1}, Range: 0.8},
	}}

	frame, err := m.IntegrateRays(context.Background(), batch)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame, test.ShouldEqual, int64(1))

	res, ok := m.GetData(r3.Vector{Z: 1.0})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, res.TSDF.Weight > 0, test.ShouldBeTrue)

	res2, ok := m.GetData(r3.Vector{X: 0.8})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, res2.TSDF.Weight > 0, test.ShouldBeTrue)
}

func TestMapFuseColourPaintsProjectedVoxel(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	const voxelSize = 0.05
	const planeZ = 1.0
	m, err := NewTSDFMap(cfg, r3.Vector{}, voxelSize, 64, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	model, err := sensor.NewPinhole(64, 64, 50, 50, 32, 32, 0.05, 3.0)
	test.That(t, err, test.ShouldBeNil)
	pose := spatialmath.NewZeroPose()
	depth := planeDepthImage(64, 64, planeZ)

	img := &ColourImage{Width: 64, Height: 64, Colours: make([]voxel.Colour, 64*64)}
	for i := range img.Colours {
		img.Colours[i] = voxel.Colour{R: 10, G: 20, B: 30, A: 255}
	}

	_, err = m.IntegrateFrame(context.Background(), MeasurementBundle{
		Pose:        pose,
		Model:       model,
		Depth:       depth,
		ColourPose:  pose,
		ColourModel: model,
		Colour:      img,
	})
	test.That(t, err, test.ShouldBeNil)

	// the principal-point pixel back-projects straight down +Z, landing on
	// (0,0,planeZ).
	voxelCoord := m.PointToVoxel(r3.Vector{Z: planeZ})
	c, ok := m.blockColourAt(voxelCoord)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, c.R, test.ShouldEqual, uint8(10))
	test.That(t, c.G, test.ShouldEqual, uint8(20))
	test.That(t, c.B, test.ShouldEqual, uint8(30))
}

func TestMapGetColourInterpFailsClosedWhenNeighboursUnpainted(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	const voxelSize = 0.05
	const planeZ = 1.0
	m, err := NewTSDFMap(cfg, r3.Vector{}, voxelSize, 64, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	model, err := sensor.NewPinhole(8, 8, 50, 50, 4, 4, 0.05, 3.0)
	test.That(t, err, test.ShouldBeNil)
	pose := spatialmath.NewZeroPose()
	depth := planeDepthImage(8, 8, planeZ)
	img := &ColourImage{Width: 8, Height: 8, Colours: make([]voxel.Colour, 8*8)}

	_, err = m.IntegrateFrame(context.Background(), MeasurementBundle{
		Pose: pose, Model: model, Depth: depth,
		ColourPose: pose, ColourModel: model, Colour: img,
	})
	test.That(t, err, test.ShouldBeNil)

	// this point sits well outside the narrow camera footprint the colour
	// fusion pass actually painted, so at least one of the eight
	// interpolation corners was never fused.
	_, ok := m.GetColourInterp(r3.Vector{X: 2, Y: 2, Z: planeZ})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestMapSetSchedulerRunsUpdaterOnSerialScheduler(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	const voxelSize = 0.05
	const planeZ = 1.0
	m, err := NewTSDFMap(cfg, r3.Vector{}, voxelSize, 64, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	m.SetScheduler(schedule.SerialScheduler{})

	model, err := sensor.NewPinhole(16, 16, 50, 50, 8, 8, 0.05, 3.0)
	test.That(t, err, test.ShouldBeNil)
	pose := spatialmath.NewZeroPose()
	depth := planeDepthImage(16, 16, planeZ)

	_, err = m.IntegrateFrame(context.Background(), MeasurementBundle{Pose: pose, Model: model, Depth: depth})
	test.That(t, err, test.ShouldBeNil)

	res, ok := m.GetData(r3.Vector{Z: planeZ})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, res.TSDF.Weight > 0, test.ShouldBeTrue)
}

func TestMapSnapshotRestoreRoundTripsSurface(t *testing.T) {
	cfg := voxelconfig.DefaultConfig()
	const voxelSize = 0.05
	const planeZ = 1.0
	m, err := NewTSDFMap(cfg, r3.Vector{}, voxelSize, 64, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	model, err := sensor.NewPinhole(16, 16, 50, 50, 8, 8, 0.05, 3.0)
	test.That(t, err, test.ShouldBeNil)
	pose := spatialmath.NewZeroPose()
	depth := planeDepthImage(16, 16, planeZ)
	_, err = m.IntegrateFrame(context.Background(), MeasurementBundle{Pose: pose, Model: model, Depth: depth})
	test.That(t, err, test.ShouldBeNil)

	data, err := m.Snapshot()
	test.That(t, err, test.ShouldBeNil)

	restored, err := NewTSDFMap(cfg, r3.Vector{}, voxelSize, 64, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, restored.Restore(data), test.ShouldBeNil)

	res, ok := restored.GetData(r3.Vector{Z: planeZ})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, res.TSDF.Weight > 0, test.ShouldBeTrue)
}
