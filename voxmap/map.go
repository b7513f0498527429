// Package voxmap ties the allocation, integration, propagation and
// raycasting stages into the single entry point a host application
// drives: construct a Map for one field variant, feed it measurement
// bundles or ray batches frame by frame, and query it through the
// octree query surface or the raycaster.
package voxmap

import (
	"context"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/voxmap/alloc"
	"go.viam.com/voxmap/block"
	"go.viam.com/voxmap/integrate"
	"go.viam.com/voxmap/logging"
	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/perfstats"
	"go.viam.com/voxmap/propagate"
	"go.viam.com/voxmap/raycast"
	"go.viam.com/voxmap/schedule"
	"go.viam.com/voxmap/sensor"
	"go.viam.com/voxmap/spatialmath"
	"go.viam.com/voxmap/voxelconfig"
)

// FieldKind selects which of the two field variants a Map holds. Per
// spec.md's design notes, the variant is a tag dispatched once per
// operation rather than a shared interface hierarchy: the allocator,
// updater and raycaster kernels are picked per variant, not virtualized.
type FieldKind int

const (
	FieldTSDF FieldKind = iota
	FieldOccupancy
)

// MeasurementBundle is the primary entry point into the core: one depth
// image plus the pose it was captured at, optionally paired with a
// colour image captured by its own sensor and pose (spec.md §6).
type MeasurementBundle struct {
	Pose  spatialmath.Pose
	Model sensor.Model
	Depth *alloc.DepthImage

	ColourPose  spatialmath.Pose
	ColourModel sensor.Model
	Colour      *ColourImage
}

// Map owns one octree store and the allocator/updater/raycaster triple
// appropriate to its field kind, plus the frame counter and perfstats
// recorder shared across every stage.
type Map struct {
	logger logging.Logger
	perf   *perfstats.Recorder

	kind      FieldKind
	store     *octree.Store
	origin    r3.Vector
	voxelSize float64
	cfg       voxelconfig.Config
	frame     atomic.Int64

	beamHalfAngleCos float64
	defaultNear      float64
	defaultFar       float64

	tsdfCarver    *alloc.RaycastCarver
	tsdfUpdater   *integrate.TSDFUpdater
	tsdfRaycaster *raycast.TSDFRaycaster
	multiRes      bool

	volumeCarver *alloc.VolumeCarver
	occUpdater   *integrate.OccupancyUpdater
	occRaycaster *raycast.OccupancyRaycaster
}

// NewTSDFMap builds a Map backed by a TSDF octree. rootSideVoxels sizes
// the world cube up front; multiRes selects the multi-resolution kernel
// (with scale selection and up/down propagation) over the fixed-scale-0
// simplification.
func NewTSDFMap(cfg voxelconfig.Config, origin r3.Vector, voxelSize float64, rootSideVoxels int32, multiRes bool, logger logging.Logger) (*Map, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := octree.NewStore(rootSideVoxels, int32(cfg.BlockSide), func(coordMin [3]int32, side int32) octree.Data {
		return block.NewTSDFBlock(coordMin, side)
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "building tsdf octree store")
	}

	m := &Map{
		logger:      logger,
		perf:        perfstats.NewRecorder(),
		kind:        FieldTSDF,
		store:       store,
		origin:      origin,
		voxelSize:   voxelSize,
		cfg:         cfg,
		multiRes:    multiRes,
		defaultNear: 0,
		defaultFar:  cfg.Tau * 100,
	}
	m.setBeamHalfAngle(defaultBeamHalfAngleRadians)
	m.tsdfCarver = &alloc.RaycastCarver{Store: store, Origin: origin, VoxelSize: voxelSize, Tau: cfg.Tau}
	m.tsdfUpdater = &integrate.TSDFUpdater{Origin: origin, VoxelSize: voxelSize, Config: cfg}
	m.tsdfRaycaster = &raycast.TSDFRaycaster{Store: store, Origin: origin, VoxelSize: voxelSize, Tau: cfg.Tau}
	return m, nil
}

// NewOccupancyMap builds a Map backed by an occupancy octree. margin,
// varianceThreshold and collapseSide configure the volume carver's node
// classification (spec.md §4.4).
func NewOccupancyMap(
	cfg voxelconfig.Config,
	origin r3.Vector,
	voxelSize float64,
	rootSideVoxels int32,
	margin, varianceThreshold float64,
	collapseSide int32,
	logger logging.Logger,
) (*Map, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := octree.NewStore(rootSideVoxels, int32(cfg.BlockSide), func(coordMin [3]int32, side int32) octree.Data {
		return block.NewOccupancyBlock(coordMin, side)
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "building occupancy octree store")
	}

	m := &Map{
		logger:      logger,
		perf:        perfstats.NewRecorder(),
		kind:        FieldOccupancy,
		store:       store,
		origin:      origin,
		voxelSize:   voxelSize,
		cfg:         cfg,
		defaultNear: 0,
		defaultFar:  cfg.TauMax * 100,
	}
	m.setBeamHalfAngle(defaultBeamHalfAngleRadians)
	m.volumeCarver = &alloc.VolumeCarver{
		Store:             store,
		Origin:            origin,
		VoxelSize:         voxelSize,
		Margin:            margin,
		VarianceThreshold: varianceThreshold,
		CollapseSide:      collapseSide,
	}
	m.occUpdater = &integrate.OccupancyUpdater{Store: store, Origin: origin, VoxelSize: voxelSize, Config: cfg}
	m.occRaycaster = &raycast.OccupancyRaycaster{Store: store, Origin: origin, VoxelSize: voxelSize, FreeThreshold: raycast.DefaultFreeThreshold}
	return m, nil
}

// Kind returns which field variant this Map holds.
func (m *Map) Kind() FieldKind { return m.kind }

// Perf exposes the map's perfstats recorder so a host can log or export
// per-phase timing after a run.
func (m *Map) Perf() *perfstats.Recorder { return m.perf }

// SetScheduler overrides how this Map's updater fans per-block fusion
// work out, in place of the schedule.Default goroutine pool. Only the
// updater matching this Map's FieldKind is affected.
func (m *Map) SetScheduler(sched schedule.Scheduler) {
	switch m.kind {
	case FieldTSDF:
		m.tsdfUpdater.Scheduler = sched
	case FieldOccupancy:
		m.occUpdater.Scheduler = sched
	}
}

// Snapshot serializes the map's underlying octree to a byte-oriented
// checkpoint (octree.Store.Snapshot); the frame counter and perfstats
// history are not part of it.
func (m *Map) Snapshot() ([]byte, error) {
	return m.store.Snapshot()
}

// Restore replaces the map's octree with the contents of a checkpoint
// previously produced by Snapshot on a Map with the same field kind,
// root size and block side.
func (m *Map) Restore(data []byte) error {
	return m.store.Restore(data)
}

func (m *Map) nextFrame() int64 { return m.frame.Add(1) }

// IntegrateFrame runs bundle through the allocate → update → propagate
// pipeline, in that strict order (spec.md §5), and returns the frame
// index it was integrated at. ctx lets a host enforce a deadline or
// cancellation between frames; no stage suspends mid-way, so it is only
// checked at each stage's entry.
func (m *Map) IntegrateFrame(ctx context.Context, bundle MeasurementBundle) (int64, error) {
	frame := m.nextFrame()
	if err := m.integrate(ctx, bundle.Pose, bundle.Model, bundle.Depth, frame); err != nil {
		return frame, err
	}
	if bundle.Colour != nil && bundle.ColourModel != nil {
		m.fuseColour(bundle, frame)
	}
	return frame, nil
}

func (m *Map) integrate(ctx context.Context, pose spatialmath.Pose, model sensor.Model, depth *alloc.DepthImage, frame int64) error {
	m.perf.BeginFrame(frame)

	switch m.kind {
	case FieldTSDF:
		return m.integrateTSDF(ctx, pose, model, depth, frame)
	case FieldOccupancy:
		return m.integrateOccupancy(ctx, pose, model, depth, frame)
	default:
		return errors.Errorf("voxmap: unknown field kind %d", m.kind)
	}
}

func (m *Map) integrateTSDF(ctx context.Context, pose spatialmath.Pose, model sensor.Model, depth *alloc.DepthImage, frame int64) error {
	stopAlloc := m.perf.Start("allocate")
	touched, err := m.tsdfCarver.CarveFrame(ctx, pose, model, depth)
	stopAlloc()
	if err != nil {
		return errors.Wrap(err, "carving tsdf blocks")
	}

	stopUpdate := m.perf.Start("update")
	err = m.tsdfUpdater.IntegrateFrame(ctx, touched, pose, model, depth, frame, m.multiRes)
	stopUpdate()
	if err != nil {
		return errors.Wrap(err, "integrating tsdf frame")
	}

	stopPropagate := m.perf.Start("propagate")
	for _, node := range touched {
		if err := propagate.PropagateBlockUp(ctx, node); err != nil {
			stopPropagate()
			return errors.Wrap(err, "propagating tsdf block")
		}
	}
	propagate.PropagateTimeStampToRoot(ctx, touched, frame)
	stopPropagate()
	return nil
}

func (m *Map) integrateOccupancy(ctx context.Context, pose spatialmath.Pose, model sensor.Model, depth *alloc.DepthImage, frame int64) error {
	stopAlloc := m.perf.Start("allocate")
	carve := m.volumeCarver.Carve(ctx, pose, model, depth)
	stopAlloc()

	stopUpdate := m.perf.Start("update")
	err := m.occUpdater.IntegrateFrame(ctx, carve, pose, model, depth, frame)
	stopUpdate()
	if err != nil {
		return errors.Wrap(err, "integrating occupancy frame")
	}

	stopPropagate := m.perf.Start("propagate")
	for _, node := range carve.Blocks {
		if err := propagate.PropagateBlockUp(ctx, node); err != nil {
			stopPropagate()
			return errors.Wrap(err, "propagating occupancy block")
		}
	}
	propagate.PropagateToRoot(ctx, m.store, carve.Blocks, frame, true, m.cfg.MinOccupancy)
	stopPropagate()
	return nil
}

// CastPixel raycasts the ray a sensor pixel back-projects to, dispatched
// to the field-appropriate raycaster.
func (m *Map) CastPixel(ctx context.Context, pose spatialmath.Pose, model sensor.Model, pixel sensor.Pixel) (*raycast.Hit, bool, error) {
	switch m.kind {
	case FieldTSDF:
		return m.tsdfRaycaster.CastPixel(ctx, pose, model, pixel)
	case FieldOccupancy:
		return m.occRaycaster.CastPixel(ctx, pose, model, pixel)
	default:
		return nil, false, errors.Errorf("voxmap: unknown field kind %d", m.kind)
	}
}

// CastRay raycasts a single world-space ray, dispatched to the
// field-appropriate raycaster.
func (m *Map) CastRay(ctx context.Context, originWorld, dirWorld r3.Vector, near, far float64) (*raycast.Hit, bool, error) {
	switch m.kind {
	case FieldTSDF:
		return m.tsdfRaycaster.CastRay(ctx, originWorld, dirWorld, near, far)
	case FieldOccupancy:
		return m.occRaycaster.CastRay(ctx, originWorld, dirWorld, near, far)
	default:
		return nil, false, errors.Errorf("voxmap: unknown field kind %d", m.kind)
	}
}
