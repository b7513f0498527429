package integrate

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/voxmap/alloc"
	"go.viam.com/voxmap/block"
	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/schedule"
	"go.viam.com/voxmap/sensor"
	"go.viam.com/voxmap/spatialmath"
	"go.viam.com/voxmap/voxel"
	"go.viam.com/voxmap/voxelconfig"
)

// OccupancyUpdater fuses depth frames into the occupancy blocks and node
// list volume carving produced, running the two-phase kernel of §4.5.
// Scheduler controls how the per-block fusion passes are fanned out; a
// nil Scheduler falls back to schedule.Default (a goroutine pool).
type OccupancyUpdater struct {
	Store     *octree.Store
	Origin    r3.Vector
	VoxelSize float64
	Config    voxelconfig.Config
	Scheduler schedule.Scheduler
}

// IntegrateFrame bulk-frees carve's FreeNodes, then integrates depth
// into every block in carve.Blocks, in parallel.
func (u *OccupancyUpdater) IntegrateFrame(
	ctx context.Context,
	carve alloc.CarveResult,
	pose spatialmath.Pose,
	model sensor.Model,
	depth *alloc.DepthImage,
	frame int64,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	freeSummary := octree.Summary{
		Min:      u.Config.LogOddsMin * u.Config.WMax,
		Mean:     u.Config.LogOddsMin * u.Config.WMax,
		Max:      u.Config.LogOddsMin * u.Config.WMax,
		Weight:   u.Config.WMax,
		Observed: true,
	}
	for _, node := range carve.FreeNodes {
		u.Store.DeleteChildren(node)
		node.SetSummary(freeSummary)
		node.SetTimestamp(frame)
	}

	sched := u.Scheduler
	if sched == nil {
		sched = schedule.Default
	}
	return sched.Run(len(carve.Blocks), func(i int) error {
		node := carve.Blocks[i]
		variance := carve.VarianceStates[i]
		projectsInside := carve.ProjectsInside[i]
		return u.integrateBlock(node, pose, model, depth, frame, variance, projectsInside)
	})
}

func occupancyBlockOf(node *octree.Node) (*block.OccupancyBlock, error) {
	blk, ok := node.Block().(*block.OccupancyBlock)
	if !ok {
		return nil, errors.New("integrate: node's block is not an OccupancyBlock")
	}
	return blk, nil
}

// integrateBlock is §4.5's two-phase kernel: phase A picks a
// recommended scale and, on a change, opens (or ratifies) the buffer
// pyramid; phase B applies the log-odds response to every voxel.
func (u *OccupancyUpdater) integrateBlock(
	node *octree.Node,
	pose spatialmath.Pose,
	model sensor.Model,
	depth *alloc.DepthImage,
	frame int64,
	variance alloc.VarianceState,
	projectsInside bool,
) error {
	blk, err := occupancyBlockOf(node)
	if err != nil {
		return err
	}

	centerSensor := spatialmath.TransformPointInverse(pose, node.Center(u.Origin, u.VoxelSize))
	currIntegr, _, _, _ := blk.Counts()
	recommended := model.ComputeIntegrationScale(centerSensor, u.VoxelSize, blk.CurrentScale(), 0, blk.MaxScale())

	switch {
	case currIntegr == 0 && !blk.BufferOpen():
		// No data has ever been integrated: allocate straight to the
		// recommended scale and integrate normally, per §4.5.
		if err := blk.AllocateDownTo(recommended); err != nil {
			return err
		}
		if err := blk.SetCurrentScale(recommended); err != nil {
			return err
		}
		if err := u.phaseB(blk, pose, model, depth, variance, projectsInside, false); err != nil {
			return err
		}

	default:
		if !blk.BufferOpen() && recommended != blk.CurrentScale() {
			if err := blk.InitBuffer(recommended); err != nil {
				return err
			}
		}

		if blk.BufferOpen() {
			if err := u.phaseB(blk, pose, model, depth, variance, projectsInside, true); err != nil {
				return err
			}
			// This frame is integrated into both pyramids: the source
			// system's documented "potential double integration" (see
			// project notes). The invariant that matters — the buffer's
			// stats are discarded unless ratified — still holds, so the
			// current pyramid is never double-counted permanently.
			if err := u.phaseB(blk, pose, model, depth, variance, projectsInside, false); err != nil {
				return err
			}
			if blk.ReadyToRatify(u.Config.ScaleChangeMinIntegrations, u.Config.ScaleChangeObservedRatio) {
				if err := blk.SwitchData(); err != nil {
					return err
				}
			}
		} else {
			if err := u.phaseB(blk, pose, model, depth, variance, projectsInside, false); err != nil {
				return err
			}
		}
	}

	blk.SetTimestamp(frame)
	node.SetTimestamp(frame)
	return nil
}

// phaseB applies the §4.5 response table to every voxel at the target
// pyramid (buffer or current).
func (u *OccupancyUpdater) phaseB(
	blk *block.OccupancyBlock,
	pose spatialmath.Pose,
	model sensor.Model,
	depth *alloc.DepthImage,
	variance alloc.VarianceState,
	projectsInside bool,
	buffer bool,
) error {
	scale := blk.CurrentScale()
	if buffer {
		scale = blk.BufferScale()
	}
	stride := float64(int32(1) << uint(scale))

	lowVariance := projectsInside && variance == alloc.VarianceConstant

	var errOut error
	blk.VoxelsAtScale(scale, func(v [3]int32, idx int) {
		if errOut != nil {
			return
		}
		worldPoint := octree.VoxelToPoint(u.Origin, u.VoxelSize, v, stride)
		var current voxel.OccupancyData
		if buffer {
			current = blk.BufferData(v)
		} else {
			current = blk.MeanData(v)
		}

		updated, touched, becameObserved := u.fuseVoxel(pose, model, depth, worldPoint, current, lowVariance)
		if !touched {
			return
		}

		if buffer {
			blk.SetBufferData(v, updated, becameObserved)
		} else {
			blk.SetCurrentData(v, updated, becameObserved)
		}
	})
	return errOut
}

// fuseVoxel implements §4.5's response table plus the additive
// log-odds accumulation implied by voxelconfig.Config's
// LogOddsMin/LogOddsMax doc comment (the voxel's saturated range is
// [LogOddsMin*WMax, LogOddsMax*WMax]).
func (u *OccupancyUpdater) fuseVoxel(
	pose spatialmath.Pose,
	model sensor.Model,
	depth *alloc.DepthImage,
	worldPoint r3.Vector,
	current voxel.OccupancyData,
	lowVariance bool,
) (voxel.OccupancyData, bool, bool) {
	var sample float32
	if lowVariance {
		sample = u.Config.LogOddsMin
	} else {
		pointSensor := spatialmath.TransformPointInverse(pose, worldPoint)
		norm := pointSensor.Norm()
		if norm < 1e-9 {
			return current, false, false
		}
		measurement := model.MeasurementFromPoint(pointSensor)
		if measurement <= 0 {
			return current, false, false
		}
		pixel, status := model.Project(pointSensor)
		if status != sensor.ProjectionSuccess {
			return current, false, false
		}
		d, ok := depth.At(pixel.X, pixel.Y)
		if !ok {
			return current, false, false
		}

		rangeDiff := (measurement - float64(d)) * norm / measurement
		far := model.FarDist(pointSensor.Mul(1 / norm))
		tau := affineByRange(measurement, far, u.Config.TauMin, u.Config.TauMax)
		threeSigma := affineByRange(measurement, far, u.Config.SigmaMinVoxels*u.VoxelSize, u.Config.SigmaMaxVoxels*u.VoxelSize)

		s, apply := occupancyResponse(rangeDiff, tau, threeSigma, u.Config)
		if !apply {
			return current, false, false
		}
		sample = s
	}

	newLogOdds := voxel.ClampLogOdds(current.LogOdds+sample, u.Config.LogOddsMin*u.Config.WMax, u.Config.LogOddsMax*u.Config.WMax)
	newWeight := current.Weight + 1
	if newWeight > u.Config.WMax {
		newWeight = u.Config.WMax
	}
	becameObserved := !current.Observed
	return voxel.OccupancyData{LogOdds: newLogOdds, Weight: newWeight, Observed: true}, true, becameObserved
}

// occupancyResponse is §4.5's piecewise range_diff response table.
func occupancyResponse(rangeDiff, tau, threeSigma float64, cfg voxelconfig.Config) (float32, bool) {
	switch {
	case rangeDiff < -threeSigma:
		return cfg.LogOddsMin, true
	case rangeDiff < tau/2:
		slope := float32(-float64(cfg.LogOddsMin) / threeSigma)
		val := cfg.LogOddsMin + slope*float32(rangeDiff+threeSigma)
		if val > cfg.LogOddsMax {
			val = cfg.LogOddsMax
		}
		return val, true
	case rangeDiff < tau:
		val := float32(-float64(cfg.LogOddsMin) * tau / (2 * threeSigma))
		if val > cfg.LogOddsMax {
			val = cfg.LogOddsMax
		}
		return val, true
	default:
		return 0, false
	}
}

// affineByRange linearly interpolates [lo, hi] by measurement's
// fraction of the sensor's far distance, clamped to [0,1].
func affineByRange(measurement, far, lo, hi float64) float64 {
	if far <= 0 {
		return hi
	}
	frac := measurement / far
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return lo + frac*(hi-lo)
}
