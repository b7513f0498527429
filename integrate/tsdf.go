// Package integrate implements the per-block fusion kernels of spec.md
// §4.3 (TSDF) and §4.5 (occupancy): the per-voxel numerical update that
// blends a depth frame into a block's data, dispatched across the
// allocator's block list through a schedule.Scheduler rather than a
// kernel-owned goroutine pool.
package integrate

import (
	"context"
	"math"

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

// TSDFUpdater fuses depth frames into the TSDF blocks an allocator has
// already materialized. Scheduler controls how the per-block fusion
// passes are fanned out; a nil Scheduler falls back to
// schedule.Default (a goroutine pool).
type TSDFUpdater struct {
	Origin    r3.Vector
	VoxelSize float64
	Config    voxelconfig.Config
	Scheduler schedule.Scheduler
}

// IntegrateFrame fuses depth into every block in blocks, in parallel.
// multiRes selects between the multi-resolution kernel (with scale
// selection and down-propagation; rebuilding coarser scales is left to
// package propagate) and the fixed-scale-0 simplification.
func (u *TSDFUpdater) IntegrateFrame(
	ctx context.Context,
	blocks []*octree.Node,
	pose spatialmath.Pose,
	model sensor.Model,
	depth *alloc.DepthImage,
	frame int64,
	multiRes bool,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sched := u.Scheduler
	if sched == nil {
		sched = schedule.Default
	}
	return sched.Run(len(blocks), func(i int) error {
		node := blocks[i]
		if multiRes {
			return u.integrateBlockMultiRes(node, pose, model, depth, frame)
		}
		return u.integrateBlockSingleRes(node, pose, model, depth, frame)
	})
}

func tsdfBlockOf(node *octree.Node) (*block.TSDFBlock, error) {
	blk, ok := node.Block().(*block.TSDFBlock)
	if !ok {
		return nil, errors.New("integrate: node's block is not a TSDFBlock")
	}
	return blk, nil
}

// integrateBlockSingleRes is §4.3's "simplification": scale fixed at 0,
// no up/down propagation.
func (u *TSDFUpdater) integrateBlockSingleRes(node *octree.Node, pose spatialmath.Pose, model sensor.Model, depth *alloc.DepthImage, frame int64) error {
	blk, err := tsdfBlockOf(node)
	if err != nil {
		return err
	}
	if blk.MinScaleReached() > 0 {
		if err := blk.AllocateDownTo(0); err != nil {
			return err
		}
	}
	if blk.CurrentScale() != 0 {
		if err := blk.SetCurrentScale(0); err != nil {
			return err
		}
	}
	if err := u.fusePass(blk, 0, pose, model, depth); err != nil {
		return err
	}
	blk.SetTimestamp(frame)
	node.SetTimestamp(frame)
	return nil
}

// integrateBlockMultiRes runs the §4.3 algorithm: scale selection,
// down-propagation when refining, and the fuse pass at the chosen scale.
// Rebuilding the coarser scales (the up-propagator) is left to package
// propagate.
func (u *TSDFUpdater) integrateBlockMultiRes(node *octree.Node, pose spatialmath.Pose, model sensor.Model, depth *alloc.DepthImage, frame int64) error {
	blk, err := tsdfBlockOf(node)
	if err != nil {
		return err
	}

	centerSensor := spatialmath.TransformPointInverse(pose, node.Center(u.Origin, u.VoxelSize))
	lastScale := blk.CurrentScale()
	recommended := model.ComputeIntegrationScale(centerSensor, u.VoxelSize, lastScale, 0, blk.MaxScale())

	switch {
	case recommended < lastScale:
		for s := lastScale; s > recommended; s-- {
			if err := u.downPropagateOneLevel(blk, s); err != nil {
				return err
			}
		}
		if err := blk.SetCurrentScale(recommended); err != nil {
			return err
		}
	case recommended > lastScale:
		if err := blk.SetCurrentScale(recommended); err != nil {
			return err
		}
	}

	scale := blk.CurrentScale()
	if err := u.fusePass(blk, scale, pose, model, depth); err != nil {
		return err
	}

	// Rebuilding the block's coarser scales from this fuse pass is the
	// propagator's job (§4.6, package propagate), run as its own stage
	// once the update stage barrier completes for every block.

	blk.SetTimestamp(frame)
	node.SetTimestamp(frame)
	return nil
}

// fusePass runs §4.3 step 3 over every voxel materialized at scale.
func (u *TSDFUpdater) fusePass(blk *block.TSDFBlock, scale int, pose spatialmath.Pose, model sensor.Model, depth *alloc.DepthImage) error {
	stride := float64(int32(1) << uint(scale))
	var fuseErr error
	blk.VoxelsAtScale(scale, func(v [3]int32, idx int) {
		if fuseErr != nil {
			return
		}
		worldPoint := octree.VoxelToPoint(u.Origin, u.VoxelSize, v, stride)
		current := blk.Data(v)
		updated, fused := u.fuseVoxel(pose, model, depth, worldPoint, current)
		if !fused {
			return
		}
		if err := blk.SetData(v, scale, updated); err != nil {
			fuseErr = err
		}
	})
	return fuseErr
}

// fuseVoxel implements §4.3 step 3's per-voxel formula.
func (u *TSDFUpdater) fuseVoxel(pose spatialmath.Pose, model sensor.Model, depth *alloc.DepthImage, worldPoint r3.Vector, current voxel.TSDFData) (voxel.TSDFData, bool) {
	pointSensor := spatialmath.TransformPointInverse(pose, worldPoint)
	norm := pointSensor.Norm()
	if norm < 1e-9 {
		return current, false
	}
	measurement := model.MeasurementFromPoint(pointSensor)
	if measurement <= 0 {
		return current, false
	}
	if measurement > model.FarDist(pointSensor.Mul(1/norm)) {
		return current, false
	}
	pixel, status := model.Project(pointSensor)
	if status != sensor.ProjectionSuccess {
		return current, false
	}
	d, ok := depth.At(pixel.X, pixel.Y)
	if !ok {
		return current, false
	}

	sdf := (float64(d) - measurement) * norm / measurement
	if sdf <= -u.Config.Tau {
		return current, false
	}

	tPrime := voxel.ClampTSDF(float32(sdf / u.Config.Tau))
	newValue := voxel.ClampTSDF((current.Value*current.Weight + tPrime) / (current.Weight + 1))
	newWeight := current.Weight + 1
	if newWeight > u.Config.WMax {
		newWeight = u.Config.WMax
	}
	return voxel.TSDFData{Value: newValue, Weight: newWeight}, true
}

// downPropagateOneLevel implements §4.3 step 2 for a single parent
// scale -> child scale transition, deciding seed-vs-delta per child
// rather than once for the whole transition: a child never visited at
// this resolution (weight zero) is freshly seeded by trilinear sampling
// of the parent field and inherits its direct parent's weight, while a
// child that was already materialized instead carries forward the
// parent's accumulated delta since the last time this block refined to
// this resolution. multires_tsdf_updater.hpp's child_down_funct makes
// the same per-child distinction ("if (child_data_union.data.weight !=
// 0) {...} else {...}"), since a block can refine partway, drop back to
// a coarser scale, and refine again with some children still unvisited.
//
// The parent's "past" shadow must be read before it is overwritten, so
// the delta reflects drift since the last snapshot rather than
// collapsing to zero every time; SnapshotCurrentToPast therefore runs
// last, establishing the baseline the next refinement will diff against.
func (u *TSDFUpdater) downPropagateOneLevel(blk *block.TSDFBlock, parentScale int) error {
	childScale := parentScale - 1
	scaleWasMaterialized := blk.MinScaleReached() <= childScale

	if err := blk.AllocateDownTo(childScale); err != nil {
		return err
	}
	if err := u.downPropagateChildren(blk, parentScale, childScale, scaleWasMaterialized); err != nil {
		return err
	}
	blk.SnapshotCurrentToPast(parentScale)
	return nil
}

func (u *TSDFUpdater) downPropagateChildren(blk *block.TSDFBlock, parentScale, childScale int, scaleWasMaterialized bool) error {
	parentStride := int32(1) << uint(parentScale)
	childStride := int32(1) << uint(childScale)
	var errOut error

	blk.VoxelsAtScale(parentScale, func(pv [3]int32, _ int) {
		if errOut != nil {
			return
		}
		current, past, _ := blk.DataUnion(pv, parentScale)
		deltaValue := current.Value - past.Value
		deltaWeight := current.Weight - past.Weight

		forEachChild(pv, childStride, func(cv [3]int32) {
			if errOut != nil {
				return
			}
			child, err := blk.DataExact(cv, childScale)
			if err != nil {
				errOut = err
				return
			}

			// A child is seeded rather than delta-carried whenever it
			// has not itself been fused into yet, either because this
			// is the scale's first-ever materialization (its stored
			// weight is only AllocateDownTo's coarse nearest-copy, not
			// a real sample) or because it individually still sits at
			// zero weight after a later materialization of this scale
			// (e.g. its parent had never been fused when the scale was
			// first reached).
			var next voxel.TSDFData
			if !scaleWasMaterialized || child.Weight == 0 {
				childWorld := octree.VoxelToPoint(u.Origin, u.VoxelSize, cv, float64(childStride))
				value := trilinearSampleTSDF(blk, u.Origin, u.VoxelSize, parentScale, float64(parentStride), childWorld)
				next = voxel.TSDFData{Value: value, Weight: current.Weight}
			} else {
				newWeight := child.Weight + deltaWeight
				if newWeight > u.Config.WMax {
					newWeight = u.Config.WMax
				}
				if newWeight < 0 {
					newWeight = 0
				}
				next = voxel.TSDFData{Value: voxel.ClampTSDF(child.Value + deltaValue), Weight: newWeight}
			}
			if err := blk.SetData(cv, childScale, next); err != nil {
				errOut = err
			}
		})
	})
	return errOut
}

// trilinearSampleTSDF samples the value field at parentScale around
// worldPoint, clamping to the block's own extent so points near the
// block boundary still resolve to a defined sample.
func trilinearSampleTSDF(blk *block.TSDFBlock, origin r3.Vector, voxelSize float64, parentScale int, parentStride float64, worldPoint r3.Vector) float32 {
	cellSize := voxelSize * parentStride
	coordMin := blk.CoordMin()
	minWorld := r3.Vector{
		X: origin.X + float64(coordMin[0])*voxelSize,
		Y: origin.Y + float64(coordMin[1])*voxelSize,
		Z: origin.Z + float64(coordMin[2])*voxelSize,
	}
	side := blk.Side()
	cellsPerAxis := int32(float64(side) / parentStride)

	local := worldPoint.Sub(minWorld)
	fx := local.X/cellSize - 0.5
	fy := local.Y/cellSize - 0.5
	fz := local.Z/cellSize - 0.5

	x0, tx := splitFrac(fx, cellsPerAxis)
	y0, ty := splitFrac(fy, cellsPerAxis)
	z0, tz := splitFrac(fz, cellsPerAxis)

	sample := func(dx, dy, dz int32) float32 {
		cx := clampCell(x0+dx, cellsPerAxis)
		cy := clampCell(y0+dy, cellsPerAxis)
		cz := clampCell(z0+dz, cellsPerAxis)
		v := [3]int32{
			coordMin[0] + cx*int32(parentStride),
			coordMin[1] + cy*int32(parentStride),
			coordMin[2] + cz*int32(parentStride),
		}
		d, err := blk.DataExact(v, parentScale)
		if err != nil {
			return 0
		}
		return d.Value
	}

	c00 := lerp(sample(0, 0, 0), sample(1, 0, 0), tx)
	c10 := lerp(sample(0, 1, 0), sample(1, 1, 0), tx)
	c01 := lerp(sample(0, 0, 1), sample(1, 0, 1), tx)
	c11 := lerp(sample(0, 1, 1), sample(1, 1, 1), tx)
	c0 := lerp(c00, c10, ty)
	c1 := lerp(c01, c11, ty)
	return voxel.ClampTSDF(lerp(c0, c1, tz))
}

func splitFrac(f float64, n int32) (int32, float32) {
	base := math.Floor(f)
	frac := f - base
	idx := int32(base)
	if idx < 0 {
		idx = 0
		frac = 0
	}
	if idx > n-1 {
		idx = n - 1
		frac = 0
	}
	return idx, float32(frac)
}

func clampCell(v, n int32) int32 {
	if v < 0 {
		return 0
	}
	if v > n-1 {
		return n - 1
	}
	return v
}

func lerp(a, b, t float32) float32 { return a + (b-a)*t }

func forEachChild(parentVoxel [3]int32, childStride int32, fn func(cv [3]int32)) {
	for dx := int32(0); dx < 2; dx++ {
		for dy := int32(0); dy < 2; dy++ {
			for dz := int32(0); dz < 2; dz++ {
				fn([3]int32{
					parentVoxel[0] + dx*childStride,
					parentVoxel[1] + dy*childStride,
					parentVoxel[2] + dz*childStride,
				})
			}
		}
	}
}

