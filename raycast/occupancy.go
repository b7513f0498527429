package raycast

import (
	"context"

	"github.com/golang/geo/r3"

	"go.viam.com/voxmap/block"
	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/sensor"
	"go.viam.com/voxmap/spatialmath"
)

// DefaultFreeThreshold is the log-odds ceiling spec.md §4.7 uses to call
// an ancestor node's subtree "well below the surface boundary" and safe
// to skip during the coarse phase of an occupancy raycast.
const DefaultFreeThreshold = -0.2

// OccupancyRaycaster walks a log-odds occupancy map: hierarchical
// node-summary skipping through free space, then a voxel-sized walk with
// trilinear refinement once inside a potentially occupied region
// (spec.md §4.7).
type OccupancyRaycaster struct {
	Store         *octree.Store
	Origin        r3.Vector
	VoxelSize     float64
	FreeThreshold float32 // zero value: DefaultFreeThreshold is used
}

func (r *OccupancyRaycaster) threshold() float32 {
	if r.FreeThreshold != 0 {
		return r.FreeThreshold
	}
	return DefaultFreeThreshold
}

// CastPixel raycasts the ray a sensor pixel back-projects to, from pose.
func (r *OccupancyRaycaster) CastPixel(ctx context.Context, pose spatialmath.Pose, model sensor.Model, pixel sensor.Pixel) (*Hit, bool, error) {
	dirSensor := model.BackProject(pixel)
	dirWorld := spatialmath.RotateVector(pose, dirSensor)
	near := model.NearDist(dirSensor)
	far := model.FarDist(dirSensor)
	return r.CastRay(ctx, pose.Point(), dirWorld, near, far)
}

// CastRay raycasts a single world-space ray between near and far meters.
func (r *OccupancyRaycaster) CastRay(ctx context.Context, originWorld, dirWorld r3.Vector, near, far float64) (*Hit, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	dir := dirWorld.Normalize()
	root := r.Store.Root()
	rootCorner := r.voxelToCorner(root.CoordMin)
	rootSideMeters := float64(root.Side) * r.VoxelSize

	tEnter, tExit, ok := rayBoxIntersect(rootCorner, rootSideMeters, originWorld, dir)
	if !ok {
		return nil, false, nil
	}
	t := near
	if tEnter > t {
		t = tEnter
	}
	tMax := far
	if tExit < tMax {
		tMax = tExit
	}

	prevValid := false
	var prevValue float32
	var prevT float64
	threshold := r.threshold()

	for t <= tMax {
		point := originWorld.Add(dir.Mul(t))
		voxelCoord := octree.PointToVoxel(r.Origin, r.VoxelSize, point)
		if !r.Store.Contains(voxelCoord) {
			return nil, false, nil
		}

		node, holeMin, holeSide, potentiallyOccupied := r.descendSkippingFree(voxelCoord, threshold)
		if !potentiallyOccupied {
			corner := r.voxelToCorner(holeMin)
			t = boxExitT(corner, float64(holeSide)*r.VoxelSize, originWorld, dir, t) + r.VoxelSize/4
			prevValid = false
			continue
		}

		blk, ok := node.Block().(*block.OccupancyBlock)
		if !ok {
			return nil, false, nil
		}
		mean := blk.MeanData(voxelCoord)
		if !mean.Observed {
			t += r.VoxelSize
			prevValid = false
			continue
		}

		if prevValid && prevValue < 0 && mean.LogOdds >= 0 {
			hitT := r.refineCrossing(originWorld, dir, prevT, prevValue, t, mean.LogOdds)
			hitPoint := originWorld.Add(dir.Mul(hitT))
			hit := &Hit{
				Point:  hitPoint,
				Normal: r.gradient(hitPoint, blk.CurrentScale()),
				Scale:  blk.CurrentScale(),
			}
			hit.Colour, hit.HasColour = blk.Colour(voxelCoord)
			return hit, true, nil
		}

		prevValue, prevValid, prevT = mean.LogOdds, true, t
		t += r.VoxelSize
	}
	return nil, false, nil
}

// descendSkippingFree walks the tree toward voxel, stopping as soon as it
// either reaches a block or finds a region it can prove is free — an
// interior node whose observed max log-odds is already below threshold,
// an empty leaf that has never been touched, or an octant that was never
// allocated. It reports that region so the caller can skip past it in one
// step instead of sampling voxel by voxel through open space.
func (r *OccupancyRaycaster) descendSkippingFree(
	voxel [3]int32,
	threshold float32,
) (node *octree.Node, regionMin [3]int32, regionSide int32, potentiallyOccupied bool) {
	node = r.Store.Root()
	for {
		if node.Kind() == octree.KindBlock {
			return node, node.CoordMin, node.Side, true
		}
		if node.Kind() == octree.KindEmpty {
			return node, node.CoordMin, node.Side, false
		}
		summary := node.Summary()
		if summary.Observed && summary.Max <= threshold {
			return node, node.CoordMin, node.Side, false
		}
		idx := octree.ChildIndexForVoxel(node, voxel)
		child := node.ChildAt(idx)
		if child == nil {
			half := node.Side / 2
			return node, childCoordMin(node.CoordMin, node.Side, idx), half, false
		}
		node = child
	}
}

// refineCrossing mirrors TSDFRaycaster.refineCrossing: bisect against the
// trilinearly-interpolated log-odds field instead of raw voxel samples.
func (r *OccupancyRaycaster) refineCrossing(originWorld, dir r3.Vector, t0 float64, v0 float32, t1 float64, v1 float32) float64 {
	lo, hi := t0, t1
	loVal, hiVal := v0, v1
	for i := 0; i < 12; i++ {
		mid := (lo + hi) / 2
		v, ok := r.sampleField(originWorld.Add(dir.Mul(mid)))
		if !ok {
			v = lerp(loVal, hiVal, 0.5)
		}
		if v < 0 {
			lo, loVal = mid, v
		} else {
			hi, hiVal = mid, v
		}
	}
	return (lo + hi) / 2
}

func (r *OccupancyRaycaster) voxelToCorner(v [3]int32) r3.Vector {
	return r3.Vector{
		X: r.Origin.X + float64(v[0])*r.VoxelSize,
		Y: r.Origin.Y + float64(v[1])*r.VoxelSize,
		Z: r.Origin.Z + float64(v[2])*r.VoxelSize,
	}
}

// sampleField trilinearly interpolates the log-odds field at worldPoint
// from whatever block's current scale contains it, returning false if the
// point is unallocated or any of the eight corners is unobserved
// (spec.md §7: interpolation is invalid when any corner is invalid).
func (r *OccupancyRaycaster) sampleField(worldPoint r3.Vector) (float32, bool) {
	voxelCoord := octree.PointToVoxel(r.Origin, r.VoxelSize, worldPoint)
	if !r.Store.Contains(voxelCoord) {
		return 0, false
	}
	node, _, _ := FindNode(r.Store, voxelCoord)
	if node.Kind() != octree.KindBlock {
		return 0, false
	}
	blk, ok := node.Block().(*block.OccupancyBlock)
	if !ok {
		return 0, false
	}
	return TrilinearOccupancy(blk, r.Origin, r.VoxelSize, blk.CurrentScale(), worldPoint)
}

func (r *OccupancyRaycaster) gradient(point r3.Vector, scale int) r3.Vector {
	h := r.VoxelSize / 2
	sample := func(offset r3.Vector) float32 {
		v, ok := r.sampleField(point.Add(offset))
		if !ok {
			return 0
		}
		return v
	}
	g := r3.Vector{
		X: float64(sample(r3.Vector{X: h}) - sample(r3.Vector{X: -h})),
		Y: float64(sample(r3.Vector{Y: h}) - sample(r3.Vector{Y: -h})),
		Z: float64(sample(r3.Vector{Z: h}) - sample(r3.Vector{Z: -h})),
	}
	if g.Norm() < 1e-9 {
		return r3.Vector{Z: 1}
	}
	return g.Normalize()
}

// TrilinearOccupancy is occupancy's analog of TrilinearTSDF: it samples
// the eight neighbors of worldPoint at scale and interpolates, but fails
// closed (ok=false) the moment any corner has never been observed, since
// blending in an unobserved default log-odds would fabricate a surface.
func TrilinearOccupancy(blk *block.OccupancyBlock, origin r3.Vector, voxelSize float64, scale int, worldPoint r3.Vector) (float32, bool) {
	stride := float64(int32(1) << uint(scale))
	cellSize := voxelSize * stride
	coordMin := blk.CoordMin()
	minWorld := r3.Vector{
		X: origin.X + float64(coordMin[0])*voxelSize,
		Y: origin.Y + float64(coordMin[1])*voxelSize,
		Z: origin.Z + float64(coordMin[2])*voxelSize,
	}
	cellsPerAxis := int32(float64(blk.Side()) / stride)

	local := worldPoint.Sub(minWorld)
	fx := local.X/cellSize - 0.5
	fy := local.Y/cellSize - 0.5
	fz := local.Z/cellSize - 0.5

	x0, tx := splitFrac(fx, cellsPerAxis)
	y0, ty := splitFrac(fy, cellsPerAxis)
	z0, tz := splitFrac(fz, cellsPerAxis)

	allObserved := true
	sample := func(dx, dy, dz int32) float32 {
		cx := clampCell(x0+dx, cellsPerAxis)
		cy := clampCell(y0+dy, cellsPerAxis)
		cz := clampCell(z0+dz, cellsPerAxis)
		v := [3]int32{
			coordMin[0] + cx*int32(stride),
			coordMin[1] + cy*int32(stride),
			coordMin[2] + cz*int32(stride),
		}
		d, err := blk.MeanDataAt(v, scale)
		if err != nil || !d.Observed {
			allObserved = false
			return 0
		}
		return d.LogOdds
	}

	c00 := lerp(sample(0, 0, 0), sample(1, 0, 0), tx)
	c10 := lerp(sample(0, 1, 0), sample(1, 1, 0), tx)
	c01 := lerp(sample(0, 0, 1), sample(1, 0, 1), tx)
	c11 := lerp(sample(0, 1, 1), sample(1, 1, 1), tx)
	c0 := lerp(c00, c10, ty)
	c1 := lerp(c01, c11, ty)
	if !allObserved {
		return 0, false
	}
	return lerp(c0, c1, tz), true
}
