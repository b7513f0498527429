package raycast

import (
	"context"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/voxmap/block"
	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/sensor"
	"go.viam.com/voxmap/spatialmath"
	"go.viam.com/voxmap/voxel"
)

// TSDFRaycaster walks a signed-distance map: large steps of block side
// while off the surface, sphere-tracing steps proportional to the field
// value once inside the truncation band, and a trilinear refinement of
// the zero crossing (spec.md §4.7).
type TSDFRaycaster struct {
	Store     *octree.Store
	Origin    r3.Vector
	VoxelSize float64
	// Tau converts a normalized TSDF value back to a metric step size;
	// it should match the truncation boundary the map was integrated with.
	Tau float64
}

// CastPixel raycasts the ray a sensor pixel back-projects to, from pose.
func (r *TSDFRaycaster) CastPixel(ctx context.Context, pose spatialmath.Pose, model sensor.Model, pixel sensor.Pixel) (*Hit, bool, error) {
	dirSensor := model.BackProject(pixel)
	dirWorld := spatialmath.RotateVector(pose, dirSensor)
	near := model.NearDist(dirSensor)
	far := model.FarDist(dirSensor)
	return r.CastRay(ctx, pose.Point(), dirWorld, near, far)
}

// CastRay raycasts a single world-space ray between near and far meters.
func (r *TSDFRaycaster) CastRay(ctx context.Context, originWorld, dirWorld r3.Vector, near, far float64) (*Hit, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	dir := dirWorld.Normalize()
	blockMeters := float64(r.Store.BlockSide()) * r.VoxelSize
	minStep := r.VoxelSize / 4

	t := near
	prevValid := false
	var prevValue float32
	var prevT float64

	for t <= far {
		point := originWorld.Add(dir.Mul(t))
		voxelCoord := octree.PointToVoxel(r.Origin, r.VoxelSize, point)
		if !r.Store.Contains(voxelCoord) {
			return nil, false, nil
		}

		node, holeMin, holeSide := FindNode(r.Store, voxelCoord)
		if node.Kind() != octree.KindBlock {
			corner := r.voxelToCorner(holeMin)
			t = boxExitT(corner, float64(holeSide)*r.VoxelSize, originWorld, dir, t) + minStep
			prevValid = false
			continue
		}

		blk, ok := node.Block().(*block.TSDFBlock)
		if !ok {
			return nil, false, nil
		}
		data, scale := blk.DataAt(voxelCoord, 0)
		if !data.IsValid() {
			t += blockMeters
			prevValid = false
			continue
		}

		if prevValid && prevValue > 0 && data.Value <= 0 {
			hitT := r.refineCrossing(originWorld, dir, prevT, prevValue, t, data.Value)
			hitPoint := originWorld.Add(dir.Mul(hitT))
			hit := &Hit{
				Point:  hitPoint,
				Normal: r.gradient(hitPoint),
				Scale:  scale,
			}
			hit.Colour, hit.HasColour = blk.Colour(voxelCoord)
			id := blk.ID(voxelCoord)
			hit.ID, hit.HasID = id, id.IsAssigned()
			return hit, true, nil
		}

		prevValue, prevValid, prevT = data.Value, true, t
		step := math.Abs(float64(data.Value)) * r.Tau
		if step < minStep {
			step = minStep
		}
		t += step
	}
	return nil, false, nil
}

// refineCrossing bisects [t0, t1] using the trilinearly-interpolated
// field rather than raw per-voxel samples, per spec.md §4.7's "interpolate
// the field trilinearly near the zero crossing." Falls back to the
// bracket midpoint if a sample point ever lands outside allocated data.
func (r *TSDFRaycaster) refineCrossing(originWorld, dir r3.Vector, t0 float64, v0 float32, t1 float64, v1 float32) float64 {
	lo, hi := t0, t1
	loVal, hiVal := v0, v1
	for i := 0; i < 12; i++ {
		mid := (lo + hi) / 2
		v, ok := r.sampleField(originWorld.Add(dir.Mul(mid)))
		if !ok {
			v = lerp(loVal, hiVal, 0.5)
		}
		if v > 0 {
			lo, loVal = mid, v
		} else {
			hi, hiVal = mid, v
		}
	}
	return (lo + hi) / 2
}

func (r *TSDFRaycaster) voxelToCorner(v [3]int32) r3.Vector {
	return r3.Vector{
		X: r.Origin.X + float64(v[0])*r.VoxelSize,
		Y: r.Origin.Y + float64(v[1])*r.VoxelSize,
		Z: r.Origin.Z + float64(v[2])*r.VoxelSize,
	}
}

// sampleField trilinearly interpolates the TSDF field at worldPoint,
// returning false if that point falls outside any materialized block.
func (r *TSDFRaycaster) sampleField(worldPoint r3.Vector) (float32, bool) {
	voxelCoord := octree.PointToVoxel(r.Origin, r.VoxelSize, worldPoint)
	if !r.Store.Contains(voxelCoord) {
		return 0, false
	}
	node, _, _ := FindNode(r.Store, voxelCoord)
	if node.Kind() != octree.KindBlock {
		return 0, false
	}
	blk, ok := node.Block().(*block.TSDFBlock)
	if !ok {
		return 0, false
	}
	_, scale := blk.DataAt(voxelCoord, 0)
	return TrilinearTSDF(blk, r.Origin, r.VoxelSize, scale, worldPoint), true
}

// gradient estimates the surface normal at point by central-differencing
// the interpolated field a half voxel to either side along each axis.
func (r *TSDFRaycaster) gradient(point r3.Vector) r3.Vector {
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

// TrilinearTSDF mirrors integrate.trilinearSampleTSDF's algorithm (the
// down-propagator's trilinear seed sampler) but reads whatever scale the
// query resolves to rather than always seeding a fixed child scale. It is
// exported so the top-level map query surface can reuse it directly
// instead of re-deriving the same interpolation.
func TrilinearTSDF(blk *block.TSDFBlock, origin r3.Vector, voxelSize float64, scale int, worldPoint r3.Vector) float32 {
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

	sample := func(dx, dy, dz int32) float32 {
		cx := clampCell(x0+dx, cellsPerAxis)
		cy := clampCell(y0+dy, cellsPerAxis)
		cz := clampCell(z0+dz, cellsPerAxis)
		v := [3]int32{
			coordMin[0] + cx*int32(stride),
			coordMin[1] + cy*int32(stride),
			coordMin[2] + cz*int32(stride),
		}
		d, err := blk.DataExact(v, scale)
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
