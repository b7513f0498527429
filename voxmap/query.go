package voxmap

import (
	"github.com/golang/geo/r3"

	"go.viam.com/voxmap/block"
	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/raycast"
	"go.viam.com/voxmap/voxel"
)

// QueryResult is the tagged variant get_data/get_data_safe return: only
// the field named by Kind is meaningful.
type QueryResult struct {
	Kind      FieldKind
	TSDF      voxel.TSDFData
	Occupancy voxel.OccupancyData
}

// Contains reports whether point falls within the map's root cube.
func (m *Map) Contains(point r3.Vector) bool {
	return m.store.Contains(m.PointToVoxel(point))
}

// PointToVoxel converts a world point to the voxel coordinate it falls in.
func (m *Map) PointToVoxel(point r3.Vector) [3]int32 {
	return octree.PointToVoxel(m.origin, m.voxelSize, point)
}

// VoxelToPoint converts a voxel coordinate back to a world point, at the
// given stride: the voxel's minimum corner plus stride/2 voxels along each
// axis, so stride 1 gives the voxel's center and 0 its corner.
func (m *Map) VoxelToPoint(v [3]int32, stride float64) r3.Vector {
	return octree.VoxelToPoint(m.origin, m.voxelSize, v, stride)
}

func (m *Map) findLeaf(point r3.Vector) (*octree.Node, [3]int32, bool) {
	v := m.PointToVoxel(point)
	if !m.store.Contains(v) {
		return nil, v, false
	}
	node, _, _ := raycast.FindNode(m.store, v)
	if node.Kind() != octree.KindBlock {
		return nil, v, false
	}
	return node, v, true
}

// GetData returns the raw voxel data at point's current scale, or
// ok=false when the region is out of bounds or unallocated (spec.md §6).
func (m *Map) GetData(point r3.Vector) (QueryResult, bool) {
	node, v, ok := m.findLeaf(point)
	if !ok {
		return QueryResult{}, false
	}
	switch blk := node.Block().(type) {
	case *block.TSDFBlock:
		d, _ := blk.DataAt(v, 0)
		return QueryResult{Kind: FieldTSDF, TSDF: d}, true
	case *block.OccupancyBlock:
		return QueryResult{Kind: FieldOccupancy, Occupancy: blk.MeanData(v)}, true
	default:
		return QueryResult{}, false
	}
}

// GetDataSafe is get_data's non-optional counterpart: unallocated or
// out-of-bounds regions return the field's default data rather than
// ok=false, per spec.md §7's "inspectors return default data" rule.
func (m *Map) GetDataSafe(point r3.Vector) QueryResult {
	if res, ok := m.GetData(point); ok {
		return res
	}
	if m.kind == FieldOccupancy {
		return QueryResult{Kind: FieldOccupancy, Occupancy: voxel.DefaultOccupancyData}
	}
	return QueryResult{Kind: FieldTSDF, TSDF: voxel.DefaultTSDFData}
}

// GetFieldInterp trilinearly interpolates the scalar field (TSDF value
// or occupancy log-odds) at point, at max(desiredScale, current scale)
// the same way block.DataAt resolves scale. It fails closed (ok=false)
// when point is unallocated. For an occupancy block it also fails closed
// when any of the eight interpolation corners is invalid; for a TSDF
// block the corners' weights are not checked, so an unintegrated corner
// contributes its stored default value.
func (m *Map) GetFieldInterp(point r3.Vector, desiredScale ...int) (float32, bool) {
	node, v, ok := m.findLeaf(point)
	if !ok {
		return 0, false
	}
	scale := 0
	if len(desiredScale) > 0 {
		scale = desiredScale[0]
	}
	switch blk := node.Block().(type) {
	case *block.TSDFBlock:
		_, actual := blk.DataAt(v, scale)
		return raycast.TrilinearTSDF(blk, m.origin, m.voxelSize, actual, point), true
	case *block.OccupancyBlock:
		actual := blk.CurrentScale()
		if scale > actual {
			actual = scale
		}
		return raycast.TrilinearOccupancy(blk, m.origin, m.voxelSize, actual, point)
	default:
		return 0, false
	}
}

// GetFieldGrad estimates the field gradient at point by central
// differencing GetFieldInterp a half voxel to either side of each axis,
// failing closed if any of the six samples is invalid.
func (m *Map) GetFieldGrad(point r3.Vector) (r3.Vector, bool) {
	h := m.voxelSize / 2
	xp, okxp := m.GetFieldInterp(point.Add(r3.Vector{X: h}))
	xm, okxm := m.GetFieldInterp(point.Add(r3.Vector{X: -h}))
	yp, okyp := m.GetFieldInterp(point.Add(r3.Vector{Y: h}))
	ym, okym := m.GetFieldInterp(point.Add(r3.Vector{Y: -h}))
	zp, okzp := m.GetFieldInterp(point.Add(r3.Vector{Z: h}))
	zm, okzm := m.GetFieldInterp(point.Add(r3.Vector{Z: -h}))
	if !(okxp && okxm && okyp && okym && okzp && okzm) {
		return r3.Vector{}, false
	}
	g := r3.Vector{X: float64(xp - xm), Y: float64(yp - ym), Z: float64(zp - zm)}
	if g.Norm() < 1e-9 {
		return r3.Vector{}, false
	}
	return g.Normalize(), true
}

func (m *Map) blockColourAt(v [3]int32) (voxel.Colour, bool) {
	if !m.store.Contains(v) {
		return voxel.Colour{}, false
	}
	node, _, _ := raycast.FindNode(m.store, v)
	if node.Kind() != octree.KindBlock {
		return voxel.Colour{}, false
	}
	switch blk := node.Block().(type) {
	case *block.TSDFBlock:
		return blk.Colour(v)
	case *block.OccupancyBlock:
		return blk.Colour(v)
	default:
		return voxel.Colour{}, false
	}
}

// GetColourInterp trilinearly blends the fused colour at the eight
// voxels surrounding point, resolving each corner through whichever
// block owns it (corners near a block boundary may belong to different
// blocks). Fails closed if any corner has no fused colour.
func (m *Map) GetColourInterp(point r3.Vector) (voxel.Colour, bool) {
	fx := (point.X-m.origin.X)/m.voxelSize - 0.5
	fy := (point.Y-m.origin.Y)/m.voxelSize - 0.5
	fz := (point.Z-m.origin.Z)/m.voxelSize - 0.5
	x0, tx := splitFrac(fx)
	y0, ty := splitFrac(fy)
	z0, tz := splitFrac(fz)

	var corners [8]voxel.Colour
	i := 0
	for _, dx := range [2]int32{0, 1} {
		for _, dy := range [2]int32{0, 1} {
			for _, dz := range [2]int32{0, 1} {
				c, ok := m.blockColourAt([3]int32{x0 + dx, y0 + dy, z0 + dz})
				if !ok {
					return voxel.Colour{}, false
				}
				corners[i] = c
				i++
			}
		}
	}

	blend := func(get func(voxel.Colour) uint8) uint8 {
		c00 := lerpU8(get(corners[0]), get(corners[4]), tx)
		c10 := lerpU8(get(corners[2]), get(corners[6]), tx)
		c01 := lerpU8(get(corners[1]), get(corners[5]), tx)
		c11 := lerpU8(get(corners[3]), get(corners[7]), tx)
		c0 := lerpU8(c00, c10, ty)
		c1 := lerpU8(c01, c11, ty)
		return lerpU8(c0, c1, tz)
	}
	return voxel.Colour{
		R: blend(func(c voxel.Colour) uint8 { return c.R }),
		G: blend(func(c voxel.Colour) uint8 { return c.G }),
		B: blend(func(c voxel.Colour) uint8 { return c.B }),
		A: blend(func(c voxel.Colour) uint8 { return c.A }),
		Weight: 1,
	}, true
}

func splitFrac(f float64) (int32, float32) {
	base := int32(f)
	if f < 0 && float64(base) != f {
		base--
	}
	return base, float32(f - float64(base))
}

func lerpU8(a, b uint8, t float32) uint8 {
	return uint8(float32(a)*(1-t) + float32(b)*t)
}
