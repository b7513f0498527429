// Package raycast implements the querying half of spec.md §4.7: given a
// sensor pose (or a bare ray) it walks the octree to find where the field
// crosses its surface boundary, skipping empty space hierarchically using
// the min/mean/max summaries the propagator maintains on interior nodes.
package raycast

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/voxel"
)

// Hit is a single ray/surface intersection.
type Hit struct {
	Point     r3.Vector
	Normal    r3.Vector
	Scale     int
	Colour    voxel.Colour
	HasColour bool
	ID        voxel.ID
	HasID     bool
}

// FindNode descends from store's root to the deepest node that exists
// along the path to voxel. If some octant on that path was never
// allocated, it stops at the parent and reports the unallocated child's
// own coordinate cube in holeMin/holeSide, so a caller can skip exactly
// that region of empty space rather than the whole parent.
func FindNode(store *octree.Store, voxel [3]int32) (node *octree.Node, holeMin [3]int32, holeSide int32) {
	node = store.Root()
	for node.Kind() == octree.KindInternal {
		idx := octree.ChildIndexForVoxel(node, voxel)
		child := node.ChildAt(idx)
		if child == nil {
			half := node.Side / 2
			return node, childCoordMin(node.CoordMin, node.Side, idx), half
		}
		node = child
	}
	return node, node.CoordMin, node.Side
}

// childCoordMin mirrors octree's own child-indexing bit layout (three-bit
// concatenation of the x, y, z half-selectors) to compute an unallocated
// octant's cube without needing the octree package to export it.
func childCoordMin(parentMin [3]int32, parentSide int32, idx int) [3]int32 {
	half := parentSide / 2
	return [3]int32{
		parentMin[0] + int32((idx>>2)&1)*half,
		parentMin[1] + int32((idx>>1)&1)*half,
		parentMin[2] + int32(idx&1)*half,
	}
}

// rayBoxIntersect returns the entry/exit distances of a ray against an
// axis-aligned box, using the standard slab method. ok is false when the
// ray misses the box entirely or the box lies entirely behind the origin.
func rayBoxIntersect(boxMin r3.Vector, side float64, origin, dir r3.Vector) (tNear, tFar float64, ok bool) {
	boxMax := boxMin.Add(r3.Vector{X: side, Y: side, Z: side})
	tNear, tFar = math.Inf(-1), math.Inf(1)
	axes := [3][3]float64{
		{origin.X, dir.X, 0}, {origin.Y, dir.Y, 0}, {origin.Z, dir.Z, 0},
	}
	lo := [3]float64{boxMin.X, boxMin.Y, boxMin.Z}
	hi := [3]float64{boxMax.X, boxMax.Y, boxMax.Z}
	for i, a := range axes {
		o, d := a[0], a[1]
		if math.Abs(d) < 1e-12 {
			if o < lo[i] || o > hi[i] {
				return 0, 0, false
			}
			continue
		}
		t1 := (lo[i] - o) / d
		t2 := (hi[i] - o) / d
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > tNear {
			tNear = t1
		}
		if t2 < tFar {
			tFar = t2
		}
	}
	if tNear > tFar || tFar < 0 {
		return 0, 0, false
	}
	return tNear, tFar, true
}

// boxExitT returns the distance at which a ray already inside a box
// (entered at or before tEnter) leaves it, using the same slab method.
func boxExitT(boxMin r3.Vector, side float64, origin, dir r3.Vector, tEnter float64) float64 {
	boxMax := boxMin.Add(r3.Vector{X: side, Y: side, Z: side})
	tExit := math.Inf(1)
	axes := [3][3]float64{
		{origin.X, dir.X, 0}, {origin.Y, dir.Y, 0}, {origin.Z, dir.Z, 0},
	}
	lo := [3]float64{boxMin.X, boxMin.Y, boxMin.Z}
	hi := [3]float64{boxMax.X, boxMax.Y, boxMax.Z}
	for i, a := range axes {
		o, d := a[0], a[1]
		if math.Abs(d) < 1e-12 {
			continue
		}
		t1 := (lo[i] - o) / d
		t2 := (hi[i] - o) / d
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t2 < tExit {
			tExit = t2
		}
	}
	if tExit <= tEnter {
		return tEnter
	}
	return tExit
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
