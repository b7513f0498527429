// Package block implements the fixed-cube voxel containers described in
// spec.md §4.2: a TSDF block holding a growable pyramid of mean values
// plus a past-data shadow for temporal propagation, and an occupancy
// block holding three parallel mean/min/max pyramids plus a
// double-buffered candidate pyramid used during scale changes.
package block

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/voxel"
)

// log2Pow2 returns log2(n) for a power-of-two n.
func log2Pow2(n int32) int {
	s := 0
	for v := n; v > 1; v >>= 1 {
		s++
	}
	return s
}

func cellsPerAxis(side int32, scale int) int32 {
	return side >> uint(scale)
}

func cellCount(side int32, scale int) int {
	n := int(cellsPerAxis(side, scale))
	return n * n * n
}

// cellIndex maps a voxel coordinate (block-local, i.e. already offset by
// the block's CoordMin) and a scale to a flat index into that scale's
// array, giving O(1) indexing per spec.md §4.2's "flat per-scale offset
// table."
func cellIndex(local [3]int32, side int32, scale int) int {
	n := int(cellsPerAxis(side, scale))
	cx := int(local[0]) >> uint(scale)
	cy := int(local[1]) >> uint(scale)
	cz := int(local[2]) >> uint(scale)
	return cx*n*n + cy*n + cz
}

// TSDFBlock is the fixed-cube container for a signed-distance voxel
// block: growable per-scale value pyramid, a past-data shadow used by
// the down-propagator, and an optional colour/id payload at scale 0.
type TSDFBlock struct {
	mu sync.Mutex

	coordMin [3]int32
	side     int32
	maxScale int

	currentScale    int
	minScaleReached int // finest scale for which arrays currently exist

	values [][]voxel.TSDFData // index by scale; nil below minScaleReached
	past   [][]voxel.TSDFData // shadow of values, same shape, used across a down-propagation

	colours []voxel.Colour // scale 0 only
	ids     []voxel.ID     // scale 0 only

	timestamp atomic.Int64
}

// NewTSDFBlock allocates a TSDF block covering [coordMin, coordMin+side)
// with a single voxel at the coarsest scale (log2(side)); finer scales
// are materialized lazily by AllocateDownTo / the down-propagator.
func NewTSDFBlock(coordMin [3]int32, side int32) *TSDFBlock {
	maxScale := log2Pow2(side)
	b := &TSDFBlock{
		coordMin:        coordMin,
		side:            side,
		maxScale:        maxScale,
		currentScale:    maxScale,
		minScaleReached: maxScale,
		values:          make([][]voxel.TSDFData, maxScale+1),
		past:            make([][]voxel.TSDFData, maxScale+1),
	}
	b.values[maxScale] = newDefaultTSDF(cellCount(side, maxScale))
	return b
}

func newDefaultTSDF(n int) []voxel.TSDFData {
	arr := make([]voxel.TSDFData, n)
	for i := range arr {
		arr[i] = voxel.DefaultTSDFData
	}
	return arr
}

// CoordMin returns the block's minimum voxel corner.
func (b *TSDFBlock) CoordMin() [3]int32 { return b.coordMin }

// Side returns B, this block's side length in voxels.
func (b *TSDFBlock) Side() int32 { return b.side }

// MaxScale returns log2(B), the coarsest legal scale.
func (b *TSDFBlock) MaxScale() int { return b.maxScale }

// CurrentScale returns the block's current integration scale.
func (b *TSDFBlock) CurrentScale() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentScale
}

// Timestamp returns the frame index this block was last touched at.
func (b *TSDFBlock) Timestamp() int64 { return b.timestamp.Load() }

// SetTimestamp stamps this block with frame if frame is newer.
func (b *TSDFBlock) SetTimestamp(frame int64) {
	for {
		cur := b.timestamp.Load()
		if frame <= cur {
			return
		}
		if b.timestamp.CompareAndSwap(cur, frame) {
			return
		}
	}
}

func (b *TSDFBlock) local(v [3]int32) [3]int32 {
	return [3]int32{v[0] - b.coordMin[0], v[1] - b.coordMin[1], v[2] - b.coordMin[2]}
}

// Data returns the value at voxel at the block's current scale.
func (b *TSDFBlock) Data(v [3]int32) voxel.TSDFData {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := cellIndex(b.local(v), b.side, b.currentScale)
	return b.values[b.currentScale][idx]
}

// DataAt returns the value at voxel at max(desiredScale, currentScale) —
// callers may not query finer than the block's current integration
// scale — plus the scale actually used.
func (b *TSDFBlock) DataAt(v [3]int32, desiredScale int) (voxel.TSDFData, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	scale := desiredScale
	if scale < b.currentScale {
		scale = b.currentScale
	}
	if scale < b.minScaleReached {
		scale = b.minScaleReached
	}
	idx := cellIndex(b.local(v), b.side, scale)
	return b.values[scale][idx], scale
}

// DataExact returns the value at voxel at exactly scale, bypassing the
// current-scale floor DataAt enforces — used internally by the
// propagator while a scale transition is in flight and the block's
// public current scale has not yet been updated to match.
func (b *TSDFBlock) DataExact(v [3]int32, scale int) (voxel.TSDFData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if scale < b.minScaleReached || scale > b.maxScale || b.values[scale] == nil {
		return voxel.TSDFData{}, errors.Errorf("scale %d not materialized (have [%d,%d])", scale, b.minScaleReached, b.maxScale)
	}
	idx := cellIndex(b.local(v), b.side, scale)
	return b.values[scale][idx], nil
}

// SetData writes value at voxel at the given scale, which must already
// be materialized (scale in [minScaleReached, maxScale]).
func (b *TSDFBlock) SetData(v [3]int32, scale int, d voxel.TSDFData) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if scale < b.minScaleReached || scale > b.maxScale {
		return errors.Errorf("scale %d not materialized (have [%d,%d])", scale, b.minScaleReached, b.maxScale)
	}
	idx := cellIndex(b.local(v), b.side, scale)
	b.values[scale][idx] = d
	return nil
}

// DataUnion returns the pair (current, past-shadow) value at voxel and
// scale, plus the voxel's flat index at that scale, enabling the
// down-propagator to carry (current - past) deltas.
func (b *TSDFBlock) DataUnion(v [3]int32, scale int) (current, past voxel.TSDFData, idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx = cellIndex(b.local(v), b.side, scale)
	current = b.values[scale][idx]
	if b.past[scale] != nil {
		past = b.past[scale][idx]
	} else {
		past = current
	}
	return current, past, idx
}

// SetPast overwrites the past-data shadow at scale, idx.
func (b *TSDFBlock) SetPast(scale, idx int, d voxel.TSDFData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.past[scale] == nil {
		b.past[scale] = make([]voxel.TSDFData, cellCount(b.side, scale))
	}
	b.past[scale][idx] = d
}

// SnapshotCurrentToPast copies the current scale's whole value array
// into its past shadow — the "remember its current value as the
// past-shadow" step of the down-propagator (spec.md §4.3 step 2).
func (b *TSDFBlock) SnapshotCurrentToPast(scale int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.values[scale] == nil {
		return
	}
	if b.past[scale] == nil {
		b.past[scale] = make([]voxel.TSDFData, len(b.values[scale]))
	}
	copy(b.past[scale], b.values[scale])
}

// AllocateDownTo materializes every scale array from target up to the
// current minScaleReached, seeding each new finer voxel with a copy of
// its coarse-scale value (a simple nearest seed; the down-propagator
// overwrites this with a trilinear sample or delta-carried value).
func (b *TSDFBlock) AllocateDownTo(target int) error {
	if target < 0 || target > b.maxScale {
		return errors.Errorf("target scale %d out of range [0,%d]", target, b.maxScale)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := b.minScaleReached - 1; s >= target; s-- {
		coarse := b.values[s+1]
		n := cellCount(b.side, s)
		fine := make([]voxel.TSDFData, n)
		coarseN := int(cellsPerAxis(b.side, s+1))
		fineN := int(cellsPerAxis(b.side, s))
		for cx := 0; cx < coarseN; cx++ {
			for cy := 0; cy < coarseN; cy++ {
				for cz := 0; cz < coarseN; cz++ {
					coarseIdx := cx*coarseN*coarseN + cy*coarseN + cz
					val := coarse[coarseIdx]
					for dx := 0; dx < 2; dx++ {
						for dy := 0; dy < 2; dy++ {
							for dz := 0; dz < 2; dz++ {
								fx, fy, fz := cx*2+dx, cy*2+dy, cz*2+dz
								fine[fx*fineN*fineN+fy*fineN+fz] = val
							}
						}
					}
				}
			}
		}
		b.values[s] = fine
	}
	if target < b.minScaleReached {
		b.minScaleReached = target
	}
	return nil
}

// SetCurrentScale updates the block's current integration scale.
// Callers are responsible for having already materialized that scale
// via AllocateDownTo when moving finer.
func (b *TSDFBlock) SetCurrentScale(scale int) error {
	if scale < 0 || scale > b.maxScale {
		return errors.Errorf("scale %d out of range [0,%d]", scale, b.maxScale)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if scale < b.minScaleReached {
		return errors.Errorf("scale %d not materialized (have [%d,%d])", scale, b.minScaleReached, b.maxScale)
	}
	b.currentScale = scale
	return nil
}

// Colour returns the block's colour at scale 0, if any has been fused.
func (b *TSDFBlock) Colour(v [3]int32) (voxel.Colour, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.colours == nil {
		return voxel.Colour{}, false
	}
	idx := cellIndex(b.local(v), b.side, 0)
	c := b.colours[idx]
	return c, c.Weight > 0
}

// SetColour fuses c into the block's scale-0 colour at voxel.
func (b *TSDFBlock) SetColour(v [3]int32, c voxel.Colour) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.colours == nil {
		b.colours = make([]voxel.Colour, cellCount(b.side, 0))
	}
	idx := cellIndex(b.local(v), b.side, 0)
	b.colours[idx] = b.colours[idx].Fuse(c)
}

// ID returns the block's id label at scale 0.
func (b *TSDFBlock) ID(v [3]int32) voxel.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ids == nil {
		return voxel.ID(voxel.Unmapped)
	}
	idx := cellIndex(b.local(v), b.side, 0)
	return b.ids[idx]
}

// SetID sets the block's id label at scale 0.
func (b *TSDFBlock) SetID(v [3]int32, id voxel.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ids == nil {
		b.ids = make([]voxel.ID, cellCount(b.side, 0))
		for i := range b.ids {
			b.ids[i] = voxel.ID(voxel.Unmapped)
		}
	}
	idx := cellIndex(b.local(v), b.side, 0)
	b.ids[idx] = id
}

// ScaleLen returns the number of voxels materialized at scale, or 0 if
// that scale has not been allocated.
func (b *TSDFBlock) ScaleLen(scale int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if scale < 0 || scale > b.maxScale || b.values[scale] == nil {
		return 0
	}
	return len(b.values[scale])
}

// MinScaleReached returns the finest scale currently materialized.
func (b *TSDFBlock) MinScaleReached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minScaleReached
}

// VoxelsAtScale calls fn with the voxel coordinate and its flat index
// for every cell of the given (already materialized) scale.
func (b *TSDFBlock) VoxelsAtScale(scale int, fn func(v [3]int32, idx int)) {
	n := int(cellsPerAxis(b.side, scale))
	stride := int32(1) << uint(scale)
	for cx := 0; cx < n; cx++ {
		for cy := 0; cy < n; cy++ {
			for cz := 0; cz < n; cz++ {
				idx := cx*n*n + cy*n + cz
				v := [3]int32{
					b.coordMin[0] + int32(cx)*stride,
					b.coordMin[1] + int32(cy)*stride,
					b.coordMin[2] + int32(cz)*stride,
				}
				fn(v, idx)
			}
		}
	}
}

// Summary returns the block's coarsest-scale aggregate (min=max=mean
// since the coarsest scale is a single voxel), satisfying octree.Data.
func (b *TSDFBlock) Summary() octree.Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	top := b.values[b.maxScale][0]
	return octree.Summary{
		Min:      top.Value,
		Mean:     top.Value,
		Max:      top.Value,
		Weight:   top.Weight,
		Observed: top.Weight > 0,
	}
}
