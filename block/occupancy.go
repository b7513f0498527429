package block

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/voxel"
)

// OccupancyBlock is the fixed-cube container for a log-odds occupancy
// voxel block: three parallel mean/min/max pyramids (sharing storage at
// the finest materialized scale, per spec.md §4.2) and a double-buffered
// candidate pyramid used while a scale change is being ratified.
type OccupancyBlock struct {
	mu sync.Mutex

	coordMin [3]int32
	side     int32
	maxScale int

	currentScale    int
	minScaleReached int

	mean [][]voxel.OccupancyData
	min  [][]voxel.OccupancyData
	max  [][]voxel.OccupancyData

	// Buffer pyramid, valid only while a scale-switch is open.
	bufferOpen   bool
	bufferScale  int
	bufferMean   []voxel.OccupancyData
	bufferMin    []voxel.OccupancyData
	bufferMax    []voxel.OccupancyData

	currIntegrCount    int
	currObservedCount  int
	bufferIntegrCount  int
	bufferObservedCount int

	colours []voxel.Colour
	ids     []voxel.ID

	timestamp atomic.Int64
}

// NewOccupancyBlock allocates an occupancy block covering
// [coordMin, coordMin+side), materialized initially at the coarsest
// scale only.
func NewOccupancyBlock(coordMin [3]int32, side int32) *OccupancyBlock {
	maxScale := log2Pow2(side)
	b := &OccupancyBlock{
		coordMin:        coordMin,
		side:            side,
		maxScale:        maxScale,
		currentScale:    maxScale,
		minScaleReached: maxScale,
		mean:            make([][]voxel.OccupancyData, maxScale+1),
		min:             make([][]voxel.OccupancyData, maxScale+1),
		max:             make([][]voxel.OccupancyData, maxScale+1),
	}
	arr := newDefaultOccupancy(cellCount(side, maxScale))
	b.mean[maxScale] = arr
	b.min[maxScale] = arr // shared storage at the finest materialized scale
	b.max[maxScale] = arr
	return b
}

func newDefaultOccupancy(n int) []voxel.OccupancyData {
	arr := make([]voxel.OccupancyData, n)
	for i := range arr {
		arr[i] = voxel.DefaultOccupancyData
	}
	return arr
}

// CoordMin returns the block's minimum voxel corner.
func (b *OccupancyBlock) CoordMin() [3]int32 { return b.coordMin }

// Side returns B, this block's side length in voxels.
func (b *OccupancyBlock) Side() int32 { return b.side }

// MaxScale returns log2(B).
func (b *OccupancyBlock) MaxScale() int { return b.maxScale }

// CurrentScale returns the block's current integration scale.
func (b *OccupancyBlock) CurrentScale() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentScale
}

// Timestamp returns the frame index this block was last touched at.
func (b *OccupancyBlock) Timestamp() int64 { return b.timestamp.Load() }

// SetTimestamp stamps this block with frame if frame is newer.
func (b *OccupancyBlock) SetTimestamp(frame int64) {
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

func (b *OccupancyBlock) local(v [3]int32) [3]int32 {
	return [3]int32{v[0] - b.coordMin[0], v[1] - b.coordMin[1], v[2] - b.coordMin[2]}
}

// MeanData returns the mean-pyramid value at voxel, current scale.
func (b *OccupancyBlock) MeanData(v [3]int32) voxel.OccupancyData {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := cellIndex(b.local(v), b.side, b.currentScale)
	return b.mean[b.currentScale][idx]
}

// SetMeanData writes the mean-pyramid value at voxel, scale.
func (b *OccupancyBlock) SetMeanData(v [3]int32, scale int, d voxel.OccupancyData) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mean[scale] == nil {
		return errors.Errorf("scale %d not materialized", scale)
	}
	idx := cellIndex(b.local(v), b.side, scale)
	b.mean[scale][idx] = d
	return nil
}

// MeanDataAt returns the mean-pyramid value at voxel, scale — unlike
// MeanData (which always reads the current scale), this reads whatever
// materialized scale is requested, for use by the propagator while
// rebuilding coarser scales that are not necessarily current.
func (b *OccupancyBlock) MeanDataAt(v [3]int32, scale int) (voxel.OccupancyData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if scale < 0 || scale > b.maxScale || b.mean[scale] == nil {
		return voxel.OccupancyData{}, errors.Errorf("scale %d not materialized", scale)
	}
	idx := cellIndex(b.local(v), b.side, scale)
	return b.mean[scale][idx], nil
}

// MinData returns the min-pyramid value at voxel, scale.
func (b *OccupancyBlock) MinData(v [3]int32, scale int) voxel.OccupancyData {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := cellIndex(b.local(v), b.side, scale)
	return b.min[scale][idx]
}

// MaxData returns the max-pyramid value at voxel, scale.
func (b *OccupancyBlock) MaxData(v [3]int32, scale int) voxel.OccupancyData {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := cellIndex(b.local(v), b.side, scale)
	return b.max[scale][idx]
}

// SetMinMax overwrites the min/max pyramid entries at voxel, scale —
// used by propagate_block_up to rebuild coarser aggregates.
func (b *OccupancyBlock) SetMinMax(v [3]int32, scale int, min, max voxel.OccupancyData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := cellIndex(b.local(v), b.side, scale)
	b.min[scale][idx] = min
	b.max[scale][idx] = max
}

// VoxelsAtScale calls fn with the voxel coordinate and flat index for
// every cell at the given materialized scale.
func (b *OccupancyBlock) VoxelsAtScale(scale int, fn func(v [3]int32, idx int)) {
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

// AllocateDownTo materializes mean/min/max arrays from target up to the
// current finest scale, splitting the shared finest-scale storage off
// into a distinct min/max array before adding the new, finer, shared
// level — per spec.md §9's "re-allocate a distinct array at the
// previous finest scale when the pyramid grows." Newly-active children
// are seeded from their parent's value and marked unobserved so the
// observed-count mechanism can re-accumulate (spec.md §4.2).
func (b *OccupancyBlock) AllocateDownTo(target int) error {
	if target < 0 || target > b.maxScale {
		return errors.Errorf("target scale %d out of range [0,%d]", target, b.maxScale)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := b.minScaleReached - 1; s >= target; s-- {
		oldFinest := s + 1
		// Split shared storage at the level about to stop being finest.
		if &b.min[oldFinest][0] == &b.mean[oldFinest][0] {
			distinct := make([]voxel.OccupancyData, len(b.mean[oldFinest]))
			copy(distinct, b.mean[oldFinest])
			b.min[oldFinest] = distinct
			distinct2 := make([]voxel.OccupancyData, len(b.mean[oldFinest]))
			copy(distinct2, b.mean[oldFinest])
			b.max[oldFinest] = distinct2
		}

		coarse := b.mean[oldFinest]
		coarseN := int(cellsPerAxis(b.side, oldFinest))
		fineN := int(cellsPerAxis(b.side, s))
		n := cellCount(b.side, s)
		fine := make([]voxel.OccupancyData, n)
		for cx := 0; cx < coarseN; cx++ {
			for cy := 0; cy < coarseN; cy++ {
				for cz := 0; cz < coarseN; cz++ {
					coarseIdx := cx*coarseN*coarseN + cy*coarseN + cz
					val := coarse[coarseIdx]
					val.Observed = false // re-accumulate observed via the counters
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
		b.mean[s] = fine
		b.min[s] = fine
		b.max[s] = fine
	}
	if target < b.minScaleReached {
		b.minScaleReached = target
	}
	return nil
}

// DeleteUpTo frees mean/min/max arrays finer than target, keeping the
// pyramid down to target inclusive; target becomes the new
// minScaleReached.
func (b *OccupancyBlock) DeleteUpTo(target int) error {
	if target < 0 || target > b.maxScale {
		return errors.Errorf("target scale %d out of range [0,%d]", target, b.maxScale)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := b.minScaleReached; s < target; s++ {
		b.mean[s] = nil
		b.min[s] = nil
		b.max[s] = nil
	}
	if target > b.minScaleReached {
		b.minScaleReached = target
	}
	return nil
}

// SetCurrentScale directly sets the current integration scale without
// going through the buffer/ratify protocol. Used only the first time a
// block is ever integrated (spec.md §4.5: "If no data has ever been
// integrated, allocate down to the recommended scale and integrate
// normally"), when there is no prior pyramid to protect from a bad
// switch.
func (b *OccupancyBlock) SetCurrentScale(scale int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if scale < b.minScaleReached || scale > b.maxScale {
		return errors.Errorf("scale %d not materialized (have [%d,%d])", scale, b.minScaleReached, b.maxScale)
	}
	b.currentScale = scale
	return nil
}

// InitBuffer opens the candidate pyramid at scale, seeded by
// up/down-sampling the current pyramid for continuity (spec.md §4.5).
func (b *OccupancyBlock) InitBuffer(scale int) error {
	if scale < 0 || scale > b.maxScale {
		return errors.Errorf("buffer scale %d out of range [0,%d]", scale, b.maxScale)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := cellCount(b.side, scale)
	buf := make([]voxel.OccupancyData, n)

	if scale >= b.currentScale {
		// Coarsening: average the finer current-scale cells under each
		// buffer cell.
		fineN := int(cellsPerAxis(b.side, b.currentScale))
		coarseN := int(cellsPerAxis(b.side, scale))
		ratio := 1 << uint(scale-b.currentScale)
		cur := b.mean[b.currentScale]
		for cx := 0; cx < coarseN; cx++ {
			for cy := 0; cy < coarseN; cy++ {
				for cz := 0; cz < coarseN; cz++ {
					var sumLO, sumW float32
					cnt := 0
					for dx := 0; dx < ratio; dx++ {
						for dy := 0; dy < ratio; dy++ {
							for dz := 0; dz < ratio; dz++ {
								fx, fy, fz := cx*ratio+dx, cy*ratio+dy, cz*ratio+dz
								idx := fx*fineN*fineN + fy*fineN + fz
								v := cur[idx]
								sumLO += v.LogOdds
								sumW += v.Weight
								cnt++
							}
						}
					}
					idx := cx*coarseN*coarseN + cy*coarseN + cz
					buf[idx] = voxel.OccupancyData{LogOdds: sumLO / float32(cnt), Weight: sumW / float32(cnt)}
				}
			}
		}
	} else {
		// Refining: copy the parent's value into each child, unobserved.
		coarse := b.mean[b.currentScale]
		coarseN := int(cellsPerAxis(b.side, b.currentScale))
		fineN := int(cellsPerAxis(b.side, scale))
		ratio := 1 << uint(b.currentScale-scale)
		for cx := 0; cx < coarseN; cx++ {
			for cy := 0; cy < coarseN; cy++ {
				for cz := 0; cz < coarseN; cz++ {
					coarseIdx := cx*coarseN*coarseN + cy*coarseN + cz
					val := coarse[coarseIdx]
					val.Observed = false
					for dx := 0; dx < ratio; dx++ {
						for dy := 0; dy < ratio; dy++ {
							for dz := 0; dz < ratio; dz++ {
								fx, fy, fz := cx*ratio+dx, cy*ratio+dy, cz*ratio+dz
								fine := fx*fineN*fineN + fy*fineN + fz
								buf[fine] = val
							}
						}
					}
				}
			}
		}
	}

	b.bufferOpen = true
	b.bufferScale = scale
	b.bufferMean = buf
	b.bufferMin = buf
	b.bufferMax = buf
	b.bufferIntegrCount = 0
	b.bufferObservedCount = 0
	return nil
}

// ResetBuffer discards the open candidate pyramid without ratifying it.
func (b *OccupancyBlock) ResetBuffer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bufferOpen = false
	b.bufferMean, b.bufferMin, b.bufferMax = nil, nil, nil
	b.bufferIntegrCount, b.bufferObservedCount = 0, 0
}

// BufferOpen reports whether a scale-change candidate pyramid is open.
func (b *OccupancyBlock) BufferOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferOpen
}

// BufferScale returns the scale the open buffer is integrating at.
func (b *OccupancyBlock) BufferScale() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferScale
}

// BufferData returns the buffer-pyramid value at voxel.
func (b *OccupancyBlock) BufferData(v [3]int32) voxel.OccupancyData {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := cellIndex(b.local(v), b.side, b.bufferScale)
	return b.bufferMean[idx]
}

// SetBufferData writes the buffer-pyramid value at voxel and bumps the
// integration/observed counters.
func (b *OccupancyBlock) SetBufferData(v [3]int32, d voxel.OccupancyData, becameObserved bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := cellIndex(b.local(v), b.side, b.bufferScale)
	b.bufferMean[idx] = d
	b.bufferIntegrCount++
	if becameObserved {
		b.bufferObservedCount++
	}
}

// SetCurrentData writes the current mean-pyramid value at voxel (scale =
// currentScale) and bumps the current integration/observed counters.
func (b *OccupancyBlock) SetCurrentData(v [3]int32, d voxel.OccupancyData, becameObserved bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := cellIndex(b.local(v), b.side, b.currentScale)
	b.mean[b.currentScale][idx] = d
	b.min[b.currentScale][idx] = d
	b.max[b.currentScale][idx] = d
	b.currIntegrCount++
	if becameObserved {
		b.currObservedCount++
	}
}

// Counts returns (currIntegr, currObserved, bufferIntegr, bufferObserved).
func (b *OccupancyBlock) Counts() (int, int, int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currIntegrCount, b.currObservedCount, b.bufferIntegrCount, b.bufferObservedCount
}

// ReadyToRatify reports whether the open buffer meets both ratification
// conditions of spec.md §4.5.
func (b *OccupancyBlock) ReadyToRatify(minIntegrations int, observedRatio float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.bufferOpen {
		return false
	}
	if b.bufferIntegrCount < minIntegrations {
		return false
	}
	bufferVoxels := 1 << uint(3*b.bufferScale)
	currVoxels := 1 << uint(3*b.currentScale)
	lhs := float64(b.bufferObservedCount) * float64(bufferVoxels)
	rhs := observedRatio * float64(b.currObservedCount) * float64(currVoxels)
	return lhs >= rhs
}

// SwitchData ratifies the open buffer: it becomes the current pyramid,
// growing or truncating the materialized scale range as needed, and
// previously-weighted-but-unobserved voxels are marked observed.
func (b *OccupancyBlock) SwitchData() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.bufferOpen {
		return errors.New("switch_data called with no open buffer")
	}

	newScale := b.bufferScale
	buf := b.bufferMean
	for i := range buf {
		if buf[i].Weight > 0 && !buf[i].Observed {
			buf[i].Observed = true
		}
	}

	b.mean[newScale] = buf
	b.min[newScale] = buf
	b.max[newScale] = buf
	if newScale < b.minScaleReached {
		// The previous finest scale is no longer finest: give it its own
		// min/max storage, as AllocateDownTo does.
		oldFinest := b.minScaleReached
		if &b.min[oldFinest][0] == &b.mean[oldFinest][0] {
			b.min[oldFinest] = append([]voxel.OccupancyData(nil), b.mean[oldFinest]...)
			b.max[oldFinest] = append([]voxel.OccupancyData(nil), b.mean[oldFinest]...)
		}
		b.minScaleReached = newScale
	} else if newScale > b.minScaleReached {
		for s := b.minScaleReached; s < newScale; s++ {
			b.mean[s] = nil
			b.min[s] = nil
			b.max[s] = nil
		}
		b.minScaleReached = newScale
	}

	b.currentScale = newScale
	b.currIntegrCount = b.bufferIntegrCount
	b.currObservedCount = b.bufferObservedCount

	b.bufferOpen = false
	b.bufferMean, b.bufferMin, b.bufferMax = nil, nil, nil
	b.bufferIntegrCount, b.bufferObservedCount = 0, 0
	return nil
}

// Colour returns the block's fused colour at voxel, if any.
func (b *OccupancyBlock) Colour(v [3]int32) (voxel.Colour, bool) {
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
func (b *OccupancyBlock) SetColour(v [3]int32, c voxel.Colour) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.colours == nil {
		b.colours = make([]voxel.Colour, cellCount(b.side, 0))
	}
	idx := cellIndex(b.local(v), b.side, 0)
	b.colours[idx] = b.colours[idx].Fuse(c)
}

// Summary returns the block's coarsest-scale aggregate, satisfying
// octree.Data.
func (b *OccupancyBlock) Summary() octree.Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	top := b.mean[b.maxScale][0]
	topMin := b.min[b.maxScale][0]
	topMax := b.max[b.maxScale][0]
	return octree.Summary{
		Min:      topMin.LogOdds,
		Mean:     top.LogOdds,
		Max:      topMax.LogOdds,
		Weight:   top.Weight,
		Observed: top.Observed,
	}
}

// MinScaleReached returns the finest scale currently materialized.
func (b *OccupancyBlock) MinScaleReached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minScaleReached
}
