// Package propagate implements the up/down propagation stage of §4.6:
// propagate_block_up rebuilds a block's coarser scales from its finest
// materialized one, and propagate_to_root lifts the resulting
// min/mean/max/observed summaries from block leaves up to the octree
// root, pruning fully-free occupancy subtrees along the way.
package propagate

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/voxmap/block"
	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/voxel"
)

// PropagateBlockUp rebuilds node's block from its finest materialized
// scale up to the coarsest, then refreshes the node's own tree-level
// summary from the block's newly-rebuilt top scale, so the tree-level
// walk in PropagateToRoot picks up the change.
func PropagateBlockUp(ctx context.Context, node *octree.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := node.Block()
	switch blk := data.(type) {
	case *block.TSDFBlock:
		if err := tsdfBlockUp(blk); err != nil {
			return err
		}
	case *block.OccupancyBlock:
		if err := occupancyBlockUp(blk); err != nil {
			return err
		}
	case nil:
		return errors.New("propagate: node carries no block")
	default:
		return errors.Errorf("propagate: unknown block type %T", blk)
	}
	node.SetSummary(data.Summary())
	return nil
}

// tsdfBlockUp is §4.3 step 4: for each coarser scale, average the eight
// children's value and weight into the parent if any child is weighted,
// otherwise reset the parent to the default. Weight at the parent is
// the ceiling of the mean child weight.
func tsdfBlockUp(blk *block.TSDFBlock) error {
	for parentScale := blk.MinScaleReached() + 1; parentScale <= blk.MaxScale(); parentScale++ {
		childScale := parentScale - 1
		childStride := int32(1) << uint(childScale)
		var rebuildErr error
		blk.VoxelsAtScale(parentScale, func(pv [3]int32, _ int) {
			if rebuildErr != nil {
				return
			}
			var sumValue, sumWeight float64
			anyWeighted := false
			forEachChild(pv, childStride, func(cv [3]int32) {
				if rebuildErr != nil {
					return
				}
				child, err := blk.DataExact(cv, childScale)
				if err != nil {
					rebuildErr = err
					return
				}
				sumValue += float64(child.Value)
				sumWeight += float64(child.Weight)
				if child.Weight > 0 {
					anyWeighted = true
				}
			})
			if rebuildErr != nil {
				return
			}
			parent := voxel.DefaultTSDFData
			if anyWeighted {
				parent = voxel.TSDFData{
					Value:  voxel.ClampTSDF(float32(sumValue / 8)),
					Weight: float32(math.Ceil(sumWeight / 8)),
				}
			}
			if err := blk.SetData(pv, parentScale, parent); err != nil {
				rebuildErr = err
			}
		})
		if rebuildErr != nil {
			return rebuildErr
		}
	}
	return nil
}

// occupancyBlockUp rebuilds mean like tsdfBlockUp, but weighted by child
// weight rather than tsdfBlockUp's flat arithmetic mean, since log-odds
// values are only meaningful once weighted by confidence, and rebuilds
// min/max as the per-child extrema and observed as the AND over the
// eight children (§4.6).
func occupancyBlockUp(blk *block.OccupancyBlock) error {
	for parentScale := blk.MinScaleReached() + 1; parentScale <= blk.MaxScale(); parentScale++ {
		childScale := parentScale - 1
		childStride := int32(1) << uint(childScale)
		var rebuildErr error
		blk.VoxelsAtScale(parentScale, func(pv [3]int32, _ int) {
			if rebuildErr != nil {
				return
			}
			var sumWeightedLogOdds, sumWeight float64
			anyWeighted := false
			observedAll := true
			var minChild, maxChild voxel.OccupancyData
			first := true
			forEachChild(pv, childStride, func(cv [3]int32) {
				if rebuildErr != nil {
					return
				}
				mean, err := blk.MeanDataAt(cv, childScale)
				if err != nil {
					rebuildErr = err
					return
				}
				minC := blk.MinData(cv, childScale)
				maxC := blk.MaxData(cv, childScale)

				sumWeightedLogOdds += float64(mean.LogOdds) * float64(mean.Weight)
				sumWeight += float64(mean.Weight)
				if mean.Weight > 0 {
					anyWeighted = true
				}
				if !mean.Observed {
					observedAll = false
				}
				if first || minC.LogOdds < minChild.LogOdds {
					minChild = minC
				}
				if first || maxC.LogOdds > maxChild.LogOdds {
					maxChild = maxC
				}
				first = false
			})
			if rebuildErr != nil {
				return
			}

			parentMean := voxel.DefaultOccupancyData
			if anyWeighted {
				parentMean = voxel.OccupancyData{
					LogOdds:  float32(sumWeightedLogOdds / sumWeight),
					Weight:   float32(math.Ceil(sumWeight / 8)),
					Observed: observedAll,
				}
			}
			if err := blk.SetMeanData(pv, parentScale, parentMean); err != nil {
				rebuildErr = err
				return
			}
			blk.SetMinMax(pv, parentScale, minChild, maxChild)
		})
		if rebuildErr != nil {
			return rebuildErr
		}
	}
	return nil
}

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
