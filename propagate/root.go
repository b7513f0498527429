package propagate

import (
	"context"

	"gonum.org/v1/gonum/stat"

	"go.viam.com/voxmap/octree"
)

// PropagateToRoot walks ancestors of leaves level by level, refreshing
// each level's deduplicated parent set from its children's summaries
// (§4.6): mean is the weighted mean of weighted children, min/max are
// the per-child extrema, observed is the AND. A branch stops climbing
// as soon as a parent's timestamp already equals frame, since its
// ancestors have necessarily already been refreshed this frame by
// another branch. When prune is set (occupancy stores only), a node
// that becomes fully observed with mean·weight <= 0.95*minOccupancy has
// its subtree deleted (via Store.DeleteChildren, which the occupancy
// updater also calls to bulk-free carved free nodes).
func PropagateToRoot(ctx context.Context, store *octree.Store, leaves []*octree.Node, frame int64, prune bool, minOccupancy float32) {
	if ctx.Err() != nil {
		return
	}
	level := dedupNonNil(leaves)
	for len(level) > 0 {
		next := make(map[*octree.Node]struct{})
		for node := range level {
			parent := node.Parent()
			if parent == nil {
				continue
			}
			if parent.Timestamp() == frame {
				continue
			}

			summary := refreshNode(parent)
			parent.SetSummary(summary)
			parent.SetTimestamp(frame)

			if prune && summary.Observed && float64(summary.Mean)*float64(summary.Weight) <= 0.95*float64(minOccupancy) {
				store.DeleteChildren(parent)
			}

			next[parent] = struct{}{}
		}
		level = next
	}
}

// PropagateTimeStampToRoot lifts the frame timestamp from leaves to
// every ancestor without recomputing any summary — the cheap variant
// used after TSDF integration (§4.6).
func PropagateTimeStampToRoot(ctx context.Context, leaves []*octree.Node, frame int64) {
	if ctx.Err() != nil {
		return
	}
	level := dedupNonNil(leaves)
	for len(level) > 0 {
		next := make(map[*octree.Node]struct{})
		for node := range level {
			parent := node.Parent()
			if parent == nil {
				continue
			}
			if parent.Timestamp() == frame {
				continue
			}
			parent.SetTimestamp(frame)
			next[parent] = struct{}{}
		}
		level = next
	}
}

func dedupNonNil(nodes []*octree.Node) map[*octree.Node]struct{} {
	set := make(map[*octree.Node]struct{}, len(nodes))
	for _, n := range nodes {
		if n != nil {
			set[n] = struct{}{}
		}
	}
	return set
}

// refreshNode recomputes node's summary from its currently-allocated
// children. observed requires all eight octants to be allocated and
// observed; a sparsely-allocated interior node (fewer than eight
// children materialized) can never be marked observed, since the
// unallocated octants carry no data at all.
func refreshNode(node *octree.Node) octree.Summary {
	children := node.Children()

	means := make([]float64, len(children))
	weights := make([]float64, len(children))
	var minVal, maxVal float32
	var totalWeight float64
	observed := len(children) == 8
	for i, c := range children {
		s := c.Summary()
		means[i] = float64(s.Mean)
		weights[i] = float64(s.Weight)
		totalWeight += weights[i]
		if i == 0 || s.Min < minVal {
			minVal = s.Min
		}
		if i == 0 || s.Max > maxVal {
			maxVal = s.Max
		}
		if !s.Observed {
			observed = false
		}
	}

	var mean float64
	if totalWeight > 0 {
		mean = stat.Mean(means, weights)
	}

	return octree.Summary{
		Min:      minVal,
		Mean:     float32(mean),
		Max:      maxVal,
		Weight:   float32(totalWeight / 8),
		Observed: observed,
	}
}
