// Package octree implements the sparse 8-ary voxel-block tree that backs
// the mapping core: a cube of side 2^k voxels, rooted at Store.Root,
// whose interior nodes carry aggregated min/mean/max/observed summaries
// and whose leaves at a fixed block side B carry per-voxel data.
//
// Allocation is the single mutation site shared across parallel updater
// threads; AllocateChild is idempotent so that racing callers for the
// same (parent, childIdx) always observe the same child.
package octree

import (
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/voxmap/logging"
)

// Kind classifies a Node: an internal node has at least one allocated
// child, an empty leaf has neither children nor a block, a block leaf
// carries per-voxel Data.
type Kind uint8

const (
	// KindEmpty is an unallocated leaf: no children, no block.
	KindEmpty Kind = iota
	// KindInternal is a node with at least one allocated child.
	KindInternal
	// KindBlock is a leaf at the finest node size (BlockSide) that
	// carries a Data payload.
	KindBlock
)

// Data is the payload a block-holding leaf carries. TSDFBlock and
// OccupancyBlock (package block) both implement this narrow view; the
// octree package never dispatches on field type, only on this interface.
type Data interface {
	// Timestamp returns the frame index this block was last touched at.
	Timestamp() int64
	// SetTimestamp stamps this block with the given frame index.
	SetTimestamp(frame int64)
	// Summary returns the block's coarsest-scale aggregate, used to seed
	// this leaf's parent during propagate_to_root.
	Summary() Summary
}

// Summary is the min/mean/max/observed aggregate stored at every node
// (interior or block leaf) and consumed by the raycaster to skip empty
// space hierarchically.
type Summary struct {
	Min, Mean, Max float32
	Weight         float32
	Observed       bool
}

// Node is one cube region of the tree: either empty, internal, or a
// block-holding leaf. Nodes form a parent-owns-child pointer graph;
// children hold a back-pointer to their parent for propagate_to_root.
type Node struct {
	parent   *Node
	children [8]atomic.Pointer[Node]

	// CoordMin is the integer voxel coordinate of this node's minimum
	// corner; Side is this node's side length in voxels.
	CoordMin [3]int32
	Side     int32

	kind      atomic.Int32
	timestamp atomic.Int64

	summaryMu sync.Mutex
	summary   Summary

	blockMu sync.Mutex
	block   Data

	label string
}

// Kind returns the node's current classification.
func (n *Node) Kind() Kind { return Kind(n.kind.Load()) }

// Parent returns this node's parent, or nil at the root.
func (n *Node) Parent() *Node { return n.parent }

// Timestamp returns the last frame index at which this node (or a
// descendant) was touched.
func (n *Node) Timestamp() int64 { return n.timestamp.Load() }

// SetTimestamp stamps this node with frame if frame is newer.
func (n *Node) SetTimestamp(frame int64) {
	for {
		cur := n.timestamp.Load()
		if frame <= cur {
			return
		}
		if n.timestamp.CompareAndSwap(cur, frame) {
			return
		}
	}
}

// Summary returns the node's current aggregated min/mean/max/observed.
func (n *Node) Summary() Summary {
	n.summaryMu.Lock()
	defer n.summaryMu.Unlock()
	return n.summary
}

// SetSummary replaces the node's aggregated min/mean/max/observed.
func (n *Node) SetSummary(s Summary) {
	n.summaryMu.Lock()
	n.summary = s
	n.summaryMu.Unlock()
}

// Block returns the node's block payload, if any (KindBlock only).
func (n *Node) Block() Data {
	n.blockMu.Lock()
	defer n.blockMu.Unlock()
	return n.block
}

// Center returns the world-space center of this node given a voxel
// pitch (edge length of one voxel, in meters) and a world-space origin
// corresponding to voxel coordinate (0,0,0).
func (n *Node) Center(origin r3.Vector, voxelSize float64) r3.Vector {
	half := float64(n.Side) * voxelSize / 2
	return r3.Vector{
		X: origin.X + float64(n.CoordMin[0])*voxelSize + half,
		Y: origin.Y + float64(n.CoordMin[1])*voxelSize + half,
		Z: origin.Z + float64(n.CoordMin[2])*voxelSize + half,
	}
}

// Children returns a snapshot slice of the currently-allocated children
// (never more than 8, possibly fewer, possibly none).
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, 8)
	for i := 0; i < 8; i++ {
		if c := n.children[i].Load(); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// ChildAt returns the child at octant idx (0..7), or nil if unallocated.
func (n *Node) ChildAt(idx int) *Node { return n.children[idx].Load() }

// ErrArenaExhausted is returned by AllocateChild when the store's
// configured node budget has been exceeded. It is the one place the
// core surfaces a host-level fatal error rather than an optional.
var ErrArenaExhausted = errors.New("octree: arena exhausted")

// NewBlockFunc constructs the block payload for a new leaf at coordMin
// with the given side (in voxels). TSDF and occupancy allocators each
// supply their own factory.
type NewBlockFunc func(coordMin [3]int32, side int32) Data

// Store owns the tree's root, its arena bookkeeping, and the critical
// section guarding allocation.
type Store struct {
	logger    logging.Logger
	root      *Node
	blockSide int32
	maxNodes  int64

	poolMu    sync.Mutex
	nodeCount int64
	boundsSet bool
	boundsMin [3]int32
	boundsMax [3]int32

	newBlock NewBlockFunc
}

// NewStore creates a Store rooted at a cube whose side is the next power
// of two at least 2*blockSide, in voxel units. rootSideVoxels lets the
// caller size the world up front (still power-of-two rounded up to at
// least 2*blockSide).
func NewStore(rootSideVoxels, blockSide int32, newBlock NewBlockFunc, logger logging.Logger) (*Store, error) {
	if blockSide <= 0 || blockSide&(blockSide-1) != 0 {
		return nil, errors.Errorf("block side (%d) must be a power of two", blockSide)
	}
	minSide := blockSide * 2
	side := nextPow2(maxInt32(rootSideVoxels, minSide))

	s := &Store{
		logger:    logger,
		blockSide: blockSide,
		maxNodes:  1 << 24,
		newBlock:  newBlock,
	}
	s.root = &Node{Side: side}
	s.nodeCount = 1
	return s, nil
}

// Root returns the store's root node.
func (s *Store) Root() *Node { return s.root }

// BlockSide returns B, the fixed block side length in voxels.
func (s *Store) BlockSide() int32 { return s.blockSide }

// Contains reports whether the given voxel coordinate falls within the
// store's root cube.
func (s *Store) Contains(voxel [3]int32) bool {
	r := s.root
	for i := 0; i < 3; i++ {
		if voxel[i] < r.CoordMin[i] || voxel[i] >= r.CoordMin[i]+r.Side {
			return false
		}
	}
	return true
}

// Bounds returns the axis-aligned bounding box (in voxel coordinates) of
// every leaf ever allocated, and whether anything has been allocated.
func (s *Store) Bounds() (min, max [3]int32, ok bool) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	return s.boundsMin, s.boundsMax, s.boundsSet
}

func (s *Store) extendBounds(coordMin [3]int32, side int32) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if !s.boundsSet {
		s.boundsMin = coordMin
		s.boundsMax = [3]int32{coordMin[0] + side, coordMin[1] + side, coordMin[2] + side}
		s.boundsSet = true
		return
	}
	for i := 0; i < 3; i++ {
		if coordMin[i] < s.boundsMin[i] {
			s.boundsMin[i] = coordMin[i]
		}
		hi := coordMin[i] + side
		if hi > s.boundsMax[i] {
			s.boundsMax[i] = hi
		}
	}
}

// PointToVoxel floors a world-space point (given the grid's origin and
// voxel pitch) to its containing integer voxel coordinate.
func PointToVoxel(origin r3.Vector, voxelSize float64, point r3.Vector) [3]int32 {
	return [3]int32{
		int32(floorDiv(point.X-origin.X, voxelSize)),
		int32(floorDiv(point.Y-origin.Y, voxelSize)),
		int32(floorDiv(point.Z-origin.Z, voxelSize)),
	}
}

// VoxelToPoint returns the world-space point at voxel's minimum corner
// plus stride/2 voxels, i.e. the center of a stride-sized cell anchored
// at voxel — stride 1 gives the voxel's own center, matching the
// round-trip law voxel_to_point(point_to_voxel(p)) up to quantization.
func VoxelToPoint(origin r3.Vector, voxelSize float64, voxel [3]int32, stride float64) r3.Vector {
	half := stride * voxelSize / 2
	return r3.Vector{
		X: origin.X + float64(voxel[0])*voxelSize + half,
		Y: origin.Y + float64(voxel[1])*voxelSize + half,
		Z: origin.Z + float64(voxel[2])*voxelSize + half,
	}
}

func floorDiv(v, size float64) float64 {
	q := v / size
	f := float64(int64(q))
	if q < f {
		f--
	}
	return f
}

// childIndex returns the 0..7 octant index for a point relative to a
// node's center-of-mass split: the three-bit concatenation of the
// x, y, z half-selectors, matching spec.md §4.1.
func childIndex(coordMin [3]int32, half int32, voxel [3]int32) int {
	idx := 0
	for axis := 0; axis < 3; axis++ {
		bit := 0
		if voxel[axis] >= coordMin[axis]+half {
			bit = 1
		}
		idx = (idx << 1) | bit
	}
	return idx
}

// ChildIndexForVoxel returns the octant index of node's child that would
// contain voxel. Callers must ensure voxel actually falls within node.
func ChildIndexForVoxel(node *Node, voxel [3]int32) int {
	half := node.Side / 2
	return childIndex(node.CoordMin, half, voxel)
}

// childCoordMin returns the min corner of octant idx under a parent
// whose min corner is parentMin and whose side is parentSide.
func childCoordMin(parentMin [3]int32, parentSide int32, idx int) [3]int32 {
	half := parentSide / 2
	return [3]int32{
		parentMin[0] + int32((idx>>2)&1)*half,
		parentMin[1] + int32((idx>>1)&1)*half,
		parentMin[2] + int32(idx&1)*half,
	}
}

// AllocateChild returns the child of parent at octant idx, allocating it
// if necessary. Concurrent callers racing on the same (parent, idx)
// observe exactly one allocation and the same resulting pointer.
func (s *Store) AllocateChild(parent *Node, idx int) (*Node, error) {
	if idx < 0 || idx > 7 {
		return nil, errors.Errorf("child index %d out of range", idx)
	}
	if child := parent.children[idx].Load(); child != nil {
		return child, nil
	}

	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	// Re-check under the lock: another goroutine may have raced us here.
	if child := parent.children[idx].Load(); child != nil {
		return child, nil
	}
	if s.nodeCount >= s.maxNodes {
		return nil, ErrArenaExhausted
	}

	childSide := parent.Side / 2
	coordMin := childCoordMin(parent.CoordMin, parent.Side, idx)

	child := &Node{parent: parent, CoordMin: coordMin, Side: childSide}
	if childSide == s.blockSide {
		child.block = s.newBlock(coordMin, childSide)
		child.kind.Store(int32(KindBlock))
		s.extendBounds(coordMin, childSide)
	} else {
		child.kind.Store(int32(KindEmpty))
	}
	s.nodeCount++

	// Write the child pointer back after the pool has returned the new
	// octant; parent transitions to internal on its first child.
	parent.children[idx].Store(child)
	parent.kind.Store(int32(KindInternal))

	return child, nil
}

// DeleteChildren frees node's entire subtree in bulk: every child slot is
// cleared and node reverts to an empty leaf. This is the only place the
// tree shrinks during steady-state operation (called by the occupancy
// propagator's prune-fully-free-subtree step and by the occupancy
// updater's bulk free of carved free nodes) and is not safe to call
// concurrently with AllocateChild on the same node.
func (s *Store) DeleteChildren(node *Node) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	freed := countSubtree(node) - 1 // node itself survives as an empty leaf
	for i := 0; i < 8; i++ {
		node.children[i].Store(nil)
	}
	node.block = nil
	node.kind.Store(int32(KindEmpty))
	s.nodeCount -= freed
}

func countSubtree(node *Node) int64 {
	var total int64 = 1
	for _, c := range node.Children() {
		total += countSubtree(c)
	}
	return total
}

func nextPow2(v int32) int32 {
	p := int32(1)
	for p < v {
		p <<= 1
	}
	return p
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
