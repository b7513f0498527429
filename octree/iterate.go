package octree

import "github.com/golang/geo/r3"

// IterateBlocks calls fn for every allocated block-holding leaf. fn
// returning false stops the traversal early.
func (s *Store) IterateBlocks(fn func(*Node) bool) {
	iterateBlocks(s.root, fn)
}

func iterateBlocks(n *Node, fn func(*Node) bool) bool {
	switch n.Kind() {
	case KindBlock:
		return fn(n)
	case KindInternal:
		for _, c := range n.Children() {
			if !iterateBlocks(c, fn) {
				return false
			}
		}
	}
	return true
}

// IterateNodes calls fn for every allocated node (internal and leaf,
// including empty leaves reached via an internal ancestor). fn returning
// false stops the traversal early.
func (s *Store) IterateNodes(fn func(*Node) bool) {
	iterateNodes(s.root, fn)
}

func iterateNodes(n *Node, fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	if n.Kind() == KindInternal {
		for _, c := range n.Children() {
			if !iterateNodes(c, fn) {
				return false
			}
		}
	}
	return true
}

// IterateSince calls fn for every block-holding leaf whose timestamp is
// >= frame, pruning whole subtrees whose timestamp is older (a node's
// timestamp is always >= every descendant's, by SetTimestamp's
// monotonic bubbling in the propagator).
func (s *Store) IterateSince(frame int64, fn func(*Node) bool) {
	iterateSince(s.root, frame, fn)
}

func iterateSince(n *Node, frame int64, fn func(*Node) bool) bool {
	if n.Timestamp() < frame {
		return true
	}
	switch n.Kind() {
	case KindBlock:
		return fn(n)
	case KindInternal:
		for _, c := range n.Children() {
			if !iterateSince(c, frame, fn) {
				return false
			}
		}
	}
	return true
}

// IterateFrustum calls fn for every block-holding leaf whose bounding
// sphere overlaps the frustum, as reported by sphereInFrustum, skipping
// whole subtrees whose bounding sphere does not overlap.
func (s *Store) IterateFrustum(
	origin r3.Vector,
	voxelSize float64,
	sphereInFrustum func(center r3.Vector, radius float64) bool,
	fn func(*Node) bool,
) {
	iterateFrustum(s.root, origin, voxelSize, sphereInFrustum, fn)
}

func iterateFrustum(
	n *Node,
	origin r3.Vector,
	voxelSize float64,
	sphereInFrustum func(center r3.Vector, radius float64) bool,
	fn func(*Node) bool,
) bool {
	center := n.Center(origin, voxelSize)
	radius := float64(n.Side) * voxelSize * 0.8660254037844386 // sqrt(3)/2, half-diagonal
	if !sphereInFrustum(center, radius) {
		return true
	}
	switch n.Kind() {
	case KindBlock:
		return fn(n)
	case KindInternal:
		for _, c := range n.Children() {
			if !iterateFrustum(c, origin, voxelSize, sphereInFrustum, fn) {
				return false
			}
		}
	}
	return true
}
