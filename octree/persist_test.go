package octree

import (
	"encoding/binary"
	"io"
	"sync/atomic"
	"testing"

	"go.viam.com/test"

	"go.viam.com/voxmap/logging"
)

// fakePersistBlock is a minimal Data implementation whose payload is a
// single counter, just enough to exercise Snapshot/Restore's dispatch
// to BlockMarshaler/BlockUnmarshaler without depending on the real
// TSDF/occupancy block types.
type fakePersistBlock struct {
	ts      atomic.Int64
	summary Summary
	counter int32
}

func (f *fakePersistBlock) Timestamp() int64         { return f.ts.Load() }
func (f *fakePersistBlock) SetTimestamp(frame int64) { f.ts.Store(frame) }
func (f *fakePersistBlock) Summary() Summary         { return f.summary }

func (f *fakePersistBlock) MarshalBlock(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, f.counter)
}

func (f *fakePersistBlock) UnmarshalBlock(r io.Reader) error {
	return binary.Read(r, binary.LittleEndian, &f.counter)
}

func newFakePersistBlock(coordMin [3]int32, side int32) Data {
	return &fakePersistBlock{counter: coordMin[0] + coordMin[1] + coordMin[2] + side}
}

func TestSnapshotRestoreRoundTripsTreeShapeAndBlocks(t *testing.T) {
	logger := logging.NewTestLogger(t)
	s, err := NewStore(32, 8, newFakePersistBlock, logger)
	test.That(t, err, test.ShouldBeNil)

	nodeA := allocatePath(t, s, [3]int32{0, 0, 0})
	nodeB := allocatePath(t, s, [3]int32{24, 24, 24})

	blkA := nodeA.Block().(*fakePersistBlock)
	blkA.counter = 42
	blkA.summary = Summary{Min: 1, Mean: 2, Max: 3, Weight: 4, Observed: true}
	nodeA.SetSummary(blkA.summary)
	nodeA.SetTimestamp(7)

	blkB := nodeB.Block().(*fakePersistBlock)
	blkB.counter = 99
	nodeB.SetTimestamp(9)

	data, err := s.Snapshot()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(data) > 0, test.ShouldBeTrue)

	restored, err := NewStore(32, 8, newFakePersistBlock, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, restored.Restore(data), test.ShouldBeNil)

	rNodeA := findPath(restored, [3]int32{0, 0, 0})
	test.That(t, rNodeA.Kind(), test.ShouldEqual, KindBlock)
	test.That(t, rNodeA.Timestamp(), test.ShouldEqual, int64(7))
	test.That(t, rNodeA.Summary(), test.ShouldResemble, blkA.summary)
	test.That(t, rNodeA.Block().(*fakePersistBlock).counter, test.ShouldEqual, int32(42))

	rNodeB := findPath(restored, [3]int32{24, 24, 24})
	test.That(t, rNodeB.Kind(), test.ShouldEqual, KindBlock)
	test.That(t, rNodeB.Timestamp(), test.ShouldEqual, int64(9))
	test.That(t, rNodeB.Block().(*fakePersistBlock).counter, test.ShouldEqual, int32(99))

	// a voxel that was never allocated in the source tree stays
	// unallocated after restore too: findPath stops at its deepest
	// allocated ancestor, whose octant for that voxel is still empty.
	rEmpty := findPath(restored, [3]int32{8, 0, 0})
	test.That(t, rEmpty.ChildAt(ChildIndexForVoxel(rEmpty, [3]int32{8, 0, 0})), test.ShouldBeNil)
}

func TestRestoreRejectsMismatchedGeometry(t *testing.T) {
	logger := logging.NewTestLogger(t)
	s, err := NewStore(32, 8, newFakePersistBlock, logger)
	test.That(t, err, test.ShouldBeNil)
	data, err := s.Snapshot()
	test.That(t, err, test.ShouldBeNil)

	other, err := NewStore(64, 8, newFakePersistBlock, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, other.Restore(data), test.ShouldNotBeNil)
}

func TestRestoreRejectsForeignData(t *testing.T) {
	logger := logging.NewTestLogger(t)
	s, err := NewStore(32, 8, newFakePersistBlock, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Restore([]byte("not a snapshot")), test.ShouldNotBeNil)
}

func allocatePath(t *testing.T, s *Store, voxel [3]int32) *Node {
	t.Helper()
	node := s.Root()
	for node.Side > s.BlockSide() {
		idx := ChildIndexForVoxel(node, voxel)
		child, err := s.AllocateChild(node, idx)
		test.That(t, err, test.ShouldBeNil)
		node = child
	}
	return node
}

func findPath(s *Store, voxel [3]int32) *Node {
	node := s.Root()
	for node.Kind() == KindInternal {
		idx := ChildIndexForVoxel(node, voxel)
		child := node.ChildAt(idx)
		if child == nil {
			return node
		}
		node = child
	}
	return node
}
