package octree

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// BlockMarshaler is implemented by a block payload that can serialize
// its own per-voxel state, the octree package's counterpart to the
// teacher's Marshaler interface: Store.Snapshot walks the tree without
// depending on TSDFBlock or OccupancyBlock directly, dispatching to
// whichever concrete block type a leaf's Data happens to hold.
type BlockMarshaler interface {
	MarshalBlock(w io.Writer) error
}

// BlockUnmarshaler is Restore's counterpart to BlockMarshaler.
type BlockUnmarshaler interface {
	UnmarshalBlock(r io.Reader) error
}

var snapshotMagic = [8]byte{'V', 'O', 'X', 'M', 'A', 'P', '0', '1'}

// Snapshot serializes the whole tree to a byte-oriented checkpoint: a
// small header naming the store's geometry, then every node's kind,
// timestamp and summary in depth-first pre-order, with each block
// leaf's own MarshalBlock payload inlined. This is not a schema'd wire
// format the way the RDK's gRPC messages are — it is a private
// checkpoint format meant to be fed back to Restore on the same binary,
// the way pointcloud.ToPCD's binary framing is meant for round-tripping
// rather than cross-version interchange.
func (s *Store) Snapshot() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	if err := binary.Write(&buf, binary.LittleEndian, s.blockSide); err != nil {
		return nil, errors.Wrap(err, "writing snapshot header")
	}
	if err := binary.Write(&buf, binary.LittleEndian, s.root.Side); err != nil {
		return nil, errors.Wrap(err, "writing snapshot header")
	}
	if err := writeNode(&buf, s.root); err != nil {
		return nil, errors.Wrap(err, "snapshotting octree")
	}
	return buf.Bytes(), nil
}

func writeNode(w *bytes.Buffer, n *Node) error {
	kind := n.Kind()
	if err := w.WriteByte(byte(kind)); err != nil {
		return err
	}
	if kind == KindEmpty {
		return nil
	}

	if err := binary.Write(w, binary.LittleEndian, n.Timestamp()); err != nil {
		return err
	}
	sum := n.Summary()
	fields := [4]float32{sum.Min, sum.Mean, sum.Max, sum.Weight}
	if err := binary.Write(w, binary.LittleEndian, fields); err != nil {
		return err
	}
	observed := byte(0)
	if sum.Observed {
		observed = 1
	}
	if err := w.WriteByte(observed); err != nil {
		return err
	}

	switch kind {
	case KindInternal:
		var mask byte
		for i := 0; i < 8; i++ {
			if n.children[i].Load() != nil {
				mask |= 1 << uint(i)
			}
		}
		if err := w.WriteByte(mask); err != nil {
			return err
		}
		for i := 0; i < 8; i++ {
			if c := n.children[i].Load(); c != nil {
				if err := writeNode(w, c); err != nil {
					return err
				}
			}
		}
	case KindBlock:
		m, ok := n.Block().(BlockMarshaler)
		if !ok {
			return errors.Errorf("block at %v does not implement BlockMarshaler", n.CoordMin)
		}
		var payload bytes.Buffer
		if err := m.MarshalBlock(&payload); err != nil {
			return errors.Wrapf(err, "marshaling block at %v", n.CoordMin)
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(payload.Len())); err != nil {
			return err
		}
		if _, err := w.Write(payload.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Restore replaces this store's tree with the contents of a Snapshot
// blob. The blob's block side and root side must match this store's own
// (Restore rebuilds a tree, it does not resize one); every block leaf's
// payload is handed to the freshly allocated block's UnmarshalBlock, so
// the store's NewBlockFunc must produce the same concrete block type the
// snapshot was taken from.
func (s *Store) Restore(data []byte) error {
	r := bytes.NewReader(data)
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return errors.Wrap(err, "reading snapshot header")
	}
	if magic != snapshotMagic {
		return errors.New("octree: not a voxmap snapshot")
	}
	var blockSide, rootSide int32
	if err := binary.Read(r, binary.LittleEndian, &blockSide); err != nil {
		return errors.Wrap(err, "reading snapshot header")
	}
	if err := binary.Read(r, binary.LittleEndian, &rootSide); err != nil {
		return errors.Wrap(err, "reading snapshot header")
	}
	if blockSide != s.blockSide {
		return errors.Errorf("snapshot block side %d does not match store's %d", blockSide, s.blockSide)
	}
	if rootSide != s.root.Side {
		return errors.Errorf("snapshot root side %d does not match store's %d", rootSide, s.root.Side)
	}

	s.poolMu.Lock()
	s.nodeCount = 1
	s.boundsSet = false
	newRoot := &Node{Side: rootSide}
	s.root = newRoot
	s.poolMu.Unlock()

	return s.readNode(r, newRoot)
}

func (s *Store) readNode(r *bytes.Reader, n *Node) error {
	kindByte, err := r.ReadByte()
	if err != nil {
		return err
	}
	kind := Kind(kindByte)
	n.kind.Store(int32(kind))
	if kind == KindEmpty {
		return nil
	}

	var ts int64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return err
	}
	n.SetTimestamp(ts)

	var fields [4]float32
	if err := binary.Read(r, binary.LittleEndian, &fields); err != nil {
		return err
	}
	observedByte, err := r.ReadByte()
	if err != nil {
		return err
	}
	n.SetSummary(Summary{
		Min: fields[0], Mean: fields[1], Max: fields[2], Weight: fields[3],
		Observed: observedByte != 0,
	})

	switch kind {
	case KindInternal:
		mask, err := r.ReadByte()
		if err != nil {
			return err
		}
		for i := 0; i < 8; i++ {
			if mask&(1<<uint(i)) == 0 {
				continue
			}
			child, err := s.AllocateChild(n, i)
			if err != nil {
				return err
			}
			if err := s.readNode(r, child); err != nil {
				return err
			}
		}
	case KindBlock:
		var payloadLen uint32
		if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
			return err
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		um, ok := n.Block().(BlockUnmarshaler)
		if !ok {
			return errors.Errorf("block at %v does not implement BlockUnmarshaler", n.CoordMin)
		}
		if err := um.UnmarshalBlock(bytes.NewReader(payload)); err != nil {
			return errors.Wrapf(err, "unmarshaling block at %v", n.CoordMin)
		}
	}
	return nil
}
