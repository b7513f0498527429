package block

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"go.viam.com/voxmap/voxel"
)

func writeGeometry(w io.Writer, coordMin [3]int32, side, maxScale, currentScale, minScaleReached int32) error {
	return binary.Write(w, binary.LittleEndian, [7]int32{
		coordMin[0], coordMin[1], coordMin[2], side, maxScale, currentScale, minScaleReached,
	})
}

func readGeometry(r io.Reader) (coordMin [3]int32, side, maxScale, currentScale, minScaleReached int32, err error) {
	var fields [7]int32
	if err = binary.Read(r, binary.LittleEndian, &fields); err != nil {
		return
	}
	coordMin = [3]int32{fields[0], fields[1], fields[2]}
	side, maxScale, currentScale, minScaleReached = fields[3], fields[4], fields[5], fields[6]
	return
}

func writeColours(w io.Writer, colours []voxel.Colour) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(colours))); err != nil {
		return err
	}
	if len(colours) == 0 {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, colours)
}

func readColours(r io.Reader) ([]voxel.Colour, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	colours := make([]voxel.Colour, n)
	if err := binary.Read(r, binary.LittleEndian, colours); err != nil {
		return nil, err
	}
	return colours, nil
}

func writeIDs(w io.Writer, ids []voxel.ID) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ids))); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, ids)
}

func readIDs(r io.Reader) ([]voxel.ID, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ids := make([]voxel.ID, n)
	if err := binary.Read(r, binary.LittleEndian, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// MarshalBlock serializes this block's currently materialized value
// pyramid (minScaleReached..maxScale) plus any fused colour or id
// labels, satisfying octree.BlockMarshaler. The past-data shadow and
// any in-flight scale-switch state are not persisted: a restored block
// resumes fusing from its steady-state pyramid exactly as it would
// after crossing a scale boundary, re-deriving its shadow the next time
// it refines.
func (b *TSDFBlock) MarshalBlock(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := writeGeometry(w, b.coordMin, b.side, int32(b.maxScale), int32(b.currentScale), int32(b.minScaleReached)); err != nil {
		return err
	}
	for s := b.minScaleReached; s <= b.maxScale; s++ {
		if err := binary.Write(w, binary.LittleEndian, b.values[s]); err != nil {
			return err
		}
	}
	if err := writeColours(w, b.colours); err != nil {
		return err
	}
	return writeIDs(w, b.ids)
}

// UnmarshalBlock restores a value pyramid previously written by
// MarshalBlock into this block, which must already have been allocated
// at the same coordMin and side — Store.Restore allocates the block via
// the store's own NewBlockFunc before handing it its payload.
func (b *TSDFBlock) UnmarshalBlock(r io.Reader) error {
	coordMin, side, maxScale, currentScale, minScaleReached, err := readGeometry(r)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if coordMin != b.coordMin || side != b.side {
		return errors.Errorf("tsdf block geometry mismatch: snapshot has coordMin=%v side=%d, store expects %v/%d",
			coordMin, side, b.coordMin, b.side)
	}
	b.maxScale = int(maxScale)
	b.currentScale = int(currentScale)
	b.minScaleReached = int(minScaleReached)
	b.values = make([][]voxel.TSDFData, b.maxScale+1)
	b.past = make([][]voxel.TSDFData, b.maxScale+1)
	for s := b.minScaleReached; s <= b.maxScale; s++ {
		arr := make([]voxel.TSDFData, cellCount(b.side, s))
		if err := binary.Read(r, binary.LittleEndian, arr); err != nil {
			return err
		}
		b.values[s] = arr
	}
	if b.colours, err = readColours(r); err != nil {
		return err
	}
	b.ids, err = readIDs(r)
	return err
}

// MarshalBlock is OccupancyBlock's counterpart to TSDFBlock.MarshalBlock:
// it writes the mean/min/max pyramid from minScaleReached..maxScale plus
// any fused colour. The double-buffered scale-switch candidate pyramid
// and integration counters are not persisted, the same way a restored
// TSDF block starts with no open past shadow.
func (b *OccupancyBlock) MarshalBlock(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := writeGeometry(w, b.coordMin, b.side, int32(b.maxScale), int32(b.currentScale), int32(b.minScaleReached)); err != nil {
		return err
	}
	for s := b.minScaleReached; s <= b.maxScale; s++ {
		if err := binary.Write(w, binary.LittleEndian, b.mean[s]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, b.min[s]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, b.max[s]); err != nil {
			return err
		}
	}
	return writeColours(w, b.colours)
}

// UnmarshalBlock is OccupancyBlock's counterpart to
// TSDFBlock.UnmarshalBlock. The restored block always starts with its
// scale-switch buffer closed and its integration counters zeroed, so the
// ratification protocol re-accumulates fresh evidence rather than
// resuming a candidate pyramid that may no longer reflect the finest
// scale a host wants to keep.
func (b *OccupancyBlock) UnmarshalBlock(r io.Reader) error {
	coordMin, side, maxScale, currentScale, minScaleReached, err := readGeometry(r)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if coordMin != b.coordMin || side != b.side {
		return errors.Errorf("occupancy block geometry mismatch: snapshot has coordMin=%v side=%d, store expects %v/%d",
			coordMin, side, b.coordMin, b.side)
	}
	b.maxScale = int(maxScale)
	b.currentScale = int(currentScale)
	b.minScaleReached = int(minScaleReached)
	b.mean = make([][]voxel.OccupancyData, b.maxScale+1)
	b.min = make([][]voxel.OccupancyData, b.maxScale+1)
	b.max = make([][]voxel.OccupancyData, b.maxScale+1)
	for s := b.minScaleReached; s <= b.maxScale; s++ {
		n := cellCount(b.side, s)
		mean := make([]voxel.OccupancyData, n)
		if err := binary.Read(r, binary.LittleEndian, mean); err != nil {
			return err
		}
		min := make([]voxel.OccupancyData, n)
		if err := binary.Read(r, binary.LittleEndian, min); err != nil {
			return err
		}
		max := make([]voxel.OccupancyData, n)
		if err := binary.Read(r, binary.LittleEndian, max); err != nil {
			return err
		}
		b.mean[s], b.min[s], b.max[s] = mean, min, max
	}
	b.bufferOpen = false
	b.bufferMean, b.bufferMin, b.bufferMax = nil, nil, nil
	b.currIntegrCount, b.currObservedCount = 0, 0
	b.bufferIntegrCount, b.bufferObservedCount = 0, 0

	b.colours, err = readColours(r)
	return err
}
