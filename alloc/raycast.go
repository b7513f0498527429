// Package alloc implements the two allocation strategies of spec.md
// §4.4: raycast carving materializes TSDF blocks along each depth
// pixel's ray inside the truncation band, and volume carving descends
// the occupancy octree only into nodes whose projection overlaps the
// sensor frustum and whose depth variance warrants refinement.
package alloc

import (
	"context"

	"github.com/golang/geo/r3"

	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/sensor"
	"go.viam.com/voxmap/spatialmath"
)

// DepthImage is a row-major grid of measurements; zero means "no
// return" at that pixel.
type DepthImage struct {
	Width, Height int
	Depths        []float32
}

// At returns the depth at (x,y) and whether it is a valid return.
func (d *DepthImage) At(x, y int) (float32, bool) {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0, false
	}
	v := d.Depths[y*d.Width+x]
	return v, v > 0
}

// RaycastCarver materializes TSDF blocks inside the truncation band
// around each depth pixel's surface hypothesis, per spec.md §4.4's
// "raycast carving walks each depth pixel's ray through the octree and
// materializes blocks in the truncation band."
type RaycastCarver struct {
	Store     *octree.Store
	Origin    r3.Vector // world point corresponding to voxel (0,0,0)
	VoxelSize float64
	Tau       float64
}

// CarveFrame walks every valid pixel of depth and returns the
// deduplicated set of blocks touched across the whole image. ctx is
// checked once up front so a host can skip allocation entirely once a
// frame's deadline has already passed; no operation within the stage
// suspends, so there is nothing to check mid-walk.
func (c *RaycastCarver) CarveFrame(ctx context.Context, pose spatialmath.Pose, model sensor.Model, depth *DepthImage) ([]*octree.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := map[[3]int32]struct{}{}
	var blocks []*octree.Node
	for y := 0; y < depth.Height; y++ {
		for x := 0; x < depth.Width; x++ {
			d, ok := depth.At(x, y)
			if !ok {
				continue
			}
			dirSensor := model.BackProject(sensor.Pixel{X: x, Y: y})
			dirWorld := spatialmath.RotateVector(pose, dirSensor)
			nodes, err := c.carveRay(pose.Point(), dirWorld, float64(d), seen)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, nodes...)
		}
	}
	return blocks, nil
}

// carveRay materializes every not-yet-seen block whose voxel grid
// overlaps [depth-tau, depth+tau] along the ray originWorld+t*dirWorld.
func (c *RaycastCarver) carveRay(
	originWorld, dirWorld r3.Vector,
	depth float64,
	seen map[[3]int32]struct{},
) ([]*octree.Node, error) {
	if depth <= 0 {
		return nil, nil
	}
	near := depth - c.Tau
	if near < 0 {
		near = 0
	}
	far := depth + c.Tau

	var touched []*octree.Node
	blockSide := c.Store.BlockSide()
	step := c.VoxelSize
	if step <= 0 {
		return nil, nil
	}
	for t := near; t <= far; t += step {
		point := originWorld.Add(dirWorld.Mul(t))
		voxel := octree.PointToVoxel(c.Origin, c.VoxelSize, point)
		if !c.Store.Contains(voxel) {
			continue
		}
		blockMin := blockMinFor(voxel, blockSide)
		if _, ok := seen[blockMin]; ok {
			continue
		}
		node, err := descendToBlock(c.Store, voxel)
		if err != nil {
			return nil, err
		}
		seen[blockMin] = struct{}{}
		touched = append(touched, node)
	}
	return touched, nil
}

// descendToBlock walks from the store's root to the block-holding leaf
// containing voxel, allocating internal nodes and the leaf as needed.
func descendToBlock(store *octree.Store, voxel [3]int32) (*octree.Node, error) {
	node := store.Root()
	for node.Side > store.BlockSide() {
		idx := octree.ChildIndexForVoxel(node, voxel)
		child, err := store.AllocateChild(node, idx)
		if err != nil {
			return nil, err
		}
		node = child
	}
	return node, nil
}

func blockMinFor(voxel [3]int32, blockSide int32) [3]int32 {
	return [3]int32{
		floorToMultiple(voxel[0], blockSide),
		floorToMultiple(voxel[1], blockSide),
		floorToMultiple(voxel[2], blockSide),
	}
}

func floorToMultiple(v, m int32) int32 {
	if v >= 0 {
		return (v / m) * m
	}
	return -(((-v) + m - 1) / m) * m
}
