package alloc

import (
	"context"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/sensor"
	"go.viam.com/voxmap/spatialmath"
)

// VarianceState is the secondary axis of spec.md §4.4's node
// classification: whether the depths seen through a node's projection
// are roughly constant or vary enough to warrant refinement.
type VarianceState int

const (
	VarianceConstant VarianceState = iota
	VarianceVarying
)

// CarveResult is volume carving's three parallel outputs (spec.md
// §4.4): a node list to bulk-free, a block list for per-voxel update,
// and per-block flags.
type CarveResult struct {
	FreeNodes      []*octree.Node
	Blocks         []*octree.Node
	VarianceStates []VarianceState
	ProjectsInside []bool
}

// VolumeCarver recursively descends the occupancy octree, only into
// nodes whose projection overlaps the sensor frustum, classifying each
// as inside (free), outside, or crossing the observed surface.
type VolumeCarver struct {
	Store *octree.Store

	Origin    r3.Vector
	VoxelSize float64

	// Margin is the classification band (in the sensor's measurement
	// units) subtracted/added to a node's own depth range before
	// comparing it against the observed depth range.
	Margin float64
	// VarianceThreshold is the maximum observed-depth spread within a
	// node's projection still considered "constant".
	VarianceThreshold float64
	// CollapseSide is the node side (in voxels) at or below which an
	// inside+constant node is trusted enough to collapse without
	// descending further.
	CollapseSide int32
}

// Carve walks the tree from the root and returns the classification.
// ctx is checked once up front, matching RaycastCarver.CarveFrame.
func (c *VolumeCarver) Carve(ctx context.Context, pose spatialmath.Pose, model sensor.Model, depth *DepthImage) CarveResult {
	if ctx.Err() != nil {
		return CarveResult{}
	}
	var res CarveResult
	c.carveNode(c.Store.Root(), pose, model, depth, &res)
	return res
}

func (c *VolumeCarver) carveNode(node *octree.Node, pose spatialmath.Pose, model sensor.Model, depth *DepthImage, res *CarveResult) {
	centerWorld := node.Center(c.Origin, c.VoxelSize)
	centerSensor := spatialmath.TransformPointInverse(pose, centerWorld)
	radius := float64(node.Side) * c.VoxelSize * 0.8660254037844386
	if !model.SphereInFrustum(centerSensor, radius) {
		return
	}

	nodeNear, nodeFar := c.nodeRange(node, pose, model)
	minObs, maxObs, observedAny := c.observedDepthRange(node, pose, model, depth)
	if !observedAny {
		return
	}

	state := VarianceConstant
	if maxObs-minObs > c.VarianceThreshold {
		state = VarianceVarying
	}

	blockSide := c.Store.BlockSide()

	switch {
	case nodeFar < minObs-c.Margin:
		// Inside: entirely closer to the sensor than anything observed
		// through this projection, i.e. free space.
		if state == VarianceConstant && node.Side <= c.CollapseSide {
			res.FreeNodes = append(res.FreeNodes, node)
			return
		}
		if node.Side == blockSide {
			// Too coarse a variance-threshold to collapse, or genuinely
			// varying: still free-ish, but per-voxel data must record it
			// rather than a bulk node-level free.
			res.Blocks = append(res.Blocks, node)
			res.VarianceStates = append(res.VarianceStates, state)
			res.ProjectsInside = append(res.ProjectsInside, true)
			return
		}
		c.descendChildren(node, pose, model, depth, res)
	case nodeNear > maxObs+c.Margin:
		// Outside: entirely behind every observed surface; unknown, do
		// not touch.
		return
	default:
		// Crosses the observed surface: refine to per-voxel resolution.
		if node.Side == blockSide {
			res.Blocks = append(res.Blocks, node)
			res.VarianceStates = append(res.VarianceStates, state)
			res.ProjectsInside = append(res.ProjectsInside, false)
			return
		}
		c.descendChildren(node, pose, model, depth, res)
	}
}

func (c *VolumeCarver) descendChildren(node *octree.Node, pose spatialmath.Pose, model sensor.Model, depth *DepthImage, res *CarveResult) {
	for idx := 0; idx < 8; idx++ {
		child, err := c.Store.AllocateChild(node, idx)
		if err != nil {
			continue
		}
		c.carveNode(child, pose, model, depth, res)
	}
}

func (c *VolumeCarver) corners(node *octree.Node) [8]r3.Vector {
	minW := r3.Vector{
		X: c.Origin.X + float64(node.CoordMin[0])*c.VoxelSize,
		Y: c.Origin.Y + float64(node.CoordMin[1])*c.VoxelSize,
		Z: c.Origin.Z + float64(node.CoordMin[2])*c.VoxelSize,
	}
	side := float64(node.Side) * c.VoxelSize
	var out [8]r3.Vector
	i := 0
	for _, dx := range [2]float64{0, side} {
		for _, dy := range [2]float64{0, side} {
			for _, dz := range [2]float64{0, side} {
				out[i] = minW.Add(r3.Vector{X: dx, Y: dy, Z: dz})
				i++
			}
		}
	}
	return out
}

func (c *VolumeCarver) nodeRange(node *octree.Node, pose spatialmath.Pose, model sensor.Model) (near, far float64) {
	near, far = math.Inf(1), math.Inf(-1)
	for _, corner := range c.corners(node) {
		m := model.MeasurementFromPoint(spatialmath.TransformPointInverse(pose, corner))
		if m < near {
			near = m
		}
		if m > far {
			far = m
		}
	}
	return near, far
}

func (c *VolumeCarver) observedDepthRange(
	node *octree.Node,
	pose spatialmath.Pose,
	model sensor.Model,
	depth *DepthImage,
) (minD, maxD float64, ok bool) {
	minX, minY := depth.Width, depth.Height
	maxX, maxY := -1, -1
	for _, corner := range c.corners(node) {
		pixel, status := model.Project(spatialmath.TransformPointInverse(pose, corner))
		if status != sensor.ProjectionSuccess {
			continue
		}
		if pixel.X < minX {
			minX = pixel.X
		}
		if pixel.X > maxX {
			maxX = pixel.X
		}
		if pixel.Y < minY {
			minY = pixel.Y
		}
		if pixel.Y > maxY {
			maxY = pixel.Y
		}
	}
	if maxX < minX || maxY < minY {
		return 0, 0, false
	}

	minD, maxD = math.Inf(1), math.Inf(-1)
	found := false
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			d, valid := depth.At(x, y)
			if !valid {
				continue
			}
			found = true
			fd := float64(d)
			if fd < minD {
				minD = fd
			}
			if fd > maxD {
				maxD = fd
			}
		}
	}
	return minD, maxD, found
}
