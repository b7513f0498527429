package voxmap

import (
	"github.com/golang/geo/r3"

	"go.viam.com/voxmap/block"
	"go.viam.com/voxmap/octree"
	"go.viam.com/voxmap/raycast"
	"go.viam.com/voxmap/sensor"
	"go.viam.com/voxmap/spatialmath"
	"go.viam.com/voxmap/voxel"
)

// ColourImage is a row-major RGBA grid captured by its own sensor and
// pose, fused onto the surface a depth image's rays hit (spec.md §6's
// optional colour half of the measurement bundle).
type ColourImage struct {
	Width, Height int
	Colours       []voxel.Colour
}

// At returns the colour at (x,y), or ok=false outside the image.
func (c *ColourImage) At(x, y int) (voxel.Colour, bool) {
	if x < 0 || y < 0 || x >= c.Width || y >= c.Height {
		return voxel.Colour{}, false
	}
	return c.Colours[y*c.Width+x], true
}

// fuseColour re-projects each depth pixel's surface point into the
// colour sensor's frame and fuses the sampled colour onto whichever
// voxel that point falls in, after allocation and update have already
// materialized it this frame.
func (m *Map) fuseColour(bundle MeasurementBundle, frame int64) {
	depth := bundle.Depth
	for y := 0; y < depth.Height; y++ {
		for x := 0; x < depth.Width; x++ {
			d, ok := depth.At(x, y)
			if !ok {
				continue
			}
			dirSensor := bundle.Model.BackProject(sensor.Pixel{X: x, Y: y})
			dirWorld := spatialmath.RotateVector(bundle.Pose, dirSensor)
			// dirWorld is already scaled so measurement*dirWorld lands on
			// the correct surface point (BackProject's contract), so it
			// must not be re-normalized here the way a parametric ray
			// marcher would.
			worldPoint := bundle.Pose.Point().Add(dirWorld.Mul(float64(d)))

			c, ok := m.sampleColourImage(bundle, worldPoint)
			if !ok {
				continue
			}
			m.setColourAt(m.PointToVoxel(worldPoint), c, frame)
		}
	}
}

func (m *Map) sampleColourImage(bundle MeasurementBundle, worldPoint r3.Vector) (voxel.Colour, bool) {
	pointInColourSensor := spatialmath.TransformPointInverse(bundle.ColourPose, worldPoint)
	pixel, status := bundle.ColourModel.Project(pointInColourSensor)
	if status != sensor.ProjectionSuccess {
		return voxel.Colour{}, false
	}
	c, ok := bundle.Colour.At(pixel.X, pixel.Y)
	if !ok {
		return voxel.Colour{}, false
	}
	c.Weight = 1
	return c, true
}

func (m *Map) setColourAt(v [3]int32, c voxel.Colour, frame int64) {
	if !m.store.Contains(v) {
		return
	}
	node, _, _ := raycast.FindNode(m.store, v)
	if node.Kind() != octree.KindBlock {
		return
	}
	switch blk := node.Block().(type) {
	case *block.TSDFBlock:
		blk.SetColour(v, c)
	case *block.OccupancyBlock:
		blk.SetColour(v, c)
	}
	node.SetTimestamp(frame)
}
