// Package spatialmath provides the pose and orientation primitives used to
// place sensors and query points in world space.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose represents a rigid transform: a point in space plus an orientation.
// Sensor poses, block/world transforms, and ray origins are all expressed
// as Pose values.
type Pose interface {
	Point() r3.Vector
	Orientation() Orientation
}

// Orientation wraps a unit quaternion describing a rotation.
type Orientation interface {
	Quaternion() quat.Number
}

type pose struct {
	point r3.Vector
	ori   Orientation
}

func (p *pose) Point() r3.Vector      { return p.point }
func (p *pose) Orientation() Orientation { return p.ori }

type quatOrientation quat.Number

func (q quatOrientation) Quaternion() quat.Number { return quat.Number(q) }

// NewZeroOrientation returns an orientation with no rotation.
func NewZeroOrientation() Orientation {
	return quatOrientation{Real: 1}
}

// NewPoseFromPoint returns a Pose translated to point with no rotation.
func NewPoseFromPoint(point r3.Vector) Pose {
	return &pose{point: point, ori: NewZeroOrientation()}
}

// NewPose returns a Pose from a point and an orientation.
func NewPose(point r3.Vector, o Orientation) Pose {
	if o == nil {
		o = NewZeroOrientation()
	}
	return &pose{point: point, ori: o}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return &pose{ori: NewZeroOrientation()}
}

// NewPoseFromQuaternion builds a Pose from a translation and a raw
// quaternion, normalizing the quaternion first.
func NewPoseFromQuaternion(point r3.Vector, q quat.Number) Pose {
	n := quat.Abs(q)
	if n > 1e-12 {
		q = quat.Scale(1/n, q)
	} else {
		q = quat.Number{Real: 1}
	}
	return &pose{point: point, ori: quatOrientation(q)}
}

// Compose returns the pose that results from applying b in a's frame,
// i.e. a followed by b.
func Compose(a, b Pose) Pose {
	aq := a.Orientation().Quaternion()
	bq := b.Orientation().Quaternion()
	rotatedB := rotateVector(aq, b.Point())
	newPoint := a.Point().Add(rotatedB)
	newQuat := quat.Mul(aq, bq)
	return NewPoseFromQuaternion(newPoint, newQuat)
}

// Invert returns the pose whose composition with p is the identity pose.
func Invert(p Pose) Pose {
	q := p.Orientation().Quaternion()
	qInv := quat.Conj(q)
	qInv = quat.Scale(1/quat.Abs(q)/quat.Abs(q), qInv)
	invPoint := rotateVector(qInv, p.Point().Mul(-1))
	return NewPoseFromQuaternion(invPoint, qInv)
}

// TransformPoint transforms a point expressed in p's local frame into the
// frame p is defined in (e.g. sensor space -> world space when p is the
// sensor pose).
func TransformPoint(p Pose, point r3.Vector) r3.Vector {
	rotated := rotateVector(p.Orientation().Quaternion(), point)
	return p.Point().Add(rotated)
}

// TransformPointInverse transforms a world-space point into p's local
// frame (e.g. world space -> sensor space).
func TransformPointInverse(p Pose, point r3.Vector) r3.Vector {
	rel := point.Sub(p.Point())
	q := p.Orientation().Quaternion()
	qInv := quat.Conj(q)
	n := quat.Abs(q)
	if n > 1e-12 {
		qInv = quat.Scale(1/(n*n), qInv)
	}
	return rotateVector(qInv, rel)
}

// RotateVector rotates a direction vector by p's orientation, without
// applying p's translation — for turning a sensor-frame ray direction
// into a world-frame direction.
func RotateVector(p Pose, v r3.Vector) r3.Vector {
	return rotateVector(p.Orientation().Quaternion(), v)
}

func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	vq := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	res := quat.Mul(quat.Mul(q, vq), quat.Conj(q))
	n := quat.Abs(q)
	if n > 1e-12 {
		scale := 1 / (n * n)
		return r3.Vector{X: res.Imag * scale, Y: res.Jmag * scale, Z: res.Kmag * scale}
	}
	return r3.Vector{X: res.Imag, Y: res.Jmag, Z: res.Kmag}
}

// PoseAlmostEqual returns whether the two poses are equal up to a small
// numerical tolerance.
func PoseAlmostEqual(a, b Pose) bool {
	if !r3AlmostEqual(a.Point(), b.Point(), 1e-8) {
		return false
	}
	return OrientationAlmostEqual(a.Orientation(), b.Orientation())
}

// OrientationAlmostEqual returns whether two orientations describe
// approximately the same rotation.
func OrientationAlmostEqual(a, b Orientation) bool {
	qa := a.Quaternion()
	qb := b.Quaternion()
	// q and -q represent the same rotation.
	dot := qa.Real*qb.Real + qa.Imag*qb.Imag + qa.Jmag*qb.Jmag + qa.Kmag*qb.Kmag
	return math.Abs(math.Abs(dot)-1) < 1e-6
}

func r3AlmostEqual(a, b r3.Vector, epsilon float64) bool {
	return math.Abs(a.X-b.X) <= epsilon && math.Abs(a.Y-b.Y) <= epsilon && math.Abs(a.Z-b.Z) <= epsilon
}
