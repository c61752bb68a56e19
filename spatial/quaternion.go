// Package spatial provides the small set of spatial math helpers the
// fusion node needs: unit quaternions, Euler conversions and rotation
// of vectors between body and world frames.
package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Quaternion is a unit quaternion in (W, X, Y, Z) order. The zero value
// is not a valid rotation; use NewZeroRotation or a constructor.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// NewZeroRotation returns the identity quaternion.
func NewZeroRotation() Quaternion {
	return Quaternion{W: 1}
}

// NewQuaternion builds a Quaternion from components without normalizing.
func NewQuaternion(w, x, y, z float64) Quaternion {
	return Quaternion{W: w, X: x, Y: y, Z: z}
}

// NewFromEuler builds a quaternion from intrinsic roll/pitch/yaw (radians).
func NewFromEuler(roll, pitch, yaw float64) Quaternion {
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	return Quaternion{
		W: cr*cp*cy + sr*sp*sy,
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
	}
}

// NewFromRotationVector is the exponential map: it converts a rotation
// vector (axis scaled by angle, radians) to a unit quaternion.
func NewFromRotationVector(rv r3.Vector) Quaternion {
	angle := rv.Norm()
	if angle < 1e-12 {
		return NewZeroRotation()
	}
	axis := rv.Mul(1 / angle)
	s := math.Sin(angle / 2)
	return Quaternion{
		W: math.Cos(angle / 2),
		X: axis.X * s,
		Y: axis.Y * s,
		Z: axis.Z * s,
	}
}

func fromQuat(n quat.Number) Quaternion {
	return Quaternion{W: n.Real, X: n.Imag, Y: n.Jmag, Z: n.Kmag}
}

func (q Quaternion) quat() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// Mul returns the Hamilton product q * o.
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return fromQuat(quat.Mul(q.quat(), o.quat()))
}

// Conjugate returns the quaternion conjugate, the inverse rotation for
// unit quaternions.
func (q Quaternion) Conjugate() Quaternion {
	return fromQuat(quat.Conj(q.quat()))
}

// Norm returns the quaternion magnitude.
func (q Quaternion) Norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// Normalized returns q scaled to unit length. A degenerate quaternion
// normalizes to the identity rather than NaN.
func (q Quaternion) Normalized() Quaternion {
	n := q.Norm()
	if n < 1e-12 {
		return NewZeroRotation()
	}
	return Quaternion{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// Integrate advances the rotation by a body-frame angular rate omega
// (rad/s) applied for dt seconds and renormalizes.
func (q Quaternion) Integrate(omega r3.Vector, dt float64) Quaternion {
	dq := NewFromRotationVector(omega.Mul(dt))
	return q.Mul(dq).Normalized()
}

// RotatePoint rotates v by q (body frame to world frame for an attitude
// quaternion).
func (q Quaternion) RotatePoint(v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q.quat(), p), quat.Conj(q.quat()))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// EulerAngles returns intrinsic roll/pitch/yaw in radians.
func (q Quaternion) EulerAngles() (roll, pitch, yaw float64) {
	roll = math.Atan2(2*(q.W*q.X+q.Y*q.Z), 1-2*(q.X*q.X+q.Y*q.Y))
	sinp := 2 * (q.W*q.Y - q.Z*q.X)
	if math.Abs(sinp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		pitch = math.Asin(sinp)
	}
	yaw = math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
	return
}

// Yaw returns the heading component of the rotation in radians.
func (q Quaternion) Yaw() float64 {
	_, _, yaw := q.EulerAngles()
	return yaw
}

// AlmostEqual reports whether two quaternions represent nearly the same
// rotation, treating q and -q as equal.
func (q Quaternion) AlmostEqual(o Quaternion, epsilon float64) bool {
	if q.W*o.W+q.X*o.X+q.Y*o.Y+q.Z*o.Z < 0 {
		o = Quaternion{W: -o.W, X: -o.X, Y: -o.Y, Z: -o.Z}
	}
	return math.Abs(q.W-o.W) < epsilon &&
		math.Abs(q.X-o.X) < epsilon &&
		math.Abs(q.Y-o.Y) < epsilon &&
		math.Abs(q.Z-o.Z) < epsilon
}
