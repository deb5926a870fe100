// Package navmath provides the vector and quaternion primitives shared by
// the simulator and environment group: rotating a heading vector, building
// a camera view matrix, and projecting a goal into polar camera coordinates.
package navmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Vec3, Quat and Mat4 are the position/rotation/view-matrix types used
// throughout the core.
type Vec3 = mgl64.Vec3
type Quat = mgl64.Quat
type Mat4 = mgl64.Mat4

// Up is the world up axis. The engine is right-handed, Y-up.
var Up = Vec3{0, 1, 0}

// Forward is the agent's local forward direction before rotation.
var Forward = Vec3{0, 0, -1}

// IdentityQuat returns the identity rotation.
func IdentityQuat() Quat {
	return mgl64.QuatIdent()
}

// Rotate applies q to v, i.e. the spec's rotate(rotation, v).
func Rotate(q Quat, v Vec3) Vec3 {
	return q.Rotate(v)
}

// TurnDelta returns the quaternion for an in-place turn of angleDeg around
// the world up axis. Positive angleDeg turns left (counter-clockwise viewed
// from above), negative turns right.
func TurnDelta(angleDeg float64) Quat {
	return mgl64.QuatRotate(mgl64.DegToRad(angleDeg), Up)
}

// Turn composes a turn onto the current rotation. The turn is applied in the
// agent's local frame (rotation = rotation * turn), which is the convention
// this module pins down for spec.md's otherwise-ambiguous turn composition:
// two TurnLeft followed by two TurnRight round-trips back to the identity
// regardless of composition order, but composing on the right keeps turning
// an intrinsic (body-frame) rotation, matching how FORWARD_STEP_SIZE is
// always applied along the agent's *current* local forward axis.
func Turn(rotation Quat, angleDeg float64) Quat {
	return rotation.Mul(TurnDelta(angleDeg)).Normalize()
}

// rotationMat3 returns the 3x3 rotation matrix equivalent to q.
func rotationMat3(q Quat) mgl64.Mat3 {
	return q.Mat4().Mat3()
}

// ViewMatrix builds the camera view matrix for an agent at eye with
// orientation rot: view = transpose(rot3), translation = -transpose(rot3)*eye.
func ViewMatrix(rot Quat, eye Vec3) mgl64.Mat4 {
	rot3T := rotationMat3(rot).Transpose()
	t := rot3T.Mul3x1(eye).Mul(-1)
	m := rot3T.Mat4()
	m[12] = t[0]
	m[13] = t[1]
	m[14] = t[2]
	return m
}

// CameraEye returns the camera eye position for an agent standing at
// position: eye = position + (0, 1.25, 0).
func CameraEye(position Vec3) Vec3 {
	return position.Add(Vec3{0, 1.25, 0})
}

// PolarGoal projects the direction from eye to goal into the agent's camera
// frame and returns (rho, -phi), where (rho, phi) is the 2D polar form of
// the goal direction using axes (-z_cam_frame, x_cam_frame): phi is measured
// from the camera's forward axis (-z) towards its right axis (+x).
func PolarGoal(rot Quat, eye, goal Vec3) [2]float32 {
	toGoal := goal.Sub(eye)
	rot3 := rotationMat3(rot)
	right := rot3.Mul3x1(Vec3{1, 0, 0})
	fwd := rot3.Mul3x1(Forward)

	x := toGoal.Dot(right)
	negZ := toGoal.Dot(fwd)

	rho := math.Hypot(x, negZ)
	phi := math.Atan2(x, negZ)

	return [2]float32{float32(rho), float32(-phi)}
}
