// Package sim implements the per-environment state machine: the agent's
// pose, goal, and episode bookkeeping, stepped one action at a time against
// a Pathfinder.
package sim

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/eundersander/bps-nav/internal/dataset"
	"github.com/eundersander/bps-nav/internal/navmath"
	"github.com/eundersander/bps-nav/internal/navmesh"
)

// Action is one of the four agent actions.
type Action int64

const (
	Stop Action = iota
	MoveForward
	TurnLeft
	TurnRight
)

// InfoRecord is the bit-exact, packed per-step info payload: {float
// success; float spl; float distanceToGoal;}.
type InfoRecord struct {
	Success        float32
	SPL            float32
	DistanceToGoal float32
}

// Simulator is one environment's state machine: current pose, goal, and
// episode-cumulative bookkeeping needed for SPL.
type Simulator struct {
	position navmath.Vec3
	rotation navmath.Quat
	goal     navmath.Vec3

	initialDist      float64
	cumulativeTravel float64
	prevDist         float64
	step             int

	viewMatrix navmath.Mat4
}

// Reset draws a uniform random episode from episodes, snaps its start
// position and goal onto pf, and resets all per-episode bookkeeping. It
// returns the initial polar goal vector for the group's output arrays.
func (s *Simulator) Reset(pf navmesh.Pathfinder, episodes []dataset.Episode, rng *rand.Rand) [2]float32 {
	if len(episodes) == 0 {
		panic("sim: Reset called with an empty episode span")
	}
	ep := episodes[rng.Intn(len(episodes))]

	s.position = pf.SnapPoint(ep.StartPos)
	s.goal = pf.SnapPoint(ep.Goal)
	s.rotation = ep.StartRot

	s.initialDist = pf.FindPath(s.position, s.goal)
	s.prevDist = s.initialDist
	s.cumulativeTravel = 0
	s.step = 1

	return s.updateObservation()
}

// Step advances the simulator by one action and returns the reward, whether
// the episode is done, the info record, and the updated polar goal vector.
// It panics on an unrecognized action, matching spec.md §7's "unknown
// action integers are fatal" — a protocol violation after construction, not
// a recoverable runtime condition.
func (s *Simulator) Step(action Action, pf navmesh.Pathfinder) (reward float32, done bool, info InfoRecord, polar [2]float32) {
	s.step++
	done = s.step >= MaxSteps
	reward = -SlackReward

	switch action {
	case Stop:
		done = true
		dist := pf.FindPath(s.position, s.goal)
		success := dist < SuccessDistance
		var spl float64
		if success {
			spl = s.initialDist / math.Max(s.initialDist, s.cumulativeTravel)
		}
		reward += float32(SuccessReward * spl)
		s.prevDist = dist
		info = InfoRecord{Success: boolToFloat32(success), SPL: float32(spl), DistanceToGoal: float32(dist)}

	case MoveForward:
		delta := navmath.Rotate(s.rotation, navmath.Vec3{0, 0, -ForwardStepSize})
		desired := s.position.Add(delta)
		newPos := pf.TryStep(s.position, desired)
		moved := newPos.Sub(s.position).Len()

		newDist := pf.FindPath(newPos, s.goal)
		reward += float32(s.prevDist - newDist)

		s.cumulativeTravel += moved
		s.position = newPos
		s.prevDist = newDist
		info = InfoRecord{DistanceToGoal: float32(newDist)}

	case TurnLeft:
		s.rotation = navmath.Turn(s.rotation, TurnAngleDeg)
		info = InfoRecord{DistanceToGoal: float32(s.prevDist)}

	case TurnRight:
		s.rotation = navmath.Turn(s.rotation, -TurnAngleDeg)
		info = InfoRecord{DistanceToGoal: float32(s.prevDist)}

	default:
		panic(fmt.Sprintf("sim: unknown action %d", action))
	}

	polar = s.updateObservation()
	return reward, done, info, polar
}

// ViewMatrix returns the camera view matrix computed on the most recent
// Reset or Step call, for EnvironmentGroup.Render to submit.
func (s *Simulator) ViewMatrix() navmath.Mat4 {
	return s.viewMatrix
}

// Position returns the simulator's current snapped position, for tests.
func (s *Simulator) Position() navmath.Vec3 {
	return s.position
}

func (s *Simulator) updateObservation() [2]float32 {
	eye := navmath.CameraEye(s.position)
	s.viewMatrix = navmath.ViewMatrix(s.rotation, eye)
	return navmath.PolarGoal(s.rotation, eye, s.goal)
}

func boolToFloat32(b bool) float32 {
	if b {
		return 1
	}
	return 0
}
