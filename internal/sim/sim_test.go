package sim

import (
	"math"
	"math/rand"
	"testing"

	"github.com/eundersander/bps-nav/internal/dataset"
	"github.com/eundersander/bps-nav/internal/navmath"
	"github.com/eundersander/bps-nav/internal/navmesh"
)

func oneEpisodeAtOrigin() []dataset.Episode {
	return []dataset.Episode{{
		StartPos: navmath.Vec3{0, 0, 0},
		StartRot: navmath.IdentityQuat(),
		Goal:     navmath.Vec3{0, 0, -1},
	}}
}

// Scenario 1 from spec.md §8: Stop at start leaves the agent ~1.0 from
// goal and pays only the slack penalty.
func TestStopAtStart(t *testing.T) {
	pf := navmesh.NewPlanarPathfinder()
	var s Simulator
	s.Reset(pf, oneEpisodeAtOrigin(), rand.New(rand.NewSource(1)))

	reward, done, info, _ := s.Step(Stop, pf)
	if !done {
		t.Fatal("Stop must end the episode")
	}
	if reward != -SlackReward {
		t.Fatalf("reward = %v, want %v (distance 1.0 is not within SuccessDistance)", reward, -SlackReward)
	}
	if math.Abs(float64(info.DistanceToGoal)-1.0) > 1e-6 {
		t.Fatalf("distance_to_goal = %v, want ~1.0", info.DistanceToGoal)
	}
	if info.Success != 0 {
		t.Fatalf("success = %v, want 0", info.Success)
	}
}

// Scenario 2 from spec.md §8: MoveForward exactly four times (0.25 each)
// reaches the goal and succeeds with SPL == 1 (no wasted travel).
func TestMoveForwardFourTimesSucceeds(t *testing.T) {
	pf := navmesh.NewPlanarPathfinder()
	var s Simulator
	s.Reset(pf, oneEpisodeAtOrigin(), rand.New(rand.NewSource(1)))

	for i := 0; i < 4; i++ {
		_, done, _, _ := s.Step(MoveForward, pf)
		if done {
			t.Fatalf("episode ended early on move %d", i)
		}
	}

	reward, done, info, _ := s.Step(Stop, pf)
	if !done {
		t.Fatal("Stop must end the episode")
	}
	if info.Success != 1 {
		t.Fatalf("success = %v, want 1 after reaching the goal", info.Success)
	}
	if math.Abs(float64(info.SPL)-1.0) > 1e-6 {
		t.Fatalf("spl = %v, want ~1.0 (straight-line path, no wasted travel)", info.SPL)
	}
	if reward <= 0 {
		t.Fatalf("reward = %v, want a positive success bonus", reward)
	}
}

// Scenario 3 from spec.md §8: two TurnLeft followed by two TurnRight never
// perturb position or distance. The rotation round trip itself is checked
// by navmath's TestTurnInvariance.
func TestTurnInvarianceDoesNotMoveOrChangeDistance(t *testing.T) {
	pf := navmesh.NewPlanarPathfinder()
	var s Simulator
	s.Reset(pf, oneEpisodeAtOrigin(), rand.New(rand.NewSource(1)))

	startPos := s.Position()
	_, _, info1, _ := s.Step(TurnLeft, pf)
	_, _, info2, _ := s.Step(TurnLeft, pf)
	_, _, info3, _ := s.Step(TurnRight, pf)
	_, _, info4, _ := s.Step(TurnRight, pf)

	if s.Position() != startPos {
		t.Fatalf("turning moved the agent: %v -> %v", startPos, s.Position())
	}
	for i, info := range []InfoRecord{info1, info2, info3, info4} {
		if math.Abs(float64(info.DistanceToGoal)-1.0) > 1e-6 {
			t.Fatalf("turn %d changed distance_to_goal to %v, want unchanged ~1.0", i, info.DistanceToGoal)
		}
	}
}

// Scenario 4 from spec.md §8: an episode that never issues Stop terminates
// at MAX_STEPS.
func TestMaxStepsTimeout(t *testing.T) {
	pf := navmesh.NewPlanarPathfinder()
	var s Simulator
	s.Reset(pf, oneEpisodeAtOrigin(), rand.New(rand.NewSource(1)))

	var done bool
	for i := 0; i < MaxSteps+5 && !done; i++ {
		_, done, _, _ = s.Step(TurnLeft, pf)
	}
	if !done {
		t.Fatal("episode did not terminate by MaxSteps")
	}
}

func TestUnknownActionPanics(t *testing.T) {
	pf := navmesh.NewPlanarPathfinder()
	var s Simulator
	s.Reset(pf, oneEpisodeAtOrigin(), rand.New(rand.NewSource(1)))

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for an unknown action")
		}
	}()
	s.Step(Action(99), pf)
}

func TestResetZeroesCumulativeTravelAndStep(t *testing.T) {
	pf := navmesh.NewPlanarPathfinder()
	var s Simulator
	s.Reset(pf, oneEpisodeAtOrigin(), rand.New(rand.NewSource(1)))
	s.Step(MoveForward, pf)
	s.Step(MoveForward, pf)

	s.Reset(pf, oneEpisodeAtOrigin(), rand.New(rand.NewSource(1)))
	if s.cumulativeTravel != 0 {
		t.Fatalf("cumulativeTravel = %v after Reset, want 0", s.cumulativeTravel)
	}
	if s.step != 1 {
		t.Fatalf("step = %v after Reset, want 1", s.step)
	}
}
