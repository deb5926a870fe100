package sim

// Constants pinned by SPEC_FULL.md §6.3. SuccessDistance, SuccessReward and
// SlackReward are implementation choices (spec.md only constrains
// ForwardStepSize exactly); MaxSteps and TurnAngleDeg likewise follow the
// spec's end-to-end scenarios.
const (
	SuccessDistance = 0.2
	SuccessReward   = 2.5
	SlackReward     = 0.01
	MaxSteps        = 500
	ForwardStepSize = 0.25
	TurnAngleDeg    = 10.0
)
