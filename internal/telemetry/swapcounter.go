package telemetry

import "sync/atomic"

// SwapCounter tracks, across steps, how often a scene swap completed during
// stepEnd so swap_stats can report the percentage of steps that triggered
// one. It is written by exactly the main/coordinator thread between worker
// releases, matching the "mutated only by main thread between steps"
// invariant the scheduler's other per-slot state holds.
type SwapCounter struct {
	totalSteps    int64
	stepsWithSwap int64
}

// RecordStep records one scheduler step, noting whether any slot completed
// a swap during it.
func (c *SwapCounter) RecordStep(didSwap bool) {
	atomic.AddInt64(&c.totalSteps, 1)
	if didSwap {
		atomic.AddInt64(&c.stepsWithSwap, 1)
	}
}

// PercentStepsWithSwap returns the fraction, in [0, 100], of recorded steps
// during which at least one slot completed a swap.
func (c *SwapCounter) PercentStepsWithSwap() float64 {
	total := atomic.LoadInt64(&c.totalSteps)
	if total == 0 {
		return 0
	}
	withSwap := atomic.LoadInt64(&c.stepsWithSwap)
	return 100 * float64(withSwap) / float64(total)
}
