// Package affinity pins goroutines' backing OS threads to specific CPU
// cores and priorities. It is a best-effort hint per spec: when the
// platform doesn't support it, calls are no-ops and scheduling quality
// degrades but correctness never depends on success.
package affinity

// CPUSet describes the worker/loader core layout the scheduler was
// constructed with.
type CPUSet struct {
	// Main is the core the coordinator/worker-0 thread pins to.
	Main int
	// Workers lists the cores simulation worker threads pin to, one per
	// worker (excluding worker 0, which uses Main).
	Workers []int
	// Loaders lists the cores background scene-loader threads pin to, one
	// per active slot, taken from the tail of the CPU set away from Main.
	Loaders []int
}

// DefaultCPUSet lays out num workers and num loaders starting from core 0,
// with loaders pinned to the highest-numbered cores in the set, matching
// the scheduler's "tail of the CPU set" placement.
func DefaultCPUSet(numWorkers, numLoaders int) CPUSet {
	total := 1 + numWorkers + numLoaders
	cores := make([]int, total)
	for i := range cores {
		cores[i] = i
	}

	set := CPUSet{Main: cores[0]}
	set.Workers = append(set.Workers, cores[1:1+numWorkers]...)
	set.Loaders = append(set.Loaders, cores[1+numWorkers:]...)
	return set
}
