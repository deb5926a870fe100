package navmesh

import "fmt"

// Pool replicates one Pathfinder per (worker, scene) pair, built once at
// startup and never shared across goroutines afterward — pathfinders are
// not thread-safe, so duplicating avoids contention entirely rather than
// guarding a shared instance with a lock. This is adapted from the
// teacher's concurrentdbpool fixed-size-pool shape, but indexed by owner
// (workerID, sceneIndex) rather than checked in/out round-robin, since a
// pathfinder built for one scene is never interchangeable with another.
type Pool struct {
	numWorkers int
	numScenes  int
	byWorker   [][]Pathfinder // byWorker[workerID][sceneIndex]
}

// NewPool builds numWorkers * len(navmeshPaths) pathfinders up front by
// calling load once per (worker, scene) pair. load is expected to be
// Load, threaded in so tests can substitute a stub. The main thread counts
// as worker 0's owner, matching spec.md §4.7 ("the main thread ... also
// holds its own Pathfinder set").
func NewPool(numWorkers int, navmeshPaths []string, load func(path string) (Pathfinder, error)) (*Pool, error) {
	if numWorkers < 1 {
		return nil, fmt.Errorf("navmesh: numWorkers must be >= 1, got %d", numWorkers)
	}
	p := &Pool{
		numWorkers: numWorkers,
		numScenes:  len(navmeshPaths),
		byWorker:   make([][]Pathfinder, numWorkers),
	}
	for w := 0; w < numWorkers; w++ {
		row := make([]Pathfinder, len(navmeshPaths))
		for s, path := range navmeshPaths {
			pf, err := load(path)
			if err != nil {
				return nil, fmt.Errorf("navmesh: load worker %d scene %d (%s): %w", w, s, path, err)
			}
			row[s] = pf
		}
		p.byWorker[w] = row
	}
	return p, nil
}

// For returns the Pathfinder owned by (workerID, sceneIndex). It panics on
// an out-of-range index: that is a construction-time invariant violation,
// never a runtime condition a caller should recover from.
func (p *Pool) For(workerID, sceneIndex int) Pathfinder {
	if workerID < 0 || workerID >= p.numWorkers {
		panic(fmt.Sprintf("navmesh: workerID %d out of range [0,%d)", workerID, p.numWorkers))
	}
	if sceneIndex < 0 || sceneIndex >= p.numScenes {
		panic(fmt.Sprintf("navmesh: sceneIndex %d out of range [0,%d)", sceneIndex, p.numScenes))
	}
	return p.byWorker[workerID][sceneIndex]
}
