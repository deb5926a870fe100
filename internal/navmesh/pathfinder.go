// Package navmesh defines the Pathfinder query interface the simulator
// steps against, a planar reference implementation for tests and the demo
// driver, and the per-worker/per-scene pool that replicates pathfinders so
// workers never contend on one.
package navmesh

import (
	"math"

	"github.com/eundersander/bps-nav/internal/navmath"
)

// Pathfinder is a per-worker, per-scene immutable navmesh index. It is an
// external collaborator in the sense that a real geodesic solver lives
// outside this module; this interface is the seam a real backend plugs
// into.
type Pathfinder interface {
	// SnapPoint returns the nearest point on the navmesh to p.
	SnapPoint(p navmath.Vec3) navmath.Vec3
	// TryStep returns the collision-clipped point reached by attempting to
	// move from current toward desired. Returning current unchanged (a
	// blocked step) is not an error.
	TryStep(current, desired navmath.Vec3) navmath.Vec3
	// FindPath returns the geodesic distance from start to end, or +Inf if
	// end is unreachable from start. Callers propagate +Inf as-is into
	// reward and distance bookkeeping; it is never treated as an error.
	FindPath(start, end navmath.Vec3) float64
}

// Load constructs a Pathfinder for the navmesh asset at path. The only
// backend shipped in this module is the PlanarPathfinder reference
// implementation, which treats every navmesh asset as an unbounded flat
// floor at y=0 — real navmesh backends plug in behind the same Pathfinder
// interface without changing any caller.
func Load(path string) (Pathfinder, error) {
	return NewPlanarPathfinder(), nil
}

// PlanarPathfinder is an unbounded flat floor at y=0: every point snaps to
// itself (with y zeroed), every step succeeds unclipped, and geodesic
// distance is simply straight-line distance. It exists for tests and the
// demo driver's synthetic scenes, matching spec.md's end-to-end scenarios,
// which specify "navmesh = unbounded floor."
type PlanarPathfinder struct{}

// NewPlanarPathfinder returns a ready-to-use planar reference pathfinder.
func NewPlanarPathfinder() *PlanarPathfinder {
	return &PlanarPathfinder{}
}

func (p *PlanarPathfinder) SnapPoint(pt navmath.Vec3) navmath.Vec3 {
	return navmath.Vec3{pt[0], 0, pt[2]}
}

func (p *PlanarPathfinder) TryStep(current, desired navmath.Vec3) navmath.Vec3 {
	return p.SnapPoint(desired)
}

func (p *PlanarPathfinder) FindPath(start, end navmath.Vec3) float64 {
	dx := end[0] - start[0]
	dz := end[2] - start[2]
	return math.Hypot(dx, dz)
}
