// Package envgroup implements EnvironmentGroup: a contiguous block of
// environments sharing a renderer command stream buffer, each one a
// (Simulator, SceneTracker) pair plus its render environment handle, with
// flat pre-allocated output arrays for reward/mask/info/polar.
package envgroup

import (
	"fmt"
	"math/rand"

	"github.com/eundersander/bps-nav/internal/dataset"
	"github.com/eundersander/bps-nav/internal/navmath"
	"github.com/eundersander/bps-nav/internal/navmesh"
	"github.com/eundersander/bps-nav/internal/sceneswap"
	"github.com/eundersander/bps-nav/internal/sim"
	"github.com/rs/zerolog"
)

// InfoRecord is the per-step info payload written into a Group's Infos
// array; it is exactly sim.InfoRecord, renamed here so callers of this
// package don't need to import internal/sim just to name the type.
type InfoRecord = sim.InfoRecord

// RenderEnvHandle is an opaque renderer-owned per-environment handle,
// constructed by the external Renderer collaborator from (scene, FOV,
// near, far).
type RenderEnvHandle interface{}

// Renderer is the external batch renderer collaborator. The core only
// constructs environment handles and submits view matrices against it; it
// never owns GPU resources directly.
type Renderer interface {
	NewEnvHandle(scene *sceneswap.Handle, fov, near, far float64) (RenderEnvHandle, error)
	Submit(h RenderEnvHandle, view navmath.Mat4)
}

// Group is a contiguous block of environments bound to a contiguous slice
// of active scene slots, envsPerScene environments per slot. Output arrays
// are flat pre-allocated slices indexed by environment position: each slot
// is written by exactly one environment's Simulator, matching the
// teacher's convention (parallelmatrixmultiplication, parallelnbody) of
// pre-sizing result slices once and writing into them by index from worker
// goroutines rather than appending in the hot path.
type Group struct {
	log          zerolog.Logger
	renderer     Renderer
	fov          float64
	near         float64
	far          float64
	envsPerScene int

	slots      []*sceneswap.Slot
	episodesOf func(sceneIndex int) []dataset.Episode

	handles      []RenderEnvHandle
	sceneHandles []*sceneswap.Handle
	sims         []*sim.Simulator
	trackers     []*sceneswap.Tracker

	Rewards []float32
	Masks   []uint8
	Infos   []InfoRecord
	Polars  [][2]float32
}

// NewGroup constructs a Group spanning envsPerScene environments for each
// of slots, in order. initialHandles supplies the already-loaded scene
// handle for each slot's starting active scene, one per slot, used to
// build each environment's initial render handle synchronously at
// construction — only later scene rotations go through the background
// loader path.
func NewGroup(
	renderer Renderer,
	slots []*sceneswap.Slot,
	initialHandles []*sceneswap.Handle,
	envsPerScene int,
	fov, near, far float64,
	episodesOf func(sceneIndex int) []dataset.Episode,
	log zerolog.Logger,
) (*Group, error) {
	if len(slots) != len(initialHandles) {
		return nil, fmt.Errorf("envgroup: %d slots but %d initial handles", len(slots), len(initialHandles))
	}
	if envsPerScene < 1 {
		return nil, fmt.Errorf("envgroup: envsPerScene must be >= 1, got %d", envsPerScene)
	}

	numEnvs := len(slots) * envsPerScene
	g := &Group{
		log:          log,
		renderer:     renderer,
		fov:          fov,
		near:         near,
		far:          far,
		envsPerScene: envsPerScene,
		slots:        slots,
		episodesOf:   episodesOf,
		handles:      make([]RenderEnvHandle, numEnvs),
		sceneHandles: make([]*sceneswap.Handle, numEnvs),
		sims:         make([]*sim.Simulator, numEnvs),
		trackers:     make([]*sceneswap.Tracker, numEnvs),
		Rewards:      make([]float32, numEnvs),
		Masks:        make([]uint8, numEnvs),
		Infos:        make([]InfoRecord, numEnvs),
		Polars:       make([][2]float32, numEnvs),
	}

	for slotIdx, slot := range slots {
		sceneHandle := initialHandles[slotIdx]

		for e := 0; e < envsPerScene; e++ {
			i := slotIdx*envsPerScene + e

			handle, err := renderer.NewEnvHandle(sceneHandle, fov, near, far)
			if err != nil {
				return nil, fmt.Errorf("envgroup: build initial render handle for env %d: %w", i, err)
			}

			sceneHandle.Retain()
			g.handles[i] = handle
			g.sceneHandles[i] = sceneHandle
			g.sims[i] = &sim.Simulator{}
			g.trackers[i] = sceneswap.NewTracker(slot)
			g.Masks[i] = 1
		}

		// Each of this slot's environments now holds its own reference;
		// drop the transient reference NewHandle created at load time.
		sceneHandle.Release()
	}

	return g, nil
}

func (g *Group) slotFor(envIdx int) *sceneswap.Slot {
	return g.slots[envIdx/g.envsPerScene]
}

// Step dispatches to the environment's Simulator and writes the result into
// this Group's output arrays at envIdx.
func (g *Group) Step(envIdx int, pf navmesh.Pathfinder, action sim.Action) (done bool) {
	reward, done, info, polar := g.sims[envIdx].Step(action, pf)

	g.Rewards[envIdx] = reward
	if done {
		g.Masks[envIdx] = 0
	} else {
		g.Masks[envIdx] = 1
	}
	g.Infos[envIdx] = info
	g.Polars[envIdx] = polar

	return done
}

// Reset dispatches to the environment's Simulator, drawing a new episode
// from the span belonging to the tracker's currently cached scene index.
func (g *Group) Reset(envIdx int, pf navmesh.Pathfinder, rng *rand.Rand) {
	episodes := g.episodesOf(g.trackers[envIdx].CachedSceneIndex())
	polar := g.sims[envIdx].Reset(pf, episodes, rng)

	g.Polars[envIdx] = polar
	g.Rewards[envIdx] = 0
	g.Masks[envIdx] = 1
}

// SwapReady reports whether envIdx's slot has a pending scene installed and
// this environment's tracker has not yet resynced with it — i.e. the slot
// rotated since this environment last updated its tracker.
func (g *Group) SwapReady(envIdx int) bool {
	slot := g.slotFor(envIdx)
	return slot.PendingHandle() != nil && !g.trackers[envIdx].IsConsistent()
}

// SwapScene reconstructs envIdx's renderer environment handle against its
// slot's pending scene, re-points its tracker (and, through it, the
// episode span the next Reset draws from) at the slot's new scene index,
// and reports the migration to the slot via OneLoaded.
//
// Callers must only call SwapScene when SwapReady(envIdx) is true and the
// environment has just terminated — that ordering is what keeps a
// Simulator's episode context changing only at episode boundaries.
func (g *Group) SwapScene(envIdx int) error {
	slot := g.slotFor(envIdx)
	pending := slot.PendingHandle()
	if pending == nil {
		panic("envgroup: SwapScene called with no pending scene installed")
	}

	handle, err := g.renderer.NewEnvHandle(pending, g.fov, g.near, g.far)
	if err != nil {
		return fmt.Errorf("envgroup: rebuild render handle for env %d: %w", envIdx, err)
	}

	old := g.sceneHandles[envIdx]
	pending.Retain()
	g.handles[envIdx] = handle
	g.sceneHandles[envIdx] = pending
	g.trackers[envIdx].Update()
	slot.OneLoaded()

	if old.Release() == 0 {
		g.log.Debug().Int("scene_index", old.SceneIndex).Msg("envgroup: scene handle released, no environment references it")
	}

	return nil
}

// Render submits every environment's current view matrix to the external
// renderer's command stream.
func (g *Group) Render() {
	for i, h := range g.handles {
		g.renderer.Submit(h, g.sims[i].ViewMatrix())
	}
}

// NumEnvs returns the number of environments in this group.
func (g *Group) NumEnvs() int {
	return len(g.sims)
}

// SceneIndexOf returns the scene index envIdx's tracker currently believes
// it belongs to, for tests and diagnostics.
func (g *Group) SceneIndexOf(envIdx int) int {
	return g.trackers[envIdx].CachedSceneIndex()
}
