// Package sceneswap implements the per-active-scene-slot scene rotation
// machinery: a background loader goroutine per slot, rate-limited so
// successive GPU uploads don't thrash, plus the lightweight per-environment
// tracker that notices when its slot has rotated.
package sceneswap

import (
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eundersander/bps-nav/internal/affinity"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handle is an opaque, ref-counted GPU scene reference.
type Handle struct {
	SceneIndex int
	refCount   int32
}

// NewHandle returns a Handle with an initial reference count of 1.
func NewHandle(sceneIndex int) *Handle {
	return &Handle{SceneIndex: sceneIndex, refCount: 1}
}

// Retain increments the handle's reference count.
func (h *Handle) Retain() {
	atomic.AddInt32(&h.refCount, 1)
}

// Release decrements the handle's reference count and returns the result.
func (h *Handle) Release() int32 {
	return atomic.AddInt32(&h.refCount, -1)
}

// AssetLoader is the external collaborator that uploads a scene's
// renderable mesh into GPU memory given its on-disk mesh path.
type AssetLoader interface {
	Load(meshPath string) (*Handle, error)
}

// InactivePool is the set of scene indices not currently occupying an
// active slot. Per spec.md §5 it is mutated only by the main thread inside
// Slot.StartSwap, never during worker execution, so its own mutex exists
// only to protect against multiple slots' StartSwap racing each other, not
// against workers.
type InactivePool struct {
	mu     sync.Mutex
	scenes []int
	rng    *rand.Rand
}

// NewInactivePool takes ownership of a copy of indices.
func NewInactivePool(indices []int, rng *rand.Rand) *InactivePool {
	cp := make([]int, len(indices))
	copy(cp, indices)
	return &InactivePool{scenes: cp, rng: rng}
}

// Swap uniformly picks an inactive scene index, exchanges it with
// currentActive, and returns the newly-chosen active scene index.
func (p *InactivePool) Swap(currentActive int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.rng.Intn(len(p.scenes))
	newActive := p.scenes[i]
	p.scenes[i] = currentActive
	return newActive
}

// RateLimiter throttles successive background loads to prevent GPU thrash.
// Adapted from the teacher's ratelimiter token-bucket package, simplified
// to the single "elapsed since last call" gate a per-slot loader needs.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewRateLimiter returns a limiter allowing at most one call per interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

// Wait blocks, if necessary, until interval has elapsed since the previous
// call returned.
func (r *RateLimiter) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.last.IsZero() {
		if elapsed := time.Since(r.last); elapsed < r.interval {
			time.Sleep(r.interval - elapsed)
		}
	}
	r.last = time.Now()
}

// Config configures a Slot's background loader.
type Config struct {
	// LoadRateLimit is the minimum spacing between successive background
	// loads on this slot. Defaults to one second if zero.
	LoadRateLimit time.Duration

	// Pin, when true, pins this slot's loader goroutine to PinCPU via
	// internal/affinity and lowers its priority to Nice. Both are
	// best-effort hints: a no-op on unsupported platforms.
	Pin    bool
	PinCPU int
	Nice   int
}

type loadRequest struct {
	sceneIndex int
	meshPath   string
}

// Slot is the per-active-scene-slot SceneSwapper of spec.md §4.4. It owns a
// background loader goroutine pinned to a dedicated CPU core, the slot's
// current active scene index, and the handoff state for an in-flight scene
// rotation: a future for the next scene, a shared handle for a
// loaded-but-not-yet-installed scene, and an atomic counter of environments
// still to migrate onto an installed scene.
type Slot struct {
	index      int
	log        zerolog.Logger
	loader     AssetLoader
	inactive   *InactivePool
	limiter    *RateLimiter
	meshPathOf func(sceneIndex int) string

	// activeSceneIndex is mutated only by the main thread, only between
	// steps (inside StartSwap), matching spec.md §5's ordering guarantee;
	// concurrent reads from workers during a step happen only after the
	// barrier release that already establishes happens-before.
	activeSceneIndex int

	reqCh  chan loadRequest
	pin    bool
	pinCPU int
	nice   int

	handoffMu        sync.Mutex
	futurePending    bool
	loadedHandle     *Handle
	loadedSceneIndex int

	pendingHandle        *Handle // touched only by the main thread
	pendingSceneIndex    int
	pendingEnvsRemaining int32 // atomic; decremented by workers via OneLoaded
}

// NewSlot constructs a Slot and starts its background loader goroutine.
// meshPathOf resolves a scene index to the mesh asset path the loader
// should upload.
func NewSlot(index, initialSceneIndex int, loader AssetLoader, inactive *InactivePool, meshPathOf func(int) string, cfg Config, log zerolog.Logger) *Slot {
	if cfg.LoadRateLimit <= 0 {
		cfg.LoadRateLimit = time.Second
	}
	s := &Slot{
		index:            index,
		log:              log.With().Int("slot", index).Logger(),
		loader:           loader,
		inactive:         inactive,
		limiter:          NewRateLimiter(cfg.LoadRateLimit),
		meshPathOf:       meshPathOf,
		activeSceneIndex: initialSceneIndex,
		reqCh:            make(chan loadRequest, 1),
		pin:              cfg.Pin,
		pinCPU:           cfg.PinCPU,
		nice:             cfg.Nice,
	}
	go s.loaderLoop()
	return s
}

func (s *Slot) loaderLoop() {
	if s.pin {
		runtime.LockOSThread()
		affinity.Pin(s.pinCPU)
		if s.nice != 0 {
			affinity.SetNice(s.nice)
		}
	}

	for req := range s.reqCh {
		s.limiter.Wait()
		requestID := uuid.New().String()

		h, err := s.loader.Load(req.meshPath)
		if err != nil {
			s.log.Fatal().Err(err).
				Str("request_id", requestID).
				Str("mesh_path", req.meshPath).
				Msg("sceneswap: background scene load failed")
			return
		}

		s.handoffMu.Lock()
		s.loadedHandle = h
		s.loadedSceneIndex = req.sceneIndex
		s.futurePending = false
		s.handoffMu.Unlock()

		s.log.Debug().
			Str("request_id", requestID).
			Int("scene_index", req.sceneIndex).
			Msg("sceneswap: background scene load completed")
	}
}

// ActiveSceneIndex returns the slot's current active scene index.
func (s *Slot) ActiveSceneIndex() int {
	return s.activeSceneIndex
}

// CanSwap reports whether a new swap can be started: no load is in flight
// and no completed load is awaiting installation.
func (s *Slot) CanSwap() bool {
	s.handoffMu.Lock()
	defer s.handoffMu.Unlock()
	return !s.futurePending && s.loadedHandle == nil
}

// StartSwap picks a new active scene uniformly from the inactive pool,
// installs it as this slot's active scene index, and enqueues an async load
// for its mesh.
func (s *Slot) StartSwap() {
	if !s.CanSwap() {
		panic("sceneswap: StartSwap called while a swap is already in flight")
	}

	newIdx := s.inactive.Swap(s.activeSceneIndex)
	s.activeSceneIndex = newIdx

	s.handoffMu.Lock()
	s.futurePending = true
	s.handoffMu.Unlock()

	s.reqCh <- loadRequest{sceneIndex: newIdx, meshPath: s.meshPathOf(newIdx)}
}

// PreStep installs any completed background load as the slot's pending
// scene, ready for environments to migrate onto, and resets the
// pending-environment-count to envsPerScene.
func (s *Slot) PreStep(envsPerScene int) {
	s.handoffMu.Lock()
	if !s.futurePending && s.loadedHandle != nil {
		s.pendingHandle = s.loadedHandle
		s.pendingSceneIndex = s.loadedSceneIndex
		s.loadedHandle = nil
		atomic.StoreInt32(&s.pendingEnvsRemaining, int32(envsPerScene))
	}
	s.handoffMu.Unlock()
}

// PostStep drops the pending scene and immediately starts the next swap
// once every environment attached to this slot has migrated onto it.
// Returns whether a swap completed this step, for telemetry.
func (s *Slot) PostStep() bool {
	if s.pendingHandle != nil && atomic.LoadInt32(&s.pendingEnvsRemaining) == 0 {
		// Every environment now holds its own reference; drop the one the
		// loader created.
		s.pendingHandle.Release()
		s.pendingHandle = nil
		s.StartSwap()
		return true
	}
	return false
}

// OneLoaded decrements the pending-environment-migration count. Called by a
// worker immediately after migrating one environment onto the pending
// scene.
func (s *Slot) OneLoaded() {
	atomic.AddInt32(&s.pendingEnvsRemaining, -1)
}

// PendingHandle returns the slot's currently-installed pending scene
// handle, or nil if none is installed.
func (s *Slot) PendingHandle() *Handle {
	return s.pendingHandle
}

// PendingSceneIndex returns the scene index of the pending handle.
func (s *Slot) PendingSceneIndex() int {
	return s.pendingSceneIndex
}

// Tracker is a lightweight per-environment cursor into its slot's active
// scene index. Trackers never mutate the slot.
type Tracker struct {
	slot   *Slot
	cached int
}

// NewTracker returns a Tracker initialized to slot's current active scene.
func NewTracker(slot *Slot) *Tracker {
	return &Tracker{slot: slot, cached: slot.ActiveSceneIndex()}
}

// IsConsistent reports whether the tracker's cached scene index still
// matches its slot's active scene index.
func (t *Tracker) IsConsistent() bool {
	return t.cached == t.slot.ActiveSceneIndex()
}

// Update refreshes the tracker's cached scene index from its slot.
func (t *Tracker) Update() {
	t.cached = t.slot.ActiveSceneIndex()
}

// CachedSceneIndex returns the tracker's cached scene index.
func (t *Tracker) CachedSceneIndex() int {
	return t.cached
}
