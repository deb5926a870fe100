// Package rollout implements the Scheduler/RolloutGenerator: the top-level
// object that owns the Dataset, the Pathfinder pools, the SceneSwapper
// slots, one or two EnvironmentGroups, and the worker pool that steps them
// in lockstep behind a fast release/join barrier.
package rollout

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eundersander/bps-nav/internal/affinity"
	"github.com/eundersander/bps-nav/internal/dataset"
	"github.com/eundersander/bps-nav/internal/envgroup"
	"github.com/eundersander/bps-nav/internal/navmesh"
	"github.com/eundersander/bps-nav/internal/sceneswap"
	"github.com/eundersander/bps-nav/internal/sim"
	"github.com/eundersander/bps-nav/internal/telemetry"
	"github.com/rs/zerolog"
)

// Renderer is the external batch renderer collaborator, extending
// envgroup.Renderer with the frame-level operations the Generator exposes
// directly: waiting for a GPU frame and reading back its buffers.
type Renderer interface {
	envgroup.Renderer
	WaitForFrame(groupIdx int) error
	RGBA(groupIdx int) uintptr
	Depth(groupIdx int) uintptr
	CUDASemaphore(groupIdx int) uintptr
}

// Config configures Construct. NumWorkers < 0 means "auto" (runtime.NumCPU
// minus headroom for the main thread and loader threads).
type Config struct {
	DatasetDir string
	AssetDir   string

	NumEnvironments int
	NumActiveScenes int
	NumGroups       int // 1, or 2 for double-buffered groups
	NumWorkers      int
	LoaderThreads   int

	FOV, Near, Far float64

	Seed        int64
	SetAffinity bool

	LoadRateLimit time.Duration

	Renderer    Renderer
	AssetLoader sceneswap.AssetLoader

	Log zerolog.Logger
}

// groupRuntime is the work order released to the worker pool for one
// barrier cycle: which group, which actions (nil when resetting), and
// whether every environment should reset regardless of its done state.
type groupRuntime struct {
	group        *envgroup.Group
	actions      []int64
	resetAll     bool
	envsPerGroup int
}

// Generator is the public rollout engine: construct once, then drive any
// number of groups through Step/StepStart/StepEnd/Render/WaitForFrame.
type Generator struct {
	cfg Config
	log zerolog.Logger

	dataset     *dataset.Dataset
	pathfinders *navmesh.Pool
	slots       []*sceneswap.Slot
	groups      []*envgroup.Group

	numWorkers   int // background workers, excludes the main thread
	envsPerScene int

	workerRNGs []*rand.Rand

	mu              sync.Mutex
	cond            *sync.Cond
	generation      uint64
	exit            bool
	curGroup        *groupRuntime
	nextEnvQueue    int64
	workersFinished int64

	// stepInFlight guards the single shared barrier above (curGroup,
	// nextEnvQueue, workersFinished, generation): exactly one of
	// StepStart/StepEnd or Reset may have that barrier open at a time,
	// matching the original's one active_group_/start_barrier_/
	// finish_barrier_ pair for every group, never a barrier per group.
	stepInFlight bool

	swapCounter telemetry.SwapCounter
	wg          sync.WaitGroup
}

// Construct validates cfg, loads the dataset, partitions scenes into
// active/inactive sets, builds the SceneSwapper slots and EnvironmentGroups,
// and spawns the worker pool. It returns a non-nil error on any
// configuration or I/O failure — per spec.md §7, construction never panics
// on bad input, only Step-family calls do once the Generator is live.
//
// Construct does not start any scene rotation. A slot begins rotating only
// once Slot.StartSwap has been called on it; from then on, StepEnd starts
// each slot's next rotation as soon as its previous one completes.
func Construct(cfg Config) (*Generator, error) {
	if cfg.NumGroups != 1 && cfg.NumGroups != 2 {
		return nil, fmt.Errorf("rollout: NumGroups must be 1 or 2, got %d", cfg.NumGroups)
	}
	if cfg.NumEnvironments%cfg.NumGroups != 0 {
		return nil, fmt.Errorf("rollout: NumEnvironments (%d) must be a multiple of NumGroups (%d)", cfg.NumEnvironments, cfg.NumGroups)
	}
	if cfg.NumActiveScenes <= 0 || cfg.NumEnvironments%cfg.NumActiveScenes != 0 {
		return nil, fmt.Errorf("rollout: NumEnvironments (%d) must be a multiple of NumActiveScenes (%d)", cfg.NumEnvironments, cfg.NumActiveScenes)
	}
	if cfg.NumActiveScenes%cfg.NumGroups != 0 {
		return nil, fmt.Errorf("rollout: NumActiveScenes (%d) must be a multiple of NumGroups (%d)", cfg.NumActiveScenes, cfg.NumGroups)
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("rollout: Renderer is required")
	}
	if cfg.AssetLoader == nil {
		return nil, fmt.Errorf("rollout: AssetLoader is required")
	}

	ds, err := dataset.Load(cfg.DatasetDir, cfg.AssetDir, cfg.LoaderThreads, cfg.Log)
	if err != nil {
		return nil, err
	}
	if cfg.NumActiveScenes > len(ds.Scenes) {
		return nil, fmt.Errorf("rollout: NumActiveScenes (%d) exceeds the %d scenes in the dataset", cfg.NumActiveScenes, len(ds.Scenes))
	}

	numWorkers := cfg.NumWorkers
	if numWorkers < 0 {
		numWorkers = runtime.NumCPU() - cfg.NumActiveScenes - 1
		if numWorkers < 1 {
			numWorkers = 1
		}
	}

	active, inactive := partitionScenes(len(ds.Scenes), cfg.NumActiveScenes, rand.New(rand.NewSource(cfg.Seed)))

	cpuSet := affinity.DefaultCPUSet(numWorkers, cfg.NumActiveScenes)

	navmeshPaths := make([]string, len(ds.Scenes))
	for i, s := range ds.Scenes {
		navmeshPaths[i] = s.NavmeshPath
	}
	pool, err := navmesh.NewPool(numWorkers+1, navmeshPaths, navmesh.Load)
	if err != nil {
		return nil, err
	}

	inactivePool := sceneswap.NewInactivePool(inactive, rand.New(rand.NewSource(cfg.Seed+1)))

	slots := make([]*sceneswap.Slot, cfg.NumActiveScenes)
	initialHandles := make([]*sceneswap.Handle, cfg.NumActiveScenes)
	for i, sceneIdx := range active {
		h, err := cfg.AssetLoader.Load(ds.Scenes[sceneIdx].MeshPath)
		if err != nil {
			return nil, fmt.Errorf("rollout: initial load of scene %d (%s): %w", sceneIdx, ds.Scenes[sceneIdx].MeshPath, err)
		}
		initialHandles[i] = h

		loaderCPU := 0
		pinLoader := false
		if cfg.SetAffinity && i < len(cpuSet.Loaders) {
			loaderCPU = cpuSet.Loaders[i]
			pinLoader = true
		}
		slots[i] = sceneswap.NewSlot(i, sceneIdx, cfg.AssetLoader, inactivePool,
			func(s int) string { return ds.Scenes[s].MeshPath },
			sceneswap.Config{LoadRateLimit: cfg.LoadRateLimit, Pin: pinLoader, PinCPU: loaderCPU, Nice: 19},
			cfg.Log)
	}

	envsPerScene := cfg.NumEnvironments / cfg.NumActiveScenes
	slotsPerGroup := cfg.NumActiveScenes / cfg.NumGroups

	groups := make([]*envgroup.Group, cfg.NumGroups)
	for g := 0; g < cfg.NumGroups; g++ {
		lo, hi := g*slotsPerGroup, (g+1)*slotsPerGroup
		group, err := envgroup.NewGroup(cfg.Renderer, slots[lo:hi], initialHandles[lo:hi], envsPerScene,
			cfg.FOV, cfg.Near, cfg.Far,
			func(sceneIdx int) []dataset.Episode { return ds.EpisodesOf(sceneIdx) },
			cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("rollout: build group %d: %w", g, err)
		}
		groups[g] = group
	}

	gen := &Generator{
		cfg:          cfg,
		log:          cfg.Log,
		dataset:      ds,
		pathfinders:  pool,
		slots:        slots,
		groups:       groups,
		numWorkers:   numWorkers,
		envsPerScene: envsPerScene,
		workerRNGs:   make([]*rand.Rand, numWorkers+1),
	}
	gen.cond = sync.NewCond(&gen.mu)
	for i := range gen.workerRNGs {
		gen.workerRNGs[i] = rand.New(rand.NewSource(cfg.Seed + int64(i) + 1000))
	}

	if cfg.SetAffinity {
		runtime.LockOSThread()
		affinity.Pin(cpuSet.Main)
	}

	for w := 1; w <= numWorkers; w++ {
		gen.wg.Add(1)
		cpu := -1
		if cfg.SetAffinity && w-1 < len(cpuSet.Workers) {
			cpu = cpuSet.Workers[w-1]
		}
		go gen.workerLoop(w, cpu)
	}

	return gen, nil
}

// partitionScenes reservoir-samples numActive indices from [0, numScenes)
// for the active set; the remainder becomes the inactive pool, in index
// order.
func partitionScenes(numScenes, numActive int, rng *rand.Rand) (active, inactive []int) {
	active = make([]int, numActive)
	for i := 0; i < numActive; i++ {
		active[i] = i
	}
	for i := numActive; i < numScenes; i++ {
		j := rng.Intn(i + 1)
		if j < numActive {
			active[j] = i
		}
	}

	inActive := make(map[int]bool, numActive)
	for _, idx := range active {
		inActive[idx] = true
	}
	for i := 0; i < numScenes; i++ {
		if !inActive[i] {
			inactive = append(inactive, i)
		}
	}
	return active, inactive
}

func (gen *Generator) workerLoop(workerID, cpu int) {
	defer gen.wg.Done()
	if cpu >= 0 {
		runtime.LockOSThread()
		affinity.Pin(cpu)
	}

	var lastSeen uint64
	for {
		gen.mu.Lock()
		for gen.generation == lastSeen && !gen.exit {
			gen.cond.Wait()
		}
		if gen.exit {
			gen.mu.Unlock()
			return
		}
		lastSeen = gen.generation
		gr := gen.curGroup
		gen.mu.Unlock()

		gen.drain(workerID, gr)
		atomic.AddInt64(&gen.workersFinished, 1)
	}
}

// drain repeatedly claims the next unclaimed environment in gr via a single
// shared fetch-add counter (work stealing with no per-worker deque, per
// spec.md §9) until the group is exhausted.
func (gen *Generator) drain(workerID int, gr *groupRuntime) {
	for {
		idx := atomic.AddInt64(&gen.nextEnvQueue, 1) - 1
		if idx >= int64(gr.envsPerGroup) {
			return
		}
		gen.stepOneEnv(workerID, gr, int(idx))
	}
}

func (gen *Generator) stepOneEnv(workerID int, gr *groupRuntime, envIdx int) {
	group := gr.group
	sceneIdx := group.SceneIndexOf(envIdx)
	pf := gen.pathfinders.For(workerID, sceneIdx)
	rng := gen.workerRNGs[workerID]

	if gr.resetAll {
		group.Reset(envIdx, pf, rng)
		return
	}

	done := group.Step(envIdx, pf, sim.Action(gr.actions[envIdx]))
	if !done {
		return
	}

	if group.SwapReady(envIdx) {
		if err := group.SwapScene(envIdx); err != nil {
			panic(fmt.Sprintf("rollout: scene swap failed for env %d: %v", envIdx, err))
		}
		sceneIdx = group.SceneIndexOf(envIdx)
		pf = gen.pathfinders.For(workerID, sceneIdx)
	}

	// Group.Reset rewrites the reward and mask slots; keep this terminal
	// step's reward and mask = 0 so the caller still sees them.
	reward, mask := group.Rewards[envIdx], group.Masks[envIdx]
	group.Reset(envIdx, pf, rng)
	group.Rewards[envIdx], group.Masks[envIdx] = reward, mask
}

// release arms the next barrier cycle and wakes every background worker.
func (gen *Generator) release(gr *groupRuntime) {
	gen.mu.Lock()
	atomic.StoreInt64(&gen.workersFinished, 0)
	atomic.StoreInt64(&gen.nextEnvQueue, 0)
	gen.curGroup = gr
	gen.generation++
	gen.cond.Broadcast()
	gen.mu.Unlock()
}

// StepStart installs any ready scenes on every slot, then releases all
// workers to step group groupIdx with actions.
func (gen *Generator) StepStart(groupIdx int, actions []int64) {
	group := gen.group(groupIdx)
	if len(actions) != group.NumEnvs() {
		panic(fmt.Sprintf("rollout: actions has length %d, want %d", len(actions), group.NumEnvs()))
	}

	gen.mu.Lock()
	if gen.stepInFlight {
		gen.mu.Unlock()
		panic(fmt.Sprintf("rollout: StepStart(%d) called while the shared barrier is still open "+
			"(a previous StepStart/Reset has not yet completed)", groupIdx))
	}
	gen.stepInFlight = true
	gen.mu.Unlock()

	for _, slot := range gen.slots {
		slot.PreStep(gen.envsPerScene)
	}

	gen.release(&groupRuntime{group: group, actions: actions, envsPerGroup: group.NumEnvs()})
}

// StepEnd joins the work started by StepStart: the calling goroutine drains
// the queue as worker 0, then spins until every worker has finished, then
// lets every slot whose environments have all migrated drop its pending
// scene and start its next rotation.
func (gen *Generator) StepEnd(groupIdx int) {
	gen.mu.Lock()
	gr := gen.curGroup
	gen.mu.Unlock()

	gen.drain(0, gr)
	atomic.AddInt64(&gen.workersFinished, 1)
	for atomic.LoadInt64(&gen.workersFinished) != int64(gen.numWorkers+1) {
		runtime.Gosched()
	}

	didSwap := false
	for _, slot := range gen.slots {
		if slot.PostStep() {
			didSwap = true
		}
	}
	gen.swapCounter.RecordStep(didSwap)

	gen.mu.Lock()
	gen.stepInFlight = false
	gen.mu.Unlock()
}

// Render submits group groupIdx's view matrices to the external renderer.
func (gen *Generator) Render(groupIdx int) {
	gen.group(groupIdx).Render()
}

// Step is the convenience composition stepStart + stepEnd + render.
func (gen *Generator) Step(groupIdx int, actions []int64) {
	gen.StepStart(groupIdx, actions)
	gen.StepEnd(groupIdx)
	gen.Render(groupIdx)
}

// Reset releases all workers to reset every environment in groupIdx,
// ignoring any action vector, then joins the work the same way StepEnd
// does. It opens and closes the shared barrier within this one call, so it
// holds stepInFlight for the same reason StepStart/StepEnd do: this is the
// same shared barrier, not a per-group one, and only one group's cycle may
// have it open at a time.
func (gen *Generator) Reset(groupIdx int) {
	gen.mu.Lock()
	if gen.stepInFlight {
		gen.mu.Unlock()
		panic(fmt.Sprintf("rollout: Reset(%d) called while the shared barrier is still open "+
			"(a previous StepStart/Reset has not yet completed)", groupIdx))
	}
	gen.stepInFlight = true
	gen.mu.Unlock()

	group := gen.group(groupIdx)
	gen.release(&groupRuntime{group: group, resetAll: true, envsPerGroup: group.NumEnvs()})

	gen.drain(0, gen.curGroup)
	atomic.AddInt64(&gen.workersFinished, 1)
	for atomic.LoadInt64(&gen.workersFinished) != int64(gen.numWorkers+1) {
		runtime.Gosched()
	}

	gen.mu.Lock()
	gen.stepInFlight = false
	gen.mu.Unlock()
}

// WaitForFrame blocks until the external renderer's GPU frame for groupIdx
// has completed.
func (gen *Generator) WaitForFrame(groupIdx int) error {
	return gen.cfg.Renderer.WaitForFrame(groupIdx)
}

func (gen *Generator) GetRewards(groupIdx int) []float32      { return gen.group(groupIdx).Rewards }
func (gen *Generator) GetMasks(groupIdx int) []uint8          { return gen.group(groupIdx).Masks }
func (gen *Generator) GetInfos(groupIdx int) []sim.InfoRecord { return gen.group(groupIdx).Infos }
func (gen *Generator) GetPolars(groupIdx int) [][2]float32    { return gen.group(groupIdx).Polars }

func (gen *Generator) RGBA(groupIdx int) uintptr  { return gen.cfg.Renderer.RGBA(groupIdx) }
func (gen *Generator) Depth(groupIdx int) uintptr { return gen.cfg.Renderer.Depth(groupIdx) }
func (gen *Generator) CUDASemaphore(groupIdx int) uintptr {
	return gen.cfg.Renderer.CUDASemaphore(groupIdx)
}

// SwapStats reports the percentage of steps that completed a scene swap,
// the number of distinct scenes currently live across all slots, and the
// mean number of environments per live scene.
func (gen *Generator) SwapStats() (percentStepsWithSwap float64, distinctScenesLive int, meanEnvsPerScene float64) {
	seen := make(map[int]bool, len(gen.slots))
	for _, slot := range gen.slots {
		seen[slot.ActiveSceneIndex()] = true
	}
	distinctScenesLive = len(seen)
	if distinctScenesLive == 0 {
		return gen.swapCounter.PercentStepsWithSwap(), 0, 0
	}
	meanEnvsPerScene = float64(gen.cfg.NumEnvironments) / float64(distinctScenesLive)
	return gen.swapCounter.PercentStepsWithSwap(), distinctScenesLive, meanEnvsPerScene
}

// Close signals shutdown to every background worker and joins them.
func (gen *Generator) Close() {
	gen.mu.Lock()
	gen.exit = true
	gen.generation++
	gen.cond.Broadcast()
	gen.mu.Unlock()
	gen.wg.Wait()
}

func (gen *Generator) group(groupIdx int) *envgroup.Group {
	return gen.groups[groupIdx]
}
