// Command rolloutd is a smoke-test driver: it builds a Generator against a
// synthetic on-disk dataset and an in-memory fake Renderer, steps it for a
// fixed number of iterations, and prints a summary. It optionally serves
// the telemetry package's WebSocket swap-stats stream.
package main

import (
	"compress/gzip"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/eundersander/bps-nav/internal/envgroup"
	"github.com/eundersander/bps-nav/internal/navmath"
	"github.com/eundersander/bps-nav/internal/rollout"
	"github.com/eundersander/bps-nav/internal/sceneswap"
	"github.com/eundersander/bps-nav/internal/telemetry"
)

func main() {
	numEnvironments := flag.Int("envs", 8, "number of environments")
	numActiveScenes := flag.Int("active-scenes", 2, "number of active scene slots")
	numScenes := flag.Int("scenes", 6, "number of synthetic scenes to generate")
	numSteps := flag.Int("steps", 50, "number of steps to run")
	seed := flag.Int64("seed", 1, "rng seed")
	serveTelemetry := flag.String("telemetry-addr", "", "if set, serve the swap-stats WebSocket hub on this address (e.g. :8080)")
	flag.Parse()

	log := telemetry.NewLogger("rolloutd")

	datasetDir, err := os.MkdirTemp("", "bps-nav-demo-dataset")
	if err != nil {
		log.Fatal().Err(err).Msg("rolloutd: create temp dataset dir")
	}
	defer os.RemoveAll(datasetDir)

	if err := writeSyntheticDataset(datasetDir, *numScenes); err != nil {
		log.Fatal().Err(err).Msg("rolloutd: write synthetic dataset")
	}

	var hub *telemetry.Hub
	if *serveTelemetry != "" {
		hub = telemetry.NewHub(log, 30*time.Second)
		go func() {
			log.Info().Str("addr", *serveTelemetry).Msg("rolloutd: serving telemetry hub")
			if err := http.ListenAndServe(*serveTelemetry, hub); err != nil {
				log.Error().Err(err).Msg("rolloutd: telemetry server stopped")
			}
		}()
	}

	gen, err := rollout.Construct(rollout.Config{
		DatasetDir:      datasetDir,
		AssetDir:        "/assets",
		NumEnvironments: *numEnvironments,
		NumActiveScenes: *numActiveScenes,
		NumGroups:       1,
		NumWorkers:      -1,
		LoaderThreads:   2,
		FOV:             90,
		Near:            0.1,
		Far:             100,
		Seed:            *seed,
		SetAffinity:     false,
		LoadRateLimit:   100 * time.Millisecond,
		Renderer:        &fakeRenderer{},
		AssetLoader:     &fakeAssetLoader{},
		Log:             log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("rolloutd: construct")
	}
	defer gen.Close()

	gen.Reset(0)

	rng := rand.New(rand.NewSource(*seed))
	actions := make([]int64, *numEnvironments)

	for step := 0; step < *numSteps; step++ {
		for i := range actions {
			actions[i] = int64(rng.Intn(4))
		}
		stepStart := time.Now()
		gen.Step(0, actions)
		if err := gen.WaitForFrame(0); err != nil {
			log.Error().Err(err).Msg("rolloutd: wait for frame")
		}
		stepDuration := time.Since(stepStart)

		if hub != nil {
			pct, distinct, mean := gen.SwapStats()
			hub.Broadcast(telemetry.Snapshot{
				Step:                 int64(step),
				PercentStepsWithSwap: pct,
				DistinctScenesLive:   distinct,
				MeanEnvsPerScene:     mean,
				StepDurationMicros:   stepDuration.Microseconds(),
			})
		}
	}

	pct, distinct, mean := gen.SwapStats()
	fmt.Printf("ran %d steps over %d environments\n", *numSteps, *numEnvironments)
	fmt.Printf("swap_stats: %.1f%% steps with a swap, %d distinct scenes live, %.2f mean envs/scene\n", pct, distinct, mean)
}

func writeSyntheticDataset(dir string, numScenes int) error {
	for i := 0; i < numScenes; i++ {
		body := fmt.Sprintf(`{"episodes":[{"start_position":[0,0,0],"start_rotation":[1,0,0,0],`+
			`"goals":[{"position":[0,0,-1]}],"scene_id":"scene_%d.glb"}]}`, i)

		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("scene_%d.json.gz", i)))
		if err != nil {
			return err
		}
		gw := gzip.NewWriter(f)
		if _, err := gw.Write([]byte(body)); err != nil {
			f.Close()
			return err
		}
		if err := gw.Close(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

// fakeEnvHandle and fakeRenderer stand in for the real GPU batch renderer,
// which lives outside this module.
type fakeEnvHandle struct{ sceneIndex int }

type fakeRenderer struct{}

func (r *fakeRenderer) NewEnvHandle(scene *sceneswap.Handle, fov, near, far float64) (envgroup.RenderEnvHandle, error) {
	return &fakeEnvHandle{sceneIndex: scene.SceneIndex}, nil
}
func (r *fakeRenderer) Submit(h envgroup.RenderEnvHandle, view navmath.Mat4) {}
func (r *fakeRenderer) WaitForFrame(groupIdx int) error                      { return nil }
func (r *fakeRenderer) RGBA(groupIdx int) uintptr                            { return 0 }
func (r *fakeRenderer) Depth(groupIdx int) uintptr                           { return 0 }
func (r *fakeRenderer) CUDASemaphore(groupIdx int) uintptr                   { return 0 }

// fakeAssetLoader stands in for the real GPU mesh asset loader.
type fakeAssetLoader struct{}

func (l *fakeAssetLoader) Load(meshPath string) (*sceneswap.Handle, error) {
	return sceneswap.NewHandle(0), nil
}
