// Package dataset loads and indexes point-goal navigation episodes from a
// directory of gzip-compressed JSON files, one scene per file.
package dataset

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eundersander/bps-nav/internal/navmath"
	"github.com/rs/zerolog"
)

// Episode is one (start pose, goal) pair within a scene.
type Episode struct {
	StartPos navmath.Vec3
	StartRot navmath.Quat
	Goal     navmath.Vec3
}

// SceneMetadata indexes one scene's episode span and asset paths.
type SceneMetadata struct {
	SceneID      string
	FirstEpisode int
	NumEpisodes  int
	MeshPath     string
	NavmeshPath  string
}

// Dataset is the immutable, process-lifetime index of all episodes and
// scenes loaded from a dataset directory.
type Dataset struct {
	Episodes []Episode
	Scenes   []SceneMetadata
}

// EpisodesOf returns the episode span for sceneIndex in O(1).
func (d *Dataset) EpisodesOf(sceneIndex int) []Episode {
	s := d.Scenes[sceneIndex]
	return d.Episodes[s.FirstEpisode : s.FirstEpisode+s.NumEpisodes]
}

// ScenePath returns the renderable mesh asset path for sceneIndex.
func (d *Dataset) ScenePath(sceneIndex int) string {
	return d.Scenes[sceneIndex].MeshPath
}

// NavmeshPath returns the navmesh asset path for sceneIndex.
func (d *Dataset) NavmeshPath(sceneIndex int) string {
	return d.Scenes[sceneIndex].NavmeshPath
}

// wireEpisode and wireGoal mirror the on-disk JSON schema documented in
// spec.md §6.
type wireGoal struct {
	Position [3]float64 `json:"position"`
}

type wireEpisode struct {
	StartPosition [3]float64 `json:"start_position"`
	StartRotation [4]float64 `json:"start_rotation"`
	Goals         []wireGoal `json:"goals"`
	SceneID       string     `json:"scene_id"`
}

type wireFile struct {
	Episodes []wireEpisode `json:"episodes"`
}

// fileResult is what one loader worker produces for one dataset file.
type fileResult struct {
	scene        SceneMetadata
	episodes     []Episode
	ignoredGoals int
	err          error
}

// Load enumerates every *.json.gz file in datasetDir, decompresses and
// parses it, and assembles the merged Dataset. Files are assigned to
// loaderThreads workers via a shared atomic cursor (the same work-claim
// pattern the scheduler uses for environments); each worker writes its
// result into its own preallocated slot, and the results are merged in one
// sequential pass after every worker has finished, so no lock is needed.
//
// Fails (returns a non-nil error) on: unparseable JSON, a file whose
// episodes reference more than one scene_id, a malformed (empty) scene id,
// or a dataset directory containing no *.json.gz files.
func Load(datasetDir, assetDir string, loaderThreads int, log zerolog.Logger) (*Dataset, error) {
	files, err := findDatasetFiles(datasetDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("dataset: no *.json.gz files found in %s", datasetDir)
	}
	if loaderThreads < 1 {
		loaderThreads = 1
	}

	results := make([]fileResult, len(files))
	var cursor int64
	var wg sync.WaitGroup

	for w := 0; w < loaderThreads; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= len(files) {
					return
				}
				results[i] = loadFile(files[i], assetDir)
			}
		}()
	}
	wg.Wait()

	ds := &Dataset{}
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		r.scene.FirstEpisode = len(ds.Episodes)
		r.scene.NumEpisodes = len(r.episodes)
		ds.Scenes = append(ds.Scenes, r.scene)
		ds.Episodes = append(ds.Episodes, r.episodes...)

		if r.ignoredGoals > 0 {
			log.Debug().
				Str("scene_id", r.scene.SceneID).
				Int("ignored_goals", r.ignoredGoals).
				Msg("dataset: episode file listed extra goals beyond the first; only goals[0] is used")
		}
	}

	log.Info().
		Int("scenes", len(ds.Scenes)).
		Int("episodes", len(ds.Episodes)).
		Int("loader_threads", loaderThreads).
		Msg("dataset: loaded")

	return ds, nil
}

func findDatasetFiles(datasetDir string) ([]string, error) {
	entries, err := os.ReadDir(datasetDir)
	if err != nil {
		return nil, fmt.Errorf("dataset: read dir %s: %w", datasetDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".json.gz") {
			files = append(files, filepath.Join(datasetDir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func loadFile(path, assetDir string) fileResult {
	f, err := os.Open(path)
	if err != nil {
		return fileResult{err: fmt.Errorf("dataset: open %s: %w", path, err)}
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fileResult{err: fmt.Errorf("dataset: gunzip %s: %w", path, err)}
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return fileResult{err: fmt.Errorf("dataset: read %s: %w", path, err)}
	}

	var wf wireFile
	if err := json.Unmarshal(raw, &wf); err != nil {
		return fileResult{err: fmt.Errorf("dataset: parse %s: %w", path, err)}
	}
	if len(wf.Episodes) == 0 {
		return fileResult{err: fmt.Errorf("dataset: %s has no episodes", path)}
	}

	sceneID := wf.Episodes[0].SceneID
	if sceneID == "" {
		return fileResult{err: fmt.Errorf("dataset: %s has an empty scene_id", path)}
	}

	episodes := make([]Episode, len(wf.Episodes))
	ignoredGoals := 0
	for i, we := range wf.Episodes {
		if we.SceneID != sceneID {
			return fileResult{err: fmt.Errorf(
				"dataset: %s contains episodes for more than one scene (%q and %q); one scene per file is required",
				path, sceneID, we.SceneID)}
		}
		if len(we.Goals) == 0 {
			return fileResult{err: fmt.Errorf("dataset: %s episode %d has no goals", path, i)}
		}
		if len(we.Goals) > 1 {
			ignoredGoals += len(we.Goals) - 1
		}
		episodes[i] = Episode{
			StartPos: navmath.Vec3{we.StartPosition[0], we.StartPosition[1], we.StartPosition[2]},
			StartRot: navmath.Quat{
				W: we.StartRotation[0],
				V: navmath.Vec3{we.StartRotation[1], we.StartRotation[2], we.StartRotation[3]},
			},
			Goal: navmath.Vec3{we.Goals[0].Position[0], we.Goals[0].Position[1], we.Goals[0].Position[2]},
		}
	}

	meshPath, navmeshPath, err := assetPaths(assetDir, sceneID)
	if err != nil {
		return fileResult{err: err}
	}

	return fileResult{
		scene: SceneMetadata{
			SceneID:     sceneID,
			MeshPath:    meshPath,
			NavmeshPath: navmeshPath,
		},
		episodes:     episodes,
		ignoredGoals: ignoredGoals,
	}
}

// assetPaths derives the renderable-mesh and navmesh asset paths for a
// scene_id of the form "foo/bar.ext": asset_dir/foo/bar.bps and
// asset_dir/foo/bar.navmesh.
func assetPaths(assetDir, sceneID string) (meshPath, navmeshPath string, err error) {
	ext := filepath.Ext(sceneID)
	if ext == "" {
		return "", "", fmt.Errorf("dataset: malformed scene id %q: no extension", sceneID)
	}
	stem := strings.TrimSuffix(sceneID, ext)
	if stem == "" {
		return "", "", fmt.Errorf("dataset: malformed scene id %q: empty stem", sceneID)
	}
	return filepath.Join(assetDir, stem+".bps"), filepath.Join(assetDir, stem+".navmesh"), nil
}
