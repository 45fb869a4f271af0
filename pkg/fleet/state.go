package fleet

import (
	"path/filepath"
	"sort"

	"github.com/kurtbell87/orchestration-kit/pkg/model"
	"github.com/kurtbell87/orchestration-kit/pkg/statefile"
)

// GlobalStatePath is the global cloud-run state file, atomically rewritten
// per update (spec §3 "Cloud Run State").
func GlobalStatePath(orchestrationKitRoot string) string {
	return filepath.Join(orchestrationKitRoot, ".kit", "cloud-runs.json")
}

// ProjectStatePath is the per-project mirror (spec §6 ".kit/cloud-state.json").
func ProjectStatePath(projectRoot string) string {
	return filepath.Join(projectRoot, ".kit", "cloud-state.json")
}

// loadGlobalState reads the global cloud-run registry, tolerating a
// missing file as empty.
func loadGlobalState(path string) map[string]model.CloudRunState {
	var runs []model.CloudRunState
	_ = statefile.ReadJSON(path, &runs)
	out := make(map[string]model.CloudRunState, len(runs))
	for _, r := range runs {
		out[r.RunID] = r
	}
	return out
}

func saveGlobalState(path string, runs map[string]model.CloudRunState) error {
	list := make([]model.CloudRunState, 0, len(runs))
	for _, r := range runs {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RunID < list[j].RunID })
	return statefile.WriteJSON(path, list)
}

// upsertGlobalState atomically merges one run's state into the global
// registry file.
func upsertGlobalState(path, runID string, update func(*model.CloudRunState)) error {
	runs := loadGlobalState(path)
	r := runs[runID]
	r.RunID = runID
	update(&r)
	runs[runID] = r
	return saveGlobalState(path, runs)
}

// removeGlobalState drops a run from the global registry on successful
// terminate or completion (spec §3 "Lifecycles: Cloud runs").
func removeGlobalState(path, runID string) error {
	runs := loadGlobalState(path)
	delete(runs, runID)
	return saveGlobalState(path, runs)
}

func loadProjectState(path string) model.ProjectCloudState {
	var s model.ProjectCloudState
	if err := statefile.ReadJSON(path, &s); err != nil || s.ActiveRuns == nil {
		s.ActiveRuns = map[string]model.CloudRunState{}
	}
	return s
}

func upsertProjectState(path, runID string, update func(*model.CloudRunState)) error {
	s := loadProjectState(path)
	r := s.ActiveRuns[runID]
	r.RunID = runID
	update(&r)
	s.ActiveRuns[runID] = r
	return statefile.WriteJSON(path, s)
}

func removeProjectState(path, runID string) error {
	s := loadProjectState(path)
	delete(s.ActiveRuns, runID)
	return statefile.WriteJSON(path, s)
}
