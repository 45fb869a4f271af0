package index

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/kurtbell87/orchestration-kit/pkg/events"
	"github.com/kurtbell87/orchestration-kit/pkg/model"
)

// ReindexResult reports what a full reindex did, mirroring
// original_source/dashboard/indexing.py's index_projects() return shape.
type ReindexResult struct {
	ProjectsIndexed int      `json:"projects_indexed"`
	RunsIndexed     int      `json:"runs_indexed"`
	RequestsIndexed int      `json:"requests_indexed"`
	MissingRoots    []string `json:"missing_roots,omitempty"`
}

// Reindex deletes and reinserts every run/request row for each given
// project, then (only if cleanupStale) removes any project row in the
// store that is not in the active set. cleanup_stale=false never touches
// a project outside the given list (spec §4.3: "never does stale-project
// GC when cleanup_stale=false").
func Reindex(ctx context.Context, store Store, projects []model.Project, cleanupStale bool) (ReindexResult, error) {
	var result ReindexResult

	if cleanupStale {
		active := map[string]bool{}
		for _, p := range projects {
			active[p.ProjectID] = true
		}
		existing, err := store.ListProjects(ctx)
		if err != nil {
			return result, err
		}
		for _, p := range existing {
			if !active[p.ProjectID] {
				if err := store.DeleteProject(ctx, p.ProjectID); err != nil {
					return result, err
				}
			}
		}
	}

	for _, p := range projects {
		if err := store.UpsertProject(ctx, p); err != nil {
			return result, err
		}
		if err := store.DeleteProjectRows(ctx, p.ProjectID); err != nil {
			return result, err
		}
		result.ProjectsIndexed++

		runRoots, err := discoverRunRoots(p.OrchestrationKitRoot)
		if err != nil || len(runRoots) == 0 {
			result.MissingRoots = append(result.MissingRoots, p.OrchestrationKitRoot)
			continue
		}

		evProject := events.Project{
			ProjectID:            p.ProjectID,
			OrchestrationKitRoot: p.OrchestrationKitRoot,
			ProjectRoot:          p.ProjectRoot,
		}
		for _, runRoot := range runRoots {
			run, requests, err := events.ParseRun(evProject, runRoot)
			if err != nil {
				continue // missing/unreadable events.jsonl; skip this run
			}
			if err := store.InsertRun(ctx, run); err != nil {
				return result, err
			}
			result.RunsIndexed++
			for _, req := range requests {
				if err := store.InsertRequest(ctx, req); err != nil {
					return result, err
				}
				result.RequestsIndexed++
			}
		}
	}

	return result, nil
}

// discoverRunRoots finds every subdirectory of <orchestrationKitRoot>/runs
// that contains an events.jsonl file, sorted lexicographically for
// deterministic indexing order.
func discoverRunRoots(orchestrationKitRoot string) ([]string, error) {
	runsDir := filepath.Join(orchestrationKitRoot, "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil, err
	}

	var roots []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		root := filepath.Join(runsDir, e.Name())
		if _, err := os.Stat(filepath.Join(root, "events.jsonl")); err == nil {
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	return roots, nil
}

// UpsertSingleRun re-parses one run's event stream and upserts it into the
// store, mirroring upsert_single_run(project_id, kit_root, project_root,
// run_id, run_root). Returns an error if events.jsonl is missing or
// unreadable.
func UpsertSingleRun(ctx context.Context, store Store, project events.Project, runRoot string) (*model.Run, error) {
	run, requests, err := events.ParseRun(project, runRoot)
	if err != nil {
		return nil, err
	}
	if err := store.UpsertRun(ctx, run); err != nil {
		return nil, err
	}
	for _, req := range requests {
		if err := store.UpsertRequest(ctx, req); err != nil {
			return nil, err
		}
	}
	return run, nil
}
