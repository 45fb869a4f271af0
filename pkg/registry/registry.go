// Package registry manages the project registry JSON file: a sorted array
// of registered workspaces, persisted independently of the SQLite index so
// the control plane can enumerate known projects without opening a
// database connection. Grounded on original_source/dashboard/registry.py.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kurtbell87/orchestration-kit/pkg/kiterr"
	"github.com/kurtbell87/orchestration-kit/pkg/model"
	"github.com/kurtbell87/orchestration-kit/pkg/statefile"
)

// Load reads the registry file, treating a missing or corrupt file as an
// empty registry (spec §7: "the index store treats corrupt JSON registry
// as empty and continues").
func Load(path string) []model.Project {
	var projects []model.Project
	if err := statefile.ReadJSON(path, &projects); err != nil {
		return nil
	}
	return projects
}

// Upsert registers or updates a project by orchestration-kit root,
// returning the full, re-sorted registry. Idempotent: calling twice with
// the same root yields exactly one entry for that project_id (invariant 3).
func Upsert(path string, orchestrationKitRoot, projectRoot, label string) ([]model.Project, error) {
	absRoot, err := filepath.Abs(orchestrationKitRoot)
	if err != nil {
		return nil, kiterr.Wrap(kiterr.Validation, "resolve orchestration_kit_root", err)
	}
	absProject, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, kiterr.Wrap(kiterr.Validation, "resolve project_root", err)
	}

	projects := Load(path)
	id := model.ProjectID(absRoot)
	now := time.Now().UTC()

	found := false
	for i := range projects {
		if projects[i].ProjectID == id {
			projects[i].Label = label
			projects[i].ProjectRoot = absProject
			projects[i].UpdatedAt = now
			found = true
			break
		}
	}
	if !found {
		projects = append(projects, model.Project{
			ProjectID:            id,
			Label:                label,
			OrchestrationKitRoot: absRoot,
			ProjectRoot:          absProject,
			RegisteredAt:         now,
			UpdatedAt:            now,
		})
	}

	sortProjects(projects)
	if err := statefile.WriteJSON(path, projects); err != nil {
		return nil, kiterr.Wrap(kiterr.Fatal, "write registry", err)
	}
	return projects, nil
}

// Remove unregisters a project by id, returning the updated registry.
// Removal is the only way a project disappears from the registry file —
// stale-project cleanup happens only in the index store's full reindex.
func Remove(path, projectID string) ([]model.Project, error) {
	projects := Load(path)
	kept := projects[:0]
	for _, p := range projects {
		if p.ProjectID != projectID {
			kept = append(kept, p)
		}
	}
	if err := statefile.WriteJSON(path, kept); err != nil {
		return nil, kiterr.Wrap(kiterr.Fatal, "write registry", err)
	}
	return kept, nil
}

func sortProjects(projects []model.Project) {
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].ProjectID < projects[j].ProjectID
	})
}

// MaybeSeed seeds the registry with the current orchestration-kit root if
// the registry is empty, mirroring maybe_seed_registry() in the original
// indexing module: a freshly-initialized control plane should always be
// able to enumerate at least its own project.
func MaybeSeed(path, orchestrationKitRoot, projectRoot string) ([]model.Project, error) {
	if existing := Load(path); len(existing) > 0 {
		return existing, nil
	}
	label := filepath.Base(projectRoot)
	return Upsert(path, orchestrationKitRoot, projectRoot, label)
}

// EnsureDir makes sure the registry file's parent directory exists.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
