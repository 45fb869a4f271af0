package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kurtbell87/orchestration-kit/pkg/engine"
	"github.com/kurtbell87/orchestration-kit/pkg/events"
	"github.com/kurtbell87/orchestration-kit/pkg/interop"
	"github.com/kurtbell87/orchestration-kit/pkg/kiterr"
	"github.com/kurtbell87/orchestration-kit/pkg/model"
)

// commandTable resolves (kit, phase) pairs to real executables, the one
// piece of catalogue knowledge both mcp.Facade and interop.Router
// deliberately stay blind to. An explicit
// ORCHESTRATION_KIT_CMD_{KIT}_{PHASE} environment override always wins;
// otherwise a kit's phase is assumed to be a "{kit}-{phase}" executable on
// PATH, e.g. a "tdd-red" binary for kit=tdd, phase=red.
type commandTable struct {
	orchestrationKitRoot string
	projectRoot          string
}

func envKey(kit, phase string) string {
	clean := func(s string) string {
		s = strings.ToUpper(s)
		return strings.NewReplacer("-", "_", ".", "_").Replace(s)
	}
	return fmt.Sprintf("ORCHESTRATION_KIT_CMD_%s_%s", clean(kit), clean(phase))
}

// Resolve implements mcp.CommandResolver.
func (t *commandTable) Resolve(kit, phase string) (string, []string, error) {
	if override := os.Getenv(envKey(kit, phase)); override != "" {
		fields := strings.Fields(override)
		if len(fields) == 0 {
			return "", nil, kiterr.Newf(kiterr.Validation, "empty command override for %s/%s", kit, phase)
		}
		return fields[0], fields[1:], nil
	}

	name := fmt.Sprintf("%s-%s", kit, phase)
	path, err := exec.LookPath(name)
	if err != nil {
		return "", nil, kiterr.Newf(kiterr.NotFound, "no command resolved for kit=%s phase=%s (looked for %q or %s)", kit, phase, name, envKey(kit, phase))
	}
	return path, nil, nil
}

// LaunchAndWait implements interop.ChildLauncher: it resolves the
// request's target kit/phase, runs it synchronously to completion with
// ORCHESTRATION_KIT_ROOT, PROJECT_ROOT, ORCHESTRATION_KIT_RUN_ID,
// ORCHESTRATION_KIT_PARENT_RUN_ROOT and the reentry guard flag added to
// its environment (KIT_STATE_DIR, which engine.LaunchBackground sets, is
// not set here), and folds the child's own events.jsonl into a
// ChildOutcome.
func (t *commandTable) LaunchAndWait(ctx context.Context, req *model.Request, parentRunRoot string) (interop.ChildOutcome, error) {
	phase := req.ToPhase
	if phase == "" {
		phase = req.Action
	}
	command, args, err := t.Resolve(req.ToKit, phase)
	if err != nil {
		return interop.ChildOutcome{}, err
	}

	runID := model.NewRunID(time.Now())
	runRoot := engine.AssignRunRoot(t.orchestrationKitRoot, runID)
	if err := os.MkdirAll(runRoot, 0o755); err != nil {
		return interop.ChildOutcome{}, fmt.Errorf("create child run dir: %w", err)
	}

	logPath := filepath.Join(runRoot, "launch.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return interop.ChildOutcome{}, fmt.Errorf("create child launch log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = t.projectRoot
	cmd.Env = append(os.Environ(),
		"ORCHESTRATION_KIT_ROOT="+t.orchestrationKitRoot,
		"PROJECT_ROOT="+t.projectRoot,
		"ORCHESTRATION_KIT_RUN_ID="+runID,
		"ORCHESTRATION_KIT_PARENT_RUN_ROOT="+parentRunRoot,
		engine.ReentryGuardEnv+"=1",
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	runErr := cmd.Run()

	project := events.Project{
		ProjectID:            model.ProjectID(t.orchestrationKitRoot),
		OrchestrationKitRoot: t.orchestrationKitRoot,
		ProjectRoot:          t.projectRoot,
	}
	run, _, parseErr := events.ParseRun(project, runRoot)
	if parseErr != nil || run == nil {
		status := "ok"
		if runErr != nil {
			status = "failed"
		}
		return interop.ChildOutcome{RunID: runID, Status: status}, nil
	}

	return interop.ChildOutcome{
		RunID:        run.RunID,
		Status:       string(run.Status),
		CapsulePath:  run.CapsulePath,
		ManifestPath: run.ManifestPath,
	}, nil
}
