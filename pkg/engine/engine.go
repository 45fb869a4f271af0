// Package engine implements the Run Lifecycle Engine (C3): launching
// opaque phase processes in the background, tracking them in memory while
// they run, killing them on request, and reconciling the index with
// reality via reindex and garbage collection.
//
// Grounded on the teacher's pkg/tools/gemini.go subprocess-spawn idiom
// (exec.CommandContext, inherited environment, Start-then-async-Wait) and
// original_source/dashboard/indexing.py's GC algorithm.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kurtbell87/orchestration-kit/pkg/events"
	"github.com/kurtbell87/orchestration-kit/pkg/index"
	"github.com/kurtbell87/orchestration-kit/pkg/kitlog"
	"github.com/kurtbell87/orchestration-kit/pkg/kiterr"
	"github.com/kurtbell87/orchestration-kit/pkg/model"
)

const component = "engine"

// ReentryGuardEnv is the env flag for the spec §4.3 "hook-reentrancy
// guard". The engine always sets it to "1" in a launched process's
// environment; ReentryActive reads it, but no launch path in this module
// checks it before spawning, so recursive invocation is not prevented.
const ReentryGuardEnv = "ORCHESTRATION_KIT_LAUNCH_ACTIVE"

// ReentryActive reports whether the current process was itself launched
// by the engine, i.e. whether it should delegate rather than re-invoke.
func ReentryActive() bool {
	return os.Getenv(ReentryGuardEnv) == "1"
}

// LaunchSpec describes one phase process to launch.
type LaunchSpec struct {
	Kit                  string
	Phase                string
	Args                 []string
	Command              string // resolved executable, e.g. a kit's phase entrypoint
	ProjectRoot          string
	OrchestrationKitRoot string
	KitStateDir          string
}

// LaunchResult is returned synchronously from LaunchBackground.
type LaunchResult struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	LaunchLog string `json:"launch_log,omitempty"`
	Error     string `json:"error,omitempty"`
}

// processHandle is the in-memory record of one launched, still-tracked
// process. It is process-lifetime state: the facade's "_background" map
// from spec §9, here owned by the Engine itself.
type processHandle struct {
	runID     string
	kit       string
	phase     string
	pid       int
	startedAt time.Time
	cmd       *exec.Cmd
	done      chan struct{}
	exitErr   error
}

// Engine owns the in-memory process registry plus the index store it
// reconciles against.
type Engine struct {
	store index.Store

	mu        sync.RWMutex
	processes map[string]*processHandle
}

// New constructs an Engine bound to store.
func New(store index.Store) *Engine {
	return &Engine{store: store, processes: map[string]*processHandle{}}
}

// LaunchBackground spawns spec's phase process, redirecting its
// stdout+stderr to a per-run launch log, and returns immediately once the
// process has started. The launched process is responsible for writing
// events.jsonl and, on termination, the final pointer artifacts; the
// engine's job ends at successful process start.
func (e *Engine) LaunchBackground(ctx context.Context, spec LaunchSpec, now time.Time) LaunchResult {
	runID := model.NewRunID(now)

	runsDir := filepath.Join(spec.OrchestrationKitRoot, "runs", runID)
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return LaunchResult{RunID: runID, Status: "error", Error: err.Error()}
	}
	launchLog := filepath.Join(runsDir, "launch.log")
	logFile, err := os.Create(launchLog)
	if err != nil {
		return LaunchResult{RunID: runID, Status: "error", Error: err.Error()}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.ProjectRoot
	cmd.Env = append(os.Environ(),
		"ORCHESTRATION_KIT_ROOT="+spec.OrchestrationKitRoot,
		"PROJECT_ROOT="+spec.ProjectRoot,
		"KIT_STATE_DIR="+spec.KitStateDir,
		"ORCHESTRATION_KIT_RUN_ID="+runID,
		ReentryGuardEnv+"=1",
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setNewProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		kitlog.ErrorCF(component, "launch failed", map[string]any{"run_id": runID, "kit": spec.Kit, "phase": spec.Phase, "error": err.Error()})
		return LaunchResult{RunID: runID, Status: "error", LaunchLog: launchLog, Error: err.Error()}
	}

	handle := &processHandle{
		runID:     runID,
		kit:       spec.Kit,
		phase:     spec.Phase,
		pid:       cmd.Process.Pid,
		startedAt: now,
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	e.mu.Lock()
	e.processes[runID] = handle
	e.mu.Unlock()

	go func() {
		defer logFile.Close()
		defer close(handle.done)
		handle.exitErr = cmd.Wait()
	}()

	kitlog.InfoCF(component, "launched", map[string]any{"run_id": runID, "kit": spec.Kit, "phase": spec.Phase, "pid": handle.pid})
	return LaunchResult{RunID: runID, Status: "launched", LaunchLog: launchLog}
}

// ActiveProcess is a process-visibility snapshot row.
type ActiveProcess struct {
	RunID     string    `json:"run_id"`
	Kit       string    `json:"kit"`
	Phase     string    `json:"phase"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// ActiveProcesses returns a point-in-time snapshot of every process this
// engine instance has launched and not yet reaped from memory.
func (e *Engine) ActiveProcesses() []ActiveProcess {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ActiveProcess, 0, len(e.processes))
	for _, h := range e.processes {
		select {
		case <-h.done:
			continue // exited; GC/reindex will observe its run_finished event
		default:
		}
		out = append(out, ActiveProcess{RunID: h.runID, Kit: h.kit, Phase: h.phase, PID: h.pid, StartedAt: h.startedAt})
	}
	return out
}

// KillResult is the outcome of a kill request.
type KillResult struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"` // "signaled" | "already_finished"
}

// Kill sends signal (SIGTERM or SIGKILL) to the process tracked for
// runID. An already-finished process returns already_finished without
// error (spec §7: "already-finished processes return already_finished
// without error").
func (e *Engine) Kill(runID string, sig syscall.Signal) (KillResult, error) {
	if sig != syscall.SIGTERM && sig != syscall.SIGKILL {
		return KillResult{}, kiterr.Newf(kiterr.Validation, "unsupported signal %v", sig)
	}

	e.mu.RLock()
	h, ok := e.processes[runID]
	e.mu.RUnlock()
	if !ok {
		return KillResult{}, kiterr.Newf(kiterr.NotFound, "no tracked process for run %s", runID)
	}

	select {
	case <-h.done:
		return KillResult{RunID: runID, Status: "already_finished"}, nil
	default:
	}

	if err := killProcessGroup(h.pid, sig); err != nil {
		return KillResult{}, kiterr.Wrap(kiterr.Fatal, "signal process", err)
	}
	return KillResult{RunID: runID, Status: "signaled"}, nil
}

// GCResult is the outcome of one GC pass.
type GCResult struct {
	DryRun     bool         `json:"dry_run"`
	StaleRuns  []StaleRun   `json:"stale_runs"`
	ReindexRes index.ReindexResult `json:"reindex"`
}

// StaleRun is one row the GC pass flagged as orphaned.
type StaleRun struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
	Reason    string `json:"reason"` // "pid_dead" | "no_pid_ancient"
}

const ancientAgeThreshold = 7200 * time.Second

// GC runs the three-step reconciliation algorithm from spec §4.3: (i)
// reindex every project non-destructively, (ii) select every running run
// and classify stale ones by reason, (iii) unless dry-run, flip them to
// failed/exit_code=137/finished_at=now.
func (e *Engine) GC(ctx context.Context, projects []model.Project, dryRun bool, now time.Time) (GCResult, error) {
	reindexRes, err := index.Reindex(ctx, e.store, projects, false)
	if err != nil {
		return GCResult{}, fmt.Errorf("gc reindex: %w", err)
	}

	result := GCResult{DryRun: dryRun, ReindexRes: reindexRes}

	for _, p := range projects {
		runs, err := e.store.ListRuns(ctx, index.RunFilter{ProjectID: p.ProjectID, Status: string(model.RunRunning)})
		if err != nil {
			return result, err
		}
		for _, r := range runs {
			reason, stale := classifyStale(r, now)
			if !stale {
				continue
			}
			result.StaleRuns = append(result.StaleRuns, StaleRun{ProjectID: p.ProjectID, RunID: r.RunID, Reason: reason})

			if dryRun {
				continue
			}
			exitCode := 137
			finishedAt := now
			r.Status = model.RunFailed
			r.ExitCode = &exitCode
			r.FinishedAt = &finishedAt
			if err := e.store.UpsertRun(ctx, &r.Run); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func classifyStale(r index.RunView, now time.Time) (reason string, stale bool) {
	if r.Host == "localhost" && r.PID != nil && !pidAlive(*r.PID) {
		return "pid_dead", true
	}
	if r.PID == nil && now.Sub(r.StartedAt) > ancientAgeThreshold {
		return "no_pid_ancient", true
	}
	return "", false
}

// pidAlive probes local process liveness via kill(pid, 0), mirroring
// pkg/index's orphan-detection probe (kept as a separate, unexported copy
// here since GC's classification runs against index.RunView, not against
// the store directly).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}

// AssignRunRoot resolves the filesystem path LaunchBackground/UpsertSingleRun
// uses for a given run under a project's orchestration-kit root.
func AssignRunRoot(orchestrationKitRoot, runID string) string {
	return filepath.Join(orchestrationKitRoot, "runs", runID)
}

// UpsertSingleRun re-parses one run's events and upserts it into the
// index, delegating to pkg/index.
func (e *Engine) UpsertSingleRun(ctx context.Context, project events.Project, runRoot string) (*model.Run, error) {
	return index.UpsertSingleRun(ctx, e.store, project, runRoot)
}

// Reindex delegates a full reindex to pkg/index.
func (e *Engine) Reindex(ctx context.Context, projects []model.Project, cleanupStale bool) (index.ReindexResult, error) {
	return index.Reindex(ctx, e.store, projects, cleanupStale)
}
