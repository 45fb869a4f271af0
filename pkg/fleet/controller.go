package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/kurtbell87/orchestration-kit/pkg/kiterr"
	"github.com/kurtbell87/orchestration-kit/pkg/kitlog"
	"github.com/kurtbell87/orchestration-kit/pkg/model"
)

const component = "fleet"

// Controller is the Cloud Fleet Controller (C5): it owns backend selection,
// the global + per-project cloud state mirrors, and the batch/reap/poll
// orchestration spec §4.5 describes. Grounded on the teacher's
// pkg/fleet/node_manager.go lifecycle shape and pkg/fleet/executor.go's
// dispatch-and-poll pattern, generalized to elastic cloud compute.
type Controller struct {
	Backends              map[string]Backend
	OrchestrationKitRoot   string
	PollInterval           time.Duration
	HardCeiling            time.Duration
	gron                   gronx.Gronx
}

// New constructs a Controller. pollCadence and reapCadence are cron
// expressions validated at construction time (spec §5's "schedule-driven
// rather than a bare time.Sleep loop"); the actual cadence used by Poll and
// Reap is the fixed interval/ceiling durations, matching spec's literal
// "fixed-interval poll loop (30 s)" and reaper hard ceiling.
func New(orchestrationKitRoot string, backends map[string]Backend, pollInterval, hardCeiling time.Duration, pollCadence, reapCadence string) (*Controller, error) {
	g := gronx.New()
	if pollCadence != "" && !g.IsValid(pollCadence) {
		return nil, kiterr.Newf(kiterr.Validation, "invalid poll cadence expression %q", pollCadence)
	}
	if reapCadence != "" && !g.IsValid(reapCadence) {
		return nil, kiterr.Newf(kiterr.Validation, "invalid reap cadence expression %q", reapCadence)
	}
	return &Controller{
		Backends:             backends,
		OrchestrationKitRoot: orchestrationKitRoot,
		PollInterval:         pollInterval,
		HardCeiling:          hardCeiling,
		gron:                 g,
	}, nil
}

func (c *Controller) backend(name string) (Backend, error) {
	b, ok := c.Backends[name]
	if !ok {
		return nil, kiterr.Newf(kiterr.Validation, "unknown cloud backend %q", name)
	}
	return b, nil
}

// Launch provisions one instance for spec, enforcing spec-level
// single-flight (unless spec.AllowDuplicate) and persisting the result into
// both the global and per-project cloud state mirrors (spec §4.5, §3).
func (c *Controller) Launch(ctx context.Context, backendName, projectRoot string, spec ProvisionSpec, now time.Time) (model.CloudRunState, error) {
	b, err := c.backend(backendName)
	if err != nil {
		return model.CloudRunState{}, err
	}
	if spec.ClientToken == "" {
		spec.ClientToken = model.ClientToken(spec.RunID)
	}

	handle, err := b.Provision(ctx, spec)
	if err != nil {
		return model.CloudRunState{}, err
	}

	state := model.CloudRunState{
		RunID:        handle.RunID,
		Backend:      backendName,
		InstanceType: handle.InstanceType,
		Command:      spec.Command,
		SpecFile:     spec.SpecFile,
		ProjectRoot:  projectRoot,
		DataDirs:     spec.DataDirs,
		SyncBack:     spec.SyncBack,
		S3Prefix:     spec.S3Prefix,
		UseSpot:      handle.UseSpot,
		MaxHours:     spec.MaxHours,
		StartedAt:    now,
		Status:       model.CloudProvisioning,
		InstanceID:   handle.InstanceID,
		BatchID:      spec.BatchID,
		RegisteredAt: now,
	}

	globalPath := GlobalStatePath(c.OrchestrationKitRoot)
	if err := upsertGlobalState(globalPath, state.RunID, func(r *model.CloudRunState) { *r = state }); err != nil {
		return state, kiterr.Wrap(kiterr.Fatal, "persist global cloud state", err)
	}
	if projectRoot != "" {
		projPath := ProjectStatePath(projectRoot)
		if err := upsertProjectState(projPath, state.RunID, func(r *model.CloudRunState) { *r = state }); err != nil {
			return state, kiterr.Wrap(kiterr.Fatal, "persist project cloud state", err)
		}
	}

	kitlog.InfoCF(component, "launched cloud run", map[string]any{
		"run_id": state.RunID, "backend": backendName, "instance_id": handle.InstanceID,
	})
	return state, nil
}

// transitionTerminal removes a run that reached a terminal status from
// both the global and the per-project state mirrors (spec §3 "removed on
// successful terminate or completion"); the terminal status, exit code
// and finish time are not written to either file.
func (c *Controller) transitionTerminal(state model.CloudRunState, status model.CloudInstanceStatus, exitCode *int, now time.Time) error {
	state.Status = status
	state.ExitCode = exitCode
	state.FinishedAt = &now

	globalPath := GlobalStatePath(c.OrchestrationKitRoot)
	if err := removeGlobalState(globalPath, state.RunID); err != nil {
		return err
	}
	if state.ProjectRoot != "" {
		if err := removeProjectState(ProjectStatePath(state.ProjectRoot), state.RunID); err != nil {
			return err
		}
	}
	return nil
}

// PollCompletion polls the instance's S3 exit_code object every
// c.PollInterval until it appears, additionally querying instance state to
// detect premature termination: an instance observed
// terminated|stopped|shutting-down with no marker after one grace period
// of polling is treated as exit_code=1 (spec §4.5 "Completion polling").
func (c *Controller) PollCompletion(ctx context.Context, state model.CloudRunState, now time.Time) (model.CloudRunState, error) {
	b, err := c.backend(state.Backend)
	if err != nil {
		return state, err
	}

	sawTerminalState := false
	for {
		st, err := b.Status(ctx, state.InstanceID)
		if err != nil {
			return state, err
		}
		if st.HasExitMarker {
			finishedAt := time.Now().UTC()
			if err := c.transitionTerminal(state, model.DerivedCloudStatus(st.ExitCode), st.ExitCode, finishedAt); err != nil {
				return state, err
			}
			state.Status = model.DerivedCloudStatus(st.ExitCode)
			state.ExitCode = st.ExitCode
			state.FinishedAt = &finishedAt
			return state, nil
		}

		terminalInstanceState := st.State == "terminated" || st.State == "stopped" || st.State == "shutting-down"
		if terminalInstanceState {
			if sawTerminalState {
				code := 1
				finishedAt := time.Now().UTC()
				if err := c.transitionTerminal(state, model.CloudTerminatedNoResult, &code, finishedAt); err != nil {
					return state, err
				}
				state.Status = model.CloudTerminatedNoResult
				state.ExitCode = &code
				state.FinishedAt = &finishedAt
				return state, nil
			}
			sawTerminalState = true
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}

// PullResults syncs an instance's results to localDir and records it on
// the run's state (spec §4.5 "Results retrieval").
func (c *Controller) PullResults(ctx context.Context, state model.CloudRunState, localDir string) error {
	b, err := c.backend(state.Backend)
	if err != nil {
		return err
	}
	return b.PullResults(ctx, state.InstanceID, localDir)
}

// Heartbeat reports staleness of an instance's optional heartbeat object.
func (c *Controller) Heartbeat(ctx context.Context, state model.CloudRunState) (float64, bool, error) {
	b, err := c.backend(state.Backend)
	if err != nil {
		return 0, false, err
	}
	age, ok := b.Heartbeat(ctx, state.InstanceID)
	return age, ok, nil
}

// TailLog returns the last n lines of an instance's remote log. It makes a
// single non-blocking fetch; there is no follow mode, and nothing in this
// module calls it repeatedly.
func (c *Controller) TailLog(ctx context.Context, state model.CloudRunState, n int) ([]string, error) {
	b, err := c.backend(state.Backend)
	if err != nil {
		return nil, err
	}
	return b.TailLog(ctx, state.InstanceID, n)
}

// Reap enumerates live instances across every backend and terminates any
// whose lease or the global hard ceiling has expired (spec §4.5 "Reaper").
func (c *Controller) Reap(ctx context.Context, dryRun bool) ([]ReapAction, error) {
	var all []ReapAction
	for name, b := range c.Backends {
		actions, err := b.GC(ctx, c.HardCeiling, dryRun)
		if err != nil {
			kitlog.ErrorCF(component, "reap failed", map[string]any{"backend": name, "error": err.Error()})
			continue
		}
		all = append(all, actions...)
	}
	return all, nil
}

// errCostGuard is returned by EstimateBatchCost callers when the estimate
// exceeds maxCost, before any provisioning side effect.
var errCostGuard = kiterr.New(kiterr.Validation, "batch cost estimate exceeds max_cost")

// BatchSpecInput is one spec in a batch dispatch request.
type BatchSpecInput struct {
	SpecFile string
	Backend  string
	Profile  *CostEstimate // nil if the spec lacks a compute profile
}

// CostEstimate is the per-spec cost figure the preflight cost table
// produces, used only for the batch-level cost guard.
type CostEstimate struct {
	CostPerHour float64
	WallHours   float64
}

func (e CostEstimate) total() float64 { return e.CostPerHour * e.WallHours }

// EstimateBatchCost sums the estimated cost of every spec that has a
// compute profile, skipping (not failing) specs that lack one (spec §4.5
// step 1, SPEC_FULL.md §4 "cost-guard batch estimation detail").
func EstimateBatchCost(specs []BatchSpecInput) float64 {
	var total float64
	for _, s := range specs {
		if s.Profile != nil {
			total += s.Profile.total()
		}
	}
	return total
}

// LaunchFunc provisions one spec as part of a batch, returning its run_id.
type LaunchFunc func(ctx context.Context, spec BatchSpecInput, batchID string) (runID string, err error)

// PollFunc reports whether runID has reached a terminal status and, if so,
// its terminal result.
type PollFunc func(ctx context.Context, runID string) (terminal bool, result any, err error)

// BatchDispatch runs the full batch-dispatch algorithm: optional cost
// guard, single batch_id allocation, per-spec detached launch, a
// fixed-interval poll loop over pending runs, and final status
// computation (spec §4.5 "Batch dispatch").
func (c *Controller) BatchDispatch(ctx context.Context, specs []BatchSpecInput, maxInstances int, maxCost *float64, launch LaunchFunc, poll PollFunc, now time.Time) (model.Batch, error) {
	if maxInstances > 0 && len(specs) > maxInstances {
		return model.Batch{}, kiterr.Newf(kiterr.Validation, "%d specs exceeds max_instances=%d", len(specs), maxInstances)
	}
	if maxCost != nil {
		if est := EstimateBatchCost(specs); est > *maxCost {
			return model.Batch{}, fmt.Errorf("%w: estimated $%.2f exceeds max_cost $%.2f", errCostGuard, est, *maxCost)
		}
	}

	batchID := model.NewBatchID(now)
	batch := model.Batch{
		BatchID:      batchID,
		Status:       model.BatchRunning,
		StartedAt:    now,
		MaxInstances: maxInstances,
		Runs:         map[string]string{},
		Results:      map[string]any{},
	}
	for _, s := range specs {
		batch.Specs = append(batch.Specs, s.SpecFile)
	}

	eg, egctx := errgroup.WithContext(ctx)
	type launchOutcome struct {
		spec  string
		runID string
		err   error
	}
	outcomes := make(chan launchOutcome, len(specs))
	for _, s := range specs {
		s := s
		eg.Go(func() error {
			runID, err := launch(egctx, s, batchID)
			outcomes <- launchOutcome{spec: s.SpecFile, runID: runID, err: err}
			return nil // per-spec errors are recorded in results, not fatal to the batch
		})
	}
	_ = eg.Wait()
	close(outcomes)

	pending := map[string]string{} // run_id -> spec
	for o := range outcomes {
		if o.err != nil {
			batch.Results[o.spec] = map[string]string{"status": "failed", "error": o.err.Error()}
			continue
		}
		batch.Runs[o.spec] = o.runID
		pending[o.runID] = o.spec
	}

	anyFailed := len(batch.Results) > 0
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return batch, ctx.Err()
		case <-time.After(c.PollInterval):
		}
		for runID, spec := range pending {
			terminal, result, err := poll(ctx, runID)
			if err != nil {
				kitlog.WarnCF(component, "batch poll error", map[string]any{"run_id": runID, "error": err.Error()})
				continue
			}
			if !terminal {
				continue
			}
			batch.Results[spec] = result
			delete(pending, runID)
			if m, ok := result.(map[string]any); ok {
				if status, _ := m["status"].(string); status != "" && status != "ok" {
					anyFailed = true
				}
			}
		}
	}

	finishedAt := time.Now().UTC()
	batch.FinishedAt = &finishedAt
	if anyFailed {
		batch.Status = model.BatchPartial
	} else {
		batch.Status = model.BatchCompleted
	}
	return batch, nil
}
