package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/kurtbell87/orchestration-kit/pkg/engine"
	"github.com/kurtbell87/orchestration-kit/pkg/fleet"
	"github.com/kurtbell87/orchestration-kit/pkg/index"
	"github.com/kurtbell87/orchestration-kit/pkg/interop"
	"github.com/kurtbell87/orchestration-kit/pkg/kiterr"
	"github.com/kurtbell87/orchestration-kit/pkg/model"
	"github.com/kurtbell87/orchestration-kit/pkg/registry"
)

// CommandResolver maps a (kit, phase) pair to an executable invocation. The
// facade deliberately does not know how kit.tdd/kit.research_*/kit.math
// resolve to real processes — that mapping is owned by the binary wiring
// the facade together (cmd/orchestratorctl), the same separation of
// concerns pkg/interop.ChildLauncher uses.
type CommandResolver interface {
	Resolve(kit, phase string) (command string, args []string, err error)
}

// Facade implements the MCP Tool Facade's (C6) business logic, independent
// of transport. Grounded on the teacher's pkg/mcp/server.go dispatch shape,
// generalized from a single ToolRegistry.Execute call into the orchestrator/
// kit tool catalogue spec §4.6 names, wired directly to C2-C5.
type Facade struct {
	Engine               *engine.Engine
	Store                index.Store
	Router               *interop.Router
	Controller           *fleet.Controller
	Resolver             CommandResolver
	RegistryPath         string
	OrchestrationKitRoot string
	ProjectRoot          string
	MaxOutputBytes       int

	// dbMu serializes every tool that touches the SQLite-backed index
	// store, per spec §4.6 "Concurrency discipline" — process-visibility
	// tools (kit.active, kit.kill) and fire-and-forget launches do not
	// take it.
	dbMu sync.Mutex
}

// toolResult is what one tool handler produces before byte-capping and
// JSON-RPC envelope translation.
type toolResult struct {
	Text       string
	Structured any
	IsError    bool // true => MCPToolError: a soft tool failure, not a protocol error
}

func textResult(structured any) toolResult {
	return toolResult{Text: summarize(structured), Structured: structured}
}

func errResult(format string, args ...any) toolResult {
	return toolResult{Text: fmt.Sprintf(format, args...), IsError: true}
}

func summarize(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// capBytes clamps s to at most max bytes, truncating the UTF-8 encoding
// and re-decoding with invalid trailing sequences dropped (spec §4.6
// "Output bounding"). A cut that lands mid-rune must drop the partial
// trailing bytes rather than replace them with U+FFFD, which would grow
// the result past max.
func capBytes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	b := []byte(s)[:max]
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argFloat(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// Call dispatches one tool invocation by name, returning a kiterr-typed
// error for malformed requests (unknown tool, missing required args) and
// for a kit.kill signal failure other than an unknown run — everything
// else is folded into toolResult.IsError, the
// "MCPToolError" soft-failure path spec §4.6/§7 describes.
func (f *Facade) Call(ctx context.Context, name string, args map[string]any) (toolResult, error) {
	now := time.Now().UTC()

	switch name {
	// ── legacy orchestrator.* ──────────────────────────────────────
	case "orchestrator.run":
		return f.orchestratorRun(ctx, args, now)
	case "orchestrator.request_create":
		return f.orchestratorRequestCreate(ctx, args, now)
	case "orchestrator.pump":
		return f.orchestratorPump(ctx, args, now)
	case "orchestrator.run_info":
		return f.orchestratorRunInfo(ctx, args)
	case "orchestrator.query_log":
		return f.orchestratorQueryLog(args)

	// ── fire-and-forget kit.* launches ─────────────────────────────
	case "kit.tdd":
		return f.kitLaunch(ctx, "tdd", args, now)
	case "kit.research_cycle":
		return f.kitLaunch(ctx, "research", args, now, "cycle")
	case "kit.research_full":
		return f.kitLaunch(ctx, "research", args, now, "full")
	case "kit.research_program":
		return f.kitLaunch(ctx, "research", args, now, "program")
	case "kit.math":
		return f.kitLaunch(ctx, "math", args, now)

	// ── synchronous dashboard queries (db-touching, serialized) ────
	case "kit.status":
		f.dbMu.Lock()
		defer f.dbMu.Unlock()
		return f.kitStatus(ctx, args)
	case "kit.runs":
		f.dbMu.Lock()
		defer f.dbMu.Unlock()
		return f.kitRuns(ctx, args)
	case "kit.capsule":
		f.dbMu.Lock()
		defer f.dbMu.Unlock()
		return f.kitCapsule(ctx, args)
	case "kit.research_status":
		f.dbMu.Lock()
		defer f.dbMu.Unlock()
		return f.kitResearchStatus(ctx, args)

	// ── process visibility (no lock) ───────────────────────────────
	case "kit.active":
		return textResult(f.Engine.ActiveProcesses()), nil
	case "kit.kill":
		return f.kitKill(args)
	case "kit.gc":
		f.dbMu.Lock()
		defer f.dbMu.Unlock()
		return f.kitGC(ctx, args, now)
	case "kit.research_batch":
		return f.kitResearchBatch(ctx, args, now)

	default:
		return toolResult{}, kiterr.Newf(kiterr.Validation, "unknown tool %q", name)
	}
}

// ── orchestrator.* ───────────────────────────────────────────────────

func (f *Facade) orchestratorRun(ctx context.Context, args map[string]any, now time.Time) (toolResult, error) {
	kit := argString(args, "kit")
	phase := argString(args, "phase")
	if kit == "" || phase == "" {
		return toolResult{}, kiterr.New(kiterr.Validation, "kit and phase are required")
	}
	command, cmdArgs, err := f.Resolver.Resolve(kit, phase)
	if err != nil {
		return errResult("resolve command: %v", err), nil
	}
	spec := engine.LaunchSpec{
		Kit: kit, Phase: phase, Command: command, Args: cmdArgs,
		ProjectRoot:          f.ProjectRoot,
		OrchestrationKitRoot: f.OrchestrationKitRoot,
		KitStateDir:          ".kit",
	}
	result := f.Engine.LaunchBackground(ctx, spec, now)
	if result.Status == "error" {
		return errResult("launch failed: %s", result.Error), nil
	}
	return textResult(result), nil
}

func (f *Facade) orchestratorRequestCreate(ctx context.Context, args map[string]any, now time.Time) (toolResult, error) {
	req := &model.Request{
		ParentRunID: argString(args, "parent_run_id"),
		FromKit:     argString(args, "from_kit"),
		FromPhase:   argString(args, "from_phase"),
		ToKit:       argString(args, "to_kit"),
		ToPhase:     argString(args, "to_phase"),
		Action:      argString(args, "action"),
		Reasoning:   argString(args, "reasoning"),
	}
	parentRoot := engine.AssignRunRoot(f.OrchestrationKitRoot, req.ParentRunID)
	result, err := f.Router.Create(ctx, req, parentRoot, now)
	if err != nil {
		if kiterr.Is(err, kiterr.Validation) {
			return toolResult{}, err
		}
		return errResult("request_create failed: %v", err), nil
	}
	return textResult(result), nil
}

func (f *Facade) orchestratorPump(ctx context.Context, args map[string]any, now time.Time) (toolResult, error) {
	requestID := argString(args, "request_id")
	parentRunID := argString(args, "parent_run_id")
	parentRoot := ""
	if parentRunID != "" {
		parentRoot = engine.AssignRunRoot(f.OrchestrationKitRoot, parentRunID)
	}
	result, err := f.Router.Pump(ctx, requestID, parentRoot, now)
	if err != nil {
		return errResult("pump failed: %v", err), nil
	}
	return textResult(result), nil
}

func (f *Facade) orchestratorRunInfo(ctx context.Context, args map[string]any) (toolResult, error) {
	projectID := argString(args, "project_id")
	runID := argString(args, "run_id")
	if runID == "" {
		return toolResult{}, kiterr.New(kiterr.Validation, "run_id is required")
	}
	f.dbMu.Lock()
	defer f.dbMu.Unlock()
	run, err := f.Store.GetRun(ctx, projectID, runID)
	if err != nil {
		return errResult("run not found: %v", err), nil
	}
	return textResult(run), nil
}

func (f *Facade) orchestratorQueryLog(args map[string]any) (toolResult, error) {
	runID := argString(args, "run_id")
	n := argInt(args, "lines", 200)
	if runID == "" {
		return toolResult{}, kiterr.New(kiterr.Validation, "run_id is required")
	}
	logPath := filepath.Join(engine.AssignRunRoot(f.OrchestrationKitRoot, runID), "launch.log")
	lines, err := tailFile(logPath, n)
	if err != nil {
		return errResult("query_log failed: %v", err), nil
	}
	return textResult(map[string]any{"run_id": runID, "lines": lines}), nil
}

func tailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := splitLines(string(data))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// ── kit.* fire-and-forget launches ───────────────────────────────────

func (f *Facade) kitLaunch(ctx context.Context, kit string, args map[string]any, now time.Time, phaseDefault ...string) (toolResult, error) {
	phase := argString(args, "phase")
	if phase == "" && len(phaseDefault) > 0 {
		phase = phaseDefault[0]
	}
	if phase == "" {
		return toolResult{}, kiterr.New(kiterr.Validation, "phase is required")
	}
	command, cmdArgs, err := f.Resolver.Resolve(kit, phase)
	if err != nil {
		return errResult("resolve command: %v", err), nil
	}
	spec := engine.LaunchSpec{
		Kit: kit, Phase: phase, Command: command, Args: cmdArgs,
		ProjectRoot:          f.ProjectRoot,
		OrchestrationKitRoot: f.OrchestrationKitRoot,
		KitStateDir:          ".kit",
	}
	result := f.Engine.LaunchBackground(ctx, spec, now)
	if result.Status == "error" {
		return errResult("launch failed: %s", result.Error), nil
	}
	return textResult(result), nil
}

// ── kit.* synchronous dashboard queries ──────────────────────────────

func (f *Facade) kitStatus(ctx context.Context, args map[string]any) (toolResult, error) {
	projects := registry.Load(f.RegistryPath)
	projectID := argString(args, "project_id")
	if projectID == "" && len(projects) > 0 {
		projectID = projects[0].ProjectID
	}
	summary, err := f.Store.Summary(ctx, projectID)
	if err != nil {
		return errResult("status failed: %v", err), nil
	}
	return textResult(summary), nil
}

func (f *Facade) kitRuns(ctx context.Context, args map[string]any) (toolResult, error) {
	filter := index.RunFilter{
		ProjectID: argString(args, "project_id"),
		Status:    argString(args, "status"),
		Limit:     argInt(args, "limit", 50),
		Offset:    argInt(args, "offset", 0),
	}
	runs, err := f.Store.ListRuns(ctx, filter)
	if err != nil {
		return errResult("runs query failed: %v", err), nil
	}
	return textResult(runs), nil
}

func (f *Facade) kitCapsule(ctx context.Context, args map[string]any) (toolResult, error) {
	projectID := argString(args, "project_id")
	runID := argString(args, "run_id")
	if runID == "" {
		return toolResult{}, kiterr.New(kiterr.Validation, "run_id is required")
	}
	run, err := f.Store.GetRun(ctx, projectID, runID)
	if err != nil || run.CapsulePath == "" {
		return errResult("no capsule for run %s", runID), nil
	}
	data, err := os.ReadFile(run.CapsulePath)
	if err != nil {
		return errResult("read capsule: %v", err), nil
	}
	return toolResult{Text: string(data), Structured: map[string]any{"run_id": runID, "capsule_path": run.CapsulePath}}, nil
}

func (f *Facade) kitResearchStatus(ctx context.Context, args map[string]any) (toolResult, error) {
	projectID := argString(args, "project_id")
	runs, err := f.Store.ListRuns(ctx, index.RunFilter{ProjectID: projectID, Status: string(model.RunRunning)})
	if err != nil {
		return errResult("research_status failed: %v", err), nil
	}
	var research []index.RunView
	for _, r := range runs {
		if r.Kit == string(model.KitResearch) {
			research = append(research, r)
		}
	}
	return textResult(research), nil
}

// ── kit.* process visibility ──────────────────────────────────────

func (f *Facade) kitKill(args map[string]any) (toolResult, error) {
	runID := argString(args, "run_id")
	if runID == "" {
		return toolResult{}, kiterr.New(kiterr.Validation, "run_id is required")
	}
	sig := syscall.SIGTERM
	if argString(args, "signal") == "SIGKILL" {
		sig = syscall.SIGKILL
	}
	result, err := f.Engine.Kill(runID, sig)
	if err != nil {
		if kiterr.Is(err, kiterr.NotFound) {
			return errResult("kill failed: %v", err), nil
		}
		return toolResult{}, err
	}
	return textResult(result), nil
}

func (f *Facade) kitGC(ctx context.Context, args map[string]any, now time.Time) (toolResult, error) {
	projects := registry.Load(f.RegistryPath)
	dryRun := argBool(args, "dry_run", false)
	result, err := f.Engine.GC(ctx, projects, dryRun, now)
	if err != nil {
		return errResult("gc failed: %v", err), nil
	}
	return textResult(result), nil
}

func (f *Facade) kitResearchBatch(ctx context.Context, args map[string]any, now time.Time) (toolResult, error) {
	if f.Controller == nil {
		return errResult("cloud fleet controller not configured"), nil
	}
	rawSpecs, _ := args["specs"].([]any)
	if len(rawSpecs) == 0 {
		return toolResult{}, kiterr.New(kiterr.Validation, "specs is required")
	}
	backend := argString(args, "backend")
	if backend == "" {
		backend = "aws"
	}
	maxInstances := argInt(args, "max_instances", len(rawSpecs))

	specs := make([]fleet.BatchSpecInput, 0, len(rawSpecs))
	for _, raw := range rawSpecs {
		specFile, _ := raw.(string)
		specs = append(specs, fleet.BatchSpecInput{SpecFile: specFile, Backend: backend})
	}

	var maxCost *float64
	if _, ok := args["max_cost"]; ok {
		mc := argFloat(args, "max_cost", 0)
		maxCost = &mc
	}

	states := map[string]model.CloudRunState{}
	var statesMu sync.Mutex

	launch := func(ctx context.Context, s fleet.BatchSpecInput, batchID string) (string, error) {
		runID := model.NewRunID(time.Now().UTC())
		state, err := f.Controller.Launch(ctx, s.Backend, f.ProjectRoot, fleet.ProvisionSpec{
			RunID: runID, SpecFile: s.SpecFile, BatchID: batchID,
		}, time.Now().UTC())
		if err != nil {
			return "", err
		}
		statesMu.Lock()
		states[state.RunID] = state
		statesMu.Unlock()
		return state.RunID, nil
	}
	// poll blocks in PollCompletion until runID reaches a terminal status,
	// so each call reports either terminal or an error; BatchDispatch's
	// poll loop therefore waits on its pending runs one after another.
	poll := func(ctx context.Context, runID string) (bool, any, error) {
		statesMu.Lock()
		state := states[runID]
		statesMu.Unlock()
		result, perr := f.Controller.PollCompletion(ctx, state, time.Now().UTC())
		if perr != nil {
			return false, nil, perr
		}
		return true, map[string]any{"status": string(result.Status), "exit_code": result.ExitCode}, nil
	}

	batch, err := f.Controller.BatchDispatch(ctx, specs, maxInstances, maxCost, launch, poll, now)
	if err != nil {
		return errResult("research_batch failed: %v", err), nil
	}
	return textResult(batch), nil
}
