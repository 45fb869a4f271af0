// Package interop implements the Interop Router (C4): cross-kit request
// handoffs persisted as JSON files under interop/requests and
// interop/responses, with enqueue/completion mirrored into the parent
// run's event stream. The router never writes to the index directly —
// every lineage edge flows from events or from the requests table that
// pkg/index folds out of them (spec §4.4 "Lineage").
//
// Grounded on original_source/dashboard/registry.py's atomic-write
// discipline and the teacher's pkg/deploy orchestration-and-callback
// shape, generalized from node deployment to cross-kit handoff.
package interop

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kurtbell87/orchestration-kit/pkg/events"
	"github.com/kurtbell87/orchestration-kit/pkg/kiterr"
	"github.com/kurtbell87/orchestration-kit/pkg/model"
	"github.com/kurtbell87/orchestration-kit/pkg/statefile"
)

// ChildOutcome is what a launched child workflow reports back once it has
// terminated, for the router to fold into a response file.
type ChildOutcome struct {
	RunID        string
	Status       string
	CapsulePath  string
	ManifestPath string
}

// ChildLauncher spawns the target kit's action and blocks until it
// terminates. The router deliberately does not know how to resolve a
// (to_kit, to_phase, action) triple into an executable — that mapping is
// owned by the binary wiring the router together (cmd/orchestratorctl),
// keeping C4 itself command-catalogue-agnostic.
type ChildLauncher interface {
	LaunchAndWait(ctx context.Context, req *model.Request, parentRunRoot string) (ChildOutcome, error)
}

// Router operates against one orchestration-kit root's interop directory.
type Router struct {
	InteropDir string // {orchestration_kit_root}/interop
	Launcher   ChildLauncher
}

// New constructs a Router rooted at orchestrationKitRoot/interop.
func New(orchestrationKitRoot string, launcher ChildLauncher) *Router {
	return &Router{
		InteropDir: filepath.Join(orchestrationKitRoot, "interop"),
		Launcher:   launcher,
	}
}

func (r *Router) requestPath(requestID string) string {
	return filepath.Join(r.InteropDir, "requests", requestID+".json")
}

func (r *Router) responsePath(requestID string) string {
	return filepath.Join(r.InteropDir, "responses", requestID+".json")
}

// CreateResult is returned from Create.
type CreateResult struct {
	RequestID   string `json:"request_id"`
	RequestPath string `json:"request_path"`
}

// Create allocates a request_id if req.RequestID is unset, validates
// endpoints, clamps the read budget, writes the request file atomically,
// and appends a request_enqueued event to the parent run's stream.
// parentRunRoot is the run directory (spec's events.jsonl location) for
// req.ParentRunID.
func (r *Router) Create(ctx context.Context, req *model.Request, parentRunRoot string, now time.Time) (CreateResult, error) {
	if req.RequestID == "" {
		req.RequestID = model.NewRequestID(now)
	}
	if !model.ValidKit(req.FromKit) {
		return CreateResult{}, kiterr.Newf(kiterr.Validation, "invalid from_kit %q", req.FromKit)
	}
	if !model.ValidKit(req.ToKit) {
		return CreateResult{}, kiterr.Newf(kiterr.Validation, "invalid to_kit %q", req.ToKit)
	}
	req.ReadBudget.Clamp()

	reqPath := r.requestPath(req.RequestID)
	if err := statefile.WriteJSON(reqPath, req); err != nil {
		return CreateResult{}, kiterr.Wrap(kiterr.Fatal, "write request file", err)
	}

	if parentRunRoot != "" {
		err := events.AppendEvent(parentRunRoot, map[string]any{
			"event":        "request_enqueued",
			"request_id":   req.RequestID,
			"from_kit":     req.FromKit,
			"from_phase":   req.FromPhase,
			"to_kit":       req.ToKit,
			"to_phase":     req.ToPhase,
			"action":       req.Action,
			"request_path": reqPath,
			"reasoning":    req.Reasoning,
		}, now)
		if err != nil {
			return CreateResult{}, kiterr.Wrap(kiterr.Fatal, "append request_enqueued", err)
		}
	}

	return CreateResult{RequestID: req.RequestID, RequestPath: reqPath}, nil
}

// PumpResult is returned from Pump.
type PumpResult struct {
	RequestID    string `json:"request_id"`
	ResponsePath string `json:"response_path"`
	ChildRunID   string `json:"child_run_id,omitempty"`
	Status       string `json:"status,omitempty"`
}

// Pump reads the named request, launches its action via r.Launcher and
// blocks until the child terminates, writes the response file atomically,
// and appends a request_completed event to the parent run's stream. If
// requestID is empty, it selects the oldest request in the queue that has
// no response yet (spec's "queue-front selection" mode).
func (r *Router) Pump(ctx context.Context, requestID string, parentRunRoot string, now time.Time) (PumpResult, error) {
	if requestID == "" {
		var err error
		requestID, err = r.nextQueued()
		if err != nil {
			return PumpResult{}, err
		}
	}

	var req model.Request
	if err := statefile.ReadJSON(r.requestPath(requestID), &req); err != nil {
		return PumpResult{}, kiterr.Wrap(kiterr.NotFound, "read request "+requestID, err)
	}

	outcome, err := r.Launcher.LaunchAndWait(ctx, &req, parentRunRoot)
	if err != nil {
		return PumpResult{}, kiterr.Wrap(kiterr.Fatal, "launch child workflow", err)
	}

	req.ChildRunID = outcome.RunID
	req.Status = outcome.Status
	completedAt := now
	req.CompletedTS = &completedAt

	respPath := r.responsePath(requestID)
	response := map[string]any{
		"request_id":    requestID,
		"child_run_id":  outcome.RunID,
		"status":        outcome.Status,
		"capsule_path":  outcome.CapsulePath,
		"manifest_path": outcome.ManifestPath,
		"completed_ts":  completedAt.UTC().Format(time.RFC3339),
	}
	if err := statefile.WriteJSON(respPath, response); err != nil {
		return PumpResult{}, kiterr.Wrap(kiterr.Fatal, "write response file", err)
	}
	req.ResponsePath = respPath
	if err := statefile.WriteJSON(r.requestPath(requestID), &req); err != nil {
		return PumpResult{}, kiterr.Wrap(kiterr.Fatal, "update request file", err)
	}

	if parentRunRoot != "" {
		err := events.AppendEvent(parentRunRoot, map[string]any{
			"event":        "request_completed",
			"request_id":   requestID,
			"child_run_id": outcome.RunID,
			"status":       outcome.Status,
		}, now)
		if err != nil {
			return PumpResult{}, kiterr.Wrap(kiterr.Fatal, "append request_completed", err)
		}
	}

	return PumpResult{RequestID: requestID, ResponsePath: respPath, ChildRunID: outcome.RunID, Status: outcome.Status}, nil
}

// nextQueued returns the request_id with the lexicographically smallest
// (hence, given the rq-{timestamp}-{hex} ID format, oldest) filename among
// requests that have no response file yet.
func (r *Router) nextQueued() (string, error) {
	entries, err := os.ReadDir(filepath.Join(r.InteropDir, "requests"))
	if err != nil {
		return "", kiterr.Wrap(kiterr.NotFound, "list interop requests", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if _, err := os.Stat(r.responsePath(id)); err == nil {
			continue // already pumped
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", kiterr.New(kiterr.NotFound, "no queued requests")
	}
	sort.Strings(ids)
	return ids[0], nil
}
