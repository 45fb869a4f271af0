// Package model defines the data model shared across the control plane:
// Project, Run, Request, Batch, and Cloud Run State, along with the ID
// formats and status enumerations spec.md §3 mandates.
package model

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"time"
)

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunOK      RunStatus = "ok"
	RunFailed  RunStatus = "failed"
)

// Verdict is the outcome classification parsed out of a run's analysis.
type Verdict string

const (
	VerdictConfirmed    Verdict = "CONFIRMED"
	VerdictRefuted      Verdict = "REFUTED"
	VerdictInconclusive Verdict = "INCONCLUSIVE"
)

// RequestStatus is the lifecycle status of an interop Request.
type RequestStatus string

const (
	RequestOK      RequestStatus = "ok"
	RequestFailed  RequestStatus = "failed"
	RequestBlocked RequestStatus = "blocked"
)

// BatchStatus is the lifecycle status of a Batch.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
)

// CloudInstanceStatus is the lifecycle status of one cloud-fleet instance.
type CloudInstanceStatus string

const (
	CloudPending            CloudInstanceStatus = "pending"
	CloudProvisioning       CloudInstanceStatus = "provisioning"
	CloudRunning            CloudInstanceStatus = "running"
	CloudCompleted          CloudInstanceStatus = "completed"
	CloudFailed             CloudInstanceStatus = "failed"
	CloudTerminated         CloudInstanceStatus = "terminated"
	CloudBlockedDuplicate   CloudInstanceStatus = "blocked_duplicate"
	CloudDryRun             CloudInstanceStatus = "dry_run"
	CloudTerminatedNoResult CloudInstanceStatus = "terminated_no_results"
)

// Kit is one of the three workflow families.
type Kit string

const (
	KitTDD      Kit = "tdd"
	KitResearch Kit = "research"
	KitMath     Kit = "math"
)

// ValidKit reports whether k is one of the three recognized workflow
// families that the Interop Router may route between.
func ValidKit(k string) bool {
	switch Kit(k) {
	case KitTDD, KitResearch, KitMath:
		return true
	}
	return false
}

// Project is a registered workspace.
type Project struct {
	ProjectID            string    `json:"project_id"`
	Label                string    `json:"label"`
	OrchestrationKitRoot string    `json:"orchestration_kit_root"`
	ProjectRoot          string    `json:"project_root"`
	RegisteredAt         time.Time `json:"registered_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ProjectID derives the stable project identifier: the first 12 hex
// characters of the SHA-1 digest of the absolute orchestration-kit root.
func ProjectID(orchestrationKitRoot string) string {
	sum := sha1.Sum([]byte(orchestrationKitRoot))
	return hex.EncodeToString(sum[:])[:12]
}

// Run is one execution of one phase of one workflow.
type Run struct {
	ProjectID            string    `json:"project_id"`
	RunID                string    `json:"run_id"`
	ParentRunID          *string   `json:"parent_run_id,omitempty"`
	Kit                  string    `json:"kit"`
	Phase                string    `json:"phase"`
	StartedAt            time.Time `json:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
	ExitCode             *int      `json:"exit_code,omitempty"`
	Status               RunStatus `json:"status"`
	CapsulePath          string    `json:"capsule_path,omitempty"`
	ManifestPath         string    `json:"manifest_path,omitempty"`
	LogPath              string    `json:"log_path,omitempty"`
	EventsPath           string    `json:"events_path,omitempty"`
	Cwd                  string    `json:"cwd,omitempty"`
	ProjectRoot          string    `json:"project_root,omitempty"`
	OrchestrationKitRoot string    `json:"orchestration_kit_root,omitempty"`
	AgentRuntime         string    `json:"agent_runtime,omitempty"`
	Host                 string    `json:"host,omitempty"`
	PID                  *int      `json:"pid,omitempty"`
	Reasoning            string    `json:"reasoning,omitempty"`
	ExperimentName       string    `json:"experiment_name,omitempty"`
	Verdict              string    `json:"verdict,omitempty"`
}

// DerivedStatus computes status from finished_at/exit_code per the run
// invariant in spec §3: running iff unfinished, ok iff exit_code==0.
func DerivedStatus(finishedAt *time.Time, exitCode *int) RunStatus {
	if finishedAt == nil {
		return RunRunning
	}
	if exitCode != nil && *exitCode == 0 {
		return RunOK
	}
	return RunFailed
}

// Request is a proposed cross-kit handoff.
type Request struct {
	ProjectID           string     `json:"project_id"`
	RequestID           string     `json:"request_id"`
	ParentRunID         string     `json:"parent_run_id"`
	ChildRunID          string     `json:"child_run_id,omitempty"`
	FromKit             string     `json:"from_kit"`
	FromPhase           string     `json:"from_phase"`
	ToKit               string     `json:"to_kit"`
	ToPhase             string     `json:"to_phase"`
	Action              string     `json:"action"`
	Status              string     `json:"status,omitempty"`
	RequestPath         string     `json:"request_path,omitempty"`
	ResponsePath        string     `json:"response_path,omitempty"`
	EnqueuedTS          *time.Time `json:"enqueued_ts,omitempty"`
	CompletedTS         *time.Time `json:"completed_ts,omitempty"`
	Reasoning           string     `json:"reasoning,omitempty"`
	MustRead            []string   `json:"must_read,omitempty"`
	ReadBudget          ReadBudget `json:"read_budget"`
	DeliverablesExpected []string  `json:"deliverables_expected,omitempty"`
	Priority            string     `json:"priority,omitempty"`
}

// ReadBudget bounds how much of the filesystem a pumped child workflow may
// read before producing its output. Enforcement is the child's
// responsibility; the router only records and clamps the constraint.
type ReadBudget struct {
	MaxFiles      int      `json:"max_files"`
	MaxTotalBytes int      `json:"max_total_bytes"`
	AllowedPaths  []string `json:"allowed_paths,omitempty"`
}

// Clamp enforces the minimums spec §4.4 requires (max_files >= 1,
// max_total_bytes >= 1).
func (b *ReadBudget) Clamp() {
	if b.MaxFiles < 1 {
		b.MaxFiles = 1
	}
	if b.MaxTotalBytes < 1 {
		b.MaxTotalBytes = 1
	}
}

// Batch is a parent object for N parallel cloud runs.
type Batch struct {
	BatchID      string            `json:"batch_id"`
	Specs        []string          `json:"specs"`
	Runs         map[string]string `json:"runs"` // spec -> run_id
	Status       BatchStatus       `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	MaxInstances int               `json:"max_instances"`
	Results      map[string]any    `json:"results,omitempty"`
}

// CloudRunState is the durable record of one cloud-fleet instance, mirrored
// both globally and per-project.
type CloudRunState struct {
	RunID           string              `json:"run_id"`
	Backend         string              `json:"backend"`
	InstanceType    string              `json:"instance_type"`
	Command         string              `json:"command,omitempty"`
	SpecFile        string              `json:"spec_file,omitempty"`
	ProjectRoot     string              `json:"project_root,omitempty"`
	DataDirs        []string            `json:"data_dirs,omitempty"`
	SyncBack        string              `json:"sync_back,omitempty"`
	LocalResultsDir string              `json:"local_results_dir,omitempty"`
	S3Prefix        string              `json:"s3_prefix,omitempty"`
	UseSpot         bool                `json:"use_spot"`
	MaxHours        float64             `json:"max_hours"`
	StartedAt       time.Time           `json:"started_at"`
	Status          CloudInstanceStatus `json:"status"`
	InstanceID      string              `json:"instance_id,omitempty"`
	ExitCode        *int                `json:"exit_code,omitempty"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
	BatchID         string              `json:"batch_id,omitempty"`
	RegisteredAt    time.Time           `json:"registered_at,omitempty"`
}

// DerivedCloudStatus computes a terminal cloud status from an instance's
// exit_code marker, mirroring DerivedStatus for local runs (spec §4.5).
func DerivedCloudStatus(exitCode *int) CloudInstanceStatus {
	if exitCode != nil && *exitCode == 0 {
		return CloudCompleted
	}
	return CloudFailed
}

// ProjectCloudState is the per-project mirror (".kit/cloud-state.json").
type ProjectCloudState struct {
	ActiveRuns map[string]CloudRunState `json:"active_runs"`
}

// ── ID minting ──────────────────────────────────────────────────────

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// Fall back to a weak PRNG; IDs only need to be unlikely to
		// collide within one process, not cryptographically secure.
		for i := range b {
			b[i] = byte(mathrand.Intn(256))
		}
	}
	return hex.EncodeToString(b)
}

// NewRunID mints a run_id of the form {YYYYMMDDTHHMMSSZ}-{8 hex}.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405Z"), randHex(4))
}

// NewRequestID mints a request_id of the form rq-{YYYYMMDDTHHMMSSZ}-{6 hex}.
func NewRequestID(now time.Time) string {
	return fmt.Sprintf("rq-%s-%s", now.UTC().Format("20060102T150405Z"), randHex(3))
}

// NewBatchID mints a batch_id of the form batch-{YYYYMMDDTHHMMSSZ}-{8 hex}.
func NewBatchID(now time.Time) string {
	return fmt.Sprintf("batch-%s-%s", now.UTC().Format("20060102T150405Z"), randHex(4))
}

// ClientToken derives the cloud provider idempotency token for a run,
// truncated to 64 bytes per spec §4.5.
func ClientToken(runID string) string {
	tok := "cloud-run-" + runID
	if len(tok) > 64 {
		tok = tok[:64]
	}
	return tok
}
