// Package fleet implements the Cloud Fleet Controller (C5): provisioning,
// polling, result retrieval, and reaping of elastic compute instances
// behind a common two-backend capability set, plus spec-level single-flight,
// batch dispatch with cost guards, and a preflight local-vs-cloud decision
// (pkg/fleet/preflight).
//
// Grounded on the teacher's pkg/fleet/node_manager.go (instance lifecycle
// shape: provision/status/terminate) and pkg/fleet/executor.go
// (dispatch-then-poll pattern), generalized from on-prem node execution to
// elastic cloud compute per original_source/tools/cloud/*.py.
package fleet

import (
	"context"
	"time"
)

// ProvisionSpec describes one instance to launch.
type ProvisionSpec struct {
	RunID        string
	SpecFile     string // path to the experiment spec markdown, used for tagging + single-flight
	Command      string // EXPERIMENT_COMMAND exported into the instance's user-data
	InstanceType string
	UseSpot      bool
	MaxHours     float64
	ProjectRoot  string
	DataDirs     []string
	SyncBack     string
	S3Bucket     string
	S3Prefix     string
	AWSRegion    string
	ImageURI     string // optional ECR image
	EBSDevice    string // optional EBS data-device name
	ClientToken  string // idempotency key (model.ClientToken(runID))
	BatchID      string
	AllowDuplicate bool
}

// InstanceHandle identifies one provisioned instance.
type InstanceHandle struct {
	InstanceID   string    `json:"instance_id"`
	RunID        string    `json:"run_id"`
	Backend      string    `json:"backend"`
	InstanceType string    `json:"instance_type"`
	SpecFile     string    `json:"spec_file,omitempty"`
	LaunchedAt   time.Time `json:"launched_at"`
	MaxHours     float64   `json:"max_hours"`
	UseSpot      bool      `json:"use_spot"`
}

// InstanceStatus is a point-in-time snapshot of one instance.
type InstanceStatus struct {
	InstanceID    string  `json:"instance_id"`
	State         string  `json:"state"` // pending|running|terminated|stopped|shutting-down
	ExitCode      *int    `json:"exit_code,omitempty"`
	HeartbeatAge  *float64 `json:"heartbeat_age_seconds,omitempty"`
	HasExitMarker bool    `json:"has_exit_marker"`
}

// ReapAction is one row the reaper returns, per spec §4.5/§8-S5.
type ReapAction struct {
	InstanceID string  `json:"instance_id"`
	RunID      string  `json:"run_id"`
	AgeHours   float64 `json:"age_hours"`
	MaxHours   float64 `json:"max_hours"`
	Reason     string  `json:"reason"` // "lease_expired..." | "hard_ceiling..."
	Action     string  `json:"action"` // "terminated" | "would_terminate"
}

// Backend is the common capability set spec §4.5 requires both the AWS EC2
// and RunPod backends to implement.
type Backend interface {
	Name() string
	Provision(ctx context.Context, spec ProvisionSpec) (InstanceHandle, error)
	WaitReady(ctx context.Context, instanceID string, timeout time.Duration) error
	Status(ctx context.Context, instanceID string) (InstanceStatus, error)
	Terminate(ctx context.Context, instanceID string) error
	CleanupResources(ctx context.Context, instanceID string) error
	FindInstancesBySpec(ctx context.Context, specFile string) ([]InstanceHandle, error)
	GC(ctx context.Context, hardCeiling time.Duration, dryRun bool) ([]ReapAction, error)
	// PullResults syncs the instance's remote results location into
	// localDir (spec §4.5 "Results retrieval").
	PullResults(ctx context.Context, instanceID, localDir string) error
	// TailLog returns the last n lines of the instance's remote log in a
	// single fetch; it has no follow parameter, and any repeated polling is
	// up to the caller.
	TailLog(ctx context.Context, instanceID string, n int) ([]string, error)
	// Heartbeat reports staleness of the instance's optional heartbeat
	// object, or (0, false) if none has ever been written.
	Heartbeat(ctx context.Context, instanceID string) (ageSeconds float64, ok bool)
}
