// Package kitconfig binds the environment variables the control plane
// recognizes (spec §6) into typed, defaultable structs using
// github.com/caarlos0/env, the same env-binding library the teacher project
// depends on for its own configuration.
package kitconfig

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// CloudPreference is the three-tier cloud-routing preference.
type CloudPreference string

const (
	PreferenceLocal       CloudPreference = "local"
	PreferenceCloudFirst  CloudPreference = "cloud-first"
	PreferenceCloudAlways CloudPreference = "cloud-always"
)

func validCloudPreference(p CloudPreference) bool {
	switch p {
	case PreferenceLocal, PreferenceCloudFirst, PreferenceCloudAlways:
		return true
	}
	return false
}

// Root holds the control-plane-wide settings every component reads.
type Root struct {
	OrchestrationKitRoot string `env:"ORCHESTRATION_KIT_ROOT,required"`
	ProjectRoot          string `env:"PROJECT_ROOT"`
	KitStateDir          string `env:"KIT_STATE_DIR" envDefault:".kit"`
}

// MCPConfig configures the MCP Tool Facade (C6).
type MCPConfig struct {
	Host           string `env:"ORCHESTRATION_KIT_MCP_HOST" envDefault:"127.0.0.1"`
	Port           int    `env:"ORCHESTRATION_KIT_MCP_PORT" envDefault:"8765"`
	Token          string `env:"ORCHESTRATION_KIT_MCP_TOKEN"`
	MaxOutputBytes int    `env:"ORCHESTRATION_KIT_MCP_MAX_OUTPUT_BYTES" envDefault:"32000"`
	LogDir         string `env:"ORCHESTRATION_KIT_MCP_LOG_DIR" envDefault:"runs/mcp-launches"`
	Transport      string `env:"ORCHESTRATION_KIT_MCP_TRANSPORT" envDefault:"stdio"`
}

// DashboardConfig configures the (out-of-scope) dashboard's data-plane
// dependencies that this control plane still needs to honor as a contract
// (e.g. whether it should autostart companion services).
type DashboardConfig struct {
	Home             string `env:"ORCHESTRATION_KIT_DASHBOARD_HOME"`
	Host             string `env:"ORCHESTRATION_KIT_DASHBOARD_HOST" envDefault:"127.0.0.1"`
	Port             int    `env:"ORCHESTRATION_KIT_DASHBOARD_PORT" envDefault:"8080"`
	Autostart        bool   `env:"ORCHESTRATION_KIT_DASHBOARD_AUTOSTART" envDefault:"true"`
	ArtifactMaxBytes int    `env:"ORCHESTRATION_KIT_DASHBOARD_ARTIFACT_MAX_BYTES" envDefault:"5242880"`
}

// CloudConfig configures the Cloud Fleet Controller (C5).
type CloudConfig struct {
	S3Bucket               string          `env:"ORCHESTRATION_KIT_S3_BUCKET" envDefault:"kenoma-labs-research"`
	AWSRegion              string          `env:"AWS_REGION" envDefault:"us-east-1"`
	CloudPreferenceRaw      string         `env:"ORCHESTRATION_KIT_CLOUD_PREFERENCE" envDefault:"local"`
	EcrRepoURI             string          `env:"CLOUD_RUN_ECR_REPO_URI"`
	EBSSnapshotID          string          `env:"CLOUD_RUN_EBS_SNAPSHOT_ID"`
	IAMProfile             string          `env:"CLOUD_RUN_IAM_PROFILE"`
	LocalMaxWallHours      float64         `env:"ORCHESTRATION_KIT_LOCAL_MAX_WALL_HOURS" envDefault:"2.0"`
	LocalMaxMemoryGB       float64         `env:"ORCHESTRATION_KIT_LOCAL_MAX_MEMORY_GB" envDefault:"16"`
	CloudOverheadFloorHours float64        `env:"ORCHESTRATION_KIT_CLOUD_OVERHEAD_FLOOR_HOURS" envDefault:"0.15"`
	DefaultMaxHours        float64         `env:"ORCHESTRATION_KIT_DEFAULT_MAX_HOURS" envDefault:"12"`
	SpotMaxWallHours       float64         `env:"ORCHESTRATION_KIT_SPOT_MAX_WALL_HOURS" envDefault:"4.0"`
	PollIntervalSeconds    int             `env:"ORCHESTRATION_KIT_POLL_INTERVAL_SECONDS" envDefault:"30"`
	HardCeilingHours       float64         `env:"ORCHESTRATION_KIT_HARD_CEILING_HOURS" envDefault:"24"`
}

// CloudPreference validates and returns the configured preference,
// falling back to "local" with a stderr warning on an invalid value —
// the same fallback behavior as the original config module.
func (c CloudConfig) CloudPreference() CloudPreference {
	p := CloudPreference(c.CloudPreferenceRaw)
	if !validCloudPreference(p) {
		fmt.Fprintf(os.Stderr,
			"WARNING: ORCHESTRATION_KIT_CLOUD_PREFERENCE=%q is invalid. Valid values: local, cloud-first, cloud-always. Falling back to 'local'.\n",
			c.CloudPreferenceRaw)
		return PreferenceLocal
	}
	return p
}

// LoadRoot, LoadMCP, LoadDashboard, and LoadCloud parse their respective
// structs from the current process environment.
func LoadRoot() (Root, error) {
	var c Root
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("load root config: %w", err)
	}
	return c, nil
}

func LoadMCP() (MCPConfig, error) {
	var c MCPConfig
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("load mcp config: %w", err)
	}
	return c, nil
}

func LoadDashboard() (DashboardConfig, error) {
	var c DashboardConfig
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("load dashboard config: %w", err)
	}
	return c, nil
}

func LoadCloud() (CloudConfig, error) {
	var c CloudConfig
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("load cloud config: %w", err)
	}
	return c, nil
}
