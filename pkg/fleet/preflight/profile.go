// Package preflight implements the Cloud Fleet Controller's local-vs-cloud
// decision (spec §4.5 "Preflight decision") and the ComputeProfile input it
// consumes, recovered in full from
// original_source/tools/cloud/spec_parser.py per SPEC_FULL.md §4.
package preflight

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ComputeProfile is the structured input to the Preflight decision,
// extracted from an experiment spec markdown file's fenced "### Compute
// Profile" YAML block plus its "## Resource Budget" section.
type ComputeProfile struct {
	Tier               string  `yaml:"tier"` // "cpu" | "gpu"
	EstimatedRows      int     `yaml:"estimated_rows"`
	ModelType          string  `yaml:"model_type"`
	SequentialFits     bool    `yaml:"sequential_fits"`
	Parallelizable     bool    `yaml:"parallelizable"`
	MemoryGB           float64 `yaml:"memory_gb"`
	GPUType            string  `yaml:"gpu_type,omitempty"`
	EstimatedWallHours float64 `yaml:"estimated_wall_hours"`
	MaxGPUHours        float64 `yaml:"max_gpu_hours,omitempty"`
	MaxWallClock       float64 `yaml:"max_wall_clock,omitempty"`
	MaxTrainingRuns    int     `yaml:"max_training_runs,omitempty"`
}

var computeProfileBlock = regexp.MustCompile("(?s)### Compute Profile\\s*```ya?ml\\s*\\n(.*?)\\n```")
var resourceBudgetBlock = regexp.MustCompile(`(?is)## Resource Budget\s*\n(.*?)(\n##|\z)`)
var tierLine = regexp.MustCompile(`(?i)tier:\s*(cpu|gpu)`)
var maxHoursLine = regexp.MustCompile(`(?i)max[_ -]?(?:wall|gpu)[_ -]?(?:clock|hours):\s*([0-9.]+)`)

// ParseSpecFile extracts a ComputeProfile from an experiment spec markdown
// file's content. It first looks for the fenced "### Compute Profile" YAML
// block (the primary, structured form); if absent, it falls back to
// regex-extracting a tier and budget figure from a "## Resource Budget"
// prose section, matching the original's best-effort parsing.
func ParseSpecFile(content string) (*ComputeProfile, bool) {
	if m := computeProfileBlock.FindStringSubmatch(content); m != nil {
		var profile ComputeProfile
		if err := yaml.Unmarshal([]byte(m[1]), &profile); err == nil {
			return &profile, true
		}
	}

	budget := resourceBudgetBlock.FindStringSubmatch(content)
	if budget == nil {
		return nil, false
	}
	section := budget[1]

	profile := ComputeProfile{Tier: "cpu"}
	if tm := tierLine.FindStringSubmatch(section); tm != nil {
		profile.Tier = strings.ToLower(tm[1])
	}
	if hm := maxHoursLine.FindStringSubmatch(section); hm != nil {
		var hours float64
		fmt.Sscanf(hm[1], "%f", &hours)
		profile.EstimatedWallHours = hours
		profile.MaxWallClock = hours
	}
	return &profile, true
}
