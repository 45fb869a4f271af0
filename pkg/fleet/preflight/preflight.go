package preflight

import (
	"github.com/kurtbell87/orchestration-kit/pkg/kitconfig"
)

// EC2Instance is one catalog entry in the static sizing table.
type EC2Instance struct {
	Type          string
	VCPU          int
	MemoryGB      int
	CostSpot      float64
	CostOnDemand  float64
}

// EC2Instances is the literal default catalog recovered from
// original_source/tools/cloud/config.py's EC2_INSTANCES table
// (SPEC_FULL.md §4 "EC2 instance catalog").
var EC2Instances = []EC2Instance{
	{Type: "c7a.4xlarge", VCPU: 16, MemoryGB: 32, CostSpot: 0.28, CostOnDemand: 0.92},
	{Type: "c7a.8xlarge", VCPU: 32, MemoryGB: 64, CostSpot: 0.47, CostOnDemand: 1.84},
	{Type: "c7a.16xlarge", VCPU: 64, MemoryGB: 128, CostSpot: 0.94, CostOnDemand: 3.67},
}

// GPUInstance is one RunPod GPU catalog entry.
type GPUInstance struct {
	Type     string
	VRAMGB   int
	CostHour float64
}

// RunPodInstances is the literal default GPU catalog.
var RunPodInstances = []GPUInstance{
	{Type: "A100", VRAMGB: 80, CostHour: 1.89},
	{Type: "H100", VRAMGB: 80, CostHour: 3.49},
}

// SelectEC2Instance applies original_source/tools/cloud/config.py's sizing
// rule: a workload that fits sequentially in memory on a single pass gets
// the smallest catalog entry; otherwise size scales with estimated row
// count, capped at the largest catalog entry.
func SelectEC2Instance(sequentialFits bool, estimatedRows int) EC2Instance {
	if sequentialFits && estimatedRows <= 2_000_000 {
		return EC2Instances[0]
	}
	if estimatedRows <= 20_000_000 {
		return EC2Instances[1]
	}
	return EC2Instances[len(EC2Instances)-1]
}

// SelectGPUInstance picks the last (largest) GPU catalog entry when the
// model type is "large", "70b" or "h100", and the first entry otherwise;
// the catalog's VRAM figures are not consulted (spec §4.5 "GPU workloads
// go remote").
func SelectGPUInstance(modelType string) GPUInstance {
	switch modelType {
	case "large", "70b", "h100":
		return RunPodInstances[len(RunPodInstances)-1]
	default:
		return RunPodInstances[0]
	}
}

// Decision is the Preflight recommendation, spec §4.5.
type Decision struct {
	Recommendation      string  `json:"recommendation"` // "local" | "remote"
	Backend             string  `json:"backend,omitempty"`
	InstanceType        string  `json:"instance_type,omitempty"`
	UseSpot             bool    `json:"use_spot"`
	EstimatedCostPerHour float64 `json:"estimated_cost_per_hour,omitempty"`
	EstimatedCost        float64 `json:"estimated_cost,omitempty"`
	PreferenceOverride   bool    `json:"preference_override,omitempty"`
}

// Decide implements the three-tier preference decision tree: GPU workloads
// always go remote; CPU workloads route to local when within the
// configured thresholds unless a non-"local" preference forces cloud and
// the job clears the cloud-overhead floor (spec §4.5).
func Decide(profile ComputeProfile, preference kitconfig.CloudPreference, cfg kitconfig.CloudConfig) Decision {
	if profile.Tier == "gpu" {
		gpu := SelectGPUInstance(profile.ModelType)
		return Decision{
			Recommendation:       "remote",
			Backend:              "runpod",
			InstanceType:         gpu.Type,
			UseSpot:              false,
			EstimatedCostPerHour: gpu.CostHour,
			EstimatedCost:        gpu.CostHour * profile.EstimatedWallHours,
		}
	}

	fitsLocal := profile.EstimatedWallHours <= cfg.LocalMaxWallHours && profile.MemoryGB <= cfg.LocalMaxMemoryGB
	if fitsLocal && preference == kitconfig.PreferenceLocal {
		return Decision{Recommendation: "local"}
	}
	if fitsLocal && preference != kitconfig.PreferenceLocal && profile.EstimatedWallHours < cfg.CloudOverheadFloorHours {
		// Too small a job to justify cloud overhead even with a
		// cloud-biased preference — stays local.
		return Decision{Recommendation: "local"}
	}
	if fitsLocal && preference == kitconfig.PreferenceCloudFirst && profile.EstimatedWallHours < cfg.CloudOverheadFloorHours*2 {
		return Decision{Recommendation: "local"}
	}

	ec2 := SelectEC2Instance(profile.SequentialFits, profile.EstimatedRows)
	useSpot := profile.EstimatedWallHours <= cfg.SpotMaxWallHours
	costPerHour := ec2.CostOnDemand
	if useSpot {
		costPerHour = ec2.CostSpot
	}
	decision := Decision{
		Recommendation:       "remote",
		Backend:              "aws",
		InstanceType:         ec2.Type,
		UseSpot:              useSpot,
		EstimatedCostPerHour: costPerHour,
		EstimatedCost:        costPerHour * profile.EstimatedWallHours,
	}
	if fitsLocal && preference != kitconfig.PreferenceLocal {
		decision.PreferenceOverride = true
	}
	return decision
}
