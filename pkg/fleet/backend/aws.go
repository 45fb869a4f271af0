// Package backend implements the Cloud Fleet Controller's two
// ComputeBackend's: AWS EC2 (this file) and RunPod GPU pods (runpod.go).
// Both speak the fleet.Backend capability set by shelling out to their
// respective CLIs/APIs, exactly the way original_source/tools/cloud's
// Python backends invoke `aws` via subprocess — spec §5 "AWS API calls
// (with timeouts)" and "S3 CLI subprocess calls (<=600s each)".
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kurtbell87/orchestration-kit/pkg/fleet"
	"github.com/kurtbell87/orchestration-kit/pkg/kiterr"
	"github.com/kurtbell87/orchestration-kit/pkg/kitlog"
)

const awsCLITimeout = 600 * time.Second

// AWSBackend provisions EC2 instances via the `aws` CLI, tagging every
// instance and its primary volume per spec §4.5.
type AWSBackend struct {
	Region  string
	Bucket  string
	Breaker *gobreaker.CircuitBreaker
}

// NewAWSBackend constructs a backend whose subprocess calls are
// circuit-broken: repeated provisioning failures trip the breaker instead
// of hammering the AWS API (spec §5).
func NewAWSBackend(region, bucket string) *AWSBackend {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "aws-cli",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	return &AWSBackend{Region: region, Bucket: bucket, Breaker: cb}
}

func (b *AWSBackend) Name() string { return "aws" }

// runCLI shells out to the aws CLI with a bounded timeout, through the
// circuit breaker.
func (b *AWSBackend) runCLI(ctx context.Context, args ...string) ([]byte, error) {
	out, err := b.Breaker.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, awsCLITimeout)
		defer cancel()
		args = append(args, "--region", b.Region, "--output", "json")
		cmd := exec.CommandContext(cctx, "aws", args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, kiterr.Wrap(kiterr.Provisioning, "aws "+strings.Join(args, " ")+": "+stderr.String(), err)
		}
		return stdout.Bytes(), nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func tagSpecs(runID, specFile, clientToken string, maxHours float64, launchedAt time.Time) string {
	tags := []map[string]string{
		{"Key": "cloud-run:run-id", "Value": runID},
		{"Key": "cloud-run:spec", "Value": truncate(specFile, 256)},
		{"Key": "cloud-run:max-hours", "Value": fmt.Sprintf("%g", maxHours)},
		{"Key": "cloud-run:launched-at", "Value": launchedAt.UTC().Format(time.RFC3339)},
		{"Key": "Project", "Value": "orchestration-kit"},
		{"Key": "ManagedBy", "Value": "orchestration-kit-cloud-fleet"},
		{"Key": "RunId", "Value": runID},
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Provision launches one EC2 instance with the stable client token as the
// idempotency key: re-invocation with the same run_id returns the existing
// instance rather than launching a second one (spec §4.5 "Instance
// idempotency").
func (b *AWSBackend) Provision(ctx context.Context, spec fleet.ProvisionSpec) (fleet.InstanceHandle, error) {
	if !spec.AllowDuplicate {
		existing, err := b.FindInstancesBySpec(ctx, spec.SpecFile)
		if err == nil && len(existing) > 0 {
			return fleet.InstanceHandle{}, kiterr.Newf(kiterr.Duplicate,
				"spec %s already has a live instance %s", spec.SpecFile, existing[0].InstanceID)
		}
	}

	launchedAt := time.Now().UTC()
	userData := bootstrapScript(spec)
	instanceType := spec.InstanceType
	marketType := "on-demand"
	if spec.UseSpot {
		marketType = "spot"
	}

	baseArgs := []string{
		"ec2", "run-instances",
		"--instance-type", instanceType,
		"--client-token", spec.ClientToken,
		"--user-data", userData,
		"--tag-specifications",
		"ResourceType=instance,Tags=" + tagSpecs(spec.RunID, spec.SpecFile, spec.ClientToken, spec.MaxHours, launchedAt),
		"ResourceType=volume,Tags=" + tagSpecs(spec.RunID, spec.SpecFile, spec.ClientToken, spec.MaxHours, launchedAt),
	}
	spotArgs := append(append([]string{}, baseArgs...), "--instance-market-options", `MarketType=spot`)

	var out []byte
	var err error
	if spec.UseSpot {
		out, err = b.runCLI(ctx, spotArgs...)
		if err != nil {
			// Spot capacity exhaustion retries once as on-demand within
			// the same provision call (spec §4.5/§7).
			kitlog.WarnCF("fleet", "spot capacity exhausted, retrying on-demand", map[string]any{"run_id": spec.RunID})
			marketType = "on-demand"
			out, err = b.runCLI(ctx, baseArgs...)
		}
	} else {
		out, err = b.runCLI(ctx, baseArgs...)
	}
	if err != nil {
		return fleet.InstanceHandle{}, err
	}

	var parsed struct {
		Instances []struct {
			InstanceId string `json:"InstanceId"`
		} `json:"Instances"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil || len(parsed.Instances) == 0 {
		return fleet.InstanceHandle{}, kiterr.Wrap(kiterr.Provisioning, "parse run-instances output", err)
	}

	kitlog.InfoCF("fleet", "provisioned", map[string]any{
		"run_id": spec.RunID, "instance_id": parsed.Instances[0].InstanceId, "market": marketType,
	})
	return fleet.InstanceHandle{
		InstanceID:   parsed.Instances[0].InstanceId,
		RunID:        spec.RunID,
		Backend:      "aws",
		InstanceType: instanceType,
		SpecFile:     spec.SpecFile,
		LaunchedAt:   launchedAt,
		MaxHours:     spec.MaxHours,
		UseSpot:      marketType == "spot",
	}, nil
}

// bootstrapScript renders the user-data bootstrap that exports RUN_ID,
// S3_BUCKET, S3_PREFIX, AWS_REGION, EXPERIMENT_COMMAND, MAX_HOURS, and
// optionally IMAGE_URI/EBS device, then either launches a pre-built Docker
// image or runs natively on the AMI, and on completion writes an exit_code
// marker to S3 and shuts the host down (spec §4.5 "Runtime surface").
func bootstrapScript(spec fleet.ProvisionSpec) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\nset -e\n")
	fmt.Fprintf(&sb, "export RUN_ID=%q\n", spec.RunID)
	fmt.Fprintf(&sb, "export S3_BUCKET=%q\n", spec.S3Bucket)
	fmt.Fprintf(&sb, "export S3_PREFIX=%q\n", spec.S3Prefix)
	fmt.Fprintf(&sb, "export AWS_REGION=%q\n", spec.AWSRegion)
	fmt.Fprintf(&sb, "export EXPERIMENT_COMMAND=%q\n", spec.Command)
	fmt.Fprintf(&sb, "export MAX_HOURS=%g\n", spec.MaxHours)
	if spec.ImageURI != "" {
		fmt.Fprintf(&sb, "export IMAGE_URI=%q\n", spec.ImageURI)
	}
	if spec.EBSDevice != "" {
		fmt.Fprintf(&sb, "export DATA_DEVICE=%q\n", spec.EBSDevice)
	}
	sb.WriteString("EXIT_CODE=0\n")
	if spec.ImageURI != "" {
		sb.WriteString("docker run --rm $IMAGE_URI $EXPERIMENT_COMMAND || EXIT_CODE=$?\n")
	} else {
		sb.WriteString("bash -lc \"$EXPERIMENT_COMMAND\" || EXIT_CODE=$?\n")
	}
	sb.WriteString("echo $EXIT_CODE | aws s3 cp - s3://$S3_BUCKET/$S3_PREFIX/exit_code\n")
	sb.WriteString("shutdown -h now\n")
	return sb.String()
}

// WaitReady polls the instance state until it reaches "running", or
// timeout elapses.
func (b *AWSBackend) WaitReady(ctx context.Context, instanceID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := b.Status(ctx, instanceID)
		if err != nil {
			return err
		}
		if st.State == "running" {
			return nil
		}
		if time.Now().After(deadline) {
			return kiterr.Newf(kiterr.Provisioning, "instance %s not ready after %s", instanceID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// Status queries EC2 instance state and, if present, the S3 exit_code
// marker, per spec §4.5 "Completion polling".
func (b *AWSBackend) Status(ctx context.Context, instanceID string) (fleet.InstanceStatus, error) {
	out, err := b.runCLI(ctx, "ec2", "describe-instances", "--instance-ids", instanceID)
	if err != nil {
		return fleet.InstanceStatus{}, err
	}
	var parsed struct {
		Reservations []struct {
			Instances []struct {
				State struct {
					Name string `json:"Name"`
				} `json:"State"`
			} `json:"Instances"`
		} `json:"Reservations"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return fleet.InstanceStatus{}, kiterr.Wrap(kiterr.Fatal, "parse describe-instances", err)
	}
	state := "unknown"
	if len(parsed.Reservations) > 0 && len(parsed.Reservations[0].Instances) > 0 {
		state = parsed.Reservations[0].Instances[0].State.Name
	}

	status := fleet.InstanceStatus{InstanceID: instanceID, State: state}
	if code, ok := b.readExitCode(ctx, instanceID); ok {
		status.ExitCode = &code
		status.HasExitMarker = true
	}
	return status, nil
}

func (b *AWSBackend) s3Key(instanceID, leaf string) string {
	return fmt.Sprintf("s3://%s/cloud-runs/%s/%s", b.Bucket, instanceID, leaf)
}

func (b *AWSBackend) readExitCode(ctx context.Context, instanceID string) (int, bool) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cctx, "aws", "s3", "cp", b.s3Key(instanceID, "exit_code"), "-")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(out.String()))
	if err != nil {
		return 0, false
	}
	return code, true
}

// Heartbeat reads s3://.../heartbeat and reports its staleness.
func (b *AWSBackend) Heartbeat(ctx context.Context, instanceID string) (float64, bool) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cctx, "aws", "s3api", "head-object", "--bucket", b.Bucket,
		"--key", fmt.Sprintf("cloud-runs/%s/heartbeat", instanceID))
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, false
	}
	var parsed struct {
		LastModified string `json:"LastModified"`
	}
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		return 0, false
	}
	t, err := time.Parse(time.RFC1123, parsed.LastModified)
	if err != nil {
		return 0, false
	}
	return time.Since(t).Seconds(), true
}

// TailLog returns the last n lines of s3://.../experiment.log.
func (b *AWSBackend) TailLog(ctx context.Context, instanceID string, n int) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cctx, "aws", "s3", "cp", b.s3Key(instanceID, "experiment.log"), "-")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, kiterr.Wrap(kiterr.NotFound, "log not yet available", err)
	}

	var lines []string
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// PullResults syncs s3://.../{sync_back}/ to localDir.
func (b *AWSBackend) PullResults(ctx context.Context, instanceID, localDir string) error {
	cctx, cancel := context.WithTimeout(ctx, awsCLITimeout)
	defer cancel()
	src := b.s3Key(instanceID, "results")
	cmd := exec.CommandContext(cctx, "aws", "s3", "sync", src+"/", localDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return kiterr.Wrap(kiterr.Fatal, "s3 sync results: "+stderr.String(), err)
	}
	return nil
}

// Terminate tears down the instance.
func (b *AWSBackend) Terminate(ctx context.Context, instanceID string) error {
	_, err := b.runCLI(ctx, "ec2", "terminate-instances", "--instance-ids", instanceID)
	return err
}

// CleanupResources removes any resources (EBS snapshots, ENIs) orphaned
// by a terminated instance. EC2 manages its own primary-volume lifecycle
// (DeleteOnTermination), so this is a best-effort no-op beyond terminate
// for the default catalog.
func (b *AWSBackend) CleanupResources(ctx context.Context, instanceID string) error {
	return nil
}

// FindInstancesBySpec enumerates live instances tagged with specFile,
// backing spec §4.5's "spec-level single-flight".
func (b *AWSBackend) FindInstancesBySpec(ctx context.Context, specFile string) ([]fleet.InstanceHandle, error) {
	out, err := b.runCLI(ctx, "ec2", "describe-instances",
		"--filters",
		"Name=tag:cloud-run:spec,Values="+truncate(specFile, 256),
		"Name=instance-state-name,Values=pending,running")
	if err != nil {
		return nil, err
	}
	return parseTaggedInstances(out), nil
}

// GC enumerates every instance tagged cloud-run:launched-at, computes age,
// and terminates any whose age exceeds its own max-hours lease or the
// global hard ceiling (spec §4.5 "Reaper", §8-S5).
func (b *AWSBackend) GC(ctx context.Context, hardCeiling time.Duration, dryRun bool) ([]fleet.ReapAction, error) {
	out, err := b.runCLI(ctx, "ec2", "describe-instances",
		"--filters", "Name=tag-key,Values=cloud-run:launched-at",
		"Name=instance-state-name,Values=pending,running")
	if err != nil {
		return nil, err
	}

	var actions []fleet.ReapAction
	for _, inst := range parseTaggedInstancesFull(out) {
		age := time.Since(inst.launchedAt)
		reason := ""
		switch {
		case inst.maxHours > 0 && age > time.Duration(inst.maxHours*float64(time.Hour)):
			reason = "lease_expired"
		case age > hardCeiling:
			reason = "hard_ceiling"
		default:
			continue
		}
		action := "would_terminate"
		if !dryRun {
			if err := b.Terminate(ctx, inst.instanceID); err != nil {
				kitlog.ErrorCF("fleet", "reap terminate failed", map[string]any{"instance_id": inst.instanceID, "error": err.Error()})
				continue
			}
			action = "terminated"
		}
		actions = append(actions, fleet.ReapAction{
			InstanceID: inst.instanceID,
			RunID:      inst.runID,
			AgeHours:   age.Hours(),
			MaxHours:   inst.maxHours,
			Reason:     reason,
			Action:     action,
		})
	}
	return actions, nil
}

type taggedInstance struct {
	instanceID string
	runID      string
	specFile   string
	launchedAt time.Time
	maxHours   float64
}

func parseTaggedInstances(out []byte) []fleet.InstanceHandle {
	var handles []fleet.InstanceHandle
	for _, t := range parseTaggedInstancesFull(out) {
		handles = append(handles, fleet.InstanceHandle{
			InstanceID: t.instanceID,
			RunID:      t.runID,
			Backend:    "aws",
			SpecFile:   t.specFile,
			LaunchedAt: t.launchedAt,
			MaxHours:   t.maxHours,
		})
	}
	return handles
}

func parseTaggedInstancesFull(out []byte) []taggedInstance {
	var parsed struct {
		Reservations []struct {
			Instances []struct {
				InstanceId string `json:"InstanceId"`
				Tags       []struct {
					Key   string `json:"Key"`
					Value string `json:"Value"`
				} `json:"Tags"`
			} `json:"Instances"`
		} `json:"Reservations"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil
	}

	var out2 []taggedInstance
	for _, res := range parsed.Reservations {
		for _, inst := range res.Instances {
			t := taggedInstance{instanceID: inst.InstanceId}
			for _, tag := range inst.Tags {
				switch tag.Key {
				case "cloud-run:run-id", "RunId":
					t.runID = tag.Value
				case "cloud-run:spec":
					t.specFile = tag.Value
				case "cloud-run:launched-at":
					if ts, err := time.Parse(time.RFC3339, tag.Value); err == nil {
						t.launchedAt = ts
					}
				case "cloud-run:max-hours":
					if mh, err := strconv.ParseFloat(tag.Value, 64); err == nil {
						t.maxHours = mh
					}
				}
			}
			out2 = append(out2, t)
		}
	}
	return out2
}
