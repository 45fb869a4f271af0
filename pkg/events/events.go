// Package events implements the Event & Manifest Parser (C1): it folds an
// append-only JSONL event stream for one run into a run record plus a set
// of request records, reconciling against a sidecar manifest file.
//
// Grounded on original_source/dashboard/parsing.py and on the tagged-event
// modeling idiom in the teacher's pkg/agent/events.go.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kurtbell87/orchestration-kit/pkg/model"
)

// Project is the minimal project context the parser needs to resolve
// relative paths and fill provenance defaults.
type Project struct {
	ProjectID            string
	OrchestrationKitRoot string
	ProjectRoot          string
}

// rawEvent is one JSONL line, leniently decoded: every field is optional
// and the parser only ever assigns a field when present and of the
// expected JSON type (spec §4.1 "assign only when present and of correct
// type"). This is the tagged-event-kind pattern Design Note §9 asks for.
type rawEvent struct {
	Event       string         `json:"event"`
	TS          string         `json:"ts"`
	RunID       string         `json:"run_id"`
	ParentRunID string         `json:"parent_run_id"`
	Kit         string         `json:"kit"`
	Phase       string         `json:"phase"`
	Cwd         string         `json:"cwd"`
	ProjectRoot string         `json:"project_root"`
	KitRoot     string         `json:"orchestration_kit_root"`
	AgentRuntime string        `json:"agent_runtime"`
	Host        string         `json:"host"`
	PID         *int           `json:"pid"`
	Reasoning   string         `json:"reasoning"`
	ExitCode    *int           `json:"exit_code"`
	LogPath     string         `json:"log_path"`
	CapsulePath string         `json:"capsule_path"`
	ManifestPath string        `json:"manifest_path"`

	// request_enqueued / request_completed fields
	RequestID    string `json:"request_id"`
	FromKit      string `json:"from_kit"`
	FromPhase    string `json:"from_phase"`
	ToKit        string `json:"to_kit"`
	ToPhase      string `json:"to_phase"`
	Action       string `json:"action"`
	Status       string `json:"status"`
	RequestPath  string `json:"request_path"`
	ResponsePath string `json:"response_path"`
	ChildRunID   string `json:"child_run_id"`
}

// ParseRun reads events.jsonl under runRoot, folds it into a Run record
// plus its associated Request records (sorted by request_id), and
// reconciles the result against a sidecar manifest file.
func ParseRun(project Project, runRoot string) (*model.Run, []*model.Request, error) {
	eventsPath := filepath.Join(runRoot, "events.jsonl")
	run := &model.Run{
		ProjectID:            project.ProjectID,
		OrchestrationKitRoot: project.OrchestrationKitRoot,
		ProjectRoot:          project.ProjectRoot,
		EventsPath:           relTo(project.ProjectRoot, eventsPath),
	}
	requests := map[string]*model.Request{}

	lines, err := readLines(eventsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read events.jsonl: %w", err)
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev rawEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// A wrongly typed field is left unset and the rest of the
			// line still applies; only unparseable lines are dropped.
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &typeErr) {
				continue // malformed lines are silently skipped, per §4.1
			}
		}
		applyEvent(run, requests, &ev)
	}

	if run.RunID == "" {
		run.RunID = filepath.Base(runRoot)
	}

	reconcileManifest(run, runRoot)
	applyPathFallbacks(run, runRoot)

	run.Status = model.DerivedStatus(run.FinishedAt, run.ExitCode)

	out := make([]*model.Request, 0, len(requests))
	for _, r := range requests {
		r.ProjectID = project.ProjectID
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })

	return run, out, nil
}

func applyEvent(run *model.Run, requests map[string]*model.Request, ev *rawEvent) {
	switch ev.Event {
	case "run_started":
		if ev.RunID != "" {
			run.RunID = ev.RunID
		}
		if ev.ParentRunID != "" {
			p := ev.ParentRunID
			run.ParentRunID = &p
		}
		if ev.Kit != "" {
			run.Kit = ev.Kit
		}
		if ev.Phase != "" {
			run.Phase = ev.Phase
		}
		if ts := parseTS(ev.TS); ts != nil {
			run.StartedAt = *ts
		}
		applyProvenance(run, ev)
		if ev.Reasoning != "" {
			run.Reasoning = ev.Reasoning
		}

	case "phase_started":
		if ev.Kit != "" {
			run.Kit = ev.Kit
		}
		if ev.Phase != "" {
			run.Phase = ev.Phase
		}
		if ev.Cwd != "" {
			run.Cwd = ev.Cwd
		}

	case "phase_finished":
		if ev.ExitCode != nil {
			run.ExitCode = ev.ExitCode
		}
		if ev.LogPath != "" {
			run.LogPath = ev.LogPath
		}

	case "capsule_written":
		if ev.CapsulePath != "" {
			run.CapsulePath = ev.CapsulePath
		}

	case "manifest_written":
		if ev.ManifestPath != "" {
			run.ManifestPath = ev.ManifestPath
		}

	case "run_finished":
		if ts := parseTS(ev.TS); ts != nil {
			run.FinishedAt = ts
		}
		if ev.ExitCode != nil {
			run.ExitCode = ev.ExitCode
		}
		if ev.CapsulePath != "" {
			run.CapsulePath = ev.CapsulePath
		}
		if ev.ManifestPath != "" {
			run.ManifestPath = ev.ManifestPath
		}
		if ev.LogPath != "" {
			run.LogPath = ev.LogPath
		}
		applyProvenance(run, ev)

	case "request_enqueued":
		if ev.RequestID == "" {
			return
		}
		r := getOrCreateRequest(requests, ev.RequestID)
		r.ParentRunID = run.RunID
		if ev.FromKit != "" {
			r.FromKit = ev.FromKit
		}
		if ev.FromPhase != "" {
			r.FromPhase = ev.FromPhase
		}
		if ev.ToKit != "" {
			r.ToKit = ev.ToKit
		}
		if ev.ToPhase != "" {
			r.ToPhase = ev.ToPhase
		}
		if ev.Action != "" {
			r.Action = ev.Action
		}
		if ev.RequestPath != "" {
			r.RequestPath = ev.RequestPath
		}
		if ts := parseTS(ev.TS); ts != nil {
			r.EnqueuedTS = ts
		}
		if ev.Reasoning != "" {
			r.Reasoning = ev.Reasoning
		}

	case "request_completed":
		if ev.RequestID == "" {
			return
		}
		r := getOrCreateRequest(requests, ev.RequestID)
		if r.ParentRunID == "" {
			r.ParentRunID = run.RunID
		}
		if ts := parseTS(ev.TS); ts != nil {
			r.CompletedTS = ts
		}
		if ev.Status != "" {
			r.Status = ev.Status
		}
		if ev.ResponsePath != "" {
			r.ResponsePath = ev.ResponsePath
		}
		if ev.ChildRunID != "" {
			r.ChildRunID = ev.ChildRunID
		}
	}
}

func applyProvenance(run *model.Run, ev *rawEvent) {
	if ev.Cwd != "" {
		run.Cwd = ev.Cwd
	}
	if ev.ProjectRoot != "" {
		run.ProjectRoot = ev.ProjectRoot
	}
	if ev.KitRoot != "" {
		run.OrchestrationKitRoot = ev.KitRoot
	}
	if ev.AgentRuntime != "" {
		run.AgentRuntime = ev.AgentRuntime
	}
	if ev.Host != "" {
		run.Host = ev.Host
	}
	if ev.PID != nil {
		run.PID = ev.PID
	}
}

func getOrCreateRequest(requests map[string]*model.Request, id string) *model.Request {
	r, ok := requests[id]
	if !ok {
		r = &model.Request{RequestID: id}
		requests[id] = r
	}
	return r
}

func parseTS(ts string) *time.Time {
	if ts == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, ts); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// ── manifest reconciliation ──────────────────────────────────────────

var verdictRE = regexp.MustCompile(`(?i)##\s*Verdict:\s*(CONFIRMED|REFUTED|INCONCLUSIVE)`)

type manifestDoc struct {
	Metadata     map[string]any `json:"metadata"`
	ArtifactIndex struct {
		Tracked []struct {
			Path string `json:"path"`
		} `json:"tracked"`
	} `json:"artifact_index"`
}

// reconcileManifest fills still-empty run fields from the manifest's
// metadata object, derives experiment_name from the last element of
// metadata.command[], and scans tracked analysis.md artifacts under
// */results/ for a "## Verdict: ..." marker, reading only the first 5 KiB
// (spec §4.1, Design Note §9.3: intentional bandwidth control).
func reconcileManifest(run *model.Run, runRoot string) {
	manifestPath := run.ManifestPath
	if manifestPath == "" {
		manifestPath = firstGlobMatch(filepath.Join(runRoot, "manifests", "*.json"))
	}
	if manifestPath == "" {
		return
	}

	absManifest := manifestPath
	if !filepath.IsAbs(absManifest) {
		absManifest = filepath.Join(runRoot, filepath.Base(manifestPath))
		if _, err := os.Stat(absManifest); err != nil {
			absManifest = manifestPath
		}
	}

	data, err := os.ReadFile(absManifest)
	if err != nil {
		return
	}
	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return
	}

	backfillFromMetadata(run, doc.Metadata)

	if cmd, ok := doc.Metadata["command"].([]any); ok && len(cmd) > 0 {
		if last, ok := cmd[len(cmd)-1].(string); ok && last != "" {
			run.ExperimentName = strings.TrimSuffix(filepath.Base(last), filepath.Ext(last))
		}
	}

	for _, a := range doc.ArtifactIndex.Tracked {
		if !strings.Contains(a.Path, "/results/") || !strings.HasSuffix(a.Path, "analysis.md") {
			continue
		}
		verdict := scanVerdict(resolveArtifactPath(runRoot, a.Path))
		if verdict != "" {
			run.Verdict = verdict
			break
		}
	}
}

// backfillFromMetadata fills any run field still unset from the manifest's
// metadata object (spec §4.1 "Extract the metadata object and fill any run
// fields still NULL"), mirroring original_source/dashboard/parsing.py's
// metadata-backfill pass. A run whose run_finished event was never written
// but whose manifest carries finished_at/exit_code is made terminal here.
func backfillFromMetadata(run *model.Run, meta map[string]any) {
	if meta == nil {
		return
	}
	if run.ParentRunID == nil {
		if v, ok := meta["parent_run_id"].(string); ok && v != "" {
			run.ParentRunID = &v
		}
	}
	if run.Kit == "" {
		if v, ok := meta["kit"].(string); ok {
			run.Kit = v
		}
	}
	if run.Phase == "" {
		if v, ok := meta["phase"].(string); ok {
			run.Phase = v
		}
	}
	if run.StartedAt.IsZero() {
		if v, ok := meta["started_at"].(string); ok {
			if ts := parseTS(v); ts != nil {
				run.StartedAt = *ts
			}
		}
	}
	if run.FinishedAt == nil {
		if v, ok := meta["finished_at"].(string); ok {
			if ts := parseTS(v); ts != nil {
				run.FinishedAt = ts
			}
		}
	}
	if run.ExitCode == nil {
		if v, ok := meta["exit_code"].(float64); ok {
			ec := int(v)
			run.ExitCode = &ec
		}
	}
	if run.Cwd == "" {
		if v, ok := meta["cwd"].(string); ok {
			run.Cwd = v
		}
	}
	if run.ProjectRoot == "" {
		if v, ok := meta["project_root"].(string); ok {
			run.ProjectRoot = v
		}
	}
	if run.OrchestrationKitRoot == "" {
		if v, ok := meta["orchestration_kit_root"].(string); ok {
			run.OrchestrationKitRoot = v
		}
	}
	if run.AgentRuntime == "" {
		if v, ok := meta["agent_runtime"].(string); ok {
			run.AgentRuntime = v
		}
	}
	if run.Host == "" {
		if v, ok := meta["host"].(string); ok {
			run.Host = v
		}
	}
	if run.PID == nil {
		if v, ok := meta["pid"].(float64); ok {
			pid := int(v)
			run.PID = &pid
		}
	}
	if run.Reasoning == "" {
		if v, ok := meta["reasoning"].(string); ok {
			run.Reasoning = v
		}
	}
}

func resolveArtifactPath(runRoot, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(runRoot, path)
}

func scanVerdict(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	buf := make([]byte, 5120)
	n, _ := f.Read(buf)
	m := verdictRE.FindSubmatch(buf[:n])
	if m == nil {
		return ""
	}
	return strings.ToUpper(string(m[1]))
}

// applyPathFallbacks discovers the lexicographically first file under the
// run's manifests/*.json, capsules/*.md, logs/*.log when the corresponding
// pointer path is still unset, relativizing the discovered path to the
// project root (spec §3 "pointer paths are project-relative POSIX
// strings"), the same treatment events_path already gets.
func applyPathFallbacks(run *model.Run, runRoot string) {
	if run.ManifestPath == "" {
		if m := firstGlobMatch(filepath.Join(runRoot, "manifests", "*.json")); m != "" {
			run.ManifestPath = relTo(run.ProjectRoot, m)
		}
	}
	if run.CapsulePath == "" {
		if c := firstGlobMatch(filepath.Join(runRoot, "capsules", "*.md")); c != "" {
			run.CapsulePath = relTo(run.ProjectRoot, c)
		}
	}
	if run.LogPath == "" {
		if l := firstGlobMatch(filepath.Join(runRoot, "logs", "*.log")); l != "" {
			run.LogPath = relTo(run.ProjectRoot, l)
		}
	}
}

func firstGlobMatch(pattern string) string {
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[0]
}

func relTo(root, path string) string {
	if root == "" {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
