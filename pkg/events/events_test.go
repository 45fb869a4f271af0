package events

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEvents(t *testing.T, runRoot string, lines []string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(runRoot, 0o755))
	f, err := os.Create(filepath.Join(runRoot, "events.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		fmt.Fprintln(f, l)
	}
}

func TestParseRun_LifecycleRoundTrip(t *testing.T) {
	// S1 — run lifecycle round trip.
	runRoot := t.TempDir()
	writeEvents(t, runRoot, []string{
		`{"event":"run_started","run_id":"R1","kit":"research","phase":"cycle","ts":"2026-01-01T00:00:00Z","pid":123,"host":"localhost"}`,
	})

	run, _, err := ParseRun(Project{ProjectID: "p1"}, runRoot)
	require.NoError(t, err)
	assert.Equal(t, "R1", run.RunID)
	assert.Equal(t, "research", run.Kit)
	assert.EqualValues(t, "running", run.Status)

	writeEvents(t, runRoot, []string{
		`{"event":"run_started","run_id":"R1","kit":"research","phase":"cycle","ts":"2026-01-01T00:00:00Z","pid":123,"host":"localhost"}`,
		`{"event":"run_finished","ts":"2026-01-01T00:05:00Z","exit_code":0}`,
	})

	run2, _, err := ParseRun(Project{ProjectID: "p1"}, runRoot)
	require.NoError(t, err)
	assert.EqualValues(t, "ok", run2.Status)
	require.NotNil(t, run2.ExitCode)
	assert.Equal(t, 0, *run2.ExitCode)
	require.NotNil(t, run2.FinishedAt)
	assert.Equal(t, "research", run2.Kit)
}

func TestParseRun_MalformedLinesSkipped(t *testing.T) {
	runRoot := t.TempDir()
	writeEvents(t, runRoot, []string{
		`not json`,
		`{"event":"run_started","run_id":"R2"}`,
		`{broken`,
	})

	run, _, err := ParseRun(Project{}, runRoot)
	require.NoError(t, err)
	assert.Equal(t, "R2", run.RunID)
	assert.EqualValues(t, "running", run.Status)
}

func TestParseRun_RequestFolding(t *testing.T) {
	// S6 — interop completion event.
	runRoot := t.TempDir()
	writeEvents(t, runRoot, []string{
		`{"event":"run_started","run_id":"R1"}`,
		`{"event":"request_enqueued","request_id":"rq-X","from_kit":"tdd","to_kit":"research","action":"research.status","ts":"2026-01-01T00:00:00Z"}`,
		`{"event":"request_completed","request_id":"rq-X","status":"ok","child_run_id":"R2","ts":"2026-01-01T00:01:00Z"}`,
	})

	run, requests, err := ParseRun(Project{}, runRoot)
	require.NoError(t, err)
	assert.Equal(t, "R1", run.RunID)
	require.Len(t, requests, 1)
	assert.Equal(t, "rq-X", requests[0].RequestID)
	assert.Equal(t, "ok", requests[0].Status)
	assert.Equal(t, "R2", requests[0].ChildRunID)
}

func TestParseRun_MissingEventsFile(t *testing.T) {
	runRoot := t.TempDir()
	_, _, err := ParseRun(Project{}, runRoot)
	assert.Error(t, err)
}
