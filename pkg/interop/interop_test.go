package interop

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurtbell87/orchestration-kit/pkg/model"
	"github.com/kurtbell87/orchestration-kit/pkg/statefile"
)

type fakeLauncher struct {
	outcome ChildOutcome
	err     error
	calls   int
}

func (f *fakeLauncher) LaunchAndWait(ctx context.Context, req *model.Request, parentRunRoot string) (ChildOutcome, error) {
	f.calls++
	return f.outcome, f.err
}

func TestCreate_AllocatesIDAndValidatesEndpoints(t *testing.T) {
	root := t.TempDir()
	router := New(root, &fakeLauncher{})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	req := &model.Request{
		ParentRunID: "R1",
		FromKit:     "tdd", FromPhase: "green",
		ToKit: "research", ToPhase: "status",
		Action: "research.status",
	}
	res, err := router.Create(context.Background(), req, filepath.Join(root, "runs", "R1"), now)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RequestID)
	assert.FileExists(t, res.RequestPath)

	var stored model.Request
	require.NoError(t, statefile.ReadJSON(res.RequestPath, &stored))
	assert.Equal(t, 1, stored.ReadBudget.MaxFiles) // clamped from zero-value

	data, err := filepath.Glob(filepath.Join(root, "runs", "R1", "events.jsonl"))
	require.NoError(t, err)
	require.Len(t, data, 1)
}

func TestCreate_RejectsInvalidKit(t *testing.T) {
	router := New(t.TempDir(), &fakeLauncher{})
	req := &model.Request{FromKit: "tdd", ToKit: "not-a-kit", Action: "x"}
	_, err := router.Create(context.Background(), req, "", time.Now())
	assert.Error(t, err)
}

func TestPump_WritesResponseAndCompletionEvent(t *testing.T) {
	root := t.TempDir()
	launcher := &fakeLauncher{outcome: ChildOutcome{RunID: "R2", Status: "ok", CapsulePath: "c.md", ManifestPath: "m.json"}}
	router := New(root, launcher)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	req := &model.Request{ParentRunID: "R1", FromKit: "tdd", ToKit: "research", Action: "research.status"}
	created, err := router.Create(context.Background(), req, filepath.Join(root, "runs", "R1"), now)
	require.NoError(t, err)

	res, err := router.Pump(context.Background(), created.RequestID, filepath.Join(root, "runs", "R1"), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "R2", res.ChildRunID)
	assert.Equal(t, "ok", res.Status)
	assert.FileExists(t, res.ResponsePath)
	assert.Equal(t, 1, launcher.calls)
}

func TestPump_QueueFrontSelectsOldestUnansweredRequest(t *testing.T) {
	root := t.TempDir()
	launcher := &fakeLauncher{outcome: ChildOutcome{RunID: "R9", Status: "ok"}}
	router := New(root, launcher)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := router.Create(context.Background(), &model.Request{FromKit: "tdd", ToKit: "math", Action: "math.check"}, "", now)
	require.NoError(t, err)
	_, err = router.Create(context.Background(), &model.Request{FromKit: "tdd", ToKit: "math", Action: "math.check"}, "", now.Add(time.Second))
	require.NoError(t, err)

	res, err := router.Pump(context.Background(), "", "", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, res.RequestID)
}
