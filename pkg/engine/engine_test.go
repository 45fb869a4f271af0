package engine

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurtbell87/orchestration-kit/pkg/index"
	"github.com/kurtbell87/orchestration-kit/pkg/model"
)

func newTestStore(t *testing.T) index.Store {
	t.Helper()
	store, err := index.NewSQLiteStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLaunchBackground_SpawnsAndTracks(t *testing.T) {
	e := New(newTestStore(t))
	root := t.TempDir()

	res := e.LaunchBackground(context.Background(), LaunchSpec{
		Kit: "research", Phase: "cycle",
		Command:              "/bin/sh",
		Args:                 []string{"-c", "sleep 0.2"},
		ProjectRoot:          root,
		OrchestrationKitRoot: root,
		KitStateDir:          ".kit",
	}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	require.Equal(t, "launched", res.Status)
	require.NotEmpty(t, res.RunID)

	active := e.ActiveProcesses()
	require.Len(t, active, 1)
	assert.Equal(t, res.RunID, active[0].RunID)

	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, e.ActiveProcesses())
}

func TestKill_AlreadyFinished(t *testing.T) {
	e := New(newTestStore(t))
	root := t.TempDir()

	res := e.LaunchBackground(context.Background(), LaunchSpec{
		Kit: "tdd", Phase: "red",
		Command:              "/bin/true",
		ProjectRoot:          root,
		OrchestrationKitRoot: root,
		KitStateDir:          ".kit",
	}, time.Now())
	require.Equal(t, "launched", res.Status)

	time.Sleep(200 * time.Millisecond)

	kr, err := e.Kill(res.RunID, syscall.SIGTERM)
	require.NoError(t, err)
	assert.Equal(t, "already_finished", kr.Status)
}

func TestKill_UnknownRun(t *testing.T) {
	e := New(newTestStore(t))
	_, err := e.Kill("no-such-run", syscall.SIGTERM)
	assert.Error(t, err)
}

func TestClassifyStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	deadPID := 999999999 // astronomically unlikely to be a live PID

	stalePidDead := index.RunView{Run: model.Run{
		Host: "localhost", PID: &deadPID, StartedAt: now.Add(-time.Minute), Status: model.RunRunning,
	}}
	reason, stale := classifyStale(stalePidDead, now)
	assert.True(t, stale)
	assert.Equal(t, "pid_dead", reason)

	staleAncient := index.RunView{Run: model.Run{
		Host: "remote-host", PID: nil, StartedAt: now.Add(-3 * time.Hour), Status: model.RunRunning,
	}}
	reason, stale = classifyStale(staleAncient, now)
	assert.True(t, stale)
	assert.Equal(t, "no_pid_ancient", reason)

	fresh := index.RunView{Run: model.Run{
		Host: "remote-host", PID: nil, StartedAt: now.Add(-time.Minute), Status: model.RunRunning,
	}}
	_, stale = classifyStale(fresh, now)
	assert.False(t, stale)
}
