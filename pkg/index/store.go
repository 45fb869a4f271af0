package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kurtbell87/orchestration-kit/pkg/model"
)

// Store is the Index Store's public surface: upserts, filtered queries,
// and summary aggregations over projects/runs/requests.
type Store interface {
	Close() error

	UpsertProject(ctx context.Context, p model.Project) error
	DeleteProjectRows(ctx context.Context, projectID string) error
	DeleteProject(ctx context.Context, projectID string) error
	ListProjects(ctx context.Context) ([]model.Project, error)

	// InsertRun performs a plain insert (used by full reindex, which
	// deletes-then-reinserts per project).
	InsertRun(ctx context.Context, r *model.Run) error
	// UpsertRun performs a COALESCE-preserving upsert by (project_id,
	// run_id); status is always overwritten (used by the incremental
	// single-run upsert path).
	UpsertRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, projectID, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]RunView, error)

	InsertRequest(ctx context.Context, r *model.Request) error
	UpsertRequest(ctx context.Context, r *model.Request) error

	Summary(ctx context.Context, projectID string) (Summary, error)
	ActiveByPhase(ctx context.Context, projectID string) (map[string]int, error)
	ThreadExpansion(ctx context.Context, projectID, runID string) ([]model.Run, []model.Request, error)
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ProjectID string
	Status    string
	Limit     int
	Offset    int
}

// RunView is a run row enriched with the derived fields spec §4.2 requires.
type RunView struct {
	model.Run
	DurationSeconds float64 `json:"duration_seconds"`
	IsStale         bool    `json:"is_stale"`
	IsOrphaned      bool    `json:"is_orphaned"`
}

// Summary is a per-status count aggregation for one project.
type Summary struct {
	Total   int            `json:"total"`
	Running int            `json:"running"`
	OK      int            `json:"ok"`
	Failed  int            `json:"failed"`
	ByPhase map[string]int `json:"by_phase,omitempty"`
}

// dbConn is the slice of *sql.DB that SQLiteStore's query methods need.
// PostgresStore satisfies it with a placeholder-translating wrapper
// instead of a raw *sql.DB, since lib/pq expects $1-style parameters
// where the queries below are written with SQLite's "?" style.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

// SQLiteStore is the default Index Store backend: pure-Go SQLite via
// modernc.org/sqlite, WAL journaling, and a 5s busy timeout — the same
// connection idiom as the teacher's pkg/fleet/store_sqlite.go.
type SQLiteStore struct {
	db dbConn
}

// NewSQLiteStore opens (creating if necessary) the index database at
// dbPath and ensures its schema, including additive migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline (spec §4.2 concurrency)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ── projects ──────────────────────────────────────────────────────

func (s *SQLiteStore) UpsertProject(ctx context.Context, p model.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects(project_id, label, orchestration_kit_root, project_root, registered_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			label = excluded.label,
			orchestration_kit_root = excluded.orchestration_kit_root,
			project_root = excluded.project_root,
			registered_at = excluded.registered_at,
			updated_at = excluded.updated_at
	`, p.ProjectID, p.Label, p.OrchestrationKitRoot, p.ProjectRoot,
		formatTime(&p.RegisteredAt), formatTime(&p.UpdatedAt))
	return err
}

func (s *SQLiteStore) DeleteProjectRows(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE project_id = ?`, projectID)
	return err
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, projectID string) error {
	if err := s.DeleteProjectRows(ctx, projectID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE project_id = ?`, projectID)
	return err
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_id, label, orchestration_kit_root, project_root, registered_at, updated_at FROM projects`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Project
	for rows.Next() {
		var p model.Project
		var reg, upd sql.NullString
		if err := rows.Scan(&p.ProjectID, &p.Label, &p.OrchestrationKitRoot, &p.ProjectRoot, &reg, &upd); err != nil {
			return nil, err
		}
		p.RegisteredAt = parseTime(reg.String)
		p.UpdatedAt = parseTime(upd.String)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── runs ──────────────────────────────────────────────────────────

const runColumns = `project_id, run_id, parent_run_id, kit, phase, started_at, finished_at,
	exit_code, status, capsule_path, manifest_path, log_path, events_path,
	cwd, project_root, orchestration_kit_root, agent_runtime, host, pid, reasoning,
	experiment_name, verdict`

func (s *SQLiteStore) InsertRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runArgs(r)...)
	return err
}

func (s *SQLiteStore) UpsertRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, run_id) DO UPDATE SET
			parent_run_id = COALESCE(excluded.parent_run_id, parent_run_id),
			kit = COALESCE(excluded.kit, kit),
			phase = COALESCE(excluded.phase, phase),
			started_at = COALESCE(excluded.started_at, started_at),
			finished_at = COALESCE(excluded.finished_at, finished_at),
			exit_code = COALESCE(excluded.exit_code, exit_code),
			status = excluded.status,
			capsule_path = COALESCE(excluded.capsule_path, capsule_path),
			manifest_path = COALESCE(excluded.manifest_path, manifest_path),
			log_path = COALESCE(excluded.log_path, log_path),
			events_path = COALESCE(excluded.events_path, events_path),
			cwd = COALESCE(excluded.cwd, cwd),
			project_root = COALESCE(excluded.project_root, project_root),
			orchestration_kit_root = COALESCE(excluded.orchestration_kit_root, orchestration_kit_root),
			agent_runtime = COALESCE(excluded.agent_runtime, agent_runtime),
			host = COALESCE(excluded.host, host),
			pid = COALESCE(excluded.pid, pid),
			reasoning = COALESCE(excluded.reasoning, reasoning),
			experiment_name = COALESCE(excluded.experiment_name, experiment_name),
			verdict = COALESCE(excluded.verdict, verdict)
	`, runArgs(r)...)
	return err
}

func runArgs(r *model.Run) []any {
	return []any{
		r.ProjectID, r.RunID, nullableStr(r.ParentRunID), r.Kit, r.Phase,
		formatTime(&r.StartedAt), formatTimePtr(r.FinishedAt), nullableInt(r.ExitCode),
		string(r.Status), r.CapsulePath, r.ManifestPath, r.LogPath, r.EventsPath,
		r.Cwd, r.ProjectRoot, r.OrchestrationKitRoot, r.AgentRuntime, r.Host,
		nullableInt(r.PID), r.Reasoning, r.ExperimentName, r.Verdict,
	}
}

func (s *SQLiteStore) GetRun(ctx context.Context, projectID, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id = ? AND run_id = ?`, projectID, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s/%s not found", projectID, runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter) ([]RunView, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1 = 1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunView
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, deriveRunView(*r))
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var r model.Run
	var parentRunID, status, startedAt, finishedAt sql.NullString
	var exitCode, pid sql.NullInt64

	err := row.Scan(&r.ProjectID, &r.RunID, &parentRunID, &r.Kit, &r.Phase,
		&startedAt, &finishedAt, &exitCode, &status, &r.CapsulePath, &r.ManifestPath,
		&r.LogPath, &r.EventsPath, &r.Cwd, &r.ProjectRoot, &r.OrchestrationKitRoot,
		&r.AgentRuntime, &r.Host, &pid, &r.Reasoning, &r.ExperimentName, &r.Verdict)
	if err != nil {
		return nil, err
	}

	if parentRunID.Valid && parentRunID.String != "" {
		v := parentRunID.String
		r.ParentRunID = &v
	}
	r.Status = model.RunStatus(status.String)
	if t := parseTime(startedAt.String); !t.IsZero() {
		r.StartedAt = t
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t := parseTime(finishedAt.String)
		r.FinishedAt = &t
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		r.PID = &v
	}
	return &r, nil
}

// deriveRunView computes duration_seconds, is_stale, and is_orphaned per
// spec §4.2's query surface.
func deriveRunView(r model.Run) RunView {
	v := RunView{Run: r}
	end := time.Now().UTC()
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	v.DurationSeconds = end.Sub(r.StartedAt).Seconds()
	v.IsStale = r.Status == model.RunRunning && v.DurationSeconds > 1800
	v.IsOrphaned = r.Status == model.RunRunning && r.Host == "localhost" && r.PID != nil && !pidAlive(*r.PID)
	return v
}

// ── requests ──────────────────────────────────────────────────────

const requestColumns = `project_id, request_id, parent_run_id, child_run_id,
	from_kit, from_phase, to_kit, to_phase, action,
	status, request_path, response_path, enqueued_ts, completed_ts, reasoning`

func (s *SQLiteStore) InsertRequest(ctx context.Context, r *model.Request) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, request_id) DO UPDATE SET
			parent_run_id = excluded.parent_run_id,
			child_run_id = excluded.child_run_id,
			from_kit = excluded.from_kit,
			from_phase = excluded.from_phase,
			to_kit = excluded.to_kit,
			to_phase = excluded.to_phase,
			action = excluded.action,
			status = excluded.status,
			request_path = excluded.request_path,
			response_path = excluded.response_path,
			enqueued_ts = excluded.enqueued_ts,
			completed_ts = excluded.completed_ts,
			reasoning = excluded.reasoning
	`, requestArgs(r)...)
	return err
}

// UpsertRequest behaves identically to InsertRequest for the current
// schema — the requests table has no COALESCE-preserving columns the way
// runs does, because every request field is set exactly once by the event
// that produced it (enqueue or completion both overwrite unconditionally,
// per original_source/dashboard/indexing.py's _insert_request).
func (s *SQLiteStore) UpsertRequest(ctx context.Context, r *model.Request) error {
	return s.InsertRequest(ctx, r)
}

func requestArgs(r *model.Request) []any {
	return []any{
		r.ProjectID, r.RequestID, r.ParentRunID, r.ChildRunID,
		r.FromKit, r.FromPhase, r.ToKit, r.ToPhase, r.Action,
		r.Status, r.RequestPath, r.ResponsePath,
		formatTimePtr(r.EnqueuedTS), formatTimePtr(r.CompletedTS), r.Reasoning,
	}
}

// ── summaries ───────────────────────────────────────────────────────

func (s *SQLiteStore) Summary(ctx context.Context, projectID string) (Summary, error) {
	var sum Summary
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return sum, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return sum, err
		}
		sum.Total += count
		switch model.RunStatus(status) {
		case model.RunRunning:
			sum.Running = count
		case model.RunOK:
			sum.OK = count
		case model.RunFailed:
			sum.Failed = count
		}
	}
	return sum, rows.Err()
}

func (s *SQLiteStore) ActiveByPhase(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT phase, COUNT(*) FROM runs WHERE project_id = ? AND status = ? GROUP BY phase`,
		projectID, string(model.RunRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var phase string
		var count int
		if err := rows.Scan(&phase, &count); err != nil {
			return nil, err
		}
		out[phase] = count
	}
	return out, rows.Err()
}

// ThreadExpansion walks parent_run_id to a cycle-safe root, collects every
// run rooted at it, and returns all requests referencing any of them
// (Design Note §9: "must be cycle-safe, uses a visited set").
func (s *SQLiteStore) ThreadExpansion(ctx context.Context, projectID, runID string) ([]model.Run, []model.Request, error) {
	root, err := s.findRoot(ctx, projectID, runID)
	if err != nil {
		return nil, nil, err
	}

	runs, err := s.collectDescendants(ctx, projectID, root)
	if err != nil {
		return nil, nil, err
	}

	runIDs := make([]string, len(runs))
	for i, r := range runs {
		runIDs[i] = r.RunID
	}
	requests, err := s.requestsForRuns(ctx, projectID, runIDs)
	return runs, requests, err
}

func (s *SQLiteStore) findRoot(ctx context.Context, projectID, runID string) (string, error) {
	visited := map[string]bool{}
	current := runID
	for !visited[current] {
		visited[current] = true
		r, err := s.GetRun(ctx, projectID, current)
		if err != nil || r.ParentRunID == nil || *r.ParentRunID == "" {
			return current, nil
		}
		current = *r.ParentRunID
	}
	return current, nil // cycle detected; stop at the repeated node
}

func (s *SQLiteStore) collectDescendants(ctx context.Context, projectID, root string) ([]model.Run, error) {
	visited := map[string]bool{}
	var out []model.Run
	queue := []string{root}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		r, err := s.GetRun(ctx, projectID, id)
		if err != nil {
			continue
		}
		out = append(out, *r)

		children, err := s.childRunIDs(ctx, projectID, id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if !visited[c] {
				queue = append(queue, c)
			}
		}
	}
	return out, nil
}

func (s *SQLiteStore) childRunIDs(ctx context.Context, projectID, parent string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs WHERE project_id = ? AND parent_run_id = ?`, projectID, parent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) requestsForRuns(ctx context.Context, projectID string, runIDs []string) ([]model.Request, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(runIDs)*2)
	args := []any{projectID}
	for i, id := range runIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}

	query := `SELECT ` + requestColumns + ` FROM requests WHERE project_id = ? AND (parent_run_id IN (` +
		string(placeholders) + `) OR child_run_id IN (` + string(placeholders) + `))`
	args = append(args, args[1:]...) // duplicate the run-id args for the second IN clause

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		var r model.Request
		var enq, comp sql.NullString
		if err := rows.Scan(&r.ProjectID, &r.RequestID, &r.ParentRunID, &r.ChildRunID,
			&r.FromKit, &r.FromPhase, &r.ToKit, &r.ToPhase, &r.Action,
			&r.Status, &r.RequestPath, &r.ResponsePath, &enq, &comp, &r.Reasoning); err != nil {
			return nil, err
		}
		if enq.Valid && enq.String != "" {
			t := parseTime(enq.String)
			r.EnqueuedTS = &t
		}
		if comp.Valid && comp.String != "" {
			t := parseTime(comp.String)
			r.CompletedTS = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── scalar helpers ───────────────────────────────────────────────────

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullableStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
