package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/antcode/antcode/pkg/types"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLStore persists metadata in Postgres via sqlx.
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQL connects to Postgres and applies the schema.
func OpenSQL(databaseURL string) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// taskRow flattens a Task for sqlx; JSON columns are marshalled by hand.
type taskRow struct {
	ID            string         `db:"id"`
	ProjectID     string         `db:"project_id"`
	ProjectType   string         `db:"project_type"`
	Name          string         `db:"name"`
	Schedule      string         `db:"schedule"`
	CronExpr      string         `db:"cron_expr"`
	RunInterval   int64          `db:"run_interval"`
	Strategy      string         `db:"strategy"`
	BoundWorker   string         `db:"bound_worker"`
	AllowFallback bool           `db:"allow_fallback"`
	Timeout       int64          `db:"timeout"`
	Retry         []byte         `db:"retry"`
	Priority      int            `db:"priority"`
	Active        bool           `db:"active"`
	EntryPoint    string         `db:"entry_point"`
	DownloadURL   string         `db:"download_url"`
	FileHash      string         `db:"file_hash"`
	IsCompressed  *bool          `db:"is_compressed"`
	RuntimeSpec   []byte         `db:"runtime_spec"`
	Params        []byte         `db:"params"`
	Environment   []byte         `db:"environment"`
	SuccessCount  int            `db:"success_count"`
	FailureCount  int            `db:"failure_count"`
	NextRunTime   sql.NullTime   `db:"next_run_time"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func taskToRow(t *types.Task) (*taskRow, error) {
	retry, err := json.Marshal(t.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode retry policy: %w", err)
	}
	params, err := json.Marshal(orEmptyMap(t.Params))
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	env, err := json.Marshal(orEmptyMap(t.Environment))
	if err != nil {
		return nil, fmt.Errorf("failed to encode environment: %w", err)
	}
	var rtSpec []byte
	if t.Runtime != nil {
		if rtSpec, err = json.Marshal(t.Runtime); err != nil {
			return nil, fmt.Errorf("failed to encode runtime spec: %w", err)
		}
	}
	return &taskRow{
		ID: t.ID, ProjectID: t.ProjectID, ProjectType: string(t.ProjectType),
		Name: t.Name, Schedule: string(t.Schedule), CronExpr: t.CronExpr,
		RunInterval: int64(t.Interval), Strategy: string(t.Strategy),
		BoundWorker: t.BoundWorker, AllowFallback: t.AllowFallback,
		Timeout: int64(t.Timeout), Retry: retry, Priority: t.Priority,
		Active: t.Active, EntryPoint: t.EntryPoint,
		DownloadURL: t.DownloadURL, FileHash: t.FileHash,
		IsCompressed: t.IsCompressed, RuntimeSpec: rtSpec,
		Params:      params,
		Environment: env, SuccessCount: t.SuccessCount,
		FailureCount: t.FailureCount,
		NextRunTime:  nullTime(t.NextRunTime),
		CreatedAt:    t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}, nil
}

func (r *taskRow) toTask() (*types.Task, error) {
	t := &types.Task{
		ID: r.ID, ProjectID: r.ProjectID,
		ProjectType: types.ProjectType(r.ProjectType), Name: r.Name,
		Schedule: types.ScheduleKind(r.Schedule), CronExpr: r.CronExpr,
		Interval: time.Duration(r.RunInterval),
		Strategy: types.StrategyKind(r.Strategy), BoundWorker: r.BoundWorker,
		AllowFallback: r.AllowFallback, Timeout: time.Duration(r.Timeout),
		Priority: r.Priority, Active: r.Active, EntryPoint: r.EntryPoint,
		DownloadURL: r.DownloadURL, FileHash: r.FileHash,
		IsCompressed: r.IsCompressed,
		SuccessCount: r.SuccessCount, FailureCount: r.FailureCount,
		NextRunTime: r.NextRunTime.Time,
		CreatedAt:   r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Retry, &t.Retry); err != nil {
		return nil, fmt.Errorf("failed to decode retry policy: %w", err)
	}
	if err := json.Unmarshal(r.Params, &t.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	if err := json.Unmarshal(r.Environment, &t.Environment); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if len(r.RuntimeSpec) > 0 {
		if err := json.Unmarshal(r.RuntimeSpec, &t.Runtime); err != nil {
			return nil, fmt.Errorf("failed to decode runtime spec: %w", err)
		}
	}
	return t, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

const taskCols = `id, project_id, project_type, name, schedule, cron_expr,
	run_interval, strategy, bound_worker, allow_fallback, timeout, retry,
	priority, active, entry_point, download_url, file_hash, is_compressed,
	runtime_spec, params, environment, success_count,
	failure_count, next_run_time, created_at, updated_at`

func (s *SQLStore) CreateTask(ctx context.Context, t *types.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	row, err := taskToRow(t)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO tasks (`+taskCols+`)
		VALUES (:id, :project_id, :project_type, :name, :schedule, :cron_expr,
			:run_interval, :strategy, :bound_worker, :allow_fallback, :timeout,
			:retry, :priority, :active, :entry_point, :download_url,
			:file_hash, :is_compressed, :runtime_spec, :params, :environment,
			:success_count, :failure_count, :next_run_time, :created_at,
			:updated_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return row.toTask()
}

func (s *SQLStore) UpdateTask(ctx context.Context, t *types.Task) error {
	t.UpdatedAt = time.Now().UTC()
	row, err := taskToRow(t)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE tasks SET
		project_id = :project_id, project_type = :project_type, name = :name,
		schedule = :schedule, cron_expr = :cron_expr,
		run_interval = :run_interval, strategy = :strategy,
		bound_worker = :bound_worker, allow_fallback = :allow_fallback,
		timeout = :timeout, retry = :retry, priority = :priority,
		active = :active, entry_point = :entry_point,
		download_url = :download_url, file_hash = :file_hash,
		is_compressed = :is_compressed, runtime_spec = :runtime_spec,
		params = :params,
		environment = :environment, next_run_time = :next_run_time,
		updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) ListTasks(ctx context.Context, f TaskFilter) ([]*types.Task, error) {
	q := `SELECT ` + taskCols + ` FROM tasks WHERE 1=1`
	var args []interface{}
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		q += fmt.Sprintf(" AND project_id = $%d", len(args))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		q += fmt.Sprintf(" AND active = $%d", len(args))
	}
	q += " ORDER BY id"
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return rowsToTasks(rows)
}

func (s *SQLStore) DueTasks(ctx context.Context, now time.Time, limit int) ([]*types.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+taskCols+` FROM tasks
		WHERE active AND next_run_time IS NOT NULL AND next_run_time <= $1
		ORDER BY priority DESC, next_run_time ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	return rowsToTasks(rows)
}

func rowsToTasks(rows []taskRow) ([]*types.Task, error) {
	out := make([]*types.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLStore) SetNextRun(ctx context.Context, taskID string, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks
		SET next_run_time = $2, updated_at = now() WHERE id = $1`,
		taskID, nullTime(next))
	if err != nil {
		return fmt.Errorf("failed to set next run: %w", err)
	}
	return requireRow(res)
}

type runRow struct {
	RunID          string       `db:"run_id"`
	TaskID         string       `db:"task_id"`
	ProjectID      string       `db:"project_id"`
	DispatchStatus string       `db:"dispatch_status"`
	DispatchAt     sql.NullTime `db:"dispatch_at"`
	RuntimeStatus  string       `db:"runtime_status"`
	RuntimeAt      sql.NullTime `db:"runtime_at"`
	WorkerID       string       `db:"worker_id"`
	StartTime      sql.NullTime `db:"start_time"`
	EndTime        sql.NullTime `db:"end_time"`
	ExitCode       int          `db:"exit_code"`
	Error          string       `db:"error"`
	RetryIndex     int          `db:"retry_index"`
	FencingToken   int64        `db:"fencing_token"`
	LastHeartbeat  sql.NullTime `db:"last_heartbeat"`
	CreatedAt      time.Time    `db:"created_at"`
}

func (r *runRow) toRun() *types.TaskRun {
	return &types.TaskRun{
		RunID: r.RunID, TaskID: r.TaskID, ProjectID: r.ProjectID,
		DispatchStatus: types.DispatchStatus(r.DispatchStatus),
		DispatchAt:     r.DispatchAt.Time,
		RuntimeStatus:  types.RuntimeStatus(r.RuntimeStatus),
		RuntimeAt:      r.RuntimeAt.Time,
		WorkerID:       r.WorkerID,
		StartTime:      r.StartTime.Time, EndTime: r.EndTime.Time,
		ExitCode: r.ExitCode, Error: r.Error, RetryIndex: r.RetryIndex,
		FencingToken:  r.FencingToken,
		LastHeartbeat: r.LastHeartbeat.Time, CreatedAt: r.CreatedAt,
	}
}

const runCols = `run_id, task_id, project_id, dispatch_status, dispatch_at,
	runtime_status, runtime_at, worker_id, start_time, end_time, exit_code,
	error, retry_index, fencing_token, last_heartbeat, created_at`

func (s *SQLStore) CreateRun(ctx context.Context, r *types.TaskRun) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_runs (`+runCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.RunID, r.TaskID, r.ProjectID, string(r.DispatchStatus),
		nullTime(r.DispatchAt), string(r.RuntimeStatus), nullTime(r.RuntimeAt),
		r.WorkerID, nullTime(r.StartTime), nullTime(r.EndTime), r.ExitCode,
		r.Error, r.RetryIndex, r.FencingToken, nullTime(r.LastHeartbeat),
		r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (*types.TaskRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT `+runCols+` FROM task_runs WHERE run_id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return row.toRun(), nil
}

// checkTokenTx enforces fencing inside a transaction. Token 0 bypasses the
// check (worker-originated writes).
func checkTokenTx(ctx context.Context, tx *sqlx.Tx, token int64) error {
	if token == 0 {
		return nil
	}
	var last int64
	if err := tx.GetContext(ctx, &last, `SELECT token FROM fencing WHERE id = 1 FOR UPDATE`); err != nil {
		return fmt.Errorf("failed to read fencing token: %w", err)
	}
	if token < last {
		return ErrStaleToken
	}
	if token > last {
		if _, err := tx.ExecContext(ctx, `UPDATE fencing SET token = $1 WHERE id = 1`, token); err != nil {
			return fmt.Errorf("failed to advance fencing token: %w", err)
		}
	}
	return nil
}

// withRun loads the run FOR UPDATE, applies fn to the in-memory copy and
// writes the status columns back when fn reports a change.
func (s *SQLStore) withRun(ctx context.Context, runID string, token int64, fn func(*types.TaskRun) bool) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkTokenTx(ctx, tx, token); err != nil {
		return false, err
	}

	var row runRow
	err = tx.GetContext(ctx, &row, `SELECT `+runCols+` FROM task_runs WHERE run_id = $1 FOR UPDATE`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load run: %w", err)
	}

	run := row.toRun()
	if !fn(run) {
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `UPDATE task_runs SET
		dispatch_status = $2, dispatch_at = $3, runtime_status = $4,
		runtime_at = $5, start_time = $6, end_time = $7, exit_code = $8,
		error = $9, fencing_token = $10
		WHERE run_id = $1`,
		run.RunID, string(run.DispatchStatus), nullTime(run.DispatchAt),
		string(run.RuntimeStatus), nullTime(run.RuntimeAt),
		nullTime(run.StartTime), nullTime(run.EndTime), run.ExitCode,
		run.Error, maxInt64(run.FencingToken, token))
	if err != nil {
		return false, fmt.Errorf("failed to update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit run update: %w", err)
	}
	return true, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (s *SQLStore) ApplyDispatch(ctx context.Context, runID string, st types.DispatchStatus, at time.Time, token int64) (bool, error) {
	return s.withRun(ctx, runID, token, func(r *types.TaskRun) bool {
		return r.ApplyDispatchStatus(st, at)
	})
}

func (s *SQLStore) ApplyRuntime(ctx context.Context, runID string, st types.RuntimeStatus, at time.Time, token int64) (bool, error) {
	return s.withRun(ctx, runID, token, func(r *types.TaskRun) bool {
		return r.ApplyRuntimeStatus(st, at)
	})
}

func (s *SQLStore) AssignWorker(ctx context.Context, runID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_runs SET worker_id = $2 WHERE run_id = $1`, runID, workerID)
	if err != nil {
		return fmt.Errorf("failed to assign worker: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) RecordTerminal(ctx context.Context, res *types.TaskResult, token int64) (bool, error) {
	at := res.EndTime
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var taskID string
	applied, err := s.withRun(ctx, res.RunID, token, func(r *types.TaskRun) bool {
		if !r.ApplyRuntimeStatus(res.Status, at) {
			return false
		}
		r.ExitCode = res.ExitCode
		r.Error = res.Error
		if !res.StartTime.IsZero() {
			r.StartTime = res.StartTime
		}
		taskID = r.TaskID
		return true
	})
	if err != nil || !applied {
		return applied, err
	}

	col := "failure_count"
	if res.Status == types.RuntimeSuccess {
		col = "success_count"
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET `+col+` = `+col+` + 1, updated_at = now() WHERE id = $1`, taskID)
	if err != nil {
		return true, fmt.Errorf("failed to bump task counter: %w", err)
	}
	return true, nil
}

func (s *SQLStore) TouchRunHeartbeat(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_runs SET last_heartbeat = $2
		WHERE run_id = $1 AND (last_heartbeat IS NULL OR last_heartbeat < $2)`, runID, at)
	if err != nil {
		return fmt.Errorf("failed to touch run heartbeat: %w", err)
	}
	return nil
}

func (s *SQLStore) ListRunsByWorker(ctx context.Context, workerID string) ([]*types.TaskRun, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+runCols+` FROM task_runs
		WHERE worker_id = $1 ORDER BY run_id`, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return rowsToRuns(rows), nil
}

func (s *SQLStore) ListNonTerminalRuns(ctx context.Context) ([]*types.TaskRun, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+runCols+` FROM task_runs
		WHERE runtime_status IN ('queued','running')
		AND dispatch_status NOT IN ('rejected','timeout','failed')
		ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal runs: %w", err)
	}
	return rowsToRuns(rows), nil
}

func rowsToRuns(rows []runRow) []*types.TaskRun {
	out := make([]*types.TaskRun, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRun())
	}
	return out
}

type workerRow struct {
	ID            string       `db:"id"`
	Name          string       `db:"name"`
	Host          string       `db:"host"`
	Port          int          `db:"port"`
	Region        string       `db:"region"`
	Mode          string       `db:"mode"`
	APIKey        string       `db:"api_key"`
	Secret        string       `db:"secret"`
	Capabilities  []byte       `db:"capabilities"`
	Status        string       `db:"status"`
	LastHeartbeat sql.NullTime `db:"last_heartbeat"`
	OS            string       `db:"os"`
	Arch          string       `db:"arch"`
	Labels        []byte       `db:"labels"`
	RunningTasks  int          `db:"running_tasks"`
	QueueDepth    int          `db:"queue_depth"`
	CreatedAt     time.Time    `db:"created_at"`
}

func (r *workerRow) toWorker() (*types.Worker, error) {
	w := &types.Worker{
		ID: r.ID, Name: r.Name, Host: r.Host, Port: r.Port, Region: r.Region,
		Mode: types.TransportMode(r.Mode), APIKey: r.APIKey, Secret: r.Secret,
		Status: types.WorkerStatus(r.Status), LastHeartbeat: r.LastHeartbeat.Time,
		OS: r.OS, Arch: r.Arch, RunningTasks: r.RunningTasks,
		QueueDepth: r.QueueDepth, CreatedAt: r.CreatedAt,
	}
	if err := json.Unmarshal(r.Capabilities, &w.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	if err := json.Unmarshal(r.Labels, &w.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	return w, nil
}

const workerCols = `id, name, host, port, region, mode, api_key, secret,
	capabilities, status, last_heartbeat, os, arch, labels, running_tasks,
	queue_depth, created_at`

func (s *SQLStore) CreateWorker(ctx context.Context, w *types.Worker) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	caps, err := json.Marshal(orEmptySlice(w.Capabilities))
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	labels, err := json.Marshal(orEmptyMap(w.Labels))
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO workers (`+workerCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		w.ID, w.Name, w.Host, w.Port, w.Region, string(w.Mode), w.APIKey,
		w.Secret, caps, string(w.Status), nullTime(w.LastHeartbeat), w.OS,
		w.Arch, labels, w.RunningTasks, w.QueueDepth, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert worker: %w", err)
	}
	return nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *SQLStore) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	var row workerRow
	err := s.db.GetContext(ctx, &row, `SELECT `+workerCols+` FROM workers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worker: %w", err)
	}
	return row.toWorker()
}

func (s *SQLStore) UpdateWorker(ctx context.Context, w *types.Worker) error {
	caps, err := json.Marshal(orEmptySlice(w.Capabilities))
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	labels, err := json.Marshal(orEmptyMap(w.Labels))
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET
		name=$2, host=$3, port=$4, region=$5, mode=$6, api_key=$7, secret=$8,
		capabilities=$9, status=$10, last_heartbeat=$11, os=$12, arch=$13,
		labels=$14, running_tasks=$15, queue_depth=$16
		WHERE id=$1`,
		w.ID, w.Name, w.Host, w.Port, w.Region, string(w.Mode), w.APIKey,
		w.Secret, caps, string(w.Status), nullTime(w.LastHeartbeat), w.OS,
		w.Arch, labels, w.RunningTasks, w.QueueDepth)
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) DeleteWorker(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	return s.selectWorkers(ctx, `SELECT `+workerCols+` FROM workers ORDER BY id`)
}

func (s *SQLStore) OnlineWorkers(ctx context.Context) ([]*types.Worker, error) {
	return s.selectWorkers(ctx, `SELECT `+workerCols+` FROM workers WHERE status = 'online' ORDER BY id`)
}

func (s *SQLStore) selectWorkers(ctx context.Context, q string, args ...interface{}) ([]*types.Worker, error) {
	var rows []workerRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	out := make([]*types.Worker, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toWorker()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *SQLStore) MarkWorkerStatus(ctx context.Context, id string, status types.WorkerStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET status = $2,
		last_heartbeat = GREATEST(COALESCE(last_heartbeat, 'epoch'::timestamptz), $3)
		WHERE id = $1`, id, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to mark worker status: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) CreateInstallKey(ctx context.Context, k *types.InstallKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO install_keys
		(key, os, source_cidr, expires_at, consumed, consumed_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		k.Key, k.OS, k.SourceCIDR, nullTime(k.ExpiresAt), k.Consumed,
		k.ConsumedBy, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert install key: %w", err)
	}
	return nil
}

type installKeyRow struct {
	Key        string       `db:"key"`
	OS         string       `db:"os"`
	SourceCIDR string       `db:"source_cidr"`
	ExpiresAt  sql.NullTime `db:"expires_at"`
	Consumed   bool         `db:"consumed"`
	ConsumedBy string       `db:"consumed_by"`
	CreatedAt  time.Time    `db:"created_at"`
}

func (s *SQLStore) GetInstallKey(ctx context.Context, key string) (*types.InstallKey, error) {
	var row installKeyRow
	err := s.db.GetContext(ctx, &row,
		`SELECT key, os, source_cidr, expires_at, consumed, consumed_by, created_at
		 FROM install_keys WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load install key: %w", err)
	}
	return &types.InstallKey{
		Key: row.Key, OS: row.OS, SourceCIDR: row.SourceCIDR,
		ExpiresAt: row.ExpiresAt.Time, Consumed: row.Consumed,
		ConsumedBy: row.ConsumedBy, CreatedAt: row.CreatedAt,
	}, nil
}

func (s *SQLStore) ConsumeInstallKey(ctx context.Context, key, workerID string, now time.Time) error {
	k, err := s.GetInstallKey(ctx, key)
	if err != nil {
		return err
	}
	if k.Expired(now) {
		return ErrKeyExpired
	}
	res, err := s.db.ExecContext(ctx, `UPDATE install_keys
		SET consumed = TRUE, consumed_by = $2
		WHERE key = $1 AND NOT consumed`, key, workerID)
	if err != nil {
		return fmt.Errorf("failed to consume install key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrKeyConsumed
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
