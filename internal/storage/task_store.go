package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/clock"
	"github.com/termbridge/task-service/internal/model"
)

// TaskStore owns the tasks table and its persisted state machine. Status
// is mutated only through Transition; callers request, the store decides.
type TaskStore struct {
	logger *zap.Logger
	db     *sql.DB
	clock  clock.Clock
}

// NewTaskStore creates a task store backed by db.
func NewTaskStore(db *DB, clk clock.Clock, logger *zap.Logger) *TaskStore {
	return &TaskStore{
		logger: logger.Named("task-store"),
		db:     db.db,
		clock:  clk,
	}
}

// Create persists a new task in pending state.
func (s *TaskStore) Create(ctx context.Context, task *model.Task) error {
	if !model.ValidTaskKind(task.Kind) {
		return fmt.Errorf("%w: unknown task kind %q", ErrValidation, task.Kind)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = model.TaskStatusPending
	task.CreatedAt = s.clock.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, kind, scheduler_id, source_id, status, metadata, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.Kind,
		task.SchedulerID,
		task.SourceID,
		task.Status,
		nullRaw(task.Metadata),
		task.CreatedBy,
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, scheduler_id, source_id, status, metadata, error,
			created_by, created_at, started_at, completed_at
		FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return task, nil
}

// Delete removes a task unconditionally, independent of status. Deleting
// a running task does not stop its external execution.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// Transition requests a status change and applies the state machine:
// pending -> running -> {completed | failed | cancelled}, plus
// pending -> cancelled. Re-requesting the terminal state a task is already
// in succeeds as a no-op; any other edge is rejected and the row is left
// unchanged. started_at and completed_at are set at most once.
func (s *TaskStore) Transition(ctx context.Context, id string, to model.TaskStatus, errMsg string) (*model.Task, error) {
	if !model.ValidStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, to)
	}
	if to == model.TaskStatusFailed && errMsg == "" {
		return nil, fmt.Errorf("%w: failed transition requires an error message", ErrValidation)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Idempotent terminal re-request.
	if current.Status == to && to.IsTerminal() {
		return current, nil
	}

	if !allowedTransition(current.Status, to) {
		if current.Status.IsTerminal() && to.IsTerminal() {
			return nil, fmt.Errorf("%w: task %s already %s, refusing %s", ErrConflict, id, current.Status, to)
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}

	now := s.clock.Now()
	var result sql.Result
	switch {
	case to == model.TaskStatusRunning:
		result, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status = ?`,
			to, now, id, current.Status)
	case to == model.TaskStatusFailed:
		result, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, completed_at = COALESCE(completed_at, ?)
			WHERE id = ? AND status = ?`,
			to, errMsg, now, id, current.Status)
	default: // completed, cancelled
		result, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = COALESCE(completed_at, ?)
			WHERE id = ? AND status = ?`,
			to, now, id, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// The row left the expected source state under us.
		return nil, fmt.Errorf("%w: task %s no longer %s", ErrConflict, id, current.Status)
	}

	s.logger.Info("Task transitioned",
		zap.String("task_id", id),
		zap.String("from", string(current.Status)),
		zap.String("to", string(to)))

	return s.Get(ctx, id)
}

// UpdateMetadata replaces the opaque metadata payload. The store never
// interprets its contents.
func (s *TaskStore) UpdateMetadata(ctx context.Context, id string, metadata json.RawMessage) error {
	result, err := s.db.ExecContext(ctx, `UPDATE tasks SET metadata = ? WHERE id = ?`,
		nullRaw(metadata), id)
	if err != nil {
		return fmt.Errorf("failed to update task metadata: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// List retrieves tasks matching filters, newest first, and the total
// count of matching rows.
func (s *TaskStore) List(ctx context.Context, filters model.TaskFilters) ([]*model.Task, int, error) {
	where, args := taskFilterClause(filters)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	limit, offset := model.ClampPage(filters.Limit, filters.Offset)
	query := `SELECT id, kind, scheduler_id, source_id, status, metadata, error,
			created_by, created_at, started_at, completed_at
		FROM tasks` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, total, nil
}

// Stats describes the current task population.
type Stats struct {
	ByStatus map[model.TaskStatus]int `json:"by_status"`
	ByKind   map[model.TaskKind]int   `json:"by_kind"`
	Recent   []*model.Task            `json:"recent"`
}

// Stats returns counts grouped by status and kind plus the 10 most
// recently created tasks.
func (s *TaskStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByStatus: make(map[model.TaskStatus]int),
		ByKind:   make(map[model.TaskKind]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	for rows.Next() {
		var status model.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.ByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM tasks GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by kind: %w", err)
	}
	for rows.Next() {
		var kind model.TaskKind
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan kind count: %w", err)
		}
		stats.ByKind[kind] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	recent, _, err := s.List(ctx, model.TaskFilters{Limit: 10})
	if err != nil {
		return nil, err
	}
	stats.Recent = recent
	return stats, nil
}

// allowedTransition encodes the forward edges of the task state machine.
func allowedTransition(from, to model.TaskStatus) bool {
	switch from {
	case model.TaskStatusPending:
		return to == model.TaskStatusRunning || to == model.TaskStatusCancelled
	case model.TaskStatusRunning:
		return to.IsTerminal()
	}
	return false
}

func taskFilterClause(filters model.TaskFilters) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if len(filters.Status) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(filters.Status))+")")
		for _, st := range filters.Status {
			args = append(args, st)
		}
	}
	if len(filters.Kind) > 0 {
		conds = append(conds, "kind IN ("+placeholders(len(filters.Kind))+")")
		for _, k := range filters.Kind {
			args = append(args, k)
		}
	}
	if filters.SourceID != "" {
		conds = append(conds, "source_id = ?")
		args = append(args, filters.SourceID)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var task model.Task
	var schedulerID, sourceID, metadata, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.Kind,
		&schedulerID,
		&sourceID,
		&task.Status,
		&metadata,
		&errMsg,
		&task.CreatedBy,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if schedulerID.Valid {
		task.SchedulerID = &schedulerID.String
	}
	if sourceID.Valid {
		task.SourceID = &sourceID.String
	}
	if metadata.Valid && metadata.String != "" {
		task.Metadata = json.RawMessage(metadata.String)
	}
	if errMsg.Valid {
		task.Error = errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		task.CompletedAt = &t
	}
	task.CreatedAt = task.CreatedAt.UTC()
	return &task, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}
