package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/clock"
	"github.com/termbridge/task-service/internal/model"
	"github.com/termbridge/task-service/internal/schedule"
)

// SchedulerStore owns the schedulers table, including next_run. Only the
// sweep (via Advance / CreateTaskAndAdvance) and Toggle write next_run.
type SchedulerStore struct {
	logger *zap.Logger
	db     *sql.DB
	clock  clock.Clock
}

// NewSchedulerStore creates a scheduler store backed by db.
func NewSchedulerStore(db *DB, clk clock.Clock, logger *zap.Logger) *SchedulerStore {
	return &SchedulerStore{
		logger: logger.Named("scheduler-store"),
		db:     db.db,
		clock:  clk,
	}
}

// Create validates the schedule configuration and persists the scheduler.
// An enabled scheduler gets next_run = now so it fires on the very next
// sweep; a disabled one gets no next_run.
func (s *SchedulerStore) Create(ctx context.Context, sched *model.TaskScheduler) error {
	if sched.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if !model.ValidSchedulerKind(sched.Kind) {
		return fmt.Errorf("%w: unknown scheduler kind %q", ErrValidation, sched.Kind)
	}
	if err := schedule.Validate(sched.Schedule); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	now := s.clock.Now()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	if sched.Enabled {
		sched.NextRun = &now
	} else {
		sched.NextRun = nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedulers (
			id, name, kind, cron, every_seconds, enabled, source_id,
			created_by, next_run, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID,
		sched.Name,
		sched.Kind,
		nullString(sched.Schedule.Cron),
		nullInt(sched.Schedule.EverySeconds),
		sched.Enabled,
		sched.SourceID,
		sched.CreatedBy,
		nullTime(sched.NextRun),
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store scheduler: %w", err)
	}
	return nil
}

// Get retrieves a scheduler by ID.
func (s *SchedulerStore) Get(ctx context.Context, id string) (*model.TaskScheduler, error) {
	row := s.db.QueryRowContext(ctx, selectScheduler+` WHERE id = ?`, id)
	sched, err := scanScheduler(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scheduler %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan scheduler: %w", err)
	}
	return sched, nil
}

// Update applies a partial update. Changed fields are re-validated under
// the same constraints as Create. next_run is never touched here: the
// update changes the rule, not the clock.
func (s *SchedulerStore) Update(ctx context.Context, id string, update model.SchedulerUpdate) (*model.TaskScheduler, error) {
	if update.Name != nil && *update.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if update.Kind != nil && !model.ValidSchedulerKind(*update.Kind) {
		return nil, fmt.Errorf("%w: unknown scheduler kind %q", ErrValidation, *update.Kind)
	}
	if update.Schedule != nil {
		if err := schedule.Validate(*update.Schedule); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	fields := "updated_at = ?"
	args := []interface{}{s.clock.Now()}
	if update.Name != nil {
		fields += ", name = ?"
		args = append(args, *update.Name)
	}
	if update.Kind != nil {
		fields += ", kind = ?"
		args = append(args, *update.Kind)
	}
	if update.Schedule != nil {
		fields += ", cron = ?, every_seconds = ?"
		args = append(args, nullString(update.Schedule.Cron), nullInt(update.Schedule.EverySeconds))
	}
	if update.SourceID != nil {
		// An empty string detaches the scheduler from its source.
		fields += ", source_id = ?"
		args = append(args, nullString(*update.SourceID))
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, `UPDATE schedulers SET `+fields+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update scheduler: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("scheduler %s: %w", id, ErrNotFound)
	}
	return s.Get(ctx, id)
}

// Toggle flips the enabled flag. Enabling always re-arms next_run to now,
// regardless of its previous value, so the next sweep fires the scheduler.
// Disabling leaves next_run in storage untouched; the sweep's enabled
// filter masks it. The flip is conditional on the enabled value that was
// read, so a toggle racing another mutation reports a conflict instead of
// silently losing.
func (s *SchedulerStore) Toggle(ctx context.Context, id string) (*model.TaskScheduler, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var result sql.Result
	if current.Enabled {
		result, err = s.db.ExecContext(ctx, `
			UPDATE schedulers SET enabled = 0, updated_at = ?
			WHERE id = ? AND enabled = 1`, now, id)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE schedulers SET enabled = 1, next_run = ?, updated_at = ?
			WHERE id = ? AND enabled = 0`, now, now, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to toggle scheduler: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: scheduler %s toggled concurrently", ErrConflict, id)
	}

	s.logger.Info("Scheduler toggled",
		zap.String("scheduler_id", id),
		zap.Bool("enabled", !current.Enabled))

	return s.Get(ctx, id)
}

// Delete removes a scheduler unconditionally. Tasks it created remain as
// historical records with a dangling scheduler reference.
func (s *SchedulerStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM schedulers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduler: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduler %s: %w", id, ErrNotFound)
	}
	return nil
}

// List retrieves schedulers matching filters, newest first, and the total
// count of matching rows.
func (s *SchedulerStore) List(ctx context.Context, filters model.SchedulerFilters) ([]*model.TaskScheduler, int, error) {
	where := ""
	var args []interface{}
	if filters.Enabled != nil {
		where = " WHERE enabled = ?"
		args = append(args, *filters.Enabled)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schedulers"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count schedulers: %w", err)
	}

	limit, offset := model.ClampPage(filters.Limit, filters.Offset)
	rows, err := s.db.QueryContext(ctx,
		selectScheduler+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list schedulers: %w", err)
	}
	defer rows.Close()

	var scheds []*model.TaskScheduler
	for rows.Next() {
		sched, err := scanScheduler(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan scheduler: %w", err)
		}
		scheds = append(scheds, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error during row iteration: %w", err)
	}
	return scheds, total, nil
}

// DueSchedulers returns enabled schedulers whose next_run is at or before
// now, oldest-due first, bounding starvation under load.
func (s *SchedulerStore) DueSchedulers(ctx context.Context, now time.Time, limit int) ([]*model.TaskScheduler, error) {
	rows, err := s.db.QueryContext(ctx,
		selectScheduler+` WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due schedulers: %w", err)
	}
	defer rows.Close()

	var scheds []*model.TaskScheduler
	for rows.Next() {
		sched, err := scanScheduler(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduler: %w", err)
		}
		scheds = append(scheds, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return scheds, nil
}

// CreateTaskAndAdvance atomically claims one due occurrence: it advances
// next_run from the value that was read and inserts the materialized task
// in the same transaction. If another sweep already advanced the row, the
// claim loses, nothing is inserted, and (false, nil) is returned. Each due
// instant therefore produces at most one task.
func (s *SchedulerStore) CreateTaskAndAdvance(ctx context.Context, sched *model.TaskScheduler, task *model.Task, next time.Time) (bool, error) {
	if sched.NextRun == nil {
		return false, fmt.Errorf("%w: scheduler %s has no next_run", ErrValidation, sched.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE schedulers SET next_run = ?, updated_at = ?
		WHERE id = ? AND enabled = 1 AND next_run = ?`,
		next, s.clock.Now(), sched.ID, *sched.NextRun)
	if err != nil {
		return false, fmt.Errorf("failed to advance scheduler: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Lost the claim: already advanced, toggled, or deleted.
		return false, nil
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = model.TaskStatusPending
	task.CreatedAt = s.clock.Now()
	_, err = tx.ExecContext(ctx, `
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
		return false, fmt.Errorf("failed to insert swept task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit sweep unit: %w", err)
	}
	return true, nil
}

// Disable turns a scheduler off outside the toggle flow. Used when the
// evaluator can no longer advance its configuration.
func (s *SchedulerStore) Disable(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedulers SET enabled = 0, updated_at = ? WHERE id = ?`,
		s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to disable scheduler: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduler %s: %w", id, ErrNotFound)
	}
	return nil
}

const selectScheduler = `
	SELECT id, name, kind, cron, every_seconds, enabled, source_id,
		created_by, next_run, created_at, updated_at
	FROM schedulers`

func scanScheduler(row rowScanner) (*model.TaskScheduler, error) {
	var sched model.TaskScheduler
	var cron, sourceID sql.NullString
	var everySeconds sql.NullInt64
	var nextRun sql.NullTime

	err := row.Scan(
		&sched.ID,
		&sched.Name,
		&sched.Kind,
		&cron,
		&everySeconds,
		&sched.Enabled,
		&sourceID,
		&sched.CreatedBy,
		&nextRun,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if cron.Valid {
		sched.Schedule.Cron = cron.String
	}
	if everySeconds.Valid {
		sched.Schedule.EverySeconds = everySeconds.Int64
	}
	if sourceID.Valid {
		sched.SourceID = &sourceID.String
	}
	if nextRun.Valid {
		t := nextRun.Time.UTC()
		sched.NextRun = &t
	}
	sched.CreatedAt = sched.CreatedAt.UTC()
	sched.UpdatedAt = sched.UpdatedAt.UTC()
	return &sched, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
