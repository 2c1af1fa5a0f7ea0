package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/dagplanner/internal/scheduler"
)

const taskColumns = `id, key, title, type, status, parent_id, priority, metadata, created_at, updated_at`

// SaveTask inserts or replaces a task and its dependency list. CreatedAt is
// kept from the first save; UpdatedAt is always set by the store. Both are
// written back to task.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	if task.ID == "" || task.Key == "" {
		return fmt.Errorf("task id and key are required")
	}
	if !task.Status.Valid() {
		return fmt.Errorf("task %s: unknown status %q", task.ID, task.Status)
	}

	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	var parent any
	if task.ParentID != "" {
		parent = task.ParentID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key = excluded.key,
			title = excluded.title,
			type = excluded.type,
			status = excluded.status,
			parent_id = excluded.parent_id,
			priority = excluded.priority,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, task.ID, task.Key, task.Title, task.Type, string(task.Status), parent, task.Priority,
		string(meta), stamp(createdAt), stamp(now))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	seen := make(map[string]bool, len(task.Dependencies))
	pos := 0
	for _, depID := range task.Dependencies {
		if depID == "" || seen[depID] {
			continue
		}
		seen[depID] = true
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
		`, task.ID, depID, pos)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
		pos++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	// Read back created_at so the caller sees what is stored.
	var storedCreated string
	if err := s.db.QueryRowContext(ctx, `SELECT created_at FROM tasks WHERE id = ?`, task.ID).Scan(&storedCreated); err == nil {
		if t, err := parseStamp(storedCreated); err == nil {
			createdAt = t
		}
	}
	task.CreatedAt = createdAt
	task.UpdatedAt, _ = parseStamp(stamp(now))
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	return s.getOne(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
}

// GetTaskByKey retrieves a task by its human-readable key.
func (s *SQLiteStore) GetTaskByKey(ctx context.Context, key string) (*scheduler.Task, error) {
	return s.getOne(ctx, `SELECT `+taskColumns+` FROM tasks WHERE key = ?`, key)
}

func (s *SQLiteStore) getOne(ctx context.Context, query, arg string) (*scheduler.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	if err != nil {
		return nil, err
	}

	deps, err := s.loadDependencies(ctx, `WHERE task_id = ?`, task.ID)
	if err != nil {
		return nil, err
	}
	task.Dependencies = deps[task.ID]
	return task, nil
}

// ListChildren returns every task whose parent is parentID, in creation order.
func (s *SQLiteStore) ListChildren(ctx context.Context, parentID string) ([]*scheduler.Task, error) {
	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at, id`, parentID)
	if err != nil {
		return nil, err
	}
	deps, err := s.loadDependencies(ctx, `WHERE task_id IN (SELECT id FROM tasks WHERE parent_id = ?)`, parentID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.Dependencies = deps[t.ID]
	}
	return tasks, nil
}

// ListTasks returns all tasks with their dependencies.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	deps, err := s.loadDependencies(ctx, ``)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.Dependencies = deps[t.ID]
	}
	return tasks, nil
}

// UpdateTaskIf sets status and metadata only if the stored updated_at still
// equals expectedUpdatedAt. It returns the new updated_at, ErrConflict when
// another writer got there first, or ErrNotFound.
func (s *SQLiteStore) UpdateTaskIf(ctx context.Context, taskID string, expectedUpdatedAt time.Time, status scheduler.Status, meta scheduler.Metadata) (time.Time, error) {
	if !status.Valid() {
		return time.Time{}, fmt.Errorf("task %s: unknown status %q", taskID, status)
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to encode metadata: %w", err)
	}

	next := s.now().UTC()
	if !next.After(expectedUpdatedAt) {
		next = expectedUpdatedAt.Add(time.Microsecond)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND updated_at = ?
	`, string(status), string(encoded), stamp(next), taskID, stamp(expectedUpdatedAt))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to update task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to check task existence: %w", err)
		}
		return time.Time{}, fmt.Errorf("%w: %s", ErrConflict, taskID)
	}

	updated, _ := parseStamp(stamp(next))
	return updated, nil
}

// queryTasks runs a task query and fully drains it before returning, so the
// follow-up dependency query never competes with an open cursor.
func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, where string, args ...any) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		`+where+`
		ORDER BY task_id, position
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps[taskID] = append(deps[taskID], depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask decodes one row. Status and metadata are validated here so the
// rest of the code only sees well-formed tasks.
func scanTask(row rowScanner) (*scheduler.Task, error) {
	var (
		task                 scheduler.Task
		status, meta         string
		parent               sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&task.ID, &task.Key, &task.Title, &task.Type, &status, &parent,
		&task.Priority, &meta, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if task.Status, err = scheduler.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	task.ParentID = parent.String
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &task.Metadata); err != nil {
			return nil, fmt.Errorf("task %s: %w", task.ID, err)
		}
	}
	if task.CreatedAt, err = parseStamp(createdAt); err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	if task.UpdatedAt, err = parseStamp(updatedAt); err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	return &task, nil
}
