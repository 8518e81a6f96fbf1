package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const taskColumns = `id, user_id, description, deadline, created_at, is_done, done_at`

// CreateTask stores a new open task for the user.
func (s *Store) CreateTask(ctx context.Context, userID int64, description string, deadline Date) (*Task, error) {
	task := &Task{
		UserID:      userID,
		Description: description,
		Deadline:    deadline,
		CreatedAt:   s.now(),
	}
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO tasks (user_id, description, deadline, created_at, is_done, done_at)
    VALUES (:user_id, :description, :deadline, :created_at, :is_done, :done_at)`, task)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	task.ID = id
	return task, nil
}

// ListTasks returns the user's tasks, open ones first, then by deadline.
// The position in this slice is the task number shown to the user.
func (s *Store) ListTasks(ctx context.Context, userID int64) ([]Task, error) {
	var tasks []Task
	err := s.db.SelectContext(ctx, &tasks,
		s.db.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY is_done, deadline, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for user %d: %w", userID, err)
	}
	return tasks, nil
}

// GetTask loads a task owned by the user.
func (s *Store) GetTask(ctx context.Context, userID, taskID int64) (*Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, s.db.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`), taskID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", taskID, err)
	}
	return &t, nil
}

// UpdateTaskDescription replaces the description of a task owned by the user.
func (s *Store) UpdateTaskDescription(ctx context.Context, userID, taskID int64, description string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET description = ? WHERE id = ? AND user_id = ?`), description, taskID, userID)
	return checkAffected(res, err, "update task", taskID)
}

// UpdateTaskDeadline replaces the deadline of a task owned by the user.
func (s *Store) UpdateTaskDeadline(ctx context.Context, userID, taskID int64, deadline Date) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET deadline = ? WHERE id = ? AND user_id = ?`), deadline, taskID, userID)
	return checkAffected(res, err, "update task", taskID)
}

// MarkTaskDone completes a task and stamps done_at.
func (s *Store) MarkTaskDone(ctx context.Context, userID, taskID int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET is_done = ?, done_at = ? WHERE id = ? AND user_id = ? AND is_done = ?`),
		true, s.now(), taskID, userID, false)
	return checkAffected(res, err, "complete task", taskID)
}

// DeleteTask removes a task owned by the user.
func (s *Store) DeleteTask(ctx context.Context, userID, taskID int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM tasks WHERE id = ? AND user_id = ?`), taskID, userID)
	return checkAffected(res, err, "delete task", taskID)
}

// ListOpenTasksDueOn returns open tasks with the given deadline, grouped by owner.
func (s *Store) ListOpenTasksDueOn(ctx context.Context, day Date) ([]DueTask, error) {
	var tasks []DueTask
	err := s.db.SelectContext(ctx, &tasks, s.db.Rebind(`SELECT t.id, t.user_id, t.description, t.deadline, t.created_at, t.is_done, t.done_at, u.telegram_id
    FROM tasks t JOIN users u ON u.id = t.user_id
    WHERE t.deadline = ? AND t.is_done = ?
    ORDER BY u.id, t.id`), day, false)
	if err != nil {
		return nil, fmt.Errorf("list tasks due %s: %w", day, err)
	}
	return tasks, nil
}

func checkAffected(res sql.Result, err error, op string, id int64) error {
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", op, id, ErrNotFound)
	}
	return nil
}
