package db

import (
	"context"
	"time"

	"github.com/deemkeen/tusk/domain"
)

const (
	sqlInsertTask     = `INSERT INTO deferred_tasks(name, payload, run_after) VALUES (?, ?, ?)`
	sqlSelectDueTasks = `SELECT id, name, payload, run_after FROM deferred_tasks
		WHERE claimed_at = 0 AND run_after <= ? ORDER BY run_after, id LIMIT ?`
	sqlClaimTask         = `UPDATE deferred_tasks SET claimed_at = ? WHERE id = ? AND claimed_at = 0`
	sqlDeleteTask        = `DELETE FROM deferred_tasks WHERE id = ?`
	sqlSelectTasksByName = `SELECT id, name, payload, run_after, claimed_at FROM deferred_tasks WHERE name = ? ORDER BY id`
)

// InsertTask queues a named task to run no earlier than runAfter.
func (db *DB) InsertTask(ctx context.Context, name, payload string, runAfter time.Time) (int64, error) {
	res, err := db.db.ExecContext(ctx, sqlInsertTask, name, payload, runAfter.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ClaimDueTasks marks up to limit due tasks as claimed and returns them.
// A task is handed to at most one caller.
func (db *DB) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]domain.DeferredTask, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDueTasks, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	var due []domain.DeferredTask
	for rows.Next() {
		var (
			t        domain.DeferredTask
			runAfter int64
		)
		if err := rows.Scan(&t.Id, &t.Name, &t.Payload, &runAfter); err != nil {
			rows.Close()
			return nil, err
		}
		t.RunAfter = fromMillis(runAfter)
		due = append(due, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []domain.DeferredTask
	for _, t := range due {
		res, err := db.db.ExecContext(ctx, sqlClaimTask, now.UnixMilli(), t.Id)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			t.ClaimedAt = now
			claimed = append(claimed, t)
		}
	}
	return claimed, nil
}

// DeleteTask removes a finished task.
func (db *DB) DeleteTask(ctx context.Context, id int64) error {
	_, err := db.db.ExecContext(ctx, sqlDeleteTask, id)
	return err
}

// ReadTasksByName lists queued tasks with the given name, claimed or not.
func (db *DB) ReadTasksByName(ctx context.Context, name string) ([]domain.DeferredTask, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectTasksByName, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.DeferredTask
	for rows.Next() {
		var (
			t                 domain.DeferredTask
			runAfter, claimed int64
		)
		if err := rows.Scan(&t.Id, &t.Name, &t.Payload, &runAfter, &claimed); err != nil {
			return nil, err
		}
		t.RunAfter = fromMillis(runAfter)
		t.ClaimedAt = fromMillis(claimed)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
