package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ctlflow/internal/domain"
	"ctlflow/internal/idgen"
)

const taskCols = `id,scope,control_type,topic,path,payload,status,reason,device_id,owner_id,group_task_id,created_at,sent_at,updated_at`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var group sql.NullString
	var created, updated int64
	var sent sql.NullInt64
	var payload []byte
	err := s.Scan(&t.ID, &t.Scope, &t.ControlType, &t.Topic, &t.Path, &payload, &t.Status, &t.Reason,
		&t.DeviceID, &t.OwnerID, &group, &created, &sent, &updated)
	if err != nil {
		return domain.Task{}, err
	}
	if group.Valid {
		g := group.String
		t.GroupTaskID = &g
	}
	t.Payload = payload
	t.CreatedAt = fromMS(created)
	t.UpdatedAt = fromMS(updated)
	t.SentAt = timePtr(sent)
	return t, nil
}

// claimTaskID returns t's identifier, generating one when t has none. A
// caller-supplied identifier that is already taken is ErrDuplicateTask.
func (r *SQLRepo) claimTaskID(ctx context.Context, id string) (string, error) {
	if id == "" {
		return r.ids.NewID(ctx, idgen.KindTask, r.taskIDLen)
	}
	ok, err := r.Claim(ctx, idgen.KindTask, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrDuplicateTask, id)
	}
	return id, nil
}

func insertTask(ctx context.Context, exec func(context.Context, string, ...any) (sql.Result, error), r *SQLRepo, t domain.Task) error {
	_, err := exec(ctx, r.q(`
INSERT INTO tasks (`+taskCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.Scope, t.ControlType, t.Topic, t.Path, []byte(t.Payload), t.Status, t.Reason,
		t.DeviceID, t.OwnerID, t.GroupTaskID, ms(t.CreatedAt), nullMS(t.SentAt), ms(t.UpdatedAt))
	return err
}

// CreateTask records a new PENDING task and returns its identifier.
func (r *SQLRepo) CreateTask(ctx context.Context, t domain.Task) (string, error) {
	id, err := r.claimTaskID(ctx, t.ID)
	if err != nil {
		return "", err
	}
	now := r.now()
	t.ID = id
	if t.Scope == "" {
		t.Scope = domain.ScopeSingle
	}
	t.Status = domain.TaskPending
	t.SentAt = nil
	t.CreatedAt, t.UpdatedAt = now, now
	if err := insertTask(ctx, r.db.ExecContext, r, t); err != nil {
		return "", fmt.Errorf("insert task %s: %w", id, err)
	}
	return id, nil
}

// Transition moves a task to status to. The update is conditional on the
// status read beforehand, so of two racing transitions only one lands and the
// loser gets ErrInvalidTransition along with the task as it now stands.
func (r *SQLRepo) Transition(ctx context.Context, id string, to domain.TaskStatus, reason string) (domain.Task, error) {
	cur, err := r.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !domain.CanTransition(cur.Status, to) {
		return cur, fmt.Errorf("%w: task %s %s -> %s", domain.ErrInvalidTransition, id, cur.Status, to)
	}
	now := r.now()
	var sent sql.NullInt64
	if to == domain.TaskSent {
		sent = sql.NullInt64{Int64: ms(now), Valid: true}
	}
	if to != domain.TaskFailed {
		reason = ""
	}
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE tasks SET status=?, reason=?, sent_at=COALESCE(?, sent_at), updated_at=?
WHERE id=? AND status=?`), to, reason, sent, ms(now), id, cur.Status)
	if err != nil {
		return cur, fmt.Errorf("update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		latest, gerr := r.GetTask(ctx, id)
		if gerr != nil {
			return cur, gerr
		}
		return latest, fmt.Errorf("%w: task %s is %s, not %s", domain.ErrInvalidTransition, id, latest.Status, cur.Status)
	}
	return r.GetTask(ctx, id)
}

func (r *SQLRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+taskCols+` FROM tasks WHERE id=?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrUnknownTask, id)
	}
	return t, err
}

func (r *SQLRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *SQLRepo) ListByGroupTask(ctx context.Context, groupTaskID string) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskCols+` FROM tasks WHERE group_task_id=? ORDER BY device_id`, groupTaskID)
}

func (r *SQLRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY created_at DESC, id LIMIT ?`, limit)
}

// ListStaleSent returns SENT tasks handed off at or before sentBefore, oldest
// first.
func (r *SQLRepo) ListStaleSent(ctx context.Context, sentBefore time.Time, limit int) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskCols+` FROM tasks
WHERE status='sent' AND sent_at <= ?
ORDER BY sent_at LIMIT ?`, ms(sentBefore), limit)
}

// ListStalePending returns tasks still PENDING that were created at or before
// createdBefore, oldest first. A healthy handoff settles within seconds, so
// these belong to a submission interrupted by a crash.
func (r *SQLRepo) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskCols+` FROM tasks
WHERE status='pending' AND created_at <= ?
ORDER BY created_at LIMIT ?`, ms(createdBefore), limit)
}

// PurgeDevice removes a deleted device's single-device tasks and timers.
// Children of group tasks stay so member counts keep matching.
func (r *SQLRepo) PurgeDevice(ctx context.Context, deviceID string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM tasks WHERE device_id=? AND scope='single'`), deviceID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM timers WHERE device_id=?`), deviceID); err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// PurgeTerminalBefore deletes finished single tasks and finished group tasks
// (with their children) last updated before cutoff. It returns the number of
// task rows removed.
func (r *SQLRepo) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	c := ms(cutoff)
	var total int64
	res, err := tx.ExecContext(ctx, r.q(`
DELETE FROM tasks WHERE group_task_id IN (
  SELECT id FROM group_tasks WHERE aggregate_status IN ('success','failed','partial') AND updated_at < ?
)`), c)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total += n
	if _, err := tx.ExecContext(ctx, r.q(`
DELETE FROM group_tasks WHERE aggregate_status IN ('success','failed','partial') AND updated_at < ?`), c); err != nil {
		return 0, err
	}
	res, err = tx.ExecContext(ctx, r.q(`
DELETE FROM tasks WHERE scope='single' AND status IN ('delivered','failed') AND updated_at < ?`), c)
	if err != nil {
		return 0, err
	}
	n, _ = res.RowsAffected()
	total += n
	return int(total), tx.Commit()
}
