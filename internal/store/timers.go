package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ctlflow/internal/domain"
)

const timerCols = `id,task_name,timer_type,fire_at,interval_spec,device_id,group_id,control_type,topic,address,payload,
run_status,enabled,next_fire_at,last_run_at,last_run_status,last_task_id,owner_id,created_at,updated_at`

func scanTimer(s scanner) (domain.TimerDefinition, error) {
	var d domain.TimerDefinition
	var fireAt, lastRun sql.NullInt64
	var interval, address sql.NullString
	var payload []byte
	var enabled int
	var next, created, updated int64
	err := s.Scan(&d.ID, &d.TaskName, &d.TimerType, &fireAt, &interval, &d.Target.DeviceID, &d.Target.GroupID,
		&d.ControlType, &d.Topic, &address, &payload, &d.RunStatus, &enabled, &next, &lastRun,
		&d.LastRunStatus, &d.LastTaskID, &d.OwnerID, &created, &updated)
	if err != nil {
		return domain.TimerDefinition{}, err
	}
	if interval.Valid && interval.String != "" {
		var rec domain.Recurrence
		if err := json.Unmarshal([]byte(interval.String), &rec); err != nil {
			return domain.TimerDefinition{}, fmt.Errorf("timer %s interval: %w", d.ID, err)
		}
		d.Interval = &rec
	}
	if address.Valid && address.String != "" {
		var a domain.Address
		if err := json.Unmarshal([]byte(address.String), &a); err != nil {
			return domain.TimerDefinition{}, fmt.Errorf("timer %s address: %w", d.ID, err)
		}
		d.Address = &a
	}
	d.Payload = payload
	d.FireAt = timePtr(fireAt)
	d.LastRunAt = timePtr(lastRun)
	d.Enabled = enabled == 1
	d.NextFireAt = fromMS(next)
	d.CreatedAt = fromMS(created)
	d.UpdatedAt = fromMS(updated)
	return d, nil
}

func jsonText(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func timerJSON(d domain.TimerDefinition) (interval, address sql.NullString, err error) {
	if d.Interval != nil {
		if interval, err = jsonText(d.Interval); err != nil {
			return
		}
	}
	if d.Address != nil {
		address, err = jsonText(d.Address)
	}
	return
}

// CreateTimer stores a new timer definition in the SCHEDULED state.
func (r *SQLRepo) CreateTimer(ctx context.Context, d domain.TimerDefinition) (string, error) {
	id := d.ID
	if id == "" {
		id = "tmr_" + uuid.NewString()
	}
	interval, address, err := timerJSON(d)
	if err != nil {
		return "", err
	}
	now := ms(r.now())
	_, err = r.db.ExecContext(ctx, r.q(`
INSERT INTO timers (`+timerCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL,'','',?,?,?)`),
		id, d.TaskName, d.TimerType, nullMS(d.FireAt), interval, d.Target.DeviceID, d.Target.GroupID,
		d.ControlType, d.Topic, address, []byte(d.Payload), domain.RunScheduled, boolInt(d.Enabled),
		ms(d.NextFireAt), d.OwnerID, now, now)
	if err != nil {
		return "", fmt.Errorf("insert timer %s: %w", id, err)
	}
	return id, nil
}

func (r *SQLRepo) GetTimer(ctx context.Context, id string) (domain.TimerDefinition, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+timerCols+` FROM timers WHERE id=?`), id)
	d, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TimerDefinition{}, fmt.Errorf("%w: %s", domain.ErrUnknownTimer, id)
	}
	return d, err
}

func (r *SQLRepo) queryTimers(ctx context.Context, query string, args ...any) ([]domain.TimerDefinition, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []domain.TimerDefinition
	for rows.Next() {
		d, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (r *SQLRepo) ListTimers(ctx context.Context) ([]domain.TimerDefinition, error) {
	return r.queryTimers(ctx, `SELECT `+timerCols+` FROM timers ORDER BY task_name, id`)
}

// UpdateTimer overwrites the definition and scheduling fields of a timer.
// Run history is left untouched. The write only applies while the timer is
// still in prev; a scheduler claim in between yields ErrInvalidTransition.
func (r *SQLRepo) UpdateTimer(ctx context.Context, d domain.TimerDefinition, prev domain.RunStatus) error {
	interval, address, err := timerJSON(d)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE timers SET task_name=?, timer_type=?, fire_at=?, interval_spec=?, device_id=?, group_id=?,
  control_type=?, topic=?, address=?, payload=?, run_status=?, enabled=?, next_fire_at=?, updated_at=?
WHERE id=? AND run_status=?`),
		d.TaskName, d.TimerType, nullMS(d.FireAt), interval, d.Target.DeviceID, d.Target.GroupID,
		d.ControlType, d.Topic, address, []byte(d.Payload), d.RunStatus, boolInt(d.Enabled),
		ms(d.NextFireAt), ms(r.now()), d.ID, prev)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := r.GetTimer(ctx, d.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: timer %s is %s, not %s", domain.ErrInvalidTransition, d.ID, cur.RunStatus, prev)
	}
	return nil
}

func (r *SQLRepo) DeleteTimer(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM timers WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTimer, id)
	}
	return nil
}

// DueTimers lists enabled SCHEDULED timers whose fire time is not after now.
func (r *SQLRepo) DueTimers(ctx context.Context, now time.Time) ([]domain.TimerDefinition, error) {
	return r.queryTimers(ctx, `
SELECT `+timerCols+` FROM timers
WHERE run_status='scheduled' AND enabled=1 AND next_fire_at <= ?
ORDER BY next_fire_at`, ms(now))
}

// ClaimTimer moves a timer from SCHEDULED to EXECUTING. It reports false when
// the timer was not in SCHEDULED, e.g. another instance claimed it first.
func (r *SQLRepo) ClaimTimer(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE timers SET run_status='executing', updated_at=? WHERE id=? AND run_status='scheduled' AND enabled=1`),
		ms(r.now()), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteTimerRun records the outcome of an EXECUTING timer.
func (r *SQLRepo) CompleteTimerRun(ctx context.Context, id string, result domain.RunStatus, at time.Time, taskID string) error {
	if !result.IsTerminal() {
		return fmt.Errorf("%w: timer run cannot end in %s", domain.ErrInvalidTransition, result)
	}
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE timers SET run_status=?, last_run_at=?, last_run_status=?, last_task_id=?, updated_at=?
WHERE id=? AND run_status='executing'`),
		result, ms(at), result, taskID, ms(r.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: timer %s is not executing", domain.ErrInvalidTransition, id)
	}
	return nil
}

// RearmTimer returns a finished, still enabled timer to SCHEDULED at next.
func (r *SQLRepo) RearmTimer(ctx context.Context, id string, next time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE timers SET run_status='scheduled', next_fire_at=?, updated_at=?
WHERE id=? AND enabled=1 AND run_status IN ('success','failed')`),
		ms(next), ms(r.now()), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseTimer moves a claimed or just-finished timer to status with the
// given next fire time. A timer already back in SCHEDULED is left alone.
func (r *SQLRepo) ReleaseTimer(ctx context.Context, id string, status domain.RunStatus, next time.Time) error {
	_, err := r.db.ExecContext(ctx, r.q(`
UPDATE timers SET run_status=?, next_fire_at=?, updated_at=?
WHERE id=? AND run_status IN ('executing','success','failed')`),
		status, ms(next), ms(r.now()), id)
	return err
}

// RecoverStale returns timers left EXECUTING by a crashed run to SCHEDULED.
func (r *SQLRepo) RecoverStale(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE timers SET run_status='scheduled', updated_at=? WHERE run_status='executing'`), ms(r.now()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
