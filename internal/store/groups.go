package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ctlflow/internal/domain"
)

const groupCols = `id,group_id,control_type,topic,path,payload,aggregate_status,member_count,owner_id,created_at,updated_at`

func scanGroupTask(s scanner) (domain.GroupTask, error) {
	var g domain.GroupTask
	var created, updated int64
	var payload []byte
	err := s.Scan(&g.ID, &g.GroupID, &g.ControlType, &g.Topic, &g.Path, &payload, &g.AggregateStatus,
		&g.MemberCount, &g.OwnerID, &created, &updated)
	if err != nil {
		return domain.GroupTask{}, err
	}
	g.Payload = payload
	g.CreatedAt = fromMS(created)
	g.UpdatedAt = fromMS(updated)
	return g, nil
}

// CreateGroupTask records a group task and one PENDING child per member in a
// single transaction. Either every row exists afterwards or none does.
func (r *SQLRepo) CreateGroupTask(ctx context.Context, g domain.GroupTask, children []domain.Task) (domain.GroupTask, []domain.Task, error) {
	if len(children) == 0 {
		return domain.GroupTask{}, nil, domain.ErrEmptyGroup
	}
	// Identifiers are claimed before the transaction opens; the identifier
	// table lives on the same connection.
	var err error
	if g.ID, err = r.claimTaskID(ctx, g.ID); err != nil {
		return domain.GroupTask{}, nil, err
	}
	out := make([]domain.Task, len(children))
	for i, c := range children {
		if c.ID, err = r.claimTaskID(ctx, c.ID); err != nil {
			return domain.GroupTask{}, nil, err
		}
		out[i] = c
	}

	now := r.now()
	g.AggregateStatus = domain.AggregatePending
	g.MemberCount = len(children)
	g.CreatedAt, g.UpdatedAt = now, now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.GroupTask{}, nil, err
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, r.q(`
INSERT INTO group_tasks (`+groupCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		g.ID, g.GroupID, g.ControlType, g.Topic, g.Path, []byte(g.Payload), g.AggregateStatus,
		g.MemberCount, g.OwnerID, ms(now), ms(now))
	if err != nil {
		return domain.GroupTask{}, nil, fmt.Errorf("insert group task %s: %w", g.ID, err)
	}
	gid := g.ID
	for i := range out {
		out[i].Scope = domain.ScopeGroupChild
		out[i].GroupTaskID = &gid
		out[i].Status = domain.TaskPending
		out[i].SentAt = nil
		out[i].CreatedAt, out[i].UpdatedAt = now, now
		if out[i].OwnerID == "" {
			out[i].OwnerID = g.OwnerID
		}
		if err := insertTask(ctx, tx.ExecContext, r, out[i]); err != nil {
			return domain.GroupTask{}, nil, fmt.Errorf("insert child task %s: %w", out[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.GroupTask{}, nil, err
	}
	return g, out, nil
}

func (r *SQLRepo) GetGroupTask(ctx context.Context, id string) (domain.GroupTask, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+groupCols+` FROM group_tasks WHERE id=?`), id)
	g, err := scanGroupTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GroupTask{}, fmt.Errorf("%w: %s", domain.ErrUnknownTask, id)
	}
	return g, err
}

// RecomputeAggregate rereads a group task's children and stores the derived
// aggregate status. The read and the write share a transaction so concurrent
// child updates cannot leave a stale aggregate behind.
func (r *SQLRepo) RecomputeAggregate(ctx context.Context, id string) (domain.GroupTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.GroupTask{}, err
	}
	defer rollback(tx)

	lock := ""
	if r.dialect == Postgres {
		lock = " FOR UPDATE"
	}
	g, err := scanGroupTask(tx.QueryRowContext(ctx, r.q(`SELECT `+groupCols+` FROM group_tasks WHERE id=?`+lock), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GroupTask{}, fmt.Errorf("%w: %s", domain.ErrUnknownTask, id)
	}
	if err != nil {
		return domain.GroupTask{}, err
	}

	rows, err := tx.QueryContext(ctx, r.q(`SELECT status FROM tasks WHERE group_task_id=?`), id)
	if err != nil {
		return domain.GroupTask{}, err
	}
	var statuses []domain.TaskStatus
	for rows.Next() {
		var s domain.TaskStatus
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return domain.GroupTask{}, err
		}
		statuses = append(statuses, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.GroupTask{}, err
	}

	agg := domain.Aggregate(statuses)
	if agg == g.AggregateStatus {
		return g, tx.Commit()
	}
	now := r.now()
	if _, err := tx.ExecContext(ctx, r.q(`UPDATE group_tasks SET aggregate_status=?, updated_at=? WHERE id=?`), agg, ms(now), id); err != nil {
		return domain.GroupTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.GroupTask{}, err
	}
	g.AggregateStatus = agg
	g.UpdatedAt = now
	return g, nil
}

// DeleteGroupTask removes a group task together with its children.
func (r *SQLRepo) DeleteGroupTask(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM tasks WHERE group_task_id=?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM group_tasks WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTask, id)
	}
	return tx.Commit()
}
