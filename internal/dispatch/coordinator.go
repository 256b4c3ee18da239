package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"ctlflow/internal/command"
	"ctlflow/internal/domain"
	"ctlflow/internal/metrics"
	"ctlflow/internal/store"
	"ctlflow/internal/worker"
)

// Coordinator fans a command out to every member of a group.
type Coordinator struct {
	repo store.Repository
	dir  store.Directory
	disp *Dispatcher
	pool *worker.Pool
	rec  metrics.Recorder
}

func NewCoordinator(repo store.Repository, dir store.Directory, disp *Dispatcher, pool *worker.Pool, rec metrics.Recorder) *Coordinator {
	if pool == nil {
		pool = worker.NewPool(worker.DefaultSize)
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Coordinator{repo: repo, dir: dir, disp: disp, pool: pool, rec: rec}
}

// SubmitGroup snapshots the group's membership, compiles req for every member
// and records the group task with one child per member before anything is
// published. Compilation errors and empty groups leave no rows behind. The
// children are then delivered concurrently; one member failing does not affect
// the others.
func (c *Coordinator) SubmitGroup(ctx context.Context, group domain.Group, req command.Request, opts Options) (domain.GroupTask, error) {
	members, err := c.dir.Members(ctx, group.ID)
	if err != nil {
		return domain.GroupTask{}, fmt.Errorf("load members of group %s: %w", group.ID, err)
	}
	if len(members) == 0 {
		return domain.GroupTask{}, fmt.Errorf("%w: %s", domain.ErrEmptyGroup, group.ID)
	}
	if err := command.Check(req); err != nil {
		return domain.GroupTask{}, err
	}

	cmds := make([]command.Command, len(members))
	children := make([]domain.Task, len(members))
	for i, m := range members {
		cmd, err := command.Compile(m, req)
		if err != nil {
			return domain.GroupTask{}, fmt.Errorf("compile for %s: %w", m.ID, err)
		}
		cmds[i] = cmd
		children[i] = domain.Task{
			ControlType: cmd.ControlType,
			Topic:       cmd.Topic,
			Path:        cmd.Path,
			Payload:     cmd.Value,
			DeviceID:    m.ID,
			OwnerID:     opts.OwnerID,
		}
	}

	parent := domain.GroupTask{
		ID:          opts.TaskID,
		GroupID:     group.ID,
		ControlType: req.ControlType,
		Topic:       req.Topic,
		Payload:     req.Value,
		OwnerID:     opts.OwnerID,
	}
	if req.Address != nil {
		parent.Path = req.Address.Path
	}
	g, kids, err := c.repo.CreateGroupTask(ctx, parent, children)
	if err != nil {
		return domain.GroupTask{}, err
	}
	c.rec.Inc(metrics.GroupSubmitted)
	log.Info().Str("group_task_id", g.ID).Str("group_id", group.ID).Int("members", len(kids)).Msg("group task created")

	// Children are recorded; finish handing them off even if the caller goes
	// away.
	fanCtx := context.WithoutCancel(ctx)
	_ = c.pool.Each(fanCtx, len(kids), func(ctx context.Context, i int) {
		if _, err := c.disp.Deliver(ctx, kids[i], cmds[i]); err != nil {
			log.Error().Err(err).Str("group_task_id", g.ID).Str("task_id", kids[i].ID).Msg("child dispatch failed")
		}
	})

	return c.Recompute(fanCtx, g.ID)
}

// Recompute derives the group task's aggregate from its children. It can be
// called any number of times, concurrently, and settles on the value implied
// by the children's latest statuses.
func (c *Coordinator) Recompute(ctx context.Context, groupTaskID string) (domain.GroupTask, error) {
	return c.repo.RecomputeAggregate(ctx, groupTaskID)
}

// CancelGroup fails every child still PENDING with reason canceled and
// returns how many it moved. Children already SENT are left to the ack and
// timeout paths. Calling it again is harmless.
func (c *Coordinator) CancelGroup(ctx context.Context, groupTaskID string) (domain.GroupTask, int, error) {
	if _, err := c.repo.GetGroupTask(ctx, groupTaskID); err != nil {
		return domain.GroupTask{}, 0, err
	}
	kids, err := c.repo.ListByGroupTask(ctx, groupTaskID)
	if err != nil {
		return domain.GroupTask{}, 0, err
	}
	canceled := 0
	for _, k := range kids {
		if k.Status != domain.TaskPending {
			continue
		}
		_, err := c.repo.Transition(ctx, k.ID, domain.TaskFailed, domain.ReasonCanceled)
		switch {
		case err == nil:
			canceled++
		case errors.Is(err, domain.ErrInvalidTransition):
			// dispatched in the meantime
		default:
			return domain.GroupTask{}, canceled, err
		}
	}
	if canceled > 0 {
		c.rec.Inc(metrics.GroupCanceled)
		log.Info().Str("group_task_id", groupTaskID).Int("canceled", canceled).Msg("group task canceled")
	}
	g, err := c.Recompute(ctx, groupTaskID)
	return g, canceled, err
}
