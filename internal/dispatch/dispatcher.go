// Package dispatch hands compiled commands to the transport and records each
// handoff as a task.
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
)

// Outbound is one message handed to the transport.
type Outbound struct {
	TaskID  string
	Topic   string
	Payload []byte
}

// Publisher is the transport boundary. Publish returns once the broker has
// accepted the message; it says nothing about the device receiving it.
type Publisher interface {
	Publish(ctx context.Context, msg Outbound) error
}

// Options carries caller-supplied task attributes.
type Options struct {
	TaskID  string
	OwnerID string
}

type Dispatcher struct {
	repo store.Repository
	pub  Publisher
	rec  metrics.Recorder
}

func NewDispatcher(repo store.Repository, pub Publisher, rec metrics.Recorder) *Dispatcher {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Dispatcher{repo: repo, pub: pub, rec: rec}
}

// Submit records a task for cmd addressed to device and publishes it once.
// A failed handoff is recorded on the returned task as FAILED; only registry
// errors are returned.
func (d *Dispatcher) Submit(ctx context.Context, cmd command.Command, device domain.Client, opts Options) (domain.Task, error) {
	id, err := d.repo.CreateTask(ctx, domain.Task{
		ID:          opts.TaskID,
		Scope:       domain.ScopeSingle,
		ControlType: cmd.ControlType,
		Topic:       cmd.Topic,
		Path:        cmd.Path,
		Payload:     cmd.Value,
		DeviceID:    device.ID,
		OwnerID:     opts.OwnerID,
	})
	if err != nil {
		return domain.Task{}, err
	}
	return d.Deliver(ctx, domain.Task{ID: id, DeviceID: device.ID, Status: domain.TaskPending}, cmd)
}

// Deliver publishes cmd for an already recorded task and moves it from PENDING
// to SENT or FAILED. A task that is no longer PENDING, e.g. canceled while it
// waited in the fan-out pool, is returned as found and not published.
//
// Once the task exists it always settles: the registry writes run detached
// from ctx, so a caller that goes away mid-handoff leaves a FAILED task
// instead of a PENDING one.
func (d *Dispatcher) Deliver(ctx context.Context, task domain.Task, cmd command.Command) (domain.Task, error) {
	rctx := context.WithoutCancel(ctx)
	cur, err := d.repo.GetTask(rctx, task.ID)
	if err != nil {
		return task, fmt.Errorf("load task %s: %w", task.ID, err)
	}
	if cur.Status != domain.TaskPending {
		d.rec.Inc(metrics.DispatchSkipped)
		log.Info().Str("task_id", cur.ID).Str("status", string(cur.Status)).Str("reason", cur.Reason).Msg("task no longer pending, not published")
		return cur, nil
	}

	wire, err := cmd.Seal(cur.ID)
	if err == nil {
		err = d.pub.Publish(ctx, Outbound{TaskID: cur.ID, Topic: cmd.Topic, Payload: wire})
	}
	if err != nil {
		log.Warn().Err(err).Str("task_id", cur.ID).Str("device_id", cur.DeviceID).Str("topic", cmd.Topic).Msg("command handoff failed")
		d.rec.Inc(metrics.DispatchFailed)
		return d.settle(rctx, cur, domain.TaskFailed, domain.ReasonTransport)
	}
	d.rec.Inc(metrics.DispatchSent)
	log.Debug().Str("task_id", cur.ID).Str("topic", cmd.Topic).Msg("command sent")
	return d.settle(rctx, cur, domain.TaskSent, "")
}

// settle applies the post-handoff transition. Losing it to a concurrent
// writer (an ack that overtook us) is not an error; the newer state wins.
func (d *Dispatcher) settle(ctx context.Context, task domain.Task, to domain.TaskStatus, reason string) (domain.Task, error) {
	t, err := d.repo.Transition(ctx, task.ID, to, reason)
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Debug().Str("task_id", task.ID).Str("status", string(t.Status)).Msg("task moved on before handoff was recorded")
		return t, nil
	}
	if err != nil {
		return task, fmt.Errorf("record handoff of task %s: %w", task.ID, err)
	}
	return t, nil
}

// Reject records a FAILED task for a command that could not be handed off
// because its target device is unknown.
func (d *Dispatcher) Reject(ctx context.Context, deviceID string, ct domain.ControlType, topic, path string, opts Options) (domain.Task, error) {
	id, err := d.repo.CreateTask(ctx, domain.Task{
		ID:          opts.TaskID,
		Scope:       domain.ScopeSingle,
		ControlType: ct,
		Topic:       topic,
		Path:        path,
		DeviceID:    deviceID,
		OwnerID:     opts.OwnerID,
	})
	if err != nil {
		return domain.Task{}, err
	}
	d.rec.Inc(metrics.DispatchRejected)
	log.Info().Str("task_id", id).Str("device_id", deviceID).Msg("command rejected: unknown device")
	t, err := d.repo.Transition(ctx, id, domain.TaskFailed, domain.ReasonUnknownDevice)
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}
