// Package ack applies device acknowledgments and timeouts to dispatched tasks.
package ack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"ctlflow/internal/domain"
	"ctlflow/internal/metrics"
	"ctlflow/internal/store"
)

type Outcome string

const (
	Delivered Outcome = "delivered"
	Failed    Outcome = "failed"
)

// ParseOutcome maps the result field of a device reply to an outcome.
func ParseOutcome(result string) (Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "ok", "delivered", "success", "0":
		return Delivered, true
	case "failed", "fail", "error", "nack", "1":
		return Failed, true
	}
	return "", false
}

// Message is the reply a device publishes after handling a command.
type Message struct {
	TaskID string `json:"task_id"`
	Result string `json:"result"`
}

var ErrMalformedAck = errors.New("malformed ack")

// Decode parses a device reply.
func Decode(payload []byte) (Message, Outcome, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, "", fmt.Errorf("%w: %w", ErrMalformedAck, err)
	}
	if m.TaskID == "" {
		return m, "", fmt.Errorf("%w: missing task_id", ErrMalformedAck)
	}
	out, ok := ParseOutcome(m.Result)
	if !ok {
		return m, "", fmt.Errorf("%w: unknown result %q", ErrMalformedAck, m.Result)
	}
	return m, out, nil
}

// Aggregator recomputes a group task after one of its children changes.
type Aggregator interface {
	Recompute(ctx context.Context, groupTaskID string) (domain.GroupTask, error)
}

type Reconciler struct {
	repo store.Repository
	agg  Aggregator
	rec  metrics.Recorder
}

func NewReconciler(repo store.Repository, agg Aggregator, rec metrics.Recorder) *Reconciler {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Reconciler{repo: repo, agg: agg, rec: rec}
}

// OnAck applies a device outcome to a task. Unknown tasks, tasks that already
// finished and acks that lose a race to the timeout sweep are absorbed and
// counted; only registry failures are returned.
func (r *Reconciler) OnAck(ctx context.Context, taskID string, outcome Outcome) error {
	t, err := r.repo.GetTask(ctx, taskID)
	if errors.Is(err, domain.ErrUnknownTask) {
		r.rec.Inc(metrics.AckUnknown)
		log.Info().Str("task_id", taskID).Msg("ack for unknown task dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		r.rec.Inc(metrics.AckDuplicate)
		log.Debug().Str("task_id", taskID).Str("status", string(t.Status)).Msg("ack for finished task ignored")
		return nil
	}
	if t.Status == domain.TaskPending {
		// The reply overtook the dispatcher recording the handoff.
		if _, err := r.repo.Transition(ctx, taskID, domain.TaskSent, ""); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
	}

	to, reason, event := domain.TaskDelivered, "", metrics.AckDelivered
	if outcome != Delivered {
		to, reason, event = domain.TaskFailed, domain.ReasonNack, metrics.AckFailed
	}
	t, err = r.repo.Transition(ctx, taskID, to, reason)
	if errors.Is(err, domain.ErrInvalidTransition) {
		r.rec.Inc(metrics.AckRaceLost)
		log.Debug().Str("task_id", taskID).Str("status", string(t.Status)).Msg("ack lost race")
		return nil
	}
	if err != nil {
		return err
	}
	r.rec.Inc(event)
	log.Info().Str("task_id", taskID).Str("status", string(to)).Msg("task acknowledged")

	if t.GroupTaskID != nil && r.agg != nil {
		if _, err := r.agg.Recompute(ctx, *t.GroupTaskID); err != nil {
			return fmt.Errorf("recompute group task %s: %w", *t.GroupTaskID, err)
		}
	}
	return nil
}

// HandleMessage decodes a raw device reply and applies it. Malformed replies
// are logged and dropped.
func (r *Reconciler) HandleMessage(ctx context.Context, payload []byte) error {
	m, out, err := Decode(payload)
	if err != nil {
		r.rec.Inc(metrics.AckMalformed)
		log.Warn().Err(err).Str("task_id", m.TaskID).Msg("ack dropped")
		return nil
	}
	return r.OnAck(ctx, m.TaskID, out)
}
