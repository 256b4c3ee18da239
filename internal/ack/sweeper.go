package ack

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ctlflow/internal/domain"
	"ctlflow/internal/metrics"
	"ctlflow/internal/store"
)

const defaultSweepBatch = 500

// Sweeper fails tasks that stayed SENT longer than the deadline, and tasks
// whose handoff never settled because the process died mid-submission.
type Sweeper struct {
	repo     store.Repository
	agg      Aggregator
	rec      metrics.Recorder
	deadline time.Duration
	pending  time.Duration
	interval time.Duration
	batch    int
	stop     chan struct{}
	stopOnce sync.Once
}

type SweepOption func(*Sweeper)

// WithPendingDeadline fails tasks left PENDING longer than d with reason
// transport. Zero disables it.
func WithPendingDeadline(d time.Duration) SweepOption {
	return func(s *Sweeper) { s.pending = d }
}

func NewSweeper(repo store.Repository, agg Aggregator, rec metrics.Recorder, deadline, interval time.Duration, opts ...SweepOption) *Sweeper {
	if rec == nil {
		rec = metrics.Nop{}
	}
	s := &Sweeper{
		repo:     repo,
		agg:      agg,
		rec:      rec,
		deadline: deadline,
		interval: interval,
		batch:    defaultSweepBatch,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start sweeps once immediately, which settles whatever a previous process
// left behind, then on every tick until ctx ends or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	log.Info().Dur("deadline", s.deadline).Dur("pending_deadline", s.pending).Dur("interval", s.interval).Msg("ack timeout sweeper started")

	if n, err := s.Sweep(ctx, time.Now()); err != nil {
		log.Error().Err(err).Msg("startup sweep failed")
	} else if n > 0 {
		log.Warn().Int("count", n).Msg("settled tasks left over from a previous run")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			if _, err := s.Sweep(ctx, now); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("timeout sweep failed")
			}
		}
	}
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Sweep fails every task SENT at or before now minus the deadline, and every
// task still PENDING past the pending deadline, and returns how many it moved.
// A task acknowledged meanwhile keeps its ack. Affected group tasks are
// recomputed.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	groups := map[string]struct{}{}

	stale, err := s.repo.ListStaleSent(ctx, now.Add(-s.deadline), s.batch)
	if err != nil {
		return 0, err
	}
	n, err := s.fail(ctx, stale, domain.ReasonTimeout, metrics.TaskTimedOut, groups)
	if err != nil {
		return n, err
	}

	if s.pending > 0 {
		abandoned, err := s.repo.ListStalePending(ctx, now.Add(-s.pending), s.batch)
		if err != nil {
			return n, err
		}
		m, err := s.fail(ctx, abandoned, domain.ReasonTransport, metrics.TaskAbandoned, groups)
		n += m
		if err != nil {
			return n, err
		}
	}

	if s.agg != nil {
		for id := range groups {
			if _, err := s.agg.Recompute(ctx, id); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (s *Sweeper) fail(ctx context.Context, tasks []domain.Task, reason, event string, groups map[string]struct{}) (int, error) {
	n := 0
	for _, t := range tasks {
		moved, err := s.repo.Transition(ctx, t.ID, domain.TaskFailed, reason)
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		s.rec.Inc(event)
		log.Info().Str("task_id", t.ID).Str("device_id", t.DeviceID).Str("reason", reason).Msg("task failed by sweep")
		if moved.GroupTaskID != nil {
			groups[*moved.GroupTaskID] = struct{}{}
		}
	}
	return n, nil
}
