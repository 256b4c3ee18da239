package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ctlflow/internal/dispatch"
	"ctlflow/internal/domain"
	"ctlflow/internal/metrics"
	"ctlflow/internal/store"
)

// Submitter is the part of the submission API timers fire through.
type Submitter interface {
	SubmitSingle(ctx context.Context, r dispatch.SingleRequest) (domain.Task, error)
	SubmitGroup(ctx context.Context, r dispatch.GroupRequest) (domain.GroupTask, error)
}

type Service struct {
	repo     store.Repository
	submit   Submitter
	rec      metrics.Recorder
	loc      *time.Location
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	interval time.Duration
}

type Option func(*Service)

// WithLocation sets the zone interval recurrences are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(s *Service) { s.rec = rec }
}

func NewService(repo store.Repository, submit Submitter, checkInterval time.Duration, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		submit:   submit,
		rec:      metrics.Nop{},
		loc:      time.UTC,
		now:      time.Now,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs the scheduling loop until ctx ends or Stop is called. Timers a
// previous process left EXECUTING are rescheduled first.
func (s *Service) Start(ctx context.Context) {
	if n, err := s.repo.RecoverStale(ctx); err != nil {
		log.Error().Err(err).Msg("failed to recover executing timers")
	} else if n > 0 {
		log.Warn().Int("count", n).Msg("recovered timers left executing")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Str("location", s.loc.String()).Msg("timer scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.ProcessDue(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// ProcessDue fires every timer due at now, one after another.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) {
	timers, err := s.repo.DueTimers(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due timers")
		return
	}

	for _, def := range timers {
		if err := s.processTimer(ctx, def, now); err != nil {
			log.Error().Err(err).Str("timer_id", def.ID).Msg("failed to process timer")
		}
	}
}

func (s *Service) processTimer(ctx context.Context, def domain.TimerDefinition, now time.Time) error {
	claimed, err := s.repo.ClaimTimer(ctx, def.ID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug().Str("timer_id", def.ID).Msg("timer already claimed")
		return nil
	}

	taskID, runErr := s.fire(ctx, def)
	result := domain.RunSuccess
	if runErr != nil {
		result = domain.RunFailed
		s.rec.Inc(metrics.TimerRunFailed)
		log.Warn().Err(runErr).Str("timer_id", def.ID).Str("task_id", taskID).Msg("timer run failed")
	} else {
		s.rec.Inc(metrics.TimerRunSuccess)
	}

	// The run already happened; record it even if ctx is ending.
	rctx := context.WithoutCancel(ctx)
	next, rearmed, err := s.finish(rctx, def, result, now, taskID)
	if err != nil {
		s.release(rctx, def, now)
		return err
	}

	if def.TimerType != domain.TimerInterval {
		log.Info().Str("timer_id", def.ID).Str("task_name", def.TaskName).Str("task_id", taskID).Str("result", string(result)).Msg("fixed timer fired")
		return nil
	}

	log.Info().
		Str("timer_id", def.ID).
		Str("task_name", def.TaskName).
		Str("task_id", taskID).
		Str("result", string(result)).
		Bool("rearmed", rearmed).
		Time("next_fire", next).
		Msg("interval timer fired")

	return nil
}

// finish records the run and, for INTERVAL timers, schedules the next one.
func (s *Service) finish(ctx context.Context, def domain.TimerDefinition, result domain.RunStatus, now time.Time, taskID string) (time.Time, bool, error) {
	if err := s.repo.CompleteTimerRun(ctx, def.ID, result, now, taskID); err != nil {
		return time.Time{}, false, err
	}
	if def.TimerType != domain.TimerInterval {
		return time.Time{}, false, nil
	}
	next, err := NextFire(*def.Interval, now, s.loc)
	if err != nil {
		return time.Time{}, false, err
	}
	rearmed, err := s.repo.RearmTimer(ctx, def.ID, next)
	if err != nil {
		return next, false, err
	}
	return next, rearmed, nil
}

// release lets go of a claim whose bookkeeping failed so the timer does not
// sit in EXECUTING until the next restart. INTERVAL timers go back to
// SCHEDULED at their next occurrence; anything else ends FAILED.
func (s *Service) release(ctx context.Context, def domain.TimerDefinition, now time.Time) {
	status, next := domain.RunFailed, def.NextFireAt
	if def.TimerType == domain.TimerInterval && def.Interval != nil {
		if n, err := NextFire(*def.Interval, now, s.loc); err == nil {
			status, next = domain.RunScheduled, n
		}
	}
	if err := s.repo.ReleaseTimer(ctx, def.ID, status, next); err != nil {
		log.Error().Err(err).Str("timer_id", def.ID).Msg("failed to release timer claim")
		return
	}
	log.Warn().Str("timer_id", def.ID).Str("run_status", string(status)).Msg("timer claim released after error")
}

// fire submits the timer's command. A submission that produced a task whose
// handoff failed counts as a failed run.
func (s *Service) fire(ctx context.Context, def domain.TimerDefinition) (string, error) {
	if def.Target.IsGroup() {
		g, err := s.submit.SubmitGroup(ctx, dispatch.GroupRequest{
			GroupID:     def.Target.GroupID,
			ControlType: def.ControlType,
			Topic:       def.Topic,
			Address:     def.Address,
			Payload:     def.Payload,
			OwnerID:     def.OwnerID,
		})
		if err != nil {
			return "", err
		}
		if g.AggregateStatus == domain.AggregateFailed {
			return g.ID, errHandoff(g.ID)
		}
		return g.ID, nil
	}

	t, err := s.submit.SubmitSingle(ctx, dispatch.SingleRequest{
		DeviceID:    def.Target.DeviceID,
		ControlType: def.ControlType,
		Topic:       def.Topic,
		Address:     def.Address,
		Payload:     def.Payload,
		OwnerID:     def.OwnerID,
	})
	if err != nil {
		return "", err
	}
	if t.Status == domain.TaskFailed {
		return t.ID, errHandoff(t.ID)
	}
	return t.ID, nil
}
