package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"ctlflow/internal/domain"
)

func errHandoff(id string) error {
	return fmt.Errorf("%w: task %s failed at handoff", domain.ErrTransportUnavailable, id)
}

// CronSpec renders a recurrence as a standard five-field cron expression.
func CronSpec(r domain.Recurrence) string {
	dow := "*"
	if r.Weekday != nil {
		dow = strconv.Itoa(int(*r.Weekday))
	}
	return fmt.Sprintf("%d %d * * %s", r.Minute, r.Hour, dow)
}

func ValidateRecurrence(r domain.Recurrence) error {
	if r.Hour < 0 || r.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", domain.ErrInvalidTimer, r.Hour)
	}
	if r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", domain.ErrInvalidTimer, r.Minute)
	}
	if r.Weekday != nil && (*r.Weekday < time.Sunday || *r.Weekday > time.Saturday) {
		return fmt.Errorf("%w: weekday %d out of range", domain.ErrInvalidTimer, *r.Weekday)
	}
	return nil
}

// NextFire returns the first occurrence of r strictly after from, evaluated
// in loc.
func NextFire(r domain.Recurrence, from time.Time, loc *time.Location) (time.Time, error) {
	if err := ValidateRecurrence(r); err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(CronSpec(r))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", domain.ErrInvalidTimer, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return sched.Next(from.In(loc)), nil
}

func (s *Service) validate(d domain.TimerDefinition) error {
	if strings.TrimSpace(d.TaskName) == "" {
		return fmt.Errorf("%w: task name is required", domain.ErrInvalidTimer)
	}
	if (d.Target.DeviceID == "") == (d.Target.GroupID == "") {
		return fmt.Errorf("%w: exactly one of device or group must be set", domain.ErrInvalidTimer)
	}
	if !d.ControlType.Valid() {
		return fmt.Errorf("%w: unknown control type %q", domain.ErrInvalidTimer, d.ControlType)
	}
	if d.ControlType.IsLWM2M() && d.Address == nil {
		return fmt.Errorf("%w: %s requires an address", domain.ErrInvalidTimer, d.ControlType)
	}
	if d.ControlType == domain.ControlPublish && strings.Trim(d.Topic, "/") == "" {
		return fmt.Errorf("%w: publish requires a topic", domain.ErrInvalidTimer)
	}
	switch d.TimerType {
	case domain.TimerFixed:
		if d.FireAt == nil {
			return fmt.Errorf("%w: fixed timer requires a fire time", domain.ErrInvalidTimer)
		}
	case domain.TimerInterval:
		if d.Interval == nil {
			return fmt.Errorf("%w: interval timer requires a recurrence", domain.ErrInvalidTimer)
		}
		return ValidateRecurrence(*d.Interval)
	default:
		return fmt.Errorf("%w: unknown timer type %q", domain.ErrInvalidTimer, d.TimerType)
	}
	return nil
}

func (s *Service) firstFire(d domain.TimerDefinition) (time.Time, error) {
	if d.TimerType == domain.TimerFixed {
		return d.FireAt.UTC(), nil
	}
	return NextFire(*d.Interval, s.now(), s.loc)
}

// CreateTimer validates and stores a definition, scheduling its first fire.
// A FIXED timer whose fire time has passed fires on the next tick.
func (s *Service) CreateTimer(ctx context.Context, d domain.TimerDefinition) (domain.TimerDefinition, error) {
	if err := s.validate(d); err != nil {
		return domain.TimerDefinition{}, err
	}
	next, err := s.firstFire(d)
	if err != nil {
		return domain.TimerDefinition{}, err
	}
	d.NextFireAt = next
	d.RunStatus = domain.RunScheduled
	id, err := s.repo.CreateTimer(ctx, d)
	if err != nil {
		return domain.TimerDefinition{}, err
	}
	return s.repo.GetTimer(ctx, id)
}

func (s *Service) GetTimer(ctx context.Context, id string) (domain.TimerDefinition, error) {
	return s.repo.GetTimer(ctx, id)
}

func (s *Service) ListTimers(ctx context.Context) ([]domain.TimerDefinition, error) {
	return s.repo.ListTimers(ctx)
}

func (s *Service) DeleteTimer(ctx context.Context, id string) error {
	return s.repo.DeleteTimer(ctx, id)
}

// SetEnabled turns a timer on or off. Re-enabling a finished INTERVAL timer
// schedules its next occurrence; a FIXED timer that already ran stays done.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (domain.TimerDefinition, error) {
	d, err := s.repo.GetTimer(ctx, id)
	if err != nil {
		return domain.TimerDefinition{}, err
	}
	if d.Enabled == enabled {
		return d, nil
	}
	prev := d.RunStatus
	d.Enabled = enabled
	if enabled && d.TimerType == domain.TimerInterval && d.RunStatus.IsTerminal() {
		next, err := NextFire(*d.Interval, s.now(), s.loc)
		if err != nil {
			return domain.TimerDefinition{}, err
		}
		d.RunStatus = domain.RunScheduled
		d.NextFireAt = next
	}
	if err := s.repo.UpdateTimer(ctx, d, prev); err != nil {
		return domain.TimerDefinition{}, err
	}
	return s.repo.GetTimer(ctx, id)
}
