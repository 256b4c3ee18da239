package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Janitor periodically deletes finished tasks older than maxAge.
type Janitor struct {
	repo     Repository
	maxAge   time.Duration
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

func NewJanitor(repo Repository, maxAge, interval time.Duration) *Janitor {
	return &Janitor{repo: repo, maxAge: maxAge, interval: interval, stop: make(chan struct{})}
}

func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	log.Info().Dur("max_age", j.maxAge).Dur("interval", j.interval).Msg("task retention janitor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case now := <-ticker.C:
			if _, err := j.RunOnce(ctx, now); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("task purge failed")
			}
		}
	}
}

func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

// RunOnce purges everything that finished before now minus maxAge.
func (j *Janitor) RunOnce(ctx context.Context, now time.Time) (int, error) {
	n, err := j.repo.PurgeTerminalBefore(ctx, now.Add(-j.maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("deleted", n).Msg("purged finished tasks")
	}
	return n, nil
}
