package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultSize is the concurrency used when a pool is built with size <= 0.
const DefaultSize = 16

// Pool runs jobs on goroutines, at most size at a time. A panicking job is
// recovered and logged so one bad job cannot take the process down.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Size returns the pool's concurrency bound.
func (p *Pool) Size() int { return cap(p.sem) }

// Submit starts fn once a slot is free. It blocks while the pool is full and
// returns ctx.Err() if ctx ends first, in which case fn never runs.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("panic", fmt.Sprint(r)).Msg("worker job panicked")
			}
		}()
		fn(ctx)
	}()
	return nil
}

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Each runs fn(i) for i in [0, n) on the pool and waits for all of them. Jobs
// not yet started when ctx ends are skipped and ctx.Err() is returned.
func (p *Pool) Each(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	var wg sync.WaitGroup
	var err error
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		if err = p.Submit(ctx, func(c context.Context) {
			defer wg.Done()
			fn(c, i)
		}); err != nil {
			wg.Done()
			break
		}
	}
	wg.Wait()
	return err
}
