// Package metrics counts dispatch and acknowledgment events.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// Event names.
const (
	DispatchSent     = "dispatch_sent"
	DispatchFailed   = "dispatch_failed"
	DispatchRejected = "dispatch_rejected"
	DispatchSkipped  = "dispatch_skipped"
	GroupSubmitted   = "group_submitted"
	GroupCanceled    = "group_canceled"
	AckDelivered     = "ack_delivered"
	AckFailed        = "ack_failed"
	AckUnknown       = "ack_unknown"
	AckDuplicate     = "ack_duplicate"
	AckRaceLost      = "ack_race_lost"
	AckMalformed     = "ack_malformed"
	TaskTimedOut     = "task_timeout"
	TaskAbandoned    = "task_abandoned"
	TimerRunSuccess  = "timer_run_success"
	TimerRunFailed   = "timer_run_failed"
)

// Recorder receives events. Implementations must be safe for concurrent use
// and must not block.
type Recorder interface {
	Inc(event string)
}

type Nop struct{}

func (Nop) Inc(string) {}

// Counters keeps an in-process count per event.
type Counters struct {
	mu sync.RWMutex
	m  map[string]*atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{m: make(map[string]*atomic.Int64)}
}

func (c *Counters) Inc(event string) {
	c.mu.RLock()
	v, ok := c.m[event]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if v, ok = c.m[event]; !ok {
			v = new(atomic.Int64)
			c.m[event] = v
		}
		c.mu.Unlock()
	}
	v.Add(1)
}

func (c *Counters) Get(event string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.m[event]; ok {
		return v.Load()
	}
	return 0
}

func (c *Counters) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.m))
	for k, v := range c.m {
		out[k] = v.Load()
	}
	return out
}

// WritePrometheus renders the counters in the Prometheus text format.
func (c *Counters) WritePrometheus(w io.Writer) error {
	snap := c.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)
	if _, err := fmt.Fprintln(w, "# TYPE ctlflow_events_total counter"); err != nil {
		return err
	}
	for _, n := range names {
		if _, err := fmt.Fprintf(w, "ctlflow_events_total{event=%q} %d\n", n, snap[n]); err != nil {
			return err
		}
	}
	return nil
}

// Multi fans an event out to several recorders.
type Multi []Recorder

func (m Multi) Inc(event string) {
	for _, r := range m {
		r.Inc(event)
	}
}
