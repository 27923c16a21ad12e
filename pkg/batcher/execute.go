package batcher

import (
	"errors"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/transport"
	"github.com/nbd-wtf/go-nostr"
)

type outcome int

const (
	succeeded outcome = iota
	failed
	timedOut
	cancelled
)

var errStopped = errors.New("enough events")

type reply struct {
	evs []*nostr.Event
	err error
}

// query runs e against its relay, giving up after timeout. The transport
// call is abandoned rather than awaited once the budget is spent; whatever
// it returns afterwards is dropped.
func (t *T) query(c context.T, e *Entry, timeout time.Duration) (evs []*nostr.Event,
	o outcome, latency time.Duration) {

	rc, cancel := c, context.F(func() {})
	if timeout > 0 {
		rc, cancel = context.Timeout(c, timeout)
	}
	defer cancel()
	start := time.Now()
	ch := make(chan reply, 1)
	go func() {
		evs, err := t.transport.QuerySync(rc, e.Relay, e.Filter)
		ch <- reply{evs, err}
	}()
	var r reply
	select {
	case r = <-ch:
	case <-rc.Done():
		r.err = rc.Err()
	}
	latency = time.Since(start)
	switch {
	case r.err == nil:
		evs, o = r.evs, succeeded
		t.recorder.RecordSuccess(e.Relay, latency)
	case c.Err() != nil:
		// the execution ended, the relay is not to blame.
		o = cancelled
	case transport.IsTimeout(r.err):
		o = timedOut
		t.recorder.RecordFailure(e.Relay, transport.ErrTimeout)
	default:
		o = failed
		t.recorder.RecordFailure(e.Relay, r.err)
	}
	t.metrics.RelayQueries.With("relay", e.Relay, "outcome", o.String()).Add(1)
	return
}

func (o outcome) String() string {
	switch o {
	case succeeded:
		return "success"
	case failed:
		return "failure"
	case timedOut:
		return "timeout"
	}
	return "cancelled"
}

// ExecuteQueryPlan runs the plan's entries in windows of MaxConcurrent, in
// plan order. No window starts after GlobalTimeout or after EarlyStopCount
// unique events arrived; queries still running at that point are cut off.
// It never fails: relays that do not answer contribute nothing.
func (t *T) ExecuteQueryPlan(c context.T, p *Plan,
	opts *ExecOptions) (r *Result) {

	if opts == nil {
		opts = DefaultExecOptions()
	}
	m := newMerger(time.Now())
	if opts.GlobalTimeout > 0 {
		var cancel context.F
		c, cancel = context.Timeout(c, opts.GlobalTimeout)
		defer cancel()
	}
	c, stop := context.CancelCause(c)
	defer stop(nil)
	window := opts.MaxConcurrent
	if window <= 0 {
		window = len(p.Entries)
	}
	pool := t.newPool(window)
	defer t.release(pool)
	for i := 0; i < len(p.Entries) && c.Err() == nil; i += window {
		group := pool.NewGroup()
		for j := i; j < min(i+window, len(p.Entries)); j++ {
			e := &p.Entries[j]
			if !m.started(e.Relay) {
				break
			}
			group.Submit(func() {
				evs, o, latency := t.query(c, e, opts.RelayTimeout)
				m.outcome(o, e.Relay, latency)
				if o != succeeded {
					return
				}
				unique := m.add(e, e.Relay, evs, nil)
				if opts.EarlyStopCount > 0 && unique >= opts.EarlyStopCount {
					stop(errStopped)
				}
			})
		}
		if err := group.Wait(); chk.E(err) {
			break
		}
	}
	r = m.finish(p, nil)
	r.Metrics.EarlyStopped = errors.Is(context.Cause(c), errStopped)
	r.Metrics.HitDeadline = !r.Metrics.EarlyStopped && c.Err() != nil
	t.report(r)
	log.D.F("%d events from %d/%d queries in %v, %d saved (%.0f%%)",
		len(r.Events), r.Metrics.Succeeded, len(p.Entries),
		r.Metrics.ExecDuration, r.Metrics.ConnectionsSaved,
		r.Metrics.SavingsPercent)
	return
}

func (t *T) report(r *Result) {
	t.metrics.UniqueEvents.Add(float64(r.Metrics.UniqueEvents))
	t.metrics.DuplicateEvents.Add(float64(r.Metrics.DuplicateEvents))
	if r.Metrics.ConnectionsSaved > 0 {
		t.metrics.ConnectionsSaved.Add(float64(r.Metrics.ConnectionsSaved))
	}
}
