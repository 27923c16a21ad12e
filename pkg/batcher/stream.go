package batcher

import (
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/nbd-wtf/go-nostr"
)

// ExecuteQueryPlanStreaming starts every entry at once, each on its own
// worker, and hands each relay's new events to OnEvents as they arrive. When
// all entries ended or GlobalTimeout passed it calls OnEvents(nil, "", true)
// and then OnComplete, and returns the same result. Nothing is delivered
// after that.
func (t *T) ExecuteQueryPlanStreaming(c context.T, p *Plan,
	opts *StreamOptions) (r *Result) {

	if opts == nil {
		opts = DefaultStreamOptions()
	}
	m := newMerger(time.Now())
	if opts.GlobalTimeout > 0 {
		var cancel context.F
		c, cancel = context.Timeout(c, opts.GlobalTimeout)
		defer cancel()
	}
	c, stop := context.Cancel(c)
	defer stop()
	pool := t.newPool(len(p.Entries))
	defer t.release(pool)
	group := pool.NewGroup()
	for i := range p.Entries {
		e := &p.Entries[i]
		m.started(e.Relay)
		group.Submit(func() {
			evs, o, latency := t.query(c, e, opts.RelayTimeout)
			m.outcome(o, e.Relay, latency)
			if o != succeeded {
				return
			}
			m.add(e, e.Relay, evs, func(fresh []*nostr.Event) {
				if opts.OnEvents != nil {
					opts.OnEvents(fresh, e.Relay, false)
				}
			})
		})
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		chk.E(group.Wait())
	}()
	select {
	case <-done:
	case <-c.Done():
		log.D.F("streaming query cut off: %v", context.Cause(c))
	}
	hitDeadline := c.Err() != nil
	r = m.finish(p, func(r *Result) {
		r.Metrics.HitDeadline = hitDeadline
		if opts.OnEvents != nil {
			opts.OnEvents(nil, "", true)
		}
		if opts.OnComplete != nil {
			opts.OnComplete(r)
		}
	})
	t.report(r)
	return
}
