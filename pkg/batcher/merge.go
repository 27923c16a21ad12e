package batcher

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

// merger collects events from concurrently answering relays. Once finished
// it ignores everything that arrives.
type merger struct {
	mx       sync.Mutex
	start    time.Time
	seen     map[string]*nostr.Event
	events   []*nostr.Event
	hints    map[string][]string
	queried  map[string]struct{}
	launched int
	m        Metrics
	finished bool
}

func newMerger(start time.Time) *merger {
	return &merger{
		start:   start,
		seen:    make(map[string]*nostr.Event),
		hints:   make(map[string][]string),
		queried: make(map[string]struct{}),
		m:       Metrics{RelayLatency: make(map[string]time.Duration)},
	}
}

// started records that a query to relay began. It reports false once the
// merger finished.
func (m *merger) started(relay string) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.finished {
		return false
	}
	m.launched++
	if _, ok := m.queried[relay]; !ok {
		m.queried[relay] = struct{}{}
		m.m.RelaysQueried = append(m.m.RelaysQueried, relay)
	}
	return true
}

// outcome counts the end of one entry's query.
func (m *merger) outcome(o outcome, relay string, latency time.Duration) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.finished {
		return
	}
	switch o {
	case succeeded:
		m.m.Succeeded++
		m.m.RelayLatency[relay] = latency
	case failed:
		m.m.Failed++
	case timedOut:
		m.m.TimedOut++
	case cancelled:
		m.m.Cancelled++
	}
}

// add merges the events relay returned for e and calls fn with the ones no
// relay returned before, while still holding the lock. It returns the
// number of unique events so far.
func (m *merger) add(e *Entry, relay string, evs []*nostr.Event,
	fn func(fresh []*nostr.Event)) (unique int) {

	m.mx.Lock()
	defer m.mx.Unlock()
	if m.finished {
		return len(m.events)
	}
	var fresh []*nostr.Event
	for _, ev := range evs {
		if ev == nil || ev.ID == "" || !e.Filter.Matches(ev) {
			m.m.InvalidEvents++
			continue
		}
		m.m.EventsReceived++
		if _, ok := m.seen[ev.ID]; ok {
			m.m.DuplicateEvents++
			if !slices.Contains(m.hints[ev.ID], relay) {
				m.hints[ev.ID] = append(m.hints[ev.ID], relay)
			}
			continue
		}
		if len(m.events) == 0 {
			m.m.TimeToFirstEvent = time.Since(m.start)
		}
		m.seen[ev.ID] = ev
		m.events = append(m.events, ev)
		m.hints[ev.ID] = []string{relay}
		fresh = append(fresh, ev)
	}
	if fn != nil && len(fresh) > 0 {
		fn(fresh)
	}
	return len(m.events)
}

// finish stops accepting results and builds the result. fn, when set, runs
// under the lock after the result is built, so nothing else can be
// delivered after it.
func (m *merger) finish(p *Plan, fn func(r *Result)) (r *Result) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.finished = true
	slices.SortStableFunc(m.events, func(a, b *nostr.Event) int {
		switch {
		case a.CreatedAt > b.CreatedAt:
			return -1
		case a.CreatedAt < b.CreatedAt:
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	m.m.UniqueEvents = len(m.events)
	m.m.efficiency(p)
	m.m.ExecDuration = time.Since(m.start)
	m.m.TotalDuration = m.m.PlanDuration + m.m.ExecDuration
	// queries still running were cut off.
	ended := m.m.Succeeded + m.m.Failed + m.m.TimedOut + m.m.Cancelled
	m.m.Cancelled += m.launched - ended
	m.m.NotStarted = len(p.Entries) - m.launched
	r = &Result{Events: m.events, RelayHints: m.hints, Metrics: m.m}
	if fn != nil {
		fn(r)
	}
	return
}
