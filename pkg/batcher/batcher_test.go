package batcher

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/health"
	"github.com/Hubmakerlabs/outboxr/pkg/relaylist"
	"github.com/Hubmakerlabs/outboxr/pkg/selector"
	"github.com/Hubmakerlabs/outboxr/pkg/transport/transporttest"
	"github.com/fortytw2/leaktest"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	r1 = "wss://r1.example.com"
	r2 = "wss://r2.example.com"
	r3 = "wss://r3.example.com"
	fb = "wss://fallback.example.com"
)

type lists map[string]*relaylist.RelayList

func (l lists) Get(_ context.T, pk string) *relaylist.RelayList { return l[pk] }

func (l lists) GetMany(_ context.T,
	pks []string) (out map[string]*relaylist.RelayList) {

	out = make(map[string]*relaylist.RelayList)
	for _, pk := range pks {
		if rl, ok := l[pk]; ok {
			out[pk] = rl
		}
	}
	return
}

func writes(urls ...string) *relaylist.RelayList {
	return &relaylist.RelayList{Write: urls}
}

type fixture struct {
	b       *T
	fake    *transporttest.Fake
	tracker *health.Tracker
}

func newFixture(t *testing.T, l lists) (f *fixture) {
	f = &fixture{fake: transporttest.New(), tracker: health.New(nil)}
	sel := selector.New(&selector.Config{FallbackRelays: []string{fb}}, l,
		f.tracker, f.fake)
	f.b = New(sel, f.fake, sel)
	t.Cleanup(func() { assert.NoError(t, f.b.Close()) })
	return
}

func entry(relay string, authors ...string) Entry {
	return Entry{
		Relay:    relay,
		Authors:  authors,
		Filter:   nostr.Filter{Kinds: []int{1}, Authors: authors},
		Score:    0.5,
		Coverage: len(authors),
	}
}

func note(pk string, createdAt nostr.Timestamp) *nostr.Event {
	return transporttest.Event(pk, 1, createdAt, nil,
		fmt.Sprint("note at ", createdAt))
}

func TestCreateQueryPlanChunks(t *testing.T) {
	l := lists{}
	authors := transporttest.PubKeys(120)
	for _, a := range authors {
		l[a] = writes(r1)
	}
	f := newFixture(t, l)
	base := nostr.Filter{Kinds: []int{1}, Limit: 20}
	p := f.b.CreateQueryPlan(context.Bg(), authors, base, DefaultPlanOptions())

	require.Len(t, p.Entries, 3)
	var sizes []int
	got := make(map[string]struct{})
	for _, e := range p.Entries {
		assert.Equal(t, r1, e.Relay)
		assert.Equal(t, e.Authors, e.Filter.Authors)
		assert.Equal(t, []int{1}, e.Filter.Kinds)
		assert.Equal(t, 20, e.Filter.Limit)
		sizes = append(sizes, len(e.Authors))
		for _, a := range e.Authors {
			got[a] = struct{}{}
		}
	}
	assert.Equal(t, []int{50, 50, 20}, sizes)
	assert.Len(t, got, 120)
	assert.Nil(t, base.Authors, "the base filter is not modified")
	assert.Equal(t, 120, p.AuthorsRequested)
	assert.Equal(t, 2, p.MaxRelaysPerAuthor)
	assert.Empty(t, p.SkippedAuthors)
}

func TestCreateQueryPlanOrder(t *testing.T) {
	f := newFixture(t, lists{
		"a": writes(r1, r2),
		"b": writes(r2),
		"c": writes(r3),
	})
	f.fake.SetConnected(r3, true)
	p := f.b.CreateQueryPlan(context.Bg(), []string{"a", "b", "c"},
		nostr.Filter{Kinds: []int{1}},
		&PlanOptions{MaxAuthorsPerRelay: 50,
			Selector: &selector.Options{MaxRelaysPerAuthor: 1}})
	require.Len(t, p.Entries, 2)
	for i := 1; i < len(p.Entries); i++ {
		assert.GreaterOrEqual(t, p.Entries[i-1].priority(), p.Entries[i].priority())
	}
	assert.ElementsMatch(t, []string{r2, r3},
		[]string{p.Entries[0].Relay, p.Entries[1].Relay})
}

func TestDedupAcrossRelays(t *testing.T) {
	f := newFixture(t, nil)
	pk := transporttest.PubKey()
	ev := note(pk, 100)
	for _, r := range []string{r1, r2, r3} {
		f.fake.Set(r, &transporttest.Relay{Events: []*nostr.Event{ev}})
	}
	p := &Plan{
		Entries:            []Entry{entry(r1, pk), entry(r2, pk), entry(r3, pk)},
		AuthorsRequested:   1,
		MaxRelaysPerAuthor: 3,
	}
	r := f.b.ExecuteQueryPlan(context.Bg(), p, DefaultExecOptions())
	require.Len(t, r.Events, 1)
	assert.Equal(t, ev.ID, r.Events[0].ID)
	assert.ElementsMatch(t, []string{r1, r2, r3}, r.RelayHints[ev.ID])
	assert.Equal(t, 3, r.Metrics.EventsReceived)
	assert.Equal(t, 1, r.Metrics.UniqueEvents)
	assert.Equal(t, 2, r.Metrics.DuplicateEvents)
	assert.Equal(t, 3, r.Metrics.Succeeded)
}

func TestEfficiencyMetrics(t *testing.T) {
	f := newFixture(t, nil)
	authors := transporttest.PubKeys(10)
	var entries []Entry
	for i := 0; i < 6; i++ {
		relay := fmt.Sprintf("wss://relay%d.example.com", i)
		f.fake.Set(relay, &transporttest.Relay{})
		entries = append(entries, entry(relay, authors[i], authors[(i+6)%10]))
	}
	p := &Plan{Entries: entries, AuthorsRequested: 10, MaxRelaysPerAuthor: 2}
	r := f.b.ExecuteQueryPlan(context.Bg(), p, DefaultExecOptions())
	m := r.Metrics
	assert.Equal(t, 20, m.NaiveQueryCount)
	assert.Equal(t, 6, m.ActualQueryCount)
	assert.Equal(t, 14, m.ConnectionsSaved)
	assert.Equal(t, 70.0, m.SavingsPercent)
	assert.Equal(t, 10, m.AuthorsCovered)
	assert.Equal(t, 100.0, m.CoveragePercent)
	assert.Len(t, m.RelaysQueried, 6)
	assert.Empty(t, r.Events)
}

func TestGlobalTimeout(t *testing.T) {
	f := newFixture(t, nil)
	pk := transporttest.PubKey()
	ev := note(pk, 100)
	f.fake.
		Set(r1, &transporttest.Relay{Events: []*nostr.Event{ev}}).
		Set(r2, &transporttest.Relay{Hang: true}).
		Set(r3, &transporttest.Relay{Events: []*nostr.Event{note(pk, 200)}})
	p := &Plan{
		Entries:            []Entry{entry(r1, pk), entry(r2, pk), entry(r3, pk)},
		AuthorsRequested:   1,
		MaxRelaysPerAuthor: 3,
	}
	start := time.Now()
	r := f.b.ExecuteQueryPlan(context.Bg(), p, &ExecOptions{
		MaxConcurrent: 1,
		RelayTimeout:  time.Second,
		GlobalTimeout: 100 * time.Millisecond,
	})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, r.Events, 1)
	assert.Equal(t, ev.ID, r.Events[0].ID)
	assert.Equal(t, []string{r1, r2}, r.Metrics.RelaysQueried)
	assert.Equal(t, 1, r.Metrics.Succeeded)
	assert.Equal(t, 1, r.Metrics.Cancelled)
	assert.Equal(t, 1, r.Metrics.NotStarted)
	assert.True(t, r.Metrics.HitDeadline)
	assert.False(t, r.Metrics.EarlyStopped)
	assert.Equal(t, 0, f.fake.QueryCount(r3))
	_, recorded := f.tracker.Get(r2)
	assert.False(t, recorded, "a relay cut off by the deadline is not blamed")
}

func TestRelayOutcomes(t *testing.T) {
	f := newFixture(t, nil)
	pk := transporttest.PubKey()
	f.fake.
		Set(r1, &transporttest.Relay{Hang: true}).
		Set(r2, &transporttest.Relay{Fail: true}).
		Set(r3, &transporttest.Relay{Events: []*nostr.Event{note(pk, 1)}})
	p := &Plan{Entries: []Entry{entry(r1, pk), entry(r2, pk), entry(r3, pk)}}
	r := f.b.ExecuteQueryPlan(context.Bg(), p, &ExecOptions{
		MaxConcurrent: 6,
		RelayTimeout:  50 * time.Millisecond,
		GlobalTimeout: time.Second,
	})
	assert.Equal(t, 1, r.Metrics.TimedOut)
	assert.Equal(t, 1, r.Metrics.Failed)
	assert.Equal(t, 1, r.Metrics.Succeeded)
	assert.False(t, r.Metrics.HitDeadline)
	assert.Contains(t, r.Metrics.RelayLatency, r3)
	assert.Len(t, r.Events, 1)

	st, _ := f.tracker.Get(r1)
	assert.Equal(t, 1, st.TimeoutCount)
	st, _ = f.tracker.Get(r2)
	assert.Equal(t, 1, st.FailureCount)
	st, _ = f.tracker.Get(r3)
	assert.Equal(t, 1, st.SuccessCount)
}

func TestEarlyStop(t *testing.T) {
	f := newFixture(t, nil)
	pk := transporttest.PubKey()
	f.fake.
		Set(r1, &transporttest.Relay{Events: []*nostr.Event{note(pk, 1), note(pk, 2)}}).
		Set(r2, &transporttest.Relay{Events: []*nostr.Event{note(pk, 3)}})
	p := &Plan{Entries: []Entry{entry(r1, pk), entry(r2, pk)}}
	r := f.b.ExecuteQueryPlan(context.Bg(), p, &ExecOptions{
		MaxConcurrent:  1,
		RelayTimeout:   time.Second,
		GlobalTimeout:  time.Second,
		EarlyStopCount: 2,
	})
	assert.True(t, r.Metrics.EarlyStopped)
	assert.False(t, r.Metrics.HitDeadline)
	assert.Len(t, r.Events, 2)
	assert.Equal(t, 0, f.fake.QueryCount(r2))
	assert.Equal(t, 1, r.Metrics.NotStarted)
}

func TestInvalidEventsDropped(t *testing.T) {
	pk, other := transporttest.PubKey(), transporttest.PubKey()
	m := newMerger(time.Now())
	e := entry(r1, other)
	m.add(&e, r1, []*nostr.Event{note(pk, 1), nil, note(other, 2)}, nil)
	r := m.finish(&Plan{Entries: []Entry{e}}, nil)
	require.Len(t, r.Events, 1)
	assert.Equal(t, other, r.Events[0].PubKey)
	assert.Equal(t, 2, r.Metrics.InvalidEvents)
	assert.Equal(t, 1, r.Metrics.EventsReceived)
}

func TestBatchQuery(t *testing.T) {
	f := newFixture(t, lists{
		"a": writes(r1, r2),
		"b": writes(r2, r3),
	})
	older, newer := note("a", 100), note("b", 200)
	f.fake.Set(r2, &transporttest.Relay{Events: []*nostr.Event{older, newer}})
	r := f.b.BatchQuery(context.Bg(), []string{"a", "b"},
		nostr.Filter{Kinds: []int{1}},
		&PlanOptions{MaxAuthorsPerRelay: 50,
			Selector: &selector.Options{MaxRelaysPerAuthor: 1}},
		DefaultExecOptions())
	require.Len(t, r.Events, 2)
	assert.Equal(t, newer.ID, r.Events[0].ID, "newest first")
	assert.Equal(t, older.ID, r.Events[1].ID)
	assert.Equal(t, []string{r2}, r.Metrics.RelaysQueried)
	assert.Equal(t, 0, f.fake.QueryCount(r1))
	assert.Equal(t, 0, f.fake.QueryCount(r3))
	assert.Equal(t, 2, r.Metrics.NaiveQueryCount)
	assert.Equal(t, 1, r.Metrics.ConnectionsSaved)
	assert.GreaterOrEqual(t, r.Metrics.TotalDuration, r.Metrics.ExecDuration)
}

type streamed struct {
	evs      []*nostr.Event
	relay    string
	complete bool
}

func TestStreaming(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, nil)
	defer f.b.Close()
	pk := transporttest.PubKey()
	ev1, ev2, ev3 := note(pk, 300), note(pk, 200), note(pk, 100)
	f.fake.
		Set(r1, &transporttest.Relay{Events: []*nostr.Event{ev1, ev2},
			Delay: 10 * time.Millisecond}).
		Set(r2, &transporttest.Relay{Events: []*nostr.Event{ev2, ev3},
			Delay: 60 * time.Millisecond}).
		Set(r3, &transporttest.Relay{Hang: true})
	p := &Plan{Entries: []Entry{entry(r1, pk), entry(r2, pk), entry(r3, pk)}}

	var mx sync.Mutex
	var calls []streamed
	var completed *Result
	r := f.b.ExecuteQueryPlanStreaming(context.Bg(), p, &StreamOptions{
		RelayTimeout:  time.Second,
		GlobalTimeout: 200 * time.Millisecond,
		OnEvents: func(evs []*nostr.Event, relay string, complete bool) {
			mx.Lock()
			defer mx.Unlock()
			calls = append(calls, streamed{evs, relay, complete})
		},
		OnComplete: func(r *Result) {
			mx.Lock()
			defer mx.Unlock()
			require.Nil(t, completed, "completed twice")
			completed = r
		},
	})

	mx.Lock()
	require.Len(t, calls, 3)
	assert.Equal(t, r1, calls[0].relay)
	assert.Len(t, calls[0].evs, 2)
	assert.Equal(t, r2, calls[1].relay)
	require.Len(t, calls[1].evs, 1, "only events not seen before")
	assert.Equal(t, ev3.ID, calls[1].evs[0].ID)
	assert.Equal(t, streamed{nil, "", true}, calls[2])
	assert.Same(t, r, completed)
	mx.Unlock()

	assert.Len(t, r.Events, 3)
	assert.Equal(t, ev1.ID, r.Events[0].ID)
	assert.True(t, r.Metrics.HitDeadline)
	assert.Equal(t, 2, r.Metrics.Succeeded)
	assert.Equal(t, 1, r.Metrics.Cancelled)
	assert.ElementsMatch(t, []string{r1, r2}, r.RelayHints[ev2.ID])

	time.Sleep(50 * time.Millisecond)
	mx.Lock()
	assert.Len(t, calls, 3, "nothing is delivered after completion")
	mx.Unlock()
}

func TestStreamingCompletesEarly(t *testing.T) {
	f := newFixture(t, nil)
	pk := transporttest.PubKey()
	f.fake.Set(r1, &transporttest.Relay{Events: []*nostr.Event{note(pk, 1)}})
	p := &Plan{Entries: []Entry{entry(r1, pk)}}
	var last bool
	start := time.Now()
	r := f.b.ExecuteQueryPlanStreaming(context.Bg(), p, &StreamOptions{
		RelayTimeout:  time.Second,
		GlobalTimeout: 5 * time.Second,
		OnEvents: func(evs []*nostr.Event, relay string, complete bool) {
			last = complete
		},
	})
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, last)
	assert.False(t, r.Metrics.HitDeadline)
	assert.Len(t, r.Events, 1)
}

// widePlan is one entry per relay, each relay answering after delay.
func widePlan(f *fixture, n int, delay time.Duration) (p *Plan) {
	p = &Plan{}
	for i := 0; i < n; i++ {
		pk := transporttest.PubKey()
		relay := fmt.Sprintf("wss://wide%d.example.com", i)
		f.fake.Set(relay, &transporttest.Relay{
			Events: []*nostr.Event{note(pk, nostr.Timestamp(i+1))},
			Delay:  delay,
		})
		p.Entries = append(p.Entries, entry(relay, pk))
	}
	return
}

func TestStreamingStartsEveryEntry(t *testing.T) {
	f := newFixture(t, nil)
	p := widePlan(f, 80, 300*time.Millisecond)
	r := f.b.ExecuteQueryPlanStreaming(context.Bg(), p, &StreamOptions{
		RelayTimeout:  time.Second,
		GlobalTimeout: 500 * time.Millisecond,
	})
	assert.Equal(t, 80, r.Metrics.Succeeded)
	assert.Zero(t, r.Metrics.Cancelled)
	assert.False(t, r.Metrics.HitDeadline)
	assert.Len(t, r.Events, 80)
}

func TestConcurrentExecutionsDoNotShareWorkers(t *testing.T) {
	f := newFixture(t, nil)
	plans := []*Plan{
		widePlan(f, 40, 300*time.Millisecond),
		widePlan(f, 40, 300*time.Millisecond),
	}
	results := make([]*Result, len(plans))
	var wg sync.WaitGroup
	for i, p := range plans {
		wg.Add(1)
		go func(i int, p *Plan) {
			defer wg.Done()
			results[i] = f.b.ExecuteQueryPlan(context.Bg(), p, &ExecOptions{
				MaxConcurrent: 40,
				RelayTimeout:  time.Second,
				GlobalTimeout: 500 * time.Millisecond,
			})
		}(i, p)
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, 40, r.Metrics.Succeeded)
		assert.Zero(t, r.Metrics.Cancelled)
		assert.False(t, r.Metrics.HitDeadline)
	}
}
