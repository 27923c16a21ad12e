// Package batcher turns a batch of authors and a filter into a small set of
// relay queries, runs them with bounded concurrency and deadlines, and merges
// the results.
package batcher

import (
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/metrics"
	"github.com/Hubmakerlabs/outboxr/pkg/selector"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/Hubmakerlabs/outboxr/pkg/transport"
	"github.com/alitto/pond/v2"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr)

// Planner assigns authors to relays.
type Planner interface {
	BuildQueryPlan(c context.T, pubkeys []string,
		opts *selector.Options) *selector.QueryPlan
}

// Recorder is told the outcome of every relay query. Timeouts are reported
// as failures with an error matching transport.ErrTimeout.
type Recorder interface {
	RecordSuccess(url string, latency time.Duration)
	RecordFailure(url string, err error)
}

// T plans and executes batched relay queries.
type T struct {
	planner   Planner
	transport transport.I
	recorder  Recorder
	metrics   *metrics.Metrics
	// wg tracks the worker pools of executions until their queries
	// returned.
	wg sync.WaitGroup
}

type Option func(t *T)

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *T) { t.metrics = m }
}

func New(p Planner, tr transport.I, rec Recorder, opts ...Option) (t *T) {
	t = &T{
		planner:   p,
		transport: tr,
		recorder:  rec,
		metrics:   metrics.NopMetrics(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return
}

// Close waits for the queries of finished executions that were cut off and
// are still returning.
func (t *T) Close() (err error) {
	t.wg.Wait()
	return
}

// newPool returns the worker pool of one execution. Executions never share
// workers so one batch cannot hold back another.
func (t *T) newPool(workers int) pond.Pool {
	return pond.NewPool(max(1, workers))
}

// release stops pool in the background once its queries returned.
func (t *T) release(pool pond.Pool) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		pool.StopAndWait()
	}()
}

type PlanOptions struct {
	// MaxAuthorsPerRelay is the largest author list sent in one filter.
	MaxAuthorsPerRelay int
	// Selector configures the relay set cover. Nil uses its defaults.
	Selector *selector.Options
}

func DefaultPlanOptions() *PlanOptions {
	return &PlanOptions{
		MaxAuthorsPerRelay: 50,
		Selector:           selector.DefaultOptions(),
	}
}

type ExecOptions struct {
	// MaxConcurrent is the size of each window of plan entries.
	MaxConcurrent int
	// RelayTimeout bounds each relay query.
	RelayTimeout time.Duration
	// GlobalTimeout bounds the whole execution.
	GlobalTimeout time.Duration
	// EarlyStopCount, when above zero, ends the execution once this many
	// unique events arrived.
	EarlyStopCount int
}

func DefaultExecOptions() *ExecOptions {
	return &ExecOptions{
		MaxConcurrent: 6,
		RelayTimeout:  3 * time.Second,
		GlobalTimeout: 5 * time.Second,
	}
}

type StreamOptions struct {
	RelayTimeout  time.Duration
	GlobalTimeout time.Duration
	// OnEvents receives the events each relay returned that no other relay
	// returned before. It is called once more with no events, no relay and
	// complete set when the execution ends. Calls are serialized and must
	// not block.
	OnEvents func(evs []*nostr.Event, relay string, complete bool)
	// OnComplete receives the final result after the last OnEvents.
	OnComplete func(r *Result)
}

func DefaultStreamOptions() *StreamOptions {
	return &StreamOptions{
		RelayTimeout:  3 * time.Second,
		GlobalTimeout: 5 * time.Second,
	}
}

// Result is the merged outcome of a plan execution.
type Result struct {
	// Events are unique by ID, newest first.
	Events []*nostr.Event
	// RelayHints maps each event ID to every relay that returned it, in
	// arrival order.
	RelayHints map[string][]string
	Metrics    Metrics
}

// BatchQuery plans and executes f for pubkeys.
func (t *T) BatchQuery(c context.T, pubkeys []string, f nostr.Filter,
	popts *PlanOptions, eopts *ExecOptions) (r *Result) {

	plan := t.CreateQueryPlan(c, pubkeys, f, popts)
	r = t.ExecuteQueryPlan(c, plan, eopts)
	r.Metrics.TotalDuration = plan.Duration + r.Metrics.ExecDuration
	return
}
