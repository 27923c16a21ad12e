// Package outbox assembles the relay list cache, the relay health table, the
// relay selector and the query batcher over one cache database and one relay
// pool.
package outbox

import (
	"fmt"
	"os"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/batcher"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/health"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore/badger"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore/memory"
	"github.com/Hubmakerlabs/outboxr/pkg/metrics"
	"github.com/Hubmakerlabs/outboxr/pkg/relaylist"
	"github.com/Hubmakerlabs/outboxr/pkg/selector"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/Hubmakerlabs/outboxr/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/multierr"
)

var log, chk = slog.New(os.Stderr)

const (
	relayListTable = "relaylists"
	healthTable    = "health"
)

type Config struct {
	// DataDir holds the cache database. Empty keeps everything in memory.
	DataDir string
	// SizeLimit caps the cache database in bytes, zero for no cap.
	SizeLimit       int64
	DiscoveryRelays []string
	FallbackRelays  []string
	// PubKey is the local identity.
	PubKey         string
	ConnectTimeout time.Duration

	RelayList *relaylist.Config
	Health    *health.Config
	Selector  *selector.Options
	Plan      *batcher.PlanOptions
	Exec      *batcher.ExecOptions
}

func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 3 * time.Second,
		RelayList:      relaylist.DefaultConfig(),
		Health:         health.DefaultConfig(),
		Selector:       selector.DefaultOptions(),
		Plan:           batcher.DefaultPlanOptions(),
		Exec:           batcher.DefaultExecOptions(),
	}
}

// T is an assembled outbox query engine.
type T struct {
	cfg *Config

	db        *badger.Backend
	pool      *transport.Pool
	transport transport.I

	Health     *health.Tracker
	RelayLists *relaylist.Cache
	Selector   *selector.T
	Batcher    *batcher.T

	relayListStore kvstore.I
	healthStore    kvstore.I
	cancel         context.F
}

type options struct {
	transport transport.I
	metrics   *metrics.Metrics
	clock     clock.Clock
}

type Option func(o *options)

// WithTransport queries relays through tr instead of a relay pool.
func WithTransport(tr transport.I) Option {
	return func(o *options) { o.transport = tr }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces the wall clock of the caches, for tests.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// New opens the cache database and builds the components. Nothing runs in
// the background until Start.
func New(cfg *Config, opts ...Option) (t *T, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.RelayList == nil {
		cfg.RelayList = def.RelayList
	}
	if cfg.Health == nil {
		cfg.Health = def.Health
	}
	if cfg.Selector == nil {
		cfg.Selector = def.Selector
	}
	if cfg.Plan == nil {
		cfg.Plan = def.Plan
	}
	if cfg.Plan.Selector == nil {
		cfg.Plan.Selector = cfg.Selector
	}
	if cfg.Exec == nil {
		cfg.Exec = def.Exec
	}
	o := &options{metrics: metrics.NopMetrics(), clock: clock.New()}
	for _, opt := range opts {
		opt(o)
	}
	t = &T{cfg: cfg}
	if cfg.DataDir == "" {
		t.relayListStore, t.healthStore = memory.New(0), memory.New(0)
	} else {
		t.db = &badger.Backend{Path: cfg.DataDir, SizeLimit: cfg.SizeLimit}
		if err = t.db.Init(); chk.E(err) {
			return nil, fmt.Errorf("opening cache database in %s: %w",
				cfg.DataDir, err)
		}
		t.relayListStore = t.db.Table(relayListTable)
		t.healthStore = t.db.Table(healthTable)
	}
	var c context.T
	c, t.cancel = context.Cancel(context.Bg())
	if t.transport = o.transport; t.transport == nil {
		t.pool = transport.NewPool(c, cfg.ConnectTimeout)
		t.transport = t.pool
	}
	t.Health = health.New(cfg.Health,
		health.WithClock(o.clock),
		health.WithStore(t.healthStore),
		health.WithMetrics(o.metrics),
		health.WithTransition(func(url string, from, to health.Status) {
			if to == health.Dead {
				log.I.F("relay %s is now dead", url)
			}
		}),
	)
	fetcher := &relaylist.NetworkFetcher{
		Transport: t.transport,
		Relays:    cfg.DiscoveryRelays,
		Recorder:  t.Health,
	}
	if t.RelayLists, err = relaylist.New(cfg.RelayList, fetcher,
		relaylist.WithClock(o.clock),
		relaylist.WithStore(t.relayListStore),
		relaylist.WithMetrics(o.metrics),
	); chk.E(err) {
		chk.E(t.Close())
		return nil, fmt.Errorf("creating relay list cache: %w", err)
	}
	t.Selector = selector.New(&selector.Config{
		FallbackRelays:   cfg.FallbackRelays,
		PubKey:           cfg.PubKey,
		MaxPublishRelays: selector.DefaultConfig().MaxPublishRelays,
	}, t.RelayLists, t.Health, t.transport, selector.WithClock(o.clock))
	t.Batcher = batcher.New(t.Selector, t.transport, t.Selector,
		batcher.WithMetrics(o.metrics))
	return
}

// Start loads the persisted caches and starts the health maintenance loop.
func (t *T) Start(c context.T) (err error) {
	if err = t.RelayLists.Start(c); chk.E(err) {
		log.W.Ln("continuing with an empty relay list cache")
	}
	return t.Health.Start(c)
}

// Close stops the components, persists the health table and closes the
// database. Every component is closed even if some fail.
func (t *T) Close() (err error) {
	if t.Batcher != nil {
		err = multierr.Append(err, t.Batcher.Close())
	}
	if t.RelayLists != nil {
		err = multierr.Append(err, t.RelayLists.Close())
	}
	if t.Health != nil {
		err = multierr.Append(err, t.Health.Close())
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.pool != nil {
		t.pool.Close()
	}
	if t.db != nil {
		err = multierr.Append(err, t.db.Close())
	}
	return
}

// Wipe empties the relay list cache and the health table.
func (t *T) Wipe(c context.T) (err error) {
	err = multierr.Append(err, t.RelayLists.Clear(c))
	for _, st := range t.Health.Snapshot() {
		t.Health.ResetStats(st.URL)
	}
	return multierr.Append(err, t.healthStore.Clear(c))
}

// Query fetches events matching f from pubkeys through the fewest relays.
func (t *T) Query(c context.T, pubkeys []string,
	f nostr.Filter) *batcher.Result {

	return t.Batcher.BatchQuery(c, pubkeys, f, t.cfg.Plan, t.cfg.Exec)
}

// Stream is Query delivering events to onEvents as relays answer.
func (t *T) Stream(c context.T, pubkeys []string, f nostr.Filter,
	onEvents func(evs []*nostr.Event, relay string, complete bool)) (
	r *batcher.Result) {

	plan := t.Batcher.CreateQueryPlan(c, pubkeys, f, t.cfg.Plan)
	return t.Batcher.ExecuteQueryPlanStreaming(c, plan, &batcher.StreamOptions{
		RelayTimeout:  t.cfg.Exec.RelayTimeout,
		GlobalTimeout: t.cfg.Exec.GlobalTimeout,
		OnEvents:      onEvents,
	})
}

// Observe feeds an event received outside of a query to the caches.
func (t *T) Observe(c context.T, ev *nostr.Event) {
	if ev.Kind == relaylist.KindRelayList &&
		t.RelayLists.Observe(c, ev) {
		log.D.F("relay list of %s updated", ev.PubKey)
	}
}
