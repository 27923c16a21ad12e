// Package selector scores relays and picks the smallest set of them that
// covers a batch of authors.
package selector

import (
	"os"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/health"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/relaylist"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/Hubmakerlabs/outboxr/pkg/transport"
	"github.com/benbjohnson/clock"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

// Lists resolves the relay lists of authors.
type Lists interface {
	Get(c context.T, pubkey string) *relaylist.RelayList
	GetMany(c context.T, pubkeys []string) map[string]*relaylist.RelayList
}

// Reputation is the relay health table the selector scores and filters with
// and reports outcomes to.
type Reputation interface {
	Get(url string) (st health.Stats, ok bool)
	FilterByHealth(urls []string, opts *health.FilterOptions) []string
	ReleaseRecovery(url string)
	RecordSuccess(url string, latency time.Duration)
	RecordFailure(url string, err error)
	RecordTimeout(url string)
}

// Connectivity reports live connections.
type Connectivity interface {
	IsConnected(url string) bool
}

type Config struct {
	// FallbackRelays serve authors that advertise no usable relays.
	FallbackRelays []string
	// PublishRelays are always considered by SelectForPublish. When empty
	// the fallback relays are used.
	PublishRelays []string
	// PubKey is the local identity, whose write relays SelectForPublish
	// prefers.
	PubKey string
	// MaxPublishRelays caps SelectForPublish.
	MaxPublishRelays int
}

func DefaultConfig() *Config {
	return &Config{MaxPublishRelays: 5}
}

// Scored is a relay with its score.
type Scored struct {
	URL   string
	Score float64
}

// T is the relay selector.
type T struct {
	cfg   *Config
	lists Lists
	rep   Reputation
	conn  Connectivity
	clock clock.Clock
}

type Option func(t *T)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option { return func(t *T) { t.clock = c } }

func New(cfg *Config, lists Lists, rep Reputation, conn Connectivity,
	opts ...Option) (t *T) {

	if cfg == nil {
		cfg = DefaultConfig()
	}
	t = &T{cfg: cfg, lists: lists, rep: rep, conn: conn, clock: clock.New()}
	for _, opt := range opts {
		opt(t)
	}
	return
}

// RecordSuccess reports a successful query to the reputation table.
func (t *T) RecordSuccess(url string, latency time.Duration) {
	t.rep.RecordSuccess(url, latency)
}

// RecordFailure reports a failed query. Timeouts are recorded as such.
func (t *T) RecordFailure(url string, err error) {
	if transport.IsTimeout(err) {
		t.rep.RecordTimeout(url)
		return
	}
	t.rep.RecordFailure(url, err)
}

func (t *T) fallback() []string { return normalize.URLs(t.cfg.FallbackRelays) }

// usable returns the relays of candidates that pass the health filter, or
// the fallback relays when none do.
func (t *T) usable(candidates []string, opts *health.FilterOptions) (
	urls []string, fellBack bool) {

	if urls = t.rep.FilterByHealth(candidates, opts); len(urls) > 0 {
		return
	}
	fellBack = true
	if urls = t.rep.FilterByHealth(t.fallback(), opts); len(urls) == 0 {
		urls = t.fallback()
	}
	return
}

// SelectForAuthor returns up to count relays to read pubkey's events from,
// best first.
func (t *T) SelectForAuthor(c context.T, pubkey string,
	count int) (out []Scored) {

	rl := t.lists.Get(c, pubkey)
	urls, _ := t.usable(rl.Outbox(), nil)
	out = t.rank(urls)
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return
}

// SelectForPublish returns the relays to publish the local identity's events
// to, best first: its own write relays and the publish relays.
func (t *T) SelectForPublish(c context.T) (out []string) {
	var candidates []string
	if t.cfg.PubKey != "" {
		candidates = append(candidates, t.lists.Get(c, t.cfg.PubKey).Outbox()...)
	}
	if len(t.cfg.PublishRelays) > 0 {
		candidates = append(candidates, t.cfg.PublishRelays...)
	} else {
		candidates = append(candidates, t.cfg.FallbackRelays...)
	}
	urls, _ := t.usable(normalize.URLs(candidates), nil)
	for _, s := range t.rank(urls) {
		out = append(out, s.URL)
	}
	if t.cfg.MaxPublishRelays > 0 && len(out) > t.cfg.MaxPublishRelays {
		out = out[:t.cfg.MaxPublishRelays]
	}
	return
}

// rank scores urls as relays serving a single author and orders them by
// score, then URL.
func (t *T) rank(urls []string) (out []Scored) {
	out = make([]Scored, 0, len(urls))
	for _, u := range urls {
		out = append(out, Scored{URL: u, Score: t.Score(u, 1, 1)})
	}
	slices.SortStableFunc(out, func(a, b Scored) int {
		return compare(b.Score, a.Score, a.URL, b.URL)
	})
	return
}

// compare orders by the float pair first and the string pair second.
func compare(x, y float64, a, b string) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
