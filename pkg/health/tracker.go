// Package health keeps one reputation record per relay: outcome counters,
// latency, a health status with exponential backoff recovery for dead relays,
// and the scoring inputs the relay selector reads.
package health

import (
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore"
	"github.com/Hubmakerlabs/outboxr/pkg/metrics"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/singleflight"
)

var log, chk = slog.New(os.Stderr)

// Transition is called after a relay's status changed.
type Transition func(url string, from, to Status)

// Tracker is the relay reputation table.
type Tracker struct {
	cfg     *Config
	clock   clock.Clock
	metrics *metrics.Metrics
	store   kvstore.I
	stats   *xsync.MapOf[string, Stats]
	persist singleflight.Group

	onTransition Transition

	wg     sync.WaitGroup
	cancel context.F
}

type Option func(t *Tracker)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option { return func(t *Tracker) { t.clock = c } }

// WithStore persists records into s.
func WithStore(s kvstore.I) Option { return func(t *Tracker) { t.store = s } }

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithTransition registers fn to observe status changes.
func WithTransition(fn Transition) Option {
	return func(t *Tracker) { t.onTransition = fn }
}

func New(cfg *Config, opts ...Option) (t *Tracker) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	t = &Tracker{
		cfg:     cfg,
		clock:   clock.New(),
		metrics: metrics.NopMetrics(),
		stats:   xsync.NewMapOf[Stats](),
	}
	for _, opt := range opts {
		opt(t)
	}
	return
}

// update applies fn to the record of url, creating it if needed, and
// recomputes the derived fields.
func (t *Tracker) update(url string, fn func(st *Stats, now time.Time)) {
	url = normalize.URL(url)
	if url == "" {
		return
	}
	now := t.clock.Now()
	var from, to Status
	t.stats.Compute(url, func(st Stats, loaded bool) (Stats, bool) {
		if !loaded {
			st = Stats{URL: url}
		}
		fn(&st, now)
		from, to = st.recompute(t.cfg)
		return st, false
	})
	if from != to {
		t.transition(url, from, to)
	}
	t.metrics.TrackedRelays.Set(float64(t.stats.Size()))
}

func (t *Tracker) transition(url string, from, to Status) {
	log.D.F("relay %s: %s -> %s", url, from, to)
	t.metrics.StatusTransitions.With("from", from.String(),
		"to", to.String()).Add(1)
	if t.onTransition != nil {
		t.onTransition(url, from, to)
	}
}

func (t *Tracker) RecordSuccess(url string, latency time.Duration) {
	t.update(url, func(st *Stats, now time.Time) {
		st.success(t.cfg, now, latency)
	})
	t.metrics.RelayQueries.With("relay", normalize.URL(url),
		"outcome", "success").Add(1)
	t.metrics.RelayLatency.With("relay", normalize.URL(url)).
		Observe(latency.Seconds())
}

func (t *Tracker) RecordFailure(url string, err error) {
	if err != nil {
		log.T.F("relay %s failed: %v", url, err)
	}
	t.update(url, func(st *Stats, now time.Time) {
		st.failure(t.cfg, now, false)
	})
	t.metrics.RelayQueries.With("relay", normalize.URL(url),
		"outcome", "failure").Add(1)
}

func (t *Tracker) RecordTimeout(url string) {
	t.update(url, func(st *Stats, now time.Time) {
		st.failure(t.cfg, now, true)
	})
	t.metrics.RelayQueries.With("relay", normalize.URL(url),
		"outcome", "timeout").Add(1)
}

// MarkDead forces url into Dead and schedules its first recovery probe. The
// failures needed to complete the streak are counted as real failures, so
// Attempts never falls below ConsecutiveFailures.
func (t *Tracker) MarkDead(url string) {
	t.update(url, func(st *Stats, now time.Time) {
		st.touch(now)
		if gap := t.cfg.DeadConsecutiveFailures -
			st.ConsecutiveFailures; gap > 0 {

			st.ConsecutiveFailures += gap
			st.FailureCount += gap
		}
		st.LastFailure = now
		if st.Status == Dead {
			st.NextRecoveryAt = now.Add(backoff(t.cfg, st.RecoveryAttempts))
		}
	})
}

// ResetStats forgets everything known about url.
func (t *Tracker) ResetStats(url string) {
	url = normalize.URL(url)
	if st, ok := t.stats.LoadAndDelete(url); ok && st.Status != Unknown {
		t.transition(url, st.Status, Unknown)
	}
	if t.store != nil {
		chk.D(t.store.Delete(context.Bg(), url))
	}
}

// Get returns a copy of the record of url.
func (t *Tracker) Get(url string) (st Stats, ok bool) {
	return t.stats.Load(normalize.URL(url))
}

// Status returns the status of url, Unknown when nothing was recorded.
func (t *Tracker) Status(url string) Status {
	st, _ := t.Get(url)
	return st.Status
}

// IsHealthy reports whether url may be queried: relays that are unknown or
// healthy qualify, degraded and dead ones do not.
func (t *Tracker) IsHealthy(url string) bool {
	switch t.Status(url) {
	case Unknown, Healthy:
		return true
	}
	return false
}

// ShouldAttemptRecovery reports whether url is dead and its backoff has
// elapsed.
func (t *Tracker) ShouldAttemptRecovery(url string) bool {
	st, ok := t.Get(url)
	return ok && st.Status == Dead && !t.clock.Now().Before(st.NextRecoveryAt)
}

// claimProbe marks a recovery probe of url as outstanding. Only one caller
// wins until the probe's outcome is recorded or ProbeTimeout passes.
func (t *Tracker) claimProbe(url string) (claimed bool) {
	now := t.clock.Now()
	t.stats.Compute(url, func(st Stats, loaded bool) (Stats, bool) {
		if !loaded || st.Status != Dead || now.Before(st.NextRecoveryAt) {
			return st, !loaded
		}
		if !st.probeStarted.IsZero() &&
			now.Sub(st.probeStarted) < t.cfg.ProbeTimeout {
			return st, false
		}
		st.probeStarted = now
		claimed = true
		return st, false
	})
	return
}

// ReleaseRecovery gives up a recovery attempt of url claimed through
// FilterByHealth that is not going to be sent, so the next caller may retry.
func (t *Tracker) ReleaseRecovery(url string) {
	t.stats.Compute(normalize.URL(url), func(st Stats, loaded bool) (Stats,
		bool) {

		st.probeStarted = time.Time{}
		return st, !loaded
	})
}

// FilterByHealth returns the normalized urls that pass opts, in input order.
// Relays without a record always pass. A nil opts uses
// DefaultFilterOptions.
func (t *Tracker) FilterByHealth(urls []string,
	opts *FilterOptions) (out []string) {

	if opts == nil {
		opts = DefaultFilterOptions()
	}
	out = make([]string, 0, len(urls))
	for _, u := range normalize.URLs(urls) {
		st, ok := t.stats.Load(u)
		if !ok || st.Status == Unknown {
			out = append(out, u)
			continue
		}
		if st.Status == Dead ||
			st.ConsecutiveFailures >= opts.MaxConsecutiveFailures {
			switch {
			case opts.AllowRecoveryAttempts && st.Status == Dead &&
				t.claimProbe(u):
				log.D.Ln("letting recovery probe through to", u)
				out = append(out, u)
			case !opts.ExcludeDead:
				out = append(out, u)
			}
			continue
		}
		if opts.ExcludeDegraded && st.Status == Degraded {
			continue
		}
		if st.SuccessRate < opts.MinSuccessRate {
			continue
		}
		if opts.MaxAvgResponseTime > 0 && st.AvgResponseMs >
			float64(opts.MaxAvgResponseTime.Milliseconds()) {
			continue
		}
		out = append(out, u)
	}
	return
}

// Snapshot returns copies of every record ordered by URL.
func (t *Tracker) Snapshot() (out []Stats) {
	t.stats.Range(func(_ string, st Stats) bool {
		out = append(out, st)
		return true
	})
	slices.SortFunc(out, func(a, b Stats) int {
		switch {
		case a.URL < b.URL:
			return -1
		case a.URL > b.URL:
			return 1
		}
		return 0
	})
	return
}

// Len returns the number of relays with records.
func (t *Tracker) Len() int { return t.stats.Size() }

// Decay scales down the counters of relays idle for longer than DecayAfter
// and returns how many records changed.
func (t *Tracker) Decay() (n int) {
	now := t.clock.Now()
	var urls []string
	t.stats.Range(func(url string, st Stats) bool {
		urls = append(urls, url)
		return true
	})
	for _, url := range urls {
		var from, to Status
		var changed bool
		t.stats.Compute(url, func(st Stats, loaded bool) (Stats, bool) {
			if !loaded {
				return st, true
			}
			if changed = st.decay(t.cfg, now); changed {
				from, to = st.recompute(t.cfg)
			}
			return st, false
		})
		if changed {
			n++
			if from != to {
				t.transition(url, from, to)
			}
		}
	}
	if n > 0 {
		log.D.F("decayed %d idle relay records", n)
	}
	return
}
