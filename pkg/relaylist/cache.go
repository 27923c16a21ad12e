package relaylist

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore"
	"github.com/Hubmakerlabs/outboxr/pkg/metrics"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/alitto/pond/v2"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

// fetchWorkers bounds the network fetches running at once.
const fetchWorkers = 4

// Cache answers relay list lookups from memory, then from the durable table,
// then from the network. Concurrent lookups of the same identity share one
// fetch.
type Cache struct {
	cfg     *Config
	clock   clock.Clock
	metrics *metrics.Metrics
	fetcher Fetcher
	store   kvstore.I

	// mx serializes writes so an entry is never replaced by an older one.
	mx  sync.Mutex
	mem *lru.Cache[string, *Cached]
	// full is set, under mx, when evicting did not make room in the
	// durable table. No more rows are evicted until a write fits again.
	full     bool
	inflight *xsync.MapOf[string, *call]
	pool     pond.Pool

	life   sync.Mutex
	closed bool
	c      context.T
	cancel context.F
	wg     sync.WaitGroup
}

// call is a pending fetch of one identity. val is set before done is closed
// and is nil when the fetch failed.
type call struct {
	done chan struct{}
	val  *Cached
}

type Option func(t *Cache)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option { return func(t *Cache) { t.clock = c } }

// WithStore keeps entries in s as well as in memory.
func WithStore(s kvstore.I) Option { return func(t *Cache) { t.store = s } }

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Cache) { t.metrics = m }
}

// New creates a cache fetching missing relay lists with f.
func New(cfg *Config, f Fetcher, opts ...Option) (t *Cache, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	t = &Cache{
		cfg:      cfg,
		clock:    clock.New(),
		metrics:  metrics.NopMetrics(),
		fetcher:  f,
		inflight: xsync.NewMapOf[*call](),
		pool:     pond.NewPool(fetchWorkers),
	}
	if t.mem, err = lru.New[string, *Cached](cfg.MemorySize); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(t)
	}
	t.c, t.cancel = context.Cancel(context.Bg())
	return
}

// Start fills the memory layer with the most recently fetched entries of the
// durable table.
func (t *Cache) Start(c context.T) (err error) {
	if t.store == nil {
		return
	}
	var all []*Cached
	var bad []string
	if err = t.store.Range(c, func(key string, val []byte) bool {
		e, err := decode(key, val)
		if err != nil {
			log.W.Ln(err)
			bad = append(bad, key)
			return true
		}
		all = append(all, e)
		return true
	}); chk.E(err) {
		return
	}
	for _, key := range bad {
		chk.D(t.store.Delete(c, key))
	}
	sortByFetched(all)
	if len(all) > t.cfg.MemorySize {
		all = all[len(all)-t.cfg.MemorySize:]
	}
	for _, e := range all {
		t.put(e, false)
	}
	log.D.F("loaded %d cached relay lists", len(all))
	return
}

// Close waits for background fetches and refreshes to finish.
func (t *Cache) Close() (err error) {
	t.life.Lock()
	if t.closed {
		t.life.Unlock()
		return
	}
	t.closed = true
	t.life.Unlock()
	t.cancel()
	t.wg.Wait()
	t.pool.StopAndWait()
	return
}

// background runs fn tracked by Close, or reports false once closed.
func (t *Cache) background(fn func()) bool {
	t.life.Lock()
	defer t.life.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
	return true
}

// Get returns the relay list of pubkey, or nil when none is known. An
// identity known to advertise nothing has a non-nil empty list.
func (t *Cache) Get(c context.T, pubkey string) (rl *RelayList) {
	pubkey = NormalizeKey(pubkey)
	if pubkey == "" {
		return
	}
	return t.GetMany(c, []string{pubkey})[pubkey]
}

// GetMany returns the relay lists of pubkeys that are known. Stale entries
// are returned at once and refreshed in the background; missing and expired
// ones are looked up in the durable table and then on the network in
// batches.
func (t *Cache) GetMany(c context.T,
	pubkeys []string) (out map[string]*RelayList) {

	out = make(map[string]*RelayList, len(pubkeys))
	now := t.clock.Now()
	expired := make(map[string]*Cached)
	var refresh, load []string
	seen := make(map[string]struct{}, len(pubkeys))
	for _, pk := range pubkeys {
		if pk = NormalizeKey(pk); pk == "" {
			continue
		}
		if _, ok := seen[pk]; ok {
			continue
		}
		seen[pk] = struct{}{}
		e, _ := t.mem.Get(pk)
		switch t.freshness(e, now) {
		case fresh:
			out[pk] = view(e)
			t.lookup("fresh")
		case stale:
			out[pk] = view(e)
			refresh = append(refresh, pk)
			t.lookup("stale")
		default:
			if e != nil {
				expired[pk] = e
			}
			load = append(load, pk)
		}
	}
	var fetch []string
	for pk, e := range t.loadDurable(c, load) {
		e, _ = t.put(e, false)
		switch t.freshness(e, now) {
		case fresh:
			out[pk] = view(e)
			t.lookup("durable")
		case stale:
			out[pk] = view(e)
			refresh = append(refresh, pk)
			t.lookup("durable")
		default:
			expired[pk] = e
		}
	}
	for _, pk := range load {
		if _, ok := out[pk]; !ok {
			fetch = append(fetch, pk)
		}
	}
	t.refresh(refresh)
	if len(fetch) == 0 {
		return
	}
	got := t.resolve(c, fetch)
	for _, pk := range fetch {
		if e := got[pk]; e != nil {
			out[pk] = view(e)
			t.lookup("network")
		} else if e = expired[pk]; e != nil {
			out[pk] = view(e)
			t.lookup("expired")
		} else {
			t.lookup("miss")
		}
	}
	return
}

// Prefetch warms the cache for pubkeys without waiting.
func (t *Cache) Prefetch(pubkeys []string) {
	if len(pubkeys) == 0 {
		return
	}
	pks := append([]string(nil), pubkeys...)
	t.background(func() { t.GetMany(t.c, pks) })
}

// Invalidate drops the entry of pubkey from both layers.
func (t *Cache) Invalidate(c context.T, pubkey string) {
	pubkey = NormalizeKey(pubkey)
	t.mx.Lock()
	defer t.mx.Unlock()
	t.mem.Remove(pubkey)
	if t.store != nil {
		if err := t.store.Delete(c, pubkey); err != nil &&
			!errors.Is(err, kvstore.ErrNotFound) {
			log.W.F("deleting cached relay list of %s: %v", pubkey, err)
		}
	}
}

// InvalidateIfNewer drops the entry of pubkey when an advertisement created
// at createdAt supersedes it, and reports whether it did.
func (t *Cache) InvalidateIfNewer(c context.T, pubkey string,
	createdAt nostr.Timestamp) bool {

	pubkey = NormalizeKey(pubkey)
	cur, ok := t.mem.Peek(pubkey)
	if !ok {
		cur = t.loadDurable(c, []string{pubkey})[pubkey]
	}
	if cur == nil || createdAt <= cur.EventCreatedAt {
		return false
	}
	t.Invalidate(c, pubkey)
	return true
}

// Observe stores an advertisement received outside of a lookup, such as
// from a live subscription. It reports whether the entry changed, which
// only happens when ev is newer than what is cached.
func (t *Cache) Observe(c context.T, ev *nostr.Event) (changed bool) {
	if ev == nil || ev.Kind != KindRelayList {
		return
	}
	pk := NormalizeKey(ev.PubKey)
	if pk == "" {
		return
	}
	_, changed = t.put(fromEvent(pk, ev, t.clock.Now()), true)
	return
}

// Clear empties both layers.
func (t *Cache) Clear(c context.T) (err error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.mem.Purge()
	t.full = false
	if t.store != nil {
		err = t.store.Clear(c)
	}
	return
}

// Len is the number of entries held in memory.
func (t *Cache) Len() int { return t.mem.Len() }

type freshness int

const (
	missing freshness = iota
	expired
	stale
	fresh
)

func (t *Cache) freshness(e *Cached, now time.Time) freshness {
	if e == nil {
		return missing
	}
	switch age := now.Sub(e.FetchedAt); {
	case age < t.cfg.SoftTTL:
		return fresh
	case age < t.cfg.HardTTL:
		return stale
	default:
		return expired
	}
}

func (t *Cache) lookup(result string) {
	t.metrics.CacheLookups.With("result", result).Add(1)
}

// view returns a copy of the list held by e. The slices are shared and
// treated as immutable.
func view(e *Cached) *RelayList {
	rl := e.RelayList
	return &rl
}
