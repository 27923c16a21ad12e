package relaylist

import (
	"errors"
	"sync"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/alitto/pond/v2"
)

// claim registers a pending call for each key not already being fetched.
// It returns the calls for every key and the keys the caller now owns.
func (t *Cache) claim(keys []string) (calls map[string]*call, owned []string) {
	calls = make(map[string]*call, len(keys))
	for _, pk := range keys {
		cl := &call{done: make(chan struct{})}
		cur, loaded := t.inflight.LoadOrStore(pk, cl)
		calls[pk] = cur
		if !loaded {
			owned = append(owned, pk)
		}
	}
	return
}

func (t *Cache) settle(pk string, cl *call, val *Cached) {
	cl.val = val
	t.inflight.Compute(pk, func(cur *call, loaded bool) (*call, bool) {
		return cur, !loaded || cur == cl
	})
	close(cl.done)
}

// start fetches the owned keys in the background and settles their calls.
func (t *Cache) start(owned []string, calls map[string]*call) {
	if len(owned) == 0 {
		return
	}
	if !t.background(func() {
		got := t.fetch(owned)
		for _, pk := range owned {
			t.settle(pk, calls[pk], got[pk])
		}
	}) {
		for _, pk := range owned {
			t.settle(pk, calls[pk], nil)
		}
	}
}

// resolve waits for the network result of every key, joining fetches that
// are already running. Keys whose fetch failed, or that are still pending
// when c ends, are absent from the result.
func (t *Cache) resolve(c context.T, keys []string) (out map[string]*Cached) {
	calls, owned := t.claim(keys)
	t.start(owned, calls)
	out = make(map[string]*Cached, len(keys))
	for pk, cl := range calls {
		select {
		case <-cl.done:
			if cl.val != nil {
				out[pk] = cl.val
			}
		case <-c.Done():
			log.D.F("gave up waiting for %d relay lists: %v",
				len(keys)-len(out), context.Cause(c))
			return
		}
	}
	return
}

// refresh starts background fetches for the keys not already in flight.
func (t *Cache) refresh(keys []string) {
	if len(keys) == 0 {
		return
	}
	calls, owned := t.claim(keys)
	if len(owned) == 0 {
		return
	}
	t.metrics.BackgroundRefreshes.Add(float64(len(owned)))
	log.T.F("refreshing %d stale relay lists", len(owned))
	t.start(owned, calls)
}

// fetch asks the network for keys in batches and stores what comes back.
// Identities the network answered for without an advertisement are stored
// as negative entries. Batches that failed are absent from the result.
func (t *Cache) fetch(keys []string) (out map[string]*Cached) {
	c, cancel := context.Timeout(t.c, t.cfg.FetchTimeout)
	defer cancel()
	out = make(map[string]*Cached, len(keys))
	var mx sync.Mutex
	group := t.pool.NewGroup()
	size := t.cfg.FetchBatchSize
	if size <= 0 {
		size = len(keys)
	}
	for start := 0; start < len(keys); start += size {
		chunk := keys[start:min(start+size, len(keys))]
		group.Submit(func() {
			t.metrics.NetworkFetches.Add(1)
			found, err := t.fetcher.Fetch(c, chunk)
			if err != nil {
				log.W.F("fetching relay lists of %d authors: %v",
					len(chunk), err)
				return
			}
			now := t.clock.Now()
			for _, pk := range chunk {
				e := negative(pk, now)
				if ev, ok := found[pk]; ok {
					e = fromEvent(pk, ev, now)
				}
				e, _ = t.put(e, true)
				mx.Lock()
				out[pk] = e
				mx.Unlock()
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		log.W.F("relay list fetch: %v", err)
	}
	return
}
