package relaylist

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore"
	"golang.org/x/exp/slices"
)

// put stores e unless a strictly newer advertisement is already cached, in
// which case only the confirmation time of the cached entry moves forward.
// It returns the entry now cached and whether its relays changed.
func (t *Cache) put(e *Cached, durable bool) (stored *Cached, changed bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if cur, ok := t.mem.Peek(e.PubKey); ok && e.EventCreatedAt <= cur.EventCreatedAt {
		if !e.FetchedAt.After(cur.FetchedAt) {
			return cur, false
		}
		bumped := *cur
		bumped.FetchedAt = e.FetchedAt
		e = &bumped
	} else {
		changed = true
	}
	t.mem.Add(e.PubKey, e)
	if durable {
		t.persist(e)
	}
	return e, changed
}

// persist writes e to the durable table. When the table is full the oldest
// quarter is evicted and the write retried once. If that does not make room
// the table is left alone and e is kept in memory only.
func (t *Cache) persist(e *Cached) {
	if t.store == nil {
		return
	}
	b, err := json.Marshal(e)
	if chk.E(err) {
		return
	}
	c := context.WithoutCancel(t.c)
	err = t.store.Put(c, e.PubKey, b)
	if errors.Is(err, kvstore.ErrQuotaExceeded) && !t.full &&
		t.evictOldest(c) > 0 {

		err = t.store.Put(c, e.PubKey, b)
		t.full = errors.Is(err, kvstore.ErrQuotaExceeded)
	}
	switch {
	case err == nil:
		t.full = false
	case errors.Is(err, kvstore.ErrQuotaExceeded):
		log.D.F("relay list table full, keeping %s in memory only", e.PubKey)
	default:
		log.W.F("persisting relay list of %s: %v", e.PubKey, err)
	}
}

// evictOldest deletes the quarter of the durable table fetched longest ago
// along with undecodable rows, and returns how many rows it deleted.
func (t *Cache) evictOldest(c context.T) (n int) {
	var all []*Cached
	var bad []string
	if err := t.store.Range(c, func(key string, val []byte) bool {
		e, err := decode(key, val)
		if err != nil {
			bad = append(bad, key)
			return true
		}
		all = append(all, e)
		return true
	}); chk.E(err) {
		return
	}
	sortByFetched(all)
	if len(all) > 0 {
		for _, e := range all[:max(len(all)/4, 1)] {
			bad = append(bad, e.PubKey)
		}
	}
	for _, key := range bad {
		if !chk.D(t.store.Delete(c, key)) {
			n++
		}
	}
	log.I.F("evicted %d relay lists from the durable table", n)
	return
}

// loadDurable reads keys from the durable table. Rows that cannot be
// decoded are deleted; store errors are logged and yield no entries.
func (t *Cache) loadDurable(c context.T, keys []string) (out map[string]*Cached) {
	if t.store == nil || len(keys) == 0 {
		return
	}
	rows, err := t.store.GetMany(c, keys)
	if err != nil {
		log.W.F("reading relay list table: %v", err)
		return
	}
	out = make(map[string]*Cached, len(rows))
	for key, val := range rows {
		e, err := decode(key, val)
		if err != nil {
			log.W.Ln(err)
			chk.D(t.store.Delete(c, key))
			continue
		}
		out[key] = e
	}
	return
}

func decode(key string, val []byte) (e *Cached, err error) {
	e = &Cached{}
	if err = json.Unmarshal(val, e); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrDecode, key, err)
	}
	if e.PubKey != key {
		return nil, fmt.Errorf("%w %q: stored under another key", ErrDecode,
			key)
	}
	return
}

// sortByFetched orders entries oldest first.
func sortByFetched(all []*Cached) {
	slices.SortStableFunc(all, func(a, b *Cached) int {
		return a.FetchedAt.Compare(b.FetchedAt)
	})
}
