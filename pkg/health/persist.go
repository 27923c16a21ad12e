package health

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore"
	"golang.org/x/exp/slices"
)

// Load reads persisted records into the table. Records already in memory
// win; undecodable rows are deleted.
func (t *Tracker) Load(c context.T) (err error) {
	if t.store == nil {
		return
	}
	var bad []string
	var loaded int
	if err = t.store.Range(c, func(key string, val []byte) bool {
		var st Stats
		if err := json.Unmarshal(val, &st); err != nil || st.URL == "" {
			log.W.F("dropping undecodable health record %q: %v", key, err)
			bad = append(bad, key)
			return true
		}
		// the derived fields are recomputed rather than trusted.
		st.SuccessRate = 0
		if a := st.Attempts(); a > 0 {
			st.SuccessRate = float64(st.SuccessCount) / float64(a)
		}
		st.Status = classify(&st, t.cfg)
		if _, exists := t.stats.LoadOrStore(st.URL, st); !exists {
			loaded++
		}
		return true
	}); chk.E(err) {
		return
	}
	for _, key := range bad {
		chk.D(t.store.Delete(c, key))
	}
	log.D.F("loaded %d relay health records", loaded)
	t.metrics.TrackedRelays.Set(float64(t.stats.Size()))
	return
}

// Persist writes the MaxPersisted most recently attempted records and drops
// the rest from the store. Concurrent calls share one write.
func (t *Tracker) Persist(c context.T) (err error) {
	if t.store == nil {
		return
	}
	_, err, _ = t.persist.Do("persist", func() (any, error) {
		return nil, t.persistOnce(c)
	})
	return
}

func (t *Tracker) persistOnce(c context.T) (err error) {
	all := t.Snapshot()
	slices.SortStableFunc(all, func(a, b Stats) int {
		return b.LastAttempt.Compare(a.LastAttempt)
	})
	limit := t.cfg.MaxPersisted
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	for attempt := 0; ; attempt++ {
		if err = t.write(c, all); !errors.Is(err, kvstore.ErrQuotaExceeded) ||
			attempt > 0 {
			break
		}
		// make room by keeping only the most recent half.
		all = all[:len(all)/2]
		log.W.F("health store over quota, persisting %d records", len(all))
	}
	if errors.Is(err, kvstore.ErrQuotaExceeded) {
		log.W.Ln("health store still over quota, skipping persistence")
		return nil
	}
	return
}

func (t *Tracker) write(c context.T, all []Stats) (err error) {
	keep := make(map[string]struct{}, len(all))
	var stale []string
	if err = t.store.Range(c, func(key string, _ []byte) bool {
		stale = append(stale, key)
		return true
	}); chk.E(err) {
		return
	}
	kv := make(map[string][]byte, len(all))
	for _, st := range all {
		var b []byte
		if b, err = json.Marshal(st); chk.E(err) {
			return
		}
		kv[st.URL] = b
		keep[st.URL] = struct{}{}
	}
	for _, key := range stale {
		if _, ok := keep[key]; !ok {
			if err = t.store.Delete(c, key); chk.E(err) {
				return
			}
		}
	}
	if len(kv) == 0 {
		return
	}
	return t.store.PutMany(c, kv)
}

// Start loads persisted records and runs the decay and persistence loops
// until Close.
func (t *Tracker) Start(c context.T) (err error) {
	if err = t.Load(c); chk.E(err) {
		log.W.Ln("continuing with an empty health table")
	}
	c, t.cancel = context.Cancel(c)
	t.wg.Add(1)
	go t.run(c)
	return nil
}

func (t *Tracker) run(c context.T) {
	defer t.wg.Done()
	decay := t.clock.Ticker(t.cfg.DecayInterval)
	defer decay.Stop()
	persist := t.clock.Ticker(t.cfg.PersistInterval)
	defer persist.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-decay.C:
			t.Decay()
		case <-persist.C:
			chk.E(t.Persist(c))
		}
	}
}

// Close stops the background loops and persists the table one last time.
func (t *Tracker) Close() (err error) {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	c, cancel := context.Timeout(context.Bg(), 10*time.Second)
	defer cancel()
	return t.Persist(c)
}
