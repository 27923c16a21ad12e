package relaylist

import (
	"errors"
	"fmt"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/transport"
	"github.com/nbd-wtf/go-nostr"
)

// ErrNoRelayAnswered is returned by NetworkFetcher when every discovery relay
// failed, so that absence is not mistaken for a missing advertisement.
var ErrNoRelayAnswered = errors.New("no discovery relay answered")

// Fetcher looks up advertisements on the network.
type Fetcher interface {
	// Fetch returns the newest advertisement of each pubkey that has one.
	Fetch(c context.T, pubkeys []string) (found map[string]*nostr.Event,
		err error)
}

// Recorder receives the outcome of every relay query.
type Recorder interface {
	RecordSuccess(url string, latency time.Duration)
	RecordFailure(url string, err error)
	RecordTimeout(url string)
}

// NetworkFetcher queries a set of discovery relays for advertisements.
type NetworkFetcher struct {
	Transport transport.I
	Relays    []string
	// Recorder, if set, is told how each discovery relay performed.
	Recorder Recorder
}

func (f *NetworkFetcher) Fetch(c context.T,
	pubkeys []string) (found map[string]*nostr.Event, err error) {

	found = make(map[string]*nostr.Event)
	if len(pubkeys) == 0 {
		return
	}
	relays := normalize.URLs(f.Relays)
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: no discovery relays configured",
			ErrNoRelayAnswered)
	}
	wanted := make(map[string]struct{}, len(pubkeys))
	for _, pk := range pubkeys {
		wanted[pk] = struct{}{}
	}
	flt := nostr.Filter{
		Kinds:   []int{KindRelayList},
		Authors: pubkeys,
		Limit:   len(pubkeys),
	}
	start := time.Now()
	var answered int
	transport.QueryEach(c, f.Transport, relays, flt,
		func(r transport.Response) {
			f.record(r, time.Since(start))
			if r.Err != nil {
				return
			}
			answered++
			for _, ev := range r.Events {
				if ev == nil || ev.Kind != KindRelayList {
					continue
				}
				pk := NormalizeKey(ev.PubKey)
				if _, ok := wanted[pk]; !ok {
					continue
				}
				// latest timestamp wins
				if cur, ok := found[pk]; !ok || ev.CreatedAt > cur.CreatedAt {
					found[pk] = ev
				}
			}
		})
	if answered == 0 {
		return nil, fmt.Errorf("%w: tried %d relays", ErrNoRelayAnswered,
			len(relays))
	}
	log.T.F("fetched %d of %d relay lists from %d/%d relays", len(found),
		len(pubkeys), answered, len(relays))
	return
}

func (f *NetworkFetcher) record(r transport.Response, latency time.Duration) {
	if f.Recorder == nil {
		return
	}
	switch {
	case r.Err == nil:
		f.Recorder.RecordSuccess(r.Relay, latency)
	case transport.IsTimeout(r.Err):
		f.Recorder.RecordTimeout(r.Relay)
	case errors.Is(r.Err, context.Canceled):
	default:
		f.Recorder.RecordFailure(r.Relay, r.Err)
	}
}
