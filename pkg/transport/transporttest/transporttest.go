// Package transporttest provides a scripted in-memory transport and helpers
// to build events for tests of the relay selection and batching layers.
package transporttest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/transport"
	"github.com/minio/sha256-simd"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
	"lukechampine.com/frand"
)

// ErrRelayDown is what scripted failing relays return.
var ErrRelayDown = errors.New("scripted relay failure")

// Relay scripts the behaviour of one relay.
type Relay struct {
	// Events is the relay's store. Queries return the events matching the
	// filter's kinds and authors, newest first, truncated to the limit.
	Events []*nostr.Event
	// Delay is how long the relay takes to answer.
	Delay time.Duration
	// Fail makes every query return ErrRelayDown after Delay.
	Fail bool
	// Hang makes the relay never answer; queries end when the caller's
	// context does.
	Hang bool
}

// Fake is a transport.I whose relays are scripted. Relays that were never
// scripted fail as if unreachable.
type Fake struct {
	mx        sync.Mutex
	relays    map[string]*Relay
	connected map[string]bool
	queries   []Query
}

// Query records one call to QuerySync.
type Query struct {
	Relay  string
	Filter nostr.Filter
}

var _ transport.I = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		relays:    make(map[string]*Relay),
		connected: make(map[string]bool),
	}
}

// Set scripts relay url.
func (f *Fake) Set(url string, r *Relay) *Fake {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.relays[normalize.URL(url)] = r
	return f
}

// SetConnected marks url as having a live connection.
func (f *Fake) SetConnected(url string, connected bool) *Fake {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.connected[normalize.URL(url)] = connected
	return f
}

func (f *Fake) IsConnected(url string) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.connected[normalize.URL(url)]
}

// Queries returns every query made so far.
func (f *Fake) Queries() []Query {
	f.mx.Lock()
	defer f.mx.Unlock()
	return slices.Clone(f.queries)
}

// QueryCount returns the number of queries sent to url, or to every relay
// when url is empty.
func (f *Fake) QueryCount(url string) (n int) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if url == "" {
		return len(f.queries)
	}
	url = normalize.URL(url)
	for _, q := range f.queries {
		if q.Relay == url {
			n++
		}
	}
	return
}

func (f *Fake) QuerySync(c context.T, url string,
	flt nostr.Filter) (evs []*nostr.Event, err error) {

	url = normalize.URL(url)
	f.mx.Lock()
	f.queries = append(f.queries, Query{Relay: url,
		Filter: transport.CloneFilter(flt)})
	r, ok := f.relays[url]
	f.mx.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrNotConnected, url)
	}
	if r.Hang {
		<-c.Done()
		return nil, transport.ErrTimeout
	}
	if r.Delay > 0 {
		timer := time.NewTimer(r.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.Done():
			return nil, transport.ErrTimeout
		}
	}
	if r.Fail {
		return nil, ErrRelayDown
	}
	for _, ev := range r.Events {
		if flt.Matches(ev) {
			evs = append(evs, ev)
		}
	}
	slices.SortStableFunc(evs, func(a, b *nostr.Event) int {
		return int(b.CreatedAt - a.CreatedAt)
	})
	if flt.Limit > 0 && len(evs) > flt.Limit {
		evs = evs[:flt.Limit]
	}
	return
}

// PubKey returns a random hex public key.
func PubKey() string { return hex.EncodeToString(frand.Bytes(32)) }

// PubKeys returns n random hex public keys.
func PubKeys(n int) (pks []string) {
	pks = make([]string, n)
	for i := range pks {
		pks[i] = PubKey()
	}
	return
}

// Event builds an unsigned event with a content derived ID.
func Event(pubkey string, kind int, createdAt nostr.Timestamp,
	tags nostr.Tags, content string) *nostr.Event {

	ev := &nostr.Event{
		PubKey:    pubkey,
		Kind:      kind,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   content,
	}
	h := sha256.Sum256(ev.Serialize())
	ev.ID = hex.EncodeToString(h[:])
	return ev
}

// RelayList builds a relay list advertisement. Each entry is a relay URL
// optionally followed by a space and "read" or "write".
func RelayList(pubkey string, createdAt nostr.Timestamp,
	entries ...string) *nostr.Event {

	tags := make(nostr.Tags, 0, len(entries))
	for _, e := range entries {
		tags = append(tags, append(nostr.Tag{"r"}, strings.Fields(e)...))
	}
	return Event(pubkey, 10002, createdAt, tags, "")
}
