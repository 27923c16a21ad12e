package transport

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/fiatjaf/generic-ristretto/z"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

const maxLocks = 50

var _ I = (*Pool)(nil)

// Pool keeps one websocket connection per relay and implements I on top of
// go-nostr relay subscriptions.
type Pool struct {
	Relays         *xsync.MapOf[string, *nostr.Relay]
	ConnectTimeout time.Duration
	locks          [maxLocks]sync.Mutex
	c              context.T
	cancel         context.F
}

// NewPool creates a relay pool whose connections live until c is done or
// Close is called.
func NewPool(c context.T, connectTimeout time.Duration) (p *Pool) {
	c, cancel := context.Cancel(c)
	if connectTimeout <= 0 {
		connectTimeout = 7 * time.Second
	}
	return &Pool{
		Relays:         xsync.NewMapOf[*nostr.Relay](),
		ConnectTimeout: connectTimeout,
		c:              c,
		cancel:         cancel,
	}
}

// namedLock serialises connection attempts per relay URL without holding one
// mutex per relay ever seen.
func (p *Pool) namedLock(name string) (unlock func()) {
	idx := z.MemHashString(name) % maxLocks
	p.locks[idx].Lock()
	return p.locks[idx].Unlock
}

// EnsureRelay returns a connected relay for url, dialing it if needed.
func (p *Pool) EnsureRelay(url string) (rl *nostr.Relay, err error) {
	nm := normalize.URL(url)
	if nm == "" {
		return nil, fmt.Errorf("invalid relay url %q", url)
	}
	defer p.namedLock(nm)()
	var ok bool
	if rl, ok = p.Relays.Load(nm); ok && rl.IsConnected() {
		return
	}
	// the pool context bounds the connection lifetime, not the caller's.
	c, cancel := context.Timeout(p.c, p.ConnectTimeout)
	defer cancel()
	if rl, err = nostr.RelayConnect(c, nm); err != nil {
		p.Relays.Delete(nm)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotConnected, nm, err)
	}
	p.Relays.Store(nm, rl)
	return
}

func (p *Pool) IsConnected(url string) bool {
	rl, ok := p.Relays.Load(normalize.URL(url))
	return ok && rl.IsConnected()
}

func (p *Pool) QuerySync(c context.T, url string,
	f nostr.Filter) (evs []*nostr.Event, err error) {

	var rl *nostr.Relay
	if rl, err = p.EnsureRelay(url); err != nil {
		return
	}
	var sub *nostr.Subscription
	if sub, err = rl.Subscribe(c, nostr.Filters{f}); err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", rl.URL, err)
	}
	defer sub.Unsub()
	if _, ok := c.Deadline(); !ok {
		var cancel context.F
		c, cancel = context.Timeout(c, 7*time.Second)
		defer cancel()
	}
	for {
		select {
		case ev, more := <-sub.Events:
			if !more {
				return
			}
			evs = append(evs, ev)
		case <-sub.EndOfStoredEvents:
			return
		case <-c.Done():
			if context.Cause(c) == context.Canceled {
				return evs, context.Canceled
			}
			return evs, ErrTimeout
		}
	}
}

// Close disconnects every relay in the pool.
func (p *Pool) Close() {
	p.cancel()
	p.Relays.Range(func(url string, rl *nostr.Relay) bool {
		if err := rl.Close(); err != nil {
			log.D.F("closing %s: %v", url, err)
		}
		p.Relays.Delete(url)
		return true
	})
}
