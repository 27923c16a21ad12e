// Package transport is the boundary to the event transport library. The
// relay selection and batching layers only ever talk to relays through I.
package transport

import (
	"errors"
	"sync"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrTimeout marks a relay that did not finish answering within the
	// caller's budget.
	ErrTimeout = errors.New("relay query timed out")
	// ErrNotConnected is returned for queries against relays that could not
	// be connected to.
	ErrNotConnected = errors.New("relay not connected")
)

// I issues filtered queries against single relays.
type I interface {
	// QuerySync sends f to relay and collects the stored events it returns
	// up to the end of stored events. When c expires first the events seen
	// so far are returned together with ErrTimeout.
	QuerySync(c context.T, relay string, f nostr.Filter) (evs []*nostr.Event,
		err error)
	// IsConnected reports whether a live connection to relay exists.
	IsConnected(relay string) bool
}

// IsTimeout reports whether err means the relay ran out of time rather than
// failed.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Response is the outcome of one relay query made by QueryEach.
type Response struct {
	Relay  string
	Events []*nostr.Event
	Err    error
}

// QueryEach sends f to every relay in urls concurrently, each bounded by c,
// and calls fn once per relay as responses arrive. Calls to fn are
// serialised. QueryEach returns when every relay has answered or failed.
func QueryEach(c context.T, t I, urls []string, f nostr.Filter,
	fn func(r Response)) {

	var wg sync.WaitGroup
	var mx sync.Mutex
	wg.Add(len(urls))
	for _, u := range urls {
		go func(u string) {
			defer wg.Done()
			evs, err := t.QuerySync(c, u, f)
			mx.Lock()
			defer mx.Unlock()
			fn(Response{Relay: u, Events: evs, Err: err})
		}(u)
	}
	wg.Wait()
}

// CloneFilter deep copies the slices of f so the copy can be edited
// independently.
func CloneFilter(f nostr.Filter) (c nostr.Filter) {
	c = f
	c.IDs = append([]string(nil), f.IDs...)
	c.Kinds = append([]int(nil), f.Kinds...)
	c.Authors = append([]string(nil), f.Authors...)
	if f.Tags != nil {
		c.Tags = make(nostr.TagMap, len(f.Tags))
		for k, v := range f.Tags {
			c.Tags[k] = append([]string(nil), v...)
		}
	}
	if f.Since != nil {
		since := *f.Since
		c.Since = &since
	}
	if f.Until != nil {
		until := *f.Until
		c.Until = &until
	}
	return
}
