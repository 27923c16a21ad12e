// Package relaylist resolves which relays an identity reads from and writes
// to, caching the answer in memory and in a durable table.
package relaylist

import (
	"errors"
	"strings"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/nbd-wtf/go-nostr"
)

// KindRelayList is the replaceable event kind identities use to advertise
// their relays.
const KindRelayList = 10002

// ErrDecode marks a cached row that could not be decoded.
var ErrDecode = errors.New("relaylist: undecodable cache entry")

// RelayList is the set of relays an identity advertises. Read and Write hold
// normalized, unique URLs in advertisement order and must not be modified.
type RelayList struct {
	Read      []string  `json:"read"`
	Write     []string  `json:"write"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Empty reports whether no relays are advertised.
func (r *RelayList) Empty() bool {
	return r == nil || len(r.Read) == 0 && len(r.Write) == 0
}

// Outbox returns the relays to fetch the identity's own events from: the
// write relays, or the read relays when none are marked for writing.
func (r *RelayList) Outbox() []string {
	if r == nil {
		return nil
	}
	if len(r.Write) > 0 {
		return r.Write
	}
	return r.Read
}

// Cached is a RelayList as held by the cache.
type Cached struct {
	RelayList
	PubKey string `json:"pubkey"`
	// FetchedAt is the local time the entry was last confirmed.
	FetchedAt time.Time `json:"fetched_at"`
	// EventCreatedAt is the timestamp of the advertisement the entry was
	// built from, zero for a negative entry.
	EventCreatedAt nostr.Timestamp `json:"event_created_at"`
}

// Parse extracts the relay list from an advertisement. An "r" tag without a
// marker puts the relay in both sets; a "read" or "write" marker limits it
// to one.
func Parse(ev *nostr.Event) (rl *RelayList) {
	rl = &RelayList{UpdatedAt: ev.CreatedAt.Time()}
	seenRead := make(map[string]struct{})
	seenWrite := make(map[string]struct{})
	add := func(set []string, seen map[string]struct{}, u string) []string {
		if _, ok := seen[u]; ok {
			return set
		}
		seen[u] = struct{}{}
		return append(set, u)
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" || !normalize.Valid(tag[1]) {
			continue
		}
		u := normalize.URL(tag[1])
		marker := ""
		if len(tag) > 2 {
			marker = strings.ToLower(strings.TrimSpace(tag[2]))
		}
		switch marker {
		case "read":
			rl.Read = add(rl.Read, seenRead, u)
		case "write":
			rl.Write = add(rl.Write, seenWrite, u)
		case "":
			rl.Read = add(rl.Read, seenRead, u)
			rl.Write = add(rl.Write, seenWrite, u)
		}
	}
	return
}

func fromEvent(pubkey string, ev *nostr.Event, now time.Time) *Cached {
	return &Cached{
		RelayList:      *Parse(ev),
		PubKey:         pubkey,
		FetchedAt:      now,
		EventCreatedAt: ev.CreatedAt,
	}
}

// negative records that no advertisement could be found for pubkey.
func negative(pubkey string, now time.Time) *Cached {
	return &Cached{
		RelayList: RelayList{UpdatedAt: now},
		PubKey:    pubkey,
		FetchedAt: now,
	}
}

// NormalizeKey is the form pubkeys are cached under.
func NormalizeKey(pk string) string { return strings.ToLower(strings.TrimSpace(pk)) }
