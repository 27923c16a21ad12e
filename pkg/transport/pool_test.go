package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

// newRelayServer starts a websocket server that answers every REQ with evs
// and, unless eose is false, an EOSE.
func newRelayServer(t *testing.T, evs []*nostr.Event, eose bool) string {
	srv := httptest.NewServer(&websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			for {
				var raw []json.RawMessage
				if err := websocket.JSON.Receive(conn, &raw); err != nil {
					return
				}
				var typ, subID string
				if len(raw) < 2 || json.Unmarshal(raw[0], &typ) != nil ||
					typ != "REQ" || json.Unmarshal(raw[1], &subID) != nil {
					continue
				}
				for _, ev := range evs {
					if err := websocket.JSON.Send(conn,
						[]any{"EVENT", subID, ev}); err != nil {
						return
					}
				}
				if eose {
					_ = websocket.JSON.Send(conn, []any{"EOSE", subID})
				}
			}
		},
	})
	t.Cleanup(srv.Close)
	return strings.Replace(srv.URL, "http://", "ws://", 1)
}

func signedNote(t *testing.T, content string) (*nostr.Event, string) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	ev := &nostr.Event{PubKey: pk, Kind: 1, CreatedAt: nostr.Now(),
		Content: content, Tags: nostr.Tags{}}
	require.NoError(t, ev.Sign(sk))
	return ev, pk
}

func TestPoolQuerySync(t *testing.T) {
	ev, pk := signedNote(t, "hello")
	url := newRelayServer(t, []*nostr.Event{ev}, true)
	p := NewPool(context.Bg(), time.Second)
	defer p.Close()

	c, cancel := context.Timeout(context.Bg(), 3*time.Second)
	defer cancel()
	evs, err := p.QuerySync(c, url,
		nostr.Filter{Kinds: []int{1}, Authors: []string{pk}})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, ev.ID, evs[0].ID)
	assert.True(t, p.IsConnected(url))
	assert.False(t, p.IsConnected("wss://never.example"))
}

func TestPoolQueryTimeout(t *testing.T) {
	ev, pk := signedNote(t, "slow")
	url := newRelayServer(t, []*nostr.Event{ev}, false)
	p := NewPool(context.Bg(), time.Second)
	defer p.Close()

	c, cancel := context.Timeout(context.Bg(), 300*time.Millisecond)
	defer cancel()
	evs, err := p.QuerySync(c, url,
		nostr.Filter{Kinds: []int{1}, Authors: []string{pk}})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, evs, 1, "events seen before the deadline are kept")
}

func TestPoolUnreachable(t *testing.T) {
	p := NewPool(context.Bg(), 200*time.Millisecond)
	defer p.Close()
	_, err := p.QuerySync(context.Bg(), "ws://127.0.0.1:1", nostr.Filter{})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = p.EnsureRelay("::not a url")
	assert.Error(t, err)
}
