package relaylist

import (
	"testing"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/health"
	"github.com/Hubmakerlabs/outboxr/pkg/transport/transporttest"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkFetcher(t *testing.T) {
	alice, bob, carol := transporttest.PubKey(), transporttest.PubKey(),
		transporttest.PubKey()
	stranger := transporttest.PubKey()
	fake := transporttest.New().
		Set("wss://one.example.com", &transporttest.Relay{
			Events: []*nostr.Event{
				transporttest.RelayList(alice, 100, "wss://old.example.com"),
				transporttest.RelayList(bob, 300, "wss://bob.example.com"),
				transporttest.RelayList(stranger, 300, "wss://x.example.com"),
			},
		}).
		Set("wss://two.example.com", &transporttest.Relay{
			Events: []*nostr.Event{
				transporttest.RelayList(alice, 200, "wss://new.example.com"),
			},
		}).
		Set("wss://down.example.com", &transporttest.Relay{Fail: true}).
		Set("wss://slow.example.com", &transporttest.Relay{Hang: true})
	tracker := health.New(nil)
	f := &NetworkFetcher{
		Transport: fake,
		Relays: []string{"wss://one.example.com", "two.example.com/",
			"wss://down.example.com", "wss://slow.example.com"},
		Recorder: tracker,
	}
	c, cancel := context.Timeout(context.Bg(), 200*time.Millisecond)
	defer cancel()
	found, err := f.Fetch(c, []string{alice, bob, carol})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, nostr.Timestamp(200), found[alice].CreatedAt, "latest timestamp wins")
	assert.Equal(t, nostr.Timestamp(300), found[bob].CreatedAt)

	one, ok := tracker.Get("wss://one.example.com")
	require.True(t, ok)
	assert.Equal(t, 1, one.SuccessCount)
	down, _ := tracker.Get("wss://down.example.com")
	assert.Equal(t, 1, down.FailureCount)
	slow, _ := tracker.Get("wss://slow.example.com")
	assert.Equal(t, 1, slow.TimeoutCount)
}

func TestNetworkFetcherNoAnswers(t *testing.T) {
	fake := transporttest.New().Set(discovery, &transporttest.Relay{Fail: true})
	f := &NetworkFetcher{Transport: fake, Relays: []string{discovery}}
	_, err := f.Fetch(context.Bg(), []string{transporttest.PubKey()})
	assert.ErrorIs(t, err, ErrNoRelayAnswered)

	_, err = (&NetworkFetcher{Transport: fake}).Fetch(context.Bg(),
		[]string{transporttest.PubKey()})
	assert.ErrorIs(t, err, ErrNoRelayAnswered)

	found, err := f.Fetch(context.Bg(), nil)
	assert.NoError(t, err)
	assert.Empty(t, found)
}
