package outbox

import (
	"testing"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/transport/transporttest"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	discovery = "wss://discovery.example.com"
	r1        = "wss://r1.example.com"
	r2        = "wss://r2.example.com"
	fb        = "wss://fallback.example.com"
)

type network struct {
	fake    *transporttest.Fake
	authors []string
	notes   []*nostr.Event
}

// newNetwork has two authors writing to r1, one writing to r2, and one
// without a relay list whose notes only the fallback relay has.
func newNetwork() (n *network) {
	n = &network{fake: transporttest.New(), authors: transporttest.PubKeys(4)}
	a, b, c, d := n.authors[0], n.authors[1], n.authors[2], n.authors[3]
	note := func(pk string, ts nostr.Timestamp) *nostr.Event {
		ev := transporttest.Event(pk, nostr.KindTextNote, ts, nil, "hello")
		n.notes = append(n.notes, ev)
		return ev
	}
	n.fake.
		Set(discovery, &transporttest.Relay{Events: []*nostr.Event{
			transporttest.RelayList(a, 100, r1),
			transporttest.RelayList(b, 100, r1+" write", r2+" read"),
			transporttest.RelayList(c, 100, r2),
		}}).
		Set(r1, &transporttest.Relay{Events: []*nostr.Event{
			note(a, 10), note(b, 11),
		}}).
		Set(r2, &transporttest.Relay{Events: []*nostr.Event{note(c, 12)}}).
		Set(fb, &transporttest.Relay{Events: []*nostr.Event{note(d, 13)}})
	return
}

func testConfig(dir string) (cfg *Config) {
	cfg = DefaultConfig()
	cfg.DataDir = dir
	cfg.DiscoveryRelays = []string{discovery}
	cfg.FallbackRelays = []string{fb}
	return
}

func start(t *testing.T, cfg *Config, n *network) (o *T) {
	var err error
	o, err = New(cfg, WithTransport(n.fake))
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Bg()))
	return
}

func TestQuery(t *testing.T) {
	n := newNetwork()
	o := start(t, testConfig(""), n)
	defer func() { assert.NoError(t, o.Close()) }()

	r := o.Query(context.Bg(), n.authors,
		nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	require.Len(t, r.Events, len(n.notes))
	assert.ElementsMatch(t, []string{r1, r2, fb}, r.Metrics.RelaysQueried)
	assert.Equal(t, 3, r.Metrics.Succeeded)
	for i := 1; i < len(r.Events); i++ {
		assert.GreaterOrEqual(t, r.Events[i-1].CreatedAt, r.Events[i].CreatedAt)
	}
	assert.Equal(t, 1, n.fake.QueryCount(discovery),
		"relay lists of all authors come from one discovery query")

	o.Query(context.Bg(), n.authors,
		nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	assert.Equal(t, 1, n.fake.QueryCount(discovery),
		"fresh relay lists are not fetched again")

	for _, url := range []string{discovery, r1, r2, fb} {
		st, ok := o.Health.Get(url)
		require.True(t, ok, url)
		assert.NotZero(t, st.SuccessCount, url)
	}
}

func TestStream(t *testing.T) {
	n := newNetwork()
	o := start(t, testConfig(""), n)
	defer func() { assert.NoError(t, o.Close()) }()

	var got []*nostr.Event
	var completed int
	r := o.Stream(context.Bg(), n.authors,
		nostr.Filter{Kinds: []int{nostr.KindTextNote}},
		func(evs []*nostr.Event, relay string, complete bool) {
			got = append(got, evs...)
			if complete {
				completed++
			}
		})
	assert.Len(t, got, len(n.notes))
	assert.Len(t, r.Events, len(n.notes))
	assert.Equal(t, 1, completed)
}

func TestObserve(t *testing.T) {
	n := newNetwork()
	o := start(t, testConfig(""), n)
	defer func() { assert.NoError(t, o.Close()) }()

	c := context.Bg()
	a := n.authors[0]
	require.Equal(t, []string{r1}, o.RelayLists.Get(c, a).Write)
	o.Observe(c, transporttest.RelayList(a, 200, r2))
	assert.Equal(t, []string{r2}, o.RelayLists.Get(c, a).Write)
	o.Observe(c, transporttest.Event(a, nostr.KindTextNote, 300, nil, ""))
	assert.Equal(t, []string{r2}, o.RelayLists.Get(c, a).Write)
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	n := newNetwork()
	o := start(t, testConfig(dir), n)
	o.Query(context.Bg(), n.authors,
		nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	require.NoError(t, o.Close())

	o = start(t, testConfig(dir), n)
	defer func() { assert.NoError(t, o.Close()) }()
	assert.Equal(t, len(n.authors), o.RelayLists.Len(),
		"the author without a relay list is cached as well")
	_, ok := o.Health.Get(r1)
	assert.True(t, ok)

	o.Query(context.Bg(), n.authors,
		nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	assert.Equal(t, 1, n.fake.QueryCount(discovery),
		"relay lists were loaded from disk")
}

func TestWipe(t *testing.T) {
	n := newNetwork()
	o := start(t, testConfig(t.TempDir()), n)
	defer func() { assert.NoError(t, o.Close()) }()

	o.Query(context.Bg(), n.authors,
		nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	require.NotZero(t, o.RelayLists.Len())
	require.NotZero(t, o.Health.Len())

	require.NoError(t, o.Wipe(context.Bg()))
	assert.Zero(t, o.RelayLists.Len())
	assert.Zero(t, o.Health.Len())
}
