package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestURL(t *testing.T) {
	for in, want := range map[string]string{
		"":                          "",
		"   ":                       "",
		"wss://x.com/y":             "wss://x.com/y",
		"wss://x.com/y/":            "wss://x.com/y",
		"http://x.com/y":            "ws://x.com/y",
		"https://x.com":             "wss://x.com",
		"wss://x.com":               "wss://x.com",
		"wss://x.com/":              "wss://x.com",
		"x.com":                     "wss://x.com",
		"x.com////":                 "wss://x.com",
		"x.com/?x=23":               "wss://x.com?x=23",
		"WSS://Relay.Example/":      "wss://relay.example",
		"wss://relay.example:443/":  "wss://relay.example",
		"ws://relay.example:80":     "ws://relay.example",
		"ws://relay.example:7447/":  "ws://relay.example:7447",
		"wss://[::1]:443":           "wss://[::1]",
		"wss://r.example/#frag":     "wss://r.example",
		"ftp://x.com":               "",
		"wss://r.example/%41":       "wss://r.example/a",
		"wss://r.example/a%2Fb/":    "wss://r.example/a%2fb",
		"wss://r.example/caf%C3%A9": "wss://r.example/caf%c3%a9",
		"wss://r.example/A%7E":      "wss://r.example/a~",
	} {
		assert.Equal(t, want, URL(in), "input %q", in)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("wss://relay.damus.io"))
	assert.True(t, Valid("nos.lol"))
	assert.True(t, Valid("ws://localhost:7447"))
	assert.True(t, Valid("ws://127.0.0.1:7447"))
	assert.False(t, Valid("wss://localrelay"))
	assert.False(t, Valid("ftp://relay.example"))
	assert.False(t, Valid(""))
}

func TestURLs(t *testing.T) {
	got := URLs([]string{"wss://a.example/", "WSS://A.example", "bogus",
		"b.example", "wss://b.example/"})
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, got)
}

func relayURL() *rapid.Generator {
	return rapid.Custom(func(t *rapid.T) string {
		scheme := rapid.SampledFrom([]string{"", "ws://", "wss://", "http://",
			"https://", "WSS://", "Wss://"}).Draw(t, "scheme").(string)
		labels := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z0-9]{1,8}`), 2,
			4).Draw(t, "labels").([]string)
		port := rapid.SampledFrom([]string{"", ":443", ":80", ":7447"}).
			Draw(t, "port").(string)
		segments := rapid.SliceOfN(
			rapid.StringMatching(`([a-zA-Z0-9_-]|%[0-9A-Fa-f]{2}){1,6}`),
			0, 3).Draw(t, "path").([]string)
		trailing := strings.Repeat("/", rapid.IntRange(0, 3).
			Draw(t, "trailing").(int))
		u := scheme + strings.Join(labels, ".") + port
		if len(segments) > 0 {
			u += "/" + strings.Join(segments, "/")
		}
		return u + trailing
	})
}

func TestURLIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		u := relayURL().Draw(t, "url").(string)
		once := URL(u)
		if once == "" {
			t.Fatalf("valid relay url %q normalized to empty", u)
		}
		if twice := URL(once); twice != once {
			t.Fatalf("not idempotent: %q -> %q -> %q", u, once, twice)
		}
	})
}

func TestURLCaseAndSlashInsensitive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		u := relayURL().Draw(t, "url").(string)
		variant := strings.ToUpper(u) + "/"
		if URL(u) != URL(variant) {
			t.Fatalf("%q and %q normalize differently: %q != %q", u, variant,
				URL(u), URL(variant))
		}
	})
}
