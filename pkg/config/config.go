// Package config is the outboxr command line and profile configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// DefaultDiscoveryRelays index relay list advertisements for many authors.
var DefaultDiscoveryRelays = []string{
	"wss://purplepag.es",
	"wss://relay.nostr.band",
	"wss://relay.damus.io",
	"wss://nos.lol",
}

// DefaultFallbackRelays serve authors that advertise no relays.
var DefaultFallbackRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.primal.net",
	"wss://relay.nostr.band",
}

type QueryCmd struct {
	Authors []string      `arg:"positional,required" help:"hex public keys of the authors to fetch events of"`
	Kinds   []int         `arg:"-k,--kind,separate" help:"event kind to fetch, repeat for several (default 1)"`
	Limit   int           `arg:"--limit" default:"50" help:"maximum events per relay query"`
	Since   time.Duration `arg:"--since" help:"only fetch events newer than this, e.g. 24h"`
	Stream  bool          `arg:"--stream" help:"print events as relays deliver them"`
}

type RelaysCmd struct {
	Authors []string `arg:"positional" help:"hex public keys to show the relay plan for"`
	Publish bool     `arg:"--publish" help:"show the relays the configured pubkey publishes to"`
}

type HealthCmd struct {
	Reset []string `arg:"--reset,separate" help:"forget the recorded health of a relay, repeat for several"`
}

type InitCfg struct{}
type Wipe struct{}

type Config struct {
	QueryCmd   *QueryCmd  `arg:"subcommand:query" json:"-" help:"fetch events of authors through the fewest relays"`
	RelaysCmd  *RelaysCmd `arg:"subcommand:relays" json:"-" help:"show cached relay lists and the query plan for authors"`
	HealthCmd  *HealthCmd `arg:"subcommand:health" json:"-" help:"show the recorded relay health table"`
	InitCfgCmd *InitCfg   `arg:"subcommand:initcfg" json:"-" help:"write the configuration file of the profile"`
	WipeCmd    *Wipe      `arg:"subcommand:wipe" json:"-" help:"empty the relay list cache and health table"`

	Profile  string `arg:"-p,--profile" default:"outboxr" json:"-" help:"profile name to use for storage"`
	InMemory bool   `arg:"--inmemory" json:"in_memory" help:"keep caches in memory only"`
	// DBSizeLimit caps the cache database in megabytes, zero for no cap.
	DBSizeLimit int `arg:"-S,--sizelimit" json:"db_size_limit" help:"maximum size of the cache database in megabytes"`

	DiscoveryRelays []string `arg:"-D,--discovery,separate" json:"discovery_relays" help:"relays to look up relay lists on"`
	FallbackRelays  []string `arg:"-F,--fallback,separate" json:"fallback_relays" help:"relays for authors that advertise none"`
	PubKey          string   `arg:"--pubkey" json:"pubkey" help:"hex public key of the local identity"`

	SoftTTL            time.Duration `arg:"--softttl" json:"soft_ttl" help:"age after which relay lists are refreshed in the background"`
	HardTTL            time.Duration `arg:"--hardttl" json:"hard_ttl" help:"age after which relay lists are refetched before use"`
	MaxRelaysPerAuthor int           `arg:"--perauthor" json:"max_relays_per_author" help:"relays to ask for each author"`
	MaxTotalRelays     int           `arg:"--maxrelays" json:"max_total_relays" help:"maximum relays per query plan"`
	MaxAuthorsPerRelay int           `arg:"--authorsperquery" json:"max_authors_per_relay" help:"maximum authors in one relay filter"`
	MaxConcurrent      int           `arg:"--concurrent" json:"max_concurrent" help:"relay queries in flight at once"`
	ConnectTimeout     time.Duration `arg:"--connecttimeout" json:"connect_timeout" help:"relay connection timeout"`
	RelayTimeout       time.Duration `arg:"--relaytimeout" json:"relay_timeout" help:"timeout of a single relay query"`
	GlobalTimeout      time.Duration `arg:"--timeout" json:"global_timeout" help:"timeout of a whole batch of queries"`

	Metrics  string `arg:"--metrics" json:"metrics" help:"address to serve prometheus metrics on, empty disables"`
	LogLevel string `arg:"--loglevel" json:"log_level" help:"set log level [off,fatal,error,warn,info,debug,trace] (can also use GODEBUG environment variable)"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Profile:            "outboxr",
		DiscoveryRelays:    DefaultDiscoveryRelays,
		FallbackRelays:     DefaultFallbackRelays,
		SoftTTL:            time.Hour,
		HardTTL:            24 * time.Hour,
		MaxRelaysPerAuthor: 2,
		MaxTotalRelays:     15,
		MaxAuthorsPerRelay: 50,
		MaxConcurrent:      6,
		ConnectTimeout:     3 * time.Second,
		RelayTimeout:       3 * time.Second,
		GlobalTimeout:      5 * time.Second,
		LogLevel:           "info",
	}
}

// FillFrom copies the settings of o into the fields of c left at their zero
// value. Relay lists given on the command line replace those of o.
func (c *Config) FillFrom(o *Config) {
	str := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	num := func(dst *int, src int) {
		if *dst == 0 {
			*dst = src
		}
	}
	dur := func(dst *time.Duration, src time.Duration) {
		if *dst == 0 {
			*dst = src
		}
	}
	list := func(dst *[]string, src []string) {
		if len(*dst) == 0 {
			*dst = append([]string(nil), src...)
		}
	}
	c.InMemory = c.InMemory || o.InMemory
	num(&c.DBSizeLimit, o.DBSizeLimit)
	list(&c.DiscoveryRelays, o.DiscoveryRelays)
	list(&c.FallbackRelays, o.FallbackRelays)
	str(&c.PubKey, o.PubKey)
	dur(&c.SoftTTL, o.SoftTTL)
	dur(&c.HardTTL, o.HardTTL)
	num(&c.MaxRelaysPerAuthor, o.MaxRelaysPerAuthor)
	num(&c.MaxTotalRelays, o.MaxTotalRelays)
	num(&c.MaxAuthorsPerRelay, o.MaxAuthorsPerRelay)
	num(&c.MaxConcurrent, o.MaxConcurrent)
	dur(&c.ConnectTimeout, o.ConnectTimeout)
	dur(&c.RelayTimeout, o.RelayTimeout)
	dur(&c.GlobalTimeout, o.GlobalTimeout)
	str(&c.Metrics, o.Metrics)
	str(&c.LogLevel, o.LogLevel)
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() (err error) {
	switch {
	case len(c.DiscoveryRelays) == 0:
		return errors.New("no discovery relays configured")
	case c.SoftTTL > c.HardTTL:
		return fmt.Errorf("soft TTL %v exceeds hard TTL %v", c.SoftTTL,
			c.HardTTL)
	case c.MaxRelaysPerAuthor < 1:
		return fmt.Errorf("max relays per author must be positive, got %d",
			c.MaxRelaysPerAuthor)
	case c.DBSizeLimit < 0:
		return fmt.Errorf("negative database size limit %d", c.DBSizeLimit)
	}
	return
}

func (c *Config) Save(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot save nil config")
		log.E.Ln(err)
		return
	}
	var b []byte
	if b, err = json.MarshalIndent(c, "", "    "); chk.E(err) {
		return
	}
	if err = os.WriteFile(filename, b, 0600); chk.E(err) {
		return
	}
	return
}

func (c *Config) Load(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot load into nil config")
		chk.E(err)
		return
	}
	var b []byte
	if b, err = os.ReadFile(filename); err != nil {
		return
	}
	if err = json.Unmarshal(b, c); chk.E(err) {
		return fmt.Errorf("parsing %s: %w", filename, err)
	}
	return
}
