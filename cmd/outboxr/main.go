package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/batcher"
	"github.com/Hubmakerlabs/outboxr/pkg/config"
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/interrupt"
	"github.com/Hubmakerlabs/outboxr/pkg/metrics"
	"github.com/Hubmakerlabs/outboxr/pkg/outbox"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/alexflint/go-arg"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AppName = "outboxr"
	Version = "v0.0.1"
)

var log, chk = slog.New(os.Stderr)

var args config.Config

func main() {
	p := arg.MustParse(&args)
	log.T.S(args)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}
	var err error
	var home string
	if home, err = os.UserHomeDir(); chk.E(err) {
		os.Exit(1)
	}
	dataDir := filepath.Join(home, args.Profile)
	if err = os.MkdirAll(dataDir, 0700); chk.E(err) {
		os.Exit(1)
	}
	log.D.F("%s %s using profile directory: %s", AppName, Version, dataDir)
	configPath := filepath.Join(dataDir, "config.json")
	if args.InitCfgCmd != nil {
		args.FillFrom(config.GetDefaultConfig())
		if err = args.Save(configPath); chk.E(err) {
			log.E.F("failed to write configuration: '%s'", err)
			os.Exit(1)
		}
		log.I.Ln("configuration written to", configPath)
		return
	}
	var conf config.Config
	if err = conf.Load(configPath); err != nil &&
		!errors.Is(err, fs.ErrNotExist) {
		log.E.F("failed to load configuration: '%s'", err)
		os.Exit(1)
	}
	args.FillFrom(&conf)
	args.FillFrom(config.GetDefaultConfig())
	if args.LogLevel != "" && !slog.SetLogLevelString(args.LogLevel) {
		log.W.Ln("unknown log level", args.LogLevel)
	}
	if err = args.Validate(); chk.E(err) {
		os.Exit(1)
	}
	if err = run(dataDir); chk.E(err) {
		os.Exit(1)
	}
}

func outboxConfig(dataDir string) (cfg *outbox.Config) {
	cfg = outbox.DefaultConfig()
	if !args.InMemory {
		cfg.DataDir = filepath.Join(dataDir, "db")
	}
	cfg.SizeLimit = int64(args.DBSizeLimit) << 20
	cfg.DiscoveryRelays = args.DiscoveryRelays
	cfg.FallbackRelays = args.FallbackRelays
	cfg.PubKey = args.PubKey
	cfg.ConnectTimeout = args.ConnectTimeout
	cfg.RelayList.SoftTTL = args.SoftTTL
	cfg.RelayList.HardTTL = args.HardTTL
	cfg.Selector.MaxRelaysPerAuthor = args.MaxRelaysPerAuthor
	cfg.Selector.MaxTotalRelays = args.MaxTotalRelays
	cfg.Plan.MaxAuthorsPerRelay = args.MaxAuthorsPerRelay
	cfg.Plan.Selector = cfg.Selector
	cfg.Exec.MaxConcurrent = args.MaxConcurrent
	cfg.Exec.RelayTimeout = args.RelayTimeout
	cfg.Exec.GlobalTimeout = args.GlobalTimeout
	return
}

func run(dataDir string) (err error) {
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	interrupt.AddHandler(cancel)
	var opts []outbox.Option
	if args.Metrics != "" {
		opts = append(opts,
			outbox.WithMetrics(metrics.PrometheusMetrics(metrics.Namespace)))
		go serveMetrics(args.Metrics)
	}
	var o *outbox.T
	if o, err = outbox.New(outboxConfig(dataDir), opts...); chk.E(err) {
		return
	}
	defer func() { chk.E(o.Close()) }()
	if err = o.Start(c); chk.E(err) {
		return
	}
	switch {
	case args.QueryCmd != nil:
		return query(c, o, args.QueryCmd)
	case args.RelaysCmd != nil:
		return relays(c, o, args.RelaysCmd)
	case args.HealthCmd != nil:
		for _, url := range args.HealthCmd.Reset {
			o.Health.ResetStats(url)
		}
		return printJSON(o.Health.Snapshot())
	case args.WipeCmd != nil:
		if err = o.Wipe(c); chk.E(err) {
			return
		}
		log.I.Ln("caches emptied")
	}
	return
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux,
		ReadHeaderTimeout: 5 * time.Second}
	interrupt.AddHandler(func() { chk.E(srv.Close()) })
	log.I.Ln("serving metrics on", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		chk.E(err)
	}
}

func query(c context.T, o *outbox.T, cmd *config.QueryCmd) (err error) {
	f := nostr.Filter{Kinds: cmd.Kinds, Limit: cmd.Limit}
	if len(f.Kinds) == 0 {
		f.Kinds = []int{nostr.KindTextNote}
	}
	if cmd.Since > 0 {
		since := nostr.Timestamp(time.Now().Add(-cmd.Since).Unix())
		f.Since = &since
	}
	enc := json.NewEncoder(os.Stdout)
	var r *batcher.Result
	if cmd.Stream {
		r = o.Stream(c, cmd.Authors, f,
			func(evs []*nostr.Event, relay string, complete bool) {
				for _, ev := range evs {
					chk.E(enc.Encode(ev))
				}
			})
	} else {
		r = o.Query(c, cmd.Authors, f)
		for _, ev := range r.Events {
			if err = enc.Encode(ev); chk.E(err) {
				return
			}
		}
	}
	m := r.Metrics
	log.I.F("%d events from %d authors via %d relays (%d saved, %.0f%%), "+
		"%d ok %d failed %d timed out, %v",
		m.UniqueEvents, m.AuthorsCovered, len(m.RelaysQueried),
		m.ConnectionsSaved, m.SavingsPercent, m.Succeeded, m.Failed,
		m.TimedOut, m.TotalDuration)
	if m.SkippedAuthors > 0 {
		log.W.Ln("no relay found for", m.SkippedAuthors, "authors")
	}
	return
}

func relays(c context.T, o *outbox.T, cmd *config.RelaysCmd) (err error) {
	if cmd.Publish {
		if args.PubKey == "" {
			return fmt.Errorf("no pubkey configured")
		}
		return printJSON(o.Selector.SelectForPublish(c))
	}
	if len(cmd.Authors) == 0 {
		return fmt.Errorf("no authors given")
	}
	plan := o.Selector.BuildQueryPlan(c, cmd.Authors, outboxConfig("").Selector)
	return printJSON(struct {
		RelayLists any
		Queries    any
		Skipped    []string
	}{
		RelayLists: o.RelayLists.GetMany(c, cmd.Authors),
		Queries:    plan.Queries,
		Skipped:    plan.SkippedAuthors,
	})
}

func printJSON(v any) (err error) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
