package batcher

import (
	"math"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/selector"
	"github.com/Hubmakerlabs/outboxr/pkg/transport"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

// Entry is one relay query of a plan.
type Entry struct {
	Relay   string
	Authors []string
	// Filter is the base filter restricted to Authors.
	Filter   nostr.Filter
	Score    float64
	Coverage int
}

// priority orders entries: quality first, with diminishing returns on the
// number of authors.
func (e *Entry) priority() float64 { return e.Score * math.Sqrt(float64(e.Coverage)) }

// Plan is the list of relay queries covering a batch of authors.
type Plan struct {
	Entries []Entry
	// SkippedAuthors could not be assigned any relay.
	SkippedAuthors []string
	// AuthorsRequested counts the distinct authors asked for.
	AuthorsRequested int
	// MaxRelaysPerAuthor is what querying without batching would cost per
	// author.
	MaxRelaysPerAuthor int
	Duration           time.Duration
}

// CreateQueryPlan assigns pubkeys to relays with the selector's set cover and
// splits each relay's authors into entries of at most MaxAuthorsPerRelay.
func (t *T) CreateQueryPlan(c context.T, pubkeys []string, f nostr.Filter,
	opts *PlanOptions) (p *Plan) {

	start := time.Now()
	if opts == nil {
		opts = DefaultPlanOptions()
	}
	sopts := opts.Selector
	if sopts == nil {
		sopts = selector.DefaultOptions()
	}
	qp := t.planner.BuildQueryPlan(c, pubkeys, sopts)
	p = &Plan{
		SkippedAuthors:     qp.SkippedAuthors,
		MaxRelaysPerAuthor: max(sopts.MaxRelaysPerAuthor, 1),
	}
	covered := make(map[string]struct{})
	for _, q := range qp.Queries {
		size := opts.MaxAuthorsPerRelay
		if size <= 0 {
			size = len(q.Authors)
		}
		for _, a := range q.Authors {
			covered[a] = struct{}{}
		}
		for i := 0; i < len(q.Authors); i += size {
			authors := q.Authors[i:min(i+size, len(q.Authors))]
			flt := transport.CloneFilter(f)
			flt.Authors = append([]string(nil), authors...)
			p.Entries = append(p.Entries, Entry{
				Relay:    q.Relay,
				Authors:  flt.Authors,
				Filter:   flt,
				Score:    q.Score,
				Coverage: len(authors),
			})
		}
	}
	p.AuthorsRequested = len(covered) + len(p.SkippedAuthors)
	slices.SortStableFunc(p.Entries, func(a, b Entry) int {
		pa, pb := a.priority(), b.priority()
		switch {
		case pa > pb:
			return -1
		case pa < pb:
			return 1
		case a.Relay < b.Relay:
			return -1
		case a.Relay > b.Relay:
			return 1
		}
		return 0
	})
	p.Duration = time.Since(start)
	t.metrics.PlanEntries.Observe(float64(len(p.Entries)))
	log.D.F("planned %d queries for %d authors, %d skipped", len(p.Entries),
		p.AuthorsRequested, len(p.SkippedAuthors))
	return
}
