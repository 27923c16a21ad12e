package selector

import (
	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/health"
	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
	"github.com/Hubmakerlabs/outboxr/pkg/relaylist"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Options struct {
	// MaxRelaysPerAuthor caps how many chosen relays each author is
	// assigned to.
	MaxRelaysPerAuthor int
	// MinCoverage is how many relays each author should be assigned to
	// before the search stops. It is capped at MaxRelaysPerAuthor.
	MinCoverage int
	// MaxTotalRelays caps the number of chosen relays, zero means no cap.
	MaxTotalRelays int
	// Health filters candidate relays. Nil uses the default filter.
	Health *health.FilterOptions
}

func DefaultOptions() *Options {
	return &Options{
		MaxRelaysPerAuthor: 2,
		MinCoverage:        1,
		MaxTotalRelays:     15,
	}
}

func (o *Options) normalized() (n Options) {
	if o == nil {
		o = DefaultOptions()
	}
	n = *o
	if n.MaxRelaysPerAuthor <= 0 {
		n.MaxRelaysPerAuthor = 1
	}
	if n.MinCoverage <= 0 {
		n.MinCoverage = 1
	}
	n.MinCoverage = min(n.MinCoverage, n.MaxRelaysPerAuthor)
	return
}

// Coverage is the outcome of a set cover search.
type Coverage struct {
	// Relays are the chosen relays in the order they were picked.
	Relays []string
	// Assignments maps each chosen relay to the authors it should be asked
	// for, sorted.
	Assignments map[string][]string
	// Scores of every candidate relay.
	Scores map[string]float64
	// Candidates maps every candidate relay to all the authors it serves.
	Candidates map[string][]string
	// Fallback lists the authors routed to the fallback relays.
	Fallback []string
	// Uncovered lists the authors no chosen relay was assigned.
	Uncovered []string
}

// AuthorRelays inverts Assignments.
func (cv *Coverage) AuthorRelays() (m map[string][]string) {
	m = make(map[string][]string)
	for _, r := range cv.Relays {
		for _, a := range cv.Assignments[r] {
			m[a] = append(m[a], r)
		}
	}
	return
}

// SelectOptimalCoverage picks relays for pubkeys with a greedy weighted set
// cover. Each round takes the relay with the highest number of authors still
// below MinCoverage, weighted by 0.5+0.5*score, preferring the smaller URL on
// ties. The chosen relay is assigned every author it serves that has fewer
// than MaxRelaysPerAuthor relays.
func (t *T) SelectOptimalCoverage(c context.T, pubkeys []string,
	opts *Options) (cv *Coverage) {

	o := opts.normalized()
	cv = &Coverage{
		Assignments: make(map[string][]string),
		Scores:      make(map[string]float64),
		Candidates:  make(map[string][]string),
	}
	authors := uniqueKeys(pubkeys)
	if len(authors) == 0 {
		return
	}
	lists := t.lists.GetMany(c, authors)

	// filter the union once so a dead relay's recovery attempt is claimed
	// by one author only.
	var union []string
	for _, a := range authors {
		union = append(union, lists[a].Outbox()...)
	}
	union = normalize.URLs(union)
	claimed := make(map[string]bool)
	healthy := make(map[string]struct{})
	for _, u := range t.claims(t.rep.FilterByHealth(union, o.Health),
		o.Health, claimed) {

		healthy[u] = struct{}{}
	}
	var fallback []string
	for _, a := range authors {
		var served bool
		for _, u := range normalize.URLs(lists[a].Outbox()) {
			if _, ok := healthy[u]; ok {
				cv.Candidates[u] = append(cv.Candidates[u], a)
				served = true
			}
		}
		if served {
			continue
		}
		if fallback == nil {
			// relays also in the union keep the verdict they already got.
			var unseen []string
			for _, u := range t.fallback() {
				if _, ok := healthy[u]; ok {
					fallback = append(fallback, u)
				} else if !slices.Contains(union, u) {
					unseen = append(unseen, u)
				}
			}
			fallback = append(fallback, t.claims(t.rep.FilterByHealth(unseen,
				o.Health), o.Health, claimed)...)
			if len(fallback) == 0 {
				fallback = t.fallback()
			}
		}
		cv.Fallback = append(cv.Fallback, a)
		for _, u := range fallback {
			cv.Candidates[u] = append(cv.Candidates[u], a)
		}
	}
	if len(cv.Fallback) > 0 {
		log.D.F("%d of %d authors routed to %d fallback relays",
			len(cv.Fallback), len(authors), len(fallback))
	}

	urls := maps.Keys(cv.Candidates)
	slices.Sort(urls)
	var maxCoverage int
	for _, u := range urls {
		slices.Sort(cv.Candidates[u])
		maxCoverage = max(maxCoverage, len(cv.Candidates[u]))
	}
	for _, u := range urls {
		cv.Scores[u] = t.Score(u, len(cv.Candidates[u]), maxCoverage)
	}

	assigned := make(map[string]int, len(authors))
	chosen := make(map[string]bool)
	for o.MaxTotalRelays <= 0 || len(cv.Relays) < o.MaxTotalRelays {
		var best string
		var bestGain float64
		for _, u := range urls {
			if chosen[u] {
				continue
			}
			var under int
			for _, a := range cv.Candidates[u] {
				if assigned[a] < o.MinCoverage {
					under++
				}
			}
			if under == 0 {
				continue
			}
			if gain := float64(under) * (0.5 + 0.5*cv.Scores[u]); gain > bestGain {
				best, bestGain = u, gain
			}
		}
		if best == "" {
			break
		}
		chosen[best] = true
		cv.Relays = append(cv.Relays, best)
		for _, a := range cv.Candidates[best] {
			if assigned[a] < o.MaxRelaysPerAuthor {
				assigned[a]++
				cv.Assignments[best] = append(cv.Assignments[best], a)
			}
		}
	}
	for u := range claimed {
		if !chosen[u] {
			t.rep.ReleaseRecovery(u)
		}
	}
	for _, a := range authors {
		if assigned[a] == 0 {
			cv.Uncovered = append(cv.Uncovered, a)
		}
	}
	log.T.F("covered %d of %d authors with %d of %d relays",
		len(authors)-len(cv.Uncovered), len(authors), len(cv.Relays), len(urls))
	return
}

// claims adds to claimed the relays of passed, the outcome of a health
// filter with opts, that only passed by claiming a recovery attempt, and
// returns passed.
func (t *T) claims(passed []string, opts *health.FilterOptions,
	claimed map[string]bool) []string {

	if opts == nil {
		opts = health.DefaultFilterOptions()
	}
	if !opts.ExcludeDead || !opts.AllowRecoveryAttempts {
		return passed
	}
	for _, u := range passed {
		if st, ok := t.rep.Get(u); ok && st.Status == health.Dead {
			claimed[u] = true
		}
	}
	return passed
}

// Query is one relay and the authors to ask it for.
type Query struct {
	Relay    string
	Authors  []string
	Score    float64
	Coverage int
}

// QueryPlan is the set of queries covering a batch of authors.
type QueryPlan struct {
	Queries []Query
	// SkippedAuthors could not be assigned to any relay.
	SkippedAuthors []string
	// Coverage is the search the plan was built from.
	Coverage *Coverage
}

// BuildQueryPlan turns the coverage of pubkeys into one query per chosen
// relay.
func (t *T) BuildQueryPlan(c context.T, pubkeys []string,
	opts *Options) (qp *QueryPlan) {

	cv := t.SelectOptimalCoverage(c, pubkeys, opts)
	qp = &QueryPlan{SkippedAuthors: cv.Uncovered, Coverage: cv}
	for _, r := range cv.Relays {
		authors := cv.Assignments[r]
		if len(authors) == 0 {
			continue
		}
		qp.Queries = append(qp.Queries, Query{
			Relay:    r,
			Authors:  authors,
			Score:    cv.Scores[r],
			Coverage: len(authors),
		})
	}
	return
}

func uniqueKeys(pubkeys []string) (out []string) {
	seen := make(map[string]struct{}, len(pubkeys))
	for _, pk := range pubkeys {
		if pk = relaylist.NormalizeKey(pk); pk == "" {
			continue
		}
		if _, ok := seen[pk]; ok {
			continue
		}
		seen[pk] = struct{}{}
		out = append(out, pk)
	}
	return
}
