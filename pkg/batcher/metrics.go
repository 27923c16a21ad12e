package batcher

import (
	"time"
)

// Metrics describes how a plan execution went and how much batching saved.
type Metrics struct {
	// NaiveQueryCount is the number of queries needed without batching:
	// every author asked on MaxRelaysPerAuthor relays.
	NaiveQueryCount  int
	ActualQueryCount int
	ConnectionsSaved int
	SavingsPercent   float64

	AuthorsRequested int
	AuthorsCovered   int
	CoveragePercent  float64
	SkippedAuthors   int

	// RelaysQueried lists the relays a query was started on, in order.
	RelaysQueried []string
	// Outcomes of the started plan entries.
	Succeeded int
	Failed    int
	TimedOut  int
	Cancelled int
	// NotStarted counts entries skipped by the deadline or an early stop.
	NotStarted int

	EventsReceived  int
	UniqueEvents    int
	DuplicateEvents int
	// InvalidEvents were dropped for not matching the entry's filter.
	InvalidEvents int

	// RelayLatency is the response time of each relay that answered.
	RelayLatency map[string]time.Duration

	PlanDuration     time.Duration
	ExecDuration     time.Duration
	TotalDuration    time.Duration
	TimeToFirstEvent time.Duration

	EarlyStopped bool
	// HitDeadline is set when the execution was cut off by GlobalTimeout or
	// the caller's context.
	HitDeadline bool
}

// efficiency fills the plan derived figures.
func (m *Metrics) efficiency(p *Plan) {
	m.ActualQueryCount = len(p.Entries)
	m.NaiveQueryCount = p.AuthorsRequested * p.MaxRelaysPerAuthor
	m.ConnectionsSaved = m.NaiveQueryCount - m.ActualQueryCount
	if m.NaiveQueryCount > 0 {
		m.SavingsPercent = float64(m.ConnectionsSaved*100) /
			float64(m.NaiveQueryCount)
	}
	m.AuthorsRequested = p.AuthorsRequested
	m.SkippedAuthors = len(p.SkippedAuthors)
	m.AuthorsCovered = p.AuthorsRequested - m.SkippedAuthors
	if m.AuthorsRequested > 0 {
		m.CoveragePercent = float64(m.AuthorsCovered*100) /
			float64(m.AuthorsRequested)
	}
	m.PlanDuration = p.Duration
}
