package selector

import (
	"math"
	"time"

	"github.com/Hubmakerlabs/outboxr/pkg/normalize"
)

const (
	weightSuccess   = 0.30
	weightLatency   = 0.25
	weightFreshness = 0.15
	weightConnected = 0.20
	weightCoverage  = 0.10

	// minQueries is the history below which a relay gets neutral scores.
	minQueries = 3
	neutral    = 0.5
	// neutralConnected is the success score of a relay without history that
	// is connected right now.
	neutralConnected = 0.75

	fastResponse   = 200 * time.Millisecond
	slowResponse   = 5000 * time.Millisecond
	freshnessScale = time.Hour
)

// Score rates url in [0, 1] as a relay serving coverage of the batch's
// authors, where maxCoverage is the most authors any candidate serves.
func (t *T) Score(url string, coverage, maxCoverage int) float64 {
	url = normalize.URL(url)
	connected := t.conn != nil && t.conn.IsConnected(url)
	success, latency, freshness := neutral, neutral, neutral
	if st, ok := t.rep.Get(url); ok && st.QueryCount() >= minQueries {
		success = st.SuccessRate
		latency = 0
		if st.SuccessCount > 0 {
			latency = latencyScore(st.AvgResponseMs)
		}
		freshness = 0
		if !st.LastSuccess.IsZero() {
			age := t.clock.Now().Sub(st.LastSuccess)
			freshness = math.Exp(-float64(max(age, 0)) / float64(freshnessScale))
		}
	} else if connected {
		success = neutralConnected
	}
	var conn, cov float64
	if connected {
		conn = 1
	}
	if maxCoverage > 0 {
		cov = math.Min(float64(coverage)/float64(maxCoverage), 1)
	}
	return weightSuccess*success + weightLatency*latency +
		weightFreshness*freshness + weightConnected*conn + weightCoverage*cov
}

// latencyScore is 1 at or below fastResponse falling linearly to 0 at
// slowResponse.
func latencyScore(ms float64) float64 {
	fast := float64(fastResponse.Milliseconds())
	slow := float64(slowResponse.Milliseconds())
	switch {
	case ms <= fast:
		return 1
	case ms >= slow:
		return 0
	}
	return 1 - (ms-fast)/(slow-fast)
}
