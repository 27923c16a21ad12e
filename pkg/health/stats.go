package health

import (
	"time"
)

// Stats is the reputation record of one relay. It serves both the health
// filter and the relay selector's scoring. Status and SuccessRate are
// derived and only ever written by recompute.
type Stats struct {
	URL string `json:"url"`

	SuccessCount        int `json:"success_count"`
	FailureCount        int `json:"failure_count"`
	TimeoutCount        int `json:"timeout_count"`
	ConsecutiveFailures int `json:"consecutive_failures"`

	// AvgResponseMs is an exponential moving average of successful response
	// times.
	AvgResponseMs  float64 `json:"avg_response_ms"`
	LastResponseMs float64 `json:"last_response_ms"`

	LastSuccess time.Time `json:"last_success"`
	LastFailure time.Time `json:"last_failure"`
	LastAttempt time.Time `json:"last_attempt"`
	FirstSeen   time.Time `json:"first_seen"`
	LastDecay   time.Time `json:"last_decay"`

	RecoveryAttempts int       `json:"recovery_attempts"`
	NextRecoveryAt   time.Time `json:"next_recovery_at"`

	SuccessRate float64 `json:"success_rate"`
	Status      Status  `json:"status"`

	// probeStarted is set while a recovery probe let through the filter is
	// outstanding.
	probeStarted time.Time
}

// Attempts is the number of recorded outcomes of any kind.
func (st *Stats) Attempts() int {
	return st.SuccessCount + st.FailureCount + st.TimeoutCount
}

// QueryCount is the selector's name for Attempts.
func (st *Stats) QueryCount() int { return st.Attempts() }

func (st *Stats) touch(now time.Time) {
	if st.FirstSeen.IsZero() {
		st.FirstSeen = now
	}
	st.LastAttempt = now
}

func (st *Stats) success(cfg *Config, now time.Time, latency time.Duration) {
	st.touch(now)
	ms := float64(latency) / float64(time.Millisecond)
	if st.SuccessCount == 0 && st.AvgResponseMs == 0 {
		st.AvgResponseMs = ms
	} else {
		st.AvgResponseMs = st.AvgResponseMs*(1-cfg.EMAFactor) + ms*cfg.EMAFactor
	}
	st.LastResponseMs = ms
	st.SuccessCount++
	st.ConsecutiveFailures = 0
	st.LastSuccess = now
	st.probeStarted = time.Time{}
}

// failure records a failure or timeout. A failure of a dead relay whose
// recovery time has come counts as a failed probe.
func (st *Stats) failure(cfg *Config, now time.Time, timeout bool) {
	st.touch(now)
	if timeout {
		st.TimeoutCount++
	} else {
		st.FailureCount++
	}
	st.ConsecutiveFailures++
	st.LastFailure = now
	if st.Status == Dead && !st.NextRecoveryAt.IsZero() &&
		!now.Before(st.NextRecoveryAt) {
		st.failedProbe(cfg)
	}
}

// decay scales the counters down when the relay has not been used for
// cfg.DecayAfter. The consecutive failure streak is left alone so that a
// dead relay still goes through recovery.
func (st *Stats) decay(cfg *Config, now time.Time) bool {
	last := st.LastAttempt
	if st.LastDecay.After(last) {
		last = st.LastDecay
	}
	if now.Sub(last) < cfg.DecayAfter {
		return false
	}
	scale := func(n int) int { return int(float64(n)*cfg.DecayFactor + 1e-9) }
	st.SuccessCount = scale(st.SuccessCount)
	st.FailureCount = scale(st.FailureCount)
	st.TimeoutCount = scale(st.TimeoutCount)
	st.LastDecay = now
	return true
}
