package health

import (
	"fmt"
	"math"
	"time"
)

// Status is the health classification of a relay.
type Status uint8

const (
	Unknown Status = iota
	Healthy
	Degraded
	Dead
)

var statusNames = [...]string{"unknown", "healthy", "degraded", "dead"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown relay status %q", b)
}

// classify derives the status from the counters, in priority order.
func classify(st *Stats, cfg *Config) Status {
	attempts := st.Attempts()
	switch {
	case st.ConsecutiveFailures >= cfg.DeadConsecutiveFailures:
		return Dead
	case st.SuccessRate == 0 && attempts >= cfg.DeadMinAttempts:
		return Dead
	case attempts < cfg.MinAttempts:
		return Unknown
	case st.SuccessRate < cfg.DegradedSuccessRate:
		return Degraded
	case st.AvgResponseMs > float64(cfg.DegradedResponseTime.Milliseconds()):
		return Degraded
	}
	return Healthy
}

// backoff is the wait before the next recovery probe after the given number
// of failed probes.
func backoff(cfg *Config, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := float64(cfg.RecoveryBase) * math.Pow(2, float64(attempts))
	if d >= float64(cfg.RecoveryMax) {
		return cfg.RecoveryMax
	}
	return time.Duration(d)
}

// recompute refreshes the derived fields and applies the side effects of
// entering and leaving Dead. It is the only writer of Status and
// SuccessRate.
func (st *Stats) recompute(cfg *Config) (from, to Status) {
	from = st.Status
	if attempts := st.Attempts(); attempts > 0 {
		st.SuccessRate = float64(st.SuccessCount) / float64(attempts)
	} else {
		st.SuccessRate = 0
	}
	to = classify(st, cfg)
	switch {
	case to == Dead && from != Dead:
		st.enterDead(cfg)
	case to != Dead && from == Dead:
		st.leaveDead()
	}
	st.Status = to
	return
}

func (st *Stats) enterDead(cfg *Config) {
	base := st.LastFailure
	if base.IsZero() {
		base = st.LastAttempt
	}
	st.NextRecoveryAt = base.Add(backoff(cfg, st.RecoveryAttempts))
}

func (st *Stats) leaveDead() {
	st.RecoveryAttempts = 0
	st.NextRecoveryAt = time.Time{}
	st.probeStarted = time.Time{}
}

// failedProbe pushes the next recovery further out after a probe of a dead
// relay failed.
func (st *Stats) failedProbe(cfg *Config) {
	st.RecoveryAttempts++
	st.NextRecoveryAt = st.LastFailure.Add(backoff(cfg, st.RecoveryAttempts))
	st.probeStarted = time.Time{}
}
