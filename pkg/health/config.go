package health

import (
	"time"
)

// Config holds the thresholds of the health classification and the
// schedules of decay, recovery and persistence.
type Config struct {
	// DeadConsecutiveFailures is the failure streak that marks a relay dead.
	DeadConsecutiveFailures int
	// DeadMinAttempts is the number of attempts after which a relay that
	// never succeeded is dead.
	DeadMinAttempts int
	// MinAttempts is the number of attempts below which a relay is unknown.
	MinAttempts          int
	DegradedSuccessRate  float64
	DegradedResponseTime time.Duration
	// RecoveryBase is the first wait before probing a dead relay, doubled
	// for every failed probe up to RecoveryMax.
	RecoveryBase time.Duration
	RecoveryMax  time.Duration
	// ProbeTimeout is how long a recovery probe let through FilterByHealth
	// blocks further probes when its outcome is never recorded.
	ProbeTimeout time.Duration
	// EMAFactor is the weight of the newest sample in the response time
	// average.
	EMAFactor float64
	// DecayAfter is the inactivity after which counters are scaled by
	// DecayFactor.
	DecayAfter      time.Duration
	DecayFactor     float64
	DecayInterval   time.Duration
	PersistInterval time.Duration
	// MaxPersisted caps the persisted records to the most recently attempted
	// relays.
	MaxPersisted int
}

func DefaultConfig() *Config {
	return &Config{
		DeadConsecutiveFailures: 5,
		DeadMinAttempts:         10,
		MinAttempts:             3,
		DegradedSuccessRate:     0.5,
		DegradedResponseTime:    5 * time.Second,
		RecoveryBase:            time.Hour,
		RecoveryMax:             24 * time.Hour,
		ProbeTimeout:            time.Minute,
		EMAFactor:               0.2,
		DecayAfter:              24 * time.Hour,
		DecayFactor:             0.7,
		DecayInterval:           time.Hour,
		PersistInterval:         5 * time.Minute,
		MaxPersisted:            500,
	}
}

// FilterOptions tune FilterByHealth.
type FilterOptions struct {
	MinSuccessRate         float64
	MaxConsecutiveFailures int
	MaxAvgResponseTime     time.Duration
	ExcludeDead            bool
	ExcludeDegraded        bool
	// AllowRecoveryAttempts lets one probe through for a dead relay whose
	// recovery time has come.
	AllowRecoveryAttempts bool
}

func DefaultFilterOptions() *FilterOptions {
	return &FilterOptions{
		MinSuccessRate:         0.3,
		MaxConsecutiveFailures: 5,
		MaxAvgResponseTime:     8 * time.Second,
		ExcludeDead:            true,
		ExcludeDegraded:        false,
		AllowRecoveryAttempts:  true,
	}
}
