package relaylist

import (
	"time"
)

type Config struct {
	// SoftTTL is the age after which an entry is served stale and refreshed
	// in the background.
	SoftTTL time.Duration
	// HardTTL is the age after which an entry is no longer served without
	// trying the network first.
	HardTTL time.Duration
	// MemorySize bounds the in-memory layer.
	MemorySize int
	// FetchBatchSize is the maximum number of authors per network request.
	FetchBatchSize int
	// FetchTimeout bounds one network fetch.
	FetchTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		SoftTTL:        time.Hour,
		HardTTL:        24 * time.Hour,
		MemorySize:     5000,
		FetchBatchSize: 100,
		FetchTimeout:   5 * time.Second,
	}
}
