// Package kvstore defines the durable key-value tables the caches persist
// into. A table is a dumb key-value layer; TTL and eviction policy belong to
// the component that owns the table.
package kvstore

import (
	"errors"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
)

var (
	// ErrNotFound is returned by Get when the key has no value.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrQuotaExceeded is returned by writes when the table is over capacity.
	// Owners are expected to evict and retry.
	ErrQuotaExceeded = errors.New("kvstore: quota exceeded")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kvstore: closed")
)

// I is a single keyed table.
type I interface {
	// Get returns the value stored at key or ErrNotFound.
	Get(c context.T, key string) (val []byte, err error)
	// GetMany returns the values of the keys that are present. Missing keys
	// are absent from the result.
	GetMany(c context.T, keys []string) (vals map[string][]byte, err error)
	Put(c context.T, key string, val []byte) (err error)
	PutMany(c context.T, kv map[string][]byte) (err error)
	Delete(c context.T, key string) (err error)
	// Clear removes every key of the table.
	Clear(c context.T) (err error)
	// Range calls fn for every key and value in key order until fn returns
	// false.
	Range(c context.T, fn func(key string, val []byte) bool) (err error)
}
