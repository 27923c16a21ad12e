// Package memory is an in-process kvstore table, used when no data directory
// is configured and in tests.
package memory

import (
	"sync"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var _ kvstore.I = (*T)(nil)

// T is a map backed table. When MaxEntries is above zero, writes that would
// add keys beyond it fail with kvstore.ErrQuotaExceeded.
type T struct {
	MaxEntries int
	mx         sync.RWMutex
	m          map[string][]byte
}

func New(maxEntries int) *T {
	return &T{MaxEntries: maxEntries, m: make(map[string][]byte)}
}

func (t *T) Get(_ context.T, key string) (val []byte, err error) {
	t.mx.RLock()
	defer t.mx.RUnlock()
	v, ok := t.m[key]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return slices.Clone(v), nil
}

func (t *T) GetMany(_ context.T, keys []string) (vals map[string][]byte,
	err error) {

	t.mx.RLock()
	defer t.mx.RUnlock()
	vals = make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := t.m[k]; ok {
			vals[k] = slices.Clone(v)
		}
	}
	return
}

func (t *T) Put(c context.T, key string, val []byte) (err error) {
	return t.PutMany(c, map[string][]byte{key: val})
}

func (t *T) PutMany(_ context.T, kv map[string][]byte) (err error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.MaxEntries > 0 {
		added := 0
		for k := range kv {
			if _, ok := t.m[k]; !ok {
				added++
			}
		}
		if len(t.m)+added > t.MaxEntries {
			return kvstore.ErrQuotaExceeded
		}
	}
	for k, v := range kv {
		t.m[k] = slices.Clone(v)
	}
	return
}

func (t *T) Delete(_ context.T, key string) (err error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	delete(t.m, key)
	return
}

func (t *T) Clear(context.T) (err error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.m = make(map[string][]byte)
	return
}

func (t *T) Range(_ context.T, fn func(key string, val []byte) bool) (err error) {
	t.mx.RLock()
	keys := maps.Keys(t.m)
	slices.Sort(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = slices.Clone(t.m[k])
	}
	t.mx.RUnlock()
	for i := range keys {
		if !fn(keys[i], vals[i]) {
			return
		}
	}
	return
}

// Len returns the number of stored keys.
func (t *T) Len() int {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return len(t.m)
}
