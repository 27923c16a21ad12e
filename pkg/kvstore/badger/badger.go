// Package badger provides kvstore tables backed by a single badger database,
// each table living under its own key prefix.
package badger

import (
	"errors"
	"os"
	"sync"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore"
	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

var log, chk = slog.New(os.Stderr)

type Backend struct {
	// Path is the directory holding the database files. Ignored when
	// InMemory is set.
	Path     string
	InMemory bool
	// SizeLimit is the number of key and value bytes the tables may hold
	// together. Writes that would grow past it fail with
	// kvstore.ErrQuotaExceeded. Zero disables the limit.
	SizeLimit      int64
	BlockCacheSize int64
	*badger.DB
	closeOnce sync.Once

	// wmx serializes writes so used stays exact.
	wmx sync.Mutex
	// used is the key and value bytes of live entries. The files on disk
	// only shrink after compaction, so they cannot tell whether a delete
	// made room.
	used int64
}

// Init opens the database.
func (b *Backend) Init() (err error) {
	opts := badger.DefaultOptions(b.Path)
	if b.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
		log.D.Ln("opening in-memory badger cache store")
	} else {
		log.I.Ln("opening badger cache store at", b.Path)
	}
	opts.Compression = options.ZSTD
	opts.CompactL0OnClose = true
	if b.BlockCacheSize > 0 {
		opts.BlockCacheSize = b.BlockCacheSize
	}
	opts.Logger = logger{path: b.Path}
	if b.DB, err = badger.Open(opts); chk.E(err) {
		return
	}
	if b.used, err = b.measure(nil); chk.E(err) {
		chk.E(b.DB.Close())
		return
	}
	return
}

// measure sums the key and value bytes of the entries under prefix.
func (b *Backend) measure(prefix []byte) (n int64, err error) {
	err = b.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n += entrySize(it.Item())
		}
		return nil
	})
	return
}

func entrySize(item *badger.Item) int64 {
	return int64(len(item.Key())) + item.ValueSize()
}

// Used returns the key and value bytes held by all tables.
func (b *Backend) Used() int64 {
	b.wmx.Lock()
	defer b.wmx.Unlock()
	return b.used
}

// Close flushes and closes the database. It is safe to call more than once.
func (b *Backend) Close() (err error) {
	b.closeOnce.Do(func() {
		if b.DB != nil {
			err = b.DB.Close()
		}
	})
	return
}

// Table returns the table stored under name.
func (b *Backend) Table(name string) *Table {
	return &Table{b: b, prefix: []byte(name + "/")}
}

// fits reports whether growing by delta bytes stays within SizeLimit.
// Writes that do not grow the tables always fit.
func (b *Backend) fits(delta int64) bool {
	return b.SizeLimit <= 0 || delta <= 0 || b.used+delta <= b.SizeLimit
}

var _ kvstore.I = (*Table)(nil)

type Table struct {
	b      *Backend
	prefix []byte
}

func (t *Table) key(k string) []byte {
	key := make([]byte, 0, len(t.prefix)+len(k))
	key = append(key, t.prefix...)
	return append(key, k...)
}

func (t *Table) Get(c context.T, key string) (val []byte, err error) {
	if err = c.Err(); err != nil {
		return
	}
	err = t.b.View(func(txn *badger.Txn) (err error) {
		var item *badger.Item
		if item, err = txn.Get(t.key(key)); err != nil {
			return
		}
		val, err = item.ValueCopy(nil)
		return
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		err = kvstore.ErrNotFound
	}
	return
}

func (t *Table) GetMany(c context.T, keys []string) (vals map[string][]byte,
	err error) {

	if err = c.Err(); err != nil {
		return
	}
	vals = make(map[string][]byte, len(keys))
	err = t.b.View(func(txn *badger.Txn) (err error) {
		for _, k := range keys {
			var item *badger.Item
			if item, err = txn.Get(t.key(k)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return
			}
			if vals[k], err = item.ValueCopy(nil); err != nil {
				return
			}
		}
		return nil
	})
	return
}

// sizes returns the stored size of each of keys, zero for absent ones.
func (t *Table) sizes(keys [][]byte) (n []int64, err error) {
	n = make([]int64, len(keys))
	err = t.b.View(func(txn *badger.Txn) error {
		for i, k := range keys {
			item, err := txn.Get(k)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				continue
			case err != nil:
				return err
			}
			n[i] = entrySize(item)
		}
		return nil
	})
	return
}

func (t *Table) Put(c context.T, key string, val []byte) (err error) {
	return t.PutMany(c, map[string][]byte{key: val})
}

func (t *Table) PutMany(c context.T, kv map[string][]byte) (err error) {
	if err = c.Err(); err != nil {
		return
	}
	keys := make([][]byte, 0, len(kv))
	vals := make([][]byte, 0, len(kv))
	for k, v := range kv {
		keys = append(keys, t.key(k))
		vals = append(vals, v)
	}
	t.b.wmx.Lock()
	defer t.b.wmx.Unlock()
	var old []int64
	if old, err = t.sizes(keys); chk.E(err) {
		return
	}
	var delta int64
	for i := range keys {
		delta += int64(len(keys[i])+len(vals[i])) - old[i]
	}
	if !t.b.fits(delta) {
		return kvstore.ErrQuotaExceeded
	}
	// write batches split transactions that grow too big on their own.
	wb := t.b.NewWriteBatch()
	for i := range keys {
		if err = wb.Set(keys[i], vals[i]); chk.E(err) {
			wb.Cancel()
			return
		}
	}
	if err = wb.Flush(); chk.E(err) {
		return
	}
	t.b.used += delta
	return
}

func (t *Table) Delete(c context.T, key string) (err error) {
	if err = c.Err(); err != nil {
		return
	}
	k := t.key(key)
	t.b.wmx.Lock()
	defer t.b.wmx.Unlock()
	var old []int64
	if old, err = t.sizes([][]byte{k}); chk.E(err) {
		return
	}
	if old[0] == 0 {
		return
	}
	if err = t.b.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	}); err != nil {
		return
	}
	t.b.used -= old[0]
	return
}

func (t *Table) Clear(c context.T) (err error) {
	if err = c.Err(); err != nil {
		return
	}
	t.b.wmx.Lock()
	defer t.b.wmx.Unlock()
	var n int64
	if n, err = t.b.measure(t.prefix); chk.E(err) {
		return
	}
	if err = t.b.DropPrefix(t.prefix); err != nil {
		return
	}
	t.b.used -= n
	return
}

func (t *Table) Range(c context.T,
	fn func(key string, val []byte) bool) (err error) {

	return t.b.View(func(txn *badger.Txn) (err error) {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Prefix:         t.prefix,
		})
		defer it.Close()
		for it.Seek(t.prefix); it.ValidForPrefix(t.prefix); it.Next() {
			if err = c.Err(); err != nil {
				return
			}
			item := it.Item()
			var val []byte
			if val, err = item.ValueCopy(nil); err != nil {
				return
			}
			if !fn(string(item.Key()[len(t.prefix):]), val) {
				return
			}
		}
		return
	})
}
