package badger

import (
	"testing"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore/kvstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBackend(t *testing.T) *Backend {
	b := &Backend{Path: t.TempDir()}
	require.NoError(t, b.Init())
	t.Cleanup(func() { assert.NoError(t, b.Close()) })
	return b
}

func TestTable(t *testing.T) {
	kvstoretest.Run(t, func(t *testing.T) kvstore.I {
		return openBackend(t).Table("test")
	})
}

func TestTablesAreIndependent(t *testing.T) {
	c := context.Bg()
	b := openBackend(t)
	lists, stats := b.Table("relaylists"), b.Table("relayhealth")
	require.NoError(t, lists.Put(c, "k", []byte("list")))
	require.NoError(t, stats.Put(c, "k", []byte("stats")))

	require.NoError(t, lists.Clear(c))
	_, err := lists.Get(c, "k")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
	v, err := stats.Get(c, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("stats"), v)
}

func TestReopen(t *testing.T) {
	c := context.Bg()
	dir := t.TempDir()
	b := &Backend{Path: dir}
	require.NoError(t, b.Init())
	require.NoError(t, b.Table("t").Put(c, "k", []byte("v")))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "second close is a no-op")

	b = &Backend{Path: dir}
	require.NoError(t, b.Init())
	defer b.Close()
	v, err := b.Table("t").Get(c, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestInMemory(t *testing.T) {
	b := &Backend{InMemory: true}
	require.NoError(t, b.Init())
	defer b.Close()
	c := context.Bg()
	require.NoError(t, b.Table("t").Put(c, "k", []byte("v")))
	v, err := b.Table("t").Get(c, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestSizeLimit(t *testing.T) {
	c := context.Bg()
	dir := t.TempDir()
	b := &Backend{Path: dir, SizeLimit: 100}
	require.NoError(t, b.Init())
	tbl := b.Table("t")
	val := func(n int) []byte { return make([]byte, n) }

	// every entry is the 4 byte key "t/kN" plus its value.
	require.NoError(t, tbl.Put(c, "k1", val(30)))
	require.NoError(t, tbl.Put(c, "k2", val(30)))
	assert.Equal(t, int64(68), b.Used())
	assert.ErrorIs(t, tbl.Put(c, "k3", val(30)), kvstore.ErrQuotaExceeded)
	assert.Equal(t, int64(68), b.Used())

	require.NoError(t, tbl.Put(c, "k1", val(10)), "shrinking always fits")
	require.NoError(t, tbl.Put(c, "k3", val(30)))
	assert.ErrorIs(t, tbl.Put(c, "k4", val(30)), kvstore.ErrQuotaExceeded)

	require.NoError(t, tbl.Delete(c, "k2"))
	require.NoError(t, tbl.Delete(c, "k2"), "deleting a missing key")
	assert.Equal(t, int64(48), b.Used())
	require.NoError(t, tbl.Put(c, "k4", val(30)), "a delete makes room at once")
	assert.Equal(t, int64(82), b.Used())
	require.NoError(t, b.Close())

	b = &Backend{Path: dir, SizeLimit: 100}
	require.NoError(t, b.Init())
	defer b.Close()
	assert.Equal(t, int64(82), b.Used(), "usage is measured on open")
	tbl = b.Table("t")
	assert.ErrorIs(t, tbl.Put(c, "k5", val(30)), kvstore.ErrQuotaExceeded)
	require.NoError(t, tbl.Clear(c))
	assert.Zero(t, b.Used())
	require.NoError(t, tbl.Put(c, "k5", val(30)))
}
