package memory

import (
	"testing"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore/kvstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	kvstoretest.Run(t, func(t *testing.T) kvstore.I { return New(0) })
}

func TestQuota(t *testing.T) {
	c := context.Bg()
	tb := New(2)
	require.NoError(t, tb.PutMany(c, map[string][]byte{
		"a": []byte("1"), "b": []byte("2"),
	}))
	assert.ErrorIs(t, tb.Put(c, "c", []byte("3")), kvstore.ErrQuotaExceeded)
	// overwriting an existing key does not grow the table
	assert.NoError(t, tb.Put(c, "a", []byte("9")))
	require.NoError(t, tb.Delete(c, "b"))
	assert.NoError(t, tb.Put(c, "c", []byte("3")))
	assert.Equal(t, 2, tb.Len())
}
