// Package kvstoretest is a behaviour suite shared by the kvstore backends.
package kvstoretest

import (
	"testing"

	"github.com/Hubmakerlabs/outboxr/pkg/context"
	"github.com/Hubmakerlabs/outboxr/pkg/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh, empty table returned by open.
func Run(t *testing.T, open func(t *testing.T) kvstore.I) {
	c := context.Bg()

	t.Run("GetMissing", func(t *testing.T) {
		tb := open(t)
		_, err := tb.Get(c, "nope")
		assert.ErrorIs(t, err, kvstore.ErrNotFound)
	})

	t.Run("PutGetDelete", func(t *testing.T) {
		tb := open(t)
		require.NoError(t, tb.Put(c, "a", []byte("1")))
		v, err := tb.Get(c, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		require.NoError(t, tb.Put(c, "a", []byte("2")))
		v, err = tb.Get(c, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v)

		require.NoError(t, tb.Delete(c, "a"))
		_, err = tb.Get(c, "a")
		assert.ErrorIs(t, err, kvstore.ErrNotFound)
	})

	t.Run("ManyAndRange", func(t *testing.T) {
		tb := open(t)
		require.NoError(t, tb.PutMany(c, map[string][]byte{
			"b": []byte("2"), "a": []byte("1"), "c": []byte("3"),
		}))
		got, err := tb.GetMany(c, []string{"a", "c", "missing"})
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"a": []byte("1"), "c": []byte("3")},
			got)

		var keys []string
		require.NoError(t, tb.Range(c, func(k string, v []byte) bool {
			keys = append(keys, k)
			return true
		}))
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		keys = keys[:0]
		require.NoError(t, tb.Range(c, func(k string, v []byte) bool {
			keys = append(keys, k)
			return len(keys) < 2
		}))
		assert.Len(t, keys, 2, "range stops when fn returns false")
	})

	t.Run("Clear", func(t *testing.T) {
		tb := open(t)
		require.NoError(t, tb.PutMany(c, map[string][]byte{
			"x": []byte("1"), "y": []byte("2"),
		}))
		require.NoError(t, tb.Clear(c))
		got, err := tb.GetMany(c, []string{"x", "y"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ReturnedValuesAreCopies", func(t *testing.T) {
		tb := open(t)
		in := []byte("abc")
		require.NoError(t, tb.Put(c, "k", in))
		in[0] = 'z'
		v, err := tb.Get(c, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), v)
	})
}
