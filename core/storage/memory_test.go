package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreBasicOperations(t *testing.T) {
	s := NewMemStore()

	_, err := s.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put("a", []byte("1")))
	val, err := s.Get("a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), val)

	require.NoError(t, s.Delete("a"))
	_, err = s.Get("a")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete("a")) // idempotent
}

func TestMemStoreCopiesValues(t *testing.T) {
	s := NewMemStore()
	val := []byte("original")
	require.NoError(t, s.Put("k", val))

	val[0] = 'X'
	got, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again)
}

func TestMemStoreListByPrefix(t *testing.T) {
	s := NewMemStore()
	for _, k := range []string{"b/2", "a/1", "b/1", "c"} {
		require.NoError(t, s.Put(k, []byte("v")))
	}

	keys, err := s.List("b/")
	require.NoError(t, err)
	require.Equal(t, []string{"b/1", "b/2"}, keys)

	all, err := s.List("")
	require.NoError(t, err)
	require.Equal(t, []string{"a/1", "b/1", "b/2", "c"}, all)

	none, err := s.List("z/")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Put("users/1", []byte("alice")))
	require.NoError(t, s.Put("users/2", []byte{}))
	require.NoError(t, s.Put("internal/x", []byte("hidden")))

	data, err := EncodeSnapshot(s, "internal/")
	require.NoError(t, err)

	contents, err := DecodeSnapshot(data)
	require.NoError(t, err)
	require.Len(t, contents, 2)
	require.Equal(t, []byte("alice"), contents["users/1"])
	require.NotContains(t, contents, "internal/x")

	_, err = DecodeSnapshot([]byte("not json"))
	require.Error(t, err)
}
