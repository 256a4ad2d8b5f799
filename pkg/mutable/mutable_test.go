package mutable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memcore/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := store.New()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, Options{})
}

func TestSetGetLastWriterWins(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.Set(ctx, "ns1", "k1", "first", nil)
	require.NoError(t, err)
	_, err = st.Set(ctx, "ns1", "k1", "second", nil)
	require.NoError(t, err)

	r, err := st.Get(ctx, "ns1", "k1")
	require.NoError(t, err)
	require.Equal(t, "second", r.Value)
}

func TestUpdateAtomicReadTransformWrite(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	r, err := st.Update(ctx, "ns1", "counter", func(current string, hasValue bool) (string, bool) {
		require.False(t, hasValue)
		return "1", true
	})
	require.NoError(t, err)
	require.Equal(t, "1", r.Value)

	r, err = st.Update(ctx, "ns1", "counter", func(current string, hasValue bool) (string, bool) {
		require.True(t, hasValue)
		require.Equal(t, "1", current)
		return "2", true
	})
	require.NoError(t, err)
	require.Equal(t, "2", r.Value)
}

func TestUpdateDecliningLeavesKeyAbsent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	r, err := st.Update(ctx, "ns1", "k1", func(current string, hasValue bool) (string, bool) {
		return "", false
	})
	require.NoError(t, err)
	require.Nil(t, r)

	exists, err := st.Exists(ctx, "ns1", "k1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestIncrementDecrement(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	n, err := st.Increment(ctx, "ns1", "count", 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)

	n, err = st.Decrement(ctx, "ns1", "count", 2)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestTransactionAppliesAllWritesAtomically(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	err := st.Transaction(ctx, []Write{
		{Namespace: "ns1", Key: "a", Value: "1"},
		{Namespace: "ns1", Key: "b", Value: "2"},
	})
	require.NoError(t, err)

	a, err := st.Get(ctx, "ns1", "a")
	require.NoError(t, err)
	require.Equal(t, "1", a.Value)

	b, err := st.Get(ctx, "ns1", "b")
	require.NoError(t, err)
	require.Equal(t, "2", b.Value)
}

func TestDeleteByUserRemovesMatchingRecords(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.Set(ctx, "ns1", "k1", "owner:u1 likes pizza", nil)
	require.NoError(t, err)
	_, err = st.Set(ctx, "ns1", "k2", "unrelated", map[string]any{"userId": "u1"})
	require.NoError(t, err)
	_, err = st.Set(ctx, "ns1", "k3", "nothing to see here", nil)
	require.NoError(t, err)

	n, err := st.DeleteByUser(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, err = st.Get(ctx, "ns1", "k3")
	require.NoError(t, err)
}
