package immutable

import (
	"context"
	"testing"
	"time"

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

func TestStoreVersionsAndTemporalRead(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	e1, err := st.Store(ctx, StoreInput{Type: "profile", ID: "p1", Data: "v1", UserID: "u1"})
	require.NoError(t, err)
	require.EqualValues(t, 1, e1.Version)
	t1 := e1.UpdatedAt

	time.Sleep(2 * time.Millisecond)

	e2, err := st.Store(ctx, StoreInput{Type: "profile", ID: "p1", Data: "v2", UserID: "u1"})
	require.NoError(t, err)
	require.EqualValues(t, 2, e2.Version)

	current, err := st.Get(ctx, "profile", "p1")
	require.NoError(t, err)
	require.Equal(t, "v2", current.Data)

	asOfFirst, err := st.GetAtTimestamp(ctx, "profile", "p1", t1)
	require.NoError(t, err)
	require.NotNil(t, asOfFirst)
	require.Equal(t, "v1", asOfFirst.Data)

	history, err := st.GetHistory(ctx, "profile", "p1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "v1", history[0].Data)
	require.Equal(t, "v2", history[1].Data)
}

func TestPurgeVersionsKeepsCurrentRow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := st.Store(ctx, StoreInput{Type: "profile", ID: "p1", Data: "v", UserID: "u1"})
		require.NoError(t, err)
	}

	err := st.PurgeVersions(ctx, "profile", "p1", 2)
	require.NoError(t, err)

	history, err := st.GetHistory(ctx, "profile", "p1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	current, err := st.Get(ctx, "profile", "p1")
	require.NoError(t, err)
	require.NotNil(t, current)
}

func TestPurgeByUserRemovesAllVersions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.Store(ctx, StoreInput{Type: "profile", ID: "p1", Data: "v1", UserID: "u1"})
	require.NoError(t, err)
	_, err = st.Store(ctx, StoreInput{Type: "profile", ID: "p2", Data: "v1", UserID: "u2"})
	require.NoError(t, err)

	n, err := st.PurgeByUser(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	gone, err := st.Get(ctx, "profile", "p1")
	require.NoError(t, err)
	require.Nil(t, gone)

	kept, err := st.Get(ctx, "profile", "p2")
	require.NoError(t, err)
	require.NotNil(t, kept)
}
