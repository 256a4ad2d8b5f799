package fact

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

func TestStoreRejectsInvalidFactType(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.Store(ctx, StoreInput{MemorySpaceID: "space1", FactType: "bogus", Subject: "s", Predicate: "p", Object: "o"})
	require.Error(t, err)
}

func TestStoreRejectsOutOfRangeConfidence(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.Store(ctx, StoreInput{MemorySpaceID: "space1", FactType: TypeIdentity, Subject: "s", Predicate: "p", Object: "o", Confidence: 200})
	require.Error(t, err)
}

func TestUpdateSupersedesOldVersion(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	f, err := st.Store(ctx, StoreInput{
		MemorySpaceID: "space1",
		FactType:      TypeIdentity,
		Subject:       "alice",
		Predicate:     "worksAt",
		Object:        "acme",
		Confidence:    80,
	})
	require.NoError(t, err)

	newObject := "globex"
	updated, err := st.Update(ctx, f.FactID, UpdateInput{Object: &newObject})
	require.NoError(t, err)
	require.Equal(t, "globex", updated.Object)
	require.Equal(t, f.FactID, updated.Supersedes)
	require.EqualValues(t, 2, updated.Version)

	_, err = st.Get(ctx, f.FactID, false)
	require.Error(t, err)

	old, err := st.Get(ctx, f.FactID, true)
	require.NoError(t, err)
	require.Equal(t, updated.FactID, old.SupersededBy)
}

func TestGetReturnsErrorWhenSupersededWithoutFlag(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	f, err := st.Store(ctx, StoreInput{MemorySpaceID: "space1", FactType: TypeKnowledge, Subject: "s", Predicate: "p", Object: "o"})
	require.NoError(t, err)

	newObject := "o2"
	_, err = st.Update(ctx, f.FactID, UpdateInput{Object: &newObject})
	require.NoError(t, err)

	_, err = st.Get(ctx, f.FactID, false)
	require.Error(t, err)
}

func TestQueryBySubjectExcludesSupersededByDefault(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	f, err := st.Store(ctx, StoreInput{MemorySpaceID: "space1", FactType: TypeIdentity, Subject: "alice", Predicate: "likes", Object: "tea"})
	require.NoError(t, err)

	newObject := "coffee"
	_, err = st.Update(ctx, f.FactID, UpdateInput{Object: &newObject})
	require.NoError(t, err)

	results, err := st.QueryBySubject(ctx, Filter{MemorySpaceID: "space1", Subject: "alice"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "coffee", results[0].Object)
}

func TestConsolidateKeepsHighestConfidence(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.Store(ctx, StoreInput{MemorySpaceID: "space1", FactType: TypeIdentity, Subject: "alice", Predicate: "worksAt", Object: "acme", Confidence: 40})
	require.NoError(t, err)
	best, err := st.Store(ctx, StoreInput{MemorySpaceID: "space1", FactType: TypeIdentity, Subject: "alice", Predicate: "worksAt", Object: "globex", Confidence: 90})
	require.NoError(t, err)

	result, err := st.Consolidate(ctx, "space1", "alice", "worksAt")
	require.NoError(t, err)
	require.Equal(t, best.FactID, result.FactID)

	remaining, err := st.QueryBySubject(ctx, Filter{MemorySpaceID: "space1", Subject: "alice"})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "globex", remaining[0].Object)
}

func TestDeleteByParticipantRemovesOnlyMatching(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.Store(ctx, StoreInput{MemorySpaceID: "space1", FactType: TypeIdentity, Subject: "a", Predicate: "p", Object: "o", UserID: "u1", ParticipantID: "u1"})
	require.NoError(t, err)
	_, err = st.Store(ctx, StoreInput{MemorySpaceID: "space1", FactType: TypeIdentity, Subject: "b", Predicate: "p", Object: "o", UserID: "u2", ParticipantID: "u2"})
	require.NoError(t, err)

	n, err := st.DeleteByParticipant(ctx, "u1", "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	out, err := st.List(ctx, Filter{MemorySpaceID: "space1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "b", out[0].Subject)
}
