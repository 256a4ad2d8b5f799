package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memcore/internal/store"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	s, err := store.New()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, Options{})
}

func TestStoreRequiresConversationRefForConversationSource(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.Store(ctx, StoreInput{
		MemorySpaceID: "space1",
		Content:       "hello",
		SourceType:    SourceConversation,
	})
	require.Error(t, err)
}

func TestStoreRejectsOutOfRangeImportance(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "x", Importance: 101})
	require.Error(t, err)
}

func TestStoreAndUpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	m, err := idx.Store(ctx, StoreInput{
		MemorySpaceID: "space1",
		Content:       "the sky is blue",
		Embedding:     []float32{1, 0, 0},
		Importance:    50,
		Tags:          []string{"weather"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, m.Version)

	newContent := "the sky is grey"
	updated, err := idx.Update(ctx, m.MemoryID, UpdateInput{Content: &newContent})
	require.NoError(t, err)
	require.Equal(t, "the sky is grey", updated.Content)

	got, err := idx.Get(ctx, m.MemoryID)
	require.NoError(t, err)
	require.Equal(t, "the sky is grey", got.Content)
}

func TestCosineSimilarityIdenticalVectors(t *testing.T) {
	score := cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	require.InDelta(t, 1.0, score, 1e-9)
}

func TestCosineSimilarityOrthogonalVectors(t *testing.T) {
	score := cosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.InDelta(t, 0.0, score, 1e-9)
}

func TestCosineSimilarityZeroVectorReturnsZero(t *testing.T) {
	score := cosineSimilarity([]float32{0, 0, 0}, []float32{1, 2, 3})
	require.Equal(t, 0.0, score)
}

func TestCosineSimilarityMismatchedLengthTruncates(t *testing.T) {
	score := cosineSimilarity([]float32{1, 0, 0, 99}, []float32{1, 0, 0})
	require.InDelta(t, 1.0, score, 1e-9)
}

func TestSearchByEmbeddingFallsBackToCosineScan(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	near, err := idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "a", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	_, err = idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "b", Embedding: []float32{0, 1, 0}})
	require.NoError(t, err)

	results, err := idx.Search(ctx, "", SearchInput{
		Filter:    ListFilter{MemorySpaceID: "space1"},
		Embedding: []float32{1, 0, 0},
		Limit:     10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, near.MemoryID, results[0].Memory.MemoryID)
	require.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestSearchByEmbeddingSkipsMemoriesWithoutEmbedding(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "no embedding"})
	require.NoError(t, err)
	withEmb, err := idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "has embedding", Embedding: []float32{1, 1, 1}})
	require.NoError(t, err)

	results, err := idx.Search(ctx, "", SearchInput{
		Filter:    ListFilter{MemorySpaceID: "space1"},
		Embedding: []float32{1, 1, 1},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, withEmb.MemoryID, results[0].Memory.MemoryID)
}

func TestSearchByTextSubstringMatch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "the quick brown fox"})
	require.NoError(t, err)
	_, err = idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "a lazy dog"})
	require.NoError(t, err)

	results, err := idx.Search(ctx, "fox", SearchInput{Filter: ListFilter{MemorySpaceID: "space1"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results[0].Memory.Content, "fox")
}

func TestListFiltersByTagMatchAll(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "a", Tags: []string{"x", "y"}})
	require.NoError(t, err)
	_, err = idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "b", Tags: []string{"x"}})
	require.NoError(t, err)

	out, err := idx.List(ctx, ListFilter{MemorySpaceID: "space1", Tags: []string{"x", "y"}, TagMatch: TagMatchAll})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].Content)
}

func TestArchiveExcludedFromListByDefault(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	m, err := idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "archive me"})
	require.NoError(t, err)
	_, err = idx.Archive(ctx, m.MemoryID)
	require.NoError(t, err)

	out, err := idx.List(ctx, ListFilter{MemorySpaceID: "space1"})
	require.NoError(t, err)
	require.Empty(t, out)

	outAll, err := idx.List(ctx, ListFilter{MemorySpaceID: "space1", IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, outAll, 1)
}

func TestGetHistoryRecordsEveryVersion(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	m, err := idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "v1"})
	require.NoError(t, err)

	newContent := "v2"
	_, err = idx.Update(ctx, m.MemoryID, UpdateInput{Content: &newContent})
	require.NoError(t, err)

	history, err := idx.GetHistory(ctx, m.MemoryID)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestDeleteByParticipantRemovesOnlyMatching(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "mine", SourceUserID: "u1", SourceParticipant: "u1"})
	require.NoError(t, err)
	_, err = idx.Store(ctx, StoreInput{MemorySpaceID: "space1", Content: "other", SourceUserID: "u2", SourceParticipant: "u2"})
	require.NoError(t, err)

	n, err := idx.DeleteByParticipant(ctx, "u1", "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	out, err := idx.List(ctx, ListFilter{MemorySpaceID: "space1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "other", out[0].Content)
}
