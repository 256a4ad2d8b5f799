package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memcore/internal/store"
	"github.com/kittclouds/memcore/pkg/conversation"
	"github.com/kittclouds/memcore/pkg/fact"
	"github.com/kittclouds/memcore/pkg/vector"
)

type fakeGraph struct {
	syncedMemories []string
	syncedFacts    []string
	deleted        []string
	failSync       bool
}

func (g *fakeGraph) SyncMemory(ctx context.Context, m *vector.Memory) error {
	if g.failSync {
		return errors.New("sync failed")
	}
	g.syncedMemories = append(g.syncedMemories, m.MemoryID)
	return nil
}

func (g *fakeGraph) SyncFact(ctx context.Context, f *fact.Fact) error {
	g.syncedFacts = append(g.syncedFacts, f.FactID)
	return nil
}

func (g *fakeGraph) DeleteMemory(ctx context.Context, memoryID string) error {
	g.deleted = append(g.deleted, memoryID)
	return nil
}

func newTestOrchestrator(t *testing.T, opts Options) (*Orchestrator, *store.Store) {
	t.Helper()
	s, err := store.New()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := conversation.New(s, conversation.Options{})
	vec := vector.New(s, vector.Options{})
	facts := fact.New(s, fact.Options{})
	return New(log, vec, facts, opts), s
}

func TestRememberCreatesConversationAndMemories(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, Options{})

	res, err := orch.Remember(ctx, RememberInput{
		MemorySpaceID: "space1",
		UserMessage:   "what's the weather",
		AgentResponse: "it's sunny",
		UserID:        "u1",
		ParticipantID: "u1",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Conversation)
	require.NotNil(t, res.Memories[0])
	require.NotNil(t, res.Memories[1])
	require.Equal(t, "what's the weather", res.Memories[0].Content)
	require.Equal(t, "it's sunny", res.Memories[1].Content)
}

func TestRememberWithEmbedderPopulatesVectors(t *testing.T) {
	ctx := context.Background()
	embedder := func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 2, 3}, nil
	}
	orch, _ := newTestOrchestrator(t, Options{Embedder: embedder})

	res, err := orch.Remember(ctx, RememberInput{
		MemorySpaceID:     "space1",
		UserMessage:       "hello",
		AgentResponse:     "hi",
		GenerateEmbedding: true,
	})
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, res.Memories[0].Embedding)
	require.Equal(t, []float32{1, 2, 3}, res.Memories[1].Embedding)
}

func TestRememberExtractsFacts(t *testing.T) {
	ctx := context.Background()
	extractor := func(ctx context.Context, userMessage, agentResponse string) ([]fact.StoreInput, error) {
		return []fact.StoreInput{
			{FactType: fact.TypeIdentity, Subject: "alice", Predicate: "likes", Object: "tea"},
		}, nil
	}
	orch, _ := newTestOrchestrator(t, Options{Extract: extractor})

	res, err := orch.Remember(ctx, RememberInput{
		MemorySpaceID: "space1",
		UserMessage:   "I like tea",
		AgentResponse: "noted",
		ExtractFacts:  true,
	})
	require.NoError(t, err)
	require.Len(t, res.Facts, 1)
	require.Equal(t, "alice", res.Facts[0].Subject)
}

func TestRememberSyncsToGraphWhenRequested(t *testing.T) {
	ctx := context.Background()
	g := &fakeGraph{}
	orch, _ := newTestOrchestrator(t, Options{Graph: g})

	res, err := orch.Remember(ctx, RememberInput{
		MemorySpaceID: "space1",
		UserMessage:   "hello",
		AgentResponse: "hi",
		SyncToGraph:   true,
	})
	require.NoError(t, err)
	require.Len(t, g.syncedMemories, 2)
	require.Contains(t, g.syncedMemories, res.Memories[0].MemoryID)
	require.Contains(t, g.syncedMemories, res.Memories[1].MemoryID)
}

func TestForgetDeletesMemoryAndConversation(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, Options{})

	res, err := orch.Remember(ctx, RememberInput{
		MemorySpaceID: "space1",
		UserMessage:   "temp",
		AgentResponse: "temp2",
	})
	require.NoError(t, err)

	forgetRes, err := orch.Forget(ctx, "space1", res.Memories[0].MemoryID, ForgetOptions{DeleteConversation: true})
	require.NoError(t, err)
	require.Equal(t, StatusOK, forgetRes.Vector)
	require.Equal(t, StatusOK, forgetRes.ACID)

	_, err = orch.Get(ctx, res.Memories[0].MemoryID, GetOptions{})
	require.Error(t, err)
}

func TestGetIncludesConversationAndMessages(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, Options{})

	res, err := orch.Remember(ctx, RememberInput{
		MemorySpaceID: "space1",
		UserMessage:   "hello",
		AgentResponse: "hi",
	})
	require.NoError(t, err)

	got, err := orch.Get(ctx, res.Memories[0].MemoryID, GetOptions{IncludeConversation: true})
	require.NoError(t, err)
	require.NotNil(t, got.Conversation)
	require.Len(t, got.Messages, 1)
}

func TestSearchEnrichesWithConversationBatched(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, Options{})

	_, err := orch.Remember(ctx, RememberInput{MemorySpaceID: "space1", UserMessage: "cats are great", AgentResponse: "yes"})
	require.NoError(t, err)

	results, err := orch.Search(ctx, "cats", SearchOptions{
		Vector:             vector.SearchInput{Filter: vector.ListFilter{MemorySpaceID: "space1"}},
		EnrichConversation: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.NotNil(t, results[0].Conversation)
}

func TestRememberStreamEmitsPhasesInOrder(t *testing.T) {
	ctx := context.Background()
	orch, _ := newTestOrchestrator(t, Options{})

	var phases []Phase
	_, err := orch.RememberStream(ctx, RememberInput{
		MemorySpaceID: "space1",
		UserMessage:   "hello",
		AgentResponse: "hi",
	}, func(e ProgressEvent) {
		phases = append(phases, e.Phase)
	})
	require.NoError(t, err)
	require.Equal(t, []Phase{PhaseACID, PhaseEmbedding, PhaseVector, PhaseFacts, PhaseGraph}, phases)
}

func TestRememberStreamSurfacesEarlierPhasesBeforeALaterFailure(t *testing.T) {
	ctx := context.Background()
	failingExtractor := func(ctx context.Context, userMessage, agentResponse string) ([]fact.StoreInput, error) {
		return nil, errors.New("extraction backend down")
	}
	orch, _ := newTestOrchestrator(t, Options{Extract: failingExtractor})

	var events []ProgressEvent
	_, err := orch.RememberStream(ctx, RememberInput{
		MemorySpaceID: "space1",
		UserMessage:   "hello",
		AgentResponse: "hi",
		ExtractFacts:  true,
	}, func(e ProgressEvent) {
		events = append(events, e)
	})
	require.Error(t, err)
	require.Len(t, events, 4)
	require.Equal(t, PhaseACID, events[0].Phase)
	require.Equal(t, StatusOK, events[0].Status)
	require.Equal(t, PhaseEmbedding, events[1].Phase)
	require.Equal(t, StatusSkipped, events[1].Status)
	require.Equal(t, PhaseVector, events[2].Phase)
	require.Equal(t, StatusOK, events[2].Status)
	require.Equal(t, PhaseFacts, events[3].Phase)
	require.Equal(t, StatusError, events[3].Status)
	require.Error(t, events[3].Err)
}
