package coordination

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memcore/internal/store"
	"github.com/kittclouds/memcore/pkg/conversation"
	"github.com/kittclouds/memcore/pkg/fact"
	"github.com/kittclouds/memcore/pkg/immutable"
	"github.com/kittclouds/memcore/pkg/mutable"
	"github.com/kittclouds/memcore/pkg/vector"
)

type fakeCascadeGraph struct {
	failUsers        bool
	failParticipants bool
	deletedUsers     []string
	deletedParts     []string
}

func (g *fakeCascadeGraph) DeleteNodesByUser(ctx context.Context, userID string) (int64, error) {
	if g.failUsers {
		return 0, errors.New("graph unavailable")
	}
	g.deletedUsers = append(g.deletedUsers, userID)
	return 1, nil
}

func (g *fakeCascadeGraph) DeleteNodesByParticipant(ctx context.Context, participantID string) (int64, error) {
	if g.failParticipants {
		return 0, errors.New("graph unavailable")
	}
	g.deletedParts = append(g.deletedParts, participantID)
	return 1, nil
}

type testRig struct {
	coord *Coordinator
	conv  *conversation.Log
	imm   *immutable.Store
	mut   *mutable.Store
	vec   *vector.Index
	facts *fact.Store
}

func newTestRig(t *testing.T, graph CascadeGraph) *testRig {
	t.Helper()
	s, err := store.New()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	conv := conversation.New(s, conversation.Options{})
	imm := immutable.New(s, immutable.Options{})
	mut := mutable.New(s, mutable.Options{})
	vec := vector.New(s, vector.Options{})
	facts := fact.New(s, fact.Options{})
	coord := New(s, conv, imm, mut, vec, facts, graph, Options{})
	return &testRig{coord: coord, conv: conv, imm: imm, mut: mut, vec: vec, facts: facts}
}

func TestRegisterAndGetSpace(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	sp, err := rig.coord.RegisterSpace(ctx, RegisterSpaceInput{Type: SpacePersonal, Participants: []string{"u1"}})
	require.NoError(t, err)
	require.Equal(t, SpaceActive, sp.Status)

	got, err := rig.coord.GetSpace(ctx, sp.MemorySpaceID)
	require.NoError(t, err)
	require.Equal(t, sp.MemorySpaceID, got.MemorySpaceID)
}

func TestArchiveAndReactivateSpace(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	sp, err := rig.coord.RegisterSpace(ctx, RegisterSpaceInput{Type: SpaceTeam})
	require.NoError(t, err)

	archived, err := rig.coord.ArchiveSpace(ctx, sp.MemorySpaceID, "inactive")
	require.NoError(t, err)
	require.Equal(t, SpaceArchived, archived.Status)

	reactivated, err := rig.coord.ReactivateSpace(ctx, sp.MemorySpaceID)
	require.NoError(t, err)
	require.Equal(t, SpaceActive, reactivated.Status)
}

func TestCreateContextDerivesDepthFromParent(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	root, err := rig.coord.CreateContext(ctx, CreateContextInput{MemorySpaceID: "space1", Purpose: "root task"})
	require.NoError(t, err)
	require.EqualValues(t, 0, root.Depth)

	child, err := rig.coord.CreateContext(ctx, CreateContextInput{MemorySpaceID: "space1", ParentContextID: root.ContextID, Purpose: "subtask"})
	require.NoError(t, err)
	require.EqualValues(t, 1, child.Depth)

	chain, err := rig.coord.GetChain(ctx, child.ContextID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, root.ContextID, chain[0].ContextID)
}

func TestFindOrphanedDetectsDanglingParent(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	root, err := rig.coord.CreateContext(ctx, CreateContextInput{MemorySpaceID: "space1", Purpose: "root"})
	require.NoError(t, err)
	child, err := rig.coord.CreateContext(ctx, CreateContextInput{MemorySpaceID: "space1", ParentContextID: root.ContextID, Purpose: "child"})
	require.NoError(t, err)

	require.NoError(t, rig.coord.DeleteContext(ctx, root.ContextID))

	orphaned, err := rig.coord.FindOrphaned(ctx, "space1")
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, child.ContextID, orphaned[0].ContextID)
}

func seedUserData(t *testing.T, rig *testRig, userID string) {
	t.Helper()
	ctx := context.Background()

	err := rig.coord.store.CreateUser(&store.User{UserID: userID, Name: "Alice"})
	require.NoError(t, err)

	conv, err := rig.conv.Create(ctx, conversation.CreateInput{MemorySpaceID: "space1", Type: conversation.TypeUserAgent, UserID: userID, ParticipantID: userID})
	require.NoError(t, err)
	_, err = rig.conv.AddMessage(ctx, conv.ConversationID, conversation.AddMessageInput{Role: conversation.RoleUser, Content: "hi", UserID: userID})
	require.NoError(t, err)

	_, err = rig.vec.Store(ctx, vector.StoreInput{MemorySpaceID: "space1", Content: "memory", SourceUserID: userID, SourceParticipant: userID})
	require.NoError(t, err)

	_, err = rig.facts.Store(ctx, fact.StoreInput{MemorySpaceID: "space1", FactType: fact.TypeIdentity, Subject: "alice", Predicate: "likes", Object: "tea", UserID: userID, ParticipantID: userID})
	require.NoError(t, err)

	_, err = rig.imm.Store(ctx, immutable.StoreInput{Type: "profile", ID: "p1", Data: "v1", UserID: userID})
	require.NoError(t, err)

	_, err = rig.mut.Set(ctx, "ns1", "k1", "owned by "+userID, map[string]any{"userId": userID})
	require.NoError(t, err)

	sp, err := rig.coord.RegisterSpace(ctx, RegisterSpaceInput{Type: SpaceTeam, Participants: []string{userID}})
	require.NoError(t, err)
	_, err = rig.coord.CreateContext(ctx, CreateContextInput{MemorySpaceID: sp.MemorySpaceID, Purpose: "shared task", Data: map[string]any{"participants": []string{userID}}})
	require.NoError(t, err)
}

func TestDeleteUserDryRunOnlyCollects(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)
	seedUserData(t, rig, "u1")

	report, err := rig.coord.DeleteUser(ctx, "u1", CascadeOptions{DryRun: true})
	require.NoError(t, err)
	require.Greater(t, report.Collected[LayerConversations], int64(0))
	require.Greater(t, report.Collected[LayerVectors], int64(0))
	require.Greater(t, report.Collected[LayerFacts], int64(0))

	got, err := rig.coord.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestDeleteUserCascadeRemovesAllLayers(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)
	seedUserData(t, rig, "u1")

	report, err := rig.coord.DeleteUser(ctx, "u1", CascadeOptions{Cascade: true, Verify: true})
	require.NoError(t, err)
	require.Greater(t, report.Collected[LayerContexts], int64(0))
	require.NotNil(t, report.Residue)
	require.EqualValues(t, 0, report.Residue[LayerConversations])
	require.EqualValues(t, 0, report.Residue[LayerVectors])
	require.EqualValues(t, 0, report.Residue[LayerFacts])
	require.EqualValues(t, 0, report.Residue[LayerContexts])

	_, err = rig.coord.GetUser(ctx, "u1")
	require.Error(t, err)
}

func TestDeleteUserCascadeInvokesGraphPhaseBeforeRows(t *testing.T) {
	ctx := context.Background()
	g := &fakeCascadeGraph{}
	rig := newTestRig(t, g)
	seedUserData(t, rig, "u1")

	_, err := rig.coord.DeleteUser(ctx, "u1", CascadeOptions{Cascade: true})
	require.NoError(t, err)
	require.Contains(t, g.deletedUsers, "u1")
}

func TestDeleteUserCascadeAbortsWhenGraphPhaseFails(t *testing.T) {
	ctx := context.Background()
	g := &fakeCascadeGraph{failUsers: true}
	rig := newTestRig(t, g)
	seedUserData(t, rig, "u1")

	_, err := rig.coord.DeleteUser(ctx, "u1", CascadeOptions{Cascade: true})
	require.Error(t, err)

	factsRemaining, err := rig.facts.List(ctx, fact.Filter{MemorySpaceID: "space1"})
	require.NoError(t, err)
	require.NotEmpty(t, factsRemaining)

	got, err := rig.coord.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)

	residue, err := rig.coord.collectUser(ctx, "u1")
	require.NoError(t, err)
	require.Greater(t, residue[LayerContexts], int64(0))
}

func TestDeleteAgentCascadeRemovesVectorsAndFacts(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	_, err := rig.coord.RegisterAgent(ctx, "agent1", "Helper", nil, nil)
	require.NoError(t, err)
	_, err = rig.vec.Store(ctx, vector.StoreInput{MemorySpaceID: "space1", Content: "agent memory", SourceParticipant: "agent1"})
	require.NoError(t, err)
	_, err = rig.facts.Store(ctx, fact.StoreInput{MemorySpaceID: "space1", FactType: fact.TypeObservation, Subject: "agent1", Predicate: "observed", Object: "x", ParticipantID: "agent1"})
	require.NoError(t, err)

	sp, err := rig.coord.RegisterSpace(ctx, RegisterSpaceInput{Type: SpaceTeam, Participants: []string{"agent1"}})
	require.NoError(t, err)
	_, err = rig.coord.CreateContext(ctx, CreateContextInput{MemorySpaceID: sp.MemorySpaceID, Purpose: "agent task", Data: map[string]any{"participants": []string{"agent1"}}})
	require.NoError(t, err)

	report, err := rig.coord.DeleteAgent(ctx, "agent1", CascadeOptions{Cascade: true, Verify: true})
	require.NoError(t, err)
	require.Greater(t, report.Collected[LayerContexts], int64(0))
	require.EqualValues(t, 0, report.Residue[LayerVectors])
	require.EqualValues(t, 0, report.Residue[LayerFacts])
	require.EqualValues(t, 0, report.Residue[LayerContexts])

	_, err = rig.coord.GetAgent(ctx, "agent1")
	require.Error(t, err)
}
