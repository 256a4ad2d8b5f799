package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memcore/internal/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	s, err := store.New()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, Options{})
}

func TestCreateAndAddMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	conv, err := log.Create(ctx, CreateInput{
		MemorySpaceID: "space1",
		Type:          TypeUserAgent,
		UserID:        "user1",
		ParticipantID: "user1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, conv.ConversationID)

	msg1, err := log.AddMessage(ctx, conv.ConversationID, AddMessageInput{
		Role:    RoleUser,
		Content: "hello",
		UserID:  "user1",
	})
	require.NoError(t, err)

	msg2, err := log.AddMessage(ctx, conv.ConversationID, AddMessageInput{
		Role:    RoleAgent,
		Content: "hi there",
		UserID:  "user1",
	})
	require.NoError(t, err)

	history, err := log.GetHistory(ctx, conv.ConversationID, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, msg1.ID, history[0].ID)
	require.Equal(t, msg2.ID, history[1].ID)

	got, err := log.Get(ctx, conv.ConversationID)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.MessageCount)
}

func TestAddMessageClampsNonMonotonicTimestamp(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	conv, err := log.Create(ctx, CreateInput{MemorySpaceID: "space1", Type: TypeUserAgent, UserID: "u1"})
	require.NoError(t, err)

	first, err := log.AddMessage(ctx, conv.ConversationID, AddMessageInput{Role: RoleUser, Content: "a", Timestamp: 1000})
	require.NoError(t, err)

	second, err := log.AddMessage(ctx, conv.ConversationID, AddMessageInput{Role: RoleAgent, Content: "b", Timestamp: 500})
	require.NoError(t, err)

	require.GreaterOrEqual(t, second.Timestamp, first.Timestamp)
}

func TestAddMessageToMissingConversationFails(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	_, err := log.AddMessage(ctx, "does-not-exist", AddMessageInput{Role: RoleUser, Content: "x"})
	require.Error(t, err)
}

func TestGetOrCreateReusesExisting(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	in := CreateInput{MemorySpaceID: "space1", Type: TypeUserAgent, UserID: "u1", ParticipantID: "u1"}
	first, err := log.GetOrCreate(ctx, in)
	require.NoError(t, err)

	second, err := log.GetOrCreate(ctx, in)
	require.NoError(t, err)
	require.Equal(t, first.ConversationID, second.ConversationID)
}

func TestSearchFindsConversationByMessageContentCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	conv, err := log.Create(ctx, CreateInput{MemorySpaceID: "space1", Type: TypeUserAgent, UserID: "u1", ParticipantID: "u1"})
	require.NoError(t, err)
	_, err = log.AddMessage(ctx, conv.ConversationID, AddMessageInput{Role: RoleUser, Content: "where is the Eiffel Tower", UserID: "u1"})
	require.NoError(t, err)

	other, err := log.Create(ctx, CreateInput{MemorySpaceID: "space1", Type: TypeUserAgent, UserID: "u1", ParticipantID: "u1"})
	require.NoError(t, err)
	_, err = log.AddMessage(ctx, other.ConversationID, AddMessageInput{Role: RoleUser, Content: "what's the weather", UserID: "u1"})
	require.NoError(t, err)

	results, err := log.Search(ctx, "eiffel", ListFilter{MemorySpaceID: "space1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, conv.ConversationID, results[0].ConversationID)
}

func TestSearchEmptyQueryMatchesEverySQLCandidate(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	conv, err := log.Create(ctx, CreateInput{MemorySpaceID: "space1", Type: TypeUserAgent, UserID: "u1", ParticipantID: "u1"})
	require.NoError(t, err)
	_, err = log.AddMessage(ctx, conv.ConversationID, AddMessageInput{Role: RoleUser, Content: "anything at all", UserID: "u1"})
	require.NoError(t, err)

	results, err := log.Search(ctx, "", ListFilter{MemorySpaceID: "space1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
}
