// Package conversation implements the ConversationLog (L1a): append-only
// message threads scoped by memorySpaceId. Grounded on the teacher's
// notes/threads CRUD pattern in internal/store, generalized from notes'
// version-current-row idiom to a simpler append-only message sequence.
package conversation

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/kittclouds/memcore/internal/store"
	"github.com/kittclouds/memcore/pkg/errs"
	"github.com/kittclouds/memcore/pkg/idgen"
	"github.com/kittclouds/memcore/pkg/textmatch"
	"go.uber.org/zap"

	"github.com/kittclouds/memcore/pkg/logging"
)

// Type enumerates the two conversation shapes.
type Type string

const (
	TypeUserAgent  Type = "user-agent"
	TypeAgentAgent Type = "agent-agent"
)

func ValidType(t Type) bool {
	return t == TypeUserAgent || t == TypeAgentAgent
}

// Role enumerates message authorship.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one immutable turn in a Conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	UserID         string
	ParticipantID  string
	Timestamp      int64
	Metadata       map[string]any
}

// Conversation is the L1a append-only thread header.
type Conversation struct {
	ConversationID string
	MemorySpaceID  string
	Type           Type
	UserID         string
	ParticipantID  string
	AgentIDs       []string
	MessageCount   int64
	CreatedAt      int64
	UpdatedAt      int64
	Metadata       map[string]any
}

// CreateInput describes a new conversation.
type CreateInput struct {
	MemorySpaceID string
	Type          Type
	UserID        string
	ParticipantID string
	AgentIDs      []string
	Metadata      map[string]any
}

// ListFilter selects conversations for list/count/search.
type ListFilter struct {
	MemorySpaceID string
	UserID        string
	ParticipantID string
	Type          Type
	Limit         int
	Offset        int
}

// Options configures the Log.
type Options struct {
	Logger *zap.Logger
}

// Log is the ConversationLog service.
type Log struct {
	store  *store.Store
	logger *zap.Logger
}

// New constructs a Log backed by s.
func New(s *store.Store, opts Options) *Log {
	return &Log{store: s, logger: logging.OrNop(opts.Logger)}
}

// Create inserts a new empty conversation.
func (l *Log) Create(ctx context.Context, in CreateInput) (*Conversation, error) {
	if !ValidType(in.Type) {
		return nil, errs.New(errs.InvalidEnumValue, "conversation: invalid type "+string(in.Type))
	}
	now := time.Now().UnixMilli()
	c := &store.Conversation{
		ConversationID: idgen.New(),
		MemorySpaceID:  in.MemorySpaceID,
		Type:           string(in.Type),
		UserID:         in.UserID,
		ParticipantID:  in.ParticipantID,
		AgentIDs:       in.AgentIDs,
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       in.Metadata,
	}
	if err := l.store.CreateConversation(c); err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: create", err)
	}
	return fromStore(c), nil
}

// Get fetches a conversation by id.
func (l *Log) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	c, err := l.store.GetConversation(conversationID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: get", err)
	}
	if c == nil {
		return nil, errs.New(errs.ConversationNotFound, "conversation: not found: "+conversationID)
	}
	return fromStore(c), nil
}

// FindConversation locates an existing conversation matching the filter, or
// nil if none exists.
func (l *Log) FindConversation(ctx context.Context, f ListFilter) (*Conversation, error) {
	c, err := l.store.FindConversation(f.MemorySpaceID, f.UserID, f.ParticipantID, string(f.Type))
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: find", err)
	}
	if c == nil {
		return nil, nil
	}
	return fromStore(c), nil
}

// GetOrCreate returns the conversation matching in's identity, creating one
// if none exists.
func (l *Log) GetOrCreate(ctx context.Context, in CreateInput) (*Conversation, error) {
	existing, err := l.FindConversation(ctx, ListFilter{MemorySpaceID: in.MemorySpaceID, UserID: in.UserID, Type: in.Type})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return l.Create(ctx, in)
}

// AddMessageInput describes a message to append.
type AddMessageInput struct {
	Role          Role
	Content       string
	UserID        string
	ParticipantID string
	Timestamp     int64
	Metadata      map[string]any
}

// AddMessage appends a message, clamping non-monotonic timestamps to the
// conversation's last timestamp.
func (l *Log) AddMessage(ctx context.Context, conversationID string, in AddMessageInput) (*Message, error) {
	c, err := l.store.GetConversation(conversationID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: get", err)
	}
	if c == nil {
		return nil, errs.New(errs.ConversationNotFound, "conversation: not found: "+conversationID)
	}

	seq, err := l.store.NextSeq(conversationID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: next seq", err)
	}

	ts := in.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	if ts < c.UpdatedAt {
		ts = c.UpdatedAt
	}

	m := &store.Message{
		ID:             idgen.New(),
		ConversationID: conversationID,
		Seq:            seq,
		Role:           string(in.Role),
		Content:        in.Content,
		UserID:         in.UserID,
		ParticipantID:  in.ParticipantID,
		Timestamp:      ts,
		Metadata:       in.Metadata,
	}
	if err := l.store.AppendMessage(m); err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: append message", err)
	}
	if err := l.store.TouchConversation(conversationID, c.MessageCount+1, ts); err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: touch", err)
	}
	return messageFromStore(m), nil
}

// GetMessage fetches one message by id.
func (l *Log) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := l.store.GetMessage(id)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: get message", err)
	}
	if m == nil {
		return nil, nil
	}
	return messageFromStore(m), nil
}

// GetMessagesByIDs fetches messages by id, preserving no particular order;
// callers needing conversation order should sort by the returned Message
// fields' implicit sequence via GetHistory instead.
func (l *Log) GetMessagesByIDs(ctx context.Context, ids []string) ([]*Message, error) {
	msgs, err := l.store.GetMessagesByIDs(ids)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: get messages", err)
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = messageFromStore(m)
	}
	return out, nil
}

// GetHistory returns up to limit messages starting after afterSeq, oldest
// first.
func (l *Log) GetHistory(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error) {
	msgs, err := l.store.GetHistory(conversationID, afterSeq, limit)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: get history", err)
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = messageFromStore(m)
	}
	return out, nil
}

// List returns conversations in f.MemorySpaceID, narrowed by f.UserID and
// f.Type when set, newest-updated first, then applies a genuine
// (non-tautological) type post-filter when f.Type is set. The query is
// always scoped to one memory space: a filter that sets UserID or Type but
// no MemorySpaceID matches no conversation.
func (l *Log) List(ctx context.Context, f ListFilter) ([]*Conversation, error) {
	convs, err := l.store.ListConversations(f.MemorySpaceID, f.UserID, string(f.Type), f.Limit, f.Offset)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: list", err)
	}
	out := make([]*Conversation, 0, len(convs))
	for _, c := range convs {
		if f.Type != "" && Type(c.Type) != f.Type {
			continue
		}
		out = append(out, fromStore(c))
	}
	return out, nil
}

// Count counts conversations in memorySpaceID.
func (l *Log) Count(ctx context.Context, memorySpaceID string) (int64, error) {
	n, err := l.store.CountConversations(memorySpaceID)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "conversation: count", err)
	}
	return n, nil
}

// Search performs a case-insensitive substring scan over messages honoring
// the provided filter, returning each matching conversation once, ordered
// by its newest matching message (most recent first). The SQL `LIKE ... COLLATE NOCASE` pass narrows to
// candidate messages; matchesQuery re-checks each one with the same
// canonicalization pkg/vector and pkg/fact search use, so a conversation
// only surfaces when all three layers would agree it matches (SQLite's
// NOCASE collation only case-folds ASCII, so it can admit candidates
// textmatch's Unicode-aware fold would reject).
func (l *Log) Search(ctx context.Context, query string, f ListFilter) ([]*Conversation, error) {
	msgs, err := l.store.SearchConversationMessages(f.MemorySpaceID, query, 0)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: search", err)
	}

	seen := map[string]bool{}
	var ids []string
	for _, m := range msgs {
		if !matchesQuery(m.Content, query) {
			continue
		}
		if !seen[m.ConversationID] {
			seen[m.ConversationID] = true
			ids = append(ids, m.ConversationID)
		}
	}

	var out []*Conversation
	for _, id := range ids {
		c, err := l.store.GetConversation(id)
		if err != nil {
			return nil, errs.Wrap(errs.BackendError, "conversation: search fetch", err)
		}
		if c == nil {
			continue
		}
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.Type != "" && Type(c.Type) != f.Type {
			continue
		}
		out = append(out, fromStore(c))
	}
	return out, nil
}

// Delete removes a conversation and its messages.
func (l *Log) Delete(ctx context.Context, conversationID string) error {
	if err := l.store.DeleteConversation(conversationID); err != nil {
		return errs.Wrap(errs.BackendError, "conversation: delete", err)
	}
	return nil
}

// DeleteByUser removes every conversation owned by userID, returning the
// count deleted. Used by the GDPR cascade.
func (l *Log) DeleteByUser(ctx context.Context, memorySpaceID, userID string) (int64, error) {
	n, err := l.store.DeleteConversationsByUser(memorySpaceID, userID)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "conversation: delete by user", err)
	}
	return n, nil
}

// ExportFormat selects the export serialization.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

// Export serializes every conversation in a memory space as JSON or CSV
// (one row per message, stable column order).
func (l *Log) Export(ctx context.Context, memorySpaceID string, format ExportFormat) ([]byte, error) {
	if format == ExportCSV {
		return l.exportCSV(memorySpaceID)
	}
	b, err := l.store.ExportConversations(memorySpaceID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: export", err)
	}
	return b, nil
}

func (l *Log) exportCSV(memorySpaceID string) ([]byte, error) {
	convs, err := l.store.ListConversations(memorySpaceID, "", "", 0, 0)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "conversation: export csv", err)
	}
	var b strings.Builder
	b.WriteString("conversationId,type,messageId,role,timestamp,content,userId,participantId\n")
	for _, c := range convs {
		msgs, err := l.store.GetHistory(c.ConversationID, 0, 0)
		if err != nil {
			return nil, errs.Wrap(errs.BackendError, "conversation: export csv history", err)
		}
		for _, m := range msgs {
			b.WriteString(csvRow(c.ConversationID, c.Type, m.ID, m.Role, m.Timestamp, m.Content, m.UserID, m.ParticipantID))
		}
	}
	return []byte(b.String()), nil
}

func fromStore(c *store.Conversation) *Conversation {
	return &Conversation{
		ConversationID: c.ConversationID,
		MemorySpaceID:  c.MemorySpaceID,
		Type:           Type(c.Type),
		UserID:         c.UserID,
		ParticipantID:  c.ParticipantID,
		AgentIDs:       c.AgentIDs,
		MessageCount:   c.MessageCount,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		Metadata:       c.Metadata,
	}
}

func messageFromStore(m *store.Message) *Message {
	return &Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           Role(m.Role),
		Content:        m.Content,
		UserID:         m.UserID,
		ParticipantID:  m.ParticipantID,
		Timestamp:      m.Timestamp,
		Metadata:       m.Metadata,
	}
}

// matchesQuery re-applies textmatch's canonicalized substring check on top
// of Search's SQL candidate pass.
func matchesQuery(content, query string) bool {
	return textmatch.Contains(content, query)
}

// csvRow renders one message as an RFC 4180 row, quoting fields that carry
// commas, quotes, or newlines.
func csvRow(conversationID, convType, messageID, role string, timestamp int64, content, userID, participantID string) string {
	fields := []string{conversationID, convType, messageID, role, itoa(timestamp), content, userID, participantID}
	for i, f := range fields {
		fields[i] = csvField(f)
	}
	return strings.Join(fields, ",") + "\n"
}

func csvField(s string) string {
	if strings.ContainsAny(s, ",\"\n\r") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
