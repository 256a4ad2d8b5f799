package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateConversation inserts a new conversation header.
func (s *Store) CreateConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agentIDs, err := marshalStrings(c.AgentIDs)
	if err != nil {
		return fmt.Errorf("marshal agentIds: %w", err)
	}
	metadata, err := marshalJSON(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations (conversation_id, memory_space_id, type, user_id, participant_id,
			agent_ids, message_count, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ConversationID, c.MemorySpaceID, c.Type, nullString(c.UserID), nullString(c.ParticipantID),
		nullString(agentIDs), c.MessageCount, c.CreatedAt, c.UpdatedAt, nullString(metadata))
	return err
}

// GetConversation fetches a conversation header by id.
func (s *Store) GetConversation(conversationID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT conversation_id, memory_space_id, type, user_id, participant_id, agent_ids,
			message_count, created_at, updated_at, metadata
		FROM conversations WHERE conversation_id = ?
	`, conversationID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var userID, participantID, agentIDs, metadata sql.NullString
	err := row.Scan(&c.ConversationID, &c.MemorySpaceID, &c.Type, &userID, &participantID, &agentIDs,
		&c.MessageCount, &c.CreatedAt, &c.UpdatedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.UserID = strOrEmpty(userID)
	c.ParticipantID = strOrEmpty(participantID)
	c.AgentIDs = unmarshalStrings(agentIDs)
	c.Metadata = unmarshalMetadata(metadata)
	return &c, nil
}

// FindConversation locates an existing conversation for the given
// memorySpaceID/userID/participantID/type combination, preferring the most
// recently updated match. Returns nil, nil when none exists.
func (s *Store) FindConversation(memorySpaceID, userID, participantID, convType string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT conversation_id, memory_space_id, type, user_id, participant_id, agent_ids,
		message_count, created_at, updated_at, metadata
		FROM conversations WHERE memory_space_id = ?`
	args := []any{memorySpaceID}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	if participantID != "" {
		query += " AND participant_id = ?"
		args = append(args, participantID)
	}
	if convType != "" {
		query += " AND type = ?"
		args = append(args, convType)
	}
	query += " ORDER BY updated_at DESC LIMIT 1"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	var c Conversation
	var uID, pID, agentIDs, metadata sql.NullString
	if err := rows.Scan(&c.ConversationID, &c.MemorySpaceID, &c.Type, &uID, &pID, &agentIDs,
		&c.MessageCount, &c.CreatedAt, &c.UpdatedAt, &metadata); err != nil {
		return nil, err
	}
	c.UserID = strOrEmpty(uID)
	c.ParticipantID = strOrEmpty(pID)
	c.AgentIDs = unmarshalStrings(agentIDs)
	c.Metadata = unmarshalMetadata(metadata)
	return &c, nil
}

// ListConversations returns conversations in a memory space, optionally
// filtered by userID and/or type, newest-updated first.
func (s *Store) ListConversations(memorySpaceID, userID, convType string, limit, offset int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT conversation_id, memory_space_id, type, user_id, participant_id, agent_ids,
		message_count, created_at, updated_at, metadata
		FROM conversations WHERE memory_space_id = ?`
	args := []any{memorySpaceID}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	if convType != "" {
		query += " AND type = ?"
		args = append(args, convType)
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		var uID, pID, agentIDs, metadata sql.NullString
		if err := rows.Scan(&c.ConversationID, &c.MemorySpaceID, &c.Type, &uID, &pID, &agentIDs,
			&c.MessageCount, &c.CreatedAt, &c.UpdatedAt, &metadata); err != nil {
			return nil, err
		}
		c.UserID = strOrEmpty(uID)
		c.ParticipantID = strOrEmpty(pID)
		c.AgentIDs = unmarshalStrings(agentIDs)
		c.Metadata = unmarshalMetadata(metadata)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CountConversations counts conversations in a memory space.
func (s *Store) CountConversations(memorySpaceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE memory_space_id = ?`, memorySpaceID).Scan(&n)
	return n, err
}

// TouchConversation bumps updated_at and message_count after a message is
// appended.
func (s *Store) TouchConversation(conversationID string, messageCount int64, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE conversations SET message_count = ?, updated_at = ? WHERE conversation_id = ?`,
		messageCount, updatedAt, conversationID)
	return err
}

// AppendMessage inserts a message at the next sequence number for its
// conversation.
func (s *Store) AppendMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadata, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO conversation_messages (id, conversation_id, seq, role, content, user_id,
			participant_id, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.Seq, m.Role, m.Content, nullString(m.UserID), nullString(m.ParticipantID),
		m.Timestamp, nullString(metadata))
	return err
}

// NextSeq returns the next message sequence number for a conversation.
func (s *Store) NextSeq(conversationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(seq) FROM conversation_messages WHERE conversation_id = ?`, conversationID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64 + 1, nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`
		SELECT id, conversation_id, seq, role, content, user_id, participant_id, timestamp, metadata
		FROM conversation_messages WHERE id = ?
	`, id)
	return scanMessage(row)
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	var userID, participantID, metadata sql.NullString
	err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &userID, &participantID, &m.Timestamp, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.UserID = strOrEmpty(userID)
	m.ParticipantID = strOrEmpty(participantID)
	m.Metadata = unmarshalMetadata(metadata)
	return &m, nil
}

// GetMessagesByIDs fetches messages by id, preserving no particular order
// guarantee beyond storage order; callers that need original order should
// re-sort by the returned Seq.
func (s *Store) GetMessagesByIDs(ids []string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := inClauseQuery(`SELECT id, conversation_id, seq, role, content, user_id, participant_id, timestamp, metadata
		FROM conversation_messages WHERE id IN (%s)`, ids)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetHistory returns up to limit messages for a conversation, oldest first,
// starting after afterSeq (0 for the beginning).
func (s *Store) GetHistory(conversationID string, afterSeq int64, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, conversation_id, seq, role, content, user_id, participant_id, timestamp, metadata
		FROM conversation_messages WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{conversationID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		var m Message
		var userID, participantID, metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &userID, &participantID, &m.Timestamp, &metadata); err != nil {
			return nil, err
		}
		m.UserID = strOrEmpty(userID)
		m.ParticipantID = strOrEmpty(participantID)
		m.Metadata = unmarshalMetadata(metadata)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SearchConversationMessages finds messages in a memory space whose content
// contains query (case-insensitive), across conversations, newest first.
func (s *Store) SearchConversationMessages(memorySpaceID, query string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlQuery := `SELECT m.id, m.conversation_id, m.seq, m.role, m.content, m.user_id, m.participant_id, m.timestamp, m.metadata
		FROM conversation_messages m
		JOIN conversations c ON c.conversation_id = m.conversation_id
		WHERE c.memory_space_id = ? AND m.content LIKE ? COLLATE NOCASE
		ORDER BY m.timestamp DESC`
	args := []any{memorySpaceID, "%" + query + "%"}
	if limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM conversation_messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	return err
}

// DeleteConversationsByUser removes every conversation (and its messages)
// belonging to userID within a memory space, returning the count deleted.
func (s *Store) DeleteConversationsByUser(memorySpaceID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT conversation_id FROM conversations WHERE memory_space_id = ? AND user_id = ?`, memorySpaceID, userID)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.db.Exec(`DELETE FROM conversation_messages WHERE conversation_id = ?`, id); err != nil {
			return 0, err
		}
		if _, err := s.db.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// CountConversationsByUserGlobal counts conversations belonging to userID
// across all memory spaces, without deleting anything. Used by the GDPR
// cascade's Collect/dryRun phase.
func (s *Store) CountConversationsByUserGlobal(userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// DeleteConversationsByUserGlobal removes every conversation (and its
// messages) belonging to userID across all memory spaces, returning the
// count deleted. Used by the GDPR cascade, which is not scoped to one
// space.
func (s *Store) DeleteConversationsByUserGlobal(userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT conversation_id FROM conversations WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.db.Exec(`DELETE FROM conversation_messages WHERE conversation_id = ?`, id); err != nil {
			return 0, err
		}
		if _, err := s.db.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// ConversationBackup bundles a conversation header with its full message
// history, enough to reinsert both with CreateConversation/AppendMessage.
type ConversationBackup struct {
	Conversation *Conversation
	Messages     []*Message
}

// GetConversationsByUserGlobal fetches every conversation belonging to userID
// across all memory spaces, together with their messages, without deleting
// anything. Used by the GDPR cascade's Backup phase to snapshot data that
// Execute is about to remove, so it can be reinserted on rollback.
func (s *Store) GetConversationsByUserGlobal(userID string) ([]*ConversationBackup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT conversation_id, memory_space_id, type, user_id, participant_id, agent_ids,
			message_count, created_at, updated_at, metadata
		FROM conversations WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		var uID, participantID, agentIDs, metadata sql.NullString
		if err := rows.Scan(&c.ConversationID, &c.MemorySpaceID, &c.Type, &uID, &participantID, &agentIDs,
			&c.MessageCount, &c.CreatedAt, &c.UpdatedAt, &metadata); err != nil {
			rows.Close()
			return nil, err
		}
		c.UserID = strOrEmpty(uID)
		c.ParticipantID = strOrEmpty(participantID)
		c.AgentIDs = unmarshalStrings(agentIDs)
		c.Metadata = unmarshalMetadata(metadata)
		convs = append(convs, &c)
	}
	rows.Close()

	out := make([]*ConversationBackup, 0, len(convs))
	for _, c := range convs {
		msgRows, err := s.db.Query(`
			SELECT id, conversation_id, seq, role, content, user_id, participant_id, timestamp, metadata
			FROM conversation_messages WHERE conversation_id = ? ORDER BY seq ASC
		`, c.ConversationID)
		if err != nil {
			return nil, err
		}
		var msgs []*Message
		for msgRows.Next() {
			var m Message
			var uID, participantID, metadata sql.NullString
			if err := msgRows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &uID, &participantID,
				&m.Timestamp, &metadata); err != nil {
				msgRows.Close()
				return nil, err
			}
			m.UserID = strOrEmpty(uID)
			m.ParticipantID = strOrEmpty(participantID)
			m.Metadata = unmarshalMetadata(metadata)
			msgs = append(msgs, &m)
		}
		msgRows.Close()
		out = append(out, &ConversationBackup{Conversation: c, Messages: msgs})
	}
	return out, nil
}

// RestoreConversation reinserts a conversation header and its messages
// exactly as backed up, used to roll back a failed GDPR cascade.
func (s *Store) RestoreConversation(b *ConversationBackup) error {
	if err := s.CreateConversation(b.Conversation); err != nil {
		return err
	}
	for _, m := range b.Messages {
		if err := s.AppendMessage(m); err != nil {
			return err
		}
	}
	return nil
}

// ExportConversations serializes every conversation and message in a memory
// space to JSON, following the teacher's Export/Import convention.
func (s *Store) ExportConversations(memorySpaceID string) ([]byte, error) {
	convs, err := s.ListConversations(memorySpaceID, "", "", 0, 0)
	if err != nil {
		return nil, err
	}
	type dump struct {
		Conversations []*Conversation      `json:"conversations"`
		Messages      map[string][]*Message `json:"messages"`
	}
	d := dump{Conversations: convs, Messages: map[string][]*Message{}}
	for _, c := range convs {
		msgs, err := s.GetHistory(c.ConversationID, 0, 0)
		if err != nil {
			return nil, err
		}
		d.Messages[c.ConversationID] = msgs
	}
	return json.Marshal(d)
}
