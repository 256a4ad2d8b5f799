package store

import (
	"database/sql"
	"encoding/json"
)

// -- MemorySpace ------------------------------------------------------------

func (s *Store) CreateMemorySpace(m *MemorySpace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants, err := marshalStrings(m.Participants)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO memory_spaces (memory_space_id, type, status, participants, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, m.MemorySpaceID, m.Type, m.Status, nullString(participants), m.CreatedAt, m.UpdatedAt, nullString(metadata))
	return err
}

func (s *Store) GetMemorySpace(id string) (*MemorySpace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var m MemorySpace
	var participants, metadata sql.NullString
	err := s.db.QueryRow(`SELECT memory_space_id, type, status, participants, created_at, updated_at, metadata
		FROM memory_spaces WHERE memory_space_id = ?`, id).
		Scan(&m.MemorySpaceID, &m.Type, &m.Status, &participants, &m.CreatedAt, &m.UpdatedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Participants = unmarshalStrings(participants)
	m.Metadata = unmarshalMetadata(metadata)
	return &m, nil
}

func (s *Store) UpdateMemorySpaceStatus(id, status string, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE memory_spaces SET status = ?, updated_at = ? WHERE memory_space_id = ?`, status, updatedAt, id)
	return err
}

func (s *Store) SetMemorySpaceParticipants(id string, participants []string, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := marshalStrings(participants)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE memory_spaces SET participants = ?, updated_at = ? WHERE memory_space_id = ?`, nullString(data), updatedAt, id)
	return err
}

func (s *Store) ListMemorySpaces(limit, offset int) ([]*MemorySpace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := `SELECT memory_space_id, type, status, participants, created_at, updated_at, metadata FROM memory_spaces ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MemorySpace
	for rows.Next() {
		var m MemorySpace
		var participants, metadata sql.NullString
		if err := rows.Scan(&m.MemorySpaceID, &m.Type, &m.Status, &participants, &m.CreatedAt, &m.UpdatedAt, &metadata); err != nil {
			return nil, err
		}
		m.Participants = unmarshalStrings(participants)
		m.Metadata = unmarshalMetadata(metadata)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMemorySpace(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM memory_spaces WHERE memory_space_id = ?`, id)
	return err
}

// ListMemorySpacesByParticipant finds every memory space a user or agent
// participates in, by scanning the participants JSON array.
func (s *Store) ListMemorySpacesByParticipant(participantID string) ([]*MemorySpace, error) {
	all, err := s.ListMemorySpaces(0, 0)
	if err != nil {
		return nil, err
	}
	var out []*MemorySpace
	for _, m := range all {
		for _, p := range m.Participants {
			if p == participantID {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

// -- Context ------------------------------------------------------------

func (s *Store) CreateContext(c *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := marshalJSON(c.Data)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}
	grants, err := json.Marshal(c.AccessGrants)
	if err != nil {
		return err
	}
	convID, convMsgIDs := splitConvRef(c.ConvRef)

	_, err = s.db.Exec(`INSERT INTO contexts (context_id, memory_space_id, parent_context_id, purpose,
		conv_ref_conversation_id, data, status, depth, access_grants, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ContextID, c.MemorySpaceID, nullString(c.ParentContextID), nullString(c.Purpose),
		nullString(convID), nullString(data), c.Status, c.Depth, string(grants), c.CreatedAt, c.UpdatedAt, nullString(metadata))
	_ = convMsgIDs
	return err
}

func (s *Store) GetContext(id string) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT context_id, memory_space_id, parent_context_id, purpose,
		conv_ref_conversation_id, data, status, depth, access_grants, created_at, updated_at, metadata
		FROM contexts WHERE context_id = ?`, id)
	return scanContext(row)
}

func scanContext(row *sql.Row) (*Context, error) {
	var c Context
	var parentID, purpose, convID, data, grants, metadata sql.NullString
	err := row.Scan(&c.ContextID, &c.MemorySpaceID, &parentID, &purpose, &convID, &data, &c.Status, &c.Depth, &grants, &c.CreatedAt, &c.UpdatedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ParentContextID = strOrEmpty(parentID)
	c.Purpose = strOrEmpty(purpose)
	c.Metadata = unmarshalMetadata(metadata)
	if data.Valid && data.String != "" {
		json.Unmarshal([]byte(data.String), &c.Data)
	}
	if grants.Valid && grants.String != "" {
		json.Unmarshal([]byte(grants.String), &c.AccessGrants)
	}
	if convID.Valid {
		c.ConvRef = &ConversationRef{ConversationID: convID.String}
	}
	return &c, nil
}

// ListChildContexts returns the direct children of parentContextID.
func (s *Store) ListChildContexts(parentContextID string) ([]*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT context_id, memory_space_id, parent_context_id, purpose,
		conv_ref_conversation_id, data, status, depth, access_grants, created_at, updated_at, metadata
		FROM contexts WHERE parent_context_id = ?`, parentContextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContexts(rows)
}

// GetContextsByConversation returns every context referencing conversationID.
func (s *Store) GetContextsByConversation(conversationID string) ([]*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT context_id, memory_space_id, parent_context_id, purpose,
		conv_ref_conversation_id, data, status, depth, access_grants, created_at, updated_at, metadata
		FROM contexts WHERE conv_ref_conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContexts(rows)
}

// ListContextsBySpace returns every context in a memory space.
func (s *Store) ListContextsBySpace(memorySpaceID string) ([]*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT context_id, memory_space_id, parent_context_id, purpose,
		conv_ref_conversation_id, data, status, depth, access_grants, created_at, updated_at, metadata
		FROM contexts WHERE memory_space_id = ?`, memorySpaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContexts(rows)
}

// ListContextsUpdatedSince returns every context with updated_at strictly
// greater than since, oldest first, capped at limit. Used by the graph
// sync worker's ChangeSource to poll for new writes.
func (s *Store) ListContextsUpdatedSince(since int64, limit int) ([]*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT context_id, memory_space_id, parent_context_id, purpose,
		conv_ref_conversation_id, data, status, depth, access_grants, created_at, updated_at, metadata
		FROM contexts WHERE updated_at > ? ORDER BY updated_at ASC LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContexts(rows)
}

func scanContexts(rows *sql.Rows) ([]*Context, error) {
	var out []*Context
	for rows.Next() {
		var c Context
		var parentID, purpose, convID, data, grants, metadata sql.NullString
		if err := rows.Scan(&c.ContextID, &c.MemorySpaceID, &parentID, &purpose, &convID, &data, &c.Status, &c.Depth, &grants, &c.CreatedAt, &c.UpdatedAt, &metadata); err != nil {
			return nil, err
		}
		c.ParentContextID = strOrEmpty(parentID)
		c.Purpose = strOrEmpty(purpose)
		c.Metadata = unmarshalMetadata(metadata)
		if data.Valid && data.String != "" {
			json.Unmarshal([]byte(data.String), &c.Data)
		}
		if grants.Valid && grants.String != "" {
			json.Unmarshal([]byte(grants.String), &c.AccessGrants)
		}
		if convID.Valid {
			c.ConvRef = &ConversationRef{ConversationID: convID.String}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpdateContext persists a full context row (purpose, data, status, depth,
// metadata), used by update/addParticipant/removeParticipant.
func (s *Store) UpdateContext(c *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := marshalJSON(c.Data)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}
	grants, err := json.Marshal(c.AccessGrants)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE contexts SET purpose = ?, data = ?, status = ?, depth = ?, access_grants = ?,
		updated_at = ?, metadata = ? WHERE context_id = ?`,
		nullString(c.Purpose), nullString(data), c.Status, c.Depth, string(grants), c.UpdatedAt, nullString(metadata), c.ContextID)
	return err
}

func (s *Store) UpdateContextStatus(id, status string, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE contexts SET status = ?, updated_at = ? WHERE context_id = ?`, status, updatedAt, id)
	return err
}

func (s *Store) AddContextAccessGrant(id string, grant AccessGrant, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT access_grants FROM contexts WHERE context_id = ?`, id)
	var raw sql.NullString
	if err := row.Scan(&raw); err != nil {
		return err
	}
	var grants []AccessGrant
	if raw.Valid && raw.String != "" {
		json.Unmarshal([]byte(raw.String), &grants)
	}
	grants = append(grants, grant)
	data, err := json.Marshal(grants)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE contexts SET access_grants = ?, updated_at = ? WHERE context_id = ?`, string(data), updatedAt, id)
	return err
}

func (s *Store) DeleteContext(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM contexts WHERE context_id = ?`, id)
	return err
}

// DeleteContextsByConversation removes every context referencing
// conversationID, returning the count deleted. Used by cascade deletion.
func (s *Store) DeleteContextsByConversation(conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM contexts WHERE conv_ref_conversation_id = ?`, conversationID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteContextsBySpace removes every context in a memory space.
func (s *Store) DeleteContextsBySpace(memorySpaceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM contexts WHERE memory_space_id = ?`, memorySpaceID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// -- User / Agent -------------------------------------------------------

func (s *Store) CreateUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metadata, err := marshalJSON(u.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO users (user_id, name, created_at, updated_at, metadata) VALUES (?, ?, ?, ?, ?)`,
		u.UserID, nullString(u.Name), u.CreatedAt, u.UpdatedAt, nullString(metadata))
	return err
}

func (s *Store) GetUser(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var u User
	var name, metadata sql.NullString
	err := s.db.QueryRow(`SELECT user_id, name, created_at, updated_at, metadata FROM users WHERE user_id = ?`, id).
		Scan(&u.UserID, &name, &u.CreatedAt, &u.UpdatedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Name = strOrEmpty(name)
	u.Metadata = unmarshalMetadata(metadata)
	return &u, nil
}

func (s *Store) DeleteUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM users WHERE user_id = ?`, id)
	return err
}

func (s *Store) CreateAgent(a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	config, err := marshalJSON(a.Config)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO agents (participant_id, name, config, created_at, updated_at, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ParticipantID, nullString(a.Name), nullString(config), a.CreatedAt, a.UpdatedAt, nullString(metadata))
	return err
}

// UpdateAgentConfig persists a replaced config map for an existing agent.
func (s *Store) UpdateAgentConfig(a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	config, err := marshalJSON(a.Config)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE agents SET config = ?, updated_at = ? WHERE participant_id = ?`,
		nullString(config), a.UpdatedAt, a.ParticipantID)
	return err
}

func (s *Store) GetAgent(participantID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var a Agent
	var name, config, metadata sql.NullString
	err := s.db.QueryRow(`SELECT participant_id, name, config, created_at, updated_at, metadata FROM agents WHERE participant_id = ?`, participantID).
		Scan(&a.ParticipantID, &name, &config, &a.CreatedAt, &a.UpdatedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Name = strOrEmpty(name)
	a.Metadata = unmarshalMetadata(metadata)
	if config.Valid && config.String != "" {
		json.Unmarshal([]byte(config.String), &a.Config)
	}
	return &a, nil
}

func (s *Store) DeleteAgent(participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM agents WHERE participant_id = ?`, participantID)
	return err
}
