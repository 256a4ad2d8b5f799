package store

import (
	"database/sql"
	"encoding/json"
)

// StoreVector inserts a new vector memory at version 1 and mirrors its
// embedding into the sqlite-vec virtual table when available.
func (s *Store) StoreVector(v *VectorMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := marshalStrings(v.Tags)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(v.Metadata)
	if err != nil {
		return err
	}
	convConvID, convMsgIDs := splitConvRef(v.ConvRef)

	v.Version = 1
	_, err = s.db.Exec(`
		INSERT INTO vector_memories (memory_id, memory_space_id, content, embedding, importance, tags,
			source_type, source_user_id, source_participant_id, conv_ref_conversation_id, conv_ref_message_ids,
			version, archived, deleted_at, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.MemoryID, v.MemorySpaceID, v.Content, float32ToBytes(v.Embedding), v.Importance, nullString(tags),
		nullString(v.SourceType), nullString(v.SourceUserID), nullString(v.SourceParticipant),
		nullString(convConvID), nullString(convMsgIDs), v.Version, boolToInt(v.Archived), nullInt64(v.DeletedAt),
		v.CreatedAt, v.UpdatedAt, nullString(metadata))
	if err != nil {
		return err
	}

	s.mirrorVec(v.MemoryID, v.Embedding)
	return s.snapshotVectorVersion(v)
}

func (s *Store) mirrorVec(memoryID string, embedding []float32) {
	if len(embedding) == 0 {
		return
	}
	vecJSON, err := json.Marshal(embedding)
	if err != nil {
		return
	}
	s.db.Exec(`INSERT INTO vector_memories_vec (memory_id, embedding) VALUES (?, ?)
		ON CONFLICT (memory_id) DO UPDATE SET embedding = excluded.embedding`, memoryID, string(vecJSON))
}

func (s *Store) snapshotVectorVersion(v *VectorMemory) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(v.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO vector_memory_versions (memory_id, version, data, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?)`, v.MemoryID, v.Version, string(data), nullString(metadata), v.UpdatedAt)
	return err
}

func splitConvRef(ref *ConversationRef) (string, string) {
	if ref == nil {
		return "", ""
	}
	msgIDs, _ := marshalStrings(ref.MessageIDs)
	return ref.ConversationID, msgIDs
}

// GetVector fetches the current version of a vector memory.
func (s *Store) GetVector(memoryID string) (*VectorMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT memory_id, memory_space_id, content, embedding, importance, tags,
		source_type, source_user_id, source_participant_id, conv_ref_conversation_id, conv_ref_message_ids,
		version, archived, deleted_at, created_at, updated_at, metadata
		FROM vector_memories WHERE memory_id = ?`, memoryID)
	return scanVector(row)
}

func scanVector(row *sql.Row) (*VectorMemory, error) {
	var v VectorMemory
	var embedding []byte
	var tags, sourceType, sourceUserID, sourceParticipant, convID, convMsgIDs, metadata sql.NullString
	var deletedAt sql.NullInt64
	var archived int
	err := row.Scan(&v.MemoryID, &v.MemorySpaceID, &v.Content, &embedding, &v.Importance, &tags,
		&sourceType, &sourceUserID, &sourceParticipant, &convID, &convMsgIDs,
		&v.Version, &archived, &deletedAt, &v.CreatedAt, &v.UpdatedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Embedding = bytesToFloat32(embedding)
	v.Tags = unmarshalStrings(tags)
	v.SourceType = strOrEmpty(sourceType)
	v.SourceUserID = strOrEmpty(sourceUserID)
	v.SourceParticipant = strOrEmpty(sourceParticipant)
	v.Archived = archived != 0
	v.DeletedAt = int64OrZero(deletedAt)
	v.Metadata = unmarshalMetadata(metadata)
	if convID.Valid {
		v.ConvRef = &ConversationRef{ConversationID: convID.String, MessageIDs: unmarshalStrings(convMsgIDs)}
	}
	return &v, nil
}

// UpdateVector applies mutator to the current row, bumps its version, and
// snapshots the result.
func (s *Store) UpdateVector(memoryID string, mutator func(v *VectorMemory)) (*VectorMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT memory_id, memory_space_id, content, embedding, importance, tags,
		source_type, source_user_id, source_participant_id, conv_ref_conversation_id, conv_ref_message_ids,
		version, archived, deleted_at, created_at, updated_at, metadata
		FROM vector_memories WHERE memory_id = ?`, memoryID)
	v, err := scanVector(row)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}

	mutator(v)
	v.Version++

	tags, err := marshalStrings(v.Tags)
	if err != nil {
		return nil, err
	}
	metadata, err := marshalJSON(v.Metadata)
	if err != nil {
		return nil, err
	}
	convID, convMsgIDs := splitConvRef(v.ConvRef)

	_, err = s.db.Exec(`UPDATE vector_memories SET content = ?, embedding = ?, importance = ?, tags = ?,
		conv_ref_conversation_id = ?, conv_ref_message_ids = ?, version = ?, archived = ?, deleted_at = ?,
		updated_at = ?, metadata = ? WHERE memory_id = ?`,
		v.Content, float32ToBytes(v.Embedding), v.Importance, nullString(tags),
		nullString(convID), nullString(convMsgIDs), v.Version, boolToInt(v.Archived), nullInt64(v.DeletedAt),
		v.UpdatedAt, nullString(metadata), v.MemoryID)
	if err != nil {
		return nil, err
	}
	s.mirrorVec(v.MemoryID, v.Embedding)
	if err := s.snapshotVectorVersion(v); err != nil {
		return nil, err
	}
	return v, nil
}

// DeleteVector removes a vector memory, its versions, and its vec0 mirror
// row.
func (s *Store) DeleteVector(memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec(`DELETE FROM vector_memories_vec WHERE memory_id = ?`, memoryID)
	if _, err := s.db.Exec(`DELETE FROM vector_memory_versions WHERE memory_id = ?`, memoryID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM vector_memories WHERE memory_id = ?`, memoryID)
	return err
}

// ListVectors lists vector memories in a memory space, newest first.
func (s *Store) ListVectors(memorySpaceID string, includeArchived bool, limit, offset int) ([]*VectorMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT memory_id, memory_space_id, content, embedding, importance, tags,
		source_type, source_user_id, source_participant_id, conv_ref_conversation_id, conv_ref_message_ids,
		version, archived, deleted_at, created_at, updated_at, metadata
		FROM vector_memories WHERE memory_space_id = ?`
	args := []any{memorySpaceID}
	if !includeArchived {
		query += " AND archived = 0"
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
	return scanVectors(rows)
}

// ListVectorsUpdatedSince returns every vector memory (including archived
// and soft-deleted ones, so the graph mirror can react to both) with
// updated_at strictly greater than since, oldest first, capped at limit.
// Used by the graph sync worker's ChangeSource to poll for new writes.
func (s *Store) ListVectorsUpdatedSince(since int64, limit int) ([]*VectorMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT memory_id, memory_space_id, content, embedding, importance, tags,
		source_type, source_user_id, source_participant_id, conv_ref_conversation_id, conv_ref_message_ids,
		version, archived, deleted_at, created_at, updated_at, metadata
		FROM vector_memories WHERE updated_at > ? ORDER BY updated_at ASC LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVectors(rows)
}

func scanVectors(rows *sql.Rows) ([]*VectorMemory, error) {
	var out []*VectorMemory
	for rows.Next() {
		var v VectorMemory
		var embedding []byte
		var tags, sourceType, sourceUserID, sourceParticipant, convID, convMsgIDs, metadata sql.NullString
		var deletedAt sql.NullInt64
		var archived int
		if err := rows.Scan(&v.MemoryID, &v.MemorySpaceID, &v.Content, &embedding, &v.Importance, &tags,
			&sourceType, &sourceUserID, &sourceParticipant, &convID, &convMsgIDs,
			&v.Version, &archived, &deletedAt, &v.CreatedAt, &v.UpdatedAt, &metadata); err != nil {
			return nil, err
		}
		v.Embedding = bytesToFloat32(embedding)
		v.Tags = unmarshalStrings(tags)
		v.SourceType = strOrEmpty(sourceType)
		v.SourceUserID = strOrEmpty(sourceUserID)
		v.SourceParticipant = strOrEmpty(sourceParticipant)
		v.Archived = archived != 0
		v.DeletedAt = int64OrZero(deletedAt)
		v.Metadata = unmarshalMetadata(metadata)
		if convID.Valid {
			v.ConvRef = &ConversationRef{ConversationID: convID.String, MessageIDs: unmarshalStrings(convMsgIDs)}
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// CountVectors counts vector memories in a memory space.
func (s *Store) CountVectors(memorySpaceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM vector_memories WHERE memory_space_id = ? AND archived = 0`, memorySpaceID).Scan(&n)
	return n, err
}

// NearestNeighborsSQL attempts a native sqlite-vec k-NN query via the
// vec0 virtual table, returning candidate memory ids ordered by distance.
// Returns a nil slice and the query's own error when the virtual table is
// unusable, signaling the caller to fall back to an in-process cosine scan.
func (s *Store) NearestNeighborsSQL(memorySpaceID string, query []float32, k int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT v.memory_id FROM vector_memories_vec v
		JOIN vector_memories m ON m.memory_id = v.memory_id
		WHERE m.memory_space_id = ? AND m.archived = 0 AND v.embedding MATCH ? AND k = ?
		ORDER BY distance
	`, memorySpaceID, string(queryJSON), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetVectorVersion fetches one historical version's raw JSON snapshot.
func (s *Store) GetVectorVersion(memoryID string, version int64) (*VectorMemoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v VectorMemoryVersion
	var metadata sql.NullString
	err := s.db.QueryRow(`SELECT memory_id, version, data, metadata, timestamp
		FROM vector_memory_versions WHERE memory_id = ? AND version = ?`, memoryID, version).
		Scan(&v.MemoryID, &v.Version, &v.Data, &metadata, &v.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Metadata = unmarshalMetadata(metadata)
	return &v, nil
}

// GetVectorAtTimestamp returns the snapshot current at ts.
func (s *Store) GetVectorAtTimestamp(memoryID string, ts int64) (*VectorMemoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v VectorMemoryVersion
	var metadata sql.NullString
	err := s.db.QueryRow(`SELECT memory_id, version, data, metadata, timestamp
		FROM vector_memory_versions WHERE memory_id = ? AND timestamp <= ? ORDER BY version DESC LIMIT 1`, memoryID, ts).
		Scan(&v.MemoryID, &v.Version, &v.Data, &metadata, &v.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Metadata = unmarshalMetadata(metadata)
	return &v, nil
}

// GetVectorHistory returns every snapshot, oldest first.
func (s *Store) GetVectorHistory(memoryID string) ([]*VectorMemoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT memory_id, version, data, metadata, timestamp
		FROM vector_memory_versions WHERE memory_id = ? ORDER BY version ASC`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*VectorMemoryVersion
	for rows.Next() {
		var v VectorMemoryVersion
		var metadata sql.NullString
		if err := rows.Scan(&v.MemoryID, &v.Version, &v.Data, &metadata, &v.Timestamp); err != nil {
			return nil, err
		}
		v.Metadata = unmarshalMetadata(metadata)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// DeleteVectorsBySpace removes every vector memory in a memory space,
// returning the count deleted. Used by the coordination layer's cascade.
func (s *Store) DeleteVectorsBySpace(memorySpaceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT memory_id FROM vector_memories WHERE memory_space_id = ?`, memorySpaceID)
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
		s.db.Exec(`DELETE FROM vector_memories_vec WHERE memory_id = ?`, id)
		s.db.Exec(`DELETE FROM vector_memory_versions WHERE memory_id = ?`, id)
		if _, err := s.db.Exec(`DELETE FROM vector_memories WHERE memory_id = ?`, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// CountVectorsByParticipant counts vector memories sourced by userID or
// participantID across all memory spaces, without deleting anything. Used
// by the GDPR cascade's Collect/dryRun phase.
func (s *Store) CountVectorsByParticipant(userID, participantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	var err error
	switch {
	case userID != "":
		err = s.db.QueryRow(`SELECT COUNT(*) FROM vector_memories WHERE source_user_id = ?`, userID).Scan(&n)
	case participantID != "":
		err = s.db.QueryRow(`SELECT COUNT(*) FROM vector_memories WHERE source_participant_id = ?`, participantID).Scan(&n)
	}
	return n, err
}

// GetVectorsByParticipant fetches every vector memory sourced by a
// participant (user or agent) across all memory spaces, without deleting
// anything. Used by the GDPR cascade's Backup phase.
func (s *Store) GetVectorsByParticipant(userID, participantID string) ([]*VectorMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT memory_id, memory_space_id, content, embedding, importance, tags,
		source_type, source_user_id, source_participant_id, conv_ref_conversation_id, conv_ref_message_ids,
		version, archived, deleted_at, created_at, updated_at, metadata
		FROM vector_memories WHERE 1=0`
	args := []any{}
	if userID != "" {
		query = `SELECT memory_id, memory_space_id, content, embedding, importance, tags,
			source_type, source_user_id, source_participant_id, conv_ref_conversation_id, conv_ref_message_ids,
			version, archived, deleted_at, created_at, updated_at, metadata
			FROM vector_memories WHERE source_user_id = ?`
		args = []any{userID}
	} else if participantID != "" {
		query = `SELECT memory_id, memory_space_id, content, embedding, importance, tags,
			source_type, source_user_id, source_participant_id, conv_ref_conversation_id, conv_ref_message_ids,
			version, archived, deleted_at, created_at, updated_at, metadata
			FROM vector_memories WHERE source_participant_id = ?`
		args = []any{participantID}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*VectorMemory
	for rows.Next() {
		var v VectorMemory
		var embedding []byte
		var tags, sourceType, sourceUserID, sourceParticipant, convID, convMsgIDs, metadata sql.NullString
		var deletedAt sql.NullInt64
		var archived int
		if err := rows.Scan(&v.MemoryID, &v.MemorySpaceID, &v.Content, &embedding, &v.Importance, &tags,
			&sourceType, &sourceUserID, &sourceParticipant, &convID, &convMsgIDs,
			&v.Version, &archived, &deletedAt, &v.CreatedAt, &v.UpdatedAt, &metadata); err != nil {
			return nil, err
		}
		v.Embedding = bytesToFloat32(embedding)
		v.Tags = unmarshalStrings(tags)
		v.SourceType = strOrEmpty(sourceType)
		v.SourceUserID = strOrEmpty(sourceUserID)
		v.SourceParticipant = strOrEmpty(sourceParticipant)
		v.Archived = archived != 0
		v.DeletedAt = int64OrZero(deletedAt)
		v.Metadata = unmarshalMetadata(metadata)
		if convID.Valid {
			v.ConvRef = &ConversationRef{ConversationID: convID.String, MessageIDs: unmarshalStrings(convMsgIDs)}
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// RestoreVector reinserts a vector memory exactly as backed up, used to roll
// back a failed GDPR cascade. It bypasses version bumping since the backup
// already carries the version the row had before deletion.
func (s *Store) RestoreVector(v *VectorMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := marshalStrings(v.Tags)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(v.Metadata)
	if err != nil {
		return err
	}
	convConvID, convMsgIDs := splitConvRef(v.ConvRef)

	_, err = s.db.Exec(`
		INSERT INTO vector_memories (memory_id, memory_space_id, content, embedding, importance, tags,
			source_type, source_user_id, source_participant_id, conv_ref_conversation_id, conv_ref_message_ids,
			version, archived, deleted_at, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.MemoryID, v.MemorySpaceID, v.Content, float32ToBytes(v.Embedding), v.Importance, nullString(tags),
		nullString(v.SourceType), nullString(v.SourceUserID), nullString(v.SourceParticipant),
		nullString(convConvID), nullString(convMsgIDs), v.Version, boolToInt(v.Archived), nullInt64(v.DeletedAt),
		v.CreatedAt, v.UpdatedAt, nullString(metadata))
	if err != nil {
		return err
	}
	s.mirrorVec(v.MemoryID, v.Embedding)
	return s.snapshotVectorVersion(v)
}

// DeleteVectorsByParticipant removes every vector memory sourced by a
// participant (user or agent) across all memory spaces, returning the
// count deleted. Used by the GDPR cascade.
func (s *Store) DeleteVectorsByParticipant(userID, participantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT memory_id FROM vector_memories WHERE 1=0`
	args := []any{}
	if userID != "" {
		query = `SELECT memory_id FROM vector_memories WHERE source_user_id = ?`
		args = []any{userID}
	} else if participantID != "" {
		query = `SELECT memory_id FROM vector_memories WHERE source_participant_id = ?`
		args = []any{participantID}
	}

	rows, err := s.db.Query(query, args...)
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
		s.db.Exec(`DELETE FROM vector_memories_vec WHERE memory_id = ?`, id)
		s.db.Exec(`DELETE FROM vector_memory_versions WHERE memory_id = ?`, id)
		if _, err := s.db.Exec(`DELETE FROM vector_memories WHERE memory_id = ?`, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}
