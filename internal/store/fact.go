package store

import (
	"database/sql"
	"encoding/json"
)

// StoreFact inserts a new fact at version 1, or at f.Version when the
// caller has already set one (a superseding update).
func (s *Store) StoreFact(f *Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := marshalStrings(f.Tags)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(f.Metadata)
	if err != nil {
		return err
	}
	if f.Version == 0 {
		f.Version = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO facts (fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
			source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
			superseded_by, supersedes, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.FactID, f.MemorySpaceID, f.FactType, f.Subject, f.Predicate, f.Object, f.Confidence,
		nullString(f.SourceType), nullString(f.SourceRef), nullString(f.UserID), nullString(f.ParticipantID),
		nullString(tags), nullInt64(f.ValidFrom), nullInt64(f.ValidUntil), f.Version,
		nullString(f.SupersededBy), nullString(f.Supersedes), f.CreatedAt, f.UpdatedAt, nullString(metadata))
	if err != nil {
		return err
	}
	return s.snapshotFactVersion(f)
}

func (s *Store) snapshotFactVersion(f *Fact) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO fact_versions (fact_id, version, data, timestamp) VALUES (?, ?, ?, ?)`,
		f.FactID, f.Version, string(data), f.UpdatedAt)
	return err
}

// GetFact fetches the current version of a fact.
func (s *Store) GetFact(factID string) (*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
		source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
		superseded_by, supersedes, created_at, updated_at, metadata
		FROM facts WHERE fact_id = ?`, factID)
	return scanFact(row)
}

func scanFact(row *sql.Row) (*Fact, error) {
	var f Fact
	var sourceType, sourceRef, userID, participantID, tags, supersededBy, supersedes, metadata sql.NullString
	var validFrom, validUntil sql.NullInt64
	err := row.Scan(&f.FactID, &f.MemorySpaceID, &f.FactType, &f.Subject, &f.Predicate, &f.Object, &f.Confidence,
		&sourceType, &sourceRef, &userID, &participantID, &tags, &validFrom, &validUntil, &f.Version,
		&supersededBy, &supersedes, &f.CreatedAt, &f.UpdatedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.SourceType = strOrEmpty(sourceType)
	f.SourceRef = strOrEmpty(sourceRef)
	f.UserID = strOrEmpty(userID)
	f.ParticipantID = strOrEmpty(participantID)
	f.Tags = unmarshalStrings(tags)
	f.ValidFrom = int64OrZero(validFrom)
	f.ValidUntil = int64OrZero(validUntil)
	f.SupersededBy = strOrEmpty(supersededBy)
	f.Supersedes = strOrEmpty(supersedes)
	f.Metadata = unmarshalMetadata(metadata)
	return &f, nil
}

// UpdateFact applies mutator, bumps the version, and snapshots the result.
func (s *Store) UpdateFact(factID string, mutator func(f *Fact)) (*Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
		source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
		superseded_by, supersedes, created_at, updated_at, metadata FROM facts WHERE fact_id = ?`, factID)
	f, err := scanFact(row)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, nil
	}

	mutator(f)
	f.Version++

	tags, err := marshalStrings(f.Tags)
	if err != nil {
		return nil, err
	}
	metadata, err := marshalJSON(f.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`UPDATE facts SET fact_type = ?, subject = ?, predicate = ?, object = ?, confidence = ?,
		tags = ?, valid_from = ?, valid_until = ?, version = ?, superseded_by = ?, supersedes = ?,
		updated_at = ?, metadata = ? WHERE fact_id = ?`,
		f.FactType, f.Subject, f.Predicate, f.Object, f.Confidence, nullString(tags),
		nullInt64(f.ValidFrom), nullInt64(f.ValidUntil), f.Version, nullString(f.SupersededBy),
		nullString(f.Supersedes), f.UpdatedAt, nullString(metadata), f.FactID)
	if err != nil {
		return nil, err
	}
	if err := s.snapshotFactVersion(f); err != nil {
		return nil, err
	}
	return f, nil
}

// DeleteFact removes a fact and its versions.
func (s *Store) DeleteFact(factID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM fact_versions WHERE fact_id = ?`, factID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM facts WHERE fact_id = ?`, factID)
	return err
}

// ListFacts lists facts in a memory space, newest first.
func (s *Store) ListFacts(memorySpaceID string, limit, offset int) ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
		source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
		superseded_by, supersedes, created_at, updated_at, metadata
		FROM facts WHERE memory_space_id = ? ORDER BY updated_at DESC`
	args := []any{memorySpaceID}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

// ListFactsUpdatedSince returns every fact (including superseded ones, so
// the graph mirror can react to supersession edits) with updated_at
// strictly greater than since, oldest first, capped at limit. Used by the
// graph sync worker's ChangeSource to poll for new writes.
func (s *Store) ListFactsUpdatedSince(since int64, limit int) ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
		source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
		superseded_by, supersedes, created_at, updated_at, metadata
		FROM facts WHERE updated_at > ? ORDER BY updated_at ASC LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

// QueryFactsBySubject finds facts about subject within a memory space.
func (s *Store) QueryFactsBySubject(memorySpaceID, subject string, includeSuperseded bool) ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
		source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
		superseded_by, supersedes, created_at, updated_at, metadata
		FROM facts WHERE memory_space_id = ? AND subject = ?`
	args := []any{memorySpaceID, subject}
	if !includeSuperseded {
		query += " AND superseded_by IS NULL"
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

// QueryFactsByRelationship finds facts matching subject/predicate/object,
// any of which may be empty to mean "any".
func (s *Store) QueryFactsByRelationship(memorySpaceID, subject, predicate, object string, includeSuperseded bool) ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
		source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
		superseded_by, supersedes, created_at, updated_at, metadata
		FROM facts WHERE memory_space_id = ?`
	args := []any{memorySpaceID}
	if subject != "" {
		query += " AND subject = ?"
		args = append(args, subject)
	}
	if predicate != "" {
		query += " AND predicate = ?"
		args = append(args, predicate)
	}
	if object != "" {
		query += " AND object = ?"
		args = append(args, object)
	}
	if !includeSuperseded {
		query += " AND superseded_by IS NULL"
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

// SearchFacts finds facts in a memory space whose subject, predicate, or
// object contains query.
func (s *Store) SearchFacts(memorySpaceID, query string, limit int) ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlQuery := `SELECT fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
		source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
		superseded_by, supersedes, created_at, updated_at, metadata
		FROM facts WHERE memory_space_id = ? AND (subject LIKE ? COLLATE NOCASE OR predicate LIKE ? COLLATE NOCASE OR object LIKE ? COLLATE NOCASE)
		ORDER BY updated_at DESC`
	like := "%" + query + "%"
	args := []any{memorySpaceID, like, like, like}
	if limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

func scanFacts(rows *sql.Rows) ([]*Fact, error) {
	var out []*Fact
	for rows.Next() {
		var f Fact
		var sourceType, sourceRef, userID, participantID, tags, supersededBy, supersedes, metadata sql.NullString
		var validFrom, validUntil sql.NullInt64
		if err := rows.Scan(&f.FactID, &f.MemorySpaceID, &f.FactType, &f.Subject, &f.Predicate, &f.Object, &f.Confidence,
			&sourceType, &sourceRef, &userID, &participantID, &tags, &validFrom, &validUntil, &f.Version,
			&supersededBy, &supersedes, &f.CreatedAt, &f.UpdatedAt, &metadata); err != nil {
			return nil, err
		}
		f.SourceType = strOrEmpty(sourceType)
		f.SourceRef = strOrEmpty(sourceRef)
		f.UserID = strOrEmpty(userID)
		f.ParticipantID = strOrEmpty(participantID)
		f.Tags = unmarshalStrings(tags)
		f.ValidFrom = int64OrZero(validFrom)
		f.ValidUntil = int64OrZero(validUntil)
		f.SupersededBy = strOrEmpty(supersededBy)
		f.Supersedes = strOrEmpty(supersedes)
		f.Metadata = unmarshalMetadata(metadata)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// CountFacts counts facts in a memory space.
func (s *Store) CountFacts(memorySpaceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM facts WHERE memory_space_id = ?`, memorySpaceID).Scan(&n)
	return n, err
}

// GetFactHistory returns every version of a fact, oldest first.
func (s *Store) GetFactHistory(factID string) ([]*FactVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT fact_id, version, data, timestamp FROM fact_versions WHERE fact_id = ? ORDER BY version ASC`, factID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FactVersion
	for rows.Next() {
		var v FactVersion
		if err := rows.Scan(&v.FactID, &v.Version, &v.Data, &v.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// DeleteFactsBySpace removes every fact in a memory space, returning the
// count deleted.
func (s *Store) DeleteFactsBySpace(memorySpaceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT fact_id FROM facts WHERE memory_space_id = ?`, memorySpaceID)
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
		s.db.Exec(`DELETE FROM fact_versions WHERE fact_id = ?`, id)
		if _, err := s.db.Exec(`DELETE FROM facts WHERE fact_id = ?`, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// CountFactsByParticipant counts facts sourced by userID or participantID
// across all memory spaces, without deleting anything. Used by the GDPR
// cascade's Collect/dryRun phase.
func (s *Store) CountFactsByParticipant(userID, participantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	var err error
	switch {
	case userID != "":
		err = s.db.QueryRow(`SELECT COUNT(*) FROM facts WHERE user_id = ?`, userID).Scan(&n)
	case participantID != "":
		err = s.db.QueryRow(`SELECT COUNT(*) FROM facts WHERE participant_id = ?`, participantID).Scan(&n)
	}
	return n, err
}

// GetFactsByParticipant fetches every fact sourced by userID or
// participantID across all memory spaces, without deleting anything. Used by
// the GDPR cascade's Backup phase.
func (s *Store) GetFactsByParticipant(userID, participantID string) ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
		source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
		superseded_by, supersedes, created_at, updated_at, metadata
		FROM facts WHERE 1=0`
	args := []any{}
	if userID != "" {
		query = `SELECT fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
			source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
			superseded_by, supersedes, created_at, updated_at, metadata
			FROM facts WHERE user_id = ?`
		args = []any{userID}
	} else if participantID != "" {
		query = `SELECT fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
			source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
			superseded_by, supersedes, created_at, updated_at, metadata
			FROM facts WHERE participant_id = ?`
		args = []any{participantID}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Fact
	for rows.Next() {
		var f Fact
		var sourceType, sourceRef, uID, partID, tags, supersededBy, supersedes, metadata sql.NullString
		var validFrom, validUntil sql.NullInt64
		if err := rows.Scan(&f.FactID, &f.MemorySpaceID, &f.FactType, &f.Subject, &f.Predicate, &f.Object, &f.Confidence,
			&sourceType, &sourceRef, &uID, &partID, &tags, &validFrom, &validUntil, &f.Version,
			&supersededBy, &supersedes, &f.CreatedAt, &f.UpdatedAt, &metadata); err != nil {
			return nil, err
		}
		f.SourceType = strOrEmpty(sourceType)
		f.SourceRef = strOrEmpty(sourceRef)
		f.UserID = strOrEmpty(uID)
		f.ParticipantID = strOrEmpty(partID)
		f.Tags = unmarshalStrings(tags)
		f.ValidFrom = int64OrZero(validFrom)
		f.ValidUntil = int64OrZero(validUntil)
		f.SupersededBy = strOrEmpty(supersededBy)
		f.Supersedes = strOrEmpty(supersedes)
		f.Metadata = unmarshalMetadata(metadata)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// RestoreFact reinserts a fact exactly as backed up, used to roll back a
// failed GDPR cascade.
func (s *Store) RestoreFact(f *Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := marshalStrings(f.Tags)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(f.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO facts (fact_id, memory_space_id, fact_type, subject, predicate, object, confidence,
			source_type, source_ref, user_id, participant_id, tags, valid_from, valid_until, version,
			superseded_by, supersedes, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.FactID, f.MemorySpaceID, f.FactType, f.Subject, f.Predicate, f.Object, f.Confidence,
		nullString(f.SourceType), nullString(f.SourceRef), nullString(f.UserID), nullString(f.ParticipantID),
		nullString(tags), nullInt64(f.ValidFrom), nullInt64(f.ValidUntil), f.Version,
		nullString(f.SupersededBy), nullString(f.Supersedes), f.CreatedAt, f.UpdatedAt, nullString(metadata))
	if err != nil {
		return err
	}
	return s.snapshotFactVersion(f)
}

// DeleteFactsByParticipant removes every fact sourced by a user or agent
// participant across all memory spaces, returning the count deleted.
func (s *Store) DeleteFactsByParticipant(userID, participantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var query string
	var args []any
	switch {
	case userID != "":
		query, args = `SELECT fact_id FROM facts WHERE user_id = ?`, []any{userID}
	case participantID != "":
		query, args = `SELECT fact_id FROM facts WHERE participant_id = ?`, []any{participantID}
	default:
		return 0, nil
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
		s.db.Exec(`DELETE FROM fact_versions WHERE fact_id = ?`, id)
		if _, err := s.db.Exec(`DELETE FROM facts WHERE fact_id = ?`, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}
