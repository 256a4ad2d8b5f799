package store

import "database/sql"

// StoreImmutable inserts entry at version 1, or bumps an existing entry's
// row to a new version, archiving the prior data into immutable_versions.
func (s *Store) StoreImmutable(entry *ImmutableEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadata, err := marshalJSON(entry.Metadata)
	if err != nil {
		return err
	}

	var existingVersion int64
	var existingData string
	err = s.db.QueryRow(`SELECT version, data FROM immutable_entries WHERE entry_type = ? AND entry_id = ?`,
		entry.EntryType, entry.EntryID).Scan(&existingVersion, &existingData)

	if err == sql.ErrNoRows {
		entry.Version = 1
		_, err = s.db.Exec(`
			INSERT INTO immutable_entries (entry_type, entry_id, version, data, user_id, created_at, updated_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.EntryType, entry.EntryID, entry.Version, entry.Data, nullString(entry.UserID),
			entry.CreatedAt, entry.UpdatedAt, nullString(metadata))
		if err != nil {
			return err
		}
		_, err = s.db.Exec(`INSERT INTO immutable_versions (entry_type, entry_id, version, data, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`, entry.EntryType, entry.EntryID, entry.Version, entry.Data, nullString(metadata), entry.CreatedAt)
		return err
	}
	if err != nil {
		return err
	}

	entry.Version = existingVersion + 1
	_, err = s.db.Exec(`UPDATE immutable_entries SET version = ?, data = ?, updated_at = ?, metadata = ?
		WHERE entry_type = ? AND entry_id = ?`,
		entry.Version, entry.Data, entry.UpdatedAt, nullString(metadata), entry.EntryType, entry.EntryID)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO immutable_versions (entry_type, entry_id, version, data, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`, entry.EntryType, entry.EntryID, entry.Version, entry.Data, nullString(metadata), entry.UpdatedAt)
	return err
}

// GetImmutable fetches the current version of an entry.
func (s *Store) GetImmutable(entryType, entryID string) (*ImmutableEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT entry_type, entry_id, version, data, user_id, created_at, updated_at, metadata
		FROM immutable_entries WHERE entry_type = ? AND entry_id = ?`, entryType, entryID)
	return scanImmutableEntry(row)
}

func scanImmutableEntry(row *sql.Row) (*ImmutableEntry, error) {
	var e ImmutableEntry
	var userID, metadata sql.NullString
	err := row.Scan(&e.EntryType, &e.EntryID, &e.Version, &e.Data, &userID, &e.CreatedAt, &e.UpdatedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.UserID = strOrEmpty(userID)
	e.Metadata = unmarshalMetadata(metadata)
	return &e, nil
}

// GetImmutableVersion fetches a specific historical version.
func (s *Store) GetImmutableVersion(entryType, entryID string, version int64) (*ImmutableVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v ImmutableVersion
	var metadata sql.NullString
	err := s.db.QueryRow(`SELECT entry_type, entry_id, version, data, metadata, timestamp
		FROM immutable_versions WHERE entry_type = ? AND entry_id = ? AND version = ?`, entryType, entryID, version).
		Scan(&v.EntryType, &v.EntryID, &v.Version, &v.Data, &metadata, &v.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Metadata = unmarshalMetadata(metadata)
	return &v, nil
}

// GetImmutableAtTimestamp returns the version of an entry that was current
// at ts (the latest version whose timestamp <= ts).
func (s *Store) GetImmutableAtTimestamp(entryType, entryID string, ts int64) (*ImmutableVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v ImmutableVersion
	var metadata sql.NullString
	err := s.db.QueryRow(`SELECT entry_type, entry_id, version, data, metadata, timestamp
		FROM immutable_versions WHERE entry_type = ? AND entry_id = ? AND timestamp <= ?
		ORDER BY version DESC LIMIT 1`, entryType, entryID, ts).
		Scan(&v.EntryType, &v.EntryID, &v.Version, &v.Data, &metadata, &v.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Metadata = unmarshalMetadata(metadata)
	return &v, nil
}

// GetImmutableHistory returns every version of an entry, oldest first.
func (s *Store) GetImmutableHistory(entryType, entryID string) ([]*ImmutableVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT entry_type, entry_id, version, data, metadata, timestamp
		FROM immutable_versions WHERE entry_type = ? AND entry_id = ? ORDER BY version ASC`, entryType, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ImmutableVersion
	for rows.Next() {
		var v ImmutableVersion
		var metadata sql.NullString
		if err := rows.Scan(&v.EntryType, &v.EntryID, &v.Version, &v.Data, &metadata, &v.Timestamp); err != nil {
			return nil, err
		}
		v.Metadata = unmarshalMetadata(metadata)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// ListImmutable lists current entries of entryType, optionally filtered by
// userID.
func (s *Store) ListImmutable(entryType, userID string, limit, offset int) ([]*ImmutableEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT entry_type, entry_id, version, data, user_id, created_at, updated_at, metadata
		FROM immutable_entries WHERE entry_type = ?`
	args := []any{entryType}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
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

	var out []*ImmutableEntry
	for rows.Next() {
		var e ImmutableEntry
		var uID, metadata sql.NullString
		if err := rows.Scan(&e.EntryType, &e.EntryID, &e.Version, &e.Data, &uID, &e.CreatedAt, &e.UpdatedAt, &metadata); err != nil {
			return nil, err
		}
		e.UserID = strOrEmpty(uID)
		e.Metadata = unmarshalMetadata(metadata)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SearchImmutable finds current entries of entryType whose data contains
// query.
func (s *Store) SearchImmutable(entryType, query string, limit int) ([]*ImmutableEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlQuery := `SELECT entry_type, entry_id, version, data, user_id, created_at, updated_at, metadata
		FROM immutable_entries WHERE entry_type = ? AND data LIKE ? COLLATE NOCASE ORDER BY updated_at DESC`
	args := []any{entryType, "%" + query + "%"}
	if limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ImmutableEntry
	for rows.Next() {
		var e ImmutableEntry
		var uID, metadata sql.NullString
		if err := rows.Scan(&e.EntryType, &e.EntryID, &e.Version, &e.Data, &uID, &e.CreatedAt, &e.UpdatedAt, &metadata); err != nil {
			return nil, err
		}
		e.UserID = strOrEmpty(uID)
		e.Metadata = unmarshalMetadata(metadata)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountImmutable counts current entries of entryType.
func (s *Store) CountImmutable(entryType string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM immutable_entries WHERE entry_type = ?`, entryType).Scan(&n)
	return n, err
}

// PurgeImmutable permanently removes an entry and all its versions.
func (s *Store) PurgeImmutable(entryType, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM immutable_versions WHERE entry_type = ? AND entry_id = ?`, entryType, entryID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM immutable_entries WHERE entry_type = ? AND entry_id = ?`, entryType, entryID)
	return err
}

// PurgeImmutableVersions removes every version strictly before keepFrom,
// without touching the current row.
func (s *Store) PurgeImmutableVersions(entryType, entryID string, keepFrom int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM immutable_versions WHERE entry_type = ? AND entry_id = ? AND version < ?`,
		entryType, entryID, keepFrom)
	return err
}

// CountImmutableByUser counts entries owned by userID across all entry
// types, without deleting anything. Used by the GDPR cascade's
// Collect/dryRun phase.
func (s *Store) CountImmutableByUser(userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM immutable_entries WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// ImmutableBackup bundles an entry's current row with its full version
// history, enough to reinsert both with StoreImmutable-equivalent writes.
type ImmutableBackup struct {
	Entry    *ImmutableEntry
	Versions []*ImmutableVersion
}

// GetImmutableByUser fetches every entry owned by userID across all entry
// types, together with their version history, without deleting anything.
// Used by the GDPR cascade's Backup phase.
func (s *Store) GetImmutableByUser(userID string) ([]*ImmutableBackup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT entry_type, entry_id, version, data, user_id, created_at, updated_at, metadata
		FROM immutable_entries WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	var entries []*ImmutableEntry
	for rows.Next() {
		var e ImmutableEntry
		var uID, metadata sql.NullString
		if err := rows.Scan(&e.EntryType, &e.EntryID, &e.Version, &e.Data, &uID, &e.CreatedAt, &e.UpdatedAt, &metadata); err != nil {
			rows.Close()
			return nil, err
		}
		e.UserID = strOrEmpty(uID)
		e.Metadata = unmarshalMetadata(metadata)
		entries = append(entries, &e)
	}
	rows.Close()

	out := make([]*ImmutableBackup, 0, len(entries))
	for _, e := range entries {
		vRows, err := s.db.Query(`SELECT entry_type, entry_id, version, data, metadata, timestamp
			FROM immutable_versions WHERE entry_type = ? AND entry_id = ? ORDER BY version ASC`, e.EntryType, e.EntryID)
		if err != nil {
			return nil, err
		}
		var versions []*ImmutableVersion
		for vRows.Next() {
			var v ImmutableVersion
			var metadata sql.NullString
			if err := vRows.Scan(&v.EntryType, &v.EntryID, &v.Version, &v.Data, &metadata, &v.Timestamp); err != nil {
				vRows.Close()
				return nil, err
			}
			v.Metadata = unmarshalMetadata(metadata)
			versions = append(versions, &v)
		}
		vRows.Close()
		out = append(out, &ImmutableBackup{Entry: e, Versions: versions})
	}
	return out, nil
}

// RestoreImmutable reinserts an entry's row and its version history exactly
// as backed up, used to roll back a failed GDPR cascade.
func (s *Store) RestoreImmutable(b *ImmutableBackup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := b.Entry
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO immutable_entries (entry_type, entry_id, version, data, user_id, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryType, e.EntryID, e.Version, e.Data, nullString(e.UserID), e.CreatedAt, e.UpdatedAt, nullString(metadata))
	if err != nil {
		return err
	}
	for _, v := range b.Versions {
		vMetadata, err := marshalJSON(v.Metadata)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(`INSERT INTO immutable_versions (entry_type, entry_id, version, data, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`, v.EntryType, v.EntryID, v.Version, v.Data, nullString(vMetadata), v.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// PurgeImmutableByUser removes every entry (and its versions) owned by
// userID across all entry types, returning the count deleted.
func (s *Store) PurgeImmutableByUser(userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT entry_type, entry_id FROM immutable_entries WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	type key struct{ entryType, entryID string }
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.entryType, &k.entryID); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, k)
	}
	rows.Close()

	for _, k := range keys {
		if _, err := s.db.Exec(`DELETE FROM immutable_versions WHERE entry_type = ? AND entry_id = ?`, k.entryType, k.entryID); err != nil {
			return 0, err
		}
		if _, err := s.db.Exec(`DELETE FROM immutable_entries WHERE entry_type = ? AND entry_id = ?`, k.entryType, k.entryID); err != nil {
			return 0, err
		}
	}
	return int64(len(keys)), nil
}
