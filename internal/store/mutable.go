package store

import "database/sql"

// SetMutable writes or overwrites a key, last-writer-wins.
func (s *Store) SetMutable(r *MutableRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMutableLocked(r)
}

func (s *Store) setMutableLocked(r *MutableRecord) error {
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}

	var existingCreatedAt sql.NullInt64
	err = s.db.QueryRow(`SELECT created_at FROM mutable_records WHERE namespace = ? AND key = ?`, r.Namespace, r.Key).Scan(&existingCreatedAt)
	createdAt := r.CreatedAt
	if err == nil && existingCreatedAt.Valid {
		createdAt = existingCreatedAt.Int64
	} else if err != nil && err != sql.ErrNoRows {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO mutable_records (namespace, key, value, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, metadata = excluded.metadata, updated_at = excluded.updated_at
	`, r.Namespace, r.Key, nullValueString(r), nullString(metadata), createdAt, r.UpdatedAt)
	return err
}

func nullValueString(r *MutableRecord) sql.NullString {
	if !r.HasValue {
		return sql.NullString{}
	}
	return sql.NullString{String: r.Value, Valid: true}
}

// GetMutable fetches one key's record.
func (s *Store) GetMutable(namespace, key string) (*MutableRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMutableLocked(namespace, key)
}

func (s *Store) getMutableLocked(namespace, key string) (*MutableRecord, error) {
	var r MutableRecord
	var value, metadata sql.NullString
	err := s.db.QueryRow(`SELECT namespace, key, value, metadata, created_at, updated_at
		FROM mutable_records WHERE namespace = ? AND key = ?`, namespace, key).
		Scan(&r.Namespace, &r.Key, &value, &metadata, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Value = value.String
	r.HasValue = value.Valid
	r.Metadata = unmarshalMetadata(metadata)
	return &r, nil
}

// SetMutableTx writes or overwrites a key within an already-open
// transaction, used by Store.Transaction to apply a batch of writes
// atomically in one serializable commit.
func SetMutableTx(tx *sql.Tx, r *MutableRecord) error {
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}

	var existingCreatedAt sql.NullInt64
	err = tx.QueryRow(`SELECT created_at FROM mutable_records WHERE namespace = ? AND key = ?`, r.Namespace, r.Key).Scan(&existingCreatedAt)
	createdAt := r.CreatedAt
	if err == nil && existingCreatedAt.Valid {
		createdAt = existingCreatedAt.Int64
	} else if err != nil && err != sql.ErrNoRows {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO mutable_records (namespace, key, value, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, metadata = excluded.metadata, updated_at = excluded.updated_at
	`, r.Namespace, r.Key, nullValueString(r), nullString(metadata), createdAt, r.UpdatedAt)
	return err
}

// ExistsMutable reports whether a key is present.
func (s *Store) ExistsMutable(namespace, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM mutable_records WHERE namespace = ? AND key = ?`, namespace, key).Scan(&n)
	return n > 0, err
}

// UpdateMutable atomically reads the current record, runs transform, and
// writes the result back inside the same locked critical section — giving
// callers a read-transform-write operation that can't race another writer.
func (s *Store) UpdateMutable(namespace, key string, transform func(cur *MutableRecord) (*MutableRecord, error)) (*MutableRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.getMutableLocked(namespace, key)
	if err != nil {
		return nil, err
	}
	next, err := transform(cur)
	if err != nil {
		return nil, err
	}
	if cur == nil && !next.HasValue {
		return next, nil
	}
	if err := s.setMutableLocked(next); err != nil {
		return nil, err
	}
	return next, nil
}

// DeleteMutable removes one key.
func (s *Store) DeleteMutable(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM mutable_records WHERE namespace = ? AND key = ?`, namespace, key)
	return err
}

// ListMutable lists keys in a namespace, optionally restricted to those
// with the given prefix.
func (s *Store) ListMutable(namespace, prefix string, limit, offset int) ([]*MutableRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT namespace, key, value, metadata, created_at, updated_at FROM mutable_records WHERE namespace = ?`
	args := []any{namespace}
	if prefix != "" {
		query += " AND key LIKE ?"
		args = append(args, prefix+"%")
	}
	query += " ORDER BY key ASC"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MutableRecord
	for rows.Next() {
		var r MutableRecord
		var value, metadata sql.NullString
		if err := rows.Scan(&r.Namespace, &r.Key, &value, &metadata, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Value = value.String
		r.HasValue = value.Valid
		r.Metadata = unmarshalMetadata(metadata)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CountMutable counts keys in a namespace.
func (s *Store) CountMutable(namespace string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM mutable_records WHERE namespace = ?`, namespace).Scan(&n)
	return n, err
}

// PurgeMutableNamespace removes every key in a namespace, returning the
// count deleted.
func (s *Store) PurgeMutableNamespace(namespace string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM mutable_records WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountMutableByUser counts records across all namespaces whose value or
// metadata contains userID, without deleting anything. Used by the GDPR
// cascade's Collect/dryRun phase.
func (s *Store) CountMutableByUser(userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	like := "%" + userID + "%"
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM mutable_records WHERE value LIKE ? OR metadata LIKE ?`, like, like).Scan(&n)
	return n, err
}

// GetMutableByUser fetches every record across all namespaces whose value or
// metadata contains userID, without deleting anything. Used by the GDPR
// cascade's Backup phase.
func (s *Store) GetMutableByUser(userID string) ([]*MutableRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	like := "%" + userID + "%"
	rows, err := s.db.Query(`SELECT namespace, key, value, metadata, created_at, updated_at
		FROM mutable_records WHERE value LIKE ? OR metadata LIKE ?`, like, like)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MutableRecord
	for rows.Next() {
		var r MutableRecord
		var value, metadata sql.NullString
		if err := rows.Scan(&r.Namespace, &r.Key, &value, &metadata, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Value = value.String
		r.HasValue = value.Valid
		r.Metadata = unmarshalMetadata(metadata)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RestoreMutable reinserts a record exactly as backed up, used to roll back
// a failed GDPR cascade.
func (s *Store) RestoreMutable(r *MutableRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMutableLocked(r)
}

// DeleteMutableByUser removes every record across all namespaces whose
// value or metadata contains userID, used by the GDPR cascade (mutable
// records carry no dedicated userId column, so this layer is scanned by
// content rather than by an indexed foreign key).
func (s *Store) DeleteMutableByUser(userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	like := "%" + userID + "%"
	rows, err := s.db.Query(`SELECT namespace, key FROM mutable_records WHERE value LIKE ? OR metadata LIKE ?`, like, like)
	if err != nil {
		return 0, err
	}
	type nk struct{ namespace, key string }
	var keys []nk
	for rows.Next() {
		var r nk
		if err := rows.Scan(&r.namespace, &r.key); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, r)
	}
	rows.Close()

	for _, k := range keys {
		if _, err := s.db.Exec(`DELETE FROM mutable_records WHERE namespace = ? AND key = ?`, k.namespace, k.key); err != nil {
			return 0, err
		}
	}
	return int64(len(keys)), nil
}

// Transaction runs fn holding the store's exclusive write lock for its
// duration, giving it one serializable SQLite transaction to issue any
// number of mutable reads/writes atomically against.
func (s *Store) Transaction(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
