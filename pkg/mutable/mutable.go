// Package mutable implements the MutableStore (L1c): last-writer-wins
// key/value records partitioned by namespace, with an atomic
// read-transform-write update primitive. Grounded on the teacher's
// generalized store locking pattern (sync.RWMutex around *sql.DB),
// applied here to a flat namespace/key table instead of entity CRUD.
package mutable

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/memcore/internal/store"
	"github.com/kittclouds/memcore/pkg/errs"
	"github.com/kittclouds/memcore/pkg/logging"
)

// Record is a (namespace,key) row. HasValue distinguishes an explicitly
// stored empty string from "no value" (the key not existing).
type Record struct {
	Namespace string
	Key       string
	Value     string
	HasValue  bool
	Metadata  map[string]any
	CreatedAt int64
	UpdatedAt int64
}

// Options configures the Store.
type Options struct {
	Logger *zap.Logger
}

// Store is the MutableStore service.
type Store struct {
	store  *store.Store
	logger *zap.Logger
}

// New constructs a Store backed by s.
func New(s *store.Store, opts Options) *Store {
	return &Store{store: s, logger: logging.OrNop(opts.Logger)}
}

// Set writes namespace/key, last-writer-wins.
func (s *Store) Set(ctx context.Context, namespace, key, value string, metadata map[string]any) (*Record, error) {
	now := time.Now().UnixMilli()
	r := &store.MutableRecord{
		Namespace: namespace,
		Key:       key,
		Value:     value,
		HasValue:  true,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SetMutable(r); err != nil {
		return nil, errs.Wrap(errs.BackendError, "mutable: set", err)
	}
	return fromStore(r), nil
}

// Get fetches a record, or nil if the key does not exist.
func (s *Store) Get(ctx context.Context, namespace, key string) (*Record, error) {
	r, err := s.store.GetMutable(namespace, key)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "mutable: get", err)
	}
	if r == nil {
		return nil, nil
	}
	return fromStore(r), nil
}

// GetRecord is an alias for Get matching the specification's named
// operation; Get returns the same shape and is the idiomatic Go name.
func (s *Store) GetRecord(ctx context.Context, namespace, key string) (*Record, error) {
	return s.Get(ctx, namespace, key)
}

// Exists reports whether a key is present.
func (s *Store) Exists(ctx context.Context, namespace, key string) (bool, error) {
	ok, err := s.store.ExistsMutable(namespace, key)
	if err != nil {
		return false, errs.Wrap(errs.BackendError, "mutable: exists", err)
	}
	return ok, nil
}

// Updater transforms the current value (empty string, HasValue=false when
// the key does not exist) into a next value. Returning ok=false writes
// nothing: a key that does not exist is not created, and an existing key
// keeps its current value.
type Updater func(current string, hasValue bool) (next string, ok bool)

// Update atomically reads the current value, applies updater, and writes
// the result back within one locked critical section.
func (s *Store) Update(ctx context.Context, namespace, key string, updater Updater) (*Record, error) {
	now := time.Now().UnixMilli()
	result, err := s.store.UpdateMutable(namespace, key, func(cur *store.MutableRecord) (*store.MutableRecord, error) {
		var curVal string
		var hasValue bool
		var metadata map[string]any
		createdAt := now
		if cur != nil {
			curVal, hasValue, metadata, createdAt = cur.Value, cur.HasValue, cur.Metadata, cur.CreatedAt
		}
		next, ok := updater(curVal, hasValue)
		if !ok {
			if cur == nil {
				return &store.MutableRecord{Namespace: namespace, Key: key, CreatedAt: createdAt, UpdatedAt: now}, nil
			}
			return cur, nil
		}
		return &store.MutableRecord{
			Namespace: namespace,
			Key:       key,
			Value:     next,
			HasValue:  true,
			Metadata:  metadata,
			CreatedAt: createdAt,
			UpdatedAt: now,
		}, nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "mutable: update", err)
	}
	if !result.HasValue {
		return nil, nil
	}
	return fromStore(result), nil
}

// Increment adds by to the integer value at namespace/key (treating a
// missing or non-numeric current value as 0) and returns the new value.
func (s *Store) Increment(ctx context.Context, namespace, key string, by int64) (int64, error) {
	return s.addDelta(ctx, namespace, key, by)
}

// Decrement subtracts by from the integer value at namespace/key.
func (s *Store) Decrement(ctx context.Context, namespace, key string, by int64) (int64, error) {
	return s.addDelta(ctx, namespace, key, -by)
}

func (s *Store) addDelta(ctx context.Context, namespace, key string, delta int64) (int64, error) {
	var result int64
	_, err := s.Update(ctx, namespace, key, func(current string, hasValue bool) (string, bool) {
		n := int64(0)
		if hasValue {
			n = parseInt64(current)
		}
		n += delta
		result = n
		return formatInt64(n), true
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if err := s.store.DeleteMutable(namespace, key); err != nil {
		return errs.Wrap(errs.BackendError, "mutable: delete", err)
	}
	return nil
}

// List returns keys in a namespace, optionally restricted to a prefix.
func (s *Store) List(ctx context.Context, namespace, prefix string, limit, offset int) ([]*Record, error) {
	rs, err := s.store.ListMutable(namespace, prefix, limit, offset)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "mutable: list", err)
	}
	out := make([]*Record, len(rs))
	for i, r := range rs {
		out[i] = fromStore(r)
	}
	return out, nil
}

// Count counts keys in a namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int64, error) {
	n, err := s.store.CountMutable(namespace)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "mutable: count", err)
	}
	return n, nil
}

// PurgeNamespace removes every key in a namespace, returning the count
// deleted.
func (s *Store) PurgeNamespace(ctx context.Context, namespace string) (int64, error) {
	n, err := s.store.PurgeMutableNamespace(namespace)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "mutable: purge namespace", err)
	}
	return n, nil
}

// DeleteByUser removes every record across all namespaces whose value or
// metadata references userID, used by the GDPR cascade.
func (s *Store) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.DeleteMutableByUser(userID)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "mutable: delete by user", err)
	}
	return n, nil
}

// PurgeMany deletes a batch of namespace/key pairs.
func (s *Store) PurgeMany(ctx context.Context, keys [][2]string) error {
	for _, k := range keys {
		if err := s.Delete(ctx, k[0], k[1]); err != nil {
			return err
		}
	}
	return nil
}

// Write is one operation inside a Transaction batch.
type Write struct {
	Namespace string
	Key       string
	Value     string
	Metadata  map[string]any
}

// Transaction runs writes as one serializable backend transaction: either
// all writes are applied, or none are. The specification leaves isolation
// level as an open question (§9); this implementation chooses serializable
// (one backend transaction containing every write) over optimistic
// per-key retry, since SQLite's single-writer model makes serializable the
// cheaper and simpler choice here.
func (s *Store) Transaction(ctx context.Context, writes []Write) error {
	now := time.Now().UnixMilli()
	err := s.store.Transaction(func(tx *sql.Tx) error {
		for _, w := range writes {
			if err := store.SetMutableTx(tx, &store.MutableRecord{
				Namespace: w.Namespace,
				Key:       w.Key,
				Value:     w.Value,
				HasValue:  true,
				Metadata:  w.Metadata,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.BackendError, "mutable: transaction", err)
	}
	return nil
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func formatInt64(n int64) string {
	return strconv.FormatInt(n, 10)
}

func fromStore(r *store.MutableRecord) *Record {
	return &Record{
		Namespace: r.Namespace,
		Key:       r.Key,
		Value:     r.Value,
		HasValue:  r.HasValue,
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
