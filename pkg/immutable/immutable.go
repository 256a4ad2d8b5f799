// Package immutable implements the ImmutableStore (L1b): versioned opaque
// blobs keyed by (type,id) with temporal as-of-timestamp reads and
// retention pruning. Grounded on the teacher's notes table's
// valid_from/valid_to/is_current temporal-versioning idiom in
// internal/store, generalized from note-specific fields to an opaque
// data payload.
package immutable

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/memcore/internal/store"
	"github.com/kittclouds/memcore/pkg/errs"
	"github.com/kittclouds/memcore/pkg/logging"
)

// Entry is the current row of a versioned (type,id) pair.
type Entry struct {
	Type      string
	ID        string
	Version   int64
	Data      string
	UserID    string
	CreatedAt int64
	UpdatedAt int64
	Metadata  map[string]any
}

// VersionSnapshot is one historical snapshot in previousVersions.
type VersionSnapshot struct {
	Version   int64
	Data      string
	Metadata  map[string]any
	Timestamp int64
}

// Options configures the Store.
type Options struct {
	Logger *zap.Logger
}

// Store is the ImmutableStore service.
type Store struct {
	store  *store.Store
	logger *zap.Logger
}

// New constructs a Store backed by s.
func New(s *store.Store, opts Options) *Store {
	return &Store{store: s, logger: logging.OrNop(opts.Logger)}
}

// StoreInput describes a store() call.
type StoreInput struct {
	Type     string
	ID       string
	Data     string
	UserID   string
	Metadata map[string]any
}

// Store is idempotent on (type,id): an existing entry's current state is
// archived into previousVersions, version is incremented, and the new data
// is installed atomically.
func (s *Store) Store(ctx context.Context, in StoreInput) (*Entry, error) {
	now := time.Now().UnixMilli()
	e := &store.ImmutableEntry{
		EntryType: in.Type,
		EntryID:   in.ID,
		Data:      in.Data,
		UserID:    in.UserID,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  in.Metadata,
	}
	if err := s.store.StoreImmutable(e); err != nil {
		return nil, errs.Wrap(errs.BackendError, "immutable: store", err)
	}
	return fromStoreEntry(e), nil
}

// Get fetches the current version of an entry.
func (s *Store) Get(ctx context.Context, entryType, id string) (*Entry, error) {
	e, err := s.store.GetImmutable(entryType, id)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "immutable: get", err)
	}
	if e == nil {
		return nil, nil
	}
	return fromStoreEntry(e), nil
}

// GetVersion fetches a specific historical version.
func (s *Store) GetVersion(ctx context.Context, entryType, id string, version int64) (*VersionSnapshot, error) {
	v, err := s.store.GetImmutableVersion(entryType, id, version)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "immutable: get version", err)
	}
	if v == nil {
		return nil, nil
	}
	return fromStoreVersion(v), nil
}

// GetAtTimestamp returns: the current state if its updatedAt <= ts; else
// the latest previousVersions entry whose timestamp <= ts; else nil.
func (s *Store) GetAtTimestamp(ctx context.Context, entryType, id string, ts int64) (*VersionSnapshot, error) {
	v, err := s.store.GetImmutableAtTimestamp(entryType, id, ts)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "immutable: get at timestamp", err)
	}
	if v == nil {
		return nil, nil
	}
	return fromStoreVersion(v), nil
}

// GetHistory returns every version of an entry, oldest first.
func (s *Store) GetHistory(ctx context.Context, entryType, id string) ([]*VersionSnapshot, error) {
	vs, err := s.store.GetImmutableHistory(entryType, id)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "immutable: get history", err)
	}
	out := make([]*VersionSnapshot, len(vs))
	for i, v := range vs {
		out[i] = fromStoreVersion(v)
	}
	return out, nil
}

// ListFilter selects entries for List/Search/Count.
type ListFilter struct {
	Type   string
	UserID string
	Limit  int
	Offset int
}

// List returns current entries of filter.Type.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Entry, error) {
	es, err := s.store.ListImmutable(f.Type, f.UserID, f.Limit, f.Offset)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "immutable: list", err)
	}
	out := make([]*Entry, len(es))
	for i, e := range es {
		out[i] = fromStoreEntry(e)
	}
	return out, nil
}

// Search finds current entries of filter.Type whose data contains query.
func (s *Store) Search(ctx context.Context, query string, f ListFilter) ([]*Entry, error) {
	es, err := s.store.SearchImmutable(f.Type, query, f.Limit)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "immutable: search", err)
	}
	out := make([]*Entry, len(es))
	for i, e := range es {
		out[i] = fromStoreEntry(e)
	}
	return out, nil
}

// Count counts current entries of entryType.
func (s *Store) Count(ctx context.Context, entryType string) (int64, error) {
	n, err := s.store.CountImmutable(entryType)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "immutable: count", err)
	}
	return n, nil
}

// Purge permanently removes an entry and all its versions.
func (s *Store) Purge(ctx context.Context, entryType, id string) error {
	if err := s.store.PurgeImmutable(entryType, id); err != nil {
		return errs.Wrap(errs.BackendError, "immutable: purge", err)
	}
	return nil
}

// PurgeMany purges a batch of (type,id) pairs.
func (s *Store) PurgeMany(ctx context.Context, keys [][2]string) error {
	for _, k := range keys {
		if err := s.Purge(ctx, k[0], k[1]); err != nil {
			return err
		}
	}
	return nil
}

// PurgeVersions trims previousVersions to the last keepLatestN by version;
// the current row is untouched.
func (s *Store) PurgeVersions(ctx context.Context, entryType, id string, keepLatestN int64) error {
	e, err := s.store.GetImmutable(entryType, id)
	if err != nil {
		return errs.Wrap(errs.BackendError, "immutable: purge versions get", err)
	}
	if e == nil {
		return fmt.Errorf("immutable: entry not found: %s/%s", entryType, id)
	}
	keepFrom := e.Version - keepLatestN + 1
	if keepFrom < 1 {
		keepFrom = 1
	}
	if err := s.store.PurgeImmutableVersions(entryType, id, keepFrom); err != nil {
		return errs.Wrap(errs.BackendError, "immutable: purge versions", err)
	}
	return nil
}

// PurgeByUser removes every entry (and versions) owned by userID, used by
// the GDPR cascade.
func (s *Store) PurgeByUser(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.PurgeImmutableByUser(userID)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "immutable: purge by user", err)
	}
	return n, nil
}

func fromStoreEntry(e *store.ImmutableEntry) *Entry {
	return &Entry{
		Type:      e.EntryType,
		ID:        e.EntryID,
		Version:   e.Version,
		Data:      e.Data,
		UserID:    e.UserID,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Metadata:  e.Metadata,
	}
}

func fromStoreVersion(v *store.ImmutableVersion) *VersionSnapshot {
	return &VersionSnapshot{
		Version:   v.Version,
		Data:      v.Data,
		Metadata:  v.Metadata,
		Timestamp: v.Timestamp,
	}
}
