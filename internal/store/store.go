// Package store is the SQLite-backed persistence layer shared by every
// memcore package (conversation, immutable, mutable, vector, fact,
// coordination). Uses ncruces/go-sqlite3/driver, which provides a
// database/sql interface, plus asg017/sqlite-vec-go-bindings for native
// vector similarity search.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
	"go.uber.org/zap"

	"github.com/kittclouds/memcore/pkg/logging"
)

// Store is the SQLite-backed data store underlying every layer package.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *zap.Logger
}

// New creates a new in-memory store.
func New() (*Store, error) {
	return NewWithDSN(":memory:", nil)
}

// NewWithDSN creates a store with a specific data source name. Use
// ":memory:" for in-memory or a file path for persistent storage.
func NewWithDSN(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{db: db, logger: logging.OrNop(logger)}
	s.tryCreateVecTable()
	return s, nil
}

// tryCreateVecTable creates the sqlite-vec virtual table used for native
// nearest-neighbor search. Its absence is not fatal: pkg/vector falls back
// to an in-process cosine scan when the virtual table can't be used.
func (s *Store) tryCreateVecTable() {
	_, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS vector_memories_vec USING vec0(memory_id TEXT PRIMARY KEY, embedding FLOAT[1536])`)
	if err != nil {
		s.logger.Warn("sqlite-vec virtual table unavailable, vector search will fall back to in-process cosine scan", zap.Error(err))
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
