// Package vector implements the VectorIndex (L2): embedded memories with
// similarity search, preferring the backend's native vector index and
// falling back to an in-process cosine scan when that's unavailable.
// Grounded on the teacher's memories/notes versioning idiom in
// internal/store; the cosine fallback and NaN/zero-length handling are
// new, driven directly by the specification's §4.4 search contract.
package vector

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/memcore/internal/store"
	"github.com/kittclouds/memcore/pkg/errs"
	"github.com/kittclouds/memcore/pkg/idgen"
	"github.com/kittclouds/memcore/pkg/logging"
	"github.com/kittclouds/memcore/pkg/textmatch"
)

// SourceType enumerates where a memory came from.
type SourceType string

const (
	SourceConversation SourceType = "conversation"
	SourceSystem       SourceType = "system"
	SourceTool         SourceType = "tool"
)

func validSourceType(t SourceType) bool {
	switch t {
	case "", SourceConversation, SourceSystem, SourceTool:
		return true
	}
	return false
}

// ConversationRef ties a memory back to the conversation/messages it was
// derived from.
type ConversationRef struct {
	ConversationID string
	MessageIDs     []string
}

// Memory is an L2 embedded memory record.
type Memory struct {
	MemoryID          string
	MemorySpaceID     string
	Content           string
	Embedding         []float32
	Importance        int64
	Tags              []string
	SourceType        SourceType
	SourceUserID      string
	SourceParticipant string
	ConvRef           *ConversationRef
	Version           int64
	Archived          bool
	DeletedAt         int64
	CreatedAt         int64
	UpdatedAt         int64
	Metadata          map[string]any
}

// Options configures the Index.
type Options struct {
	Logger *zap.Logger
}

// Index is the VectorIndex service.
type Index struct {
	store  *store.Store
	logger *zap.Logger
}

// New constructs an Index backed by s.
func New(s *store.Store, opts Options) *Index {
	return &Index{store: s, logger: logging.OrNop(opts.Logger)}
}

// StoreInput describes a store() call.
type StoreInput struct {
	MemorySpaceID     string
	Content           string
	Embedding         []float32
	Importance        int64
	Tags              []string
	SourceType        SourceType
	SourceUserID      string
	SourceParticipant string
	ConvRef           *ConversationRef
	Metadata          map[string]any
}

// Store inserts a new memory at version 1. When SourceType is conversation,
// ConvRef must be present or CONVERSATION_REF_REQUIRED is returned.
func (idx *Index) Store(ctx context.Context, in StoreInput) (*Memory, error) {
	if in.Importance < 0 || in.Importance > 100 {
		return nil, errs.New(errs.InvalidImportance, "vector: importance out of [0,100]")
	}
	if !validSourceType(in.SourceType) {
		return nil, errs.New(errs.InvalidEnumValue, "vector: invalid sourceType "+string(in.SourceType))
	}
	if in.SourceType == SourceConversation && in.ConvRef == nil {
		return nil, errs.New(errs.ConversationRefRequired, "vector: conversationRef required for source.type=conversation")
	}

	now := time.Now().UnixMilli()
	m := &store.VectorMemory{
		MemoryID:          idgen.New(),
		MemorySpaceID:     in.MemorySpaceID,
		Content:           in.Content,
		Embedding:         in.Embedding,
		Importance:        in.Importance,
		Tags:              in.Tags,
		SourceType:        string(in.SourceType),
		SourceUserID:      in.SourceUserID,
		SourceParticipant: in.SourceParticipant,
		CreatedAt:         now,
		UpdatedAt:         now,
		Metadata:          in.Metadata,
	}
	if in.ConvRef != nil {
		m.ConvRef = &store.ConversationRef{ConversationID: in.ConvRef.ConversationID, MessageIDs: in.ConvRef.MessageIDs}
	}
	if err := idx.store.StoreVector(m); err != nil {
		return nil, errs.Wrap(errs.BackendError, "vector: store", err)
	}
	return fromStore(m), nil
}

// Get fetches the current version of a memory.
func (idx *Index) Get(ctx context.Context, memoryID string) (*Memory, error) {
	m, err := idx.store.GetVector(memoryID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "vector: get", err)
	}
	if m == nil {
		return nil, errs.New(errs.MemoryNotFound, "vector: not found: "+memoryID)
	}
	return fromStore(m), nil
}

// UpdateInput carries the fields Update may mutate; zero-value fields
// (nil slices, empty strings) leave the corresponding column unchanged
// except where explicitly noted.
type UpdateInput struct {
	Content    *string
	Embedding  []float32
	Importance *int64
	Tags       []string
	Archived   *bool
	Metadata   map[string]any
}

// Update applies a partial update, bumping the version and snapshotting
// the result.
func (idx *Index) Update(ctx context.Context, memoryID string, in UpdateInput) (*Memory, error) {
	if in.Importance != nil && (*in.Importance < 0 || *in.Importance > 100) {
		return nil, errs.New(errs.InvalidImportance, "vector: importance out of [0,100]")
	}
	now := time.Now().UnixMilli()
	m, err := idx.store.UpdateVector(memoryID, func(v *store.VectorMemory) {
		if in.Content != nil {
			v.Content = *in.Content
		}
		if in.Embedding != nil {
			v.Embedding = in.Embedding
		}
		if in.Importance != nil {
			v.Importance = *in.Importance
		}
		if in.Tags != nil {
			v.Tags = in.Tags
		}
		if in.Archived != nil {
			v.Archived = *in.Archived
		}
		if in.Metadata != nil {
			v.Metadata = in.Metadata
		}
		v.UpdatedAt = now
	})
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "vector: update", err)
	}
	if m == nil {
		return nil, errs.New(errs.MemoryNotFound, "vector: not found: "+memoryID)
	}
	return fromStore(m), nil
}

// UpdateMany applies the same UpdateInput to a batch of memories.
func (idx *Index) UpdateMany(ctx context.Context, memoryIDs []string, in UpdateInput) ([]*Memory, error) {
	out := make([]*Memory, 0, len(memoryIDs))
	for _, id := range memoryIDs {
		m, err := idx.Update(ctx, id, in)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes a memory.
func (idx *Index) Delete(ctx context.Context, memoryID string) error {
	if err := idx.store.DeleteVector(memoryID); err != nil {
		return errs.Wrap(errs.BackendError, "vector: delete", err)
	}
	return nil
}

// DeleteMany removes a batch of memories.
func (idx *Index) DeleteMany(ctx context.Context, memoryIDs []string) error {
	for _, id := range memoryIDs {
		if err := idx.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Archive sets the archived flag on a memory.
func (idx *Index) Archive(ctx context.Context, memoryID string) (*Memory, error) {
	archived := true
	return idx.Update(ctx, memoryID, UpdateInput{Archived: &archived})
}

// TagMatch selects any-vs-all semantics for the Tags filter.
type TagMatch string

const (
	TagMatchAny TagMatch = "any"
	TagMatchAll TagMatch = "all"
)

// ListFilter selects memories for List/Count/Search.
type ListFilter struct {
	MemorySpaceID   string
	ParticipantID   string
	UserID          string
	Tags            []string
	TagMatch        TagMatch
	SourceType      SourceType
	MinImportance   int64
	CreatedBefore   int64
	CreatedAfter    int64
	UpdatedBefore   int64
	UpdatedAfter    int64
	Metadata        map[string]any
	IncludeArchived bool
	Limit           int
	Offset          int
	SortBy          string
}

// List returns memories matching f.
func (idx *Index) List(ctx context.Context, f ListFilter) ([]*Memory, error) {
	ms, err := idx.store.ListVectors(f.MemorySpaceID, f.IncludeArchived, 0, 0)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "vector: list", err)
	}
	filtered := filterMemories(ms, f)
	filtered = paginate(filtered, f.Limit, f.Offset)
	out := make([]*Memory, len(filtered))
	for i, m := range filtered {
		out[i] = fromStore(m)
	}
	return out, nil
}

// Count counts memories matching f.
func (idx *Index) Count(ctx context.Context, f ListFilter) (int64, error) {
	ms, err := idx.store.ListVectors(f.MemorySpaceID, f.IncludeArchived, 0, 0)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "vector: count", err)
	}
	return int64(len(filterMemories(ms, f))), nil
}

// SearchInput describes a search() call.
type SearchInput struct {
	Filter    ListFilter
	Embedding []float32
	Limit     int
}

// SearchResult pairs a memory with its cosine similarity score (only
// meaningful when Embedding was provided).
type SearchResult struct {
	Memory *Memory
	Score  float64
}

// Search performs nearest-neighbor search when Embedding is provided
// (native sqlite-vec first, falling back to an in-process cosine scan on
// failure), or a case-insensitive substring scan over content otherwise.
func (idx *Index) Search(ctx context.Context, query string, in SearchInput) ([]*SearchResult, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}

	if len(in.Embedding) > 0 {
		return idx.searchByEmbedding(in.Filter, in.Embedding, limit)
	}
	return idx.searchByText(query, in.Filter, limit)
}

func (idx *Index) searchByEmbedding(f ListFilter, query []float32, limit int) ([]*SearchResult, error) {
	ids, nativeErr := idx.store.NearestNeighborsSQL(f.MemorySpaceID, query, limit)
	if nativeErr == nil && len(ids) > 0 {
		out := make([]*SearchResult, 0, len(ids))
		for _, id := range ids {
			m, err := idx.store.GetVector(id)
			if err != nil || m == nil {
				continue
			}
			out = append(out, &SearchResult{Memory: fromStore(m), Score: cosineSimilarity(query, m.Embedding)})
		}
		return out, nil
	}

	// Fallback path: nativeErr != nil is the recognizable failure marker
	// (vec0 virtual table missing or unusable) that triggers an in-process
	// cosine scan instead.
	ms, err := idx.store.ListVectors(f.MemorySpaceID, false, 0, 0)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "vector: search fallback list", err)
	}
	filtered := filterMemories(ms, f)

	var results []*SearchResult
	for _, m := range filtered {
		if len(m.Embedding) == 0 {
			continue
		}
		score := cosineSimilarity(query, m.Embedding)
		if math.IsNaN(score) {
			continue
		}
		results = append(results, &SearchResult{Memory: fromStore(m), Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (idx *Index) searchByText(query string, f ListFilter, limit int) ([]*SearchResult, error) {
	ms, err := idx.store.ListVectors(f.MemorySpaceID, f.IncludeArchived, 0, 0)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "vector: search text", err)
	}
	filtered := filterMemories(ms, f)

	var results []*SearchResult
	for _, m := range filtered {
		if query != "" && !textmatch.Contains(m.Content, query) {
			continue
		}
		results = append(results, &SearchResult{Memory: fromStore(m)})
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// cosineSimilarity computes cosine similarity between a and b, truncating
// to the shorter of the two on length mismatch, returning 0 on zero
// denominator.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

func filterMemories(ms []*store.VectorMemory, f ListFilter) []*store.VectorMemory {
	out := make([]*store.VectorMemory, 0, len(ms))
	for _, m := range ms {
		if f.ParticipantID != "" && m.SourceParticipant != f.ParticipantID {
			continue
		}
		if f.UserID != "" && m.SourceUserID != f.UserID {
			continue
		}
		if f.SourceType != "" && SourceType(m.SourceType) != f.SourceType {
			continue
		}
		if f.MinImportance > 0 && m.Importance < f.MinImportance {
			continue
		}
		if f.CreatedBefore > 0 && m.CreatedAt >= f.CreatedBefore {
			continue
		}
		if f.CreatedAfter > 0 && m.CreatedAt <= f.CreatedAfter {
			continue
		}
		if f.UpdatedBefore > 0 && m.UpdatedAt >= f.UpdatedBefore {
			continue
		}
		if f.UpdatedAfter > 0 && m.UpdatedAt <= f.UpdatedAfter {
			continue
		}
		if len(f.Tags) > 0 && !textmatch.TagMatch(m.Tags, f.Tags, f.TagMatch == TagMatchAll) {
			continue
		}
		if !metadataMatches(m.Metadata, f.Metadata) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func metadataMatches(have, want map[string]any) bool {
	for k, v := range want {
		hv, ok := have[k]
		if !ok || hv != v {
			return false
		}
	}
	return true
}

func paginate(ms []*store.VectorMemory, limit, offset int) []*store.VectorMemory {
	if offset > 0 {
		if offset >= len(ms) {
			return nil
		}
		ms = ms[offset:]
	}
	if limit > 0 && limit < len(ms) {
		ms = ms[:limit]
	}
	return ms
}

// GetVersion fetches a specific historical version's snapshot as JSON.
func (idx *Index) GetVersion(ctx context.Context, memoryID string, version int64) (string, error) {
	v, err := idx.store.GetVectorVersion(memoryID, version)
	if err != nil {
		return "", errs.Wrap(errs.BackendError, "vector: get version", err)
	}
	if v == nil {
		return "", errs.New(errs.MemoryNotFound, "vector: version not found")
	}
	return v.Data, nil
}

// GetHistory returns every version snapshot, oldest first.
func (idx *Index) GetHistory(ctx context.Context, memoryID string) ([]string, error) {
	vs, err := idx.store.GetVectorHistory(memoryID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "vector: get history", err)
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Data
	}
	return out, nil
}

// GetAtTimestamp returns the snapshot current at ts.
func (idx *Index) GetAtTimestamp(ctx context.Context, memoryID string, ts int64) (string, error) {
	v, err := idx.store.GetVectorAtTimestamp(memoryID, ts)
	if err != nil {
		return "", errs.Wrap(errs.BackendError, "vector: get at timestamp", err)
	}
	if v == nil {
		return "", nil
	}
	return v.Data, nil
}

// Export returns every (non-archived by default) memory in a memory space
// as Memory values, newest-updated first; it does not serialize them to
// JSON.
func (idx *Index) Export(ctx context.Context, memorySpaceID string, includeArchived bool) ([]*Memory, error) {
	ms, err := idx.store.ListVectors(memorySpaceID, includeArchived, 0, 0)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "vector: export", err)
	}
	out := make([]*Memory, len(ms))
	for i, m := range ms {
		out[i] = fromStore(m)
	}
	return out, nil
}

// DeleteBySpace removes every memory in a memory space, used by the
// MemorySpace cascade.
func (idx *Index) DeleteBySpace(ctx context.Context, memorySpaceID string) (int64, error) {
	n, err := idx.store.DeleteVectorsBySpace(memorySpaceID)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "vector: delete by space", err)
	}
	return n, nil
}

// DeleteByParticipant removes every memory sourced by a user or agent
// participant, used by the GDPR cascade.
func (idx *Index) DeleteByParticipant(ctx context.Context, userID, participantID string) (int64, error) {
	n, err := idx.store.DeleteVectorsByParticipant(userID, participantID)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "vector: delete by participant", err)
	}
	return n, nil
}

// MemoryFromStore converts a raw store row into the Memory shape this
// package returns from its own reads. Exported so other packages composing
// the authoritative store directly (the graph sync worker's change source)
// can produce the same Memory value this package would.
func MemoryFromStore(m *store.VectorMemory) *Memory {
	return fromStore(m)
}

func fromStore(m *store.VectorMemory) *Memory {
	out := &Memory{
		MemoryID:          m.MemoryID,
		MemorySpaceID:     m.MemorySpaceID,
		Content:           m.Content,
		Embedding:         m.Embedding,
		Importance:        m.Importance,
		Tags:              m.Tags,
		SourceType:        SourceType(m.SourceType),
		SourceUserID:      m.SourceUserID,
		SourceParticipant: m.SourceParticipant,
		Version:           m.Version,
		Archived:          m.Archived,
		DeletedAt:         m.DeletedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		Metadata:          m.Metadata,
	}
	if m.ConvRef != nil {
		out.ConvRef = &ConversationRef{ConversationID: m.ConvRef.ConversationID, MessageIDs: m.ConvRef.MessageIDs}
	}
	return out
}
