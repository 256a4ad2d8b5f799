// Package fact implements the FactStore (L3): structured subject/predicate/
// object triples with confidence, provenance, temporal validity, and
// supersession. Grounded on the teacher's entities/edges registry pattern
// in internal/store, generalized from entity-graph rows to triples with a
// version-and-supersede lifecycle borrowed from the notes table's
// temporal-versioning idiom.
package fact

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/memcore/internal/store"
	"github.com/kittclouds/memcore/pkg/errs"
	"github.com/kittclouds/memcore/pkg/idgen"
	"github.com/kittclouds/memcore/pkg/logging"
	"github.com/kittclouds/memcore/pkg/textmatch"
)

// Type enumerates the kinds of fact a triple may represent.
type Type string

const (
	TypePreference   Type = "preference"
	TypeIdentity     Type = "identity"
	TypeKnowledge    Type = "knowledge"
	TypeRelationship Type = "relationship"
	TypeEvent        Type = "event"
	TypeObservation  Type = "observation"
	TypeCustom       Type = "custom"
)

func validType(t Type) bool {
	switch t {
	case TypePreference, TypeIdentity, TypeKnowledge, TypeRelationship, TypeEvent, TypeObservation, TypeCustom:
		return true
	}
	return false
}

// SourceType enumerates fact provenance.
type SourceType string

const (
	SourceConversation SourceType = "conversation"
	SourceSystem       SourceType = "system"
	SourceTool         SourceType = "tool"
	SourceManual       SourceType = "manual"
)

func validSourceType(t SourceType) bool {
	switch t {
	case "", SourceConversation, SourceSystem, SourceTool, SourceManual:
		return true
	}
	return false
}

// Fact is an L3 subject/predicate/object triple.
type Fact struct {
	FactID        string
	MemorySpaceID string
	FactType      Type
	Subject       string
	Predicate     string
	Object        string
	Confidence    int64
	SourceType    SourceType
	SourceRef     string
	UserID        string
	ParticipantID string
	Tags          []string
	ValidFrom     int64
	ValidUntil    int64
	Version       int64
	SupersededBy  string
	Supersedes    string
	CreatedAt     int64
	UpdatedAt     int64
	Metadata      map[string]any
}

// TagMatch selects any-vs-all semantics for the Tags filter.
type TagMatch string

const (
	TagMatchAny TagMatch = "any"
	TagMatchAll TagMatch = "all"
)

// SortBy selects the sort field for list-shaped queries.
type SortBy string

const (
	SortByCreatedAt SortBy = "createdAt"
	SortByUpdatedAt SortBy = "updatedAt"
	SortByConfidence SortBy = "confidence"
)

// Filter is the universal option surface shared by List, Count, Search,
// QueryBySubject, and QueryByRelationship, per the specification's
// explicit design contract that all five accept the same filter shape.
type Filter struct {
	// Identity
	MemorySpaceID string
	UserID        string
	ParticipantID string
	// Semantic
	Subject   string
	Predicate string
	Object    string
	FactType  Type
	// Quality
	Confidence    int64
	HasConfidence bool
	MinConfidence int64
	// Provenance
	SourceType SourceType
	// Tags
	Tags     []string
	TagMatch TagMatch
	// Time
	CreatedBefore int64
	CreatedAfter  int64
	UpdatedBefore int64
	UpdatedAfter  int64
	// Version
	Version           int64
	IncludeSuperseded bool
	// Validity
	ValidAt    int64
	ValidFrom  int64
	ValidUntil int64
	// Metadata
	Metadata map[string]any
	// Result
	Limit     int
	Offset    int
	SortBy    SortBy
	SortOrder string // asc | desc
}

// Options configures the Store.
type Options struct {
	Logger *zap.Logger
}

// Store is the FactStore service.
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
	MemorySpaceID string
	FactType      Type
	Subject       string
	Predicate     string
	Object        string
	Confidence    int64
	SourceType    SourceType
	SourceRef     string
	UserID        string
	ParticipantID string
	Tags          []string
	ValidFrom     int64
	ValidUntil    int64
	Metadata      map[string]any
}

// Store inserts a new fact at version 1.
func (s *Store) Store(ctx context.Context, in StoreInput) (*Fact, error) {
	if !validType(in.FactType) {
		return nil, errs.New(errs.InvalidEnumValue, "fact: invalid factType "+string(in.FactType))
	}
	if !validSourceType(in.SourceType) {
		return nil, errs.New(errs.InvalidEnumValue, "fact: invalid sourceType "+string(in.SourceType))
	}
	if in.Confidence < 0 || in.Confidence > 100 {
		return nil, errs.New(errs.InvalidImportance, "fact: confidence out of [0,100]")
	}

	now := time.Now().UnixMilli()
	f := &store.Fact{
		FactID:        idgen.New(),
		MemorySpaceID: in.MemorySpaceID,
		FactType:      string(in.FactType),
		Subject:       in.Subject,
		Predicate:     in.Predicate,
		Object:        in.Object,
		Confidence:    in.Confidence,
		SourceType:    string(in.SourceType),
		SourceRef:     in.SourceRef,
		UserID:        in.UserID,
		ParticipantID: in.ParticipantID,
		Tags:          in.Tags,
		ValidFrom:     in.ValidFrom,
		ValidUntil:    in.ValidUntil,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      in.Metadata,
	}
	if err := s.store.StoreFact(f); err != nil {
		return nil, errs.Wrap(errs.BackendError, "fact: store", err)
	}
	return fromStore(f), nil
}

// Get fetches the current version of a fact. Returns
// SUPERSEDED_READ_WITHOUT_FLAG if the fact is superseded and
// includeSuperseded is false.
func (s *Store) Get(ctx context.Context, factID string, includeSuperseded bool) (*Fact, error) {
	f, err := s.store.GetFact(factID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "fact: get", err)
	}
	if f == nil {
		return nil, errs.New(errs.FactNotFound, "fact: not found: "+factID)
	}
	if f.SupersededBy != "" && !includeSuperseded {
		return nil, errs.New(errs.SupersededReadWithoutFlag, "fact: superseded, pass includeSuperseded")
	}
	return fromStore(f), nil
}

// UpdateInput describes a supersession-producing update: a new version of
// the fact is written, supersedes = the old factId, and the old fact is
// marked supersededBy = the new factId.
type UpdateInput struct {
	Subject    *string
	Predicate  *string
	Object     *string
	Confidence *int64
	Tags       []string
	ValidFrom  *int64
	ValidUntil *int64
	Metadata   map[string]any
}

// Update writes a new fact version superseding factID.
func (s *Store) Update(ctx context.Context, factID string, in UpdateInput) (*Fact, error) {
	old, err := s.store.GetFact(factID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "fact: update get", err)
	}
	if old == nil {
		return nil, errs.New(errs.FactNotFound, "fact: not found: "+factID)
	}

	now := time.Now().UnixMilli()
	next := *old
	next.FactID = idgen.New()
	next.Version = old.Version + 1
	next.Supersedes = old.FactID
	next.SupersededBy = ""
	next.CreatedAt = now
	next.UpdatedAt = now
	if in.Subject != nil {
		next.Subject = *in.Subject
	}
	if in.Predicate != nil {
		next.Predicate = *in.Predicate
	}
	if in.Object != nil {
		next.Object = *in.Object
	}
	if in.Confidence != nil {
		next.Confidence = *in.Confidence
	}
	if in.Tags != nil {
		next.Tags = in.Tags
	}
	if in.ValidFrom != nil {
		next.ValidFrom = *in.ValidFrom
	}
	if in.ValidUntil != nil {
		next.ValidUntil = *in.ValidUntil
	}
	if in.Metadata != nil {
		next.Metadata = in.Metadata
	}

	if err := s.store.StoreFact(&next); err != nil {
		return nil, errs.Wrap(errs.BackendError, "fact: update store", err)
	}
	if _, err := s.store.UpdateFact(old.FactID, func(f *store.Fact) { f.SupersededBy = next.FactID; f.UpdatedAt = now }); err != nil {
		return nil, errs.Wrap(errs.BackendError, "fact: update mark superseded", err)
	}
	return fromStore(&next), nil
}

// Delete removes a fact and its version history.
func (s *Store) Delete(ctx context.Context, factID string) error {
	if err := s.store.DeleteFact(factID); err != nil {
		return errs.Wrap(errs.BackendError, "fact: delete", err)
	}
	return nil
}

// List returns facts matching f.
func (s *Store) List(ctx context.Context, f Filter) ([]*Fact, error) {
	return s.listAndFilter(ctx, "", f)
}

// Count counts facts matching f.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	facts, err := s.listAndFilter(ctx, "", f)
	if err != nil {
		return 0, err
	}
	return int64(len(facts)), nil
}

// Search finds facts whose subject/predicate/object contains query, honoring f.
func (s *Store) Search(ctx context.Context, query string, f Filter) ([]*Fact, error) {
	return s.listAndFilter(ctx, query, f)
}

// QueryBySubject finds facts about f.Subject, honoring the rest of f.
func (s *Store) QueryBySubject(ctx context.Context, f Filter) ([]*Fact, error) {
	return s.listAndFilter(ctx, "", f)
}

// QueryByRelationship finds facts matching f.Subject/Predicate/Object.
func (s *Store) QueryByRelationship(ctx context.Context, f Filter) ([]*Fact, error) {
	return s.listAndFilter(ctx, "", f)
}

func (s *Store) listAndFilter(ctx context.Context, query string, f Filter) ([]*Fact, error) {
	var raw []*store.Fact
	var err error
	switch {
	case query != "":
		raw, err = s.store.SearchFacts(f.MemorySpaceID, query, 0)
	case f.Subject != "" && f.Predicate == "" && f.Object == "":
		raw, err = s.store.QueryFactsBySubject(f.MemorySpaceID, f.Subject, true)
	case f.Subject != "" || f.Predicate != "" || f.Object != "":
		raw, err = s.store.QueryFactsByRelationship(f.MemorySpaceID, f.Subject, f.Predicate, f.Object, true)
	default:
		raw, err = s.store.ListFacts(f.MemorySpaceID, 0, 0)
	}
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "fact: query", err)
	}

	filtered := make([]*Fact, 0, len(raw))
	for _, sf := range raw {
		ff := fromStore(sf)
		if !matches(ff, f) {
			continue
		}
		filtered = append(filtered, ff)
	}
	sortFacts(filtered, f.SortBy, f.SortOrder)
	return paginate(filtered, f.Limit, f.Offset), nil
}

func matches(f *Fact, filt Filter) bool {
	if filt.UserID != "" && f.UserID != filt.UserID {
		return false
	}
	if filt.ParticipantID != "" && f.ParticipantID != filt.ParticipantID {
		return false
	}
	if filt.FactType != "" && f.FactType != filt.FactType {
		return false
	}
	if filt.HasConfidence && f.Confidence != filt.Confidence {
		return false
	}
	if filt.MinConfidence > 0 && f.Confidence < filt.MinConfidence {
		return false
	}
	if filt.SourceType != "" && f.SourceType != filt.SourceType {
		return false
	}
	if len(filt.Tags) > 0 && !textmatch.TagMatch(f.Tags, filt.Tags, filt.TagMatch == TagMatchAll) {
		return false
	}
	if filt.CreatedBefore > 0 && f.CreatedAt >= filt.CreatedBefore {
		return false
	}
	if filt.CreatedAfter > 0 && f.CreatedAt <= filt.CreatedAfter {
		return false
	}
	if filt.UpdatedBefore > 0 && f.UpdatedAt >= filt.UpdatedBefore {
		return false
	}
	if filt.UpdatedAfter > 0 && f.UpdatedAt <= filt.UpdatedAfter {
		return false
	}
	if filt.Version > 0 && f.Version != filt.Version {
		return false
	}
	if !filt.IncludeSuperseded && f.SupersededBy != "" {
		return false
	}
	if filt.ValidAt > 0 {
		if f.ValidFrom > 0 && filt.ValidAt < f.ValidFrom {
			return false
		}
		if f.ValidUntil > 0 && filt.ValidAt > f.ValidUntil {
			return false
		}
	}
	for k, v := range filt.Metadata {
		hv, ok := f.Metadata[k]
		if !ok || hv != v {
			return false
		}
	}
	return true
}

func sortFacts(facts []*Fact, by SortBy, order string) {
	desc := order != "asc"
	less := func(i, j int) bool {
		var a, b int64
		switch by {
		case SortByConfidence:
			a, b = facts[i].Confidence, facts[j].Confidence
		case SortByCreatedAt:
			a, b = facts[i].CreatedAt, facts[j].CreatedAt
		default:
			a, b = facts[i].UpdatedAt, facts[j].UpdatedAt
		}
		if desc {
			return a > b
		}
		return a < b
	}
	sort.SliceStable(facts, less)
}

func paginate(facts []*Fact, limit, offset int) []*Fact {
	if offset > 0 {
		if offset >= len(facts) {
			return nil
		}
		facts = facts[offset:]
	}
	if limit > 0 && limit < len(facts) {
		facts = facts[:limit]
	}
	return facts
}

// GetHistory returns every version of a fact, oldest first, as raw JSON
// snapshots.
func (s *Store) GetHistory(ctx context.Context, factID string) ([]string, error) {
	vs, err := s.store.GetFactHistory(factID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "fact: get history", err)
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Data
	}
	return out, nil
}

// Export returns every fact in a memory space as Fact values; it does not
// serialize them to JSON.
func (s *Store) Export(ctx context.Context, memorySpaceID string) ([]*Fact, error) {
	raw, err := s.store.ListFacts(memorySpaceID, 0, 0)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "fact: export", err)
	}
	out := make([]*Fact, len(raw))
	for i, f := range raw {
		out[i] = fromStore(f)
	}
	return out, nil
}

// Consolidate merges facts sharing the same (subject,predicate) by keeping
// the highest-confidence non-superseded fact and superseding the rest,
// returning the surviving fact.
func (s *Store) Consolidate(ctx context.Context, memorySpaceID, subject, predicate string) (*Fact, error) {
	facts, err := s.store.QueryFactsByRelationship(memorySpaceID, subject, predicate, "", false)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "fact: consolidate query", err)
	}
	if len(facts) == 0 {
		return nil, errs.New(errs.FactNotFound, "fact: no facts for "+subject+"/"+predicate)
	}

	best := facts[0]
	for _, f := range facts[1:] {
		if f.Confidence > best.Confidence {
			best = f
		}
	}

	now := time.Now().UnixMilli()
	for _, f := range facts {
		if f.FactID == best.FactID {
			continue
		}
		if _, err := s.store.UpdateFact(f.FactID, func(sf *store.Fact) { sf.SupersededBy = best.FactID; sf.UpdatedAt = now }); err != nil {
			return nil, errs.Wrap(errs.BackendError, "fact: consolidate supersede", err)
		}
	}
	return fromStore(best), nil
}

// DeleteBySpace removes every fact in a memory space, used by the
// MemorySpace cascade.
func (s *Store) DeleteBySpace(ctx context.Context, memorySpaceID string) (int64, error) {
	n, err := s.store.DeleteFactsBySpace(memorySpaceID)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "fact: delete by space", err)
	}
	return n, nil
}

// DeleteByParticipant removes every fact sourced by a user or agent
// participant, used by the GDPR cascade.
func (s *Store) DeleteByParticipant(ctx context.Context, userID, participantID string) (int64, error) {
	n, err := s.store.DeleteFactsByParticipant(userID, participantID)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "fact: delete by participant", err)
	}
	return n, nil
}

// FactFromStore converts a raw store row into the Fact shape this package
// returns from its own reads. Exported so other packages composing the
// authoritative store directly (the graph sync worker's change source) can
// produce the same Fact value this package would.
func FactFromStore(f *store.Fact) *Fact {
	return fromStore(f)
}

func fromStore(f *store.Fact) *Fact {
	return &Fact{
		FactID:        f.FactID,
		MemorySpaceID: f.MemorySpaceID,
		FactType:      Type(f.FactType),
		Subject:       f.Subject,
		Predicate:     f.Predicate,
		Object:        f.Object,
		Confidence:    f.Confidence,
		SourceType:    SourceType(f.SourceType),
		SourceRef:     f.SourceRef,
		UserID:        f.UserID,
		ParticipantID: f.ParticipantID,
		Tags:          f.Tags,
		ValidFrom:     f.ValidFrom,
		ValidUntil:    f.ValidUntil,
		Version:       f.Version,
		SupersededBy:  f.SupersededBy,
		Supersedes:    f.Supersedes,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
		Metadata:      f.Metadata,
	}
}
