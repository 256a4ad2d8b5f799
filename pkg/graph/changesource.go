package graph

import (
	"context"
	"sort"

	"github.com/kittclouds/memcore/internal/store"
	"github.com/kittclouds/memcore/pkg/coordination"
	"github.com/kittclouds/memcore/pkg/fact"
	"github.com/kittclouds/memcore/pkg/vector"
)

// StoreChangeSource polls the authoritative store's vector_memories, facts,
// and contexts tables for rows updated since the last drained cursor,
// implementing ChangeSource without a dedicated change log or outbox table.
// Each entity kind tracks its own cursor so one slow-moving table never
// blocks another's Next call.
//
// Polling trims a merged, timestamp-sorted batch to max entries without
// discarding unconsumed rows: a source's cursor only advances to the
// timestamp of the last row from it that made the cut, so anything trimmed
// is re-fetched (and, if it shares a millisecond with an already-applied
// row, harmlessly re-applied — SyncMemory/SyncFact/SyncContextToGraph are
// idempotent upserts).
//
// Hard deletes are invisible to this source: the store deletes rows
// outright rather than tombstoning them, so a row removed between two polls
// never appears as a ChangeRecord with Deleted set. Deletion propagation to
// the graph instead goes through the direct calls the memory and
// coordination layers already make (Mirror.DeleteMemory from Forget,
// CascadeGraph from the GDPR cascade); this poll loop only needs to pick up
// deletions of rows it can still see (soft-deleted vectors), should the
// store ever start setting deleted_at instead of removing the row.
type StoreChangeSource struct {
	store *store.Store

	sinceVector  int64
	sinceFact    int64
	sinceContext int64
}

// NewStoreChangeSource constructs a change source starting from "now", so a
// freshly started worker mirrors only writes that happen from this point
// forward rather than replaying the store's entire history.
func NewStoreChangeSource(s *store.Store, startFrom int64) *StoreChangeSource {
	return &StoreChangeSource{store: s, sinceVector: startFrom, sinceFact: startFrom, sinceContext: startFrom}
}

type timestampedRecord struct {
	ts  int64
	rec ChangeRecord
}

// Next implements ChangeSource.
func (s *StoreChangeSource) Next(ctx context.Context, max int) ([]ChangeRecord, error) {
	if max <= 0 {
		max = 1
	}

	vectors, err := s.store.ListVectorsUpdatedSince(s.sinceVector, max)
	if err != nil {
		return nil, err
	}
	facts, err := s.store.ListFactsUpdatedSince(s.sinceFact, max)
	if err != nil {
		return nil, err
	}
	contexts, err := s.store.ListContextsUpdatedSince(s.sinceContext, max)
	if err != nil {
		return nil, err
	}

	var merged []timestampedRecord
	for _, v := range vectors {
		merged = append(merged, timestampedRecord{ts: v.UpdatedAt, rec: ChangeRecord{
			Kind:     ChangeMemory,
			EntityID: v.MemoryID,
			Deleted:  v.DeletedAt != 0,
			Memory:   vector.MemoryFromStore(v),
		}})
	}
	for _, f := range facts {
		merged = append(merged, timestampedRecord{ts: f.UpdatedAt, rec: ChangeRecord{
			Kind:     ChangeFact,
			EntityID: f.FactID,
			Fact:     fact.FactFromStore(f),
		}})
	}
	for _, c := range contexts {
		merged = append(merged, timestampedRecord{ts: c.UpdatedAt, rec: ChangeRecord{
			Kind:     ChangeContext,
			EntityID: c.ContextID,
			Context:  coordination.ContextFromStore(c),
		}})
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].ts < merged[j].ts })
	if len(merged) > max {
		merged = merged[:max]
	}

	out := make([]ChangeRecord, 0, len(merged))
	for _, tr := range merged {
		out = append(out, tr.rec)
		switch tr.rec.Kind {
		case ChangeMemory:
			if tr.ts > s.sinceVector {
				s.sinceVector = tr.ts
			}
		case ChangeFact:
			if tr.ts > s.sinceFact {
				s.sinceFact = tr.ts
			}
		case ChangeContext:
			if tr.ts > s.sinceContext {
				s.sinceContext = tr.ts
			}
		}
	}
	return out, nil
}
