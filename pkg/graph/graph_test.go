package graph

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memcore/internal/store"
	"github.com/kittclouds/memcore/pkg/coordination"
	"github.com/kittclouds/memcore/pkg/fact"
	"github.com/kittclouds/memcore/pkg/vector"
)

// fakeAdapter is an in-memory stand-in for a Cypher-speaking backend,
// understanding only the handful of query shapes pkg/graph itself issues.
// It exists purely to exercise Mirror's sync and orphan-cleanup logic
// without a live Neo4j/Memgraph instance.
type fakeAdapter struct {
	mu     sync.Mutex
	nextID int64
	nodes  map[string]*Node
	edges  map[string]*Edge
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{nodes: make(map[string]*Node), edges: make(map[string]*Edge)}
}

func (a *fakeAdapter) Connect(ctx context.Context) error    { return nil }
func (a *fakeAdapter) Disconnect(ctx context.Context) error { return nil }

func (a *fakeAdapter) CreateNode(ctx context.Context, label string, props map[string]any) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := strconv.FormatInt(a.nextID, 10)
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	a.nodes[id] = &Node{ID: id, Label: label, Props: cp}
	return id, nil
}

func (a *fakeAdapter) UpdateNode(ctx context.Context, nodeID string, props map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	for k, v := range props {
		n.Props[k] = v
	}
	return nil
}

func (a *fakeAdapter) DeleteNode(ctx context.Context, nodeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.nodes, nodeID)
	for id, e := range a.edges {
		if e.From == nodeID || e.To == nodeID {
			delete(a.edges, id)
		}
	}
	return nil
}

func (a *fakeAdapter) FindNodes(ctx context.Context, label string, equalityFilter map[string]any, limit int) ([]Node, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Node
	for _, n := range a.nodes {
		if n.Label != label {
			continue
		}
		match := true
		for k, v := range equalityFilter {
			if n.Props[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *n)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (a *fakeAdapter) CreateEdge(ctx context.Context, from, to, edgeType string, props map[string]any) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := strconv.FormatInt(a.nextID, 10)
	a.edges[id] = &Edge{ID: id, From: from, To: to, Type: edgeType, Props: props}
	return id, nil
}

func (a *fakeAdapter) DeleteEdge(ctx context.Context, edgeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.edges, edgeID)
	return nil
}

var propEqualsValue = regexp.MustCompile(`n\.(\w+) = \$value`)

func (a *fakeAdapter) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case strings.Contains(cypher, "RETURN DISTINCT toString(id(m))"):
		id, _ := params["id"].(string)
		seen := map[string]bool{}
		var out []map[string]any
		for _, e := range a.edges {
			var other string
			switch {
			case e.From == id:
				other = e.To
			case e.To == id:
				other = e.From
			default:
				continue
			}
			if seen[other] {
				continue
			}
			seen[other] = true
			out = append(out, map[string]any{"id": other})
		}
		return out, nil

	case strings.Contains(cypher, "RETURN labels(n)") && strings.Contains(cypher, "id(n)) = $id"):
		id, _ := params["id"].(string)
		n, ok := a.nodes[id]
		if !ok {
			return nil, nil
		}
		return []map[string]any{{"labels": labelSlice(n.Label)}}, nil

	case propEqualsValue.MatchString(cypher):
		key := propEqualsValue.FindStringSubmatch(cypher)[1]
		value, _ := params["value"].(string)
		var out []map[string]any
		for id, n := range a.nodes {
			if v, ok := n.Props[key]; ok {
				if s, ok := v.(string); ok && s == value {
					out = append(out, map[string]any{"id": id, "labels": labelSlice(n.Label)})
				}
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("fakeAdapter: unsupported query: %s", cypher)
}

func labelSlice(label string) []any { return []any{label} }

func (a *fakeAdapter) Traverse(ctx context.Context, opts TraverseOptions) ([]Node, error) {
	return nil, fmt.Errorf("fakeAdapter: Traverse not implemented")
}

func (a *fakeAdapter) FindPath(ctx context.Context, from, to string, relationshipTypes []string, maxDepth int) (*Path, error) {
	return nil, fmt.Errorf("fakeAdapter: FindPath not implemented")
}

func (a *fakeAdapter) nodeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}

func (a *fakeAdapter) hasNodeWithProp(key string, value any) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.nodes {
		if n.Props[key] == value {
			return true
		}
	}
	return false
}

func TestSyncMemoryToGraphCreatesNodeAndSpaceEdge(t *testing.T) {
	ctx := context.Background()
	a := newFakeAdapter()
	m := NewMirror(a)

	mem := &vector.Memory{MemoryID: "mem1", MemorySpaceID: "space1", Content: "hello", SourceType: vector.SourceConversation}
	nodeID, err := m.SyncMemoryToGraph(ctx, mem)
	require.NoError(t, err)
	require.NotEmpty(t, nodeID)
	require.True(t, a.hasNodeWithProp("id", "mem1"))
	require.True(t, a.hasNodeWithProp("id", "space1"))

	var inSpace int
	for _, e := range a.edges {
		if e.Type == EdgeInSpace {
			inSpace++
		}
	}
	require.Equal(t, 1, inSpace)
}

func TestSyncFactToGraphCreatesEntityNodesAndTypedEdge(t *testing.T) {
	ctx := context.Background()
	a := newFakeAdapter()
	m := NewMirror(a)

	f := &fact.Fact{FactID: "fact1", MemorySpaceID: "space1", Subject: "alice", Predicate: "works at", Object: "acme"}
	nodeID, err := m.SyncFactToGraph(ctx, f)
	require.NoError(t, err)
	require.NotEmpty(t, nodeID)

	var typedEdges int
	for _, e := range a.edges {
		if e.Type == EdgeWorksAt {
			typedEdges++
		}
	}
	require.Equal(t, 1, typedEdges)
}

func TestSyncContextToGraphLinksParent(t *testing.T) {
	ctx := context.Background()
	a := newFakeAdapter()
	m := NewMirror(a)

	parent := &coordination.Context{ContextID: "ctx1", MemorySpaceID: "space1"}
	_, err := m.SyncContextToGraph(ctx, parent)
	require.NoError(t, err)

	child := &coordination.Context{ContextID: "ctx2", MemorySpaceID: "space1", ParentContextID: "ctx1"}
	_, err = m.SyncContextToGraph(ctx, child)
	require.NoError(t, err)

	var childOf, parentOf int
	for _, e := range a.edges {
		if e.Type == EdgeChildOf {
			childOf++
		}
		if e.Type == EdgeParentOf {
			parentOf++
		}
	}
	require.Equal(t, 1, childOf)
	require.Equal(t, 1, parentOf)
}

func TestDeleteMemoryKeepsEntityStillReachableFromAnotherAnchor(t *testing.T) {
	ctx := context.Background()
	a := newFakeAdapter()
	m := NewMirror(a)

	memNode, err := a.CreateNode(ctx, "Memory", map[string]any{"id": "mem1"})
	require.NoError(t, err)
	entNode, err := a.CreateNode(ctx, "Entity", map[string]any{"id": "ent1"})
	require.NoError(t, err)
	factNode, err := a.CreateNode(ctx, "Fact", map[string]any{"id": "fact1"})
	require.NoError(t, err)

	_, err = a.CreateEdge(ctx, memNode, entNode, EdgeMentions, nil)
	require.NoError(t, err)
	_, err = a.CreateEdge(ctx, factNode, entNode, EdgeMentions, nil)
	require.NoError(t, err)

	require.NoError(t, m.DeleteMemory(ctx, "mem1"))

	require.False(t, a.hasNodeWithProp("id", "mem1"), "deleted Memory node must be gone")
	require.True(t, a.hasNodeWithProp("id", "ent1"), "Entity still reachable from the Fact anchor must survive")
	require.True(t, a.hasNodeWithProp("id", "fact1"))
}

func TestDeleteMemorySweepsEntityWithNoOtherAnchor(t *testing.T) {
	ctx := context.Background()
	a := newFakeAdapter()
	m := NewMirror(a)

	memNode, err := a.CreateNode(ctx, "Memory", map[string]any{"id": "mem2"})
	require.NoError(t, err)
	entNode, err := a.CreateNode(ctx, "Entity", map[string]any{"id": "ent2"})
	require.NoError(t, err)
	_, err = a.CreateEdge(ctx, memNode, entNode, EdgeMentions, nil)
	require.NoError(t, err)

	require.NoError(t, m.DeleteMemory(ctx, "mem2"))

	require.False(t, a.hasNodeWithProp("id", "mem2"))
	require.False(t, a.hasNodeWithProp("id", "ent2"), "Entity with no remaining path to an anchor must be swept")
}

func TestDeleteNodesByUserSkipsProtectedLabels(t *testing.T) {
	ctx := context.Background()
	a := newFakeAdapter()
	m := NewMirror(a)

	_, err := a.CreateNode(ctx, "User", map[string]any{"userId": "u1"})
	require.NoError(t, err)
	_, err = a.CreateNode(ctx, "Conversation", map[string]any{"userId": "u1"})
	require.NoError(t, err)

	n, err := m.DeleteNodesByUser(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.True(t, a.hasNodeWithProp("userId", "u1"), "protected User node must remain")
	require.Equal(t, 1, a.nodeCount())
}

// fakeChangeSource feeds a fixed batch of records to a Worker, then returns
// empty forever so the drain loop naturally quiesces.
type fakeChangeSource struct {
	mu      sync.Mutex
	records []ChangeRecord
	served  bool
}

func (s *fakeChangeSource) Next(ctx context.Context, max int) ([]ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served {
		return nil, nil
	}
	s.served = true
	return s.records, nil
}

func TestWorkerDrainOnceAppliesRecordsAndUpdatesMetrics(t *testing.T) {
	ctx := context.Background()
	a := newFakeAdapter()
	m := NewMirror(a)

	src := &fakeChangeSource{records: []ChangeRecord{
		{Kind: ChangeMemory, EntityID: "mem1", Memory: &vector.Memory{MemoryID: "mem1", MemorySpaceID: "space1", Content: "x"}},
		{Kind: ChangeFact, EntityID: "fact1", Fact: &fact.Fact{FactID: "fact1", MemorySpaceID: "space1", Subject: "a", Predicate: "p", Object: "o"}},
	}}

	w := NewWorker(src, m, WorkerConfig{BatchSize: 10, RetryAttempts: 2, Backoff: time.Millisecond}, nil)
	w.drainOnce(ctx)

	metrics := w.Metrics()
	require.EqualValues(t, 2, metrics.Processed)
	require.EqualValues(t, 0, metrics.Failed)
	require.True(t, a.hasNodeWithProp("id", "mem1"))
	require.True(t, a.hasNodeWithProp("id", "fact1"))
}

func TestWorkerStartStopIsClean(t *testing.T) {
	ctx := context.Background()
	a := newFakeAdapter()
	m := NewMirror(a)
	src := &fakeChangeSource{}

	w := NewWorker(src, m, WorkerConfig{PollInterval: time.Millisecond}, nil)
	w.Start(ctx)
	time.Sleep(5 * time.Millisecond)
	w.Stop()
}

func TestBackoffDurationGrowsExponentiallyAndCaps(t *testing.T) {
	base := 10 * time.Millisecond
	require.Equal(t, base, backoffDuration(base, 1))
	require.Equal(t, 2*base, backoffDuration(base, 2))
	require.Equal(t, 4*base, backoffDuration(base, 3))
	require.Equal(t, 64*base, backoffDuration(base, 20))
}

func TestStoreChangeSourceMergesAcrossKindsInTimestampOrder(t *testing.T) {
	db, err := store.New()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.StoreVector(&store.VectorMemory{
		MemoryID: "mem1", MemorySpaceID: "space1", Content: "hello",
		CreatedAt: 100, UpdatedAt: 100,
	}))
	require.NoError(t, db.StoreFact(&store.Fact{
		FactID: "fact1", MemorySpaceID: "space1", FactType: "relationship",
		Subject: "alice", Predicate: "knows", Object: "bob",
		CreatedAt: 200, UpdatedAt: 200,
	}))
	require.NoError(t, db.CreateContext(&store.Context{
		ContextID: "ctx1", MemorySpaceID: "space1", Status: "active",
		CreatedAt: 300, UpdatedAt: 300,
	}))

	src := NewStoreChangeSource(db, 0)
	recs, err := src.Next(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	require.Equal(t, ChangeMemory, recs[0].Kind)
	require.Equal(t, "mem1", recs[0].EntityID)
	require.False(t, recs[0].Deleted)
	require.NotNil(t, recs[0].Memory)

	require.Equal(t, ChangeFact, recs[1].Kind)
	require.Equal(t, "fact1", recs[1].EntityID)
	require.NotNil(t, recs[1].Fact)

	require.Equal(t, ChangeContext, recs[2].Kind)
	require.Equal(t, "ctx1", recs[2].EntityID)
	require.NotNil(t, recs[2].Context)

	more, err := src.Next(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, more)
}

func TestStoreChangeSourceTrimsWithoutLosingUnconsumedRows(t *testing.T) {
	db, err := store.New()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.StoreVector(&store.VectorMemory{
		MemoryID: "mem1", MemorySpaceID: "space1", Content: "first",
		CreatedAt: 100, UpdatedAt: 100,
	}))
	require.NoError(t, db.StoreVector(&store.VectorMemory{
		MemoryID: "mem2", MemorySpaceID: "space1", Content: "second",
		CreatedAt: 200, UpdatedAt: 200,
	}))
	require.NoError(t, db.StoreFact(&store.Fact{
		FactID: "fact1", MemorySpaceID: "space1", FactType: "relationship",
		Subject: "alice", Predicate: "knows", Object: "bob",
		CreatedAt: 300, UpdatedAt: 300,
	}))

	src := NewStoreChangeSource(db, 0)

	first, err := src.Next(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, "mem1", first[0].EntityID)

	second, err := src.Next(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, "mem2", second[0].EntityID)

	third, err := src.Next(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, third, 1)
	require.Equal(t, "fact1", third[0].EntityID)

	done, err := src.Next(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, done)
}
