package graph

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kittclouds/memcore/pkg/coordination"
	"github.com/kittclouds/memcore/pkg/fact"
	"github.com/kittclouds/memcore/pkg/pool"
	"github.com/kittclouds/memcore/pkg/vector"
)

// Edge type constants, per the specification's non-exhaustive list.
const (
	EdgeParentOf    = "PARENT_OF"
	EdgeChildOf     = "CHILD_OF"
	EdgeInSpace     = "IN_SPACE"
	EdgeReferences  = "REFERENCES"
	EdgeMentions    = "MENTIONS"
	EdgeInvolves    = "INVOLVES"
	EdgeTriggeredBy = "TRIGGERED_BY"
	EdgeWorksAt     = "WORKS_AT"
	EdgeKnows       = "KNOWS"
	EdgeUses        = "USES"
)

// Mirror composes a graph Adapter with a node-id cache keyed by the
// authoritative entity id, implementing the memory.GraphSyncer and
// coordination.CascadeGraph contracts the rest of the SDK depends on.
type Mirror struct {
	adapter Adapter

	// nodeIDs maps "label:entityId" to the graph-native node id, so
	// relationship sync doesn't need a FindNodes round trip per edge.
	nodeIDs map[string]string
}

// NewMirror constructs a Mirror over adapter.
func NewMirror(adapter Adapter) *Mirror {
	return &Mirror{adapter: adapter, nodeIDs: make(map[string]string)}
}

func cacheKey(label, entityID string) string { return label + ":" + entityID }

func (m *Mirror) resolveNode(ctx context.Context, label, entityID string) (string, error) {
	if id, ok := m.nodeIDs[cacheKey(label, entityID)]; ok {
		return id, nil
	}
	nodes, err := m.adapter.FindNodes(ctx, label, map[string]any{"id": entityID}, 1)
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", nil
	}
	m.nodeIDs[cacheKey(label, entityID)] = nodes[0].ID
	return nodes[0].ID, nil
}

// SyncMemoryToGraph upserts a vector memory as a Memory node and returns its
// graph node id.
func (m *Mirror) SyncMemoryToGraph(ctx context.Context, mem *vector.Memory) (string, error) {
	props := pool.GetMap()
	defer pool.PutMap(props)
	props["id"] = mem.MemoryID
	props["memorySpaceId"] = mem.MemorySpaceID
	props["content"] = mem.Content
	props["importance"] = mem.Importance
	props["sourceType"] = string(mem.SourceType)
	props["sourceUserId"] = mem.SourceUserID
	props["archived"] = mem.Archived
	props["createdAt"] = mem.CreatedAt
	props["updatedAt"] = mem.UpdatedAt

	nodeID, err := m.upsertNode(ctx, "Memory", mem.MemoryID, props)
	if err != nil {
		return "", err
	}
	if err := m.syncMemoryRelationships(ctx, mem, nodeID); err != nil {
		return nodeID, err
	}
	return nodeID, nil
}

func (m *Mirror) syncMemoryRelationships(ctx context.Context, mem *vector.Memory, nodeID string) error {
	spaceNode, err := m.upsertNode(ctx, "MemorySpace", mem.MemorySpaceID, map[string]any{"id": mem.MemorySpaceID})
	if err != nil {
		return err
	}
	if _, err := m.adapter.CreateEdge(ctx, nodeID, spaceNode, EdgeInSpace, nil); err != nil {
		return fmt.Errorf("graph: sync memory in_space edge: %w", err)
	}
	if mem.ConvRef != nil && mem.ConvRef.ConversationID != "" {
		convNode, err := m.upsertNode(ctx, "Conversation", mem.ConvRef.ConversationID, map[string]any{"id": mem.ConvRef.ConversationID})
		if err != nil {
			return err
		}
		if _, err := m.adapter.CreateEdge(ctx, nodeID, convNode, EdgeReferences, nil); err != nil {
			return fmt.Errorf("graph: sync memory references edge: %w", err)
		}
	}
	return nil
}

// SyncFactToGraph upserts a fact as a Fact node, with MENTIONS edges to its
// subject/object entities and a typed edge when the predicate matches a
// known shape (e.g. "works at" / "works_at" -> WORKS_AT).
func (m *Mirror) SyncFactToGraph(ctx context.Context, f *fact.Fact) (string, error) {
	props := pool.GetMap()
	defer pool.PutMap(props)
	props["id"] = f.FactID
	props["memorySpaceId"] = f.MemorySpaceID
	props["factType"] = string(f.FactType)
	props["subject"] = f.Subject
	props["predicate"] = f.Predicate
	props["object"] = f.Object
	props["confidence"] = f.Confidence
	props["supersededBy"] = f.SupersededBy
	props["createdAt"] = f.CreatedAt
	props["updatedAt"] = f.UpdatedAt

	nodeID, err := m.upsertNode(ctx, "Fact", f.FactID, props)
	if err != nil {
		return "", err
	}

	subjNode, err := m.upsertNode(ctx, "Entity", entityKey(f.MemorySpaceID, f.Subject), map[string]any{"id": entityKey(f.MemorySpaceID, f.Subject), "label": f.Subject, "memorySpaceId": f.MemorySpaceID})
	if err != nil {
		return nodeID, err
	}
	if _, err := m.adapter.CreateEdge(ctx, nodeID, subjNode, EdgeMentions, nil); err != nil {
		return nodeID, fmt.Errorf("graph: sync fact subject edge: %w", err)
	}

	objNode, err := m.upsertNode(ctx, "Entity", entityKey(f.MemorySpaceID, f.Object), map[string]any{"id": entityKey(f.MemorySpaceID, f.Object), "label": f.Object, "memorySpaceId": f.MemorySpaceID})
	if err != nil {
		return nodeID, err
	}
	if _, err := m.adapter.CreateEdge(ctx, nodeID, objNode, EdgeMentions, nil); err != nil {
		return nodeID, fmt.Errorf("graph: sync fact object edge: %w", err)
	}

	if edgeType, ok := predicateEdgeType(f.Predicate); ok {
		if _, err := m.adapter.CreateEdge(ctx, subjNode, objNode, edgeType, map[string]any{"predicate": f.Predicate}); err != nil {
			return nodeID, fmt.Errorf("graph: sync fact typed edge: %w", err)
		}
	}
	return nodeID, nil
}

// entityKey namespaces an entity label by memory space so two spaces'
// identically-named entities don't collide in the shared Entity label.
func entityKey(memorySpaceID, label string) string {
	return memorySpaceID + ":" + strings.ToLower(strings.TrimSpace(label))
}

var predicateEdgeTypes = map[*regexp.Regexp]string{
	regexp.MustCompile(`(?i)^works?[\s_-]?at$`):    EdgeWorksAt,
	regexp.MustCompile(`(?i)^knows?$`):             EdgeKnows,
	regexp.MustCompile(`(?i)^uses?$`):              EdgeUses,
	regexp.MustCompile(`(?i)^triggered[\s_-]?by$`): EdgeTriggeredBy,
}

func predicateEdgeType(predicate string) (string, bool) {
	for re, edgeType := range predicateEdgeTypes {
		if re.MatchString(strings.TrimSpace(predicate)) {
			return edgeType, true
		}
	}
	return "", false
}

// SyncContextToGraph upserts a context as a Context node, with a CHILD_OF
// edge to its parent when one exists.
func (m *Mirror) SyncContextToGraph(ctx context.Context, cx *coordination.Context) (string, error) {
	props := pool.GetMap()
	defer pool.PutMap(props)
	props["id"] = cx.ContextID
	props["memorySpaceId"] = cx.MemorySpaceID
	props["purpose"] = cx.Purpose
	props["status"] = string(cx.Status)
	props["depth"] = cx.Depth
	props["createdAt"] = cx.CreatedAt
	props["updatedAt"] = cx.UpdatedAt
	nodeID, err := m.upsertNode(ctx, "Context", cx.ContextID, props)
	if err != nil {
		return "", err
	}
	if cx.ParentContextID != "" {
		parentNode, err := m.upsertNode(ctx, "Context", cx.ParentContextID, map[string]any{"id": cx.ParentContextID})
		if err != nil {
			return nodeID, err
		}
		if _, err := m.adapter.CreateEdge(ctx, nodeID, parentNode, EdgeChildOf, nil); err != nil {
			return nodeID, fmt.Errorf("graph: sync context child_of edge: %w", err)
		}
		if _, err := m.adapter.CreateEdge(ctx, parentNode, nodeID, EdgeParentOf, nil); err != nil {
			return nodeID, fmt.Errorf("graph: sync context parent_of edge: %w", err)
		}
	}
	if cx.ConvRef != nil && cx.ConvRef.ConversationID != "" {
		convNode, err := m.upsertNode(ctx, "Conversation", cx.ConvRef.ConversationID, map[string]any{"id": cx.ConvRef.ConversationID})
		if err != nil {
			return nodeID, err
		}
		if _, err := m.adapter.CreateEdge(ctx, nodeID, convNode, EdgeReferences, nil); err != nil {
			return nodeID, fmt.Errorf("graph: sync context references edge: %w", err)
		}
	}
	return nodeID, nil
}

func (m *Mirror) upsertNode(ctx context.Context, label, entityID string, props map[string]any) (string, error) {
	existing, err := m.resolveNode(ctx, label, entityID)
	if err != nil {
		return "", fmt.Errorf("graph: upsert %s lookup: %w", label, err)
	}
	if existing != "" {
		if err := m.adapter.UpdateNode(ctx, existing, props); err != nil {
			return "", fmt.Errorf("graph: upsert %s update: %w", label, err)
		}
		return existing, nil
	}
	nodeID, err := m.adapter.CreateNode(ctx, label, props)
	if err != nil {
		return "", fmt.Errorf("graph: upsert %s create: %w", label, err)
	}
	m.nodeIDs[cacheKey(label, entityID)] = nodeID
	return nodeID, nil
}

// -- memory.GraphSyncer ------------------------------------------------------

// SyncMemory implements memory.GraphSyncer.
func (m *Mirror) SyncMemory(ctx context.Context, mem *vector.Memory) error {
	_, err := m.SyncMemoryToGraph(ctx, mem)
	return err
}

// SyncFact implements memory.GraphSyncer.
func (m *Mirror) SyncFact(ctx context.Context, f *fact.Fact) error {
	_, err := m.SyncFactToGraph(ctx, f)
	return err
}

// DeleteMemory implements memory.GraphSyncer: it removes the Memory node
// and runs orphan-island detection on its non-anchor neighbors.
func (m *Mirror) DeleteMemory(ctx context.Context, memoryID string) error {
	nodeID, err := m.resolveNode(ctx, "Memory", memoryID)
	if err != nil {
		return err
	}
	if nodeID == "" {
		return nil
	}
	delete(m.nodeIDs, cacheKey("Memory", memoryID))
	_, err = m.deleteWithOrphanCleanup(ctx, nodeID)
	return err
}

// -- coordination.CascadeGraph ------------------------------------------------

// DeleteNodesByUser implements coordination.CascadeGraph: every node
// carrying userId == userID is removed.
func (m *Mirror) DeleteNodesByUser(ctx context.Context, userID string) (int64, error) {
	return m.deleteNodesByProperty(ctx, "userId", userID)
}

// DeleteNodesByParticipant implements coordination.CascadeGraph.
func (m *Mirror) DeleteNodesByParticipant(ctx context.Context, participantID string) (int64, error) {
	return m.deleteNodesByProperty(ctx, "participantId", participantID)
}

// protectedLabels are never auto-deleted by the cascade sweep, even when
// they carry a matching userId/participantId property: Users, Participants
// and MemorySpaces are the coordination layer's own record, not a graph
// mirror of deletable memory content.
var protectedLabels = map[string]bool{"User": true, "Participant": true, "MemorySpace": true}

// anchorLabels root the orphan-island cleanup: a non-anchor node (typically
// Conversation, Entity, or a derived aggregate) is only swept away once it
// has lost its last path back to an anchor.
var anchorLabels = map[string]bool{"Memory": true, "Fact": true, "Context": true}

func isAnchorLabel(label string) bool { return anchorLabels[label] }

func (m *Mirror) deleteNodesByProperty(ctx context.Context, key, value string) (int64, error) {
	rows, err := m.adapter.Query(ctx, fmt.Sprintf(
		"MATCH (n) WHERE n.%s = $value RETURN toString(id(n)) AS id, labels(n) AS labels",
		sanitizeLabel(key),
	), map[string]any{"value": value})
	if err != nil {
		return 0, fmt.Errorf("graph: find nodes by %s: %w", key, err)
	}
	var n int64
	for _, row := range rows {
		id, ok := row["id"].(string)
		if !ok {
			continue
		}
		if nodeHasProtectedLabel(row["labels"]) {
			continue
		}
		deleted, err := m.deleteWithOrphanCleanup(ctx, id)
		if err != nil {
			return n, fmt.Errorf("graph: delete node %s: %w", id, err)
		}
		n += deleted
	}
	return n, nil
}

func nodeHasProtectedLabel(v any) bool {
	labels, ok := v.([]any)
	if !ok {
		return false
	}
	for _, l := range labels {
		if s, ok := l.(string); ok && protectedLabels[s] {
			return true
		}
	}
	return false
}

// deleteWithOrphanCleanup deletes nodeID and then walks its former
// neighbors looking for orphan islands: non-anchor nodes (Conversation,
// Entity, or a derived aggregate) that, after nodeID's removal, no longer
// have any path back to an anchor label (Memory/Fact/Context). Those are
// swept too, transitively, via a bounded breadth-first search so a cycle
// among non-anchor nodes can't loop forever or leave half the cycle behind.
//
// The search is bounded to maxOrphanDepth hops and tracks visited ids, so
// circular references between non-anchor nodes terminate the walk instead
// of being mistaken for a path back to an anchor.
const maxOrphanDepth = 10

func (m *Mirror) deleteWithOrphanCleanup(ctx context.Context, nodeID string) (int64, error) {
	neighbors, err := m.neighborIDs(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	if err := m.adapter.DeleteNode(ctx, nodeID); err != nil {
		return 0, err
	}
	var n int64 = 1
	for _, neighbor := range neighbors {
		deleted, err := m.sweepIfOrphaned(ctx, neighbor, map[string]bool{nodeID: true})
		if err != nil {
			return n, err
		}
		n += deleted
	}
	return n, nil
}

// sweepIfOrphaned deletes candidateID, and recurses into its own
// neighbors, only if candidateID carries a non-anchor label and a bounded
// BFS from it finds no remaining path to any anchor-labeled node. visited
// accumulates ids already inspected or removed in this cascade so a cycle
// among non-anchor nodes is walked at most once.
func (m *Mirror) sweepIfOrphaned(ctx context.Context, candidateID string, visited map[string]bool) (int64, error) {
	if visited[candidateID] {
		return 0, nil
	}
	visited[candidateID] = true

	labels, err := m.labelsOf(ctx, candidateID)
	if err != nil {
		return 0, err
	}
	for _, l := range labels {
		if isAnchorLabel(l) || protectedLabels[l] {
			return 0, nil
		}
	}

	reachesAnchor, err := m.reachesAnchor(ctx, candidateID, visited, 0)
	if err != nil {
		return 0, err
	}
	if reachesAnchor {
		return 0, nil
	}

	neighbors, err := m.neighborIDs(ctx, candidateID)
	if err != nil {
		return 0, err
	}
	if err := m.adapter.DeleteNode(ctx, candidateID); err != nil {
		return 0, err
	}
	var n int64 = 1
	for _, neighbor := range neighbors {
		deleted, err := m.sweepIfOrphaned(ctx, neighbor, visited)
		if err != nil {
			return n, err
		}
		n += deleted
	}
	return n, nil
}

// reachesAnchor runs a bounded BFS outward from startID looking for any
// node carrying an anchor label, stopping at maxOrphanDepth hops and never
// revisiting an id already seen in this cascade (via the shared visited
// set), so circular references among non-anchor nodes cannot produce a
// false positive or an unbounded walk.
func (m *Mirror) reachesAnchor(ctx context.Context, startID string, visited map[string]bool, depth int) (bool, error) {
	if depth >= maxOrphanDepth {
		return false, nil
	}
	neighbors, err := m.neighborIDs(ctx, startID)
	if err != nil {
		return false, err
	}
	var next []string
	for _, nb := range neighbors {
		if visited[nb] {
			continue
		}
		labels, err := m.labelsOf(ctx, nb)
		if err != nil {
			return false, err
		}
		for _, l := range labels {
			if isAnchorLabel(l) {
				return true, nil
			}
		}
		next = append(next, nb)
	}
	seen := make(map[string]bool, len(visited))
	for k := range visited {
		seen[k] = true
	}
	for _, nb := range next {
		seen[nb] = true
	}
	for _, nb := range next {
		ok, err := m.reachesAnchor(ctx, nb, seen, depth+1)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *Mirror) neighborIDs(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := m.adapter.Query(ctx,
		"MATCH (n)-[]-(m) WHERE toString(id(n)) = $id RETURN DISTINCT toString(id(m)) AS id",
		map[string]any{"id": nodeID},
	)
	if err != nil {
		return nil, fmt.Errorf("graph: neighbors of %s: %w", nodeID, err)
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["id"].(string); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Mirror) labelsOf(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := m.adapter.Query(ctx,
		"MATCH (n) WHERE toString(id(n)) = $id RETURN labels(n) AS labels",
		map[string]any{"id": nodeID},
	)
	if err != nil {
		return nil, fmt.Errorf("graph: labels of %s: %w", nodeID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	raw, ok := rows[0]["labels"].([]any)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
