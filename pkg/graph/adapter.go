// Package graph implements the GraphMirror (X): an optional Neo4j/Memgraph
// projection of the authoritative L1a/L2/L3/L4b stores, a real-time sync
// worker, and circular-reference-safe orphan-island cleanup on delete. The
// graph is never a source of truth; every node is reconstructible from the
// authoritative stores.
package graph

import "context"

// Node is a graph vertex. ID is always a string — native integer ids from
// the backend must be stringified at the adapter boundary; elementId()
// forms must never be emitted, since they are not portable across Neo4j
// versions or Memgraph.
type Node struct {
	ID    string
	Label string
	Props map[string]any
}

// Edge is a graph relationship.
type Edge struct {
	ID    string
	From  string
	To    string
	Type  string
	Props map[string]any
}

// Direction constrains traversal direction relative to the start node.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// TraverseOptions configures Adapter.Traverse.
type TraverseOptions struct {
	StartID           string
	RelationshipTypes []string
	Direction         Direction
	MaxDepth          int
}

// Path is an ordered sequence of nodes and the edges connecting them,
// returned by Adapter.FindPath.
type Path struct {
	Nodes []Node
	Edges []Edge
}

// Adapter is the GraphAdapter contract: every graph mirror implementation
// (Neo4j, Memgraph, or any future Cypher-speaking store) must satisfy this.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	CreateNode(ctx context.Context, label string, props map[string]any) (string, error)
	UpdateNode(ctx context.Context, nodeID string, props map[string]any) error
	DeleteNode(ctx context.Context, nodeID string) error
	FindNodes(ctx context.Context, label string, equalityFilter map[string]any, limit int) ([]Node, error)

	CreateEdge(ctx context.Context, from, to, edgeType string, props map[string]any) (string, error)
	DeleteEdge(ctx context.Context, edgeID string) error

	Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	Traverse(ctx context.Context, opts TraverseOptions) ([]Node, error)
	FindPath(ctx context.Context, from, to string, relationshipTypes []string, maxDepth int) (*Path, error)
}

// stripNil removes nil/empty-string values from a property map before it
// is sent to the backend, since optional args must be omitted rather than
// sent as null.
func stripNil(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out[k] = v
	}
	return out
}
