package graph

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// EntityLabels lists every node label the schema bootstrap indexes. Kept
// here rather than inferred from usage so bootstrap is a single idempotent
// pass independent of which sync functions have run.
var EntityLabels = []string{
	"Memory", "Fact", "Context", "Conversation", "Entity",
	"MemorySpace", "User", "Participant",
}

// Neo4jAdapter implements Adapter against Neo4j 3/4/5 and Memgraph. It
// speaks only Cypher the way both accept: id() rather than elementId(),
// and no WHERE clause at all when a query has no predicates.
type Neo4jAdapter struct {
	uri      string
	user     string
	password string
	logger   *zap.Logger

	driver neo4j.DriverWithContext
}

// NewNeo4jAdapter constructs an adapter for the given bolt/neo4j URI. Connect
// must be called before use.
func NewNeo4jAdapter(uri, user, password string, logger *zap.Logger) *Neo4jAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Neo4jAdapter{uri: uri, user: user, password: password, logger: logger}
}

// Connect opens the driver and verifies connectivity, then runs the schema
// bootstrap.
func (a *Neo4jAdapter) Connect(ctx context.Context) error {
	drv, err := neo4j.NewDriverWithContext(a.uri, neo4j.BasicAuth(a.user, a.password, ""))
	if err != nil {
		return fmt.Errorf("graph: connect: %w", err)
	}
	if err := drv.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("graph: verify connectivity: %w", err)
	}
	a.driver = drv
	return bootstrapSchema(ctx, a)
}

// Disconnect closes the driver.
func (a *Neo4jAdapter) Disconnect(ctx context.Context) error {
	if a.driver == nil {
		return nil
	}
	return a.driver.Close(ctx)
}

func (a *Neo4jAdapter) session(ctx context.Context) neo4j.SessionWithContext {
	return a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
}

// CreateNode creates a node with the given label and properties, returning
// its id() stringified.
func (a *Neo4jAdapter) CreateNode(ctx context.Context, label string, props map[string]any) (string, error) {
	session := a.session(ctx)
	defer session.Close(ctx)

	props = stripNil(props)
	cypher := fmt.Sprintf("CREATE (n:%s $props) RETURN toString(id(n)) AS id", sanitizeLabel(label))
	result, err := session.Run(ctx, cypher, map[string]any{"props": props})
	if err != nil {
		return "", fmt.Errorf("graph: create node: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return "", fmt.Errorf("graph: create node: %w", err)
	}
	id, _ := record.Get("id")
	return fmt.Sprint(id), nil
}

// UpdateNode merges props onto an existing node, matched by id().
func (a *Neo4jAdapter) UpdateNode(ctx context.Context, nodeID string, props map[string]any) error {
	session := a.session(ctx)
	defer session.Close(ctx)

	props = stripNil(props)
	_, err := session.Run(ctx, "MATCH (n) WHERE toString(id(n)) = $id SET n += $props",
		map[string]any{"id": nodeID, "props": props})
	if err != nil {
		return fmt.Errorf("graph: update node: %w", err)
	}
	return nil
}

// DeleteNode detaches and deletes a node by id().
func (a *Neo4jAdapter) DeleteNode(ctx context.Context, nodeID string) error {
	session := a.session(ctx)
	defer session.Close(ctx)

	_, err := session.Run(ctx, "MATCH (n) WHERE toString(id(n)) = $id DETACH DELETE n", map[string]any{"id": nodeID})
	if err != nil {
		return fmt.Errorf("graph: delete node: %w", err)
	}
	return nil
}

// FindNodes returns nodes of label matching an equality filter.
func (a *Neo4jAdapter) FindNodes(ctx context.Context, label string, equalityFilter map[string]any, limit int) ([]Node, error) {
	session := a.session(ctx)
	defer session.Close(ctx)

	where, params := buildWhere("n", equalityFilter)
	cypher := fmt.Sprintf("MATCH (n:%s)%s RETURN toString(id(n)) AS id, properties(n) AS props", sanitizeLabel(label), where)
	if limit > 0 {
		cypher += " LIMIT $limit"
		params["limit"] = limit
	}
	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("graph: find nodes: %w", err)
	}
	var out []Node
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		props, _ := rec.Get("props")
		out = append(out, Node{ID: fmt.Sprint(id), Label: label, Props: toPropsMap(props)})
	}
	return out, result.Err()
}

// CreateEdge creates a typed relationship between two nodes.
func (a *Neo4jAdapter) CreateEdge(ctx context.Context, from, to, edgeType string, props map[string]any) (string, error) {
	session := a.session(ctx)
	defer session.Close(ctx)

	props = stripNil(props)
	cypher := fmt.Sprintf(`MATCH (a), (b) WHERE toString(id(a)) = $from AND toString(id(b)) = $to
		CREATE (a)-[r:%s $props]->(b) RETURN toString(id(r)) AS id`, sanitizeLabel(edgeType))
	result, err := session.Run(ctx, cypher, map[string]any{"from": from, "to": to, "props": props})
	if err != nil {
		return "", fmt.Errorf("graph: create edge: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return "", fmt.Errorf("graph: create edge: %w", err)
	}
	id, _ := record.Get("id")
	return fmt.Sprint(id), nil
}

// DeleteEdge deletes a relationship by id().
func (a *Neo4jAdapter) DeleteEdge(ctx context.Context, edgeID string) error {
	session := a.session(ctx)
	defer session.Close(ctx)

	_, err := session.Run(ctx, "MATCH ()-[r]->() WHERE toString(id(r)) = $id DELETE r", map[string]any{"id": edgeID})
	if err != nil {
		return fmt.Errorf("graph: delete edge: %w", err)
	}
	return nil
}

// Query runs an arbitrary Cypher statement, returning each record as a
// map keyed by its returned field names.
func (a *Neo4jAdapter) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	session := a.session(ctx)
	defer session.Close(ctx)

	if params == nil {
		params = map[string]any{}
	}
	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("graph: query: %w", err)
	}
	var out []map[string]any
	for result.Next(ctx) {
		rec := result.Record()
		row := make(map[string]any, len(rec.Keys))
		for _, k := range rec.Keys {
			v, _ := rec.Get(k)
			row[k] = v
		}
		out = append(out, row)
	}
	return out, result.Err()
}

// Traverse walks from startId following relationshipTypes (or any type, if
// empty) up to maxDepth, returning the reached nodes.
func (a *Neo4jAdapter) Traverse(ctx context.Context, opts TraverseOptions) ([]Node, error) {
	session := a.session(ctx)
	defer session.Close(ctx)

	depth := opts.MaxDepth
	if depth <= 0 {
		depth = 1
	}
	arrow := relPattern(opts.RelationshipTypes, opts.Direction, depth)
	cypher := fmt.Sprintf("MATCH (s) WHERE toString(id(s)) = $start MATCH (s)%s(n) RETURN DISTINCT toString(id(n)) AS id, labels(n) AS labels, properties(n) AS props", arrow)
	result, err := session.Run(ctx, cypher, map[string]any{"start": opts.StartID})
	if err != nil {
		return nil, fmt.Errorf("graph: traverse: %w", err)
	}
	var out []Node
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		props, _ := rec.Get("props")
		labels, _ := rec.Get("labels")
		label := ""
		if ls, ok := labels.([]any); ok && len(ls) > 0 {
			label = fmt.Sprint(ls[0])
		}
		out = append(out, Node{ID: fmt.Sprint(id), Label: label, Props: toPropsMap(props)})
	}
	return out, result.Err()
}

// FindPath returns the shortest path between from and to, if any.
func (a *Neo4jAdapter) FindPath(ctx context.Context, from, to string, relationshipTypes []string, maxDepth int) (*Path, error) {
	session := a.session(ctx)
	defer session.Close(ctx)

	if maxDepth <= 0 {
		maxDepth = 10
	}
	arrow := relPattern(relationshipTypes, DirectionBoth, maxDepth)
	cypher := fmt.Sprintf(`MATCH (a), (b) WHERE toString(id(a)) = $from AND toString(id(b)) = $to
		MATCH p = shortestPath((a)%s(b)) RETURN p`, arrow)
	result, err := session.Run(ctx, cypher, map[string]any{"from": from, "to": to})
	if err != nil {
		return nil, fmt.Errorf("graph: find path: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return nil, nil // no path found is not an error condition
	}
	raw, ok := record.Get("p")
	if !ok {
		return nil, nil
	}
	path, ok := raw.(neo4j.Path)
	if !ok {
		return nil, nil
	}
	out := &Path{}
	for _, n := range path.Nodes {
		label := ""
		if len(n.Labels) > 0 {
			label = n.Labels[0]
		}
		out.Nodes = append(out.Nodes, Node{ID: strconv.FormatInt(n.Id, 10), Label: label, Props: n.Props})
	}
	for _, r := range path.Relationships {
		out.Edges = append(out.Edges, Edge{
			ID:    strconv.FormatInt(r.Id, 10),
			From:  strconv.FormatInt(r.StartId, 10),
			To:    strconv.FormatInt(r.EndId, 10),
			Type:  r.Type,
			Props: r.Props,
		})
	}
	return out, nil
}

// bootstrapSchema creates a unique constraint per entity label on its
// natural id plus an index on memorySpaceId, idempotently. Constraint and
// index creation failures are tolerated (the construct may already exist
// under a different implementation-specific name on Memgraph).
func bootstrapSchema(ctx context.Context, a *Neo4jAdapter) error {
	session := a.session(ctx)
	defer session.Close(ctx)

	for _, label := range EntityLabels {
		constraintName := "uniq_" + strings.ToLower(label) + "_id"
		stmt := fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE", constraintName, label)
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			a.logger.Warn("graph: schema constraint bootstrap skipped", zap.String("label", label), zap.Error(err))
		}
		idx := fmt.Sprintf("CREATE INDEX idx_%s_space IF NOT EXISTS FOR (n:%s) ON (n.memorySpaceId)", strings.ToLower(label), label)
		if _, err := session.Run(ctx, idx, nil); err != nil {
			a.logger.Warn("graph: schema index bootstrap skipped", zap.String("label", label), zap.Error(err))
		}
	}
	return nil
}

func sanitizeLabel(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// buildWhere constructs a WHERE clause from an equality filter, emitting no
// clause at all when the filter is empty.
func buildWhere(alias string, equalityFilter map[string]any) (string, map[string]any) {
	if len(equalityFilter) == 0 {
		return "", map[string]any{}
	}
	params := make(map[string]any, len(equalityFilter))
	var clauses []string
	i := 0
	for k, v := range equalityFilter {
		key := fmt.Sprintf("f%d", i)
		clauses = append(clauses, fmt.Sprintf("%s.%s = $%s", alias, sanitizeLabel(k), key))
		params[key] = v
		i++
	}
	return " WHERE " + strings.Join(clauses, " AND "), params
}

func relPattern(types []string, dir Direction, maxDepth int) string {
	typeExpr := ""
	if len(types) > 0 {
		cleaned := make([]string, len(types))
		for i, t := range types {
			cleaned[i] = sanitizeLabel(t)
		}
		typeExpr = ":" + strings.Join(cleaned, "|")
	}
	rel := fmt.Sprintf("[%s*1..%d]", typeExpr, maxDepth)
	switch dir {
	case DirectionIn:
		return "<-" + rel + "-"
	case DirectionOut:
		return "-" + rel + "->"
	default:
		return "-" + rel + "-"
	}
}

func toPropsMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
