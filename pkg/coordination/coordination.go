// Package coordination implements the Coordination layer (L4b):
// MemorySpaces, Contexts, Users, and Agents, plus the GDPR three-phase
// cascade-delete algorithm shared by User and Agent removal. Grounded on
// the teacher's registry/ownership packages that compose several store
// calls behind a delete operation, generalized here to a cross-layer
// Collect → Backup → Execute+Verify pipeline.
package coordination

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/memcore/internal/store"
	"github.com/kittclouds/memcore/pkg/conversation"
	"github.com/kittclouds/memcore/pkg/errs"
	"github.com/kittclouds/memcore/pkg/fact"
	"github.com/kittclouds/memcore/pkg/idgen"
	"github.com/kittclouds/memcore/pkg/immutable"
	"github.com/kittclouds/memcore/pkg/logging"
	"github.com/kittclouds/memcore/pkg/mutable"
	"github.com/kittclouds/memcore/pkg/textmatch"
	"github.com/kittclouds/memcore/pkg/vector"
)

// -- MemorySpace --------------------------------------------------------

// SpaceType enumerates the kinds of memory space.
type SpaceType string

const (
	SpacePersonal SpaceType = "personal"
	SpaceTeam     SpaceType = "team"
	SpaceProject  SpaceType = "project"
	SpaceCustom   SpaceType = "custom"
)

func validSpaceType(t SpaceType) bool {
	switch t {
	case SpacePersonal, SpaceTeam, SpaceProject, SpaceCustom:
		return true
	}
	return false
}

// SpaceStatus enumerates memory space lifecycle state.
type SpaceStatus string

const (
	SpaceActive   SpaceStatus = "active"
	SpaceArchived SpaceStatus = "archived"
)

// ParticipantType enumerates the kinds of memory space participant.
type ParticipantType string

const (
	ParticipantUser  ParticipantType = "user"
	ParticipantTool  ParticipantType = "tool"
	ParticipantAgent ParticipantType = "agent"
)

// MemorySpace is the tenancy/isolation registry entry.
type MemorySpace struct {
	MemorySpaceID string
	Type          SpaceType
	Status        SpaceStatus
	Participants  []string
	CreatedAt     int64
	UpdatedAt     int64
	Metadata      map[string]any
}

// SpaceStats summarizes per-layer record counts for a memory space.
type SpaceStats struct {
	Conversations int64
	Memories      int64
	Facts         int64
	Contexts      int64
}

// -- Context --------------------------------------------------------------

// ContextStatus enumerates Context lifecycle state.
type ContextStatus string

const (
	ContextActive    ContextStatus = "active"
	ContextCompleted ContextStatus = "completed"
	ContextCancelled ContextStatus = "cancelled"
	ContextArchived  ContextStatus = "archived"
)

func validContextStatus(s ContextStatus) bool {
	switch s {
	case ContextActive, ContextCompleted, ContextCancelled, ContextArchived:
		return true
	}
	return false
}

// AccessMode enumerates cross-space access grant modes.
type AccessMode string

const (
	AccessRead        AccessMode = "read"
	AccessCollaborate AccessMode = "collaborate"
)

// AccessGrant authorizes a foreign memory space to read or collaborate on
// a Context.
type AccessGrant struct {
	MemorySpaceID string
	Mode          AccessMode
	GrantedAt     int64
}

// ConversationRef ties a Context back to the conversation it was opened
// from.
type ConversationRef struct {
	ConversationID string
	MessageIDs     []string
}

// Context is a node in the coordination-layer parent forest.
type Context struct {
	ContextID       string
	MemorySpaceID   string
	ParentContextID string
	Purpose         string
	ConvRef         *ConversationRef
	Data            map[string]any
	Status          ContextStatus
	Depth           int64
	AccessGrants    []AccessGrant
	CreatedAt       int64
	UpdatedAt       int64
	Metadata        map[string]any
}

// Options configures the Coordinator.
type Options struct {
	Logger *zap.Logger
}

// Coordinator is the L4b service, composing MemorySpace/Context registries
// with cross-layer GDPR cascade over the L1a/L1b/L1c/L2/L3 services.
type Coordinator struct {
	store  *store.Store
	logger *zap.Logger

	conv  *conversation.Log
	imm   *immutable.Store
	mut   *mutable.Store
	vec   *vector.Index
	facts *fact.Store
	graph CascadeGraph
}

// CascadeGraph is the subset of GraphMirror behavior the GDPR cascade
// needs: deleting every node carrying a userId/participantId property.
// Optional; a nil CascadeGraph simply skips the graph phase.
type CascadeGraph interface {
	DeleteNodesByUser(ctx context.Context, userID string) (int64, error)
	DeleteNodesByParticipant(ctx context.Context, participantID string) (int64, error)
}

// New constructs a Coordinator. conv/imm/mut/vec/facts are the layer
// services the cascade reaches into; graph is optional.
func New(s *store.Store, conv *conversation.Log, imm *immutable.Store, mut *mutable.Store, vec *vector.Index, facts *fact.Store, graph CascadeGraph, opts Options) *Coordinator {
	return &Coordinator{store: s, logger: logging.OrNop(opts.Logger), conv: conv, imm: imm, mut: mut, vec: vec, facts: facts, graph: graph}
}

// -- MemorySpace operations -------------------------------------------------

// RegisterSpaceInput describes a register() call.
type RegisterSpaceInput struct {
	Type         SpaceType
	Participants []string
	Metadata     map[string]any
}

// RegisterSpace creates a new memory space.
func (c *Coordinator) RegisterSpace(ctx context.Context, in RegisterSpaceInput) (*MemorySpace, error) {
	if !validSpaceType(in.Type) {
		return nil, errs.New(errs.InvalidEnumValue, "coordination: invalid memory space type "+string(in.Type))
	}
	now := time.Now().UnixMilli()
	m := &store.MemorySpace{
		MemorySpaceID: idgen.New(),
		Type:          string(in.Type),
		Status:        string(SpaceActive),
		Participants:  in.Participants,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      in.Metadata,
	}
	if err := c.store.CreateMemorySpace(m); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: register space", err)
	}
	return spaceFromStore(m), nil
}

// GetSpace fetches a memory space by id.
func (c *Coordinator) GetSpace(ctx context.Context, id string) (*MemorySpace, error) {
	m, err := c.store.GetMemorySpace(id)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: get space", err)
	}
	if m == nil {
		return nil, errs.New(errs.MemorySpaceNotFound, "coordination: space not found: "+id)
	}
	return spaceFromStore(m), nil
}

// ListSpaces lists memory spaces.
func (c *Coordinator) ListSpaces(ctx context.Context, limit, offset int) ([]*MemorySpace, error) {
	ms, err := c.store.ListMemorySpaces(limit, offset)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: list spaces", err)
	}
	out := make([]*MemorySpace, len(ms))
	for i, m := range ms {
		out[i] = spaceFromStore(m)
	}
	return out, nil
}

// UpdateSpaceParticipants replaces the participant set of a memory space.
func (c *Coordinator) UpdateSpaceParticipants(ctx context.Context, id string, participants []string) error {
	if err := c.store.SetMemorySpaceParticipants(id, participants, time.Now().UnixMilli()); err != nil {
		return errs.Wrap(errs.BackendError, "coordination: update participants", err)
	}
	return nil
}

// ArchiveSpace sets status=archived, recording reason/archivedAt in
// metadata. Data is preserved.
func (c *Coordinator) ArchiveSpace(ctx context.Context, id, reason string) (*MemorySpace, error) {
	m, err := c.store.GetMemorySpace(id)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: archive get", err)
	}
	if m == nil {
		return nil, errs.New(errs.MemorySpaceNotFound, "coordination: space not found: "+id)
	}
	now := time.Now().UnixMilli()
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata["archivedAt"] = now
	if reason != "" {
		m.Metadata["archiveReason"] = reason
	}
	if err := c.store.UpdateMemorySpaceStatus(id, string(SpaceArchived), now); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: archive", err)
	}
	m.Status = string(SpaceArchived)
	m.UpdatedAt = now
	return spaceFromStore(m), nil
}

// ReactivateSpace sets status=active, only if currently archived.
func (c *Coordinator) ReactivateSpace(ctx context.Context, id string) (*MemorySpace, error) {
	m, err := c.store.GetMemorySpace(id)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: reactivate get", err)
	}
	if m == nil {
		return nil, errs.New(errs.MemorySpaceNotFound, "coordination: space not found: "+id)
	}
	if m.Status != string(SpaceArchived) {
		return spaceFromStore(m), nil
	}
	now := time.Now().UnixMilli()
	if err := c.store.UpdateMemorySpaceStatus(id, string(SpaceActive), now); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: reactivate", err)
	}
	m.Status = string(SpaceActive)
	m.UpdatedAt = now
	return spaceFromStore(m), nil
}

// DeleteSpace removes a memory space. When cascade is true, every
// conversation, memory, fact, and context scoped to the space is deleted
// first.
func (c *Coordinator) DeleteSpace(ctx context.Context, id string, cascade bool) error {
	if cascade {
		convs, err := c.conv.List(ctx, conversation.ListFilter{MemorySpaceID: id})
		if err != nil {
			return err
		}
		for _, cv := range convs {
			if err := c.conv.Delete(ctx, cv.ConversationID); err != nil {
				return err
			}
		}
		if _, err := c.vec.DeleteBySpace(ctx, id); err != nil {
			return err
		}
		if _, err := c.facts.DeleteBySpace(ctx, id); err != nil {
			return err
		}
		if _, err := c.store.DeleteContextsBySpace(id); err != nil {
			return errs.Wrap(errs.BackendError, "coordination: delete space contexts", err)
		}
	}
	if err := c.store.DeleteMemorySpace(id); err != nil {
		return errs.Wrap(errs.BackendError, "coordination: delete space", err)
	}
	return nil
}

// GetSpaceStats returns per-layer record counts for a memory space.
func (c *Coordinator) GetSpaceStats(ctx context.Context, id string) (*SpaceStats, error) {
	convCount, err := c.conv.Count(ctx, id)
	if err != nil {
		return nil, err
	}
	memCount, err := c.vec.Count(ctx, vector.ListFilter{MemorySpaceID: id, IncludeArchived: true})
	if err != nil {
		return nil, err
	}
	factCount, err := c.facts.Count(ctx, fact.Filter{MemorySpaceID: id, IncludeSuperseded: true})
	if err != nil {
		return nil, err
	}
	ctxs, err := c.store.ListContextsBySpace(id)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: space stats contexts", err)
	}
	return &SpaceStats{Conversations: convCount, Memories: memCount, Facts: factCount, Contexts: int64(len(ctxs))}, nil
}

func spaceFromStore(m *store.MemorySpace) *MemorySpace {
	return &MemorySpace{
		MemorySpaceID: m.MemorySpaceID,
		Type:          SpaceType(m.Type),
		Status:        SpaceStatus(m.Status),
		Participants:  m.Participants,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		Metadata:      m.Metadata,
	}
}

// -- Context operations -----------------------------------------------------

// CreateContextInput describes a create() call.
type CreateContextInput struct {
	MemorySpaceID   string
	ParentContextID string
	Purpose         string
	ConvRef         *ConversationRef
	Data            map[string]any
	Metadata        map[string]any
}

// CreateContext creates a context, deriving depth from its parent (0 for
// roots, parent.depth+1 otherwise).
func (c *Coordinator) CreateContext(ctx context.Context, in CreateContextInput) (*Context, error) {
	var depth int64
	if in.ParentContextID != "" {
		parent, err := c.store.GetContext(in.ParentContextID)
		if err != nil {
			return nil, errs.Wrap(errs.BackendError, "coordination: create context get parent", err)
		}
		if parent == nil {
			return nil, errs.New(errs.ContextNotFound, "coordination: parent context not found: "+in.ParentContextID)
		}
		depth = parent.Depth + 1
	}

	now := time.Now().UnixMilli()
	sc := &store.Context{
		ContextID:       idgen.New(),
		MemorySpaceID:   in.MemorySpaceID,
		ParentContextID: in.ParentContextID,
		Purpose:         in.Purpose,
		Data:            in.Data,
		Status:          string(ContextActive),
		Depth:           depth,
		CreatedAt:       now,
		UpdatedAt:       now,
		Metadata:        in.Metadata,
	}
	if in.ConvRef != nil {
		sc.ConvRef = &store.ConversationRef{ConversationID: in.ConvRef.ConversationID, MessageIDs: in.ConvRef.MessageIDs}
	}
	if err := c.store.CreateContext(sc); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: create context", err)
	}
	return contextFromStore(sc), nil
}

// GetContext fetches a context by id.
func (c *Coordinator) GetContext(ctx context.Context, id string) (*Context, error) {
	sc, err := c.store.GetContext(id)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: get context", err)
	}
	if sc == nil {
		return nil, errs.New(errs.ContextNotFound, "coordination: context not found: "+id)
	}
	return contextFromStore(sc), nil
}

// UpdateContextInput carries the fields UpdateContext may mutate.
type UpdateContextInput struct {
	Purpose *string
	Data    map[string]any
	Status  *ContextStatus
}

// UpdateContext applies a partial update to a context.
func (c *Coordinator) UpdateContext(ctx context.Context, id string, in UpdateContextInput) (*Context, error) {
	sc, err := c.store.GetContext(id)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: update context get", err)
	}
	if sc == nil {
		return nil, errs.New(errs.ContextNotFound, "coordination: context not found: "+id)
	}
	if in.Status != nil {
		if !validContextStatus(*in.Status) {
			return nil, errs.New(errs.InvalidEnumValue, "coordination: invalid context status "+string(*in.Status))
		}
		sc.Status = string(*in.Status)
	}
	if in.Purpose != nil {
		sc.Purpose = *in.Purpose
	}
	if in.Data != nil {
		sc.Data = in.Data
	}
	sc.UpdatedAt = time.Now().UnixMilli()
	if err := c.store.UpdateContext(sc); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: update context", err)
	}
	return contextFromStore(sc), nil
}

// DeleteContext removes a context.
func (c *Coordinator) DeleteContext(ctx context.Context, id string) error {
	if err := c.store.DeleteContext(id); err != nil {
		return errs.Wrap(errs.BackendError, "coordination: delete context", err)
	}
	return nil
}

// ListContexts returns every context in a memory space.
func (c *Coordinator) ListContexts(ctx context.Context, memorySpaceID string) ([]*Context, error) {
	scs, err := c.store.ListContextsBySpace(memorySpaceID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: list contexts", err)
	}
	return contextsFromStore(scs), nil
}

// CountContexts counts contexts in a memory space.
func (c *Coordinator) CountContexts(ctx context.Context, memorySpaceID string) (int64, error) {
	scs, err := c.store.ListContextsBySpace(memorySpaceID)
	if err != nil {
		return 0, errs.Wrap(errs.BackendError, "coordination: count contexts", err)
	}
	return int64(len(scs)), nil
}

// SearchContexts finds contexts in a memory space whose purpose contains
// query.
func (c *Coordinator) SearchContexts(ctx context.Context, memorySpaceID, query string) ([]*Context, error) {
	all, err := c.ListContexts(ctx, memorySpaceID)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return all, nil
	}
	var out []*Context
	for _, cx := range all {
		if textmatch.Contains(cx.Purpose, query) {
			out = append(out, cx)
		}
	}
	return out, nil
}

// GetChain walks parents from contextId to the root, returning the chain
// root-first.
func (c *Coordinator) GetChain(ctx context.Context, contextID string) ([]*Context, error) {
	var chain []*Context
	id := contextID
	seen := make(map[string]bool)
	for id != "" {
		if seen[id] {
			break // cycle guard; the forest invariant should prevent this
		}
		seen[id] = true
		sc, err := c.store.GetContext(id)
		if err != nil {
			return nil, errs.Wrap(errs.BackendError, "coordination: get chain", err)
		}
		if sc == nil {
			break
		}
		chain = append(chain, contextFromStore(sc))
		id = sc.ParentContextID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// GetRoot returns the root ancestor of contextId.
func (c *Coordinator) GetRoot(ctx context.Context, contextID string) (*Context, error) {
	chain, err := c.GetChain(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, errs.New(errs.ContextNotFound, "coordination: context not found: "+contextID)
	}
	return chain[0], nil
}

// GetChildren returns the direct children of contextId.
func (c *Coordinator) GetChildren(ctx context.Context, contextID string) ([]*Context, error) {
	scs, err := c.store.ListChildContexts(contextID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: get children", err)
	}
	return contextsFromStore(scs), nil
}

// FindOrphaned returns contexts in a memory space whose parentContextId is
// set but no longer resolves to an existing context.
func (c *Coordinator) FindOrphaned(ctx context.Context, memorySpaceID string) ([]*Context, error) {
	all, err := c.store.ListContextsBySpace(memorySpaceID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: find orphaned", err)
	}
	present := make(map[string]bool, len(all))
	for _, sc := range all {
		present[sc.ContextID] = true
	}
	var out []*Context
	for _, sc := range all {
		if sc.ParentContextID != "" && !present[sc.ParentContextID] {
			out = append(out, contextFromStore(sc))
		}
	}
	return out, nil
}

// AddParticipant adds participantID to the context's data.participants
// list (deduplicated).
func (c *Coordinator) AddParticipant(ctx context.Context, contextID, participantID string) (*Context, error) {
	return c.mutateParticipants(ctx, contextID, func(ps []string) []string {
		for _, p := range ps {
			if p == participantID {
				return ps
			}
		}
		return append(ps, participantID)
	})
}

// RemoveParticipant removes participantID from the context's
// data.participants list.
func (c *Coordinator) RemoveParticipant(ctx context.Context, contextID, participantID string) (*Context, error) {
	return c.mutateParticipants(ctx, contextID, func(ps []string) []string {
		out := make([]string, 0, len(ps))
		for _, p := range ps {
			if p != participantID {
				out = append(out, p)
			}
		}
		return out
	})
}

func (c *Coordinator) mutateParticipants(ctx context.Context, contextID string, mutate func([]string) []string) (*Context, error) {
	sc, err := c.store.GetContext(contextID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: mutate participants get", err)
	}
	if sc == nil {
		return nil, errs.New(errs.ContextNotFound, "coordination: context not found: "+contextID)
	}
	if sc.Data == nil {
		sc.Data = map[string]any{}
	}
	var current []string
	if raw, ok := sc.Data["participants"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				current = append(current, s)
			}
		}
	} else if raw, ok := sc.Data["participants"].([]string); ok {
		current = raw
	}
	sc.Data["participants"] = mutate(current)
	sc.UpdatedAt = time.Now().UnixMilli()
	if err := c.store.UpdateContext(sc); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: mutate participants", err)
	}
	return contextFromStore(sc), nil
}

// GrantAccess attaches an accessGrant authorizing memorySpaceID to read or
// collaborate on contextID. Data within each space remains untouched; the
// grant only carries cross-space read/collaborate authorization.
func (c *Coordinator) GrantAccess(ctx context.Context, contextID, memorySpaceID string, mode AccessMode) (*Context, error) {
	now := time.Now().UnixMilli()
	if err := c.store.AddContextAccessGrant(contextID, store.AccessGrant{MemorySpaceID: memorySpaceID, Mode: string(mode), GrantedAt: now}, now); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: grant access", err)
	}
	return c.GetContext(ctx, contextID)
}

// GetByConversation returns every context referencing conversationID.
func (c *Coordinator) GetByConversation(ctx context.Context, conversationID string) ([]*Context, error) {
	scs, err := c.store.GetContextsByConversation(conversationID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: get by conversation", err)
	}
	return contextsFromStore(scs), nil
}

// ContextFromStore converts a raw store row into the coordination layer's
// Context shape. Exported so other packages composing the authoritative
// store directly (the graph sync worker's change source) can produce the
// same Context value this package returns from its own reads.
func ContextFromStore(sc *store.Context) *Context {
	return contextFromStore(sc)
}

func contextFromStore(sc *store.Context) *Context {
	cx := &Context{
		ContextID:       sc.ContextID,
		MemorySpaceID:   sc.MemorySpaceID,
		ParentContextID: sc.ParentContextID,
		Purpose:         sc.Purpose,
		Data:            sc.Data,
		Status:          ContextStatus(sc.Status),
		Depth:           sc.Depth,
		CreatedAt:       sc.CreatedAt,
		UpdatedAt:       sc.UpdatedAt,
		Metadata:        sc.Metadata,
	}
	if sc.ConvRef != nil {
		cx.ConvRef = &ConversationRef{ConversationID: sc.ConvRef.ConversationID, MessageIDs: sc.ConvRef.MessageIDs}
	}
	for _, g := range sc.AccessGrants {
		cx.AccessGrants = append(cx.AccessGrants, AccessGrant{MemorySpaceID: g.MemorySpaceID, Mode: AccessMode(g.Mode), GrantedAt: g.GrantedAt})
	}
	return cx
}

func contextsFromStore(scs []*store.Context) []*Context {
	out := make([]*Context, len(scs))
	for i, sc := range scs {
		out[i] = contextFromStore(sc)
	}
	return out
}

// -- User / Agent registry and GDPR cascade ---------------------------------

// User is a human participant subject to cascade deletion.
type User struct {
	UserID    string
	Name      string
	CreatedAt int64
	UpdatedAt int64
	Metadata  map[string]any
}

// Agent is a non-human participant, keyed by participantId, subject to the
// same cascade deletion shape as User.
type Agent struct {
	ParticipantID string
	Name          string
	Config        map[string]any
	CreatedAt     int64
	UpdatedAt     int64
	Metadata      map[string]any
}

// RegisterUser creates a new user profile.
func (c *Coordinator) RegisterUser(ctx context.Context, name string, metadata map[string]any) (*User, error) {
	now := time.Now().UnixMilli()
	u := &store.User{UserID: idgen.New(), Name: name, CreatedAt: now, UpdatedAt: now, Metadata: metadata}
	if err := c.store.CreateUser(u); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: register user", err)
	}
	return userFromStore(u), nil
}

// GetUser fetches a user by id.
func (c *Coordinator) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := c.store.GetUser(id)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: get user", err)
	}
	if u == nil {
		return nil, errs.New(errs.UserNotFound, "coordination: user not found: "+id)
	}
	return userFromStore(u), nil
}

// RegisterAgent creates a new agent registry entry.
func (c *Coordinator) RegisterAgent(ctx context.Context, participantID, name string, config, metadata map[string]any) (*Agent, error) {
	now := time.Now().UnixMilli()
	a := &store.Agent{ParticipantID: participantID, Name: name, Config: config, CreatedAt: now, UpdatedAt: now, Metadata: metadata}
	if err := c.store.CreateAgent(a); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: register agent", err)
	}
	return agentFromStore(a), nil
}

// GetAgent fetches an agent by participantId.
func (c *Coordinator) GetAgent(ctx context.Context, participantID string) (*Agent, error) {
	a, err := c.store.GetAgent(participantID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: get agent", err)
	}
	if a == nil {
		return nil, errs.New(errs.UserNotFound, "coordination: agent not found: "+participantID)
	}
	return agentFromStore(a), nil
}

// ConfigureAgent replaces an agent's config map.
func (c *Coordinator) ConfigureAgent(ctx context.Context, participantID string, config map[string]any) (*Agent, error) {
	a, err := c.store.GetAgent(participantID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: configure agent get", err)
	}
	if a == nil {
		return nil, errs.New(errs.UserNotFound, "coordination: agent not found: "+participantID)
	}
	a.Config = config
	a.UpdatedAt = time.Now().UnixMilli()
	if err := c.store.UpdateAgentConfig(a); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: configure agent", err)
	}
	return agentFromStore(a), nil
}

func userFromStore(u *store.User) *User {
	return &User{UserID: u.UserID, Name: u.Name, CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt, Metadata: u.Metadata}
}

func agentFromStore(a *store.Agent) *Agent {
	return &Agent{ParticipantID: a.ParticipantID, Name: a.Name, Config: a.Config, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt, Metadata: a.Metadata}
}

// Layer names used as keys in CascadeReport.Collected/Residue, matching
// the specification's Collect step (§4.7): L1a, L1b, L1c, L2, L3,
// Contexts, Graph.
const (
	LayerConversations = "conversations"
	LayerImmutable     = "immutable"
	LayerMutable       = "mutable"
	LayerVectors       = "vectors"
	LayerFacts         = "facts"
	LayerContexts      = "contexts"
	LayerGraph         = "graph"
)

// CascadeOptions configures a User/Agent delete() call.
type CascadeOptions struct {
	Cascade bool
	Verify  bool
	DryRun  bool
}

// CascadeReport is the result of a cascade delete, or of a dryRun Collect.
type CascadeReport struct {
	Collected map[string]int64
	Residue   map[string]int64 // only populated when Verify is requested
}

// cascadeBackup is the structured snapshot taken before Execute runs,
// sufficient to reinsert every record the cascade is about to delete or
// revert every context participant scrub the cascade is about to apply.
type cascadeBackup struct {
	conversations []*store.ConversationBackup
	immutable     []*store.ImmutableBackup
	mutable       []*store.MutableRecord
	vectors       []*store.VectorMemory
	facts         []*store.Fact
	contexts      []*store.Context
}

// backupUser materializes every record linked to userID across
// L1a/L1b/L1c/L2/L3, plus the pre-scrub state of every Context the user
// participates in, implementing the cascade's Backup phase.
func (c *Coordinator) backupUser(userID string) (*cascadeBackup, error) {
	b := &cascadeBackup{}
	var err error
	if b.conversations, err = c.store.GetConversationsByUserGlobal(userID); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: backup conversations", err)
	}
	if b.immutable, err = c.store.GetImmutableByUser(userID); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: backup immutable", err)
	}
	if b.mutable, err = c.store.GetMutableByUser(userID); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: backup mutable", err)
	}
	if b.vectors, err = c.store.GetVectorsByParticipant(userID, ""); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: backup vectors", err)
	}
	if b.facts, err = c.store.GetFactsByParticipant(userID, ""); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: backup facts", err)
	}
	if b.contexts, err = c.contextsForParticipant(userID); err != nil {
		return nil, err
	}
	return b, nil
}

// backupAgent materializes every record linked to participantID across
// L2/L3 (agents have no conversations/immutable/mutable ownership), plus
// the pre-scrub state of every Context the agent participates in.
func (c *Coordinator) backupAgent(participantID string) (*cascadeBackup, error) {
	b := &cascadeBackup{}
	var err error
	if b.vectors, err = c.store.GetVectorsByParticipant("", participantID); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: backup agent vectors", err)
	}
	if b.facts, err = c.store.GetFactsByParticipant("", participantID); err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: backup agent facts", err)
	}
	if b.contexts, err = c.contextsForParticipant(participantID); err != nil {
		return nil, err
	}
	return b, nil
}

// restore reinserts every record in the backup, undoing a partially
// completed Execute phase. Restore errors are logged, not raised: the
// caller is already returning CASCADE_FAILED and a second failure here
// must not mask the original one.
func (c *Coordinator) restore(b *cascadeBackup) {
	for _, cx := range b.contexts {
		if err := c.store.UpdateContext(cx); err != nil {
			c.logger.Error("coordination: cascade rollback failed to restore context participants", zap.String("contextId", cx.ContextID), zap.Error(err))
		}
	}
	for _, f := range b.facts {
		if err := c.store.RestoreFact(f); err != nil {
			c.logger.Error("coordination: cascade rollback failed to restore fact", zap.String("factId", f.FactID), zap.Error(err))
		}
	}
	for _, v := range b.vectors {
		if err := c.store.RestoreVector(v); err != nil {
			c.logger.Error("coordination: cascade rollback failed to restore vector", zap.String("memoryId", v.MemoryID), zap.Error(err))
		}
	}
	for _, cv := range b.conversations {
		if err := c.store.RestoreConversation(cv); err != nil {
			c.logger.Error("coordination: cascade rollback failed to restore conversation", zap.String("conversationId", cv.Conversation.ConversationID), zap.Error(err))
		}
	}
	for _, e := range b.immutable {
		if err := c.store.RestoreImmutable(e); err != nil {
			c.logger.Error("coordination: cascade rollback failed to restore immutable entry", zap.String("entryId", e.Entry.EntryID), zap.Error(err))
		}
	}
	for _, r := range b.mutable {
		if err := c.store.RestoreMutable(r); err != nil {
			c.logger.Error("coordination: cascade rollback failed to restore mutable record", zap.String("key", r.Key), zap.Error(err))
		}
	}
}

// collectUser runs the Collect phase for userID: a per-layer count of
// every record linked to the user across L1a/L1b/L1c/L2/L3/Contexts, plus
// Graph when a CascadeGraph is configured.
func (c *Coordinator) collectUser(ctx context.Context, userID string) (map[string]int64, error) {
	counts := make(map[string]int64, 6)

	n, err := c.store.CountConversationsByUserGlobal(userID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: collect conversations", err)
	}
	counts[LayerConversations] = n

	n, err = c.store.CountImmutableByUser(userID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: collect immutable", err)
	}
	counts[LayerImmutable] = n

	n, err = c.store.CountMutableByUser(userID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: collect mutable", err)
	}
	counts[LayerMutable] = n

	n, err = c.store.CountVectorsByParticipant(userID, "")
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: collect vectors", err)
	}
	counts[LayerVectors] = n

	n, err = c.store.CountFactsByParticipant(userID, "")
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: collect facts", err)
	}
	counts[LayerFacts] = n

	ctxCount, err := c.countContextsForParticipant(userID)
	if err != nil {
		return nil, err
	}
	counts[LayerContexts] = ctxCount

	if c.graph != nil {
		counts[LayerGraph] = -1 // exact pre-count requires a graph query the CascadeGraph contract does not expose; populated post-delete instead
	}
	return counts, nil
}

// contextsForParticipant returns every context whose data.participants
// contains participantID, scanning only the memory spaces the participant
// belongs to. Used both to count residue (collectUser/collectAgent) and to
// snapshot/scrub the contexts a cascade delete must clean up.
func (c *Coordinator) contextsForParticipant(participantID string) ([]*store.Context, error) {
	spaces, err := c.store.ListMemorySpacesByParticipant(participantID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: collect contexts spaces", err)
	}
	var out []*store.Context
	for _, sp := range spaces {
		ctxs, err := c.store.ListContextsBySpace(sp.MemorySpaceID)
		if err != nil {
			return nil, errs.Wrap(errs.BackendError, "coordination: collect contexts", err)
		}
		for _, cx := range ctxs {
			if contextHasParticipant(cx, participantID) {
				out = append(out, cx)
			}
		}
	}
	return out, nil
}

// countContextsForParticipant is the residue-counting form of
// contextsForParticipant, used by collectUser/collectAgent.
func (c *Coordinator) countContextsForParticipant(participantID string) (int64, error) {
	ctxs, err := c.contextsForParticipant(participantID)
	if err != nil {
		return 0, err
	}
	return int64(len(ctxs)), nil
}

// scrubParticipantFromContexts removes participantID from data.participants
// on every context in ctxs, completing the Context side of a cascade delete
// so collectUser/collectAgent's LayerContexts count returns to zero on
// Verify. Contexts themselves are never deleted by a user/agent cascade —
// only the departing participant's membership is removed.
func (c *Coordinator) scrubParticipantFromContexts(ctx context.Context, ctxs []*store.Context, participantID string) error {
	for _, cx := range ctxs {
		if _, err := c.RemoveParticipant(ctx, cx.ContextID, participantID); err != nil {
			return err
		}
	}
	return nil
}

func contextHasParticipant(cx *store.Context, participantID string) bool {
	raw, ok := cx.Data["participants"]
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case []any:
		for _, p := range v {
			if s, ok := p.(string); ok && s == participantID {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == participantID {
				return true
			}
		}
	}
	return false
}

// DeleteUser executes the GDPR three-phase cascade for userID: Collect,
// Backup, Execute+Verify. dryRun performs Collect only. Backup snapshots
// every L1a/L1b/L1c/L2/L3 record linked to userID, plus the pre-scrub state
// of every Context the user participates in, before Execute touches
// anything; if any Execute phase fails, the snapshot is reinserted and
// CASCADE_FAILED is raised with the partial report attached as Detail. The
// graph phase is not covered by the backup (the CascadeGraph contract has
// no inverse for node deletion), so a graph-phase failure aborts before any
// row is touched and needs no rollback. Contexts are never deleted by this
// cascade; the user's participant membership is scrubbed from them so
// collectUser's LayerContexts residue returns to zero on Verify.
func (c *Coordinator) DeleteUser(ctx context.Context, userID string, opts CascadeOptions) (*CascadeReport, error) {
	collected, err := c.collectUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	report := &CascadeReport{Collected: collected}
	if opts.DryRun {
		return report, nil
	}
	if !opts.Cascade {
		if err := c.store.DeleteUser(userID); err != nil {
			return nil, errs.Wrap(errs.BackendError, "coordination: delete user", err)
		}
		return report, nil
	}

	backup, err := c.backupUser(userID)
	if err != nil {
		return report, err
	}

	// Execute in dependency-safe order: graph first, then L2/L3/L1a/L1b/L1c,
	// then the User row itself. Every phase after the graph phase is backed
	// by the snapshot above and rolled back on failure.
	if c.graph != nil {
		if _, err := c.graph.DeleteNodesByUser(ctx, userID); err != nil {
			return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade graph phase failed for user "+userID, report)
		}
	}
	if _, err := c.vec.DeleteByParticipant(ctx, userID, ""); err != nil {
		c.restore(backup)
		return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade vector phase failed for user "+userID, report)
	}
	if _, err := c.facts.DeleteByParticipant(ctx, userID, ""); err != nil {
		c.restore(backup)
		return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade fact phase failed for user "+userID, report)
	}
	if _, err := c.store.DeleteConversationsByUserGlobal(userID); err != nil {
		c.restore(backup)
		return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade conversation phase failed for user "+userID, report)
	}
	if _, err := c.imm.PurgeByUser(ctx, userID); err != nil {
		c.restore(backup)
		return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade immutable phase failed for user "+userID, report)
	}
	if _, err := c.mut.DeleteByUser(ctx, userID); err != nil {
		c.restore(backup)
		return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade mutable phase failed for user "+userID, report)
	}
	if err := c.scrubParticipantFromContexts(ctx, backup.contexts, userID); err != nil {
		c.restore(backup)
		return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade context phase failed for user "+userID, report)
	}
	if err := c.store.DeleteUser(userID); err != nil {
		c.restore(backup)
		return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade user row delete failed for "+userID, report)
	}

	if opts.Verify {
		residue, err := c.collectUser(ctx, userID)
		if err != nil {
			return report, err
		}
		report.Residue = residue
	}
	return report, nil
}

// DeleteAgent executes the same cascade shape as DeleteUser, keyed on
// participantId instead of userId.
func (c *Coordinator) DeleteAgent(ctx context.Context, participantID string, opts CascadeOptions) (*CascadeReport, error) {
	collected, err := c.collectAgent(ctx, participantID)
	if err != nil {
		return nil, err
	}
	report := &CascadeReport{Collected: collected}
	if opts.DryRun {
		return report, nil
	}
	if !opts.Cascade {
		if err := c.store.DeleteAgent(participantID); err != nil {
			return nil, errs.Wrap(errs.BackendError, "coordination: delete agent", err)
		}
		return report, nil
	}

	backup, err := c.backupAgent(participantID)
	if err != nil {
		return report, err
	}

	if c.graph != nil {
		if _, err := c.graph.DeleteNodesByParticipant(ctx, participantID); err != nil {
			return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade graph phase failed for agent "+participantID, report)
		}
	}
	if _, err := c.vec.DeleteByParticipant(ctx, "", participantID); err != nil {
		c.restore(backup)
		return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade vector phase failed for agent "+participantID, report)
	}
	if _, err := c.facts.DeleteByParticipant(ctx, "", participantID); err != nil {
		c.restore(backup)
		return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade fact phase failed for agent "+participantID, report)
	}
	if err := c.scrubParticipantFromContexts(ctx, backup.contexts, participantID); err != nil {
		c.restore(backup)
		return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade context phase failed for agent "+participantID, report)
	}
	if err := c.store.DeleteAgent(participantID); err != nil {
		c.restore(backup)
		return report, errs.WithDetail(errs.CascadeFailed, "coordination: cascade agent row delete failed for "+participantID, report)
	}

	if opts.Verify {
		residue, err := c.collectAgent(ctx, participantID)
		if err != nil {
			return report, err
		}
		report.Residue = residue
	}
	return report, nil
}

func (c *Coordinator) collectAgent(ctx context.Context, participantID string) (map[string]int64, error) {
	counts := make(map[string]int64, 4)
	n, err := c.store.CountVectorsByParticipant("", participantID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: collect agent vectors", err)
	}
	counts[LayerVectors] = n

	n, err = c.store.CountFactsByParticipant("", participantID)
	if err != nil {
		return nil, errs.Wrap(errs.BackendError, "coordination: collect agent facts", err)
	}
	counts[LayerFacts] = n

	ctxCount, err := c.countContextsForParticipant(participantID)
	if err != nil {
		return nil, err
	}
	counts[LayerContexts] = ctxCount

	if c.graph != nil {
		counts[LayerGraph] = -1
	}
	return counts, nil
}

