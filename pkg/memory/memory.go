// Package memory implements the MemoryOrchestrator (L4a): the composed
// remember/forget/get/search surface layered over ConversationLog (L1a),
// VectorIndex (L2), and FactStore (L3). Grounded on the teacher's
// higher-level service-composition packages that sequence several store
// calls behind one public operation, generalized here to the
// conversation+memory+fact write fan-out.
package memory

import (
	"context"

	"go.uber.org/zap"

	"github.com/kittclouds/memcore/pkg/conversation"
	"github.com/kittclouds/memcore/pkg/errs"
	"github.com/kittclouds/memcore/pkg/fact"
	"github.com/kittclouds/memcore/pkg/logging"
	"github.com/kittclouds/memcore/pkg/vector"
)

// Phase enumerates the stages of a rememberStream progress event, in the
// fixed order they occur.
type Phase string

const (
	PhaseACID      Phase = "acid"
	PhaseEmbedding Phase = "embedding"
	PhaseVector    Phase = "vector"
	PhaseFacts     Phase = "facts"
	PhaseGraph     Phase = "graph"
)

// Status enumerates a phase event's outcome.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// ProgressEvent is one emission from RememberStream.
type ProgressEvent struct {
	Phase Phase
	Status Status
	IDs    []string
	Err    error
}

// Embedder produces a vector embedding for a piece of text. Callers inject
// their own implementation (the orchestrator core has no model dependency
// of its own).
type Embedder func(ctx context.Context, text string) ([]float32, error)

// FactExtractor derives facts from a user/agent message pair.
type FactExtractor func(ctx context.Context, userMessage, agentResponse string) ([]fact.StoreInput, error)

// GraphSyncer mirrors newly written entities to the graph layer. Passed in
// by the caller composing the full stack (memory + coordination + graph);
// the orchestrator invokes it only at the final remember/forget phase.
type GraphSyncer interface {
	SyncMemory(ctx context.Context, m *vector.Memory) error
	SyncFact(ctx context.Context, f *fact.Fact) error
	DeleteMemory(ctx context.Context, memoryID string) error
}

// RememberInput describes a remember() call.
type RememberInput struct {
	MemorySpaceID    string
	ConversationID   string
	UserMessage      string
	AgentResponse    string
	UserID           string
	UserName         string
	ParticipantID    string
	Importance       int64
	Tags             []string
	GenerateEmbedding bool
	ExtractFacts     bool
	SyncToGraph      bool
}

// RememberResult is the result of a successful remember() call.
type RememberResult struct {
	Conversation *conversation.Conversation
	Memories     [2]*vector.Memory // [userMemory, agentMemory]
	Facts        []*fact.Fact
}

// ForgetOptions configures a forget() call.
type ForgetOptions struct {
	DeleteConversation bool
	SyncToGraph        bool
}

// ForgetResult reports per-layer outcome, since a partial failure in
// forget must be surfaced rather than silently swallowed or retried.
type ForgetResult struct {
	Vector Status
	ACID   Status // ok | error | skipped
}

// Options configures the Orchestrator.
type Options struct {
	Logger   *zap.Logger
	Embedder Embedder
	Extract  FactExtractor
	Graph    GraphSyncer
}

// Orchestrator is the MemoryOrchestrator (L4a) service.
type Orchestrator struct {
	log      *conversation.Log
	vec      *vector.Index
	facts    *fact.Store
	logger   *zap.Logger
	embedder Embedder
	extract  FactExtractor
	graph    GraphSyncer
}

// New constructs an Orchestrator composing the given L1a/L2/L3 services.
func New(log *conversation.Log, vec *vector.Index, facts *fact.Store, opts Options) *Orchestrator {
	return &Orchestrator{
		log:      log,
		vec:      vec,
		facts:    facts,
		logger:   logging.OrNop(opts.Logger),
		embedder: opts.Embedder,
		extract:  opts.Extract,
		graph:    opts.Graph,
	}
}

// Remember appends both messages to L1a, embeds and stores two L2 entries,
// optionally extracts and persists facts to L3, and optionally mirrors the
// new entities to the graph. Suspension points occur in the fixed order:
// append user message, append agent response, optional user embedding,
// optional agent embedding, store user memory, store agent memory,
// optional fact writes, optional graph sync. It is a thin wrapper over
// remember with no progress callback.
func (o *Orchestrator) Remember(ctx context.Context, in RememberInput) (*RememberResult, error) {
	return o.remember(ctx, in, nil)
}

// RememberStream runs the same suspension points as Remember but emits a
// ProgressEvent as each phase completes or fails, rather than only after
// the whole call finishes. Suspension points up to and including a failing
// phase remain committed (Remember/RememberStream never roll back), and
// each is surfaced individually through emit regardless of whether a later
// phase goes on to fail.
func (o *Orchestrator) RememberStream(ctx context.Context, in RememberInput, emit func(ProgressEvent)) (*RememberResult, error) {
	return o.remember(ctx, in, emit)
}

// remember implements both Remember and RememberStream. notify is called
// once per phase (acid, embedding, vector, facts, graph) as that phase
// succeeds, fails or is skipped; emit may be nil, in
// which case Remember's no-event behavior falls out for free.
func (o *Orchestrator) remember(ctx context.Context, in RememberInput, emit func(ProgressEvent)) (*RememberResult, error) {
	notify := func(e ProgressEvent) {
		if emit != nil {
			emit(e)
		}
	}

	var conv *conversation.Conversation
	var err error
	if in.ConversationID != "" {
		conv, err = o.log.Get(ctx, in.ConversationID)
	} else {
		conv, err = o.log.GetOrCreate(ctx, conversation.CreateInput{
			MemorySpaceID: in.MemorySpaceID,
			Type:          conversation.TypeUserAgent,
			UserID:        in.UserID,
			ParticipantID: in.ParticipantID,
		})
	}
	if err != nil {
		notify(ProgressEvent{Phase: PhaseACID, Status: StatusError, Err: err})
		return nil, err
	}

	userMsg, err := o.log.AddMessage(ctx, conv.ConversationID, conversation.AddMessageInput{
		Role:          conversation.RoleUser,
		Content:       in.UserMessage,
		UserID:        in.UserID,
		ParticipantID: in.ParticipantID,
	})
	if err != nil {
		notify(ProgressEvent{Phase: PhaseACID, Status: StatusError, Err: err})
		return nil, err
	}
	agentMsg, err := o.log.AddMessage(ctx, conv.ConversationID, conversation.AddMessageInput{
		Role:          conversation.RoleAgent,
		Content:       in.AgentResponse,
		ParticipantID: in.ParticipantID,
	})
	if err != nil {
		notify(ProgressEvent{Phase: PhaseACID, Status: StatusError, Err: err})
		return nil, err
	}
	notify(ProgressEvent{Phase: PhaseACID, Status: StatusOK, IDs: []string{conv.ConversationID}})

	var userEmb, agentEmb []float32
	if in.GenerateEmbedding && o.embedder != nil {
		userEmb, err = o.embedder(ctx, in.UserMessage)
		if err != nil {
			wrapped := errs.Wrap(errs.BackendError, "memory: embed user message", err)
			notify(ProgressEvent{Phase: PhaseEmbedding, Status: StatusError, Err: wrapped})
			return nil, wrapped
		}
		agentEmb, err = o.embedder(ctx, in.AgentResponse)
		if err != nil {
			wrapped := errs.Wrap(errs.BackendError, "memory: embed agent response", err)
			notify(ProgressEvent{Phase: PhaseEmbedding, Status: StatusError, Err: wrapped})
			return nil, wrapped
		}
		notify(ProgressEvent{Phase: PhaseEmbedding, Status: StatusOK})
	} else {
		notify(ProgressEvent{Phase: PhaseEmbedding, Status: StatusSkipped})
	}

	userMem, err := o.vec.Store(ctx, vector.StoreInput{
		MemorySpaceID:     in.MemorySpaceID,
		Content:           in.UserMessage,
		Embedding:         userEmb,
		Importance:        in.Importance,
		Tags:              in.Tags,
		SourceType:        vector.SourceConversation,
		SourceUserID:      in.UserID,
		SourceParticipant: in.ParticipantID,
		ConvRef:           &vector.ConversationRef{ConversationID: conv.ConversationID, MessageIDs: []string{userMsg.ID}},
	})
	if err != nil {
		notify(ProgressEvent{Phase: PhaseVector, Status: StatusError, Err: err})
		return nil, err
	}
	agentMem, err := o.vec.Store(ctx, vector.StoreInput{
		MemorySpaceID:     in.MemorySpaceID,
		Content:           in.AgentResponse,
		Embedding:         agentEmb,
		Importance:        in.Importance,
		Tags:              in.Tags,
		SourceType:        vector.SourceConversation,
		SourceParticipant: in.ParticipantID,
		ConvRef:           &vector.ConversationRef{ConversationID: conv.ConversationID, MessageIDs: []string{agentMsg.ID}},
	})
	if err != nil {
		notify(ProgressEvent{Phase: PhaseVector, Status: StatusError, Err: err})
		return nil, err
	}
	notify(ProgressEvent{Phase: PhaseVector, Status: StatusOK, IDs: []string{userMem.MemoryID, agentMem.MemoryID}})

	var facts []*fact.Fact
	if in.ExtractFacts && o.extract != nil {
		extracted, extractErr := o.extract(ctx, in.UserMessage, in.AgentResponse)
		if extractErr != nil {
			wrapped := errs.Wrap(errs.BackendError, "memory: extract facts", extractErr)
			notify(ProgressEvent{Phase: PhaseFacts, Status: StatusError, Err: wrapped})
			return nil, wrapped
		}
		for _, fi := range extracted {
			if fi.MemorySpaceID == "" {
				fi.MemorySpaceID = in.MemorySpaceID
			}
			f, storeErr := o.facts.Store(ctx, fi)
			if storeErr != nil {
				notify(ProgressEvent{Phase: PhaseFacts, Status: StatusError, Err: storeErr})
				return nil, storeErr
			}
			facts = append(facts, f)
		}
		ids := make([]string, len(facts))
		for i, f := range facts {
			ids[i] = f.FactID
		}
		notify(ProgressEvent{Phase: PhaseFacts, Status: StatusOK, IDs: ids})
	} else {
		notify(ProgressEvent{Phase: PhaseFacts, Status: StatusSkipped})
	}

	if in.SyncToGraph && o.graph != nil {
		if syncErr := o.graph.SyncMemory(ctx, userMem); syncErr != nil {
			wrapped := errs.Wrap(errs.GraphSyncFailed, "memory: sync user memory", syncErr)
			notify(ProgressEvent{Phase: PhaseGraph, Status: StatusError, Err: wrapped})
			return nil, wrapped
		}
		if syncErr := o.graph.SyncMemory(ctx, agentMem); syncErr != nil {
			wrapped := errs.Wrap(errs.GraphSyncFailed, "memory: sync agent memory", syncErr)
			notify(ProgressEvent{Phase: PhaseGraph, Status: StatusError, Err: wrapped})
			return nil, wrapped
		}
		for _, f := range facts {
			if syncErr := o.graph.SyncFact(ctx, f); syncErr != nil {
				wrapped := errs.Wrap(errs.GraphSyncFailed, "memory: sync fact", syncErr)
				notify(ProgressEvent{Phase: PhaseGraph, Status: StatusError, Err: wrapped})
				return nil, wrapped
			}
		}
		notify(ProgressEvent{Phase: PhaseGraph, Status: StatusOK})
	} else {
		notify(ProgressEvent{Phase: PhaseGraph, Status: StatusSkipped})
	}

	return &RememberResult{Conversation: conv, Memories: [2]*vector.Memory{userMem, agentMem}, Facts: facts}, nil
}

// Forget deletes the L2 memory and, if requested, the referenced L1a
// conversation. Failure in either layer is surfaced per-layer rather than
// aggregated into one opaque error.
func (o *Orchestrator) Forget(ctx context.Context, memorySpaceID, memoryID string, opts ForgetOptions) (*ForgetResult, error) {
	res := &ForgetResult{ACID: StatusSkipped}

	m, err := o.vec.Get(ctx, memoryID)
	if err != nil {
		res.Vector = StatusError
		return res, err
	}

	if err := o.vec.Delete(ctx, memoryID); err != nil {
		res.Vector = StatusError
		return res, err
	}
	res.Vector = StatusOK

	if opts.SyncToGraph && o.graph != nil {
		_ = o.graph.DeleteMemory(ctx, memoryID)
	}

	if opts.DeleteConversation && m.ConvRef != nil {
		if err := o.log.Delete(ctx, m.ConvRef.ConversationID); err != nil {
			res.ACID = StatusError
			return res, err
		}
		res.ACID = StatusOK
	}
	return res, nil
}

// GetOptions configures a get() call.
type GetOptions struct {
	IncludeConversation bool
}

// GetResult is the result of a get() call.
type GetResult struct {
	Memory       *vector.Memory
	Conversation *conversation.Conversation
	Messages     []*conversation.Message
}

// Get fetches an L2 memory, optionally performing one additional L1a fetch
// (plus message projection by messageIds) for the referenced conversation.
func (o *Orchestrator) Get(ctx context.Context, memoryID string, opts GetOptions) (*GetResult, error) {
	m, err := o.vec.Get(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	res := &GetResult{Memory: m}
	if !opts.IncludeConversation || m.ConvRef == nil {
		return res, nil
	}

	conv, err := o.log.Get(ctx, m.ConvRef.ConversationID)
	if err != nil {
		return nil, err
	}
	res.Conversation = conv
	if len(m.ConvRef.MessageIDs) > 0 {
		msgs, err := o.log.GetMessagesByIDs(ctx, m.ConvRef.MessageIDs)
		if err != nil {
			return nil, err
		}
		res.Messages = msgs
	}
	return res, nil
}

// SearchOptions configures a search() call.
type SearchOptions struct {
	Vector             vector.SearchInput
	EnrichConversation bool
}

// EnrichedResult pairs a search hit with its conversation, batch-fetched
// to avoid N+1 queries across the result set.
type EnrichedResult struct {
	Result       *vector.SearchResult
	Conversation *conversation.Conversation
}

// Search performs L2 search and, when enrichment is requested, batches one
// fetch per distinct conversation referenced by the result set rather than
// one fetch per result.
func (o *Orchestrator) Search(ctx context.Context, query string, opts SearchOptions) ([]*EnrichedResult, error) {
	hits, err := o.vec.Search(ctx, query, opts.Vector)
	if err != nil {
		return nil, err
	}
	out := make([]*EnrichedResult, len(hits))
	for i, h := range hits {
		out[i] = &EnrichedResult{Result: h}
	}
	if !opts.EnrichConversation {
		return out, nil
	}

	convCache := make(map[string]*conversation.Conversation)
	for _, er := range out {
		if er.Result.Memory.ConvRef == nil {
			continue
		}
		convID := er.Result.Memory.ConvRef.ConversationID
		conv, ok := convCache[convID]
		if !ok {
			conv, err = o.log.Get(ctx, convID)
			if err != nil {
				return nil, err
			}
			convCache[convID] = conv
		}
		er.Conversation = conv
	}
	return out, nil
}

// Store validates source.type=conversation ⇒ conversationRef and delegates
// to L2; thin delegation otherwise.
func (o *Orchestrator) Store(ctx context.Context, in vector.StoreInput) (*vector.Memory, error) {
	return o.vec.Store(ctx, in)
}

// Update is a thin delegation to L2.
func (o *Orchestrator) Update(ctx context.Context, memoryID string, in vector.UpdateInput) (*vector.Memory, error) {
	return o.vec.Update(ctx, memoryID, in)
}

// UpdateMany is a thin delegation to L2.
func (o *Orchestrator) UpdateMany(ctx context.Context, memoryIDs []string, in vector.UpdateInput) ([]*vector.Memory, error) {
	return o.vec.UpdateMany(ctx, memoryIDs, in)
}

// Delete is a thin delegation to L2.
func (o *Orchestrator) Delete(ctx context.Context, memoryID string) error {
	return o.vec.Delete(ctx, memoryID)
}

// DeleteMany is a thin delegation to L2.
func (o *Orchestrator) DeleteMany(ctx context.Context, memoryIDs []string) error {
	return o.vec.DeleteMany(ctx, memoryIDs)
}

// List is a thin delegation to L2.
func (o *Orchestrator) List(ctx context.Context, f vector.ListFilter) ([]*vector.Memory, error) {
	return o.vec.List(ctx, f)
}

// Count is a thin delegation to L2.
func (o *Orchestrator) Count(ctx context.Context, f vector.ListFilter) (int64, error) {
	return o.vec.Count(ctx, f)
}

// Export is a thin delegation to L2.
func (o *Orchestrator) Export(ctx context.Context, memorySpaceID string, includeArchived bool) ([]*vector.Memory, error) {
	return o.vec.Export(ctx, memorySpaceID, includeArchived)
}

// Archive is a thin delegation to L2.
func (o *Orchestrator) Archive(ctx context.Context, memoryID string) (*vector.Memory, error) {
	return o.vec.Archive(ctx, memoryID)
}

// GetVersion is a thin delegation to L2.
func (o *Orchestrator) GetVersion(ctx context.Context, memoryID string, version int64) (string, error) {
	return o.vec.GetVersion(ctx, memoryID, version)
}

// GetHistory is a thin delegation to L2.
func (o *Orchestrator) GetHistory(ctx context.Context, memoryID string) ([]string, error) {
	return o.vec.GetHistory(ctx, memoryID)
}

// GetAtTimestamp is a thin delegation to L2.
func (o *Orchestrator) GetAtTimestamp(ctx context.Context, memoryID string, ts int64) (string, error) {
	return o.vec.GetAtTimestamp(ctx, memoryID, ts)
}
