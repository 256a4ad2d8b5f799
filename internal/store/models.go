package store

// Message is one turn in a Conversation.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Role           string
	Content        string
	UserID         string
	ParticipantID  string
	Timestamp      int64
	Metadata       map[string]any
}

// Conversation is the L1a append-only thread header.
type Conversation struct {
	ConversationID string
	MemorySpaceID  string
	Type           string
	UserID         string
	ParticipantID  string
	AgentIDs       []string
	MessageCount   int64
	CreatedAt      int64
	UpdatedAt      int64
	Metadata       map[string]any
}

// ImmutableEntry is the current row of an L1b versioned entry.
type ImmutableEntry struct {
	EntryType string
	EntryID   string
	Version   int64
	Data      string
	UserID    string
	CreatedAt int64
	UpdatedAt int64
	Metadata  map[string]any
}

// ImmutableVersion is one historical snapshot of an ImmutableEntry.
type ImmutableVersion struct {
	EntryType string
	EntryID   string
	Version   int64
	Data      string
	Metadata  map[string]any
	Timestamp int64
}

// MutableRecord is an L1c key/value row.
type MutableRecord struct {
	Namespace string
	Key       string
	Value     string
	HasValue  bool
	Metadata  map[string]any
	CreatedAt int64
	UpdatedAt int64
}

// ConversationRef ties a vector memory or fact back to the message(s) it was
// derived from.
type ConversationRef struct {
	ConversationID string
	MessageIDs     []string
}

// VectorMemory is an L2 embedded memory record.
type VectorMemory struct {
	MemoryID          string
	MemorySpaceID     string
	Content           string
	Embedding         []float32
	Importance        int64
	Tags              []string
	SourceType        string
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

// VectorMemoryVersion is one historical snapshot of a VectorMemory.
type VectorMemoryVersion struct {
	MemoryID  string
	Version   int64
	Data      string
	Metadata  map[string]any
	Timestamp int64
}

// Fact is an L3 subject/predicate/object triple.
type Fact struct {
	FactID        string
	MemorySpaceID string
	FactType      string
	Subject       string
	Predicate     string
	Object        string
	Confidence    int64
	SourceType    string
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

// FactVersion is one historical snapshot of a Fact.
type FactVersion struct {
	FactID    string
	Version   int64
	Data      string
	Timestamp int64
}

// AccessGrant authorizes a foreign memory space to read or collaborate on
// a Context.
type AccessGrant struct {
	MemorySpaceID string
	Mode          string // read | collaborate
	GrantedAt     int64
}

// Context is a node in the coordination-layer parent forest.
type Context struct {
	ContextID       string
	MemorySpaceID   string
	ParentContextID string
	Purpose         string
	ConvRef         *ConversationRef
	Data            map[string]any
	Status          string
	Depth           int64
	AccessGrants    []AccessGrant
	CreatedAt       int64
	UpdatedAt       int64
	Metadata        map[string]any
}

// MemorySpace is the top-level tenancy/isolation registry entry.
type MemorySpace struct {
	MemorySpaceID string
	Type          string
	Status        string
	Participants  []string
	CreatedAt     int64
	UpdatedAt     int64
	Metadata      map[string]any
}

// User is a human participant subject to GDPR cascade deletion.
type User struct {
	UserID    string
	Name      string
	CreatedAt int64
	UpdatedAt int64
	Metadata  map[string]any
}

// Agent is a non-human participant, keyed by ParticipantID, subject to the
// same cascade deletion as User.
type Agent struct {
	ParticipantID string
	Name          string
	Config        map[string]any
	CreatedAt     int64
	UpdatedAt     int64
	Metadata      map[string]any
}
