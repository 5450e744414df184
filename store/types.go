package store

import "time"

// MemoryStrategy controls whether a conversation accumulates long-term memory.
type MemoryStrategy string

const (
	MemoryNone     MemoryStrategy = "none"
	MemoryLongTerm MemoryStrategy = "long_term"
)

// Valid reports whether the strategy is a known value.
func (m MemoryStrategy) Valid() bool {
	return m == MemoryNone || m == MemoryLongTerm
}

// InformationStrategy controls document-passage retrieval.
type InformationStrategy string

const (
	InformationNone      InformationStrategy = "none"
	InformationDocuments InformationStrategy = "internal_documents"
)

// Valid reports whether the strategy is a known value.
func (i InformationStrategy) Valid() bool {
	return i == InformationNone || i == InformationDocuments
}

// AdaptationStrategy controls how aggressively persona tone adapts. It is
// consumed by prompt construction only.
type AdaptationStrategy string

const (
	AdaptationNone     AdaptationStrategy = "none"
	AdaptationModerate AdaptationStrategy = "moderate"
	AdaptationDynamic  AdaptationStrategy = "dynamic"
)

// Valid reports whether the strategy is a known value.
func (a AdaptationStrategy) Valid() bool {
	return a == AdaptationNone || a == AdaptationModerate || a == AdaptationDynamic
}

// Clone is a persona instance. Conversations belong to exactly one clone.
type Clone struct {
	ID               string
	Name             string
	ShortDescription string
	LongDescription  string
	GreetingMessage  string
	NumConversations int64
	NumMessages      int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Conversation is a single user/clone dialogue. num_messages counts active
// messages only; num_messages_ever is monotonic across deletions.
type Conversation struct {
	ID                  string
	CloneID             string
	UserID              string
	Name                string
	MemoryStrategy      MemoryStrategy
	InformationStrategy InformationStrategy
	AdaptationStrategy  AdaptationStrategy
	NumMessages         int64
	NumMessagesEver     int64
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Message is one turn in a conversation. is_main marks the active timeline;
// regeneration flips it off for a superseded assistant turn.
type Message struct {
	ID             string
	ConversationID string
	SenderName     string
	Content        string
	IsClone        bool
	IsMain         bool
	IsActive       bool
	ParentID       string
	Embedding      []float32
	CreatedAt      time.Time
}

// Memory is an observation (depth 0) or reflection (depth >= 1).
type Memory struct {
	ID             string
	ConversationID string
	Content        string
	Embedding      []float32
	Importance     float64
	Depth          int
	IsShared       bool
	SourceIDs      []string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// AgentSummary is a rolling summary of the clone's own trajectory in a
// conversation, covering messages up to TimestampUntil.
type AgentSummary struct {
	ID             string
	ConversationID string
	Content        string
	TimestampUntil time.Time
	CreatedAt      time.Time
}

// EntityContextSummary is a per-entity summary within a conversation.
type EntityContextSummary struct {
	ID             string
	ConversationID string
	EntityName     string
	Content        string
	TimestampUntil time.Time
	CreatedAt      time.Time
}

// ConversationPatch lists the mutable conversation fields. Nil means
// unchanged.
type ConversationPatch struct {
	Name               *string
	AdaptationStrategy *AdaptationStrategy
	IsActive           *bool
}

// MessagePatch lists the mutable message fields.
type MessagePatch struct {
	Content  *string
	IsMain   *bool
	IsActive *bool
}

// MemoryPatch lists the mutable memory fields.
type MemoryPatch struct {
	Content        *string
	Importance     *float64
	LastAccessedAt *time.Time
}
