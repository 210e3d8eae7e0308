package store

import "context"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MemoryType distinguishes short-lived context from durable summaries.
type MemoryType string

const (
	MemoryShortTerm MemoryType = "short_term"
	MemoryLongTerm  MemoryType = "long_term"
)

// DefaultUserID is used when a message carries no user attribution.
const DefaultUserID = "nobody"

// TimeFormat is the timestamp layout persisted with every row.
const TimeFormat = "2006-01-02 15:04:05"

// Message is one conversational turn. ItemID correlates the row with a
// remote conversation-stream item and may be empty.
type Message struct {
	ID        string
	Role      Role
	Content   string
	ItemID    string
	UserID    string
	Timestamp string
}

// Memory is one entry of the append-only memory log.
type Memory struct {
	ID        int64
	Type      MemoryType
	Content   string
	UserID    string
	Timestamp string
}

// Store is the interface for persistent conversation and memory storage.
type Store interface {
	SaveMessage(ctx context.Context, msg Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, id string, msg Message) error
	DeleteMessage(ctx context.Context, id string) error
	GetMessageByItemID(ctx context.Context, itemID string) (*Message, error)
	GetMessages(ctx context.Context, offset, limit int, desc bool) ([]Message, error)

	SaveMemory(ctx context.Context, mem Memory) error
	GetMemory(ctx context.Context, id int64) (*Memory, error)
	UpdateMemory(ctx context.Context, id int64, mem Memory) error
	DeleteMemory(ctx context.Context, id int64) error
	GetLatestMemory(ctx context.Context) (*Memory, error)
	GetMemories(ctx context.Context, offset, limit int, desc bool) ([]Memory, error)

	Close() error
}
