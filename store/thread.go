package store

// Thread is a persisted conversation container.
type Thread struct {
	ID        int32
	UID       string
	CreatorID int32
	Title     string
	// Objectives accumulates user goals extracted from model output. It is
	// replaced wholesale on update, never truncated implicitly.
	Objectives []string
	CreatedTs  int64
	UpdatedTs  int64
}

// MessageFragment is one retrievable unit of conversation content.
// The triple (thread, order index, chunk index) is unique; fragments are
// never mutated after creation.
type MessageFragment struct {
	ID         int32
	ThreadID   int32
	OrderIndex int32
	ChunkIndex int32
	Role       string // "user" | "assistant" | "system" | "tool"
	Content    string
	Embedding  []float32
	CreatedTs  int64
}

// FindThread filters for ListThreads / GetThread.
type FindThread struct {
	UID       *string
	CreatorID *int32
}

// UpdateThread carries the mutable thread fields. A non-nil Objectives
// replaces the stored list wholesale.
type UpdateThread struct {
	UID        string
	Title      *string
	Objectives *[]string
}

// FindMessageFragment filters for ListMessageFragments.
type FindMessageFragment struct {
	ThreadID   int32
	OrderIndex *int32
}
