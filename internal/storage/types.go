package storage

import (
	"context"
	"errors"

	"threadrecall/internal/conversation"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Neighbor is one nearest-neighbor hit. Distance is cosine distance, smaller is closer.
type Neighbor struct {
	Key      string  `json:"key"`
	Distance float64 `json:"distance"`
}

// MessageStore persists raw messages and their authors.
type MessageStore interface {
	UpsertUser(ctx context.Context, author conversation.Author) error
	UpsertMessage(ctx context.Context, msg conversation.Message) error
	MessageExists(ctx context.Context, id string) (bool, error)
	// GetMessagesInThread returns the root and every message reachable from it
	// through reply pointers, ordered by timestamp.
	GetMessagesInThread(ctx context.Context, rootID string) ([]conversation.Message, error)
	// GetAllMessageNodes lists graph nodes for one channel, or for all
	// channels when channelID is empty, ordered by timestamp.
	GetAllMessageNodes(ctx context.Context, channelID string) ([]conversation.MessageNode, error)
}

// VectorIndex stores exactly one vector per key.
type VectorIndex interface {
	Upsert(ctx context.Context, key string, vector []float32) error
	Delete(ctx context.Context, key string) error
	KNN(ctx context.Context, query []float32, k int) ([]Neighbor, error)
}

// HashStore records the last embedded fingerprint per key.
type HashStore interface {
	// Get returns the stored hash and whether one exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Upsert(ctx context.Context, key, hash string) error
}

// DocStore persists reference documents.
type DocStore interface {
	UpsertDoc(ctx context.Context, doc conversation.Doc) error
	GetDocs(ctx context.Context, ids []string) ([]conversation.Doc, error)
	ListDocs(ctx context.Context) ([]conversation.Doc, error)
}

// Store bundles every store the pipeline and retrieval engine need.
type Store interface {
	Messages() MessageStore
	ConversationIndex() VectorIndex
	DocIndex() VectorIndex
	ConversationHashes() HashStore
	DocHashes() HashStore
	Docs() DocStore
	Close() error
}
