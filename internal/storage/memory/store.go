// Package memory provides in-memory implementations of the storage interfaces.
// They are safe for concurrent use and are intended for tests and dry runs.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"threadrecall/internal/conversation"
	"threadrecall/internal/storage"
)

// Store is an in-memory storage.Store.
type Store struct {
	messages *MessageStore
	convIdx  *VectorIndex
	docIdx   *VectorIndex
	convHash *HashStore
	docHash  *HashStore
	docs     *DocStore
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		messages: NewMessageStore(),
		convIdx:  NewVectorIndex(),
		docIdx:   NewVectorIndex(),
		convHash: NewHashStore(),
		docHash:  NewHashStore(),
		docs:     NewDocStore(),
	}
}

func (s *Store) Messages() storage.MessageStore         { return s.messages }
func (s *Store) ConversationIndex() storage.VectorIndex { return s.convIdx }
func (s *Store) DocIndex() storage.VectorIndex          { return s.docIdx }
func (s *Store) ConversationHashes() storage.HashStore  { return s.convHash }
func (s *Store) DocHashes() storage.HashStore           { return s.docHash }
func (s *Store) Docs() storage.DocStore                 { return s.docs }
func (s *Store) Close() error                           { return nil }

// ==================== Messages ====================

// MessageStore keeps messages and users in maps.
type MessageStore struct {
	mu       sync.RWMutex
	users    map[string]conversation.Author
	messages map[string]conversation.Message
}

var _ storage.MessageStore = (*MessageStore)(nil)

func NewMessageStore() *MessageStore {
	return &MessageStore{
		users:    make(map[string]conversation.Author),
		messages: make(map[string]conversation.Message),
	}
}

func (s *MessageStore) UpsertUser(_ context.Context, author conversation.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[author.ID] = author
	return nil
}

func (s *MessageStore) UpsertMessage(_ context.Context, msg conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	return nil
}

// DeleteMessage removes a message. The core never deletes; tests use this to
// simulate stale index entries.
func (s *MessageStore) DeleteMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
}

func (s *MessageStore) MessageExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[id]
	return ok, nil
}

// GetMessagesInThread walks reply pointers downward from rootID breadth-first.
func (s *MessageStore) GetMessagesInThread(_ context.Context, rootID string) ([]conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.messages[rootID]
	if !ok {
		return []conversation.Message{}, nil
	}

	children := make(map[string][]string)
	for id, m := range s.messages {
		if m.ReplyTo != "" {
			children[m.ReplyTo] = append(children[m.ReplyTo], id)
		}
	}

	seen := map[string]struct{}{rootID: {}}
	result := []conversation.Message{s.withUser(root)}
	queue := []string{rootID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, childID := range children[current] {
			if _, dup := seen[childID]; dup {
				continue
			}
			seen[childID] = struct{}{}
			result = append(result, s.withUser(s.messages[childID]))
			queue = append(queue, childID)
		}
	}

	conversation.SortMessages(result)
	return result, nil
}

func (s *MessageStore) GetAllMessageNodes(_ context.Context, channelID string) ([]conversation.MessageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]conversation.MessageNode, 0, len(s.messages))
	for _, m := range s.messages {
		if channelID != "" && m.ChannelID != channelID {
			continue
		}
		nodes = append(nodes, m.Node())
	}
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].Timestamp.Equal(nodes[j].Timestamp) {
			return nodes[i].Timestamp.Before(nodes[j].Timestamp)
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

// withUser mirrors the users join of the relational store.
func (s *MessageStore) withUser(m conversation.Message) conversation.Message {
	if u, ok := s.users[m.Author.ID]; ok {
		m.Author = u
	}
	return m
}

// ==================== Vectors ====================

// VectorIndex is an exact nearest-neighbor index over cosine distance.
type VectorIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

var _ storage.VectorIndex = (*VectorIndex)(nil)

func NewVectorIndex() *VectorIndex {
	return &VectorIndex{vectors: make(map[string][]float32)}
}

func (v *VectorIndex) Upsert(_ context.Context, key string, vector []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors[key] = append([]float32(nil), vector...)
	return nil
}

func (v *VectorIndex) Delete(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, key)
	return nil
}

func (v *VectorIndex) KNN(_ context.Context, query []float32, k int) ([]storage.Neighbor, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	neighbors := make([]storage.Neighbor, 0, len(v.vectors))
	for key, vec := range v.vectors {
		neighbors = append(neighbors, storage.Neighbor{Key: key, Distance: cosineDistance(query, vec)})
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Distance != neighbors[j].Distance {
			return neighbors[i].Distance < neighbors[j].Distance
		}
		return neighbors[i].Key < neighbors[j].Key
	})
	if k >= 0 && len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// Len returns the number of stored vectors.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

// Get returns a copy of the vector stored for key.
func (v *VectorIndex) Get(key string) ([]float32, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	vec, ok := v.vectors[key]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), vec...), true
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// ==================== Hashes ====================

// HashStore is a map of key to last recorded hash.
type HashStore struct {
	mu     sync.RWMutex
	hashes map[string]string
}

var _ storage.HashStore = (*HashStore)(nil)

func NewHashStore() *HashStore {
	return &HashStore{hashes: make(map[string]string)}
}

func (h *HashStore) Get(_ context.Context, key string) (string, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.hashes[key]
	return v, ok, nil
}

func (h *HashStore) Upsert(_ context.Context, key, hash string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hashes[key] = hash
	return nil
}

// ==================== Docs ====================

// DocStore keeps documents by id.
type DocStore struct {
	mu   sync.RWMutex
	docs map[string]conversation.Doc
}

var _ storage.DocStore = (*DocStore)(nil)

func NewDocStore() *DocStore {
	return &DocStore{docs: make(map[string]conversation.Doc)}
}

func (d *DocStore) UpsertDoc(_ context.Context, doc conversation.Doc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[doc.ID] = doc
	return nil
}

func (d *DocStore) GetDocs(_ context.Context, ids []string) ([]conversation.Doc, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	docs := make([]conversation.Doc, 0, len(ids))
	for _, id := range ids {
		if doc, ok := d.docs[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (d *DocStore) ListDocs(_ context.Context) ([]conversation.Doc, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	docs := make([]conversation.Doc, 0, len(d.docs))
	for _, doc := range d.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}
