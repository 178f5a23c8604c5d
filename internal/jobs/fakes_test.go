package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/services"
	"threadrecall/internal/storage"
	"threadrecall/internal/storage/memory"
)

var base = time.Date(2024, 12, 15, 15, 45, 0, 0, time.UTC)

func msg(id, content, replyTo string, minute int) conversation.Message {
	return conversation.Message{
		ID:        id,
		Content:   content,
		Timestamp: base.Add(time.Duration(minute) * time.Minute),
		Author:    conversation.Author{ID: "U1", DisplayName: "ada"},
		ReplyTo:   replyTo,
		ChannelID: "C1",
	}
}

// mockEmbedder embeds conversations and docs, counting calls. Conversations
// whose transcript contains failOn return an error. A non-nil gate holds
// every conversation call until it is closed.
type mockEmbedder struct {
	mu        sync.Mutex
	convCalls int
	docCalls  int
	failOn    string
	block     bool
	gate      chan struct{}
	inFlight  int
	peak      int
}

func (m *mockEmbedder) EmbedConversation(ctx context.Context, messages []conversation.Message) (services.Embedding, error) {
	m.mu.Lock()
	m.convCalls++
	m.inFlight++
	m.peak = max(m.peak, m.inFlight)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return services.Embedding{}, ctx.Err()
		}
	}

	transcript := services.FormatTranscript(messages)
	if m.block && strings.Contains(transcript, "stall") {
		<-ctx.Done()
		return services.Embedding{}, ctx.Err()
	}
	if m.failOn != "" && strings.Contains(transcript, m.failOn) {
		return services.Embedding{}, errors.New("embedding service unavailable")
	}
	return services.Embedding{Vector: []float32{float32(len(messages)), 1}, Cost: 0.001}, nil
}

func (m *mockEmbedder) EmbedDoc(_ context.Context, doc conversation.Doc) (services.Embedding, error) {
	m.mu.Lock()
	m.docCalls++
	m.mu.Unlock()

	if m.failOn != "" && strings.Contains(doc.Body, m.failOn) {
		return services.Embedding{}, errors.New("embedding service unavailable")
	}
	return services.Embedding{Vector: []float32{float32(len(doc.Body)), 1}, Cost: 0.002}, nil
}

func (m *mockEmbedder) calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convCalls, m.docCalls
}

func (m *mockEmbedder) concurrency() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight, m.peak
}

// failingIndex rejects upserts for one key.
type failingIndex struct {
	storage.VectorIndex
	failKey string
}

func (f *failingIndex) Upsert(ctx context.Context, key string, vector []float32) error {
	if key == f.failKey {
		return errors.New("disk full")
	}
	return f.VectorIndex.Upsert(ctx, key, vector)
}

type failingIndexStore struct {
	*memory.Store
	index *failingIndex
}

func (s *failingIndexStore) ConversationIndex() storage.VectorIndex { return s.index }

// brokenMessages fails every read.
type brokenMessages struct {
	storage.MessageStore
}

func (brokenMessages) GetAllMessageNodes(context.Context, string) ([]conversation.MessageNode, error) {
	return nil, errors.New("connection refused")
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) Messages() storage.MessageStore { return brokenMessages{} }

// mockResolver answers from a fixed map of message id to parent id.
type mockResolver struct {
	mu      sync.Mutex
	parents map[string]string
	fail    map[string]bool
	windows map[string][]string
}

func (m *mockResolver) ResolveParent(_ context.Context, window []conversation.Message, msg conversation.Message) (string, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.windows == nil {
		m.windows = make(map[string][]string)
	}
	ids := make([]string, len(window))
	for i, w := range window {
		ids[i] = w.ID
	}
	m.windows[msg.ID] = ids

	if m.fail[msg.ID] {
		return "", 0.01, errors.New("model timeout")
	}
	return m.parents[msg.ID], 0.01, nil
}

// mockSource serves fixed channel history.
type mockSource struct {
	mu       sync.Mutex
	messages map[string][]conversation.Message
	err      error
	threads  []string
}

func (m *mockSource) FetchRecent(_ context.Context, channelID string, limit int) ([]conversation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	all := m.messages[channelID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]conversation.Message(nil), all...), nil
}

func (m *mockSource) FetchAll(_ context.Context, channelID string) ([]conversation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]conversation.Message(nil), m.messages[channelID]...), nil
}

func (m *mockSource) FetchThread(_ context.Context, channelID, rootID string, limit int) ([]conversation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads = append(m.threads, rootID)
	if m.err != nil {
		return nil, m.err
	}
	var thread []conversation.Message
	for _, msg := range m.messages[channelID] {
		if msg.ID == rootID || msg.ReplyTo == rootID {
			thread = append(thread, msg)
		}
	}
	if len(thread) > limit {
		thread = thread[len(thread)-limit:]
	}
	return thread, nil
}

func (m *mockSource) add(msg conversation.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ChannelID] = append(m.messages[msg.ChannelID], msg)
}

type sentReply struct {
	channelID string
	text      string
	inReplyTo string
}

type mockSink struct {
	mu   sync.Mutex
	sent []sentReply
}

func (m *mockSink) Send(_ context.Context, channelID, text string, inReplyTo conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentReply{channelID: channelID, text: text, inReplyTo: inReplyTo.ID})
	return nil
}

type mockResponder struct {
	mu     sync.Mutex
	result *services.Result
	err    error
	recent [][]conversation.Message
}

func (m *mockResponder) HelpfulReply(_ context.Context, recent []conversation.Message) (*services.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, recent)
	return m.result, m.err
}
