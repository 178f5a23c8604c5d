package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/metrics"
	"threadrecall/internal/services"
	"threadrecall/internal/storage"

	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 20
	defaultCallTimeout = 60 * time.Second
)

// Unit kinds, also used as metric labels.
const (
	KindConversation = "conversation"
	KindDoc          = "doc"
)

type ConversationEmbedder interface {
	EmbedConversation(ctx context.Context, messages []conversation.Message) (services.Embedding, error)
}

type DocEmbedder interface {
	EmbedDoc(ctx context.Context, doc conversation.Doc) (services.Embedding, error)
}

// ErrorHandler receives every unit-level failure.
type ErrorHandler func(kind, id string, err error)

// Stats summarizes one pass. Processed counts every unit, whatever its outcome.
type Stats struct {
	Processed int           `json:"processed"`
	Updated   int           `json:"updated"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Cost      float64       `json:"cost"`
	Duration  time.Duration `json:"duration"`
}

func (s *Stats) record(o outcome, cost float64) {
	s.Processed++
	s.Cost += cost
	switch o {
	case outcomeUpdated:
		s.Updated++
	case outcomeSkipped:
		s.Skipped++
	case outcomeFailed:
		s.Failed++
	}
}

type outcome string

const (
	outcomeUpdated outcome = "updated"
	outcomeSkipped outcome = "skipped"
	outcomeFailed  outcome = "failed"
)

// Pipeline re-embeds conversations and docs whose content hash changed.
type Pipeline struct {
	store         storage.Store
	conversations ConversationEmbedder
	docs          DocEmbedder
	concurrency   int
	callTimeout   time.Duration
	onError       ErrorHandler
}

type PipelineOption func(*Pipeline)

func WithConcurrency(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithCallTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.callTimeout = d
		}
	}
}

func WithErrorHandler(h ErrorHandler) PipelineOption {
	return func(p *Pipeline) {
		if h != nil {
			p.onError = h
		}
	}
}

func NewPipeline(store storage.Store, conversations ConversationEmbedder, docs DocEmbedder, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:         store,
		conversations: conversations,
		docs:          docs,
		concurrency:   defaultConcurrency,
		callTimeout:   defaultCallTimeout,
		onError:       logUnitError,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func logUnitError(kind, id string, err error) {
	slog.Error("Failed to embed unit", "kind", kind, "id", id, "error", err)
}

// SyncConversations groups the stored messages of a channel (every channel
// when channelID is empty) and re-embeds the conversations that changed.
func (p *Pipeline) SyncConversations(ctx context.Context, channelID string) (Stats, error) {
	nodes, err := p.store.Messages().GetAllMessageNodes(ctx, channelID)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list message nodes: %w", err)
	}

	convs := conversation.Group(nodes)
	label := channelID
	if label == "" {
		label = metrics.AllChannels
	}
	metrics.ConversationsIndexed.WithLabelValues(label).Set(float64(len(convs)))

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}

	slog.Info("Syncing conversation embeddings",
		"channel_id", channelID,
		"messages", len(nodes),
		"conversations", len(convs))

	stats := p.run(ctx, KindConversation, ids, p.syncConversation)
	return stats, nil
}

func (p *Pipeline) syncConversation(ctx context.Context, id string) (outcome, float64, error) {
	messages, err := p.store.Messages().GetMessagesInThread(ctx, id)
	if err != nil {
		return outcomeFailed, 0, fmt.Errorf("failed to load conversation: %w", err)
	}
	if len(messages) == 0 {
		return outcomeSkipped, 0, nil
	}

	hashes := p.store.ConversationHashes()
	stored, found, err := hashes.Get(ctx, id)
	if err != nil {
		return outcomeFailed, 0, fmt.Errorf("failed to read conversation hash: %w", err)
	}

	change := conversation.NeedsUpdate(messages, stored, found)
	if !change.Changed {
		return outcomeSkipped, 0, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	embedding, err := p.conversations.EmbedConversation(callCtx, messages)
	cancel()
	if err != nil {
		return outcomeFailed, 0, err
	}

	if err := replace(ctx, p.store.ConversationIndex(), hashes, id, embedding.Vector, change.NewHash); err != nil {
		return outcomeFailed, embedding.Cost, err
	}

	return outcomeUpdated, embedding.Cost, nil
}

// SyncDocs re-embeds every stored doc whose hash changed.
func (p *Pipeline) SyncDocs(ctx context.Context) (Stats, error) {
	docs, err := p.store.Docs().ListDocs(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list docs: %w", err)
	}
	return p.EmbedDocs(ctx, docs), nil
}

// EmbedDocs runs the given docs through the pipeline. They must already be
// stored.
func (p *Pipeline) EmbedDocs(ctx context.Context, docs []conversation.Doc) Stats {
	byID := make(map[string]conversation.Doc, len(docs))
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if _, dup := byID[d.ID]; !dup {
			ids = append(ids, d.ID)
		}
		byID[d.ID] = d
	}

	return p.run(ctx, KindDoc, ids, func(ctx context.Context, id string) (outcome, float64, error) {
		return p.syncDoc(ctx, byID[id])
	})
}

func (p *Pipeline) syncDoc(ctx context.Context, doc conversation.Doc) (outcome, float64, error) {
	hashes := p.store.DocHashes()
	stored, found, err := hashes.Get(ctx, doc.ID)
	if err != nil {
		return outcomeFailed, 0, fmt.Errorf("failed to read doc hash: %w", err)
	}

	change := conversation.DocNeedsUpdate(doc, stored, found)
	if !change.Changed {
		return outcomeSkipped, 0, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	embedding, err := p.docs.EmbedDoc(callCtx, doc)
	cancel()
	if err != nil {
		return outcomeFailed, 0, err
	}

	if err := replace(ctx, p.store.DocIndex(), hashes, doc.ID, embedding.Vector, change.NewHash); err != nil {
		return outcomeFailed, embedding.Cost, err
	}

	return outcomeUpdated, embedding.Cost, nil
}

// replace swaps the vector for key and then records its hash. A failure
// after the vector write leaves the old hash, so the next pass redoes it.
func replace(ctx context.Context, index storage.VectorIndex, hashes storage.HashStore, key string, vector []float32, hash string) error {
	if err := index.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete old embedding: %w", err)
	}
	if err := index.Upsert(ctx, key, vector); err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	if err := hashes.Upsert(ctx, key, hash); err != nil {
		return fmt.Errorf("failed to record hash: %w", err)
	}
	return nil
}

// run processes ids on a bounded pool. Unit errors go to the error handler
// and never stop sibling units.
func (p *Pipeline) run(ctx context.Context, kind string, ids []string, process func(context.Context, string) (outcome, float64, error)) Stats {
	start := time.Now()

	var (
		mu    sync.Mutex
		stats Stats
		g     errgroup.Group
	)
	g.SetLimit(p.concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			o, cost, err := process(ctx, id)
			if err != nil {
				o = outcomeFailed
				p.onError(kind, id, err)
			}
			metrics.PipelineUnits.WithLabelValues(kind, string(o)).Inc()

			mu.Lock()
			stats.record(o, cost)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	stats.Duration = time.Since(start)
	metrics.PipelineRunDuration.WithLabelValues(kind).Observe(stats.Duration.Seconds())

	slog.Info("Completed embedding pass",
		"kind", kind,
		"processed", stats.Processed,
		"updated", stats.Updated,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"cost", stats.Cost,
		"duration", stats.Duration)

	return stats
}
