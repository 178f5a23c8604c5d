package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/metrics"
	"threadrecall/internal/storage"

	"golang.org/x/sync/errgroup"
)

// ErrNoAnswer means the read path produced nothing worth showing. Every
// error returned by HelpfulReply wraps it.
var ErrNoAnswer = errors.New("no answer")

// hydrateConcurrency bounds parallel thread lookups after a KNN query.
const hydrateConcurrency = 8

// RetrievedConversation is a KNN hit hydrated into its messages.
type RetrievedConversation struct {
	ID       string                 `json:"id"`
	Distance float64                `json:"distance"`
	Messages []conversation.Message `json:"messages"`
}

// RetrievedDoc is a doc KNN hit.
type RetrievedDoc struct {
	Doc      conversation.Doc `json:"doc"`
	Distance float64          `json:"distance"`
}

// QueryEmbedder turns recent messages into a query vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, recent []conversation.Message) (QueryEmbedding, error)
}

// Generator writes a reply from retrieved context.
type Generator interface {
	Generate(ctx context.Context, input GenerateInput) (*Answer, error)
}

// Result is a completed read-path run.
type Result struct {
	Answer        *Answer
	Rephrased     string
	Conversations []RetrievedConversation
	Docs          []RetrievedDoc
	Cost          float64
}

type RetrievalEngine struct {
	store         storage.Store
	queries       QueryEmbedder
	generator     Generator
	conversationK int
	docK          int
}

func NewRetrievalEngine(store storage.Store, queries QueryEmbedder, generator Generator, conversationK, docK int) *RetrievalEngine {
	return &RetrievalEngine{
		store:         store,
		queries:       queries,
		generator:     generator,
		conversationK: conversationK,
		docK:          docK,
	}
}

// KNNConversations returns up to k conversations nearest to vector, ascending
// by distance. Hits whose thread no longer has any messages are dropped.
func (r *RetrievalEngine) KNNConversations(ctx context.Context, vector []float32, k int) ([]RetrievedConversation, error) {
	neighbors, err := r.store.ConversationIndex().KNN(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search conversations: %w", err)
	}

	hydrated := make([]RetrievedConversation, len(neighbors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hydrateConcurrency)
	for i, n := range neighbors {
		i, n := i, n
		g.Go(func() error {
			messages, err := r.store.Messages().GetMessagesInThread(gctx, n.Key)
			if err != nil {
				return fmt.Errorf("failed to hydrate conversation %s: %w", n.Key, err)
			}
			hydrated[i] = RetrievedConversation{ID: n.Key, Distance: n.Distance, Messages: messages}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]RetrievedConversation, 0, len(hydrated))
	for _, c := range hydrated {
		if len(c.Messages) == 0 {
			slog.Debug("Dropping stale conversation vector", "conversation_id", c.ID)
			continue
		}
		results = append(results, c)
	}

	return results, nil
}

// KNNDocs returns up to k docs nearest to vector, ascending by distance.
func (r *RetrievalEngine) KNNDocs(ctx context.Context, vector []float32, k int) ([]RetrievedDoc, error) {
	if k <= 0 {
		return []RetrievedDoc{}, nil
	}

	neighbors, err := r.store.DocIndex().KNN(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search docs: %w", err)
	}

	ids := make([]string, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.Key
	}

	docs, err := r.store.Docs().GetDocs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load docs: %w", err)
	}

	byID := make(map[string]conversation.Doc, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	results := make([]RetrievedDoc, 0, len(neighbors))
	for _, n := range neighbors {
		if d, ok := byID[n.Key]; ok {
			results = append(results, RetrievedDoc{Doc: d, Distance: n.Distance})
		}
	}

	return results, nil
}

// Retrieve embeds the recent messages once and runs both KNN lookups
// concurrently.
func (r *RetrievalEngine) Retrieve(ctx context.Context, recent []conversation.Message) (*Result, error) {
	query, err := r.queries.EmbedQuery(ctx, recent)
	if err != nil {
		return nil, err
	}

	result := &Result{Rephrased: query.Rephrased, Cost: query.Cost}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conversations, err := r.KNNConversations(gctx, query.Vector, r.conversationK)
		result.Conversations = conversations
		return err
	})
	g.Go(func() error {
		docs, err := r.KNNDocs(gctx, query.Vector, r.docK)
		result.Docs = docs
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// HelpfulReply runs the full read path. Without at least one retrieved
// conversation no generation call is made.
func (r *RetrievalEngine) HelpfulReply(ctx context.Context, recent []conversation.Message) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.RetrievalDuration.Observe(time.Since(start).Seconds())
	}()

	result, err := r.Retrieve(ctx, recent)
	if err != nil {
		metrics.RetrievalQueries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrNoAnswer, err)
	}

	if len(result.Conversations) == 0 {
		metrics.RetrievalQueries.WithLabelValues("empty").Inc()
		return nil, fmt.Errorf("%w: no similar conversations", ErrNoAnswer)
	}

	answer, err := r.generator.Generate(ctx, GenerateInput{
		Conversations: result.Conversations,
		Docs:          result.Docs,
		Messages:      recent,
	})
	if err != nil {
		metrics.RetrievalQueries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrNoAnswer, err)
	}

	result.Answer = answer
	result.Cost += answer.Cost
	metrics.RetrievalQueries.WithLabelValues("answered").Inc()

	slog.Info("Generated reply",
		"conversations", len(result.Conversations),
		"docs", len(result.Docs),
		"helpfulness", answer.Helpfulness,
		"should_reply", answer.ShouldReply,
		"cost", result.Cost)

	return result, nil
}
