package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/metrics"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

const rephrasePrompt = `You turn the tail of a chat conversation into a single standalone search query.
Read the messages and write one or two sentences that capture what the most recent speaker needs help with,
including any product names, error messages or technical details mentioned earlier.
Respond with the query text only.`

// QueryEmbedding is the vector for a rolling window of recent messages.
type QueryEmbedding struct {
	Vector    []float32
	Rephrased string
	Cost      float64
}

// QueryService rephrases recent chat into a standalone question and embeds it.
type QueryService struct {
	client     OpenAIClient
	embeddings *EmbeddingService
	chatModel  string
	pricing    Pricing
	timeout    time.Duration
}

func NewQueryService(client OpenAIClient, embeddings *EmbeddingService, chatModel string, pricing Pricing, timeout time.Duration) *QueryService {
	return &QueryService{
		client:     client,
		embeddings: embeddings,
		chatModel:  chatModel,
		pricing:    pricing,
		timeout:    timeout,
	}
}

func (q *QueryService) EmbedQuery(ctx context.Context, recent []conversation.Message) (QueryEmbedding, error) {
	if len(recent) == 0 {
		return QueryEmbedding{}, fmt.Errorf("no messages to build a query from")
	}

	transcript := FormatTranscript(recent)

	content, usage, err := complete(ctx, q.client, openai.ChatCompletionRequest{
		Model:     q.chatModel,
		MaxTokens: 200,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: rephrasePrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		Temperature: 0,
	}, "rephrase", q.timeout)
	if err != nil {
		return QueryEmbedding{}, fmt.Errorf("failed to rephrase query: %w", err)
	}

	cost := q.pricing.Cost(usage)
	metrics.GenerationCost.WithLabelValues("rephrase").Add(cost)

	rephrased := strings.TrimSpace(content)
	if rephrased == "" {
		slog.Warn("Empty rephrase, embedding raw transcript")
		rephrased = transcript
	}

	embedding, err := q.embeddings.GenerateEmbedding(ctx, rephrased)
	if err != nil {
		return QueryEmbedding{}, fmt.Errorf("failed to embed query: %w", err)
	}

	slog.Debug("Rephrased query", "rephrased", rephrased)

	return QueryEmbedding{
		Vector:    embedding.Vector,
		Rephrased: rephrased,
		Cost:      cost + embedding.Cost,
	}, nil
}

// QueryAuthor authors questions asked through the API or the CLI.
var QueryAuthor = conversation.Author{ID: "query", DisplayName: "query"}

// QueryWindow appends an ad-hoc question to a window of recent messages as
// a synthetic message with a fresh id.
func QueryWindow(recent []conversation.Message, question, channelID string, at time.Time) []conversation.Message {
	if n := len(recent); n > 0 && !at.After(recent[n-1].Timestamp) {
		at = recent[n-1].Timestamp.Add(time.Millisecond)
	}
	window := make([]conversation.Message, 0, len(recent)+1)
	window = append(window, recent...)
	return append(window, conversation.Message{
		ID:        "query:" + uuid.NewString(),
		Content:   question,
		Timestamp: at.UTC(),
		Author:    QueryAuthor,
		ChannelID: channelID,
	})
}
