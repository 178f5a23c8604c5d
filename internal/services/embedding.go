package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"threadrecall/internal/conversation"
	"threadrecall/internal/metrics"
)

// maxEmbeddingChars keeps inputs under the model's 8K token limit.
const maxEmbeddingChars = 30000

// Embedding is a vector together with the cost of producing it.
type Embedding struct {
	Vector []float32
	Cost   float64
}

type EmbeddingService struct {
	client     OpenAIClient
	model      string
	dimensions int
	pricing    Pricing
	timeout    time.Duration
}

func NewEmbeddingService(client OpenAIClient, model string, dimensions int, pricing Pricing, timeout time.Duration) *EmbeddingService {
	return &EmbeddingService{
		client:     client,
		model:      model,
		dimensions: dimensions,
		pricing:    pricing,
		timeout:    timeout,
	}
}

// GenerateEmbedding embeds free text.
func (e *EmbeddingService) GenerateEmbedding(ctx context.Context, text string) (Embedding, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Embedding{}, fmt.Errorf("input text cannot be empty")
	}

	vector, usage, err := embed(ctx, e.client, e.model, e.dimensions, truncate(text, maxEmbeddingChars), e.timeout)
	if err != nil {
		return Embedding{}, err
	}

	if e.dimensions > 0 && len(vector) != e.dimensions {
		return Embedding{}, fmt.Errorf("%w: embedding has %d dimensions, expected %d", ErrMalformedOutput, len(vector), e.dimensions)
	}

	cost := e.pricing.Cost(usage)
	metrics.GenerationCost.WithLabelValues("embedding").Add(cost)

	return Embedding{Vector: vector, Cost: cost}, nil
}

// EmbedConversation embeds the transcript of one conversation.
func (e *EmbeddingService) EmbedConversation(ctx context.Context, messages []conversation.Message) (Embedding, error) {
	return e.GenerateEmbedding(ctx, FormatTranscript(messages))
}

// EmbedDoc embeds a reference document, titled by its file name.
func (e *EmbeddingService) EmbedDoc(ctx context.Context, doc conversation.Doc) (Embedding, error) {
	return e.GenerateEmbedding(ctx, fmt.Sprintf("# %s\n\n%s", doc.FileName, doc.Body))
}

// FormatTranscript renders messages one per line as "[time] name: content".
func FormatTranscript(messages []conversation.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		name := m.Author.DisplayName
		if name == "" {
			name = m.Author.ID
		}
		fmt.Fprintf(&b, "[%s] %s: %s", m.Timestamp.UTC().Format("2006-01-02 15:04"), name, m.Content)
	}
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
