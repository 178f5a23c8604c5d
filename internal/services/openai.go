package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"threadrecall/internal/metrics"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient is the subset of *openai.Client the services use.
type OpenAIClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

var _ OpenAIClient = (*openai.Client)(nil)

// NewOpenAIClient builds the production client.
func NewOpenAIClient(apiKey string) *openai.Client {
	return openai.NewClient(apiKey)
}

// Pricing converts token usage into dollars.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

func (p Pricing) Cost(usage openai.Usage) float64 {
	return float64(usage.PromptTokens)/1000*p.PromptPer1K +
		float64(usage.CompletionTokens)/1000*p.CompletionPer1K
}

// embed issues a single-input embedding request.
func embed(ctx context.Context, client OpenAIClient, model string, dimensions int, text string, timeout time.Duration) (_ []float32, _ openai.Usage, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer observeCall("embedding", &err)()

	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(model),
	}
	if strings.HasPrefix(model, "text-embedding-3") {
		req.Dimensions = dimensions
	}

	resp, err := client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, openai.Usage{}, fmt.Errorf("failed to generate embedding: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, resp.Usage, fmt.Errorf("no embedding data returned")
	}

	return resp.Data[0].Embedding, resp.Usage, nil
}

// complete runs one chat completion and returns the first choice's content.
func complete(ctx context.Context, client OpenAIClient, req openai.ChatCompletionRequest, operation string, timeout time.Duration) (_ string, _ openai.Usage, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer observeCall(operation, &err)()

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", openai.Usage{}, fmt.Errorf("failed to call OpenAI API: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", resp.Usage, fmt.Errorf("%w: no choices returned", ErrMalformedOutput)
	}

	return resp.Choices[0].Message.Content, resp.Usage, nil
}

func observeCall(operation string, err *error) func() {
	start := time.Now()
	return func() {
		status := "success"
		if *err != nil {
			status = "error"
		}
		metrics.OpenAIAPICalls.WithLabelValues(operation, status).Inc()
		metrics.OpenAIAPICallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
