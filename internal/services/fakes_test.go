package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"threadrecall/internal/conversation"

	"github.com/sashabaranov/go-openai"
)

var base = time.Date(2024, 12, 15, 15, 45, 0, 0, time.UTC)

// fakeClient answers chat completions from a queue and embeds text by
// looking it up in vectors.
type fakeClient struct {
	mu          sync.Mutex
	completions []string
	chatErr     error
	embedErr    error
	vectors     map[string][]float32
	defaultVec  []float32
	chatReqs    []openai.ChatCompletionRequest
	embedInputs []string
}

func (f *fakeClient) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req := conv.Convert()
	input := req.Input.([]string)[0]
	f.embedInputs = append(f.embedInputs, input)
	if f.embedErr != nil {
		return openai.EmbeddingResponse{}, f.embedErr
	}

	vec, ok := f.vectors[input]
	if !ok {
		vec = f.defaultVec
	}
	return openai.EmbeddingResponse{
		Data:  []openai.Embedding{{Embedding: vec}},
		Usage: openai.Usage{PromptTokens: 1000},
	}, nil
}

func (f *fakeClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.chatReqs = append(f.chatReqs, req)
	if f.chatErr != nil {
		return openai.ChatCompletionResponse{}, f.chatErr
	}
	if len(f.completions) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("unexpected chat completion")
	}

	content := f.completions[0]
	f.completions = f.completions[1:]
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
		Usage:   openai.Usage{PromptTokens: 2000, CompletionTokens: 1000},
	}, nil
}

var testPricing = Pricing{PromptPer1K: 0.001, CompletionPer1K: 0.002}

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
