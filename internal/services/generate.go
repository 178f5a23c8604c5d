package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/metrics"

	"github.com/sashabaranov/go-openai"
)

// ErrMalformedOutput is returned when a model response cannot be used.
var ErrMalformedOutput = errors.New("malformed model output")

const generatePrompt = `You help people in a community chat by drawing on how similar questions were answered before.
You are given past conversations from the same community, reference documentation, and the latest messages in the channel.

Decide whether the past conversations or docs contain something that would genuinely help the most recent speaker.
Only offer help that is grounded in the material provided. Do not invent answers.

Respond with a JSON object with exactly these fields:
  "internal_thoughts": your private reasoning, never shown to users
  "reply": the message to post, written for the channel, citing past discussions when useful
  "helpfulness": an integer from 0 (useless) to 10 (directly answers the question)
  "should_reply": true if posting the reply would help, false otherwise`

// Answer is the structured output of a generation call.
type Answer struct {
	InternalThoughts string  `json:"internal_thoughts"`
	Reply            string  `json:"reply"`
	Helpfulness      float64 `json:"helpfulness"`
	ShouldReply      bool    `json:"should_reply"`
	Cost             float64 `json:"-"`
}

// GenerateInput is the context passed to the generator.
type GenerateInput struct {
	Conversations []RetrievedConversation
	Docs          []RetrievedDoc
	Messages      []conversation.Message
}

type GenerationService struct {
	client    OpenAIClient
	chatModel string
	pricing   Pricing
	timeout   time.Duration
}

func NewGenerationService(client OpenAIClient, chatModel string, pricing Pricing, timeout time.Duration) *GenerationService {
	return &GenerationService{
		client:    client,
		chatModel: chatModel,
		pricing:   pricing,
		timeout:   timeout,
	}
}

func (g *GenerationService) Generate(ctx context.Context, input GenerateInput) (*Answer, error) {
	content, usage, err := complete(ctx, g.client, openai.ChatCompletionRequest{
		Model:     g.chatModel,
		MaxTokens: 1000,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: generatePrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildGeneratePrompt(input)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.3,
	}, "generate", g.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to generate reply: %w", err)
	}

	cost := g.pricing.Cost(usage)
	metrics.GenerationCost.WithLabelValues("generate").Add(cost)

	answer, err := ParseAnswer(content)
	if err != nil {
		return nil, err
	}
	answer.Cost = cost

	return answer, nil
}

// ParseAnswer decodes and validates the generator's JSON output.
func ParseAnswer(content string) (*Answer, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var answer Answer
	if err := json.Unmarshal([]byte(content), &answer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	if answer.Helpfulness < 0 || answer.Helpfulness > 10 {
		return nil, fmt.Errorf("%w: helpfulness %v out of range", ErrMalformedOutput, answer.Helpfulness)
	}

	answer.Reply = strings.TrimSpace(answer.Reply)
	return &answer, nil
}

func buildGeneratePrompt(input GenerateInput) string {
	var b strings.Builder

	b.WriteString("Past conversations:\n")
	for i, c := range input.Conversations {
		fmt.Fprintf(&b, "\n[%d] Conversation (distance %.3f):\n%s\n", i+1, c.Distance, FormatTranscript(c.Messages))
	}

	if len(input.Docs) > 0 {
		b.WriteString("\nDocumentation:\n")
		for _, d := range input.Docs {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", d.Doc.FileName, truncate(d.Doc.Body, 4000))
		}
	}

	b.WriteString("\nLatest messages:\n")
	b.WriteString(FormatTranscript(input.Messages))

	return b.String()
}
