package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/metrics"

	"github.com/sashabaranov/go-openai"
)

// NoParent is the resolver's answer when a message starts a new thread.
const NoParent = "NULL"

const parentPrompt = `You reconstruct reply structure in a chat channel where people rarely use explicit replies.
You are given recent messages, each prefixed with its id, followed by one final message.
Decide which earlier message the final message is responding to.
Respond with only that message's id, or NULL if the final message starts a new topic.`

// ParentResolver infers a missing reply parent from preceding messages.
type ParentResolver struct {
	client    OpenAIClient
	chatModel string
	pricing   Pricing
	timeout   time.Duration
}

func NewParentResolver(client OpenAIClient, chatModel string, pricing Pricing, timeout time.Duration) *ParentResolver {
	return &ParentResolver{
		client:    client,
		chatModel: chatModel,
		pricing:   pricing,
		timeout:   timeout,
	}
}

// ResolveParent returns the id of the message in window that msg replies to,
// or "" when there is none. Answers naming a message outside window are
// discarded.
func (p *ParentResolver) ResolveParent(ctx context.Context, window []conversation.Message, msg conversation.Message) (string, float64, error) {
	if len(window) == 0 {
		return "", 0, nil
	}

	var b strings.Builder
	for _, m := range window {
		fmt.Fprintf(&b, "(%s) %s\n", m.ID, FormatTranscript([]conversation.Message{m}))
	}
	fmt.Fprintf(&b, "\nFinal message:\n(%s) %s", msg.ID, FormatTranscript([]conversation.Message{msg}))

	content, usage, err := complete(ctx, p.client, openai.ChatCompletionRequest{
		Model:     p.chatModel,
		MaxTokens: 50,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: parentPrompt},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
		Temperature: 0,
	}, "resolve_parent", p.timeout)
	if err != nil {
		return "", 0, fmt.Errorf("failed to resolve parent: %w", err)
	}

	cost := p.pricing.Cost(usage)
	metrics.GenerationCost.WithLabelValues("resolve_parent").Add(cost)

	answer := strings.Trim(strings.TrimSpace(content), "()\"'`")
	if answer == "" || strings.EqualFold(answer, NoParent) {
		return "", cost, nil
	}

	for _, m := range window {
		if m.ID == answer && m.ID != msg.ID {
			return answer, cost, nil
		}
	}

	slog.Warn("Parent resolver named a message outside the window",
		"message_id", msg.ID,
		"answer", answer)
	return "", cost, nil
}
