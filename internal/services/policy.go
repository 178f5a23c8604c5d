package services

import (
	"strings"

	"threadrecall/internal/conversation"
)

// FallbackReply is posted when the bot is mentioned but the generator left
// the reply empty.
const FallbackReply = "(no helpful message found)"

// Decision reasons, also used as metric labels.
const (
	ReasonHelpful  = "helpful"
	ReasonMention  = "mention"
	ReasonDeclined = "declined"
)

// Decision is the outcome of the reply policy for one triggering message.
type Decision struct {
	Reply  bool   `json:"reply"`
	Reason string `json:"reason"`
	Text   string `json:"text,omitempty"`
}

// ReplyPolicy decides whether a generated answer gets posted.
type ReplyPolicy struct {
	MinHelpfulness float64
	BotUserID      string
}

// Decide replies when the generator wants to and the answer clears the
// helpfulness bar, or whenever the trigger mentions the bot.
func (p ReplyPolicy) Decide(answer *Answer, trigger conversation.Message) Decision {
	if answer == nil {
		return Decision{Reason: ReasonDeclined}
	}

	if answer.ShouldReply && answer.Helpfulness >= p.MinHelpfulness && answer.Reply != "" {
		return Decision{Reply: true, Reason: ReasonHelpful, Text: answer.Reply}
	}

	if p.Mentions(trigger) {
		text := answer.Reply
		if text == "" {
			text = FallbackReply
		}
		return Decision{Reply: true, Reason: ReasonMention, Text: text}
	}

	return Decision{Reason: ReasonDeclined}
}

// Mentions reports whether msg addresses the bot.
func (p ReplyPolicy) Mentions(msg conversation.Message) bool {
	if p.BotUserID == "" {
		return false
	}
	return strings.Contains(msg.Content, "<@"+p.BotUserID+">") || strings.Contains(msg.Content, "<@"+p.BotUserID+"|")
}
