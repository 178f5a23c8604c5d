package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"threadrecall/internal/conversation"
	"threadrecall/internal/metrics"
	"threadrecall/internal/services"
)

// ReplySink posts a reply in the thread of inReplyTo.
type ReplySink interface {
	Send(ctx context.Context, channelID, text string, inReplyTo conversation.Message) error
}

// ThreadSource reads the latest messages of one thread, root included.
type ThreadSource interface {
	FetchThread(ctx context.Context, channelID, rootID string, limit int) ([]conversation.Message, error)
}

// Responder runs the read path for a window of recent messages.
type Responder interface {
	HelpfulReply(ctx context.Context, recent []conversation.Message) (*services.Result, error)
}

// Assistant reacts to new channel messages: it answers from past
// conversations when the reply policy allows, then refreshes the channel.
type Assistant struct {
	source    MessageSource
	sink      ReplySink
	responder Responder
	policy    services.ReplyPolicy
	loader    *ChannelLoader
	recent    int
}

func NewAssistant(source MessageSource, sink ReplySink, responder Responder, policy services.ReplyPolicy, loader *ChannelLoader, recent int) *Assistant {
	return &Assistant{
		source:    source,
		sink:      sink,
		responder: responder,
		policy:    policy,
		loader:    loader,
		recent:    recent,
	}
}

// HandleMessage sends at most one reply for msg, in msg's thread, and then
// re-ingests its channel.
func (a *Assistant) HandleMessage(ctx context.Context, msg conversation.Message) error {
	logger := slog.With("channel_id", msg.ChannelID, "message_id", msg.ID)

	if a.policy.Mentions(msg) {
		metrics.SlackMentions.Inc()
	}

	if err := a.reply(ctx, msg, logger); err != nil {
		logger.Error("Failed to reply", "error", err)
	}

	stats, err := a.loader.LoadChannel(ctx, msg.ChannelID)
	if err != nil {
		return fmt.Errorf("failed to refresh channel: %w", err)
	}

	logger.Info("Refreshed channel",
		"stored", stats.Ingest.Stored,
		"conversations_updated", stats.Conversations.Updated,
		"cost", stats.Cost())

	return nil
}

func (a *Assistant) reply(ctx context.Context, msg conversation.Message, logger *slog.Logger) error {
	window, err := a.window(ctx, msg)
	if err != nil {
		return err
	}

	result, err := a.responder.HelpfulReply(ctx, window)
	if err != nil {
		if errors.Is(err, services.ErrNoAnswer) {
			logger.Info("No answer from past conversations", "reason", err)
			return nil
		}
		return err
	}

	decision := a.policy.Decide(result.Answer, msg)
	logger.Info("Reply decision",
		"reply", decision.Reply,
		"reason", decision.Reason,
		"helpfulness", result.Answer.Helpfulness,
		"should_reply", result.Answer.ShouldReply)

	if !decision.Reply {
		return nil
	}

	if err := a.sink.Send(ctx, msg.ChannelID, decision.Text, msg); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	metrics.RepliesSent.WithLabelValues(decision.Reason).Inc()

	return nil
}

// window builds the query window for msg: its thread when msg is a thread
// reply and the source can read threads, the channel tail otherwise.
func (a *Assistant) window(ctx context.Context, msg conversation.Message) ([]conversation.Message, error) {
	var (
		history []conversation.Message
		err     error
	)
	if threads, ok := a.source.(ThreadSource); ok && msg.ReplyTo != "" {
		history, err = threads.FetchThread(ctx, msg.ChannelID, msg.ReplyTo, a.recent)
	} else {
		history, err = a.source.FetchRecent(ctx, msg.ChannelID, a.recent)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent messages: %w", err)
	}
	return windowEndingAt(history, msg, a.recent), nil
}

// windowEndingAt keeps at most limit messages of history up to msg and ends
// the window with msg itself.
func windowEndingAt(history []conversation.Message, msg conversation.Message, limit int) []conversation.Message {
	window := make([]conversation.Message, 0, len(history)+1)
	for _, m := range history {
		if m.ID != msg.ID && !m.Timestamp.After(msg.Timestamp) {
			window = append(window, m)
		}
	}
	conversation.SortMessages(window)
	if limit > 0 && len(window) >= limit {
		window = window[len(window)-limit+1:]
	}
	return append(window, msg)
}
