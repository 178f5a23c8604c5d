package slack

import (
	"context"
	"errors"
	"log/slog"

	"threadrecall/internal/conversation"

	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/sync/errgroup"
)

// ErrNoSocket is returned by Subscribe when no app-level token was given.
var ErrNoSocket = errors.New("socket mode is not configured")

// Subscribe streams new human messages from the given channels to
// onMessage until ctx is cancelled. At most handlerLimit messages are
// handled at once; further events wait for a free slot.
func (c *Client) Subscribe(ctx context.Context, channels []string, onMessage func(context.Context, conversation.Message)) error {
	if c.socket == nil {
		return ErrNoSocket
	}

	watched := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		watched[ch] = struct{}{}
	}

	go c.dispatch(ctx, c.socket.Events, c.socket.Ack, watched, onMessage)

	return c.socket.RunContext(ctx)
}

// dispatch acks and filters events, running onMessage on a bounded pool. It
// returns once ctx is done or events is closed and every handler finished.
func (c *Client) dispatch(ctx context.Context, events <-chan socketmode.Event, ack func(socketmode.Request, ...interface{}), watched map[string]struct{}, onMessage func(context.Context, conversation.Message)) {
	var g errgroup.Group
	g.SetLimit(c.handlerLimit)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Request != nil && evt.Type == socketmode.EventTypeEventsAPI {
				ack(*evt.Request)
			}
			msg, ok := c.handleEvent(ctx, evt, watched)
			if !ok {
				continue
			}
			g.Go(func() error {
				onMessage(ctx, msg)
				return nil
			})
		}
	}
}

// handleEvent turns a socket-mode event into a message worth answering.
func (c *Client) handleEvent(ctx context.Context, evt socketmode.Event, watched map[string]struct{}) (conversation.Message, bool) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		slog.Info("Connecting to Slack with Socket Mode")
		return conversation.Message{}, false
	case socketmode.EventTypeConnected:
		slog.Info("Connected to Slack with Socket Mode")
		return conversation.Message{}, false
	case socketmode.EventTypeConnectionError:
		slog.Warn("Socket Mode connection failed, retrying")
		return conversation.Message{}, false
	case socketmode.EventTypeEventsAPI:
	default:
		return conversation.Message{}, false
	}

	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok || eventsAPIEvent.Type != slackevents.CallbackEvent {
		return conversation.Message{}, false
	}

	ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return conversation.Message{}, false
	}

	if _, ok := watched[ev.Channel]; !ok {
		return conversation.Message{}, false
	}

	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		c.MarkThread(ev.Channel, ev.ThreadTimeStamp)
	}

	raw := toMsg(ev)
	botUserID := c.ownID()
	if !isUserMessage(raw) || isBotMessage(raw, botUserID) {
		slog.Debug("Ignoring non-user message", "channel_id", ev.Channel, "subtype", ev.SubType)
		return conversation.Message{}, false
	}

	msg, ok := convertMessage(raw, ev.Channel, c.displayName(ctx, ev.User), botUserID)
	if !ok {
		return conversation.Message{}, false
	}

	slog.Info("Message received", "channel_id", msg.ChannelID, "message_id", msg.ID, "user", msg.Author.DisplayName)
	return msg, true
}
