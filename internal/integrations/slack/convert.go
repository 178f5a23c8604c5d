package slack

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"threadrecall/internal/conversation"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// MessageID makes a store-wide message id from a channel and a Slack
// timestamp. Slack timestamps are only unique within a channel.
func MessageID(channelID, ts string) string {
	return channelID + ":" + ts
}

// SplitMessageID reverses MessageID.
func SplitMessageID(id string) (channelID, ts string, err error) {
	channelID, ts, ok := strings.Cut(id, ":")
	if !ok || channelID == "" || ts == "" {
		return "", "", fmt.Errorf("invalid message id %q", id)
	}
	return channelID, ts, nil
}

// parseTimestamp converts a Slack "seconds.micros" timestamp to UTC time.
func parseTimestamp(ts string) (time.Time, error) {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
	}

	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		fracPart += strings.Repeat("0", 9-len(fracPart))
		nsec, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
		}
	}

	return time.Unix(sec, nsec).UTC(), nil
}

// isBotMessage reports whether a message was posted by a bot, including ours.
func isBotMessage(msg slack.Msg, botUserID string) bool {
	if msg.BotID != "" {
		return true
	}

	if msg.SubType == "bot_message" {
		return true
	}

	if botUserID != "" && msg.User == botUserID {
		return true
	}

	// Bot users in Slack start with B
	return msg.User != "" && strings.HasPrefix(msg.User, "B")
}

// isUserMessage filters out joins, topic changes and other system subtypes.
func isUserMessage(msg slack.Msg) bool {
	switch msg.SubType {
	case "", "thread_broadcast", "file_share":
		return true
	default:
		return false
	}
}

// convertMessage maps a Slack message to the domain model. The second result
// is false for messages that should not be stored.
func convertMessage(msg slack.Msg, channelID, displayName, botUserID string) (conversation.Message, bool) {
	if !isUserMessage(msg) || isBotMessage(msg, botUserID) {
		return conversation.Message{}, false
	}

	text := cleanMessageText(msg.Text)
	if text == "" {
		return conversation.Message{}, false
	}

	timestamp, err := parseTimestamp(msg.Timestamp)
	if err != nil {
		return conversation.Message{}, false
	}

	if displayName == "" {
		displayName = msg.User
	}

	out := conversation.Message{
		ID:        MessageID(channelID, msg.Timestamp),
		Content:   text,
		Timestamp: timestamp,
		Author:    conversation.Author{ID: msg.User, DisplayName: displayName},
		ChannelID: channelID,
	}
	if msg.ThreadTimestamp != "" && msg.ThreadTimestamp != msg.Timestamp {
		out.ReplyTo = MessageID(channelID, msg.ThreadTimestamp)
	}

	return out, true
}

// threadTS picks the thread a reply to msg belongs in.
func threadTS(msg conversation.Message) (string, error) {
	target := msg.ID
	if msg.ReplyTo != "" {
		target = msg.ReplyTo
	}
	_, ts, err := SplitMessageID(target)
	return ts, err
}

// cleanMessageText removes channel references and unwraps links. User
// mentions are kept so the reply policy can see them.
func cleanMessageText(text string) string {
	// Channel references like <#C123456|general>
	for strings.Contains(text, "<#") {
		start := strings.Index(text, "<#")
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		ref := text[start+2 : start+end]
		name := ""
		if _, label, ok := strings.Cut(ref, "|"); ok && label != "" {
			name = "#" + label
		}
		text = text[:start] + name + text[start+end+1:]
	}

	// Links like <https://example.com|label>
	var b strings.Builder
	for {
		start := strings.Index(text, "<http")
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		link := text[start+1 : start+end]
		if url, label, ok := strings.Cut(link, "|"); ok && label != "" {
			link = label
		} else {
			link = url
		}
		b.WriteString(text[:start])
		b.WriteString(link)
		text = text[start+end+1:]
	}
	b.WriteString(text)

	return strings.TrimSpace(b.String())
}

func toMsg(ev *slackevents.MessageEvent) slack.Msg {
	return slack.Msg{
		User:            ev.User,
		Text:            ev.Text,
		Timestamp:       ev.TimeStamp,
		ThreadTimestamp: ev.ThreadTimeStamp,
		SubType:         ev.SubType,
		BotID:           ev.BotID,
	}
}
