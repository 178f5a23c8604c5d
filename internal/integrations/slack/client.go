package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"threadrecall/internal/conversation"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/time/rate"
)

const (
	historyPageSize     = 200
	maxRetries          = 3
	defaultHandlerLimit = 4
)

// API is the subset of *slack.Client used here.
type API interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

var _ API = (*slack.Client)(nil)

// Client reads channel history, posts replies and streams new messages.
type Client struct {
	api          API
	socket       *socketmode.Client
	cache        *MessageCache
	limiter      *rate.Limiter
	botUserID    string
	handlerLimit int

	mu    sync.Mutex
	users map[string]string
	dirty map[string]map[string]struct{}
}

type Option func(*Client)

// WithCache enables the local prefetch mirror.
func WithCache(cache *MessageCache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithLimiter throttles Web API calls.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(c *Client) { c.limiter = limiter }
}

func WithBotUserID(id string) Option {
	return func(c *Client) { c.botUserID = id }
}

// WithHandlerLimit caps how many streamed messages are handled at once.
func WithHandlerLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.handlerLimit = n
		}
	}
}

// New connects to Slack with a bot token. Socket mode is enabled when an
// app-level token is given.
func New(botToken, appToken string, opts ...Option) *Client {
	var apiOpts []slack.Option
	if appToken != "" {
		apiOpts = append(apiOpts, slack.OptionAppLevelToken(appToken))
	}
	api := slack.New(botToken, apiOpts...)

	c := NewWithAPI(api, opts...)
	if appToken != "" {
		c.socket = socketmode.New(api)
	}
	return c
}

// NewWithAPI wraps an existing API implementation.
func NewWithAPI(api API, opts ...Option) *Client {
	c := &Client{
		api:          api,
		limiter:      rate.NewLimiter(rate.Every(time.Second), 3),
		handlerLimit: defaultHandlerLimit,
		users:        make(map[string]string),
		dirty:        make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BotUserID returns the bot's own user id, asking Slack on first use.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.botUserID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate with slack: %w", err)
	}

	c.mu.Lock()
	c.botUserID = auth.UserID
	c.mu.Unlock()

	slog.Info("Bot user ID retrieved", "bot_user_id", auth.UserID)
	return auth.UserID, nil
}

func (c *Client) ownID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.botUserID
}

// FetchRecent returns up to limit of the latest top-level messages in a
// channel, oldest first.
func (c *Client) FetchRecent(ctx context.Context, channelID string, limit int) ([]conversation.Message, error) {
	var resp *slack.GetConversationHistoryResponse
	err := c.call(ctx, func() error {
		var err error
		resp, err = c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Limit:     limit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent messages: %w", err)
	}

	messages := c.convertAll(ctx, channelID, resp.Messages)
	conversation.SortMessages(messages)
	return messages, nil
}

// FetchAll returns the whole channel history including thread replies. With a
// cache only messages newer than the cached tail are fetched, plus threads
// that saw activity since.
func (c *Client) FetchAll(ctx context.Context, channelID string) ([]conversation.Message, error) {
	var (
		cached []conversation.Message
		oldest string
	)
	if c.cache != nil {
		var ok bool
		var err error
		cached, ok, err = c.cache.Load(channelID)
		if err != nil {
			slog.Warn("Ignoring unreadable message cache", "channel_id", channelID, "error", err)
		} else if ok {
			oldest = latestTS(cached)
		}
	}

	top, err := c.history(ctx, channelID, oldest)
	if err != nil {
		return nil, err
	}

	threads := c.takeDirty(channelID)
	for _, m := range top {
		if m.ReplyCount > 0 {
			threads[m.Timestamp] = struct{}{}
		}
	}

	raw := append([]slack.Message(nil), top...)
	for _, ts := range sortedKeys(threads) {
		replies, err := c.replies(ctx, channelID, ts)
		if err != nil {
			c.MarkThread(channelID, ts)
			return nil, err
		}
		raw = append(raw, replies...)
	}

	fresh := c.convertAll(ctx, channelID, raw)
	merged := mergeMessages(cached, fresh)

	if c.cache != nil {
		if err := c.cache.Save(channelID, merged); err != nil {
			slog.Warn("Failed to update message cache", "channel_id", channelID, "error", err)
		}
	}

	slog.Info("Fetched channel history",
		"channel_id", channelID,
		"cached", len(cached),
		"fetched", len(fresh),
		"threads", len(threads),
		"total", len(merged))

	return merged, nil
}

// MarkThread makes the next FetchAll re-read a thread's replies.
func (c *Client) MarkThread(channelID, ts string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty[channelID] == nil {
		c.dirty[channelID] = make(map[string]struct{})
	}
	c.dirty[channelID][ts] = struct{}{}
}

func (c *Client) takeDirty(channelID string) map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	threads := c.dirty[channelID]
	delete(c.dirty, channelID)
	if threads == nil {
		threads = make(map[string]struct{})
	}
	return threads
}

func (c *Client) history(ctx context.Context, channelID, oldest string) ([]slack.Message, error) {
	var (
		all    []slack.Message
		cursor string
	)
	for {
		var resp *slack.GetConversationHistoryResponse
		err := c.call(ctx, func() error {
			var err error
			resp, err = c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
				ChannelID: channelID,
				Cursor:    cursor,
				Oldest:    oldest,
				Limit:     historyPageSize,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch channel history: %w", err)
		}

		all = append(all, resp.Messages...)
		cursor = resp.ResponseMetaData.NextCursor
		if !resp.HasMore || cursor == "" {
			return all, nil
		}
	}
}

// replies returns the replies of a thread, without its root.
func (c *Client) replies(ctx context.Context, channelID, ts string) ([]slack.Message, error) {
	all, err := c.threadMessages(ctx, channelID, ts)
	if err != nil {
		return nil, err
	}
	replies := all[:0]
	for _, m := range all {
		if m.Timestamp != ts {
			replies = append(replies, m)
		}
	}
	return replies, nil
}

func (c *Client) threadMessages(ctx context.Context, channelID, ts string) ([]slack.Message, error) {
	var (
		all    []slack.Message
		cursor string
	)
	for {
		var (
			msgs    []slack.Message
			hasMore bool
			next    string
		)
		err := c.call(ctx, func() error {
			var err error
			msgs, hasMore, next, err = c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
				ChannelID: channelID,
				Timestamp: ts,
				Cursor:    cursor,
				Limit:     historyPageSize,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get thread messages: %w", err)
		}

		all = append(all, msgs...)
		cursor = next
		if !hasMore || cursor == "" {
			return all, nil
		}
	}
}

// FetchThread returns up to limit of the latest messages of the thread rooted
// at rootID, root included, oldest first.
func (c *Client) FetchThread(ctx context.Context, channelID, rootID string, limit int) ([]conversation.Message, error) {
	_, ts, err := SplitMessageID(rootID)
	if err != nil {
		return nil, err
	}

	raw, err := c.threadMessages(ctx, channelID, ts)
	if err != nil {
		return nil, err
	}

	messages := c.convertAll(ctx, channelID, raw)
	conversation.SortMessages(messages)
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// call waits for the limiter and retries when Slack answers 429.
func (c *Client) call(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn()
		var rateErr *slack.RateLimitedError
		if !errors.As(err, &rateErr) || attempt >= maxRetries {
			return err
		}

		slog.Warn("Slack rate limit hit, backing off", "retry_after", rateErr.RetryAfter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rateErr.RetryAfter):
		}
	}
}

func (c *Client) convertAll(ctx context.Context, channelID string, raw []slack.Message) []conversation.Message {
	botUserID := c.ownID()
	messages := make([]conversation.Message, 0, len(raw))
	for _, m := range raw {
		if !isUserMessage(m.Msg) || isBotMessage(m.Msg, botUserID) {
			continue
		}
		msg, ok := convertMessage(m.Msg, channelID, c.displayName(ctx, m.User), botUserID)
		if ok {
			messages = append(messages, msg)
		}
	}
	return messages
}

// displayName resolves and caches a user's display name, falling back to
// the user id.
func (c *Client) displayName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}

	c.mu.Lock()
	name, ok := c.users[userID]
	c.mu.Unlock()
	if ok {
		return name
	}

	name = userID
	var user *slack.User
	err := c.call(ctx, func() error {
		var err error
		user, err = c.api.GetUserInfoContext(ctx, userID)
		return err
	})
	if err != nil {
		slog.Warn("Failed to get user info", "error", err, "user_id", userID)
	} else {
		switch {
		case user.Profile.DisplayName != "":
			name = user.Profile.DisplayName
		case user.Profile.RealName != "":
			name = user.Profile.RealName
		case user.Name != "":
			name = user.Name
		}
	}

	c.mu.Lock()
	c.users[userID] = name
	c.mu.Unlock()
	return name
}

// Send posts text in the thread of inReplyTo.
func (c *Client) Send(ctx context.Context, channelID, text string, inReplyTo conversation.Message) error {
	ts, err := threadTS(inReplyTo)
	if err != nil {
		return err
	}

	return c.call(ctx, func() error {
		_, _, err := c.api.PostMessageContext(ctx, channelID,
			slack.MsgOptionText(text, false),
			slack.MsgOptionTS(ts))
		return err
	})
}

func latestTS(messages []conversation.Message) string {
	var latest string
	var latestTime time.Time
	for _, m := range messages {
		if m.Timestamp.After(latestTime) {
			if _, ts, err := SplitMessageID(m.ID); err == nil {
				latest, latestTime = ts, m.Timestamp
			}
		}
	}
	return latest
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
