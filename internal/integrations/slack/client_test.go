package slack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"threadrecall/internal/conversation"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type historyPage struct {
	messages []slack.Message
	next     string
}

type postedMessage struct {
	channelID string
	options   int
}

type fakeAPI struct {
	mu         sync.Mutex
	pages      map[string]historyPage // keyed by cursor
	threads    map[string][]slack.Message
	users      map[string]*slack.User
	rateLimits int

	historyCalls []slack.GetConversationHistoryParameters
	replyCalls   []string
	userCalls    int
	posts        []postedMessage
}

func (f *fakeAPI) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOT"}, nil
}

func (f *fakeAPI) GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rateLimits > 0 {
		f.rateLimits--
		return nil, &slack.RateLimitedError{RetryAfter: time.Millisecond}
	}

	f.historyCalls = append(f.historyCalls, *params)
	page := f.pages[params.Cursor]
	resp := &slack.GetConversationHistoryResponse{
		HasMore:  page.next != "",
		Messages: page.messages,
	}
	resp.ResponseMetaData.NextCursor = page.next
	return resp, nil
}

func (f *fakeAPI) GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyCalls = append(f.replyCalls, params.Timestamp)
	return f.threads[params.Timestamp], false, "", nil
}

func (f *fakeAPI) GetUserInfoContext(ctx context.Context, user string) (*slack.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCalls++
	if u, ok := f.users[user]; ok {
		return u, nil
	}
	return nil, errors.New("user_not_found")
}

func (f *fakeAPI) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postedMessage{channelID: channelID, options: len(options)})
	return channelID, "999.0", nil
}

func rawMessage(user, text, ts, threadTS string, replies int) slack.Message {
	return slack.Message{Msg: slack.Msg{
		User:            user,
		Text:            text,
		Timestamp:       ts,
		ThreadTimestamp: threadTS,
		ReplyCount:      replies,
	}}
}

func newTestClient(api API, opts ...Option) *Client {
	opts = append([]Option{WithLimiter(rate.NewLimiter(rate.Inf, 1)), WithBotUserID("UBOT")}, opts...)
	return NewWithAPI(api, opts...)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages: map[string]historyPage{
			"": {
				messages: []slack.Message{
					rawMessage("U1", "loader crashes on empty input", "100.0", "100.0", 2),
					rawMessage("UBOT", "I can help", "110.0", "", 0),
				},
				next: "page2",
			},
			"page2": {
				messages: []slack.Message{
					rawMessage("U2", "deploy is green", "90.0", "", 0),
				},
			},
		},
		threads: map[string][]slack.Message{
			"100.0": {
				rawMessage("U1", "loader crashes on empty input", "100.0", "100.0", 2),
				rawMessage("U2", "fixed in 1.2", "120.0", "100.0", 0),
				rawMessage("U3", "thanks", "130.0", "100.0", 0),
			},
		},
		users: map[string]*slack.User{
			"U1": {Name: "ada", Profile: slack.UserProfile{DisplayName: "Ada"}},
			"U2": {Name: "grace", Profile: slack.UserProfile{RealName: "Grace Hopper"}},
		},
	}
}

func TestClient_FetchAll(t *testing.T) {
	api := newFakeAPI()
	client := newTestClient(api)

	messages, err := client.FetchAll(context.Background(), "C1")
	require.NoError(t, err)

	require.Len(t, messages, 4)
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"C1:90.0", "C1:100.0", "C1:120.0", "C1:130.0"}, ids)

	assert.Equal(t, "Grace Hopper", messages[0].Author.DisplayName)
	assert.Equal(t, "Ada", messages[1].Author.DisplayName)
	assert.Equal(t, "C1:100.0", messages[2].ReplyTo)
	assert.Equal(t, "U3", messages[3].Author.DisplayName, "unknown users fall back to their id")

	assert.Len(t, api.historyCalls, 2)
	assert.Equal(t, []string{"100.0"}, api.replyCalls)
	assert.Equal(t, 3, api.userCalls, "display names are cached")
}

func TestClient_FetchAllIncremental(t *testing.T) {
	cache, err := OpenMessageCache("")
	require.NoError(t, err)
	defer cache.Close()

	api := newFakeAPI()
	client := newTestClient(api, WithCache(cache))

	_, err = client.FetchAll(context.Background(), "C1")
	require.NoError(t, err)

	api.pages = map[string]historyPage{
		"": {messages: []slack.Message{rawMessage("U2", "new question", "200.0", "", 0)}},
	}
	api.threads["100.0"] = append(api.threads["100.0"], rawMessage("U1", "confirmed", "210.0", "100.0", 0))
	api.historyCalls = nil
	api.replyCalls = nil

	client.MarkThread("C1", "100.0")
	messages, err := client.FetchAll(context.Background(), "C1")
	require.NoError(t, err)

	require.Len(t, api.historyCalls, 1)
	assert.Equal(t, "130.0", api.historyCalls[0].Oldest)
	assert.Equal(t, []string{"100.0"}, api.replyCalls)

	require.Len(t, messages, 6)
	assert.Equal(t, "C1:200.0", messages[4].ID)
	assert.Equal(t, "C1:210.0", messages[5].ID)

	cached, ok, err := cache.Load("C1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, cached, 6)
}

func TestClient_RetriesRateLimit(t *testing.T) {
	api := newFakeAPI()
	api.rateLimits = 2
	client := newTestClient(api)

	messages, err := client.FetchRecent(context.Background(), "C1", 10)
	require.NoError(t, err)
	assert.Len(t, messages, 1, "bot messages are dropped")
	assert.Equal(t, "C1:100.0", messages[0].ID)
}

func TestClient_Send(t *testing.T) {
	api := newFakeAPI()
	client := newTestClient(api)

	err := client.Send(context.Background(), "C1", "try 1.2", conversation.Message{ID: "C1:120.0", ReplyTo: "C1:100.0"})
	require.NoError(t, err)
	require.Len(t, api.posts, 1)
	assert.Equal(t, "C1", api.posts[0].channelID)
	assert.Equal(t, 2, api.posts[0].options)

	err = client.Send(context.Background(), "C1", "hi", conversation.Message{ID: "not-a-slack-id"})
	assert.Error(t, err)
}

func TestClient_BotUserID(t *testing.T) {
	client := NewWithAPI(newFakeAPI(), WithLimiter(rate.NewLimiter(rate.Inf, 1)))

	id, err := client.BotUserID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "UBOT", id)
}

func messageEvent(ev *slackevents.MessageEvent) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
		},
	}
}

func TestClient_HandleEvent(t *testing.T) {
	client := newTestClient(newFakeAPI())
	watched := map[string]struct{}{"C1": {}}
	ctx := context.Background()

	msg, ok := client.handleEvent(ctx, messageEvent(&slackevents.MessageEvent{
		User: "U1", Text: "<@UBOT> any idea?", TimeStamp: "300.0", ThreadTimeStamp: "100.0", Channel: "C1",
	}), watched)
	require.True(t, ok)
	assert.Equal(t, "C1:300.0", msg.ID)
	assert.Equal(t, "C1:100.0", msg.ReplyTo)
	assert.Equal(t, "Ada", msg.Author.DisplayName)
	assert.Contains(t, client.takeDirty("C1"), "100.0")

	_, ok = client.handleEvent(ctx, messageEvent(&slackevents.MessageEvent{
		User: "U1", Text: "elsewhere", TimeStamp: "301.0", Channel: "C9",
	}), watched)
	assert.False(t, ok, "unwatched channel")

	_, ok = client.handleEvent(ctx, messageEvent(&slackevents.MessageEvent{
		User: "UBOT", Text: "my own reply", TimeStamp: "302.0", Channel: "C1",
	}), watched)
	assert.False(t, ok, "bot message")

	_, ok = client.handleEvent(ctx, socketmode.Event{Type: socketmode.EventTypeConnected}, watched)
	assert.False(t, ok)
}

func TestSubscribeWithoutSocket(t *testing.T) {
	client := newTestClient(newFakeAPI())
	err := client.Subscribe(context.Background(), []string{"C1"}, func(context.Context, conversation.Message) {})
	assert.ErrorIs(t, err, ErrNoSocket)
}

func TestClient_DispatchBoundsHandlers(t *testing.T) {
	const limit = 2
	client := newTestClient(newFakeAPI(), WithHandlerLimit(limit))
	watched := map[string]struct{}{"C1": {}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		acked    int
		inFlight int
		peak     int
		handled  []string
	)
	release := make(chan struct{})
	ack := func(socketmode.Request, ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		acked++
	}
	onMessage := func(_ context.Context, msg conversation.Message) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		<-release

		mu.Lock()
		defer mu.Unlock()
		inFlight--
		handled = append(handled, msg.ID)
	}

	events := make(chan socketmode.Event)
	stopped := make(chan struct{})
	go func() {
		client.dispatch(ctx, events, ack, watched, onMessage)
		close(stopped)
	}()
	go func() {
		for i := 0; i < 5; i++ {
			evt := messageEvent(&slackevents.MessageEvent{
				User: "U1", Text: "question", TimeStamp: fmt.Sprintf("40%d.0", i), Channel: "C1",
			})
			evt.Request = &socketmode.Request{EnvelopeID: fmt.Sprintf("env-%d", i)}
			events <- evt
		}
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight == limit
	}, time.Second, 5*time.Millisecond)

	// Let any extra handlers start before release.
	time.Sleep(20 * time.Millisecond)
	close(release)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, limit, peak)
	assert.Equal(t, 5, acked)
	mu.Unlock()

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("dispatch did not return after cancel")
	}
}

func TestClient_FetchThread(t *testing.T) {
	api := newFakeAPI()
	client := newTestClient(api)

	thread, err := client.FetchThread(context.Background(), "C1", "C1:100.0", 10)
	require.NoError(t, err)
	ids := make([]string, len(thread))
	for i, m := range thread {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"C1:100.0", "C1:120.0", "C1:130.0"}, ids)
	assert.Equal(t, []string{"100.0"}, api.replyCalls)

	tail, err := client.FetchThread(context.Background(), "C1", "C1:100.0", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "C1:120.0", tail[0].ID)

	_, err = client.FetchThread(context.Background(), "C1", "100.0", 10)
	assert.Error(t, err)
}
