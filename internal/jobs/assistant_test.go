package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/services"
	"threadrecall/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store     *memory.Store
	source    *mockSource
	sink      *mockSink
	responder *mockResponder
	embedder  *mockEmbedder
	loader    *ChannelLoader
	assistant *Assistant
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewStore(),
		source:    &mockSource{messages: map[string][]conversation.Message{}},
		sink:      &mockSink{},
		responder: &mockResponder{},
		embedder:  &mockEmbedder{},
	}
	pipeline := NewPipeline(h.store, h.embedder, h.embedder)
	ingestor := NewIngestor(h.store.Messages(), nil, 15, 4, time.Second)
	h.loader = NewChannelLoader(h.source, ingestor, pipeline)
	h.assistant = NewAssistant(h.source, h.sink, h.responder, services.ReplyPolicy{MinHelpfulness: 7, BotUserID: "UBOT"}, h.loader, 10)
	return h
}

func TestAssistant_RepliesAndRefreshes(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 12; i++ {
		h.source.add(msg(fmt.Sprintf("m%02d", i), "chatter", "", i))
	}
	trigger := msg("m12", "how do I fix the loader crash?", "", 12)
	h.source.add(trigger)
	h.responder.result = &services.Result{Answer: &services.Answer{Reply: "Upgrade to 1.2.", Helpfulness: 8, ShouldReply: true}}

	require.NoError(t, h.assistant.HandleMessage(context.Background(), trigger))

	require.Len(t, h.responder.recent, 1)
	assert.Len(t, h.responder.recent[0], 10)
	require.Len(t, h.sink.sent, 1)
	assert.Equal(t, sentReply{channelID: "C1", text: "Upgrade to 1.2.", inReplyTo: "m12"}, h.sink.sent[0])

	exists, err := h.store.Messages().MessageExists(context.Background(), "m12")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 13, h.store.ConversationIndex().(*memory.VectorIndex).Len())
}

func TestAssistant_DeclinedAnswerSendsNothing(t *testing.T) {
	h := newHarness(t)
	trigger := msg("1", "anyone around?", "", 0)
	h.source.add(trigger)
	h.responder.result = &services.Result{Answer: &services.Answer{Reply: "maybe", Helpfulness: 3, ShouldReply: true}}

	require.NoError(t, h.assistant.HandleMessage(context.Background(), trigger))
	assert.Empty(t, h.sink.sent)
}

func TestAssistant_MentionForcesReply(t *testing.T) {
	h := newHarness(t)
	trigger := msg("1", "<@UBOT> anyone around?", "", 0)
	h.source.add(trigger)
	h.responder.result = &services.Result{Answer: &services.Answer{Helpfulness: 1}}

	require.NoError(t, h.assistant.HandleMessage(context.Background(), trigger))
	require.Len(t, h.sink.sent, 1)
	assert.Equal(t, services.FallbackReply, h.sink.sent[0].text)
}

func TestAssistant_NoAnswerStillRefreshes(t *testing.T) {
	h := newHarness(t)
	trigger := msg("1", "<@UBOT> hello", "", 0)
	h.source.add(trigger)
	h.responder.err = fmt.Errorf("%w: no similar conversations", services.ErrNoAnswer)

	require.NoError(t, h.assistant.HandleMessage(context.Background(), trigger))
	assert.Empty(t, h.sink.sent)
	assert.Equal(t, 1, h.store.ConversationIndex().(*memory.VectorIndex).Len())
}

func TestAssistant_FetchFailure(t *testing.T) {
	h := newHarness(t)
	h.source.err = errors.New("slack unavailable")

	err := h.assistant.HandleMessage(context.Background(), msg("1", "hi", "", 0))
	require.Error(t, err)
	assert.Empty(t, h.sink.sent)
	assert.Empty(t, h.responder.recent)
}

func ids(messages []conversation.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestAssistant_ThreadReplyMentionRepliesInThread(t *testing.T) {
	h := newHarness(t)
	h.source.add(msg("C1:100", "the loader crashes on empty input", "", 0))
	h.source.add(msg("C1:150", "unrelated top-level chatter", "", 1))
	trigger := msg("C1:200", "<@UBOT> any idea?", "C1:100", 2)
	h.source.add(trigger)
	h.responder.result = &services.Result{Answer: &services.Answer{Helpfulness: 1}}

	require.NoError(t, h.assistant.HandleMessage(context.Background(), trigger))

	assert.Equal(t, []string{"C1:100"}, h.source.threads)
	require.Len(t, h.responder.recent, 1)
	assert.Equal(t, []string{"C1:100", "C1:200"}, ids(h.responder.recent[0]))

	require.Len(t, h.sink.sent, 1)
	assert.Equal(t, sentReply{channelID: "C1", text: services.FallbackReply, inReplyTo: "C1:200"}, h.sink.sent[0])
}

func TestAssistant_TriggerMissingFromHistory(t *testing.T) {
	h := newHarness(t)
	h.source.add(msg("1", "earlier question", "", 0))
	h.source.add(msg("2", "earlier answer", "", 1))
	h.source.add(msg("4", "posted after the trigger", "", 5))
	trigger := msg("3", "how do I rotate the keys?", "", 2)
	h.responder.result = &services.Result{Answer: &services.Answer{Reply: "See the runbook.", Helpfulness: 9, ShouldReply: true}}

	require.NoError(t, h.assistant.HandleMessage(context.Background(), trigger))

	require.Len(t, h.responder.recent, 1)
	assert.Equal(t, []string{"1", "2", "3"}, ids(h.responder.recent[0]))
	require.Len(t, h.sink.sent, 1)
	assert.Equal(t, "3", h.sink.sent[0].inReplyTo)
}

func TestAssistant_ConcurrentTriggersEachGetOneReply(t *testing.T) {
	h := newHarness(t)
	first := msg("1", "how do I fix the loader?", "", 0)
	second := msg("2", "where are the deploy docs?", "", 1)
	h.source.add(first)
	h.source.add(second)
	h.responder.result = &services.Result{Answer: &services.Answer{Reply: "Try this.", Helpfulness: 9, ShouldReply: true}}

	var wg sync.WaitGroup
	for _, trigger := range []conversation.Message{first, second} {
		trigger := trigger
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.assistant.HandleMessage(context.Background(), trigger))
		}()
	}
	wg.Wait()

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	replied := make([]string, len(h.sink.sent))
	for i, r := range h.sink.sent {
		replied[i] = r.inReplyTo
	}
	assert.ElementsMatch(t, []string{"1", "2"}, replied)
}

func TestWindowEndingAt(t *testing.T) {
	history := []conversation.Message{
		msg("3", "c", "", 3),
		msg("1", "a", "", 1),
		msg("2", "b", "", 2),
		msg("9", "later", "", 9),
	}
	trigger := msg("5", "question", "", 5)

	assert.Equal(t, []string{"1", "2", "3", "5"}, ids(windowEndingAt(history, trigger, 10)))
	assert.Equal(t, []string{"3", "5"}, ids(windowEndingAt(history, trigger, 2)))
	assert.Equal(t, []string{"5"}, ids(windowEndingAt(history, trigger, 1)))

	withTrigger := append(history, trigger)
	assert.Equal(t, []string{"2", "3", "5"}, ids(windowEndingAt(withTrigger, trigger, 3)))
}

func TestSyncer_RunOnce(t *testing.T) {
	h := newHarness(t)
	h.source.add(msg("1", "root", "", 0))
	h.source.add(msg("2", "reply", "1", 1))
	require.NoError(t, h.store.Docs().UpsertDoc(context.Background(), conversation.Doc{ID: "a.md", FileName: "a.md", Body: "alpha"}))

	other := msg("9", "elsewhere", "", 0)
	other.ChannelID = "C2"
	h.source.add(other)

	pipeline := NewPipeline(h.store, h.embedder, h.embedder)
	syncer := NewSyncer(h.loader, pipeline, []string{"C1", "C2"}, time.Hour)
	syncer.RunOnce(context.Background())

	stats := syncer.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 2, stats["C1"].Fetched)
	assert.Equal(t, 1, stats["C1"].Conversations.Updated)
	assert.Equal(t, 1, stats["C2"].Conversations.Updated)

	_, docCalls := h.embedder.calls()
	assert.Equal(t, 1, docCalls)
}

func TestSyncer_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	syncer := NewSyncer(h.loader, NewPipeline(h.store, h.embedder, h.embedder), nil, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		syncer.Start(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("syncer did not stop")
	}
	syncer.Stop()
	syncer.Stop()
}
