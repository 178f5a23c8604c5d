package jobs

import (
	"context"
	"fmt"
	"sync"

	"threadrecall/internal/conversation"
)

// MessageSource reads channel history from the chat platform.
type MessageSource interface {
	FetchRecent(ctx context.Context, channelID string, limit int) ([]conversation.Message, error)
	FetchAll(ctx context.Context, channelID string) ([]conversation.Message, error)
}

// LoadStats reports one channel load.
type LoadStats struct {
	ChannelID     string      `json:"channel_id"`
	Fetched       int         `json:"fetched"`
	Ingest        IngestStats `json:"ingest"`
	Conversations Stats       `json:"conversations"`
}

// Cost is the total model spend of the load.
func (s LoadStats) Cost() float64 {
	return s.Ingest.Cost + s.Conversations.Cost
}

// ChannelLoader fetches a channel, stores new messages and re-embeds the
// conversations that changed. Loads of the same channel are serialized.
type ChannelLoader struct {
	source   MessageSource
	ingestor *Ingestor
	pipeline *Pipeline

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewChannelLoader(source MessageSource, ingestor *Ingestor, pipeline *Pipeline) *ChannelLoader {
	return &ChannelLoader{
		source:   source,
		ingestor: ingestor,
		pipeline: pipeline,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (l *ChannelLoader) LoadChannel(ctx context.Context, channelID string) (LoadStats, error) {
	lock := l.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	stats := LoadStats{ChannelID: channelID}

	messages, err := l.source.FetchAll(ctx, channelID)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch channel %s: %w", channelID, err)
	}
	stats.Fetched = len(messages)

	stats.Ingest = l.ingestor.ProcessMessages(ctx, messages)

	stats.Conversations, err = l.pipeline.SyncConversations(ctx, channelID)
	if err != nil {
		return stats, err
	}

	return stats, nil
}

func (l *ChannelLoader) channelLock(channelID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[channelID] = lock
	}
	return lock
}
