package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Syncer runs a full load of every channel plus a doc pass on an interval.
type Syncer struct {
	loader   *ChannelLoader
	pipeline *Pipeline
	channels []string
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	last map[string]LoadStats
}

func NewSyncer(loader *ChannelLoader, pipeline *Pipeline, channels []string, interval time.Duration) *Syncer {
	return &Syncer{
		loader:   loader,
		pipeline: pipeline,
		channels: channels,
		interval: interval,
		done:     make(chan struct{}),
		last:     make(map[string]LoadStats),
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (s *Syncer) Start(ctx context.Context) {
	slog.Info("Starting background sync",
		slog.Int("channels", len(s.channels)),
		slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Background sync stopped due to context cancellation")
			return
		case <-s.done:
			slog.Info("Background sync stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// RunOnce loads every channel and then re-embeds changed docs. A failing
// channel does not stop the others.
func (s *Syncer) RunOnce(ctx context.Context) {
	start := time.Now()

	for _, channelID := range s.channels {
		if ctx.Err() != nil {
			return
		}
		stats, err := s.loader.LoadChannel(ctx, channelID)
		if err != nil {
			slog.Error("Error syncing channel", "channel_id", channelID, "error", err)
			continue
		}
		s.mu.Lock()
		s.last[channelID] = stats
		s.mu.Unlock()
	}

	if _, err := s.pipeline.SyncDocs(ctx); err != nil {
		slog.Error("Error syncing docs", "error", err)
	}

	slog.Info("Completed background sync", slog.Duration("duration", time.Since(start)))
}

// Stats returns the last successful load per channel.
func (s *Syncer) Stats() map[string]LoadStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]LoadStats, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}
