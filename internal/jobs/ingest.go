package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/metrics"
	"threadrecall/internal/storage"

	"golang.org/x/sync/errgroup"
)

const defaultLookback = 15

// ParentResolver infers which message in window msg replies to. It returns
// "" when msg starts a new thread.
type ParentResolver interface {
	ResolveParent(ctx context.Context, window []conversation.Message, msg conversation.Message) (string, float64, error)
}

// IngestStats summarizes one ingestion pass.
type IngestStats struct {
	Processed int     `json:"processed"`
	Stored    int     `json:"stored"`
	Existing  int     `json:"existing"`
	Resolved  int     `json:"resolved"`
	Failed    int     `json:"failed"`
	Cost      float64 `json:"cost"`
}

// Ingestor stores raw messages, inferring missing reply parents.
type Ingestor struct {
	messages    storage.MessageStore
	resolver    ParentResolver
	lookback    int
	concurrency int
	callTimeout time.Duration
	onError     ErrorHandler
}

// NewIngestor builds an Ingestor. A nil resolver disables parent inference.
func NewIngestor(messages storage.MessageStore, resolver ParentResolver, lookback, concurrency int, callTimeout time.Duration) *Ingestor {
	if lookback <= 0 {
		lookback = defaultLookback
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Ingestor{
		messages:    messages,
		resolver:    resolver,
		lookback:    lookback,
		concurrency: concurrency,
		callTimeout: callTimeout,
		onError:     logUnitError,
	}
}

// SetErrorHandler replaces the default logging handler.
func (i *Ingestor) SetErrorHandler(h ErrorHandler) {
	if h != nil {
		i.onError = h
	}
}

// ProcessMessages stores every message not already stored. Messages are
// submitted newest first; each one's look-back window is read from the
// chronological input, not from the store.
func (i *Ingestor) ProcessMessages(ctx context.Context, messages []conversation.Message) IngestStats {
	snapshot := append([]conversation.Message(nil), messages...)
	conversation.SortMessages(snapshot)

	var (
		mu    sync.Mutex
		stats IngestStats
		g     errgroup.Group
	)
	g.SetLimit(i.concurrency)

	for idx := len(snapshot) - 1; idx >= 0; idx-- {
		idx := idx
		g.Go(func() error {
			result, cost, err := i.processMessage(ctx, snapshot, idx)
			if err != nil {
				i.onError("message", snapshot[idx].ID, err)
			}
			metrics.SlackMessagesIngested.WithLabelValues(snapshot[idx].ChannelID, result).Inc()

			mu.Lock()
			defer mu.Unlock()
			stats.Processed++
			stats.Cost += cost
			switch result {
			case "stored":
				stats.Stored++
			case "resolved":
				stats.Stored++
				stats.Resolved++
			case "existing":
				stats.Existing++
			default:
				stats.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("Ingested messages",
		"processed", stats.Processed,
		"stored", stats.Stored,
		"existing", stats.Existing,
		"resolved", stats.Resolved,
		"failed", stats.Failed,
		"cost", stats.Cost)

	return stats
}

func (i *Ingestor) processMessage(ctx context.Context, snapshot []conversation.Message, idx int) (string, float64, error) {
	msg := snapshot[idx]

	exists, err := i.messages.MessageExists(ctx, msg.ID)
	if err != nil {
		return "failed", 0, fmt.Errorf("failed to check message: %w", err)
	}
	if exists {
		return "existing", 0, nil
	}

	if err := i.messages.UpsertUser(ctx, msg.Author); err != nil {
		return "failed", 0, fmt.Errorf("failed to store user: %w", err)
	}

	result := "stored"
	var cost float64
	if msg.ReplyTo == "" && i.resolver != nil {
		window := snapshot[max(0, idx-i.lookback):idx]

		callCtx, cancel := context.WithTimeout(ctx, i.callTimeout)
		parent, c, err := i.resolver.ResolveParent(callCtx, window, msg)
		cancel()
		cost = c
		if err != nil {
			return "failed", cost, err
		}
		if parent != "" {
			msg.ReplyTo = parent
			result = "resolved"
		}
	}

	if err := i.messages.UpsertMessage(ctx, msg); err != nil {
		return "failed", cost, fmt.Errorf("failed to store message: %w", err)
	}

	return result, cost, nil
}
