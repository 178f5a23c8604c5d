package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"threadrecall/internal/config"
	"threadrecall/internal/integrations/slack"
	"threadrecall/internal/jobs"
	"threadrecall/internal/services"
	"threadrecall/internal/storage/postgres"
)

const (
	connectAttempts = 5
	connectBackoff  = 5 * time.Second
)

// app holds the services shared by every command.
type app struct {
	cfg        *config.Config
	store      *postgres.Store
	embeddings *services.EmbeddingService
	queries    *services.QueryService
	generator  *services.GenerationService
	parents    *services.ParentResolver
	pipeline   *jobs.Pipeline
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := connectWithRetry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pricing := services.Pricing{
		PromptPer1K:     cfg.PromptCostPer1K,
		CompletionPer1K: cfg.CompletionCostPer1K,
	}
	client := services.NewOpenAIClient(cfg.OpenAIAPIKey)

	a := &app{cfg: cfg, store: store}
	a.embeddings = services.NewEmbeddingService(client, cfg.EmbeddingModel, cfg.EmbeddingDimensions, pricing, cfg.CallTimeout)
	a.queries = services.NewQueryService(client, a.embeddings, cfg.ChatModel, pricing, cfg.CallTimeout)
	a.generator = services.NewGenerationService(client, cfg.ChatModel, pricing, cfg.CallTimeout)
	if cfg.ResolveParents {
		a.parents = services.NewParentResolver(client, cfg.ChatModel, pricing, cfg.CallTimeout)
	}
	a.pipeline = jobs.NewPipeline(store, a.embeddings, a.embeddings,
		jobs.WithConcurrency(cfg.PipelineConcurrency),
		jobs.WithCallTimeout(cfg.CallTimeout))

	return a, nil
}

// connectWithRetry opens the store and makes sure the schema exists.
func connectWithRetry(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		store, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.EmbeddingDimensions)
		if err == nil {
			if err = store.InitSchema(ctx); err == nil {
				return store, nil
			}
			store.Close()
		}
		lastErr = err

		slog.Error("Failed to connect to database, retrying",
			"attempt", attempt,
			"backoff", connectBackoff,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", connectAttempts, lastErr)
}

func (a *app) retrieval(conversationK int) *services.RetrievalEngine {
	if conversationK <= 0 {
		conversationK = a.cfg.ConversationK
	}
	return services.NewRetrievalEngine(a.store, a.queries, a.generator, conversationK, a.cfg.DocK)
}

func (a *app) policy(botUserID string) services.ReplyPolicy {
	return services.ReplyPolicy{
		MinHelpfulness: float64(a.cfg.MinHelpfulness),
		BotUserID:      botUserID,
	}
}

func (a *app) loader(source jobs.MessageSource) *jobs.ChannelLoader {
	var resolver jobs.ParentResolver
	if a.parents != nil {
		resolver = a.parents
	}
	ingestor := jobs.NewIngestor(a.store.Messages(), resolver, a.cfg.ParentLookback, a.cfg.PipelineConcurrency, a.cfg.CallTimeout)
	return jobs.NewChannelLoader(source, ingestor, a.pipeline)
}

// slackClient connects to Slack. The returned func closes the prefetch
// cache.
func (a *app) slackClient(ctx context.Context, useCache, socket bool) (*slack.Client, func(), error) {
	opts := []slack.Option{slack.WithBotUserID(a.cfg.BotUserID), slack.WithHandlerLimit(a.cfg.MessageHandlers)}
	closeCache := func() {}
	if useCache {
		cache, err := slack.OpenMessageCache(a.cfg.CacheDir)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, slack.WithCache(cache))
		closeCache = func() {
			if err := cache.Close(); err != nil {
				slog.Warn("Failed to close message cache", "error", err)
			}
		}
	}

	appToken := ""
	if socket {
		appToken = a.cfg.SlackAppToken
	}
	client := slack.New(a.cfg.SlackBotToken, appToken, opts...)

	if _, err := client.BotUserID(ctx); err != nil {
		closeCache()
		return nil, nil, err
	}

	return client, closeCache, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}
