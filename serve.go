package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"threadrecall/internal/conversation"
	"threadrecall/internal/handlers"
	"threadrecall/internal/integrations/slack"
	"threadrecall/internal/jobs"
	"threadrecall/internal/middleware"
	"threadrecall/internal/services"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterMaxIdle         = 10 * time.Minute
)

var _ jobs.ThreadSource = (*slack.Client)(nil)

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateSlack(true); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	slog.Info("Starting threadrecall", "environment", cfg.Environment, "channels", cfg.SlackChannels)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	client, closeCache, err := a.slackClient(ctx, true, true)
	if err != nil {
		return err
	}
	defer closeCache()

	botUserID, err := client.BotUserID(ctx)
	if err != nil {
		return err
	}

	responder := a.retrieval(0)
	policy := a.policy(botUserID)
	loader := a.loader(client)
	assistant := jobs.NewAssistant(client, client, responder, policy, loader, cfg.RecentMessages)

	syncer := jobs.NewSyncer(loader, a.pipeline, cfg.SlackChannels, cfg.SyncInterval)
	go func() {
		syncer.RunOnce(ctx)
		syncer.Start(ctx)
	}()

	go func() {
		err := client.Subscribe(ctx, cfg.SlackChannels, func(ctx context.Context, msg conversation.Message) {
			if err := assistant.HandleMessage(ctx, msg); err != nil {
				slog.Error("Failed to handle message", "message_id", msg.ID, "error", err)
			}
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("Slack subscription ended", "error", err)
			stop()
		}
	}()

	router := newRouter(ctx, a, client, responder, policy)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		slog.Error("Server failed", "error", err)
	}

	slog.Info("Server shutting down...")
	stop()
	syncer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Error("Server forced to shutdown", "error", shutdownErr)
		return shutdownErr
	}

	for channelID, stats := range syncer.Stats() {
		slog.Info("Last channel sync", "channel_id", channelID, "stored", stats.Ingest.Stored, "cost", stats.Cost())
	}
	slog.Info("Server exited gracefully")
	return err
}

func newRouter(ctx context.Context, a *app, client *slack.Client, responder handlers.Responder, policy services.ReplyPolicy) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.MetricsMiddleware)

	apiLimiters := middleware.NewIPLimiters(2, 5)
	go apiLimiters.StartCleanup(ctx, limiterCleanupInterval, limiterMaxIdle)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(apiLimiters.Middleware)
	apiRouter.HandleFunc("/query", handlers.NewQueryHandler(responder, client, policy, cfg.RecentMessages).HandleQuery).Methods(http.MethodPost)

	if cfg.DocsWebhookSecret != "" {
		webhookLimiters := middleware.NewIPLimiters(100, 200)
		go webhookLimiters.StartCleanup(ctx, limiterCleanupInterval, limiterMaxIdle)

		webhookRouter := router.PathPrefix("/webhook").Subrouter()
		webhookRouter.Use(webhookLimiters.Middleware)
		webhookRouter.HandleFunc("/docs", handlers.NewDocsHandler(cfg.DocsWebhookSecret, a.store.Docs(), a.pipeline).HandleWebhook).Methods(http.MethodPost)
	} else {
		slog.Info("DOCS_WEBHOOK_SECRET not set, doc webhook disabled")
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(pingCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}
