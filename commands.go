package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"threadrecall/internal/config"
	"threadrecall/internal/conversation"
	"threadrecall/internal/handlers"
	"threadrecall/internal/jobs"
	"threadrecall/internal/logging"

	"github.com/spf13/cobra"
)

var (
	cfg *config.Config

	noCache      bool
	queryChannel string
	queryK       int

	rootCmd = &cobra.Command{
		Use:           "threadrecall",
		Short:         "Answers chat questions from how similar ones were answered before",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			logging.SetupLogger(cfg.LogLevel, cfg.LogFormat)
			return cfg.Validate()
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Watch the configured channels, answer questions and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	loadMessagesCmd = &cobra.Command{
		Use:   "load-messages",
		Short: "Fetch every configured channel, store new messages and re-embed changed conversations",
		Args:  cobra.NoArgs,
		RunE:  runLoadMessages,
	}

	loadDocsCmd = &cobra.Command{
		Use:   "load-docs [directory]",
		Short: "Store the markdown files under a directory and re-embed changed docs",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoadDocs,
	}

	queryCmd = &cobra.Command{
		Use:   "query [question]",
		Short: "Answer a question from past conversations and docs",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQuery,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
)

func init() {
	loadMessagesCmd.Flags().BoolVar(&noCache, "no-cache", false, "ignore the local message cache and fetch full history")
	queryCmd.Flags().StringVarP(&queryChannel, "channel", "c", "", "use the recent messages of this channel as context")
	queryCmd.Flags().IntVarP(&queryK, "top-k", "k", 0, "number of similar conversations to retrieve (default CONVERSATION_K)")

	rootCmd.AddCommand(serveCmd, loadMessagesCmd, loadDocsCmd, queryCmd, migrateCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runLoadMessages(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateSlack(false); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	client, closeCache, err := a.slackClient(ctx, !noCache, false)
	if err != nil {
		return err
	}
	defer closeCache()

	loader := a.loader(client)
	var (
		all    []jobs.LoadStats
		failed int
	)
	for _, channelID := range cfg.SlackChannels {
		stats, err := loader.LoadChannel(ctx, channelID)
		if err != nil {
			slog.Error("Failed to load channel", "channel_id", channelID, "error", err)
			failed++
			continue
		}
		all = append(all, stats)
	}

	if err := printJSON(cmd.OutOrStdout(), loadReport(all)); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("failed to load %d of %d channels", failed, len(cfg.SlackChannels))
	}
	return nil
}

type channelReport struct {
	Channels  []jobs.LoadStats `json:"channels"`
	TotalCost float64          `json:"total_cost"`
}

func loadReport(all []jobs.LoadStats) channelReport {
	report := channelReport{Channels: all}
	for _, s := range all {
		report.TotalCost += s.Cost()
	}
	return report
}

func runLoadDocs(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	docs, err := readDocs(args[0])
	if err != nil {
		return err
	}
	slog.Info("Read docs", "dir", args[0], "docs", len(docs))

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, doc := range docs {
		if err := a.store.Docs().UpsertDoc(ctx, doc); err != nil {
			return fmt.Errorf("failed to store doc %s: %w", doc.ID, err)
		}
	}

	stats, err := a.pipeline.SyncDocs(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), stats)
}

// readDocs loads every .md and .mdx file under dir. Doc ids are the
// slash-separated paths relative to dir.
func readDocs(dir string) ([]conversation.Doc, error) {
	var docs []conversation.Doc
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".mdx":
		default:
			return nil
		}

		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if strings.TrimSpace(string(body)) == "" {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		docs = append(docs, conversation.Doc{
			ID:       filepath.ToSlash(rel),
			FileName: d.Name(),
			Body:     string(body),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return docs, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	botUserID := cfg.BotUserID
	var recent []conversation.Message
	if queryChannel != "" {
		if cfg.SlackBotToken == "" {
			return fmt.Errorf("%w: SLACK_BOT_TOKEN is required with --channel", config.ErrInvalidConfig)
		}
		client, closeCache, err := a.slackClient(ctx, false, false)
		if err != nil {
			return err
		}
		defer closeCache()

		recent, err = client.FetchRecent(ctx, queryChannel, cfg.RecentMessages)
		if err != nil {
			return err
		}
		botUserID, _ = client.BotUserID(ctx)
	}

	resp, err := handlers.Ask(ctx, a.retrieval(queryK), a.policy(botUserID), recent, strings.Join(args, " "), queryChannel)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("Database schema is up to date")
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
