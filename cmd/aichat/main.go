// ABOUTME: Entry point for aichat
// ABOUTME: Wires storage, the LLM backend, the pipeline, schedulers, and the Matrix transport

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/glacierbingchuan-ai/aichat/internal/classifier"
	"github.com/glacierbingchuan-ai/aichat/internal/config"
	"github.com/glacierbingchuan-ai/aichat/internal/conversation"
	"github.com/glacierbingchuan-ai/aichat/internal/dedupe"
	"github.com/glacierbingchuan-ai/aichat/internal/events"
	"github.com/glacierbingchuan-ai/aichat/internal/fusion"
	"github.com/glacierbingchuan-ai/aichat/internal/llm"
	"github.com/glacierbingchuan-ai/aichat/internal/plugin"
	"github.com/glacierbingchuan-ai/aichat/internal/reply"
	"github.com/glacierbingchuan-ai/aichat/internal/scheduler"
	"github.com/glacierbingchuan-ai/aichat/internal/store"
	"github.com/glacierbingchuan-ai/aichat/internal/transport/matrix"
)

const banner = `
    ╭──────────────────────────────╮
    │                              │
    │   ┏━┓╻┏━╸╻ ╻┏━┓╺┳╸           │
    │   ┣━┫┃┃  ┣━┫┣━┫ ┃            │
    │   ╹ ╹╹┗━╸╹ ╹╹ ╹ ╹            │
    │                              │
    │   conversational companion   │
    │                              │
    ╰──────────────────────────────╯
`

// getConfigPath returns the path to the config file.
// Priority: AICHAT_CONFIG env var > XDG_CONFIG_HOME/aichat/config.yaml > ~/.config/aichat/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AICHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "aichat", "config.yaml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Model:      %s\n", cfg.LLM.Model)
	green.Print("    ▶ ")
	fmt.Printf("Database:   %s\n", cfg.Database.Path)
	fmt.Println()

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer loadCancel()
	turns, err := st.LoadTurns(loadCtx)
	if err != nil {
		return fmt.Errorf("restoring conversation: %w", err)
	}
	restoredEvents, err := st.LoadScheduledEvents(loadCtx)
	if err != nil {
		return fmt.Errorf("restoring scheduled events: %w", err)
	}
	logger.Info("state restored", "turns", len(turns), "events", len(restoredEvents))

	llmClient := llm.NewHTTPClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout, logger)

	broadcaster := conversation.NewBroadcaster(logger)
	counters := &conversation.Counters{}
	history := conversation.NewHistory(st, turns, cfg.Chat.SystemPrompt, func() {
		broadcaster.Publish(conversation.StatusEvent{Type: conversation.StatusContextCleared})
	}, logger)
	summarizer := conversation.NewSummarizer(history, llmClient, logger)
	eventStore := events.NewStore(st, restoredEvents, func() {
		broadcaster.Publish(conversation.StatusEvent{Type: conversation.StatusEventsUpdated})
	}, logger)
	hooks := plugin.NewRegistry(logger)
	draftClassifier := classifier.New(llmClient, logger)

	mxClient, err := matrix.NewClient(cfg.Matrix, logger)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	gen := reply.NewGenerator(history, summarizer, eventStore, llmClient, hooks, mxClient,
		st, broadcaster, counters, reply.Config{
			RetryLimit:   cfg.Chat.ReplyRetryLimit,
			DefaultDelay: cfg.Chat.DefaultMessageDelay,
			RoundBudget:  cfg.Chat.SummarizeAfter,
			Temperature:  cfg.LLM.Temperature,
			MaxTokens:    cfg.LLM.MaxTokens,
		}, logger)

	seen := dedupe.NewSeenSet(cfg.Chat.DedupeTTL, cfg.Chat.DedupeCapacity)
	defer seen.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline := fusion.NewController(ctx, seen, draftClassifier, history, hooks, gen,
		mxClient, st, broadcaster, counters, fusion.Config{
			ClassifierEnabled: cfg.Chat.ClassifierOn(),
			IncompleteTimeout: cfg.Chat.IncompleteTimeout,
			UncertainWindow:   cfg.Chat.UncertainWindow,
			UncertainPoll:     cfg.Chat.UncertainPollInterval,
		}, logger)

	if err := hooks.Load(ctx); err != nil {
		return fmt.Errorf("loading plugins: %w", err)
	}
	defer hooks.StopAll()

	go scheduler.NewProactive(pipeline, eventStore, counters, cfg.Proactive, logger).Run(ctx)
	go scheduler.NewReminder(pipeline, eventStore, cfg.Reminder, logger).Run(ctx)

	logger.Info("starting aichat")
	return mxClient.Run(ctx, pipeline)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var logLevel slog.Level
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
