package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matterbot/internal/config"
	"matterbot/internal/convo"
	"matterbot/internal/cursor"
	"matterbot/internal/gateway"
	"matterbot/internal/history"
	"matterbot/internal/ingest"
	"matterbot/internal/metrics"
	"matterbot/internal/provider"
	"matterbot/internal/queue"
	"matterbot/internal/worker"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = newLogger("info")

	root := &cobra.Command{
		Use:     "matterbot",
		Short:   "matterbot: Mattermost bridge to a local Ollama model",
		Long:    "matterbot watches Mattermost channels and answers mentions and DMs through a local inference endpoint.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.matterbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(historyCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start polling channels and replying",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(cfg.General.LogLevel)

	if cfg.Chat.URL == "" || cfg.Chat.Token == "" || cfg.Chat.Team == "" {
		return fmt.Errorf("chat.url, chat.token and chat.team must be set in %s", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := gateway.NewMattermost(gateway.Config{
		URL:     cfg.Chat.URL,
		Token:   cfg.Chat.Token,
		Team:    cfg.Chat.Team,
		Timeout: time.Duration(cfg.Chat.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})
	if err := gw.Login(ctx); err != nil {
		return fmt.Errorf("mattermost login: %w", err)
	}

	llm := provider.NewOllama(provider.OllamaConfig{
		APIBase: cfg.Inference.APIBase,
		Model:   cfg.Inference.Model,
		Timeout: time.Duration(cfg.Inference.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})
	if err := llm.Healthy(ctx); err != nil {
		logger.Warn("inference backend unhealthy at startup", "err", err)
	}

	// Everything older than this instant is history the bot never answers.
	boot := time.Now().UnixMilli()

	q := queue.New()
	pollCur := cursor.NewMap()
	dedupCur := cursor.NewMap()
	contexts := convo.NewStore(
		time.Duration(cfg.Context.ExpirationSeconds)*time.Second,
		cfg.Context.Enabled,
	)
	stats := metrics.NewPipeline()

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.DBPath, logger)
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
		defer hist.Close()
	}

	poller := ingest.New(ingest.Config{
		Gateway:  gw,
		Queue:    q,
		Poll:     pollCur,
		Dedup:    dedupCur,
		BootTime: boot,
		Interval: time.Duration(cfg.General.PollIntervalSeconds) * time.Second,
		Logger:   logger,
		Stats:    stats,
	})
	replier := worker.New(worker.Config{
		Gateway:  gw,
		LLM:      llm,
		Queue:    q,
		Contexts: contexts,
		Dedup:    dedupCur,
		History:  hist,
		Logger:   logger,
		Stats:    stats,
	})

	go poller.Run(ctx)
	go replier.Run(ctx)

	if cfg.Metrics.Enabled {
		stats.Registry.GaugeFunc("matterbot_queue_depth", "Events waiting for the reply worker",
			func() int64 { return int64(q.Len()) })
		startMetricsServer(ctx, cfg.Metrics, stats.Registry)
	}

	logger.Info("matterbot started",
		"bot", gw.BotUser().Username,
		"team", cfg.Chat.Team,
		"model", cfg.Inference.Model,
		"context_tracking", cfg.Context.Enabled,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, reg.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("metrics listening", "addr", cfg.Addr, "endpoint", cfg.Endpoint)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check chat and inference connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gw := gateway.NewMattermost(gateway.Config{
				URL:     cfg.Chat.URL,
				Token:   cfg.Chat.Token,
				Team:    cfg.Chat.Team,
				Timeout: time.Duration(cfg.Chat.TimeoutSeconds) * time.Second,
				Logger:  logger,
			})
			if err := gw.Login(ctx); err != nil {
				logger.Error("chat", "healthy", false, "err", err)
			} else {
				logger.Info("chat", "healthy", true, "bot", gw.BotUser().Username)
			}

			llm := provider.NewOllama(provider.OllamaConfig{
				APIBase: cfg.Inference.APIBase,
				Model:   cfg.Inference.Model,
				Timeout: time.Duration(cfg.Inference.TimeoutSeconds) * time.Second,
				Logger:  logger,
			})
			if err := llm.Healthy(ctx); err != nil {
				logger.Error("inference", "healthy", false, "err", err)
			} else {
				logger.Info("inference", "healthy", true, "model", cfg.Inference.Model)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the loaded config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent replies from the transcript store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("history is disabled in config")
			}

			store, err := history.Open(cfg.History.DBPath, logger)
			if err != nil {
				return fmt.Errorf("history store: %w", err)
			}
			defer store.Close()

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  channel=%s user=%s latency=%dms\n  > %s\n  < %s\n",
					e.CreatedAt.Format(time.RFC3339), e.ChannelID, e.UserID, e.LatencyMs, e.Prompt, e.Reply)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}
