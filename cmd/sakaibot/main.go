package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Sina-Amare/SakaiBot-sub002/internal/ai"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/command"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/config"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/dispatch"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/domain"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/history"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/metrics"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/session"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/speech"
	"github.com/Sina-Amare/SakaiBot-sub002/internal/telegram"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	_ = godotenv.Load()
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	command.SetVersion(version)

	root := &cobra.Command{
		Use:   "sakaibot",
		Short: "SakaiBot: personal Telegram assistant",
		Long:  "SakaiBot answers your Telegram chats with an AI response engine, transcribes voice notes, and handles inline commands.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.sakaibot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

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

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sakaibot", version)
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot (Telegram gateway + dispatch loop)",
		Long:  "Connects to Telegram and processes incoming messages until interrupted.",
		RunE:  runGateway,
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the bot on stdin (no Telegram)",
		RunE:  runChat,
	}
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.General.LogLevel)}))
	slog.SetDefault(logger)
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildEngine assembles the AI provider chain in configured failover order.
func buildEngine(cfg *config.Config) (*ai.Engine, error) {
	var providers []domain.Completer
	for _, name := range cfg.AI.Order {
		switch name {
		case "openai":
			providers = append(providers, ai.NewOpenAI(ai.OpenAIConfig{
				APIKey:  cfg.AI.OpenAI.APIKey,
				APIBase: cfg.AI.OpenAI.APIBase,
				Model:   cfg.AI.OpenAI.Model,
				Logger:  logger,
			}))
		case "anthropic":
			providers = append(providers, ai.NewAnthropic(ai.AnthropicConfig{
				APIKey: cfg.AI.Anthropic.APIKey,
				Model:  cfg.AI.Anthropic.Model,
				Logger: logger,
			}))
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no AI providers configured (ai.order is empty)")
	}
	return ai.New(ai.Config{
		Providers: providers,
		Options: domain.CompleteOptions{
			MaxTokens:    cfg.AI.MaxTokens,
			Temperature:  cfg.AI.Temperature,
			SystemPrompt: cfg.AI.SystemPrompt,
		},
		MaxAttempts:   cfg.AI.MaxAttempts,
		BackoffBase:   cfg.AI.BackoffBase.Std(),
		ContextBudget: cfg.AI.ContextBudget,
		CallTimeout:   cfg.AI.CallTimeout.Std(),
		Logger:        logger,
	}), nil
}

// buildSpeech assembles the transcription chain. A provider that fails to
// initialize is skipped with a warning so the rest of the chain still works.
// The returned closer releases local model resources.
func buildSpeech(cfg *config.Config) (*speech.Gateway, func()) {
	var transcribers []domain.Transcriber
	var closers []func()
	for _, name := range cfg.Transcription.Order {
		switch name {
		case "whisper-api":
			transcribers = append(transcribers, speech.NewWhisperAPI(speech.WhisperAPIConfig{
				APIKey:   cfg.Transcription.WhisperAPI.APIKey,
				APIBase:  cfg.Transcription.WhisperAPI.APIBase,
				Model:    cfg.Transcription.WhisperAPI.Model,
				Language: cfg.Transcription.WhisperAPI.Language,
				Logger:   logger,
			}))
		case "whisper-local":
			local, err := speech.NewWhisperLocal(speech.WhisperLocalConfig{
				ModelPath: cfg.Transcription.WhisperLocal.ModelPath,
				Language:  cfg.Transcription.WhisperLocal.Language,
				Logger:    logger,
			})
			if err != nil {
				logger.Warn("whisper-local unavailable, skipping", "err", err)
				continue
			}
			transcribers = append(transcribers, local)
			closers = append(closers, func() { _ = local.Close() })
		}
	}
	gw := speech.NewGateway(speech.GatewayConfig{
		Providers:   transcribers,
		CallTimeout: cfg.Transcription.CallTimeout.Std(),
		Logger:      logger,
	})
	return gw, func() {
		for _, c := range closers {
			c()
		}
	}
}

// buildLoop wires the full pipeline shared by the Telegram gateway and the
// stdin chat. The caller owns the returned store (may be nil).
func buildLoop(ctx context.Context, cfg *config.Config, client domain.ChatClient) (*dispatch.Loop, *session.Manager, *history.Store, func(), error) {
	engine, err := buildEngine(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	registry := command.NewRegistry()
	if err := command.RegisterBuiltins(registry); err != nil {
		return nil, nil, nil, nil, err
	}
	prefix := []rune(cfg.General.CommandPrefix)[0]
	router := command.NewRouter(prefix, registry, engine, logger)

	gw, closeSpeech := buildSpeech(cfg)

	sessions := session.NewManager(cfg.Session.HistoryCap, cfg.Session.IdleTTL.Std(), logger)
	go sessions.Run(ctx)

	var store *history.Store
	var archive dispatch.Archive
	if cfg.History.Enabled {
		store, err = history.NewStore(cfg.History.DBPath, logger)
		if err != nil {
			closeSpeech()
			return nil, nil, nil, nil, fmt.Errorf("history store: %w", err)
		}
		archive = store
		if cfg.History.RetentionDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -cfg.History.RetentionDays)
			if n, err := store.Prune(ctx, cutoff); err != nil {
				logger.Warn("history prune failed", "err", err)
			} else if n > 0 {
				logger.Info("pruned old history", "rows", n)
			}
		}
	}

	loop := dispatch.New(dispatch.Config{
		Client:       client,
		Sessions:     sessions,
		Router:       router,
		Speech:       gw,
		Archive:      archive,
		ChainRetries: cfg.Transcription.ChainRetries,
		BackoffBase:  cfg.Transcription.BackoffBase.Std(),
		Logger:       logger,
	})
	return loop, sessions, store, closeSpeech, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tg := telegram.New(telegram.Config{
		Token:     cfg.Telegram.Token,
		AllowFrom: cfg.Telegram.AllowFrom,
		ParseMode: cfg.Telegram.ParseMode,
		Logger:    logger,
	})

	loop, _, store, closeSpeech, err := buildLoop(ctx, cfg, tg)
	if err != nil {
		return err
	}
	defer closeSpeech()
	if store != nil {
		defer store.Close()
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Collector.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "err", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	logger.Info("sakaibot started. Press Ctrl+C to stop.", "version", version)
	return tg.Run(ctx, loop.OnEvent)
}

// runChat drives the same pipeline from stdin, printing replies to stdout.
func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &stdoutClient{out: os.Stdout}
	loop, _, store, closeSpeech, err := buildLoop(ctx, cfg, client)
	if err != nil {
		return err
	}
	defer closeSpeech()
	if store != nil {
		defer store.Close()
	}

	fmt.Println("sakaibot chat. Type a message, Ctrl+D to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		loop.OnEvent(ctx, domain.InboundEvent{
			ID:             uuid.NewString(),
			ConversationID: "cli",
			SenderID:       "cli",
			Timestamp:      time.Now(),
			Text:           text,
		})
		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

type stdoutClient struct {
	out io.Writer
}

func (c *stdoutClient) Send(ctx context.Context, conversationID, text string) error {
	_, err := fmt.Fprintln(c.out, text)
	return err
}
