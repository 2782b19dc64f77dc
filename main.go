package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/config"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/handlers"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/memory"
	"github.com/Perceptus-Labs/perceptus-vrc-agent/utils"
	"github.com/lpernett/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string
	dryRun     bool
	live       bool
	once       bool
	preset     string
	feedAddr   string
)

// Load environment variables from .env file
func init() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Error loading .env file:", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "perceptus-vrc-agent",
	Short: "Autonomous VRChat agent: perceive, decide, act",
	Long: `Runs the agent loop against a live VRChat client.

The screen and microphone are observed, an OpenAI-compatible model plans the
next intent, and actions are delivered over OSC. An idle loop keeps the avatar
moving between plans. Status events are streamed on a websocket feed.`,
	SilenceUsage: true,
	RunE:         runAgent,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run preflight checks for OSC, capture and the API",
	RunE:  runCheck,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the YAML config (created from the example if missing)")
	rootCmd.PersistentFlags().StringVar(&preset, "preset", "", fmt.Sprintf("Runtime preset for this run %v", config.Presets))
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log actions and speech instead of executing them")
	rootCmd.Flags().BoolVar(&live, "live", false, "Execute actions even if the config sets dry_run")
	rootCmd.Flags().BoolVar(&once, "once", false, "Run a single cycle and exit")
	rootCmd.Flags().StringVar(&feedAddr, "feed-addr", "", "Status feed listen address (overrides feed.addr)")
	rootCmd.AddCommand(checkCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig also reports whether the config file was just created, so the
// caller can log it once a logger exists.
func loadConfig() (*config.Config, bool, error) {
	created, err := config.Bootstrap(configPath)
	if err != nil {
		return nil, false, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, created, err
	}
	if err := cfg.ApplyPreset(preset); err != nil {
		return nil, created, err
	}
	return cfg, created, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, created, err := loadConfig()
	if err != nil {
		return err
	}
	if dryRun {
		cfg.Runtime.DryRun = true
	} else if live {
		cfg.Runtime.DryRun = false
	}
	if feedAddr != "" {
		cfg.Feed.Addr = feedAddr
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	if created {
		logger.Info("Created config from example", zap.String("path", configPath))
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openaiClient := utils.NewOpenAIClient(cfg, logger)

	store, err := newMemoryStore(ctx, cfg, openaiClient, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	hub := handlers.NewFeedHub(logger)
	defer hub.Close()

	var audio *handlers.AudioHandler
	if cfg.Audio.Enabled {
		audio, err = handlers.InitAudioHandler(ctx, cfg.Audio, hub, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize audio handler: %w", err)
		}
		defer audio.Close()
	}
	video := handlers.InitVideoHandler(cfg, openaiClient, logger)

	var heard handlers.HeardSource
	if audio != nil {
		heard = audio
	}
	session := handlers.NewAgentSession(cfg, handlers.SessionDeps{
		Perceiver: handlers.NewPerception(video, heard, logger),
		Oracle:    openaiClient,
		Actuator:  utils.NewOSCActuator(cfg.Chat, logger),
		Speaker:   utils.NewExecSpeaker(cfg.Speech.Command, logger),
		Memory:    store,
		Publisher: hub,
		Target:    fmt.Sprintf("%s:%d", cfg.Chat.OSCHost, cfg.Chat.OSCPort),
	}, logger)
	defer session.Close()

	if once {
		summary, err := session.Tick(ctx)
		if err != nil {
			return err
		}
		logger.Info("Single cycle finished", zap.Any("summary", summary))
		return nil
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	hub.Bind(session, cancelRun)

	g, gctx := errgroup.WithContext(runCtx)
	if cfg.Feed.Addr != "" {
		server := &http.Server{Addr: cfg.Feed.Addr, Handler: feedMux(hub)}
		g.Go(func() error {
			logger.Info("Starting status feed", zap.String("addr", cfg.Feed.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("feed server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		session.Start()
		err := session.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = g.Wait()
	logger.Info("Agent shut down", zap.Error(err))
	return err
}

func feedMux(hub *handlers.FeedHub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/feed", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func newMemoryStore(ctx context.Context, cfg *config.Config, embedder memory.Embedder, logger *zap.Logger) (memory.Store, error) {
	if !cfg.Memory.Enabled {
		return nil, nil
	}
	switch cfg.Memory.Backend {
	case "redis":
		redisClient, err := connectRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return memory.NewRedisStore(redisClient, cfg.Memory.RedisKey, cfg.Memory.MaxRecords, logger), nil
	case "pinecone":
		idx, err := utils.NewPineconeIndex(ctx, cfg.Memory)
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to Pinecone", zap.String("index", cfg.Memory.PineconeIndex))

		var ids memory.IDLog
		if cfg.Redis.Addr != "" {
			redisClient, err := connectRedis(ctx, cfg.Redis, logger)
			if err != nil {
				idx.Close()
				return nil, err
			}
			ids = memory.NewRedisIDLog(redisClient, cfg.Memory.RedisKey+":vector_ids")
		} else {
			logger.Warn("No Redis configured, vectors from earlier runs will not be evicted")
			ids = memory.NewMemoryIDLog()
		}
		return memory.NewVectorStore(idx, embedder, ids, cfg.Memory.MaxRecords, logger), nil
	default:
		return memory.NewFileStore(cfg.Memory.FilePath, cfg.Memory.MaxRecords, logger)
	}
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          0,
		DialTimeout: 20 * time.Second,
	})
	redisCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := redisClient.Ping(redisCtx).Result(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("Successfully connected to Redis", zap.String("addr", cfg.Addr))
	return redisClient, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, created, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if created {
		logger.Info("Created config from example", zap.String("path", configPath))
	}

	results := utils.Preflight(cmd.Context(), cfg, utils.NewOpenAIClient(cfg, logger))
	out := cmd.OutOrStdout()
	for _, r := range results {
		line := fmt.Sprintf("[preflight] %-8s %-6s %s", r.Name, r.Status, r.Detail)
		if r.Suggestion != "" {
			line += " | hint: " + r.Suggestion
		}
		fmt.Fprintln(out, line)
	}
	worst := utils.Worst(results)
	fmt.Fprintln(out, "[preflight] summary", worst)
	if worst == utils.StatusRed {
		return fmt.Errorf("preflight failed")
	}
	return nil
}
