package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"iogrid/internal/api"
	"iogrid/internal/config"
	"iogrid/internal/game"
	"iogrid/internal/ipc"
	"iogrid/internal/pubsub"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML or YAML config file")
	flag.Parse()

	if err := godotenv.Load(".env"); err != nil {
		log.Println("no .env file found, using environment variables only")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, local, err := newBroker(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("broker unavailable", zap.Error(err))
	}

	wc := game.NewWorldContext(cfg, broker, logger)
	wc.Metrics = api.PromMetrics{}

	if path := os.Getenv("EVENT_LOG_PATH"); path != "" {
		events := game.NewEventLog()
		if err := events.Start(path); err != nil {
			logger.Warn("event log disabled", zap.Error(err))
		} else {
			wc.Events = events
			api.RegisterEventLog(events)
			defer events.Stop()
			logger.Info("event log started", zap.String("path", path))
		}
	}

	worlds := make([]*game.World, 0, len(local))
	for _, id := range local {
		w, err := game.NewWorld(wc, id, time.Now().UnixNano()+int64(id))
		if err != nil {
			logger.Fatal("create world", zap.Int("worker", id), zap.Error(err))
		}
		worlds = append(worlds, w)
	}

	bots := cfg.Bot.Count / cfg.Worker.Count
	now := time.Now()
	for i, w := range worlds {
		spawner := game.NewBotSpawner(w.States(), cfg.Bot, wc.Grid.WorldBounds(), now.UnixNano()+int64(i))
		spawner.SpawnN(bots, now)
	}

	var wg sync.WaitGroup
	for _, w := range worlds {
		wg.Add(1)
		go func(w *game.World) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				// A broken world cannot recover; take the process down.
				stop()
			}
		}(w)
	}

	logger.Info("world workers running",
		zap.Ints("workers", local),
		zap.Int("cells", cfg.World.CellCount()),
		zap.Int("bots_per_worker", bots),
		zap.String("broker", cfg.Broker.Mode),
	)

	debugCfg := api.DefaultObservabilityConfig()
	debugCfg.Enabled = cfg.Debug.Enabled
	debugCfg.ListenAddr = cfg.Debug.Addr
	debugCfg.BasicAuthUser = os.Getenv("DEBUG_USER")
	debugCfg.BasicAuthPass = os.Getenv("DEBUG_PASS")
	debugServer := api.StartDebugServer(debugCfg, logger)

	server := api.NewServer(api.RouterConfig{
		Worlds:      api.NewWorldSet(worlds, cfg.Server.MaxPlayers),
		Broker:      broker,
		Logger:      logger,
		CORSOrigins: cfg.Server.AllowedOrigins,
		Gateway: api.GatewayConfig{
			ActionsPerSecond: cfg.Server.ActionsPerSecond,
			ActionBurst:      cfg.Server.ActionBurst,
		},
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(":" + strconv.Itoa(cfg.Server.Port))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error("api server failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	if debugServer != nil {
		debugServer.Shutdown(shutdownCtx)
	}

	wg.Wait()
	for _, w := range worlds {
		w.Close()
	}
	if err := broker.Close(); err != nil {
		logger.Warn("broker close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newBroker returns the pub/sub fabric and the worker ids this process
// runs. Memory mode hosts every worker; ipc mode hosts Worker.ID only.
func newBroker(ctx context.Context, cfg config.Config, logger *zap.Logger) (pubsub.Broker, []int, error) {
	if cfg.Broker.Mode == "memory" {
		ids := make([]int, cfg.Worker.Count)
		for i := range ids {
			ids[i] = i
		}
		return pubsub.NewMemory(cfg.Broker.QueueSize), ids, nil
	}

	client := ipc.NewClient(ipc.ClientConfig{
		Network:   cfg.Broker.Network,
		Address:   cfg.Broker.Address,
		Worker:    cfg.WorkerName(cfg.Worker.ID),
		Secret:    cfg.Broker.Secret,
		QueueSize: cfg.Broker.QueueSize,
	}, logger)
	client.Start()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitConnected(waitCtx); err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, []int{cfg.Worker.ID}, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
