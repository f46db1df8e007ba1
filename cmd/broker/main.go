// Command broker runs the pub/sub hub that connects world workers running
// in separate processes.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"iogrid/internal/config"
	"iogrid/internal/ipc"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML or YAML config file")
	statsEvery := flag.Duration("stats", 30*time.Second, "interval between stats log lines, 0 disables")
	flag.Parse()

	if err := godotenv.Load(".env"); err != nil {
		log.Println("no .env file found, using environment variables only")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer logger.Sync()

	hub := ipc.NewHub(ipc.HubConfig{
		Network:   cfg.Broker.Network,
		Address:   cfg.Broker.Address,
		Secret:    cfg.Broker.Secret,
		QueueSize: cfg.Broker.QueueSize,
	}, logger)
	if err := hub.Start(); err != nil {
		logger.Fatal("hub start", zap.Error(err))
	}
	if cfg.Broker.Secret == "" {
		logger.Warn("broker secret not set, workers are not authenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tick <-chan time.Time
	if *statsEvery > 0 {
		t := time.NewTicker(*statsEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			hub.Stop()
			return
		case <-tick:
			conns, delivered, dropped := hub.Stats()
			logger.Info("hub stats",
				zap.Int("workers", conns),
				zap.Uint64("delivered", delivered),
				zap.Uint64("dropped", dropped),
			)
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format != "json" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
