package game

import (
	"time"

	"go.uber.org/zap"

	"iogrid/internal/config"
	"iogrid/internal/game/spatial"
	"iogrid/internal/pubsub"
)

// Channel bases. Cell-scoped channels are prefixed with "cell(col,row)".
const (
	ChannelInbound       = "internal/cell-processing-inbound"
	ChannelTransition    = "internal/cell-transition"
	ChannelTransitionAck = "internal/cell-transition-ack"
	ChannelHandoffPrefix = "internal/input-cell-transition/"
	ChannelCellData      = "cell-data"
)

// HandoffChannel returns the per-worker ownership handoff channel.
func HandoffChannel(workerID string) string {
	return ChannelHandoffPrefix + workerID
}

// Metrics receives per-tick counters from the world loop.
type Metrics interface {
	ObserveTick(d time.Duration)
	SetCellEntities(cell int, n int)
	AddTransfers(n int)
	AddRejectedTransitions(n int)
	AddCoinsDropped(n int)
	AddMalformedRefs(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTick(time.Duration) {}
func (nopMetrics) SetCellEntities(int, int) {}
func (nopMetrics) AddTransfers(int) {}
func (nopMetrics) AddRejectedTransitions(int) {}
func (nopMetrics) AddCoinsDropped(int) {}
func (nopMetrics) AddMalformedRefs(int) {}

// WorldContext carries the shared collaborators of one worker.
type WorldContext struct {
	Config  config.Config
	Grid    *spatial.Grid
	Broker  pubsub.Broker
	Logger  *zap.Logger
	Metrics Metrics
	Events  *EventLog
}

// NewWorldContext builds a context from validated configuration. A nil
// logger is replaced by a no-op logger.
func NewWorldContext(cfg config.Config, broker pubsub.Broker, logger *zap.Logger) *WorldContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := cfg.World
	return &WorldContext{
		Config:  cfg,
		Grid:    spatial.NewGrid(w.Width, w.Height, w.CellWidth, w.CellHeight),
		Broker:  broker,
		Logger:  logger,
		Metrics: nopMetrics{},
	}
}

func (wc *WorldContext) staleMillis() int64 {
	return wc.Config.World.StaleTimeout.Milliseconds()
}
