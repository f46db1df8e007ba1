// Package config provides centralized configuration management.
// This is the single source of truth for world, worker and gateway settings.
//
// Values are resolved in order: Default(), an optional TOML or YAML file,
// then environment overrides. Validate must pass before a world is started.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sentinel validation errors.
var (
	ErrUnevenWorkers = errors.New("config: cell count is not divisible by worker count")
	ErrCoinTable     = errors.New("config: coin type probabilities do not sum to 1")
)

// =============================================================================
// WORLD CONFIGURATION
// =============================================================================

// SpecialInterval publishes the listed entity types on their own, slower
// schedule instead of every tick.
type SpecialInterval struct {
	Interval time.Duration `toml:"interval" yaml:"interval"`
	Types    []string      `toml:"types" yaml:"types"`
}

// WorldConfig holds the world geometry and tick timing.
type WorldConfig struct {
	Width            float64           `toml:"width" yaml:"width"`
	Height           float64           `toml:"height" yaml:"height"`
	CellWidth        float64           `toml:"cell_width" yaml:"cell_width"`
	CellHeight       float64           `toml:"cell_height" yaml:"cell_height"`
	CellOverlap      float64           `toml:"cell_overlap" yaml:"cell_overlap"`
	UpdateInterval   time.Duration     `toml:"update_interval" yaml:"update_interval"`
	StaleTimeout     time.Duration     `toml:"stale_timeout" yaml:"stale_timeout"`
	SpecialIntervals []SpecialInterval `toml:"special_intervals" yaml:"special_intervals"`
}

// DefaultWorld returns the default world configuration: a 4000x4000 world
// split into four 1000px wide columns.
func DefaultWorld() WorldConfig {
	return WorldConfig{
		Width:          4000,
		Height:         4000,
		CellWidth:      1000,
		CellHeight:     4000,
		CellOverlap:    150,
		UpdateInterval: 20 * time.Millisecond,
		StaleTimeout:   time.Second,
		SpecialIntervals: []SpecialInterval{
			{Interval: time.Second, Types: []string{"coin"}},
		},
	}
}

// Cols returns the number of grid columns.
func (w WorldConfig) Cols() int {
	return gridSpan(w.Width, w.CellWidth)
}

// Rows returns the number of grid rows.
func (w WorldConfig) Rows() int {
	return gridSpan(w.Height, w.CellHeight)
}

// CellCount returns the total number of cells in the grid.
func (w WorldConfig) CellCount() int {
	return w.Cols() * w.Rows()
}

func gridSpan(total, cell float64) int {
	if cell <= 0 {
		return 1
	}
	n := int(math.Ceil(total / cell))
	if n < 1 {
		n = 1
	}
	return n
}

// =============================================================================
// PLAYER & BOT CONFIGURATION
// =============================================================================

// PlayerConfig holds defaults applied to joining players.
type PlayerConfig struct {
	MoveSpeed float64 `toml:"move_speed" yaml:"move_speed"`
	Diameter  float64 `toml:"diameter" yaml:"diameter"`
	Mass      float64 `toml:"mass" yaml:"mass"`
}

// DefaultPlayer returns the default player configuration.
func DefaultPlayer() PlayerConfig {
	return PlayerConfig{
		MoveSpeed: 10,
		Diameter:  45,
		Mass:      20,
	}
}

// BotConfig holds bot spawning and AI settings.
type BotConfig struct {
	Count               int     `toml:"count" yaml:"count"`
	MoveSpeed           float64 `toml:"move_speed" yaml:"move_speed"`
	Mass                float64 `toml:"mass" yaml:"mass"`
	Diameter            float64 `toml:"diameter" yaml:"diameter"`
	ChangeDirectionProb float64 `toml:"change_direction_probability" yaml:"change_direction_probability"`
}

// DefaultBot returns the default bot configuration.
func DefaultBot() BotConfig {
	return BotConfig{
		Count:               10,
		MoveSpeed:           5,
		Mass:                10,
		Diameter:            45,
		ChangeDirectionProb: 0.01,
	}
}

// =============================================================================
// COIN CONFIGURATION
// =============================================================================

// CoinType is one row of the weighted coin table.
type CoinType struct {
	Kind        int     `toml:"kind" yaml:"kind"`
	Value       int     `toml:"value" yaml:"value"`
	Radius      float64 `toml:"radius" yaml:"radius"`
	Probability float64 `toml:"probability" yaml:"probability"`
}

// CoinConfig holds the coin economy settings. MaxCount and DropInterval are
// world-wide figures; each cell gets its share.
type CoinConfig struct {
	MaxCount     int           `toml:"max_count" yaml:"max_count"`
	DropInterval time.Duration `toml:"drop_interval" yaml:"drop_interval"`
	NoDropRadius float64       `toml:"no_drop_radius" yaml:"no_drop_radius"`
	MaxTrials    int           `toml:"max_trials" yaml:"max_trials"`
	Types        []CoinType    `toml:"types" yaml:"types"`
}

// DefaultCoin returns the default coin configuration.
func DefaultCoin() CoinConfig {
	return CoinConfig{
		MaxCount:     200,
		DropInterval: 400 * time.Millisecond,
		NoDropRadius: 80,
		MaxTrials:    100,
		Types: []CoinType{
			{Kind: 4, Value: 1, Radius: 10, Probability: 0.25},
			{Kind: 3, Value: 2, Radius: 10, Probability: 0.6},
			{Kind: 2, Value: 6, Radius: 10, Probability: 0.1},
			{Kind: 1, Value: 12, Radius: 10, Probability: 0.05},
		},
	}
}

// =============================================================================
// WORKER & BROKER CONFIGURATION
// =============================================================================

// WorkerConfig describes how cells are spread across world workers.
type WorkerConfig struct {
	Count      int    `toml:"count" yaml:"count"`
	ID         int    `toml:"id" yaml:"id"`
	InstanceID string `toml:"instance_id" yaml:"instance_id"`
}

// DefaultWorker returns the default worker configuration.
func DefaultWorker() WorkerConfig {
	return WorkerConfig{
		Count:      1,
		ID:         0,
		InstanceID: "iogrid",
	}
}

// BrokerConfig selects the pub/sub fabric.
// Mode "memory" runs every worker in-process; "ipc" dials a standalone hub.
type BrokerConfig struct {
	Mode      string `toml:"mode" yaml:"mode"`
	Network   string `toml:"network" yaml:"network"`
	Address   string `toml:"address" yaml:"address"`
	Secret    string `toml:"secret" yaml:"secret"`
	QueueSize int    `toml:"queue_size" yaml:"queue_size"`
}

// DefaultBroker returns the default broker configuration.
func DefaultBroker() BrokerConfig {
	return BrokerConfig{
		Mode:      "memory",
		Network:   "unix",
		Address:   "/tmp/iogrid-broker.sock",
		QueueSize: 1024,
	}
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP gateway settings.
type ServerConfig struct {
	Port             int      `toml:"port" yaml:"port"`
	MaxPlayers       int      `toml:"max_players" yaml:"max_players"`
	ActionsPerSecond float64  `toml:"actions_per_second" yaml:"actions_per_second"`
	ActionBurst      int      `toml:"action_burst" yaml:"action_burst"`
	AllowedOrigins   []string `toml:"allowed_origins" yaml:"allowed_origins"`
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:             3000,
		MaxPlayers:       1000,
		ActionsPerSecond: 60,
		ActionBurst:      20,
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:8000"},
	}
}

// LoggingConfig controls the zap logger built by cmd/*.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// DefaultLogging returns the default logging configuration.
func DefaultLogging() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "console"}
}

// DebugConfig controls the localhost-only pprof/metrics server.
type DebugConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
}

// DefaultDebug returns the default debug configuration.
func DefaultDebug() DebugConfig {
	return DebugConfig{Enabled: false, Addr: "127.0.0.1:6060"}
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// Config holds the complete application configuration.
type Config struct {
	World   WorldConfig   `toml:"world" yaml:"world"`
	Player  PlayerConfig  `toml:"player" yaml:"player"`
	Bot     BotConfig     `toml:"bot" yaml:"bot"`
	Coin    CoinConfig    `toml:"coin" yaml:"coin"`
	Worker  WorkerConfig  `toml:"worker" yaml:"worker"`
	Broker  BrokerConfig  `toml:"broker" yaml:"broker"`
	Server  ServerConfig  `toml:"server" yaml:"server"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
	Debug   DebugConfig   `toml:"debug" yaml:"debug"`
}

// Default returns the complete default configuration.
func Default() Config {
	return Config{
		World:   DefaultWorld(),
		Player:  DefaultPlayer(),
		Bot:     DefaultBot(),
		Coin:    DefaultCoin(),
		Worker:  DefaultWorker(),
		Broker:  DefaultBroker(),
		Server:  DefaultServer(),
		Logging: DefaultLogging(),
		Debug:   DefaultDebug(),
	}
}

// Load builds the configuration from defaults, the optional file at path and
// the environment. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// Validate reports configuration errors that must abort startup.
func (c Config) Validate() error {
	w := c.World
	if w.Width <= 0 || w.Height <= 0 || w.CellWidth <= 0 || w.CellHeight <= 0 {
		return fmt.Errorf("config: world and cell dimensions must be positive")
	}
	if w.CellOverlap < 0 {
		return fmt.Errorf("config: cell overlap must not be negative")
	}
	if w.UpdateInterval <= 0 {
		return fmt.Errorf("config: update interval must be positive")
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("config: worker count must be at least 1")
	}
	if c.Worker.ID < 0 || c.Worker.ID >= c.Worker.Count {
		return fmt.Errorf("config: worker id %d out of range [0,%d)", c.Worker.ID, c.Worker.Count)
	}
	if cells := w.CellCount(); cells%c.Worker.Count != 0 {
		return fmt.Errorf("%w: %d cells, %d workers", ErrUnevenWorkers, cells, c.Worker.Count)
	}
	if len(c.Coin.Types) == 0 {
		return fmt.Errorf("%w: table is empty", ErrCoinTable)
	}
	var sum float64
	for _, t := range c.Coin.Types {
		if t.Probability < 0 {
			return fmt.Errorf("%w: negative probability for kind %d", ErrCoinTable, t.Kind)
		}
		sum += t.Probability
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("%w: sum is %v", ErrCoinTable, sum)
	}
	switch c.Broker.Mode {
	case "memory", "ipc":
	default:
		return fmt.Errorf("config: unknown broker mode %q", c.Broker.Mode)
	}
	return nil
}

// WorkerName returns the socket worker id stamped on entities created by
// this worker.
func (c Config) WorkerName(id int) string {
	return c.Worker.InstanceID + ":" + strconv.Itoa(id)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func applyEnv(cfg *Config) {
	if v := getEnvFloat("WORLD_WIDTH", 0); v > 0 {
		cfg.World.Width = v
	}
	if v := getEnvFloat("WORLD_HEIGHT", 0); v > 0 {
		cfg.World.Height = v
	}
	if v := getEnvFloat("WORLD_CELL_WIDTH", 0); v > 0 {
		cfg.World.CellWidth = v
	}
	if v := getEnvFloat("WORLD_CELL_HEIGHT", 0); v > 0 {
		cfg.World.CellHeight = v
	}
	if v := getEnvInt("BOT_COUNT", -1); v >= 0 {
		cfg.Bot.Count = v
	}
	if v := getEnvInt("WORKER_COUNT", 0); v > 0 {
		cfg.Worker.Count = v
	}
	if v := getEnvInt("WORKER_ID", -1); v >= 0 {
		cfg.Worker.ID = v
	}
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		cfg.Worker.InstanceID = v
	}
	if v := os.Getenv("BROKER_MODE"); v != "" {
		cfg.Broker.Mode = v
	}
	if v := os.Getenv("BROKER_NETWORK"); v != "" {
		cfg.Broker.Network = v
	}
	if v := os.Getenv("BROKER_ADDRESS"); v != "" {
		cfg.Broker.Address = v
	}
	if v := os.Getenv("BROKER_SECRET"); v != "" {
		cfg.Broker.Secret = v
	}
	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Server.Port = p
	}
	if mp := getEnvInt("MAX_PLAYERS", 0); mp > 0 {
		cfg.Server.MaxPlayers = mp
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if os.Getenv("DEBUG_SERVER") == "true" {
		cfg.Debug.Enabled = true
	}
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
