package game

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"iogrid/internal/config"
	"iogrid/internal/game/spatial"
)

var botMoves = [...]Op{OpUp, OpDown, OpLeft, OpRight}

// Player colors handed out to bots.
var botColors = [...]string{"#1abc9c", "#3498db", "#9b59b6", "#e67e22", "#e74c3c", "#f1c40f"}

// NewPlayer builds a joining player at a random position inside world.
func NewPlayer(cfg config.PlayerConfig, name, color string, world spatial.Rect, rng *rand.Rand) *Entity {
	r := RadiusFromDiameter(cfg.Diameter)
	x, y := randomPosition(world, r, rng)
	return &Entity{
		ID:     uuid.NewString(),
		Type:   TypePlayer,
		X:      x,
		Y:      y,
		Radius: r,
		Body: &Body{
			Name:  name,
			Color: color,
			Mass:  cfg.Mass,
		},
	}
}

// NewBot builds a bot at a random position inside world.
func NewBot(cfg config.BotConfig, name, color string, world spatial.Rect, rng *rand.Rand) *Entity {
	r := RadiusFromDiameter(cfg.Diameter)
	x, y := randomPosition(world, r, rng)
	return &Entity{
		ID:      uuid.NewString(),
		Type:    TypePlayer,
		Subtype: SubtypeBot,
		X:       x,
		Y:       y,
		Radius:  r,
		Body: &Body{
			Name:          name,
			Color:         color,
			Mass:          cfg.Mass,
			Speed:         cfg.MoveSpeed,
			ChangeDirProb: cfg.ChangeDirectionProb,
		},
	}
}

func randomPosition(world spatial.Rect, r float64, rng *rand.Rand) (float64, float64) {
	x := math.Round(world.MinX + r + rng.Float64()*(world.Width()-2*r))
	y := math.Round(world.MinY + r + rng.Float64()*(world.Height()-2*r))
	return x, y
}

// onEdge reports whether e touches any edge of world.
func onEdge(e *Entity, world spatial.Rect) bool {
	return e.X-e.Radius <= world.MinX || e.X+e.Radius >= world.MaxX ||
		e.Y-e.Radius <= world.MinY || e.Y+e.Radius >= world.MaxY
}

// steerBot runs the bot AI for one tick: with probability ChangeDirProb, or
// whenever the bot touches a world edge, it latches a new random direction.
// The latched direction becomes this tick's op.
func steerBot(e *Entity, world spatial.Rect, rng *rand.Rand) {
	if e.Body == nil {
		return
	}
	if rng.Float64() < e.Body.ChangeDirProb || onEdge(e, world) {
		e.Body.RepeatOp = botMoves[rng.Intn(len(botMoves))]
	}
	if e.Body.RepeatOp != 0 {
		e.Op = e.Body.RepeatOp
	}
}

// BotSpawner creates bots through a StateManager so they are fed to their
// cells like any joined player.
type BotSpawner struct {
	mu     sync.Mutex
	states *StateManager
	cfg    config.BotConfig
	world  spatial.Rect
	rng    *rand.Rand
	seq    int
}

// NewBotSpawner creates a spawner.
func NewBotSpawner(states *StateManager, cfg config.BotConfig, world spatial.Rect, seed int64) *BotSpawner {
	return &BotSpawner{
		states: states,
		cfg:    cfg,
		world:  world,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Spawn creates one bot.
func (b *BotSpawner) Spawn(now time.Time) Key {
	b.mu.Lock()
	b.seq++
	name := fmt.Sprintf("bot-%d", b.seq)
	color := botColors[b.rng.Intn(len(botColors))]
	bot := NewBot(b.cfg, name, color, b.world, b.rng)
	b.mu.Unlock()

	return b.states.Create(bot, now)
}

// SpawnN creates n bots and returns their keys.
func (b *BotSpawner) SpawnN(n int, now time.Time) []Key {
	keys := make([]Key, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, b.Spawn(now))
	}
	return keys
}
