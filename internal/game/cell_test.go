package game

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"go.uber.org/zap"

	"iogrid/internal/config"
	"iogrid/internal/pubsub"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// testConfig returns the default world with coin drops and bots disabled.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Coin.MaxCount = 0
	cfg.Bot.Count = 0
	return cfg
}

func testContext(cfg config.Config) *WorldContext {
	return NewWorldContext(cfg, pubsub.NewSyncMemory(), zap.NewNop())
}

func testPlayer(id string, x, y, mass float64, cell int) *Entity {
	return &Entity{
		ID:              id,
		Type:            TypePlayer,
		X:               x,
		Y:               y,
		Radius:          23,
		OwnerCell:       cell,
		TargetCell:      cell,
		LastProcessedAt: testNow.UnixMilli(),
		Body:            &Body{Mass: mass},
	}
}

func testCoin(id string, x, y float64, value, cell int) *Entity {
	return &Entity{
		ID:              id,
		Type:            TypeCoin,
		X:               x,
		Y:               y,
		Radius:          10,
		OwnerCell:       cell,
		TargetCell:      cell,
		LastProcessedAt: testNow.UnixMilli(),
		Coin:            &Coin{Value: value, Kind: 1},
	}
}

func newTestController(t *testing.T, cell int) *CellController {
	t.Helper()
	return NewCellController(testContext(testConfig()), cell, rand.New(rand.NewSource(1)))
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// TestCollisionMassSplit tests that the translation is split by mass and
// momentum along the axis is conserved.
func TestCollisionMassSplit(t *testing.T) {
	c := newTestController(t, 0)
	a := testPlayer("a", 500, 500, 20, 0)
	b := testPlayer("b", 520, 500, 10, 0)
	c.Store().Put(a)
	c.Store().Put(b)

	if err := c.Run(testNow); err != nil {
		t.Fatal(err)
	}

	// depth = 46 - 20 = 26
	if !near(a.X, 500-26*10.0/30) {
		t.Errorf("a.X = %v", a.X)
	}
	if !near(b.X, 520+26*20.0/30) {
		t.Errorf("b.X = %v", b.X)
	}
	momentum := 20*(a.X-500) + 10*(b.X-520)
	if !near(momentum, 0) {
		t.Errorf("momentum change = %v", momentum)
	}
	if a.Group != nil || b.Group != nil {
		t.Error("local-only collision must not group")
	}
}

// TestCollisionFullOverlap tests coincident players of equal mass.
func TestCollisionFullOverlap(t *testing.T) {
	c := newTestController(t, 0)
	a := testPlayer("a", 500, 500, 20, 0)
	b := testPlayer("b", 500, 500, 20, 0)
	a.Radius, b.Radius = 25, 25
	c.Store().Put(a)
	c.Store().Put(b)

	if err := c.Run(testNow); err != nil {
		t.Fatal(err)
	}

	if !near(a.X, 475) || !near(b.X, 525) {
		t.Errorf("got a.X=%v b.X=%v, want 475 and 525", a.X, b.X)
	}
	if !near(a.Y, 500) || !near(b.Y, 500) {
		t.Errorf("y changed: %v %v", a.Y, b.Y)
	}
}

// TestCollisionWithExternalGroups tests that an external peer is never
// mutated and both sides record each other's corrected snapshot.
func TestCollisionWithExternalGroups(t *testing.T) {
	c := newTestController(t, 0)
	a := testPlayer("a", 500, 500, 20, 0)
	b := testPlayer("b", 520, 500, 10, 1)
	b.External = true
	c.Store().Put(a)
	c.Store().Put(b)

	if err := c.Run(testNow); err != nil {
		t.Fatal(err)
	}

	if b.X != 520 || b.Y != 500 {
		t.Errorf("external copy mutated: %v,%v", b.X, b.Y)
	}
	if !near(a.X, 500-26*10.0/30) {
		t.Errorf("a.X = %v", a.X)
	}

	sb, ok := a.Group["b"]
	if !ok {
		t.Fatal("a not grouped with b")
	}
	sa, ok := b.Group["a"]
	if !ok {
		t.Fatal("grouping not symmetric")
	}
	if sb.X != math.Round(520+26*20.0/30) || sb.Type != TypePlayer {
		t.Errorf("b snapshot = %+v", sb)
	}
	if sa.X != math.Round(a.X) {
		t.Errorf("a snapshot = %+v, a.X = %v", sa, a.X)
	}
}

func TestMovementDiagonalNormalized(t *testing.T) {
	tests := []struct {
		name string
		op   Op
		dx   float64
		dy   float64
	}{
		{"right", OpRight, 10, 0},
		{"up", OpUp, 0, -10},
		{"up right", OpUp | OpRight, 10 / math.Sqrt2, -10 / math.Sqrt2},
		{"down left", OpDown | OpLeft, -10 / math.Sqrt2, 10 / math.Sqrt2},
		{"opposite cancels", OpLeft | OpRight, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, 0)
			p := testPlayer("p", 500, 500, 20, 0)
			p.Fresh = true
			p.Op = tt.op
			c.Store().Put(p)

			if err := c.Run(testNow); err != nil {
				t.Fatal(err)
			}
			if !near(p.X-500, tt.dx) || !near(p.Y-500, tt.dy) {
				t.Errorf("moved (%v,%v), want (%v,%v)", p.X-500, p.Y-500, tt.dx, tt.dy)
			}
		})
	}
}

// TestMovementRequiresFreshOwned tests that stale input and external copies
// do not move.
func TestMovementRequiresFreshOwned(t *testing.T) {
	c := newTestController(t, 0)
	idle := testPlayer("idle", 200, 200, 20, 0)
	idle.Op = OpRight
	ext := testPlayer("ext", 600, 600, 20, 1)
	ext.External = true
	ext.Fresh = true
	ext.Op = OpRight
	c.Store().Put(idle)
	c.Store().Put(ext)

	if err := c.Run(testNow); err != nil {
		t.Fatal(err)
	}
	if idle.X != 200 || ext.X != 600 {
		t.Errorf("unexpected movement: idle=%v ext=%v", idle.X, ext.X)
	}
}

func TestBoundaryClamp(t *testing.T) {
	c := newTestController(t, 0)
	p := testPlayer("p", 25, 3990, 20, 0)
	p.Fresh = true
	p.Op = OpLeft | OpDown
	c.Store().Put(p)

	if err := c.Run(testNow); err != nil {
		t.Fatal(err)
	}
	if p.X != 23 || p.Y != 4000-23 {
		t.Errorf("clamped to (%v,%v)", p.X, p.Y)
	}
}

func TestBotSteering(t *testing.T) {
	c := newTestController(t, 0)
	bot := testPlayer("bot", 500, 500, 10, 0)
	bot.Subtype = SubtypeBot
	bot.Body.Speed = 5
	bot.Body.ChangeDirProb = 1
	bot.Fresh = true
	c.Store().Put(bot)

	if err := c.Run(testNow); err != nil {
		t.Fatal(err)
	}
	if bot.Body.RepeatOp == 0 {
		t.Fatal("bot did not latch a direction")
	}
	if d := math.Hypot(bot.X-500, bot.Y-500); !near(d, 5) {
		t.Errorf("bot moved %v, want 5", d)
	}

	// Latched direction repeats without a new draw.
	bot.Body.ChangeDirProb = 0
	latched := bot.Body.RepeatOp
	bot.Fresh = true
	if err := c.Run(testNow); err != nil {
		t.Fatal(err)
	}
	if bot.Body.RepeatOp != latched || bot.Op != latched {
		t.Errorf("RepeatOp changed from %v to %v", latched, bot.Body.RepeatOp)
	}
}

func TestCoinCollection(t *testing.T) {
	c := newTestController(t, 0)
	p := testPlayer("p", 500, 500, 20, 0)
	coin := testCoin("c1", 510, 500, 6, 0)
	c.Store().Put(p)
	c.Store().Put(coin)

	if err := c.Run(testNow); err != nil {
		t.Fatal(err)
	}
	if p.Body.Score != 6 {
		t.Errorf("score = %d, want 6", p.Body.Score)
	}
	if !coin.PendingDelete {
		t.Error("collected coin not flagged for delete")
	}
}

// TestCoinSingleClaim tests that a coin touched by two players is credited
// once.
func TestCoinSingleClaim(t *testing.T) {
	c := newTestController(t, 0)
	a := testPlayer("a", 480, 500, 20, 0)
	b := testPlayer("b", 540, 500, 20, 0)
	coin := testCoin("c1", 510, 500, 12, 0)
	c.Store().Put(a)
	c.Store().Put(b)
	c.Store().Put(coin)

	if err := c.Run(testNow); err != nil {
		t.Fatal(err)
	}
	if total := a.Body.Score + b.Body.Score; total != 12 {
		t.Errorf("total score = %d, want 12", total)
	}
}

// TestExternalCoinCollected tests that a local player collecting a coin owned
// elsewhere is credited and the local copy is dropped and remembered.
func TestExternalCoinCollected(t *testing.T) {
	c := newTestController(t, 0)
	p := testPlayer("p", 990, 500, 20, 0)
	coin := testCoin("c1", 1005, 500, 2, 1)
	coin.External = true
	c.Store().Put(p)
	c.Store().Put(coin)

	if err := c.Run(testNow); err != nil {
		t.Fatal(err)
	}
	if p.Body.Score != 2 {
		t.Errorf("score = %d", p.Body.Score)
	}
	if c.Store().Get(coin.EntityKey()) != nil {
		t.Error("external coin copy kept")
	}
	if _, ok := c.claimed["c1"]; !ok {
		t.Error("coin not remembered as claimed")
	}
}

// TestStaleEviction tests that an entity exactly at the timeout is kept and
// one just past it is evicted.
func TestStaleEviction(t *testing.T) {
	c := newTestController(t, 0)
	nowMs := testNow.UnixMilli()

	edge := testPlayer("edge", 100, 100, 20, 0)
	edge.LastProcessedAt = nowMs - 1000
	owned := testPlayer("owned", 300, 300, 20, 0)
	owned.LastProcessedAt = nowMs - 1001
	ext := testPlayer("ext", 700, 700, 20, 1)
	ext.External = true
	ext.LastProcessedAt = nowMs - 1001
	coin := testCoin("coin", 900, 900, 1, 0)
	coin.LastProcessedAt = nowMs - 60_000

	for _, e := range []*Entity{edge, owned, ext, coin} {
		c.Store().Put(e)
	}

	if err := c.Run(testNow); err != nil {
		t.Fatal(err)
	}

	if edge.PendingDelete || c.Store().Get(edge.EntityKey()) == nil {
		t.Error("entity at exactly the timeout was evicted")
	}
	if !owned.PendingDelete {
		t.Error("stale owned entity not flagged for delete")
	}
	if c.Store().Get(ext.EntityKey()) != nil {
		t.Error("stale external copy kept")
	}
	if c.Store().Get(coin.EntityKey()) == nil || coin.PendingDelete {
		t.Error("coin evicted by staleness")
	}
}
