package game

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"iogrid/internal/game/spatial"
)

// cellState is the per-cell data shared by the controller and the transfer
// coordinator. It is only touched from the world goroutine.
type cellState struct {
	index  int
	bounds spatial.Rect
	store  *Store

	// deletes holds authoritative entities removed this tick, flushed to
	// clients once by the world loop.
	deletes map[Key]*Entity

	// claimed holds coins collected from external copies, keyed by id with
	// an expiry in unix ms, so a late copy is not collected twice.
	claimed map[string]int64
}

func newCellState(index int, bounds spatial.Rect) *cellState {
	return &cellState{
		index:   index,
		bounds:  bounds,
		store:   NewStore(),
		deletes: make(map[Key]*Entity),
		claimed: make(map[string]int64),
	}
}

// owns reports whether the cell is e's settled authoritative owner.
func (c *cellState) owns(e *Entity) bool {
	return e.OwnerCell == c.index && e.TargetCell == c.index
}

func (c *cellState) updateExternal(e *Entity) {
	e.External = e.OwnerCell != c.index || e.TargetCell != c.index
}

// CellController runs the per-tick simulation of one cell.
type CellController struct {
	*cellState
	wc     *WorldContext
	coins  *CoinEconomy
	groups GroupingService
	rng    *rand.Rand
	log    *zap.Logger
}

// NewCellController creates the controller for cell index.
func NewCellController(wc *WorldContext, index int, rng *rand.Rand) *CellController {
	st := newCellState(index, wc.Grid.CellBounds(index))
	return &CellController{
		cellState: st,
		wc:        wc,
		coins:     NewCoinEconomy(index, st.bounds, st.store, wc.Config.Coin, wc.Grid.CellCount(), rng),
		rng:       rng,
		log:       wc.Logger.With(zap.Int("cell", index)),
	}
}

// Index returns the cell index.
func (c *CellController) Index() int { return c.index }

// Store returns the cell's entity table.
func (c *CellController) Store() *Store { return c.store }

// Coins returns the cell's coin economy.
func (c *CellController) Coins() *CoinEconomy { return c.coins }

// Run advances the cell by one tick. Steps, in order: evict stale entities,
// find overlaps, drop a coin, steer bots, move, clamp to the world, resolve
// player collisions, collect coins.
func (c *CellController) Run(now time.Time) error {
	nowMs := now.UnixMilli()
	c.evict(nowMs)

	var players, coins []*Entity
	for _, e := range c.store.All() {
		if e.PendingDelete {
			continue
		}
		switch e.Type {
		case TypePlayer:
			players = append(players, e)
		case TypeCoin:
			coins = append(coins, e)
		}
	}

	index := spatial.NewIndex(players)
	pairs := playerPairs(index)
	claims := c.coinClaims(index, players, coins)

	coin, err := c.coins.Drop(now)
	if err != nil {
		return err
	}
	if coin != nil {
		c.wc.Metrics.AddCoinsDropped(1)
	}

	world := c.wc.Grid.WorldBounds()
	for _, p := range players {
		if p.IsBot() && !p.External {
			steerBot(p, world, c.rng)
		}
	}

	for _, p := range players {
		if !p.Fresh || p.External {
			continue
		}
		if p.Op != 0 {
			c.move(p)
		}
		clamp(p, world)
	}

	c.resolveCollisions(players, pairs, world)
	c.collectCoins(players, claims, nowMs)
	c.pruneClaimed(nowMs)
	return nil
}

// evict drops stale copies before the tick. A stale entity this cell owns
// is flagged for a global delete; any other stale copy is dropped locally.
// Coins are never stale.
func (c *CellController) evict(nowMs int64) {
	stale := c.wc.staleMillis()
	for _, e := range c.store.All() {
		if e.Type == TypeCoin || e.PendingDelete {
			continue
		}
		if nowMs-e.LastProcessedAt <= stale {
			continue
		}
		if c.owns(e) {
			e.PendingDelete = true
			continue
		}
		c.store.Delete(e.EntityKey())
	}
}

// playerPairs returns every unordered overlapping pair once, i < j.
func playerPairs(index *spatial.Index[*Entity]) [][2]int {
	var pairs [][2]int
	for i := 0; i < index.Len(); i++ {
		hits := index.Overlapping(i)
		sort.Ints(hits)
		for _, j := range hits {
			if j > i {
				pairs = append(pairs, [2]int{i, j})
			}
		}
	}
	return pairs
}

// coinClaims assigns each touched coin to one uniformly random player among
// those touching it. The result maps player index to claimed coins.
func (c *CellController) coinClaims(index *spatial.Index[*Entity], players, coins []*Entity) map[int][]*Entity {
	claims := make(map[int][]*Entity)
	for _, coin := range coins {
		var touching []int
		for _, i := range index.Query(coin) {
			p := players[i]
			if _, hit := spatial.TestCircles(p.X, p.Y, p.Radius, coin.X, coin.Y, coin.Radius); hit {
				touching = append(touching, i)
			}
		}
		if len(touching) == 0 {
			continue
		}
		sort.Ints(touching)
		winner := touching[c.rng.Intn(len(touching))]
		claims[winner] = append(claims[winner], coin)
	}
	return claims
}

func (c *CellController) move(p *Entity) {
	speed := c.wc.Config.Player.MoveSpeed
	if p.IsBot() && p.Body != nil {
		speed = p.Body.Speed
	}
	dx, dy := p.Op.Direction()
	p.X += dx * speed
	p.Y += dy * speed
}

// clamp keeps e fully inside world.
func clamp(e *Entity, world spatial.Rect) {
	r := e.Radius
	if e.X-r < world.MinX {
		e.X = world.MinX + r
	} else if e.X+r > world.MaxX {
		e.X = world.MaxX - r
	}
	if e.Y-r < world.MinY {
		e.Y = world.MinY + r
	} else if e.Y+r > world.MaxY {
		e.Y = world.MaxY - r
	}
}

// resolveCollisions separates overlapping players, splitting the
// translation by mass. External copies are corrected on a working position
// only; a correction involving an external peer groups the pair.
func (c *CellController) resolveCollisions(players []*Entity, pairs [][2]int, world spatial.Rect) {
	shadow := make(map[int]spatial.Vec)
	pos := func(i int) (float64, float64) {
		if v, ok := shadow[i]; ok {
			return v.X, v.Y
		}
		return players[i].X, players[i].Y
	}
	set := func(i int, x, y float64) {
		p := players[i]
		if p.External {
			shadow[i] = spatial.Vec{X: x, Y: y}
			return
		}
		p.X, p.Y = x, y
		clamp(p, world)
	}

	for _, pr := range pairs {
		a, b := players[pr[0]], players[pr[1]]
		if a.External && b.External {
			continue
		}
		ax, ay := pos(pr[0])
		bx, by := pos(pr[1])
		overlap, hit := spatial.TestCircles(ax, ay, a.Radius, bx, by, b.Radius)
		if !hit {
			continue
		}

		fa, fb := 0.5, 0.5
		if total := a.Mass() + b.Mass(); total > 0 {
			fa = b.Mass() / total
			fb = a.Mass() / total
		}
		set(pr[0], ax-overlap.X*fa, ay-overlap.Y*fa)
		set(pr[1], bx+overlap.X*fb, by+overlap.Y*fb)

		if a.External || b.External {
			ax, ay = pos(pr[0])
			bx, by = pos(pr[1])
			c.groups.Group(c.store, a.EntityKey(), b.EntityKey(),
				SimpleState{Type: a.Type, X: math.Round(ax), Y: math.Round(ay)},
				SimpleState{Type: b.Type, X: math.Round(bx), Y: math.Round(by)},
			)
		}
	}
}

// collectCoins credits claimed coins to players still touching them.
// Only the owner of a player changes its score, and only the owner of a coin
// removes it; an external coin copy collected by a local player is dropped
// locally and remembered as claimed.
func (c *CellController) collectCoins(players []*Entity, claims map[int][]*Entity, nowMs int64) {
	winners := make([]int, 0, len(claims))
	for i := range claims {
		winners = append(winners, i)
	}
	sort.Ints(winners)

	for _, i := range winners {
		p := players[i]
		for _, coin := range claims[i] {
			if coin.PendingDelete || coin.Coin == nil {
				continue
			}
			if _, hit := spatial.TestCircles(p.X, p.Y, p.Radius, coin.X, coin.Y, coin.Radius); !hit {
				continue
			}

			switch {
			case !p.External && !coin.External:
				c.credit(p, coin)
				c.coins.RemoveCoin(coin.ID)
			case !p.External:
				c.credit(p, coin)
				c.store.Delete(coin.EntityKey())
				c.claimed[coin.ID] = nowMs + c.wc.staleMillis()
			case !coin.External:
				c.coins.RemoveCoin(coin.ID)
			}
		}
	}
}

func (c *CellController) credit(p *Entity, coin *Entity) {
	if p.Body == nil {
		return
	}
	p.Body.Score += coin.Coin.Value
	c.wc.Events.Emit(EventCoinCollected, p.ID, CoinPayload{
		CoinID: coin.ID,
		Value:  coin.Coin.Value,
		Score:  p.Body.Score,
		Cell:   c.index,
	})
}

func (c *CellController) pruneClaimed(nowMs int64) {
	for id, until := range c.claimed {
		if nowMs > until {
			delete(c.claimed, id)
		}
	}
}
