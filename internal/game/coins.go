package game

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"iogrid/internal/config"
	"iogrid/internal/game/spatial"
)

// ErrNoCoinType means the weighted coin table left the random draw without
// a match. It is fatal for the world loop.
var ErrNoCoinType = errors.New("game: no coin type selectable")

// CoinEconomy places and removes the coins of one cell.
type CoinEconomy struct {
	cell   int
	bounds spatial.Rect
	store  *Store
	rng    *rand.Rand

	maxCount     int
	dropInterval time.Duration
	noDropRadius float64
	maxTrials    int

	// types sorted ascending by probability, floors[i] is the cumulative
	// probability below types[i].
	types  []config.CoinType
	floors []float64

	count    int
	lastDrop time.Time
}

// NewCoinEconomy creates the economy for one cell. The world-wide max count
// and drop interval are scaled to the cell's share.
func NewCoinEconomy(cell int, bounds spatial.Rect, store *Store, cfg config.CoinConfig, cellCount int, rng *rand.Rand) *CoinEconomy {
	if cellCount < 1 {
		cellCount = 1
	}
	types := append([]config.CoinType(nil), cfg.Types...)
	sort.SliceStable(types, func(i, j int) bool {
		return types[i].Probability < types[j].Probability
	})
	floors := make([]float64, len(types))
	var acc float64
	for i, t := range types {
		floors[i] = acc
		acc += t.Probability
	}

	trials := cfg.MaxTrials
	if trials <= 0 {
		trials = 100
	}

	return &CoinEconomy{
		cell:         cell,
		bounds:       bounds,
		store:        store,
		rng:          rng,
		maxCount:     perCellMax(cfg.MaxCount, cellCount),
		dropInterval: cfg.DropInterval * time.Duration(cellCount),
		noDropRadius: cfg.NoDropRadius,
		maxTrials:    trials,
		types:        types,
		floors:       floors,
	}
}

// Count returns the number of live coins owned by the cell.
func (c *CoinEconomy) Count() int { return c.count }

// MaxCount returns the per-cell coin cap.
func (c *CoinEconomy) MaxCount() int { return c.maxCount }

// PickType draws a coin type from the weighted table.
func (c *CoinEconomy) PickType() (config.CoinType, error) {
	r := c.rng.Float64()
	last := len(c.types) - 1
	for i := last; i >= 0; i-- {
		t := c.types[i]
		if c.floors[i] > r {
			continue
		}
		if r < c.floors[i]+t.Probability {
			return t, nil
		}
		// The top band absorbs rounding in a table that sums to 1.
		if i == last && c.floors[i]+t.Probability >= 1-1e-9 {
			return t, nil
		}
	}
	return config.CoinType{}, ErrNoCoinType
}

// AddCoin places a coin at a random position in the cell that is not within
// the no-drop radius of any player. It returns nil when the cell is full or
// no position was found.
func (c *CoinEconomy) AddCoin(value, kind int, radius float64, now time.Time) *Entity {
	if c.count >= c.maxCount {
		return nil
	}

	players := c.store.OfType(TypePlayer)
	for trial := 0; trial < c.maxTrials; trial++ {
		x := math.Round(c.bounds.MinX + radius + c.rng.Float64()*(c.bounds.Width()-2*radius))
		y := math.Round(c.bounds.MinY + radius + c.rng.Float64()*(c.bounds.Height()-2*radius))
		if !c.clearOf(players, x, y) {
			continue
		}

		coin := &Entity{
			ID:              uuid.NewString(),
			Type:            TypeCoin,
			X:               x,
			Y:               y,
			Radius:          radius,
			OwnerCell:       c.cell,
			TargetCell:      c.cell,
			LastProcessedAt: now.UnixMilli(),
			Coin:            &Coin{Value: value, Kind: kind},
		}
		c.store.Put(coin)
		c.count++
		return coin
	}
	return nil
}

func (c *CoinEconomy) clearOf(players []*Entity, x, y float64) bool {
	for _, p := range players {
		if spatial.PointInCircle(x, y, p.X, p.Y, c.noDropRadius) {
			return false
		}
	}
	return true
}

// RemoveCoin marks a coin owned by this cell for deletion. Unknown or
// already removed ids are ignored.
func (c *CoinEconomy) RemoveCoin(id string) bool {
	coin := c.store.Get(Key{Type: TypeCoin, ID: id})
	if coin == nil || coin.PendingDelete || coin.OwnerCell != c.cell {
		return false
	}
	coin.PendingDelete = true
	c.count--
	return true
}

// Drop adds one coin when the drop interval has elapsed since the last drop.
func (c *CoinEconomy) Drop(now time.Time) (*Entity, error) {
	if now.Sub(c.lastDrop) < c.dropInterval {
		return nil, nil
	}
	c.lastDrop = now

	t, err := c.PickType()
	if err != nil {
		return nil, err
	}
	return c.AddCoin(t.Value, t.Kind, t.Radius, now), nil
}

// perCellMax splits the world-wide coin cap over cells. A positive world cap
// leaves every cell at least one coin.
func perCellMax(worldMax, cellCount int) int {
	if worldMax <= 0 {
		return 0
	}
	n := int(math.Round(float64(worldMax) / float64(cellCount)))
	if n < 1 {
		n = 1
	}
	return n
}
