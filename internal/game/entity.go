package game

import (
	"fmt"
	"math"
	"sort"
)

// EntityType is the kind of a simulated entity.
type EntityType string

const (
	TypePlayer EntityType = "player"
	TypeCoin   EntityType = "coin"
)

// SubtypeBot marks server-driven players.
const SubtypeBot = "bot"

// Op is a one-shot movement input: a bitset of directions.
type Op uint8

const (
	OpUp Op = 1 << iota
	OpDown
	OpLeft
	OpRight
)

// Has reports whether every bit of d is set in o.
func (o Op) Has(d Op) bool { return o&d == d && d != 0 }

// String renders the op as its direction letters, e.g. "ur".
func (o Op) String() string {
	var b []byte
	if o.Has(OpUp) {
		b = append(b, 'u')
	}
	if o.Has(OpDown) {
		b = append(b, 'd')
	}
	if o.Has(OpLeft) {
		b = append(b, 'l')
	}
	if o.Has(OpRight) {
		b = append(b, 'r')
	}
	return string(b)
}

// ParseOp reads direction letters as produced by String. Unknown letters
// are an error.
func ParseOp(s string) (Op, error) {
	var o Op
	for _, c := range s {
		switch c {
		case 'u':
			o |= OpUp
		case 'd':
			o |= OpDown
		case 'l':
			o |= OpLeft
		case 'r':
			o |= OpRight
		default:
			return 0, fmt.Errorf("game: invalid op %q", s)
		}
	}
	return o, nil
}

// Direction returns the unit movement vector for the op. Opposite directions
// cancel, and diagonals are normalized.
func (o Op) Direction() (dx, dy float64) {
	if o.Has(OpRight) {
		dx++
	}
	if o.Has(OpLeft) {
		dx--
	}
	if o.Has(OpDown) {
		dy++
	}
	if o.Has(OpUp) {
		dy--
	}
	if dx != 0 && dy != 0 {
		dx *= math.Sqrt2 / 2
		dy *= math.Sqrt2 / 2
	}
	return dx, dy
}

// Key identifies an entity across cells.
type Key struct {
	Type EntityType
	ID   string
}

// SimpleState is the trimmed position snapshot kept in group maps.
type SimpleState struct {
	Type EntityType `msgpack:"type" json:"type"`
	X    float64    `msgpack:"x" json:"x"`
	Y    float64    `msgpack:"y" json:"y"`
}

// Body is the variant payload of players and bots.
type Body struct {
	Name          string  `msgpack:"name"`
	Color         string  `msgpack:"color"`
	Mass          float64 `msgpack:"mass"`
	Speed         float64 `msgpack:"speed,omitempty"`
	Score         int     `msgpack:"score"`
	ChangeDirProb float64 `msgpack:"cdp,omitempty"`
	RepeatOp      Op      `msgpack:"rop,omitempty"`
}

// Coin is the variant payload of coins.
type Coin struct {
	Value int `msgpack:"v"`
	Kind  int `msgpack:"kind"`
}

// Entity is one simulated object. Exactly one of Body or Coin is set,
// matching Type.
type Entity struct {
	ID      string     `msgpack:"id"`
	Type    EntityType `msgpack:"type"`
	Subtype string     `msgpack:"subtype,omitempty"`
	X       float64    `msgpack:"x"`
	Y       float64    `msgpack:"y"`
	Radius  float64    `msgpack:"r"`

	OwnerCell  int    `msgpack:"ccid"`
	TargetCell int    `msgpack:"tcid"`
	WorkerID   string `msgpack:"swid,omitempty"`
	External   bool   `msgpack:"external,omitempty"`
	Version    uint64 `msgpack:"version"`

	Group           map[string]SimpleState `msgpack:"group,omitempty"`
	PendingDelete   bool                   `msgpack:"delete,omitempty"`
	LastProcessedAt int64                  `msgpack:"processed"`

	// Per-tick transient fields.
	Op    Op   `msgpack:"op,omitempty"`
	Fresh bool `msgpack:"-"`

	Body *Body `msgpack:"body,omitempty"`
	Coin *Coin `msgpack:"coin,omitempty"`
}

// Positioned is the type-agnostic view used by collision, grouping and
// routing.
type Positioned interface {
	EntityKey() Key
	Position() (x, y float64)
	HitRadius() float64
}

// EntityKey returns the entity's identity.
func (e *Entity) EntityKey() Key { return Key{Type: e.Type, ID: e.ID} }

// Position returns the entity's center.
func (e *Entity) Position() (float64, float64) { return e.X, e.Y }

// HitRadius returns the collision radius.
func (e *Entity) HitRadius() float64 { return e.Radius }

// IsBot reports whether the entity is a server-driven player.
func (e *Entity) IsBot() bool { return e.Type == TypePlayer && e.Subtype == SubtypeBot }

// Mass returns the body mass, or 0 for massless entities.
func (e *Entity) Mass() float64 {
	if e.Body == nil {
		return 0
	}
	return e.Body.Mass
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	c := *e
	if e.Body != nil {
		b := *e.Body
		c.Body = &b
	}
	if e.Coin != nil {
		k := *e.Coin
		c.Coin = &k
	}
	if e.Group != nil {
		c.Group = make(map[string]SimpleState, len(e.Group))
		for id, s := range e.Group {
			c.Group[id] = s
		}
	}
	return &c
}

// Simplify returns the trimmed group snapshot of e with rounded coordinates.
func Simplify(e *Entity) SimpleState {
	return SimpleState{Type: e.Type, X: math.Round(e.X), Y: math.Round(e.Y)}
}

// RadiusFromDiameter converts a configured diameter to a hit radius.
func RadiusFromDiameter(d float64) float64 {
	return math.Round(d / 2)
}

// ClientState is the outbound view of an entity. Ownership, versioning,
// physics tuning and grouping fields are never sent to clients.
type ClientState struct {
	ID      string     `json:"id" msgpack:"id"`
	Type    EntityType `json:"type" msgpack:"type"`
	Subtype string     `json:"subtype,omitempty" msgpack:"subtype,omitempty"`
	X       float64    `json:"x" msgpack:"x"`
	Y       float64    `json:"y" msgpack:"y"`
	Width   float64    `json:"width,omitempty" msgpack:"width,omitempty"`
	Height  float64    `json:"height,omitempty" msgpack:"height,omitempty"`
	R       float64    `json:"r,omitempty" msgpack:"r,omitempty"`
	Value   int        `json:"v,omitempty" msgpack:"v,omitempty"`
	Kind    int        `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Name    string     `json:"name,omitempty" msgpack:"name,omitempty"`
	Color   string     `json:"color,omitempty" msgpack:"color,omitempty"`
	Score   int        `json:"score,omitempty" msgpack:"score,omitempty"`
	Delete  bool       `json:"delete,omitempty" msgpack:"delete,omitempty"`
}

// Position implements spatial.Point for outbound partitioning.
func (s ClientState) Position() (float64, float64) { return s.X, s.Y }

// Outbound converts an entity to its client view.
func Outbound(e *Entity) ClientState {
	s := ClientState{
		ID:      e.ID,
		Type:    e.Type,
		Subtype: e.Subtype,
		X:       e.X,
		Y:       e.Y,
		Delete:  e.PendingDelete,
	}
	if e.Body != nil {
		s.Width = e.Radius * 2
		s.Height = e.Radius * 2
		s.Name = e.Body.Name
		s.Color = e.Body.Color
		s.Score = e.Body.Score
	}
	if e.Coin != nil {
		s.R = e.Radius
		s.Value = e.Coin.Value
		s.Kind = e.Coin.Kind
	}
	return s
}

// sortEntities orders entities by type then id, the iteration order used by
// every per-tick pass.
func sortEntities(list []*Entity) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Type != list[j].Type {
			return list[i].Type < list[j].Type
		}
		return list[i].ID < list[j].ID
	})
}
