package spatial

import (
	"math"
	"sort"
	"testing"
)

type disc struct{ x, y, r float64 }

func (d disc) Position() (float64, float64) { return d.x, d.y }
func (d disc) HitRadius() float64           { return d.r }

func TestTestCircles(t *testing.T) {
	tests := []struct {
		name     string
		a, b     disc
		collided bool
		want     Vec
	}{
		{"apart", disc{0, 0, 10}, disc{30, 0, 10}, false, Vec{}},
		{"horizontal overlap", disc{0, 0, 10}, disc{15, 0, 10}, true, Vec{5, 0}},
		{"vertical overlap", disc{0, 0, 10}, disc{0, -15, 10}, true, Vec{0, -5}},
		{"coincident uses +x", disc{5, 5, 25}, disc{5, 5, 25}, true, Vec{50, 0}},
		{"touching", disc{0, 0, 10}, disc{20, 0, 10}, true, Vec{0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TestCircles(tt.a.x, tt.a.y, tt.a.r, tt.b.x, tt.b.y, tt.b.r)
			if ok != tt.collided {
				t.Fatalf("collided = %v, want %v", ok, tt.collided)
			}
			if math.Abs(got.X-tt.want.X) > 1e-9 || math.Abs(got.Y-tt.want.Y) > 1e-9 {
				t.Errorf("overlap = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIndexOverlapping(t *testing.T) {
	items := []disc{
		{0, 0, 10},
		{15, 0, 10},
		{100, 100, 10},
		{110, 100, 5},
	}
	ix := NewIndex(items)

	got := ix.Overlapping(0)
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("Overlapping(0) = %v, want [1]", got)
	}

	got = ix.Overlapping(2)
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("Overlapping(2) = %v, want [3]", got)
	}

	if ix.Len() != 4 {
		t.Errorf("Len = %d", ix.Len())
	}
}

func TestIndexQuery(t *testing.T) {
	players := []disc{{0, 0, 20}, {30, 0, 20}, {500, 500, 20}}
	ix := NewIndex(players)

	got := ix.Query(disc{15, 0, 5})
	sort.Ints(got)
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("Query = %v, want [0 1]", got)
	}

	if got := ix.Query(disc{250, 250, 5}); len(got) != 0 {
		t.Errorf("Query empty area = %v", got)
	}
}

func TestPointInCircle(t *testing.T) {
	if !PointInCircle(3, 4, 0, 0, 5) {
		t.Error("point on circle should count as inside")
	}
	if PointInCircle(3, 4.1, 0, 0, 5) {
		t.Error("point outside reported inside")
	}
}
