package spatial

import (
	"reflect"
	"testing"
)

func TestNewGridDimensions(t *testing.T) {
	tests := []struct {
		name               string
		w, h, cw, ch       float64
		wantCols, wantRows int
	}{
		{"default columns", 4000, 4000, 1000, 4000, 4, 1},
		{"square cells", 3000, 2000, 1000, 1000, 3, 2},
		{"non-divisible rounds up", 2500, 1000, 1000, 1000, 3, 1},
		{"cell larger than world", 500, 500, 1000, 1000, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGrid(tt.w, tt.h, tt.cw, tt.ch)
			if g.Cols() != tt.wantCols || g.Rows() != tt.wantRows {
				t.Errorf("got %dx%d, want %dx%d", g.Cols(), g.Rows(), tt.wantCols, tt.wantRows)
			}
		})
	}
}

func TestCellOf(t *testing.T) {
	g := NewGrid(4000, 4000, 1000, 1000)

	tests := []struct {
		name string
		x, y float64
		want int
	}{
		{"origin", 0, 0, 0},
		{"first column boundary", 999.9, 0, 0},
		{"second column", 1000, 0, 1},
		{"second row", 0, 1000, 4},
		{"last cell", 3999, 3999, 15},
		{"negative clamps", -50, -50, 0},
		{"beyond clamps", 5000, 5000, 15},
		{"right edge exact", 4000, 10, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.CellOf(tt.x, tt.y); got != tt.want {
				t.Errorf("CellOf(%v, %v) = %d, want %d", tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestCellsOverlapping(t *testing.T) {
	g := NewGrid(4000, 4000, 1000, 1000)

	tests := []struct {
		name   string
		x, y   float64
		margin float64
		want   []int
	}{
		{"interior point", 500, 500, 150, []int{0}},
		{"near right edge", 900, 500, 150, []int{0, 1}},
		{"near corner", 900, 900, 150, []int{0, 1, 4, 5}},
		{"world corner clamps", 10, 10, 150, []int{0}},
		{"zero margin", 1000, 1000, 0, []int{5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.CellsOverlapping(tt.x, tt.y, tt.margin)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("CellsOverlapping = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCellBoundsAndCoords(t *testing.T) {
	g := NewGrid(4000, 4000, 1000, 4000)

	b := g.CellBounds(2)
	want := Rect{MinX: 2000, MinY: 0, MaxX: 3000, MaxY: 4000}
	if b != want {
		t.Errorf("CellBounds(2) = %+v, want %+v", b, want)
	}

	col, row := g.Coords(3)
	if col != 3 || row != 0 {
		t.Errorf("Coords(3) = %d,%d", col, row)
	}
	if g.Index(col, row) != 3 {
		t.Errorf("Index round trip failed")
	}
}

func TestChannelName(t *testing.T) {
	g := NewGrid(4000, 4000, 1000, 1000)

	if got := g.ChannelName("cell-data", 2, 1); got != "cell(2,1)cell-data" {
		t.Errorf("ChannelName = %q", got)
	}
	if got := g.CellChannel("internal/cell-transition", 6); got != "cell(2,1)internal/cell-transition" {
		t.Errorf("CellChannel = %q", got)
	}
}

type pt struct{ x, y float64 }

func (p pt) Position() (float64, float64) { return p.x, p.y }

func TestPartition(t *testing.T) {
	g := NewGrid(4000, 4000, 1000, 4000)
	items := []pt{{100, 100}, {950, 100}, {2500, 100}}

	batches := Partition(g, items, 150)

	if got := SortedCells(batches); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Fatalf("cells = %v", got)
	}
	if len(batches[0]) != 2 {
		t.Errorf("cell 0 batch = %d, want 2", len(batches[0]))
	}
	if len(batches[1]) != 1 || batches[1][0] != items[1] {
		t.Errorf("cell 1 batch = %v", batches[1])
	}
}
