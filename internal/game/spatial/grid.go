// Package spatial provides the world partition grid and the per-tick
// broad-phase collision index.
//
// The grid never stores entities. It maps positions to cell indices and cell
// indices to pub/sub channel names, so every worker computes the same
// addressing from configuration alone.
package spatial

import (
	"math"
	"sort"
	"strconv"
)

// Rect is an axis-aligned rectangle in world coordinates.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Width returns the horizontal extent.
func (r Rect) Width() float64 { return r.MaxX - r.MinX }

// Height returns the vertical extent.
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// Grid partitions the world into cols x rows rectangular cells.
//
// Memory layout: cells are addressed in row-major order (index = row*cols+col).
type Grid struct {
	worldWidth, worldHeight float64
	cellWidth, cellHeight   float64
	invCellWidth            float64 // 1/cellWidth for faster division
	invCellHeight           float64
	cols, rows              int
}

// NewGrid creates a grid covering the world. The requested cell size is
// rounded so that columns and rows tile the world exactly.
func NewGrid(worldWidth, worldHeight, cellWidth, cellHeight float64) *Grid {
	cols := int(math.Ceil(worldWidth / cellWidth))
	rows := int(math.Ceil(worldHeight / cellHeight))

	// Ensure at least 1x1 grid
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}

	cw := worldWidth / float64(cols)
	ch := worldHeight / float64(rows)

	return &Grid{
		worldWidth:    worldWidth,
		worldHeight:   worldHeight,
		cellWidth:     cw,
		cellHeight:    ch,
		invCellWidth:  1.0 / cw,
		invCellHeight: 1.0 / ch,
		cols:          cols,
		rows:          rows,
	}
}

// Cols returns the number of columns.
func (g *Grid) Cols() int { return g.cols }

// Rows returns the number of rows.
func (g *Grid) Rows() int { return g.rows }

// CellCount returns cols*rows.
func (g *Grid) CellCount() int { return g.cols * g.rows }

// CellSize returns the effective cell width and height.
func (g *Grid) CellSize() (width, height float64) { return g.cellWidth, g.cellHeight }

// WorldBounds returns the rectangle covered by the grid.
func (g *Grid) WorldBounds() Rect {
	return Rect{MaxX: g.worldWidth, MaxY: g.worldHeight}
}

// coords computes the clamped column and row for a position.
func (g *Grid) coords(x, y float64) (col, row int) {
	return g.clampCol(int(math.Floor(x * g.invCellWidth))),
		g.clampRow(int(math.Floor(y * g.invCellHeight)))
}

func (g *Grid) clampCol(col int) int {
	if col < 0 {
		return 0
	}
	if col >= g.cols {
		return g.cols - 1
	}
	return col
}

func (g *Grid) clampRow(row int) int {
	if row < 0 {
		return 0
	}
	if row >= g.rows {
		return g.rows - 1
	}
	return row
}

// CellOf returns the index of the cell containing (x, y).
// Points outside the world clamp to the nearest edge cell.
func (g *Grid) CellOf(x, y float64) int {
	col, row := g.coords(x, y)
	return row*g.cols + col
}

// Coords returns the column and row of a cell index.
func (g *Grid) Coords(index int) (col, row int) {
	return index % g.cols, index / g.cols
}

// Index returns the cell index for a column and row, clamped to the grid.
func (g *Grid) Index(col, row int) int {
	return g.clampRow(row)*g.cols + g.clampCol(col)
}

// CellBounds returns the rectangle covered by a cell.
func (g *Grid) CellBounds(index int) Rect {
	col, row := g.Coords(index)
	minX := float64(col) * g.cellWidth
	minY := float64(row) * g.cellHeight
	return Rect{
		MinX: minX,
		MinY: minY,
		MaxX: minX + g.cellWidth,
		MaxY: minY + g.cellHeight,
	}
}

// CellsOverlapping returns every cell index whose rectangle intersects the
// square of half-size margin centred on (x, y), in ascending order.
// The cell containing the point is always included.
func (g *Grid) CellsOverlapping(x, y, margin float64) []int {
	minCol, minRow := g.coords(x-margin, y-margin)
	maxCol, maxRow := g.coords(x+margin, y+margin)

	cells := make([]int, 0, (maxCol-minCol+1)*(maxRow-minRow+1))
	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			cells = append(cells, row*g.cols+col)
		}
	}
	return cells
}

// ChannelName returns the pub/sub channel for base scoped to a cell.
func (g *Grid) ChannelName(base string, col, row int) string {
	return "cell(" + strconv.Itoa(col) + "," + strconv.Itoa(row) + ")" + base
}

// CellChannel is ChannelName addressed by cell index.
func (g *Grid) CellChannel(base string, index int) string {
	col, row := g.Coords(index)
	return g.ChannelName(base, col, row)
}

// Point is anything with a world position.
type Point interface {
	Position() (x, y float64)
}

// Partition groups items into per-cell batches: each item lands in every
// cell within margin of its position. Items keep their input order within a
// batch.
func Partition[T Point](g *Grid, items []T, margin float64) map[int][]T {
	batches := make(map[int][]T)
	for _, it := range items {
		x, y := it.Position()
		for _, idx := range g.CellsOverlapping(x, y, margin) {
			batches[idx] = append(batches[idx], it)
		}
	}
	return batches
}

// SortedCells returns the keys of a Partition result in ascending order.
func SortedCells[T any](batches map[int][]T) []int {
	keys := make([]int, 0, len(batches))
	for k := range batches {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
