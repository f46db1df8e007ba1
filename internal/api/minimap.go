package api

import (
	"image/color"
	"io"
	"math"

	"github.com/fogleman/gg"

	"iogrid/internal/game"
)

const (
	MinMinimapSize     = 64
	MaxMinimapSize     = 1024
	DefaultMinimapSize = 256
)

var (
	minimapBackground = color.RGBA{12, 12, 28, 255}
	minimapGrid       = color.RGBA{80, 80, 110, 255}
	minimapCoin       = color.RGBA{241, 196, 15, 255}
	minimapPlayer     = color.RGBA{236, 240, 241, 255}
)

func clampMinimapSize(size int) int {
	if size < MinMinimapSize {
		return MinMinimapSize
	}
	if size > MaxMinimapSize {
		return MaxMinimapSize
	}
	return size
}

// RenderMinimap draws the cell grid and every authoritative entity in snaps
// as a PNG whose longer side is size pixels.
func RenderMinimap(w io.Writer, info game.WorldInfo, snaps []*game.Snapshot, size int) error {
	size = clampMinimapSize(size)
	scale := float64(size) / math.Max(info.Width, info.Height)
	width := int(math.Max(1, math.Round(info.Width*scale)))
	height := int(math.Max(1, math.Round(info.Height*scale)))

	dc := gg.NewContext(width, height)
	dc.SetColor(minimapBackground)
	dc.DrawRectangle(0, 0, float64(width), float64(height))
	dc.Fill()

	dc.SetColor(minimapGrid)
	dc.SetLineWidth(1)
	for col := 1; col < info.Cols; col++ {
		x := float64(col) * info.CellWidth * scale
		dc.DrawLine(x, 0, x, float64(height))
		dc.Stroke()
	}
	for row := 1; row < info.Rows; row++ {
		y := float64(row) * info.CellHeight * scale
		dc.DrawLine(0, y, float64(width), y)
		dc.Stroke()
	}

	for _, snap := range snaps {
		for _, e := range snap.Entities {
			x, y := e.X*scale, e.Y*scale
			switch e.Type {
			case game.TypeCoin:
				dc.SetColor(minimapCoin)
				dc.DrawCircle(x, y, math.Max(1, e.R*scale))
			default:
				if e.Color != "" {
					dc.SetHexColor(e.Color)
				} else {
					dc.SetColor(minimapPlayer)
				}
				dc.DrawCircle(x, y, math.Max(1.5, e.Width/2*scale))
			}
			dc.Fill()
		}
	}

	return dc.EncodePNG(w)
}
