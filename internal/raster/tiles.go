// Package raster resamples a georeferenced source page into slippy-map tile
// pyramids. Levels are generated one zoom at a time so low-zoom results are
// usable before the pyramid completes, and generation is restartable at any
// level boundary.
package raster

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"georef/pkg/geometry"
)

// TileSize is the edge length of generated tiles in pixels.
const TileSize = 256

// Coverage returns the tiles at zoom z whose geographic envelope intersects
// bounds, in row-major order. Tiles fully outside the bounds are not
// enumerated at all.
func Coverage(bounds geometry.Bounds, z uint32) []maptile.Tile {
	if bounds.Empty() {
		return nil
	}

	zoom := maptile.Zoom(z)
	nw := maptile.At(orb.Point{bounds.West, bounds.North}, zoom)
	se := maptile.At(orb.Point{bounds.East, bounds.South}, zoom)

	limit := uint32(1) << z
	maxX := min32(se.X, limit-1)
	maxY := min32(se.Y, limit-1)

	var tiles []maptile.Tile
	for y := nw.Y; y <= maxY; y++ {
		for x := nw.X; x <= maxX; x++ {
			t := maptile.New(x, y, zoom)
			if tileBounds(t).Intersects(bounds) {
				tiles = append(tiles, t)
			}
		}
	}
	return tiles
}

// tileBounds returns the tile's geographic envelope.
func tileBounds(t maptile.Tile) geometry.Bounds {
	b := t.Bound()
	return geometry.Bounds{
		West:  b.Min[0],
		South: b.Min[1],
		East:  b.Max[0],
		North: b.Max[1],
	}
}

// pixelLonLat returns the geographic coordinate of a tile pixel's center,
// following the Web Mercator quad-tree subdivision. The inverse Gudermannian
// keeps latitude finite at the projection's clamped edges.
func pixelLonLat(t maptile.Tile, px, py int, size int) geometry.LonLat {
	n := float64(uint64(1) << t.Z)
	fx := (float64(t.X) + (float64(px)+0.5)/float64(size)) / n
	fy := (float64(t.Y) + (float64(py)+0.5)/float64(size)) / n

	return geometry.LonLat{
		Lon: fx*360 - 180,
		Lat: math.Atan(math.Sinh(math.Pi*(1-2*fy))) * 180 / math.Pi,
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
