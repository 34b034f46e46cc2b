package raster

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"georef/internal/source"
	"georef/internal/transform"
	"georef/pkg/geometry"
)

// solveTestModel georeferences a page of the given pixel size onto a small
// area so low zoom levels stay at a handful of tiles.
func solveTestModel(t *testing.T, width, height int) *transform.Model {
	solver := transform.NewSolver(zaptest.NewLogger(t), transform.Options{})
	truth := geometry.AffineTransform{
		A: 0.02, TX: 3,
		D: -0.015, TY: 46,
	}
	tie := func(px, py float64) transform.Tie {
		g := truth.Apply(geometry.Point2D{X: px, Y: py})
		return transform.Tie{Pixel: geometry.Point2D{X: px, Y: py}, Geo: geometry.LonLat{Lon: g.X, Lat: g.Y}}
	}

	w, h := float64(width), float64(height)
	model, _, err := solver.Solve(
		[]transform.Tie{tie(0, 0), tie(w, 0), tie(0, h), tie(w, h)},
		transform.Affine,
		geometry.NewRect(0, 0, w, h))
	require.NoError(t, err)
	return model
}

func solidPage(width, height int, c color.NRGBA) *source.Page {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return &source.Page{Image: img, Width: width, Height: height}
}

// bruteBounds computes a tile's envelope straight from the quad-tree
// formulas, independent of the production path.
func bruteBounds(z, x, y uint32) geometry.Bounds {
	return geometry.Bounds{
		West:  lonAt(z, float64(x)),
		East:  lonAt(z, float64(x+1)),
		North: latAt(z, float64(y)),
		South: latAt(z, float64(y+1)),
	}
}

func lonAt(z uint32, fx float64) float64 {
	return fx/float64(uint64(1)<<z)*360 - 180
}

func latAt(z uint32, fy float64) float64 {
	n := float64(uint64(1) << z)
	return math.Atan(math.Sinh(math.Pi*(1-2*fy/n))) * 180 / math.Pi
}

func TestCoverageMatchesBruteForce(t *testing.T) {
	model := solveTestModel(t, 400, 300)

	for z := uint32(0); z <= 4; z++ {
		got := Coverage(model.Bounds, z)

		seen := make(map[maptile.Tile]bool)
		for _, tile := range got {
			require.False(t, seen[tile], "duplicate tile %v", tile)
			require.Less(t, tile.X, uint32(1)<<z)
			require.Less(t, tile.Y, uint32(1)<<z)
			seen[tile] = true
		}

		limit := uint32(1) << z
		for x := uint32(0); x < limit; x++ {
			for y := uint32(0); y < limit; y++ {
				want := bruteBounds(z, x, y).Intersects(model.Bounds)
				require.Equal(t, want, seen[maptile.New(x, y, maptile.Zoom(z))],
					"zoom %d tile (%d, %d)", z, x, y)
			}
		}
	}
}

func TestGenerateLevelProducesCoverage(t *testing.T) {
	model := solveTestModel(t, 400, 300)
	page := solidPage(400, 300, color.NRGBA{R: 200, G: 30, B: 30, A: 255})
	rasterizer := New(zaptest.NewLogger(t), Config{Workers: 4})

	const zoom = 6
	var produced []RenderedTile
	report, err := rasterizer.GenerateLevel(context.Background(), model, page, zoom, func(tile RenderedTile) error {
		produced = append(produced, tile)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, report.Failures)
	require.Len(t, produced, len(Coverage(model.Bounds, zoom)))
	require.Equal(t, report.Generated, len(produced))
}

func TestGenerateLevelIdempotent(t *testing.T) {
	model := solveTestModel(t, 400, 300)
	page := solidPage(400, 300, color.NRGBA{R: 10, G: 120, B: 60, A: 255})
	rasterizer := New(zaptest.NewLogger(t), Config{Workers: 2})

	render := func() map[maptile.Tile][]byte {
		out := make(map[maptile.Tile][]byte)
		_, err := rasterizer.GenerateLevel(context.Background(), model, page, 6, func(tile RenderedTile) error {
			out[tile.Tile] = tile.PNG
			return nil
		})
		require.NoError(t, err)
		return out
	}

	first := render()
	second := render()
	require.Equal(t, len(first), len(second))
	for tile, data := range first {
		require.True(t, bytes.Equal(data, second[tile]), "tile %v differs between runs", tile)
	}
}

func TestTileEdgesTransparentOutsidePage(t *testing.T) {
	model := solveTestModel(t, 400, 300)
	page := solidPage(400, 300, color.NRGBA{R: 255, A: 255})
	rasterizer := New(zaptest.NewLogger(t), Config{})

	var tiles []RenderedTile
	_, err := rasterizer.GenerateLevel(context.Background(), model, page, 6, func(tile RenderedTile) error {
		tiles = append(tiles, tile)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, tiles)

	var opaque, transparent int
	for _, tile := range tiles {
		img, err := png.Decode(bytes.NewReader(tile.PNG))
		require.NoError(t, err)
		bounds := img.Bounds()
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				_, _, _, a := img.At(x, y).RGBA()
				if a == 0 {
					transparent++
				} else {
					opaque++
				}
			}
		}
	}
	// The page covers part of the world, the rest of each tile is blank.
	require.NotZero(t, opaque)
	require.NotZero(t, transparent)
}

func TestPerTileFailureUnderThreshold(t *testing.T) {
	model := solveTestModel(t, 400, 300)
	page := solidPage(400, 300, color.NRGBA{R: 255, A: 255})

	rasterizer := New(zaptest.NewLogger(t), Config{Workers: 1, MaxFailedRatio: 0.5})
	tiles := Coverage(model.Bounds, 7)
	require.Greater(t, len(tiles), 2)

	victim := tiles[1]
	rasterizer.renderHook = func(tile maptile.Tile) error {
		if tile == victim {
			return errors.New("injected resample failure")
		}
		return nil
	}

	report, err := rasterizer.GenerateLevel(context.Background(), model, page, 7, func(RenderedTile) error { return nil })
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	require.Equal(t, victim.X, report.Failures[0].X)
	require.Equal(t, report.Total-1, report.Generated)
}

func TestLevelFailsOverThreshold(t *testing.T) {
	model := solveTestModel(t, 400, 300)
	page := solidPage(400, 300, color.NRGBA{R: 255, A: 255})

	rasterizer := New(zaptest.NewLogger(t), Config{Workers: 1, MaxFailedRatio: 0.01})
	rasterizer.renderHook = func(tile maptile.Tile) error {
		return errors.New("injected resample failure")
	}

	_, err := rasterizer.GenerateLevel(context.Background(), model, page, 6, func(RenderedTile) error { return nil })
	require.True(t, ErrLevelFailed.Has(err))
}

func TestGenerateLevelCancellation(t *testing.T) {
	model := solveTestModel(t, 400, 300)
	page := solidPage(400, 300, color.NRGBA{R: 255, A: 255})
	rasterizer := New(zaptest.NewLogger(t), Config{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rasterizer.GenerateLevel(ctx, model, page, 6, func(RenderedTile) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
