package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"runtime"
	"sync"

	"github.com/paulmach/orb/maptile"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"georef/internal/source"
	"georef/internal/transform"
)

// ErrLevelFailed reports a zoom level whose failed-tile ratio exceeded the
// configured threshold. The level as a whole is considered not produced.
var ErrLevelFailed = errs.Class("zoom level failed")

// DefaultMaxFailedRatio is the per-level failed-tile ceiling.
const DefaultMaxFailedRatio = 0.05

// Config tunes the rasterizer.
type Config struct {
	// TileSize is the output tile edge in pixels.
	TileSize int
	// Workers bounds concurrent tile rendering within a level.
	Workers int
	// MaxFailedRatio fails a level once exceeded.
	MaxFailedRatio float64
	// RenderHook, when set, runs before each tile render. Seam for
	// injecting per-tile failures in tests.
	RenderHook func(t maptile.Tile) error
}

// RenderedTile is one produced tile.
type RenderedTile struct {
	Tile maptile.Tile
	PNG  []byte
}

// TileFailure records a single tile that could not be rendered.
type TileFailure struct {
	Z     uint32 `json:"z"`
	X     uint32 `json:"x"`
	Y     uint32 `json:"y"`
	Cause string `json:"cause"`
}

// LevelReport summarizes one zoom level's generation.
type LevelReport struct {
	Zoom      uint32        `json:"zoom"`
	Total     int           `json:"total"`
	Generated int           `json:"generated"`
	Failures  []TileFailure `json:"failures,omitempty"`
}

// Rasterizer renders tile levels from a transform model and a source page.
type Rasterizer struct {
	log *zap.Logger
	cfg Config

	renderHook func(t maptile.Tile) error
}

// New creates a rasterizer. Zero config fields get defaults.
func New(log *zap.Logger, cfg Config) *Rasterizer {
	if cfg.TileSize == 0 {
		cfg.TileSize = TileSize
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MaxFailedRatio == 0 {
		cfg.MaxFailedRatio = DefaultMaxFailedRatio
	}
	return &Rasterizer{log: log, cfg: cfg, renderHook: cfg.RenderHook}
}

// GenerateLevel renders every tile of one zoom level whose envelope
// intersects the model bounds, invoking sink once per produced tile. The
// model and page are shared read-only across the worker pool. Individual
// tile render errors are recorded in the report without aborting siblings;
// a sink error aborts the level, as does context cancellation. When the
// failed-tile ratio exceeds the configured threshold the level returns
// ErrLevelFailed alongside the report.
func (r *Rasterizer) GenerateLevel(ctx context.Context, model *transform.Model, page *source.Page, zoom uint32, sink func(RenderedTile) error) (*LevelReport, error) {
	tiles := Coverage(model.Bounds, zoom)
	report := &LevelReport{Zoom: zoom, Total: len(tiles)}
	if len(tiles) == 0 {
		return report, nil
	}

	samp := newSampler(page.Image)
	pageW := float64(page.Width)
	pageH := float64(page.Height)

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.Workers)

	for _, tile := range tiles {
		// Cooperative cancellation: no new tiles are scheduled once the
		// context is done, in-flight renders finish on their own.
		if err := groupCtx.Err(); err != nil {
			break
		}

		tile := tile
		group.Go(func() error {
			data, err := r.renderTile(model, samp, pageW, pageH, tile)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, TileFailure{
					Z: uint32(tile.Z), X: tile.X, Y: tile.Y, Cause: err.Error(),
				})
				return nil
			}
			if err := sink(RenderedTile{Tile: tile, PNG: data}); err != nil {
				return err
			}
			report.Generated++
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if ratio := float64(len(report.Failures)) / float64(report.Total); ratio > r.cfg.MaxFailedRatio {
		return report, ErrLevelFailed.New("zoom %d: %d of %d tiles failed", zoom, len(report.Failures), report.Total)
	}

	r.log.Debug("generated zoom level",
		zap.Uint32("zoom", zoom),
		zap.Int("tiles", report.Generated),
		zap.Int("failed", len(report.Failures)))
	return report, nil
}

// renderTile inverse-maps each output pixel to source pixel space and
// resamples bilinearly. Panics from degenerate arithmetic are contained to
// the tile.
func (r *Rasterizer) renderTile(model *transform.Model, samp *sampler, pageW, pageH float64, tile maptile.Tile) (data []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("resampling panic: %v", rec)
		}
	}()

	if r.renderHook != nil {
		if err := r.renderHook(tile); err != nil {
			return nil, err
		}
	}

	size := r.cfg.TileSize
	out := image.NewNRGBA(image.Rect(0, 0, size, size))

	for py := 0; py < size; py++ {
		for px := 0; px < size; px++ {
			g := pixelLonLat(tile, px, py, size)
			src := model.GeoToPixel(g)
			if src.X < 0 || src.Y < 0 || src.X > pageW || src.Y > pageH {
				continue
			}
			red, green, blue, alpha, ok := samp.bilinear(src.X, src.Y)
			if !ok {
				continue
			}
			i := out.PixOffset(px, py)
			out.Pix[i] = red
			out.Pix[i+1] = green
			out.Pix[i+2] = blue
			out.Pix[i+3] = alpha
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
