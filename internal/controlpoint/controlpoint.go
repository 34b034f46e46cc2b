// Package controlpoint stores pixel-to-geographic correspondences for an
// overlay. The store only validates and persists; solving is an explicit,
// separate step so a caller can stage several edits before committing.
package controlpoint

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"georef/internal/transform"
	"georef/pkg/geometry"
)

var (
	// ErrInvalidInput reports a control point outside the source page or
	// with out-of-range geographic coordinates.
	ErrInvalidInput = errs.Class("invalid control point")
	// ErrNotFound reports a missing control point id.
	ErrNotFound = errs.Class("control point not found")
)

// Point is a single control point correspondence. Points are immutable once
// a transform version has been solved from them; edits go through Replace,
// which feeds a new version.
type Point struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OverlayID uuid.UUID `gorm:"type:uuid;index" json:"overlay_id"`
	PixelX    float64   `json:"pixel_x"`
	PixelY    float64   `json:"pixel_y"`
	Lon       float64   `json:"lon"`
	Lat       float64   `json:"lat"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName sets the table used by the gorm-backed store.
func (Point) TableName() string { return "control_points" }

// Validate checks the point against the source page's pixel bounds.
func (p Point) Validate(page geometry.Rect) error {
	if p.PixelX < 0 || p.PixelY < 0 || !page.Contains(geometry.Point2D{X: p.PixelX, Y: p.PixelY}) {
		return ErrInvalidInput.New("pixel (%v, %v) outside page %vx%v", p.PixelX, p.PixelY, page.Width, page.Height)
	}
	if g := (geometry.LonLat{Lon: p.Lon, Lat: p.Lat}); !g.Valid() {
		return ErrInvalidInput.New("coordinate (%v, %v) out of range", p.Lon, p.Lat)
	}
	return nil
}

// Tie converts the point into the solver's input form.
func (p Point) Tie() transform.Tie {
	return transform.Tie{
		Pixel: geometry.Point2D{X: p.PixelX, Y: p.PixelY},
		Geo:   geometry.LonLat{Lon: p.Lon, Lat: p.Lat},
	}
}

// Ties converts a slice of points.
func Ties(points []Point) []transform.Tie {
	ties := make([]transform.Tie, len(points))
	for i, p := range points {
		ties[i] = p.Tie()
	}
	return ties
}

// Store persists control points per overlay.
type Store interface {
	// Add validates the point against the page bounds and stores it.
	Add(ctx context.Context, p Point, page geometry.Rect) (uuid.UUID, error)
	// List returns the overlay's points in insertion order.
	List(ctx context.Context, overlayID uuid.UUID) ([]Point, error)
	// Remove deletes a single point.
	Remove(ctx context.Context, id uuid.UUID) error
	// Replace atomically swaps the overlay's point set.
	Replace(ctx context.Context, overlayID uuid.UUID, points []Point, page geometry.Rect) error
}
