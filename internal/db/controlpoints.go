package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"georef/internal/controlpoint"
	"georef/pkg/geometry"
)

// ControlPoints is the gorm-backed controlpoint.Store.
type ControlPoints struct {
	db *gorm.DB
}

// NewControlPoints creates the store.
func NewControlPoints(db *gorm.DB) *ControlPoints {
	return &ControlPoints{db: db}
}

// Add implements controlpoint.Store.
func (s *ControlPoints) Add(ctx context.Context, p controlpoint.Point, page geometry.Rect) (uuid.UUID, error) {
	if err := p.Validate(page); err != nil {
		return uuid.Nil, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return uuid.Nil, Error.Wrap(err)
	}
	return p.ID, nil
}

// List implements controlpoint.Store.
func (s *ControlPoints) List(ctx context.Context, overlayID uuid.UUID) ([]controlpoint.Point, error) {
	var points []controlpoint.Point
	err := s.db.WithContext(ctx).
		Where("overlay_id = ?", overlayID).
		Order("created_at, id").
		Find(&points).Error
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return points, nil
}

// Remove implements controlpoint.Store.
func (s *ControlPoints) Remove(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&controlpoint.Point{}, "id = ?", id)
	if res.Error != nil {
		return Error.Wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return controlpoint.ErrNotFound.New("%s", id)
	}
	return nil
}

// Replace implements controlpoint.Store.
func (s *ControlPoints) Replace(ctx context.Context, overlayID uuid.UUID, points []controlpoint.Point, page geometry.Rect) error {
	now := time.Now()
	rows := make([]controlpoint.Point, 0, len(points))
	for _, p := range points {
		if err := p.Validate(page); err != nil {
			return err
		}
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.OverlayID = overlayID
		rows = append(rows, p)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("overlay_id = ?", overlayID).Delete(&controlpoint.Point{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Error.Wrap(err)
	}
	return nil
}
