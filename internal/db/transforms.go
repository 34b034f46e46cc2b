package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"georef/internal/transform"
)

// Transforms is the gorm-backed transform.Store.
type Transforms struct {
	db *gorm.DB
}

// NewTransforms creates the store.
func NewTransforms(db *gorm.DB) *Transforms {
	return &Transforms{db: db}
}

// Create implements transform.Store: version assignment and the
// active-flag flip happen in one transaction.
func (s *Transforms) Create(ctx context.Context, record *transform.Record) (int, error) {
	var version int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest transform.Record
		err := tx.Where("overlay_id = ?", record.OverlayID).
			Order("version DESC").
			First(&latest).Error
		switch {
		case err == nil:
			version = latest.Version + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			version = 1
		default:
			return err
		}

		err = tx.Model(&transform.Record{}).
			Where("overlay_id = ? AND active", record.OverlayID).
			Update("active", false).Error
		if err != nil {
			return err
		}

		record.Version = version
		record.Active = true
		return tx.Create(record).Error
	})
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return version, nil
}

// GetActive implements transform.Store.
func (s *Transforms) GetActive(ctx context.Context, overlayID uuid.UUID) (*transform.Record, error) {
	var record transform.Record
	err := s.db.WithContext(ctx).
		Where("overlay_id = ? AND active", overlayID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, transform.ErrModelNotFound.New("no active version for overlay %s", overlayID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &record, nil
}

// Get implements transform.Store.
func (s *Transforms) Get(ctx context.Context, overlayID uuid.UUID, version int) (*transform.Record, error) {
	var record transform.Record
	err := s.db.WithContext(ctx).
		Where("overlay_id = ? AND version = ?", overlayID, version).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, transform.ErrModelNotFound.New("overlay %s version %d", overlayID, version)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &record, nil
}

// List implements transform.Store.
func (s *Transforms) List(ctx context.Context, overlayID uuid.UUID) ([]transform.Record, error) {
	var records []transform.Record
	err := s.db.WithContext(ctx).
		Where("overlay_id = ?", overlayID).
		Order("version DESC").
		Find(&records).Error
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return records, nil
}
