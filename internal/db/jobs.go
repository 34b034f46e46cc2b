package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"georef/internal/job"
)

// Jobs is the gorm-backed job.Store. The partial unique index created by
// Migrate turns concurrent CreateActive races into constraint violations,
// which is how one-active-job-per-overlay holds across processes.
type Jobs struct {
	db *gorm.DB
}

// NewJobs creates the store.
func NewJobs(db *gorm.DB) *Jobs {
	return &Jobs{db: db}
}

// CreateActive implements job.Store.
func (s *Jobs) CreateActive(ctx context.Context, j *job.Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now

	err := s.db.WithContext(ctx).Create(j).Error
	if err != nil {
		if isUniqueViolation(err) {
			return job.ErrJobActive.New("overlay %s", j.OverlayID)
		}
		return Error.Wrap(err)
	}
	return nil
}

// Update implements job.Store.
func (s *Jobs) Update(ctx context.Context, j *job.Job) error {
	j.UpdatedAt = time.Now()
	res := s.db.WithContext(ctx).Save(j)
	if res.Error != nil {
		return Error.Wrap(res.Error)
	}
	return nil
}

// Get implements job.Store.
func (s *Jobs) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var j job.Job
	err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, job.ErrJobNotFound.New("%s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &j, nil
}

// Latest implements job.Store.
func (s *Jobs) Latest(ctx context.Context, overlayID uuid.UUID) (*job.Job, error) {
	var j job.Job
	err := s.db.WithContext(ctx).
		Where("overlay_id = ?", overlayID).
		Order("created_at DESC").
		First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, job.ErrJobNotFound.New("no jobs for overlay %s", overlayID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &j, nil
}

// isUniqueViolation matches Postgres unique constraint errors (SQLSTATE
// 23505) without depending on the driver's error type.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
