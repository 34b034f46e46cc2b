// Package job drives an overlay through solve and rasterize stages with
// retry, partial-failure bookkeeping and a one-active-job-per-overlay
// guarantee.
package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"georef/internal/raster"
)

// Status is the job's coarse lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Stage is the pipeline stage the job is in (or failed at).
type Stage string

const (
	StagePending     Stage = "pending"
	StageSolving     Stage = "solving"
	StageRasterizing Stage = "rasterizing"
	StageReady       Stage = "ready"
)

var (
	// ErrJobActive reports that an overlay already has a pending or
	// running job. The uniqueness lives in the store, not a process lock,
	// so it holds across workers.
	ErrJobActive = errs.Class("job already active")
	// ErrJobNotFound reports a missing job.
	ErrJobNotFound = errs.Class("job not found")
	// ErrTimeout reports a job attempt that ran past its deadline.
	ErrTimeout = errs.Class("job timeout")
)

// Job is one processing run for an overlay.
type Job struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OverlayID uuid.UUID `gorm:"type:uuid;index" json:"overlay_id"`
	SourceRef string    `json:"source_ref"`
	Kind      string    `json:"kind"`
	ZoomMin   uint32    `json:"zoom_min"`
	ZoomMax   uint32    `json:"zoom_max"`

	Stage       Stage  `gorm:"index" json:"stage"`
	Status      Status `gorm:"index" json:"status"`
	ProgressPct int    `json:"progress_pct"`
	Error       string `json:"error,omitempty"`

	AttemptCount     int `json:"attempt_count"`
	TransformVersion int `json:"transform_version,omitempty"`

	// HighestCompletedZoom lets a retried attempt resume after the last
	// finished level instead of replaying the pyramid. -1 means none.
	HighestCompletedZoom int `gorm:"default:-1" json:"highest_completed_zoom"`

	// TileFailures holds accumulated per-tile failures as JSON, kept for
	// post-mortem inspection even when the job succeeds.
	TileFailures []byte `gorm:"type:jsonb" json:"tile_failures,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName sets the table used by the gorm-backed store.
func (Job) TableName() string { return "processing_jobs" }

// Active reports whether the job occupies the overlay's active slot.
func (j *Job) Active() bool {
	return j.Status == StatusPending || j.Status == StatusRunning
}

// RecordLevelFailures replaces the recorded tile failures for one zoom
// level. Replacing rather than appending keeps a retried level from
// duplicating its entries across attempts.
func (j *Job) RecordLevelFailures(zoom uint32, failures []raster.TileFailure) error {
	var all []raster.TileFailure
	if len(j.TileFailures) > 0 {
		if err := json.Unmarshal(j.TileFailures, &all); err != nil {
			return errs.Wrap(err)
		}
	}

	kept := make([]raster.TileFailure, 0, len(all)+len(failures))
	for _, f := range all {
		if f.Z != zoom {
			kept = append(kept, f)
		}
	}
	kept = append(kept, failures...)

	if len(kept) == 0 {
		j.TileFailures = nil
		return nil
	}
	data, err := json.Marshal(kept)
	if err != nil {
		return errs.Wrap(err)
	}
	j.TileFailures = data
	return nil
}

// Failures decodes the accumulated per-tile failures.
func (j *Job) Failures() ([]raster.TileFailure, error) {
	if len(j.TileFailures) == 0 {
		return nil, nil
	}
	var all []raster.TileFailure
	if err := json.Unmarshal(j.TileFailures, &all); err != nil {
		return nil, errs.Wrap(err)
	}
	return all, nil
}

// Store persists jobs. CreateActive enforces the per-overlay uniqueness
// invariant.
type Store interface {
	// CreateActive stores a new job, failing with ErrJobActive when the
	// overlay already has a pending or running one.
	CreateActive(ctx context.Context, job *Job) error
	// Update persists the job's current state.
	Update(ctx context.Context, job *Job) error
	// Get returns a job by id.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	// Latest returns the overlay's most recent job.
	Latest(ctx context.Context, overlayID uuid.UUID) (*Job, error)
}
