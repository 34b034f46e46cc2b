package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"georef/internal/controlpoint"
	"georef/internal/raster"
	"georef/internal/source"
	"georef/internal/storage"
	"georef/internal/tilestore"
	"georef/internal/transform"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxAttempts bounds rasterization attempts per job.
	MaxAttempts int
	// BackoffInitial is the first retry delay; doubles up to BackoffMax.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// AttemptTimeout bounds each rasterization attempt. Zero disables it.
	AttemptTimeout time.Duration
	// KeepVersions is how many tile versions an eviction pass retains.
	KeepVersions int
	// SweepInterval paces the garbage collection loop.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.KeepVersions == 0 {
		c.KeepVersions = 2
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

// CommitRequest is a batch of control points committed for an overlay,
// together with how the overlay should be processed.
type CommitRequest struct {
	OverlayID uuid.UUID
	SourceRef string
	Kind      transform.Kind
	ZoomMin   uint32
	ZoomMax   uint32
	Points    []controlpoint.Point
}

// StatusReport is the polling surface exposed to the presentation layer.
type StatusReport struct {
	Stage            Stage  `json:"stage"`
	Status           Status `json:"status"`
	ProgressPct      int    `json:"progress_pct"`
	Error            string `json:"error,omitempty"`
	AttemptCount     int    `json:"attempt_count"`
	TransformVersion int    `json:"transform_version,omitempty"`
}

// Orchestrator owns processing jobs and the pipeline that drives them.
type Orchestrator struct {
	log        *zap.Logger
	cfg        Config
	points     controlpoint.Store
	models     transform.Store
	solver     *transform.Solver
	reader     source.Reader
	tiles      *tilestore.Store
	rasterizer *raster.Rasterizer
	jobs       Store

	mu sync.Mutex
	// queued holds at most one deferred commit per overlay. Unlike job
	// uniqueness, which the store enforces across workers, this map is
	// process-local: a queued commit is lost if the process dies before
	// the active job finishes, and a job completed by another worker
	// will not promote it. Callers needing durable queuing re-commit
	// after observing a terminal status.
	queued map[uuid.UUID]CommitRequest
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(log *zap.Logger, cfg Config, points controlpoint.Store, models transform.Store, solver *transform.Solver, reader source.Reader, tiles *tilestore.Store, rasterizer *raster.Rasterizer, jobs Store) *Orchestrator {
	return &Orchestrator{
		log:        log,
		cfg:        cfg.withDefaults(),
		points:     points,
		models:     models,
		solver:     solver,
		reader:     reader,
		tiles:      tiles,
		rasterizer: rasterizer,
		jobs:       jobs,
		queued:     make(map[uuid.UUID]CommitRequest),
	}
}

// Commit validates and stores a batch of control points and schedules a
// processing job. If the overlay already has an active job the commit is
// queued and applied once that job reaches a terminal state; the latest
// queued commit wins. Returns the created job, or nil when queued.
func (o *Orchestrator) Commit(ctx context.Context, req CommitRequest) (*Job, error) {
	if req.ZoomMax < req.ZoomMin {
		return nil, transform.ErrInvalidInput.New("zoom range [%d, %d] is inverted", req.ZoomMin, req.ZoomMax)
	}

	page, err := o.reader.ReadPage(ctx, req.SourceRef)
	if err != nil {
		return nil, err
	}
	for _, p := range req.Points {
		if err := p.Validate(page.Bounds()); err != nil {
			return nil, err
		}
	}

	latest, err := o.jobs.Latest(ctx, req.OverlayID)
	if err == nil && latest.Active() {
		o.mu.Lock()
		o.queued[req.OverlayID] = req
		o.mu.Unlock()
		o.log.Info("commit queued behind active job",
			zap.Stringer("overlay", req.OverlayID),
			zap.Stringer("job", latest.ID))
		return nil, nil
	}

	return o.schedule(ctx, req, page)
}

// schedule stores the points and creates the overlay's next active job.
// page is the already-decoded source page; decoding happens once per
// commit even for large sources.
func (o *Orchestrator) schedule(ctx context.Context, req CommitRequest, page *source.Page) (*Job, error) {
	if err := o.points.Replace(ctx, req.OverlayID, req.Points, page.Bounds()); err != nil {
		return nil, err
	}

	job := &Job{
		OverlayID:            req.OverlayID,
		SourceRef:            req.SourceRef,
		Kind:                 string(req.Kind),
		ZoomMin:              req.ZoomMin,
		ZoomMax:              req.ZoomMax,
		Stage:                StagePending,
		Status:               StatusPending,
		HighestCompletedZoom: -1,
	}
	if err := o.jobs.CreateActive(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Run executes the overlay's pending job to a terminal state, then applies
// any queued commit by scheduling the next job (without executing it).
func (o *Orchestrator) Run(ctx context.Context, overlayID uuid.UUID) (*Job, error) {
	job, err := o.jobs.Latest(ctx, overlayID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusPending {
		return nil, ErrJobNotFound.New("overlay %s has no pending job (status %s)", overlayID, job.Status)
	}

	runErr := o.execute(ctx, job)
	if runErr != nil {
		o.log.Warn("job failed",
			zap.Stringer("overlay", overlayID),
			zap.Stringer("job", job.ID),
			zap.String("stage", string(job.Stage)),
			zap.Error(runErr))
	}

	o.applyQueued(ctx, overlayID)
	return job, nil
}

// applyQueued promotes a queued commit into the next pending job.
func (o *Orchestrator) applyQueued(ctx context.Context, overlayID uuid.UUID) {
	o.mu.Lock()
	req, ok := o.queued[overlayID]
	if ok {
		delete(o.queued, overlayID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	page, err := o.reader.ReadPage(ctx, req.SourceRef)
	if err != nil {
		o.log.Error("applying queued commit failed",
			zap.Stringer("overlay", overlayID),
			zap.Error(err))
		return
	}
	if _, err := o.schedule(ctx, req, page); err != nil {
		o.log.Error("applying queued commit failed",
			zap.Stringer("overlay", overlayID),
			zap.Error(err))
	}
}

// execute drives one job through solving and rasterizing.
func (o *Orchestrator) execute(ctx context.Context, job *Job) error {
	job.Status = StatusRunning
	job.Stage = StageSolving
	job.ProgressPct = 5
	if err := o.jobs.Update(ctx, job); err != nil {
		return err
	}

	model, page, err := o.solve(ctx, job)
	if err != nil {
		// Bad geometry needs corrected control points, not a retry.
		return o.fail(ctx, job, err)
	}

	job.Stage = StageRasterizing
	job.ProgressPct = 10
	if err := o.jobs.Update(ctx, job); err != nil {
		return err
	}

	if err := o.rasterize(ctx, job, model, page); err != nil {
		return o.fail(ctx, job, err)
	}

	job.Stage = StageReady
	job.Status = StatusSucceeded
	job.ProgressPct = 100
	job.Error = ""
	return o.jobs.Update(ctx, job)
}

// solve reads the page, fits the transform and persists it as the
// overlay's next active version, invalidating the superseded version's
// tiles.
func (o *Orchestrator) solve(ctx context.Context, job *Job) (*transform.Model, *source.Page, error) {
	page, err := o.reader.ReadPage(ctx, job.SourceRef)
	if err != nil {
		return nil, nil, err
	}

	points, err := o.points.List(ctx, job.OverlayID)
	if err != nil {
		return nil, nil, err
	}

	model, residuals, err := o.solver.Solve(controlpoint.Ties(points), transform.Kind(job.Kind), page.Bounds())
	if err != nil {
		return nil, nil, err
	}

	flagged := 0
	for _, r := range residuals {
		if r.Flagged {
			flagged++
		}
	}
	if flagged > 0 {
		o.log.Info("outlier control points flagged for review",
			zap.Stringer("overlay", job.OverlayID),
			zap.Int("flagged", flagged),
			zap.Float64("rmse_m", model.RMSE))
	}

	var superseded int
	if prev, err := o.models.GetActive(ctx, job.OverlayID); err == nil {
		superseded = prev.Version
	}

	record, err := transform.NewRecord(job.OverlayID, model)
	if err != nil {
		return nil, nil, err
	}
	version, err := o.models.Create(ctx, record)
	if err != nil {
		return nil, nil, err
	}
	job.TransformVersion = version

	if superseded != 0 {
		if err := o.tiles.Invalidate(ctx, job.OverlayID, superseded); err != nil {
			o.log.Warn("invalidating superseded tiles failed",
				zap.Stringer("overlay", job.OverlayID),
				zap.Int("version", superseded),
				zap.Error(err))
		}
	}
	return model, page, nil
}

// rasterize produces every requested zoom level, retrying transient
// failures with bounded exponential backoff. Completed levels are recorded
// on the job so retries resume instead of replaying.
func (o *Orchestrator) rasterize(ctx context.Context, job *Job, model *transform.Model, page *source.Page) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.BackoffInitial
	policy.MaxInterval = o.cfg.BackoffMax
	policy.MaxElapsedTime = 0

	attempt := func() error {
		job.AttemptCount++
		if err := o.jobs.Update(ctx, job); err != nil {
			return backoff.Permanent(err)
		}

		err := o.runAttempt(ctx, job, model, page)
		if err == nil {
			return nil
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(o.cfg.MaxAttempts-1)), ctx))
}

// runAttempt renders the remaining zoom levels under the per-attempt
// timeout.
func (o *Orchestrator) runAttempt(ctx context.Context, job *Job, model *transform.Model, page *source.Page) error {
	attemptCtx := ctx
	if o.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		defer cancel()
	}

	totalLevels := int(job.ZoomMax-job.ZoomMin) + 1
	for z := job.ZoomMin; z <= job.ZoomMax; z++ {
		if int(z) <= job.HighestCompletedZoom {
			continue
		}

		sink := func(tile raster.RenderedTile) error {
			return o.tiles.Put(attemptCtx, &tilestore.Tile{
				OverlayID: job.OverlayID,
				Version:   job.TransformVersion,
				Z:         uint32(tile.Tile.Z),
				X:         tile.Tile.X,
				Y:         tile.Tile.Y,
				Format:    tilestore.FormatPNG,
				Payload:   tile.PNG,
			})
		}

		report, err := o.rasterizer.GenerateLevel(attemptCtx, model, page, z, sink)
		if report != nil {
			if recordErr := job.RecordLevelFailures(z, report.Failures); recordErr != nil {
				return recordErr
			}
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && attemptCtx.Err() != nil && ctx.Err() == nil {
				return ErrTimeout.Wrap(err)
			}
			return err
		}

		job.HighestCompletedZoom = int(z)
		done := int(z-job.ZoomMin) + 1
		job.ProgressPct = 10 + (90*done)/totalLevels
		if err := o.jobs.Update(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// fail records a terminal failure with the stage it occurred in.
func (o *Orchestrator) fail(ctx context.Context, job *Job, cause error) error {
	job.Status = StatusFailed
	job.Error = cause.Error()
	if err := o.jobs.Update(ctx, job); err != nil {
		return errs.Combine(cause, err)
	}
	return cause
}

// retryable classifies pipeline errors per the retry policy: transient
// storage trouble, attempt timeouts and over-threshold levels retry;
// structural failures do not.
func retryable(err error) bool {
	return storage.Error.Has(err) ||
		raster.ErrLevelFailed.Has(err) ||
		ErrTimeout.Has(err)
}

// Status reports the overlay's latest job state for polling.
func (o *Orchestrator) Status(ctx context.Context, overlayID uuid.UUID) (*StatusReport, error) {
	job, err := o.jobs.Latest(ctx, overlayID)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Stage:            job.Stage,
		Status:           job.Status,
		ProgressPct:      job.ProgressPct,
		Error:            job.Error,
		AttemptCount:     job.AttemptCount,
		TransformVersion: job.TransformVersion,
	}, nil
}

// ServeTile fetches a tile for the overlay's currently active transform
// version.
func (o *Orchestrator) ServeTile(ctx context.Context, overlayID uuid.UUID, z, x, y uint32) (*tilestore.Tile, error) {
	record, err := o.models.GetActive(ctx, overlayID)
	if err != nil {
		return nil, err
	}
	return o.tiles.Get(ctx, overlayID, record.Version, z, x, y)
}

// RunSweeper reclaims invalidated tile versions on an interval until the
// context ends.
func (o *Orchestrator) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := o.tiles.Sweep(ctx)
			if err != nil {
				o.log.Warn("tile sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				o.log.Info("tile sweep reclaimed tiles", zap.Int("tiles", removed))
			}
		}
	}
}
