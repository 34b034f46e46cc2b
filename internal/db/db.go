// Package db provides Postgres-backed implementations of the engine's
// stores via gorm. The memory implementations in each domain package cover
// tests and single-process use; this package is the multi-worker deployment
// path.
package db

import (
	"log"
	"os"
	"time"

	"github.com/zeebo/errs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"georef/internal/controlpoint"
	"georef/internal/job"
	"georef/internal/transform"
)

// Error is the class for database failures.
var Error = errs.Class("db")

// Open connects to Postgres and migrates the engine's tables.
func Open(dsn string) (*gorm.DB, error) {
	lg := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: lg})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates the engine's tables and the partial unique index that
// enforces one active job per overlay across worker processes.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(&controlpoint.Point{}, &transform.Record{}, &job.Job{})
	if err != nil {
		return Error.Wrap(err)
	}

	err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS processing_jobs_one_active
		ON processing_jobs (overlay_id)
		WHERE status IN ('pending', 'running')`).Error
	return Error.Wrap(err)
}
