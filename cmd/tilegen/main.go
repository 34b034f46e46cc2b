// Command tilegen georeferences a source page from a control point file and
// generates its tile pyramid into a boltdb tile store. With DATABASE_URL set
// the stores run on Postgres; otherwise everything but the tiles stays in
// memory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"georef/internal/controlpoint"
	"georef/internal/db"
	"georef/internal/job"
	"georef/internal/raster"
	"georef/internal/source"
	"georef/internal/storage"
	"georef/internal/tilestore"
	"georef/internal/transform"
	"georef/internal/version"
)

func main() {
	pointsFile := flag.String("points", "", "JSON file with control points [{pixel_x, pixel_y, lon, lat}, ...]")
	sourceRef := flag.String("source", "", "Path to the source page image (png/jpeg/tiff)")
	kind := flag.String("kind", "affine", "Transform kind: affine, polynomial, thin_plate_spline, projective")
	order := flag.Int("order", 2, "Polynomial order (1-3)")
	zoomMin := flag.Uint("zmin", 0, "Lowest zoom level")
	zoomMax := flag.Uint("zmax", 6, "Highest zoom level")
	tileDB := flag.String("tiles", "tiles.db", "Path to the boltdb tile store")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *pointsFile == "" || *sourceRef == "" {
		fmt.Println("Usage: tilegen -points <points.json> -source <page.png> [-kind affine] [-zmin 0 -zmax 6] [-tiles tiles.db]")
		os.Exit(1)
	}

	_ = godotenv.Load()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, *pointsFile, *sourceRef, *kind, *order, uint32(*zoomMin), uint32(*zoomMax), *tileDB); err != nil {
		log.Fatal("tilegen failed", zap.Error(err))
	}
}

func run(ctx context.Context, log *zap.Logger, pointsFile, sourceRef, kind string, order int, zoomMin, zoomMax uint32, tileDB string) error {
	data, err := os.ReadFile(pointsFile)
	if err != nil {
		return err
	}
	var points []controlpoint.Point
	if err := json.Unmarshal(data, &points); err != nil {
		return err
	}

	kv, err := storage.NewBoltStore(log.Named("bolt"), tileDB)
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	var (
		pointStore controlpoint.Store = controlpoint.NewMemoryStore()
		modelStore transform.Store    = transform.NewMemoryStore()
		jobStore   job.Store          = job.NewMemoryStore()
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		gdb, err := db.Open(dsn)
		if err != nil {
			return err
		}
		pointStore = db.NewControlPoints(gdb)
		modelStore = db.NewTransforms(gdb)
		jobStore = db.NewJobs(gdb)
		log.Info("using postgres stores")
	}

	solver := transform.NewSolver(log.Named("solver"), transform.Options{PolynomialOrder: order})
	tiles := tilestore.New(log.Named("tilestore"), kv)
	rasterizer := raster.New(log.Named("raster"), raster.Config{})
	orch := job.NewOrchestrator(log.Named("job"), job.Config{},
		pointStore, modelStore, solver, source.NewFileReader(log.Named("source")),
		tiles, rasterizer, jobStore)

	overlayID := uuid.New()
	created, err := orch.Commit(ctx, job.CommitRequest{
		OverlayID: overlayID,
		SourceRef: sourceRef,
		Kind:      transform.Kind(kind),
		ZoomMin:   zoomMin,
		ZoomMax:   zoomMax,
		Points:    points,
	})
	if err != nil {
		return err
	}
	log.Info("job created", zap.Stringer("overlay", overlayID), zap.Stringer("job", created.ID))

	done, err := orch.Run(ctx, overlayID)
	if err != nil {
		return err
	}

	status, err := orch.Status(ctx, overlayID)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(out))

	if done.Status != job.StatusSucceeded {
		return fmt.Errorf("job ended %s at stage %s: %s", done.Status, done.Stage, done.Error)
	}
	return nil
}
