package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"georef/pkg/geometry"
)

// groundTruth is an affine map used to generate consistent tie points:
// lon = 0.001*px + 0.0002*py - 0.5, lat = -0.0003*px + 0.0011*py + 40.
var groundTruth = geometry.AffineTransform{
	A: 0.001, B: 0.0002, TX: -0.5,
	C: -0.0003, D: 0.0011, TY: 40,
}

func tieAt(px, py float64) Tie {
	geo := groundTruth.Apply(geometry.Point2D{X: px, Y: py})
	return Tie{
		Pixel: geometry.Point2D{X: px, Y: py},
		Geo:   geometry.LonLat{Lon: geo.X, Lat: geo.Y},
	}
}

func testPage() geometry.Rect {
	return geometry.NewRect(0, 0, 1000, 800)
}

func newTestSolver(t *testing.T) *Solver {
	return NewSolver(zaptest.NewLogger(t), Options{})
}

func TestAffineExactFit(t *testing.T) {
	solver := newTestSolver(t)

	ties := []Tie{tieAt(100, 100), tieAt(800, 200), tieAt(300, 700)}
	model, residuals, err := solver.Solve(ties, Affine, testPage())
	require.NoError(t, err)
	require.Len(t, residuals, 3)

	// Three non-collinear points constrain the affine exactly.
	require.Less(t, model.RMSE, 1e-6)
	for _, r := range residuals {
		require.Less(t, r.Meters, 1e-6)
		require.False(t, r.Flagged)
	}
}

func TestAffineFourthPointKeepsFit(t *testing.T) {
	solver := newTestSolver(t)

	three := []Tie{tieAt(100, 100), tieAt(800, 200), tieAt(300, 700)}
	modelThree, _, err := solver.Solve(three, Affine, testPage())
	require.NoError(t, err)

	four := append(append([]Tie(nil), three...), tieAt(600, 500))
	modelFour, _, err := solver.Solve(four, Affine, testPage())
	require.NoError(t, err)

	// A consistent fourth point must not worsen the fit.
	require.LessOrEqual(t, modelFour.RMSE, modelThree.RMSE+1e-9)
	require.Less(t, modelFour.RMSE, 1e-6)
}

func TestAffineRoundTrip(t *testing.T) {
	solver := newTestSolver(t)

	ties := []Tie{tieAt(100, 100), tieAt(800, 200), tieAt(300, 700), tieAt(600, 500)}
	model, _, err := solver.Solve(ties, Affine, testPage())
	require.NoError(t, err)

	for _, p := range []geometry.Point2D{{X: 0, Y: 0}, {X: 512.5, Y: 300.25}, {X: 999, Y: 799}} {
		back := model.GeoToPixel(model.PixelToGeo(p))
		require.InDelta(t, p.X, back.X, 1e-6)
		require.InDelta(t, p.Y, back.Y, 1e-6)
	}
}

func TestCollinearPointsDegenerate(t *testing.T) {
	solver := newTestSolver(t)

	ties := []Tie{tieAt(0, 0), tieAt(100, 100), tieAt(200, 200)}
	_, _, err := solver.Solve(ties, Affine, testPage())
	require.True(t, ErrDegenerateGeometry.Has(err))
}

func TestDuplicatePointsDegenerate(t *testing.T) {
	solver := newTestSolver(t)

	ties := []Tie{tieAt(100, 100), tieAt(100, 100), tieAt(300, 700)}
	_, _, err := solver.Solve(ties, Affine, testPage())
	require.True(t, ErrDegenerateGeometry.Has(err))
}

func TestTooManyPoints(t *testing.T) {
	solver := newTestSolver(t)

	var ties []Tie
	for i := 0; i <= MaxTiePoints; i++ {
		ties = append(ties, tieAt(float64(13+i*41%997), float64(29+i*67%773)))
	}
	_, _, err := solver.Solve(ties, ThinPlateSpline, testPage())
	require.True(t, ErrTooManyPoints.Has(err))
}

func TestMinimumPointCounts(t *testing.T) {
	solver := newTestSolver(t)
	page := testPage()

	_, _, err := solver.Solve([]Tie{tieAt(1, 2), tieAt(30, 40)}, Affine, page)
	require.True(t, ErrInvalidInput.Has(err))

	// Second-order polynomial needs six points.
	five := []Tie{tieAt(10, 10), tieAt(900, 50), tieAt(100, 700), tieAt(800, 600), tieAt(400, 350)}
	_, _, err = solver.Solve(five, Polynomial, page)
	require.True(t, ErrInvalidInput.Has(err))

	_, _, err = solver.Solve([]Tie{tieAt(1, 2), tieAt(30, 40), tieAt(200, 100)}, Projective, page)
	require.True(t, ErrInvalidInput.Has(err))
}

func TestInvalidGeographicCoordinate(t *testing.T) {
	solver := newTestSolver(t)

	ties := []Tie{tieAt(100, 100), tieAt(800, 200),
		{Pixel: geometry.Point2D{X: 300, Y: 700}, Geo: geometry.LonLat{Lon: 10, Lat: 95}}}
	_, _, err := solver.Solve(ties, Affine, testPage())
	require.True(t, ErrInvalidInput.Has(err))
}

func TestUnknownKind(t *testing.T) {
	solver := newTestSolver(t)
	_, _, err := solver.Solve([]Tie{tieAt(1, 2)}, Kind("conformal"), testPage())
	require.True(t, ErrInvalidInput.Has(err))
}

func TestPolynomialFitsAffineTruth(t *testing.T) {
	solver := newTestSolver(t)

	ties := []Tie{
		tieAt(10, 10), tieAt(900, 50), tieAt(100, 700), tieAt(800, 600),
		tieAt(400, 350), tieAt(650, 150), tieAt(250, 500), tieAt(550, 750),
	}
	model, _, err := solver.Solve(ties, Polynomial, testPage())
	require.NoError(t, err)
	require.Equal(t, 2, model.Order)
	require.Less(t, model.RMSE, 1e-4)
}

func TestThinPlateSplineInterpolates(t *testing.T) {
	solver := newTestSolver(t)

	ties := []Tie{
		tieAt(10, 10), tieAt(900, 50), tieAt(100, 700), tieAt(800, 600),
		tieAt(400, 350), tieAt(650, 150),
	}
	// Perturb one point so the surface is not a plain affine.
	ties[4].Geo.Lat += 0.01

	model, residuals, err := solver.Solve(ties, ThinPlateSpline, testPage())
	require.NoError(t, err)

	// TPS passes through every tie point.
	require.Less(t, model.RMSE, 1e-4)
	for _, r := range residuals {
		require.Less(t, r.Meters, 1e-4)
	}

	for _, tie := range ties {
		back := model.GeoToPixel(model.PixelToGeo(tie.Pixel))
		require.InDelta(t, tie.Pixel.X, back.X, 1e-4)
		require.InDelta(t, tie.Pixel.Y, back.Y, 1e-4)
	}
}

func TestProjectiveExactFit(t *testing.T) {
	solver := newTestSolver(t)

	h := []float64{
		0.001, 0.00001, -0.5,
		-0.00001, 0.0011, 40,
		0.000001, 0.000002, 1,
	}
	homog := func(px, py float64) Tie {
		w := h[6]*px + h[7]*py + h[8]
		return Tie{
			Pixel: geometry.Point2D{X: px, Y: py},
			Geo: geometry.LonLat{
				Lon: (h[0]*px + h[1]*py + h[2]) / w,
				Lat: (h[3]*px + h[4]*py + h[5]) / w,
			},
		}
	}

	ties := []Tie{homog(50, 50), homog(950, 80), homog(120, 760), homog(880, 700), homog(500, 400)}
	model, _, err := solver.Solve(ties, Projective, testPage())
	require.NoError(t, err)
	require.Less(t, model.RMSE, 1e-4)

	for _, p := range []geometry.Point2D{{X: 200, Y: 300}, {X: 700, Y: 100}} {
		back := model.GeoToPixel(model.PixelToGeo(p))
		require.InDelta(t, p.X, back.X, 1e-6)
		require.InDelta(t, p.Y, back.Y, 1e-6)
	}
}

func TestBoundsEnvelope(t *testing.T) {
	solver := newTestSolver(t)

	ties := []Tie{tieAt(100, 100), tieAt(800, 200), tieAt(300, 700), tieAt(600, 500)}
	page := testPage()
	model, _, err := solver.Solve(ties, Affine, page)
	require.NoError(t, err)

	want := geometry.EmptyBounds()
	for _, corner := range page.Corners() {
		g := groundTruth.Apply(corner)
		want = want.Extend(geometry.LonLat{Lon: g.X, Lat: g.Y})
	}

	require.InDelta(t, want.North, model.Bounds.North, 1e-6)
	require.InDelta(t, want.South, model.Bounds.South, 1e-6)
	require.InDelta(t, want.East, model.Bounds.East, 1e-6)
	require.InDelta(t, want.West, model.Bounds.West, 1e-6)
}

func TestOutlierFlagging(t *testing.T) {
	solver := newTestSolver(t)

	var ties []Tie
	for _, px := range []float64{50, 350, 650, 950} {
		for _, py := range []float64{50, 300, 550, 790} {
			ties = append(ties, tieAt(px, py))
		}
	}
	// One point recorded far from where the map puts it.
	outlier := tieAt(500, 400)
	outlier.Geo.Lat += 0.05
	ties = append(ties, outlier)

	_, residuals, err := solver.Solve(ties, Affine, testPage())
	require.NoError(t, err)

	flagged := 0
	for _, r := range residuals {
		if r.Flagged {
			flagged++
			require.Equal(t, len(ties)-1, r.Index)
		}
	}
	require.Equal(t, 1, flagged)
}

func TestModelJSONRoundTrip(t *testing.T) {
	solver := newTestSolver(t)

	ties := []Tie{
		tieAt(10, 10), tieAt(900, 50), tieAt(100, 700), tieAt(800, 600),
		tieAt(400, 350), tieAt(650, 150),
	}
	model, _, err := solver.Solve(ties, ThinPlateSpline, testPage())
	require.NoError(t, err)

	data, err := json.Marshal(model)
	require.NoError(t, err)

	var decoded Model
	require.NoError(t, json.Unmarshal(data, &decoded))

	for _, p := range []geometry.Point2D{{X: 123, Y: 456}, {X: 777, Y: 88}} {
		want := model.PixelToGeo(p)
		got := decoded.PixelToGeo(p)
		require.InDelta(t, want.Lon, got.Lon, 1e-12)
		require.InDelta(t, want.Lat, got.Lat, 1e-12)
	}
}
