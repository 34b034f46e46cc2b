package transform

import (
	"math"

	"go.uber.org/zap"

	"georef/pkg/geometry"
)

// Options tunes the solver.
type Options struct {
	// PolynomialOrder is the order used for Polynomial solves, 1 to 3.
	PolynomialOrder int
	// TPSSmoothing is the thin plate spline regularization weight.
	// Zero interpolates the tie points exactly.
	TPSSmoothing float64
}

// Solver fits transform models from tie points.
type Solver struct {
	log  *zap.Logger
	opts Options
}

// NewSolver creates a solver. Zero option fields get defaults.
func NewSolver(log *zap.Logger, opts Options) *Solver {
	if opts.PolynomialOrder == 0 {
		opts.PolynomialOrder = DefaultPolynomialOrder
	}
	return &Solver{log: log, opts: opts}
}

// Solve fits a model of the requested kind from the tie points. page is the
// source document's pixel bounding box; its corners projected through the
// fitted map seed the model's geographic bounds. Returned residuals are in
// planar meters, one per tie point in input order.
func (s *Solver) Solve(ties []Tie, kind Kind, page geometry.Rect) (*Model, []Residual, error) {
	order := s.opts.PolynomialOrder
	if err := s.validate(ties, kind, order, page); err != nil {
		return nil, nil, err
	}

	pixels := make([]geometry.Point2D, len(ties))
	geos := make([]geometry.Point2D, len(ties))
	for i, t := range ties {
		pixels[i] = t.Pixel
		geos[i] = geometry.Point2D{X: t.Geo.Lon, Y: t.Geo.Lat}
	}

	if duplicated(pixels, 1e-9) || duplicated(geos, 1e-12) {
		return nil, nil, ErrDegenerateGeometry.New("duplicate tie points")
	}
	if collinear(pixels) || collinear(geos) {
		return nil, nil, ErrDegenerateGeometry.New("tie points are collinear")
	}

	normPix := normalizing(pixels)
	normGeo := normalizing(geos)
	normPixInv, _ := normPix.Inverse()
	normGeoInv, _ := normGeo.Inverse()

	srcN := applyAll(normPix, pixels)
	dstN := applyAll(normGeo, geos)

	forward, inverse, err := s.fit(kind, order, srcN, dstN, normPix, normGeoInv, normGeo, normPixInv)
	if err != nil {
		return nil, nil, err
	}

	model := &Model{
		Kind:    kind,
		Forward: forward,
		Inverse: inverse,
	}
	if kind == Polynomial {
		model.Order = order
	}

	residuals := s.measure(model, ties)
	model.RMSE = rmse(residuals)
	flagOutliers(residuals, model.RMSE)

	bounds, err := boundsFromPage(model, page)
	if err != nil {
		return nil, nil, err
	}
	model.Bounds = bounds

	s.log.Debug("solved transform",
		zap.String("kind", string(kind)),
		zap.Int("points", len(ties)),
		zap.Float64("rmse_m", model.RMSE))

	return model, residuals, nil
}

func (s *Solver) validate(ties []Tie, kind Kind, order int, page geometry.Rect) error {
	switch kind {
	case Affine, Polynomial, ThinPlateSpline, Projective:
	default:
		return ErrInvalidInput.New("unknown transform kind %q", kind)
	}
	if kind == Polynomial && (order < 1 || order > 3) {
		return ErrInvalidInput.New("polynomial order %d out of range [1,3]", order)
	}
	if page.Width <= 0 || page.Height <= 0 {
		return ErrInvalidInput.New("source page has no area")
	}
	if len(ties) > MaxTiePoints {
		return ErrTooManyPoints.New("%d tie points exceed the ceiling of %d", len(ties), MaxTiePoints)
	}
	if min := MinTiePoints(kind, order); len(ties) < min {
		return ErrInvalidInput.New("%s needs at least %d tie points, got %d", kind, min, len(ties))
	}
	for i, t := range ties {
		if !t.Geo.Valid() {
			return ErrInvalidInput.New("tie point %d has out-of-range coordinate (%v, %v)", i, t.Geo.Lon, t.Geo.Lat)
		}
	}
	return nil
}

func (s *Solver) fit(kind Kind, order int, srcN, dstN []geometry.Point2D, normPix, normGeoInv, normGeo, normPixInv geometry.AffineTransform) (forward, inverse Mapping, err error) {
	switch kind {
	case Affine:
		forward, err = fitAffine(srcN, dstN, normPix, normGeoInv)
		if err != nil {
			return Mapping{}, Mapping{}, err
		}
		inverse, err = invertAffine(forward)

	case Polynomial:
		forward, err = fitPolynomial(srcN, dstN, order, normPix, normGeoInv)
		if err != nil {
			return Mapping{}, Mapping{}, err
		}
		inverse, err = fitPolynomial(dstN, srcN, order, normGeo, normPixInv)

	case Projective:
		forward, err = fitProjective(srcN, dstN, normPix, normGeoInv)
		if err != nil {
			return Mapping{}, Mapping{}, err
		}
		inverse, err = invertProjective(forward)

	case ThinPlateSpline:
		forward, err = fitThinPlateSpline(srcN, dstN, s.opts.TPSSmoothing, normPix, normGeoInv)
		if err != nil {
			return Mapping{}, Mapping{}, err
		}
		inverse, err = fitThinPlateSpline(dstN, srcN, s.opts.TPSSmoothing, normGeo, normPixInv)
	}
	if err != nil {
		return Mapping{}, Mapping{}, err
	}
	return forward, inverse, nil
}

// measure reprojects every tie point through the fitted model and reports
// the planar-meter error against its recorded coordinate.
func (s *Solver) measure(model *Model, ties []Tie) []Residual {
	var sumLat float64
	for _, t := range ties {
		sumLat += t.Geo.Lat
	}
	frame := geometry.NewPlanarMeters(sumLat / float64(len(ties)))

	residuals := make([]Residual, len(ties))
	for i, t := range ties {
		predicted := model.PixelToGeo(t.Pixel)
		residuals[i] = Residual{
			Index:  i,
			Meters: frame.DistanceMeters(predicted, t.Geo),
		}
	}
	return residuals
}

func rmse(residuals []Residual) float64 {
	var sum float64
	for _, r := range residuals {
		sum += r.Meters * r.Meters
	}
	return math.Sqrt(sum / float64(len(residuals)))
}

func flagOutliers(residuals []Residual, rmse float64) {
	if rmse <= 0 {
		return
	}
	for i := range residuals {
		if residuals[i].Meters > 3*rmse {
			residuals[i].Flagged = true
		}
	}
}

// boundsFromPage projects the page's corners through the forward map and
// takes the envelope, clamped to the valid lon/lat range.
func boundsFromPage(model *Model, page geometry.Rect) (geometry.Bounds, error) {
	bounds := geometry.EmptyBounds()
	for _, corner := range page.Corners() {
		g := model.PixelToGeo(corner)
		if math.IsNaN(g.Lon) || math.IsNaN(g.Lat) || math.IsInf(g.Lon, 0) || math.IsInf(g.Lat, 0) {
			return geometry.Bounds{}, ErrDegenerateGeometry.New("page corner projects outside the model's domain")
		}
		g.Lon = clamp(g.Lon, -180, 180)
		g.Lat = clamp(g.Lat, -90, 90)
		bounds = bounds.Extend(g)
	}
	if bounds.Empty() {
		return geometry.Bounds{}, ErrDegenerateGeometry.New("page projects to an empty envelope")
	}
	return bounds, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
