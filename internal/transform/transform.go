// Package transform fits coordinate mappings between document pixel space and
// geographic space from tie point correspondences, and evaluates them in both
// directions.
package transform

import (
	"math"

	"github.com/zeebo/errs"

	"georef/pkg/geometry"
)

// Kind selects the family of mapping function fitted by the solver.
type Kind string

const (
	// Affine is a 6-parameter map: rotation, scale, skew, translation.
	Affine Kind = "affine"
	// Polynomial is a general polynomial map of configurable order.
	Polynomial Kind = "polynomial"
	// ThinPlateSpline interpolates exactly through every tie point.
	ThinPlateSpline Kind = "thin_plate_spline"
	// Projective is an 8-parameter homography.
	Projective Kind = "projective"
)

// MaxTiePoints is the hard ceiling on solver input size. The thin plate
// spline system is O(n^3) and dominates the cost envelope shared by all kinds.
const MaxTiePoints = 20

// DefaultPolynomialOrder is used when no order is configured.
const DefaultPolynomialOrder = 2

var (
	// ErrInvalidInput reports malformed or insufficient tie point data.
	ErrInvalidInput = errs.Class("invalid input")
	// ErrDegenerateGeometry reports a point configuration that cannot
	// constrain the requested mapping (collinear or duplicate points).
	ErrDegenerateGeometry = errs.Class("degenerate geometry")
	// ErrTooManyPoints reports input beyond MaxTiePoints.
	ErrTooManyPoints = errs.Class("too many points")
)

// Tie pairs a source pixel location with its known geographic coordinate.
type Tie struct {
	Pixel geometry.Point2D `json:"pixel"`
	Geo   geometry.LonLat  `json:"geo"`
}

// MinTiePoints returns the minimum tie point count for a kind. For
// Polynomial the count depends on the order.
func MinTiePoints(kind Kind, order int) int {
	switch kind {
	case Polynomial:
		return basisSize(order)
	case Projective:
		return 4
	default:
		return 3
	}
}

// Mapping is a fitted 2D -> 2D map. Pre normalizes input coordinates before
// the kind-specific evaluation and Post denormalizes the result; both are
// identity where the fitter folded normalization into the coefficients.
type Mapping struct {
	Kind  Kind `json:"kind"`
	Order int  `json:"order,omitempty"`

	Affine *geometry.AffineTransform `json:"affine,omitempty"`

	// Polynomial coefficients, one vector per output axis, ordered by
	// total degree then descending power of the first input.
	PolyX []float64 `json:"poly_x,omitempty"`
	PolyY []float64 `json:"poly_y,omitempty"`

	// Projective 3x3 homography, row-major, normalized so H[8] == 1.
	H []float64 `json:"h,omitempty"`

	// Thin plate spline radial centers (in Pre-normalized space) and
	// per-axis weights laid out as [a0 a1 a2 w_0 .. w_n-1].
	Centers  []geometry.Point2D `json:"centers,omitempty"`
	WeightsX []float64          `json:"weights_x,omitempty"`
	WeightsY []float64          `json:"weights_y,omitempty"`

	Pre  geometry.AffineTransform `json:"pre"`
	Post geometry.AffineTransform `json:"post"`
}

// Apply evaluates the mapping at p. Projective points on the horizon line
// evaluate to NaN coordinates; callers treat non-finite results as outside
// any meaningful range.
func (m Mapping) Apply(p geometry.Point2D) geometry.Point2D {
	q := m.Pre.Apply(p)

	var r geometry.Point2D
	switch m.Kind {
	case Affine:
		r = m.Affine.Apply(q)
	case Polynomial:
		terms := polyBasis(q, m.Order)
		for i, t := range terms {
			r.X += m.PolyX[i] * t
			r.Y += m.PolyY[i] * t
		}
	case Projective:
		w := m.H[6]*q.X + m.H[7]*q.Y + m.H[8]
		if math.Abs(w) < 1e-12 {
			return geometry.Point2D{X: math.NaN(), Y: math.NaN()}
		}
		r.X = (m.H[0]*q.X + m.H[1]*q.Y + m.H[2]) / w
		r.Y = (m.H[3]*q.X + m.H[4]*q.Y + m.H[5]) / w
	case ThinPlateSpline:
		r.X = m.WeightsX[0] + m.WeightsX[1]*q.X + m.WeightsX[2]*q.Y
		r.Y = m.WeightsY[0] + m.WeightsY[1]*q.X + m.WeightsY[2]*q.Y
		for i, c := range m.Centers {
			u := tpsKernel(q.Distance(c))
			r.X += m.WeightsX[3+i] * u
			r.Y += m.WeightsY[3+i] * u
		}
	}

	return m.Post.Apply(r)
}

// Model is a fitted georeferencing transform: a forward map from source
// pixels to lon/lat and an inverse map back, with fit quality and the
// geographic envelope of the source page.
type Model struct {
	Kind    Kind            `json:"kind"`
	Order   int             `json:"order,omitempty"`
	Forward Mapping         `json:"forward"`
	Inverse Mapping         `json:"inverse"`
	RMSE    float64         `json:"rmse"`
	Bounds  geometry.Bounds `json:"bounds"`
}

// PixelToGeo maps a source pixel coordinate to a geographic coordinate.
func (m *Model) PixelToGeo(p geometry.Point2D) geometry.LonLat {
	out := m.Forward.Apply(p)
	return geometry.LonLat{Lon: out.X, Lat: out.Y}
}

// GeoToPixel maps a geographic coordinate back to source pixel space.
func (m *Model) GeoToPixel(g geometry.LonLat) geometry.Point2D {
	return m.Inverse.Apply(geometry.Point2D{X: g.Lon, Y: g.Lat})
}

// Residual is the reprojection error of a single tie point in planar meters.
// Flagged marks residuals above three times the model RMSE; flagging is
// advisory, the solver never discards points on its own.
type Residual struct {
	Index   int     `json:"index"`
	Meters  float64 `json:"meters"`
	Flagged bool    `json:"flagged"`
}

// tpsKernel is the thin plate spline radial basis U(r) = r^2 log r.
func tpsKernel(r float64) float64 {
	if r <= 0 {
		return 0
	}
	return r * r * math.Log(r)
}
