package transform

import (
	"math"

	"georef/pkg/geometry"
)

// basisSize returns the number of polynomial terms at a given order:
// (order+1)(order+2)/2.
func basisSize(order int) int {
	return (order + 1) * (order + 2) / 2
}

// polyBasis evaluates the polynomial basis terms at p, ordered by total
// degree then descending power of X: 1, x, y, x^2, xy, y^2, ...
func polyBasis(p geometry.Point2D, order int) []float64 {
	terms := make([]float64, 0, basisSize(order))
	for d := 0; d <= order; d++ {
		for i := d; i >= 0; i-- {
			terms = append(terms, math.Pow(p.X, float64(i))*math.Pow(p.Y, float64(d-i)))
		}
	}
	return terms
}

// normalizing returns the Hartley-style normalization for a point set:
// centroid at the origin, mean distance sqrt(2). Conditioning the design
// matrix this way keeps higher-order fits stable for pixel coordinates in
// the thousands.
func normalizing(points []geometry.Point2D) geometry.AffineTransform {
	n := float64(len(points))

	var cx, cy float64
	for _, p := range points {
		cx += p.X
		cy += p.Y
	}
	cx /= n
	cy /= n

	var meanDist float64
	for _, p := range points {
		meanDist += math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist /= n
	if meanDist < 1e-12 {
		meanDist = 1
	}

	s := math.Sqrt2 / meanDist
	return geometry.AffineTransform{
		A: s, TX: -s * cx,
		D: s, TY: -s * cy,
	}
}

// applyAll maps every point through t.
func applyAll(t geometry.AffineTransform, points []geometry.Point2D) []geometry.Point2D {
	out := make([]geometry.Point2D, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// collinear reports whether the point set spans less than two dimensions.
// Uses the smaller eigenvalue of the 2x2 covariance matrix.
func collinear(points []geometry.Point2D) bool {
	n := float64(len(points))

	var cx, cy float64
	for _, p := range points {
		cx += p.X
		cy += p.Y
	}
	cx /= n
	cy /= n

	var sxx, sxy, syy float64
	for _, p := range points {
		dx, dy := p.X-cx, p.Y-cy
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}

	// Eigenvalues of [[sxx sxy][sxy syy]].
	tr := sxx + syy
	det := sxx*syy - sxy*sxy
	disc := math.Sqrt(math.Max(0, tr*tr/4-det))
	large := tr/2 + disc
	small := tr/2 - disc

	if large <= 0 {
		return true
	}
	return small/large < 1e-10
}

// duplicated reports whether any two points coincide within tolerance.
func duplicated(points []geometry.Point2D, tol float64) bool {
	for i := range points {
		for j := i + 1; j < len(points); j++ {
			if points[i].Distance(points[j]) < tol {
				return true
			}
		}
	}
	return false
}
