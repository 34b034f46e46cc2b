package transform

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"georef/pkg/geometry"
)

// fitProjective solves the 8-parameter homography by direct linear transform:
// the null vector of the stacked constraint matrix, recovered as the smallest
// eigenvector of A'A. The result is normalized so H[8] == 1 and the
// normalization transforms are folded into the matrix.
func fitProjective(src, dst []geometry.Point2D, pre, post geometry.AffineTransform) (Mapping, error) {
	n := len(src)

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		u, v := src[i].X, src[i].Y
		x, y := dst[i].X, dst[i].Y

		a.SetRow(2*i, []float64{-u, -v, -1, 0, 0, 0, x * u, x * v, x})
		a.SetRow(2*i+1, []float64{0, 0, 0, -u, -v, -1, y * u, y * v, y})
	}

	var ata mat.SymDense
	ata.SymOuterK(1, a.T())

	var eig mat.EigenSym
	if !eig.Factorize(&ata, true) {
		return Mapping{}, ErrDegenerateGeometry.New("homography eigen decomposition failed")
	}

	// Eigenvalues come back ascending; the first eigenvector spans the
	// (approximate) null space of A.
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	h := make([]float64, 9)
	mat.Col(h, 0, &vectors)

	// With a rank-8 constraint set only the first eigenvalue is (near) zero.
	// A second vanishing eigenvalue means the points do not pin down a
	// unique homography.
	values := eig.Values(nil)
	if values[8] <= 0 || values[1]/values[8] < 1e-12 {
		return Mapping{}, ErrDegenerateGeometry.New("homography is underconstrained")
	}

	hm := composeHomography(post, h, pre)
	if math.Abs(hm[8]) < 1e-12 {
		return Mapping{}, ErrDegenerateGeometry.New("homography cannot be normalized")
	}
	for i := range hm {
		hm[i] /= hm[8]
	}

	return Mapping{
		Kind: Projective,
		H:    hm,
		Pre:  geometry.Identity(),
		Post: geometry.Identity(),
	}, nil
}

// invertProjective inverts the 3x3 homography of a fitted projective mapping.
func invertProjective(m Mapping) (Mapping, error) {
	var h mat.Dense
	hmat := mat.NewDense(3, 3, append([]float64(nil), m.H...))
	if err := h.Inverse(hmat); err != nil {
		return Mapping{}, ErrDegenerateGeometry.Wrap(err)
	}

	inv := make([]float64, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			inv[r*3+c] = h.At(r, c)
		}
	}
	if math.Abs(inv[8]) < 1e-12 {
		return Mapping{}, ErrDegenerateGeometry.New("inverse homography cannot be normalized")
	}
	for i := range inv {
		inv[i] /= inv[8]
	}

	return Mapping{
		Kind: Projective,
		H:    inv,
		Pre:  geometry.Identity(),
		Post: geometry.Identity(),
	}, nil
}

// composeHomography folds affine input/output normalization into the 3x3
// matrix: post * H * pre, all in homogeneous form.
func composeHomography(post geometry.AffineTransform, h []float64, pre geometry.AffineTransform) []float64 {
	postM := mat.NewDense(3, 3, []float64{
		post.A, post.B, post.TX,
		post.C, post.D, post.TY,
		0, 0, 1,
	})
	preM := mat.NewDense(3, 3, []float64{
		pre.A, pre.B, pre.TX,
		pre.C, pre.D, pre.TY,
		0, 0, 1,
	})
	hM := mat.NewDense(3, 3, append([]float64(nil), h...))

	var out mat.Dense
	out.Product(postM, hM, preM)

	res := make([]float64, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			res[r*3+c] = out.At(r, c)
		}
	}
	return res
}
