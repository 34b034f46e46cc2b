package transform

import (
	"gonum.org/v1/gonum/mat"

	"georef/pkg/geometry"
)

// fitPolynomial fits one polynomial coefficient vector per output axis by
// least squares on the stacked design matrix, solved via QR. Exact at the
// minimum point count, least squares beyond it. src must already be
// normalized; the returned mapping carries the normalization transforms.
func fitPolynomial(src, dst []geometry.Point2D, order int, pre, post geometry.AffineTransform) (Mapping, error) {
	n := len(src)
	k := basisSize(order)

	a := mat.NewDense(n, k, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		for j, t := range polyBasis(src[i], order) {
			a.Set(i, j, t)
		}
		bx.SetVec(i, dst[i].X)
		by.SetVec(i, dst[i].Y)
	}

	var qr mat.QR
	qr.Factorize(a)

	var cx, cy mat.VecDense
	if err := qr.SolveVecTo(&cx, false, bx); err != nil {
		return Mapping{}, ErrDegenerateGeometry.Wrap(err)
	}
	if err := qr.SolveVecTo(&cy, false, by); err != nil {
		return Mapping{}, ErrDegenerateGeometry.Wrap(err)
	}

	return Mapping{
		Kind:  Polynomial,
		Order: order,
		PolyX: cx.RawVector().Data,
		PolyY: cy.RawVector().Data,
		Pre:   pre,
		Post:  post,
	}, nil
}

// fitAffine fits the 6-parameter affine map by least squares and folds the
// normalization transforms into the coefficients, so the mapping evaluates
// as a single 2x3 matrix.
func fitAffine(src, dst []geometry.Point2D, pre, post geometry.AffineTransform) (Mapping, error) {
	m, err := fitPolynomial(src, dst, 1, geometry.Identity(), geometry.Identity())
	if err != nil {
		return Mapping{}, err
	}

	// Basis order 1 is [1, x, y]; read the 2x3 back out.
	fitted := geometry.AffineTransform{
		A: m.PolyX[1], B: m.PolyX[2], TX: m.PolyX[0],
		C: m.PolyY[1], D: m.PolyY[2], TY: m.PolyY[0],
	}
	folded := post.Compose(fitted).Compose(pre)

	return Mapping{
		Kind:   Affine,
		Affine: &folded,
		Pre:    geometry.Identity(),
		Post:   geometry.Identity(),
	}, nil
}

// invertAffine returns the exact inverse of a fitted affine mapping.
func invertAffine(m Mapping) (Mapping, error) {
	inv, ok := m.Affine.Inverse()
	if !ok {
		return Mapping{}, ErrDegenerateGeometry.New("affine transform is singular")
	}
	return Mapping{
		Kind:   Affine,
		Affine: &inv,
		Pre:    geometry.Identity(),
		Post:   geometry.Identity(),
	}, nil
}
