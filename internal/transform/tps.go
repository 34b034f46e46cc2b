package transform

import (
	"gonum.org/v1/gonum/mat"

	"georef/pkg/geometry"
)

// fitThinPlateSpline solves the TPS interpolation system
//
//	[ K + lambda*I   P ] [w]   [v]
//	[ P'             0 ] [a] = [0]
//
// per output axis, where K is the radial kernel matrix over the tie points
// and P carries the affine part. lambda == 0 gives exact interpolation;
// positive lambda trades exactness for lower bending energy.
func fitThinPlateSpline(src, dst []geometry.Point2D, lambda float64, pre, post geometry.AffineTransform) (Mapping, error) {
	n := len(src)
	size := n + 3

	a := mat.NewDense(size, size, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, tpsKernel(src[i].Distance(src[j])))
		}
		a.Set(i, i, a.At(i, i)+lambda)

		a.Set(i, n, 1)
		a.Set(i, n+1, src[i].X)
		a.Set(i, n+2, src[i].Y)
		a.Set(n, i, 1)
		a.Set(n+1, i, src[i].X)
		a.Set(n+2, i, src[i].Y)
	}

	bx := mat.NewVecDense(size, nil)
	by := mat.NewVecDense(size, nil)
	for i := 0; i < n; i++ {
		bx.SetVec(i, dst[i].X)
		by.SetVec(i, dst[i].Y)
	}

	var lu mat.LU
	lu.Factorize(a)

	var wx, wy mat.VecDense
	if err := lu.SolveVecTo(&wx, false, bx); err != nil {
		return Mapping{}, ErrDegenerateGeometry.Wrap(err)
	}
	if err := lu.SolveVecTo(&wy, false, by); err != nil {
		return Mapping{}, ErrDegenerateGeometry.Wrap(err)
	}

	// Reorder to [a0 a1 a2 w...] for evaluation.
	weightsX := make([]float64, size)
	weightsY := make([]float64, size)
	copy(weightsX[:3], wx.RawVector().Data[n:])
	copy(weightsY[:3], wy.RawVector().Data[n:])
	copy(weightsX[3:], wx.RawVector().Data[:n])
	copy(weightsY[3:], wy.RawVector().Data[:n])

	return Mapping{
		Kind:     ThinPlateSpline,
		Centers:  append([]geometry.Point2D(nil), src...),
		WeightsX: weightsX,
		WeightsY: weightsY,
		Pre:      pre,
		Post:     post,
	}, nil
}
