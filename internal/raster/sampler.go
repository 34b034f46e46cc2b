package raster

import (
	"image"
	"image/draw"
	"math"
)

// sampler provides bilinear point sampling over a source page. The source
// is converted to NRGBA once so per-pixel access stays cheap inside the
// tile workers; after construction the sampler is read-only and safe for
// concurrent use.
type sampler struct {
	img    *image.NRGBA
	width  int
	height int
}

func newSampler(src image.Image) *sampler {
	bounds := src.Bounds()
	img := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(img, img.Bounds(), src, bounds.Min, draw.Src)
	return &sampler{img: img, width: bounds.Dx(), height: bounds.Dy()}
}

// bilinear samples the page at a continuous pixel coordinate. Pixel centers
// sit at half-integer offsets. Returns ok == false for coordinates outside
// the page or non-finite inputs; those render transparent.
func (s *sampler) bilinear(x, y float64) (r, g, b, a uint8, ok bool) {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return 0, 0, 0, 0, false
	}
	if x < 0 || y < 0 || x > float64(s.width) || y > float64(s.height) {
		return 0, 0, 0, 0, false
	}

	gx := x - 0.5
	gy := y - 0.5
	x0 := int(math.Floor(gx))
	y0 := int(math.Floor(gy))
	wx := gx - float64(x0)
	wy := gy - float64(y0)

	x1 := clampInt(x0+1, 0, s.width-1)
	y1 := clampInt(y0+1, 0, s.height-1)
	x0 = clampInt(x0, 0, s.width-1)
	y0 = clampInt(y0, 0, s.height-1)

	c00 := s.at(x0, y0)
	c10 := s.at(x1, y0)
	c01 := s.at(x0, y1)
	c11 := s.at(x1, y1)

	var out [4]uint8
	for i := 0; i < 4; i++ {
		top := float64(c00[i])*(1-wx) + float64(c10[i])*wx
		bottom := float64(c01[i])*(1-wx) + float64(c11[i])*wx
		out[i] = uint8(math.Round(top*(1-wy) + bottom*wy))
	}
	return out[0], out[1], out[2], out[3], true
}

func (s *sampler) at(x, y int) [4]uint8 {
	i := s.img.PixOffset(x, y)
	return [4]uint8{s.img.Pix[i], s.img.Pix[i+1], s.img.Pix[i+2], s.img.Pix[i+3]}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
