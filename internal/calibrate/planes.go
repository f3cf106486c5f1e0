package calibrate

import (
	"image"
	"image/color"
)

// planes holds an image as float channels: interleaved RGB, luma and, for
// masked templates, a per-pixel matching weight in [0,1].
type planes struct {
	w, h   int
	rgb    []float64
	gray   []float64
	weight []float64
}

func newPlanes(img image.Image, withWeight bool) *planes {
	b := img.Bounds()
	p := &planes{
		w:    b.Dx(),
		h:    b.Dy(),
		rgb:  make([]float64, 3*b.Dx()*b.Dy()),
		gray: make([]float64, b.Dx()*b.Dy()),
	}
	if withWeight {
		p.weight = make([]float64, b.Dx()*b.Dy())
	}

	set := func(i int, r, g, bl, a uint8) {
		p.rgb[3*i] = float64(r)
		p.rgb[3*i+1] = float64(g)
		p.rgb[3*i+2] = float64(bl)
		p.gray[i] = 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
		if p.weight != nil {
			p.weight[i] = float64(a) / 255
		}
	}

	switch src := img.(type) {
	case *image.RGBA:
		if !withWeight {
			for y := 0; y < p.h; y++ {
				row := src.Pix[y*src.Stride : y*src.Stride+4*p.w]
				for x := 0; x < p.w; x++ {
					set(y*p.w+x, row[4*x], row[4*x+1], row[4*x+2], row[4*x+3])
				}
			}
			return p
		}
	case *image.NRGBA:
		for y := 0; y < p.h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+4*p.w]
			for x := 0; x < p.w; x++ {
				set(y*p.w+x, row[4*x], row[4*x+1], row[4*x+2], row[4*x+3])
			}
		}
		return p
	}

	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			set(y*p.w+x, c.R, c.G, c.B, c.A)
		}
	}
	return p
}

// downsample box-averages factor x factor blocks. Trailing partial blocks are dropped.
func (p *planes) downsample(factor int) *planes {
	if factor <= 1 {
		return p
	}
	w, h := p.w/factor, p.h/factor
	out := &planes{
		w:    w,
		h:    h,
		rgb:  make([]float64, 3*w*h),
		gray: make([]float64, w*h),
	}
	if p.weight != nil {
		out.weight = make([]float64, w*h)
	}
	n := float64(factor * factor)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, b, l, wt float64
			for dy := 0; dy < factor; dy++ {
				base := (y*factor+dy)*p.w + x*factor
				for dx := 0; dx < factor; dx++ {
					i := base + dx
					r += p.rgb[3*i]
					g += p.rgb[3*i+1]
					b += p.rgb[3*i+2]
					l += p.gray[i]
					if p.weight != nil {
						wt += p.weight[i]
					}
				}
			}
			o := y*w + x
			out.rgb[3*o] = r / n
			out.rgb[3*o+1] = g / n
			out.rgb[3*o+2] = b / n
			out.gray[o] = l / n
			if out.weight != nil {
				out.weight[o] = wt / n
			}
		}
	}
	return out
}
