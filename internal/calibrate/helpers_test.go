package calibrate

import (
	"context"
	"image"
	"image/color"
	"image/draw"
)

const rookSize = 20

var markerColors = map[Marker]color.NRGBA{
	MarkerRed:    {210, 30, 40, 255},
	MarkerGreen:  {40, 170, 50, 255},
	MarkerBlue:   {40, 60, 220, 255},
	MarkerYellow: {230, 190, 30, 255},
}

// rookImage draws a crude rook silhouette on a transparent background with a dark outline.
func rookImage(fill color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, rookSize, rookSize))
	inside := func(x, y int) bool {
		switch {
		case y >= 14 && y <= 18:
			return x >= 2 && x <= 17
		case y >= 5 && y <= 13:
			return x >= 5 && x <= 14
		case y >= 1 && y <= 4:
			return (x >= 3 && x <= 6) || (x >= 9 && x <= 10) || (x >= 13 && x <= 16)
		}
		return false
	}
	outline := color.NRGBA{20, 20, 20, 255}
	for y := 0; y < rookSize; y++ {
		for x := 0; x < rookSize; x++ {
			if !inside(x, y) {
				continue
			}
			if !inside(x-1, y) || !inside(x+1, y) || !inside(x, y-1) || !inside(x, y+1) {
				img.SetNRGBA(x, y, outline)
			} else {
				img.SetNRGBA(x, y, fill)
			}
		}
	}
	return img
}

func testTemplates() []*Template {
	out := make([]*Template, 0, len(Markers))
	for _, m := range Markers {
		out = append(out, NewTemplate(m, rookImage(markerColors[m])))
	}
	return out
}

// boardFrame renders a checkerboard with the given cell size over a neutral background.
func boardFrame(w, h, cell int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	light := color.RGBA{238, 238, 210, 255}
	dark := color.RGBA{118, 150, 86, 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/cell)+(y/cell))%2 == 0 {
				img.SetRGBA(x, y, light)
			} else {
				img.SetRGBA(x, y, dark)
			}
		}
	}
	return img
}

// placeRook composites the marker's rook centred on (cx, cy).
func placeRook(frame *image.RGBA, m Marker, cx, cy int) {
	rook := rookImage(markerColors[m])
	at := image.Pt(cx-rookSize/2, cy-rookSize/2)
	draw.Draw(frame, rook.Bounds().Add(at), rook, image.Point{}, draw.Over)
}

type fakeScreen struct {
	frame image.Image
	err   error
}

func (s fakeScreen) Capture(context.Context) (image.Image, error) {
	return s.frame, s.err
}
