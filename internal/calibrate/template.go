package calibrate

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	xdraw "golang.org/x/image/draw"
)

const defaultSVGSize = 64

var ErrTemplateMissing = errors.New("reference template not found")

// Template is a reference image for one marker. Transparent pixels are
// excluded from matching so the square colour behind the piece is ignored.
type Template struct {
	Marker Marker
	Masked bool
	planes *planes
}

func (t *Template) Size() image.Point {
	return image.Point{X: t.planes.w, Y: t.planes.h}
}

// NewTemplate builds a template from an image. Images that report themselves
// fully opaque carry no mask and are matched in degraded grayscale mode.
func NewTemplate(m Marker, img image.Image) *Template {
	masked := true
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		masked = false
	}
	return &Template{Marker: m, Masked: masked, planes: newPlanes(img, masked)}
}

// LoadTemplates reads one template per marker from dir. Each marker looks for
// <name>.png first, then <name>.svg. scale resizes the templates when the page
// zoom differs from the one the references were captured at.
func LoadTemplates(dir string, scale float64) ([]*Template, error) {
	out := make([]*Template, 0, len(Markers))
	for _, m := range Markers {
		img, err := loadTemplateImage(dir, m.TemplateName())
		if err != nil {
			return nil, err
		}
		if scale > 0 && scale != 1 {
			img = scaleImage(img, scale)
		}
		out = append(out, NewTemplate(m, img))
	}
	return out, nil
}

func loadTemplateImage(dir, name string) (image.Image, error) {
	pngPath := filepath.Join(dir, name+".png")
	if data, err := os.ReadFile(pngPath); err == nil {
		img, derr := png.Decode(bytes.NewReader(data))
		if derr != nil {
			return nil, fmt.Errorf("decode %s: %w", pngPath, derr)
		}
		return img, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", pngPath, err)
	}

	svgPath := filepath.Join(dir, name+".svg")
	data, err := os.ReadFile(svgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (.png or .svg)", ErrTemplateMissing, filepath.Join(dir, name))
		}
		return nil, fmt.Errorf("read %s: %w", svgPath, err)
	}
	img, err := rasterizeSVG(data)
	if err != nil {
		return nil, fmt.Errorf("rasterize %s: %w", svgPath, err)
	}
	return img, nil
}

func rasterizeSVG(data []byte) (*image.RGBA, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse svg: %w", err)
	}
	w := int(icon.ViewBox.W)
	h := int(icon.ViewBox.H)
	if w <= 0 {
		w = defaultSVGSize
		icon.ViewBox.W = float64(w)
	}
	if h <= 0 {
		h = defaultSVGSize
		icon.ViewBox.H = float64(h)
	}
	icon.SetTarget(0, 0, float64(w), float64(h))

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, xdraw.Src)
	scanner := rasterx.NewScannerGV(w, h, img, img.Bounds())
	raster := rasterx.NewDasher(w, h, scanner)
	icon.Draw(raster, 1.0)
	return img, nil
}

func scaleImage(img image.Image, scale float64) image.Image {
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*scale+0.5))
	h := max(1, int(float64(b.Dy())*scale+0.5))
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}
