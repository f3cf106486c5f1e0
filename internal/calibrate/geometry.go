package calibrate

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"

	"github.com/park285/chaturaji-autoplay/internal/domain"
)

// cornerSteps is the number of unit steps between two corner markers on one axis.
const cornerSteps = domain.BoardSize - 1

const (
	defaultResidualTolerance  = 0.5
	defaultOrthoTolerance     = 0.1
	defaultMagnitudeTolerance = 0.1
	minCellSize               = 1.0
)

var (
	ErrAnchorMissing       = errors.New("anchor marker not detected")
	ErrInsufficientMarkers = errors.New("not enough markers to derive both board axes")
	ErrDegenerateDiagonal  = errors.New("diagonal marker is not offset on both screen axes")
	ErrInvalidGeometry     = errors.New("basis vectors do not describe a square grid")
)

// Geometry maps board cells onto screen pixels. It is immutable once solved.
type Geometry struct {
	Origin   r2.Point // centre of a1
	Col      r2.Point // pixel delta per column step
	Row      r2.Point // pixel delta per row step
	CellSize float64
}

func (g Geometry) Pixel(c domain.Cell) r2.Point {
	return g.Origin.Add(g.Col.Mul(float64(c.Col))).Add(g.Row.Mul(float64(c.Row)))
}

// PixelPoint rounds Pixel to the nearest integer screen coordinate.
func (g Geometry) PixelPoint(c domain.Cell) image.Point {
	p := g.Pixel(c)
	return image.Point{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
}

// CellAt inverts the affine map, returning fractional column and row indices.
func (g Geometry) CellAt(p r2.Point) (col, row float64, ok bool) {
	det := g.Col.Cross(g.Row)
	if math.Abs(det) < 1e-9 {
		return 0, 0, false
	}
	d := p.Sub(g.Origin)
	col = d.Cross(g.Row) / det
	row = g.Col.Cross(d) / det
	return col, row, true
}

func (g Geometry) String() string {
	return fmt.Sprintf("origin=(%.1f,%.1f) col=(%.2f,%.2f) row=(%.2f,%.2f) cell=%.2f",
		g.Origin.X, g.Origin.Y, g.Col.X, g.Col.Y, g.Row.X, g.Row.Y, g.CellSize)
}

type SolverConfig struct {
	// ResidualTolerance is the diagonal-marker residual, in cells, above which a warning is reported.
	ResidualTolerance float64
	// OrthoTolerance bounds |cos| of the angle between the basis vectors.
	OrthoTolerance float64
	// MagnitudeTolerance bounds the relative difference of the basis vector lengths.
	MagnitudeTolerance float64
}

func (c SolverConfig) withDefaults() SolverConfig {
	if c.ResidualTolerance <= 0 {
		c.ResidualTolerance = defaultResidualTolerance
	}
	if c.OrthoTolerance <= 0 {
		c.OrthoTolerance = defaultOrthoTolerance
	}
	if c.MagnitudeTolerance <= 0 {
		c.MagnitudeTolerance = defaultMagnitudeTolerance
	}
	return c
}

type Method string

const (
	MethodDirect   Method = "direct"
	MethodDiagonal Method = "diagonal"
	MethodMixed    Method = "diagonal+edge"
)

// Report describes how a geometry was derived.
type Report struct {
	Method      Method
	Orientation string
	// Residual is the pixel distance between the detected and predicted diagonal marker.
	Residual         float64
	HasResidual      bool
	ResidualExceeded bool
}

type axis int

const (
	axisX axis = iota
	axisY
)

// orientation prescribes, for one board rotation, which screen axis of the
// anchor-to-diagonal displacement carries each basis vector and with which sign.
type orientation struct {
	name    string
	colAxis axis
	colSign float64
	rowAxis axis
	rowSign float64
}

// orientations is keyed by (sign(dx), sign(dy)) of the anchor-to-diagonal displacement.
var orientations = map[[2]int]orientation{
	{+1, -1}: {name: "standard (red bottom)", colAxis: axisX, colSign: +1, rowAxis: axisY, rowSign: -1},
	{-1, -1}: {name: "rotated 90 ccw (blue bottom)", colAxis: axisY, colSign: -1, rowAxis: axisX, rowSign: -1},
	{-1, +1}: {name: "rotated 180 (yellow bottom)", colAxis: axisX, colSign: -1, rowAxis: axisY, rowSign: +1},
	{+1, +1}: {name: "rotated 270 ccw (green bottom)", colAxis: axisY, colSign: +1, rowAxis: axisX, rowSign: +1},
}

func (o orientation) basis(diag r2.Point) (col, row r2.Point) {
	return axisStep(o.colAxis, o.colSign, diag), axisStep(o.rowAxis, o.rowSign, diag)
}

func axisStep(a axis, sign float64, diag r2.Point) r2.Point {
	if a == axisX {
		return r2.Point{X: sign * math.Abs(diag.X) / cornerSteps}
	}
	return r2.Point{Y: sign * math.Abs(diag.Y) / cornerSteps}
}

// edgeStep is the per-cell step between the anchor and a marker on the same board edge.
func edgeStep(anchor, edge r2.Point) r2.Point {
	d := edge.Sub(anchor)
	return r2.Point{X: d.X / cornerSteps, Y: d.Y / cornerSteps}
}

func signOf(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Solve derives the board geometry from marker detections. The red anchor is
// mandatory; edge markers give the basis vectors directly, and the diagonal
// marker fills in any axis whose edge marker is missing.
func Solve(dets []Detection, cfg SolverConfig) (Geometry, Report, error) {
	cfg = cfg.withDefaults()

	found := make(map[Marker]Detection, len(dets))
	for _, d := range dets {
		if prev, ok := found[d.Marker]; ok && prev.Score >= d.Score {
			continue
		}
		found[d.Marker] = d
	}

	anchor, ok := found[MarkerRed]
	if !ok {
		return Geometry{}, Report{}, ErrAnchorMissing
	}
	green, hasGreen := found[MarkerGreen]
	blue, hasBlue := found[MarkerBlue]
	yellow, hasYellow := found[MarkerYellow]

	var (
		col, row r2.Point
		report   Report
	)
	switch {
	case hasGreen && hasBlue:
		col = edgeStep(anchor.Pos, green.Pos)
		row = edgeStep(anchor.Pos, blue.Pos)
		report.Method = MethodDirect
	case hasYellow:
		diag := yellow.Pos.Sub(anchor.Pos)
		o, ok := orientations[[2]int{signOf(diag.X), signOf(diag.Y)}]
		if !ok {
			// no rotation matches; an edge marker still pins one axis and
			// the diagonal then fixes the other
			step := r2.Point{X: diag.X / cornerSteps, Y: diag.Y / cornerSteps}
			switch {
			case hasGreen:
				col = edgeStep(anchor.Pos, green.Pos)
				row = step.Sub(col)
			case hasBlue:
				row = edgeStep(anchor.Pos, blue.Pos)
				col = step.Sub(row)
			default:
				return Geometry{}, Report{}, fmt.Errorf("%w: displacement (%.1f,%.1f)", ErrDegenerateDiagonal, diag.X, diag.Y)
			}
			report.Method = MethodMixed
			report.Orientation = "derived from edge marker"
			break
		}
		col, row = o.basis(diag)
		report.Method = MethodDiagonal
		report.Orientation = o.name
		if hasGreen {
			col = edgeStep(anchor.Pos, green.Pos)
			report.Method = MethodMixed
		}
		if hasBlue {
			row = edgeStep(anchor.Pos, blue.Pos)
			report.Method = MethodMixed
		}
	default:
		return Geometry{}, Report{}, ErrInsufficientMarkers
	}

	if err := validateBasis(col, row, cfg); err != nil {
		return Geometry{}, Report{}, err
	}

	g := Geometry{
		Origin:   anchor.Pos,
		Col:      col,
		Row:      row,
		CellSize: (col.Norm() + row.Norm()) / 2,
	}

	if hasYellow {
		expected := g.Pixel(MarkerYellow.Cell())
		report.Residual = yellow.Pos.Sub(expected).Norm()
		report.HasResidual = true
		report.ResidualExceeded = report.Residual > cfg.ResidualTolerance*g.CellSize
	}
	return g, report, nil
}

func validateBasis(col, row r2.Point, cfg SolverConfig) error {
	cn, rn := col.Norm(), row.Norm()
	if cn < minCellSize || rn < minCellSize {
		return fmt.Errorf("%w: degenerate step lengths %.2f and %.2f", ErrInvalidGeometry, cn, rn)
	}
	if cos := math.Abs(col.Dot(row)) / (cn * rn); cos > cfg.OrthoTolerance {
		return fmt.Errorf("%w: axes not orthogonal (|cos|=%.3f)", ErrInvalidGeometry, cos)
	}
	if diff := math.Abs(cn-rn) / math.Max(cn, rn); diff > cfg.MagnitudeTolerance {
		return fmt.Errorf("%w: step lengths differ by %.1f%%", ErrInvalidGeometry, diff*100)
	}
	return nil
}
