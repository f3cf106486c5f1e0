package calibrate

import (
	"github.com/golang/geo/r2"

	"github.com/park285/chaturaji-autoplay/internal/domain"
)

// Marker identifies one of the four corner rooks used as calibration anchors.
type Marker int

const (
	MarkerRed    Marker = iota // a1, anchor
	MarkerGreen                // h1, column edge
	MarkerBlue                 // a8, row edge
	MarkerYellow               // h8, diagonal
)

var Markers = []Marker{MarkerRed, MarkerGreen, MarkerBlue, MarkerYellow}

func (m Marker) String() string {
	switch m {
	case MarkerRed:
		return "red"
	case MarkerGreen:
		return "green"
	case MarkerBlue:
		return "blue"
	case MarkerYellow:
		return "yellow"
	default:
		return "unknown"
	}
}

// TemplateName is the reference image basename, without extension.
func (m Marker) TemplateName() string {
	return m.String() + "_rook"
}

// Cell is the board corner the marker sits on.
func (m Marker) Cell() domain.Cell {
	switch m {
	case MarkerGreen:
		return domain.Cell{Col: 7, Row: 0}
	case MarkerBlue:
		return domain.Cell{Col: 0, Row: 7}
	case MarkerYellow:
		return domain.Cell{Col: 7, Row: 7}
	default:
		return domain.Cell{Col: 0, Row: 0}
	}
}

type Detection struct {
	Marker Marker
	Pos    r2.Point
	Score  float64
}
