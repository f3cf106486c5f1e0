package calibrate

import (
	"context"
	"fmt"
	"image"

	"go.uber.org/zap"
)

// Screen captures the full desktop.
type Screen interface {
	Capture(ctx context.Context) (image.Image, error)
}

type Calibrator struct {
	screen    Screen
	detector  *Detector
	templates []*Template
	solver    SolverConfig
	logger    *zap.Logger
}

func NewCalibrator(screen Screen, detector *Detector, templates []*Template, solver SolverConfig, logger *zap.Logger) *Calibrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calibrator{
		screen:    screen,
		detector:  detector,
		templates: templates,
		solver:    solver,
		logger:    logger,
	}
}

// Calibrate captures one frame, detects the corner markers and solves the geometry.
func (c *Calibrator) Calibrate(ctx context.Context) (Geometry, Report, error) {
	frame, err := c.screen.Capture(ctx)
	if err != nil {
		return Geometry{}, Report{}, fmt.Errorf("capture screen: %w", err)
	}
	b := frame.Bounds()
	c.logger.Info("searching for corner markers", zap.Int("width", b.Dx()), zap.Int("height", b.Dy()))

	dets, err := c.detector.Detect(ctx, frame, c.templates)
	if err != nil {
		return Geometry{}, Report{}, fmt.Errorf("detect markers: %w", err)
	}

	g, report, err := Solve(dets, c.solver)
	if err != nil {
		return Geometry{}, Report{}, fmt.Errorf("solve geometry: %w", err)
	}

	fields := []zap.Field{
		zap.String("method", string(report.Method)),
		zap.Stringer("geometry", g),
	}
	if report.Orientation != "" {
		fields = append(fields, zap.String("orientation", report.Orientation))
	}
	c.logger.Info("board calibrated", fields...)
	if report.ResidualExceeded {
		c.logger.Warn("diagonal marker does not match the solved geometry",
			zap.Float64("residual_px", report.Residual),
			zap.Float64("cell_size", g.CellSize))
	}
	return g, report, nil
}
