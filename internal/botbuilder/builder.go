package botbuilder

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chaturaji-autoplay/internal/calibrate"
	"github.com/park285/chaturaji-autoplay/internal/config"
	"github.com/park285/chaturaji-autoplay/internal/desktop"
	"github.com/park285/chaturaji-autoplay/internal/engine"
	"github.com/park285/chaturaji-autoplay/internal/fetcher"
	"github.com/park285/chaturaji-autoplay/internal/journal"
	"github.com/park285/chaturaji-autoplay/internal/orchestrator"
	"github.com/park285/chaturaji-autoplay/internal/statesource"
)

type Deps struct {
	SessionID  string
	Controller *orchestrator.Controller
	Engine     *engine.Client
	Source     statesource.Source
	Journal    journal.Journal
}

// New wires the bot from configuration. Nothing is left running when it fails.
func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := uuid.NewString()
	logger = logger.With(zap.String("session_id", sessionID))

	// Calibration
	templates, err := calibrate.LoadTemplates(cfg.TemplateDir, cfg.TemplateScale)
	if err != nil {
		return nil, fmt.Errorf("load marker templates: %w", err)
	}
	screen, err := desktop.NewScreen(cfg.CaptureCommand)
	if err != nil {
		return nil, fmt.Errorf("init screen capture: %w", err)
	}
	detector := calibrate.NewDetector(calibrate.DetectorConfig{
		Threshold:    cfg.MatchThreshold,
		CoarseFactor: cfg.MatchCoarseFactor,
	}, logger.Named("detector"))
	calibrator := calibrate.NewCalibrator(screen, detector, templates, calibrate.SolverConfig{
		ResidualTolerance:  cfg.ResidualTolerance,
		OrthoTolerance:     cfg.OrthoTolerance,
		MagnitudeTolerance: cfg.MagnitudeTolerance,
	}, logger.Named("calibrate"))

	xdo := desktop.NewXdotool(cfg.XdotoolPath, logger.Named("desktop"))

	// State source
	source, err := statesource.Open(ctx, statesource.Config{
		Location:    cfg.StateSource,
		RedisKey:    cfg.StateRedisKey,
		SettleDelay: cfg.StateSettleDelay,
		HTTPTimeout: cfg.StateHTTPTimeout,
	}, logger.Named("state"))
	if err != nil {
		return nil, fmt.Errorf("open state source: %w", err)
	}

	// Engine
	eng, err := engine.NewClient(engine.Config{
		BinaryPath:    cfg.EnginePath,
		ModelPath:     cfg.ModelPath,
		Simulations:   cfg.EngineSims,
		BatchSize:     cfg.EngineBatch,
		TurnTimeout:   cfg.EngineTurnTimeout,
		SearchTimeout: cfg.EngineSearchTimeout,
	}, logger.Named("engine"))
	if err != nil {
		_ = source.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}

	// Journal (optional)
	var jr journal.Journal = journal.Nop{}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, err := journal.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = eng.Close()
			_ = source.Close()
			return nil, fmt.Errorf("open move journal: %w", err)
		}
		jr = pg
		logger.Info("move journal enabled")
	}

	// Move fetcher (optional), launched by the controller after the reset
	var fetch orchestrator.Fetcher
	if strings.TrimSpace(cfg.FetcherCommand) != "" {
		p, err := fetcher.New(cfg.FetcherCommand, cfg.GameURL, logger.Named("fetcher"))
		if err != nil {
			_ = eng.Close()
			_ = source.Close()
			_ = jr.Close()
			return nil, fmt.Errorf("init move fetcher: %w", err)
		}
		fetch = p
	}

	ctrl, err := orchestrator.New(orchestrator.Config{
		Player:          cfg.Player,
		WindowTitle:     cfg.WindowTitle,
		SessionID:       sessionID,
		PollInterval:    cfg.PollInterval,
		MoveSettleDelay: cfg.MoveSettleDelay,
		FocusAttempts:   cfg.FocusAttempts,
		FocusBackoff:    cfg.FocusBackoff,
		ResyncWindow:    cfg.ResyncWindow,
		ResetState:      cfg.ResetState,
	}, orchestrator.Deps{
		Engine:     eng,
		Focuser:    xdo,
		Pointer:    xdo,
		Calibrator: calibrator,
		Source:     source,
		Journal:    jr,
		Fetcher:    fetch,
	}, logger.Named("controller"))
	if err != nil {
		_ = eng.Close()
		_ = source.Close()
		_ = jr.Close()
		return nil, err
	}

	logger.Info("bot assembled",
		zap.String("player", cfg.Player.String()),
		zap.String("game_url", cfg.GameURL),
		zap.String("window_title", cfg.WindowTitle),
		zap.String("state_source", cfg.StateSource),
		zap.Bool("reset_state", cfg.ResetState),
		zap.Bool("fetcher", fetch != nil),
		zap.Int("templates", len(templates)))

	return &Deps{SessionID: sessionID, Controller: ctrl, Engine: eng, Source: source, Journal: jr}, nil
}
