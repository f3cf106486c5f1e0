package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/park285/chaturaji-autoplay/internal/calibrate"
	"github.com/park285/chaturaji-autoplay/internal/domain"
	"github.com/park285/chaturaji-autoplay/internal/journal"
	"github.com/park285/chaturaji-autoplay/internal/statesource"
)

const (
	defaultPollInterval    = 100 * time.Millisecond
	defaultMoveSettleDelay = 50 * time.Millisecond
	defaultFocusAttempts   = 5
	defaultFocusBackoff    = time.Second
	defaultResyncWindow    = 250 * time.Millisecond
	shutdownWait           = 5 * time.Second
)

var (
	ErrWindowNotFound = errors.New("game window not found")
	ErrCalibration    = errors.New("board calibration failed")
	ErrAlreadyStarted = errors.New("controller already started")
)

type State int32

const (
	StateCalibrating State = iota
	StateIdlePolling
	StateEvaluatingTurn
	StateExecutingMove
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCalibrating:
		return "calibrating"
	case StateIdlePolling:
		return "idle-polling"
	case StateEvaluatingTurn:
		return "evaluating-turn"
	case StateExecutingMove:
		return "executing-move"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Engine interface {
	ReportTurn(ctx context.Context, history []string) (domain.Player, bool)
	Search(ctx context.Context, history []string) (string, bool)
	Close() error
}

type Focuser interface {
	Focus(ctx context.Context, title string) error
}

type Pointer interface {
	MoveTo(ctx context.Context, p image.Point) error
	Press(ctx context.Context) error
	Release(ctx context.Context) error
}

type Calibrator interface {
	Calibrate(ctx context.Context) (calibrate.Geometry, calibrate.Report, error)
}

// Fetcher is the external process that keeps the state source current.
type Fetcher interface {
	Start(ctx context.Context) error
	Close() error
}

type Config struct {
	Player          domain.Player
	WindowTitle     string
	SessionID       string
	PollInterval    time.Duration
	MoveSettleDelay time.Duration
	FocusAttempts   int
	FocusBackoff    time.Duration
	// ResyncWindow flags a shrinking history that arrives this soon after the
	// previous observation as a likely writer race.
	ResyncWindow time.Duration
	// ResetState overwrites the state artifact with an empty game before
	// polling starts, when the source supports it.
	ResetState bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MoveSettleDelay <= 0 {
		c.MoveSettleDelay = defaultMoveSettleDelay
	}
	if c.FocusAttempts <= 0 {
		c.FocusAttempts = defaultFocusAttempts
	}
	if c.FocusBackoff < 0 {
		c.FocusBackoff = defaultFocusBackoff
	}
	if c.ResyncWindow <= 0 {
		c.ResyncWindow = defaultResyncWindow
	}
	return c
}

type Deps struct {
	Engine     Engine
	Focuser    Focuser
	Pointer    Pointer
	Calibrator Calibrator
	Source     statesource.Source
	Journal    journal.Journal
	// Fetcher, when set, is launched after the optional state reset.
	Fetcher Fetcher
}

// Controller runs the bot: calibrate once, then poll the state source and
// play a move whenever the engine says it is the local player's turn.
// History, turn and timestamps are touched only by the polling goroutine.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	state    atomic.Int32
	geometry calibrate.Geometry

	history   []string
	lastStamp float64
	gameURL   string
	clocks    map[string]float64

	started      atomic.Bool
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	player, err := domain.ParsePlayer(string(cfg.Player))
	if err != nil {
		return nil, err
	}
	cfg.Player = player
	if deps.Engine == nil || deps.Focuser == nil || deps.Pointer == nil || deps.Calibrator == nil || deps.Source == nil {
		return nil, fmt.Errorf("orchestrator: missing dependency")
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: logger,
	}
	c.setState(StateCalibrating)
	return c, nil
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// Geometry is the calibrated board mapping. It is valid once Start returned nil.
func (c *Controller) Geometry() calibrate.Geometry {
	return c.geometry
}

// Start focuses the game window, calibrates the board and launches the
// polling task. Errors returned here are fatal.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.setState(StateCalibrating)

	if err := c.focusWithRetry(ctx); err != nil {
		return err
	}

	g, report, err := c.deps.Calibrator.Calibrate(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCalibration, err)
	}
	c.geometry = g
	c.logger.Info("calibration complete",
		zap.String("method", string(report.Method)),
		zap.String("orientation", report.Orientation),
		zap.Float64("cell_size", g.CellSize),
		zap.Float64("residual_px", report.Residual))

	if c.cfg.ResetState {
		if r, ok := c.deps.Source.(statesource.Resetter); ok {
			if err := r.Reset(ctx); err != nil {
				return fmt.Errorf("reset state source: %w", err)
			}
		}
	}
	if c.deps.Fetcher != nil {
		if err := c.deps.Fetcher.Start(ctx); err != nil {
			return fmt.Errorf("start move fetcher: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setState(StateIdlePolling)
	go c.run(runCtx)

	c.logger.Info("listening for game updates",
		zap.String("player", c.cfg.Player.String()),
		zap.Duration("poll_interval", c.cfg.PollInterval))
	return nil
}

// Shutdown stops polling, then releases the fetcher and the other dependencies.
// It is safe to call more than once; later calls return the first result.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		var errs error
		if c.cancel != nil {
			c.cancel()
			wait := time.NewTimer(shutdownWait)
			select {
			case <-c.done:
			case <-ctx.Done():
				errs = multierr.Append(errs, fmt.Errorf("wait for polling task: %w", ctx.Err()))
			case <-wait.C:
				errs = multierr.Append(errs, errors.New("polling task did not stop in time"))
			}
			wait.Stop()
		}
		c.setState(StateStopped)
		if c.deps.Fetcher != nil {
			errs = multierr.Append(errs, c.deps.Fetcher.Close())
		}
		errs = multierr.Append(errs, c.deps.Engine.Close())
		errs = multierr.Append(errs, c.deps.Source.Close())
		errs = multierr.Append(errs, c.deps.Journal.Close())
		c.shutdownErr = errs
		c.logger.Info("controller stopped")
	})
	return c.shutdownErr
}

func (c *Controller) focusWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.FocusAttempts; attempt++ {
		err := c.deps.Focuser.Focus(ctx, c.cfg.WindowTitle)
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Warn("window focus failed",
			zap.String("title", c.cfg.WindowTitle),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.FocusAttempts),
			zap.Error(err))
		if attempt == c.cfg.FocusAttempts {
			break
		}
		if err := sleepCtx(ctx, c.cfg.FocusBackoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %q after %d attempts: %v", ErrWindowNotFound, c.cfg.WindowTitle, c.cfg.FocusAttempts, lastErr)
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		c.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// pollOnce handles at most one new observation.
func (c *Controller) pollOnce(ctx context.Context) {
	obs, changed, err := c.deps.Source.Latest(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("state read failed, retrying next cycle", zap.Error(err))
		}
		return
	}
	if !changed {
		return
	}
	if obs.DetectedAt <= c.lastStamp {
		c.logger.Debug("ignoring observation that is not newer",
			zap.Float64("detection_timestamp", obs.DetectedAt),
			zap.Float64("last_timestamp", c.lastStamp))
		return
	}

	prevStamp := c.lastStamp
	c.lastStamp = obs.DetectedAt
	if len(obs.Moves) < len(c.history) {
		delta := time.Duration((obs.DetectedAt - prevStamp) * float64(time.Second))
		fields := []zap.Field{
			zap.Int("previous_ply", len(c.history)),
			zap.Int("ply", len(obs.Moves)),
			zap.Duration("since_previous", delta),
		}
		if delta < c.cfg.ResyncWindow {
			c.logger.Warn("history shrank right after the previous update, possible writer race", fields...)
		} else {
			c.logger.Info("history shrank, treating as a new game", fields...)
		}
	}

	c.history = append(c.history[:0:0], obs.Moves...)
	c.gameURL = obs.URL
	c.clocks = obs.Clocks
	c.evaluate(ctx)
}

func (c *Controller) evaluate(ctx context.Context) {
	c.setState(StateEvaluatingTurn)
	defer c.setState(StateIdlePolling)

	ply := len(c.history)
	turn, ok := c.deps.Engine.ReportTurn(ctx, c.history)
	if !ok {
		c.logger.Info("game over or no turn", zap.Int("ply", ply))
		return
	}
	c.logger.Info("state", zap.Int("ply", ply), zap.String("turn", turn.String()))
	if turn != c.cfg.Player {
		return
	}

	c.setState(StateExecutingMove)
	c.logger.Info("my turn", zap.String("player", c.cfg.Player.String()))
	mv, ok := c.deps.Engine.Search(ctx, c.history)
	if !ok {
		c.logger.Info("engine returned no move", zap.Int("ply", ply))
		return
	}
	c.logger.Info("engine chose move", zap.Int("ply", ply), zap.String("move", mv))

	if err := c.execute(ctx, mv); err != nil {
		c.logger.Warn("move not executed", zap.String("move", mv), zap.Error(err))
		return
	}

	entry := journal.Entry{
		SessionID:  c.cfg.SessionID,
		GameURL:    c.gameURL,
		Ply:        ply,
		Player:     c.cfg.Player,
		Move:       mv,
		History:    append(append([]string(nil), c.history...), mv),
		Clocks:     c.clocks,
		ExecutedAt: time.Now(),
	}
	if err := c.deps.Journal.Record(ctx, entry); err != nil {
		c.logger.Warn("journal write failed", zap.Error(err))
	}
}

// execute replays a move token as a press-drag-release gesture.
func (c *Controller) execute(ctx context.Context, token string) error {
	m, err := domain.ParseMove(token)
	if err != nil {
		return err
	}
	if err := c.deps.Focuser.Focus(ctx, c.cfg.WindowTitle); err != nil {
		return fmt.Errorf("%w: %v", ErrWindowNotFound, err)
	}

	from := c.geometry.PixelPoint(m.From)
	to := c.geometry.PixelPoint(m.To)
	c.logger.Info("executing move",
		zap.String("move", token),
		zap.String("from", m.From.String()), zap.Stringer("from_px", from),
		zap.String("to", m.To.String()), zap.Stringer("to_px", to))

	p := c.deps.Pointer
	if err := p.MoveTo(ctx, from); err != nil {
		return err
	}
	if err := sleepCtx(ctx, c.cfg.MoveSettleDelay); err != nil {
		return err
	}
	if err := p.Press(ctx); err != nil {
		return err
	}
	if err := c.drag(ctx, to); err != nil {
		// never leave the button held down
		_ = p.Release(context.WithoutCancel(ctx))
		return err
	}
	return p.Release(ctx)
}

func (c *Controller) drag(ctx context.Context, to image.Point) error {
	if err := sleepCtx(ctx, c.cfg.MoveSettleDelay); err != nil {
		return err
	}
	if err := c.deps.Pointer.MoveTo(ctx, to); err != nil {
		return err
	}
	return sleepCtx(ctx, c.cfg.MoveSettleDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
