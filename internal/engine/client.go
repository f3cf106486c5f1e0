package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chaturaji-autoplay/internal/domain"
)

const (
	defaultSimulations   = 35000
	defaultBatchSize     = 64
	defaultTurnTimeout   = 10 * time.Second
	defaultSearchTimeout = 5 * time.Minute
	requestAttempts      = 2
)

var ErrBinaryNotFound = errors.New("engine binary not found")

type Config struct {
	BinaryPath    string
	ModelPath     string
	Simulations   int
	BatchSize     int
	TurnTimeout   time.Duration
	SearchTimeout time.Duration
	ExtraArgs     []string
}

func (c Config) withDefaults() Config {
	if c.Simulations <= 0 {
		c.Simulations = defaultSimulations
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = defaultTurnTimeout
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = defaultSearchTimeout
	}
	return c
}

// Client owns one engine subprocess and serializes requests to it. Every
// request carries the full move history, so a restarted engine needs no replay.
type Client struct {
	cfg    Config
	args   []string
	logger *zap.Logger

	mu       sync.Mutex
	sess     *session
	closed   bool
	restarts int
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.BinaryPath) == "" {
		return nil, fmt.Errorf("%w: path is empty", ErrBinaryNotFound)
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, cfg.BinaryPath, err)
	}
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:    cfg,
		args:   launchArgs(cfg),
		logger: logger,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureSession(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReportTurn loads history into the engine and asks whose turn it is. ok is
// false when the game is over or the engine gave no usable answer.
func (c *Client) ReportTurn(ctx context.Context, history []string) (domain.Player, bool) {
	resp, ok := c.request(ctx, "turn", c.cfg.TurnTimeout, KindTurn,
		buildPositionCommand(history), buildTurnCommand())
	if !ok {
		return domain.PlayerNone, false
	}
	if resp.GameOver || resp.Player == domain.PlayerNone {
		c.logger.Debug("engine reports no turn", zap.String("line", resp.Text))
		return domain.PlayerNone, false
	}
	return resp.Player, true
}

// Search asks for the best move after history. ok is false when the engine
// returned no move.
func (c *Client) Search(ctx context.Context, history []string) (string, bool) {
	resp, ok := c.request(ctx, "search", c.cfg.SearchTimeout, KindBestMove,
		buildPositionCommand(history), buildGoCommand(c.cfg.Simulations))
	if !ok || resp.Move == "" {
		return "", false
	}
	return resp.Move, true
}

// Close terminates the engine. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.sess == nil {
		return nil
	}
	err := c.sess.close()
	c.sess = nil
	c.logger.Info("engine stopped")
	return err
}

// Restarts reports how many times the subprocess has been replaced.
func (c *Client) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

func (c *Client) request(ctx context.Context, op string, timeout time.Duration, want Kind, cmds ...string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 1; attempt <= requestAttempts; attempt++ {
		if c.closed || ctx.Err() != nil {
			return Response{}, false
		}
		s, err := c.ensureSession()
		if err != nil {
			c.logger.Warn("engine unavailable", zap.String("op", op), zap.Error(err))
			return Response{}, false
		}

		resp, err := c.roundTrip(ctx, s, timeout, want, cmds)
		if err == nil {
			return resp, true
		}
		// the engine may still answer the abandoned request, so the session is never reused
		c.discard()
		if ctx.Err() != nil {
			return Response{}, false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("engine response timed out, session killed",
				zap.String("op", op), zap.Duration("timeout", timeout))
			return Response{}, false
		}
		c.logger.Warn("engine session lost mid-request",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	return Response{}, false
}

func (c *Client) roundTrip(ctx context.Context, s *session, timeout time.Duration, want Kind, cmds []string) (Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, cmd := range cmds {
		if err := s.send(cmd); err != nil {
			return Response{}, fmt.Errorf("send %q: %w", strings.TrimSpace(cmd), err)
		}
	}
	for {
		line, err := s.readLine(reqCtx)
		if err != nil {
			return Response{}, err
		}
		resp := ParseLine(line)
		switch resp.Kind {
		case want:
			return resp, nil
		case KindInfo:
			c.logger.Debug("engine", zap.String("line", resp.Text))
		case KindUnrecognized:
			if resp.Text != "" {
				c.logger.Debug("engine output ignored", zap.String("line", resp.Text))
			}
		default:
			// a stale answer to an earlier request
			c.logger.Debug("engine response skipped",
				zap.Stringer("kind", resp.Kind), zap.String("line", resp.Text))
		}
	}
}

// ensureSession returns a live session, restarting the subprocess if it died.
// Callers hold c.mu.
func (c *Client) ensureSession() (*session, error) {
	if c.sess != nil && !c.sess.alive() {
		c.logger.Warn("engine process exited, restarting",
			zap.Int("pid", c.sess.pid()), zap.Error(c.sess.waitErr))
		c.discard()
	}
	if c.sess != nil {
		return c.sess, nil
	}

	if _, err := os.Stat(c.cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, c.cfg.BinaryPath, err)
	}
	s, err := startSession(c.cfg.BinaryPath, c.args, c.logger)
	if err != nil {
		return nil, err
	}
	c.sess = s
	c.logger.Info("engine session started",
		zap.Int("pid", s.pid()),
		zap.String("binary", c.cfg.BinaryPath),
		zap.Strings("args", c.args))
	return s, nil
}

// discard drops the current session. Callers hold c.mu.
func (c *Client) discard() {
	if c.sess == nil {
		return
	}
	if err := c.sess.close(); err != nil {
		c.logger.Warn("engine close", zap.Error(err))
	}
	c.sess = nil
	c.restarts++
}
