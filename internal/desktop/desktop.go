package desktop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	DefaultXdotool        = "xdotool"
	DefaultCaptureCommand = "import -window root png:-"
)

var ErrNoWindow = errors.New("no visible window matches the title")

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Xdotool drives window focus and the pointer through the xdotool CLI.
type Xdotool struct {
	path   string
	run    Runner
	logger *zap.Logger
}

func NewXdotool(path string, logger *zap.Logger) *Xdotool {
	return newXdotool(path, execRunner{}, logger)
}

func newXdotool(path string, run Runner, logger *zap.Logger) *Xdotool {
	if strings.TrimSpace(path) == "" {
		path = DefaultXdotool
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Xdotool{path: path, run: run, logger: logger}
}

// Focus raises the first visible window whose title contains title.
func (x *Xdotool) Focus(ctx context.Context, title string) error {
	out, err := x.run.Run(ctx, x.path, "search", "--onlyvisible", "--name", title, "windowactivate", "--sync")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(bytes.TrimSpace(out)) == 0 {
			return fmt.Errorf("%w: %q", ErrNoWindow, title)
		}
		return fmt.Errorf("focus %q: %w", title, err)
	}
	x.logger.Debug("window focused", zap.String("title", title))
	return nil
}

func (x *Xdotool) MoveTo(ctx context.Context, p image.Point) error {
	_, err := x.run.Run(ctx, x.path, "mousemove", "--sync", strconv.Itoa(p.X), strconv.Itoa(p.Y))
	if err != nil {
		return fmt.Errorf("pointer move to %v: %w", p, err)
	}
	return nil
}

func (x *Xdotool) Press(ctx context.Context) error {
	if _, err := x.run.Run(ctx, x.path, "mousedown", "1"); err != nil {
		return fmt.Errorf("pointer press: %w", err)
	}
	return nil
}

func (x *Xdotool) Release(ctx context.Context) error {
	if _, err := x.run.Run(ctx, x.path, "mouseup", "1"); err != nil {
		return fmt.Errorf("pointer release: %w", err)
	}
	return nil
}

// Screen captures the desktop by running a command that writes a PNG to stdout.
type Screen struct {
	argv []string
	run  Runner
}

func NewScreen(command string) (*Screen, error) {
	return newScreen(command, execRunner{})
}

func newScreen(command string, run Runner) (*Screen, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultCaptureCommand
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &Screen{argv: argv, run: run}, nil
}

func (s *Screen) Capture(ctx context.Context) (image.Image, error) {
	out, err := s.run.Run(ctx, s.argv[0], s.argv[1:]...)
	if err != nil {
		return nil, fmt.Errorf("capture screen: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}
