// Package fetcher runs the external move fetcher that scrapes the game page
// and keeps the state file current.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

const closeWait = 3 * time.Second

// URLPlaceholder in a command is replaced with the game URL.
const URLPlaceholder = "{url}"

var ErrAlreadyStarted = errors.New("fetcher already started")

// Process is one fetcher subprocess. Its output goes to the log.
type Process struct {
	argv   []string
	logger *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	out     *zapio.Writer
	exited  chan struct{}
	closing atomic.Bool
	closed  bool
}

// New splits command on whitespace and substitutes the game URL.
func New(command, gameURL string, logger *zap.Logger) (*Process, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("empty fetcher command")
	}
	if strings.Contains(command, URLPlaceholder) && gameURL == "" {
		return nil, errors.New("fetcher command needs GAME_URL")
	}
	for i, f := range fields {
		fields[i] = strings.ReplaceAll(f, URLPlaceholder, gameURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{argv: fields, logger: logger}, nil
}

func (p *Process) Argv() []string {
	return append([]string(nil), p.argv...)
}

// Start launches the subprocess. It outlives ctx and is stopped by Close.
func (p *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil || p.closed {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	out := &zapio.Writer{Log: p.logger, Level: zap.InfoLevel}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start fetcher %s: %w", p.argv[0], err)
	}
	p.cmd = cmd
	p.out = out
	p.exited = make(chan struct{})

	go func(exited chan struct{}) {
		err := cmd.Wait()
		if !p.closing.Load() {
			p.logger.Warn("move fetcher exited", zap.Error(err))
		}
		close(exited)
	}(p.exited)

	p.logger.Info("move fetcher started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("argv", p.argv))
	return nil
}

// Close kills the subprocess and waits briefly for it. Safe to call more than once.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.cmd == nil {
		return nil
	}
	p.closing.Store(true)

	var err error
	select {
	case <-p.exited:
	default:
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("kill fetcher: %w", kerr)
		}
		t := time.NewTimer(closeWait)
		select {
		case <-p.exited:
		case <-t.C:
			err = errors.New("fetcher did not exit in time")
		}
		t.Stop()
	}
	_ = p.out.Close()
	return err
}

// Exited is closed once the subprocess is gone. Nil before Start.
func (p *Process) Exited() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}
