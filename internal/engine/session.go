package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

const closeWait = 3 * time.Second

// errSessionClosed reports that the engine's output stream ended.
var errSessionClosed = errors.New("engine session closed")

// session is a single engine subprocess. One reader goroutine owns stdout and
// feeds complete lines to the lines channel until the stream ends.
type session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *zapio.Writer
	lines  chan string
	quit   chan struct{}
	exited chan struct{}

	waitErr   error
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func startSession(binaryPath string, args []string, logger *zap.Logger) (*session, error) {
	cmd := exec.Command(binaryPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := &zapio.Writer{Log: logger.Named("stderr"), Level: zap.DebugLevel}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := &session{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		lines:  make(chan string, 64),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.readLoop(stdoutPipe)
	return s, nil
}

func (s *session) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case s.lines <- scanner.Text():
		case <-s.quit:
			// drain so the process never blocks on a full pipe
			for scanner.Scan() {
			}
			close(s.lines)
			s.waitErr = s.cmd.Wait()
			close(s.exited)
			return
		}
	}
	close(s.lines)
	s.waitErr = s.cmd.Wait()
	close(s.exited)
}

func (s *session) pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// alive reports whether the subprocess is still running.
func (s *session) alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *session) send(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *session) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			return "", errSessionClosed
		}
		return line, nil
	}
}

// close kills the subprocess and waits for it to be reaped. The exit status
// of a killed engine is not an error.
func (s *session) close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	select {
	case <-s.exited:
	case <-time.After(closeWait):
		return fmt.Errorf("engine pid %d did not exit within %s", s.pid(), closeWait)
	}
	return s.stderr.Close()
}
