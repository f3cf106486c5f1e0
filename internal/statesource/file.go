package statesource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const defaultSettleDelay = 50 * time.Millisecond

// FileSource watches a JSON file that the fetcher replaces atomically.
type FileSource struct {
	path    string
	settle  time.Duration
	logger  *zap.Logger
	lastMod time.Time
}

func NewFileSource(path string, settle time.Duration, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settle < 0 {
		settle = defaultSettleDelay
	}
	return &FileSource{path: path, settle: settle, logger: logger}
}

func (s *FileSource) Path() string { return s.path }

// Latest re-reads the file when its modification time moved. A file that
// fails to parse is retried on the next call.
func (s *FileSource) Latest(ctx context.Context) (Observation, bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Observation{}, false, nil
		}
		return Observation{}, false, fmt.Errorf("stat state file: %w", err)
	}
	mod := info.ModTime()
	if !mod.After(s.lastMod) {
		return Observation{}, false, nil
	}

	if s.settle > 0 {
		t := time.NewTimer(s.settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return Observation{}, false, ctx.Err()
		case <-t.C:
		}
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Observation{}, false, fmt.Errorf("read state file: %w", err)
	}
	obs, err := Decode(data)
	if err != nil {
		return Observation{}, false, err
	}
	s.lastMod = mod
	return obs, true, nil
}

// Reset overwrites the file with an empty observation.
func (s *FileSource) Reset(context.Context) error {
	if err := WriteFile(s.path, Empty()); err != nil {
		return err
	}
	s.logger.Info("state file reset", zap.String("path", s.path))
	return nil
}

func (s *FileSource) Close() error { return nil }

// WriteFile stores obs at path through a temporary file and a rename, so a
// reader never sees a partial document.
func WriteFile(path string, obs Observation) error {
	data, err := Encode(obs)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
