package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/park285/chaturaji-autoplay/internal/domain"
)

type AppConfig struct {
	Player      domain.Player
	GameURL     string
	WindowTitle string

	StateSource      string
	StateRedisKey    string
	PollInterval     time.Duration
	StateSettleDelay time.Duration
	StateHTTPTimeout time.Duration
	ResetState       bool
	ResyncWindow     time.Duration
	// FetcherCommand launches the move fetcher once the state file is reset.
	// "{url}" in the command is replaced with GameURL.
	FetcherCommand string

	MoveSettleDelay time.Duration
	FocusAttempts   int
	FocusBackoff    time.Duration
	XdotoolPath     string
	CaptureCommand  string

	TemplateDir        string
	TemplateScale      float64
	MatchThreshold     float64
	MatchCoarseFactor  int
	ResidualTolerance  float64
	OrthoTolerance     float64
	MagnitudeTolerance float64

	EnginePath          string
	ModelPath           string
	EngineSims          int
	EngineBatch         int
	EngineTurnTimeout   time.Duration
	EngineSearchTimeout time.Duration

	DatabaseURL string
}

func defaults() *AppConfig {
	return &AppConfig{
		WindowTitle:         "Chaturaji",
		StateSource:         "game_state.json",
		StateRedisKey:       "chaturaji:state",
		PollInterval:        100 * time.Millisecond,
		StateSettleDelay:    50 * time.Millisecond,
		StateHTTPTimeout:    5 * time.Second,
		ResyncWindow:        250 * time.Millisecond,
		MoveSettleDelay:     50 * time.Millisecond,
		FocusAttempts:       5,
		FocusBackoff:        time.Second,
		XdotoolPath:         "xdotool",
		TemplateDir:         filepath.Join("assets", "pieces"),
		TemplateScale:       1.0,
		MatchThreshold:      0.85,
		MatchCoarseFactor:   4,
		ResidualTolerance:   0.5,
		OrthoTolerance:      0.1,
		MagnitudeTolerance:  0.1,
		EnginePath:          filepath.Join("bazel-bin", "chaturaji_engine"),
		EngineSims:          35000,
		EngineBatch:         64,
		EngineTurnTimeout:   10 * time.Second,
		EngineSearchTimeout: 5 * time.Minute,
	}
}

// Load reads the optional AUTOPLAY_CONFIG yaml file, then environment overrides.
func Load() (*AppConfig, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*AppConfig, error) {
	cfg := defaults()
	reset := ""

	if path := strings.TrimSpace(getenv("AUTOPLAY_CONFIG")); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.apply(file.get, &reset); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := cfg.apply(getenv, &reset); err != nil {
		return nil, err
	}

	if reset == "" {
		// only clear the file when this process starts the fetcher that refills it
		cfg.ResetState = cfg.FetcherCommand != "" && isFileLocation(cfg.StateSource)
	} else {
		b, err := strconv.ParseBool(reset)
		if err != nil {
			return nil, fmt.Errorf("RESET_STATE: %w", err)
		}
		cfg.ResetState = b
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *AppConfig) apply(get func(string) string, reset *string) error {
	var errs error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(get(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(get(key)); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(get(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := strings.TrimSpace(get(key)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}

	if v := strings.TrimSpace(get("PLAYER_COLOR")); v != "" {
		p, err := domain.ParsePlayer(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("PLAYER_COLOR: %w", err))
		} else {
			cfg.Player = p
		}
	}
	str("GAME_URL", &cfg.GameURL)
	str("WINDOW_TITLE", &cfg.WindowTitle)

	str("STATE_SOURCE", &cfg.StateSource)
	str("STATE_REDIS_KEY", &cfg.StateRedisKey)
	dur("POLL_INTERVAL", &cfg.PollInterval)
	dur("STATE_SETTLE_DELAY", &cfg.StateSettleDelay)
	dur("STATE_HTTP_TIMEOUT", &cfg.StateHTTPTimeout)
	str("FETCHER_COMMAND", &cfg.FetcherCommand)
	dur("RESYNC_WINDOW", &cfg.ResyncWindow)
	str("RESET_STATE", reset)

	dur("MOVE_SETTLE_DELAY", &cfg.MoveSettleDelay)
	num("FOCUS_ATTEMPTS", &cfg.FocusAttempts)
	dur("FOCUS_BACKOFF", &cfg.FocusBackoff)
	str("XDOTOOL_PATH", &cfg.XdotoolPath)
	str("CAPTURE_COMMAND", &cfg.CaptureCommand)

	str("TEMPLATE_DIR", &cfg.TemplateDir)
	float("TEMPLATE_SCALE", &cfg.TemplateScale)
	float("MATCH_THRESHOLD", &cfg.MatchThreshold)
	num("MATCH_COARSE_FACTOR", &cfg.MatchCoarseFactor)
	float("RESIDUAL_TOLERANCE", &cfg.ResidualTolerance)
	float("ORTHO_TOLERANCE", &cfg.OrthoTolerance)
	float("MAGNITUDE_TOLERANCE", &cfg.MagnitudeTolerance)

	str("ENGINE_PATH", &cfg.EnginePath)
	str("MODEL_PATH", &cfg.ModelPath)
	num("ENGINE_SIMS", &cfg.EngineSims)
	num("ENGINE_BATCH", &cfg.EngineBatch)
	dur("ENGINE_TURN_TIMEOUT", &cfg.EngineTurnTimeout)
	dur("ENGINE_SEARCH_TIMEOUT", &cfg.EngineSearchTimeout)

	str("DATABASE_URL", &cfg.DatabaseURL)
	return errs
}

func (cfg *AppConfig) validate() error {
	if cfg.Player == domain.PlayerNone {
		return errors.New("PLAYER_COLOR is required (r, b, y or g)")
	}
	if cfg.ModelPath == "" {
		return errors.New("MODEL_PATH is required")
	}
	if cfg.WindowTitle == "" {
		return errors.New("WINDOW_TITLE must not be empty")
	}
	if cfg.MatchThreshold <= 0 || cfg.MatchThreshold > 1 {
		return fmt.Errorf("MATCH_THRESHOLD must be in (0, 1], got %g", cfg.MatchThreshold)
	}
	if cfg.TemplateScale <= 0 {
		return fmt.Errorf("TEMPLATE_SCALE must be positive, got %g", cfg.TemplateScale)
	}
	if cfg.MatchCoarseFactor < 1 {
		return fmt.Errorf("MATCH_COARSE_FACTOR must be at least 1, got %d", cfg.MatchCoarseFactor)
	}
	if cfg.FocusAttempts < 1 {
		return fmt.Errorf("FOCUS_ATTEMPTS must be at least 1, got %d", cfg.FocusAttempts)
	}
	if cfg.EngineSims <= 0 || cfg.EngineBatch <= 0 {
		return fmt.Errorf("ENGINE_SIMS and ENGINE_BATCH must be positive")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if cfg.MoveSettleDelay <= 0 {
		return fmt.Errorf("MOVE_SETTLE_DELAY must be positive, got %v", cfg.MoveSettleDelay)
	}
	return nil
}

// parseDuration accepts Go durations ("250ms") and bare seconds ("0.25").
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func isFileLocation(loc string) bool {
	i := strings.Index(loc, "://")
	return i < 0 || strings.EqualFold(loc[:i], "file")
}

type fileValues map[string]string

func (f fileValues) get(key string) string { return f[key] }

// readFile decodes a flat yaml mapping. Keys match the environment names,
// case-insensitively.
func readFile(path string) (fileValues, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(fileValues, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case nil:
			continue
		case map[string]any, []any:
			return nil, fmt.Errorf("config file %s: %s must be a scalar", path, k)
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return out, nil
}
