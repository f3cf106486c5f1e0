package statesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed state artifact")

// Observation is one snapshot of the remote game as written by the move fetcher.
type Observation struct {
	URL    string             `json:"url,omitempty"`
	Moves  []string           `json:"moves"`
	Clocks map[string]float64 `json:"clocks,omitempty"`
	// DetectedAt is the fetcher's wall-clock detection time in Unix seconds.
	DetectedAt float64 `json:"detection_timestamp"`
}

// Empty is the artifact written on reset: no moves, timestamp zero.
func Empty() Observation {
	return Observation{Moves: []string{}}
}

// Source yields the newest observation of the game.
type Source interface {
	// Latest returns the current observation. changed is false when nothing
	// new arrived since the previous call; the returned observation is then zero.
	Latest(ctx context.Context) (obs Observation, changed bool, err error)
	Close() error
}

// Resetter is implemented by sources the bot may overwrite at startup.
type Resetter interface {
	Reset(ctx context.Context) error
}

func Decode(data []byte) (Observation, error) {
	var raw struct {
		URL        string             `json:"url"`
		Moves      *[]string          `json:"moves"`
		Clocks     map[string]float64 `json:"clocks"`
		DetectedAt *float64           `json:"detection_timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Moves == nil {
		return Observation{}, fmt.Errorf("%w: missing moves", ErrMalformed)
	}
	if raw.DetectedAt == nil {
		return Observation{}, fmt.Errorf("%w: missing detection_timestamp", ErrMalformed)
	}
	return Observation{
		URL:        raw.URL,
		Moves:      *raw.Moves,
		Clocks:     raw.Clocks,
		DetectedAt: *raw.DetectedAt,
	}, nil
}

func Encode(obs Observation) ([]byte, error) {
	if obs.Moves == nil {
		obs.Moves = []string{}
	}
	return json.Marshal(obs)
}
