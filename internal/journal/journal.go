package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/park285/chaturaji-autoplay/internal/domain"
)

// Entry is one move the bot executed on the board.
type Entry struct {
	SessionID  string
	GameURL    string
	Ply        int
	Player     domain.Player
	Move       string
	History    []string
	Clocks     map[string]float64
	ExecutedAt time.Time
}

type Journal interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// Nop discards entries. It is used when no database is configured.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
func (Nop) Close() error                        { return nil }

const schema = `CREATE TABLE IF NOT EXISTS autoplay_moves (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    game_url    TEXT NOT NULL DEFAULT '',
    ply         INTEGER NOT NULL,
    player      TEXT NOT NULL,
    move        TEXT NOT NULL,
    history     TEXT[] NOT NULL,
    clocks      JSONB,
    executed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS autoplay_moves_session_idx ON autoplay_moves (session_id, ply)`

type Postgres struct {
	db *sql.DB
}

func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}

	p := newPostgres(db)
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func newPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure journal schema: %w", err)
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, e Entry) error {
	if p == nil || p.db == nil {
		return nil
	}
	var clocks any
	if len(e.Clocks) > 0 {
		raw, err := json.Marshal(e.Clocks)
		if err != nil {
			return fmt.Errorf("marshal clocks: %w", err)
		}
		clocks = string(raw)
	}
	history := e.History
	if history == nil {
		history = []string{}
	}
	executedAt := e.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	q := `INSERT INTO autoplay_moves (
        session_id, game_url, ply, player, move, history, clocks, executed_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := p.db.ExecContext(ctx, q,
		e.SessionID, e.GameURL, e.Ply, string(e.Player), e.Move,
		pq.Array(history), clocks, executedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record move: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
