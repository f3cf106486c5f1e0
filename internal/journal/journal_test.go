package journal

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/chaturaji-autoplay/internal/domain"
)

// recorder is a database/sql driver that captures executed statements.
type recorder struct {
	mu    sync.Mutex
	execs []execCall
	fail  error
}

type execCall struct {
	query string
	args  []driver.Value
}

func (r *recorder) Connect(context.Context) (driver.Conn, error) { return &recConn{r: r}, nil }
func (r *recorder) Driver() driver.Driver                        { return nil }

func (r *recorder) calls() []execCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execCall(nil), r.execs...)
}

type recConn struct{ r *recorder }

func (c *recConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *recConn) Close() error                        { return nil }
func (c *recConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func (c *recConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if c.r.fail != nil {
		return nil, c.r.fail
	}
	vals := make([]driver.Value, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	c.r.execs = append(c.r.execs, execCall{query: query, args: vals})
	return driver.RowsAffected(1), nil
}

func newRecorded(t *testing.T) (*Postgres, *recorder) {
	t.Helper()
	rec := &recorder{}
	db := sql.OpenDB(rec)
	t.Cleanup(func() { _ = db.Close() })
	return newPostgres(db), rec
}

func TestEnsureSchema(t *testing.T) {
	p, rec := newRecorded(t)
	if err := p.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	calls := rec.calls()
	if len(calls) != 1 || !strings.Contains(calls[0].query, "CREATE TABLE IF NOT EXISTS autoplay_moves") {
		t.Fatalf("unexpected statements: %+v", calls)
	}
}

func TestRecordMove(t *testing.T) {
	p, rec := newRecorded(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("KST", 9*3600))
	err := p.Record(context.Background(), Entry{
		SessionID:  "7b0c",
		GameURL:    "https://example.test/game/42",
		Ply:        4,
		Player:     domain.PlayerRed,
		Move:       "d2d3",
		History:    []string{"d2d3", "b5c5", "e7e6", "T"},
		Clocks:     map[string]float64{"r": 59.5},
		ExecutedAt: at,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one insert, got %d", len(calls))
	}
	args := calls[0].args
	if args[0] != "7b0c" || args[1] != "https://example.test/game/42" || args[2] != int64(4) || args[3] != "r" || args[4] != "d2d3" {
		t.Fatalf("unexpected scalar args: %v", args[:5])
	}
	if args[5] != `{"d2d3","b5c5","e7e6","T"}` {
		t.Fatalf("history not encoded as a postgres array: %v", args[5])
	}
	if args[6] != `{"r":59.5}` {
		t.Fatalf("clocks: %v", args[6])
	}
	if ts, ok := args[7].(time.Time); !ok || !ts.Equal(at) || ts.Location() != time.UTC {
		t.Fatalf("executed_at: %v", args[7])
	}
}

func TestRecordWithoutClocks(t *testing.T) {
	p, rec := newRecorded(t)
	if err := p.Record(context.Background(), Entry{SessionID: "s", Ply: 0, Player: domain.PlayerBlue, Move: "b5c5"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	args := rec.calls()[0].args
	if args[5] != `{}` || args[6] != nil {
		t.Fatalf("unexpected args: %v", args)
	}
	if ts, ok := args[7].(time.Time); !ok || ts.IsZero() {
		t.Fatalf("missing timestamp: %v", args[7])
	}
}

func TestRecordError(t *testing.T) {
	p, rec := newRecorded(t)
	rec.fail = errors.New("connection reset")
	if err := p.Record(context.Background(), Entry{Move: "d2d3"}); err == nil || !strings.Contains(err.Error(), "record move") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestNop(t *testing.T) {
	var j Journal = Nop{}
	if err := j.Record(context.Background(), Entry{}); err != nil {
		t.Fatalf("Nop.Record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Nop.Close: %v", err)
	}
}

func TestOpenRequiresURL(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestPostgresIntegration(t *testing.T) {
	url := os.Getenv("JOURNAL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("JOURNAL_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	p, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()
	if err := p.Record(ctx, Entry{SessionID: "integration", Player: domain.PlayerGreen, Move: "g4f4", History: []string{"g4f4"}}); err != nil {
		t.Fatalf("Record: %v", err)
	}
}
