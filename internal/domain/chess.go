package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// BoardSize is the number of cells per board axis.
const BoardSize = 8

var (
	ErrInvalidPlayer = errors.New("invalid player")
	ErrInvalidCell   = errors.New("invalid cell")
	ErrInvalidMove   = errors.New("invalid move token")
	ErrReservedMove  = errors.New("reserved token is not a board move")
)

// Player is one of the four seats, identified by its colour letter.
type Player string

const (
	PlayerNone   Player = ""
	PlayerRed    Player = "r"
	PlayerBlue   Player = "b"
	PlayerYellow Player = "y"
	PlayerGreen  Player = "g"
)

// TurnOrder lists the seats in the order they move.
var TurnOrder = []Player{PlayerRed, PlayerBlue, PlayerYellow, PlayerGreen}

func ParsePlayer(s string) (Player, error) {
	p := Player(strings.ToLower(strings.TrimSpace(s)))
	if p == PlayerNone || !slices.Contains(TurnOrder, p) {
		return PlayerNone, fmt.Errorf("%w: %q", ErrInvalidPlayer, s)
	}
	return p, nil
}

func (p Player) String() string {
	switch p {
	case PlayerRed:
		return "red"
	case PlayerBlue:
		return "blue"
	case PlayerYellow:
		return "yellow"
	case PlayerGreen:
		return "green"
	default:
		return "none"
	}
}

// Cell addresses a board square by zero-based column (a..h) and row (1..8).
type Cell struct {
	Col int
	Row int
}

func ParseCell(s string) (Cell, error) {
	s = strings.TrimSpace(s)
	if len(s) != 2 {
		return Cell{}, fmt.Errorf("%w: %q", ErrInvalidCell, s)
	}
	c := Cell{Col: int(s[0] - 'a'), Row: int(s[1] - '1')}
	if !c.Valid() {
		return Cell{}, fmt.Errorf("%w: %q", ErrInvalidCell, s)
	}
	return c, nil
}

func (c Cell) Valid() bool {
	return c.Col >= 0 && c.Col < BoardSize && c.Row >= 0 && c.Row < BoardSize
}

// Square maps the cell onto the standard 8x8 square numbering.
func (c Cell) Square() nchess.Square {
	return nchess.NewSquare(nchess.File(c.Col), nchess.Rank(c.Row))
}

func (c Cell) String() string {
	if !c.Valid() {
		return fmt.Sprintf("(%d,%d)", c.Col, c.Row)
	}
	return c.Square().String()
}

// Reserved single-character history tokens. They are kept in the history
// verbatim and never executed on the board.
const (
	TokenResign  = "R"
	TokenTimeout = "T"
)

func IsReservedToken(tok string) bool {
	switch strings.TrimSpace(tok) {
	case TokenResign, TokenTimeout:
		return true
	default:
		return false
	}
}

// Move is a parsed board move token such as "a1a2" or "b7b8r".
type Move struct {
	From   Cell
	To     Cell
	Suffix string
}

func ParseMove(tok string) (Move, error) {
	tok = strings.TrimSpace(tok)
	if IsReservedToken(tok) {
		return Move{}, fmt.Errorf("%w: %q", ErrReservedMove, tok)
	}
	if len(tok) != 4 && len(tok) != 5 {
		return Move{}, fmt.Errorf("%w: %q", ErrInvalidMove, tok)
	}
	from, err := ParseCell(tok[0:2])
	if err != nil {
		return Move{}, fmt.Errorf("%w: %q: %v", ErrInvalidMove, tok, err)
	}
	to, err := ParseCell(tok[2:4])
	if err != nil {
		return Move{}, fmt.Errorf("%w: %q: %v", ErrInvalidMove, tok, err)
	}
	return Move{From: from, To: to, Suffix: tok[4:]}, nil
}

func (m Move) String() string {
	return m.From.String() + m.To.String() + m.Suffix
}
