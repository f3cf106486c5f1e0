package engine

import (
	"strconv"
	"strings"

	"github.com/park285/chaturaji-autoplay/internal/domain"
)

// Kind tags a parsed engine output line.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindTurn
	KindBestMove
	KindInfo
)

func (k Kind) String() string {
	switch k {
	case KindTurn:
		return "turn"
	case KindBestMove:
		return "bestmove"
	case KindInfo:
		return "info"
	default:
		return "unrecognized"
	}
}

const gameOverToken = "gameover"

// Response is one line of engine output.
//
// KindTurn carries Player, or PlayerNone with GameOver set when the engine
// reports the game finished. KindBestMove carries Move, empty when the engine
// has nothing to play. KindInfo and KindUnrecognized carry the raw Text.
type Response struct {
	Kind     Kind
	Player   domain.Player
	GameOver bool
	Move     string
	Text     string
}

func ParseLine(line string) Response {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Response{Kind: KindUnrecognized, Text: line}
	}

	switch fields[0] {
	case "turn":
		if len(fields) < 2 || fields[1] == gameOverToken {
			return Response{Kind: KindTurn, GameOver: true, Text: line}
		}
		p, err := domain.ParsePlayer(fields[1])
		if err != nil {
			// an identity we cannot act on is treated as no turn
			return Response{Kind: KindTurn, Text: line}
		}
		return Response{Kind: KindTurn, Player: p, Text: line}
	case "bestmove":
		mv := ""
		if len(fields) >= 2 && fields[1] != "(none)" {
			mv = fields[1]
		}
		return Response{Kind: KindBestMove, Move: mv, Text: line}
	case "info", "root":
		return Response{Kind: KindInfo, Text: line}
	}
	return Response{Kind: KindUnrecognized, Text: line}
}

func buildPositionCommand(history []string) string {
	var sb strings.Builder
	sb.WriteString("position moves")
	for _, mv := range history {
		sb.WriteByte(' ')
		sb.WriteString(mv)
	}
	sb.WriteString("\n")
	return sb.String()
}

func buildTurnCommand() string {
	return "turn\n"
}

func buildGoCommand(sims int) string {
	return "go sims " + strconv.Itoa(sims) + "\n"
}

// launchArgs is the engine argv after the binary path.
func launchArgs(cfg Config) []string {
	args := []string{
		"--model", cfg.ModelPath,
		"--interactive",
		"--mcts-batch", strconv.Itoa(cfg.BatchSize),
	}
	return append(args, cfg.ExtraArgs...)
}
