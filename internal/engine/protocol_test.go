package engine

import (
	"reflect"
	"testing"

	"github.com/park285/chaturaji-autoplay/internal/domain"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		line string
		want Response
	}{
		{"turn r", Response{Kind: KindTurn, Player: domain.PlayerRed, Text: "turn r"}},
		{"  turn g  ", Response{Kind: KindTurn, Player: domain.PlayerGreen, Text: "turn g"}},
		{"turn Y", Response{Kind: KindTurn, Player: domain.PlayerYellow, Text: "turn Y"}},
		{"turn gameover", Response{Kind: KindTurn, GameOver: true, Text: "turn gameover"}},
		{"turn", Response{Kind: KindTurn, GameOver: true, Text: "turn"}},
		{"turn x", Response{Kind: KindTurn, Text: "turn x"}},
		{"bestmove a1a2", Response{Kind: KindBestMove, Move: "a1a2", Text: "bestmove a1a2"}},
		{"bestmove b7b8r ponder c1c2", Response{Kind: KindBestMove, Move: "b7b8r", Text: "bestmove b7b8r ponder c1c2"}},
		{"bestmove", Response{Kind: KindBestMove, Text: "bestmove"}},
		{"bestmove (none)", Response{Kind: KindBestMove, Text: "bestmove (none)"}},
		{"info sims 100 nps 2000", Response{Kind: KindInfo, Text: "info sims 100 nps 2000"}},
		{"root q=0.31", Response{Kind: KindInfo, Text: "root q=0.31"}},
		{"turnover", Response{Kind: KindUnrecognized, Text: "turnover"}},
		{"", Response{Kind: KindUnrecognized}},
		{"loading model", Response{Kind: KindUnrecognized, Text: "loading model"}},
	}
	for _, tc := range cases {
		got := ParseLine(tc.line)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ParseLine(%q) = %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

func TestCommands(t *testing.T) {
	if got := buildPositionCommand(nil); got != "position moves\n" {
		t.Fatalf("empty history: %q", got)
	}
	if got := buildPositionCommand([]string{"d2d3", "R", "e7e6"}); got != "position moves d2d3 R e7e6\n" {
		t.Fatalf("history: %q", got)
	}
	if got := buildTurnCommand(); got != "turn\n" {
		t.Fatalf("turn: %q", got)
	}
	if got := buildGoCommand(35000); got != "go sims 35000\n" {
		t.Fatalf("go: %q", got)
	}
}

func TestLaunchArgs(t *testing.T) {
	got := launchArgs(Config{ModelPath: "/models/net.onnx", BatchSize: 64, ExtraArgs: []string{"--threads", "4"}})
	want := []string{"--model", "/models/net.onnx", "--interactive", "--mcts-batch", "64", "--threads", "4"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("launchArgs = %v, want %v", got, want)
	}
}
