package ingest

import (
	"strings"
	"testing"

	"github.com/freeeve/pgn/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/openingstats/internal/stats"
	"github.com/freeeve/openingstats/internal/universe"
)

func fenAfterMoves(t *testing.T, moves ...string) string {
	t.Helper()
	pos := pgn.NewStartingPosition()
	for _, san := range moves {
		mv, err := pgn.ParseSAN(pos, san)
		require.NoError(t, err, "parse %s", san)
		require.NoError(t, pgn.ApplyMove(pos, mv), "apply %s", san)
	}
	return pos.ToFEN()
}

func packAfterMoves(t *testing.T, moves ...string) pgn.PackedPosition {
	t.Helper()
	pos := pgn.NewStartingPosition()
	for _, san := range moves {
		mv, err := pgn.ParseSAN(pos, san)
		require.NoError(t, err)
		require.NoError(t, pgn.ApplyMove(pos, mv))
	}
	return pos.Pack()
}

func gameRecord(whiteElo, blackElo, result, movetext string) string {
	var b strings.Builder
	b.WriteString("[Event \"Rated Blitz game\"]\n")
	b.WriteString("[Site \"https://lichess.org/abcd1234\"]\n")
	b.WriteString("[White \"alice\"]\n[Black \"bob\"]\n")
	b.WriteString("[Result \"" + result + "\"]\n")
	if whiteElo != "" {
		b.WriteString("[WhiteElo \"" + whiteElo + "\"]\n")
	}
	if blackElo != "" {
		b.WriteString("[BlackElo \"" + blackElo + "\"]\n")
	}
	b.WriteString("\n")
	b.WriteString(movetext)
	return b.String()
}

func trackedUniverse(t *testing.T, moveSets ...[]string) *universe.Universe {
	t.Helper()
	uni := universe.New(zerolog.Nop())
	for _, moves := range moveSets {
		require.NoError(t, uni.Add(fenAfterMoves(t, moves...)))
	}
	return uni
}

func TestParseGameBasic(t *testing.T) {
	uni := trackedUniverse(t, []string{"e4"}, []string{"e4", "e5"})
	p := NewParser(uni, 0, zerolog.Nop())

	updates := p.ParseGame(gameRecord("1500", "1600", "1-0", "1. e4 e5 2. Nf3 Nc6 1-0"))
	require.Len(t, updates, 2)
	for _, up := range updates {
		require.InDelta(t, 1550, up.Rating, 1e-9)
		require.Equal(t, stats.ResultWhiteWin, up.Result)
	}
	require.Equal(t, packAfterMoves(t, "e4"), updates[0].Key)
	require.Equal(t, packAfterMoves(t, "e4", "e5"), updates[1].Key)
}

func TestParseGameRatingGates(t *testing.T) {
	uni := trackedUniverse(t, []string{"e4"})

	tests := []struct {
		name      string
		whiteElo  string
		blackElo  string
		ratingMin int
		want      int
	}{
		{"both rated", "1500", "1600", 0, 1},
		{"missing white", "", "1600", 0, 0},
		{"unknown white", "?", "1600", 0, 0},
		{"dash black", "1500", "-", 0, 0},
		{"zero black", "1500", "0", 0, 0},
		{"below floor", "1500", "1600", 1800, 0},
		{"at floor", "1800", "1900", 1800, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(uni, tt.ratingMin, zerolog.Nop())
			updates := p.ParseGame(gameRecord(tt.whiteElo, tt.blackElo, "1-0", "1. e4 e5 1-0"))
			require.Len(t, updates, tt.want)
		})
	}
}

func TestParseGameLichessAnnotations(t *testing.T) {
	uni := trackedUniverse(t, []string{"e4"}, []string{"e4", "e5"})
	p := NewParser(uni, 0, zerolog.Nop())

	movetext := `1. e4 { [%eval 0.2] [%clk 0:03:00] } 1... e5 { [%eval 0.3] [%clk 0:03:00] } 2. Nf3?! { [%eval -0.1] } (2. Nc3 Nf6) 2... Nc6 $14 1-0`
	updates := p.ParseGame(gameRecord("2100", "2000", "1-0", movetext))
	require.Len(t, updates, 2)
}

func TestParseGameStopsAtUnparseableMove(t *testing.T) {
	uni := trackedUniverse(t, []string{"e4"}, []string{"e4", "e5"})
	p := NewParser(uni, 0, zerolog.Nop())

	// Replay stops at the garbage token; positions seen before it count.
	updates := p.ParseGame(gameRecord("1500", "1600", "1-0", "1. e4 e5 2. Zz9 e6 1-0"))
	require.Len(t, updates, 2)
}

func TestParseGamePlyCap(t *testing.T) {
	// Knights shuffling out and back: start position recurs every 4 plies.
	cycle := "Nf3 Nf6 Ng1 Ng8 "
	var moves strings.Builder
	for i := 0; i < 25; i++ { // 100 plies, well past the cap
		moves.WriteString(cycle)
	}

	startFEN := pgn.NewStartingPosition().ToFEN()
	uni := universe.New(zerolog.Nop())
	require.NoError(t, uni.Add(startFEN))
	p := NewParser(uni, 0, zerolog.Nop())

	updates := p.ParseGame(gameRecord("1500", "1600", "1/2-1/2", moves.String()+"1/2-1/2"))
	// Within the 70-ply window the start position occurs at plies 0,4,...,68.
	require.Len(t, updates, 18)
}

func TestParseGameNoTrackedPositions(t *testing.T) {
	uni := trackedUniverse(t, []string{"d4"})
	p := NewParser(uni, 0, zerolog.Nop())

	updates := p.ParseGame(gameRecord("1500", "1600", "0-1", "1. e4 e5 0-1"))
	require.Empty(t, updates)
}

func TestParseGameEmptyRecord(t *testing.T) {
	uni := trackedUniverse(t, []string{"e4"})
	p := NewParser(uni, 0, zerolog.Nop())
	require.Empty(t, p.ParseGame(""))
	require.Empty(t, p.ParseGame("[Event \"x\"]\n\n*"))
}

func TestMovetextTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			"plain",
			"1. e4 e5 2. Nf3 Nc6 1-0",
			[]string{"e4", "e5", "Nf3", "Nc6"},
		},
		{
			"comments and clocks",
			"1. e4 { [%clk 0:03:00] } 1... c5 { deep theory } 2. Nf3 0-1",
			[]string{"e4", "c5", "Nf3"},
		},
		{
			"variations",
			"1. e4 (1. d4 d5 (1... Nf6)) 1... e5 *",
			[]string{"e4", "e5"},
		},
		{
			"nags and glyphs",
			"1. e4!? $2 e5? 2. Nf3+ 1/2-1/2",
			[]string{"e4", "e5", "Nf3"},
		},
		{
			"attached move numbers",
			"1.e4 e5 2.Nf3 Nc6",
			[]string{"e4", "e5", "Nf3", "Nc6"},
		},
		{
			"castling and mate",
			"1. e4 e5 2. O-O# 1-0",
			[]string{"e4", "e5", "O-O"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, movetextTokens(tt.in))
		})
	}
}

func TestParseRating(t *testing.T) {
	require.Equal(t, 0, parseRating(""))
	require.Equal(t, 0, parseRating("?"))
	require.Equal(t, 0, parseRating("-"))
	require.Equal(t, 0, parseRating("abc"))
	require.Equal(t, 1850, parseRating("1850"))
}
