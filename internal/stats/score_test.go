package stats_test

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/openingstats/internal/stats"
	"github.com/freeeve/openingstats/internal/universe"
)

// scoredAggregator builds a universe of len(counts) synthetic positions,
// applies counts[i] observations to position i, and scores it.
func scoredAggregator(t *testing.T, counts []int64) map[string]stats.PositionStats {
	t.Helper()

	uni := universe.New(zerolog.Nop())
	// Distinct legal first moves give distinct positions.
	firstMoves := []string{
		"e4", "d4", "c4", "Nf3", "g3", "b3", "f4", "Nc3", "e3", "d3",
		"a3", "h3", "a4", "b4", "c3", "g4", "h4", "Na3", "Nh3", "f3",
	}
	require.LessOrEqual(t, len(counts), len(firstMoves), "not enough distinct positions for this test")

	fens := make([]string, len(counts))
	for i := range counts {
		fen := fenAfterMoves(t, firstMoves[i])
		require.NoError(t, uni.Add(fen))
		fens[i] = fen
	}
	agg := stats.NewAggregator(uni, zerolog.Nop())

	for i, n := range counts {
		key, ok := uni.Key(fens[i])
		require.True(t, ok)
		for j := int64(0); j < n; j++ {
			agg.Apply([]stats.Update{{Key: key, Rating: 1500, Result: stats.ResultDraw}})
		}
	}

	agg.Score(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
	return agg.Snapshot()
}

func TestScoreZeroObservations(t *testing.T) {
	snap := scoredAggregator(t, []int64{0, 3})
	zeroes := 0
	for _, st := range snap {
		if st.GamesAnalyzed == 0 {
			zeroes++
			require.Equal(t, 0, st.PopularityScore)
			require.Equal(t, 0.0, st.ConfidenceScore)
		} else {
			require.Greater(t, st.PopularityScore, 0)
		}
		require.NotEmpty(t, st.AnalysisDate)
	}
	require.Equal(t, 1, zeroes)
}

func TestScoreMonotonicInGamesAnalyzed(t *testing.T) {
	counts := []int64{1, 2, 3, 5, 8, 13, 21, 34, 55, 89, 144, 233}
	snap := scoredAggregator(t, counts)

	type pair struct {
		games int64
		score int
	}
	var pairs []pair
	for _, st := range snap {
		pairs = append(pairs, pair{st.GamesAnalyzed, st.PopularityScore})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].games < pairs[j].games })

	for i := 1; i < len(pairs); i++ {
		require.GreaterOrEqual(t, pairs[i].score, pairs[i-1].score,
			"score must be non-decreasing in games_analyzed (%v)", pairs)
	}
	// Scores stay within 1..10 for observed positions.
	for _, p := range pairs {
		require.GreaterOrEqual(t, p.score, 1)
		require.LessOrEqual(t, p.score, 10)
	}
}

func TestScoreDecileBoundaryTiesBreakLow(t *testing.T) {
	// n=2, counts [1,2]: every threshold below the top is 1, the last is 2.
	// The position sitting exactly on a threshold takes the lower score.
	snap := scoredAggregator(t, []int64{1, 2})

	byGames := map[int64]int{}
	for _, st := range snap {
		byGames[st.GamesAnalyzed] = st.PopularityScore
	}
	require.Equal(t, 1, byGames[1], "count equal to the first threshold stays in the lowest bucket")
	require.Equal(t, 10, byGames[2])
}

func TestConfidenceLadder(t *testing.T) {
	tests := []struct {
		games int64
		want  float64
	}{
		{1, 0.4},
		{9, 0.4},
		{10, 0.6},
		{99, 0.6},
		{100, 0.8},
		{999, 0.8},
		{1000, 1.0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("games_%d", tt.games), func(t *testing.T) {
			snap := scoredAggregator(t, []int64{tt.games})
			for _, st := range snap {
				require.Equal(t, tt.want, st.ConfidenceScore)
			}
		})
	}
}

func TestResultsRates(t *testing.T) {
	uni, keyA, keyB := testUniverse(t)
	agg := stats.NewAggregator(uni, zerolog.Nop())

	agg.Apply([]stats.Update{{Key: keyA, Rating: 1550, Result: stats.ResultWhiteWin}})
	agg.Apply([]stats.Update{{Key: keyA, Rating: 1425, Result: stats.ResultDraw}})
	agg.Score(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))

	results := agg.Results()
	require.Len(t, results, 2)

	fenA, _ := uni.FEN(keyA)
	a := results[fenA]
	require.NotNil(t, a.WhiteWinRate)
	require.InDelta(t, 0.5, *a.WhiteWinRate, 1e-9)
	require.InDelta(t, 0.0, *a.BlackWinRate, 1e-9)
	require.InDelta(t, 0.5, *a.DrawRate, 1e-9)

	// Unobserved position carries null rates.
	fenB, _ := uni.FEN(keyB)
	b := results[fenB]
	require.Nil(t, b.WhiteWinRate)
	require.Nil(t, b.BlackWinRate)
	require.Nil(t, b.DrawRate)
	require.Equal(t, 0, b.PopularityScore)
}
