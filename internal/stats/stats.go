// Package stats maintains per-position opening statistics.
//
// All mutation goes through Aggregator.Apply, which takes a single exclusive
// lock for the whole batch. Snapshot, Restore and Score take the same lock,
// so readers never observe a half-applied game.
package stats

import (
	"sync"

	"github.com/freeeve/pgn/v3"
	"github.com/rs/zerolog"

	"github.com/freeeve/openingstats/internal/universe"
)

// Game result tokens as they appear in PGN Result tags.
const (
	ResultWhiteWin = "1-0"
	ResultBlackWin = "0-1"
	ResultDraw     = "1/2-1/2"
)

// PositionStats holds the accumulated statistics for one tracked position.
// Field names match the checkpoint/result document format.
type PositionStats struct {
	PopularityScore int      `json:"popularity_score"`
	FrequencyCount  int64    `json:"frequency_count"`
	WhiteWins       int64    `json:"white_wins"`
	BlackWins       int64    `json:"black_wins"`
	Draws           int64    `json:"draws"`
	GamesAnalyzed   int64    `json:"games_analyzed"`
	AvgRating       *float64 `json:"avg_rating"`
	ConfidenceScore float64  `json:"confidence_score"`
	AnalysisDate    string   `json:"analysis_date"`
}

// clone returns a deep copy (AvgRating is a pointer).
func (s *PositionStats) clone() PositionStats {
	out := *s
	if s.AvgRating != nil {
		r := *s.AvgRating
		out.AvgRating = &r
	}
	return out
}

// Update is one observation: a tracked position reached in a game.
type Update struct {
	Key    pgn.PackedPosition
	Rating float64
	Result string
}

// Aggregator owns the statistics map. It is created with a zero-valued
// record for every position in the universe; the key set never changes.
type Aggregator struct {
	mu    sync.Mutex
	uni   *universe.Universe
	stats map[pgn.PackedPosition]*PositionStats
	log   zerolog.Logger
}

// NewAggregator creates an aggregator with zeroed stats for every tracked position.
func NewAggregator(uni *universe.Universe, log zerolog.Logger) *Aggregator {
	a := &Aggregator{
		uni:   uni,
		stats: make(map[pgn.PackedPosition]*PositionStats, uni.Count()),
		log:   log,
	}
	uni.Each(func(packed pgn.PackedPosition, _ string) {
		a.stats[packed] = &PositionStats{}
	})
	return a
}

// Apply applies one game's updates under a single lock acquisition.
// Updates for keys outside the universe are dropped.
func (a *Aggregator) Apply(batch []Update) {
	if len(batch) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, up := range batch {
		st, ok := a.stats[up.Key]
		if !ok {
			a.log.Warn().Str("key", up.Key.String()).Msg("dropping update for untracked position")
			continue
		}
		st.GamesAnalyzed++
		st.FrequencyCount++

		// Incremental running mean: newMean = oldMean + (r - oldMean) / n.
		if st.AvgRating == nil {
			r := up.Rating
			st.AvgRating = &r
		} else {
			*st.AvgRating += (up.Rating - *st.AvgRating) / float64(st.GamesAnalyzed)
		}

		switch up.Result {
		case ResultWhiteWin:
			st.WhiteWins++
		case ResultBlackWin:
			st.BlackWins++
		case ResultDraw:
			st.Draws++
		default:
			// Unfinished/unknown results count toward games_analyzed only.
		}
	}
}

// Get returns a copy of the stats for one position.
func (a *Aggregator) Get(key pgn.PackedPosition) (PositionStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.stats[key]
	if !ok {
		return PositionStats{}, false
	}
	return st.clone(), true
}

// Snapshot returns a deep copy of the full statistics map keyed by FEN,
// suitable for checkpointing.
func (a *Aggregator) Snapshot() map[string]PositionStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]PositionStats, len(a.stats))
	for packed, st := range a.stats {
		fen, ok := a.uni.FEN(packed)
		if !ok {
			continue
		}
		out[fen] = st.clone()
	}
	return out
}

// Restore overwrites the zero-valued initial state with a checkpoint
// snapshot. FENs not in the universe are dropped with a warning.
func (a *Aggregator) Restore(snapshot map[string]PositionStats) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	for fen, st := range snapshot {
		packed, ok := a.uni.Key(fen)
		if !ok {
			dropped++
			continue
		}
		restored := st.clone()
		a.stats[packed] = &restored
	}
	if dropped > 0 {
		a.log.Warn().Int("dropped", dropped).Msg("checkpoint contained positions outside the universe")
	}
}

// GamesObserved returns the sum of games_analyzed across all positions.
func (a *Aggregator) GamesObserved() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int64
	for _, st := range a.stats {
		total += st.GamesAnalyzed
	}
	return total
}
