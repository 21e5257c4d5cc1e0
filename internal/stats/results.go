package stats

// ResultStats is the final per-position record: the accumulated statistics
// plus derived rates, null when the position was never observed.
type ResultStats struct {
	PositionStats
	WhiteWinRate *float64 `json:"white_win_rate"`
	BlackWinRate *float64 `json:"black_win_rate"`
	DrawRate     *float64 `json:"draw_rate"`
}

// Results builds the final result document, keyed by FEN. Call Score first;
// Results only derives rates from whatever state the aggregator holds.
func (a *Aggregator) Results() map[string]ResultStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]ResultStats, len(a.stats))
	for packed, st := range a.stats {
		fen, ok := a.uni.FEN(packed)
		if !ok {
			continue
		}
		rs := ResultStats{PositionStats: st.clone()}
		if st.GamesAnalyzed > 0 {
			rs.WhiteWinRate = rate(st.WhiteWins, st.GamesAnalyzed)
			rs.BlackWinRate = rate(st.BlackWins, st.GamesAnalyzed)
			rs.DrawRate = rate(st.Draws, st.GamesAnalyzed)
		}
		out[fen] = rs
	}
	return out
}

func rate(bucket, total int64) *float64 {
	r := float64(bucket) / float64(total)
	return &r
}
