package stats

import (
	"sort"
	"time"
)

// Score computes decile-based popularity scores and confidence levels over
// the final aggregate, and stamps every record with the analysis date.
// It runs once, after unit intake has stopped, under the aggregator lock.
func (a *Aggregator) Score(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	analysisDate := now.Format(time.RFC3339)

	// Collect game counts for positions that were actually observed.
	counts := make([]int64, 0, len(a.stats))
	for _, st := range a.stats {
		if st.GamesAnalyzed > 0 {
			counts = append(counts, st.GamesAnalyzed)
		}
	}

	if len(counts) == 0 {
		a.log.Warn().Msg("no games observed in any tracked position")
		for _, st := range a.stats {
			st.PopularityScore = 0
			st.ConfidenceScore = 0.0
			st.AnalysisDate = analysisDate
		}
		return
	}

	sort.Slice(counts, func(i, j int) bool { return counts[i] < counts[j] })

	// Decile thresholds: threshold[i] = counts[clamp(floor(i/10*n)-1, 0, n-1)].
	n := len(counts)
	thresholds := make([]int64, 0, 10)
	for i := 1; i <= 10; i++ {
		idx := i*n/10 - 1
		if idx < 0 {
			idx = 0
		}
		thresholds = append(thresholds, counts[idx])
	}

	for _, st := range a.stats {
		st.AnalysisDate = analysisDate
		if st.GamesAnalyzed == 0 {
			st.PopularityScore = 0
			st.ConfidenceScore = 0.0
			continue
		}

		// First threshold the count does not exceed decides the bucket;
		// ties break toward the lower score.
		score := 1
		for _, th := range thresholds {
			if st.GamesAnalyzed <= th {
				break
			}
			score++
		}
		if score > 10 {
			score = 10
		}
		st.PopularityScore = score
		st.ConfidenceScore = confidence(st.GamesAnalyzed)
	}

	a.log.Info().Int("positions", len(a.stats)).Int("observed", n).Msg("popularity scores calculated")
}

// confidence maps sample size to the fixed confidence ladder.
func confidence(games int64) float64 {
	switch {
	case games >= 1000:
		return 1.0
	case games >= 100:
		return 0.8
	case games >= 10:
		return 0.6
	default:
		return 0.4
	}
}
