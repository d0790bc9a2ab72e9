package predictor

// Recommendation is one advisory suggestion to move load off an
// overloaded shard, per spec §4.5.
type Recommendation struct {
	From, To               int
	PredictedFrom, PredictedTo float64
	Confidence             float64
}

// MigrationRecommendations implements spec §4.5's algorithm exactly: for
// every shard whose forecast exceeds threshold, find the least-loaded
// shard; if it differs and is below the mean, emit a recommendation with
// confidence = clamp((from-to)/threshold, 0, 1). Callers treat the result
// as advisory.
func (s *Sharder) MigrationRecommendations(threshold float64) []Recommendation {
	forecast := s.PredictLoads(1)
	if len(forecast) == 0 {
		return nil
	}

	var sum float64
	leastIdx := 0
	for i, v := range forecast {
		sum += v
		if v < forecast[leastIdx] {
			leastIdx = i
		}
	}
	mean := sum / float64(len(forecast))

	var recs []Recommendation
	for from, load := range forecast {
		if load <= threshold {
			continue
		}
		to := leastIdx
		if to == from || forecast[to] >= mean {
			continue
		}
		confidence := (load - forecast[to]) / threshold
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		recs = append(recs, Recommendation{
			From:          from,
			To:            to,
			PredictedFrom: load,
			PredictedTo:   forecast[to],
			Confidence:    confidence,
		})
	}
	return recs
}
