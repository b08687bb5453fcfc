package retrieval

import "sort"

// DefaultRRFK is the rank offset used by reciprocal rank fusion.
const DefaultRRFK = 60

// RRF returns the reciprocal-rank contribution 1/(k+rank) of a 1-based rank.
func RRF(k, rank int) float64 {
	return 1 / float64(k+rank)
}

// RRFScore sums the unweighted contributions of one candidate's ranks
// across several lists.
func RRFScore(k int, ranks ...int) float64 {
	var s float64
	for _, r := range ranks {
		s += RRF(k, r)
	}
	return s
}

// FusionConfig weights the semantic and keyword rankings.
type FusionConfig struct {
	K              int
	SemanticWeight float64
	KeywordWeight  float64
}

func DefaultFusion() FusionConfig {
	return FusionConfig{K: DefaultRRFK, SemanticWeight: 0.6, KeywordWeight: 0.4}
}

// Fused is one candidate after fusion.
type Fused struct {
	ID    string
	Score float64
}

// Fuse merges two ranked id lists (best first). Each list contributes
// weight/(k+idx+1) for a candidate at zero-based position idx. Ties keep the
// order in which candidates were first seen.
func Fuse(semantic, keyword []string, cfg FusionConfig) []Fused {
	if cfg.K <= 0 {
		cfg.K = DefaultRRFK
	}
	scores := make(map[string]float64, len(semantic)+len(keyword))
	var order []string
	add := func(ids []string, weight float64) {
		for idx, id := range ids {
			if _, ok := scores[id]; !ok {
				order = append(order, id)
			}
			scores[id] += weight * RRF(cfg.K, idx+1)
		}
	}
	add(semantic, cfg.SemanticWeight)
	add(keyword, cfg.KeywordWeight)

	out := make([]Fused, len(order))
	for i, id := range order {
		out[i] = Fused{ID: id, Score: scores[id]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
