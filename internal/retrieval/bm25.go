package retrieval

import "math"

const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

// BM25 scores a fixed corpus of chunks against keyword queries. Document
// frequency and average length are computed over chunks, not source
// documents.
type BM25 struct {
	K1 float64
	B  float64

	lengths []int
	tf      []map[string]int
	df      map[string]int
	avgLen  float64
}

// NewBM25 tokenizes and indexes corpus.
func NewBM25(corpus []string) *BM25 {
	b := &BM25{
		K1:      DefaultK1,
		B:       DefaultB,
		lengths: make([]int, len(corpus)),
		tf:      make([]map[string]int, len(corpus)),
		df:      make(map[string]int),
	}

	total := 0
	for i, text := range corpus {
		tokens := Tokenize(text)
		freq := make(map[string]int, len(tokens))
		for _, t := range tokens {
			freq[t]++
		}
		for t := range freq {
			b.df[t]++
		}
		b.tf[i] = freq
		b.lengths[i] = len(tokens)
		total += len(tokens)
	}
	if len(corpus) > 0 {
		b.avgLen = float64(total) / float64(len(corpus))
	}
	return b
}

// Len returns the corpus size.
func (b *BM25) Len() int { return len(b.tf) }

// IDF is ln(1 + (N-1)/(1+df)).
func (b *BM25) IDF(term string) float64 {
	n := float64(len(b.tf))
	return math.Log(1 + (n-1)/(1+float64(b.df[term])))
}

// Score returns the BM25 score of document i for query.
func (b *BM25) Score(query string, i int) float64 {
	return b.ScoreTokens(uniqueTokens(Tokenize(query)), i)
}

// ScoreTokens is Score for an already tokenized query.
func (b *BM25) ScoreTokens(terms []string, i int) float64 {
	if i < 0 || i >= len(b.tf) || b.avgLen == 0 {
		return 0
	}
	docLen := float64(b.lengths[i])
	var score float64
	for _, term := range terms {
		tf := float64(b.tf[i][term])
		if tf == 0 {
			continue
		}
		denom := tf + b.K1*(1-b.B+b.B*docLen/b.avgLen)
		score += b.IDF(term) * tf * (b.K1 + 1) / denom
	}
	return score
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
