package retrieval

import (
	"math"
	"testing"
)

func TestBM25_IDF(t *testing.T) {
	bm := NewBM25([]string{"apple banana", "apple cherry", "durian fruit"})

	// N=3, df(apple)=2: ln(1 + 2/3).
	if got, want := bm.IDF("apple"), math.Log(1+2.0/3.0); math.Abs(got-want) > 1e-9 {
		t.Errorf("IDF(apple) = %f, want %f", got, want)
	}
	// Unseen term: ln(1 + 2/1).
	if got, want := bm.IDF("missing"), math.Log(3); math.Abs(got-want) > 1e-9 {
		t.Errorf("IDF(missing) = %f, want %f", got, want)
	}
}

func TestBM25_ScoreFormula(t *testing.T) {
	corpus := []string{"cat cat dog", "dog bird", "fish"}
	bm := NewBM25(corpus)

	// avgLen = (3+2+1)/3 = 2, doc 0 len 3, tf(cat)=2, df(cat)=1.
	idf := math.Log(1 + 2.0/2.0)
	tf := 2.0
	want := idf * tf * (DefaultK1 + 1) / (tf + DefaultK1*(1-DefaultB+DefaultB*3.0/2.0))
	if got := bm.Score("cat", 0); math.Abs(got-want) > 1e-9 {
		t.Errorf("Score(cat, 0) = %f, want %f", got, want)
	}
	if got := bm.Score("cat", 1); got != 0 {
		t.Errorf("Score(cat, 1) = %f, want 0", got)
	}
}

func TestBM25_RanksMatchingChunkHigher(t *testing.T) {
	bm := NewBM25([]string{
		"Go channels and goroutines make concurrency simple",
		"The weather in Berlin is rainy today",
		"Python has a global interpreter lock",
	})
	s0 := bm.Score("goroutines concurrency", 0)
	s1 := bm.Score("goroutines concurrency", 1)
	if s0 <= s1 {
		t.Errorf("matching chunk score %f should exceed %f", s0, s1)
	}
}

func TestBM25_SingleChunkCorpusScoresZero(t *testing.T) {
	// IDF is ln(1 + 0/(1+df)) = 0 when the corpus holds one chunk.
	bm := NewBM25([]string{"only chunk here"})
	if got := bm.Score("chunk", 0); got != 0 {
		t.Errorf("Score = %f, want 0", got)
	}
}

func TestBM25_OutOfRange(t *testing.T) {
	bm := NewBM25(nil)
	if bm.Score("x", 0) != 0 || bm.Len() != 0 {
		t.Error("empty corpus should score 0")
	}
}
