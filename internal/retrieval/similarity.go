package retrieval

import "math"

// Cosine returns dot(a,b) / (|a|*|b|). It is 0 when either norm is 0 or
// the lengths differ.
func Cosine(a, b []float32) float64 {
	return cosineWithNorm(a, b, norm(a))
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosineWithNorm computes cosine similarity given the precomputed norm of a.
func cosineWithNorm(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return dot / (aNorm * math.Sqrt(bNormSq))
}
