package memory

import (
	"math"

	"github.com/m-mizutani/goerr/v2"
)

func vectorNorm(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// cosineSimilarity returns a value in [-1, 1]. Vectors of different length or
// with zero norm have similarity 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := vectorNorm(a)
	nb := vectorNorm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	sim := dot / (na * nb)
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

// checkDimension rejects vectors whose length differs from dims. dims <= 0
// disables the check.
func checkDimension(vec []float32, dims int) error {
	if dims > 0 && len(vec) != dims {
		return goerr.Wrap(ErrDimensionMismatch, "embedding length does not match memory space",
			goerr.V("got", len(vec)), goerr.V("want", dims))
	}
	return nil
}

// degenerate reports vectors that cannot carry meaning: empty, all zero, or non-finite.
func degenerate(vec []float32) bool {
	if len(vec) == 0 {
		return true
	}
	nonZero := false
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
		if v != 0 {
			nonZero = true
		}
	}
	return !nonZero
}

func cloneVector(vec []float32) []float32 {
	if vec == nil {
		return nil
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
