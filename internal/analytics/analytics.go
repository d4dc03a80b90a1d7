// Package analytics holds the pure statistical functions applied over
// step histories. Everything here is stateless and deterministic; the
// driver owns accumulation and document assembly.
package analytics

import (
	"math"
	"sort"
)

// Eps is the probability clamp used before every log, matching the
// storage-side float16 noise floor.
const Eps = 1e-8

// L2Norm returns the Euclidean norm of all elements.
func L2Norm(values []float32) float64 {
	var sum float64
	for _, v := range values {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum)
}

// CosineSimilarity computes dot(a,b)/(|a||b|+eps) in double precision.
// Inputs of different lengths compare over the shorter prefix length of
// zero, i.e. the caller is expected to pass equal-length vectors; the
// function guards by treating missing elements as absent.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	return dot / (math.Sqrt(na)*math.Sqrt(nb) + Eps)
}

// ShannonEntropyRow returns -sum(p*log(p)) over one probability row,
// clamping each probability to at least Eps before the log.
func ShannonEntropyRow(row []float32) float64 {
	var h float64
	for _, p := range row {
		f := float64(p)
		if f < Eps {
			f = Eps
		}
		h -= f * math.Log(f)
	}
	return h
}

// MeanAttentionEntropy averages per-query Shannon entropy over a
// [queries][keys] attention matrix.
func MeanAttentionEntropy(matrix [][]float32) float64 {
	if len(matrix) == 0 {
		return 0
	}
	var sum float64
	for _, row := range matrix {
		sum += ShannonEntropyRow(row)
	}
	return sum / float64(len(matrix))
}

// KLDivergence computes sum(p*log(p/q)) after independently clamping
// both distributions to [Eps, 1].
func KLDivergence(p, q []float32) float64 {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	var kl float64
	for i := 0; i < n; i++ {
		ps := clamp01(float64(p[i]))
		qs := clamp01(float64(q[i]))
		kl += ps * math.Log(ps/qs)
	}
	return kl
}

func clamp01(v float64) float64 {
	if v < Eps {
		return Eps
	}
	if v > 1 {
		return 1
	}
	return v
}

// NormalizeDistribution clamps every component to at least Eps and
// L1-normalizes the result.
func NormalizeDistribution(values []float32) []float64 {
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		f := float64(v)
		if f < Eps {
			f = Eps
		}
		out[i] = f
		sum += f
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// RankedToken pairs a token index with its dominance score.
type RankedToken struct {
	TokenIndex int     `json:"token_index"`
	Score      float64 `json:"score"`
}

// TokenImportanceRanking sorts scores descending, breaking ties by
// ascending original index, and truncates to topK. topK <= 0 yields an
// empty ranking.
func TokenImportanceRanking(scores []float32, topK int) []RankedToken {
	ranked := make([]RankedToken, len(scores))
	for i, s := range scores {
		ranked[i] = RankedToken{TokenIndex: i, Score: float64(s)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].TokenIndex < ranked[j].TokenIndex
	})
	if topK < 0 {
		topK = 0
	}
	if topK > len(ranked) {
		topK = len(ranked)
	}
	return ranked[:topK]
}
