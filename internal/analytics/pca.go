package analytics

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// PCAResult holds the 2D projection of the latent trajectory.
type PCAResult struct {
	Points                 [][]float64 `json:"points"`
	ExplainedVarianceRatio []float64   `json:"explained_variance_ratio"`
}

// ComputeLatentPCA mean-centers the flattened latent vectors and
// projects them onto the top-2 principal components via thin SVD.
//
// Degenerate inputs have fixed contracts: zero vectors yield no points
// and a [0,0] variance ratio; exactly one vector yields a single origin
// point with a [1,0] ratio, avoiding a singular decomposition. The
// result is deterministic for identical input.
func ComputeLatentPCA(vectors [][]float32) (PCAResult, error) {
	n := len(vectors)
	if n == 0 {
		return PCAResult{Points: [][]float64{}, ExplainedVarianceRatio: []float64{0, 0}}, nil
	}
	if n == 1 {
		return PCAResult{Points: [][]float64{{0, 0}}, ExplainedVarianceRatio: []float64{1, 0}}, nil
	}

	d := len(vectors[0])
	for i, v := range vectors {
		if len(v) != d {
			return PCAResult{}, fmt.Errorf("latent vector %d has length %d, expected %d", i, len(v), d)
		}
	}
	if d == 0 {
		return PCAResult{}, fmt.Errorf("latent vectors are empty")
	}

	// Mean-center into an n x d matrix.
	means := make([]float64, d)
	for _, v := range vectors {
		for j, x := range v {
			means[j] += float64(x)
		}
	}
	for j := range means {
		means[j] /= float64(n)
	}
	centered := mat.NewDense(n, d, nil)
	for i, v := range vectors {
		for j, x := range v {
			centered.Set(i, j, float64(x)-means[j])
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDThin); !ok {
		return PCAResult{}, fmt.Errorf("svd factorization failed for %dx%d latent matrix", n, d)
	}

	values := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	k := 2
	if len(values) < k {
		k = len(values)
	}

	var total float64
	for _, s := range values {
		total += s * s
	}

	ratio := []float64{0, 0}
	for i := 0; i < k && total > 0; i++ {
		ratio[i] = values[i] * values[i] / total
	}

	var proj mat.Dense
	proj.Mul(centered, v.Slice(0, d, 0, k))

	points := make([][]float64, n)
	for i := 0; i < n; i++ {
		p := []float64{0, 0}
		for j := 0; j < k; j++ {
			p[j] = proj.At(i, j)
		}
		points[i] = p
	}

	return PCAResult{Points: points, ExplainedVarianceRatio: ratio}, nil
}
