package recorder

import (
	"fmt"
	"math"

	"github.com/kvxlabs/attnprobe/internal/tensor"
)

// AttentionProcessor computes one attention call for a layer. The
// variant is resolved once per layer at setup time: Passthrough for
// unselected layers, RecordingProcessor for selected ones. Both run the
// identical scaled-dot-product math, so substituting a recording variant
// never alters model output; recording only additionally observes the
// intermediate probability tensor.
//
// Shapes follow the head-flattened convention: query [B*H, Q, D], key
// and value [B*H, K, D], optional mask [Q, K] added to the scores before
// softmax. heads is the head count H used to fold the batch axis.
type AttentionProcessor interface {
	ComputeAttention(query, key, value, mask *tensor.Dense, heads int) (output, probs *tensor.Dense, err error)
}

// Passthrough preserves default behavior for unselected layers.
type Passthrough struct{}

func (Passthrough) ComputeAttention(query, key, value, mask *tensor.Dense, heads int) (*tensor.Dense, *tensor.Dense, error) {
	probs, err := attentionProbs(query, key, mask)
	if err != nil {
		return nil, nil, err
	}
	return applyAttention(probs, value), nil, nil
}

// RecordingProcessor reproduces the default result and hands the
// probability tensor to the recorder.
type RecordingProcessor struct {
	Recorder      *Recorder
	LayerID       string
	AttentionType string
}

func (p *RecordingProcessor) ComputeAttention(query, key, value, mask *tensor.Dense, heads int) (*tensor.Dense, *tensor.Dense, error) {
	probs, err := attentionProbs(query, key, mask)
	if err != nil {
		return nil, nil, err
	}
	p.Recorder.Record(p.LayerID, p.AttentionType, probs, heads)
	return applyAttention(probs, value), probs, nil
}

// attentionProbs computes softmax(q·kᵀ/sqrt(D) + mask) per batch-head.
func attentionProbs(query, key, mask *tensor.Dense) (*tensor.Dense, error) {
	if query.Rank() != 3 || key.Rank() != 3 {
		return nil, fmt.Errorf("attention expects rank-3 tensors, got query %v key %v", query.Shape, key.Shape)
	}
	bh, q, d := query.Shape[0], query.Shape[1], query.Shape[2]
	if key.Shape[0] != bh || key.Shape[2] != d {
		return nil, fmt.Errorf("query %v and key %v are incompatible", query.Shape, key.Shape)
	}
	k := key.Shape[1]
	if mask != nil && (mask.Rank() != 2 || mask.Shape[0] != q || mask.Shape[1] != k) {
		return nil, fmt.Errorf("mask %v does not fit scores [%d,%d]", mask.Shape, q, k)
	}

	scale := float32(1.0 / math.Sqrt(float64(d)))
	probs := tensor.New(bh, q, k)
	row := make([]float32, k)

	for b := 0; b < bh; b++ {
		qBase := b * q * d
		kBase := b * k * d
		for qi := 0; qi < q; qi++ {
			for ki := 0; ki < k; ki++ {
				var dot float32
				qOff := qBase + qi*d
				kOff := kBase + ki*d
				for di := 0; di < d; di++ {
					dot += query.Data[qOff+di] * key.Data[kOff+di]
				}
				row[ki] = dot * scale
				if mask != nil {
					row[ki] += mask.Data[qi*k+ki]
				}
			}
			softmaxInPlace(row)
			copy(probs.Data[(b*q+qi)*k:], row)
		}
	}
	return probs, nil
}

// applyAttention computes probs·value per batch-head.
func applyAttention(probs, value *tensor.Dense) *tensor.Dense {
	bh, q, k := probs.Shape[0], probs.Shape[1], probs.Shape[2]
	d := value.Shape[2]
	out := tensor.New(bh, q, d)

	for b := 0; b < bh; b++ {
		for qi := 0; qi < q; qi++ {
			outOff := (b*q + qi) * d
			for ki := 0; ki < k; ki++ {
				p := probs.Data[(b*q+qi)*k+ki]
				if p == 0 {
					continue
				}
				vOff := (b*k + ki) * d
				for di := 0; di < d; di++ {
					out.Data[outOff+di] += p * value.Data[vOff+di]
				}
			}
		}
	}
	return out
}

func softmaxInPlace(row []float32) {
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - maxVal)))
		row[i] = e
		sum += e
	}
	for i := range row {
		row[i] /= sum
	}
}
