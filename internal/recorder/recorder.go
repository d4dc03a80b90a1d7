package recorder

import (
	"fmt"
	"math"

	"github.com/kvxlabs/attnprobe/internal/analytics"
	"github.com/kvxlabs/attnprobe/internal/errdefs"
	"github.com/kvxlabs/attnprobe/internal/metrics"
	"github.com/kvxlabs/attnprobe/internal/tensor"
)

// LayerMap pairs a layer id with its reduced attention map, preserving
// record order so downstream writes are deterministic.
type LayerMap struct {
	LayerID string
	Map     *tensor.F16
}

// StepCapture is the drained result of one sampling step. It is a fresh
// value handed to the driver; the recorder keeps no reference to it.
type StepCapture struct {
	Step     int
	Timestep int

	CrossMaps []LayerMap
	SelfMaps  []LayerMap

	CrossEntropy map[string]float64
	SelfEntropy  map[string]float64

	// MeanTokenActivation is the arithmetic mean across cross layers
	// that produced a token-activation vector this step, or all zeros of
	// token_count length if none did.
	MeanTokenActivation []float32

	ShapeErrors []string
}

// stepState is allocated fresh by SetStep, so no stale per-step
// accumulator can leak between steps.
type stepState struct {
	step     int
	timestep int

	crossMaps []LayerMap
	selfMaps  []LayerMap

	crossEntropy map[string]float64
	selfEntropy  map[string]float64

	tokenActivation [][]float32
}

// Recorder accumulates per-layer attention captures for one step at a
// time. Usage is strictly single-threaded and ordered: SetStep, zero or
// more Record calls, exactly one DrainStep.
type Recorder struct {
	tokenCount int
	attnRes    int
	selfRes    int
	cfgEnabled bool

	state       *stepState
	shapeErrors []string
}

// New validates construction parameters and returns a recorder.
func New(tokenCount, attentionResolution, selfAttentionResolution int, cfgEnabled bool) (*Recorder, error) {
	if tokenCount <= 0 {
		return nil, errdefs.Configuration("token_count must be > 0, got %d", tokenCount)
	}
	if attentionResolution <= 0 {
		return nil, errdefs.Configuration("attention_resolution must be > 0, got %d", attentionResolution)
	}
	if selfAttentionResolution <= 0 {
		return nil, errdefs.Configuration("self_attention_resolution must be > 0, got %d", selfAttentionResolution)
	}
	return &Recorder{
		tokenCount: tokenCount,
		attnRes:    attentionResolution,
		selfRes:    selfAttentionResolution,
		cfgEnabled: cfgEnabled,
	}, nil
}

// SetStep begins a new step. It is the only reset mechanism: all
// per-step accumulators are replaced with a fresh state.
func (r *Recorder) SetStep(step, timestep int) {
	r.state = &stepState{
		step:         step,
		timestep:     timestep,
		crossEntropy: make(map[string]float64),
		selfEntropy:  make(map[string]float64),
	}
}

func (r *Recorder) shapeError(layerID, format string, args ...interface{}) {
	e := &errdefs.ShapeError{
		Step:    r.currentStep(),
		LayerID: layerID,
		Msg:     fmt.Sprintf(format, args...),
	}
	r.shapeErrors = append(r.shapeErrors, e.Error())
}

func (r *Recorder) currentStep() int {
	if r.state == nil {
		return -1
	}
	return r.state.step
}

// extractConditional reshapes [B*H, Q, K] to [B, H, Q, K], picks the
// conditional batch entry (B-1 under classifier-free guidance when both
// branches are present, else 0), and averages over heads to [Q, K]
// returned as per-query rows.
func (r *Recorder) extractConditional(layerID string, probs *tensor.Dense, heads int) [][]float32 {
	if probs.Rank() != 3 {
		r.shapeError(layerID, "has invalid attention rank %d", probs.Rank())
		return nil
	}
	if heads <= 0 {
		r.shapeError(layerID, "has invalid head count %d", heads)
		return nil
	}
	bh, q, k := probs.Shape[0], probs.Shape[1], probs.Shape[2]
	if q == 0 || k == 0 {
		r.shapeError(layerID, "has empty attention axis %v", probs.Shape)
		return nil
	}
	if bh%heads != 0 {
		r.shapeError(layerID, "cannot reshape attention %v with heads=%d", probs.Shape, heads)
		return nil
	}

	batch := bh / heads
	condIndex := 0
	if r.cfgEnabled && batch > 1 {
		condIndex = batch - 1
	}

	matrix := make([][]float32, q)
	inv := float32(1.0 / float64(heads))
	for qi := 0; qi < q; qi++ {
		row := make([]float32, k)
		for h := 0; h < heads; h++ {
			off := ((condIndex*heads+h)*q + qi) * k
			for ki := 0; ki < k; ki++ {
				row[ki] += probs.Data[off+ki]
			}
		}
		for ki := 0; ki < k; ki++ {
			row[ki] *= inv
		}
		matrix[qi] = row
	}
	return matrix
}

// Record reduces one layer's raw probability tensor for the current
// step. Malformed input appends a descriptive shape error and drops the
// capture; it never aborts the run.
func (r *Recorder) Record(layerID, attentionType string, probs *tensor.Dense, heads int) {
	before := len(r.shapeErrors)
	defer func() {
		if delta := len(r.shapeErrors) - before; delta > 0 {
			metrics.RecordShapeErrors(attentionType, delta)
		}
	}()

	if attentionType != TypeCross && attentionType != TypeSelf {
		r.shapeError(layerID, "has unsupported attention type '%s'", attentionType)
		return
	}

	matrix := r.extractConditional(layerID, probs, heads)
	if matrix == nil {
		return
	}

	if attentionType == TypeCross {
		r.recordCross(layerID, matrix)
		return
	}
	r.recordSelf(layerID, matrix)
}

func (r *Recorder) recordCross(layerID string, matrix [][]float32) {
	r.state.crossEntropy[layerID] = analytics.MeanAttentionEntropy(matrix)

	q := len(matrix)
	k := len(matrix[0])

	// Mean over the query axis: one activation scalar per text token.
	activation := make([]float32, k)
	for _, row := range matrix {
		for ki, v := range row {
			activation[ki] += v
		}
	}
	for ki := range activation {
		activation[ki] /= float32(q)
	}
	r.state.tokenActivation = append(r.state.tokenActivation, activation)

	side := int(math.Sqrt(float64(q)))
	if side*side != q {
		r.shapeError(layerID, "query_tokens=%d is not square", q)
		return
	}

	// Transpose to per-token spatial maps [K, side, side].
	maps := tensor.New(k, side, side)
	for qi, row := range matrix {
		for ki, v := range row {
			maps.Data[ki*q+qi] = v
		}
	}

	down := tensor.BilinearResize(maps, r.attnRes, r.attnRes)

	// Fit the leading axis to exactly token_count: zero-pad or truncate,
	// never reorder.
	if k != r.tokenCount {
		fitted := tensor.New(r.tokenCount, r.attnRes, r.attnRes)
		n := k
		if n > r.tokenCount {
			n = r.tokenCount
		}
		copy(fitted.Data[:n*r.attnRes*r.attnRes], down.Data)
		down = fitted
	}

	r.state.crossMaps = append(r.state.crossMaps, LayerMap{LayerID: layerID, Map: down.ToF16()})
}

func (r *Recorder) recordSelf(layerID string, matrix [][]float32) {
	r.state.selfEntropy[layerID] = analytics.MeanAttentionEntropy(matrix)

	q := len(matrix)
	k := len(matrix[0])

	// The raw [Q,K] matrix is pooled directly as a 2D grid; any size is
	// poolable, squareness is not required here.
	grid := tensor.New(q, k)
	for qi, row := range matrix {
		copy(grid.Data[qi*k:], row)
	}
	pooled := tensor.AdaptiveAvgPool2D(grid, r.selfRes, r.selfRes)

	r.state.selfMaps = append(r.state.selfMaps, LayerMap{LayerID: layerID, Map: pooled.ToF16()})
}

// DrainStep returns everything captured since SetStep as a fresh value
// and clears the shape-error list. The per-step state is discarded.
func (r *Recorder) DrainStep() *StepCapture {
	st := r.state
	if st == nil {
		st = &stepState{
			step:         -1,
			timestep:     -1,
			crossEntropy: make(map[string]float64),
			selfEntropy:  make(map[string]float64),
		}
	}

	mean := make([]float32, r.tokenCount)
	if len(st.tokenActivation) > 0 {
		inv := float32(1.0 / float64(len(st.tokenActivation)))
		for _, activation := range st.tokenActivation {
			n := len(activation)
			if n > r.tokenCount {
				n = r.tokenCount
			}
			for i := 0; i < n; i++ {
				mean[i] += activation[i]
			}
		}
		for i := range mean {
			mean[i] *= inv
		}
	}

	capture := &StepCapture{
		Step:                st.step,
		Timestep:            st.timestep,
		CrossMaps:           st.crossMaps,
		SelfMaps:            st.selfMaps,
		CrossEntropy:        st.crossEntropy,
		SelfEntropy:         st.selfEntropy,
		MeanTokenActivation: mean,
		ShapeErrors:         r.shapeErrors,
	}
	r.shapeErrors = nil
	r.state = nil
	return capture
}
