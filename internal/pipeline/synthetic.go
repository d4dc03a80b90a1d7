package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"
	"math/rand"
	"strings"

	"github.com/kvxlabs/attnprobe/internal/config"
	"github.com/kvxlabs/attnprobe/internal/errdefs"
	"github.com/kvxlabs/attnprobe/internal/recorder"
	"github.com/kvxlabs/attnprobe/internal/tensor"
)

const (
	syntheticHeads   = 8
	syntheticHeadDim = 8

	// Query grid per attention site, kept square so cross maps can be
	// folded into spatial planes.
	syntheticQuerySide = 8

	startToken = "<s>"
	endToken   = "</s>"
)

// Synthetic is a deterministic stand-in for a diffusion model. Every
// tensor it produces is a pure function of the seed, the step, and the
// layer key, so runs are exactly reproducible and attention capture
// can be exercised without any model weights.
type Synthetic struct {
	modelID    string
	seed       int64
	cfgEnabled bool

	tokens     []string
	tokenIDs   []int
	specialIDs []int

	latentC, latentH, latentW int

	layers     []recorder.Layer
	processors map[string]recorder.AttentionProcessor
}

// NewSynthetic builds a synthetic pipeline for the run configuration.
// The prompt is whitespace-tokenized and framed with start/end markers.
func NewSynthetic(cfg config.Generate) (*Synthetic, error) {
	if cfg.Prompt == "" {
		return nil, errdefs.Configuration("prompt must not be empty")
	}

	words := strings.Fields(strings.ToLower(cfg.Prompt))
	tokens := make([]string, 0, len(words)+2)
	tokens = append(tokens, startToken)
	tokens = append(tokens, words...)
	tokens = append(tokens, endToken)

	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = tokenID(tok)
	}

	p := &Synthetic{
		modelID:    cfg.ModelID,
		seed:       cfg.Seed,
		cfgEnabled: cfg.CFGEnabled(),
		tokens:     tokens,
		tokenIDs:   ids,
		specialIDs: []int{tokenID(startToken), tokenID(endToken)},
		latentC:    4,
		latentH:    cfg.Height / 8,
		latentW:    cfg.Width / 8,
	}
	p.layers = syntheticTopology()
	return p, nil
}

// syntheticTopology mirrors a small UNet: two down blocks, a mid
// block, two up blocks, each with a self site (attn1) and a cross site
// (attn2), in traversal order.
func syntheticTopology() []recorder.Layer {
	blocks := []string{
		"down_blocks.0.attentions.0.transformer_blocks.0",
		"down_blocks.1.attentions.0.transformer_blocks.0",
		"mid_block.attentions.0.transformer_blocks.0",
		"up_blocks.0.attentions.0.transformer_blocks.0",
		"up_blocks.1.attentions.0.transformer_blocks.0",
	}
	var layers []recorder.Layer
	for _, b := range blocks {
		layers = append(layers, recorder.Layer{Key: b + ".attn1.processor", Type: recorder.TypeSelf})
		layers = append(layers, recorder.Layer{Key: b + ".attn2.processor", Type: recorder.TypeCross})
	}
	return layers
}

func tokenID(tok string) int {
	h := fnv.New32a()
	h.Write([]byte(tok))
	return int(h.Sum32() % 49408)
}

func (p *Synthetic) Info() Info {
	return Info{
		ModelID:    p.modelID,
		Tokens:     append([]string(nil), p.tokens...),
		TokenIDs:   append([]int(nil), p.tokenIDs...),
		SpecialIDs: append([]int(nil), p.specialIDs...),
	}
}

func (p *Synthetic) AttentionLayers() []recorder.Layer {
	return append([]recorder.Layer(nil), p.layers...)
}

func (p *Synthetic) SetAttentionProcessors(assignment map[string]recorder.AttentionProcessor) {
	p.processors = assignment
}

// Timesteps returns the usual decreasing schedule over a nominal 1000
// training steps.
func (p *Synthetic) Timesteps(steps int) []int {
	out := make([]int, steps)
	stride := 1000.0 / float64(steps)
	for i := range out {
		out[i] = int(math.Round(stride * float64(steps-1-i)))
	}
	return out
}

func (p *Synthetic) InitLatents(seed int64) *tensor.Dense {
	rng := rand.New(rand.NewSource(seed))
	latents := tensor.New(p.latentC, p.latentH, p.latentW)
	for i := range latents.Data {
		latents.Data[i] = float32(rng.NormFloat64())
	}
	return latents
}

// layerRNG derives an independent deterministic stream per
// (seed, timestep, layer key).
func (p *Synthetic) layerRNG(timestep int, key string) *rand.Rand {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d|%s", p.seed, timestep, key)
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func (p *Synthetic) randomTensor(rng *rand.Rand, shape ...int) *tensor.Dense {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

// DenoiseStep runs every attention site through its installed
// processor, then integrates the latents with a fixed step size. The
// predicted noise is derived from the attention outputs so recorded
// runs and passthrough runs stay bit-identical.
func (p *Synthetic) DenoiseStep(ctx context.Context, latents *tensor.Dense, timestep int) (StepOutput, error) {
	if p.processors == nil {
		return StepOutput{}, errdefs.Configuration("attention processors not installed")
	}
	if err := ctx.Err(); err != nil {
		return StepOutput{}, err
	}

	batch := 1
	if p.cfgEnabled {
		batch = 2
	}
	bh := batch * syntheticHeads
	q := syntheticQuerySide * syntheticQuerySide

	var accum float64
	for _, layer := range p.layers {
		proc, ok := p.processors[layer.Key]
		if !ok {
			return StepOutput{}, errdefs.Configuration("no processor installed for %s", layer.Key)
		}

		rng := p.layerRNG(timestep, layer.Key)
		kLen := q
		if layer.Type == recorder.TypeCross {
			kLen = len(p.tokens)
		}
		query := p.randomTensor(rng, bh, q, syntheticHeadDim)
		key := p.randomTensor(rng, bh, kLen, syntheticHeadDim)
		value := p.randomTensor(rng, bh, kLen, syntheticHeadDim)

		out, _, err := proc.ComputeAttention(query, key, value, nil, syntheticHeads)
		if err != nil {
			return StepOutput{}, err
		}
		for _, v := range out.Data {
			accum += float64(v)
		}
	}

	// Fold the attention signal into the noise stream so swapping
	// processors cannot change the trajectory unless they change the
	// attention output itself.
	noiseRNG := p.layerRNG(timestep, "noise")
	noise := tensor.New(p.latentC, p.latentH, p.latentW)
	bias := float32(math.Tanh(accum / float64(len(p.layers)*bh*q)))
	for i := range noise.Data {
		noise.Data[i] = float32(noiseRNG.NormFloat64())*0.1 + bias
	}

	next := latents.Clone()
	for i := range next.Data {
		next.Data[i] -= 0.05 * noise.Data[i]
	}
	return StepOutput{PredictedNoise: noise, Latents: next}, nil
}

// Decode renders the latent channels as a grayscale plane upscaled to
// the configured output size with nearest neighbor.
func (p *Synthetic) Decode(latents *tensor.Dense) (image.Image, error) {
	if latents.Rank() != 3 {
		return nil, errdefs.Configuration("latents must be [C,H,W], got %v", latents.Shape)
	}
	c, h, w := latents.Shape[0], latents.Shape[1], latents.Shape[2]

	plane := make([]float64, h*w)
	minV, maxV := math.Inf(1), math.Inf(-1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for ch := 0; ch < c; ch++ {
				sum += float64(latents.Data[(ch*h+y)*w+x])
			}
			v := sum / float64(c)
			plane[y*w+x] = v
			minV = math.Min(minV, v)
			maxV = math.Max(maxV, v)
		}
	}
	scale := maxV - minV
	if scale == 0 {
		scale = 1
	}

	img := image.NewGray(image.Rect(0, 0, w*8, h*8))
	for y := 0; y < h*8; y++ {
		for x := 0; x < w*8; x++ {
			v := plane[(y/8)*w+x/8]
			img.SetGray(x, y, color.Gray{Y: uint8((v - minV) / scale * 255)})
		}
	}
	return img, nil
}
