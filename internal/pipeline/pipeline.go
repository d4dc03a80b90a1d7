// Package pipeline abstracts the model driving a capture run. The
// runner only needs token information, the ordered attention sites,
// and the step operations; anything that can satisfy those can be
// instrumented.
package pipeline

import (
	"context"
	"image"

	"github.com/kvxlabs/attnprobe/internal/recorder"
	"github.com/kvxlabs/attnprobe/internal/tensor"
)

// Info describes the loaded model and the tokenized prompt.
type Info struct {
	ModelID    string
	Tokens     []string
	TokenIDs   []int
	SpecialIDs []int
}

// StepOutput carries one denoising step's results. Both tensors are
// the conditional branch only, batch stripped.
type StepOutput struct {
	PredictedNoise *tensor.Dense
	Latents        *tensor.Dense
}

// Pipeline is a sampling loop the runner can instrument. Calls follow
// a strict order: AttentionLayers and SetAttentionProcessors once
// during setup, then Timesteps, InitLatents, and one DenoiseStep per
// timestep. Implementations are not required to be safe for
// concurrent use.
type Pipeline interface {
	Info() Info

	// AttentionLayers returns every instrumentable attention site in
	// deterministic traversal order.
	AttentionLayers() []recorder.Layer

	// SetAttentionProcessors installs one processor per site key. The
	// map must cover every key from AttentionLayers.
	SetAttentionProcessors(map[string]recorder.AttentionProcessor)

	// Timesteps returns the decreasing schedule for the given step count.
	Timesteps(steps int) []int

	InitLatents(seed int64) *tensor.Dense
	DenoiseStep(ctx context.Context, latents *tensor.Dense, timestep int) (StepOutput, error)
	Decode(latents *tensor.Dense) (image.Image, error)
}
