package config

import (
	"github.com/kvxlabs/attnprobe/internal/errdefs"
)

// Generate holds everything one dataset run needs. Defaults mirror the
// reference generation settings; Validate rejects anything the capture
// or export path cannot honor.
type Generate struct {
	Prompt         string
	NegativePrompt string
	ModelID        string
	OutputDir      string
	Seed           int64
	CFGScale       float64
	NumSteps       int
	Height         int
	Width          int

	LayerPatterns           []string
	MaxLayers               int
	IncludeCrossAttention   bool
	IncludeSelfAttention    bool
	AttentionResolution     int
	SelfAttentionResolution int

	SaveLatentsNoise bool
	OverwriteOutput  bool
	MaxDatasetMB     float64
	EnforceSizeLimit bool
	FailOnShapeError bool

	ProgressFile string
	PublishAddr  string
}

func Default() Generate {
	return Generate{
		ModelID:                 "synthetic-unet-v1",
		OutputDir:               "dataset",
		CFGScale:                7.5,
		NumSteps:                30,
		Height:                  512,
		Width:                   512,
		LayerPatterns:           []string{"*attn1*", "*attn2*"},
		MaxLayers:               12,
		IncludeCrossAttention:   true,
		IncludeSelfAttention:    true,
		AttentionResolution:     32,
		SelfAttentionResolution: 32,
		SaveLatentsNoise:        true,
		MaxDatasetMB:            200.0,
	}
}

// CFGEnabled reports whether classifier-free guidance is active, i.e.
// captured tensors carry both branches and only the conditional one is
// retained.
func (c *Generate) CFGEnabled() bool {
	return c.CFGScale > 1.0
}

func (c *Generate) Validate() error {
	if c.Prompt == "" {
		return errdefs.Configuration("prompt must not be empty")
	}
	if c.NumSteps <= 0 {
		return errdefs.Configuration("invalid num_steps: %d (must be positive)", c.NumSteps)
	}
	if c.Height <= 0 || c.Width <= 0 {
		return errdefs.Configuration("invalid size: %dx%d (must be positive)", c.Width, c.Height)
	}
	if c.Height%8 != 0 || c.Width%8 != 0 {
		return errdefs.Configuration("invalid size: %dx%d (must be divisible by 8)", c.Width, c.Height)
	}
	if c.MaxLayers < 0 {
		return errdefs.Configuration("invalid max_layers: %d (must be non-negative)", c.MaxLayers)
	}
	if c.AttentionResolution <= 0 {
		return errdefs.Configuration("invalid attention_resolution: %d (must be positive)", c.AttentionResolution)
	}
	if c.SelfAttentionResolution <= 0 {
		return errdefs.Configuration("invalid self_attention_resolution: %d (must be positive)", c.SelfAttentionResolution)
	}
	if c.CFGScale < 0 {
		return errdefs.Configuration("invalid cfg_scale: %f (must be non-negative)", c.CFGScale)
	}
	if c.MaxDatasetMB <= 0 {
		return errdefs.Configuration("invalid max_dataset_mb: %f (must be positive)", c.MaxDatasetMB)
	}
	if c.OutputDir == "" {
		return errdefs.Configuration("output_dir must not be empty")
	}
	return nil
}
