// Command attnprobe runs one capture run: it samples the pipeline,
// records per-layer attention, and exports a validated dataset.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kvxlabs/attnprobe/internal/config"
	"github.com/kvxlabs/attnprobe/internal/flightpub"
	"github.com/kvxlabs/attnprobe/internal/logger"
	"github.com/kvxlabs/attnprobe/internal/run"
)

func main() {
	defaults := config.Default()

	prompt := flag.String("prompt", "", "Prompt to sample")
	negative := flag.String("negative-prompt", "", "Negative prompt")
	modelID := flag.String("model-id", defaults.ModelID, "Model identifier")
	outputDir := flag.String("output-dir", defaults.OutputDir, "Dataset output directory")
	seed := flag.Int64("seed", 0, "Sampling seed")
	cfgScale := flag.Float64("cfg-scale", defaults.CFGScale, "Classifier-free guidance scale")
	numSteps := flag.Int("num-steps", defaults.NumSteps, "Number of sampling steps")
	height := flag.Int("height", defaults.Height, "Output height")
	width := flag.Int("width", defaults.Width, "Output width")
	layers := flag.String("layers", strings.Join(defaults.LayerPatterns, ","), "Comma-separated layer glob patterns")
	maxLayers := flag.Int("max-layers", defaults.MaxLayers, "Maximum instrumented layers")
	includeCross := flag.Bool("include-cross-attention", defaults.IncludeCrossAttention, "Record cross attention")
	includeSelf := flag.Bool("include-self-attention", defaults.IncludeSelfAttention, "Record self attention")
	attnRes := flag.Int("attention-resolution", defaults.AttentionResolution, "Cross attention map resolution")
	selfRes := flag.Int("self-attention-resolution", defaults.SelfAttentionResolution, "Self attention map resolution")
	saveLatents := flag.Bool("save-latents-noise", defaults.SaveLatentsNoise, "Archive per-step latents and noise")
	overwrite := flag.Bool("overwrite-output", false, "Replace a non-empty output directory")
	maxDatasetMB := flag.Float64("max-dataset-mb", defaults.MaxDatasetMB, "Dataset size budget in MB")
	enforceSize := flag.Bool("enforce-size-limit", false, "Fail when the size budget is exceeded")
	failOnShape := flag.Bool("fail-on-shape-error", false, "Fail when any shape error was recorded")
	progressFile := flag.String("progress-file", "", "Optional JSON progress file")
	publishAddr := flag.String("publish-addr", "", "Optional Arrow Flight endpoint for run summaries")
	logLevel := flag.String("log-level", "info", "Log level")
	logFormat := flag.String("log-format", "console", "Log format (console or json)")
	flag.Parse()

	logger.Setup(*logLevel, *logFormat)
	lg := logger.Log.Component("cli")

	cfg := defaults
	cfg.Prompt = *prompt
	cfg.NegativePrompt = *negative
	cfg.ModelID = *modelID
	cfg.OutputDir = *outputDir
	cfg.Seed = *seed
	cfg.CFGScale = *cfgScale
	cfg.NumSteps = *numSteps
	cfg.Height = *height
	cfg.Width = *width
	cfg.LayerPatterns = splitPatterns(*layers)
	cfg.MaxLayers = *maxLayers
	cfg.IncludeCrossAttention = *includeCross
	cfg.IncludeSelfAttention = *includeSelf
	cfg.AttentionResolution = *attnRes
	cfg.SelfAttentionResolution = *selfRes
	cfg.SaveLatentsNoise = *saveLatents
	cfg.OverwriteOutput = *overwrite
	cfg.MaxDatasetMB = *maxDatasetMB
	cfg.EnforceSizeLimit = *enforceSize
	cfg.FailOnShapeError = *failOnShape
	cfg.ProgressFile = *progressFile
	cfg.PublishAddr = *publishAddr

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := run.Options{Config: cfg}
	if cfg.PublishAddr != "" {
		pub, err := flightpub.Dial(cfg.PublishAddr)
		if err != nil {
			lg.Warn("flight endpoint unavailable, skipping publish", "addr", cfg.PublishAddr, "error", err.Error())
		} else {
			defer pub.Close()
			opts.Publisher = pub
		}
	}

	result, err := run.Run(ctx, opts)
	if err != nil {
		lg.Error("run failed", "error", err.Error())
		os.Exit(1)
	}

	fmt.Printf("Dataset written to: %s\n", result.DatasetPath)
	fmt.Printf("Dataset size: %.2f MB\n", result.SizeMB)
	if len(result.ShapeErrors) > 0 {
		fmt.Printf("Shape errors recorded: %d\n", len(result.ShapeErrors))
	}
}

func splitPatterns(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
