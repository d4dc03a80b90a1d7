// Package run drives a full capture run: it wires the pipeline, the
// attention recorder, and the serializer together, accumulates the
// per-step histories, and writes the final documents.
package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kvxlabs/attnprobe/internal/analytics"
	"github.com/kvxlabs/attnprobe/internal/config"
	"github.com/kvxlabs/attnprobe/internal/dataset"
	"github.com/kvxlabs/attnprobe/internal/errdefs"
	"github.com/kvxlabs/attnprobe/internal/flightpub"
	"github.com/kvxlabs/attnprobe/internal/logger"
	"github.com/kvxlabs/attnprobe/internal/metrics"
	"github.com/kvxlabs/attnprobe/internal/pipeline"
	"github.com/kvxlabs/attnprobe/internal/progress"
	"github.com/kvxlabs/attnprobe/internal/recorder"
	"github.com/kvxlabs/attnprobe/internal/tensor"
)

// SchemaVersion identifies the dataset document layout.
const SchemaVersion = "1.0.0"

// Options configures one run. Pipeline defaults to the synthetic
// implementation; Progress and Publisher are optional.
type Options struct {
	Config    config.Generate
	Pipeline  pipeline.Pipeline
	Progress  progress.Sink
	Publisher flightpub.Publisher
}

// Result summarizes a completed run.
type Result struct {
	RunID       string
	DatasetPath string
	Steps       int
	SizeMB      float64
	ShapeErrors []string
	Validation  dataset.SchemaReport
}

type entropyStep struct {
	Step    int                `json:"step"`
	Mean    *float64           `json:"mean"`
	ByLayer map[string]float64 `json:"by_layer"`
}

// Run executes the full capture loop and export. The context cancels
// between steps; a cancelled run is reported through the progress sink
// as failed.
func Run(ctx context.Context, opts Options) (*Result, error) {
	cfg := opts.Config
	lg := logger.Log.Component("run")

	sink := progress.NewMultiSink(opts.Progress)
	if cfg.ProgressFile != "" {
		sink.Add(progress.NewFileSink(cfg.ProgressFile))
	}

	fail := func(err error) (*Result, error) {
		sink.Publish(progress.New(progress.StageFailed, "run failed").WithError(err.Error()))
		metrics.RecordRunOutcome("failed")
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	sink.Publish(progress.New(progress.StageInitializing, "preparing pipeline"))

	if err := prepareOutputDir(cfg.OutputDir, cfg.OverwriteOutput); err != nil {
		return fail(err)
	}

	pipe := opts.Pipeline
	if pipe == nil {
		var err error
		pipe, err = pipeline.NewSynthetic(cfg)
		if err != nil {
			return fail(err)
		}
	}
	sink.Publish(progress.New(progress.StageLoading, "pipeline loaded, encoding prompt"))

	info := pipe.Info()
	meaningful := inferMeaningfulTokenCount(info.Tokens, info.TokenIDs, info.SpecialIDs)

	rec, err := recorder.New(len(info.Tokens), cfg.AttentionResolution, cfg.SelfAttentionResolution, cfg.CFGEnabled())
	if err != nil {
		return fail(err)
	}
	sel, err := recorder.Select(pipe.AttentionLayers(), rec,
		cfg.IncludeCrossAttention, cfg.IncludeSelfAttention, cfg.LayerPatterns, cfg.MaxLayers)
	if err != nil {
		return fail(err)
	}
	pipe.SetAttentionProcessors(sel.Assignment)
	lg.Info("attention layers selected", "count", len(sel.Selected))

	ser, err := dataset.NewSerializer(cfg.OutputDir)
	if err != nil {
		return fail(err)
	}

	timesteps := pipe.Timesteps(cfg.NumSteps)
	total := len(timesteps)
	sink.Publish(progress.New(progress.StageGenerating, "starting diffusion timesteps").WithSteps(0, total))

	latents := pipe.InitLatents(cfg.Seed)

	var (
		latentHist []*tensor.F16
		noiseHist  []*tensor.F16

		latentNorms []float64
		noiseNorms  []float64
		cosinePrev  []*float64

		crossEntropySteps []entropyStep
		selfEntropySteps  []entropyStep
		activationSteps   [][]float32
		shapeErrors       []string
	)

	for i, ts := range timesteps {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		stepStart := time.Now()
		rec.SetStep(i, ts)

		out, err := pipe.DenoiseStep(ctx, latents, ts)
		if err != nil {
			return fail(err)
		}
		latents = out.Latents

		noiseHist = append(noiseHist, out.PredictedNoise.ToF16())
		noiseNorms = append(noiseNorms, analytics.L2Norm(out.PredictedNoise.Data))

		latentHist = append(latentHist, latents.ToF16())
		latentNorms = append(latentNorms, analytics.L2Norm(latents.Data))

		// Cosine over the stored half-precision history so the metric
		// reflects what the dataset actually contains.
		if n := len(latentHist); n < 2 {
			cosinePrev = append(cosinePrev, nil)
		} else {
			c := analytics.CosineSimilarity(
				latentHist[n-2].ToDense().Data,
				latentHist[n-1].ToDense().Data,
			)
			cosinePrev = append(cosinePrev, &c)
		}

		img, err := pipe.Decode(latents)
		if err != nil {
			return fail(err)
		}
		if _, err := ser.SaveImage(i, img); err != nil {
			return fail(err)
		}

		capture := rec.DrainStep()
		shapeErrors = append(shapeErrors, capture.ShapeErrors...)

		for _, lm := range capture.CrossMaps {
			if _, err := ser.SaveAttention(i, lm.LayerID, recorder.TypeCross, lm.Map); err != nil {
				return fail(err)
			}
		}
		for _, lm := range capture.SelfMaps {
			if _, err := ser.SaveAttention(i, lm.LayerID, recorder.TypeSelf, lm.Map); err != nil {
				return fail(err)
			}
		}

		crossEntropySteps = append(crossEntropySteps, newEntropyStep(i, capture.CrossEntropy))
		selfEntropySteps = append(selfEntropySteps, newEntropyStep(i, capture.SelfEntropy))
		activationSteps = append(activationSteps, capture.MeanTokenActivation)

		metrics.RecordStep(time.Since(stepStart))
		sink.Publish(progress.New(progress.StageGenerating,
			fmt.Sprintf("completed step %d / %d", i+1, total)).WithSteps(i+1, total))
	}

	exportStart := time.Now()
	sink.Publish(progress.New(progress.StageExporting, "computing analytics and writing dataset").WithSteps(total, total))

	pcaInput := make([][]float32, len(latentHist))
	for i, h := range latentHist {
		pcaInput[i] = h.ToDense().Data
	}
	pcaResult, err := analytics.ComputeLatentPCA(pcaInput)
	if err != nil {
		return fail(err)
	}

	tokenScores := columnMeans(activationSteps, len(info.Tokens))
	topK := len(info.Tokens)
	if topK > 25 {
		topK = 25
	}
	tokenDominance := map[string]any{
		"scores":  tokenScores,
		"ranking": analytics.TokenImportanceRanking(tokenScores, topK),
	}

	klSteps := make([]*float64, len(activationSteps))
	for i := 1; i < len(activationSteps); i++ {
		prev := analytics.NormalizeDistribution(activationSteps[i-1])
		curr := analytics.NormalizeDistribution(activationSteps[i])
		kl := analytics.KLDivergence(toFloat32(curr), toFloat32(prev))
		klSteps[i] = &kl
	}

	if cfg.SaveLatentsNoise {
		if err := ser.WriteLatentArchive(latentHist, noiseHist); err != nil {
			return fail(err)
		}
	}

	var archiveName any
	if cfg.SaveLatentsNoise {
		archiveName = dataset.ArchiveName
	}
	metadata := map[string]any{
		"schema_version": SchemaVersion,
		"generator": map[string]any{
			"model_id":                  info.ModelID,
			"seed":                      cfg.Seed,
			"cfg_scale":                 cfg.CFGScale,
			"num_steps":                 cfg.NumSteps,
			"height":                    cfg.Height,
			"width":                     cfg.Width,
			"layers":                    cfg.LayerPatterns,
			"max_layers":                cfg.MaxLayers,
			"include_cross_attention":   cfg.IncludeCrossAttention,
			"include_self_attention":    cfg.IncludeSelfAttention,
			"attention_resolution":      cfg.AttentionResolution,
			"self_attention_resolution": cfg.SelfAttentionResolution,
			"dtype":                     "float16",
		},
		"prompt": map[string]any{
			"text":                   cfg.Prompt,
			"negative":               cfg.NegativePrompt,
			"tokens":                 info.Tokens,
			"token_ids":              info.TokenIDs,
			"meaningful_token_count": meaningful,
		},
		"steps":           total,
		"timesteps":       timesteps,
		"images":          ser.ImagePaths(),
		"layers":          sel.Selected,
		"attention_files": ser.AttentionFiles(),
		"artifacts": map[string]any{
			"metrics":       "metrics.json",
			"latent_pca":    "latent_pca.json",
			"latents_noise": archiveName,
		},
	}

	metricsDoc := map[string]any{
		"latent_l2_norm":                latentNorms,
		"predicted_noise_l2_norm":       noiseNorms,
		"cosine_similarity_to_previous": cosinePrev,
		"cross_attention_entropy":       crossEntropySteps,
		"self_attention_entropy":        selfEntropySteps,
		"mean_token_activation":         activationSteps,
		"attention_kl_divergence":       klSteps,
		"token_dominance":               tokenDominance,
		"shape_validation": map[string]any{
			"passed": len(shapeErrors) == 0,
			"errors": shapeErrors,
		},
	}

	latentPCA := map[string]any{
		"points":                   pcaResult.Points,
		"explained_variance_ratio": pcaResult.ExplainedVarianceRatio,
	}

	// Fixed write order so a crash mid-export leaves a predictable
	// partial dataset.
	documents := []struct {
		name string
		doc  any
	}{
		{"metadata.json", metadata},
		{"metrics.json", metricsDoc},
		{"latent_pca.json", latentPCA},
	}
	for _, d := range documents {
		if err := ser.WriteJSON(d.name, d.doc); err != nil {
			return fail(err)
		}
	}

	assetReport := dataset.ValidateAttentionAssets(cfg.OutputDir, ser.AttentionFiles())
	validation := dataset.SchemaReport{
		MetadataHasRequiredKeys: true,
		PCAPointsMatchSteps:     len(pcaResult.Points) == total,
		MetricsStepsMatch:       len(latentNorms) == total,
		AttentionAssets:         assetReport,
	}
	if err := ser.WriteJSON("validation.json", validation); err != nil {
		return fail(err)
	}
	if !assetReport.Passed {
		lg.Warn("attention asset validation failed", "errors", assetReport.Errors)
	}

	sizeBytes, err := ser.DatasetSizeBytes()
	if err != nil {
		return fail(err)
	}
	sizeMB := float64(sizeBytes) / (1024 * 1024)
	metrics.RecordExport(time.Since(exportStart), sizeBytes)
	lg.Info("dataset written", "path", cfg.OutputDir, "size_mb", fmt.Sprintf("%.2f", sizeMB))

	if sizeMB > cfg.MaxDatasetMB {
		msg := fmt.Sprintf("dataset exceeds size budget (%.2fMB > %.2fMB); reduce steps, layers, or attention resolution",
			sizeMB, cfg.MaxDatasetMB)
		if cfg.EnforceSizeLimit {
			return fail(errdefs.Integrity("%s", msg))
		}
		lg.Warn(msg)
	}

	if err := promoteValidationFailures(cfg, shapeErrors, assetReport); err != nil {
		return fail(err)
	}

	result := &Result{
		RunID:       uuid.NewString(),
		DatasetPath: cfg.OutputDir,
		Steps:       total,
		SizeMB:      sizeMB,
		ShapeErrors: shapeErrors,
		Validation:  validation,
	}

	// Publishing is best effort; a dead Flight endpoint never fails a
	// finished run.
	if opts.Publisher != nil {
		summary := flightpub.Summary{
			RunID:               result.RunID,
			Tokens:              info.Tokens,
			MeanTokenActivation: activationSteps,
			LatentL2Norm:        latentNorms,
		}
		if err := opts.Publisher.Publish(ctx, summary); err != nil {
			lg.Warn("flight publish failed", "error", err.Error())
		}
	}

	sink.Publish(progress.New(progress.StageCompleted, "dataset export complete").
		WithSteps(total, total).WithDataset(cfg.OutputDir))
	metrics.RecordRunOutcome("completed")
	return result, nil
}

// promoteValidationFailures turns recording defects fatal when the run
// is configured to fail on them. Both shape errors and a failed asset
// check are promoted; without the flag they stay warnings.
func promoteValidationFailures(cfg config.Generate, shapeErrors []string, assets dataset.AssetReport) error {
	if !cfg.FailOnShapeError {
		return nil
	}
	if len(shapeErrors) > 0 {
		return errdefs.Integrity("shape validation recorded %d errors: %s",
			len(shapeErrors), strings.Join(shapeErrors, "; "))
	}
	if !assets.Passed {
		return errdefs.Integrity("attention asset validation failed: %s",
			strings.Join(assets.Errors, "; "))
	}
	return nil
}

func newEntropyStep(step int, byLayer map[string]float64) entropyStep {
	e := entropyStep{Step: step, ByLayer: byLayer}
	if len(byLayer) > 0 {
		var sum float64
		for _, v := range byLayer {
			sum += v
		}
		mean := sum / float64(len(byLayer))
		e.Mean = &mean
	}
	return e
}

func columnMeans(rows [][]float32, width int) []float32 {
	out := make([]float32, width)
	if len(rows) == 0 {
		return out
	}
	sums := make([]float64, width)
	for _, row := range rows {
		for i := 0; i < width && i < len(row); i++ {
			sums[i] += float64(row[i])
		}
	}
	for i := range out {
		out[i] = float32(sums[i] / float64(len(rows)))
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// prepareOutputDir enforces the destination policy: never the
// filesystem root, and an existing non-empty directory is replaced
// only when overwrite is set.
func prepareOutputDir(dir string, overwrite bool) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return errdefs.Storage("resolve", dir, err)
	}
	if abs == filepath.Dir(abs) {
		return errdefs.Configuration("refusing to use filesystem root as output directory")
	}

	entries, err := os.ReadDir(abs)
	if err != nil && !os.IsNotExist(err) {
		return errdefs.Storage("read", abs, err)
	}
	if len(entries) > 0 {
		if !overwrite {
			return errdefs.Configuration(
				"output directory %q is not empty; enable overwrite to replace it", dir)
		}
		if err := os.RemoveAll(abs); err != nil {
			return errdefs.Storage("remove", abs, err)
		}
	}
	return os.MkdirAll(abs, 0o755)
}

// inferMeaningfulTokenCount counts the contiguous run of non-special
// tokens starting at the first such token. The result is clamped to
// [1, len(tokens)].
func inferMeaningfulTokenCount(tokens []string, tokenIDs []int, specialIDs []int) int {
	specialTokens := map[string]bool{
		"":              true,
		"<|endoftext|>": true,
		"</s>":          true,
		"<s>":           true,
		"<pad>":         true,
		"[PAD]":         true,
	}
	special := make(map[int]bool, len(specialIDs))
	for _, id := range specialIDs {
		special[id] = true
	}

	started := false
	count := 0
	for i, tok := range tokens {
		var id int
		if i < len(tokenIDs) {
			id = tokenIDs[i]
		}
		isSpecial := special[id] || specialTokens[strings.TrimSpace(tok)]
		if isSpecial {
			if started {
				break
			}
			continue
		}
		started = true
		count++
	}

	if count < 1 {
		count = 1
	}
	if count > len(tokens) {
		count = len(tokens)
	}
	return count
}
