package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/kvxlabs/attnprobe/internal/metrics"
)

// AssetReport is the result of checking attention blobs against their
// manifest records. All violations are accumulated; nothing fails fast.
type AssetReport struct {
	CheckedFiles int      `json:"checked_files"`
	Passed       bool     `json:"passed"`
	Errors       []string `json:"errors"`
}

// SchemaReport is the document-level report written to validation.json.
type SchemaReport struct {
	MetadataHasRequiredKeys bool        `json:"metadata_has_required_keys"`
	PCAPointsMatchSteps     bool        `json:"pca_points_match_steps"`
	MetricsStepsMatch       bool        `json:"metrics_steps_match"`
	AttentionAssets         AssetReport `json:"attention_assets"`
}

// ValidateAttentionAssets verifies every manifest record: the path must
// be non-empty and exist, the shape must be a non-empty list of
// positive dimensions, and the file size must equal product(shape)*2
// bytes of float16 payload.
func ValidateAttentionAssets(root string, records []AttentionFileRecord) AssetReport {
	report := AssetReport{Errors: []string{}}

	for _, rec := range records {
		report.CheckedFiles++

		if rec.Path == "" {
			report.Errors = append(report.Errors, fmt.Sprintf("invalid_path_metadata:%+v", rec))
			continue
		}

		abs := filepath.Join(root, filepath.FromSlash(rec.Path))
		info, err := os.Stat(abs)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("missing_file:%s", rec.Path))
			continue
		}

		if len(rec.Shape) == 0 {
			report.Errors = append(report.Errors, fmt.Sprintf("invalid_shape_metadata:%s", rec.Path))
			continue
		}
		expected := int64(1)
		valid := true
		for _, dim := range rec.Shape {
			if dim <= 0 {
				report.Errors = append(report.Errors, fmt.Sprintf("invalid_shape_dimension:%s:%v", rec.Path, rec.Shape))
				valid = false
				break
			}
			expected *= int64(dim)
		}
		if !valid {
			continue
		}

		expectedBytes := expected * 2
		if info.Size() != expectedBytes {
			report.Errors = append(report.Errors,
				fmt.Sprintf("size_mismatch:%s:expected=%d:actual=%d", rec.Path, expectedBytes, info.Size()))
		}
	}

	report.Passed = len(report.Errors) == 0
	if !report.Passed {
		metrics.RecordValidationFailure("attention_assets")
	}
	return report
}

// requiredMetadataKeys are the top-level keys metadata.json must carry.
var requiredMetadataKeys = []string{
	"schema_version",
	"generator",
	"prompt",
	"steps",
	"timesteps",
	"images",
	"layers",
	"attention_files",
}

// Report is the standalone validation result for an exported dataset.
type Report struct {
	Passed   bool     `json:"passed"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// SoftSizeLimitMB is the dataset size beyond which the standalone
// validator emits a warning.
const SoftSizeLimitMB = 200.0

// Validate independently re-reads an exported dataset and checks it
// without any state from the producer. A missing document is an
// ordinary error in the report, never a panic. Strict mode promotes
// warnings to failures.
func Validate(dir string, strict bool) Report {
	report := Report{Errors: []string{}, Warnings: []string{}}

	metadata, err := readDocument(filepath.Join(dir, "metadata.json"))
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	metricsDoc, err := readDocument(filepath.Join(dir, "metrics.json"))
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	latentPCA, err := readDocument(filepath.Join(dir, "latent_pca.json"))
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	if len(report.Errors) > 0 {
		return finishReport(report, strict)
	}

	for _, key := range requiredMetadataKeys {
		if _, ok := metadata[key]; !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("metadata missing key: %s", key))
		}
	}

	steps, ok := asPositiveInt(metadata["steps"])
	if !ok {
		report.Errors = append(report.Errors, "metadata.steps must be a positive integer")
		return finishReport(report, strict)
	}

	if listLen(metadata["timesteps"]) != steps {
		report.Errors = append(report.Errors, "metadata.timesteps length mismatch")
	}
	if listLen(metadata["images"]) != steps {
		report.Errors = append(report.Errors, "metadata.images length mismatch")
	}
	if listLen(metricsDoc["latent_l2_norm"]) != steps {
		report.Errors = append(report.Errors, "metrics.latent_l2_norm length mismatch")
	}
	if listLen(latentPCA["points"]) != steps {
		report.Errors = append(report.Errors, "latent_pca.points length mismatch")
	}
	if listLen(latentPCA["explained_variance_ratio"]) != 2 {
		report.Errors = append(report.Errors, "latent_pca.explained_variance_ratio must have exactly two values")
	}

	files, _ := metadata["attention_files"].([]any)
	for idx, raw := range files {
		entry, _ := raw.(map[string]any)
		relPath, _ := entry["path"].(string)
		if relPath == "" {
			report.Errors = append(report.Errors, fmt.Sprintf("attention_files[%d] has invalid path", idx))
			continue
		}

		shapeRaw, ok := entry["shape"].([]any)
		if !ok || len(shapeRaw) == 0 {
			report.Errors = append(report.Errors, fmt.Sprintf("attention_files[%d] has invalid shape", idx))
			continue
		}
		expected := int64(1)
		valid := true
		for _, dimRaw := range shapeRaw {
			dim, ok := asPositiveInt(dimRaw)
			if !ok {
				report.Errors = append(report.Errors, fmt.Sprintf("attention_files[%d] has non-positive shape dimensions", idx))
				valid = false
				break
			}
			expected *= int64(dim)
		}
		if !valid {
			continue
		}

		abs := filepath.Join(dir, filepath.FromSlash(relPath))
		info, err := os.Stat(abs)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("missing attention file: %s", relPath))
			continue
		}
		expectedBytes := expected * 2
		if info.Size() != expectedBytes {
			report.Errors = append(report.Errors,
				fmt.Sprintf("attention size mismatch for %s (expected %d bytes, got %d)", relPath, expectedBytes, info.Size()))
		}
	}

	if sizeMB, err := dirSizeMB(dir); err == nil && sizeMB > SoftSizeLimitMB {
		report.Warnings = append(report.Warnings, fmt.Sprintf("dataset size is %.2fMB (>%.0fMB)", sizeMB, SoftSizeLimitMB))
	}

	return finishReport(report, strict)
}

func finishReport(report Report, strict bool) Report {
	report.Passed = len(report.Errors) == 0
	if strict && len(report.Warnings) > 0 {
		report.Passed = false
	}
	if !report.Passed {
		metrics.RecordValidationFailure("dataset")
	}
	return report
}

func readDocument(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("missing file: %s", filepath.Base(path))
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %v", filepath.Base(path), err)
	}
	return doc, nil
}

// asPositiveInt accepts the float64 numbers encoding/json produces and
// requires them to be positive integers.
func asPositiveInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f <= 0 || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func listLen(v any) int {
	list, ok := v.([]any)
	if !ok {
		return -1
	}
	return len(list)
}

func dirSizeMB(dir string) (float64, error) {
	s := &Serializer{root: dir}
	total, err := s.DatasetSizeBytes()
	if err != nil {
		return 0, err
	}
	return float64(total) / (1024 * 1024), nil
}
