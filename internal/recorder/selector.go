// Package recorder implements the attention capture engine: layer
// selection, the per-layer attention processors substituted into the
// model, and the per-step accumulator that reduces raw probability
// tensors to exportable maps.
package recorder

import (
	"fmt"
	"path"

	"github.com/kvxlabs/attnprobe/internal/errdefs"
)

// AttentionType discriminates the two capture paths.
const (
	TypeCross = "cross"
	TypeSelf  = "self"
)

// LayerDescriptor identifies one instrumented layer for the run. Ids are
// sequential in traversal order and never reused within a run.
type LayerDescriptor struct {
	LayerID       string `json:"id"`
	ProcessorKey  string `json:"processor_key"`
	AttentionType string `json:"attention_type"`
}

// Layer is one instrumentable attention site in traversal order, as
// reported by the pipeline.
type Layer struct {
	Key  string
	Type string // TypeCross or TypeSelf
}

// Selection maps every processor key to the processor variant chosen for
// it at setup time. Unselected layers carry a Passthrough processor,
// which preserves the default computation exactly.
type Selection struct {
	Assignment map[string]AttentionProcessor
	Selected   []LayerDescriptor
}

// Select walks orderedLayers once and decides, per layer, whether it is
// recorded. A layer is selected iff its kind is enabled, its key matches
// at least one glob pattern (an empty pattern set matches everything),
// and the selected count is still below maxLayers (maxLayers <= 0 means
// unlimited). Selected layers get sequential ids independent of type.
func Select(
	orderedLayers []Layer,
	rec *Recorder,
	includeCross, includeSelf bool,
	patterns []string,
	maxLayers int,
) (*Selection, error) {
	sel := &Selection{Assignment: make(map[string]AttentionProcessor, len(orderedLayers))}

	for _, layer := range orderedLayers {
		keepKind := (layer.Type == TypeCross && includeCross) ||
			(layer.Type == TypeSelf && includeSelf)
		withinBudget := maxLayers <= 0 || len(sel.Selected) < maxLayers

		if keepKind && matchesAny(layer.Key, patterns) && withinBudget {
			layerID := fmt.Sprintf("layer_%d", len(sel.Selected))
			sel.Assignment[layer.Key] = &RecordingProcessor{
				Recorder:      rec,
				LayerID:       layerID,
				AttentionType: layer.Type,
			}
			sel.Selected = append(sel.Selected, LayerDescriptor{
				LayerID:       layerID,
				ProcessorKey:  layer.Key,
				AttentionType: layer.Type,
			})
		} else {
			sel.Assignment[layer.Key] = Passthrough{}
		}
	}

	if len(sel.Selected) == 0 {
		return nil, errdefs.Configuration(
			"no attention layers selected; adjust layer patterns or the include flags")
	}
	return sel, nil
}

func matchesAny(key string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := path.Match(p, key); err == nil && ok {
			return true
		}
	}
	return false
}
