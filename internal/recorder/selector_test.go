package recorder

import (
	"fmt"
	"testing"

	"github.com/kvxlabs/attnprobe/internal/errdefs"
)

func unetLayers(blocks int) []Layer {
	var layers []Layer
	for b := 0; b < blocks; b++ {
		layers = append(layers,
			Layer{Key: fmt.Sprintf("blocks.%d.attn1.processor", b), Type: TypeSelf},
			Layer{Key: fmt.Sprintf("blocks.%d.attn2.processor", b), Type: TypeCross},
		)
	}
	return layers
}

func TestSelectAllMatching(t *testing.T) {
	rec := newTestRecorder(t, 5, 8, 8, true)
	sel, err := Select(unetLayers(3), rec, true, true, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(sel.Selected) != 6 {
		t.Fatalf("selected %d, want all 6", len(sel.Selected))
	}
	// Sequential ids in traversal order, independent of type.
	for i, d := range sel.Selected {
		want := fmt.Sprintf("layer_%d", i)
		if d.LayerID != want {
			t.Errorf("descriptor %d id %q, want %q", i, d.LayerID, want)
		}
	}
	if sel.Selected[0].AttentionType != TypeSelf || sel.Selected[1].AttentionType != TypeCross {
		t.Error("traversal order not preserved")
	}
}

func TestSelectMaxLayersBudget(t *testing.T) {
	rec := newTestRecorder(t, 5, 8, 8, true)
	sel, err := Select(unetLayers(4), rec, true, true, nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Selected) != 3 {
		t.Fatalf("selected %d, want 3", len(sel.Selected))
	}
	// First three in traversal order.
	if sel.Selected[2].ProcessorKey != "blocks.1.attn1.processor" {
		t.Errorf("third selected is %s", sel.Selected[2].ProcessorKey)
	}
	// Layers beyond the budget still get an explicit passthrough.
	p, ok := sel.Assignment["blocks.3.attn2.processor"]
	if !ok {
		t.Fatal("unselected layer missing from assignment")
	}
	if _, isPass := p.(Passthrough); !isPass {
		t.Errorf("unselected layer got %T", p)
	}
}

func TestSelectIncludeFlags(t *testing.T) {
	rec := newTestRecorder(t, 5, 8, 8, true)
	sel, err := Select(unetLayers(2), rec, true, false, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range sel.Selected {
		if d.AttentionType != TypeCross {
			t.Errorf("self layer selected: %+v", d)
		}
	}
	if len(sel.Selected) != 2 {
		t.Errorf("selected %d cross layers, want 2", len(sel.Selected))
	}
}

func TestSelectPatterns(t *testing.T) {
	rec := newTestRecorder(t, 5, 8, 8, true)
	sel, err := Select(unetLayers(3), rec, true, true, []string{"blocks.1.*"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Selected) != 2 {
		t.Fatalf("selected %d, want 2", len(sel.Selected))
	}
	for _, d := range sel.Selected {
		if d.ProcessorKey != "blocks.1.attn1.processor" && d.ProcessorKey != "blocks.1.attn2.processor" {
			t.Errorf("unexpected key %s", d.ProcessorKey)
		}
	}
}

func TestSelectEmptySelectionFails(t *testing.T) {
	rec := newTestRecorder(t, 5, 8, 8, true)
	_, err := Select(unetLayers(2), rec, false, false, nil, 0)
	if !errdefs.IsConfiguration(err) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}

	_, err = Select(unetLayers(2), rec, true, true, []string{"no.such.layer.*"}, 0)
	if !errdefs.IsConfiguration(err) {
		t.Errorf("expected ConfigurationError for non-matching patterns, got %v", err)
	}
}

func TestSelectAssignmentCoversEveryLayer(t *testing.T) {
	rec := newTestRecorder(t, 5, 8, 8, true)
	layers := unetLayers(3)
	sel, err := Select(layers, rec, true, true, []string{"*attn2*"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Assignment) != len(layers) {
		t.Fatalf("assignment covers %d of %d layers", len(sel.Assignment), len(layers))
	}
	for _, l := range layers {
		proc := sel.Assignment[l.Key]
		_, recording := proc.(*RecordingProcessor)
		wantRecording := l.Type == TypeCross
		if recording != wantRecording {
			t.Errorf("layer %s: recording=%v want %v", l.Key, recording, wantRecording)
		}
	}
}
