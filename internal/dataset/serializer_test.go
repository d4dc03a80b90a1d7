package dataset

import (
	"encoding/json"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kvxlabs/attnprobe/internal/errdefs"
	"github.com/kvxlabs/attnprobe/internal/tensor"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), A: 255})
		}
	}
	return img
}

func testMap(t *testing.T, shape ...int) *tensor.F16 {
	t.Helper()
	d := tensor.New(shape...)
	for i := range d.Data {
		d.Data[i] = float32(i)
	}
	return d.ToF16()
}

func TestNewSerializerCreatesLayout(t *testing.T) {
	root := t.TempDir()
	if _, err := NewSerializer(root); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{"images", "attention/cross", "attention/self"} {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(dir)))
		if err != nil || !info.IsDir() {
			t.Errorf("missing directory %s", dir)
		}
	}

	// Idempotent over an existing layout.
	if _, err := NewSerializer(root); err != nil {
		t.Fatal(err)
	}
}

func TestSaveImage(t *testing.T) {
	s, err := NewSerializer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	rel, err := s.SaveImage(7, testImage())
	if err != nil {
		t.Fatal(err)
	}
	if rel != "images/step_007.png" {
		t.Fatalf("rel = %q", rel)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "images", "step_007.png")); err != nil {
		t.Fatal(err)
	}
	if paths := s.ImagePaths(); len(paths) != 1 || paths[0] != rel {
		t.Fatalf("image paths = %v", paths)
	}
}

func TestSaveAttention(t *testing.T) {
	s, err := NewSerializer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	m := testMap(t, 5, 8, 8)
	rec, err := s.SaveAttention(2, "layer_0", "cross", m)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Path != "attention/cross/layer_0_step_002.bin" {
		t.Fatalf("path = %q", rec.Path)
	}
	if rec.Dtype != "float16" || rec.Step != 2 || rec.LayerID != "layer_0" {
		t.Fatalf("record = %+v", rec)
	}

	info, err := os.Stat(filepath.Join(s.Root(), "attention", "cross", "layer_0_step_002.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(5*8*8*2) {
		t.Fatalf("blob size = %d", info.Size())
	}

	// Round-trips bit-exactly.
	raw, _ := os.ReadFile(filepath.Join(s.Root(), filepath.FromSlash(rec.Path)))
	back, err := tensor.F16FromBytes(raw, rec.Shape...)
	if err != nil {
		t.Fatal(err)
	}
	for i := range m.Data {
		if back.Data[i] != m.Data[i] {
			t.Fatalf("value %d differs", i)
		}
	}
}

func TestSaveAttentionManifestOrder(t *testing.T) {
	s, err := NewSerializer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := testMap(t, 2, 2)
	s.SaveAttention(0, "layer_1", "self", m)
	s.SaveAttention(0, "layer_0", "cross", m)
	s.SaveAttention(1, "layer_1", "self", m)

	files := s.AttentionFiles()
	if len(files) != 3 {
		t.Fatalf("manifest has %d records", len(files))
	}
	if files[0].LayerID != "layer_1" || files[1].LayerID != "layer_0" || files[2].Step != 1 {
		t.Fatalf("records out of call order: %+v", files)
	}
}

func TestSaveAttentionUnknownType(t *testing.T) {
	s, err := NewSerializer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.SaveAttention(0, "layer_0", "temporal", testMap(t, 2, 2))
	if !errdefs.IsConfiguration(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteJSONSortedAndAtomic(t *testing.T) {
	s, err := NewSerializer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	payload := map[string]any{"zebra": 1, "alpha": []int{1, 2}, "mid": map[string]any{"b": 1, "a": 2}}
	if err := s.WriteJSON("metadata.json", payload); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(s.Root(), "metadata.json"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	if strings.Index(text, `"alpha"`) > strings.Index(text, `"zebra"`) {
		t.Fatal("keys are not sorted")
	}
	if strings.Index(text, `"a"`) > strings.Index(text, `"b"`) {
		t.Fatal("nested keys are not sorted")
	}

	var back map[string]any
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back["zebra"] != float64(1) {
		t.Fatalf("payload mangled: %v", back)
	}

	// No temporary sibling left behind.
	if _, err := os.Stat(filepath.Join(s.Root(), "metadata.json.tmp")); !os.IsNotExist(err) {
		t.Fatal("temporary file survived the rename")
	}

	// Overwrites in place.
	if err := s.WriteJSON("metadata.json", map[string]any{"only": true}); err != nil {
		t.Fatal(err)
	}
	raw, _ = os.ReadFile(filepath.Join(s.Root(), "metadata.json"))
	if !strings.Contains(string(raw), `"only"`) || strings.Contains(string(raw), `"zebra"`) {
		t.Fatal("rewrite did not replace the document")
	}
}

func TestDatasetSizeBytes(t *testing.T) {
	s, err := NewSerializer(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.SaveAttention(0, "layer_0", "cross", testMap(t, 4, 4))
	if err := s.WriteJSON("metadata.json", map[string]any{"steps": 1}); err != nil {
		t.Fatal(err)
	}

	total, err := s.DatasetSizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	doc, _ := os.Stat(filepath.Join(s.Root(), "metadata.json"))
	want := int64(4*4*2) + doc.Size()
	if total != want {
		t.Fatalf("total = %d, want %d", total, want)
	}
}
