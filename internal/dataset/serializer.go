// Package dataset owns the on-disk layout of an exported run: binary
// attention blobs, decoded images, the Arrow latent archive, and the
// JSON documents that describe them.
package dataset

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kvxlabs/attnprobe/internal/errdefs"
	"github.com/kvxlabs/attnprobe/internal/metrics"
	"github.com/kvxlabs/attnprobe/internal/recorder"
	"github.com/kvxlabs/attnprobe/internal/tensor"
)

// AttentionFileRecord describes one stored attention blob. Records are
// appended to the manifest in the order the maps were saved.
type AttentionFileRecord struct {
	Step          int    `json:"step"`
	LayerID       string `json:"layer_id"`
	AttentionType string `json:"attention_type"`
	Path          string `json:"path"`
	Shape         []int  `json:"shape"`
	Dtype         string `json:"dtype"`
}

// Serializer writes all run artifacts under a single root directory.
// It creates the layout eagerly so partial runs still leave a
// recognizable dataset. It does not enforce any emptiness policy on
// the root; that belongs to the caller.
type Serializer struct {
	root           string
	attentionFiles []AttentionFileRecord
	imagePaths     []string
}

func NewSerializer(root string) (*Serializer, error) {
	dirs := []string{
		filepath.Join(root, "images"),
		filepath.Join(root, "attention", "cross"),
		filepath.Join(root, "attention", "self"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errdefs.Storage("mkdir", dir, err)
		}
	}
	return &Serializer{root: root}, nil
}

// Root returns the dataset root directory.
func (s *Serializer) Root() string { return s.root }

// SaveImage encodes the step's decoded image as PNG and returns the
// path relative to the dataset root.
func (s *Serializer) SaveImage(step int, img image.Image) (string, error) {
	rel := filepath.Join("images", fmt.Sprintf("step_%03d.png", step))
	abs := filepath.Join(s.root, rel)

	f, err := os.Create(abs)
	if err != nil {
		return "", errdefs.Storage("create", abs, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", errdefs.Storage("encode", abs, err)
	}
	if err := f.Close(); err != nil {
		return "", errdefs.Storage("close", abs, err)
	}

	rel = filepath.ToSlash(rel)
	s.imagePaths = append(s.imagePaths, rel)
	metrics.RecordImage()
	return rel, nil
}

// SaveAttention writes one float16 map as raw little-endian values,
// row-major, no header, and appends its record to the manifest.
func (s *Serializer) SaveAttention(step int, layerID, attentionType string, m *tensor.F16) (AttentionFileRecord, error) {
	switch attentionType {
	case recorder.TypeCross, recorder.TypeSelf:
	default:
		return AttentionFileRecord{}, errdefs.Configuration("unsupported attention type: %s", attentionType)
	}

	rel := filepath.Join("attention", attentionType, fmt.Sprintf("%s_step_%03d.bin", layerID, step))
	abs := filepath.Join(s.root, rel)

	raw := m.Bytes()
	if err := os.WriteFile(abs, raw, 0o644); err != nil {
		return AttentionFileRecord{}, errdefs.Storage("write", abs, err)
	}

	rec := AttentionFileRecord{
		Step:          step,
		LayerID:       layerID,
		AttentionType: attentionType,
		Path:          filepath.ToSlash(rel),
		Shape:         append([]int(nil), m.Shape...),
		Dtype:         "float16",
	}
	s.attentionFiles = append(s.attentionFiles, rec)
	metrics.RecordAttentionMap(attentionType, len(raw))
	return rec, nil
}

// AttentionFiles returns the manifest records in save order.
func (s *Serializer) AttentionFiles() []AttentionFileRecord {
	return append([]AttentionFileRecord(nil), s.attentionFiles...)
}

// ImagePaths returns the saved image paths in save order.
func (s *Serializer) ImagePaths() []string {
	return append([]string(nil), s.imagePaths...)
}

// WriteJSON writes a JSON document with sorted keys atomically: the
// payload lands in a temporary sibling which is then renamed over the
// target, so a concurrent reader never sees partial content.
func (s *Serializer) WriteJSON(name string, payload any) error {
	target := filepath.Join(s.root, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errdefs.Storage("mkdir", filepath.Dir(target), err)
	}

	// Round-trip through generic maps so MarshalIndent emits object
	// keys in sorted order regardless of the payload's struct layout.
	raw, err := json.Marshal(payload)
	if err != nil {
		return errdefs.Storage("marshal", target, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return errdefs.Storage("marshal", target, err)
	}
	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return errdefs.Storage("marshal", target, err)
	}
	out = append(out, '\n')

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return errdefs.Storage("write", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return errdefs.Storage("rename", target, err)
	}
	return nil
}

// DatasetSizeBytes recursively sums file sizes under the root.
func (s *Serializer) DatasetSizeBytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, errdefs.Storage("walk", s.root, err)
	}
	return total, nil
}
