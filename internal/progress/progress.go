// Package progress streams coarse run status to interested observers:
// a JSON file for external pollers, callbacks for in-process consumers.
package progress

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/kvxlabs/attnprobe/internal/errdefs"
)

// Run stages, in the order a healthy run passes through them.
const (
	StageInitializing = "initializing"
	StageLoading      = "loading"
	StageGenerating   = "generating"
	StageExporting    = "exporting"
	StageCompleted    = "completed"
	StageFailed       = "failed"
)

// Update is one progress snapshot. Optional fields are pointers so an
// absent value serializes as JSON null, matching what pollers expect.
type Update struct {
	Stage       string   `json:"stage"`
	Message     string   `json:"message"`
	CurrentStep *int     `json:"current_step"`
	TotalSteps  *int     `json:"total_steps"`
	Percent     *float64 `json:"percent"`
	DatasetPath *string  `json:"dataset_path"`
	Error       *string  `json:"error"`
}

// New builds an Update for the given stage and fills in percent when
// both step counters are present and the total is positive. Percent is
// rounded to two decimals.
func New(stage, message string) Update {
	return Update{Stage: stage, Message: message}
}

// WithSteps attaches step counters and the derived percentage.
func (u Update) WithSteps(current, total int) Update {
	u.CurrentStep = &current
	u.TotalSteps = &total
	if total > 0 {
		p := math.Round(float64(current)/float64(total)*100*100) / 100
		u.Percent = &p
	}
	return u
}

// WithDataset attaches the dataset path.
func (u Update) WithDataset(path string) Update {
	u.DatasetPath = &path
	return u
}

// WithError attaches an error message, normally alongside StageFailed.
func (u Update) WithError(msg string) Update {
	u.Error = &msg
	return u
}

// Sink receives progress updates. Implementations must tolerate being
// called from a single goroutine only.
type Sink interface {
	Publish(Update) error
}

// FileSink rewrites a single JSON progress file atomically on every
// update.
type FileSink struct {
	path string
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Publish(u Update) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errdefs.Storage("mkdir", filepath.Dir(s.path), err)
	}
	raw, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return errdefs.Storage("marshal", s.path, err)
	}
	raw = append(raw, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errdefs.Storage("write", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return errdefs.Storage("rename", s.path, err)
	}
	return nil
}

// FuncSink adapts a callback to the Sink interface.
type FuncSink func(Update)

func (f FuncSink) Publish(u Update) error {
	f(u)
	return nil
}

// MultiSink fans one update out to several sinks. Publish returns the
// first error but still delivers to every sink.
type MultiSink struct {
	mu    sync.Mutex
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Add registers another sink.
func (m *MultiSink) Add(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

func (m *MultiSink) Publish(u Update) error {
	m.mu.Lock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()

	var first error
	for _, s := range sinks {
		if err := s.Publish(u); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Discard ignores every update. Useful when no progress file was
// requested.
var Discard Sink = FuncSink(func(Update) {})
