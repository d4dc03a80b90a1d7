// Package service exposes the capture runner as a local HTTP daemon:
// one job at a time, progress streamed over a websocket, finished
// datasets served as static files.
package service

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/kvxlabs/attnprobe/internal/progress"
)

// Job lifecycle states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is the externally visible state of one generation job.
type Job struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	Request      GenerateRequest  `json:"request"`
	OutputName   string           `json:"output_name"`
	OutputDir    string           `json:"output_dir"`
	ProgressFile string           `json:"progress_file"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Progress     *progress.Update `json:"progress"`
	DatasetURL   *string          `json:"dataset_url"`
	Error        *string          `json:"error"`
}

// Registry is the in-memory job table. All access goes through the
// mutex; jobs are never deleted within a daemon's lifetime.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Get returns a copy of the job, so callers can serialize it without
// holding the registry lock.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Latest returns the most recently updated job.
func (r *Registry) Latest() (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.jobs) == 0 {
		return Job{}, false
	}
	all := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		all = append(all, job)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return *all[0], true
}

// Update applies fn to the job under the lock and bumps UpdatedAt.
func (r *Registry) Update(id string, fn func(*Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
}

// PutIfIdle registers the job only when no other job is running. The
// daemon admits one generation at a time; the check and the insert
// share one critical section so concurrent submissions cannot both win.
func (r *Registry) PutIfIdle(job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.Status == StatusRunning {
			return false
		}
	}
	r.jobs[job.ID] = job
	return true
}

var outputNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// SafeOutputName normalizes a requested dataset name to a filesystem
// safe slug, falling back to a timestamped default.
func SafeOutputName(name string) string {
	normalized := outputNamePattern.ReplaceAllString(name, "_")
	normalized = trimDotsUnderscores(normalized)
	if normalized == "" {
		return "run_" + time.Now().Format("20060102_150405")
	}
	return normalized
}

func trimDotsUnderscores(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == '.' || s[start] == '_') {
		start++
	}
	for end > start && (s[end-1] == '.' || s[end-1] == '_') {
		end--
	}
	return s[start:end]
}
