package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvxlabs/attnprobe/internal/config"
	"github.com/kvxlabs/attnprobe/internal/errdefs"
	"github.com/kvxlabs/attnprobe/internal/logger"
	"github.com/kvxlabs/attnprobe/internal/metrics"
	"github.com/kvxlabs/attnprobe/internal/progress"
	"github.com/kvxlabs/attnprobe/internal/run"
)

// GenerateRequest is the POST /api/generate payload. Zero values take
// the generation defaults; limits come from the service config.
type GenerateRequest struct {
	Prompt                  string  `json:"prompt"`
	NegativePrompt          string  `json:"negative_prompt"`
	Seed                    int64   `json:"seed"`
	CFGScale                float64 `json:"cfg_scale"`
	NumSteps                int     `json:"num_steps"`
	MaxLayers               int     `json:"max_layers"`
	AttentionResolution     int     `json:"attention_resolution"`
	SelfAttentionResolution int     `json:"self_attention_resolution"`
	OutputName              string  `json:"output_name"`
}

func (g *GenerateRequest) applyDefaults(base config.Generate) {
	if g.CFGScale == 0 {
		g.CFGScale = base.CFGScale
	}
	if g.NumSteps == 0 {
		g.NumSteps = base.NumSteps
	}
	if g.MaxLayers == 0 {
		g.MaxLayers = base.MaxLayers
	}
	if g.AttentionResolution == 0 {
		g.AttentionResolution = base.AttentionResolution
	}
	if g.SelfAttentionResolution == 0 {
		g.SelfAttentionResolution = base.SelfAttentionResolution
	}
}

func (g *GenerateRequest) validate(limits config.Service) error {
	if strings.TrimSpace(g.Prompt) == "" || len(g.Prompt) > 400 {
		return errdefs.Configuration("prompt must be 1-400 characters")
	}
	if len(g.NegativePrompt) > 400 {
		return errdefs.Configuration("negative_prompt too long")
	}
	if g.CFGScale < 1.0 || g.CFGScale > 20.0 {
		return errdefs.Configuration("cfg_scale must be within [1, 20]")
	}
	if g.NumSteps < 1 || g.NumSteps > limits.MaxSteps {
		return errdefs.Configuration("num_steps must be within [1, %d]", limits.MaxSteps)
	}
	if g.MaxLayers < 1 || g.MaxLayers > limits.MaxLayers {
		return errdefs.Configuration("max_layers must be within [1, %d]", limits.MaxLayers)
	}
	if g.AttentionResolution < 8 || g.AttentionResolution > 128 {
		return errdefs.Configuration("attention_resolution must be within [8, 128]")
	}
	if g.SelfAttentionResolution < 8 || g.SelfAttentionResolution > 128 {
		return errdefs.Configuration("self_attention_resolution must be within [8, 128]")
	}
	if len(g.OutputName) > 80 {
		return errdefs.Configuration("output_name too long")
	}
	return nil
}

// runFunc lets tests substitute the runner.
type runFunc func(ctx context.Context, opts run.Options) (*run.Result, error)

// Server is the job daemon: registry, websocket hub, and handlers.
type Server struct {
	cfg      config.Service
	registry *Registry
	hub      *Hub
	lg       *logger.Logger

	runJob runFunc

	// baseCtx parents every job; shutting the daemon down cancels
	// in-flight generations.
	baseCtx context.Context
}

func New(cfg config.Service) *Server {
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		hub:      NewHub(),
		lg:       logger.Log.Component("service"),
		runJob:   run.Run,
		baseCtx:  context.Background(),
	}
}

// Handler builds the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/generate", s.handleCreateJob)
	mux.HandleFunc("GET /api/generate/latest", s.handleLatestJob)
	mux.HandleFunc("GET /api/generate/{id}", s.handleGetJob)
	mux.Handle("GET /datasets/", http.StripPrefix("/datasets/",
		http.FileServer(http.Dir(s.cfg.DatasetRoot))))
	mux.HandleFunc("GET /ws", s.hub.Serve)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleLatestJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.registry.Latest()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"job": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	req.applyDefaults(config.Default())
	if err := req.validate(s.cfg); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	jobID := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	outputName := SafeOutputName(req.OutputName)
	outputDir := filepath.Join(s.cfg.DatasetRoot, outputName)
	progressFile := filepath.Join(s.cfg.ProgressRoot, jobID+".json")

	now := time.Now().UTC()
	job := &Job{
		ID:           jobID,
		Status:       StatusRunning,
		Request:      req,
		OutputName:   outputName,
		OutputDir:    outputDir,
		ProgressFile: progressFile,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created := *job
	if !s.registry.PutIfIdle(job) {
		writeError(w, http.StatusConflict, "A generation job is already running")
		return
	}
	go s.execute(jobID, outputName, outputDir, progressFile, req)

	writeJSON(w, http.StatusOK, map[string]any{"job": created})
}

// execute runs one job to completion, mirroring its progress into the
// registry and onto the websocket hub.
func (s *Server) execute(jobID, outputName, outputDir, progressFile string, req GenerateRequest) {
	metrics.JobStarted()
	defer metrics.JobFinished()

	cfg := config.Default()
	cfg.Prompt = req.Prompt
	cfg.NegativePrompt = req.NegativePrompt
	cfg.Seed = req.Seed
	cfg.CFGScale = req.CFGScale
	cfg.NumSteps = req.NumSteps
	cfg.MaxLayers = req.MaxLayers
	cfg.AttentionResolution = req.AttentionResolution
	cfg.SelfAttentionResolution = req.SelfAttentionResolution
	cfg.OutputDir = outputDir
	cfg.OverwriteOutput = true
	cfg.ProgressFile = progressFile
	cfg.MaxDatasetMB = s.cfg.MaxDatasetMB

	sink := progress.FuncSink(func(u progress.Update) {
		s.registry.Update(jobID, func(j *Job) { j.Progress = &u })
		s.hub.Broadcast("progress", map[string]any{"job_id": jobID, "progress": u})
	})

	_, err := s.runJob(s.baseCtx, run.Options{Config: cfg, Progress: sink})
	if err != nil {
		msg := err.Error()
		s.lg.Error("job failed", "job_id", jobID, "error", msg)
		s.registry.Update(jobID, func(j *Job) {
			j.Status = StatusFailed
			j.Error = &msg
		})
		s.hub.Broadcast("job", map[string]any{"job_id": jobID, "status": StatusFailed})
		return
	}

	url := "/datasets/" + outputName
	s.registry.Update(jobID, func(j *Job) {
		j.Status = StatusCompleted
		j.DatasetURL = &url
	})
	s.hub.Broadcast("job", map[string]any{"job_id": jobID, "status": StatusCompleted})
	s.lg.Info("job completed", "job_id", jobID, "dataset", outputDir)
}

// Run serves the API and a separate metrics listener until the context
// is cancelled, then shuts both down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	api := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Handler(),
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MetricsPort),
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		s.lg.Info("api listening", "addr", api.Addr)
		errCh <- api.ListenAndServe()
	}()
	go func() {
		s.lg.Info("metrics listening", "addr", metricsSrv.Addr)
		errCh <- metricsSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.hub.CloseAll()
	if err := api.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return metricsSrv.Shutdown(shutdownCtx)
}
