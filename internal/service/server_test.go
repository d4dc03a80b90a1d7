package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kvxlabs/attnprobe/internal/config"
	"github.com/kvxlabs/attnprobe/internal/progress"
	"github.com/kvxlabs/attnprobe/internal/run"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultService()
	cfg.DatasetRoot = t.TempDir()
	cfg.ProgressRoot = t.TempDir()
	return New(cfg)
}

func postJob(t *testing.T, ts *httptest.Server, req GenerateRequest) *http.Response {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+"/api/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeJob(t *testing.T, resp *http.Response) Job {
	t.Helper()
	defer resp.Body.Close()
	var payload struct {
		Job Job `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	return payload.Job
}

func waitForStatus(t *testing.T, s *Server, id, want string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := s.registry.Get(id)
		if ok && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := s.registry.Get(id)
	t.Fatalf("job %s stuck in %q, want %q", id, job.Status, want)
	return Job{}
}

func TestHealth(t *testing.T) {
	ts := httptest.NewServer(testServer(t).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestCreateJobLifecycle(t *testing.T) {
	s := testServer(t)
	s.runJob = func(ctx context.Context, opts run.Options) (*run.Result, error) {
		opts.Progress.Publish(progress.New(progress.StageGenerating, "step 1 / 1").WithSteps(1, 1))
		return &run.Result{DatasetPath: opts.Config.OutputDir, Steps: opts.Config.NumSteps}, nil
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp := postJob(t, ts, GenerateRequest{Prompt: "a fox", OutputName: "fox run #1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	created := decodeJob(t, resp)
	if created.Status != StatusRunning || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}
	if created.OutputName != "fox_run_1" {
		t.Fatalf("output name = %q", created.OutputName)
	}

	done := waitForStatus(t, s, created.ID, StatusCompleted)
	if done.DatasetURL == nil || *done.DatasetURL != "/datasets/fox_run_1" {
		t.Fatalf("dataset url = %v", done.DatasetURL)
	}
	if done.Progress == nil || done.Progress.Stage != progress.StageGenerating {
		t.Fatalf("progress = %+v", done.Progress)
	}

	// Fetch by id over HTTP.
	getResp, err := http.Get(ts.URL + "/api/generate/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	fetched := decodeJob(t, getResp)
	if fetched.ID != created.ID || fetched.Status != StatusCompleted {
		t.Fatalf("fetched = %+v", fetched)
	}
}

func TestCreateJobFailure(t *testing.T) {
	s := testServer(t)
	s.runJob = func(ctx context.Context, opts run.Options) (*run.Result, error) {
		return nil, context.DeadlineExceeded
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	created := decodeJob(t, postJob(t, ts, GenerateRequest{Prompt: "a fox"}))
	failed := waitForStatus(t, s, created.ID, StatusFailed)
	if failed.Error == nil || *failed.Error == "" {
		t.Fatalf("failed job carries no error: %+v", failed)
	}
}

func TestSingleJobAdmission(t *testing.T) {
	s := testServer(t)
	release := make(chan struct{})
	s.runJob = func(ctx context.Context, opts run.Options) (*run.Result, error) {
		<-release
		return &run.Result{}, nil
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	first := decodeJob(t, postJob(t, ts, GenerateRequest{Prompt: "one"}))

	resp := postJob(t, ts, GenerateRequest{Prompt: "two"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second job status = %d", resp.StatusCode)
	}

	close(release)
	waitForStatus(t, s, first.ID, StatusCompleted)

	// Admission reopens once the first job finishes.
	resp = postJob(t, ts, GenerateRequest{Prompt: "three"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("third job status = %d", resp.StatusCode)
	}
}

func TestCreateJobValidation(t *testing.T) {
	s := testServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	cases := []GenerateRequest{
		{Prompt: ""},
		{Prompt: "ok", NumSteps: 10_000},
		{Prompt: "ok", CFGScale: 50},
		{Prompt: "ok", AttentionResolution: 4},
		{Prompt: strings.Repeat("x", 401)},
	}
	for i, req := range cases {
		resp := postJob(t, ts, req)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("case %d status = %d", i, resp.StatusCode)
		}
	}
}

func TestGetJobNotFound(t *testing.T) {
	ts := httptest.NewServer(testServer(t).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/generate/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestLatestJob(t *testing.T) {
	s := testServer(t)
	s.runJob = func(ctx context.Context, opts run.Options) (*run.Result, error) {
		return &run.Result{}, nil
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/generate/latest")
	if err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	json.NewDecoder(resp.Body).Decode(&payload)
	resp.Body.Close()
	if payload["job"] != nil {
		t.Fatalf("expected null job, got %v", payload["job"])
	}

	created := decodeJob(t, postJob(t, ts, GenerateRequest{Prompt: "a fox"}))
	waitForStatus(t, s, created.ID, StatusCompleted)

	resp, err = http.Get(ts.URL + "/api/generate/latest")
	if err != nil {
		t.Fatal(err)
	}
	latest := decodeJob(t, resp)
	if latest.ID != created.ID {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestWebsocketBroadcast(t *testing.T) {
	s := testServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Give the hub a moment to register the client.
	time.Sleep(50 * time.Millisecond)
	s.hub.Broadcast("progress", map[string]any{"job_id": "j1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "progress" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestSafeOutputName(t *testing.T) {
	cases := map[string]string{
		"fox run #1":  "fox_run_1",
		"..hidden..":  "hidden",
		"ok-name_2.0": "ok-name_2.0",
	}
	for in, want := range cases {
		if got := SafeOutputName(in); got != want {
			t.Errorf("SafeOutputName(%q) = %q, want %q", in, got, want)
		}
	}
	if got := SafeOutputName("###"); !strings.HasPrefix(got, "run_") {
		t.Errorf("fallback = %q", got)
	}
}
