package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cwbudde/paramtuner/internal/engine"
	"github.com/cwbudde/paramtuner/internal/metrics"
	"github.com/cwbudde/paramtuner/internal/store"
)

func newTestServer(t *testing.T, checkpointStore *store.FSStore, opts ...Option) *Server {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Space = testSpace()
	cfg.Seed = 7
	eng, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	s := NewServer(":8080", eng, checkpointStore, opts...)
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		eng.Close()
	})
	return s
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(v)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func waitForState(t *testing.T, s *Server, jobID string, timeout time.Duration) *Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, _ := s.jobManager.GetJob(jobID)
		if job != nil && job.State.Terminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish within %s", jobID, timeout)
	return nil
}

func TestServer_CreateJob(t *testing.T) {
	s := newTestServer(t, nil)

	w := postJSON(t, s.handleCreateJob, "/api/v1/jobs", map[string]any{
		"objective":     "quadratic",
		"strategy":      "random",
		"maxIterations": 5,
		"seed":          42,
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}

	// State should be pending or running (since worker starts immediately)
	if job.State != StatePending && job.State != StateRunning {
		t.Errorf("Expected pending or running state, got %s", job.State)
	}

	// The engine space is used when the request declares none
	if len(job.Config.Space) != 2 {
		t.Errorf("Expected the engine space, got %d specs", len(job.Config.Space))
	}

	done := waitForState(t, s, job.ID, 5*time.Second)
	if done.State != StateCompleted {
		t.Errorf("Expected completed, got %s (%s)", done.State, done.Error)
	}
}

func TestServer_CreateJob_Invalid(t *testing.T) {
	s := newTestServer(t, nil)

	w := postJSON(t, s.handleCreateJob, "/api/v1/jobs", map[string]any{"objective": "banana"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{not json"))
	w = httptest.NewRecorder()
	s.handleCreateJob(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for malformed body, got %d", w.Code)
	}
}

func TestServer_ListJobs(t *testing.T) {
	s := newTestServer(t, nil)

	// Create two jobs
	s.jobManager.CreateJob(quickConfig())
	s.jobManager.CreateJob(quickConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()

	s.handleListJobs(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var jobs []*Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	s := newTestServer(t, nil)

	job := s.jobManager.CreateJob(quickConfig())

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/status", job.ID), nil)
	w := httptest.NewRecorder()

	s.handleGetJobStatus(w, req, job.ID)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["id"] != job.ID {
		t.Error("Response should contain job ID")
	}

	if response["state"] != string(StatePending) {
		t.Errorf("Expected pending state, got %v", response["state"])
	}

	if response["resumed"] != false {
		t.Error("Fresh job should not be marked resumed")
	}
}

func TestServer_GetJobStatus_NotFound(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/status", nil)
	w := httptest.NewRecorder()

	s.handleGetJobStatus(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_RecordAndRecommend(t *testing.T) {
	s := newTestServer(t, nil)

	situation := map[string]float64{
		"rule_density":         0.9,
		"execution_efficiency": 0.2,
		"goal_progress":        0.1,
		"failure_frequency":    0.8,
		"agent_utilization":    0.3,
		"phase_distribution":   0.2,
	}

	// Improvement derived from before/after
	w := postJSON(t, s.handleRecords, "/api/v1/records", map[string]any{
		"strategy":   "conservative",
		"situation":  situation,
		"before":     map[string]float64{"performance": 0.4},
		"after":      map[string]float64{"performance": 0.7},
		"durationMs": 1500,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var rec map[string]any
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	if rec["id"] == "" || rec["strategy"] != "conservative" {
		t.Errorf("Unexpected record: %v", rec)
	}
	if imp, _ := rec["improvement"].(float64); imp <= 0 {
		t.Errorf("Improvement should be derived as positive, got %v", rec["improvement"])
	}

	// Explicit improvement
	w = postJSON(t, s.handleRecords, "/api/v1/records", map[string]any{
		"strategy":    "aggressive",
		"situation":   situation,
		"improvement": -0.4,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}

	w = postJSON(t, s.handleRecommend, "/api/v1/recommend", map[string]any{"situation": situation})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var rcm engine.Recommendation
	if err := json.NewDecoder(w.Body).Decode(&rcm); err != nil {
		t.Fatalf("Failed to decode recommendation: %v", err)
	}
	if rcm.Strategy != "conservative" {
		t.Errorf("Expected conservative, got %s", rcm.Strategy)
	}
	if rcm.Source != engine.SourceHistory {
		t.Errorf("Expected history source, got %s", rcm.Source)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/records", nil)
	lw := httptest.NewRecorder()
	s.handleRecords(lw, req)
	var all []map[string]any
	json.NewDecoder(lw.Body).Decode(&all)
	if len(all) != 2 {
		t.Errorf("Expected 2 records, got %d", len(all))
	}
}

func TestServer_RecordInvalid(t *testing.T) {
	s := newTestServer(t, nil)

	w := postJSON(t, s.handleRecords, "/api/v1/records", map[string]any{"improvement": 0.5})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing strategy, got %d", w.Code)
	}
}

func TestServer_Suggest(t *testing.T) {
	s := newTestServer(t, nil)

	w := postJSON(t, s.handleSuggest, "/api/v1/suggest", map[string]any{})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp struct {
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if _, ok := resp.Parameters["ratio"]; !ok {
		t.Errorf("Expected ratio in suggestion, got %v", resp.Parameters)
	}
	if _, ok := resp.Parameters["rules"]; !ok {
		t.Errorf("Expected rules in suggestion, got %v", resp.Parameters)
	}
}

func TestServer_TrendsAndExport(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trends?days=3", nil)
	w := httptest.NewRecorder()
	s.handleTrends(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	var report map[string]any
	json.NewDecoder(w.Body).Decode(&report)
	if report["days"] != float64(3) {
		t.Errorf("Expected days=3, got %v", report["days"])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/trends?days=many", nil)
	w = httptest.NewRecorder()
	s.handleTrends(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	for _, format := range []string{"summary", "detailed", "raw"} {
		req = httptest.NewRequest(http.MethodGet, "/api/v1/export?format="+format, nil)
		w = httptest.NewRecorder()
		s.handleExport(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d: %s", format, w.Code, w.Body.String())
		}
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/export?format=xml", nil)
	w = httptest.NewRecorder()
	s.handleExport(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown format, got %d", w.Code)
	}
}

func TestServer_CancelJob(t *testing.T) {
	s := newTestServer(t, nil)

	job := s.jobManager.CreateJob(quickConfig())
	cancelled := make(chan struct{}, 1)
	s.jobManager.UpdateJob(job.ID, func(j *Job) { j.cancel = func() { cancelled <- struct{}{} } })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)
	w := httptest.NewRecorder()
	s.handleJobsWithID(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", w.Code)
	}
	select {
	case <-cancelled:
	default:
		t.Error("Cancel func should have been called")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/nonexistent/cancel", nil)
	w = httptest.NewRecorder()
	s.handleJobsWithID(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_TraceAndResume(t *testing.T) {
	fs, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	s := newTestServer(t, fs)

	job, err := s.StartJob(quickConfig())
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	done := waitForState(t, s, job.ID, 5*time.Second)
	if done.State != StateCompleted {
		t.Fatalf("Expected completed, got %s", done.State)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/trace", nil)
	w := httptest.NewRecorder()
	s.handleJobsWithID(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var entries []store.TraceEntry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatalf("Failed to decode trace: %v", err)
	}
	if len(entries) == 0 {
		t.Error("Trace should have entries")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/trace?summary=true", nil)
	w = httptest.NewRecorder()
	s.handleJobsWithID(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for summary, got %d", w.Code)
	}
	var summary store.TraceSummary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("Failed to decode summary: %v", err)
	}
	if summary.Entries != len(entries) || summary.LastBest == nil {
		t.Errorf("Unexpected summary %+v", summary)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/trace?since=x", nil)
	w = httptest.NewRecorder()
	s.handleJobsWithID(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad since, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID+"/resume", nil)
	w = httptest.NewRecorder()
	s.handleJobsWithID(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	resumed := waitForState(t, s, job.ID, 5*time.Second)
	if resumed.Iterations <= done.Iterations {
		t.Errorf("Resumed job should continue counting, had %d now %d", done.Iterations, resumed.Iterations)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/nonexistent/resume", nil)
	w = httptest.NewRecorder()
	s.handleJobsWithID(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 without checkpoint, got %d", w.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newTestServer(t, nil, WithMetrics(m, reg, "/metrics"))

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	job, err := s.StartJob(quickConfig())
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	waitForState(t, s, job.ID, 5*time.Second)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !containsString(string(body), "paramtuner_") {
		t.Error("Expected paramtuner metrics in scrape output")
	}
}

func TestServer_Integration(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, _ := json.Marshal(map[string]any{"objective": "rastrigin", "strategy": "genetic", "maxIterations": 4})
	resp, err = http.Post(ts.URL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Create job failed: %v", err)
	}
	var job Job
	json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}

	// Poll until complete
	var status map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get(ts.URL + "/api/v1/jobs/" + job.ID + "/status")
		if err != nil {
			t.Fatalf("Status request failed: %v", err)
		}
		json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if status["state"] == string(StateCompleted) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if status["state"] != string(StateCompleted) {
		t.Fatalf("Job did not complete, last state %v", status["state"])
	}
	if status["bestScore"] == nil {
		t.Error("Completed job should report a best score")
	}

	// Preflight is answered by the CORS middleware
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/jobs", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Preflight failed: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}

	resp, _ = http.Get(ts.URL + "/api/v1/jobs/" + job.ID + "/unknown")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown subpath, got %d", resp.StatusCode)
	}
}

func TestServer_JobStream_SSE(t *testing.T) {
	// Skip in short mode
	if testing.Short() {
		t.Skip("Skipping SSE test in short mode")
	}

	s := newTestServer(t, nil)

	config := quickConfig()
	config.MaxIterations = 50
	job := s.jobManager.CreateJob(config)

	// Start worker in background
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go RunJob(ctx, s.jobManager, nil, nil, job.ID)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/stream", job.ID), nil)
	w := httptest.NewRecorder()

	// Run handler in goroutine
	done := make(chan bool)
	go func() {
		s.handleJobStream(w, req, job.ID)
		done <- true
	}()

	// The stream ends after the terminal event
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not end after job completion")
	}

	// Check headers
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Error("Expected text/event-stream content type")
	}

	// Check we got some SSE data
	body := w.Body.String()
	if !containsString(body, "data: {") {
		t.Error("Expected SSE data in response")
	}
	if !containsString(body, "event: done") {
		t.Error("Expected the stream to end with a done event")
	}
}

func TestServer_JobStream_Terminal(t *testing.T) {
	s := newTestServer(t, nil)

	job := s.jobManager.CreateJob(quickConfig())
	s.jobManager.UpdateJob(job.ID, func(j *Job) { j.State = StateFailed })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/stream", nil)
	w := httptest.NewRecorder()
	s.handleJobStream(w, req, job.ID)

	if strings.Count(w.Body.String(), "data:") != 1 {
		t.Errorf("Expected a single event for a finished job, got %q", w.Body.String())
	}
}

func TestServer_JobStream_NotFound(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/stream", nil)
	w := httptest.NewRecorder()

	s.handleJobStream(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	ch, unsubscribe := eb.Subscribe("job1")
	if eb.Subscribers("job1") != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", eb.Subscribers("job1"))
	}

	score := -0.5
	eb.Broadcast(ProgressEvent{JobID: "job1", State: StateRunning, Iterations: 10, BestScore: &score})
	eb.Broadcast(ProgressEvent{JobID: "job2", State: StateRunning, Iterations: 99})

	select {
	case received := <-ch:
		if received.JobID != "job1" || received.Iterations != 10 {
			t.Errorf("Unexpected event %+v", received)
		}
		if received.Seq != 1 {
			t.Errorf("Expected seq 1, got %d", received.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after unsubscribe")
	}
	if eb.Subscribers("job1") != 0 {
		t.Errorf("Expected no subscribers, got %d", eb.Subscribers("job1"))
	}

	// A late subscriber gets the last event replayed.
	late, stop := eb.Subscribe("job2")
	defer stop()
	if ev := <-late; ev.Iterations != 99 {
		t.Errorf("Expected replayed event, got %+v", ev)
	}
}

func TestEventBroadcaster_SlowSubscriberKeepsLatest(t *testing.T) {
	eb := NewEventBroadcaster()
	ch, unsubscribe := eb.Subscribe("job1")
	defer unsubscribe()

	for i := 1; i <= streamBuffer*3; i++ {
		eb.Broadcast(ProgressEvent{JobID: "job1", State: StateRunning, Iterations: i})
	}
	eb.Broadcast(ProgressEvent{JobID: "job1", State: StateCompleted})

	var last ProgressEvent
	for n := 0; n < streamBuffer; n++ {
		last = <-ch
	}
	if last.State != StateCompleted {
		t.Errorf("Expected the terminal event to survive, got %+v", last)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSSEEvent(&buf, ProgressEvent{Seq: 7, JobID: "j", State: StateCompleted}); err != nil {
		t.Fatalf("writeSSEEvent failed: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "id: 7\nevent: done\ndata: {") || !strings.HasSuffix(out, "}\n\n") {
		t.Errorf("Unexpected frame %q", out)
	}

	buf.Reset()
	writeSSEEvent(&buf, ProgressEvent{JobID: "j", State: StateRunning})
	if !strings.HasPrefix(buf.String(), "event: progress\n") {
		t.Errorf("Unexpected frame %q", buf.String())
	}
}

func containsString(haystack, needle string) bool {
	return bytes.Contains([]byte(haystack), []byte(needle))
}
