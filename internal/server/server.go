package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwbudde/paramtuner/internal/engine"
	"github.com/cwbudde/paramtuner/internal/feedback"
	"github.com/cwbudde/paramtuner/internal/metrics"
	"github.com/cwbudde/paramtuner/internal/situation"
	"github.com/cwbudde/paramtuner/internal/store"
	"github.com/cwbudde/paramtuner/internal/tracker"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Server represents the HTTP server
type Server struct {
	jobManager      *JobManager
	engine          *engine.Engine
	checkpointStore *store.FSStore
	metrics         *metrics.Metrics
	gatherer        prometheus.Gatherer
	metricsPath     string
	addr            string
	server          *http.Server

	// jobs run under baseCtx so Shutdown can stop them
	baseCtx    context.Context
	cancelJobs context.CancelFunc
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics exposes g on path and records job gauges in m.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer, path string) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
		if path != "" {
			s.metricsPath = path
		}
	}
}

// NewServer creates a new HTTP server. checkpointStore may be nil, in which
// case jobs are neither checkpointed nor traced.
func NewServer(addr string, eng *engine.Engine, checkpointStore *store.FSStore, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		jobManager:      NewJobManager(),
		engine:          eng,
		checkpointStore: checkpointStore,
		metricsPath:     "/metrics",
		addr:            addr,
		baseCtx:         ctx,
		cancelJobs:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Register API routes
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/records", s.handleRecords)
	mux.HandleFunc("/api/v1/recommend", s.handleRecommend)
	mux.HandleFunc("/api/v1/suggest", s.handleSuggest)
	mux.HandleFunc("/api/v1/trends", s.handleTrends)
	mux.HandleFunc("/api/v1/export", s.handleExport)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		mux.Handle(s.metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Wrap with middleware
	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels running jobs and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", s.jobManager.Active())
	s.cancelJobs()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Jobs exposes the job manager.
func (s *Server) Jobs() *JobManager { return s.jobManager }

// StartJob registers a job and runs it in the background.
func (s *Server) StartJob(config JobConfig) (*Job, error) {
	config, err := NormalizeJobConfig(config, s.engine.Space().Specs())
	if err != nil {
		return nil, err
	}
	job := s.jobManager.CreateJob(config)
	s.launch(job.ID)
	return job, nil
}

// ResumeJob continues the checkpointed job jobID in the background.
func (s *Server) ResumeJob(jobID string) (*Job, error) {
	if s.checkpointStore == nil {
		return nil, errors.New("checkpointing is disabled")
	}
	if existing, ok := s.jobManager.GetJob(jobID); ok && !existing.State.Terminal() {
		return nil, fmt.Errorf("job %s is still %s", jobID, existing.State)
	}
	cp, err := s.checkpointStore.LoadCheckpoint(jobID)
	if err != nil {
		return nil, err
	}
	config, err := NormalizeJobConfig(cp.Config, nil)
	if err != nil {
		return nil, err
	}
	job := s.jobManager.CreateResumedJob(cp, config)
	s.launch(job.ID)
	return job, nil
}

func (s *Server) launch(jobID string) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.jobManager.UpdateJob(jobID, func(j *Job) { j.cancel = cancel })
	go func() {
		defer cancel()
		if err := RunJob(ctx, s.jobManager, s.checkpointStore, s.metrics, jobID); err != nil {
			slog.Debug("Job ended with error", "job_id", jobID, "error", err)
		}
	}()
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	// Parse job ID from path
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]

	// Route based on subpath
	switch {
	case len(parts) == 1:
		s.handleGetJob(w, r, jobID)
	case parts[1] == "status":
		s.handleGetJobStatus(w, r, jobID)
	case parts[1] == "stream":
		s.handleJobStream(w, r, jobID)
	case parts[1] == "trace":
		s.handleGetTrace(w, r, jobID)
	case parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancelJob(w, r, jobID)
	case parts[1] == "resume" && r.Method == http.MethodPost:
		s.handleResumeJob(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var config JobConfig
	if !decodeBody(w, r, &config) {
		return
	}

	job, err := s.StartJob(config)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid job: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// handleGetJob handles GET /api/v1/jobs/:id
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	// Compute elapsed time and throughput
	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	evalsPerSecond := float64(0)
	if elapsed.Seconds() > 0 {
		evalsPerSecond = float64(job.Evaluations) / elapsed.Seconds()
	}

	// Create response
	response := map[string]interface{}{
		"id":             job.ID,
		"state":          job.State,
		"config":         job.Config,
		"bestScore":      job.BestScore,
		"bestParams":     job.BestParams,
		"strategy":       job.Strategy,
		"iterations":     job.Iterations,
		"evaluations":    job.Evaluations,
		"stopReason":     job.StopReason,
		"elapsed":        elapsed.Seconds(),
		"evalsPerSecond": evalsPerSecond,
		"startTime":      job.StartTime,
		"endTime":        job.EndTime,
		"error":          job.Error,
		"resumed":        job.ResumedFrom != nil,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleGetTrace handles GET /api/v1/jobs/:id/trace[?since=N][&summary=true]
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request, jobID string) {
	if s.checkpointStore == nil {
		http.Error(w, "Tracing is disabled", http.StatusNotFound)
		return
	}
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}
	entries, err := store.ReadTrace(s.checkpointStore.BaseDir(), jobID, since)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Trace not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read trace: %v", err), http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("summary") == "true" {
		writeJSON(w, http.StatusOK, store.SummarizeTrace(entries))
		return
	}
	if entries == nil {
		entries = []store.TraceEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleCancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	switch err := s.jobManager.CancelJob(jobID); {
	case errors.Is(err, ErrJobNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, ErrJobFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleResumeJob handles POST /api/v1/jobs/:id/resume
func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.ResumeJob(jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Checkpoint not found", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		writeJSON(w, http.StatusCreated, job)
	}
}

// recordRequest is the body of POST /api/v1/records. Improvement is derived
// from before/after when omitted.
type recordRequest struct {
	Strategy    string           `json:"strategy"`
	Situation   situation.Score  `json:"situation"`
	Before      feedback.Metrics `json:"before,omitempty"`
	After       feedback.Metrics `json:"after,omitempty"`
	Improvement *float64         `json:"improvement,omitempty"`
	DurationMS  int64            `json:"durationMs"`
}

// situationRequest is the body of the recommend and suggest endpoints.
type situationRequest struct {
	Situation situation.Score `json:"situation"`
}

// handleRecords handles /api/v1/records
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Tracker().Records())
		return
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := recordRequest{Situation: situation.Neutral()}
	if !decodeBody(w, r, &req) {
		return
	}
	improvement := feedback.DeriveImprovement(req.Before, req.After)
	if req.Improvement != nil {
		improvement = *req.Improvement
	}

	rec, err := s.engine.RecordStrategyApplication(r.Context(), engine.Application{
		Strategy:    req.Strategy,
		Situation:   req.Situation,
		Before:      req.Before,
		After:       req.After,
		Improvement: improvement,
		Duration:    time.Duration(req.DurationMS) * time.Millisecond,
	})
	switch {
	case errors.Is(err, tracker.ErrInvalidRecord):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil && rec.ID() == "":
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	case err != nil:
		// Recorded in memory but not persisted
		slog.Warn("Record accepted without persistence", "id", rec.ID(), "error", err)
	}

	writeJSON(w, http.StatusCreated, rec)
}

// handleRecommend handles POST /api/v1/recommend
func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req := situationRequest{Situation: situation.Neutral()}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.RecommendOptimalStrategy(req.Situation))
}

// handleSuggest handles POST /api/v1/suggest
func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req := situationRequest{Situation: situation.Neutral()}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"parameters": s.engine.SuggestParameters(req.Situation),
	})
}

// handleTrends handles GET /api/v1/trends?days=N
func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "days must be an integer", http.StatusBadRequest)
			return
		}
		days = n
	}
	writeJSON(w, http.StatusOK, s.engine.AnalyzeStrategyTrends(days))
}

// handleExport handles GET /api/v1/export?format=summary|detailed|raw
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out, err := s.engine.Export(r.URL.Query().Get("format"))
	if errors.Is(err, tracker.ErrUnknownFormat) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
