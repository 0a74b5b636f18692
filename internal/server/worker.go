package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/paramtuner/internal/metrics"
	"github.com/cwbudde/paramtuner/internal/objective"
	"github.com/cwbudde/paramtuner/internal/optimizer"
	"github.com/cwbudde/paramtuner/internal/search"
	"github.com/cwbudde/paramtuner/internal/space"
	"github.com/cwbudde/paramtuner/internal/store"
)

// Defaults applied to submitted job configurations.
const (
	DefaultObjective     = "quadratic"
	DefaultMaxIterations = optimizer.DefaultMaxIterations
)

// NormalizeJobConfig fills unset fields: the space from fallback, the
// objective, strategy and iteration budget from the package defaults. It
// rejects unknown objectives and strategies and invalid spaces.
func NormalizeJobConfig(config JobConfig, fallback []space.Spec) (JobConfig, error) {
	if len(config.Space) == 0 {
		config.Space = append([]space.Spec(nil), fallback...)
	}
	if _, err := space.New(config.Space...); err != nil {
		return config, fmt.Errorf("invalid space: %w", err)
	}
	if config.Objective == "" {
		config.Objective = DefaultObjective
	}
	if config.Strategy == "" {
		config.Strategy = string(search.KindLocalPerturbation)
	}
	kind, err := search.ParseKind(config.Strategy)
	if err != nil {
		return config, err
	}
	config.Strategy = string(kind)
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if config.BatchSize <= 0 {
		config.BatchSize = optimizer.DefaultBatchSize
	}
	if config.MaxTimeSeconds < 0 {
		config.MaxTimeSeconds = 0
	}
	if config.CheckpointInterval < 0 {
		config.CheckpointInterval = 0
	}
	for _, name := range objective.Names() {
		if name == config.Objective {
			return config, nil
		}
	}
	return config, fmt.Errorf("%w: %q", objective.ErrUnknownObjective, config.Objective)
}

// buildController creates a controller running the job's objective.
func buildController(config JobConfig, m *metrics.Metrics) (*optimizer.Controller, error) {
	sp, err := space.New(config.Space...)
	if err != nil {
		return nil, fmt.Errorf("invalid space: %w", err)
	}
	kind, err := search.ParseKind(config.Strategy)
	if err != nil {
		return nil, err
	}
	obj, err := objective.Builtin(config.Objective, sp, config.Seed)
	if err != nil {
		return nil, err
	}

	cfg := optimizer.DefaultControllerConfig()
	cfg.Strategy = kind
	cfg.MaxIterations = config.MaxIterations
	cfg.BatchSize = config.BatchSize
	cfg.Seed = config.Seed
	cfg.DisableSwitching = config.DisableSwitching

	ctrl := optimizer.NewController(sp, cfg)
	ctrl.SetMetrics(m)
	ctrl.SetObjective(obj)
	return ctrl, nil
}

// RunJob executes an optimization job and blocks until it ends.
// If checkpointStore is not nil, the score trace and the final result are
// written under its base directory, and periodic checkpoints are saved when
// the job has checkpointInterval > 0. A job created from a checkpoint is
// warm-started from its best point and appends to the existing trace.
func RunJob(ctx context.Context, jm *JobManager, checkpointStore *store.FSStore, m *metrics.Metrics, jobID string) error {
	// Get the job
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	ctrl, err := buildController(job.Config, m)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	// Update state to running
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}
	m.JobStarted()
	defer m.JobFinished()

	iterOffset, evalOffset := 0, 0
	if cp := job.ResumedFrom; cp != nil {
		ctrl.WarmStart(cp.BestParams, cp.BestScore)
		iterOffset, evalOffset = cp.Iteration, cp.Evaluations
		slog.Info("Resuming job from checkpoint", "job_id", jobID, "iteration", cp.Iteration, "best_score", cp.BestScore)
	}

	slog.Info("Starting job",
		"job_id", jobID,
		"objective", job.Config.Objective,
		"strategy", job.Config.Strategy,
		"params", len(job.Config.Space),
	)

	var trace *store.TraceWriter
	if checkpointStore != nil {
		trace, err = store.NewTraceWriter(checkpointStore.BaseDir(), jobID, job.ResumedFrom != nil)
		if err != nil {
			slog.Warn("Failed to open trace, continuing without it", "job_id", jobID, "error", err)
			trace = nil
		} else {
			defer trace.Close()
		}
	}

	ctrl.OnProgress(func(p optimizer.Progress) {
		best, score, ok := ctrl.Best()
		jm.UpdateJob(jobID, func(j *Job) {
			j.Iterations = iterOffset + p.Iteration + 1
			j.Evaluations = evalOffset + p.Evaluations
			j.Strategy = string(p.Strategy)
			if ok {
				j.BestParams = best
				j.BestScore = &score
			}
		})
		if trace != nil {
			entry := store.TraceEntry{
				Iteration:   iterOffset + p.Iteration,
				Evaluations: evalOffset + p.Evaluations,
				Strategy:    string(p.Strategy),
				Timestamp:   time.Now(),
			}
			if ok {
				entry.Best = &score
				entry.Params = best
			}
			if err := trace.Write(entry); err != nil {
				slog.Warn("Failed to write trace entry", "job_id", jobID, "error", err)
			}
		}
	})

	// Check for cancellation before starting expensive operation
	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		jm.broadcaster.Broadcast(progressEvent(jm, jobID, 0, evalOffset))
		return ctx.Err()
	default:
	}

	start := time.Now()

	// Start progress monitoring goroutine
	progressDone := make(chan struct{})
	go monitorProgress(ctx, jm, jobID, start, evalOffset, progressDone)

	// Start checkpoint monitoring goroutine if enabled
	checkpointDone := make(chan struct{})
	if checkpointStore != nil && job.Config.CheckpointInterval > 0 {
		go monitorCheckpoints(ctx, jm, checkpointStore, jobID, checkpointDone)
	} else {
		close(checkpointDone) // No checkpointing, close immediately
	}

	maxTime := time.Duration(job.Config.MaxTimeSeconds * float64(time.Second))
	result, err := ctrl.Optimize(ctx, maxTime)

	close(progressDone)
	if checkpointStore != nil && job.Config.CheckpointInterval > 0 {
		close(checkpointDone)
	}
	elapsed := time.Since(start)

	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	// A cancelled run keeps its progress in a checkpoint so it can be resumed
	if result.StopReason == optimizer.StopCancelled || ctx.Err() != nil {
		markJobCancelled(jm, jobID)
		if checkpointStore != nil {
			if err := saveCheckpoint(jm, checkpointStore, jobID); err != nil {
				slog.Warn("Failed to checkpoint cancelled job", "job_id", jobID, "error", err)
			}
		}
		jm.broadcaster.Broadcast(progressEvent(jm, jobID, elapsed, evalOffset))
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}

	// Update job with results
	endTime := time.Now()
	best, score, ok := ctrl.Best()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.Iterations = iterOffset + result.Iterations
		j.Evaluations = evalOffset + result.EvaluationCount
		j.Strategy = string(result.Strategy)
		j.StopReason = string(result.StopReason)
		j.EndTime = &endTime
		if ok {
			j.BestParams = best
			j.BestScore = &score
		}
	})
	if err != nil {
		return err
	}

	if checkpointStore != nil {
		if err := saveCheckpoint(jm, checkpointStore, jobID); err != nil {
			slog.Error("Failed to save final checkpoint", "job_id", jobID, "error", err)
		}
		if err := checkpointStore.SaveResult(jobID, result); err != nil {
			slog.Error("Failed to save result", "job_id", jobID, "error", err)
		}
	}

	evalsPerSecond := 0.0
	if elapsed > 0 {
		evalsPerSecond = float64(result.EvaluationCount) / elapsed.Seconds()
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", elapsed,
		"best_score", result.ObjectiveValue,
		"evaluations", result.EvaluationCount,
		"stop_reason", result.StopReason,
		"evals_per_second", evalsPerSecond,
	)

	// Broadcast final completion event
	jm.broadcaster.Broadcast(progressEvent(jm, jobID, elapsed, evalOffset))

	return nil
}

// progressEvent snapshots a job as a progress event.
func progressEvent(jm *JobManager, jobID string, elapsed time.Duration, evalOffset int) ProgressEvent {
	event := ProgressEvent{JobID: jobID, Timestamp: time.Now()}
	job, exists := jm.GetJob(jobID)
	if !exists {
		return event
	}
	event.State = job.State
	event.Iterations = job.Iterations
	event.Evaluations = job.Evaluations
	event.BestScore = job.BestScore
	event.Strategy = job.Strategy
	if elapsed > 0 {
		event.EvalsPerSecond = float64(job.Evaluations-evalOffset) / elapsed.Seconds()
	}
	return event
}

// monitorProgress periodically broadcasts progress events during optimization
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, startTime time.Time, evalOffset int, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond) // Throttle to 2 updates per second
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, exists := jm.GetJob(jobID); !exists {
				return
			}
			jm.broadcaster.Broadcast(progressEvent(jm, jobID, time.Since(startTime), evalOffset))
		}
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	jm.broadcaster.Broadcast(ProgressEvent{JobID: jobID, State: StateFailed, Timestamp: endTime})
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.StopReason = string(optimizer.StopCancelled)
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
}

// monitorCheckpoints periodically saves checkpoints during optimization
func monitorCheckpoints(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string, done chan struct{}) {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return
	}

	interval := time.Duration(job.Config.CheckpointInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Save checkpoint
			if err := saveCheckpoint(jm, checkpointStore, jobID); err != nil {
				slog.Error("Failed to save checkpoint", "job_id", jobID, "error", err)
			}
		}
	}
}

// saveCheckpoint saves a checkpoint for the given job
func saveCheckpoint(jm *JobManager, checkpointStore store.Store, jobID string) error {
	// Get current job state
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	// Skip if no best params yet
	if !job.HasBest() {
		slog.Debug("Skipping checkpoint, no best params yet", "job_id", jobID)
		return nil
	}

	checkpoint := store.NewCheckpoint(
		jobID,
		job.BestParams,
		*job.BestScore,
		job.Strategy,
		job.Evaluations,
		job.Iterations,
		job.Config,
	)

	if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Info("Checkpoint saved",
		"job_id", jobID,
		"iteration", job.Iterations,
		"best_score", *job.BestScore,
	)
	return nil
}
