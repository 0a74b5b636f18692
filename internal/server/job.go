package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/paramtuner/internal/space"
	"github.com/cwbudde/paramtuner/internal/store"
)

// JobState is the lifecycle position of a job.
// pending -> running -> completed | failed | cancelled
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the job can no longer change.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
)

// JobConfig is what a job is started with; checkpoints persist it as is.
type JobConfig = store.JobConfig

// Job is the server-side view of one optimization run. Values handed out
// by JobManager are snapshots and safe to read without locking.
type Job struct {
	ID          string     `json:"id"`
	State       JobState   `json:"state"`
	Config      JobConfig  `json:"config"`
	BestParams  space.Set  `json:"bestParams,omitempty"`
	BestScore   *float64   `json:"bestScore"`
	Strategy    string     `json:"strategy,omitempty"`
	Iterations  int        `json:"iterations"`
	Evaluations int        `json:"evaluations"`
	StopReason  string     `json:"stopReason,omitempty"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Error       string     `json:"error,omitempty"`

	// ResumedFrom is the checkpoint a resumed job continues.
	ResumedFrom *store.Checkpoint `json:"-"`

	cancel func()
	seq    uint64
}

// HasBest reports whether any evaluation succeeded yet.
func (j *Job) HasBest() bool {
	return j.BestScore != nil && len(j.BestParams) > 0
}

func (j *Job) snapshot() *Job {
	c := *j
	c.cancel = nil
	c.BestParams = j.BestParams.Clone()
	if j.BestScore != nil {
		v := *j.BestScore
		c.BestScore = &v
	}
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	return &c
}

// JobManager owns the in-memory job table and the progress broadcaster.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	seq         uint64
	broadcaster *EventBroadcaster
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob registers a pending job under a fresh ID.
func (jm *JobManager) CreateJob(config JobConfig) *Job {
	return jm.add(&Job{ID: uuid.NewString(), Config: config})
}

// CreateResumedJob registers a pending job that continues cp under its
// original ID, seeded with the checkpoint's best.
func (jm *JobManager) CreateResumedJob(cp *store.Checkpoint, config JobConfig) *Job {
	score := cp.BestScore
	return jm.add(&Job{
		ID:          cp.JobID,
		Config:      config,
		BestParams:  cp.BestParams.Clone(),
		BestScore:   &score,
		Strategy:    cp.Strategy,
		ResumedFrom: cp,
	})
}

// add replaces any previous job with the same ID.
func (jm *JobManager) add(job *Job) *Job {
	job.State = StatePending
	job.StartTime = time.Now()

	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.seq++
	job.seq = jm.seq
	jm.jobs[job.ID] = job
	return job
}

func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, false
	}
	return job.snapshot(), true
}

// ListJobs returns snapshots in creation order.
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	out := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, job.snapshot())
	}
	jm.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].seq < out[b].seq })
	return out
}

// Active counts jobs that are pending or running.
func (jm *JobManager) Active() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	n := 0
	for _, job := range jm.jobs {
		if !job.State.Terminal() {
			n++
		}
	}
	return n
}

// UpdateJob runs fn on the live job while holding the write lock.
func (jm *JobManager) UpdateJob(id string, fn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	fn(job)
	return nil
}

// CancelJob asks a pending or running job to stop. The worker moves it to
// StateCancelled once it observes the cancellation.
func (jm *JobManager) CancelJob(id string) error {
	jm.mu.RLock()
	job, ok := jm.jobs[id]
	var state JobState
	var cancel func()
	if ok {
		state, cancel = job.State, job.cancel
	}
	jm.mu.RUnlock()

	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	case state.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, state)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}
