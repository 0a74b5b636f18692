package store

// Store persists the per-job artifacts of optimization runs: the latest
// checkpoint and the final result. Implementations are safe for
// concurrent use. Lookups of unknown jobs fail with an error matching
// ErrNotFound.
type Store interface {
	// SaveCheckpoint replaces the job's checkpoint. Readers never observe
	// a partially written checkpoint, and invalid checkpoints are rejected.
	SaveCheckpoint(jobID string, checkpoint *Checkpoint) error

	LoadCheckpoint(jobID string) (*Checkpoint, error)

	// ListCheckpoints describes every readable checkpoint, newest first.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint drops the job together with its result and trace.
	DeleteCheckpoint(jobID string) error

	// SaveResult stores v, which must marshal to JSON, as the job's result.
	SaveResult(jobID string, v any) error

	LoadResult(jobID string, v any) error
}

// ErrNotFound matches every NotFoundError under errors.Is.
var ErrNotFound = &NotFoundError{}

// NotFoundError reports a job artifact that does not exist.
type NotFoundError struct {
	JobID string

	// What names the missing artifact; empty means the checkpoint.
	What string
}

func (e *NotFoundError) Error() string {
	what := e.What
	if what == "" {
		what = "checkpoint"
	}
	if e.JobID == "" {
		return what + " not found"
	}
	return what + " not found: " + e.JobID
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
