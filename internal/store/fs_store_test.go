package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/paramtuner/internal/space"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}

	return store, tempDir
}

func testJobConfig() JobConfig {
	return JobConfig{
		Objective: "quadratic",
		Strategy:  "random",
		Space: []space.Spec{
			{Name: "replacement_ratio", Kind: space.Continuous, Min: 0.1, Max: 0.8, Default: 0.3},
			{Name: "max_rules", Kind: space.Discrete, Min: 1, Max: 20, Default: 10},
			{Name: "mode", Kind: space.Categorical, Choices: []string{"strict", "lenient"}},
		},
		MaxIterations: 100,
		Seed:          42,
	}
}

// createTestCheckpoint creates a checkpoint with test data.
func createTestCheckpoint(jobID string) *Checkpoint {
	return &Checkpoint{
		JobID:       jobID,
		BestParams:  space.Set{"replacement_ratio": 0.55, "max_rules": 7, "mode": "lenient"},
		BestScore:   -0.0234,
		Strategy:    "local_perturbation",
		Evaluations: 64,
		Iteration:   60,
		Timestamp:   time.Now(),
		Config:      testJobConfig(),
	}
}

func TestNewFSStore(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.BaseDir() != tempDir {
		t.Errorf("BaseDir = %s, want %s", store.BaseDir(), tempDir)
	}

	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestSaveCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)

	jobID := "test-job-123"
	if err := store.SaveCheckpoint(jobID, createTestCheckpoint(jobID)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	expectedPath := filepath.Join(tempDir, "jobs", jobID, "checkpoint.json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Checkpoint file was not created at %s", expectedPath)
	}

	files, err := os.ReadDir(filepath.Dir(expectedPath))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("Expected only checkpoint.json in job directory, found %d entries", len(files))
	}
}

func TestNotFoundError_Message(t *testing.T) {
	cases := map[string]*NotFoundError{
		"checkpoint not found":       {},
		"checkpoint not found: job1": {JobID: "job1"},
		"trace not found: job1":      {JobID: "job1", What: "trace"},
	}
	for want, err := range cases {
		if err.Error() != want {
			t.Errorf("Error() = %q, want %q", err.Error(), want)
		}
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%q does not match ErrNotFound", want)
		}
	}
}

func TestSaveCheckpoint_RejectsBadInput(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveCheckpoint("", createTestCheckpoint("any-id")); err == nil {
		t.Error("Expected error for empty jobID")
	}
	if err := store.SaveCheckpoint("test-job", nil); err == nil {
		t.Error("Expected error for nil checkpoint")
	}

	invalid := createTestCheckpoint("test-job")
	invalid.BestParams = nil
	err := store.SaveCheckpoint("test-job", invalid)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("Expected ValidationError, got %T: %v", err, err)
	}
}

func TestSaveCheckpoint_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	jobID := "test-job-overwrite"
	first := createTestCheckpoint(jobID)
	first.BestScore = -0.5
	second := createTestCheckpoint(jobID)
	second.BestScore = -0.1

	if err := store.SaveCheckpoint(jobID, first); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if err := store.SaveCheckpoint(jobID, second); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint(jobID)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded.BestScore != -0.1 {
		t.Errorf("Expected BestScore -0.1 after overwrite, got %f", loaded.BestScore)
	}
}

func TestLoadCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)

	jobID := "test-job-load"
	original := createTestCheckpoint(jobID)
	if err := store.SaveCheckpoint(jobID, original); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint(jobID)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	if loaded.JobID != original.JobID {
		t.Errorf("JobID mismatch: expected %s, got %s", original.JobID, loaded.JobID)
	}
	if loaded.BestScore != original.BestScore {
		t.Errorf("BestScore mismatch: expected %f, got %f", original.BestScore, loaded.BestScore)
	}
	if loaded.Strategy != original.Strategy || loaded.Evaluations != original.Evaluations {
		t.Errorf("Counters mismatch: got %s/%d", loaded.Strategy, loaded.Evaluations)
	}
	if len(loaded.Config.Space) != 3 {
		t.Fatalf("Expected 3 space specs, got %d", len(loaded.Config.Space))
	}

	// JSON turns every number into float64; clipping through the space restores the kinds.
	sp, err := space.New(loaded.Config.Space...)
	if err != nil {
		t.Fatalf("Loaded space is invalid: %v", err)
	}
	params := sp.Clip(loaded.BestParams)
	if params["max_rules"] != 7 {
		t.Errorf("max_rules = %#v, want int 7", params["max_rules"])
	}
	if params["mode"] != "lenient" {
		t.Errorf("mode = %#v, want lenient", params["mode"])
	}
}

func TestLoadCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadCheckpoint("nonexistent-job")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %T: %v", err, err)
	}

	if _, err := store.LoadCheckpoint(""); err == nil {
		t.Error("Expected error for empty jobID")
	}
}

func TestListCheckpoints_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected empty list, got %d checkpoints", len(infos))
	}
}

func TestListCheckpoints_NewestFirstWithSizes(t *testing.T) {
	store, _ := setupTestStore(t)

	base := time.Now()
	jobs := []string{"job-1", "job-2", "job-3"}
	for i, jobID := range jobs {
		checkpoint := createTestCheckpoint(jobID)
		checkpoint.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := store.SaveCheckpoint(jobID, checkpoint); err != nil {
			t.Fatalf("Failed to save checkpoint %s: %v", jobID, err)
		}
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != len(jobs) {
		t.Fatalf("Expected %d checkpoints, got %d", len(jobs), len(infos))
	}

	want := []string{"job-3", "job-2", "job-1"}
	for i, info := range infos {
		if info.JobID != want[i] {
			t.Errorf("infos[%d] = %s, want %s", i, info.JobID, want[i])
		}
		if info.SizeBytes <= 0 {
			t.Errorf("infos[%d] has no size", i)
		}
	}
}

func TestListCheckpoints_SkipsInvalidDirectories(t *testing.T) {
	store, tempDir := setupTestStore(t)

	validJobID := "valid-job"
	if err := store.SaveCheckpoint(validJobID, createTestCheckpoint(validJobID)); err != nil {
		t.Fatalf("Failed to save valid checkpoint: %v", err)
	}

	// Directory without checkpoint.json
	if err := os.MkdirAll(filepath.Join(tempDir, "jobs", "invalid-job"), 0755); err != nil {
		t.Fatalf("Failed to create invalid job directory: %v", err)
	}

	// Corrupted checkpoint
	corruptDir := filepath.Join(tempDir, "jobs", "corrupt-job")
	if err := os.MkdirAll(corruptDir, 0755); err != nil {
		t.Fatalf("Failed to create corrupt job directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(corruptDir, "checkpoint.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write corrupt checkpoint: %v", err)
	}

	// Non-directory file in jobs directory
	if err := os.WriteFile(filepath.Join(tempDir, "jobs", "dummy.txt"), []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create dummy file: %v", err)
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("Expected 1 checkpoint, got %d", len(infos))
	}
	if infos[0].JobID != validJobID {
		t.Errorf("Expected jobID %s, got %s", validJobID, infos[0].JobID)
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)

	jobID := "test-job-delete"
	if err := store.SaveCheckpoint(jobID, createTestCheckpoint(jobID)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := store.SaveResult(jobID, map[string]any{"objectiveValue": -0.01}); err != nil {
		t.Fatalf("SaveResult failed: %v", err)
	}

	if err := store.DeleteCheckpoint(jobID); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}

	if _, err := store.LoadCheckpoint(jobID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "jobs", jobID)); !os.IsNotExist(err) {
		t.Error("Job directory should be removed")
	}
}

func TestDeleteCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.DeleteCheckpoint("nonexistent-job")
	var notFoundErr *NotFoundError
	if !errors.As(err, &notFoundErr) {
		t.Fatalf("Expected NotFoundError, got %T: %v", err, err)
	}
	if notFoundErr.JobID != "nonexistent-job" {
		t.Errorf("NotFoundError.JobID = %s", notFoundErr.JobID)
	}

	if err := store.DeleteCheckpoint(""); err == nil {
		t.Error("Expected error for empty jobID")
	}
}

func TestSaveAndLoadResult(t *testing.T) {
	store, _ := setupTestStore(t)

	type result struct {
		ObjectiveValue  float64 `json:"objectiveValue"`
		EvaluationCount int     `json:"evaluationCount"`
	}
	if err := store.SaveResult("job-r", result{ObjectiveValue: -0.02, EvaluationCount: 40}); err != nil {
		t.Fatalf("SaveResult failed: %v", err)
	}

	var loaded result
	if err := store.LoadResult("job-r", &loaded); err != nil {
		t.Fatalf("LoadResult failed: %v", err)
	}
	if loaded.EvaluationCount != 40 || loaded.ObjectiveValue != -0.02 {
		t.Errorf("Unexpected result: %+v", loaded)
	}

	if err := store.LoadResult("missing", &loaded); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	const numJobs = 10
	done := make(chan bool, numJobs)

	for i := 0; i < numJobs; i++ {
		go func(idx int) {
			jobID := fmt.Sprintf("concurrent-job-%d", idx)
			if err := store.SaveCheckpoint(jobID, createTestCheckpoint(jobID)); err != nil {
				t.Errorf("Concurrent save failed for job %s: %v", jobID, err)
			}
			done <- true
		}(i)
	}

	for i := 0; i < numJobs; i++ {
		<-done
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != numJobs {
		t.Errorf("Expected %d checkpoints, got %d", numJobs, len(infos))
	}
}
