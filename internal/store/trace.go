package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwbudde/paramtuner/internal/space"
)

const traceFile = "trace.jsonl"

// flushEvery bounds how many entries a crash can lose.
const flushEvery = 16

// TraceEntry is one line of a job's score history in trace.jsonl.
type TraceEntry struct {
	Iteration   int `json:"iteration"`
	Evaluations int `json:"evaluations"`

	// Best is the best score so far; nil until a successful evaluation
	Best *float64 `json:"best"`

	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`

	// Params are the best parameters at this iteration (optional)
	Params space.Set `json:"params,omitempty"`
}

// TracePath returns <baseDir>/jobs/<jobID>/trace.jsonl.
func TracePath(baseDir, jobID string) string {
	return filepath.Join(baseDir, "jobs", jobID, traceFile)
}

// TraceWriter appends entries to a job's trace. It is safe for concurrent use.
type TraceWriter struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	enc     *json.Encoder
	pending int
	path    string
}

// NewTraceWriter opens the trace of jobID. A resumed job passes
// appendMode to continue its existing history; otherwise the file is
// truncated.
func NewTraceWriter(baseDir, jobID string, appendMode bool) (*TraceWriter, error) {
	path := TracePath(baseDir, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	buf := bufio.NewWriterSize(file, 64*1024)
	return &TraceWriter{
		file: file,
		buf:  buf,
		enc:  json.NewEncoder(buf),
		path: path,
	}, nil
}

// Write buffers one entry. Every flushEvery entries the buffer is written
// through to the file.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	tw.pending++
	if tw.pending >= flushEvery {
		return tw.flushLocked()
	}
	return nil
}

func (tw *TraceWriter) flushLocked() error {
	tw.pending = 0
	if err := tw.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	return nil
}

// Flush writes buffered entries and syncs the file to disk.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.flushLocked(); err != nil {
		return err
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	flushErr := tw.flushLocked()
	closeErr := tw.file.Close()
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close trace file: %w", closeErr)
	}
	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// ReadTrace returns the entries of a job's trace with Iteration >= since.
// A missing trace is a NotFoundError; a malformed line fails the read.
func ReadTrace(baseDir, jobID string, since int) ([]TraceEntry, error) {
	file, err := os.Open(TracePath(baseDir, jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{JobID: jobID, What: "trace"}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer file.Close()

	var entries []TraceEntry
	dec := json.NewDecoder(bufio.NewReader(file))
	for line := 1; ; line++ {
		var entry TraceEntry
		err := dec.Decode(&entry)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode trace entry %d: %w", line, err)
		}
		if entry.Iteration >= since {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// TraceSummary condenses a trace.
type TraceSummary struct {
	Entries   int      `json:"entries"`
	FirstBest *float64 `json:"firstBest,omitempty"`
	LastBest  *float64 `json:"lastBest,omitempty"`
	Gain      float64  `json:"gain"`

	// Improvements counts entries whose best rose strictly.
	Improvements int `json:"improvements"`

	// LastImprovement is the iteration of the last rise, -1 without one.
	LastImprovement int `json:"lastImprovement"`

	// Strategies lists the strategies in order of first appearance.
	Strategies []string `json:"strategies"`
}

// SummarizeTrace reports how the best score developed over entries.
func SummarizeTrace(entries []TraceEntry) TraceSummary {
	sum := TraceSummary{Entries: len(entries), LastImprovement: -1, Strategies: []string{}}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Strategy != "" && !seen[e.Strategy] {
			seen[e.Strategy] = true
			sum.Strategies = append(sum.Strategies, e.Strategy)
		}
		if e.Best == nil {
			continue
		}
		best := *e.Best
		switch {
		case sum.FirstBest == nil:
			first := best
			sum.FirstBest = &first
		case best > *sum.LastBest:
			sum.Improvements++
			sum.LastImprovement = e.Iteration
		}
		last := best
		sum.LastBest = &last
	}
	if sum.FirstBest != nil {
		sum.Gain = *sum.LastBest - *sum.FirstBest
	}
	return sum
}
