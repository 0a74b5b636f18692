package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cwbudde/paramtuner/internal/space"
)

func score(v float64) *float64 { return &v }

func writeTrace(t *testing.T, baseDir, jobID string, appendMode bool, entries ...TraceEntry) {
	t.Helper()
	tw, err := NewTraceWriter(baseDir, jobID, appendMode)
	if err != nil {
		t.Fatalf("NewTraceWriter: %v", err)
	}
	for _, e := range entries {
		if err := tw.Write(e); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestTrace_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeTrace(t, dir, "job-a", false,
		TraceEntry{Iteration: 0, Evaluations: 1, Strategy: "random", Timestamp: now},
		TraceEntry{Iteration: 1, Evaluations: 2, Best: score(-0.8), Strategy: "random", Timestamp: now},
		TraceEntry{Iteration: 2, Evaluations: 3, Best: score(-0.6), Strategy: "random", Timestamp: now, Params: space.Set{"ratio": 0.4}},
		TraceEntry{Iteration: 3, Evaluations: 4, Best: score(-0.4), Strategy: "genetic", Timestamp: now},
	)

	got, err := ReadTrace(dir, "job-a", 0)
	if err != nil {
		t.Fatalf("ReadTrace: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d entries, want 4", len(got))
	}
	if got[0].Best != nil {
		t.Errorf("entry 0 best = %v, want nil", *got[0].Best)
	}
	if got[3].Best == nil || *got[3].Best != -0.4 || got[3].Strategy != "genetic" {
		t.Errorf("entry 3 = %+v", got[3])
	}
	if got[2].Params.Float("ratio") != 0.4 {
		t.Errorf("entry 2 params = %v", got[2].Params)
	}
	if got[3].Params != nil {
		t.Errorf("entry 3 params = %v, want none", got[3].Params)
	}

	tail, err := ReadTrace(dir, "job-a", 2)
	if err != nil {
		t.Fatalf("ReadTrace since: %v", err)
	}
	if len(tail) != 2 || tail[0].Iteration != 2 {
		t.Errorf("since=2 returned %+v", tail)
	}
}

func TestTrace_AppendAndTruncate(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "job-b", false,
		TraceEntry{Iteration: 0, Best: score(-1)},
		TraceEntry{Iteration: 1, Best: score(-0.9)},
	)
	writeTrace(t, dir, "job-b", true, TraceEntry{Iteration: 2, Best: score(-0.8)})

	entries, err := ReadTrace(dir, "job-b", 0)
	if err != nil {
		t.Fatalf("ReadTrace: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries after append, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Iteration != i {
			t.Errorf("entry %d has iteration %d", i, e.Iteration)
		}
	}

	writeTrace(t, dir, "job-b", false)
	entries, err = ReadTrace(dir, "job-b", 0)
	if err != nil {
		t.Fatalf("ReadTrace: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries after truncation, want 0", len(entries))
	}
}

func TestTraceWriter_FlushThreshold(t *testing.T) {
	dir := t.TempDir()
	tw, err := NewTraceWriter(dir, "job-c", false)
	if err != nil {
		t.Fatalf("NewTraceWriter: %v", err)
	}
	defer tw.Close()

	if want := TracePath(dir, "job-c"); tw.Path() != want {
		t.Errorf("Path = %s, want %s", tw.Path(), want)
	}

	size := func() int64 {
		info, err := os.Stat(tw.Path())
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		return info.Size()
	}

	for i := 0; i < flushEvery-1; i++ {
		tw.Write(TraceEntry{Iteration: i})
	}
	if n := size(); n != 0 {
		t.Fatalf("buffered entries reached disk early: %d bytes", n)
	}

	tw.Write(TraceEntry{Iteration: flushEvery - 1})
	if size() == 0 {
		t.Fatal("entries not written after reaching the flush threshold")
	}

	before := size()
	tw.Write(TraceEntry{Iteration: flushEvery})
	if err := tw.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if size() <= before {
		t.Error("Flush did not write the pending entry")
	}
}

func TestReadTrace_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := ReadTrace(dir, "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing trace: got %v, want ErrNotFound", err)
	}

	path := TracePath(dir, "corrupt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{\"iteration\":0}\nnot-json\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadTrace(dir, "corrupt", 0); err == nil {
		t.Error("expected an error for a corrupt line")
	}
}

func TestTraceWriter_ConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	tw, err := NewTraceWriter(dir, "job-d", false)
	if err != nil {
		t.Fatalf("NewTraceWriter: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(iter int) {
			defer wg.Done()
			if err := tw.Write(TraceEntry{Iteration: iter, Best: score(float64(iter))}); err != nil {
				t.Errorf("Write: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := ReadTrace(dir, "job-d", 0)
	if err != nil {
		t.Fatalf("ReadTrace: %v", err)
	}
	if len(entries) != 40 {
		t.Errorf("got %d entries, want 40", len(entries))
	}
}

func TestSummarizeTrace(t *testing.T) {
	entries := []TraceEntry{
		{Iteration: 0, Strategy: "random"},
		{Iteration: 1, Best: score(-0.9), Strategy: "random"},
		{Iteration: 2, Best: score(-0.5), Strategy: "random"},
		{Iteration: 3, Best: score(-0.5), Strategy: "genetic"},
		{Iteration: 4, Best: score(-0.2), Strategy: "genetic"},
		{Iteration: 5, Best: score(-0.2), Strategy: "random"},
	}

	sum := SummarizeTrace(entries)
	if sum.Entries != 6 {
		t.Errorf("Entries = %d, want 6", sum.Entries)
	}
	if sum.FirstBest == nil || *sum.FirstBest != -0.9 {
		t.Errorf("FirstBest = %v, want -0.9", sum.FirstBest)
	}
	if sum.LastBest == nil || *sum.LastBest != -0.2 {
		t.Errorf("LastBest = %v, want -0.2", sum.LastBest)
	}
	if diff := sum.Gain - 0.7; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Gain = %v, want 0.7", sum.Gain)
	}
	if sum.Improvements != 2 || sum.LastImprovement != 4 {
		t.Errorf("Improvements = %d at %d, want 2 at 4", sum.Improvements, sum.LastImprovement)
	}
	if len(sum.Strategies) != 2 || sum.Strategies[0] != "random" || sum.Strategies[1] != "genetic" {
		t.Errorf("Strategies = %v", sum.Strategies)
	}

	empty := SummarizeTrace(nil)
	if empty.FirstBest != nil || empty.LastImprovement != -1 || empty.Gain != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}
