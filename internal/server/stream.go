package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	streamBuffer   = 8
	streamPing     = 30 * time.Second
	streamRetryMil = 2000
)

// ProgressEvent is a snapshot of a job pushed to stream subscribers.
type ProgressEvent struct {
	Seq            uint64    `json:"seq"`
	JobID          string    `json:"jobId"`
	State          JobState  `json:"state"`
	Iterations     int       `json:"iterations"`
	Evaluations    int       `json:"evaluations"`
	BestScore      *float64  `json:"bestScore"`
	Strategy       string    `json:"strategy,omitempty"`
	EvalsPerSecond float64   `json:"evalsPerSecond"`
	Timestamp      time.Time `json:"timestamp"`
}

type subscription struct {
	ch chan ProgressEvent
}

// offer never blocks. A full buffer loses its oldest event, so the
// latest snapshot (and with it the terminal state) always gets through.
func (s *subscription) offer(ev ProgressEvent) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// EventBroadcaster fans progress events out to the subscribers of each job.
type EventBroadcaster struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string]map[*subscription]struct{}
	last map[string]ProgressEvent
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subs: make(map[string]map[*subscription]struct{}),
		last: make(map[string]ProgressEvent),
	}
}

// Subscribe registers a listener for jobID and replays the job's most
// recent event. The returned func detaches the listener and closes the
// channel; it is safe to call more than once.
func (eb *EventBroadcaster) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	sub := &subscription{ch: make(chan ProgressEvent, streamBuffer)}

	eb.mu.Lock()
	if eb.subs[jobID] == nil {
		eb.subs[jobID] = make(map[*subscription]struct{})
	}
	eb.subs[jobID][sub] = struct{}{}
	if ev, ok := eb.last[jobID]; ok {
		sub.offer(ev)
	}
	eb.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			if set, ok := eb.subs[jobID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(eb.subs, jobID)
				}
			}
			close(sub.ch)
		})
	}
}

// Broadcast stamps event with the next sequence number and delivers it.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.seq++
	event.Seq = eb.seq
	eb.last[event.JobID] = event

	for sub := range eb.subs[event.JobID] {
		sub.offer(event)
	}
}

// Subscribers returns the number of listeners attached to jobID.
func (eb *EventBroadcaster) Subscribers(jobID string) int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.subs[jobID])
}

// handleJobStream handles GET /api/v1/jobs/:id/stream as server-sent
// events. The stream opens with the job's current state and ends after
// a terminal state is sent.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := s.jobManager.broadcaster.Subscribe(jobID)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	fmt.Fprintf(w, "retry: %d\n\n", streamRetryMil)

	current := ProgressEvent{
		JobID:       job.ID,
		State:       job.State,
		Iterations:  job.Iterations,
		Evaluations: job.Evaluations,
		BestScore:   job.BestScore,
		Strategy:    job.Strategy,
		Timestamp:   time.Now(),
	}
	if err := writeSSEEvent(w, current); err != nil {
		slog.Debug("Stream write failed", "jobID", jobID, "error", err)
		return
	}
	flusher.Flush()
	if job.State.Terminal() {
		return
	}

	ping := time.NewTicker(streamPing)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				slog.Debug("Stream write failed", "jobID", jobID, "error", err)
				return
			}
			flusher.Flush()
			if ev.State.Terminal() {
				return
			}
		case <-ping.C:
			io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent frames ev as a "progress" event, or "done" once the job
// reached a terminal state. Events with a sequence number carry it as id.
func writeSSEEvent(w io.Writer, ev ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	name := "progress"
	if ev.State.Terminal() {
		name = "done"
	}
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
