package rl

import (
	"math/rand"
	"time"
)

// DefaultExperienceCapacity bounds the replay buffer.
const DefaultExperienceCapacity = 1000

const maxEpisodeSummaries = 100

// EpisodeSummary describes a finished episode.
type EpisodeSummary struct {
	Index       int       `json:"index"`
	Steps       int       `json:"steps"`
	TotalReward float64   `json:"totalReward"`
	MeanReward  float64   `json:"meanReward"`
	EndedAt     time.Time `json:"endedAt"`
}

// ExperienceStore is a ring buffer of transitions plus the buffer of the
// episode in progress.
type ExperienceStore struct {
	buf      []Experience
	start    int
	size     int
	added    int
	episode  []Experience
	episodes []EpisodeSummary
	finished int
}

// NewExperienceStore creates a store holding at most capacity transitions.
func NewExperienceStore(capacity int) *ExperienceStore {
	if capacity <= 0 {
		capacity = DefaultExperienceCapacity
	}
	return &ExperienceStore{buf: make([]Experience, capacity)}
}

// Add appends a transition to the replay buffer and the current episode,
// overwriting the oldest transition when full.
func (s *ExperienceStore) Add(exp Experience) {
	if exp.Timestamp.IsZero() {
		exp.Timestamp = time.Now()
	}
	idx := (s.start + s.size) % len(s.buf)
	s.buf[idx] = exp
	if s.size < len(s.buf) {
		s.size++
	} else {
		s.start = (s.start + 1) % len(s.buf)
	}
	s.added++
	s.episode = append(s.episode, exp)
}

// EndEpisode summarizes and clears the current episode buffer.
func (s *ExperienceStore) EndEpisode() EpisodeSummary {
	summary := EpisodeSummary{Index: s.finished, Steps: len(s.episode), EndedAt: time.Now()}
	for _, e := range s.episode {
		summary.TotalReward += e.Reward
	}
	if summary.Steps > 0 {
		summary.MeanReward = summary.TotalReward / float64(summary.Steps)
	}
	s.episodes = append(s.episodes, summary)
	if over := len(s.episodes) - maxEpisodeSummaries; over > 0 {
		s.episodes = append(s.episodes[:0:0], s.episodes[over:]...)
	}
	s.finished++
	s.episode = nil
	return summary
}

// Len returns the number of retained transitions.
func (s *ExperienceStore) Len() int { return s.size }

// Capacity returns the ring size.
func (s *ExperienceStore) Capacity() int { return len(s.buf) }

// Added returns the number of transitions ever added.
func (s *ExperienceStore) Added() int { return s.added }

// CurrentEpisode returns the transitions of the episode in progress.
func (s *ExperienceStore) CurrentEpisode() []Experience {
	return append([]Experience(nil), s.episode...)
}

// Episodes returns the most recent episode summaries, oldest first.
func (s *ExperienceStore) Episodes() []EpisodeSummary {
	return append([]EpisodeSummary(nil), s.episodes...)
}

// Recent returns up to n of the newest transitions, oldest first.
func (s *ExperienceStore) Recent(n int) []Experience {
	if n > s.size {
		n = s.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]Experience, n)
	for i := 0; i < n; i++ {
		out[i] = s.buf[(s.start+s.size-n+i)%len(s.buf)]
	}
	return out
}

// Sample draws up to n distinct transitions uniformly.
func (s *ExperienceStore) Sample(n int, rng *rand.Rand) []Experience {
	if n > s.size {
		n = s.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]Experience, n)
	for i, j := range rng.Perm(s.size)[:n] {
		out[i] = s.buf[(s.start+j)%len(s.buf)]
	}
	return out
}

// Reset drops every transition and episode summary.
func (s *ExperienceStore) Reset() {
	s.buf = make([]Experience, len(s.buf))
	s.start, s.size, s.added, s.finished = 0, 0, 0, 0
	s.episode = nil
	s.episodes = nil
}

// Stats summarizes the store for export.
func (s *ExperienceStore) Stats() map[string]any {
	var total float64
	for _, e := range s.Recent(s.size) {
		total += e.Reward
	}
	mean := 0.0
	if s.size > 0 {
		mean = total / float64(s.size)
	}
	return map[string]any{
		"size":          s.size,
		"capacity":      len(s.buf),
		"added":         s.added,
		"episodes":      s.finished,
		"episode_steps": len(s.episode),
		"mean_reward":   mean,
	}
}
