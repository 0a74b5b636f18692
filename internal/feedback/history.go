package feedback

import "time"

// DefaultCapacity is the number of records a History keeps.
const DefaultCapacity = 100

// History is a bounded, insertion-ordered record log. When full the oldest
// record is evicted. Each strategy additionally keeps its own bounded view
// of capacity/4 records. History is not safe for concurrent use.
type History struct {
	capacity    int
	perStrategy int
	records     []Record
	byStrategy  map[string][]Record
}

// NewHistory creates a history holding at most capacity records.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	per := capacity / 4
	if per < 1 {
		per = 1
	}
	return &History{
		capacity:    capacity,
		perStrategy: per,
		byStrategy:  make(map[string][]Record),
	}
}

// Capacity returns the global bound.
func (h *History) Capacity() int { return h.capacity }

// Append adds a record, evicting the oldest ones when over capacity.
func (h *History) Append(r Record) {
	h.records = append(h.records, r)
	if over := len(h.records) - h.capacity; over > 0 {
		h.records = append(h.records[:0:0], h.records[over:]...)
	}
	view := append(h.byStrategy[r.Strategy()], r)
	if over := len(view) - h.perStrategy; over > 0 {
		view = append(view[:0:0], view[over:]...)
	}
	h.byStrategy[r.Strategy()] = view
}

// Len returns the number of retained records.
func (h *History) Len() int { return len(h.records) }

// All returns the retained records, oldest first.
func (h *History) All() []Record {
	return append([]Record(nil), h.records...)
}

// Recent returns up to n of the newest records, oldest first.
func (h *History) Recent(n int) []Record {
	if n <= 0 {
		return nil
	}
	if n > len(h.records) {
		n = len(h.records)
	}
	return append([]Record(nil), h.records[len(h.records)-n:]...)
}

// ByStrategy returns the strategy's bounded view, oldest first.
func (h *History) ByStrategy(strategy string) []Record {
	return append([]Record(nil), h.byStrategy[strategy]...)
}

// Strategies returns every strategy with at least one retained record in
// its view.
func (h *History) Strategies() []string {
	out := make([]string, 0, len(h.byStrategy))
	for s, v := range h.byStrategy {
		if len(v) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Since returns the retained records stamped at or after t, oldest first.
func (h *History) Since(t time.Time) []Record {
	var out []Record
	for _, r := range h.records {
		if !r.Timestamp().Before(t) {
			out = append(out, r)
		}
	}
	return out
}

// Clear drops every record.
func (h *History) Clear() {
	h.records = nil
	h.byStrategy = make(map[string][]Record)
}
