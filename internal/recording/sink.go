package recording

import (
	"io"
	"sync"
)

// Sink is the append-only, ordered list of recorded steps shared by every
// connection pair.
type Sink struct {
	mu        sync.Mutex
	steps     []Step
	observers []func(Step)
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{}
}

// OnStep registers fn to be called with each step after it is logged.
// Observers run on the logging goroutine, outside the sink's lock.
func (s *Sink) OnStep(fn func(Step)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// LogStep appends step.
func (s *Sink) LogStep(step Step) {
	s.mu.Lock()
	s.steps = append(s.steps, step)
	observers := s.observers
	s.mu.Unlock()

	for _, fn := range observers {
		fn(step)
	}
}

// DropMostRecent removes up to n trailing steps and returns how many were
// removed.
func (s *Sink) DropMostRecent(n int) int {
	if n <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n > len(s.steps) {
		n = len(s.steps)
	}
	keep := len(s.steps) - n
	clear(s.steps[keep:])
	s.steps = s.steps[:keep]
	return n
}

// Snapshot returns the most recent limit steps in recording order, or all of
// them when limit is not positive or exceeds the count.
func (s *Sink) Snapshot(limit int) []Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.steps) {
		limit = len(s.steps)
	}
	out := make([]Step, limit)
	copy(out, s.steps[len(s.steps)-limit:])
	return out
}

// Len returns the number of recorded steps.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// WriteJSON writes the whole recording.
func (s *Sink) WriteJSON(w io.Writer) error {
	return WriteSteps(w, s.Snapshot(0))
}
