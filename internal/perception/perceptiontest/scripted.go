// Package perceptiontest provides a scripted oracle for tests.
package perceptiontest

import (
	"context"
	"sync"

	"secondmind/internal/perception"
)

// Call records one Generate invocation.
type Call struct {
	Operation   string
	Prompt      string
	Temperature float64
}

// Scripted answers by operation name (see perception.WithOperation). An
// operation without a script returns Default.
type Scripted struct {
	mu      sync.Mutex
	replies map[string][]Reply
	calls   []Call

	Default Reply
}

// Reply is one scripted answer.
type Reply struct {
	Text string
	Err  error
}

// New returns an oracle that answers every operation with an empty string.
func New() *Scripted {
	return &Scripted{replies: make(map[string][]Reply)}
}

// On queues replies for op. The last reply repeats once the queue drains.
func (s *Scripted) On(op string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[op] = append(s.replies[op], replies...)
	return s
}

// Text is shorthand for On(op, Reply{Text: text}).
func (s *Scripted) Text(op, text string) *Scripted {
	return s.On(op, Reply{Text: text})
}

// Generate implements perception.Oracle.
func (s *Scripted) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	op := perception.Operation(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Operation: op, Prompt: prompt, Temperature: temperature})
	queue := s.replies[op]
	if len(queue) == 0 {
		return s.Default.Text, s.Default.Err
	}
	r := queue[0]
	if len(queue) > 1 {
		s.replies[op] = queue[1:]
	}
	return r.Text, r.Err
}

// Calls returns every recorded call.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the calls made under op.
func (s *Scripted) CallsFor(op string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Operation == op {
			out = append(out, c)
		}
	}
	return out
}
