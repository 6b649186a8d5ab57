// Package change holds pending file mutations between filesystem events and
// the next incremental upload.
package change

import (
	"sort"
	"sync"
)

// Action is the kind of mutation recorded for a path.
type Action int

const (
	// Save means the file was created or modified; content is read at flush time.
	Save Action = iota
	// Remove means the file no longer exists.
	Remove
)

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case Save:
		return "save"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one mutation of a slash-separated path relative to the project root.
type Change struct {
	Path   string
	Action Action
}

type entry struct {
	change Change
	seq    int64
}

// Queue keeps at most one pending Change per path. A later Push for a path
// replaces the earlier one. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending map[string]entry
	seq     int64 // last Push
	low     int64 // last Requeue, counts down from zero
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[string]entry)}
}

// Push records c, replacing any queued change for the same path.
func (q *Queue) Push(c Change) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.pending[c.Path] = entry{change: c, seq: q.seq}
}

// Drain returns every queued change, most recently pushed first, and empties
// the queue. A Push that races with Drain lands in exactly one of this drain
// or the next.
func (q *Queue) Drain() []Change {
	q.mu.Lock()
	pending := q.pending
	q.pending = make(map[string]entry)
	q.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	entries := make([]entry, 0, len(pending))
	for _, e := range pending {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })

	out := make([]Change, len(entries))
	for i, e := range entries {
		out[i] = e.change
	}
	return out
}

// Requeue puts back changes from a batch that could not be delivered. A path
// that was pushed again since the batch was drained keeps its newer change.
// Requeued changes sort behind anything already pending, in their original
// relative order.
func (q *Queue) Requeue(changes []Change) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range changes {
		if _, ok := q.pending[c.Path]; ok {
			continue
		}
		q.low--
		q.pending[c.Path] = entry{change: c, seq: q.low}
	}
}

// Len returns the number of queued paths.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Paths returns the paths of a batch in order.
func Paths(changes []Change) []string {
	paths := make([]string, len(changes))
	for i, c := range changes {
		paths[i] = c.Path
	}
	return paths
}
