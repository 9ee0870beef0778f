package realtime

import (
	"context"
	"sync"
)

// Recorder keeps every published event in memory. It is meant for tests and
// for callers that want the full event log of a run.
type Recorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *Recorder) Publish(_ context.Context, event StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of all events in publish order.
func (r *Recorder) Events() []StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusEvent(nil), r.events...)
}

// Statuses returns the status sequence observed for nodeID.
func (r *Recorder) Statuses(nodeID string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, e := range r.events {
		if e.NodeID == nodeID {
			out = append(out, e.Status)
		}
	}
	return out
}
