package realtime

import (
	"context"
	"sync"

	"nodebase/api/pkg/ctxlog"
)

// Hub is an in-process Publisher that fans events out to subscribers, such
// as open status streams. A subscriber whose buffer is full misses the event
// rather than blocking the run.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	filter func(StatusEvent) bool
	ch     chan StatusEvent
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscription)}
}

// Subscribe registers a subscriber receiving events accepted by filter (all
// events when filter is nil). The returned cancel func unregisters it and
// closes the channel.
func (h *Hub) Subscribe(filter func(StatusEvent) bool, buffer int) (<-chan StatusEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{filter: filter, ch: make(chan StatusEvent, buffer)}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (h *Hub) Publish(ctx context.Context, event StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			ctxlog.FromContext(ctx).Warn("Dropping status event for slow subscriber", "nodeId", event.NodeID, "status", event.Status)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ForWorkflow is a Subscribe filter matching one workflow's events.
func ForWorkflow(workflowID string) func(StatusEvent) bool {
	return func(e StatusEvent) bool { return e.WorkflowID == workflowID }
}
