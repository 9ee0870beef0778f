// Package realtime delivers node status events to live observers.
//
// Publishing is fire-and-forget: a Publisher never reports delivery failures
// back to the caller, it logs them and moves on.
package realtime

import (
	"context"
	"time"
)

// Status is a node lifecycle transition.
type Status string

const (
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Terminal reports whether s ends a node's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// StatusEvent reports one transition of one node in one execution.
type StatusEvent struct {
	WorkflowID  string    `json:"workflowId,omitempty"`
	ExecutionID string    `json:"executionId,omitempty"`
	NodeID      string    `json:"nodeId"`
	NodeType    string    `json:"nodeType,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	Status      Status    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher accepts status events.
type Publisher interface {
	Publish(ctx context.Context, event StatusEvent)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event StatusEvent)

func (f PublisherFunc) Publish(ctx context.Context, event StatusEvent) { f(ctx, event) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, StatusEvent) {})

// Multi fans each event out to every publisher in order.
func Multi(publishers ...Publisher) Publisher {
	var ps []Publisher
	for _, p := range publishers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return PublisherFunc(func(ctx context.Context, event StatusEvent) {
		for _, p := range ps {
			p.Publish(ctx, event)
		}
	})
}
