package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why a run failed.
type Kind string

const (
	KindGraphIntegrity   Kind = "GRAPH_INTEGRITY"
	KindCycleDetected    Kind = "CYCLE_DETECTED"
	KindWorkflowNotFound Kind = "WORKFLOW_NOT_FOUND"
	KindUnknownNodeType  Kind = "UNKNOWN_NODE_TYPE"
	KindValidation       Kind = "VALIDATION"
	KindNotFound         Kind = "NOT_FOUND"
	KindExternalService  Kind = "EXTERNAL_SERVICE"
	KindAborted          Kind = "ABORTED"
)

// Error is the failure type surfaced by the engine. Structural kinds are
// produced before any node runs; the others carry the failing node's id.
type Error struct {
	Kind    Kind
	NodeID  string
	Message string
	Err     error

	retriable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description())
}

// Description is the human-readable message without the kind prefix.
func (e *Error) Description() string {
	switch {
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return e.Message + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether repeating the failed call without changes could succeed.
func (e *Error) Retriable() bool { return e.retriable }

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func newError(kind Kind, nodeID, format string, args ...any) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

func graphIntegrityError(format string, args ...any) *Error {
	return newError(KindGraphIntegrity, "", format, args...)
}

func cycleDetectedError(nodeIDs []string) *Error {
	return newError(KindCycleDetected, "", "workflow contains a cycle through nodes %v", nodeIDs)
}

func workflowNotFoundError(id string) *Error {
	return newError(KindWorkflowNotFound, "", "workflow %q not found", id)
}

func unknownNodeTypeError(nodeID string, t NodeType) *Error {
	return newError(KindUnknownNodeType, nodeID, "no executor registered for node type %q", t)
}

func validationError(nodeID, format string, args ...any) *Error {
	return newError(KindValidation, nodeID, format, args...)
}

func notFoundError(nodeID, format string, args ...any) *Error {
	return newError(KindNotFound, nodeID, format, args...)
}

func abortedError(nodeID string, cause error) *Error {
	return &Error{Kind: KindAborted, NodeID: nodeID, Message: "run aborted", Err: cause}
}

// externalError wraps a failure from a call to an outside system. retriable
// is the call's own judgement of whether trying again could help.
func externalError(nodeID string, retriable bool, err error, format string, args ...any) *Error {
	return &Error{
		Kind:      KindExternalService,
		NodeID:    nodeID,
		Message:   fmt.Sprintf(format, args...),
		Err:       err,
		retriable: retriable,
	}
}

// classify turns whatever an executor returned into an *Error attributed to nodeID.
func classify(nodeID string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		if e.NodeID == "" {
			e.NodeID = nodeID
		}
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return abortedError(nodeID, err)
	}
	return externalError(nodeID, false, err, "node %s failed", nodeID)
}
