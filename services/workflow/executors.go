package workflow

import (
	"context"

	"nodebase/api/pkg/realtime"
	"nodebase/api/pkg/steps"
	"nodebase/api/pkg/template"
)

// TriggerExecutor handles the trigger node types (INITIAL, MANUAL_TRIGGER,
// GOOGLE_FORM_TRIGGER, STRIPE_TRIGGER). Trigger payloads arrive as the run's
// initial data, so the node only marks the start of the run.
type TriggerExecutor struct{}

func (e *TriggerExecutor) Execute(ctx context.Context, p ExecuteParams) (Context, error) {
	p.publish(ctx, realtime.StatusLoading)
	next := p.Context.Clone()
	p.publish(ctx, realtime.StatusSuccess)
	return next, nil
}

// render evaluates a node field as a template, turning failures into a
// ValidationError that names the node and field.
func render(nodeID, node, field, src string, c Context) (string, error) {
	out, err := template.Render(src, c)
	if err != nil {
		return "", validationError(nodeID, "%s node: failed to render %s: %v", node, field, err)
	}
	return out, nil
}

// asNodeError keeps engine errors as they are and wraps anything else as an
// ExternalServiceError, inheriting the step runner's retry classification.
func asNodeError(nodeID string, err error, format string, args ...any) error {
	if KindOf(err) != "" {
		return err
	}
	return externalError(nodeID, steps.IsRetriable(err), err, format, args...)
}

func missingField(nodeID, node, field string) error {
	return validationError(nodeID, "%s node: %s is missing", node, field)
}

func invalidConfig(nodeID, node string, err error) error {
	return validationError(nodeID, "%s node: invalid configuration: %v", node, err)
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
