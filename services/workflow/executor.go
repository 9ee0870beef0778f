package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nodebase/api/pkg/credentials"
	"nodebase/api/pkg/realtime"
	"nodebase/api/pkg/steps"
)

// ExecuteParams is everything an executor gets for one node invocation.
type ExecuteParams struct {
	Data    map[string]any
	NodeID  string
	UserID  string
	Context Context
	Step    steps.Step
	Publish realtime.Publisher
}

func (p ExecuteParams) publish(ctx context.Context, status realtime.Status) {
	p.Publish.Publish(ctx, realtime.StatusEvent{NodeID: p.NodeID, Status: status})
}

// fail publishes the node's error status and returns err unchanged.
func (p ExecuteParams) fail(ctx context.Context, err error) error {
	p.publish(ctx, realtime.StatusError)
	return err
}

// NodeExecutor runs one node type. Implementations publish loading first,
// then exactly one of success or error, and return the next context without
// modifying p.Context.
type NodeExecutor interface {
	Execute(ctx context.Context, p ExecuteParams) (Context, error)
}

// ExecutorFunc adapts a function to NodeExecutor.
type ExecutorFunc func(ctx context.Context, p ExecuteParams) (Context, error)

func (f ExecutorFunc) Execute(ctx context.Context, p ExecuteParams) (Context, error) {
	return f(ctx, p)
}

// Registry maps node types to their executor. It is built once at startup
// and only read afterwards.
type Registry map[NodeType]NodeExecutor

// Resolve returns the executor for t or an UnknownNodeTypeError.
func (r Registry) Resolve(t NodeType) (NodeExecutor, error) {
	exec, ok := r[t]
	if !ok || exec == nil {
		return nil, unknownNodeTypeError("", t)
	}
	return exec, nil
}

// ExecutorDeps are the collaborators the built-in executors need.
type ExecutorDeps struct {
	Credentials credentials.Store
	Cipher      credentials.Decrypter
	HTTPClient  *http.Client
	Models      ModelFactory
}

// NewRegistry creates a registry populated with all built-in executor types.
func NewRegistry(deps ExecutorDeps) Registry {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.Models == nil {
		deps.Models = NewModel
	}

	trigger := &TriggerExecutor{}
	return Registry{
		NodeTypeInitial:           trigger,
		NodeTypeManualTrigger:     trigger,
		NodeTypeGoogleFormTrigger: trigger,
		NodeTypeStripeTrigger:     trigger,
		NodeTypeHTTPRequest:       &HTTPRequestExecutor{client: deps.HTTPClient},
		NodeTypeOpenAI:            newAIExecutor(providerOpenAI, deps),
		NodeTypeAnthropic:         newAIExecutor(providerAnthropic, deps),
		NodeTypeGemini:            newAIExecutor(providerGemini, deps),
		NodeTypeDiscord:           &WebhookExecutor{target: discordWebhook, client: deps.HTTPClient},
		NodeTypeSlack:             &WebhookExecutor{target: slackWebhook, client: deps.HTTPClient},
	}
}

// decodeData copies a node's loosely typed data map into a typed config struct.
func decodeData(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
