package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"nodebase/api/pkg/ctxlog"
	"nodebase/api/pkg/realtime"
	"nodebase/api/pkg/steps"
)

// Engine runs workflows: it loads and validates the graph, orders it, and
// executes the nodes one at a time, threading the context from each node
// into the next.
type Engine struct {
	repo       WorkflowRepo
	registry   Registry
	executions ExecutionStore
	runner     *steps.Runner
	publisher  realtime.Publisher
	now        func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithExecutionStore records run history in store.
func WithExecutionStore(store ExecutionStore) EngineOption {
	return func(e *Engine) { e.executions = store }
}

// WithStepRunner sets the durable step runner used for every run.
func WithStepRunner(r *steps.Runner) EngineOption {
	return func(e *Engine) { e.runner = r }
}

// WithPublisher sets where node status events go.
func WithPublisher(p realtime.Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// NewEngine creates an Engine reading workflows from repo and dispatching
// nodes through registry. Without options it keeps history and step results
// in memory and discards status events.
func NewEngine(repo WorkflowRepo, registry Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:       repo,
		registry:   registry,
		executions: NewMemoryExecutions(),
		runner:     steps.NewRunner(steps.NewMemoryStore()),
		publisher:  realtime.Discard,
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// plan is the memoized outcome of loading and ordering a workflow.
type plan struct {
	WorkflowID string `json:"workflowId"`
	UserID     string `json:"userId"`
	Nodes      []Node `json:"nodes"`
}

// Run executes one workflow run. Structural problems (missing workflow,
// dangling connection, cycle, unknown node type) are reported before any
// node runs. A failing node ends the run with that node's error; nodes that
// already ran are not undone.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.WorkflowID == "" {
		return nil, validationError("", "workflowId is missing")
	}
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}

	logger := ctxlog.FromContext(ctx).With("workflowId", req.WorkflowID, "executionId", executionID)
	ctx = ctxlog.WithLogger(ctx, logger)

	exec := &Execution{
		ID:          executionID,
		WorkflowID:  req.WorkflowID,
		Status:      ExecutionRunning,
		InitialData: req.InitialData,
		StartedAt:   e.now().UTC(),
	}
	if err := e.executions.StartExecution(ctx, exec); err != nil {
		return nil, errors.Wrap(err, "record execution start")
	}

	logger.Info("Starting workflow run")
	result, err := e.run(ctx, executionID, req)
	e.complete(ctx, exec, result, err)
	if err != nil {
		logger.Error("Workflow run failed", "kind", KindOf(err), "error", err)
		return nil, err
	}

	// A successful run is never replayed, so its memoized steps are dropped.
	if err := e.runner.Forget(context.WithoutCancel(ctx), executionID); err != nil {
		logger.Warn("Failed to drop step results", "error", err)
	}

	logger.Info("Workflow run completed", "keys", len(result))
	return &RunResult{
		WorkflowID:  req.WorkflowID,
		ExecutionID: executionID,
		Result:      result,
	}, nil
}

func (e *Engine) run(ctx context.Context, executionID string, req RunRequest) (Context, error) {
	logger := ctxlog.FromContext(ctx)
	step := e.runner.Scope(executionID)

	p, err := steps.Do(ctx, step, "prepare-workflow", func(ctx context.Context) (*plan, error) {
		return e.prepare(ctx, req.WorkflowID)
	})
	if err != nil {
		return nil, err
	}

	// Every node must be dispatchable before the first one runs.
	executors := make([]NodeExecutor, len(p.Nodes))
	for i, node := range p.Nodes {
		exec, err := e.registry.Resolve(node.Type)
		if err != nil {
			return nil, unknownNodeTypeError(node.ID, node.Type)
		}
		executors[i] = exec
	}

	current := NewContext(req.InitialData)
	for i, node := range p.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, abortedError("", err)
		}

		logger.Debug("Executing node", "nodeId", node.ID, "nodeType", node.Type, "position", i+1, "of", len(p.Nodes))
		pub := newNodePublisher(e.publisher, executionID, p.WorkflowID, node, e.now)
		next, err := executors[i].Execute(ctx, ExecuteParams{
			Data:    node.Data,
			NodeID:  node.ID,
			UserID:  p.UserID,
			Context: current,
			Step:    step,
			Publish: pub,
		})
		pub.settle(ctx, err)
		if err != nil {
			if ctx.Err() != nil {
				return nil, abortedError(node.ID, err)
			}
			return nil, classify(node.ID, err)
		}

		if next != nil {
			current = next
		}
	}
	return current, nil
}

func (e *Engine) prepare(ctx context.Context, workflowID string) (*plan, error) {
	wf, err := e.repo.Get(ctx, workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "load workflow %s", workflowID)
	}
	if wf == nil {
		return nil, workflowNotFoundError(workflowID)
	}
	if err := wf.ValidateReferentialIntegrity(); err != nil {
		return nil, err
	}
	order, err := TopologicalSort(wf.Nodes, wf.Connections)
	if err != nil {
		return nil, err
	}

	id := wf.ID
	if id == "" {
		id = workflowID
	}
	return &plan{WorkflowID: id, UserID: wf.UserID, Nodes: order}, nil
}

func (e *Engine) complete(ctx context.Context, exec *Execution, result Context, runErr error) {
	ctx = context.WithoutCancel(ctx)
	completed := e.now().UTC()
	exec.CompletedAt = &completed

	switch {
	case runErr == nil:
		exec.Status = ExecutionSuccess
		exec.Output = result
	case IsKind(runErr, KindAborted):
		exec.Status = ExecutionAborted
	default:
		exec.Status = ExecutionFailed
	}
	if runErr != nil {
		exec.Error = describe(runErr)
		var we *Error
		if errors.As(runErr, &we) {
			exec.ErrorKind = we.Kind
			exec.NodeID = we.NodeID
		}
	}

	if err := e.executions.CompleteExecution(ctx, exec); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to record execution result", "status", exec.Status, "error", err)
	}
}

func describe(err error) string {
	var we *Error
	if errors.As(err, &we) {
		return we.Description()
	}
	return err.Error()
}

// nodePublisher stamps a node's status events with run identifiers and
// enforces the node lifecycle seen by observers: one loading, then one
// terminal status. Duplicate transitions are dropped.
type nodePublisher struct {
	next realtime.Publisher
	base realtime.StatusEvent
	now  func() time.Time

	mu       sync.Mutex
	started  bool
	finished bool
}

func newNodePublisher(next realtime.Publisher, executionID, workflowID string, node Node, now func() time.Time) *nodePublisher {
	return &nodePublisher{
		next: next,
		now:  now,
		base: realtime.StatusEvent{
			WorkflowID:  workflowID,
			ExecutionID: executionID,
			NodeID:      node.ID,
			NodeType:    string(node.Type),
			Channel:     node.Type.Channel(),
		},
	}
}

func (n *nodePublisher) Publish(ctx context.Context, event realtime.StatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case event.Status == realtime.StatusLoading:
		if n.started {
			return
		}
		n.started = true
	case event.Status.Terminal():
		if n.finished {
			return
		}
		if !n.started {
			n.started = true
			n.emit(ctx, realtime.StatusLoading)
		}
		n.finished = true
	default:
		return
	}
	n.emit(ctx, event.Status)
}

// emit must be called with mu held. Events outlive cancellation of the run
// so a cancelled node still reaches a terminal state for observers.
func (n *nodePublisher) emit(ctx context.Context, status realtime.Status) {
	ev := n.base
	ev.Status = status
	ev.Timestamp = n.now().UTC()
	n.next.Publish(context.WithoutCancel(ctx), ev)
}

// settle publishes whatever part of the lifecycle the executor left out, so
// every node the coordinator invoked ends in success or error.
func (n *nodePublisher) settle(ctx context.Context, err error) {
	n.mu.Lock()
	finished := n.finished
	n.mu.Unlock()
	if finished {
		return
	}
	if err != nil {
		n.Publish(ctx, realtime.StatusEvent{Status: realtime.StatusError})
	} else {
		n.Publish(ctx, realtime.StatusEvent{Status: realtime.StatusSuccess})
	}
}
