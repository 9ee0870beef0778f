package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodebase/api/pkg/realtime"
	"nodebase/api/pkg/steps"
)

// stubRepo serves a fixed workflow without a database.
type stubRepo struct {
	workflow *Workflow
	err      error
}

func (r *stubRepo) Get(_ context.Context, _ string) (*Workflow, error) {
	return r.workflow, r.err
}

type engineFixture struct {
	engine     *Engine
	events     *realtime.Recorder
	executions *MemoryExecutions
}

func newEngineFixture(wf *Workflow, registry Registry) *engineFixture {
	f := &engineFixture{
		events:     &realtime.Recorder{},
		executions: NewMemoryExecutions(),
	}
	f.engine = NewEngine(&stubRepo{workflow: wf}, registry,
		WithStepRunner(newTestRunner()),
		WithPublisher(f.events),
		WithExecutionStore(f.executions),
	)
	return f
}

// countingRegistry maps every node type to an executor that binds its node
// id under "visited" and counts invocations.
func countingRegistry(calls *atomic.Int32) Registry {
	exec := ExecutorFunc(func(ctx context.Context, p ExecuteParams) (Context, error) {
		calls.Add(1)
		p.publish(ctx, realtime.StatusLoading)
		visited, _ := p.Context["visited"].([]string)
		next := p.Context.With("visited", append(append([]string(nil), visited...), p.NodeID))
		p.publish(ctx, realtime.StatusSuccess)
		return next, nil
	})
	r := Registry{}
	for _, nt := range NodeTypes {
		r[nt] = exec
	}
	return r
}

// scenarioWorkflow is INITIAL(A) -> OPENAI(B, "reply") -> DISCORD(C, "{{reply.text}}"),
// declared out of order.
func scenarioWorkflow(webhookURL string, aiData map[string]any) *Workflow {
	return &Workflow{
		ID:     "wf-1",
		UserID: "user-1",
		Nodes: []Node{
			{ID: "C", Type: NodeTypeDiscord, Data: map[string]any{
				"variableName": "sent",
				"webhookUrl":   webhookURL,
				"content":      "{{reply.text}}",
			}},
			{ID: "A", Type: NodeTypeInitial},
			{ID: "B", Type: NodeTypeOpenAI, Data: aiData},
		},
		Connections: []Connection{conn("A", "B"), conn("B", "C")},
	}
}

func TestEngine_ScenarioA_ThreadsContextInOrder(t *testing.T) {
	var posted map[string]any
	discord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&posted)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer discord.Close()

	ai := newAIFixture(t, "The answer is 42")
	registry := NewRegistry(ExecutorDeps{
		Credentials: ai.creds,
		Cipher:      ai.cipher,
		HTTPClient:  discord.Client(),
		Models:      fakeFactory(ai.model, nil),
	})
	wf := scenarioWorkflow(discord.URL, map[string]any{
		"variableName": "reply",
		"credentialId": "cred-1",
		"userPrompt":   "Question: {{question}}",
	})
	f := newEngineFixture(wf, registry)

	res, err := f.engine.Run(context.Background(), RunRequest{
		WorkflowID:  "wf-1",
		InitialData: map[string]any{"question": "life"},
	})

	require.NoError(t, err)
	assert.Equal(t, "wf-1", res.WorkflowID)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, "life", res.Result["question"])
	assert.Equal(t, map[string]any{"text": "The answer is 42"}, res.Result["reply"])
	assert.Equal(t, map[string]any{"messageContent": "The answer is 42"}, res.Result["sent"])
	assert.Equal(t, "The answer is 42", posted["content"])
	assert.Equal(t, "Question: life", ai.model.text("human"))

	var order []string
	for _, e := range f.events.Events() {
		if e.Status == realtime.StatusLoading {
			order = append(order, e.NodeID)
		}
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)
	for _, id := range order {
		assert.Equal(t, loadingThen(realtime.StatusSuccess), f.events.Statuses(id), id)
	}
}

func TestEngine_ScenarioB_CycleRunsNothing(t *testing.T) {
	var calls atomic.Int32
	wf := &Workflow{
		ID:          "wf-cycle",
		Nodes:       nodes("A", "B", "C"),
		Connections: []Connection{conn("A", "B"), conn("B", "C"), conn("C", "A")},
	}
	f := newEngineFixture(wf, countingRegistry(&calls))

	res, err := f.engine.Run(context.Background(), RunRequest{WorkflowID: "wf-cycle"})

	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, KindCycleDetected, KindOf(err))
	assert.Zero(t, calls.Load())
	assert.Empty(t, f.events.Events())
}

func TestEngine_ScenarioC_MissingPromptStopsRun(t *testing.T) {
	var discordHits atomic.Int32
	discord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		discordHits.Add(1)
	}))
	defer discord.Close()

	ai := newAIFixture(t, "unused")
	registry := NewRegistry(ExecutorDeps{
		Credentials: ai.creds,
		Cipher:      ai.cipher,
		HTTPClient:  discord.Client(),
		Models:      fakeFactory(ai.model, nil),
	})
	wf := scenarioWorkflow(discord.URL, map[string]any{
		"variableName": "reply",
		"credentialId": "cred-1",
	})
	f := newEngineFixture(wf, registry)

	_, err := f.engine.Run(context.Background(), RunRequest{WorkflowID: "wf-1", ExecutionID: "exec-c"})

	require.Error(t, err)
	var we *Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, KindValidation, we.Kind)
	assert.Equal(t, "B", we.NodeID)
	assert.Equal(t, "OpenAI node: userPrompt is missing", we.Description())

	assert.Equal(t, loadingThen(realtime.StatusSuccess), f.events.Statuses("A"))
	assert.Equal(t, loadingThen(realtime.StatusError), f.events.Statuses("B"))
	assert.Empty(t, f.events.Statuses("C"))
	assert.Zero(t, ai.model.calls.Load())
	assert.Zero(t, discordHits.Load())

	exec, err := f.executions.GetExecution(context.Background(), "exec-c")
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, ExecutionFailed, exec.Status)
	assert.Equal(t, KindValidation, exec.ErrorKind)
	assert.Equal(t, "B", exec.NodeID)
	assert.Equal(t, "OpenAI node: userPrompt is missing", exec.Error)
	assert.NotNil(t, exec.CompletedAt)
}

func TestEngine_StructuralFailures(t *testing.T) {
	tests := []struct {
		name     string
		workflow *Workflow
		want     Kind
	}{
		{"workflow not found", nil, KindWorkflowNotFound},
		{
			"dangling connection",
			&Workflow{ID: "wf", Nodes: nodes("a"), Connections: []Connection{conn("a", "ghost")}},
			KindGraphIntegrity,
		},
		{
			"unknown node type",
			&Workflow{ID: "wf", Nodes: []Node{{ID: "a", Type: NodeTypeInitial}, {ID: "b", Type: "TELEGRAM"}}, Connections: []Connection{conn("a", "b")}},
			KindUnknownNodeType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			f := newEngineFixture(tt.workflow, countingRegistry(&calls))

			_, err := f.engine.Run(context.Background(), RunRequest{WorkflowID: "wf"})

			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
			assert.Zero(t, calls.Load(), "no node may run")
			assert.Empty(t, f.events.Events())
		})
	}
}

func TestEngine_EmptyWorkflowID(t *testing.T) {
	f := newEngineFixture(nil, Registry{})

	_, err := f.engine.Run(context.Background(), RunRequest{})

	assert.Equal(t, KindValidation, KindOf(err))
}

func TestEngine_RepositoryError(t *testing.T) {
	engine := NewEngine(&stubRepo{err: fmt.Errorf("connection reset")}, Registry{}, WithStepRunner(newTestRunner()))

	_, err := engine.Run(context.Background(), RunRequest{WorkflowID: "wf"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "load workflow wf: connection reset")
	assert.Equal(t, Kind(""), KindOf(err))
}

func TestEngine_EmptyGraphReturnsInitialData(t *testing.T) {
	f := newEngineFixture(&Workflow{ID: "wf"}, Registry{})

	res, err := f.engine.Run(context.Background(), RunRequest{WorkflowID: "wf", InitialData: map[string]any{"k": "v"}})

	require.NoError(t, err)
	assert.Equal(t, Context{"k": "v"}, res.Result)
}

func TestEngine_PreservesEarlierBindings(t *testing.T) {
	var calls atomic.Int32
	wf := &Workflow{ID: "wf", Nodes: nodes("b", "a", "c"), Connections: []Connection{conn("a", "b"), conn("b", "c")}}
	f := newEngineFixture(wf, countingRegistry(&calls))
	initial := map[string]any{"seed": 1}

	res, err := f.engine.Run(context.Background(), RunRequest{WorkflowID: "wf", InitialData: initial})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, res.Result["seed"])
	assert.Equal(t, []string{"a", "b", "c"}, res.Result["visited"])
	assert.Equal(t, map[string]any{"seed": 1}, initial, "initial data must not be modified")
}

func TestEngine_EventsAreStamped(t *testing.T) {
	var calls atomic.Int32
	wf := &Workflow{ID: "wf-stamp", Nodes: []Node{{ID: "fetch", Type: NodeTypeHTTPRequest}}}
	f := newEngineFixture(wf, countingRegistry(&calls))

	_, err := f.engine.Run(context.Background(), RunRequest{WorkflowID: "wf-stamp", ExecutionID: "exec-9"})
	require.NoError(t, err)

	events := f.events.Events()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "wf-stamp", e.WorkflowID)
		assert.Equal(t, "exec-9", e.ExecutionID)
		assert.Equal(t, "fetch", e.NodeID)
		assert.Equal(t, "HTTP_REQUEST", e.NodeType)
		assert.Equal(t, "http-request-execution", e.Channel)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestEngine_StatusLifecycleIsEnforced(t *testing.T) {
	tests := []struct {
		name string
		exec ExecutorFunc
		want []realtime.Status
	}{
		{
			name: "duplicates dropped",
			exec: func(ctx context.Context, p ExecuteParams) (Context, error) {
				p.publish(ctx, realtime.StatusLoading)
				p.publish(ctx, realtime.StatusLoading)
				p.publish(ctx, realtime.StatusSuccess)
				p.publish(ctx, realtime.StatusError)
				return p.Context, nil
			},
			want: loadingThen(realtime.StatusSuccess),
		},
		{
			name: "silent success",
			exec: func(ctx context.Context, p ExecuteParams) (Context, error) {
				return p.Context, nil
			},
			want: loadingThen(realtime.StatusSuccess),
		},
		{
			name: "error without terminal event",
			exec: func(ctx context.Context, p ExecuteParams) (Context, error) {
				p.publish(ctx, realtime.StatusLoading)
				return nil, fmt.Errorf("boom")
			},
			want: loadingThen(realtime.StatusError),
		},
		{
			name: "terminal without loading",
			exec: func(ctx context.Context, p ExecuteParams) (Context, error) {
				p.publish(ctx, realtime.StatusSuccess)
				return p.Context, nil
			},
			want: loadingThen(realtime.StatusSuccess),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &Workflow{ID: "wf", Nodes: []Node{{ID: "n", Type: NodeTypeSlack}}}
			f := newEngineFixture(wf, Registry{NodeTypeSlack: tt.exec})

			f.engine.Run(context.Background(), RunRequest{WorkflowID: "wf"})

			assert.Equal(t, tt.want, f.events.Statuses("n"))
		})
	}
}

func TestEngine_PlainErrorsBecomeExternal(t *testing.T) {
	wf := &Workflow{ID: "wf", Nodes: []Node{{ID: "n", Type: NodeTypeSlack}}}
	f := newEngineFixture(wf, Registry{NodeTypeSlack: ExecutorFunc(func(ctx context.Context, p ExecuteParams) (Context, error) {
		return nil, fmt.Errorf("socket closed")
	})})

	_, err := f.engine.Run(context.Background(), RunRequest{WorkflowID: "wf"})

	var we *Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, KindExternalService, we.Kind)
	assert.Equal(t, "n", we.NodeID)
	assert.Contains(t, we.Error(), "socket closed")
}

func TestEngine_CancelledBeforeStart(t *testing.T) {
	var calls atomic.Int32
	wf := &Workflow{ID: "wf", Nodes: nodes("a", "b")}
	f := newEngineFixture(wf, countingRegistry(&calls))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Run(ctx, RunRequest{WorkflowID: "wf", ExecutionID: "exec-x"})

	require.Error(t, err)
	assert.Equal(t, KindAborted, KindOf(err))
	assert.Zero(t, calls.Load())

	exec, _ := f.executions.GetExecution(context.Background(), "exec-x")
	require.NotNil(t, exec)
	assert.Equal(t, ExecutionAborted, exec.Status)
}

func TestEngine_CancelledMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var laterCalls atomic.Int32
	wf := &Workflow{
		ID:          "wf",
		Nodes:       []Node{{ID: "a", Type: NodeTypeHTTPRequest}, {ID: "b", Type: NodeTypeSlack}},
		Connections: []Connection{conn("a", "b")},
	}
	f := newEngineFixture(wf, Registry{
		NodeTypeHTTPRequest: ExecutorFunc(func(ctx context.Context, p ExecuteParams) (Context, error) {
			p.publish(ctx, realtime.StatusLoading)
			cancel()
			return nil, ctx.Err()
		}),
		NodeTypeSlack: ExecutorFunc(func(ctx context.Context, p ExecuteParams) (Context, error) {
			laterCalls.Add(1)
			return p.Context, nil
		}),
	})

	_, err := f.engine.Run(ctx, RunRequest{WorkflowID: "wf"})

	var we *Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, KindAborted, we.Kind)
	assert.Equal(t, "a", we.NodeID)
	assert.Equal(t, loadingThen(realtime.StatusError), f.events.Statuses("a"))
	assert.Empty(t, f.events.Statuses("b"))
	assert.Zero(t, laterCalls.Load())
}

func TestEngine_ReplaySkipsCompletedSteps(t *testing.T) {
	var sideEffects atomic.Int32
	fail := true
	wf := &Workflow{
		ID:          "wf",
		Nodes:       []Node{{ID: "send", Type: NodeTypeSlack}, {ID: "after", Type: NodeTypeDiscord}},
		Connections: []Connection{conn("send", "after")},
	}
	f := newEngineFixture(wf, Registry{
		NodeTypeSlack: ExecutorFunc(func(ctx context.Context, p ExecuteParams) (Context, error) {
			n, err := steps.Do(ctx, p.Step, "send-message", func(context.Context) (int32, error) {
				return sideEffects.Add(1), nil
			})
			if err != nil {
				return nil, err
			}
			return p.Context.With("sent", n), nil
		}),
		NodeTypeDiscord: ExecutorFunc(func(ctx context.Context, p ExecuteParams) (Context, error) {
			if fail {
				return nil, validationError(p.NodeID, "not yet")
			}
			return p.Context, nil
		}),
	})

	_, err := f.engine.Run(context.Background(), RunRequest{WorkflowID: "wf", ExecutionID: "exec-r"})
	require.Error(t, err)

	fail = false
	res, err := f.engine.Run(context.Background(), RunRequest{WorkflowID: "wf", ExecutionID: "exec-r"})

	require.NoError(t, err)
	assert.Equal(t, int32(1), sideEffects.Load())
	assert.Equal(t, int32(1), res.Result["sent"])

	exec, _ := f.executions.GetExecution(context.Background(), "exec-r")
	require.NotNil(t, exec)
	assert.Equal(t, ExecutionSuccess, exec.Status)
	assert.Empty(t, exec.ErrorKind)
}

func TestEngine_SuccessfulRunDropsStepResults(t *testing.T) {
	var calls atomic.Int32
	store := steps.NewMemoryStore()
	wf := &Workflow{ID: "wf", Nodes: []Node{{ID: "a", Type: NodeTypeManualTrigger}}}
	engine := NewEngine(&stubRepo{workflow: wf}, countingRegistry(&calls),
		WithStepRunner(steps.NewRunner(store, steps.WithRetryPolicy(steps.NoRetry()))),
	)

	for i := 0; i < 20; i++ {
		_, err := engine.Run(context.Background(), RunRequest{WorkflowID: "wf"})
		require.NoError(t, err)
	}

	assert.Zero(t, store.Runs())
}

func TestEngine_FailedRunKeepsStepResults(t *testing.T) {
	store := steps.NewMemoryStore()
	wf := &Workflow{ID: "wf", Nodes: []Node{{ID: "a", Type: NodeTypeSlack}}}
	engine := NewEngine(&stubRepo{workflow: wf}, Registry{
		NodeTypeSlack: ExecutorFunc(func(ctx context.Context, p ExecuteParams) (Context, error) {
			return nil, validationError(p.NodeID, "nope")
		}),
	}, WithStepRunner(steps.NewRunner(store, steps.WithRetryPolicy(steps.NoRetry()))))

	_, err := engine.Run(context.Background(), RunRequest{WorkflowID: "wf", ExecutionID: "exec-f"})
	require.Error(t, err)

	_, ok, err := store.Load(context.Background(), "exec-f", "prepare-workflow")
	require.NoError(t, err)
	assert.True(t, ok)
}
