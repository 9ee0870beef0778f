package workflow

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"nodebase/api/pkg/realtime"
)

// WorkflowRepo abstracts workflow persistence for testability.
type WorkflowRepo interface {
	// Get returns nil, nil when no workflow has the id.
	Get(ctx context.Context, id string) (*Workflow, error)
}

// Service wires together the repository, execution history and engine for
// the workflow domain.
type Service struct {
	repo       WorkflowRepo
	executions ExecutionStore
	engine     *Engine
	hub        *realtime.Hub

	base       context.Context
	cancelRuns context.CancelFunc
	runs       sync.WaitGroup

	streamsClosed chan struct{}
	closeStreams  sync.Once
}

// NewService creates a Service. hub may be nil, in which case the status
// stream endpoint is not registered.
func NewService(repo WorkflowRepo, executions ExecutionStore, engine *Engine, hub *realtime.Hub) *Service {
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:       repo,
		executions: executions,
		engine:     engine,
		hub:        hub,
		base:       base,
		cancelRuns: cancel,

		streamsClosed: make(chan struct{}),
	}
}

// CloseStreams ends every open status stream. Register it with
// http.Server.RegisterOnShutdown, since Shutdown does not wait out
// long-lived responses.
func (s *Service) CloseStreams() {
	s.closeStreams.Do(func() { close(s.streamsClosed) })
}

// CancelRuns cancels every detached run, so each ends as ABORTED and
// records its execution. Runs started afterwards are cancelled at once.
func (s *Service) CancelRuns() {
	s.cancelRuns()
}

// Wait blocks until every detached run started by the service has finished
// or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	// The event stream sets its own content type, so it sits outside the
	// JSON subrouter.
	if s.hub != nil {
		parentRouter.HandleFunc("/workflows/{id}/status", s.HandleStatusStream).Methods("GET")
	}

	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}/execute", s.HandleExecuteWorkflow).Methods("POST")

	executions := parentRouter.PathPrefix("/executions").Subrouter()
	executions.Use(jsonMiddleware)
	executions.HandleFunc("", s.HandleListExecutions).Methods("GET")
	executions.HandleFunc("/{id}", s.HandleGetExecution).Methods("GET")
	executions.HandleFunc("/{id}/retry", s.HandleRetryExecution).Methods("POST")

	webhooks := parentRouter.PathPrefix("/webhooks").Subrouter()
	webhooks.Use(jsonMiddleware)
	webhooks.HandleFunc("/google-form", s.handleTriggerWebhook("googleForm")).Methods("POST")
	webhooks.HandleFunc("/stripe", s.handleTriggerWebhook("stripe")).Methods("POST")
}
