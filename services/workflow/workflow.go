package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"nodebase/api/pkg/ctxlog"
	"nodebase/api/pkg/realtime"
)

// HandleGetWorkflow loads a workflow definition from the database and returns it as JSON.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Getting workflow", "id", id)

	wf, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleExecuteWorkflow runs a workflow with the request's initial data. By
// default it waits for the run and returns the final context; with
// ?async=true it answers 202 with the execution id and runs detached.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Executing workflow", "id", id)

	var req ExecuteRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run := RunRequest{
		WorkflowID:  id,
		InitialData: req.InitialData,
		ExecutionID: uuid.New().String(),
	}
	if isAsync(r) {
		s.startDetached(r.Context(), run)
		writeAccepted(w, run)
		return
	}
	s.runAndRespond(w, r, run)
}

// HandleStatusStream streams the workflow's node status events as
// Server-Sent Events until the client disconnects. ?executionId= narrows the
// stream to one execution.
func (s *Service) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := realtime.ForWorkflow(id)
	if executionID := r.URL.Query().Get("executionId"); executionID != "" {
		filter = func(e realtime.StatusEvent) bool {
			return e.WorkflowID == id && e.ExecutionID == executionID
		}
	}
	events, cancel := s.hub.Subscribe(filter, 64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Debug("Status stream opened", "workflowId", id)
	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Status stream closed", "workflowId", id)
			return
		case <-s.streamsClosed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleListExecutions returns a page of the execution history, newest first.
func (s *Service) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "page is invalid")
		return
	}
	pageSize, err := intParam(q.Get("pageSize"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "pageSize is invalid")
		return
	}

	result, err := s.executions.ListExecutions(r.Context(), q.Get("workflowId"), page, pageSize)
	if err != nil {
		slog.Error("Failed to list executions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// HandleGetExecution returns one execution record.
func (s *Service) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	exec, err := s.executions.GetExecution(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get execution", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if exec == nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(exec)
}

// HandleRetryExecution replays an execution under its original id. Steps that
// already succeeded in that execution return their recorded results instead
// of running again.
func (s *Service) HandleRetryExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Retrying execution", "id", id)

	exec, err := s.executions.ClaimExecution(r.Context(), id, time.Now().UTC())
	if err != nil {
		slog.Error("Failed to claim execution", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if exec == nil {
		s.writeUnclaimed(w, r, id)
		return
	}

	run := RunRequest{
		WorkflowID:  exec.WorkflowID,
		InitialData: exec.InitialData,
		ExecutionID: exec.ID,
	}
	if isAsync(r) {
		s.startDetached(r.Context(), run)
		writeAccepted(w, run)
		return
	}
	s.runAndRespond(w, r, run)
}

// writeUnclaimed answers a retry whose execution could not be claimed.
func (s *Service) writeUnclaimed(w http.ResponseWriter, r *http.Request, id string) {
	exec, err := s.executions.GetExecution(r.Context(), id)
	switch {
	case err != nil:
		slog.Error("Failed to get execution", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	case exec == nil:
		writeError(w, http.StatusNotFound, "execution not found")
	default:
		writeError(w, http.StatusConflict, "execution is still running")
	}
}

// handleTriggerWebhook starts a run of ?workflowId= with the request body
// bound under key in the initial data.
func (s *Service) handleTriggerWebhook(key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.URL.Query().Get("workflowId")
		if workflowID == "" {
			writeError(w, http.StatusBadRequest, "workflowId is required")
			return
		}

		var payload map[string]any
		if err := decodeOptionalBody(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if payload == nil {
			payload = map[string]any{}
		}

		slog.Info("Webhook trigger received", "workflowId", workflowID, "source", key)
		run := RunRequest{
			WorkflowID:  workflowID,
			InitialData: map[string]any{key: payload},
			ExecutionID: uuid.New().String(),
		}
		s.startDetached(r.Context(), run)
		writeAccepted(w, run)
	}
}

func (s *Service) runAndRespond(w http.ResponseWriter, r *http.Request, run RunRequest) {
	result, err := s.engine.Run(r.Context(), run)
	if err != nil {
		writeRunError(w, run.ExecutionID, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// startDetached runs the workflow in the background. The run keeps the
// request's logger but not its cancellation; CancelRuns aborts it.
func (s *Service) startDetached(ctx context.Context, run RunRequest) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.base, cancel)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer cancel()
		defer stop()
		if _, err := s.engine.Run(ctx, run); err != nil {
			ctxlog.FromContext(ctx).Debug("Detached run ended with error", "executionId", run.ExecutionID, "kind", KindOf(err))
		}
	}()
}

func isAsync(r *http.Request) bool {
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	return async
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// decodeOptionalBody decodes a JSON body, treating an empty body as absent.
func decodeOptionalBody(r *http.Request, out any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(out)
	if err == io.EOF {
		return nil
	}
	return err
}

func writeAccepted(w http.ResponseWriter, run RunRequest) {
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"workflowId":  run.WorkflowID,
		"executionId": run.ExecutionID,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

type runErrorResponse struct {
	Message     string `json:"message"`
	Kind        Kind   `json:"kind,omitempty"`
	NodeID      string `json:"nodeId,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
}

func writeRunError(w http.ResponseWriter, executionID string, err error) {
	resp := runErrorResponse{Message: "internal server error", ExecutionID: executionID}
	var we *Error
	if errors.As(err, &we) {
		resp.Message = we.Description()
		resp.Kind = we.Kind
		resp.NodeID = we.NodeID
	}
	w.WriteHeader(statusFor(resp.Kind))
	json.NewEncoder(w).Encode(resp)
}

// statusFor maps a failure kind to the HTTP status of the response.
func statusFor(kind Kind) int {
	switch kind {
	case KindWorkflowNotFound:
		return http.StatusNotFound
	case KindGraphIntegrity, KindCycleDetected, KindUnknownNodeType, KindValidation, KindNotFound:
		return http.StatusUnprocessableEntity
	case KindExternalService:
		return http.StatusBadGateway
	case KindAborted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
