package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct {
	events   []string
	payloads []map[string]any
	closed   bool
}

func (f *fakeEmitter) emit(event string, payload map[string]any) {
	f.events = append(f.events, event)
	f.payloads = append(f.payloads, payload)
}

func (f *fakeEmitter) close() { f.closed = true }

func TestSocketIOPublisher_Publish(t *testing.T) {
	fake := &fakeEmitter{}
	p := &SocketIOPublisher{io: fake}

	p.Publish(context.Background(), StatusEvent{
		WorkflowID:  "wf-1",
		ExecutionID: "exec-1",
		NodeID:      "ask",
		NodeType:    "OPENAI",
		Channel:     "openai-execution",
		Status:      StatusSuccess,
	})

	require.Equal(t, []string{StatusEventName}, fake.events)
	payload := fake.payloads[0]
	assert.Equal(t, "ask", payload["nodeId"])
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, "wf-1", payload["workflowId"])

	p.Close()
	assert.True(t, fake.closed)
}

func TestSignal_KeepsFirstOutcome(t *testing.T) {
	ch := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		signal(ch, errors.New("connect_error"))
		signal(ch, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second signal blocked")
	}
	assert.EqualError(t, <-ch, "connect_error")
}

func TestDialSocketIO_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	p, err := DialSocketIO(ctx, srv.URL+"/socket.io/", "/")

	require.Error(t, err)
	assert.Nil(t, p)
}

func TestDialSocketIO_InvalidURL(t *testing.T) {
	_, err := DialSocketIO(context.Background(), "://bad", "/")
	assert.ErrorContains(t, err, "failed to parse URL")
}
