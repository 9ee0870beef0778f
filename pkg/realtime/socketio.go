package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"nodebase/api/pkg/ctxlog"
)

// StatusEventName is the socket.io event status updates are emitted as.
const StatusEventName = "status"

// SocketIOPublisher relays events to a socket.io server that pushes them to
// browsers. The connection is opened once and reused for every event.
type SocketIOPublisher struct {
	io emitter
}

// emitter is the part of a socket.io client the publisher uses.
type emitter interface {
	emit(event string, payload map[string]any)
	close()
}

type socketEmitter struct {
	io *socket.Socket
}

func (s socketEmitter) emit(event string, payload map[string]any) {
	s.io.Emit(event, payload)
}

func (s socketEmitter) close() {
	slog.Info("Disconnecting realtime socket", "sid", s.io.Id())
	s.io.Disconnect()
}

// DialSocketIO connects to rawURL (scheme://host/path) in namespace and
// waits for the handshake.
func DialSocketIO(ctx context.Context, rawURL, namespace string) (*SocketIOPublisher, error) {
	logger := ctxlog.FromContext(ctx).With("publisher", "socketio", "url", rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if namespace == "" {
		namespace = "/"
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(namespace, opts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to realtime server", "sid", io.Id())
		signal(connected, nil)
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		signal(connected, err)
	})

	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &SocketIOPublisher{io: socketEmitter{io: io}}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection")
	case <-time.After(15 * time.Second):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after 15s waiting for socket.io connection")
	}
}

func (p *SocketIOPublisher) Publish(ctx context.Context, event StatusEvent) {
	payload, err := eventPayload(event)
	if err != nil {
		ctxlog.FromContext(ctx).Error("Failed to encode status event", "nodeId", event.NodeID, "error", err)
		return
	}
	p.io.emit(StatusEventName, payload)
}

// Close disconnects from the server.
func (p *SocketIOPublisher) Close() {
	p.io.close()
}

// signal reports the handshake outcome. Only the first outcome is kept; later
// callbacks must not block the client's event loop.
func signal(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// eventPayload converts event to the plain map the socket.io encoder expects.
func eventPayload(event StatusEvent) (map[string]any, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
