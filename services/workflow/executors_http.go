package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"nodebase/api/pkg/realtime"
	"nodebase/api/pkg/steps"
)

const maxResponseBytes = 10 << 20

var httpMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// httpRequestData is the configuration of an HTTP_REQUEST node.
type httpRequestData struct {
	VariableName string `json:"variableName"`
	Endpoint     string `json:"endpoint"`
	Method       string `json:"method"`
	Body         string `json:"body"`
}

// HTTPResponse is what an HTTP_REQUEST node binds under httpResponse.
type HTTPResponse struct {
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	Data       any    `json:"data"`
}

// HTTPRequestExecutor handles the HTTP_REQUEST node type. The endpoint and
// body are templates; JSON responses are decoded so later nodes can address
// fields, e.g. {{todo.httpResponse.data.title}}.
type HTTPRequestExecutor struct {
	client *http.Client
}

func (e *HTTPRequestExecutor) Execute(ctx context.Context, p ExecuteParams) (Context, error) {
	const node = "HTTP Request"
	p.publish(ctx, realtime.StatusLoading)

	var cfg httpRequestData
	if err := decodeData(p.Data, &cfg); err != nil {
		return nil, p.fail(ctx, invalidConfig(p.NodeID, node, err))
	}
	if cfg.VariableName == "" {
		return nil, p.fail(ctx, missingField(p.NodeID, node, "variableName"))
	}
	if cfg.Endpoint == "" {
		return nil, p.fail(ctx, missingField(p.NodeID, node, "endpoint"))
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !httpMethods[method] {
		return nil, p.fail(ctx, validationError(p.NodeID, "%s node: unsupported method %q", node, cfg.Method))
	}

	endpoint, err := render(p.NodeID, node, "endpoint", cfg.Endpoint, p.Context)
	if err != nil {
		return nil, p.fail(ctx, err)
	}

	var body []byte
	if cfg.Body != "" && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch) {
		rendered, err := render(p.NodeID, node, "body", cfg.Body, p.Context)
		if err != nil {
			return nil, p.fail(ctx, err)
		}
		if !json.Valid([]byte(rendered)) {
			return nil, p.fail(ctx, validationError(p.NodeID, "%s node: body is not valid JSON", node))
		}
		body = []byte(rendered)
	}

	resp, err := steps.Do(ctx, p.Step, "http-request", func(ctx context.Context) (HTTPResponse, error) {
		return e.do(ctx, p.NodeID, method, endpoint, body)
	})
	if err != nil {
		return nil, p.fail(ctx, asNodeError(p.NodeID, err, "%s node: %s %s failed", node, method, endpoint))
	}

	p.publish(ctx, realtime.StatusSuccess)
	return p.Context.With(cfg.VariableName, map[string]any{
		"httpResponse": map[string]any{
			"status":     resp.Status,
			"statusText": resp.StatusText,
			"data":       resp.Data,
		},
	}), nil
}

func (e *HTTPRequestExecutor) do(ctx context.Context, nodeID, method, endpoint string, body []byte) (HTTPResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return HTTPResponse{}, validationError(nodeID, "HTTP Request node: invalid endpoint %q: %v", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return HTTPResponse{}, externalError(nodeID, true, err, "request to %s failed", endpoint)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return HTTPResponse{}, externalError(nodeID, true, err, "read response from %s", endpoint)
	}
	if err := statusError(nodeID, endpoint, resp.StatusCode); err != nil {
		return HTTPResponse{}, err
	}

	return HTTPResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Data:       decodeBody(resp.Header.Get("Content-Type"), raw),
	}, nil
}

// statusError classifies non-2xx responses: server errors and throttling are
// worth retrying, other client errors are not.
func statusError(nodeID, endpoint string, code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	retriable := code >= 500 || code == http.StatusTooManyRequests
	return externalError(nodeID, retriable, fmt.Errorf("status %d", code), "%s responded with %s", endpoint, http.StatusText(code))
}

func decodeBody(contentType string, raw []byte) any {
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// postJSON sends payload to url and fails on any non-2xx response.
func postJSON(ctx context.Context, client *http.Client, nodeID, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return steps.NonRetriable(fmt.Errorf("encode payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return validationError(nodeID, "invalid webhook url: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return externalError(nodeID, true, err, "request to webhook failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	return statusError(nodeID, "webhook", resp.StatusCode)
}
