package workflow

import "time"

// NodeType selects the executor that runs a node.
type NodeType string

const (
	NodeTypeInitial           NodeType = "INITIAL"
	NodeTypeManualTrigger     NodeType = "MANUAL_TRIGGER"
	NodeTypeGoogleFormTrigger NodeType = "GOOGLE_FORM_TRIGGER"
	NodeTypeStripeTrigger     NodeType = "STRIPE_TRIGGER"
	NodeTypeHTTPRequest       NodeType = "HTTP_REQUEST"
	NodeTypeOpenAI            NodeType = "OPENAI"
	NodeTypeAnthropic         NodeType = "ANTHROPIC"
	NodeTypeGemini            NodeType = "GEMINI"
	NodeTypeDiscord           NodeType = "DISCORD"
	NodeTypeSlack             NodeType = "SLACK"
)

// NodeTypes lists every known node type.
var NodeTypes = []NodeType{
	NodeTypeInitial,
	NodeTypeManualTrigger,
	NodeTypeGoogleFormTrigger,
	NodeTypeStripeTrigger,
	NodeTypeHTTPRequest,
	NodeTypeOpenAI,
	NodeTypeAnthropic,
	NodeTypeGemini,
	NodeTypeDiscord,
	NodeTypeSlack,
}

var nodeChannels = map[NodeType]string{
	NodeTypeInitial:           "manual-trigger-execution",
	NodeTypeManualTrigger:     "manual-trigger-execution",
	NodeTypeGoogleFormTrigger: "google-form-trigger-execution",
	NodeTypeStripeTrigger:     "stripe-trigger-execution",
	NodeTypeHTTPRequest:       "http-request-execution",
	NodeTypeOpenAI:            "openai-execution",
	NodeTypeAnthropic:         "anthropic-execution",
	NodeTypeGemini:            "gemini-execution",
	NodeTypeDiscord:           "discord-execution",
	NodeTypeSlack:             "slack-execution",
}

// Channel is the realtime channel status events for this node type are published on.
func (t NodeType) Channel() string {
	if ch, ok := nodeChannels[t]; ok {
		return ch
	}
	return "execution"
}

// DefaultPort is the port name used when a connection does not declare one.
const DefaultPort = "main"

// Workflow is an immutable snapshot of a user's node graph.
type Workflow struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	UserID      string       `json:"userId"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Node is one configured unit of work.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data,omitempty"`
}

// Position holds x/y coordinates for rendering the node on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Connection declares that ToNodeID must not run before FromNodeID. Port
// names are carried for the editor and do not affect ordering.
type Connection struct {
	FromNodeID string `json:"fromNodeId"`
	ToNodeID   string `json:"toNodeId"`
	FromOutput string `json:"fromOutput,omitempty"`
	ToInput    string `json:"toInput,omitempty"`
}

// Normalize fills empty port names with DefaultPort.
func (c Connection) Normalize() Connection {
	if c.FromOutput == "" {
		c.FromOutput = DefaultPort
	}
	if c.ToInput == "" {
		c.ToInput = DefaultPort
	}
	return c
}

// ExecuteRequest is the JSON body accepted by the execute endpoint.
type ExecuteRequest struct {
	InitialData map[string]any `json:"initialData"`
}

// RunRequest starts (or replays) one execution of a workflow.
type RunRequest struct {
	WorkflowID  string
	InitialData map[string]any
	// ExecutionID replays an earlier execution when set; memoized steps of
	// that execution are not repeated.
	ExecutionID string
}

// RunResult is returned by a successful run.
type RunResult struct {
	WorkflowID  string  `json:"workflowId"`
	ExecutionID string  `json:"executionId"`
	Result      Context `json:"result"`
}
