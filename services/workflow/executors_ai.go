package workflow

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"

	"nodebase/api/pkg/credentials"
	"nodebase/api/pkg/realtime"
	"nodebase/api/pkg/steps"
)

const defaultSystemPrompt = "You are a helpful assistant."

type provider struct {
	name           string
	nodeType       NodeType
	credentialType credentials.Type
	defaultModel   string
	stepName       string
}

var (
	providerOpenAI = provider{
		name:           "OpenAI",
		nodeType:       NodeTypeOpenAI,
		credentialType: credentials.TypeOpenAI,
		defaultModel:   "gpt-4o-mini",
		stepName:       "openai-generate-text",
	}
	providerAnthropic = provider{
		name:           "Anthropic",
		nodeType:       NodeTypeAnthropic,
		credentialType: credentials.TypeAnthropic,
		defaultModel:   "claude-3-5-haiku-latest",
		stepName:       "anthropic-generate-text",
	}
	providerGemini = provider{
		name:           "Gemini",
		nodeType:       NodeTypeGemini,
		credentialType: credentials.TypeGemini,
		defaultModel:   "gemini-2.0-flash",
		stepName:       "gemini-generate-text",
	}
)

// ModelFactory builds a chat model client for a provider node type.
type ModelFactory func(ctx context.Context, nodeType NodeType, apiKey, model string) (llms.Model, error)

// NewModel is the ModelFactory backed by the langchaingo provider clients.
func NewModel(ctx context.Context, nodeType NodeType, apiKey, model string) (llms.Model, error) {
	switch nodeType {
	case NodeTypeOpenAI:
		return openai.New(openai.WithToken(apiKey), openai.WithModel(model))
	case NodeTypeAnthropic:
		return anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(model))
	case NodeTypeGemini:
		return googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model))
	default:
		return nil, fmt.Errorf("no model provider for node type %q", nodeType)
	}
}

// aiData is the configuration of OPENAI, ANTHROPIC and GEMINI nodes.
type aiData struct {
	VariableName string `json:"variableName"`
	CredentialID string `json:"credentialId"`
	SystemPrompt string `json:"systemPrompt"`
	UserPrompt   string `json:"userPrompt"`
	Model        string `json:"model"`
}

type generateParams struct {
	Model  string
	System string
	Prompt string
}

// AIExecutor sends a rendered prompt to a chat model and binds the reply
// text under the node's variable name.
type AIExecutor struct {
	provider    provider
	credentials credentials.Store
	cipher      credentials.Decrypter
	models      ModelFactory
}

func newAIExecutor(p provider, deps ExecutorDeps) *AIExecutor {
	return &AIExecutor{
		provider:    p,
		credentials: deps.Credentials,
		cipher:      deps.Cipher,
		models:      deps.Models,
	}
}

func (e *AIExecutor) Execute(ctx context.Context, p ExecuteParams) (Context, error) {
	node := e.provider.name
	p.publish(ctx, realtime.StatusLoading)

	var cfg aiData
	if err := decodeData(p.Data, &cfg); err != nil {
		return nil, p.fail(ctx, invalidConfig(p.NodeID, node, err))
	}
	if cfg.VariableName == "" {
		return nil, p.fail(ctx, missingField(p.NodeID, node, "variableName"))
	}
	if cfg.UserPrompt == "" {
		return nil, p.fail(ctx, missingField(p.NodeID, node, "userPrompt"))
	}
	if cfg.CredentialID == "" {
		return nil, p.fail(ctx, missingField(p.NodeID, node, "credentialId"))
	}

	systemPrompt := defaultSystemPrompt
	if cfg.SystemPrompt != "" {
		rendered, err := render(p.NodeID, node, "systemPrompt", cfg.SystemPrompt, p.Context)
		if err != nil {
			return nil, p.fail(ctx, err)
		}
		systemPrompt = rendered
	}
	userPrompt, err := render(p.NodeID, node, "userPrompt", cfg.UserPrompt, p.Context)
	if err != nil {
		return nil, p.fail(ctx, err)
	}

	apiKey, err := e.resolveKey(ctx, p, cfg.CredentialID)
	if err != nil {
		return nil, p.fail(ctx, err)
	}

	model := cfg.Model
	if model == "" {
		model = e.provider.defaultModel
	}
	text, err := steps.Wrap(ctx, p.Step, e.provider.stepName, e.generate(apiKey), generateParams{
		Model:  model,
		System: systemPrompt,
		Prompt: userPrompt,
	})
	if err != nil {
		return nil, p.fail(ctx, asNodeError(p.NodeID, err, "%s node: generation failed", node))
	}

	p.publish(ctx, realtime.StatusSuccess)
	return p.Context.With(cfg.VariableName, map[string]any{"text": text}), nil
}

// resolveKey loads the user's credential and decrypts it. The plaintext only
// lives for the duration of the model call.
func (e *AIExecutor) resolveKey(ctx context.Context, p ExecuteParams, credentialID string) (string, error) {
	node := e.provider.name
	if e.credentials == nil || e.cipher == nil {
		return "", validationError(p.NodeID, "%s node: credentials are not configured", node)
	}

	cred, err := steps.Do(ctx, p.Step, "get-credential", func(ctx context.Context) (*credentials.Credential, error) {
		c, err := e.credentials.Get(ctx, credentialID, p.UserID)
		if err != nil {
			return nil, externalError(p.NodeID, true, err, "load credential")
		}
		return c, nil
	})
	if err != nil {
		return "", asNodeError(p.NodeID, err, "%s node: failed to load credential", node)
	}
	if cred == nil {
		return "", notFoundError(p.NodeID, "%s node: credential not found", node)
	}
	if cred.Type != "" && cred.Type != e.provider.credentialType {
		return "", validationError(p.NodeID, "%s node: credential is a %s credential", node, cred.Type)
	}

	apiKey, err := e.cipher.Decrypt(cred.Value)
	if err != nil {
		return "", validationError(p.NodeID, "%s node: credential could not be decrypted", node)
	}
	return apiKey, nil
}

func (e *AIExecutor) generate(apiKey string) func(context.Context, generateParams) (string, error) {
	return func(ctx context.Context, params generateParams) (string, error) {
		llm, err := e.models(ctx, e.provider.nodeType, apiKey, params.Model)
		if err != nil {
			return "", steps.NonRetriable(fmt.Errorf("create %s client: %w", e.provider.name, err))
		}

		resp, err := llm.GenerateContent(ctx, []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, params.System),
			llms.TextParts(llms.ChatMessageTypeHuman, params.Prompt),
		})
		if err != nil {
			return "", providerError(err)
		}
		if resp == nil || len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Content, nil
	}
}

// providerStatus matches the HTTP status langchaingo clients put in their
// errors: "status code: 401" (OpenAI, Anthropic) and "Error 400" (Google).
var providerStatus = regexp.MustCompile(`(?:status code:?|Error) (\d{3})\b`)

// providerError marks client errors from a model provider as final. Rate
// limiting (429) stays retriable, as do errors without a status.
func providerError(err error) error {
	m := providerStatus.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	code, _ := strconv.Atoi(m[1])
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return steps.NonRetriable(err)
	}
	return err
}
