package workflow

import (
	"context"
	"net/http"

	"nodebase/api/pkg/realtime"
	"nodebase/api/pkg/steps"
)

// webhookData is the configuration of DISCORD and SLACK nodes.
type webhookData struct {
	VariableName string `json:"variableName"`
	WebhookURL   string `json:"webhookUrl"`
	Content      string `json:"content"`
	Username     string `json:"username"`
}

type webhookTarget struct {
	name       string
	stepName   string
	maxContent int
	payload    func(content, username string) map[string]any
}

var discordWebhook = webhookTarget{
	name:       "Discord",
	stepName:   "discord-webhook",
	maxContent: 2000,
	payload: func(content, username string) map[string]any {
		p := map[string]any{"content": content}
		if username != "" {
			p["username"] = username
		}
		return p
	},
}

var slackWebhook = webhookTarget{
	name:     "Slack",
	stepName: "slack-webhook",
	payload: func(content, _ string) map[string]any {
		return map[string]any{"text": content}
	},
}

// WebhookExecutor posts a rendered message to a chat webhook.
type WebhookExecutor struct {
	target webhookTarget
	client *http.Client
}

func (e *WebhookExecutor) Execute(ctx context.Context, p ExecuteParams) (Context, error) {
	node := e.target.name
	p.publish(ctx, realtime.StatusLoading)

	var cfg webhookData
	if err := decodeData(p.Data, &cfg); err != nil {
		return nil, p.fail(ctx, invalidConfig(p.NodeID, node, err))
	}
	if cfg.VariableName == "" {
		return nil, p.fail(ctx, missingField(p.NodeID, node, "variableName"))
	}
	if cfg.WebhookURL == "" {
		return nil, p.fail(ctx, missingField(p.NodeID, node, "webhookUrl"))
	}
	if cfg.Content == "" {
		return nil, p.fail(ctx, missingField(p.NodeID, node, "content"))
	}

	content, err := render(p.NodeID, node, "content", cfg.Content, p.Context)
	if err != nil {
		return nil, p.fail(ctx, err)
	}
	content = truncate(content, e.target.maxContent)

	_, err = steps.Do(ctx, p.Step, e.target.stepName, func(ctx context.Context) (bool, error) {
		if err := postJSON(ctx, e.client, p.NodeID, cfg.WebhookURL, e.target.payload(content, cfg.Username)); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, p.fail(ctx, asNodeError(p.NodeID, err, "%s node: failed to send message", node))
	}

	p.publish(ctx, realtime.StatusSuccess)
	return p.Context.With(cfg.VariableName, map[string]any{
		"messageContent": content,
	}), nil
}
