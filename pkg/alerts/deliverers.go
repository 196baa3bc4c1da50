package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/retry"
	"github.com/canopy-network/entityx/pkg/utils"
	"github.com/slack-go/slack"
)

// Deliverer sends one payload to one channel. Returning a retry.Permanent
// error stops further attempts for that channel.
type Deliverer interface {
	Deliver(ctx context.Context, ch alert.Channel, payload []byte) error
}

// WebhookDeliverer POSTs the JSON payload to the channel target.
type WebhookDeliverer struct {
	client *http.Client
}

func NewWebhookDeliverer(client *http.Client) *WebhookDeliverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookDeliverer{client: client}
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, ch alert.Channel, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Target, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "entityx-alerts")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

// SlackDeliverer posts a formatted message to the channel target ("#room" or
// a channel id).
type SlackDeliverer struct {
	api *slack.Client
}

func NewSlackDeliverer(token string, opts ...slack.Option) *SlackDeliverer {
	return &SlackDeliverer{api: slack.New(token, opts...)}
}

func (d *SlackDeliverer) Deliver(ctx context.Context, ch alert.Channel, payload []byte) error {
	var p alert.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return retry.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	text := slackText(p)
	_, _, err := d.api.PostMessageContext(ctx, ch.Target,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
			slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("alert `%s` rule `%s`", p.AlertID, p.RuleID), false, false)),
		),
	)
	if err != nil {
		var limited *slack.RateLimitedError
		if errors.As(err, &limited) {
			return err
		}
		var rejected slack.SlackErrorResponse
		if errors.As(err, &rejected) {
			return retry.Permanent(fmt.Errorf("slack rejected message: %w", err))
		}
		return fmt.Errorf("post slack message: %w", err)
	}
	return nil
}

func slackText(p alert.Payload) string {
	name := p.EntityName
	if name == "" {
		name = p.EntityID
	}
	return fmt.Sprintf(":rotating_light: *%s*: %s `%s` is %.4g (threshold %.4g)",
		p.RuleName, name, p.Metric, p.Value, p.Threshold)
}

// StreamPublisher appends to a Redis stream.
type StreamPublisher interface {
	Append(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// StreamDeliverer appends the payload to the Redis stream named by the
// channel target.
type StreamDeliverer struct {
	streams StreamPublisher
}

func NewStreamDeliverer(streams StreamPublisher) *StreamDeliverer {
	return &StreamDeliverer{streams: streams}
}

func (d *StreamDeliverer) Deliver(ctx context.Context, ch alert.Channel, payload []byte) error {
	if _, err := d.streams.Append(ctx, ch.Target, map[string]interface{}{"payload": string(payload)}); err != nil {
		return fmt.Errorf("append to stream %s: %w", ch.Target, err)
	}
	return nil
}
