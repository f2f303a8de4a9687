package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/speedyvan/dispatch/internal/apperr"
)

// PushDispatcher triggers events on a hosted channel push service. Each
// message becomes one trigger call in the {name, channels, data} shape used
// by Pusher-compatible APIs.
type PushDispatcher struct {
	client   *resty.Client
	endpoint string
}

type pushTrigger struct {
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
	Data     any      `json:"data"`
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	client := resty.New().
		SetTimeout(3 * time.Second).
		SetHeader("Content-Type", "application/json")
	if key != "" {
		client.SetHeader("Authorization", "Bearer "+key)
	}
	return &PushDispatcher{client: client, endpoint: endpoint}
}

func (p *PushDispatcher) Name() string { return "push" }

func (p *PushDispatcher) Publish(ctx context.Context, msgs ...Message) error {
	for _, m := range msgs {
		resp, err := p.client.R().
			SetContext(ctx).
			SetBody(pushTrigger{Name: m.Event, Channels: []string{m.Channel}, Data: m.Data}).
			Post(p.endpoint)
		if err != nil {
			return fmt.Errorf("trigger %s on %s: %w: %v", m.Event, m.Channel, apperr.ErrExternalService, err)
		}
		if resp.IsError() {
			return fmt.Errorf("trigger %s on %s: status %d: %w", m.Event, m.Channel, resp.StatusCode(), apperr.ErrExternalService)
		}
	}
	return nil
}
