// Package enrich notifies the downstream enrichment process after a
// successful extraction. Failures here never undo a job's success.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"document-intake/internal/config"
	"document-intake/internal/models"
)

// Event describes the job that just completed.
type Event struct {
	JobID       string         `json:"job_id"`
	Kind        models.JobKind `json:"kind"`
	Fingerprint string         `json:"fingerprint"`
	ResultPath  string         `json:"result_path"`
	Inputs      []string       `json:"inputs"`
	At          time.Time      `json:"at"`
}

// Trigger fires the enrichment step.
type Trigger interface {
	Trigger(ctx context.Context, ev Event) error
}

// Noop does nothing.
type Noop struct{}

func (Noop) Trigger(context.Context, Event) error { return nil }

// Webhook POSTs the event as JSON. Any non-2xx response is an error.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Trigger(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}

// RedisPublish publishes the event on a pub/sub channel.
type RedisPublish struct {
	client  *redis.Client
	channel string
}

func NewRedisPublish(client *redis.Client, channel string) *RedisPublish {
	return &RedisPublish{client: client, channel: channel}
}

func (r *RedisPublish) Trigger(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}

// FromConfig picks the webhook when a URL is set, else Redis pub/sub when a
// channel and client are available, else Noop.
func FromConfig(cfg config.Config, client *redis.Client) Trigger {
	switch {
	case cfg.EnrichWebhookURL != "":
		return NewWebhook(cfg.EnrichWebhookURL, cfg.EnrichTimeout)
	case cfg.EnrichRedisChannel != "" && client != nil:
		return NewRedisPublish(client, cfg.EnrichRedisChannel)
	default:
		return Noop{}
	}
}
