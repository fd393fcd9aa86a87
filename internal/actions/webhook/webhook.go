// Package webhook notifies an HTTP endpoint of each occurrence. The response
// body is kept as the artifact.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"cronflow/internal/executor"
)

const (
	Name           = "webhook"
	DefaultTimeout = 30 * time.Second
	// maxBody caps the response size; larger responses fail the run.
	maxBody = 1 << 20
)

var ErrNoURL = errors.New("webhook: url is required")

type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

type Webhook struct {
	cfg    Config
	client *resty.Client
}

func New(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetResponseBodyLimit(maxBody)
	return &Webhook{cfg: cfg, client: client}, nil
}

// Payload is the JSON body posted for an occurrence.
type Payload struct {
	TaskID       string    `json:"task_id"`
	TaskName     string    `json:"task_name"`
	AttemptID    string    `json:"attempt_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (w *Webhook) Run(ctx context.Context, inv executor.Invocation) (executor.Output, error) {
	body, err := json.Marshal(Payload{
		TaskID:       inv.TaskID.String(),
		TaskName:     inv.TaskName,
		AttemptID:    inv.AttemptID.String(),
		ScheduledFor: inv.ScheduledFor.UTC(),
	})
	if err != nil {
		return executor.Output{}, fmt.Errorf("encode payload: %w", err)
	}

	rsp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", inv.TaskID.String()+"/"+inv.ScheduledFor.UTC().Format(time.RFC3339)).
		SetHeaders(w.cfg.Headers).
		SetBody(body).
		Post(w.cfg.URL)
	if err != nil {
		return executor.Output{}, fmt.Errorf("request failed: %w", err)
	}

	respBody := rsp.Body()
	if rsp.StatusCode() >= 400 {
		return executor.Output{}, &executor.Failure{
			Reason: fmt.Sprintf("webhook returned HTTP %d: %s", rsp.StatusCode(), truncate(respBody, 256)),
		}
	}

	ct := rsp.Header().Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return executor.Output{Data: respBody, ContentType: ct}, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
