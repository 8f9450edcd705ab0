package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/snapforge/engine/pkg/types"
)

const (
	webhookAttemptTimeout = 10 * time.Second
	webhookMaxRetries     = 3
	webhookInitialBackoff = 500 * time.Millisecond
)

// Notifier posts terminal-status payloads to job webhooks. Delivery is
// at-least-once: any 2xx counts as delivered, everything else is retried
// with exponential backoff up to the retry budget.
type Notifier struct {
	client         *http.Client
	logger         *zap.Logger
	initialBackoff time.Duration // shortened by tests
}

func NewNotifier(logger *zap.Logger) *Notifier {
	return &Notifier{
		client:         &http.Client{Timeout: webhookAttemptTimeout},
		logger:         logger,
		initialBackoff: webhookInitialBackoff,
	}
}

// Notify delivers one payload, blocking through retries until success, the
// retry budget, or ctx cancellation.
func (n *Notifier) Notify(ctx context.Context, url, authHeader string, payload types.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	attempt := 0
	operation := func() error {
		attempt++

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Warn("Webhook attempt failed",
				zap.String("job_id", payload.JobID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
			n.logger.Warn("Webhook attempt rejected",
				zap.String("job_id", payload.JobID),
				zap.Int("attempt", attempt),
				zap.Int("status", resp.StatusCode))
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = n.initialBackoff
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, webhookMaxRetries), ctx))
}
