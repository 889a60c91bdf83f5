package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/internal/logging"
	"github.com/judgehub/videopipe/pkg/models"
)

// Events sent when a record settles
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Event is the JSON body posted to every endpoint
type Event struct {
	Event     string            `json:"event"`
	Kind      models.RecordKind `json:"kind"`
	ID        string            `json:"id"`
	Status    models.JobStatus  `json:"status"`
	Progress  int               `json:"progress"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier posts terminal job events to the configured endpoints. It is
// a progress sink that ignores every non-terminal update.
type Notifier struct {
	client      *http.Client
	urls        []string
	secret      string
	maxAttempts int
	retryDelay  time.Duration
	logger      *logging.Logger

	wg sync.WaitGroup
}

// New creates a notifier, or nil when no endpoint is configured
func New(cfg config.WebhookConfig, logger *logging.Logger) *Notifier {
	if len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = logging.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return &Notifier{
		client:      &http.Client{Timeout: timeout},
		urls:        cfg.URLs,
		secret:      cfg.Secret,
		maxAttempts: attempts,
		retryDelay:  cfg.RetryDelay,
		logger:      logger,
	}
}

// PublishProgress fires completed and failed events in the background
func (n *Notifier) PublishProgress(ctx context.Context, kind models.RecordKind, id string, status models.JobStatus, progress int) error {
	var event string
	switch status {
	case models.JobStatusCompleted:
		event = EventJobCompleted
	case models.JobStatusFailed:
		event = EventJobFailed
	default:
		return nil
	}

	payload, err := json.Marshal(Event{
		Event:     event,
		Kind:      kind,
		ID:        id,
		Status:    status,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	deliveryID := uuid.NewString()
	for _, url := range n.urls {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.deliver(context.WithoutCancel(ctx), url, event, deliveryID, payload)
		}(url)
	}
	return nil
}

// Wait blocks until every pending delivery has finished
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// deliver posts payload to url, retrying with doubling delays
func (n *Notifier) deliver(ctx context.Context, url, event, deliveryID string, payload []byte) {
	logger := n.logger.WithField("webhook_url", url).WithField("delivery_id", deliveryID)
	delay := n.retryDelay

	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		err := n.send(ctx, url, event, deliveryID, payload)
		if err == nil {
			logger.Debugf("Delivered %s", event)
			return
		}

		if attempt == n.maxAttempts {
			logger.Warnf("Giving up on %s after %d attempts: %v", event, attempt, err)
			return
		}
		logger.Debugf("Delivery attempt %d failed: %v", attempt, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (n *Notifier) send(ctx context.Context, url, event, deliveryID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Videopipe-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", deliveryID)
	if n.secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the HMAC-SHA256 signature of payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
