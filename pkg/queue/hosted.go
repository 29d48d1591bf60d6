package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/retry"
	"github.com/psantana5/partnerbatch/pkg/tracing"
)

// HostedConfig configures the hosted queue client
type HostedConfig struct {
	BaseURL string // e.g. https://qstash.upstash.io
	Token   string
	Timeout time.Duration
	Retry   retry.Config
}

// HostedPublisher publishes through the hosted queue's REST API
type HostedPublisher struct {
	baseURL string
	token   string
	client  *http.Client
	retry   retry.Config
	logger  *logging.Logger
}

// NewHostedPublisher creates a hosted queue publisher
func NewHostedPublisher(cfg HostedConfig, logger *logging.Logger) *HostedPublisher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	rc := cfg.Retry
	if rc.MaxRetries == 0 && rc.InitialBackoff == 0 {
		rc = retry.DefaultConfig()
	}
	logger = logger.WithField("component", "queue")
	if rc.OnRetry == nil {
		rc.OnRetry = func(attempt int, err error, wait time.Duration) {
			logger.Warn("Publish failed, retrying", map[string]interface{}{
				"attempt": attempt,
				"wait_ms": wait.Milliseconds(),
				"error":   err.Error(),
			})
		}
	}
	return &HostedPublisher{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		retry:   rc,
		logger:  logger,
	}
}

// Publish posts the message to {base}/v2/publish/{destination}
func (p *HostedPublisher) Publish(ctx context.Context, msg *Message) error {
	url := p.baseURL + "/v2/publish/" + msg.Destination

	err := retry.Do(ctx, p.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+p.token)
		req.Header.Set("Content-Type", "application/json")
		if msg.DeduplicationID != "" {
			req.Header.Set("Upstash-Deduplication-Id", msg.DeduplicationID)
		}
		if msg.Delay > 0 {
			req.Header.Set("Upstash-Delay", strconv.Itoa(int(msg.Delay.Seconds()))+"s")
		}
		if msg.Retries > 0 {
			req.Header.Set("Upstash-Retries", strconv.Itoa(msg.Retries))
		}
		tracing.InjectHTTPHeaders(ctx, req)

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("publish request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return retry.ForStatus("publish", resp.StatusCode, strings.TrimSpace(string(body)))
	})
	if err != nil {
		p.logger.Error("Failed to publish message", map[string]interface{}{
			"destination":      msg.Destination,
			"deduplication_id": msg.DeduplicationID,
			"error":            err.Error(),
		})
		return err
	}

	p.logger.Debug("Message published", map[string]interface{}{
		"destination":      msg.Destination,
		"deduplication_id": msg.DeduplicationID,
	})
	return nil
}
