package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/tracing"
)

// Deliverer invokes a message's destination. Errors whose text contains
// "non-retryable" are not redelivered.
type Deliverer interface {
	Deliver(ctx context.Context, msg *models.Message) error
}

func nonRetryable(format string, args ...interface{}) error {
	return fmt.Errorf("non-retryable: "+format, args...)
}

// HTTPDeliverer POSTs messages to their destination URL, signed
type HTTPDeliverer struct {
	client *http.Client
	signer *Signer
}

// NewHTTPDeliverer creates an HTTP deliverer. signer may be nil.
func NewHTTPDeliverer(signer *Signer, timeout time.Duration) *HTTPDeliverer {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPDeliverer{client: &http.Client{Timeout: timeout}, signer: signer}
}

// Deliver posts the body; any 2xx is success and any other 4xx is final
func (d *HTTPDeliverer) Deliver(ctx context.Context, msg *models.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Destination, bytes.NewReader(msg.Body))
	if err != nil {
		return nonRetryable("bad destination: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Upstash-Message-Id", msg.ID)
	req.Header.Set("Upstash-Retried", fmt.Sprintf("%d", msg.Attempts-1))
	if d.signer != nil {
		sig, err := d.signer.Sign(msg.Destination, msg.Body)
		if err != nil {
			return err
		}
		req.Header.Set(SignatureHeader, sig)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(body))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return nonRetryable("status %d: %s", resp.StatusCode, text)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, text)
}

// RunnerDeliverer hands job payloads straight to a Runner, skipping HTTP
type RunnerDeliverer struct {
	runner *batch.Runner
}

// NewRunnerDeliverer creates an in-process deliverer
func NewRunnerDeliverer(runner *batch.Runner) *RunnerDeliverer {
	return &RunnerDeliverer{runner: runner}
}

// Deliver decodes the payload and runs the page
func (d *RunnerDeliverer) Deliver(ctx context.Context, msg *models.Message) error {
	var payload models.JobPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return nonRetryable("bad payload: %v", err)
	}
	if payload.Job == "" {
		payload.Job = jobFromDestination(msg.Destination)
	}

	_, err := d.runner.Run(ctx, payload)
	if err == nil {
		return nil
	}
	if errors.Is(err, batch.ErrInvalidParams) || errors.Is(err, batch.ErrUnknownJob) {
		return nonRetryable("%v", err)
	}
	return err
}

func jobFromDestination(dest string) string {
	if i := strings.LastIndex(dest, CronPath("")); i >= 0 {
		return strings.Trim(dest[i+len(CronPath("")):], "/")
	}
	return ""
}

// FailRun returns a FailureFunc that marks the message's run failed once its
// page can no longer be delivered.
func FailRun(runner *batch.Runner) FailureFunc {
	return func(ctx context.Context, msg *models.Message) {
		var payload models.JobPayload
		if err := json.Unmarshal(msg.Body, &payload); err != nil || payload.RunID == "" {
			return
		}
		reason := "delivery failed after " + fmt.Sprint(msg.Attempts) + " attempts: " + msg.LastError
		if err := runner.Fail(ctx, payload.RunID, reason); err != nil {
			batch.LoggerFromContext(ctx).Error("Failed to mark run failed", map[string]interface{}{
				"run_id": payload.RunID,
				"error":  err.Error(),
			})
		}
	}
}
