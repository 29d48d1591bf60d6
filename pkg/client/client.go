// Package client talks to the partnerd operator API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/partnerbatch/pkg/models"
)

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Body)
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(msg), &parsed) == nil && parsed.Error != "" {
		msg = parsed.Error
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, msg)
}

// Client manages communication with partnerd
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithTLS sets the transport's TLS configuration
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	}
}

// WithTimeout overrides the request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// New creates a new API client
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, okStatus ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to partnerd: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if len(okStatus) == 0 {
		okStatus = []int{http.StatusOK}
	}
	ok := false
	for _, s := range okStatus {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// JobInfo describes a registered job
type JobInfo struct {
	Name     string `json:"name"`
	PageSize int    `json:"page_size"`
}

// ListJobs lists registered jobs
func (c *Client) ListJobs(ctx context.Context) ([]JobInfo, error) {
	var resp struct {
		Jobs []JobInfo `json:"jobs"`
	}
	if err := c.do(ctx, "GET", "/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// StartJob starts a run of job with the given params
func (c *Client) StartJob(ctx context.Context, job string, params map[string]interface{}) (*models.JobRun, error) {
	req := map[string]interface{}{}
	if len(params) > 0 {
		req["params"] = params
	}
	var run models.JobRun
	if err := c.do(ctx, "POST", "/jobs/"+url.PathEscape(job), req, &run, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists runs, newest first
func (c *Client) ListRuns(ctx context.Context, f models.RunFilter) ([]*models.JobRun, error) {
	q := url.Values{}
	if f.Job != "" {
		q.Set("job", f.Job)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Runs []*models.JobRun `json:"runs"`
	}
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// GetRun fetches one run
func (c *Client) GetRun(ctx context.Context, id string) (*models.JobRun, error) {
	var run models.JobRun
	if err := c.do(ctx, "GET", "/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun cancels a running run
func (c *Client) CancelRun(ctx context.Context, id string) (*models.JobRun, error) {
	var run models.JobRun
	if err := c.do(ctx, "POST", "/runs/"+url.PathEscape(id)+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// WaitForRun polls a run until it reaches a terminal status
func (c *Client) WaitForRun(ctx context.Context, id string, interval time.Duration, onUpdate func(*models.JobRun)) (*models.JobRun, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(run)
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PayoutConfirmation is the result of confirming a program's payouts
type PayoutConfirmation struct {
	Invoice *models.Invoice `json:"invoice"`
	Run     *models.JobRun  `json:"run"`
}

// ConfirmPayouts creates an invoice for a program's pending payouts
func (c *Client) ConfirmPayouts(ctx context.Context, programID string) (*PayoutConfirmation, error) {
	var resp PayoutConfirmation
	path := "/programs/" + url.PathEscape(programID) + "/payouts/confirm"
	if err := c.do(ctx, "POST", path, nil, &resp, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetInvoice fetches one invoice
func (c *Client) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	var inv models.Invoice
	if err := c.do(ctx, "GET", "/invoices/"+url.PathEscape(id), nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// SendInvoice starts transferring a ready invoice's payouts
func (c *Client) SendInvoice(ctx context.Context, id string) (*models.JobRun, error) {
	var run models.JobRun
	if err := c.do(ctx, "POST", "/invoices/"+url.PathEscape(id)+"/send", nil, &run, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListMessages lists local queue messages
func (c *Client) ListMessages(ctx context.Context, status models.MessageStatus, limit int) ([]*models.Message, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Messages []*models.Message `json:"messages"`
	}
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Health returns the health document; an unhealthy service is an error
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var resp map[string]interface{}
	if err := c.do(ctx, "GET", "/health", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
