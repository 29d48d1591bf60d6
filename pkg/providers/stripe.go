package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"

	"github.com/psantana5/partnerbatch/pkg/ratelimit"
)

// StripeConfig configures the Stripe client
type StripeConfig struct {
	SecretKey string
	BaseURL   string // overrides the API URL, e.g. for stripe-mock
	Timeout   time.Duration
	Retries   int64

	// RatePerSecond caps outbound API calls, 0 disables
	RatePerSecond float64
	Burst         int
}

// StripeClient creates promotion codes and transfers through the Stripe API
type StripeClient struct {
	api     *client.API
	limiter *ratelimit.Limiter
}

// NewStripeClient creates a client with its own backends, leaving the
// stripe package globals untouched.
func NewStripeClient(cfg StripeConfig) *StripeClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(cfg.Retries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	c := &StripeClient{api: api}
	if cfg.RatePerSecond > 0 {
		c.limiter = ratelimit.NewLimiter(cfg.RatePerSecond, cfg.Burst)
	}
	return c
}

func (c *StripeClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, "stripe"); err != nil {
		return fmt.Errorf("stripe rate limit wait: %w", err)
	}
	return nil
}

// CreatePromotionCode creates a code for the coupon
func (c *StripeClient) CreatePromotionCode(ctx context.Context, req PromotionCodeRequest) (*PromotionCode, error) {
	params := &stripe.PromotionCodeParams{
		Coupon: stripe.String(req.CouponID),
		Code:   stripe.String(req.Code),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	pc, err := c.api.PromotionCodes.New(params)
	if err != nil {
		return nil, classifyStripeError("create promotion code", err)
	}
	return &PromotionCode{ID: pc.ID, Code: pc.Code}, nil
}

// CreateTransfer sends funds to a connected account
func (c *StripeClient) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.Destination),
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	tr, err := c.api.Transfers.New(params)
	if err != nil {
		return nil, classifyStripeError("create transfer", err)
	}
	return &Transfer{ID: tr.ID}, nil
}

// classifyStripeError marks 4xx responses other than rate limits as
// non-retryable.
func classifyStripeError(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 && serr.HTTPStatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%s: %w: %s", op, ErrNonRetryable, serr.Msg)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
