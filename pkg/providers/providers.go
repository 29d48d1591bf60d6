// Package providers wraps the payment and email services used by jobs.
// Jobs depend on the small interfaces here; the Stripe and SMTP types
// implement them.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNonRetryable marks provider failures that will not succeed on retry
var ErrNonRetryable = errors.New("non-retryable provider error")

// PromotionCodeRequest asks for a customer-facing code on a coupon
type PromotionCodeRequest struct {
	CouponID       string
	Code           string
	IdempotencyKey string
	Metadata       map[string]string
}

// PromotionCode is a created code
type PromotionCode struct {
	ID   string
	Code string
}

// PromotionCodes creates promotion codes
type PromotionCodes interface {
	CreatePromotionCode(ctx context.Context, req PromotionCodeRequest) (*PromotionCode, error)
}

// TransferRequest moves money to a connected account
type TransferRequest struct {
	Amount         int64 // minor units
	Currency       string
	Destination    string // connected account id
	TransferGroup  string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Transfer is a created transfer
type Transfer struct {
	ID string
}

// Transfers creates transfers
type Transfers interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
}

// Email is one outbound message
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
	Headers map[string]string
}

// Mailer sends emails
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// Unconfigured stands in for a payment provider without credentials. Every
// call fails without retry, so affected items are counted as failed.
type Unconfigured struct {
	Name string
}

func (u Unconfigured) err() error {
	return fmt.Errorf("%w: %s is not configured", ErrNonRetryable, u.Name)
}

func (u Unconfigured) CreatePromotionCode(ctx context.Context, req PromotionCodeRequest) (*PromotionCode, error) {
	return nil, u.err()
}

func (u Unconfigured) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	return nil, u.err()
}

// NormalizeCode turns free text into an upper-case alphanumeric code
func NormalizeCode(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
