package providers

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/ratelimit"
	"github.com/psantana5/partnerbatch/pkg/retry"
)

// SMTPConfig configures the SMTP mailer
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// RatePerSecond caps outbound messages; 0 means unlimited
	RatePerSecond float64
	Burst         int
	Retry         retry.Config
}

// SMTPMailer sends email through an SMTP relay
type SMTPMailer struct {
	from    string
	send    func(m *gomail.Message) error
	limiter *ratelimit.Limiter
	retry   retry.Config
	logger  *logging.Logger
}

// NewSMTPMailer creates a mailer dialing the relay for every send
func NewSMTPMailer(cfg SMTPConfig, logger *logging.Logger) *SMTPMailer {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	dialer := gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password)

	var limiter *ratelimit.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = ratelimit.NewLimiter(cfg.RatePerSecond, cfg.Burst)
	}
	rc := cfg.Retry
	if rc.MaxRetries == 0 && rc.InitialBackoff == 0 {
		rc = retry.DefaultConfig()
	}

	return &SMTPMailer{
		from:    cfg.From,
		send:    func(m *gomail.Message) error { return dialer.DialAndSend(m) },
		limiter: limiter,
		retry:   rc,
		logger:  logger.WithField("component", "mailer"),
	}
}

func (m *SMTPMailer) message(email Email) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", email.To)
	msg.SetHeader("Subject", email.Subject)
	for k, v := range email.Headers {
		msg.SetHeader(k, v)
	}
	switch {
	case email.Text != "" && email.HTML != "":
		msg.SetBody("text/plain", email.Text)
		msg.AddAlternative("text/html", email.HTML)
	case email.HTML != "":
		msg.SetBody("text/html", email.HTML)
	default:
		msg.SetBody("text/plain", email.Text)
	}
	return msg
}

// Send waits for the rate limiter, then delivers with retries
func (m *SMTPMailer) Send(ctx context.Context, email Email) error {
	if email.To == "" {
		return fmt.Errorf("%w: empty recipient", ErrNonRetryable)
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx, "smtp"); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	msg := m.message(email)
	start := time.Now()
	err := retry.Do(ctx, m.retry, func() error {
		return m.send(msg)
	})
	if err != nil {
		m.logger.Error("Failed to send email", map[string]interface{}{
			"to":    email.To,
			"error": err.Error(),
		})
		return fmt.Errorf("send email: %w", err)
	}

	m.logger.Debug("Email sent", map[string]interface{}{
		"to":          email.To,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// LogMailer logs emails instead of sending them
type LogMailer struct {
	logger *logging.Logger
}

// NewLogMailer creates a mailer for development setups without SMTP
func NewLogMailer(logger *logging.Logger) *LogMailer {
	return &LogMailer{logger: logger.WithField("component", "mailer")}
}

// Send logs the email
func (m *LogMailer) Send(ctx context.Context, email Email) error {
	m.logger.Info("Email (not sent)", map[string]interface{}{
		"to":      email.To,
		"subject": email.Subject,
	})
	return nil
}
