package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/retry"
)

var testLogger = logging.NewLogger(logging.ERROR, false)

type stripeRequest struct {
	path        string
	idempotency string
	form        map[string]string
}

func fakeStripe(t *testing.T, status int, body string) (*httptest.Server, *[]stripeRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []stripeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		mu.Lock()
		reqs = append(reqs, stripeRequest{path: r.URL.Path, idempotency: r.Header.Get("Idempotency-Key"), form: form})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server, &reqs
}

func TestStripeCreatePromotionCode(t *testing.T) {
	server, reqs := fakeStripe(t, http.StatusOK, `{"id":"promo_123","object":"promotion_code","code":"ALICE10"}`)
	c := NewStripeClient(StripeConfig{SecretKey: "sk_test_x", BaseURL: server.URL})

	pc, err := c.CreatePromotionCode(context.Background(), PromotionCodeRequest{
		CouponID:       "co_1",
		Code:           "ALICE10",
		IdempotencyKey: "discount-code:enr_1:disc_1",
		Metadata:       map[string]string{"partnerId": "pn_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "promo_123", pc.ID)
	assert.Equal(t, "ALICE10", pc.Code)

	require.Len(t, *reqs, 1)
	req := (*reqs)[0]
	assert.Equal(t, "/v1/promotion_codes", req.path)
	assert.Equal(t, "discount-code:enr_1:disc_1", req.idempotency)
	assert.Equal(t, "co_1", req.form["coupon"])
	assert.Equal(t, "ALICE10", req.form["code"])
	assert.Equal(t, "pn_1", req.form["metadata[partnerId]"])
}

func TestStripeCreateTransfer(t *testing.T) {
	server, reqs := fakeStripe(t, http.StatusOK, `{"id":"tr_123","object":"transfer"}`)
	c := NewStripeClient(StripeConfig{SecretKey: "sk_test_x", BaseURL: server.URL})

	tr, err := c.CreateTransfer(context.Background(), TransferRequest{
		Amount:         2500,
		Currency:       "EUR",
		Destination:    "acct_1",
		TransferGroup:  "inv_1",
		IdempotencyKey: "payout:po_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_123", tr.ID)

	req := (*reqs)[0]
	assert.Equal(t, "/v1/transfers", req.path)
	assert.Equal(t, "payout:po_1", req.idempotency)
	assert.Equal(t, "2500", req.form["amount"])
	assert.Equal(t, "eur", req.form["currency"])
	assert.Equal(t, "acct_1", req.form["destination"])
	assert.Equal(t, "inv_1", req.form["transfer_group"])
}

func TestStripeClientErrorsAreNonRetryable(t *testing.T) {
	server, _ := fakeStripe(t, http.StatusBadRequest,
		`{"error":{"type":"invalid_request_error","message":"No such coupon: co_x"}}`)
	c := NewStripeClient(StripeConfig{SecretKey: "sk_test_x", BaseURL: server.URL})

	_, err := c.CreatePromotionCode(context.Background(), PromotionCodeRequest{CouponID: "co_x", Code: "X"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonRetryable)
	assert.Contains(t, err.Error(), "No such coupon")
}

func TestSMTPMailerRetriesAndBuildsMessage(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{
		Host: "smtp.example.com",
		From: "partners@example.com",
		Retry: retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	}, testLogger)

	var sent []*gomail.Message
	calls := 0
	m.send = func(msg *gomail.Message) error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		sent = append(sent, msg)
		return nil
	}

	err := m.Send(context.Background(), Email{
		To:      "alice@example.com",
		Subject: "New campaign",
		Text:    "hello",
		HTML:    "<p>hello</p>",
		Headers: map[string]string{"X-Idempotency-Key": "cmp_1:pn_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"alice@example.com"}, sent[0].GetHeader("To"))
	assert.Equal(t, []string{"partners@example.com"}, sent[0].GetHeader("From"))
	assert.Equal(t, []string{"cmp_1:pn_1"}, sent[0].GetHeader("X-Idempotency-Key"))

	err = m.Send(context.Background(), Email{Subject: "no recipient"})
	assert.ErrorIs(t, err, ErrNonRetryable)
}

func TestSMTPMailerRateLimitHonorsContext(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", RatePerSecond: 0.01, Burst: 1}, testLogger)
	m.send = func(msg *gomail.Message) error { return nil }

	require.NoError(t, m.Send(context.Background(), Email{To: "a@example.com"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Send(ctx, Email{To: "b@example.com"}))
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "ALICESMITH20", NormalizeCode("alice-smith 20%"))
	assert.Equal(t, "", NormalizeCode("---"))
}

func TestUnconfiguredIsNonRetryable(t *testing.T) {
	u := Unconfigured{Name: "stripe"}
	_, err := u.CreateTransfer(context.Background(), TransferRequest{Amount: 100})
	assert.ErrorIs(t, err, ErrNonRetryable)
	_, err = u.CreatePromotionCode(context.Background(), PromotionCodeRequest{Code: "X"})
	assert.ErrorContains(t, err, "stripe is not configured")
}
