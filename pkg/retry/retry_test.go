package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	cause := errors.New("status 503")
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return cause
	})
	if !errors.Is(err, cause) {
		t.Errorf("Expected wrapped cause, got %v", err)
	}
	if calls != 4 {
		t.Errorf("Expected 4 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return Permanent(errors.New("status 400"))
	})
	if !IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastConfig(), func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestForStatus(t *testing.T) {
	tests := []struct {
		code      int
		permanent bool
	}{
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
	}
	for _, tt := range tests {
		err := ForStatus("publish", tt.code, "body")
		if got := IsPermanent(err); got != tt.permanent {
			t.Errorf("ForStatus(%d) permanent = %v, want %v", tt.code, got, tt.permanent)
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Code != tt.code {
			t.Errorf("ForStatus(%d) = %v, want a StatusError", tt.code, err)
		}
	}
}

func TestOnRetryAndJitter(t *testing.T) {
	cfg := fastConfig()
	cfg.Jitter = 0.5
	var waits []time.Duration
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		if attempt != len(waits)+1 {
			t.Errorf("Expected attempt %d, got %d", len(waits)+1, attempt)
		}
		waits = append(waits, wait)
	}

	_ = Do(context.Background(), cfg, func() error { return errors.New("unavailable") })
	if len(waits) != cfg.MaxRetries {
		t.Fatalf("Expected %d retries, got %d", cfg.MaxRetries, len(waits))
	}
	if waits[0] < cfg.InitialBackoff/2 || waits[0] > cfg.InitialBackoff*3/2 {
		t.Errorf("First wait %v outside jitter range", waits[0])
	}
}
