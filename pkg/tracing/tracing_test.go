package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/psantana5/partnerbatch/pkg/logging"
)

func TestDisabledProviderCreatesSpans(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "partnerd"}, logging.NewLogger(logging.ERROR, false))
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := p.StartSpan(context.Background(), "page")
	defer span.End()
	if ctx == nil {
		t.Fatal("Expected context")
	}
}

func TestNilProviderStartSpan(t *testing.T) {
	var p *Provider
	ctx, span := p.StartSpan(context.Background(), "page")
	span.End()
	if ctx == nil {
		t.Fatal("Expected context")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil provider: %v", err)
	}
}

func TestHTTPMiddlewarePassesStatus(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "partnerd"}, logging.NewLogger(logging.ERROR, false))
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}

	handler := HTTPMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("Expected 418, got %d", rec.Code)
	}
}

func TestStartPageOnNilProvider(t *testing.T) {
	var p *Provider
	_, span := p.StartPage(context.Background(), "partners.rank", "run_1", "", 1)
	PageDone(span, 2, "ptn_2", true)
	span.End()
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := Config{SampleRatio: tt.ratio}.sampler().Description()
		if !strings.Contains(desc, tt.want) {
			t.Errorf("sampler(%v) = %q, want it to contain %q", tt.ratio, desc, tt.want)
		}
	}
}
