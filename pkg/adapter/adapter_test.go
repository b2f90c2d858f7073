package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/OFFIS-RIT/pivot/pkg/common"
)

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("echo", Func(func(ctx context.Context, req Request) (common.CodedFacts, error) {
		return common.CodedFacts{Facts: []common.Fact{{Code: "company_name", Value: req.Value}}}, nil
	}), Limits{})

	facts, err := r.Execute(context.Background(), Request{Handler: "echo", Value: "Acme"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if facts.Handler != "echo" || len(facts.Facts) != 1 || facts.Facts[0].Value != "Acme" {
		t.Fatalf("unexpected facts %+v", facts)
	}

	_, err = r.Execute(context.Background(), Request{Handler: "missing"})
	if !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("expected ErrNoAdapter, got %v", err)
	}
	if got := r.Missing([]string{"echo", "missing", "missing"}); len(got) != 1 || got[0] != "missing" {
		t.Fatalf("Missing() = %v", got)
	}
}

func TestRegistryWrapsFailures(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("flaky", Func(func(ctx context.Context, req Request) (common.CodedFacts, error) {
		return common.CodedFacts{}, errors.New("connection reset")
	}), Limits{})

	_, err := r.Execute(context.Background(), Request{Handler: "flaky"})
	if !common.IsRetryable(err) {
		t.Fatalf("expected retryable AdapterFailure, got %v", err)
	}
}

func TestWallsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(nil)
	r.Register("paywalled", Func(func(ctx context.Context, req Request) (common.CodedFacts, error) {
		calls.Add(1)
		return common.CodedFacts{}, &common.WallDetected{Kind: "paywall"}
	}), Limits{RatePerSecond: 1000, Burst: 100, BreakerFailures: 2})

	for i := 0; i < 5; i++ {
		_, err := r.Execute(context.Background(), Request{Handler: "paywalled"})
		var wall *common.WallDetected
		if !errors.As(err, &wall) {
			t.Fatalf("call %d: expected wall, got %v", i, err)
		}
		if wall.Handler != "paywalled" {
			t.Fatalf("wall handler = %q", wall.Handler)
		}
		if common.IsRetryable(err) {
			t.Fatalf("walls must not be retryable")
		}
	}
	if calls.Load() != 5 {
		t.Fatalf("expected every call to reach the adapter, got %d", calls.Load())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(nil)
	r.Register("down", Func(func(ctx context.Context, req Request) (common.CodedFacts, error) {
		calls.Add(1)
		return common.CodedFacts{}, errors.New("503")
	}), Limits{RatePerSecond: 1000, Burst: 100, BreakerFailures: 2})

	for i := 0; i < 4; i++ {
		_, err := r.Execute(context.Background(), Request{Handler: "down"})
		if !common.IsRetryable(err) {
			t.Fatalf("call %d: expected AdapterFailure, got %v", i, err)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("expected breaker to stop calls after 2 failures, got %d", calls.Load())
	}
}

func TestHTTPAdapter(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantWall string
		wantErr  bool
		wantCode string
	}{
		{name: "facts", status: 200, body: `{"facts":[{"code":"company_name","value":"Acme"}]}`, wantCode: "company_name"},
		{name: "sloppy json", status: 200, body: `{facts: [{code: 'officer', value: 'Jane Doe'},]}`, wantCode: "officer"},
		{name: "paywall status", status: 402, body: ``, wantWall: "paywall"},
		{name: "login status", status: 401, body: ``, wantWall: "login"},
		{name: "wall body", status: 200, body: `{"wall":true,"kind":"captcha"}`, wantWall: "captcha"},
		{name: "rate limited", status: 429, body: ``, wantErr: true},
		{name: "server error", status: 502, body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-Api-Key") != "secret" {
					t.Errorf("missing configured header")
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a := NewHTTPAdapter(HTTPAdapterParams{
				Handler: "h",
				URL:     srv.URL,
				Headers: map[string]string{"X-Api-Key": "secret"},
			}, srv.Client())

			facts, err := a.Execute(context.Background(), Request{Handler: "h", Value: "Acme"})
			var wall *common.WallDetected
			switch {
			case tt.wantWall != "":
				if !errors.As(err, &wall) || wall.Kind != tt.wantWall {
					t.Fatalf("expected wall %q, got %v", tt.wantWall, err)
				}
			case tt.wantErr:
				if err == nil || errors.As(err, &wall) {
					t.Fatalf("expected transient error, got %v", err)
				}
			default:
				if err != nil {
					t.Fatalf("Execute() error = %v", err)
				}
				if facts.Handler != "h" || len(facts.Facts) != 1 || facts.Facts[0].Code != tt.wantCode {
					t.Fatalf("unexpected facts %+v", facts)
				}
			}
		})
	}
}

func TestLoadHTTPAdapters(t *testing.T) {
	t.Setenv("PIVOT_TEST_TOKEN", "abc")
	path := filepath.Join(t.TempDir(), "adapters.yaml")
	content := `adapters:
  - handler: uk_companies_house_officers
    url: http://localhost:9000/officers
    timeout: 5s
    headers:
      Authorization: Bearer ${PIVOT_TEST_TOKEN}
    limits:
      rate_per_second: 2
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewRegistry(nil)
	n, err := LoadHTTPAdapters(path, r, nil)
	if err != nil {
		t.Fatalf("LoadHTTPAdapters() error = %v", err)
	}
	if n != 1 || !r.Has("uk_companies_house_officers") {
		t.Fatalf("expected one registered adapter, got %d %v", n, r.Handlers())
	}
}
