package sms

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

func TestSmsPilotGatewaySendSuccess(t *testing.T) {
	t.Parallel()

	var gotForm map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		gotForm = map[string]string{
			"send":   r.PostForm.Get("send"),
			"to":     r.PostForm.Get("to"),
			"apikey": r.PostForm.Get("apikey"),
			"format": r.PostForm.Get("format"),
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"send":[{"server_id":"10000","phone":"79001112233","price":"2.68","status":"0"}],"balance":"11908.50","cost":"2.68"}`))
	}))
	defer server.Close()

	g, err := NewSmsPilotGateway(SmsPilotConfig{APIKey: "key-1", BaseURL: server.URL}, nil)
	if err != nil {
		t.Fatalf("NewSmsPilotGateway() error = %v", err)
	}

	if err := g.SendSMS(context.Background(), "+7 (900) 111-22-33", "hello"); err != nil {
		t.Fatalf("SendSMS() unexpected error: %v", err)
	}

	want := map[string]string{"send": "hello", "to": "79001112233", "apikey": "key-1", "format": "json"}
	for key, value := range want {
		if gotForm[key] != value {
			t.Fatalf("form[%s] = %q, want %q", key, gotForm[key], value)
		}
	}
}

func TestSmsPilotGatewaySendFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		body          string
		wantMessage   string
		wantTransient bool
	}{
		{
			name:        "api error object",
			statusCode:  http.StatusOK,
			body:        `{"error":{"code":"100","description":"invalid apikey"}}`,
			wantMessage: "smspilot api error: invalid apikey (code: 100)",
		},
		{
			name:        "send status not zero",
			statusCode:  http.StatusOK,
			body:        `{"send":[{"server_id":"1","status":"-1","error":{"description":"phone blocked"}}]}`,
			wantMessage: "failed to send sms: phone blocked",
		},
		{
			name:        "unexpected shape",
			statusCode:  http.StatusOK,
			body:        `{"balance":"1"}`,
			wantMessage: "unexpected smspilot response format",
		},
		{
			name:          "server error is transient",
			statusCode:    http.StatusBadGateway,
			body:          "bad gateway",
			wantMessage:   "smspilot returned status 502",
			wantTransient: true,
		},
		{
			name:        "bad request is permanent",
			statusCode:  http.StatusBadRequest,
			body:        "bad request",
			wantMessage: "smspilot returned status 400",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			g, err := NewSmsPilotGateway(SmsPilotConfig{APIKey: "key", BaseURL: server.URL}, nil)
			if err != nil {
				t.Fatalf("NewSmsPilotGateway() error = %v", err)
			}

			err = g.SendSMS(context.Background(), "+79001112233", "hello")
			if err == nil {
				t.Fatal("expected error")
			}

			var providerErr *ProviderError
			if !errors.As(err, &providerErr) {
				t.Fatalf("expected ProviderError, got %T", err)
			}
			if providerErr.Message != tc.wantMessage {
				t.Fatalf("ProviderError.Message = %q, want %q", providerErr.Message, tc.wantMessage)
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}
		})
	}
}

func TestSmsPilotGatewaySendTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"send":[{"status":"0"}]}`))
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	g, err := NewSmsPilotGatewayWithClient(SmsPilotConfig{APIKey: "key", BaseURL: server.URL}, client, nil)
	if err != nil {
		t.Fatalf("NewSmsPilotGatewayWithClient() error = %v", err)
	}

	err = g.SendSMS(context.Background(), "+79001112233", "hello")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestSmsPilotGatewayThrottleWaitsForToken(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	posts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			mu.Lock()
			posts++
			mu.Unlock()
		}
		_, _ = w.Write([]byte(`{"send":[{"server_id":"1","status":"0"}]}`))
	}))
	defer server.Close()

	g, err := NewSmsPilotGateway(SmsPilotConfig{APIKey: "key", BaseURL: server.URL, RequestsPerSecond: 1}, nil)
	if err != nil {
		t.Fatalf("NewSmsPilotGateway() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if !g.IsAvailable(context.Background()) {
			t.Fatal("IsAvailable() = false, want true")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := g.SendSMS(ctx, "+79001112233", "first"); err != nil {
		t.Fatalf("SendSMS() error = %v, want the burst token untouched by probes", err)
	}

	err = g.SendSMS(ctx, "+79001112233", "second")
	if err == nil {
		t.Fatal("SendSMS() error = nil, want throttle wait to outlast the deadline")
	}
	if errors.Is(err, resty.ErrRateLimitExceeded) {
		t.Fatalf("SendSMS() error = %v, want a wait instead of an immediate rejection", err)
	}
	if IsTransient(err) {
		t.Fatalf("IsTransient() = true, want false for an aborted throttle wait (err=%v)", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if posts != 1 {
		t.Fatalf("posts = %d, want 1", posts)
	}
}

func TestSmsPilotGatewayTestModeSkipsNetwork(t *testing.T) {
	t.Parallel()

	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	g, err := NewSmsPilotGateway(SmsPilotConfig{BaseURL: server.URL, TestMode: true}, nil)
	if err != nil {
		t.Fatalf("NewSmsPilotGateway() error = %v", err)
	}

	if err := g.SendSMS(context.Background(), "+79001112233", "hello"); err != nil {
		t.Fatalf("SendSMS() error = %v", err)
	}
	if !g.IsAvailable(context.Background()) {
		t.Fatal("IsAvailable() = false, want true in test mode")
	}
	if called {
		t.Fatal("test mode must not call the provider")
	}
}

func TestSmsPilotGatewayIsAvailable(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		statusCode int
		want       bool
	}{
		{name: "ok", statusCode: http.StatusOK, want: true},
		{name: "unauthorized", statusCode: http.StatusUnauthorized, want: false},
		{name: "server error", statusCode: http.StatusServiceUnavailable, want: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("method = %s, want GET", r.Method)
				}
				if r.URL.Query().Get("balance") != "json" || r.URL.Query().Get("apikey") != "key" {
					t.Errorf("query = %s, want apikey and balance", r.URL.RawQuery)
				}
				w.WriteHeader(tc.statusCode)
			}))
			defer server.Close()

			g, err := NewSmsPilotGateway(SmsPilotConfig{APIKey: "key", BaseURL: server.URL}, nil)
			if err != nil {
				t.Fatalf("NewSmsPilotGateway() error = %v", err)
			}

			if got := g.IsAvailable(context.Background()); got != tc.want {
				t.Fatalf("IsAvailable() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewSmsPilotGatewayValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewSmsPilotGateway(SmsPilotConfig{}, nil); err == nil {
		t.Fatal("expected error for missing api key")
	}
	if _, err := NewSmsPilotGateway(SmsPilotConfig{APIKey: "key", BaseURL: "not a url"}, nil); err == nil {
		t.Fatal("expected error for invalid endpoint")
	}
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	if got := normalizePhone("+7 (900) 111-22-33"); got != "79001112233" {
		t.Fatalf("normalizePhone() = %q, want %q", got, "79001112233")
	}
	if got := normalizePhone("abc"); !strings.EqualFold(got, "") {
		t.Fatalf("normalizePhone() = %q, want empty", got)
	}
}
