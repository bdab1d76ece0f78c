package httpx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
)

func TestDoJSONRetriesServerError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"x"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 1)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	var out map[string]any
	if _, err := client.DoJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected response: %#v", out)
	}
}

func TestDoDoesNotRetryClientError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"insufficient tokens"}`))
	}))
	defer srv.Close()

	mapper := func(status int, body []byte) error {
		return clierr.Transport(status, clierr.ServiceInsufficientTokens, string(body))
	}
	client := New(2*time.Second, 3, WithStatusMapper(mapper))
	_, err := DoBodyJSON(context.Background(), client, http.MethodPost, srv.URL, []byte(`{}`), nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Service != clierr.ServiceInsufficientTokens || typed.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestDoJSONMalformedBodyIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	var out map[string]any
	_, err := DoBodyJSON(context.Background(), New(time.Second, 0), http.MethodGet, srv.URL, nil, nil, &out)
	if !clierr.IsCode(err, clierr.CodeProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestOpenStreamReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected event-stream accept header, got %q", r.Header.Get("Accept"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n"))
	}))
	defer srv.Close()

	resp, err := New(time.Second, 0).OpenStream(context.Background(), http.MethodPost, srv.URL, []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer resp.Body.Close()
	buf, _ := io.ReadAll(resp.Body)
	if string(buf) != "data: [DONE]\n" {
		t.Fatalf("unexpected body %q", string(buf))
	}
}

func TestOpenStreamMapsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(time.Second, 0).OpenStream(context.Background(), http.MethodPost, srv.URL, []byte(`{}`), nil)
	typed, ok := clierr.As(err)
	if !ok || typed.Service != clierr.ServiceRateLimited {
		t.Fatalf("expected rate limited transport error, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{clierr.Transport(http.StatusTooManyRequests, clierr.ServiceRateLimited, "slow down"), true},
		{clierr.Transport(http.StatusBadGateway, clierr.ServiceUnknown, "bad gateway"), true},
		{clierr.Transport(http.StatusPaymentRequired, clierr.ServiceInsufficientTokens, "pay"), false},
		{clierr.Auth(clierr.StageGrantFetch, http.StatusServiceUnavailable, "grant", nil), false},
		{clierr.Wrap(clierr.CodeUnavailable, "remote timeout", context.DeadlineExceeded), true},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
