package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestParseLocaleDecimal(t *testing.T) {
	cases := map[string]string{
		"36,501234": "36.501234",
		"38.20":     "38.2",
		" 40,5 ":    "40.5",
	}
	for raw, want := range cases {
		got, err := ParseLocaleDecimal(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !got.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("parse %q: want %s, got %s", raw, want, got)
		}
	}

	if _, err := ParseLocaleDecimal("n/a"); err == nil {
		t.Fatal("non numeric input should fail")
	}
}

func TestExtractDecimal(t *testing.T) {
	value, ok := extractDecimal("USD  Bs. 36,501234 \n")
	if !ok {
		t.Fatal("expected a decimal to be found")
	}
	if !value.Equal(decimal.RequireFromString("36.501234")) {
		t.Fatalf("unexpected value %s", value)
	}

	if _, ok := extractDecimal("sin datos"); ok {
		t.Fatal("text without decimals should not match")
	}
	if _, ok := extractDecimal("36"); ok {
		t.Fatal("integers without separator should not match")
	}
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := newHTTPClient(HTTPOptions{Timeout: time.Second, Retries: 2})
	body, err := client.get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("retry should recover from a single 502: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := newHTTPClient(HTTPOptions{Timeout: time.Second, Retries: 3})
	_, err := client.get(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("403 should fail")
	}

	var statusErr *statusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusForbidden {
		t.Fatalf("expected statusError 403, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestHTTPClientSetsUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := newHTTPClient(HTTPOptions{Timeout: time.Second})
	if _, err := client.get(context.Background(), srv.URL); err != nil {
		t.Fatalf("get: %v", err)
	}
	if ua != defaultUserAgent {
		t.Fatalf("expected default user agent, got %q", ua)
	}
}
