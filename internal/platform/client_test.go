package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "renewd/pkg/logx"
)

func testClient(t *testing.T, srvURL string) *Client {
	t.Helper()
	return New(Config{
		RequestTimeout: 2 * time.Second,
		RatePerSec:     100,
		BaseURLs:       map[string]string{"platform-a": srvURL},
	}, logx.Nop())
}

func TestFetchDecodesDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/subscription/sub1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sub1","status":"active"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	got, err := c.Fetch(context.Background(), "platform-a", "sub1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got["status"] != "active" {
		t.Fatalf("status = %v, want active", got["status"])
	}
}

func TestFetchNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Fetch(context.Background(), "platform-a", "sub1")
	if err == nil {
		t.Fatalf("Fetch on 503 returned nil error")
	}
	if got := HTTPStatus(err); got != http.StatusServiceUnavailable {
		t.Fatalf("HTTPStatus = %d, want 503", got)
	}
}

func TestFetchTransportFailureIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := testClient(t, srv.URL)
	_, err := c.Fetch(context.Background(), "platform-a", "sub1")
	if err == nil {
		t.Fatalf("Fetch against closed server returned nil error")
	}
	if got := HTTPStatus(err); got != 0 {
		t.Fatalf("HTTPStatus on transport error = %d, want 0", got)
	}
}

func TestRenewPostsPaymentMethod(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/subscription/sub1/renew" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	if err := c.Renew(context.Background(), "platform-a", "sub1"); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if gotBody["payment_method"] != "default" {
		t.Fatalf("payment_method = %q, want default", gotBody["payment_method"])
	}
}

func TestRenewNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "payment declined", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	err := c.Renew(context.Background(), "platform-a", "sub1")
	if err == nil {
		t.Fatalf("Renew on 402 returned nil error")
	}
	if got := HTTPStatus(err); got != http.StatusPaymentRequired {
		t.Fatalf("HTTPStatus = %d, want 402", got)
	}
}

func TestOnlyExact200IsSuccess(t *testing.T) {
	for _, code := range []int{http.StatusCreated, http.StatusAccepted, http.StatusNoContent} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		c := testClient(t, srv.URL)
		err := c.Renew(context.Background(), "platform-a", "sub1")
		if err == nil {
			t.Fatalf("Renew on %d returned nil error, want failure", code)
		}
		if got := HTTPStatus(err); got != code {
			t.Fatalf("HTTPStatus = %d, want %d", got, code)
		}
		if _, err := c.Fetch(context.Background(), "platform-a", "sub1"); err == nil {
			t.Fatalf("Fetch on %d returned nil error, want failure", code)
		}
		srv.Close()
	}
}

func TestBaseURLDefaultsToPlatformHost(t *testing.T) {
	c := New(Config{}, logx.Nop())
	base, err := c.baseURL("platform-a.example.com")
	if err != nil {
		t.Fatalf("baseURL: %v", err)
	}
	if base != "https://platform-a.example.com" {
		t.Fatalf("base = %q", base)
	}
}

func TestBaseURLRejectsGarbage(t *testing.T) {
	c := New(Config{BaseURLs: map[string]string{"p": "://bad"}}, logx.Nop())
	if _, err := c.baseURL("p"); err == nil {
		t.Fatalf("baseURL accepted malformed override")
	}
}
