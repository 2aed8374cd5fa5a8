package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoJSONRetriesUntilSuccess(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, `{"code":-1003,"msg":"too many requests"}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"serverTime":1700000000000}`))
	}))
	defer srv.Close()

	c := New(Options{RequestsPerSec: 100})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.DoJSON(context.Background(), req, &payload); err != nil {
		t.Fatalf("DoJSON() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("server calls = %d, want 2", calls)
	}
	if payload.ServerTime != 1700000000000 {
		t.Errorf("serverTime = %d, want 1700000000000", payload.ServerTime)
	}
}

func TestDoJSONSurfacesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-2019,"msg":"Margin is insufficient."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Options{RequestsPerSec: 100, MaxRetryElapsed: 10 * time.Millisecond})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	err = c.DoJSON(context.Background(), req, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("DoJSON() error = %v, want *StatusError", err)
	}
	if statusErr.Code != http.StatusBadRequest {
		t.Errorf("Code = %d, want %d", statusErr.Code, http.StatusBadRequest)
	}
	if want := `{"code":-2019,"msg":"Margin is insufficient."}`; statusErr.Body != want {
		t.Errorf("Body = %q, want %q", statusErr.Body, want)
	}
}
