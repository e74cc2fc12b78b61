package wireapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-arango-replication-checkmore", "false")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient()
	resp, err := c.Request(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.StatusCode() != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode())
	}
	if resp.Header("x-arango-replication-checkmore") != "false" {
		t.Errorf("missing expected header")
	}
	if string(resp.Body()) != `{"ok":true}` {
		t.Errorf("unexpected body: %s", resp.Body())
	}
}

func TestHTTPClientConnectFailure(t *testing.T) {
	c := NewHTTPClient()
	_, err := c.Request(context.Background(), http.MethodGet, "http://127.0.0.1:1", nil, nil)
	if err == nil {
		t.Fatal("expected connection error")
	}
}
