package session

import (
	"context"
	"testing"

	"github.com/arangobackup/dumpclient/internal/wireapi"
)

type fakeResponse struct {
	status int
	body   []byte
}

func (r *fakeResponse) StatusCode() int           { return r.status }
func (r *fakeResponse) Header(name string) string { return "" }
func (r *fakeResponse) Body() []byte              { return r.body }
func (r *fakeResponse) Kind() wireapi.ResultKind  { return wireapi.KindOK }

type fakeClient struct {
	requests []string
}

func (c *fakeClient) Request(ctx context.Context, method, url string, headers map[string]string, body []byte) (wireapi.Response, error) {
	c.requests = append(c.requests, method+" "+url)
	switch method {
	case "POST":
		return &fakeResponse{status: 200, body: []byte(`{"id":"12345"}`)}, nil
	case "PUT":
		return &fakeResponse{status: 204}, nil
	case "DELETE":
		return &fakeResponse{status: 204}, nil
	}
	return &fakeResponse{status: 200}, nil
}

func TestBatchLifecycle(t *testing.T) {
	client := &fakeClient{}
	b, err := Create(context.Background(), client, "http://db:8529", 1, 2, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.ID != 12345 {
		t.Errorf("expected batch id 12345, got %d", b.ID)
	}

	if err := b.Extend(context.Background()); err != nil {
		t.Errorf("Extend: %v", err)
	}
	if err := b.End(context.Background()); err != nil {
		t.Errorf("End: %v", err)
	}

	if len(client.requests) != 3 {
		t.Fatalf("expected 3 requests, got %d: %v", len(client.requests), client.requests)
	}
}

func TestBatchLifecycleWithDBServer(t *testing.T) {
	client := &fakeClient{}
	b, err := Create(context.Background(), client, "http://coordinator:8529", 1, 2, "dbserver-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Server != "dbserver-1" {
		t.Errorf("expected server dbserver-1, got %q", b.Server)
	}
}
