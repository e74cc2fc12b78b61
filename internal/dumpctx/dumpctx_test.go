package dumpctx

import (
	"context"
	"testing"

	"github.com/arangobackup/dumpclient/internal/wireapi"
)

type fakeResponse struct {
	status  int
	headers map[string]string
	body    []byte
}

func (r *fakeResponse) StatusCode() int { return r.status }
func (r *fakeResponse) Header(name string) string {
	return r.headers[name]
}
func (r *fakeResponse) Body() []byte             { return r.body }
func (r *fakeResponse) Kind() wireapi.ResultKind { return wireapi.KindOK }

type fakeClient struct {
	lastMethod string
	lastURL    string
}

func (c *fakeClient) Request(ctx context.Context, method, url string, headers map[string]string, body []byte) (wireapi.Response, error) {
	c.lastMethod, c.lastURL = method, url
	if method == "POST" {
		return &fakeResponse{status: 200, headers: map[string]string{"x-arango-dump-id": "abc123"}}, nil
	}
	return &fakeResponse{status: 200}, nil
}

func TestStartReturnsDumpID(t *testing.T) {
	client := &fakeClient{}
	dc, err := Start(context.Background(), client, "http://dbserver-1:8529", "dbserver-1", Params{BatchSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	if dc.ID != "abc123" {
		t.Errorf("expected dump id abc123, got %q", dc.ID)
	}
}

type missingHeaderClient struct{}

func (missingHeaderClient) Request(ctx context.Context, method, url string, headers map[string]string, body []byte) (wireapi.Response, error) {
	return &fakeResponse{status: 200}, nil
}

func TestStartFailsOnMissingDumpIDHeader(t *testing.T) {
	_, err := Start(context.Background(), missingHeaderClient{}, "http://db:8529", "", Params{})
	if err != ErrMissingDumpID {
		t.Fatalf("expected ErrMissingDumpID, got %v", err)
	}
}

func TestEndIssuesDelete(t *testing.T) {
	client := &fakeClient{}
	dc := &Context{ID: "abc123", DBServer: "dbserver-1", endpoint: "http://dbserver-1:8529"}
	if err := dc.End(context.Background(), client); err != nil {
		t.Fatal(err)
	}
	if client.lastMethod != "DELETE" {
		t.Errorf("expected DELETE, got %s", client.lastMethod)
	}
}
