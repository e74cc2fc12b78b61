package wireapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// httpResponse is the concrete Response implementation backed by
// net/http, grounded on the interface/impl split of the teacher's
// aws.S3ClientImpl.
type httpResponse struct {
	status  int
	headers http.Header
	body    []byte
	kind    ResultKind
}

func (r *httpResponse) StatusCode() int            { return r.status }
func (r *httpResponse) Header(name string) string  { return r.headers.Get(name) }
func (r *httpResponse) Body() []byte               { return r.body }
func (r *httpResponse) Kind() ResultKind           { return r.kind }

// HTTPClient implements Client using net/http, reused across requests
// made by a single worker goroutine (§4.F: "each worker holding one
// long-lived HTTP client, reconnect on transport failure").
type HTTPClient struct {
	hc *http.Client
}

// NewHTTPClient creates an HTTPClient with a sane default timeout. A new
// underlying *http.Client is created for every call so that a worker can
// reconnect after a transport failure simply by constructing a new
// HTTPClient via the Factory.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{hc: &http.Client{Timeout: 2 * time.Minute}}
}

var _ Client = (*HTTPClient)(nil)

// Request implements Client.
func (c *HTTPClient) Request(ctx context.Context, method, url string, headers map[string]string, body []byte) (Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &httpResponse{kind: KindCouldNotConnect}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &httpResponse{status: resp.StatusCode, headers: resp.Header, kind: KindReadError}, err
	}

	return &httpResponse{
		status:  resp.StatusCode,
		headers: resp.Header,
		body:    data,
		kind:    KindOK,
	}, nil
}
