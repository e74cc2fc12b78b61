package parallel

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/arangobackup/dumpclient/internal/sink"
	"github.com/arangobackup/dumpclient/internal/stats"
	"github.com/arangobackup/dumpclient/internal/wireapi"
)

type fakeResponse struct {
	status  int
	headers map[string]string
	body    []byte
}

func (r *fakeResponse) StatusCode() int           { return r.status }
func (r *fakeResponse) Header(name string) string { return r.headers[name] }
func (r *fakeResponse) Body() []byte              { return r.body }
func (r *fakeResponse) Kind() wireapi.ResultKind  { return wireapi.KindOK }

type script struct {
	idx       int32
	responses []*fakeResponse
}

type fakeClient struct{ s *script }

func (c *fakeClient) Request(ctx context.Context, method, url string, headers map[string]string, body []byte) (wireapi.Response, error) {
	switch {
	case method == "POST" && strings.Contains(url, "/_api/dump/start"):
		return &fakeResponse{status: 200, headers: map[string]string{"x-arango-dump-id": "dump1"}}, nil
	case method == "DELETE":
		return &fakeResponse{status: 204}, nil
	case method == "POST" && strings.Contains(url, "/_api/dump/next/"):
		i := int(atomic.AddInt32(&c.s.idx, 1)) - 1
		if i >= len(c.s.responses) {
			return &fakeResponse{status: 204}, nil
		}
		return c.s.responses[i], nil
	}
	return &fakeResponse{status: 200}, nil
}

func TestRunPullsAllBatchesForOneShard(t *testing.T) {
	s := &script{responses: []*fakeResponse{
		{status: 200, headers: map[string]string{"x-arango-dump-shard-id": "s1"}, body: []byte(`{"_key":"1"}` + "\n")},
		{status: 200, headers: map[string]string{"x-arango-dump-shard-id": "s1"}, body: []byte(`{"_key":"2"}` + "\n")},
	}}
	factory := func() wireapi.Client { return &fakeClient{s: s} }

	dir, err := sink.Create(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	st := stats.New()

	err = Run(context.Background(), factory, st, nil, dir, Options{
		Endpoint:       "http://dbserver-1:8529",
		DBServer:       "dbserver-1",
		Shards:         []ShardTarget{{ShardID: "s1", Collection: "users", CollectionID: "1"}},
		BatchSize:      10,
		PrefetchCount:  2,
		Parallelism:    1,
		NetworkThreads: 1,
		WriterThreads:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalBatches() != 2 {
		t.Errorf("expected 2 batches, got %d", st.TotalBatches())
	}
}

func TestRunFailsWhenShardIDHeaderMissing(t *testing.T) {
	s := &script{responses: []*fakeResponse{
		{status: 200, headers: map[string]string{}, body: []byte(`{}`)},
	}}
	factory := func() wireapi.Client { return &fakeClient{s: s} }

	dir, err := sink.Create(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	st := stats.New()

	err = Run(context.Background(), factory, st, nil, dir, Options{
		Endpoint:       "http://dbserver-1:8529",
		DBServer:       "dbserver-1",
		Shards:         []ShardTarget{{ShardID: "s1", Collection: "users", CollectionID: "1"}},
		NetworkThreads: 1,
		WriterThreads:  1,
	})
	if err == nil {
		t.Fatal("expected error for missing shard id header")
	}
}
