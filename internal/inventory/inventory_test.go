package inventory

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/arangobackup/dumpclient/internal/checkpoint"
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

// fakeServer fakes just enough of the wire API to drive a single-server,
// single-collection dump end to end: server role, batch lifecycle,
// inventory, and a one-chunk dump reply.
type fakeServer struct {
	cluster bool
}

func (f fakeServer) Request(ctx context.Context, method, u string, headers map[string]string, body []byte) (wireapi.Response, error) {
	parsed, _ := url.Parse(u)
	path := parsed.Path
	switch {
	case method == "GET" && strings.Contains(path, "/_admin/server/role"):
		role := "SINGLE"
		if f.cluster {
			role = "COORDINATOR"
		}
		return &fakeResponse{status: 200, body: []byte(`{"role":"` + role + `"}`)}, nil
	case method == "GET" && strings.Contains(path, "/_api/database/user"):
		return &fakeResponse{status: 200, body: []byte(`{"result":["db1","db2"]}`)}, nil
	case method == "POST" && strings.Contains(path, "/_api/replication/batch"):
		return &fakeResponse{status: 200, body: []byte(`{"id":"42"}`)}, nil
	case method == "DELETE" && strings.Contains(path, "/_api/replication/batch"):
		return &fakeResponse{status: 204}, nil
	case method == "GET" && strings.Contains(path, "/_api/replication/inventory"):
		return &fakeResponse{status: 200, body: []byte(`{
			"collections": [
				{"parameters": {"name": "users", "id": "1", "isSystem": false}},
				{"parameters": {"name": "_system_coll", "id": "2", "isSystem": true}},
				{"parameters": {"name": "gone", "id": "3", "deleted": true}}
			],
			"state": {"lastTick": "100"}
		}`)}, nil
	case method == "GET" && strings.Contains(path, "/_api/replication/clusterInventory"):
		return &fakeResponse{status: 200, body: []byte(`{
			"collections": [
				{"parameters": {"name": "users", "id": "1", "shards": {"s1": ["dbserver-1"], "s2": ["dbserver-2"]}}}
			]
		}`)}, nil
	case method == "GET" && strings.Contains(path, "/_api/replication/dump"):
		return &fakeResponse{status: 200, headers: map[string]string{"x-arango-replication-checkmore": "false", "Content-Type": "application/json; dump=noencoding"}, body: []byte(`{"_key":"1"}` + "\n")}, nil
	}
	return &fakeResponse{status: 200}, nil
}

func newOpts(outputPath string) Options {
	return Options{
		Endpoint:         "http://db:8529",
		OutputPath:       outputPath,
		Database:         "db1",
		DumpData:         true,
		ThreadCount:      2,
		InitialChunkSize: 1024,
		MaxChunkSize:     4096,
	}
}

func TestRunSingleServerDumpsNonSystemCollections(t *testing.T) {
	dir := t.TempDir()
	client := fakeServer{}
	factory := func() wireapi.Client { return client }

	o := New(client, factory, nil, stats.New(), checkpoint.NewMemoryStore(), newOpts(dir))
	if err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "db1", "dump.json")); err != nil {
		t.Errorf("expected dump.json to be written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "db1", "users.structure.json")); err != nil {
		t.Errorf("expected users.structure.json to be written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "db1", "_system_coll.structure.json")); err == nil {
		t.Errorf("expected system collection to be excluded by default")
	}
}

func TestRunClusterFansOutShardsPerCollection(t *testing.T) {
	dir := t.TempDir()
	client := fakeServer{cluster: true}
	factory := func() wireapi.Client { return client }

	o := New(client, factory, nil, stats.New(), checkpoint.NewMemoryStore(), newOpts(dir))
	if err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "db1", "users.structure.json")); err != nil {
		t.Errorf("expected users.structure.json to be written: %v", err)
	}
}

func TestFilterCollectionsRestrictsToRequestedShards(t *testing.T) {
	client := fakeServer{cluster: true}
	factory := func() wireapi.Client { return client }

	opts := newOpts(t.TempDir())
	opts.Shards = []string{"s1"}
	o := New(client, factory, nil, stats.New(), checkpoint.NewMemoryStore(), opts)

	inv := &inventoryResponse{Collections: []json.RawMessage{
		[]byte(`{"parameters": {"name": "users", "id": "1", "shards": {"s1": ["dbserver-1"], "s2": ["dbserver-2"]}}}`),
	}}

	selected, err := o.filterCollections(inv)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 1 {
		t.Fatalf("expected 1 collection, got %d", len(selected))
	}
	if _, ok := selected[0].Shards["s2"]; ok {
		t.Errorf("expected shard s2 to be excluded")
	}
	if _, ok := selected[0].Shards["s1"]; !ok {
		t.Errorf("expected shard s1 to remain")
	}
}

func TestRunFailsWhenRequestedCollectionMissing(t *testing.T) {
	dir := t.TempDir()
	client := fakeServer{}
	factory := func() wireapi.Client { return client }

	opts := newOpts(dir)
	opts.Collections = []string{"does-not-exist"}
	o := New(client, factory, nil, stats.New(), checkpoint.NewMemoryStore(), opts)
	if err := o.Run(context.Background()); err != ErrNoCollectionsMatched {
		t.Fatalf("expected ErrNoCollectionsMatched, got %v", err)
	}
}

func TestRunSkipsDatabaseAlreadyMarkedDoneInProgress(t *testing.T) {
	dir := t.TempDir()
	client := fakeServer{}
	factory := func() wireapi.Client { return client }

	progress := checkpoint.NewMemoryStore()
	state, _ := progress.Load(context.Background())
	state = state.MarkDatabaseDone("db1")
	_ = progress.Save(context.Background(), state)

	o := New(client, factory, nil, stats.New(), progress, newOpts(dir))
	if err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "db1")); err == nil {
		t.Errorf("expected db1 to be skipped, but its output directory was created")
	}
}
