// Package dumpctx implements the parallel-path Dump Context lifecycle
// of section 4.H steps 1 and 3: the server-side coordinator that
// holds prefetched batches keyed by an atomic batch id, created once
// per dbserver and torn down after every network/writer thread joins.
//
// Grounded on internal/session's batch lifecycle (same create/end
// shape against a sibling endpoint), generalized to carry the
// shard list and prefetch parameters the parallel pipeline needs and
// to read its id from a response header instead of a JSON body.
package dumpctx

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/arangobackup/dumpclient/internal/wireapi"
)

// ErrMissingDumpID is returned when the server's response to
// POST /_api/dump/start omits the required x-arango-dump-id header.
var ErrMissingDumpID = fmt.Errorf("dumpctx: response missing x-arango-dump-id header")

// Shard describes one shard to be included in the dump context, per
// the request body documented in §4.H step 1.
type Shard struct {
	ShardID string `json:"shardId"`
}

// startRequest is the POST /_api/dump/start body.
type startRequest struct {
	BatchSize     int     `json:"batchSize"`
	PrefetchCount int     `json:"prefetchCount"`
	Parallelism   int     `json:"parallelism"`
	Shards        []Shard `json:"shards"`
}

// Context is a live parallel dump context for one dbserver.
type Context struct {
	ID       string
	DBServer string

	client   wireapi.Client
	endpoint string
}

// Params carries the batch-size and prefetch parameters chosen by the
// client, per §3's dbserver_worker_threads/dbserver_prefetch_batches
// options.
type Params struct {
	BatchSize     int
	PrefetchCount int
	Parallelism   int
	Shards        []Shard
	UseVPack      bool
}

// Start creates a dump context on dbserver, returning the id the
// server assigned via the x-arango-dump-id response header.
func Start(ctx context.Context, client wireapi.Client, endpoint, dbserver string, p Params) (*Context, error) {
	body, err := json.Marshal(startRequest{
		BatchSize:     p.BatchSize,
		PrefetchCount: p.PrefetchCount,
		Parallelism:   p.Parallelism,
		Shards:        p.Shards,
	})
	if err != nil {
		return nil, fmt.Errorf("dumpctx: marshal start request: %w", err)
	}

	u := fmt.Sprintf("%s/_api/dump/start?useVPack=%t", endpoint, p.UseVPack)
	if dbserver != "" {
		u += "&dbserver=" + dbserver
	}

	resp, err := client.Request(ctx, "POST", u, map[string]string{"Content-Type": "application/json"}, body)
	if err != nil {
		return nil, fmt.Errorf("dumpctx: start: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("dumpctx: start: unexpected status %d: %s", resp.StatusCode(), resp.Body())
	}
	id := resp.Header("x-arango-dump-id")
	if id == "" {
		return nil, ErrMissingDumpID
	}

	return &Context{ID: id, DBServer: dbserver, client: client, endpoint: endpoint}, nil
}

// End tears down the dump context. Per §4.H step 3, a fresh HTTP
// client should be used since the original network-thread clients may
// be dead; failure here is logged by the caller, not propagated as a
// job failure.
func (c *Context) End(ctx context.Context, client wireapi.Client) error {
	u := fmt.Sprintf("%s/_api/dump/%s", c.endpoint, c.ID)
	if c.DBServer != "" {
		u += "?dbserver=" + c.DBServer
	}
	_, err := client.Request(ctx, "DELETE", u, nil, nil)
	return err
}
