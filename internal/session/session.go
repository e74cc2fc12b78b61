// Package session implements the Batch Session of section 4.C of the
// design specification: the server-side resource handle that pins a
// consistent snapshot, extended by TTL and ended in a scope-guarded
// teardown.
//
// Grounded on the ArangoDB Go driver's batchMetadata
// (CreateBatch/Extend/Delete over /_api/replication/batch…), adapted to
// the generic wireapi.Client facade instead of a driver-specific
// connection.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/arangobackup/dumpclient/internal/wireapi"
)

// DefaultTTL is the batch TTL used throughout the core, per §3/§4.C.
const DefaultTTL = 600 * time.Second

// Batch is a server-side replication batch handle (§3 "Batch session").
// ID == 0 means "no session" per the spec's invariant.
type Batch struct {
	ID       uint64
	Server   string // empty for single-server / coordinator-addressed batches
	ttl      time.Duration
	client   wireapi.Client
	endpoint string
	serverID uint64
	syncerID uint64
}

type createResponse struct {
	ID string `json:"id"`
}

// Create opens a new batch on the server, per POST
// /_api/replication/batch?serverId=<c>&syncerId=<s>[&DBserver=<d>].
func Create(ctx context.Context, client wireapi.Client, endpoint string, serverID, syncerID uint64, dbserver string) (*Batch, error) {
	b := &Batch{ttl: DefaultTTL, client: client, endpoint: endpoint, serverID: serverID, syncerID: syncerID, Server: dbserver}

	body, _ := json.Marshal(struct {
		TTL float64 `json:"ttl"`
	}{TTL: DefaultTTL.Seconds()})

	u := endpoint + "/_api/replication/batch?" + b.query()
	resp, err := client.Request(ctx, "POST", u, jsonHeaders(), body)
	if err != nil {
		return nil, fmt.Errorf("session: create batch: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("session: create batch: unexpected status %d", resp.StatusCode())
	}

	var parsed createResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("session: create batch: invalid response: %w", err)
	}
	id, err := strconv.ParseUint(parsed.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session: create batch: non-numeric id %q: %w", parsed.ID, err)
	}
	b.ID = id
	return b, nil
}

func (b *Batch) query() string {
	v := url.Values{}
	v.Set("serverId", strconv.FormatUint(b.serverID, 10))
	v.Set("syncerId", strconv.FormatUint(b.syncerID, 10))
	if b.Server != "" {
		v.Set("DBserver", b.Server)
	}
	return v.Encode()
}

func (b *Batch) endQuery() string {
	v := url.Values{}
	v.Set("serverId", strconv.FormatUint(b.serverID, 10))
	if b.Server != "" {
		v.Set("DBserver", b.Server)
	}
	return v.Encode()
}

// Extend prolongs the batch's TTL. Per §4.C, this is best-effort: the
// caller should not treat a failure as fatal to the pull in progress.
func (b *Batch) Extend(ctx context.Context) error {
	body, _ := json.Marshal(struct {
		TTL float64 `json:"ttl"`
	}{TTL: b.ttl.Seconds()})

	u := fmt.Sprintf("%s/_api/replication/batch/%d?%s", b.endpoint, b.ID, b.query())
	_, err := b.client.Request(ctx, "PUT", u, jsonHeaders(), body)
	return err
}

// End releases the batch on the server. Callers must invoke End inside a
// scope guard (e.g. defer) so that abnormal termination of the pull still
// releases the server resource (§4.C, §9).
func (b *Batch) End(ctx context.Context) error {
	u := fmt.Sprintf("%s/_api/replication/batch/%d?%s", b.endpoint, b.ID, b.endQuery())
	_, err := b.client.Request(ctx, "DELETE", u, nil, nil)
	return err
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}
