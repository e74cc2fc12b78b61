// Package classical implements the Per-Collection Dumper of section
// 4.G: the adaptive-chunk-size pull loop against one collection or
// shard, writing every response through the dumpData contract.
//
// Grounded on the teacher's coordinator.worker streaming loop (stream,
// decode, write, checkpoint) and writer.go's backoff-wrapped retry
// call, adapted from a fixed S3-object stream to a growing-chunk-size
// HTTP GET loop driven by a server-reported "more data" flag.
package classical

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"context"

	"github.com/arangobackup/dumpclient/internal/docformat"
	"github.com/arangobackup/dumpclient/internal/masking"
	"github.com/arangobackup/dumpclient/internal/retry"
	"github.com/arangobackup/dumpclient/internal/sink"
	"github.com/arangobackup/dumpclient/internal/stats"
	"github.com/arangobackup/dumpclient/internal/wireapi"
)

// Options configures one Pull call, carrying the relevant subset of
// the option bag (§3).
type Options struct {
	Endpoint            string
	InitialChunkSize    int
	MaxChunkSize        int
	UseVPack            bool
	UseGzipForTransport bool
}

const growthFactor = 1.5

// Pull performs the §4.G loop for one collection (single-server) or
// shard (cluster, via the dbserver parameter).
func Pull(ctx context.Context, client wireapi.Client, st *stats.Stats, m masking.Maskings, file *sink.File, batchID uint64, collection, dbserver string, opts Options) error {
	chunkSize := clamp(opts.InitialChunkSize, opts)
	var lastBatch bool

	for !lastBatch {
		body, checkmore, err := fetchChunk(ctx, client, collection, dbserver, batchID, chunkSize, opts)
		if err != nil {
			return err
		}

		st.AddBatch()
		st.AddReceived(int64(len(body)))

		if err := docformat.Write(st, m, file, body, collection, opts.UseVPack); err != nil {
			return fmt.Errorf("classical: write %s: %w", collection, err)
		}

		lastBatch = !checkmore
		if !lastBatch {
			chunkSize = clamp(int(float64(chunkSize)*growthFactor), opts)
		}
	}
	return nil
}

func clamp(size int, opts Options) int {
	if size < opts.InitialChunkSize {
		size = opts.InitialChunkSize
	}
	if size > opts.MaxChunkSize {
		size = opts.MaxChunkSize
	}
	return size
}

// fetchChunk issues one GET, retried per the Retry Policy, and returns
// the (decompressed) body and the checkmore flag.
func fetchChunk(ctx context.Context, client wireapi.Client, collection, dbserver string, batchID uint64, chunkSize int, opts Options) ([]byte, bool, error) {
	var body []byte
	var checkmore bool

	err := retry.Do(ctx, func(attempt int) (retry.Attempt, error) {
		u := buildURL(collection, dbserver, batchID, chunkSize, opts)
		headers := map[string]string{"Accept": acceptHeader(opts.UseVPack)}
		if opts.UseGzipForTransport {
			headers["Accept-Encoding"] = "gzip"
		}

		resp, err := client.Request(ctx, "GET", u, headers, nil)
		if err != nil {
			kind := wireapi.KindCouldNotConnect
			if resp != nil {
				kind = resp.Kind()
			}
			return retry.Attempt{Kind: kind, Err: err}, err
		}
		if resp.Kind() != wireapi.KindOK {
			return retry.Attempt{Kind: resp.Kind()}, fmt.Errorf("classical: transport error for %s", collection)
		}

		logical := logicalStatus(resp.StatusCode())
		if logical != retry.StatusOK {
			return retry.Attempt{Kind: wireapi.KindOK, Logical: logical}, fmt.Errorf("classical: logical status %d for %s", resp.StatusCode(), collection)
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			err := fmt.Errorf("classical: unexpected status %d for %s", resp.StatusCode(), collection)
			return retry.Attempt{Kind: wireapi.KindOK, Logical: retry.StatusOther, Err: err}, err
		}

		checkmoreHeader := resp.Header("x-arango-replication-checkmore")
		if checkmoreHeader == "" {
			err := fmt.Errorf("classical: missing x-arango-replication-checkmore header for %s", collection)
			return retry.Attempt{Kind: wireapi.KindOK, Logical: retry.StatusOther, Err: err}, err
		}
		if ct := resp.Header("Content-Type"); !contentTypeMatches(ct, opts.UseVPack) {
			err := fmt.Errorf("classical: unexpected Content-Type %q for %s (requested useVPack=%v)", ct, collection, opts.UseVPack)
			return retry.Attempt{Kind: wireapi.KindOK, Logical: retry.StatusOther, Err: err}, err
		}

		b := resp.Body()
		if strings.EqualFold(resp.Header("Content-Encoding"), "gzip") {
			inflated, err := inflate(b)
			if err != nil {
				return retry.Attempt{Kind: wireapi.KindReadError, Err: err}, err
			}
			b = inflated
		}

		body = b
		checkmore = checkmoreHeader == "true"
		return retry.Attempt{Kind: wireapi.KindOK, Logical: retry.StatusOK}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return body, checkmore, nil
}

func buildURL(collection, dbserver string, batchID uint64, chunkSize int, opts Options) string {
	v := url.Values{}
	v.Set("collection", collection)
	v.Set("batchId", strconv.FormatUint(batchID, 10))
	v.Set("useEnvelope", "false")
	v.Set("array", strconv.FormatBool(opts.UseVPack))
	v.Set("chunkSize", strconv.Itoa(chunkSize))
	if dbserver != "" {
		v.Set("DBserver", dbserver)
	}
	return opts.Endpoint + "/_api/replication/dump?" + v.Encode()
}

func acceptHeader(useVPack bool) string {
	if useVPack {
		return "application/x-velocypack"
	}
	return "application/json; dump=noencoding"
}

// contentTypeMatches validates §4.G step 3: the response's Content-Type
// must agree with the body format requested via useVPack, so a server
// that answers in the wrong format is rejected here rather than handed
// to docformat.decode for an opaque parse failure.
func contentTypeMatches(contentType string, useVPack bool) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(mediaType)
	if useVPack {
		return strings.EqualFold(mediaType, "application/x-velocypack")
	}
	return strings.EqualFold(mediaType, "application/json")
}

func logicalStatus(status int) retry.LogicalStatus {
	switch status {
	case 503:
		return retry.StatusClusterTimeout
	case 504:
		return retry.StatusGatewayTimeout
	default:
		return retry.StatusOK
	}
}

func inflate(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
