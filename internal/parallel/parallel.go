// Package parallel implements the Parallel Dump Coordinator of
// section 4.H: per dbserver, a server-side dump context feeding
// network threads that push response frames onto a bounded channel
// consumed by writer threads.
//
// Grounded on the teacher's coordinator.Run (spawn N workers over a
// channel, sync.WaitGroup join, aggregate errors) generalized into two
// distinct goroutine roles either side of a bounded channel instead of
// one worker role per task, since this pipeline's producers and
// consumers have different contracts (§4.H network vs writer thread).
package parallel

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/arangobackup/dumpclient/internal/blockcounter"
	"github.com/arangobackup/dumpclient/internal/boundedchan"
	"github.com/arangobackup/dumpclient/internal/docformat"
	"github.com/arangobackup/dumpclient/internal/dumpctx"
	"github.com/arangobackup/dumpclient/internal/logx"
	"github.com/arangobackup/dumpclient/internal/masking"
	"github.com/arangobackup/dumpclient/internal/retry"
	"github.com/arangobackup/dumpclient/internal/sink"
	"github.com/arangobackup/dumpclient/internal/stats"
	"github.com/arangobackup/dumpclient/internal/wireapi"
)

// ShardTarget names one shard this dbserver's pipeline must pull.
type ShardTarget struct {
	ShardID      string
	Collection   string
	CollectionID string
}

// Options configures one per-dbserver parallel pipeline.
type Options struct {
	Endpoint            string
	DBServer            string
	Shards              []ShardTarget
	UseVPack            bool
	UseGzipForTransport bool
	GzipStorage         bool
	SplitFiles          bool
	BatchSize           int
	PrefetchCount       int
	Parallelism         int
	NetworkThreads      int
	WriterThreads       int
}

type frame struct {
	body           []byte
	shardID        string
	blockDelta     int64
	contentEncGzip bool
}

// Run drives the full per-dbserver lifecycle: start the dump context,
// run network/writer threads to completion, then end the context with
// a fresh client.
func Run(ctx context.Context, factory wireapi.Factory, st *stats.Stats, m masking.Maskings, dir *sink.Directory, opts Options) error {
	collectionOf := make(map[string]ShardTarget, len(opts.Shards))
	shards := make([]dumpctx.Shard, 0, len(opts.Shards))
	for _, s := range opts.Shards {
		collectionOf[s.ShardID] = s
		shards = append(shards, dumpctx.Shard{ShardID: s.ShardID})
	}

	startClient := factory()
	dc, err := dumpctx.Start(ctx, startClient, opts.Endpoint, opts.DBServer, dumpctx.Params{
		BatchSize:     opts.BatchSize,
		PrefetchCount: opts.PrefetchCount,
		Parallelism:   opts.Parallelism,
		Shards:        shards,
		UseVPack:      opts.UseVPack,
	})
	if err != nil {
		return fmt.Errorf("parallel: start dump context on %s: %w", opts.DBServer, err)
	}
	defer func() {
		endClient := factory()
		if err := dc.End(context.Background(), endClient); err != nil {
			logx.Topic("parallel").Warn().Err(err).Str("dbserver", opts.DBServer).Msg("failed to end dump context")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := boundedchan.New[frame](opts.WriterThreads)
	guard := boundedchan.NewProducerGuard(ch, opts.NetworkThreads)
	counter := blockcounter.New(opts.DBServer)

	var batchCounter uint64
	var firstErrOnce sync.Once
	var firstErr error
	recordErr := func(err error) {
		firstErrOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	var wg sync.WaitGroup
	wg.Add(opts.NetworkThreads)
	for i := 0; i < opts.NetworkThreads; i++ {
		go func() {
			defer wg.Done()
			defer guard.Drop()
			networkThread(runCtx, factory(), dc.ID, opts, &batchCounter, ch, counter, st, recordErr)
		}()
	}

	wg.Add(opts.WriterThreads)
	for i := 0; i < opts.WriterThreads; i++ {
		go func() {
			defer wg.Done()
			writerThread(ch, counter, st, m, dir, collectionOf, opts, recordErr)
		}()
	}

	wg.Wait()
	return firstErr
}

func networkThread(ctx context.Context, client wireapi.Client, dumpID string, opts Options, batchCounter *uint64, ch *boundedchan.Chan[frame], counter *blockcounter.Counter, st *stats.Stats, recordErr func(error)) {
	var lastBatch uint64
	haveLast := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		next := atomic.AddUint64(batchCounter, 1)

		var body []byte
		var shardID string
		var blockDelta int64
		var contentEncGzip bool
		var exhausted bool

		err := retry.Do(ctx, func(attempt int) (retry.Attempt, error) {
			u := buildNextURL(opts.Endpoint, dumpID, opts.DBServer, next, lastBatch, haveLast)
			resp, reqErr := client.Request(ctx, "POST", u, nil, nil)
			if reqErr != nil {
				kind := wireapi.KindCouldNotConnect
				if resp != nil {
					kind = resp.Kind()
				}
				return retry.Attempt{Kind: kind, Err: reqErr}, reqErr
			}
			if resp.Kind() != wireapi.KindOK {
				return retry.Attempt{Kind: resp.Kind()}, fmt.Errorf("parallel: transport error fetching next batch")
			}
			if resp.StatusCode() == 204 {
				exhausted = true
				return retry.Attempt{Kind: wireapi.KindOK, Logical: retry.StatusOK}, nil
			}
			if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
				logical := retry.StatusOther
				if resp.StatusCode() == 503 {
					logical = retry.StatusClusterTimeout
				} else if resp.StatusCode() == 504 {
					logical = retry.StatusGatewayTimeout
				}
				err := fmt.Errorf("parallel: unexpected status %d", resp.StatusCode())
				return retry.Attempt{Kind: wireapi.KindOK, Logical: logical, Err: err}, err
			}

			shardID = resp.Header("x-arango-dump-shard-id")
			if shardID == "" {
				err := fmt.Errorf("parallel: missing x-arango-dump-shard-id header")
				return retry.Attempt{Kind: wireapi.KindOK, Logical: retry.StatusOther, Err: err}, err
			}
			if bc := resp.Header("x-arango-dump-block-counts"); bc != "" {
				if v, err := strconv.ParseInt(bc, 10, 64); err == nil {
					blockDelta = v
				}
			}
			contentEncGzip = strings.EqualFold(resp.Header("Content-Encoding"), "gzip")
			body = resp.Body()
			return retry.Attempt{Kind: wireapi.KindOK, Logical: retry.StatusOK}, nil
		})
		if err != nil {
			recordErr(fmt.Errorf("parallel: network thread: %w", err))
			return
		}
		if exhausted {
			return
		}

		st.AddBatch()
		st.AddReceived(int64(len(body)))

		stopped, wasFull := ch.Push(frame{body: body, shardID: shardID, blockDelta: blockDelta, contentEncGzip: contentEncGzip})
		if wasFull {
			counter.NetworkBlockedOnFull()
		}
		if stopped {
			return
		}

		lastBatch = next
		haveLast = true
	}
}

func writerThread(ch *boundedchan.Chan[frame], counter *blockcounter.Counter, st *stats.Stats, m masking.Maskings, dir *sink.Directory, collectionOf map[string]ShardTarget, opts Options, recordErr func(error)) {
	cache := make(map[string]*sink.File)
	defer func() {
		for _, f := range cache {
			_ = f.Close()
		}
	}()

	for {
		fr, ok, wasEmpty := ch.Pop()
		if wasEmpty {
			counter.WriterBlockedOnEmpty()
		}
		if !ok {
			return
		}

		if fr.blockDelta != 0 {
			counter.ApplyRemote(fr.blockDelta)
		}

		target, known := collectionOf[fr.shardID]
		if !known {
			recordErr(fmt.Errorf("parallel: unknown shard id %q in response", fr.shardID))
			return
		}

		body := fr.body
		if fr.contentEncGzip {
			inflated, err := inflate(body)
			if err != nil {
				recordErr(fmt.Errorf("parallel: inflate shard %s: %w", fr.shardID, err))
				return
			}
			body = inflated
		}

		if opts.SplitFiles {
			f, err := dir.NextSplitFile(target.Collection, target.CollectionID, opts.UseVPack, opts.GzipStorage)
			if err != nil {
				recordErr(fmt.Errorf("parallel: open split file for %s: %w", target.Collection, err))
				return
			}
			if err := docformat.Write(st, m, f, body, target.Collection, opts.UseVPack); err != nil {
				recordErr(err)
				_ = f.Close()
				return
			}
			_ = f.Close()
			continue
		}

		f, cached := cache[fr.shardID]
		if !cached {
			var err error
			f, err = dir.GetFile(target.Collection, target.CollectionID, opts.UseVPack, opts.GzipStorage)
			if err != nil {
				recordErr(fmt.Errorf("parallel: open file for %s: %w", target.Collection, err))
				return
			}
			cache[fr.shardID] = f
		}
		if err := docformat.Write(st, m, f, body, target.Collection, opts.UseVPack); err != nil {
			recordErr(err)
			return
		}
	}
}

func buildNextURL(endpoint, dumpID, dbserver string, batchID, lastBatch uint64, haveLast bool) string {
	v := url.Values{}
	v.Set("batchId", strconv.FormatUint(batchID, 10))
	if dbserver != "" {
		v.Set("dbserver", dbserver)
	}
	if haveLast {
		v.Set("lastBatch", strconv.FormatUint(lastBatch, 10))
	}
	return fmt.Sprintf("%s/_api/dump/next/%s?%s", endpoint, dumpID, v.Encode())
}

func inflate(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
