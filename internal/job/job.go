// Package job implements the Dump Job tagged variant of section 4.E:
// PerCollection, PerShard, and PerServerParallel, each a concrete
// queue.Job. (Inventory is handled by the orchestrator directly, not
// as a job, per the spec's own chosen design.)
//
// Grounded on the teacher's itemimage.Operation (a small tagged value
// describing one unit of work) and coordinator.worker's per-task
// dispatch, generalized from one operation kind to three, each
// wrapping a different pull strategy (classical single-file,
// classical per-shard, or the full parallel pipeline).
package job

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/arangobackup/dumpclient/internal/classical"
	"github.com/arangobackup/dumpclient/internal/masking"
	"github.com/arangobackup/dumpclient/internal/parallel"
	"github.com/arangobackup/dumpclient/internal/queue"
	"github.com/arangobackup/dumpclient/internal/session"
	"github.com/arangobackup/dumpclient/internal/sink"
	"github.com/arangobackup/dumpclient/internal/stats"
	"github.com/arangobackup/dumpclient/internal/wireapi"
)

// CollectionDescriptor is the subset of server inventory needed to
// dump one collection (§3).
type CollectionDescriptor struct {
	Name    string
	ID      string
	Deleted bool
	Raw     json.RawMessage // the full inventory blob, echoed to <coll>.structure.json
}

// ShardDescriptor names one shard of a cluster collection (§3).
type ShardDescriptor struct {
	ShardID         string
	CollectionName  string
	CollectionID    string
	PrimaryDBServer string
}

// WriteStructure writes <coll>.structure.json, stripping
// parameters.shadowCollections per §3's output layout.
func WriteStructure(dir *sink.Directory, c CollectionDescriptor) error {
	var doc map[string]any
	if err := json.Unmarshal(c.Raw, &doc); err != nil {
		return fmt.Errorf("job: decode structure for %s: %w", c.Name, err)
	}
	if params, ok := doc["parameters"].(map[string]any); ok {
		delete(params, "shadowCollections")
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("job: encode structure for %s: %w", c.Name, err)
	}
	return dir.WriteMeta(c.Name+".structure.json", out)
}

// PerCollectionJob implements §4.E's PerCollection variant.
type PerCollectionJob struct {
	Collection CollectionDescriptor
	Cluster    bool
	Shards     []ShardDescriptor // populated when Cluster is true

	Endpoint           string
	ServerID, SyncerID uint64
	SharedBatch        *session.Batch // single-server path only

	Dir      *sink.Directory
	Maskings masking.Maskings
	Stats    *stats.Stats
	DumpData bool

	ClassicalOpts classical.Options
	Queue         *queue.Queue // used to fan out PerShard jobs in cluster mode
}

// Run implements queue.Job.
func (j *PerCollectionJob) Run(ctx context.Context, client wireapi.Client) queue.Result {
	if err := WriteStructure(j.Dir, j.Collection); err != nil {
		return queue.Result{Err: err}
	}
	j.Stats.AddCollection()
	if !j.DumpData {
		return queue.Result{}
	}

	file, err := j.Dir.GetFile(j.Collection.Name, j.Collection.ID, j.ClassicalOpts.UseVPack, false)
	if err != nil {
		return queue.Result{Err: fmt.Errorf("job: open output file for %s: %w", j.Collection.Name, err)}
	}

	if j.Cluster {
		for _, shard := range j.Shards {
			file.Acquire()
			j.Queue.Enqueue(&PerShardJob{
				Shard:         shard,
				Endpoint:      j.Endpoint,
				ServerID:      j.ServerID,
				SyncerID:      j.SyncerID,
				File:          file,
				Dir:           j.Dir,
				Maskings:      j.Maskings,
				Stats:         j.Stats,
				ClassicalOpts: j.ClassicalOpts,
			})
		}
		// The job's own reference (opened above to guarantee the file
		// exists even if the collection has zero shards) is released
		// immediately; each spawned PerShardJob holds its own.
		return queue.Result{Err: file.Close()}
	}

	defer file.Close()
	_ = j.SharedBatch.Extend(ctx) // best-effort, per §4.C
	err = classical.Pull(ctx, client, j.Stats, j.Maskings, file, j.SharedBatch.ID, j.Collection.Name, "", j.ClassicalOpts)
	return queue.Result{Err: err}
}

// PerShardJob implements §4.E's PerShard variant: its own batch
// against the target dbserver, sharing the collection's output file
// handle with its siblings.
type PerShardJob struct {
	Shard ShardDescriptor

	Endpoint           string
	ServerID, SyncerID uint64

	File     *sink.File
	Dir      *sink.Directory
	Maskings masking.Maskings
	Stats    *stats.Stats

	ClassicalOpts classical.Options
}

// Run implements queue.Job.
func (j *PerShardJob) Run(ctx context.Context, client wireapi.Client) queue.Result {
	defer j.File.Close()

	batch, err := session.Create(ctx, client, j.Endpoint, j.ServerID, j.SyncerID, j.Shard.PrimaryDBServer)
	if err != nil {
		return queue.Result{Err: fmt.Errorf("job: create batch for shard %s: %w", j.Shard.ShardID, err)}
	}
	defer func() { _ = batch.End(ctx) }()

	err = classical.Pull(ctx, client, j.Stats, j.Maskings, j.File, batch.ID, j.Shard.CollectionName, j.Shard.PrimaryDBServer, j.ClassicalOpts)
	return queue.Result{Err: err}
}

// PerServerParallelJob implements §4.E's PerServerParallel variant:
// the full §4.H pipeline for every shard resident on one dbserver.
type PerServerParallelJob struct {
	DBServer string
	Shards   []ShardDescriptor

	Endpoint string
	Dir      *sink.Directory
	Maskings masking.Maskings
	Stats    *stats.Stats
	Factory  wireapi.Factory

	ParallelOpts parallel.Options // Endpoint/DBServer/Shards are filled in by Run
}

// Run implements queue.Job. It ignores the worker-owned client: the
// parallel pipeline manages its own pool of clients via Factory, since
// its thread count is independent of the outer worker pool's
// thread_count (§5).
func (j *PerServerParallelJob) Run(ctx context.Context, _ wireapi.Client) queue.Result {
	opts := j.ParallelOpts
	opts.Endpoint = j.Endpoint
	opts.DBServer = j.DBServer
	opts.Shards = make([]parallel.ShardTarget, len(j.Shards))
	for i, s := range j.Shards {
		opts.Shards[i] = parallel.ShardTarget{ShardID: s.ShardID, Collection: s.CollectionName, CollectionID: s.CollectionID}
	}

	err := parallel.Run(ctx, j.Factory, j.Stats, j.Maskings, j.Dir, opts)
	return queue.Result{Err: err}
}
