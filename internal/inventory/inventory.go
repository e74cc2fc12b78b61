// Package inventory implements the Inventory Orchestrator of section
// 4.J: per database, discover collections and (in cluster mode)
// shards, filter them per the option bag, and fan out jobs onto the
// Task Queue & Worker Pool.
//
// Grounded on the teacher's coordinator.Run top-level flow (parse
// target, load manifest, set up worker pool, drain, report), widened
// from one manifest/one table to N databases each producing their own
// job set, and from a flat file list to a filtered, shard-aware
// collection inventory.
package inventory

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/arangobackup/dumpclient/internal/awsutil"
	"github.com/arangobackup/dumpclient/internal/checkpoint"
	"github.com/arangobackup/dumpclient/internal/classical"
	"github.com/arangobackup/dumpclient/internal/job"
	"github.com/arangobackup/dumpclient/internal/logx"
	"github.com/arangobackup/dumpclient/internal/masking"
	"github.com/arangobackup/dumpclient/internal/parallel"
	"github.com/arangobackup/dumpclient/internal/queue"
	"github.com/arangobackup/dumpclient/internal/session"
	"github.com/arangobackup/dumpclient/internal/sink"
	"github.com/arangobackup/dumpclient/internal/stats"
	"github.com/arangobackup/dumpclient/internal/wireapi"
)

// Options mirrors the relevant subset of the option bag (§3) that the
// orchestrator itself consults; pull-loop-specific fields are passed
// through to classical.Options/parallel.Options unchanged.
type Options struct {
	Endpoint   string
	OutputPath string // may be a local path or an s3:// URI (S3Client required for the latter)
	S3Client   awsutil.S3Client

	AllDatabases bool
	Database     string

	Collections                []string
	Shards                     []string
	IncludeSystemCollections   bool
	Force                      bool
	IgnoreDistributeShardsLike bool
	Overwrite                  bool
	DumpViews                  bool
	DumpData                   bool

	UseParallelDump bool
	SplitFiles      bool
	UseVPack        bool

	UseGzipForStorage   bool
	UseGzipForTransport bool

	ThreadCount             int
	InitialChunkSize        int
	MaxChunkSize            int
	DBServerWorkerThreads   int
	DBServerPrefetchBatches int
	LocalWriterThreads      int
	LocalNetworkThreads     int

	ServerID, SyncerID uint64

	Progress bool
}

// ErrNoCollectionsMatched is returned when options.Collections was
// non-empty but none of the requested names exist in the database
// (§4.J step 8, §8 scenario 6).
var ErrNoCollectionsMatched = fmt.Errorf("inventory: none of the requested collections were found")

// Orchestrator drives the full dump of one or more databases.
type Orchestrator struct {
	client   wireapi.Client
	factory  wireapi.Factory
	maskings masking.Maskings
	stats    *stats.Stats
	progress checkpoint.Store
	opts     Options
}

// New creates an Orchestrator.
func New(client wireapi.Client, factory wireapi.Factory, m masking.Maskings, st *stats.Stats, progress checkpoint.Store, opts Options) *Orchestrator {
	if m == nil {
		m = masking.None{}
	}
	if progress == nil {
		progress = checkpoint.NewMemoryStore()
	}
	return &Orchestrator{client: client, factory: factory, maskings: m, stats: st, progress: progress, opts: opts}
}

// Run dumps every target database, honoring force semantics across
// databases (§3 invariant 6, §7): stop at the first failure unless
// Force is set, in which case every database is attempted and the
// first error is still what's returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := logx.Topic("inventory")

	databases, err := o.targetDatabases(ctx)
	if err != nil {
		return err
	}

	state, err := o.progress.Load(ctx)
	if err != nil {
		return fmt.Errorf("inventory: load progress: %w", err)
	}

	var firstErr error
	for _, db := range databases {
		if state.IsDatabaseDone(db) {
			log.Info().Str("database", db).Msg("skipping database already completed per progress file")
			continue
		}

		if err := o.runDatabase(ctx, db); err != nil {
			log.Error().Err(err).Str("database", db).Msg("database dump failed")
			if firstErr == nil {
				firstErr = err
			}
			if !o.opts.Force {
				return firstErr
			}
			continue
		}

		state = state.MarkDatabaseDone(db)
		if err := o.progress.Save(ctx, state); err != nil {
			log.Warn().Err(err).Msg("failed to persist progress")
		}
	}
	return firstErr
}

func (o *Orchestrator) targetDatabases(ctx context.Context) ([]string, error) {
	if !o.opts.AllDatabases {
		if o.opts.Database == "" {
			return nil, fmt.Errorf("inventory: no database specified")
		}
		return []string{o.opts.Database}, nil
	}
	return fetchDatabases(ctx, o.client, o.opts.Endpoint)
}

func (o *Orchestrator) runDatabase(ctx context.Context, db string) error {
	log := logx.Topic("inventory").With().Str("database", db).Logger()

	localPath := filepath.Join(o.opts.OutputPath, db)
	overwrite := o.opts.Overwrite
	var mirror *sink.S3Mirror
	if strings.HasPrefix(o.opts.OutputPath, "s3://") {
		if o.opts.S3Client == nil {
			return fmt.Errorf("inventory: output_path %q is an s3:// URI but no S3 client was configured", o.opts.OutputPath)
		}
		m, err := sink.NewS3Mirror(o.opts.S3Client, strings.TrimSuffix(o.opts.OutputPath, "/")+"/"+db)
		if err != nil {
			return fmt.Errorf("inventory: configure S3 mirror: %w", err)
		}
		mirror = m

		stageDir, err := os.MkdirTemp("", "arangobackup-stage-*")
		if err != nil {
			return fmt.Errorf("inventory: create local staging directory: %w", err)
		}
		defer os.RemoveAll(stageDir)
		localPath = stageDir
		overwrite = true // a fresh staging directory always exists empty
	}

	dir, err := sink.Create(localPath, overwrite)
	if err != nil {
		return fmt.Errorf("inventory: create output directory for %s: %w", db, err)
	}
	if mirror != nil {
		dir.SetMirror(mirror)
	}

	role, err := detectRole(ctx, o.client, o.opts.Endpoint)
	if err != nil {
		return fmt.Errorf("inventory: detect server role: %w", err)
	}
	cluster := role == "COORDINATOR"

	inv, batch, err := o.fetchInventory(ctx, db, cluster)
	if err != nil {
		return err
	}
	if batch != nil {
		defer func() { _ = batch.End(ctx) }()
	}

	if err := writeDumpMeta(dir, db, inv, o.opts.UseVPack); err != nil {
		return err
	}

	if o.opts.DumpViews {
		if err := writeViews(dir, inv); err != nil {
			return err
		}
	}

	selected, err := o.filterCollections(inv)
	if err != nil {
		return err
	}
	if len(o.opts.Collections) > 0 && len(selected) == 0 {
		return ErrNoCollectionsMatched
	}

	q := queue.New(o.factory)
	for _, c := range selected {
		o.enqueueCollection(q, dir, c, cluster, batch)
	}

	if o.opts.UseParallelDump && cluster {
		for dbserver, shards := range shardsByServer(selected) {
			q.Enqueue(&job.PerServerParallelJob{
				DBServer: dbserver,
				Shards:   shards,
				Endpoint: o.opts.Endpoint,
				Dir:      dir,
				Maskings: o.maskings,
				Stats:    o.stats,
				Factory:  o.factory,
				ParallelOpts: parallel.Options{
					UseVPack:            o.opts.UseVPack,
					UseGzipForTransport: o.opts.UseGzipForTransport,
					GzipStorage:         o.opts.UseGzipForStorage,
					SplitFiles:          o.opts.SplitFiles,
					BatchSize:           o.opts.InitialChunkSize,
					PrefetchCount:       o.opts.DBServerPrefetchBatches,
					Parallelism:         o.opts.DBServerWorkerThreads,
					NetworkThreads:      o.opts.LocalNetworkThreads,
					WriterThreads:       o.opts.LocalWriterThreads,
				},
			})
		}
	}

	if err := q.Run(ctx, o.opts.ThreadCount); err != nil {
		return err
	}

	log.Debug().Int("collections", len(selected)).Msg("database dump complete")
	return nil
}

func (o *Orchestrator) enqueueCollection(q *queue.Queue, dir *sink.Directory, c collection, cluster bool, sharedBatch *session.Batch) {
	descriptor := job.CollectionDescriptor{Name: c.Name, ID: c.ID, Deleted: c.Deleted, Raw: c.Raw}

	var shards []job.ShardDescriptor
	if cluster {
		for shardID, servers := range c.Shards {
			primary := ""
			if len(servers) > 0 {
				primary = servers[0]
			}
			shards = append(shards, job.ShardDescriptor{ShardID: shardID, CollectionName: c.Name, CollectionID: c.ID, PrimaryDBServer: primary})
		}
	}

	// In parallel mode, PerServerParallelJob is the sole data producer for
	// cluster shards (§4.J step 9); the per-collection job here writes
	// structure only, or every document would be pulled and written twice.
	dumpData := o.opts.DumpData && !(o.opts.UseParallelDump && cluster)

	q.Enqueue(&job.PerCollectionJob{
		Collection:    descriptor,
		Cluster:       cluster,
		Shards:        shards,
		Endpoint:      o.opts.Endpoint,
		ServerID:      o.opts.ServerID,
		SyncerID:      o.opts.SyncerID,
		SharedBatch:   sharedBatch,
		Dir:           dir,
		Maskings:      o.maskings,
		Stats:         o.stats,
		DumpData:      dumpData,
		Queue:         q,
		ClassicalOpts: classicalOptionsFor(o.opts),
	})
}

func shardsByServer(collections []collection) map[string][]job.ShardDescriptor {
	out := make(map[string][]job.ShardDescriptor)
	for _, c := range collections {
		for shardID, servers := range c.Shards {
			if len(servers) == 0 {
				continue
			}
			primary := servers[0]
			out[primary] = append(out[primary], job.ShardDescriptor{ShardID: shardID, CollectionName: c.Name, CollectionID: c.ID, PrimaryDBServer: primary})
		}
	}
	return out
}

// filterCollections implements §4.J steps 6-7.
func (o *Orchestrator) filterCollections(inv *inventoryResponse) ([]collection, error) {
	restrict := make(map[string]bool, len(o.opts.Collections))
	for _, name := range o.opts.Collections {
		restrict[name] = true
	}

	var selected []collection
	names := make(map[string]bool)
	for _, raw := range inv.Collections {
		var p parameters
		if err := json.Unmarshal(raw, &wrapper{&p}); err != nil {
			return nil, fmt.Errorf("inventory: decode collection: %w", err)
		}
		names[p.Parameters.Name] = true
	}

	for _, raw := range inv.Collections {
		var w wrapper
		var p parameters
		w.Parameters = &p
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("inventory: decode collection: %w", err)
		}

		if p.Parameters.Deleted {
			continue
		}
		if len(restrict) > 0 && !restrict[p.Parameters.Name] {
			continue
		}
		if p.Parameters.IsSystem && !o.opts.IncludeSystemCollections {
			continue
		}
		if p.Parameters.Hidden && !o.opts.Force {
			continue
		}

		like := p.Parameters.DistributeShardsLike
		absent := !names[like] || (len(restrict) > 0 && !restrict[like])
		if like != "" && absent && !o.opts.IgnoreDistributeShardsLike {
			return nil, fmt.Errorf("inventory: collection %s has distributeShardsLike=%s which is absent from the dump set", p.Parameters.Name, like)
		}

		selected = append(selected, collection{
			Name:    p.Parameters.Name,
			ID:      p.Parameters.ID,
			Deleted: p.Parameters.Deleted,
			Shards:  restrictShards(p.Parameters.Shards, o.opts.Shards),
			Raw:     raw,
		})
	}
	return selected, nil
}

// restrictShards narrows a collection's shard map to the requested shard
// ids (§3's `shards` option). An empty allow-list means no restriction.
func restrictShards(shards map[string][]string, allow []string) map[string][]string {
	if len(allow) == 0 || shards == nil {
		return shards
	}
	keep := make(map[string]bool, len(allow))
	for _, id := range allow {
		keep[id] = true
	}
	out := make(map[string][]string, len(shards))
	for id, servers := range shards {
		if keep[id] {
			out[id] = servers
		}
	}
	return out
}

func classicalOptionsFor(o Options) classical.Options {
	return classical.Options{
		Endpoint:            o.Endpoint,
		InitialChunkSize:    o.InitialChunkSize,
		MaxChunkSize:        o.MaxChunkSize,
		UseVPack:            o.UseVPack,
		UseGzipForTransport: o.UseGzipForTransport,
	}
}

func detectRole(ctx context.Context, client wireapi.Client, endpoint string) (string, error) {
	resp, err := client.Request(ctx, "GET", endpoint+"/_admin/server/role", nil, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("inventory: server role: unexpected status %d", resp.StatusCode())
	}
	var v struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(resp.Body(), &v); err != nil {
		return "", fmt.Errorf("inventory: decode server role: %w", err)
	}
	return v.Role, nil
}

func fetchDatabases(ctx context.Context, client wireapi.Client, endpoint string) ([]string, error) {
	resp, err := client.Request(ctx, "GET", endpoint+"/_api/database/user", nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("inventory: list databases: unexpected status %d", resp.StatusCode())
	}
	var v struct {
		Result []string `json:"result"`
	}
	if err := json.Unmarshal(resp.Body(), &v); err != nil {
		return nil, fmt.Errorf("inventory: decode database list: %w", err)
	}
	return v.Result, nil
}

type inventoryResponse struct {
	Collections []json.RawMessage `json:"collections"`
	Views       []json.RawMessage `json:"views"`
	State       json.RawMessage   `json:"state"`
}

type wrapper struct {
	Parameters *parameters `json:"parameters"`
}

type parameters struct {
	Name                  string              `json:"name"`
	ID                    string              `json:"id"`
	IsSystem              bool                `json:"isSystem"`
	Deleted               bool                `json:"deleted"`
	Hidden                bool                `json:"hidden"`
	DistributeShardsLike  string              `json:"distributeShardsLike"`
	Shards                map[string][]string `json:"shards"`
}

type collection struct {
	Name    string
	ID      string
	Deleted bool
	Shards  map[string][]string
	Raw     json.RawMessage
}

func (o *Orchestrator) fetchInventory(ctx context.Context, db string, cluster bool) (*inventoryResponse, *session.Batch, error) {
	endpoint := o.opts.Endpoint
	if cluster {
		inv, err := fetchClusterInventory(ctx, o.client, endpoint, o.opts.IncludeSystemCollections)
		return inv, nil, err
	}

	batch, err := session.Create(ctx, o.client, endpoint, o.opts.ServerID, o.opts.SyncerID, "")
	if err != nil {
		return nil, nil, fmt.Errorf("inventory: create batch: %w", err)
	}
	inv, err := fetchSingleInventory(ctx, o.client, endpoint, o.opts.IncludeSystemCollections, batch.ID)
	if err != nil {
		_ = batch.End(ctx)
		return nil, nil, err
	}
	return inv, batch, nil
}

func fetchSingleInventory(ctx context.Context, client wireapi.Client, endpoint string, includeSystem bool, batchID uint64) (*inventoryResponse, error) {
	v := url.Values{}
	v.Set("includeSystem", strconv.FormatBool(includeSystem))
	v.Set("includeFoxxQueues", "false")
	v.Set("batchId", strconv.FormatUint(batchID, 10))

	resp, err := client.Request(ctx, "GET", endpoint+"/_api/replication/inventory?"+v.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("inventory: fetch: unexpected status %d", resp.StatusCode())
	}
	var inv inventoryResponse
	if err := json.Unmarshal(resp.Body(), &inv); err != nil {
		return nil, fmt.Errorf("inventory: decode: %w", err)
	}
	return &inv, nil
}

func fetchClusterInventory(ctx context.Context, client wireapi.Client, endpoint string, includeSystem bool) (*inventoryResponse, error) {
	v := url.Values{}
	v.Set("includeSystem", strconv.FormatBool(includeSystem))

	resp, err := client.Request(ctx, "GET", endpoint+"/_api/replication/clusterInventory?"+v.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("inventory: fetch cluster inventory: unexpected status %d", resp.StatusCode())
	}
	var inv inventoryResponse
	if err := json.Unmarshal(resp.Body(), &inv); err != nil {
		return nil, fmt.Errorf("inventory: decode cluster inventory: %w", err)
	}
	return &inv, nil
}

func writeDumpMeta(dir *sink.Directory, db string, inv *inventoryResponse, useVPack bool) error {
	meta := map[string]any{
		"database":            db,
		"createdAt":           time.Now().UTC().Format(time.RFC3339),
		"lastTickAtDumpStart": lastTick(inv.State),
		"useEnvelope":         false,
		"useVPack":            useVPack,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("inventory: encode dump.json: %w", err)
	}
	return dir.WriteMeta("dump.json", data)
}

func lastTick(state json.RawMessage) string {
	if len(state) == 0 {
		return ""
	}
	var v struct {
		LastTick string `json:"lastTick"`
	}
	if err := json.Unmarshal(state, &v); err != nil {
		return ""
	}
	return v.LastTick
}

func writeViews(dir *sink.Directory, inv *inventoryResponse) error {
	for _, raw := range inv.Views {
		var v struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("inventory: decode view: %w", err)
		}
		if v.Name == "" {
			continue
		}
		if err := dir.WriteMeta(v.Name+".view.json", raw); err != nil {
			return fmt.Errorf("inventory: write view %s: %w", v.Name, err)
		}
	}
	return nil
}
