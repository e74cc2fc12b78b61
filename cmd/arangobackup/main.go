// Package main implements the command-line interface of section 6 of
// the design specification.
//
// Grounded on cuemby-warren's cmd/warren (cobra root command, flags
// parsed via cmd.Flags()); logging is set up at the start of RunE,
// once the effective configuration is known. Adapted from a multi-resource orchestrator CLI to a single dump
// command. Flags are bound to local variables rather than directly
// into config.Config so that a --config file's values aren't
// clobbered by each flag's zero-value default; only flags the user
// actually set on the command line override the file (or built-in
// defaults).
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arangobackup/dumpclient/internal/awsutil"
	"github.com/arangobackup/dumpclient/internal/checkpoint"
	"github.com/arangobackup/dumpclient/internal/config"
	"github.com/arangobackup/dumpclient/internal/inventory"
	"github.com/arangobackup/dumpclient/internal/logx"
	"github.com/arangobackup/dumpclient/internal/masking"
	"github.com/arangobackup/dumpclient/internal/report"
	"github.com/arangobackup/dumpclient/internal/retry"
	"github.com/arangobackup/dumpclient/internal/stats"
	"github.com/arangobackup/dumpclient/internal/wireapi"
)

// clientIdentity generates one id of the per-run serverId/syncerId pair
// (it is called once for each) that the wire protocol uses to tell replication batches from distinct dump clients
// apart, taking the high 8 bytes of a fresh random UUID as a uint64.
func clientIdentity() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// flagValues mirrors config.Config field-for-field; only the fields
// whose flag was explicitly set are copied onto the effective config.
type flagValues struct {
	configFile                     string
	endpoint, outputPath, database string
	allDatabases                   bool
	collections, shards             []string

	dumpData, dumpViews, includeSystem, force, ignoreDSL, overwrite, progress bool
	maskingsFile                                                              string

	gzipStorage, gzipTransport, useVPack, parallelDump, splitFiles bool

	initialChunkSize, maxChunkSize, threadCount                           int
	dbserverWorkerThreads, dbserverPrefetchBatches                        int
	localWriterThreads, localNetworkThreads                               int

	metricsAddr, reportOutput, progressFile string

	logJSON, logDebug bool
}

var fv flagValues

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "arangobackup",
	Short: "Parallel logical backup client for a distributed document database",
	Long: `arangobackup dumps one or more databases from a single server or a
cluster coordinator into a restore-compatible directory layout,
optionally splitting the work across per-dbserver parallel pipelines.`,
	RunE: runDump,
}

func init() {
	flags := rootCmd.Flags()

	flags.StringVar(&fv.configFile, "config", "", "path to a YAML config file, applied before flags")
	flags.StringVar(&fv.endpoint, "endpoint", "", "server or coordinator base URL (required)")
	flags.StringVar(&fv.outputPath, "output-path", "", "local directory to write the dump into (required)")
	flags.StringVar(&fv.database, "database", "", "database to dump")
	flags.BoolVar(&fv.allDatabases, "all-databases", false, "dump every database the endpoint exposes")
	flags.StringSliceVar(&fv.collections, "collections", nil, "restrict the dump to these collections (default: all)")
	flags.StringSliceVar(&fv.shards, "shards", nil, "restrict the dump to these shard ids (cluster mode only, default: all)")

	flags.BoolVar(&fv.dumpData, "dump-data", true, "dump collection data, not just structure")
	flags.BoolVar(&fv.dumpViews, "dump-views", false, "also dump view definitions")
	flags.BoolVar(&fv.includeSystem, "include-system-collections", false, "include system collections")
	flags.BoolVar(&fv.force, "force", false, "continue past per-database failures instead of stopping at the first one")
	flags.BoolVar(&fv.ignoreDSL, "ignore-distribute-shards-like-errors", false, "tolerate distributeShardsLike references outside the dump set")
	flags.BoolVar(&fv.overwrite, "overwrite", false, "allow writing into an existing output directory")
	flags.BoolVar(&fv.progress, "progress", false, "persist per-database completion and skip finished databases on restart (collections are not tracked individually)")

	flags.StringVar(&fv.maskingsFile, "maskings-file", "", "path to a masking rules file (rule evaluation itself is out of scope)")

	flags.BoolVar(&fv.gzipStorage, "use-gzip-for-storage", false, "gzip-compress output files")
	flags.BoolVar(&fv.gzipTransport, "use-gzip-for-transport", true, "request gzip-compressed responses from the server")
	flags.BoolVar(&fv.useVPack, "use-vpack", false, "request the binary wire format instead of JSON")
	flags.BoolVar(&fv.parallelDump, "use-parallel-dump", false, "use the per-dbserver parallel pipeline instead of the classical per-shard pull")
	flags.BoolVar(&fv.splitFiles, "split-files", false, "write one file per batch instead of one combined file per collection (parallel dump only)")

	flags.IntVar(&fv.initialChunkSize, "initial-chunk-size", 0, "starting chunk size in bytes for the classical dumper")
	flags.IntVar(&fv.maxChunkSize, "max-chunk-size", 0, "maximum chunk size in bytes for the classical dumper")
	flags.IntVar(&fv.threadCount, "threads", 0, "worker pool size")
	flags.IntVar(&fv.dbserverWorkerThreads, "dbserver-worker-threads", 0, "parallelism of the server-side dump context per dbserver")
	flags.IntVar(&fv.dbserverPrefetchBatches, "dbserver-prefetch-batches", 0, "batches the server may prefetch per dbserver")
	flags.IntVar(&fv.localWriterThreads, "local-writer-threads", 0, "writer goroutines per parallel pipeline")
	flags.IntVar(&fv.localNetworkThreads, "local-network-threads", 0, "network goroutines per parallel pipeline")

	flags.StringVar(&fv.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	flags.StringVar(&fv.reportOutput, "report-output", "", "where to write the final report: a local path or an s3:// URI")
	flags.StringVar(&fv.progressFile, "progress-file", "", "where to persist progress state: a local path or an s3:// URI (default with --progress: <output-path>/.progress.json; otherwise progress is kept in memory only)")

	flags.BoolVar(&fv.logJSON, "log-json", false, "emit structured JSON logs instead of the console format")
	flags.BoolVar(&fv.logDebug, "log-debug", false, "enable debug-level logging")
}

// effectiveConfig merges defaults, an optional --config file, and
// whichever flags the user actually set, in that precedence order.
func effectiveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if fv.configFile != "" {
		if err := cfg.LoadFile(fv.configFile); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("endpoint") {
		cfg.Endpoint = fv.endpoint
	}
	if changed("output-path") {
		cfg.OutputPath = fv.outputPath
	}
	if changed("database") {
		cfg.Database = fv.database
	}
	if changed("all-databases") {
		cfg.AllDatabases = fv.allDatabases
	}
	if changed("collections") {
		cfg.Collections = fv.collections
	}
	if changed("shards") {
		cfg.Shards = fv.shards
	}
	if changed("dump-data") {
		cfg.DumpData = fv.dumpData
	}
	if changed("dump-views") {
		cfg.DumpViews = fv.dumpViews
	}
	if changed("include-system-collections") {
		cfg.IncludeSystemCollections = fv.includeSystem
	}
	if changed("force") {
		cfg.Force = fv.force
	}
	if changed("ignore-distribute-shards-like-errors") {
		cfg.IgnoreDistributeShardsLikeErr = fv.ignoreDSL
	}
	if changed("overwrite") {
		cfg.Overwrite = fv.overwrite
	}
	if changed("progress") {
		cfg.Progress = fv.progress
	}
	if changed("maskings-file") {
		cfg.MaskingsFile = fv.maskingsFile
	}
	if changed("use-gzip-for-storage") {
		cfg.UseGzipForStorage = fv.gzipStorage
	}
	if changed("use-gzip-for-transport") {
		cfg.UseGzipForTransport = fv.gzipTransport
	}
	if changed("use-vpack") {
		cfg.UseVPack = fv.useVPack
	}
	if changed("use-parallel-dump") {
		cfg.UseParallelDump = fv.parallelDump
	}
	if changed("split-files") {
		cfg.SplitFiles = fv.splitFiles
	}
	if changed("initial-chunk-size") {
		cfg.InitialChunkSize = fv.initialChunkSize
	}
	if changed("max-chunk-size") {
		cfg.MaxChunkSize = fv.maxChunkSize
	}
	if changed("threads") {
		cfg.ThreadCount = fv.threadCount
	}
	if changed("dbserver-worker-threads") {
		cfg.DBServerWorkerThreads = fv.dbserverWorkerThreads
	}
	if changed("dbserver-prefetch-batches") {
		cfg.DBServerPrefetchBatches = fv.dbserverPrefetchBatches
	}
	if changed("local-writer-threads") {
		cfg.LocalWriterThreads = fv.localWriterThreads
	}
	if changed("local-network-threads") {
		cfg.LocalNetworkThreads = fv.localNetworkThreads
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = fv.metricsAddr
	}
	if changed("report-output") {
		cfg.ReportOutput = fv.reportOutput
	}
	if changed("progress-file") {
		cfg.ProgressFile = fv.progressFile
	}

	return cfg, cfg.Validate()
}

func runDump(cmd *cobra.Command, _ []string) error {
	cfg, err := effectiveConfig(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logx.Init(logx.Config{Debug: fv.logDebug, JSONOutput: fv.logJSON})
	log := logx.Topic("main")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	s3Client := awsutil.NewS3Client(s3.NewFromConfig(awsCfg))

	factory := func() wireapi.Client { return wireapi.NewHTTPClient() }

	var m masking.Maskings = masking.None{}
	if cfg.MaskingsFile != "" {
		log.Warn().Str("file", cfg.MaskingsFile).Msg("maskings file configured but rule evaluation is not implemented; dumping unmasked")
	}

	st := stats.New()

	if cfg.MetricsAddr != "" {
		exp, err := stats.ServeMetrics(ctx, cfg.MetricsAddr, st)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() { _ = exp.Shutdown(context.Background()) }()
	}

	progressStore, err := progressStoreFor(cfg.ProgressFile, s3Client)
	if err != nil {
		return err
	}

	serverID, syncerID := clientIdentity(), clientIdentity()

	orch := inventory.New(factory(), factory, m, st, progressStore, inventory.Options{
		Endpoint:                   cfg.Endpoint,
		OutputPath:                 cfg.OutputPath,
		S3Client:                   s3Client,
		AllDatabases:               cfg.AllDatabases,
		Database:                   cfg.Database,
		Collections:                cfg.Collections,
		Shards:                     cfg.Shards,
		IncludeSystemCollections:   cfg.IncludeSystemCollections,
		Force:                      cfg.Force,
		IgnoreDistributeShardsLike: cfg.IgnoreDistributeShardsLikeErr,
		Overwrite:                  cfg.Overwrite,
		DumpViews:                  cfg.DumpViews,
		DumpData:                   cfg.DumpData,
		UseParallelDump:            cfg.UseParallelDump,
		SplitFiles:                 cfg.SplitFiles,
		UseVPack:                   cfg.UseVPack,
		UseGzipForStorage:          cfg.UseGzipForStorage,
		UseGzipForTransport:        cfg.UseGzipForTransport,
		ThreadCount:                cfg.ThreadCount,
		InitialChunkSize:           cfg.InitialChunkSize,
		MaxChunkSize:               cfg.MaxChunkSize,
		DBServerWorkerThreads:      cfg.DBServerWorkerThreads,
		DBServerPrefetchBatches:    cfg.DBServerPrefetchBatches,
		LocalWriterThreads:         cfg.LocalWriterThreads,
		LocalNetworkThreads:        cfg.LocalNetworkThreads,
		Progress:                   cfg.Progress,
		ServerID:                   serverID,
		SyncerID:                   syncerID,
	})

	log.Info().Str("endpoint", cfg.Endpoint).Str("output_path", cfg.OutputPath).Msg("starting dump")
	runErr := orch.Run(ctx)

	if runErr != nil && cfg.FatalOnRetryExhausted && errors.Is(runErr, retry.ErrRetriesExhausted) {
		log.Fatal().Err(runErr).Msg("exiting immediately: retries exhausted and fatal_on_retry_exhausted is set")
	}

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	rep := report.Generate(st, errs)
	fmt.Println(rep.String())

	if cfg.ReportOutput != "" {
		if err := uploadOrWriteReport(ctx, cfg.ReportOutput, rep, s3Client); err != nil {
			log.Error().Err(err).Msg("failed to write report")
		}
	}

	return runErr
}

func progressStoreFor(location string, s3Client awsutil.S3Client) (checkpoint.Store, error) {
	switch {
	case location == "":
		return checkpoint.NewMemoryStore(), nil
	case len(location) > 5 && location[:5] == "s3://":
		return checkpoint.NewS3Store(s3Client, location)
	default:
		return checkpoint.NewFileStore(location)
	}
}

func uploadOrWriteReport(ctx context.Context, location string, rep report.Report, s3Client awsutil.S3Client) error {
	if len(location) > 5 && location[:5] == "s3://" {
		return report.NewUploader(s3Client).Upload(ctx, location, rep)
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(location, data, 0o644)
}
