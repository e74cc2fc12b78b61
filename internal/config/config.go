// Package config implements the option bag and validation for the dump
// client as specified in section 3 of the design specification.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	minChunkSize = 128 * 1024
	maxChunkCap  = 96 * 1024 * 1024
)

// Config holds every recognized option from section 3 of the spec, plus
// the ambient options this repository adds (config file, metrics
// endpoint, report destination).
type Config struct {
	Collections []string `yaml:"collections"`
	Shards      []string `yaml:"shards"`

	InitialChunkSize int `yaml:"initial_chunk_size"`
	MaxChunkSize     int `yaml:"max_chunk_size"`

	ThreadCount int `yaml:"thread_count"`

	DumpData                      bool `yaml:"dump_data"`
	DumpViews                     bool `yaml:"dump_views"`
	AllDatabases                  bool `yaml:"all_databases"`
	IncludeSystemCollections      bool `yaml:"include_system_collections"`
	Force                         bool `yaml:"force"`
	IgnoreDistributeShardsLikeErr bool `yaml:"ignore_distribute_shards_like_errors"`
	Overwrite                     bool `yaml:"overwrite"`
	Progress                      bool `yaml:"progress"`

	OutputPath   string `yaml:"output_path"`
	MaskingsFile string `yaml:"maskings_file"`

	UseGzipForStorage  bool `yaml:"use_gzip_for_storage"`
	UseGzipForTransport bool `yaml:"use_gzip_for_transport"`
	UseVPack           bool `yaml:"use_vpack"`
	UseParallelDump    bool `yaml:"use_parallel_dump"`
	SplitFiles         bool `yaml:"split_files"`

	DBServerWorkerThreads  int `yaml:"dbserver_worker_threads"`
	DBServerPrefetchBatches int `yaml:"dbserver_prefetch_batches"`
	LocalWriterThreads     int `yaml:"local_writer_threads"`
	LocalNetworkThreads    int `yaml:"local_network_threads"`

	// Database is the single target database; ignored when AllDatabases is set.
	Database string `yaml:"database"`
	// Endpoint is the base URL of the server or cluster coordinator.
	Endpoint string `yaml:"endpoint"`

	// [ADDED] ambient options, not present in spec.md §3.
	ConfigFile            string `yaml:"-"`
	MetricsAddr           string `yaml:"metrics_addr"`
	ReportOutput          string `yaml:"report_output"`
	ProgressFile          string `yaml:"progress_file"`
	FatalOnRetryExhausted bool   `yaml:"fatal_on_retry_exhausted"`
}

// Default returns a Config populated with the defaults used by the CLI.
func Default() *Config {
	return &Config{
		InitialChunkSize:        1 << 20,
		MaxChunkSize:            8 << 20,
		ThreadCount:             4,
		DumpData:                true,
		Overwrite:               false,
		UseGzipForTransport:     true,
		DBServerWorkerThreads:   2,
		DBServerPrefetchBatches: 4,
		LocalWriterThreads:      2,
		LocalNetworkThreads:     2,
		FatalOnRetryExhausted:   true,
	}
}

// LoadFile merges YAML file values into c. Flags set on the command line
// must be applied after LoadFile so they take precedence.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate implements the clamping and conflict rules from section 3 and
// the configuration error kind from section 7. It mutates c in place to
// apply clamps, matching the teacher's pattern of deriving internal
// fields during validation.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output path is required")
	}
	if !c.AllDatabases && c.Database == "" {
		return fmt.Errorf("database is required unless all_databases is set")
	}
	if c.AllDatabases && c.Database != "" {
		return fmt.Errorf("database and all_databases are mutually exclusive")
	}
	if c.SplitFiles && !c.UseParallelDump {
		return fmt.Errorf("split_files requires use_parallel_dump")
	}

	if c.InitialChunkSize <= 0 {
		c.InitialChunkSize = 1 << 20
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = 8 << 20
	}
	c.InitialChunkSize = clamp(c.InitialChunkSize, minChunkSize, maxChunkCap)
	c.MaxChunkSize = clamp(c.MaxChunkSize, minChunkSize, maxChunkCap)
	if c.InitialChunkSize > c.MaxChunkSize {
		c.InitialChunkSize = c.MaxChunkSize
	}

	maxThreads := 4 * runtime.NumCPU()
	if c.ThreadCount <= 0 {
		c.ThreadCount = 1
	}
	c.ThreadCount = clamp(c.ThreadCount, 1, maxThreads)

	if c.LocalWriterThreads <= 0 {
		c.LocalWriterThreads = 1
	}
	if c.LocalNetworkThreads <= 0 {
		c.LocalNetworkThreads = 1
	}
	if c.DBServerWorkerThreads <= 0 {
		c.DBServerWorkerThreads = 1
	}
	if c.DBServerPrefetchBatches <= 0 {
		c.DBServerPrefetchBatches = 1
	}

	if c.ReportOutput != "" && !strings.HasPrefix(c.ReportOutput, "s3://") {
		// Local report paths are accepted as-is; nothing further to validate.
		_ = c.ReportOutput
	}

	if c.Progress && c.ProgressFile == "" {
		c.ProgressFile = filepath.Join(c.OutputPath, ".progress.json")
	}

	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
