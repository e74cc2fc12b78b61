// Package checkpoint persists dump progress for the --progress option:
// which databases and collections have already been fully written, so
// an interrupted dump can skip completed work on the next run.
//
// Grounded directly on the teacher's checkpoint.Store/S3Store/FileStore
// triad, with State narrowed from a single-file byte-offset resume
// point (PITR export replay) to a set of completed (database,
// collection) pairs, since a dump has no mid-file resume point — a
// collection's data file is only valid once fully written.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"

	"github.com/arangobackup/dumpclient/internal/awsutil"
)

// State is the persisted progress record.
type State struct {
	CompletedDatabases   []string `json:"completedDatabases"`
	CompletedCollections []string `json:"completedCollections"` // "database/collection"
}

// IsDatabaseDone reports whether db was fully dumped in a prior run.
func (s State) IsDatabaseDone(db string) bool {
	for _, d := range s.CompletedDatabases {
		if d == db {
			return true
		}
	}
	return false
}

// IsCollectionDone reports whether database/collection was fully
// dumped in a prior run.
func (s State) IsCollectionDone(db, collection string) bool {
	key := db + "/" + collection
	for _, c := range s.CompletedCollections {
		if c == key {
			return true
		}
	}
	return false
}

// MarkCollectionDone returns a copy of s with database/collection
// added to the completed set.
func (s State) MarkCollectionDone(db, collection string) State {
	key := db + "/" + collection
	if s.IsCollectionDone(db, collection) {
		return s
	}
	s.CompletedCollections = append(append([]string{}, s.CompletedCollections...), key)
	return s
}

// MarkDatabaseDone returns a copy of s with db added to the completed
// set.
func (s State) MarkDatabaseDone(db string) State {
	if s.IsDatabaseDone(db) {
		return s
	}
	s.CompletedDatabases = append(append([]string{}, s.CompletedDatabases...), db)
	return s
}

// Store is the persistence contract for progress state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// MemoryStore is an in-process Store, used by tests and by runs with no
// progress file location configured.
type MemoryStore struct {
	state State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(context.Context) (State, error) { return m.state, nil }
func (m *MemoryStore) Save(_ context.Context, s State) error {
	m.state = s
	return nil
}

// FileStore persists progress to a local file.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore rooted at an absolute path.
func NewFileStore(path string) (*FileStore, error) {
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		return nil, fmt.Errorf("checkpoint: path must be absolute: %s", clean)
	}
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create directory: %w", err)
	}
	return &FileStore{path: clean}, nil
}

func (f *FileStore) Load(context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("checkpoint: read: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return s, nil
}

func (f *FileStore) Save(_ context.Context, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	return os.WriteFile(f.path, data, 0o644)
}

// S3Store persists progress to an s3:// URI.
type S3Store struct {
	client awsutil.S3Client
	bucket string
	key    string
}

// NewS3Store parses uri (s3://bucket/key) and wraps client.
func NewS3Store(client awsutil.S3Client, uri string) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("checkpoint: invalid S3 URI scheme: %s", u.Scheme)
	}
	return &S3Store{client: client, bucket: u.Host, key: strings.TrimPrefix(u.Path, "/")}, nil
}

func (s *S3Store) Load(ctx context.Context) (State, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &s.key})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("checkpoint: get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return State{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return state, nil
}

func (s *S3Store) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{Bucket: &s.bucket, Key: &s.key, Body: bytes.NewReader(data)})
	if err != nil {
		return fmt.Errorf("checkpoint: put: %w", err)
	}
	return nil
}
