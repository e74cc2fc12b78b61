// Package fixture implements an in-memory server exposing the wire API
// that arangobackup's core client speaks, for exercising the dump
// pipeline end to end without a real cluster.
//
// Grounded on the teacher's cmd/ddb-datagen (flag-driven random data
// generation with a seeded rand.Rand and per-field-type value
// generators), adapted from populating DynamoDB items over the AWS SDK
// to serving randomly generated JSON documents over the replication
// and dump HTTP endpoints internal/inventory, internal/classical, and
// internal/parallel actually call.
package fixture

import (
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
)

type document = map[string]any

type shard struct {
	id      string
	primary string
	docs    []document
}

type collection struct {
	name   string
	id     string
	shards []*shard
}

type database struct {
	name        string
	collections map[string]*collection
}

// Server holds the generated fixture data and the server-side session
// state (replication batches and dump contexts) that the wire API
// requires.
type Server struct {
	cluster bool

	mu        sync.Mutex
	databases map[string]*database

	nextBatchID uint64
	batches     map[uint64]*batchState

	dumpMu  sync.Mutex
	dumps   map[string]*dumpState
	dumpSeq int64
}

type batchState struct {
	database string
	cursors  map[string]int // "collection/dbserver" -> next document index
}

type dumpState struct {
	mu       sync.Mutex
	cursors  map[string]int // shardID -> next document index
	shardIDs []string
	database string
}

// NewServer builds an empty fixture server. Set cluster to true to make
// it report role COORDINATOR and serve sharded inventories.
func NewServer(cluster bool) *Server {
	return &Server{
		cluster:   cluster,
		databases: make(map[string]*database),
		batches:   make(map[uint64]*batchState),
		dumps:     make(map[string]*dumpState),
	}
}

// AddDatabase registers an empty database under the given name.
func (s *Server) AddDatabase(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[name] = &database{name: name, collections: make(map[string]*collection)}
}

// AddCollection seeds a collection with itemCount randomly generated
// documents split evenly across shardCount shards (1 for single-server
// fixtures). r drives all random generation so callers get reproducible
// fixtures across runs given the same seed.
func (s *Server) AddCollection(r *rand.Rand, dbName, collName string, itemCount, shardCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.databases[dbName]
	c := &collection{name: collName, id: fmt.Sprintf("%d", 100+len(db.collections))}
	next := 0
	for sh := 0; sh < shardCount; sh++ {
		sd := &shard{id: fmt.Sprintf("%s-s%d", collName, sh+1), primary: fmt.Sprintf("dbserver-%d", sh+1)}
		perShard := itemCount / shardCount
		if sh < itemCount%shardCount {
			perShard++
		}
		for i := 0; i < perShard; i++ {
			sd.docs = append(sd.docs, generateDocument(r, next))
			next++
		}
		c.shards = append(c.shards, sd)
	}
	db.collections[collName] = c
}

func generateDocument(r *rand.Rand, id int) document {
	doc := document{
		"_key": fmt.Sprintf("%d", id),
		"_id":  fmt.Sprintf("doc/%d", id),
		"_rev": randomString(r, 12),
	}
	numFields := randomInt(r, 3, 8)
	names := []string{"name", "status", "score", "active", "tags", "category", "size", "note"}
	for i := 0; i < numFields && i < len(names); i++ {
		switch r.Intn(4) {
		case 0:
			doc[names[i]] = randomString(r, randomInt(r, 4, 16))
		case 1:
			doc[names[i]] = randomInt(r, 0, 10000)
		case 2:
			doc[names[i]] = r.Float32() > 0.5
		case 3:
			doc[names[i]] = []string{randomString(r, 5), randomString(r, 5)}
		}
	}
	return doc
}

func randomString(r *rand.Rand, n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

func randomInt(r *rand.Rand, min, max int) int {
	return min + r.Intn(max-min+1)
}

// Mux returns the http.ServeMux implementing the wire API endpoints
// this fixture understands.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/_admin/server/role", s.handleRole)
	mux.HandleFunc("/_api/database/user", s.handleDatabaseList)
	mux.HandleFunc("/_api/replication/batch", s.handleBatchCreate)
	mux.HandleFunc("/_api/replication/batch/", s.handleBatchByID)
	mux.HandleFunc("/_api/replication/inventory", s.handleInventory)
	mux.HandleFunc("/_api/replication/clusterInventory", s.handleClusterInventory)
	mux.HandleFunc("/_api/replication/dump", s.handleClassicalDump)
	mux.HandleFunc("/_api/dump/start", s.handleDumpStart)
	mux.HandleFunc("/_api/dump/next/", s.handleDumpNext)
	mux.HandleFunc("/_api/dump/", s.handleDumpEnd)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) handleRole(w http.ResponseWriter, _ *http.Request) {
	role := "SINGLE"
	if s.cluster {
		role = "COORDINATOR"
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": role})
}

func (s *Server) handleDatabaseList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"result": names})
}

func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := atomic.AddUint64(&s.nextBatchID, 1)
	s.mu.Lock()
	s.batches[id] = &batchState{}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"id": fmt.Sprintf("%d", id)})
}

func (s *Server) handleBatchByID(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut, http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// firstDatabase picks the only configured database as the implicit
// dump target, matching this fixture's single-tenant-per-run scope.
func (s *Server) firstDatabase() *database {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, db := range s.databases {
		return db
	}
	return nil
}

func (s *Server) handleInventory(w http.ResponseWriter, _ *http.Request) {
	db := s.firstDatabase()
	if db == nil {
		http.Error(w, "no database configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collections": inventoryCollections(db, false),
		"views":       []any{},
		"state":       map[string]string{"lastTick": "1"},
	})
}

func (s *Server) handleClusterInventory(w http.ResponseWriter, _ *http.Request) {
	db := s.firstDatabase()
	if db == nil {
		http.Error(w, "no database configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": inventoryCollections(db, true)})
}

func inventoryCollections(db *database, withShards bool) []map[string]any {
	var out []map[string]any
	for _, c := range db.collections {
		params := map[string]any{"name": c.name, "id": c.id, "isSystem": false, "deleted": false}
		if withShards {
			shards := make(map[string][]string, len(c.shards))
			for _, sh := range c.shards {
				shards[sh.id] = []string{sh.primary}
			}
			params["shards"] = shards
		}
		out = append(out, map[string]any{"parameters": params})
	}
	return out
}

// handleClassicalDump serves the adaptive-chunk classical pull: one
// collection's (or shard's) documents, chunked by document count
// rather than byte size for simplicity, terminated by checkmore=false.
func (s *Server) handleClassicalDump(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	collName := q.Get("collection")
	dbserver := q.Get("DBserver")
	chunkSize := queryInt(q, "chunkSize", 64*1024)

	db := s.firstDatabase()
	if db == nil {
		http.Error(w, "no database configured", http.StatusNotFound)
		return
	}
	c, ok := db.collections[collName]
	if !ok {
		http.Error(w, "unknown collection", http.StatusNotFound)
		return
	}
	docs := shardDocs(c, dbserver)

	batchID, _ := strconv.ParseUint(q.Get("batchId"), 10, 64)
	cursorKey := collName + "/" + dbserver
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "unknown batch", http.StatusNotFound)
		return
	}
	if b.cursors == nil {
		b.cursors = make(map[string]int)
	}
	offset := b.cursors[cursorKey]
	s.mu.Unlock()
	approxDocSize := 200
	maxDocs := chunkSize / approxDocSize
	if maxDocs < 1 {
		maxDocs = 1
	}
	end := offset + maxDocs
	more := true
	if end >= len(docs) {
		end = len(docs)
		more = false
	}
	s.mu.Lock()
	b.cursors[cursorKey] = end
	s.mu.Unlock()

	var sb strings.Builder
	for _, d := range docs[offset:end] {
		data, _ := json.Marshal(d)
		sb.Write(data)
		sb.WriteByte('\n')
	}

	w.Header().Set("x-arango-replication-checkmore", strconv.FormatBool(more))
	w.Header().Set("Content-Type", "application/json; dump=noencoding")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

func shardDocs(c *collection, dbserver string) []document {
	if dbserver == "" {
		var all []document
		for _, sh := range c.shards {
			all = append(all, sh.docs...)
		}
		return all
	}
	for _, sh := range c.shards {
		if sh.primary == dbserver {
			return sh.docs
		}
	}
	return nil
}

func queryInt(q map[string][]string, key string, def int) int {
	vals, ok := q[key]
	if !ok || len(vals) == 0 {
		return def
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return def
	}
	return n
}

// handleDumpStart opens a parallel dump context: every shard's unread
// documents become available for POST .../next/<id>.
func (s *Server) handleDumpStart(w http.ResponseWriter, r *http.Request) {
	db := s.firstDatabase()
	if db == nil {
		http.Error(w, "no database configured", http.StatusNotFound)
		return
	}
	dbserver := r.URL.Query().Get("dbserver")

	var shardIDs []string
	cursors := make(map[string]int)
	for _, c := range db.collections {
		for _, sh := range c.shards {
			if dbserver != "" && sh.primary != dbserver {
				continue
			}
			shardIDs = append(shardIDs, sh.id)
			cursors[sh.id] = 0
		}
	}

	id := atomic.AddInt64(&s.dumpSeq, 1)
	dumpID := fmt.Sprintf("dump%d", id)
	s.dumpMu.Lock()
	s.dumps[dumpID] = &dumpState{cursors: cursors, shardIDs: shardIDs, database: db.name}
	s.dumpMu.Unlock()

	w.Header().Set("x-arango-dump-id", dumpID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDumpEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	dumpID := strings.TrimPrefix(r.URL.Path, "/_api/dump/")
	s.dumpMu.Lock()
	delete(s.dumps, dumpID)
	s.dumpMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// handleDumpNext serves one frame of one shard per call, round-robin
// over shards with remaining documents, until every shard is
// exhausted, matching the "204 means this dbserver is done" wire
// contract of the parallel dump protocol.
func (s *Server) handleDumpNext(w http.ResponseWriter, r *http.Request) {
	dumpID := strings.TrimPrefix(r.URL.Path, "/_api/dump/next/")
	s.dumpMu.Lock()
	ds, ok := s.dumps[dumpID]
	s.dumpMu.Unlock()
	if !ok {
		http.Error(w, "unknown dump id", http.StatusNotFound)
		return
	}

	db := s.firstDatabase()
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for _, shardID := range ds.shardIDs {
		sh := findShard(db, shardID)
		if sh == nil {
			continue
		}
		idx := ds.cursors[shardID]
		if idx >= len(sh.docs) {
			continue
		}
		data, _ := json.Marshal(sh.docs[idx])
		ds.cursors[shardID] = idx + 1

		w.Header().Set("x-arango-dump-shard-id", shardID)
		w.Header().Set("Content-Type", "application/json; dump=noencoding")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func findShard(db *database, shardID string) *shard {
	for _, c := range db.collections {
		for _, sh := range c.shards {
			if sh.id == shardID {
				return sh
			}
		}
	}
	return nil
}
