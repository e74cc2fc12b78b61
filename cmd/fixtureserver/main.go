// Command fixtureserver runs an in-memory HTTP server exposing the wire
// API that arangobackup's core client speaks, for exercising a dump
// against a scripted database without a real cluster.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"

	"github.com/arangobackup/dumpclient/internal/fixture"
)

func main() {
	addr := flag.String("addr", ":8529", "address to listen on")
	databases := flag.Int("databases", 1, "number of fixture databases")
	collections := flag.Int("collections", 3, "collections per database")
	itemsPerCollection := flag.Int("items", 100, "documents per collection")
	cluster := flag.Bool("cluster", false, "serve as a COORDINATOR with sharded collections instead of SINGLE")
	shardsPerCollection := flag.Int("shards", 2, "shards per collection when -cluster is set")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	srv := fixture.NewServer(*cluster)
	r := rand.New(rand.NewSource(*seed))
	for d := 0; d < *databases; d++ {
		dbName := fmt.Sprintf("db%d", d+1)
		srv.AddDatabase(dbName)
		for c := 0; c < *collections; c++ {
			collName := fmt.Sprintf("collection%d", c+1)
			shards := 1
			if *cluster {
				shards = *shardsPerCollection
			}
			srv.AddCollection(r, dbName, collName, *itemsPerCollection, shards)
		}
	}

	log.Printf("fixture server listening on %s (cluster=%v, databases=%d, collections=%d, items=%d)",
		*addr, *cluster, *databases, *collections, *itemsPerCollection)
	log.Fatal(http.ListenAndServe(*addr, srv.Mux()))
}
