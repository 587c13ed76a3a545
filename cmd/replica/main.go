// Command replica runs exactly one CR or CRAQ replica as its own OS
// process. It is the out-of-process counterpart to cluster.Launch, which
// runs an entire chain in-process (used by tests and cmd/cluster's
// in-process mode); this binary is what "spawns replica processes" (spec.md
// §4.8) looks like when a deployment actually wants separate processes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"

	"go.uber.org/zap"

	"github.com/arvidk/chainkv/cr"
	"github.com/arvidk/chainkv/craq"
	"github.com/arvidk/chainkv/replica"
	"github.com/arvidk/chainkv/server"
	"github.com/arvidk/chainkv/transport"
)

func main() {
	var (
		variant  = flag.String("variant", "cr", `replication variant: "cr" or "craq"`)
		name     = flag.String("name", "", "this replica's name")
		addr     = flag.String("addr", "", "address to listen on, e.g. 127.0.0.1:9001")
		prev     = flag.String("prev", "", "name of the previous replica in the chain (empty at the head)")
		next     = flag.String("next", "", "name of the next replica in the chain (empty at the tail)")
		tail     = flag.String("tail", "", "name of the chain's tail (CRAQ only, reachable for VERSION queries)")
		pool     = flag.Int("pool", 8, "connection pool capacity per outgoing peer")
		peersRaw = flag.String("peers", "{}", `JSON object of name->address this replica must be able to send to`)
	)
	flag.Parse()

	if *name == "" || *addr == "" {
		log.Fatal("replica: -name and -addr are required")
	}

	var peers map[string]string
	if err := json.Unmarshal([]byte(*peersRaw), &peers); err != nil {
		log.Fatalf("replica: invalid -peers JSON: %v", err)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("replica: building logger: %v", err)
	}
	defer zlog.Sync()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		zlog.Fatal("listen", zap.Error(err))
	}

	stub := transport.NewStub(peers, *pool, zlog)
	base := replica.Base{
		Self: replica.Info{Name: *name, Addr: ln.Addr().String()},
		Prev: *prev,
		Next: *next,
		Stub: stub,
		Log:  zlog,
	}

	var handler server.Handler
	switch *variant {
	case "cr":
		handler = cr.New(base)
	case "craq":
		handler = craq.New(base, *tail)
	default:
		zlog.Fatal("unknown -variant", zap.String("variant", *variant))
	}

	srv := server.New(ln, handler, zlog)

	ctx := context.Background()
	if err := stub.InitiateConnections(ctx); err != nil {
		zlog.Fatal("initiate connections", zap.Error(err))
	}

	zlog.Info("replica listening", zap.String("name", *name), zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(); err != nil {
		zlog.Fatal("serve", zap.Error(err))
	}
}
