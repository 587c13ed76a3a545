package cluster

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arvidk/chainkv/client"
	"github.com/arvidk/chainkv/cr"
	"github.com/arvidk/chainkv/craq"
	"github.com/arvidk/chainkv/replica"
	"github.com/arvidk/chainkv/server"
	"github.com/arvidk/chainkv/transport"
)

// Cluster holds every resource Launch started, so a caller (typically a
// test, or cmd/cluster's in-process mode) can tear the whole chain down.
type Cluster struct {
	servers    map[string]*server.Server
	stubs      map[string]*transport.Stub
	clientStub *transport.Stub
}

// Close stops every replica's server and closes every connection the
// cluster opened, including the client's.
func (c *Cluster) Close() error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.clientStub != nil {
		record(c.clientStub.Close())
	}
	for _, s := range c.servers {
		record(s.Close())
	}
	for _, s := range c.stubs {
		record(s.Close())
	}
	return first
}

// Launch spawns one replica per entry in order (head first, tail last),
// each bound to its own listener, wires every replica's connection stub to
// its outgoing edges per the topology NewChainTopology induces, blocks
// until every replica has completed InitiateConnections, and returns a
// Client bound to the head for writes and to the tail (CR) or to every
// replica round-robin (CRAQ) for reads.
//
// An empty Addr on an entry of order means "bind an ephemeral loopback
// port"; Launch rewrites that entry's effective address before wiring
// stubs, so tests don't need to pre-allocate ports.
func Launch(ctx context.Context, order []replica.Info, variant Variant, poolCapacity int, log *zap.Logger, clientLogOut io.Writer) (*client.Client, *Cluster, error) {
	if len(order) == 0 {
		return nil, nil, errors.New("cluster: topology must name at least one replica")
	}

	resolved := make([]replica.Info, len(order))
	listeners := make(map[string]net.Listener, len(order))
	for i, info := range order {
		addr := info.Addr
		if addr == "" {
			addr = "127.0.0.1:0"
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "listen for replica %s", info.Name)
		}
		listeners[info.Name] = ln
		resolved[i] = replica.Info{Name: info.Name, Addr: ln.Addr().String()}
	}

	topology := NewChainTopology(resolved, variant)
	tailName := resolved[len(resolved)-1].Name
	headName := resolved[0].Name

	servers := make(map[string]*server.Server, len(resolved))
	stubs := make(map[string]*transport.Stub, len(resolved))

	for i, info := range resolved {
		var prev, next string
		if i > 0 {
			prev = resolved[i-1].Name
		}
		if i < len(resolved)-1 {
			next = resolved[i+1].Name
		}

		stub := transport.NewStub(topology.edges(info), poolCapacity, log)
		base := replica.Base{Self: info, Prev: prev, Next: next, Stub: stub, Log: log}

		var handler server.Handler
		switch variant {
		case CR:
			handler = cr.New(base)
		case CRAQ:
			handler = craq.New(base, tailName)
		default:
			return nil, nil, errors.Errorf("cluster: unknown variant %d", variant)
		}

		srv := server.New(listeners[info.Name], handler, log)
		servers[info.Name] = srv
		stubs[info.Name] = stub
		go srv.Serve()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, stub := range stubs {
		stub := stub
		g.Go(func() error { return stub.InitiateConnections(gctx) })
	}

	allPeers := make(map[string]string, len(resolved))
	for _, info := range resolved {
		allPeers[info.Name] = info.Addr
	}
	clientStub := transport.NewStub(allPeers, poolCapacity, log)
	g.Go(func() error { return clientStub.InitiateConnections(gctx) })

	if err := g.Wait(); err != nil {
		for _, s := range servers {
			s.Close()
		}
		return nil, nil, errors.Wrap(err, "initiate connections")
	}

	var readTargets []string
	switch variant {
	case CRAQ:
		for _, info := range resolved {
			readTargets = append(readTargets, info.Name)
		}
	default:
		readTargets = []string{tailName}
	}

	cl := client.New(clientStub, headName, readTargets, clientLogOut)
	return cl, &Cluster{servers: servers, stubs: stubs, clientStub: clientStub}, nil
}
