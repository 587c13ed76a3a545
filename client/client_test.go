package client_test

import (
	"bytes"
	"context"
	"net"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arvidk/chainkv/client"
	"github.com/arvidk/chainkv/cr"
	"github.com/arvidk/chainkv/message"
	"github.com/arvidk/chainkv/replica"
	"github.com/arvidk/chainkv/server"
	"github.com/arvidk/chainkv/transport"
)

func startCRChain(t *testing.T) (stub *transport.Stub, head, tail string, teardown func()) {
	t.Helper()
	lnA, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lnB, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addrA, addrB := lnA.Addr().String(), lnB.Addr().String()

	baseA := replica.Base{
		Self: replica.Info{Name: "a", Addr: addrA},
		Next: "b",
		Stub: transport.NewStub(map[string]string{"b": addrB}, 4, nil),
	}
	baseB := replica.Base{
		Self: replica.Info{Name: "b", Addr: addrB},
		Prev: "a",
		Stub: transport.NewStub(nil, 4, nil),
	}

	repA := cr.New(baseA)
	repB := cr.New(baseB)
	srvA := server.New(lnA, repA, nil)
	srvB := server.New(lnB, repB, nil)
	go srvA.Serve()
	go srvB.Serve()

	require.NoError(t, baseA.Stub.InitiateConnections(context.Background()))

	clientStub := transport.NewStub(map[string]string{"a": addrA, "b": addrB}, 4, nil)
	require.NoError(t, clientStub.InitiateConnections(context.Background()))

	teardown = func() {
		clientStub.Close()
		srvA.Close()
		srvB.Close()
		baseA.Stub.Close()
	}
	return clientStub, "a", "b", teardown
}

func TestClientSetThenGetRoundTrip(t *testing.T) {
	stub, head, tail, teardown := startCRChain(t)
	defer teardown()

	var logs bytes.Buffer
	c := client.New(stub, head, []string{tail}, &logs)
	w := c.Worker(0)

	ctx := context.Background()
	require.NoError(t, w.Set(ctx, "x", "1"))
	value, err := w.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, "1", value)

	lines := logs.String()
	require.Regexp(t, regexp.MustCompile(`\d\d:\d\d:\d\d INFO worker_0 Setting x = 1`), lines)
	require.Regexp(t, regexp.MustCompile(`\d\d:\d\d:\d\d INFO worker_0 Set x = 1`), lines)
	require.Regexp(t, regexp.MustCompile(`\d\d:\d\d:\d\d INFO worker_0 Getting x`), lines)
	require.Regexp(t, regexp.MustCompile(`\d\d:\d\d:\d\d INFO worker_0 Get x = 1`), lines)
}

func TestClientGetOnUnsetKeyReturnsZero(t *testing.T) {
	stub, _, tail, teardown := startCRChain(t)
	defer teardown()

	c := client.New(stub, "a", []string{tail}, &bytes.Buffer{})
	value, err := c.Worker(1).Get(context.Background(), "never")
	require.NoError(t, err)
	require.Equal(t, "0", value)
}

func TestWorkerPanicsOnReentrantUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	started := make(chan struct{})
	release := make(chan struct{})
	srv := server.New(ln, slowHandler{started: started, release: release}, nil)
	go srv.Serve()
	defer srv.Close()

	stub := transport.NewStub(map[string]string{"x": addr}, 2, nil)
	require.NoError(t, stub.InitiateConnections(context.Background()))
	defer stub.Close()

	c := client.New(stub, "x", []string{"x"}, &bytes.Buffer{})
	w := c.Worker(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.Get(context.Background(), "k")
	}()

	<-started
	require.Panics(t, func() {
		_, _ = w.Get(context.Background(), "k")
	})
	close(release)
	<-done
}

// slowHandler blocks until release is closed before replying, letting the
// test pin a Worker's inFlight flag open long enough to prove a second
// call on the same worker panics instead of interleaving.
type slowHandler struct {
	started chan struct{}
	release chan struct{}
}

func (h slowHandler) ProcessRequest(msg message.Message) message.Message {
	close(h.started)
	<-h.release
	return message.OK(message.Message{message.FieldValue: "0"})
}
