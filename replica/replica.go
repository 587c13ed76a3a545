// Package replica holds the state and behavior shared by the CR and CRAQ
// replica implementations: stable identity, chain position (prev/next by
// name through a connection stub), and the small helpers both variants use
// to forward requests down the chain. Acknowledgements need no symmetric
// helper: server.Server replies on the same connection a request arrived
// on, so returning up nested ForwardToNext calls already folds an ack back
// toward the client.
package replica

import (
	"context"

	"go.uber.org/zap"

	"github.com/arvidk/chainkv/message"
	"github.com/arvidk/chainkv/transport"
)

// Info is a replica's stable identity: a name and the address it listens
// on. Set at bootstrap and never changed. The cluster manager operates on
// Info values; the connection stub and Base address peers by name string.
type Info struct {
	Name string
	Addr string
}

// Base holds the fields every replica variant needs regardless of which
// replication protocol it implements: its own identity, the names of its
// chain neighbors (empty string for "no neighbor on that side"), the stub
// used to reach the rest of the cluster, and a logger.
type Base struct {
	Self Info
	Prev string // empty at the head
	Next string // empty at the tail
	Stub *transport.Stub
	Log  *zap.Logger
}

// IsHead reports whether this replica is first in the chain.
func (b *Base) IsHead() bool { return b.Prev == "" }

// IsTail reports whether this replica is last in the chain.
func (b *Base) IsTail() bool { return b.Next == "" }

// ForwardToNext sends msg to the next replica in the chain and returns its
// reply. Callers on a non-tail replica use this to propagate writes
// downstream; it is a programming error to call this from the tail.
func (b *Base) ForwardToNext(ctx context.Context, msg message.Message) (message.Message, error) {
	return b.Stub.Send(ctx, b.Next, msg)
}

// SendToTail addresses the tail directly regardless of chain position —
// used by CRAQ's VERSION query.
func (b *Base) SendToTail(ctx context.Context, tail string, msg message.Message) (message.Message, error) {
	return b.Stub.Send(ctx, tail, msg)
}
