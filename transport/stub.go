package transport

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arvidk/chainkv/message"
)

// Stub is a name-indexed collection of transports: the addressing layer a
// replica uses to reach the rest of the cluster without holding direct
// references to other replicas (avoiding ownership cycles between chain
// neighbors — the stub owns the transports, replicas just hold names).
type Stub struct {
	transports map[string]*Transport
}

// NewStub builds a Stub with one Transport per entry in peers (name to
// address), each with the given per-peer pool capacity.
func NewStub(peers map[string]string, capacity int, log *zap.Logger) *Stub {
	s := &Stub{transports: make(map[string]*Transport, len(peers))}
	for name, addr := range peers {
		s.transports[name] = New(addr, capacity, log)
	}
	return s
}

// InitiateConnections opens at least one socket to every peer named in the
// stub, concurrently, so that the first protocol message sent to any peer
// is not charged the TCP handshake.
func (s *Stub) InitiateConnections(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, t := range s.transports {
		name, t := name, t
		g.Go(func() error {
			if err := t.Warm(ctx); err != nil {
				return errors.Wrapf(err, "initiate connection to %s", name)
			}
			return nil
		})
	}
	return g.Wait()
}

// Send dispatches msg through the transport named peer. Sending to a name
// not present in the stub is a programming error and fails fast rather
// than silently dropping the request.
func (s *Stub) Send(ctx context.Context, peer string, msg message.Message) (message.Message, error) {
	t, ok := s.transports[peer]
	if !ok {
		return nil, errors.Errorf("connection stub: no transport for peer %q", peer)
	}
	return t.Send(ctx, msg)
}

// Has reports whether the stub can address peer.
func (s *Stub) Has(peer string) bool {
	_, ok := s.transports[peer]
	return ok
}

// Peers returns the names of every peer this stub can address.
func (s *Stub) Peers() []string {
	names := make([]string, 0, len(s.transports))
	for name := range s.transports {
		names = append(names, name)
	}
	return names
}

// Close closes every transport owned by this stub.
func (s *Stub) Close() error {
	var first error
	for _, t := range s.transports {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
