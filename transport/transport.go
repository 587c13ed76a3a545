// Package transport implements the point-to-point blocking request/reply
// layer that chain replicas and clients use to talk to a single peer: a
// bounded pool of long-lived TCP connections, and the connection stub that
// indexes one such pool per named peer.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/arvidk/chainkv/message"
)

// DialTimeout bounds how long a single connection attempt may take.
const DialTimeout = 5 * time.Second

// Transport owns a bounded pool of connections to one peer address and
// exposes a blocking send-and-await-reply. A single socket serializes the
// requests made through it; concurrent callers get independent sockets up
// to the configured capacity, and callers beyond capacity block on the
// pool's semaphore until one frees up.
type Transport struct {
	addr     string
	capacity int
	sem      *semaphore.Weighted
	log      *zap.Logger

	mu   sync.Mutex
	free []net.Conn
}

// New creates a Transport bound to addr with room for capacity concurrent
// connections. Connections are dialed lazily, on first use or during
// InitiateConnections.
func New(addr string, capacity int, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		addr:     addr,
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(capacity)),
		log:      log.With(zap.String("peer", addr)),
	}
}

// Addr returns the peer address this transport is bound to.
func (t *Transport) Addr() string { return t.addr }

// Warm opens one connection ahead of time so the first protocol message
// sent through this transport is not charged the TCP handshake. Called by
// Stub.InitiateConnections.
func (t *Transport) Warm(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.release(conn)
	return nil
}

// Send acquires a pooled socket (dialing one if the pool is below
// capacity, blocking if capacity is already in flight), writes one framed
// request, reads one framed reply, and returns the socket to the pool. A
// transport error on the socket (write failure, short read, decode
// failure) discards that socket instead of returning it to the pool; the
// pool refills lazily on the next Send.
func (t *Transport) Send(ctx context.Context, req message.Message) (message.Message, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "acquire transport pool slot")
	}
	defer t.sem.Release(1)

	conn, err := t.acquireConn(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "acquire connection to %s", t.addr)
	}

	if err := message.Write(conn, req); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "send request to %s", t.addr)
	}

	reply, err := message.Read(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "read reply from %s", t.addr)
	}

	t.release(conn)
	return reply, nil
}

func (t *Transport) acquireConn(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	n := len(t.free)
	if n > 0 {
		conn := t.free[n-1]
		t.free = t.free[:n-1]
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()
	return t.dial(ctx)
}

func (t *Transport) release(conn net.Conn) {
	t.mu.Lock()
	t.free = append(t.free, conn)
	t.mu.Unlock()
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		t.log.Warn("dial failed", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// Close drains the free list, closing every idle connection. In-flight
// connections are not closed here: a Send that errors closes its socket,
// and a Send that completes puts its socket back on the free list.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for _, conn := range t.free {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	t.free = nil
	return first
}
