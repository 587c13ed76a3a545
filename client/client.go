// Package client is the thin façade workers use to talk to a chain: SET
// always goes to the head, GET goes to whichever replica the deployment
// designates as the read target (the tail alone for CR, any replica for
// CRAQ), and every call emits the linearizability log lines spec.md §6
// describes.
package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/arvidk/chainkv/message"
	"github.com/arvidk/chainkv/transport"
)

// Client holds the addressing needed to reach a chain and the logger used
// to emit linearizability-checker-consumable log lines.
type Client struct {
	stub        *transport.Stub
	head        string
	readTargets []string
	rrIdx       uint64
	log         *zap.Logger
}

// New creates a Client. readTargets lists the replica names GET may be
// sent to, round-robined across — pass a single tail name for CR, or every
// replica's name for CRAQ. Log lines are written to out; pass nil for
// os.Stdout.
func New(stub *transport.Stub, head string, readTargets []string, out io.Writer) *Client {
	if out == nil {
		out = os.Stdout
	}
	if len(readTargets) == 0 {
		panic("client: at least one read target is required")
	}
	return &Client{
		stub:        stub,
		head:        head,
		readTargets: append([]string(nil), readTargets...),
		log:         newEventLogger(out),
	}
}

func (c *Client) nextReadTarget() string {
	i := atomic.AddUint64(&c.rrIdx, 1) - 1
	return c.readTargets[i%uint64(len(c.readTargets))]
}

// Worker returns a façade bound to a single monotonic worker identity. A
// Worker is strictly sequential: issuing a second call before the first
// has returned is a client programming error, not a runtime condition to
// recover from, so it panics rather than silently interleaving.
func (c *Client) Worker(id int) *Worker {
	return &Worker{client: c, id: id}
}

// Worker is a single logical caller against the chain. Its id prefixes
// every log line it emits and must be unique across workers sharing a
// Client.
type Worker struct {
	client   *Client
	id       int
	inFlight atomic.Bool
}

// Set installs key=value at the head of the chain and waits for the
// chain's acknowledgement to fold all the way back.
func (w *Worker) Set(ctx context.Context, key, value string) error {
	release := w.enter()
	defer release()

	w.logEvent("Setting %s = %s", key, value)

	req := message.New(message.TypeSet).Set(message.FieldKey, key).Set(message.FieldValue, value)
	reply, err := w.client.stub.Send(ctx, w.client.head, req)
	if err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	if !reply.IsOK() {
		return errors.Wrapf(reply.Err(), "set %s", key)
	}

	w.logEvent("Set %s = %s", key, value)
	return nil
}

// Get reads key from the next read target (round-robined across the
// Client's configured targets) and returns its value, or "0" if the key
// was never set.
func (w *Worker) Get(ctx context.Context, key string) (string, error) {
	release := w.enter()
	defer release()

	w.logEvent("Getting %s", key)

	target := w.client.nextReadTarget()
	req := message.New(message.TypeGet).Set(message.FieldKey, key)
	reply, err := w.client.stub.Send(ctx, target, req)
	if err != nil {
		return "", errors.Wrapf(err, "get %s", key)
	}
	if !reply.IsOK() {
		return "", errors.Wrapf(reply.Err(), "get %s", key)
	}

	value := reply.Str(message.FieldValue)
	w.logEvent("Get %s = %s", key, value)
	return value, nil
}

func (w *Worker) enter() (release func()) {
	if !w.inFlight.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("worker_%d: a request is already in flight", w.id))
	}
	return func() { w.inFlight.Store(false) }
}

func (w *Worker) logEvent(format string, args ...interface{}) {
	event := fmt.Sprintf(format, args...)
	w.client.log.Info(fmt.Sprintf("worker_%d %s", w.id, event))
}
