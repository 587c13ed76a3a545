package cr

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arvidk/chainkv/message"
	"github.com/arvidk/chainkv/replica"
)

// rendezvousKey identifies one in-flight write, per spec: a write is
// uniquely identified by the (key, value, request_id) triple the head
// assigns it, so two writers setting the same key to the same value
// concurrently don't get folded into the same waiter by accident.
type rendezvousKey struct {
	key, value, requestID string
}

// waiter lets a second caller that lands on an already in-flight write
// (same key, value, and request id reaching this replica twice — possible
// only if the same forwarded SET is delivered twice, since the core itself
// never retries and the head mints a fresh request id for every client SET)
// observe the same outcome instead of forwarding the write again.
type waiter struct {
	done   chan struct{}
	result message.Message
}

// Replica implements the Chain Replication state machine described in
// spec.md §4.5 as a server.Handler: SET installs locally then propagates
// head-to-tail, folding the acknowledgement back as each nested
// ProcessRequest call returns up the chain of blocking goroutines; GET is
// served only by the tail.
type Replica struct {
	replica.Base
	store *Store

	mu      sync.Mutex
	pending map[rendezvousKey]*waiter
}

// New creates a CR replica. base.Prev/base.Next must already be populated
// by the caller (normally the cluster manager) according to the chain's
// position for this replica.
func New(base replica.Base) *Replica {
	return &Replica{
		Base:    base,
		store:   NewStore(),
		pending: make(map[rendezvousKey]*waiter),
	}
}

// ProcessRequest dispatches an inbound message to the SET or GET handler.
func (r *Replica) ProcessRequest(msg message.Message) message.Message {
	switch msg.Type() {
	case message.TypeSet:
		return r.processSet(context.Background(), msg)
	case message.TypeGet:
		return r.processGet(msg)
	default:
		return message.ErrReply("unknown request type " + msg.Type())
	}
}

func (r *Replica) processSet(ctx context.Context, msg message.Message) message.Message {
	key := msg.Str(message.FieldKey)
	value := msg.Str(message.FieldValue)
	reqID := msg.Str(message.FieldReqID)

	if reqID == "" {
		// A request with no request_id is client-originated: only the
		// head may accept it. A forwarded SET always carries one.
		if !r.IsHead() {
			return message.ErrReply("SET must be sent to the head of the chain")
		}
		reqID = uuid.NewString()
	} else if r.IsHead() {
		return message.ErrReply("head received an already-forwarded SET")
	}

	rk := rendezvousKey{key: key, value: value, requestID: reqID}

	r.mu.Lock()
	if w, ok := r.pending[rk]; ok {
		r.mu.Unlock()
		<-w.done
		return w.result
	}
	w := &waiter{done: make(chan struct{})}
	r.pending[rk] = w
	r.mu.Unlock()

	r.store.Set(key, value)

	var reply message.Message
	if r.IsTail() {
		reply = message.OK()
	} else {
		fwd := message.New(message.TypeSet).
			Set(message.FieldKey, key).
			Set(message.FieldValue, value).
			Set(message.FieldReqID, reqID)
		downReply, err := r.ForwardToNext(ctx, fwd)
		switch {
		case err != nil:
			r.logger().Warn("forward propagation failed", zap.String("key", key), zap.Error(err))
			reply = message.ErrReply(err.Error())
		case !downReply.IsOK():
			reply = downReply
		default:
			reply = message.OK()
		}
	}

	r.mu.Lock()
	delete(r.pending, rk)
	r.mu.Unlock()

	w.result = reply
	close(w.done)
	return reply
}

func (r *Replica) processGet(msg message.Message) message.Message {
	if !r.IsTail() {
		return message.ErrReply("GET must be served by the tail")
	}
	key := msg.Str(message.FieldKey)
	return message.OK(message.Message{message.FieldValue: r.store.Get(key)})
}

// logger returns the replica's logger, defaulting to a no-op logger.
func (r *Replica) logger() *zap.Logger {
	if r.Base.Log == nil {
		return zap.NewNop()
	}
	return r.Base.Log
}
