package craq

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/arvidk/chainkv/message"
	"github.com/arvidk/chainkv/replica"
)

// pendingKey identifies one in-flight versioned write.
type pendingKey struct {
	key     string
	version uint64
}

type writeWaiter struct {
	done   chan struct{}
	result message.Message
}

// Replica implements the CRAQ state machine of spec.md §4.6 as a
// server.Handler. Write propagation and the dirty/clean transition are
// realized as nested blocking calls down the chain, exactly like cr.Replica;
// the pendingKey bookkeeping dedupes a (key, version) write that somehow
// reaches ProcessRequest twice instead of forwarding it twice.
type Replica struct {
	replica.Base
	// Tail is the name the connection stub can reach the chain's tail
	// through, used for VERSION queries issued by any replica regardless
	// of chain position.
	Tail string

	store *Store

	mu      sync.Mutex
	pending map[pendingKey]*writeWaiter
}

// New creates a CRAQ replica. base.Prev/base.Next must already reflect
// this replica's chain position, and tail must name a peer the base's
// stub can address (it may be base itself, for a chain of one).
func New(base replica.Base, tail string) *Replica {
	return &Replica{
		Base:    base,
		Tail:    tail,
		store:   NewStore(),
		pending: make(map[pendingKey]*writeWaiter),
	}
}

// ProcessRequest dispatches an inbound message to the SET, GET, or VERSION
// handler.
func (r *Replica) ProcessRequest(msg message.Message) message.Message {
	switch msg.Type() {
	case message.TypeSet:
		return r.processSet(context.Background(), msg)
	case message.TypeGet:
		return r.processGet(context.Background(), msg)
	case message.TypeVersion:
		return r.processVersion(msg)
	default:
		return message.ErrReply("unknown request type " + msg.Type())
	}
}

func (r *Replica) processSet(ctx context.Context, msg message.Message) message.Message {
	key := msg.Str(message.FieldKey)
	value := msg.Str(message.FieldValue)

	var version uint64
	var assignedHere bool
	if msg.Has(message.FieldVersion) {
		if r.IsHead() {
			return message.ErrReply("head received an already-versioned SET")
		}
		version = msg.Uint64(message.FieldVersion)
	} else {
		if !r.IsHead() {
			return message.ErrReply("SET must be sent to the head of the chain")
		}
		// Assigning the version and appending the entry happen as one
		// locked step so two concurrent client writes to the same key
		// can never be handed the same version.
		version = r.store.AppendNext(key, value, r.IsTail())
		assignedHere = true
	}

	pk := pendingKey{key: key, version: version}
	r.mu.Lock()
	if w, ok := r.pending[pk]; ok {
		r.mu.Unlock()
		<-w.done
		return w.result
	}
	w := &writeWaiter{done: make(chan struct{})}
	r.pending[pk] = w
	r.mu.Unlock()

	var reply message.Message
	if r.IsTail() {
		// A write that reaches the tail is committed: append it already
		// clean and evict whatever older versions were sitting around.
		if !assignedHere {
			r.store.AppendClean(key, value, version)
		}
		reply = message.OK()
	} else {
		if !assignedHere {
			r.store.AppendDirty(key, value, version)
		}
		fwd := message.New(message.TypeSet).
			Set(message.FieldKey, key).
			Set(message.FieldValue, value).
			Set(message.FieldVersion, version)
		downReply, err := r.ForwardToNext(ctx, fwd)
		switch {
		case err != nil:
			r.logger().Warn("forward propagation failed", zap.String("key", key), zap.Uint64("version", version), zap.Error(err))
			reply = message.ErrReply(err.Error())
		case !downReply.IsOK():
			reply = downReply
		default:
			r.store.MarkClean(key, version)
			reply = message.OK()
		}
	}

	r.mu.Lock()
	delete(r.pending, pk)
	r.mu.Unlock()

	w.result = reply
	close(w.done)
	return reply
}

func (r *Replica) processGet(ctx context.Context, msg message.Message) message.Message {
	key := msg.Str(message.FieldKey)
	res := r.store.Read(key)
	if !res.Dirty {
		return message.OK(message.Message{message.FieldValue: res.Value})
	}

	verReply, err := r.SendToTail(ctx, r.Tail, message.New(message.TypeVersion).Set(message.FieldKey, key))
	if err != nil {
		return message.ErrReply(err.Error())
	}
	if !verReply.IsOK() {
		return verReply
	}
	version := verReply.Uint64(message.FieldVersion)

	value, ok := r.store.ReadVersion(key, version)
	if !ok {
		// No local entry at all: the write hasn't propagated this far
		// yet even though the tail reports a clean version. Report the
		// default rather than a stale or fabricated value.
		value = defaultValue
	}
	return message.OK(message.Message{message.FieldValue: value})
}

func (r *Replica) processVersion(msg message.Message) message.Message {
	if !r.IsTail() {
		return message.ErrReply("VERSION must be sent to the tail")
	}
	key := msg.Str(message.FieldKey)
	version, _ := r.store.CleanVersion(key)
	return message.OK(message.Message{message.FieldVersion: version})
}

func (r *Replica) logger() *zap.Logger {
	if r.Base.Log == nil {
		return zap.NewNop()
	}
	return r.Base.Log
}
