// Package muxdemux implements the routing fabric between producers and
// the batcher: a single shared inbound ("mux") path, and a per-uid
// rendezvous slot ("demux") for responses.
//
// Two backends satisfy the Queue interface: inproc.go (Go channels,
// for a batcher running in the same process as its producers) and
// redisqueue.go (a Redis list plus pub/sub, for the batcher deployed
// as a separate process). Producers and the batcher only ever talk to
// the Queue interface, never to a concrete backend.
package muxdemux

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/events-relay/internal/relaymsg"
)

// Sentinel errors shared by all Queue backends.
var (
	// ErrDuplicateUID is a fatal programming-error invariant: a uid was
	// subscribed twice before its first response was consumed or its
	// producer timed out.
	ErrDuplicateUID = errors.New("muxdemux: duplicate uid")

	// ErrTimeout is returned by AwaitResponse when the deadline passes
	// before a response is deposited into the slot.
	ErrTimeout = errors.New("muxdemux: timeout waiting for response")

	// ErrShuttingDown is returned by Subscribe/SendToMux once the queue
	// has been closed by the Runtime Supervisor.
	ErrShuttingDown = errors.New("muxdemux: queue is shutting down")
)

// Queue is the mux/demux routing contract. Producer-side methods
// (Subscribe, SendToMux, AwaitResponse, Cancel) may be called
// concurrently by many producers. Batcher-side methods belong to the
// single Batcher: MuxChan is consumed only by its main loop, while
// SendToDemux is called from its background flush goroutines, several
// of which may run at once.
type Queue interface {
	// Subscribe registers a fresh response slot for uid. Producer-side.
	Subscribe(uid uuid.UUID) (<-chan relaymsg.Message, error)

	// Cancel removes a slot without waiting for a response, used when a
	// producer must abandon a subscription before calling AwaitResponse
	// (e.g. SendToMux failed). A no-op if the slot is already gone.
	Cancel(uid uuid.UUID)

	// SendToMux enqueues msg on the shared inbound path. Producer-side.
	SendToMux(ctx context.Context, msg relaymsg.Message) error

	// AwaitResponse blocks until slot receives a Message or deadline
	// passes, whichever comes first. The slot is always removed before
	// this returns, on every exit path. Producer-side.
	AwaitResponse(ctx context.Context, uid uuid.UUID, slot <-chan relaymsg.Message, deadline time.Time) (relaymsg.Message, error)

	// MuxChan returns the channel the Batcher selects on to receive
	// inbound messages. There must be exactly one consumer for the
	// lifetime of the Queue.
	MuxChan() <-chan relaymsg.Message

	// SendToDemux looks up msg.UID and deposits msg into its slot. If no
	// slot exists (producer already timed out, or msg.UID is unknown),
	// the message is dropped and a warning logged. Batcher-side,
	// non-blocking.
	SendToDemux(msg relaymsg.Message)

	// Close shuts the queue down: further Subscribe/SendToMux calls
	// fail with ErrShuttingDown. Idempotent.
	Close() error
}
