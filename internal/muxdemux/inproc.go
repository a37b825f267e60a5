package muxdemux

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/events-relay/internal/relaymsg"
)

// InProcQueue is a Queue backed by Go channels: a buffered channel for
// the mux side and a mutex-guarded map of capacity-1 channels for the
// demux side, one rendezvous slot per in-flight uid.
type InProcQueue struct {
	mu     sync.Mutex
	demux  map[uuid.UUID]chan relaymsg.Message
	mux    chan relaymsg.Message
	closed bool
	logger *slog.Logger
}

// NewInProcQueue creates an in-process Queue. muxCapacity bounds the
// shared inbound channel; 0 makes SendToMux block whenever the batcher
// isn't keeping up (backpressure).
func NewInProcQueue(muxCapacity int, logger *slog.Logger) *InProcQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcQueue{
		demux:  make(map[uuid.UUID]chan relaymsg.Message),
		mux:    make(chan relaymsg.Message, muxCapacity),
		logger: logger.With("component", "muxdemux_inproc"),
	}
}

func (q *InProcQueue) Subscribe(uid uuid.UUID) (<-chan relaymsg.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrShuttingDown
	}
	if _, exists := q.demux[uid]; exists {
		return nil, ErrDuplicateUID
	}
	ch := make(chan relaymsg.Message, 1)
	q.demux[uid] = ch
	return ch, nil
}

func (q *InProcQueue) Cancel(uid uuid.UUID) {
	q.mu.Lock()
	delete(q.demux, uid)
	q.mu.Unlock()
}

func (q *InProcQueue) SendToMux(ctx context.Context, msg relaymsg.Message) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrShuttingDown
	}

	select {
	case q.mux <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InProcQueue) AwaitResponse(ctx context.Context, uid uuid.UUID, slot <-chan relaymsg.Message, deadline time.Time) (relaymsg.Message, error) {
	defer q.Cancel(uid)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case msg := <-slot:
		return msg, nil
	case <-timer.C:
		return relaymsg.Message{}, ErrTimeout
	case <-ctx.Done():
		return relaymsg.Message{}, ctx.Err()
	}
}

func (q *InProcQueue) MuxChan() <-chan relaymsg.Message {
	return q.mux
}

// MuxDepth reports how many messages are currently buffered on the
// shared inbound channel, satisfying internal/health.QueueDepthProvider.
func (q *InProcQueue) MuxDepth() int {
	return len(q.mux)
}

func (q *InProcQueue) SendToDemux(msg relaymsg.Message) {
	q.mu.Lock()
	ch, ok := q.demux[msg.UID]
	if ok {
		delete(q.demux, msg.UID)
	}
	q.mu.Unlock()

	if !ok {
		q.logger.Warn("dropping response for unknown or already-resolved uid", "uid", msg.UID)
		return
	}
	// Capacity-1 and was empty by construction (each uid has at most
	// one demux slot, filled at most once) so this never blocks.
	ch <- msg
}

func (q *InProcQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
