// Package buffer provides the batcher's bounded, in-memory accumulator.
//
// The buffer is owned exclusively by a single Batcher goroutine (see
// internal/batcher) and never touched concurrently, so no locking is
// needed.
package buffer

import (
	"fmt"

	"github.com/pilot-net/events-relay/internal/relaymsg"
)

// Sizer computes the serialized-byte length of a payload. Swappable for
// tests that want deterministic, cheap sizes instead of a real
// json.Marshal round trip.
type Sizer func(payload any) (int, error)

// Buffer accumulates messages until a flush snapshots and resets it.
type Buffer struct {
	messages    []relaymsg.Message
	byteSize    int
	maxElements int
	maxSize     int
	sizer       Sizer
}

// New creates an empty Buffer. maxElements and maxSize must both be
// >= 1; the caller (internal/config) is responsible for rejecting
// invalid configuration before it reaches here.
func New(maxElements, maxSize int, sizer Sizer) *Buffer {
	if sizer == nil {
		sizer = relaymsg.Size
	}
	return &Buffer{
		maxElements: maxElements,
		maxSize:     maxSize,
		sizer:       sizer,
	}
}

// Add appends msg and updates the running byte size. It performs no
// limit check; callers check CountLimitReached/SizeLimitReached after
// adding, per the batcher's flush policy.
func (b *Buffer) Add(msg relaymsg.Message) error {
	size, err := b.sizer(msg.Payload)
	if err != nil {
		return fmt.Errorf("sizing message %s: %w", msg.UID, err)
	}
	b.messages = append(b.messages, msg)
	b.byteSize += size
	return nil
}

// CountLimitReached reports whether the buffer holds at least
// maxElements messages.
func (b *Buffer) CountLimitReached() bool {
	return len(b.messages) >= b.maxElements
}

// SizeLimitReached reports whether the accumulated byte size is at
// least maxSize. A single oversize message is still admitted by Add;
// this is what triggers its immediate flush as a singleton batch.
func (b *Buffer) SizeLimitReached() bool {
	return b.byteSize >= b.maxSize
}

// Empty reports whether the buffer currently holds no messages.
func (b *Buffer) Empty() bool {
	return len(b.messages) == 0
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	return len(b.messages)
}

// ByteSize returns the running byte-size total.
func (b *Buffer) ByteSize() int {
	return b.byteSize
}

// SnapshotAndReset returns the current contents and empties the
// buffer. Safe to call on an empty buffer (returns nil).
func (b *Buffer) SnapshotAndReset() []relaymsg.Message {
	if len(b.messages) == 0 {
		return nil
	}
	snapshot := b.messages
	b.messages = nil
	b.byteSize = 0
	return snapshot
}
