package batcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/events-relay/internal/indexer"
	"github.com/pilot-net/events-relay/internal/muxdemux"
	"github.com/pilot-net/events-relay/internal/relaymsg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingAdaptor records every batch handed to it and returns a
// caller-supplied response, mimicking indexer.BulkAdaptor without a
// network round trip.
type recordingAdaptor struct {
	mu      sync.Mutex
	batches [][]indexer.Doc

	respond func(docs []indexer.Doc) ([]indexer.ItemResult, error)
}

func (a *recordingAdaptor) Bulk(ctx context.Context, docs []indexer.Doc) ([]indexer.ItemResult, error) {
	a.mu.Lock()
	batchCopy := append([]indexer.Doc(nil), docs...)
	a.batches = append(a.batches, batchCopy)
	a.mu.Unlock()
	return a.respond(docs)
}

func (a *recordingAdaptor) batchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batches)
}

func (a *recordingAdaptor) lastBatch() []indexer.Doc {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.batches) == 0 {
		return nil
	}
	return a.batches[len(a.batches)-1]
}

func succeedAll(docs []indexer.Doc) ([]indexer.ItemResult, error) {
	results := make([]indexer.ItemResult, len(docs))
	for i := range docs {
		results[i] = indexer.ItemResult{Status: 201}
	}
	return results, nil
}

func fixedByteSizer(n int) func(payload any) (int, error) {
	return func(payload any) (int, error) { return n, nil }
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// TestCountTrigger: three submissions under max_elements=3 flush as a
// single batch in submission order.
func TestCountTrigger(t *testing.T) {
	queue := muxdemux.NewInProcQueue(8, testLogger())
	adaptor := &recordingAdaptor{respond: succeedAll}
	b := New(queue, adaptor, Config{MaxElements: 3, MaxSize: 10_000, MaxTime: 60 * time.Second}, fixedByteSizer(1), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	defer b.Stop()

	uids := []uuid.UUID{}
	slots := []<-chan relaymsg.Message{}
	for _, payload := range []string{"A", "B", "C"} {
		msg := relaymsg.New(payload)
		slot, err := queue.Subscribe(msg.UID)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := queue.SendToMux(ctx, msg); err != nil {
			t.Fatalf("send to mux: %v", err)
		}
		uids = append(uids, msg.UID)
		slots = append(slots, slot)
	}

	waitFor(t, time.Second, func() bool { return adaptor.batchCount() == 1 })
	batch := adaptor.lastBatch()
	if len(batch) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(batch))
	}
	want := []string{"A", "B", "C"}
	for i, doc := range batch {
		if doc.Payload != want[i] {
			t.Fatalf("position %d: expected %q, got %q", i, want[i], doc.Payload)
		}
	}

	for i, uid := range uids {
		reply, err := queue.AwaitResponse(ctx, uid, slots[i], time.Now().Add(time.Second))
		if err != nil {
			t.Fatalf("await response %d: %v", i, err)
		}
		result := reply.Payload.(indexer.ItemResult)
		if !result.Succeeded() {
			t.Fatalf("expected success for %q, got %+v", want[i], result)
		}
	}
}

// TestTimeTrigger: a single submission flushes once the time deadline
// elapses, not before.
func TestTimeTrigger(t *testing.T) {
	queue := muxdemux.NewInProcQueue(8, testLogger())
	adaptor := &recordingAdaptor{respond: succeedAll}
	b := New(queue, adaptor, Config{MaxElements: 100, MaxSize: 10_000, MaxTime: 150 * time.Millisecond}, fixedByteSizer(1), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	defer b.Stop()

	start := time.Now()
	msg := relaymsg.New("X")
	slot, err := queue.Subscribe(msg.UID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := queue.SendToMux(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Must not flush before the deadline.
	time.Sleep(80 * time.Millisecond)
	if adaptor.batchCount() != 0 {
		t.Fatal("flushed before max_time_seconds elapsed")
	}

	_, err = queue.AwaitResponse(ctx, msg.UID, slot, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("await response: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 150*time.Millisecond {
		t.Fatalf("flushed too early at %v", elapsed)
	}
	if len(adaptor.lastBatch()) != 1 {
		t.Fatalf("expected singleton batch, got %d", len(adaptor.lastBatch()))
	}
}

// TestSizeTrigger: three 20-byte payloads under max_size=50 flush
// after the third (cumulative 60 >= 50).
func TestSizeTrigger(t *testing.T) {
	queue := muxdemux.NewInProcQueue(8, testLogger())
	adaptor := &recordingAdaptor{respond: succeedAll}
	b := New(queue, adaptor, Config{MaxElements: 100, MaxSize: 50, MaxTime: 60 * time.Second}, fixedByteSizer(20), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	defer b.Stop()

	for _, payload := range []string{"P1", "P2", "P3"} {
		msg := relaymsg.New(payload)
		if _, err := queue.Subscribe(msg.UID); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := queue.SendToMux(ctx, msg); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool { return adaptor.batchCount() == 1 })
	if len(adaptor.lastBatch()) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(adaptor.lastBatch()))
	}
}

// TestOversizeSingleton: one 1024-byte payload under max_size=10
// flushes immediately as a singleton, no error.
func TestOversizeSingleton(t *testing.T) {
	queue := muxdemux.NewInProcQueue(8, testLogger())
	adaptor := &recordingAdaptor{respond: succeedAll}
	b := New(queue, adaptor, Config{MaxElements: 100, MaxSize: 10, MaxTime: 60 * time.Second}, fixedByteSizer(1024), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	defer b.Stop()

	msg := relaymsg.New("huge")
	slot, err := queue.Subscribe(msg.UID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := queue.SendToMux(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	reply, err := queue.AwaitResponse(ctx, msg.UID, slot, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("await response: %v", err)
	}
	if !reply.Payload.(indexer.ItemResult).Succeeded() {
		t.Fatal("expected oversize singleton to succeed")
	}
	if len(adaptor.lastBatch()) != 1 {
		t.Fatalf("expected singleton batch, got %d", len(adaptor.lastBatch()))
	}
}

// TestPartialFailure: a two-item batch where the adaptor reports one
// success and one item failure; each producer observes only its own
// result.
func TestPartialFailure(t *testing.T) {
	queue := muxdemux.NewInProcQueue(8, testLogger())
	adaptor := &recordingAdaptor{respond: func(docs []indexer.Doc) ([]indexer.ItemResult, error) {
		return []indexer.ItemResult{
			{Status: 201},
			{Status: 400, Error: &indexer.ItemError{Reason: "bad"}},
		}, nil
	}}
	b := New(queue, adaptor, Config{MaxElements: 2, MaxSize: 10_000, MaxTime: 60 * time.Second}, fixedByteSizer(1), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	defer b.Stop()

	msg1 := relaymsg.New("one")
	msg2 := relaymsg.New("two")
	slot1, _ := queue.Subscribe(msg1.UID)
	slot2, _ := queue.Subscribe(msg2.UID)
	queue.SendToMux(ctx, msg1)
	queue.SendToMux(ctx, msg2)

	reply1, err := queue.AwaitResponse(ctx, msg1.UID, slot1, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("await response 1: %v", err)
	}
	reply2, err := queue.AwaitResponse(ctx, msg2.UID, slot2, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("await response 2: %v", err)
	}

	if !reply1.Payload.(indexer.ItemResult).Succeeded() {
		t.Fatal("expected producer 1 to see success")
	}
	result2 := reply2.Payload.(indexer.ItemResult)
	if result2.Succeeded() || result2.Error.Reason != "bad" {
		t.Fatalf("expected producer 2 to see failure reason %q, got %+v", "bad", result2)
	}
}

// TestWholeBatchFailureSynthesizesPerItemResponses covers the
// IndexerBulkFailure propagation policy: a whole-request failure still
// gives every uid in the batch a terminal response.
func TestWholeBatchFailureSynthesizesPerItemResponses(t *testing.T) {
	queue := muxdemux.NewInProcQueue(8, testLogger())
	cause := errors.New("indexer unreachable")
	adaptor := &recordingAdaptor{respond: func(docs []indexer.Doc) ([]indexer.ItemResult, error) {
		return nil, cause
	}}
	b := New(queue, adaptor, Config{MaxElements: 2, MaxSize: 10_000, MaxTime: 60 * time.Second}, fixedByteSizer(1), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	defer b.Stop()

	msgs := []relaymsg.Message{relaymsg.New("a"), relaymsg.New("b")}
	slots := make([]<-chan relaymsg.Message, len(msgs))
	for i, m := range msgs {
		slot, err := queue.Subscribe(m.UID)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		slots[i] = slot
		if err := queue.SendToMux(ctx, m); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	for i, m := range msgs {
		reply, err := queue.AwaitResponse(ctx, m.UID, slots[i], time.Now().Add(time.Second))
		if err != nil {
			t.Fatalf("await response %d: %v", i, err)
		}
		result := reply.Payload.(indexer.ItemResult)
		if result.Succeeded() {
			t.Fatalf("expected failure for message %d", i)
		}
		if result.Error.Reason != cause.Error() {
			t.Fatalf("expected reason %q, got %q", cause.Error(), result.Error.Reason)
		}
	}
}

// TestProducerTimeoutDropsLateResponse: a producer deadline expires
// before the batch's time trigger fires; the eventual flush's response
// lands on a removed slot and is dropped, not errored.
func TestProducerTimeoutDropsLateResponse(t *testing.T) {
	queue := muxdemux.NewInProcQueue(8, testLogger())
	adaptor := &recordingAdaptor{respond: succeedAll}
	b := New(queue, adaptor, Config{MaxElements: 100, MaxSize: 10_000, MaxTime: 10 * time.Second}, fixedByteSizer(1), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	defer b.Stop()

	msg := relaymsg.New("slow")
	slot, err := queue.Subscribe(msg.UID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := queue.SendToMux(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	start := time.Now()
	_, err = queue.AwaitResponse(ctx, msg.UID, slot, time.Now().Add(100*time.Millisecond))
	if !errors.Is(err, muxdemux.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

// TestFinalFlushOnStop exercises shutdown: Stop performs a final flush
// of whatever remains buffered and waits for it to complete.
func TestFinalFlushOnStop(t *testing.T) {
	queue := muxdemux.NewInProcQueue(8, testLogger())
	adaptor := &recordingAdaptor{respond: succeedAll}
	b := New(queue, adaptor, Config{MaxElements: 100, MaxSize: 10_000, MaxTime: 60 * time.Second}, fixedByteSizer(1), testLogger())

	ctx := context.Background()
	go b.Run(ctx)

	msg := relaymsg.New("leftover")
	slot, err := queue.Subscribe(msg.UID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := queue.SendToMux(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the main loop buffer it

	b.Stop()

	select {
	case reply := <-slot:
		if !reply.Payload.(indexer.ItemResult).Succeeded() {
			t.Fatal("expected leftover message to succeed on shutdown flush")
		}
	default:
		t.Fatal("expected a response to be deposited by the final flush")
	}
}

func TestBatcherStatsAccumulate(t *testing.T) {
	queue := muxdemux.NewInProcQueue(8, testLogger())
	adaptor := &recordingAdaptor{respond: succeedAll}
	b := New(queue, adaptor, Config{MaxElements: 1, MaxSize: 10_000, MaxTime: 60 * time.Second}, fixedByteSizer(7), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	defer b.Stop()

	for i := 0; i < 3; i++ {
		msg := relaymsg.New(fmt.Sprintf("m%d", i))
		slot, _ := queue.Subscribe(msg.UID)
		queue.SendToMux(ctx, msg)
		queue.AwaitResponse(ctx, msg.UID, slot, time.Now().Add(time.Second))
	}

	stats := b.Stats()
	if stats.FlushedBatch != 3 || stats.FlushedDocs != 3 {
		t.Fatalf("expected 3 batches/docs, got %+v", stats)
	}
	if stats.FlushedBytes != 21 {
		t.Fatalf("expected 21 cumulative bytes, got %d", stats.FlushedBytes)
	}
}
