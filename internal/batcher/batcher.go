// Package batcher implements the core accumulate-then-flush worker
// that sits between the mux/demux queue and the indexer bulk adaptor.
package batcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/atomic"

	"github.com/pilot-net/events-relay/internal/buffer"
	"github.com/pilot-net/events-relay/internal/indexer"
	"github.com/pilot-net/events-relay/internal/muxdemux"
	"github.com/pilot-net/events-relay/internal/relaymsg"
	"github.com/pilot-net/events-relay/internal/timer"
)

// Config bounds a Batcher's buffer: MaxElements and MaxSize in bytes
// trigger a count/size flush, MaxTime bounds how long a message can
// wait in the buffer before a time-triggered flush. All three fields
// must be positive; internal/config rejects anything else at startup.
type Config struct {
	MaxElements int
	MaxSize     int
	MaxTime     time.Duration
}

// FailureRecorder is notified whenever an entire batch fails at the
// indexer, after per-uid failure responses have already been sent.
// Recording is best-effort and must never block the recovery path.
type FailureRecorder func(ctx context.Context, batchSize int, reason string)

// Batcher owns a buffer.Buffer and timer.Manager exclusively from a
// single goroutine (Run) and dispatches flushes to the configured
// indexer.BulkAdaptor.
type Batcher struct {
	queue     muxdemux.Queue
	adaptor   indexer.BulkAdaptor
	buf       *buffer.Buffer
	timer     *timer.Manager
	sizer     buffer.Sizer
	logger    *slog.Logger
	onFailure FailureRecorder

	inFlight     atomic.Int64
	flushedBatch atomic.Int64
	flushedDocs  atomic.Int64
	flushedBytes atomic.Int64
	wg           sync.WaitGroup

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Batcher. sizer may be nil to use relaymsg.Size.
func New(queue muxdemux.Queue, adaptor indexer.BulkAdaptor, cfg Config, sizer buffer.Sizer, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if sizer == nil {
		sizer = relaymsg.Size
	}
	return &Batcher{
		queue:   queue,
		adaptor: adaptor,
		buf:     buffer.New(cfg.MaxElements, cfg.MaxSize, sizer),
		timer:   timer.NewManager(cfg.MaxTime),
		sizer:   sizer,
		logger:  logger.With("component", "batcher"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// OnBulkFailure registers a whole-batch failure recorder. Must be
// called before Run.
func (b *Batcher) OnBulkFailure(f FailureRecorder) {
	b.onFailure = f
}

// Run is the Batcher's single main-loop goroutine. It owns buf and
// timer for its entire lifetime; nothing else may touch them.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.doneCh)
	mux := b.queue.MuxChan()

	for {
		// Priority select: a non-blocking peek at the mux channel first
		// so that when a message and the flush timer are both ready at
		// the same instant, the message always wins, per the documented
		// tie-break. Go's select has no native priority between ready
		// cases, so this two-stage pattern is the idiomatic workaround;
		// it leaves a negligible window where the real select below
		// still picks pseudo-randomly if the timer fires a few
		// nanoseconds after this peek misses, which is immaterial since
		// a timer firing a few nanoseconds later changes nothing
		// observable about flush ordering.
		select {
		case msg, ok := <-mux:
			if !ok {
				b.finalFlush()
				return
			}
			b.handleMessage(msg)
			continue
		default:
		}

		select {
		case <-b.stopCh:
			b.finalFlush()
			return
		case <-ctx.Done():
			b.finalFlush()
			return
		case msg, ok := <-mux:
			if !ok {
				b.finalFlush()
				return
			}
			b.handleMessage(msg)
		case <-b.timer.C():
			b.timer.Reset()
			b.logger.Debug("flushing on time deadline", "count", b.buf.Len())
			b.flushAsync(b.buf.SnapshotAndReset())
		}
	}
}

func (b *Batcher) handleMessage(msg relaymsg.Message) {
	if err := b.buf.Add(msg); err != nil {
		b.logger.Error("failed to buffer message, dropping", "uid", msg.UID, "error", err)
		return
	}
	if b.buf.Len() == 1 {
		b.timer.Arm()
	}

	if b.buf.CountLimitReached() || b.buf.SizeLimitReached() {
		b.timer.Reset()
		b.logger.Debug("flushing on count/size limit", "count", b.buf.Len(), "bytes", b.buf.ByteSize())
		b.flushAsync(b.buf.SnapshotAndReset())
	}
}

// finalFlush runs a synchronous flush of whatever remains buffered,
// then waits for every previously dispatched background flush to
// complete, so Stop only returns once every accepted message has been
// given a terminal response.
func (b *Batcher) finalFlush() {
	if snapshot := b.buf.SnapshotAndReset(); snapshot != nil {
		b.logger.Info("flushing remaining buffer on shutdown", "count", len(snapshot))
		b.sendBatch(context.Background(), snapshot)
	}
	b.wg.Wait()
}

// flushAsync dispatches a batch to the indexer without blocking the
// main loop, so the next batch can accumulate while this one is in
// flight. Multiple flushes may be in flight at once; each is
// independent.
func (b *Batcher) flushAsync(messages []relaymsg.Message) {
	if len(messages) == 0 {
		return
	}
	b.inFlight.Inc()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.inFlight.Dec()
		b.sendBatch(context.Background(), messages)
	}()
}

// InFlight reports the number of background flushes currently in
// progress, exposed for the Runtime Supervisor's health snapshot.
func (b *Batcher) InFlight() int64 {
	return b.inFlight.Load()
}

// Stats is a cumulative, lock-free snapshot of flush activity since
// startup, exposed on the Runtime Supervisor's /health endpoint
// alongside process metrics.
type Stats struct {
	InFlight     int64
	FlushedBatch int64
	FlushedDocs  int64
	FlushedBytes int64
}

// Stats returns the current cumulative counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		InFlight:     b.inFlight.Load(),
		FlushedBatch: b.flushedBatch.Load(),
		FlushedDocs:  b.flushedDocs.Load(),
		FlushedBytes: b.flushedBytes.Load(),
	}
}

func (b *Batcher) sendBatch(ctx context.Context, messages []relaymsg.Message) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "batcher.flush")
	defer span.Finish()
	span.SetTag("batch.size", len(messages))

	docs := make([]indexer.Doc, len(messages))
	var batchBytes int64
	for i, msg := range messages {
		docs[i] = indexer.Doc{Payload: msg.Payload}
		if n, err := b.sizer(msg.Payload); err == nil {
			batchBytes += int64(n)
		}
	}
	b.flushedBatch.Inc()
	b.flushedDocs.Add(int64(len(messages)))
	b.flushedBytes.Add(batchBytes)

	start := time.Now()
	results, err := b.adaptor.Bulk(ctx, docs)
	if err != nil {
		span.SetTag("error", true)
		b.logger.Error("bulk indexing failed for entire batch", "count", len(messages), "error", err)
		b.replyBulkFailure(ctx, messages, err)
		return
	}

	if len(results) != len(messages) {
		b.logger.Error("bulk adaptor returned mismatched result count",
			"expected", len(messages), "got", len(results))
		b.replyBulkFailure(ctx, messages, errResultCountMismatch)
		return
	}

	b.logger.Info("flushed batch", "count", len(messages), "duration", time.Since(start))
	for i, msg := range messages {
		b.queue.SendToDemux(relaymsg.Reply(msg.UID, results[i]))
	}
}

// replyBulkFailure synthesizes a per-uid failure result for every
// message in a batch that failed as a whole, so each waiting producer
// still gets a terminal response instead of timing out.
func (b *Batcher) replyBulkFailure(ctx context.Context, messages []relaymsg.Message, cause error) {
	for _, msg := range messages {
		result := indexer.ItemResult{
			Status: 0,
			Error:  &indexer.ItemError{Reason: cause.Error()},
		}
		b.queue.SendToDemux(relaymsg.Reply(msg.UID, result))
	}
	if b.onFailure != nil {
		b.onFailure(ctx, len(messages), cause.Error())
	}
}

// Stop signals the main loop to perform a final flush and return.
// Idempotent-unsafe: call exactly once.
func (b *Batcher) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

var errResultCountMismatch = flushError("indexer returned a different number of results than documents submitted")

type flushError string

func (e flushError) Error() string { return string(e) }
