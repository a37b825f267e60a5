// Package producer provides the client surface event producers use to
// submit a single event and await its indexed result, riding the
// shared mux/demux queue underneath.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/pilot-net/events-relay/internal/indexer"
	"github.com/pilot-net/events-relay/internal/muxdemux"
	"github.com/pilot-net/events-relay/internal/relaymsg"
)

// Client submits events into the batching pipeline and decodes their
// per-item indexer result.
type Client struct {
	queue  muxdemux.Queue
	logger *slog.Logger
}

// New creates a producer Client bound to a Queue shared with a Batcher.
func New(queue muxdemux.Queue, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{queue: queue, logger: logger.With("component", "producer_client")}
}

// Submit hands payload to the batcher and blocks until it is either
// indexed, fails, or the deadline implied by timeout elapses. The uid
// correlating this submission to its eventual response is generated
// internally; callers deal only in (payload, result) pairs.
func (c *Client) Submit(ctx context.Context, payload any, timeout time.Duration) (indexer.ItemResult, error) {
	msg := relaymsg.New(payload)

	span, ctx := opentracing.StartSpanFromContext(ctx, "producer.submit")
	defer span.Finish()
	span.SetTag("uid", msg.UID.String())

	slot, err := c.queue.Subscribe(msg.UID)
	if err != nil {
		return indexer.ItemResult{}, fmt.Errorf("subscribing: %w", err)
	}

	if err := c.queue.SendToMux(ctx, msg); err != nil {
		// Never reached AwaitResponse, which would otherwise own the
		// cancel; clean up the orphaned demux slot ourselves so it
		// doesn't leak until some future, coincidentally-reused uid.
		c.queue.Cancel(msg.UID)
		return indexer.ItemResult{}, fmt.Errorf("submitting to queue: %w", err)
	}

	deadline := time.Now().Add(timeout)
	reply, err := c.queue.AwaitResponse(ctx, msg.UID, slot, deadline)
	if err != nil {
		return indexer.ItemResult{}, err
	}

	result, err := indexer.DecodeItemResult(reply.Payload)
	if err != nil {
		c.logger.Error("failed to decode indexer result", "uid", msg.UID, "error", err)
		return indexer.ItemResult{}, fmt.Errorf("decoding result for uid %s: %w", msg.UID, err)
	}
	return result, nil
}
