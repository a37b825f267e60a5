// Package indexer defines the bulk-write contract the batcher consumes
// and an HTTP implementation of it against an OpenSearch-style bulk
// endpoint.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
)

// Doc is one document in a batch, framed as a bulk "create" operation
// with a server-assigned id.
type Doc struct {
	Payload any
}

// ItemResult is one element of a bulk response, in the same position as
// the Doc it answers.
type ItemResult struct {
	Status int        `json:"status"`
	Error  *ItemError `json:"error,omitempty"`
}

// ItemError carries a per-document failure reason.
type ItemError struct {
	Reason string `json:"reason"`
}

// Succeeded reports whether this item completed without error.
func (r ItemResult) Succeeded() bool {
	return r.Error == nil
}

// BulkAdaptor is the contract the Batcher uses to dispatch a batch and
// receive per-item results. Implementations must preserve input order
// in their output; the batcher zips results back to waiting producers
// by position.
type BulkAdaptor interface {
	Bulk(ctx context.Context, docs []Doc) ([]ItemResult, error)
}

// DecodeItemResult normalizes a response Message's payload into an
// ItemResult. The in-process queue backend hands the producer the
// original Go value; the Redis-backed queue hands it json.RawMessage
// after a wire round trip. Both are handled here so producer.Client
// doesn't need to know which backend is in play.
func DecodeItemResult(payload any) (ItemResult, error) {
	switch v := payload.(type) {
	case ItemResult:
		return v, nil
	case *ItemResult:
		return *v, nil
	case json.RawMessage:
		var r ItemResult
		if err := json.Unmarshal(v, &r); err != nil {
			return ItemResult{}, fmt.Errorf("decoding item result: %w", err)
		}
		return r, nil
	case []byte:
		var r ItemResult
		if err := json.Unmarshal(v, &r); err != nil {
			return ItemResult{}, fmt.Errorf("decoding item result: %w", err)
		}
		return r, nil
	default:
		// Fall back to a marshal/unmarshal round trip for any other
		// concrete type produced by an alternate adaptor implementation.
		data, err := json.Marshal(v)
		if err != nil {
			return ItemResult{}, fmt.Errorf("re-encoding item result: %w", err)
		}
		var r ItemResult
		if err := json.Unmarshal(data, &r); err != nil {
			return ItemResult{}, fmt.Errorf("decoding item result: %w", err)
		}
		return r, nil
	}
}
