// Package relaymsg defines the envelope that flows between producers and
// the batcher.
package relaymsg

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Message is the transport envelope moved across the mux/demux queue.
//
// Payload is either a producer-submitted document (destined for the
// indexer) or a per-item response record. A response Message always
// carries the same UID as the submission it answers.
type Message struct {
	UID     uuid.UUID
	Payload any
}

// New builds a Message with a freshly generated correlation id.
func New(payload any) Message {
	return Message{UID: uuid.New(), Payload: payload}
}

// Reply builds a response Message that reuses uid, the correlation id
// of the submission being answered.
func Reply(uid uuid.UUID, payload any) Message {
	return Message{UID: uid, Payload: payload}
}

// Size returns the serialized-byte length the indexer adaptor would
// emit for this payload. The same payload always yields the same size,
// which is all the buffer's byte accounting requires.
func Size(payload any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
