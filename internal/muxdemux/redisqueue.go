package muxdemux

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/events-relay/internal/relaymsg"
)

// RedisQueue is a Queue backed by Redis: LPUSH/BRPOP for the mux side,
// pub/sub keyed by uid for the demux side. It exists for deployments
// that run the batcher and its producers in separate address spaces.
//
// RedisQueue is not a durable log: it only moves messages currently in
// flight. A process crash still drops whatever was queued.
type RedisQueue struct {
	client    *redis.Client
	keyPrefix string
	logger    *slog.Logger

	muxOut chan relaymsg.Message

	mu       sync.Mutex
	subs     map[uuid.UUID]*redis.PubSub
	closed   bool
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

type wireMessage struct {
	UID     uuid.UUID       `json:"uid"`
	Payload json.RawMessage `json:"payload"`
}

// NewRedisQueue creates a Redis-backed Queue and starts its background
// mux-consumer loop. keyPrefix namespaces every key and channel (e.g.
// "events-relay") so multiple relays can share one Redis.
func NewRedisQueue(client *redis.Client, keyPrefix string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &RedisQueue{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With("component", "muxdemux_redis"),
		muxOut:    make(chan relaymsg.Message),
		subs:      make(map[uuid.UUID]*redis.PubSub),
		cancelFn:  cancel,
	}
	q.wg.Add(1)
	go q.runMuxLoop(ctx)
	return q
}

func (q *RedisQueue) muxKey() string {
	return q.keyPrefix + ":mux"
}

func (q *RedisQueue) demuxChannel(uid uuid.UUID) string {
	return q.keyPrefix + ":demux:" + uid.String()
}

func (q *RedisQueue) runMuxLoop(ctx context.Context) {
	defer q.wg.Done()
	defer close(q.muxOut)

	for {
		res, err := q.client.BRPop(ctx, 0, q.muxKey()).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("brpop failed, retrying", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		// res[0] is the key name, res[1] is the popped value.
		var wm wireMessage
		if err := json.Unmarshal([]byte(res[1]), &wm); err != nil {
			q.logger.Warn("dropping malformed mux message", "error", err)
			continue
		}

		select {
		case q.muxOut <- relaymsg.Message{UID: wm.UID, Payload: wm.Payload}:
		case <-ctx.Done():
			return
		}
	}
}

func (q *RedisQueue) Subscribe(uid uuid.UUID) (<-chan relaymsg.Message, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, exists := q.subs[uid]; exists {
		q.mu.Unlock()
		return nil, ErrDuplicateUID
	}
	q.mu.Unlock()

	ctx := context.Background()
	pubsub := q.client.Subscribe(ctx, q.demuxChannel(uid))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing uid %s: %w", uid, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		pubsub.Close()
		return nil, ErrShuttingDown
	}
	q.subs[uid] = pubsub
	q.mu.Unlock()

	ch := make(chan relaymsg.Message, 1)
	go func() {
		msg, ok := <-pubsub.Channel()
		if !ok {
			return
		}
		var wm wireMessage
		if err := json.Unmarshal([]byte(msg.Payload), &wm); err != nil {
			q.logger.Warn("dropping malformed demux message", "uid", uid, "error", err)
			return
		}
		ch <- relaymsg.Message{UID: wm.UID, Payload: wm.Payload}
	}()

	return ch, nil
}

func (q *RedisQueue) Cancel(uid uuid.UUID) {
	q.mu.Lock()
	pubsub, ok := q.subs[uid]
	if ok {
		delete(q.subs, uid)
	}
	q.mu.Unlock()
	if ok {
		pubsub.Close()
	}
}

func (q *RedisQueue) SendToMux(ctx context.Context, msg relaymsg.Message) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrShuttingDown
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshaling payload for uid %s: %w", msg.UID, err)
	}
	data, err := json.Marshal(wireMessage{UID: msg.UID, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshaling envelope for uid %s: %w", msg.UID, err)
	}
	return q.client.LPush(ctx, q.muxKey(), data).Err()
}

func (q *RedisQueue) AwaitResponse(ctx context.Context, uid uuid.UUID, slot <-chan relaymsg.Message, deadline time.Time) (relaymsg.Message, error) {
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

func (q *RedisQueue) MuxChan() <-chan relaymsg.Message {
	return q.muxOut
}

func (q *RedisQueue) SendToDemux(msg relaymsg.Message) {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		q.logger.Error("failed to marshal response payload", "uid", msg.UID, "error", err)
		return
	}
	wire, err := json.Marshal(wireMessage{UID: msg.UID, Payload: data})
	if err != nil {
		q.logger.Error("failed to marshal response envelope", "uid", msg.UID, "error", err)
		return
	}

	ctx := context.Background()
	n, err := q.client.Publish(ctx, q.demuxChannel(msg.UID), wire).Result()
	if err != nil {
		q.logger.Error("failed to publish response", "uid", msg.UID, "error", err)
		return
	}
	if n == 0 {
		q.logger.Warn("dropping response for unknown or already-resolved uid", "uid", msg.UID)
	}
}

func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	subs := q.subs
	q.subs = make(map[uuid.UUID]*redis.PubSub)
	q.mu.Unlock()

	for _, pubsub := range subs {
		pubsub.Close()
	}

	q.cancelFn()
	q.wg.Wait()
	return nil
}
