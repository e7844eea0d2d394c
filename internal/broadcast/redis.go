// Package broadcast relays applied changes between server instances over
// Redis Pub/Sub so every editor sees a change no matter which instance its
// author is connected to.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/types"
)

const (
	defaultTopicPrefix = "doc:"
	defaultDedupeTTL   = 2 * time.Minute
	maxBackoffDelay    = 30 * time.Second
)

type redisMessage struct {
	DocumentID string `json:"document_id"`
	ChangeID   string `json:"change_id"`
	ClientID   string `json:"client_id,omitempty"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// LocalSink fans a relayed envelope out to locally connected clients. The
// session registry satisfies this.
type LocalSink interface {
	BroadcastSkipClient(doc types.DocumentID, env types.Envelope, skipClient types.ClientID) int
}

// RedisBroadcaster publishes change envelopes to Redis and fans them back out
// to local websocket clients across instances.
type RedisBroadcaster struct {
	client *redis.Client
	sink   LocalSink
	logger zerolog.Logger

	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
func NewRedisBroadcaster(client *redis.Client, sink LocalSink, logger zerolog.Logger) *RedisBroadcaster {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_send_seconds",
		Help:      "Observed latency between enqueue and delivery to websocket clients.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"document"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return &RedisBroadcaster{
		client:      client,
		sink:        sink,
		logger:      logger,
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
		latency:     histogram,
	}
}

// Publish sends an encoded envelope to the document topic, retrying transient
// failures with exponential backoff.
func (b *RedisBroadcaster) Publish(ctx context.Context, doc types.DocumentID, id types.ChangeID, client types.ClientID, payload []byte) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}

	msg := redisMessage{
		DocumentID: string(doc),
		ChangeID:   string(id),
		ClientID:   string(client),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	// Mark our own publishes seen so the relay never re-delivers them here.
	b.markSeen(msg.DocumentID, msg.ChangeID)

	topic := b.topic(doc)
	backoff := time.Second
	for {
		if err := b.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// Start begins consuming pub/sub messages and dispatching them to locally
// joined clients.
func (b *RedisBroadcaster) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *RedisBroadcaster) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, fmt.Sprintf("%s*", b.topicPrefix))
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(msg); err != nil {
				b.logger.Warn().Err(err).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(msg *redis.Message) error {
	var payload redisMessage
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.DocumentID == "" || payload.ChangeID == "" {
		return errors.New("incomplete payload")
	}

	if b.isDuplicate(payload.DocumentID, payload.ChangeID) {
		return nil
	}

	var env types.Envelope
	if err := env.UnmarshalBinary(payload.Payload); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	var latencySeconds float64
	if payload.EnqueuedAt > 0 {
		latencySeconds = float64(time.Since(time.Unix(0, payload.EnqueuedAt))) / float64(time.Second)
	}
	b.latency.WithLabelValues(payload.DocumentID).Observe(latencySeconds)

	b.sink.BroadcastSkipClient(types.DocumentID(payload.DocumentID), env, types.ClientID(payload.ClientID))
	return nil
}

func (b *RedisBroadcaster) topic(doc types.DocumentID) string {
	return fmt.Sprintf("%s%s", b.topicPrefix, doc)
}

func (b *RedisBroadcaster) markSeen(docID, changeID string) {
	b.seenMu.Lock()
	b.seen[docID+":"+changeID] = time.Now()
	b.seenMu.Unlock()
}

func (b *RedisBroadcaster) isDuplicate(docID, changeID string) bool {
	key := docID + ":" + changeID

	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	if ts, ok := b.seen[key]; ok {
		if time.Since(ts) < b.dedupeTTL {
			return true
		}
	}

	b.seen[key] = time.Now()
	cutoff := time.Now().Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
