// Package presence tracks which clients are joined to which documents across
// server instances. Entries live in Redis with a TTL so a crashed instance's
// clients age out, and join/leave events fan out over Pub/Sub as the
// client_joined/client_left protocol messages.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/types"
)

const (
	defaultTTL           = 45 * time.Second
	defaultChannelPrefix = "presence:doc:"
)

// Entry describes one client joined to a document.
type Entry struct {
	Document types.DocumentID `json:"document"`
	Client   types.ClientID   `json:"client"`
	JoinedAt time.Time        `json:"joinedAt"`
	Left     bool             `json:"left,omitempty"`
}

// Sink fans a presence event out to locally connected clients. The session
// registry satisfies this.
type Sink interface {
	BroadcastSkipClient(doc types.DocumentID, env types.Envelope, skipClient types.ClientID) int
}

// Service tracks presence in Redis and relays join/leave events to websocket
// clients.
type Service struct {
	client *redis.Client
	sink   Sink
	logger zerolog.Logger

	ttl           time.Duration
	channelPrefix string

	mu     sync.RWMutex
	roster map[types.DocumentID]map[types.ClientID]Entry
}

// NewService constructs a presence service backed by Redis.
func NewService(client *redis.Client, sink Sink, logger zerolog.Logger) *Service {
	return &Service{
		client:        client,
		sink:          sink,
		logger:        logger,
		ttl:           defaultTTL,
		channelPrefix: defaultChannelPrefix,
		roster:        make(map[types.DocumentID]map[types.ClientID]Entry),
	}
}

// Start begins background maintenance goroutines.
func (s *Service) Start(ctx context.Context) {
	go s.subscribe(ctx)
	go s.expireLoop(ctx)
}

// HandleJoin persists and broadcasts a client joining a document.
func (s *Service) HandleJoin(ctx context.Context, doc types.DocumentID, client types.ClientID) error {
	if doc == "" || client == "" {
		return errors.New("presence entry missing identifiers")
	}
	entry := Entry{Document: doc, Client: client, JoinedAt: time.Now().UTC()}

	if err := s.persist(ctx, entry); err != nil {
		return err
	}
	s.recordLocal(entry)
	if err := s.publish(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence join")
	}
	return nil
}

// Heartbeat renews the TTL on an existing entry.
func (s *Service) Heartbeat(ctx context.Context, doc types.DocumentID, client types.ClientID) {
	key := s.presenceKey(doc, client)
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to refresh presence ttl")
	}
}

// HandleLeave removes the entry and notifies peers.
func (s *Service) HandleLeave(ctx context.Context, doc types.DocumentID, client types.ClientID) {
	if doc == "" || client == "" {
		return
	}
	key := s.presenceKey(doc, client)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
	}

	removal := Entry{Document: doc, Client: client, Left: true}
	s.recordLocal(removal)
	if err := s.publish(ctx, removal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence leave")
	}
}

// Roster returns the clients currently joined to a document, cluster-wide.
func (s *Service) Roster(ctx context.Context, doc types.DocumentID) ([]Entry, error) {
	iter := s.client.Scan(ctx, 0, s.presenceKey(doc, "*"), 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}

	if len(keys) == 0 {
		s.mu.Lock()
		delete(s.roster, doc)
		s.mu.Unlock()
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}

	var entries []Entry
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(strVal), &entry); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		entries = append(entries, entry)
	}

	s.mu.Lock()
	roster := s.ensureRoster(doc)
	for _, entry := range entries {
		roster[entry.Client] = entry
	}
	s.mu.Unlock()

	return entries, nil
}

func (s *Service) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pruneExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) pruneExpired(ctx context.Context) {
	s.mu.RLock()
	snapshot := make(map[types.DocumentID][]types.ClientID, len(s.roster))
	for doc, clients := range s.roster {
		ids := make([]types.ClientID, 0, len(clients))
		for client := range clients {
			ids = append(ids, client)
		}
		snapshot[doc] = ids
	}
	s.mu.RUnlock()

	for doc, clients := range snapshot {
		for _, client := range clients {
			key := s.presenceKey(doc, client)
			exists, err := s.client.Exists(ctx, key).Result()
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to check presence ttl")
				continue
			}
			if exists == 0 {
				removal := Entry{Document: doc, Client: client, Left: true}
				s.logger.Debug().Str("document", string(doc)).Str("client", string(client)).Msg("presence expired")
				s.recordLocal(removal)
				if err := s.publish(ctx, removal); err != nil {
					s.logger.Warn().Err(err).Msg("failed to publish presence expiration")
				}
				s.broadcastLocal(removal)
			}
		}
	}
}

func (s *Service) subscribe(ctx context.Context) {
	if s.client == nil {
		return
	}
	pubsub := s.client.PSubscribe(ctx, fmt.Sprintf("%s*", s.channelPrefix))
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var entry Entry
			if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
				s.logger.Warn().Err(err).Msg("failed to decode presence broadcast")
				continue
			}
			s.recordLocal(entry)
			s.broadcastLocal(entry)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) broadcastLocal(entry Entry) {
	if s.sink == nil {
		return
	}
	// The author's own instance already announced the event to its local
	// clients, so skip the author here.
	s.sink.BroadcastSkipClient(entry.Document, envelope(entry), entry.Client)
}

func (s *Service) recordLocal(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster := s.ensureRoster(entry.Document)
	if entry.Left {
		delete(roster, entry.Client)
		if len(roster) == 0 {
			delete(s.roster, entry.Document)
		}
		return
	}
	roster[entry.Client] = entry
}

func (s *Service) persist(ctx context.Context, entry Entry) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	key := s.presenceKey(entry.Document, entry.Client)
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, entry Entry) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	return s.client.Publish(ctx, s.channel(entry.Document), payload).Err()
}

func envelope(entry Entry) types.Envelope {
	msgType := types.MsgClientJoined
	if entry.Left {
		msgType = types.MsgClientLeft
	}
	return types.Envelope{Type: msgType, Document: entry.Document, Client: entry.Client}
}

func (s *Service) presenceKey(doc types.DocumentID, client types.ClientID) string {
	return fmt.Sprintf("%s%s:client:%s", s.channelPrefix, doc, client)
}

func (s *Service) channel(doc types.DocumentID) string {
	return fmt.Sprintf("%s%s", s.channelPrefix, doc)
}

func (s *Service) ensureRoster(doc types.DocumentID) map[types.ClientID]Entry {
	roster, ok := s.roster[doc]
	if !ok {
		roster = make(map[types.ClientID]Entry)
		s.roster[doc] = roster
	}
	return roster
}
