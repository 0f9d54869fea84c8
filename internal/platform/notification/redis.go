package notification

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirrepo/internal/platform/fhir"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "fhir:changes"

// RedisNotifier publishes each change as a JSON Message on a pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, r fhir.Resource) error {
	body, err := json.Marshal(NewMessage(r))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", n.channel, err)
	}
	return nil
}

// Subscriber reads the change channel and hands consumers the resources
// matching their search criteria.
type Subscriber struct {
	client   *redis.Client
	channel  string
	registry *fhir.Registry
	logger   zerolog.Logger
}

func NewSubscriber(client *redis.Client, channel string, reg *fhir.Registry, logger zerolog.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{client: client, channel: channel, registry: reg, logger: logger}
}

// Subscription is one live subscription. Close it when done.
type Subscription struct {
	pubsub   *redis.PubSub
	criteria *fhir.SearchRequest
	registry *fhir.Registry
	logger   zerolog.Logger
}

// Subscribe starts listening. It returns once the server has confirmed the
// subscription, so messages published afterwards are not missed.
func (s *Subscriber) Subscribe(ctx context.Context, criteria *fhir.SearchRequest) (*Subscription, error) {
	ps := s.client.Subscribe(ctx, s.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", s.channel, err)
	}
	return &Subscription{
		pubsub:   ps,
		criteria: criteria,
		registry: s.registry,
		logger:   s.logger.With().Str("criteria", criteria.String()).Logger(),
	}, nil
}

// Run calls handle for every matching message until ctx is done, the
// subscription is closed, or handle returns an error. Undecodable messages
// are logged and skipped.
func (s *Subscription) Run(ctx context.Context, handle func(Message) error) error {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.logger.Warn().Err(err).Msg("dropping undecodable notification")
				continue
			}
			if msg.Resource == nil || !fhir.Matches(s.registry, msg.Resource, s.criteria) {
				continue
			}
			if err := handle(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
