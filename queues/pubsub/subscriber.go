package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"agones-join-coordinator/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// Subscriber consumes player join/leave reports published by game servers.
type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string

	mu     sync.Mutex
	client *gpubsub.Client
	sub    *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile}
}

func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.PlayerActivity) error) error {
	sub, err := s.subscription(ctx)
	if err != nil {
		return err
	}

	// Receive blocks; it will create goroutines internally; respect ctx cancellation
	return sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		recvAt := time.Now()
		var act queues.PlayerActivity
		if err := json.Unmarshal(m.Data, &act); err != nil {
			log.Error().Err(err).Str("messageID", m.ID).Msg("failed to unmarshal player activity")
			m.Nack()
			return
		}
		if err := act.Validate(); err != nil {
			// poison message, drop it
			log.Error().Err(err).Str("messageID", m.ID).Msg("invalid player activity payload")
			m.Ack()
			return
		}

		if err := handler(ctx, &act); err != nil {
			log.Error().Err(err).Int64("userId", act.UserID).Str("serverId", act.ServerID).Msg("activity handler failed; will retry")
			m.Nack()
			return
		}
		log.Debug().Int64("userId", act.UserID).Str("event", string(act.EventType)).Dur("latency", time.Since(recvAt)).Msg("activity applied; acking message")
		m.Ack()
	})
}

func (s *Subscriber) subscription(ctx context.Context) (*gpubsub.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return s.sub, nil
	}
	client, err := newClient(ctx, s.projectID, s.credsFile)
	if err != nil {
		log.Error().Err(err).Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("failed to create pubsub client for subscriber")
		return nil, err
	}
	s.client = client
	s.sub = client.Subscription(s.subscriptionName)
	log.Info().Str("subscription", s.subscriptionName).Msg("pubsub subscriber initialized")
	return s.sub, nil
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client, s.sub = nil, nil
	return err
}

func newClient(ctx context.Context, projectID, credsFile string) (*gpubsub.Client, error) {
	if credsFile != "" {
		log.Debug().Str("projectID", projectID).Str("credsFile", credsFile).Msg("initializing pubsub client with explicit credentials")
		return gpubsub.NewClient(ctx, projectID, option.WithCredentialsFile(credsFile))
	}
	log.Debug().Str("projectID", projectID).Msg("initializing pubsub client with default credentials")
	return gpubsub.NewClient(ctx, projectID)
}
