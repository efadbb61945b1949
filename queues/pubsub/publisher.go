package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"agones-join-coordinator/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

// Publisher emits join audit events to a topic.
type Publisher struct {
	projectID string
	topicName string
	credsFile string

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
}

func NewPublisher(projectID, topicName, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, topicName: topicName, credsFile: credsFile}
}

func (p *Publisher) ensureTopic(ctx context.Context) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		return p.topic, nil
	}
	client, err := newClient(ctx, p.projectID, p.credsFile)
	if err != nil {
		log.Error().Err(err).Str("projectID", p.projectID).Str("topic", p.topicName).Msg("failed to create pubsub client for publisher")
		return nil, err
	}
	p.client = client
	p.topic = client.Topic(p.topicName)
	log.Info().Str("topic", p.topicName).Msg("pubsub publisher initialized")
	return p.topic, nil
}

func (p *Publisher) PublishEvent(ctx context.Context, ev *queues.JoinEvent) error {
	topic, err := p.ensureTopic(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("eventId", ev.EventID).Msg("failed to marshal join event")
		return err
	}
	// Publish and wait for server ack
	r := topic.Publish(ctx, &gpubsub.Message{
		Data:       b,
		Attributes: map[string]string{"type": ev.Type},
	})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("eventId", ev.EventID).Msg("failed to publish join event")
		return err
	}
	log.Debug().Str("messageID", id).Str("eventId", ev.EventID).Str("type", ev.Type).Msg("published join event")
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}
