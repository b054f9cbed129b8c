package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Publisher streams change records to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, record *ChangeRecord) error
}

// ChangeEvent is the message value written to the change topic.
type ChangeEvent struct {
	ID          string     `json:"id"`
	EntityID    string     `json:"entity_id"`
	Provider    string     `json:"provider"`
	Kind        Kind       `json:"kind"`
	Sections    []string   `json:"sections"`
	Changeset   *Changeset `json:"changeset"`
	Fingerprint string     `json:"fingerprint"`
	DetectedAt  string     `json:"detected_at"`
}

func eventFor(r *ChangeRecord) ChangeEvent {
	return ChangeEvent{
		ID:          r.ID.String(),
		EntityID:    r.EntityID.String(),
		Provider:    r.Provider.String(),
		Kind:        r.Kind,
		Sections:    r.Changeset.SectionNames(),
		Changeset:   r.Changeset,
		Fingerprint: r.Fingerprint,
		DetectedAt:  r.DetectedAt.UTC().Format(time.RFC3339Nano),
	}
}

// KafkaPublisher writes change events keyed by entity, so one entity's events
// stay ordered within a partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher connects a producer for topic. Extra options are appended
// after the defaults.
func NewKafkaPublisher(brokers []string, topic string, opts ...kgo.Opt) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

// EnsureTopic creates the topic if it does not exist yet.
func (p *KafkaPublisher) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	adm := kadm.NewClient(p.client)
	resp, err := adm.CreateTopic(ctx, partitions, replication, nil, p.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", p.topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", p.topic, resp.Err)
	}
	return nil
}

// Publish waits for the broker to acknowledge the event.
func (p *KafkaPublisher) Publish(ctx context.Context, record *ChangeRecord) error {
	value, err := json.Marshal(eventFor(record))
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	rec := &kgo.Record{
		Key:   []byte(record.EntityID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "provider", Value: []byte(record.Provider.String())},
			{Key: "kind", Value: []byte(record.Kind)},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce change event: %w", err)
	}
	return nil
}

// Health pings the seed brokers.
func (p *KafkaPublisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}
