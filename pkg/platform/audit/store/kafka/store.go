// Package kafka publishes audit events to a kafka topic as JSON records,
// keyed by user id so one user's trail stays ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	audit "gatekeeper/pkg/platform/audit"
)

type Store struct {
	client *kgo.Client
	topic  string
}

// New connects to the given brokers. Production waits for all in-sync
// replicas so an acknowledged audit event survives a broker failure.
func New(brokers []string, topic string) (*Store, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect audit brokers: %w", err)
	}
	return &Store{client: client, topic: topic}, nil
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.UserID),
		Value: payload,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.client.Close()
}
