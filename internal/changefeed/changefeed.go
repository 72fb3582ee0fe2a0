// Package changefeed publishes summaries of committed audit batches.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/memohai/auditor/internal/config"
)

// Summary describes one committed entity-kind group of a batch.
type Summary struct {
	ScopeID     string         `json:"scope_id"`
	Kind        string         `json:"kind"`
	Origin      string         `json:"origin"`
	RunID       string         `json:"run_id,omitempty"`
	Applied     map[string]int `json:"applied"`
	CommittedAt time.Time      `json:"committed_at"`
}

// Publisher delivers summaries downstream.
type Publisher interface {
	Publish(ctx context.Context, s Summary) error
	Close() error
}

// Nop discards summaries.
type Nop struct{}

func (Nop) Publish(context.Context, Summary) error { return nil }
func (Nop) Close() error                           { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per summary, keyed by scope so a scope's
// summaries stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher returns a publisher for the configured brokers and topic.
func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &KafkaPublisher{writer: w}, nil
}

// New returns a Kafka publisher when brokers are configured and Nop otherwise.
func New(cfg config.KafkaConfig) (Publisher, error) {
	if !cfg.Enabled() {
		return Nop{}, nil
	}
	return NewKafkaPublisher(cfg)
}

func (p *KafkaPublisher) Publish(ctx context.Context, s Summary) error {
	value, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(s.ScopeID),
		Value: value,
		Time:  s.CommittedAt,
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
