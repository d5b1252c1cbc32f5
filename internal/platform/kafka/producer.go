package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// Producer publishes JSON messages with a synchronous Kafka producer.
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducerConfig returns the sarama configuration used for all publishing:
// every in-sync replica acknowledges each message.
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	return config
}

// NewProducer connects a Producer to the given brokers.
func NewProducer(brokers []string) (*Producer, error) {
	p, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerFromSync(p), nil
}

// NewProducerFromSync wraps an existing sync producer.
func NewProducerFromSync(p sarama.SyncProducer) *Producer {
	return &Producer{producer: p}
}

// Send publishes v as JSON to topic under key and returns where it landed.
func (p *Producer) Send(ctx context.Context, topic, key string, v any) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode message: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return partition, offset, nil
}

// Close flushes and closes the underlying producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}
