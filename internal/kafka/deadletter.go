package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/IBM/sarama"

	"protosink/internal/domain"
)

// Dead-letter record headers.
const (
	HeaderReason    = "protosink-reason"
	HeaderBatchID   = "protosink-batch-id"
	HeaderTopic     = "protosink-source-topic"
	HeaderPartition = "protosink-source-partition"
	HeaderOffset    = "protosink-source-offset"
)

// DeadLetterProducer republishes skipped messages, unchanged, to a topic
// with headers describing the failure.
type DeadLetterProducer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewDeadLetterProducer connects a synchronous producer for topic.
func NewDeadLetterProducer(brokers []string, version, topic string, logger *slog.Logger) (*DeadLetterProducer, error) {
	cfg, err := producerConfig(version)
	if err != nil {
		return nil, err
	}
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create dead-letter producer: %w", err)
	}
	return newDeadLetterProducer(p, topic, logger), nil
}

func newDeadLetterProducer(p sarama.SyncProducer, topic string, logger *slog.Logger) *DeadLetterProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterProducer{
		producer: p,
		topic:    topic,
		logger:   logger.With("component", "dead-letter", "topic", topic),
	}
}

// Send publishes letters and waits for every acknowledgement.
func (d *DeadLetterProducer) Send(_ context.Context, letters []domain.DeadLetter) error {
	if len(letters) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, len(letters))
	for i, l := range letters {
		msgs[i] = d.message(l)
	}
	if err := d.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("publish %d dead letters to %s: %w", len(msgs), d.topic, err)
	}
	d.logger.Debug("dead letters published", "count", len(msgs))
	return nil
}

func (d *DeadLetterProducer) message(l domain.DeadLetter) *sarama.ProducerMessage {
	m := l.Message
	pm := &sarama.ProducerMessage{
		Topic: d.topic,
		Value: sarama.ByteEncoder(m.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderReason), Value: []byte(l.Reason)},
			{Key: []byte(HeaderBatchID), Value: []byte(l.BatchID)},
			{Key: []byte(HeaderTopic), Value: []byte(m.Topic)},
			{Key: []byte(HeaderPartition), Value: []byte(strconv.FormatInt(int64(m.Partition), 10))},
			{Key: []byte(HeaderOffset), Value: []byte(strconv.FormatInt(m.Offset, 10))},
		},
	}
	if m.Key != nil {
		pm.Key = sarama.ByteEncoder(m.Key)
	}
	return pm
}

// Close flushes and closes the producer.
func (d *DeadLetterProducer) Close() error {
	return d.producer.Close()
}
