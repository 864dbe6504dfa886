package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"protosink/internal/domain"
)

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Brokers     []string
	Topic       string
	GroupID     string
	Version     string
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Consumer reads one topic as a member of a consumer group. Offsets are
// committed only through Commit.
type Consumer struct {
	group       sarama.ConsumerGroup
	topic       string
	pollTimeout time.Duration
	logger      *slog.Logger

	records chan *sarama.ConsumerMessage
	done    chan struct{}
	err     error
	cancel  context.CancelFunc

	mu      sync.Mutex
	session sarama.ConsumerGroupSession
}

// NewConsumer joins the consumer group and starts receiving messages in the
// background. Close must be called to leave the group.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	cfg, err := consumerConfig(opts.Version)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(opts.Brokers, opts.GroupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	c := newConsumer(opts.Topic, opts.PollTimeout, opts.Logger)
	c.group = group

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.logErrors()
	go c.consume(ctx)
	c.logger.Info("kafka consumer started", "brokers", opts.Brokers, "group", opts.GroupID)
	return c, nil
}

func newConsumer(topic string, pollTimeout time.Duration, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Consumer{
		topic:       topic,
		pollTimeout: pollTimeout,
		logger:      logger.With("component", "kafka", "topic", topic),
		records:     make(chan *sarama.ConsumerMessage),
		done:        make(chan struct{}),
	}
}

// consume re-joins the group after every rebalance until ctx ends or the
// group is closed.
func (c *Consumer) consume(ctx context.Context) {
	defer close(c.done)
	h := handler{c}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if ctx.Err() == nil {
				c.err = fmt.Errorf("consume %s: %w", c.topic, err)
				c.logger.Error("consumer group failed", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) logErrors() {
	for err := range c.group.Errors() {
		c.logger.Warn("consumer group error", "error", err)
	}
}

// Poll blocks until a message arrives, then gathers more until limit messages
// are collected or the poll timeout elapses.
func (c *Consumer) Poll(ctx context.Context, limit int) ([]domain.Message, error) {
	var out []domain.Message
	select {
	case m := <-c.records:
		out = append(out, toMessage(m))
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		if c.err != nil {
			return nil, c.err
		}
		return nil, io.EOF
	}

	timer := time.NewTimer(c.pollTimeout)
	defer timer.Stop()
	for len(out) < limit {
		select {
		case m := <-c.records:
			out = append(out, toMessage(m))
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, nil
		case <-c.done:
			return out, nil
		}
	}
	return out, nil
}

// Commit marks the offset after the highest message of each partition in
// msgs and commits synchronously. Partitions no longer assigned to this
// member are left for their new owner.
func (c *Consumer) Commit(_ context.Context, msgs []domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		c.logger.Warn("no active session, offsets not committed", "messages", len(msgs))
		return nil
	}

	assigned := make(map[int32]bool)
	for _, p := range c.session.Claims()[c.topic] {
		assigned[p] = true
	}
	next := make(map[int32]int64)
	for _, m := range msgs {
		if m.Topic != c.topic {
			continue
		}
		if cur, ok := next[m.Partition]; !ok || m.Offset+1 > cur {
			next[m.Partition] = m.Offset + 1
		}
	}

	marked := 0
	for p, off := range next {
		if !assigned[p] {
			c.logger.Debug("partition revoked, not marking", "partition", p, "offset", off)
			continue
		}
		c.session.MarkOffset(c.topic, p, off, "")
		marked++
	}
	if marked > 0 {
		c.session.Commit()
	}
	return nil
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	var err error
	if c.group != nil {
		err = c.group.Close()
		<-c.done
	}
	return err
}

func toMessage(m *sarama.ConsumerMessage) domain.Message {
	return domain.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
}

// handler implements sarama.ConsumerGroupHandler for a Consumer.
type handler struct {
	c *Consumer
}

func (h handler) Setup(s sarama.ConsumerGroupSession) error {
	h.c.mu.Lock()
	h.c.session = s
	h.c.mu.Unlock()
	h.c.logger.Info("partitions assigned", "generation", s.GenerationID(), "partitions", s.Claims()[h.c.topic])
	return nil
}

func (h handler) Cleanup(s sarama.ConsumerGroupSession) error {
	h.c.mu.Lock()
	h.c.session = nil
	h.c.mu.Unlock()
	h.c.logger.Info("partitions revoked", "generation", s.GenerationID())
	return nil
}

func (h handler) ConsumeClaim(s sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.c.records <- m:
			case <-s.Context().Done():
				return nil
			}
		case <-s.Context().Done():
			return nil
		}
	}
}
