// Package kafka adapts sarama to the ingest pipeline: a consumer group
// source with explicit offset commits and a dead-letter producer.
package kafka

import (
	"fmt"

	"github.com/IBM/sarama"
)

const clientID = "protosink"

// consumerConfig returns a sarama configuration for a manually committed
// consumer group that starts from the oldest offset.
func consumerConfig(version string) (*sarama.Config, error) {
	cfg, err := baseConfig(version)
	if err != nil {
		return nil, err
	}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	return cfg, nil
}

// producerConfig returns a sarama configuration for a synchronous producer
// that waits for all in-sync replicas.
func producerConfig(version string) (*sarama.Config, error) {
	cfg, err := baseConfig(version)
	if err != nil {
		return nil, err
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return cfg, nil
}

func baseConfig(version string) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	if version != "" {
		v, err := sarama.ParseKafkaVersion(version)
		if err != nil {
			return nil, fmt.Errorf("kafka version: %w", err)
		}
		cfg.Version = v
	}
	return cfg, nil
}
