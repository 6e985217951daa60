package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/ordering/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type replayConfig struct {
	brokers     []string
	sourceTopic string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

func (c replayConfig) validate() error {
	switch {
	case len(c.brokers) == 0:
		return errors.New("kafka brokers are required (--brokers or KAFKA_BROKERS)")
	case c.sourceTopic == "":
		return errors.New("source-topic is required")
	case c.limit <= 0:
		return errors.New("limit must be > 0")
	case c.idleTimeout <= 0:
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	return a.consumer.Close()
}

var newReplayDependencies = func(cfg replayConfig) (offsetClient, partitionConsumerSource, replayProducer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	if !cfg.execute {
		return client, consumer, nil, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.brokers, producerConfig)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, consumer, producer, nil
}

func runReplayCommand(ctx context.Context, cfg replayConfig, out io.Writer) error {
	client, consumer, producer, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		_ = consumer.Close()
		_ = client.Close()
	}()

	stats, err := runReplay(ctx, cfg, client, consumer, producer, out)
	if err != nil {
		return err
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	_, _ = fmt.Fprintf(out, "%s: scanned=%d replayed=%d skipped=%d\n", mode, stats.processed, stats.replayed, stats.skipped)
	return nil
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func runReplay(ctx context.Context, cfg replayConfig, client offsetClient, consumer partitionConsumerSource, producer replayProducer, out io.Writer) (replayStats, error) {
	var total replayStats
	if cfg.execute && producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}
		stats, err := replayPartition(ctx, cfg, client, consumer, producer, out, partition, cfg.limit-total.processed)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func replayPartition(
	ctx context.Context,
	cfg replayConfig,
	client offsetClient,
	consumer partitionConsumerSource,
	producer replayProducer,
	out io.Writer,
	partition int32,
	limit int,
) (replayStats, error) {
	var stats replayStats

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, oldest)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	errs := pc.Errors()
	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case <-idle.C:
			return stats, nil
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(cfg.idleTimeout)
			stats.processed++

			replay, ok := extractReplayMessage(msg)
			if !ok {
				stats.skipped++
				_, _ = fmt.Fprintf(out, "skip %d/%d: %s\n", msg.Partition, msg.Offset, skipReason(msg))
			} else {
				if cfg.execute {
					if _, _, err := producer.SendMessage(replay); err != nil {
						return stats, fmt.Errorf("publish replay message: %w", err)
					}
				}
				stats.replayed++
				_, _ = fmt.Fprintf(out, "replay %d/%d -> %s\n", msg.Partition, msg.Offset, replay.Topic)
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// extractReplayMessage восстанавливает исходное сообщение consumer DLQ.
// Отклонённые факты outbox не переигрываются: для них есть requeue.
func extractReplayMessage(msg *sarama.ConsumerMessage) (*sarama.ProducerMessage, bool) {
	originalTopic := header(msg, kafka.HeaderOriginalTopic)
	if originalTopic == "" {
		return nil, false
	}

	headers := make([]sarama.RecordHeader, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case kafka.HeaderOriginalTopic, kafka.HeaderErrorMessage, kafka.HeaderFailedAt, kafka.HeaderRetryCount:
			continue
		}
		headers = append(headers, *h)
	}

	return &sarama.ProducerMessage{
		Topic:     originalTopic,
		Key:       sarama.ByteEncoder(msg.Key),
		Value:     sarama.ByteEncoder(msg.Value),
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}, true
}

func skipReason(msg *sarama.ConsumerMessage) string {
	var rejected struct {
		EventType kafka.EventType `json:"event_type"`
		OutboxID  string          `json:"outbox_id"`
	}
	if json.Unmarshal(msg.Value, &rejected) == nil && rejected.EventType == kafka.EventTypeFactRejected {
		return fmt.Sprintf("rejected fact %s, use: outboxctl requeue %s", msg.Key, rejected.OutboxID)
	}
	return "no original topic header"
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}
