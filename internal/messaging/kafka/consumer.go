package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// permanentError помечает ошибку, которую повтор не исправит.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent сообщает consumer, что сообщение нужно сразу отправить в DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли ошибка как неповторяемая.
func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}

// ConsumerOptions задаёт параметры consumer.
type ConsumerOptions struct {
	Logger      *log.Entry
	DLQProducer *Producer
	DLQTopic    string
	MaxRetries  int
	RetryDelay  time.Duration
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*ConsumerOptions)

// WithConsumerLogger задаёт logger.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.Logger = logger
	}
}

// WithDLQ включает отправку необработанных сообщений в DLQ topic.
func WithDLQ(producer *Producer, topic string) ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.DLQProducer = producer
		opts.DLQTopic = topic
	}
}

// WithRetries задаёт число повторов и паузу между ними.
func WithRetries(maxRetries int, delay time.Duration) ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.MaxRetries = maxRetries
		opts.RetryDelay = delay
	}
}

// Consumer представляет Kafka consumer с поддержкой DLQ
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer
	dlqTopic    string
	maxRetries  int
	retryDelay  time.Duration
}

// NewConsumer создает consumer group для указанных topics
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	opts := ConsumerOptions{MaxRetries: defaultMaxRetries, RetryDelay: defaultRetryDelay}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "kafka-consumer")
	}
	if opts.DLQTopic == "" {
		opts.DLQTopic = TopicDeadLetterQueue
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{
		consumer:    group,
		topics:      topics,
		handler:     handler,
		logger:      opts.Logger,
		dlqProducer: opts.DLQProducer,
		dlqTopic:    opts.DLQTopic,
		maxRetries:  opts.MaxRetries,
		retryDelay:  opts.RetryDelay,
	}, nil
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume завершается при каждом rebalance
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			logger := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			logger.Debug("received message")

			if err := c.handleMessageWithRetry(session.Context(), message); err != nil {
				// offset не сдвигается: сообщение будет прочитано снова после rebalance
				logger.WithError(err).Error("message processing failed after all retries")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessageWithRetry повторяет обработку до maxRetries раз (с учётом
// x-retry-count), затем отправляет сообщение в DLQ.
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	attempt := c.getRetryCount(message)
	for {
		err := c.handler(ctx, message)
		if err == nil {
			return nil
		}

		if IsPermanent(err) || attempt >= c.maxRetries || ctx.Err() != nil {
			return c.deadLetter(message, attempt, err)
		}

		attempt++
		c.logger.WithError(err).WithFields(log.Fields{
			"topic":       message.Topic,
			"retry_count": attempt,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")

		if err := c.wait(ctx); err != nil {
			return c.deadLetter(message, attempt, err)
		}
	}
}

func (c *Consumer) wait(ctx context.Context) error {
	if c.retryDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Consumer) deadLetter(message *sarama.ConsumerMessage, retryCount int, processingErr error) error {
	if c.dlqProducer == nil {
		return processingErr
	}
	if err := c.sendToDLQ(message, retryCount, processingErr); err != nil {
		c.logger.WithError(err).Error("failed to send message to DLQ")
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}
	c.logger.WithFields(log.Fields{
		"topic":       message.Topic,
		"retry_count": retryCount,
	}).Warn("message sent to DLQ")
	return nil
}

// getRetryCount извлекает retry count из headers сообщения
func (c *Consumer) getRetryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == HeaderRetryCount {
			count, err := strconv.Atoi(string(header.Value))
			if err == nil {
				return count
			}
		}
	}
	return 0
}

// sendToDLQ пересылает исходное сообщение как есть, причина записана в headers.
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, retryCount int, processingErr error) error {
	return c.dlqProducer.send(&sarama.ProducerMessage{
		Topic: c.dlqTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
			{Key: []byte(HeaderErrorMessage), Value: []byte(processingErr.Error())},
			{Key: []byte(HeaderFailedAt), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
			{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(retryCount))},
		},
		Timestamp: time.Now(),
	})
}
