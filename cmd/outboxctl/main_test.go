package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordering/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordering/internal/storage/memory"
)

func seedOutbox(t *testing.T) (domain.OutboxRepository, domain.OutboxEntry) {
	t.Helper()

	repo := memory.NewOutboxRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	fact := domain.Fact{Kind: domain.FactInvoiceCreate, Subject: domain.SubjectOrder, SubjectID: 3, Payload: []byte(`{"orderId":3}`)}
	entry, err := repo.Enqueue(ctx, domain.NewOutboxEntry(fact, "422 unprocessable", now, now))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := repo.MarkTerminal(ctx, entry.ID, entry.LeaseID, "422 unprocessable", now); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}

	pending := domain.Fact{Kind: domain.FactStockReduce, Subject: domain.SubjectOrder, SubjectID: 3, Payload: []byte(`{"orderId":3}`)}
	if _, err := repo.Enqueue(ctx, domain.NewOutboxEntry(pending, "503", now, now.Add(-time.Minute))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return repo, entry
}

func runOutboxCLI(t *testing.T, repo domain.OutboxRepository, args ...string) (string, error) {
	t.Helper()

	original := openInspector
	openInspector = func(context.Context, string) (inspector, func() error, error) {
		return outbox.NewInspector(repo, nil), func() error { return nil }, nil
	}
	t.Cleanup(func() { openInspector = original })

	var out bytes.Buffer
	cmdArgs := append([]string{"outboxctl", args[0], "--dsn", "postgres://test"}, args[1:]...)
	err := newCommand(&out).Run(context.Background(), cmdArgs)
	return out.String(), err
}

func TestListTerminalEntries(t *testing.T) {
	repo, entry := seedOutbox(t)

	out, err := runOutboxCLI(t, repo, "list", "--status", "terminal")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, entry.ID) || !strings.Contains(out, "invoice-create:order:3") {
		t.Fatalf("terminal entry missing from output:\n%s", out)
	}
	if strings.Contains(out, "stock-reduce:order:3") {
		t.Fatalf("pending entry must be filtered out:\n%s", out)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	repo, _ := seedOutbox(t)

	_, err := runOutboxCLI(t, repo, "list", "--status", "lost")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStats(t *testing.T) {
	repo, _ := seedOutbox(t)

	out, err := runOutboxCLI(t, repo, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "pending=1 terminal=1 delivered=0") {
		t.Fatalf("unexpected stats:\n%s", out)
	}
	if !strings.Contains(out, "oldest pending") {
		t.Fatalf("expected oldest pending line:\n%s", out)
	}
}

func TestRequeue(t *testing.T) {
	repo, entry := seedOutbox(t)

	out, err := runOutboxCLI(t, repo, "requeue", entry.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !strings.Contains(out, "requeued "+entry.ID) {
		t.Fatalf("unexpected output:\n%s", out)
	}

	got, err := repo.Get(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.OutboxPending {
		t.Fatalf("expected pending after requeue, got %s", got.Status)
	}

	if _, err := runOutboxCLI(t, repo, "requeue"); err == nil {
		t.Fatal("requeue without ids must fail")
	}
	if _, err := runOutboxCLI(t, repo, "requeue", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReplayConfigValidate(t *testing.T) {
	valid := replayConfig{brokers: []string{"kafka:9092"}, sourceTopic: kafka.TopicDeadLetterQueue, limit: 10, idleTimeout: time.Second}
	if err := valid.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	broken := []replayConfig{
		{sourceTopic: "dlq", limit: 1, idleTimeout: time.Second},
		{brokers: []string{"kafka:9092"}, limit: 1, idleTimeout: time.Second},
		{brokers: []string{"kafka:9092"}, sourceTopic: "dlq", idleTimeout: time.Second},
		{brokers: []string{"kafka:9092"}, sourceTopic: "dlq", limit: 1},
	}
	for i, cfg := range broken {
		if err := cfg.validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func consumerDeadLetter(offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     kafka.TopicDeadLetterQueue,
		Partition: 0,
		Offset:    offset,
		Key:       []byte("10"),
		Value:     []byte(`{"event_type":"stock.adjusted","product_id":10,"delta":5}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(kafka.HeaderOriginalTopic), Value: []byte(kafka.TopicStockAdjustments)},
			{Key: []byte(kafka.HeaderErrorMessage), Value: []byte("storage unavailable")},
			{Key: []byte(kafka.HeaderRetryCount), Value: []byte("3")},
			{Key: []byte("traceparent"), Value: []byte("00-abc-def-01")},
		},
	}
}

func rejectedFactDeadLetter(offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     kafka.TopicDeadLetterQueue,
		Partition: 0,
		Offset:    offset,
		Key:       []byte("invoice-create:order:3"),
		Value:     []byte(`{"event_type":"fact.rejected","outbox_id":"ob-1"}`),
	}
}

func TestExtractReplayMessage(t *testing.T) {
	msg, ok := extractReplayMessage(consumerDeadLetter(0))
	if !ok {
		t.Fatal("expected replay candidate")
	}
	if msg.Topic != kafka.TopicStockAdjustments {
		t.Fatalf("unexpected topic: %s", msg.Topic)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != "traceparent" {
		t.Fatalf("DLQ headers must be stripped, got %+v", msg.Headers)
	}

	if _, ok := extractReplayMessage(rejectedFactDeadLetter(1)); ok {
		t.Fatal("rejected facts must not be replayed")
	}
	if reason := skipReason(rejectedFactDeadLetter(1)); !strings.Contains(reason, "outboxctl requeue ob-1") {
		t.Fatalf("unexpected skip reason: %s", reason)
	}
}

func TestRunReplay_DryRun(t *testing.T) {
	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{consumerDeadLetter(0), rejectedFactDeadLetter(1)}),
	}}

	var out bytes.Buffer
	cfg := replayConfig{brokers: []string{"kafka:9092"}, sourceTopic: kafka.TopicDeadLetterQueue, limit: 10, idleTimeout: time.Second}
	stats, err := runReplay(context.Background(), cfg, client, consumer, nil, &out)
	if err != nil {
		t.Fatalf("runReplay: %v", err)
	}
	if stats.processed != 2 || stats.replayed != 1 || stats.skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRunReplay_Execute(t *testing.T) {
	client := &stubOffsetClient{partitions: []int32{1, 0}, offsets: map[int32]offsetRange{
		0: {oldest: 0, newest: 1},
		1: {oldest: 0, newest: 0},
	}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{consumerDeadLetter(0)}),
	}}
	producer := &stubReplayProducer{}

	cfg := replayConfig{brokers: []string{"kafka:9092"}, sourceTopic: kafka.TopicDeadLetterQueue, limit: 10, execute: true, idleTimeout: time.Second}
	stats, err := runReplay(context.Background(), cfg, client, consumer, producer, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("runReplay: %v", err)
	}
	if producer.calls != 1 || producer.lastMsg.Topic != kafka.TopicStockAdjustments {
		t.Fatalf("expected one replay to stock topic, got %d calls (%+v)", producer.calls, producer.lastMsg)
	}
	if stats.replayed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].partition != 0 {
		t.Fatalf("empty partition must not be consumed: %+v", consumer.calls)
	}
}

func TestRunReplay_Errors(t *testing.T) {
	cfg := replayConfig{brokers: []string{"kafka:9092"}, sourceTopic: kafka.TopicDeadLetterQueue, limit: 10, execute: true, idleTimeout: time.Second}

	if _, err := runReplay(context.Background(), cfg, &stubOffsetClient{}, &stubPartitionConsumerSource{}, nil, &bytes.Buffer{}); err == nil {
		t.Fatal("execute mode without producer must fail")
	}

	client := &stubOffsetClient{partitionsErr: errors.New("metadata unavailable")}
	if _, err := runReplay(context.Background(), cfg, client, &stubPartitionConsumerSource{}, &stubReplayProducer{}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected partitions error")
	}

	client = &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{consumerDeadLetter(0)}),
	}}
	producer := &stubReplayProducer{sendErr: errors.New("broker down")}
	if _, err := runReplay(context.Background(), cfg, client, consumer, producer, &bytes.Buffer{}); err == nil {
		t.Fatal("expected publish error")
	}
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error { return nil }

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers map[int32]partitionConsumer
	calls     []consumeCall
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error { return nil }

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                             { return nil }

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &stubPartitionConsumer{messages: msgCh, errors: errCh}
}

type stubReplayProducer struct {
	sendErr error
	calls   int
	lastMsg *sarama.ProducerMessage
}

func (s *stubReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	s.calls++
	s.lastMsg = msg
	if s.sendErr != nil {
		return 0, 0, s.sendErr
	}
	return 0, int64(s.calls), nil
}

func (s *stubReplayProducer) Close() error { return nil }
