package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/storage/memory"
)

func TestRetentionWorker_PurgeKeepsActiveEntries(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	repo := memory.NewOutboxRepository()

	old := clock.Now().Add(-48 * time.Hour)
	delivered := enqueueStockFact(t, repo, 1, old)
	if err := repo.MarkDelivered(ctx, delivered.ID, delivered.LeaseID, old); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	terminal := enqueueStockFact(t, repo, 2, old)
	if err := repo.MarkTerminal(ctx, terminal.ID, terminal.LeaseID, "400", old); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	pending := enqueueStockFact(t, repo, 3, old)
	fresh := enqueueStockFact(t, repo, 4, clock.Now())
	if err := repo.MarkDelivered(ctx, fresh.ID, fresh.LeaseID, clock.Now()); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	worker := NewRetentionWorker(repo, WithRetention(24*time.Hour), WithRetentionBatchSize(1))
	deleted, err := worker.Purge(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 purged entry, got %d", deleted)
	}

	for _, id := range []string{terminal.ID, pending.ID, fresh.ID} {
		if _, err := repo.Get(ctx, id); err != nil {
			t.Fatalf("entry %s must be kept: %v", id, err)
		}
	}
	if _, err := repo.Get(ctx, delivered.ID); err == nil {
		t.Fatal("old delivered entry must be purged")
	}
}

func TestRetentionWorker_PurgeStopsOnCanceledContext(t *testing.T) {
	worker := NewRetentionWorker(memory.NewOutboxRepository())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := worker.Purge(ctx, time.Now()); err == nil {
		t.Fatal("expected context error")
	}
}

func TestRetentionWorker_RunStops(t *testing.T) {
	worker := NewRetentionWorker(memory.NewOutboxRepository(), WithRetentionInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()
	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retention worker did not stop on context cancel")
	}
}

func TestInspector(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	repo := memory.NewOutboxRepository()
	inspector := NewInspector(repo, nil)
	inspector.now = clock.Now

	pending := enqueueStockFact(t, repo, 1, clock.Now().Add(time.Hour))
	terminal := enqueueStockFact(t, repo, 2, clock.Now())
	if err := repo.MarkTerminal(ctx, terminal.ID, terminal.LeaseID, "400", clock.Now()); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	entries, err := inspector.List(ctx, domain.OutboxFilter{Status: domain.OutboxTerminal})
	if err != nil || len(entries) != 1 || entries[0].ID != terminal.ID {
		t.Fatalf("unexpected terminal list: %+v (%v)", entries, err)
	}
	if _, err := inspector.List(ctx, domain.OutboxFilter{Status: "lost"}); domain.KindOf(err) != domain.KindRejected {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}

	stats, err := inspector.Stats(ctx)
	if err != nil || stats.PendingCount != 1 || stats.TerminalCount != 1 {
		t.Fatalf("unexpected stats: %+v (%v)", stats, err)
	}

	requeued, err := inspector.Requeue(ctx, terminal.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != domain.OutboxPending || !requeued.NextAttemptAt.Equal(clock.Now()) {
		t.Fatalf("unexpected requeued entry: %+v", requeued)
	}

	if _, err := inspector.Requeue(ctx, "missing"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if got, err := inspector.Get(ctx, pending.ID); err != nil || got.DedupeKey != "stock-reduce:order:1" {
		t.Fatalf("unexpected entry: %+v (%v)", got, err)
	}
}
