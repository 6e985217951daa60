package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordering/internal/storage/postgres"
)

const commandTimeout = 30 * time.Second

// inspector описывает операции outbox, которые использует CLI.
type inspector interface {
	List(ctx context.Context, filter domain.OutboxFilter) ([]domain.OutboxEntry, error)
	Stats(ctx context.Context) (domain.OutboxStats, error)
	Requeue(ctx context.Context, id string) (domain.OutboxEntry, error)
}

// openInspector подменяется в тестах.
var openInspector = func(ctx context.Context, dsn string) (inspector, func() error, error) {
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres store: %w", err)
	}
	return outbox.NewInspector(postgres.NewOutboxRepository(store), nil), store.Close, nil
}

func withInspector(ctx context.Context, dsn string, fn func(context.Context, inspector) error) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	i, closeFn, err := openInspector(ctx, dsn)
	if err != nil {
		return err
	}
	defer closeFn()

	return fn(ctx, i)
}

func runList(ctx context.Context, i inspector, out io.Writer, status, target string, limit int) error {
	entries, err := i.List(ctx, domain.OutboxFilter{
		Status: domain.OutboxStatus(status),
		Target: domain.Target(target),
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKEY\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.DedupeKey, e.Status, e.Attempts, e.NextAttemptAt.UTC().Format(time.RFC3339), e.LastError)
	}
	return w.Flush()
}

func runStats(ctx context.Context, i inspector, out io.Writer, now time.Time) error {
	stats, err := i.Stats(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "pending=%d terminal=%d delivered=%d\n",
		stats.PendingCount, stats.TerminalCount, stats.DeliveredCount)
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		_, _ = fmt.Fprintf(out, "oldest pending: %s (%s ago)\n",
			stats.OldestPendingAt.UTC().Format(time.RFC3339), now.Sub(stats.OldestPendingAt).Truncate(time.Second))
	}
	return nil
}

func runRequeue(ctx context.Context, i inspector, out io.Writer, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("at least one outbox id is required")
	}
	for _, id := range ids {
		entry, err := i.Requeue(ctx, id)
		if err != nil {
			return fmt.Errorf("requeue %s: %w", id, err)
		}
		_, _ = fmt.Fprintf(out, "requeued %s (%s)\n", entry.ID, entry.DedupeKey)
	}
	return nil
}
