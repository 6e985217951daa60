package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

const (
	outboxColumns = `id, dedupe_key, kind, subject, subject_id, target, payload, status,
		attempts, next_attempt_at, last_error, created_at, updated_at, delivered_at, lease_id`
	defaultPurgeLimit = 1000
)

type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB()}
}

func scanOutboxEntry(row interface{ Scan(dest ...any) error }) (domain.OutboxEntry, error) {
	var (
		e                    domain.OutboxEntry
		kind, target, status string
		deliveredAt          sql.NullTime
	)
	if err := row.Scan(
		&e.ID, &e.DedupeKey, &kind, &e.Subject, &e.SubjectID, &target, &e.Payload, &status,
		&e.Attempts, &e.NextAttemptAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &deliveredAt,
		&e.LeaseID,
	); err != nil {
		return domain.OutboxEntry{}, err
	}
	e.Kind = domain.FactKind(kind)
	e.Target = domain.Target(target)
	e.Status = domain.OutboxStatus(status)
	if deliveredAt.Valid {
		e.DeliveredAt = deliveredAt.Time.UTC()
	}
	return e, nil
}

// Enqueue делает upsert по dedupe_key. Ожидающая запись получает attempts+1 и свежий payload,
// завершённая (terminal/superseded/delivered) перезаписывается состоянием новой.
// lease_id сбрасывается, а next_attempt_at ожидающей записи не сдвигается раньше аренды.
func (r *outboxRepository) Enqueue(ctx context.Context, entry domain.OutboxEntry) (domain.OutboxEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	stored, err := scanOutboxEntry(r.db.QueryRowContext(ctx, `
		INSERT INTO outbox_entries (
			id, dedupe_key, kind, subject, subject_id, target, payload, status,
			attempts, next_attempt_at, last_error, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			attempts = CASE
				WHEN outbox_entries.status = 'pending' AND EXCLUDED.status = 'pending'
				THEN outbox_entries.attempts + 1
				ELSE EXCLUDED.attempts
			END,
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			next_attempt_at = CASE
				WHEN outbox_entries.status = 'pending' AND EXCLUDED.status = 'pending'
				THEN GREATEST(outbox_entries.next_attempt_at, EXCLUDED.next_attempt_at)
				ELSE EXCLUDED.next_attempt_at
			END,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at,
			delivered_at = NULL,
			lease_id = ''
		RETURNING `+outboxColumns,
		entry.ID, entry.DedupeKey, string(entry.Kind), entry.Subject, entry.SubjectID, string(entry.Target),
		entry.Payload, string(entry.Status), entry.Attempts, entry.NextAttemptAt, entry.LastError,
		entry.CreatedAt, entry.UpdatedAt,
	))
	if err != nil {
		return domain.OutboxEntry{}, fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return stored, nil
}

// ClaimDue берёт созревшие записи через FOR UPDATE SKIP LOCKED, продлевает их аренду
// и проставляет общий для пачки lease_id, поэтому параллельные диспетчеры
// не получают одну запись дважды.
func (r *outboxRepository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.OutboxEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id
			FROM outbox_entries
			WHERE status = 'pending'
			  AND next_attempt_at <= $1
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_entries o
		SET next_attempt_at = $3,
		    lease_id = $4
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.dedupe_key, o.kind, o.subject, o.subject_id, o.target, o.payload, o.status,
			o.attempts, o.next_attempt_at, o.last_error, o.created_at, o.updated_at, o.delivered_at,
			o.lease_id
	`, now, limit, now.Add(lease), uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("claim due outbox entries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.OutboxEntry, 0, limit)
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *outboxRepository) MarkDelivered(ctx context.Context, id, leaseID string, at time.Time) error {
	return r.updatePending(ctx, id, "mark delivered", `
		UPDATE outbox_entries
		SET status = 'delivered',
		    attempts = attempts + 1,
		    last_error = '',
		    delivered_at = $3,
		    updated_at = $3,
		    lease_id = ''
		WHERE id = $1 AND status = 'pending' AND lease_id = $2
	`, id, leaseID, at)
}

func (r *outboxRepository) MarkTerminal(ctx context.Context, id, leaseID, reason string, at time.Time) error {
	return r.updatePending(ctx, id, "mark terminal", `
		UPDATE outbox_entries
		SET status = 'terminal',
		    attempts = attempts + 1,
		    last_error = $3,
		    updated_at = $4,
		    lease_id = ''
		WHERE id = $1 AND status = 'pending' AND lease_id = $2
	`, id, leaseID, reason, at)
}

func (r *outboxRepository) Reschedule(ctx context.Context, id, leaseID string, attempts int, next time.Time, reason string, at time.Time) error {
	return r.updatePending(ctx, id, "reschedule", `
		UPDATE outbox_entries
		SET attempts = $3,
		    next_attempt_at = $4,
		    last_error = $5,
		    updated_at = $6,
		    lease_id = ''
		WHERE id = $1 AND status = 'pending' AND lease_id = $2
	`, id, leaseID, attempts, next, reason, at)
}

// updatePending не трогает запись, которая перестала быть pending за время попытки.
// Если записи нет, возвращается ErrOutboxNotFound; если запись ждёт, но lease_id
// сменился, ErrOutboxLeaseLost.
func (r *outboxRepository) updatePending(ctx context.Context, id, op, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s outbox entry: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for outbox %s: %w", op, err)
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM outbox_entries WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrOutboxNotFound
	}
	if err != nil {
		return fmt.Errorf("check outbox entry exists: %w", err)
	}
	if domain.OutboxStatus(status) == domain.OutboxPending {
		return domain.ErrOutboxLeaseLost
	}
	return nil
}

func (r *outboxRepository) Supersede(ctx context.Context, keys []string, at time.Time) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET status = 'superseded',
		    updated_at = $2
		WHERE dedupe_key = ANY($1)
		  AND status = 'pending'
	`, keys, at)
	if err != nil {
		return 0, fmt.Errorf("supersede outbox entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for supersede: %w", err)
	}
	return int(affected), nil
}

func (r *outboxRepository) Get(ctx context.Context, id string) (domain.OutboxEntry, error) {
	return r.getBy(ctx, "id", id)
}

func (r *outboxRepository) GetByKey(ctx context.Context, key string) (domain.OutboxEntry, error) {
	return r.getBy(ctx, "dedupe_key", key)
}

func (r *outboxRepository) getBy(ctx context.Context, column, value string) (domain.OutboxEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	entry, err := scanOutboxEntry(r.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_entries WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OutboxEntry{}, domain.ErrOutboxNotFound
		}
		return domain.OutboxEntry{}, fmt.Errorf("select outbox entry: %w", err)
	}
	return entry, nil
}

func (r *outboxRepository) List(ctx context.Context, filter domain.OutboxFilter) ([]domain.OutboxEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Target != "" {
		args = append(args, string(filter.Target))
		conds = append(conds, fmt.Sprintf("target = $%d", len(args)))
	}

	query := `SELECT ` + outboxColumns + ` FROM outbox_entries`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox entries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.OutboxEntry, 0)
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return result, nil
}

func (r *outboxRepository) Requeue(ctx context.Context, id string, at time.Time) (domain.OutboxEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	entry, err := scanOutboxEntry(r.db.QueryRowContext(ctx, `
		UPDATE outbox_entries
		SET status = 'pending',
		    next_attempt_at = $2,
		    updated_at = $2,
		    lease_id = ''
		WHERE id = $1
		  AND status <> 'delivered'
		RETURNING `+outboxColumns, id, at))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.OutboxEntry{}, fmt.Errorf("requeue outbox entry: %w", err)
	}

	if _, getErr := r.Get(ctx, id); getErr != nil {
		return domain.OutboxEntry{}, getErr
	}
	return domain.OutboxEntry{}, domain.ErrOutboxDelivered
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'terminal'),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			MIN(created_at) FILTER (WHERE status = 'pending')
		FROM outbox_entries
	`).Scan(&stats.PendingCount, &stats.TerminalCount, &stats.DeliveredCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) PurgeDelivered(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultPurgeLimit
	}

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox_entries
		WHERE id IN (
			SELECT id
			FROM outbox_entries
			WHERE status IN ('delivered', 'superseded')
			  AND updated_at < $1
			ORDER BY updated_at
			LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("purge outbox entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for purge: %w", err)
	}
	return int(affected), nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
