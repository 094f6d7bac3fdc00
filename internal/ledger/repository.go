package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/platform/db"
)

// Repository persists ledger events in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Head returns the latest committed sequence number for tenantID.
func (r *Repository) Head(ctx context.Context, tenantID string) (int64, error) {
	if r == nil || r.pool == nil {
		return 0, errRepositoryNotConfigured
	}
	var head int64
	err := r.pool.QueryRow(ctx, `SELECT head FROM ledger_heads WHERE tenant_id=$1`, tenantID).Scan(&head)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: read head: %w", err)
	}
	return head, nil
}

// SumThrough sums deltas for key over events with seq <= through.
func (r *Repository) SumThrough(ctx context.Context, tenantID string, key Key, through int64) (decimal.Decimal, error) {
	if r == nil || r.pool == nil {
		return decimal.Zero, errRepositoryNotConfigured
	}
	var total string
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(delta_qty), 0)::text FROM ledger_events
WHERE tenant_id=$1 AND hub_id=$2 AND bin_id=$3 AND sku_id=$4 AND seq <= $5`,
		tenantID, key.HubID, key.BinID, key.SkuID, through).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: sum deltas: %w", err)
	}
	qty, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse sum %q: %w", total, err)
	}
	return qty, nil
}

// HasIdempotencyKey reports whether key was already appended for tenantID.
func (r *Repository) HasIdempotencyKey(ctx context.Context, tenantID, key string) (bool, error) {
	if r == nil || r.pool == nil {
		return false, errRepositoryNotConfigured
	}
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ledger_events WHERE tenant_id=$1 AND idempotency_key=$2)`, tenantID, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger: check idempotency key: %w", err)
	}
	return exists, nil
}

// Insert allocates the next per-tenant sequence and stores evt in the same transaction.
// The head row stays locked until commit, so sequence order equals commit order.
func (r *Repository) Insert(ctx context.Context, evt Event) (Event, error) {
	return r.insert(ctx, evt, false)
}

// InsertNonNegative stores evt unless the key's balance would drop below zero. The ledger_heads
// row lock taken by the head bump serialises concurrent inserts of the tenant, so the balance
// read afterwards includes every committed event.
func (r *Repository) InsertNonNegative(ctx context.Context, evt Event) (Event, error) {
	return r.insert(ctx, evt, true)
}

func (r *Repository) insert(ctx context.Context, evt Event, nonNegative bool) (Event, error) {
	if r == nil || r.pool == nil {
		return Event{}, errRepositoryNotConfigured
	}
	err := db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var seq int64
		if err := tx.QueryRow(ctx, `INSERT INTO ledger_heads (tenant_id, head) VALUES ($1, 1)
ON CONFLICT (tenant_id) DO UPDATE SET head = ledger_heads.head + 1
RETURNING head`, evt.TenantID).Scan(&seq); err != nil {
			return fmt.Errorf("ledger: advance head: %w", err)
		}
		if nonNegative {
			var raw string
			if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(delta_qty), 0)::text FROM ledger_events
WHERE tenant_id=$1 AND hub_id=$2 AND bin_id=$3 AND sku_id=$4`,
				evt.TenantID, evt.HubID, evt.BinID, evt.SkuID).Scan(&raw); err != nil {
				return fmt.Errorf("ledger: balance: %w", err)
			}
			onHand, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("ledger: parse balance %q: %w", raw, err)
			}
			if err := checkNonNegative(onHand, evt.DeltaQty); err != nil {
				return err
			}
		}
		evt.Seq = seq
		_, err := tx.Exec(ctx, `INSERT INTO ledger_events (id, tenant_id, seq, event_type, hub_id, bin_id, sku_id, delta_qty,
source_type, source_id, source_line_id, freeze_ledger_cursor, post_ledger_batch_id, actor_user_id, reason, idempotency_key, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14, $15, NULLIF($16, ''), $17)`,
			evt.ID, evt.TenantID, evt.Seq, string(evt.Type), evt.HubID, evt.BinID, evt.SkuID, evt.DeltaQty.String(),
			string(evt.SourceType), evt.SourceID, evt.SourceLineID, string(evt.FreezeLedgerCursor), evt.PostLedgerBatchID,
			evt.ActorUserID, evt.Reason, evt.IdempotencyKey, evt.OccurredAt)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return ErrDuplicateIdempotencyKey.WithCause(err)
			}
			return fmt.Errorf("ledger: insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return evt, nil
}

// List returns events matching filter ordered by sequence.
func (r *Repository) List(ctx context.Context, tenantID string, filter ListFilter) ([]Event, error) {
	if r == nil || r.pool == nil {
		return nil, errRepositoryNotConfigured
	}
	where := []string{"tenant_id=$1", "seq > $2"}
	args := []any{tenantID, filter.After}
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	add("hub_id", filter.Key.HubID)
	add("bin_id", filter.Key.BinID)
	add("sku_id", filter.Key.SkuID)
	args = append(args, filter.Limit)
	query := `SELECT id, tenant_id, seq, event_type, hub_id, bin_id, sku_id, delta_qty::text, source_type,
COALESCE(source_id, ''), COALESCE(source_line_id, ''), COALESCE(freeze_ledger_cursor, ''), COALESCE(post_ledger_batch_id, ''),
actor_user_id, reason, COALESCE(idempotency_key, ''), occurred_at
FROM ledger_events WHERE ` + strings.Join(where, " AND ") + fmt.Sprintf(" ORDER BY seq ASC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list events: %w", err)
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var (
			evt        Event
			eventType  string
			sourceType string
			delta      string
			cursor     string
			occurredAt time.Time
		)
		if err := rows.Scan(&evt.ID, &evt.TenantID, &evt.Seq, &eventType, &evt.HubID, &evt.BinID, &evt.SkuID, &delta, &sourceType,
			&evt.SourceID, &evt.SourceLineID, &cursor, &evt.PostLedgerBatchID, &evt.ActorUserID, &evt.Reason, &evt.IdempotencyKey, &occurredAt); err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(delta)
		if err != nil {
			return nil, fmt.Errorf("ledger: parse delta %q: %w", delta, err)
		}
		evt.Type = EventType(eventType)
		evt.SourceType = SourceType(sourceType)
		evt.DeltaQty = qty
		evt.FreezeLedgerCursor = Cursor(cursor)
		evt.OccurredAt = occurredAt.UTC()
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
