package cyclecount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/ledger"
	"github.com/odyssey-erp/stockcount/internal/platform/db"
)

// Repository persists cycle counts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var errRepositoryNotConfigured = errors.New("cyclecount: repository not configured")

const headerColumns = `id, tenant_id, status, notes, created_at, created_by,
submitted_at, COALESCE(submitted_by, ''), approved_at, COALESCE(approved_by, ''),
rejected_at, COALESCE(rejected_by, ''), COALESCE(rejection_reason, ''),
cancelled_at, COALESCE(cancelled_by, ''), COALESCE(cancel_reason, ''),
freeze_at, COALESCE(freeze_ledger_cursor, ''), COALESCE(freeze_derivation_rule, ''),
COALESCE(post_idempotency_key, ''), post_lock_claimed_at, COALESCE(post_lock_claimed_by, ''),
posted_at, COALESCE(posted_by, ''), COALESCE(post_ledger_batch_id, ''), posted_ledger_event_count,
version, updated_at`

const lineColumns = `id, cycle_count_id, hub_id, bin_id, sku_id, counted_qty::text, note,
system_qty_at_freeze::text, COALESCE(system_qty_derivation_cursor, ''), delta_planned::text, created_at, updated_at`

// WithTx runs fn inside a read-committed transaction. Load takes a row lock on the header.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if r == nil || r.pool == nil {
		return errRepositoryNotConfigured
	}
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// Get loads a header and its lines without locking.
func (r *Repository) Get(ctx context.Context, tenantID, id string) (Header, []Line, error) {
	if r == nil || r.pool == nil {
		return Header{}, nil, errRepositoryNotConfigured
	}
	h, err := scanHeader(r.pool.QueryRow(ctx, `SELECT `+headerColumns+` FROM cycle_counts WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return Header{}, nil, err
	}
	lines, err := queryLines(ctx, r.pool, tenantID, id)
	if err != nil {
		return Header{}, nil, err
	}
	return h, lines, nil
}

// List returns headers for tenantID ordered by creation time, newest first.
func (r *Repository) List(ctx context.Context, tenantID string, filter ListFilter) ([]Header, int, error) {
	if r == nil || r.pool == nil {
		return nil, 0, errRepositoryNotConfigured
	}
	offset, limit := pageWindow(filter)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cycle_counts WHERE tenant_id=$1 AND ($2::text = '' OR status=$2::text)`,
		tenantID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("cyclecount: count: %w", err)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+headerColumns+` FROM cycle_counts
WHERE tenant_id=$1 AND ($2::text = '' OR status=$2::text)
ORDER BY created_at DESC, id ASC LIMIT $3 OFFSET $4`, tenantID, string(filter.Status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("cyclecount: list: %w", err)
	}
	defer rows.Close()
	headers := []Header{}
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, 0, err
		}
		headers = append(headers, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return headers, total, nil
}

// ListStuckPosts returns APPROVED counts whose post lock was claimed before claimedBefore.
func (r *Repository) ListStuckPosts(ctx context.Context, claimedBefore time.Time, limit int) ([]Header, error) {
	if r == nil || r.pool == nil {
		return nil, errRepositoryNotConfigured
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+headerColumns+` FROM cycle_counts
WHERE status='APPROVED' AND post_idempotency_key IS NOT NULL AND post_lock_claimed_at < $1
ORDER BY post_lock_claimed_at ASC LIMIT $2`, claimedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("cyclecount: list stuck posts: %w", err)
	}
	defer rows.Close()
	var headers []Header
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) CreateDraft(ctx context.Context, h Header) (Header, error) {
	_, err := t.tx.Exec(ctx, `INSERT INTO cycle_counts (id, tenant_id, status, notes, created_at, created_by, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.TenantID, string(h.Status), h.Notes, h.CreatedAt, h.CreatedBy, h.Version, h.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Header{}, ErrStateConflict.WithCause(err).WithDetails(map[string]any{"reason": "cycle count id already exists"})
		}
		return Header{}, fmt.Errorf("cyclecount: insert header: %w", err)
	}
	return h, nil
}

func (t *txRepo) Load(ctx context.Context, tenantID, id string) (Header, []Line, error) {
	h, err := t.lockHeader(ctx, tenantID, id)
	if err != nil {
		return Header{}, nil, err
	}
	lines, err := queryLines(ctx, t.tx, tenantID, id)
	if err != nil {
		return Header{}, nil, err
	}
	return h, lines, nil
}

func (t *txRepo) AddLine(ctx context.Context, tenantID, id string, line Line) (Line, error) {
	h, lines, err := t.Load(ctx, tenantID, id)
	if err != nil {
		return Line{}, err
	}
	line, err = prepareNewLine(h, lines, line)
	if err != nil {
		return Line{}, err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO cycle_count_lines (id, tenant_id, cycle_count_id, hub_id, bin_id, sku_id, counted_qty, note, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10)`,
		line.ID, tenantID, id, line.HubID, line.BinID, line.SkuID, line.CountedQty.String(), line.Note, line.CreatedAt, line.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Line{}, ErrDuplicateLineKey.WithCause(err).WithDetails(map[string]any{
				"hubId": line.HubID,
				"binId": line.BinID,
				"skuId": line.SkuID,
			})
		}
		return Line{}, fmt.Errorf("cyclecount: insert line: %w", err)
	}
	if err := t.saveHeader(ctx, h.Version, touch(h, line.CreatedAt)); err != nil {
		return Line{}, err
	}
	return line, nil
}

func (t *txRepo) UpdateLine(ctx context.Context, tenantID, id, lineID string, patch LinePatch, at time.Time) (Line, error) {
	h, lines, err := t.Load(ctx, tenantID, id)
	if err != nil {
		return Line{}, err
	}
	if err := ensureDraft(h); err != nil {
		return Line{}, err
	}
	for _, line := range lines {
		if line.ID != lineID {
			continue
		}
		updated, err := applyLinePatch(h, line, patch, at)
		if err != nil {
			return Line{}, err
		}
		if _, err := t.tx.Exec(ctx, `UPDATE cycle_count_lines SET counted_qty=$3::numeric, note=$4, updated_at=$5
WHERE tenant_id=$1 AND id=$2`, tenantID, lineID, updated.CountedQty.String(), updated.Note, updated.UpdatedAt); err != nil {
			return Line{}, fmt.Errorf("cyclecount: update line: %w", err)
		}
		if err := t.saveHeader(ctx, h.Version, touch(h, at)); err != nil {
			return Line{}, err
		}
		return updated, nil
	}
	return Line{}, ErrLineNotFound
}

func (t *txRepo) DeleteLine(ctx context.Context, tenantID, id, lineID string, at time.Time) error {
	h, err := t.lockHeader(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := ensureDraft(h); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM cycle_count_lines WHERE tenant_id=$1 AND cycle_count_id=$2 AND id=$3`, tenantID, id, lineID)
	if err != nil {
		return fmt.Errorf("cyclecount: delete line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return t.saveHeader(ctx, h.Version, touch(h, at))
}

func (t *txRepo) TransitionStatus(ctx context.Context, tenantID, id string, from, to Status, patch TransitionPatch) (Header, error) {
	h, err := t.lockHeader(ctx, tenantID, id)
	if err != nil {
		return Header{}, err
	}
	next, err := applyTransition(h, from, to, patch)
	if err != nil {
		return Header{}, err
	}
	if err := t.saveHeader(ctx, h.Version, next); err != nil {
		return Header{}, err
	}
	return next, nil
}

func (t *txRepo) PersistFreezeSnapshot(ctx context.Context, tenantID, id string, snap FreezeSnapshot) (Header, error) {
	h, lines, err := t.Load(ctx, tenantID, id)
	if err != nil {
		return Header{}, err
	}
	next, frozen, err := applyFreeze(h, lines, snap)
	if err != nil {
		return Header{}, err
	}
	batch := &pgx.Batch{}
	for _, line := range frozen {
		batch.Queue(`UPDATE cycle_count_lines SET system_qty_at_freeze=$3::numeric, system_qty_derivation_cursor=$4,
delta_planned=$5::numeric, updated_at=$6 WHERE tenant_id=$1 AND id=$2`,
			tenantID, line.ID, line.SystemQtyAtFreeze.Decimal.String(), string(line.SystemQtyDerivationCursor),
			line.DeltaPlanned.Decimal.String(), line.UpdatedAt)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return Header{}, fmt.Errorf("cyclecount: persist freeze lines: %w", err)
	}
	if err := t.saveHeader(ctx, h.Version, next); err != nil {
		return Header{}, err
	}
	return next, nil
}

// ClaimPostLock sets the post idempotency key only while the count is APPROVED and unclaimed.
func (t *txRepo) ClaimPostLock(ctx context.Context, tenantID, id, key, actorUserID string, at time.Time) (ClaimResult, error) {
	at = at.UTC()
	h, err := scanHeader(t.tx.QueryRow(ctx, `UPDATE cycle_counts
SET post_idempotency_key=$3, post_lock_claimed_at=$4, post_lock_claimed_by=$5, version=version+1, updated_at=$4
WHERE tenant_id=$1 AND id=$2 AND status='APPROVED' AND post_idempotency_key IS NULL
RETURNING `+headerColumns, tenantID, id, key, at, actorUserID))
	if err == nil {
		return ClaimResult{Claimed: true, Header: h}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ClaimResult{}, err
	}
	current, err := t.lockHeader(ctx, tenantID, id)
	if err != nil {
		return ClaimResult{}, err
	}
	_, result := applyClaim(current, key, actorUserID, at)
	if result.Claimed {
		// Row changed between the conditional update and the reload.
		return ClaimResult{Reason: ClaimReasonCollision, Header: current}, nil
	}
	return result, nil
}

func (t *txRepo) MarkPosted(ctx context.Context, tenantID, id string, in MarkPostedInput) (Header, error) {
	h, err := t.lockHeader(ctx, tenantID, id)
	if err != nil {
		return Header{}, err
	}
	next, err := applyMarkPosted(h, in)
	if err != nil {
		return Header{}, err
	}
	if err := t.saveHeader(ctx, h.Version, next); err != nil {
		return Header{}, err
	}
	return next, nil
}

func (t *txRepo) lockHeader(ctx context.Context, tenantID, id string) (Header, error) {
	return scanHeader(t.tx.QueryRow(ctx, `SELECT `+headerColumns+` FROM cycle_counts WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id))
}

// saveHeader writes h when the stored version still equals expected.
func (t *txRepo) saveHeader(ctx context.Context, expected int64, h Header) error {
	tag, err := t.tx.Exec(ctx, `UPDATE cycle_counts SET
status=$4, submitted_at=$5, submitted_by=NULLIF($6, ''), approved_at=$7, approved_by=NULLIF($8, ''),
rejected_at=$9, rejected_by=NULLIF($10, ''), rejection_reason=NULLIF($11, ''),
cancelled_at=$12, cancelled_by=NULLIF($13, ''), cancel_reason=NULLIF($14, ''),
freeze_at=$15, freeze_ledger_cursor=NULLIF($16, ''), freeze_derivation_rule=NULLIF($17, ''),
post_idempotency_key=NULLIF($18, ''), post_lock_claimed_at=$19, post_lock_claimed_by=NULLIF($20, ''),
posted_at=$21, posted_by=NULLIF($22, ''), post_ledger_batch_id=NULLIF($23, ''), posted_ledger_event_count=$24,
version=$25, updated_at=$26
WHERE tenant_id=$1 AND id=$2 AND version=$3`,
		h.TenantID, h.ID, expected,
		string(h.Status), h.SubmittedAt, h.SubmittedBy, h.ApprovedAt, h.ApprovedBy,
		h.RejectedAt, h.RejectedBy, h.RejectionReason,
		h.CancelledAt, h.CancelledBy, h.CancelReason,
		h.FreezeAt, string(h.FreezeLedgerCursor), h.FreezeDerivationRule,
		h.PostIdempotencyKey, h.PostLockClaimedAt, h.PostLockClaimedBy,
		h.PostedAt, h.PostedBy, h.PostLedgerBatchID, h.PostedLedgerEventCount,
		h.Version, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("cyclecount: update header: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict.WithDetails(map[string]any{"reason": "version changed", "expectedVersion": expected})
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLines(ctx context.Context, q querier, tenantID, id string) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM cycle_count_lines
WHERE tenant_id=$1 AND cycle_count_id=$2 ORDER BY hub_id, bin_id, sku_id, id`, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("cyclecount: list lines: %w", err)
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var (
			line      Line
			counted   string
			systemQty *string
			delta     *string
			cursor    string
		)
		if err := rows.Scan(&line.ID, &line.CycleCountID, &line.HubID, &line.BinID, &line.SkuID, &counted, &line.Note,
			&systemQty, &cursor, &delta, &line.CreatedAt, &line.UpdatedAt); err != nil {
			return nil, err
		}
		if line.CountedQty, err = decimal.NewFromString(counted); err != nil {
			return nil, fmt.Errorf("cyclecount: parse counted qty %q: %w", counted, err)
		}
		if line.SystemQtyAtFreeze, err = parseNullDecimal(systemQty); err != nil {
			return nil, err
		}
		if line.DeltaPlanned, err = parseNullDecimal(delta); err != nil {
			return nil, err
		}
		line.SystemQtyDerivationCursor = ledger.Cursor(cursor)
		line.CreatedAt = line.CreatedAt.UTC()
		line.UpdatedAt = line.UpdatedAt.UTC()
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanHeader(row pgx.Row) (Header, error) {
	var (
		h       Header
		status  string
		cursor  string
		version int64
	)
	err := row.Scan(&h.ID, &h.TenantID, &status, &h.Notes, &h.CreatedAt, &h.CreatedBy,
		&h.SubmittedAt, &h.SubmittedBy, &h.ApprovedAt, &h.ApprovedBy,
		&h.RejectedAt, &h.RejectedBy, &h.RejectionReason,
		&h.CancelledAt, &h.CancelledBy, &h.CancelReason,
		&h.FreezeAt, &cursor, &h.FreezeDerivationRule,
		&h.PostIdempotencyKey, &h.PostLockClaimedAt, &h.PostLockClaimedBy,
		&h.PostedAt, &h.PostedBy, &h.PostLedgerBatchID, &h.PostedLedgerEventCount,
		&version, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Header{}, ErrNotFound
		}
		return Header{}, fmt.Errorf("cyclecount: scan header: %w", err)
	}
	h.Status = Status(status)
	h.FreezeLedgerCursor = ledger.Cursor(cursor)
	h.Version = version
	h.CreatedAt = h.CreatedAt.UTC()
	h.UpdatedAt = h.UpdatedAt.UTC()
	for _, ts := range []**time.Time{&h.SubmittedAt, &h.ApprovedAt, &h.RejectedAt, &h.CancelledAt, &h.FreezeAt, &h.PostLockClaimedAt, &h.PostedAt} {
		if *ts != nil {
			utc := (*ts).UTC()
			*ts = &utc
		}
	}
	return h, nil
}

func parseNullDecimal(raw *string) (decimal.NullDecimal, error) {
	if raw == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("cyclecount: parse decimal %q: %w", *raw, err)
	}
	return decimal.NewNullDecimal(d), nil
}
