package cyclecount

import (
	"context"
	"time"
)

// Store persists cycle count headers and lines.
type Store interface {
	// WithTx runs fn in a transaction. Mutations are visible to others only after fn returns nil.
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	Get(ctx context.Context, tenantID, id string) (Header, []Line, error)
	List(ctx context.Context, tenantID string, filter ListFilter) ([]Header, int, error)
	// ListStuckPosts returns APPROVED counts whose post lock was claimed before claimedBefore.
	ListStuckPosts(ctx context.Context, claimedBefore time.Time, limit int) ([]Header, error)
}

// TxStore exposes transactional operations. Load locks the header until the transaction ends.
type TxStore interface {
	CreateDraft(ctx context.Context, h Header) (Header, error)
	Load(ctx context.Context, tenantID, id string) (Header, []Line, error)
	AddLine(ctx context.Context, tenantID, id string, line Line) (Line, error)
	UpdateLine(ctx context.Context, tenantID, id, lineID string, patch LinePatch, at time.Time) (Line, error)
	DeleteLine(ctx context.Context, tenantID, id, lineID string, at time.Time) error
	TransitionStatus(ctx context.Context, tenantID, id string, from, to Status, patch TransitionPatch) (Header, error)
	PersistFreezeSnapshot(ctx context.Context, tenantID, id string, snap FreezeSnapshot) (Header, error)
	ClaimPostLock(ctx context.Context, tenantID, id, key, actorUserID string, at time.Time) (ClaimResult, error)
	MarkPosted(ctx context.Context, tenantID, id string, in MarkPostedInput) (Header, error)
}
