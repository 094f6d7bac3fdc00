package cyclecount

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/stockcount/internal/shared"
)

type recordKey struct {
	tenantID string
	id       string
}

type record struct {
	header Header
	lines  []Line
}

func (r record) clone() record {
	lines := make([]Line, len(r.lines))
	copy(lines, r.lines)
	return record{header: r.header, lines: lines}
}

// MemoryStore is an in-process Store. Transactions are serialised and applied only on success.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]record)}
}

// WithTx runs fn against a private working copy and commits it when fn succeeds.
// fn must not call the non-transactional methods of the same store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{store: s, dirty: make(map[recordKey]record)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, r := range tx.dirty {
		s.records[k] = r
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (Header, []Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{tenantID, id}]
	if !ok {
		return Header{}, nil, ErrNotFound
	}
	rec = rec.clone()
	return rec.header, rec.lines, nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, filter ListFilter) ([]Header, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []Header
	for k, rec := range s.records {
		if k.tenantID != tenantID {
			continue
		}
		if filter.Status != "" && rec.header.Status != filter.Status {
			continue
		}
		matched = append(matched, rec.header)
	}
	sortHeaders(matched)
	total := len(matched)
	offset, limit := pageWindow(filter)
	if offset >= total {
		return []Header{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) ListStuckPosts(_ context.Context, claimedBefore time.Time, limit int) ([]Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Header
	for _, rec := range s.records {
		h := rec.header
		if h.Status == StatusApproved && h.PostIdempotencyKey != "" && h.PostLockClaimedAt != nil && h.PostLockClaimedAt.Before(claimedBefore) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PostLockClaimedAt.Before(*out[j].PostLockClaimedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryTx struct {
	store *MemoryStore
	dirty map[recordKey]record
}

func (tx *memoryTx) get(tenantID, id string) (record, error) {
	k := recordKey{tenantID, id}
	if rec, ok := tx.dirty[k]; ok {
		return rec.clone(), nil
	}
	rec, ok := tx.store.records[k]
	if !ok {
		return record{}, ErrNotFound
	}
	return rec.clone(), nil
}

func (tx *memoryTx) put(rec record) {
	tx.dirty[recordKey{rec.header.TenantID, rec.header.ID}] = rec
}

func (tx *memoryTx) CreateDraft(_ context.Context, h Header) (Header, error) {
	if _, err := tx.get(h.TenantID, h.ID); err == nil {
		return Header{}, ErrStateConflict.WithDetails(map[string]any{"reason": "cycle count id already exists"})
	}
	tx.put(record{header: h})
	return h, nil
}

func (tx *memoryTx) Load(_ context.Context, tenantID, id string) (Header, []Line, error) {
	rec, err := tx.get(tenantID, id)
	if err != nil {
		return Header{}, nil, err
	}
	return rec.header, rec.lines, nil
}

func (tx *memoryTx) AddLine(_ context.Context, tenantID, id string, line Line) (Line, error) {
	rec, err := tx.get(tenantID, id)
	if err != nil {
		return Line{}, err
	}
	line, err = prepareNewLine(rec.header, rec.lines, line)
	if err != nil {
		return Line{}, err
	}
	rec.lines = append(rec.lines, line)
	rec.header = touch(rec.header, line.CreatedAt)
	tx.put(rec)
	return line, nil
}

func (tx *memoryTx) UpdateLine(_ context.Context, tenantID, id, lineID string, patch LinePatch, at time.Time) (Line, error) {
	rec, err := tx.get(tenantID, id)
	if err != nil {
		return Line{}, err
	}
	for i, line := range rec.lines {
		if line.ID != lineID {
			continue
		}
		updated, err := applyLinePatch(rec.header, line, patch, at)
		if err != nil {
			return Line{}, err
		}
		rec.lines[i] = updated
		rec.header = touch(rec.header, at)
		tx.put(rec)
		return updated, nil
	}
	if err := ensureDraft(rec.header); err != nil {
		return Line{}, err
	}
	return Line{}, ErrLineNotFound
}

func (tx *memoryTx) DeleteLine(_ context.Context, tenantID, id, lineID string, at time.Time) error {
	rec, err := tx.get(tenantID, id)
	if err != nil {
		return err
	}
	if err := ensureDraft(rec.header); err != nil {
		return err
	}
	for i, line := range rec.lines {
		if line.ID == lineID {
			rec.lines = append(rec.lines[:i], rec.lines[i+1:]...)
			rec.header = touch(rec.header, at)
			tx.put(rec)
			return nil
		}
	}
	return ErrLineNotFound
}

func (tx *memoryTx) TransitionStatus(_ context.Context, tenantID, id string, from, to Status, patch TransitionPatch) (Header, error) {
	rec, err := tx.get(tenantID, id)
	if err != nil {
		return Header{}, err
	}
	h, err := applyTransition(rec.header, from, to, patch)
	if err != nil {
		return Header{}, err
	}
	rec.header = h
	tx.put(rec)
	return h, nil
}

func (tx *memoryTx) PersistFreezeSnapshot(_ context.Context, tenantID, id string, snap FreezeSnapshot) (Header, error) {
	rec, err := tx.get(tenantID, id)
	if err != nil {
		return Header{}, err
	}
	h, lines, err := applyFreeze(rec.header, rec.lines, snap)
	if err != nil {
		return Header{}, err
	}
	rec.header = h
	rec.lines = lines
	tx.put(rec)
	return h, nil
}

func (tx *memoryTx) ClaimPostLock(_ context.Context, tenantID, id, key, actorUserID string, at time.Time) (ClaimResult, error) {
	rec, err := tx.get(tenantID, id)
	if err != nil {
		return ClaimResult{}, err
	}
	h, result := applyClaim(rec.header, key, actorUserID, at)
	if result.Claimed {
		rec.header = h
		tx.put(rec)
	}
	return result, nil
}

func (tx *memoryTx) MarkPosted(_ context.Context, tenantID, id string, in MarkPostedInput) (Header, error) {
	rec, err := tx.get(tenantID, id)
	if err != nil {
		return Header{}, err
	}
	h, err := applyMarkPosted(rec.header, in)
	if err != nil {
		return Header{}, err
	}
	rec.header = h
	tx.put(rec)
	return h, nil
}

func sortHeaders(headers []Header) {
	sort.SliceStable(headers, func(i, j int) bool {
		if !headers[i].CreatedAt.Equal(headers[j].CreatedAt) {
			return headers[i].CreatedAt.After(headers[j].CreatedAt)
		}
		return headers[i].ID < headers[j].ID
	})
}

func pageWindow(filter ListFilter) (offset, limit int) {
	page, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	return (page - 1) * perPage, perPage
}
