package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryRepository keeps ledger events in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	events  map[string][]Event
	idemKey map[string]map[string]struct{}
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events:  make(map[string][]Event),
		idemKey: make(map[string]map[string]struct{}),
	}
}

func (r *MemoryRepository) Head(_ context.Context, tenantID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.events[tenantID])), nil
}

func (r *MemoryRepository) SumThrough(_ context.Context, tenantID string, key Key, through int64) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := decimal.Zero
	for _, evt := range r.events[tenantID] {
		if evt.Seq > through {
			break
		}
		if evt.Key() == key {
			total = total.Add(evt.DeltaQty)
		}
	}
	return total, nil
}

func (r *MemoryRepository) HasIdempotencyKey(_ context.Context, tenantID, key string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.idemKey[tenantID][key]
	return ok, nil
}

func (r *MemoryRepository) Insert(_ context.Context, evt Event) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(evt)
}

func (r *MemoryRepository) InsertNonNegative(_ context.Context, evt Event) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	onHand := decimal.Zero
	for _, stored := range r.events[evt.TenantID] {
		if stored.Key() == evt.Key() {
			onHand = onHand.Add(stored.DeltaQty)
		}
	}
	if err := checkNonNegative(onHand, evt.DeltaQty); err != nil {
		return Event{}, err
	}
	return r.insertLocked(evt)
}

func (r *MemoryRepository) insertLocked(evt Event) (Event, error) {
	if evt.IdempotencyKey != "" {
		keys := r.idemKey[evt.TenantID]
		if keys == nil {
			keys = make(map[string]struct{})
			r.idemKey[evt.TenantID] = keys
		}
		if _, dup := keys[evt.IdempotencyKey]; dup {
			return Event{}, ErrDuplicateIdempotencyKey
		}
		keys[evt.IdempotencyKey] = struct{}{}
	}
	evt.Seq = int64(len(r.events[evt.TenantID])) + 1
	r.events[evt.TenantID] = append(r.events[evt.TenantID], evt)
	return evt, nil
}

func (r *MemoryRepository) List(_ context.Context, tenantID string, filter ListFilter) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, evt := range r.events[tenantID] {
		if evt.Seq <= filter.After || !matchesKey(evt, filter.Key) {
			continue
		}
		out = append(out, evt)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func matchesKey(evt Event, key Key) bool {
	return (key.HubID == "" || key.HubID == evt.HubID) &&
		(key.BinID == "" || key.BinID == evt.BinID) &&
		(key.SkuID == "" || key.SkuID == evt.SkuID)
}
