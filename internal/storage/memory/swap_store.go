// Package memory provides an in-memory swap.Repository for tests and
// single-process runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

// SwapStore is an in-memory implementation of swap.Repository.
type SwapStore struct {
	mu   sync.RWMutex
	data map[string]*swap.SwapOperation

	// live maps a correlation key to the non-terminal swap holding it
	live map[string]string
}

// NewSwapStore creates a new in-memory swap store.
func NewSwapStore() *SwapStore {
	return &SwapStore{
		data: make(map[string]*swap.SwapOperation),
		live: make(map[string]string),
	}
}

// Compile-time interface check.
var _ swap.Repository = (*SwapStore)(nil)

// Create adds a new swap.
func (s *SwapStore) Create(_ context.Context, sw *swap.SwapOperation) error {
	if sw == nil || sw.ID == "" {
		return fmt.Errorf("swap id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[sw.ID]; exists {
		return fmt.Errorf("swap %s already exists", sw.ID)
	}
	if sw.CorrelationKey != "" && !sw.IsTerminal() {
		if _, held := s.live[sw.CorrelationKey]; held {
			return swap.ErrDuplicateCorrelationKey
		}
		s.live[sw.CorrelationKey] = sw.ID
	}

	s.data[sw.ID] = sw.Clone()
	return nil
}

// GetByID retrieves a swap by id.
func (s *SwapStore) GetByID(_ context.Context, id string) (*swap.SwapOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sw, ok := s.data[id]
	if !ok {
		return nil, swap.ErrNotFound
	}
	return sw.Clone(), nil
}

// GetByCorrelationKey returns the live holder of key, or the most recent
// swap that used it.
func (s *SwapStore) GetByCorrelationKey(_ context.Context, key string) (*swap.SwapOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.live[key]; ok {
		return s.data[id].Clone(), nil
	}

	var latest *swap.SwapOperation
	for _, sw := range s.data {
		if sw.CorrelationKey != key {
			continue
		}
		if latest == nil || sw.CreatedAt.After(latest.CreatedAt) {
			latest = sw
		}
	}
	if latest == nil {
		return nil, swap.ErrNotFound
	}
	return latest.Clone(), nil
}

// CompareAndSwapStatus applies upd if the swap is still in expected.
func (s *SwapStore) CompareAndSwapStatus(_ context.Context, id string, expected swap.Status, upd swap.StatusUpdate) (*swap.SwapOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.data[id]
	if !ok {
		return nil, swap.ErrNotFound
	}
	next, err := swap.ApplyUpdate(cur, expected, upd)
	if err != nil {
		return nil, err
	}

	if next.CorrelationKey != "" && cur.CorrelationKey == "" {
		if _, held := s.live[next.CorrelationKey]; held {
			return nil, swap.ErrDuplicateCorrelationKey
		}
	}
	if next.CorrelationKey != "" {
		if next.IsTerminal() {
			if s.live[next.CorrelationKey] == id {
				delete(s.live, next.CorrelationKey)
			}
		} else {
			s.live[next.CorrelationKey] = id
		}
	}

	s.data[id] = next
	return next.Clone(), nil
}

// ListExpiredPending returns Pending swaps matching q, earliest expiry
// first.
func (s *SwapStore) ListExpiredPending(_ context.Context, q swap.ExpiryQuery) ([]*swap.SwapOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*swap.SwapOperation
	for _, sw := range s.data {
		if sw.Expired(q.Before) && (sw.SourceTxHash != "") == q.LockSubmitted {
			result = append(result, sw.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// List returns swaps matching filter, newest first.
func (s *SwapStore) List(_ context.Context, filter swap.ListFilter) ([]*swap.SwapOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*swap.SwapOperation
	for _, sw := range s.data {
		if filter.Status != "" && sw.Status != filter.Status {
			continue
		}
		if filter.Direction != "" && sw.Direction != filter.Direction {
			continue
		}
		result = append(result, sw.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Count returns the number of stored swaps.
func (s *SwapStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// SwapCount returns the number of swaps in each status.
func (s *SwapStore) SwapCount(_ context.Context) (map[swap.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[swap.Status]int)
	for _, sw := range s.data {
		counts[sw.Status]++
	}
	return counts, nil
}
