package whitelist

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 将白名单保存在内存中，适用于单实例部署与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]Entry), now: time.Now}
}

// Add inserts or replaces an entry, keeping the original creation time.
func (s *MemoryStore) Add(_ context.Context, entry Entry) (Entry, error) {
	entry, err := prepare(entry, s.now())
	if err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dao, ok := s.entries[entry.DAOID]
	if !ok {
		dao = make(map[string]Entry)
		s.entries[entry.DAOID] = dao
	}
	if existing, ok := dao[entry.Wallet]; ok {
		entry.CreatedAt = existing.CreatedAt
	}
	dao[entry.Wallet] = entry.clone()
	return entry, nil
}

// Remove deletes an entry.
func (s *MemoryStore) Remove(_ context.Context, daoID, wallet string) error {
	wallet, err := NormalizeWallet(wallet)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[daoID][wallet]; !ok {
		return ErrEntryNotFound
	}
	delete(s.entries[daoID], wallet)
	return nil
}

// Get returns one entry.
func (s *MemoryStore) Get(_ context.Context, daoID, wallet string) (Entry, error) {
	wallet, err := NormalizeWallet(wallet)
	if err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[daoID][wallet]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return entry.clone(), nil
}

// List returns a page of a DAO's entries ordered by creation time.
func (s *MemoryStore) List(_ context.Context, daoID string, limit, offset int) ([]Entry, error) {
	limit, offset = normalizePage(limit, offset)
	s.mu.RLock()
	all := make([]Entry, 0, len(s.entries[daoID]))
	for _, e := range s.entries[daoID] {
		all = append(all, e.clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Wallet < all[j].Wallet
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return []Entry{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// IsWhitelisted reports whether wallet may claim tierID.
func (s *MemoryStore) IsWhitelisted(ctx context.Context, daoID, wallet, tierID string) (bool, error) {
	entry, err := s.Get(ctx, daoID, wallet)
	if err != nil {
		if err == ErrEntryNotFound {
			return false, nil
		}
		return false, err
	}
	return entry.Covers(tierID), nil
}

var _ Store = (*MemoryStore)(nil)
