package whitelist

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

type cached struct {
	entry Entry
	found bool
}

// CachedStore 在任意 Store 前加一层 ARC 缓存，写操作会使对应条目失效。
type CachedStore struct {
	Store
	cache *lru.ARCCache

	// gen 在每次写入后递增，读取期间发生写入时不回填缓存。
	mu  sync.Mutex
	gen uint64
}

// NewCachedStore wraps next with an ARC cache of size entries.
func NewCachedStore(next Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{Store: next, cache: cache}, nil
}

func cacheKey(daoID, wallet string) string {
	return strings.TrimSpace(daoID) + "|" + wallet
}

// Add implements Store.
func (s *CachedStore) Add(ctx context.Context, entry Entry) (Entry, error) {
	saved, err := s.Store.Add(ctx, entry)
	if err != nil {
		return Entry{}, err
	}
	s.invalidate(cacheKey(saved.DAOID, saved.Wallet))
	return saved, nil
}

// Remove implements Store.
func (s *CachedStore) Remove(ctx context.Context, daoID, wallet string) error {
	normalized, err := NormalizeWallet(wallet)
	if err != nil {
		return err
	}
	daoID = strings.TrimSpace(daoID)
	defer s.invalidate(cacheKey(daoID, normalized))
	return s.Store.Remove(ctx, daoID, normalized)
}

// Get implements Store, caching hits and misses.
func (s *CachedStore) Get(ctx context.Context, daoID, wallet string) (Entry, error) {
	normalized, err := NormalizeWallet(wallet)
	if err != nil {
		return Entry{}, err
	}
	daoID = strings.TrimSpace(daoID)
	key := cacheKey(daoID, normalized)
	if v, ok := s.cache.Get(key); ok {
		c := v.(cached)
		if !c.found {
			return Entry{}, ErrEntryNotFound
		}
		return c.entry.clone(), nil
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	entry, err := s.Store.Get(ctx, daoID, normalized)
	switch {
	case err == nil:
		s.fill(key, gen, cached{entry: entry.clone(), found: true})
	case stdErrors.Is(err, ErrEntryNotFound):
		s.fill(key, gen, cached{})
	}
	return entry, err
}

// IsWhitelisted implements Store on top of the cached Get.
func (s *CachedStore) IsWhitelisted(ctx context.Context, daoID, wallet, tierID string) (bool, error) {
	entry, err := s.Get(ctx, daoID, wallet)
	if err != nil {
		if stdErrors.Is(err, ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}
	return entry.Covers(tierID), nil
}

func (s *CachedStore) fill(key string, gen uint64, value cached) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.cache.Add(key, value)
}

func (s *CachedStore) invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.cache.Remove(key)
}

var _ Store = (*CachedStore)(nil)
