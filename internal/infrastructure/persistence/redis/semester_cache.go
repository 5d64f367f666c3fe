package redis

import (
	"context"
	"errors"
	"time"
)

// byteStore is the subset of Cache the semester cache needs.
type byteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
}

// SemesterCache stores serialized semester payloads keyed by principal digest and
// semester identifier. It never sees credentials.
type SemesterCache struct {
	store byteStore
	ttl   time.Duration
}

// NewSemesterCache creates a semester cache; ttl <= 0 selects TTLSemesterData.
func NewSemesterCache(cache *Cache, ttl time.Duration) *SemesterCache {
	return newSemesterCache(cache, ttl)
}

func newSemesterCache(store byteStore, ttl time.Duration) *SemesterCache {
	if ttl <= 0 {
		ttl = TTLSemesterData
	}
	return &SemesterCache{store: store, ttl: ttl}
}

// GetSemester returns the cached payload. A miss is (nil, false, nil).
func (s *SemesterCache) GetSemester(ctx context.Context, digest, semesterID string) ([]byte, bool, error) {
	b, err := s.store.Get(ctx, SemesterKey(digest, semesterID))
	if errors.Is(err, ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// SetSemester stores a payload for the configured TTL.
func (s *SemesterCache) SetSemester(ctx context.Context, digest, semesterID string, payload []byte) error {
	return s.store.Set(ctx, SemesterKey(digest, semesterID), payload, s.ttl)
}

// Forget drops every cached semester of a principal.
func (s *SemesterCache) Forget(ctx context.Context, digest string) error {
	_, err := s.store.DeleteByPattern(ctx, SemesterPattern(digest))
	return err
}
