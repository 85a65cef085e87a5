package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/models"
	"github.com/noah-isme/calsync-api/internal/repository"
	appErrors "github.com/noah-isme/calsync-api/pkg/errors"
)

type cacheStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// CacheService is the read-through cache for event listings. A disabled or
// absent store degrades every call to a miss or a no-op.
type CacheService struct {
	store   cacheStore
	ttl     time.Duration
	enabled bool
	logger  *zap.Logger
}

// NewCacheService constructs a cache service.
func NewCacheService(store cacheStore, ttl time.Duration, enabled bool, logger *zap.Logger) *CacheService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CacheService{store: store, ttl: ttl, enabled: enabled && store != nil, logger: logger}
}

// GetEvents returns a cached listing, or ErrCacheMiss.
func (s *CacheService) GetEvents(ctx context.Context, calendarID string, filter models.EventFilter) ([]models.Event, error) {
	if !s.enabled {
		return nil, appErrors.ErrCacheMiss
	}
	var events []models.Event
	if err := s.store.Get(ctx, s.key(calendarID, filter), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// SetEvents stores a listing under the calendar's key space.
func (s *CacheService) SetEvents(ctx context.Context, calendarID string, filter models.EventFilter, events []models.Event) {
	if !s.enabled {
		return
	}
	if err := s.store.Set(ctx, s.key(calendarID, filter), events, s.ttl); err != nil {
		s.logger.Sugar().Warnw("cache write failed", "calendar_id", calendarID, "error", err)
	}
}

// InvalidateCalendar drops every cached listing of one calendar. Called
// after any write that can change listings: syncs, event edits, copies.
func (s *CacheService) InvalidateCalendar(ctx context.Context, calendarID string) {
	if !s.enabled {
		return
	}
	if err := s.store.DeleteByPattern(ctx, repository.EventsPattern(calendarID)); err != nil {
		s.logger.Sugar().Warnw("cache invalidation failed", "calendar_id", calendarID, "error", err)
	}
}

func (s *CacheService) key(calendarID string, filter models.EventFilter) string {
	fingerprint := fmt.Sprintf("%v|%v|%d", filter.From, filter.To, filter.Limit)
	return repository.EventsKey(calendarID, fingerprint)
}
