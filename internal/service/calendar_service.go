package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/models"
	appErrors "github.com/noah-isme/calsync-api/pkg/errors"
)

type calendarRepository interface {
	List(ctx context.Context) ([]models.Calendar, error)
	ListByAccount(ctx context.Context, accountID string) ([]models.Calendar, error)
	GetByID(ctx context.Context, id string) (*models.Calendar, error)
	Update(ctx context.Context, calendar *models.Calendar) error
}

// CalendarService exposes the mirrored calendar roster. Calendars are
// created and removed by reconciliation only; the one local decision is
// whether a calendar participates in event syncing.
type CalendarService struct {
	calendars calendarRepository
	cache     eventCache
	logger    *zap.Logger
}

// NewCalendarService constructs a CalendarService.
func NewCalendarService(calendars calendarRepository, cache eventCache, logger *zap.Logger) *CalendarService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CalendarService{calendars: calendars, cache: cache, logger: logger}
}

// List returns every mirrored calendar.
func (s *CalendarService) List(ctx context.Context) ([]models.Calendar, error) {
	return s.calendars.List(ctx)
}

// ListByAccount returns one account's calendars.
func (s *CalendarService) ListByAccount(ctx context.Context, accountID string) ([]models.Calendar, error) {
	return s.calendars.ListByAccount(ctx, accountID)
}

// Get returns one calendar.
func (s *CalendarService) Get(ctx context.Context, id string) (*models.Calendar, error) {
	calendar, err := s.calendars.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "calendar not found")
		}
		return nil, err
	}
	return calendar, nil
}

// SetEnabled toggles whether reconciliation syncs this calendar's events.
// Disabling keeps already-mirrored events in place.
func (s *CalendarService) SetEnabled(ctx context.Context, id string, enabled bool) (*models.Calendar, error) {
	calendar, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if calendar.Enabled == enabled {
		return calendar, nil
	}
	calendar.Enabled = enabled
	if err := s.calendars.Update(ctx, calendar); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.InvalidateCalendar(ctx, id)
	}
	return calendar, nil
}
