package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/models"
)

type syncManager interface {
	StartAccount(ctx context.Context, accountID string) error
	StopAccount(accountID string)
	TriggerSync(accountID string) error
	Status(ctx context.Context, accountID string) (*models.AccountStatus, error)
	StatusAll(ctx context.Context) ([]models.AccountStatus, error)
}

type syncCalendarReader interface {
	ListByAccount(ctx context.Context, accountID string) ([]models.Calendar, error)
}

// SyncService is the operational façade over the connection manager:
// start/stop, manual passes and status reporting.
type SyncService struct {
	manager   syncManager
	calendars syncCalendarReader
	cache     eventCache
	logger    *zap.Logger
}

// NewSyncService constructs a SyncService.
func NewSyncService(manager syncManager, calendars syncCalendarReader, cache eventCache, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{manager: manager, calendars: calendars, cache: cache, logger: logger}
}

// StartSync connects the account and begins its periodic schedule.
func (s *SyncService) StartSync(ctx context.Context, accountID string) error {
	return s.manager.StartAccount(ctx, accountID)
}

// StopSync drops the account's connection and schedule.
func (s *SyncService) StopSync(accountID string) {
	s.manager.StopAccount(accountID)
}

// SyncNow requests an immediate pass for a connected account.
func (s *SyncService) SyncNow(accountID string) error {
	return s.manager.TriggerSync(accountID)
}

// Status reports one account's connection and sync view.
func (s *SyncService) Status(ctx context.Context, accountID string) (*models.AccountStatus, error) {
	return s.manager.Status(ctx, accountID)
}

// StatusAll reports every account.
func (s *SyncService) StatusAll(ctx context.Context) ([]models.AccountStatus, error) {
	return s.manager.StatusAll(ctx)
}

// HandleSynced is wired as the manager's post-sync hook: any pass that
// changed rows drops the account's cached listings.
func (s *SyncService) HandleSynced(accountID string, result models.SyncResult) {
	if s.cache == nil {
		return
	}
	if result.Created == 0 && result.Updated == 0 && result.Deleted == 0 {
		return
	}
	ctx := context.Background()
	calendars, err := s.calendars.ListByAccount(ctx, accountID)
	if err != nil {
		s.logger.Sugar().Warnw("cache invalidation skipped", "account_id", accountID, "error", err)
		return
	}
	for _, calendar := range calendars {
		s.cache.InvalidateCalendar(ctx, calendar.ID)
	}
}
