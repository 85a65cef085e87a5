package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/models"
)

type migrationAccountRepository interface {
	Count(ctx context.Context) (int, error)
	Create(ctx context.Context, account *models.Account) error
}

type migrationCalendarRepository interface {
	ListOrphaned(ctx context.Context) ([]models.Calendar, error)
	Update(ctx context.Context, calendar *models.Calendar) error
}

type legacyConfigReader interface {
	All(ctx context.Context) (map[string]string, error)
}

// Legacy configuration keys from the single-account era.
const (
	legacyKeyServerURL    = "caldav_server_url"
	legacyKeyUsername     = "caldav_username"
	legacyKeyPassword     = "caldav_password"
	legacyKeySyncInterval = "sync_interval_minutes"
)

// MigrationService folds a legacy single-account deployment into the
// accounts table on startup. The fold runs at most once: it requires
// calendars that belong to no account and an empty accounts table.
type MigrationService struct {
	accounts  migrationAccountRepository
	calendars migrationCalendarRepository
	legacy    legacyConfigReader
	logger    *zap.Logger
}

// NewMigrationService constructs a MigrationService.
func NewMigrationService(accounts migrationAccountRepository, calendars migrationCalendarRepository, legacy legacyConfigReader, logger *zap.Logger) *MigrationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MigrationService{accounts: accounts, calendars: calendars, legacy: legacy, logger: logger}
}

// Run performs the fold when the guard conditions hold. It returns the
// migrated account, or nil when nothing needed migrating. Errors from a
// missing legacy table are treated as "nothing to migrate".
func (s *MigrationService) Run(ctx context.Context) (*models.Account, error) {
	count, err := s.accounts.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	orphans, err := s.calendars.ListOrphaned(ctx)
	if err != nil {
		return nil, err
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	values, err := s.legacy.All(ctx)
	if err != nil {
		s.logger.Sugar().Debugw("no legacy configuration table", "error", err)
		return nil, nil
	}
	serverURL := values[legacyKeyServerURL]
	username := values[legacyKeyUsername]
	password := values[legacyKeyPassword]
	if serverURL == "" || username == "" {
		return nil, nil
	}

	interval := time.Duration(0)
	if raw := values[legacyKeySyncInterval]; raw != "" {
		if parsed, perr := time.ParseDuration(raw + "m"); perr == nil {
			interval = parsed
		}
	}

	account := &models.Account{
		Name:         "Migrated account",
		ServerURL:    serverURL,
		AuthKind:     models.AuthBasic,
		Username:     &username,
		Password:     &password,
		SyncInterval: interval,
		Enabled:      true,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	adopted := 0
	for _, calendar := range orphans {
		calendar.AccountID = &account.ID
		if err := s.calendars.Update(ctx, &calendar); err != nil {
			s.logger.Sugar().Warnw("orphan adoption failed", "calendar_id", calendar.ID, "error", err)
			continue
		}
		adopted++
	}

	s.logger.Sugar().Infow("legacy configuration migrated",
		"account_id", account.ID, "calendars_adopted", adopted)
	return account, nil
}
