package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/caldav"
	"github.com/noah-isme/calsync-api/internal/models"
	appErrors "github.com/noah-isme/calsync-api/pkg/errors"
)

type accountRepository interface {
	List(ctx context.Context) ([]models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) error
	Update(ctx context.Context, account *models.Account) error
	Delete(ctx context.Context, id string) error
}

type accountCalendarRepository interface {
	ListByAccount(ctx context.Context, accountID string) ([]models.Calendar, error)
	Delete(ctx context.Context, id string) error
}

type accountEventRepository interface {
	DeleteByCalendar(ctx context.Context, calendarID string) error
}

type accountCopyRuleRepository interface {
	DeleteForCalendar(ctx context.Context, calendarID string) error
}

// connectionManager is the lifecycle surface the account service drives.
type connectionManager interface {
	StartAccount(ctx context.Context, accountID string) error
	StopAccount(accountID string)
}

// CreateAccountInput carries a new account's settings.
type CreateAccountInput struct {
	Name         string          `json:"name" validate:"required"`
	ServerURL    string          `json:"server_url" validate:"required,url"`
	AuthKind     models.AuthKind `json:"auth_kind" validate:"required"`
	Username     *string         `json:"username"`
	Password     *string         `json:"password"`
	ClientID     *string         `json:"client_id"`
	ClientSecret *string         `json:"client_secret"`
	RefreshToken *string         `json:"refresh_token"`
	SyncInterval time.Duration   `json:"sync_interval"`
	Enabled      *bool           `json:"enabled"`
}

// UpdateAccountInput carries partial account changes. Nil fields are
// left untouched.
type UpdateAccountInput struct {
	Name         *string        `json:"name"`
	ServerURL    *string        `json:"server_url" validate:"omitempty,url"`
	Username     *string        `json:"username"`
	Password     *string        `json:"password"`
	ClientID     *string        `json:"client_id"`
	ClientSecret *string        `json:"client_secret"`
	RefreshToken *string        `json:"refresh_token"`
	SyncInterval *time.Duration `json:"sync_interval"`
}

// AccountService orchestrates account CRUD and ties rows to the live
// connection lifecycle.
type AccountService struct {
	accounts  accountRepository
	calendars accountCalendarRepository
	events    accountEventRepository
	rules     accountCopyRuleRepository
	manager   connectionManager
	connector caldav.Connector
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAccountService constructs an AccountService.
func NewAccountService(accounts accountRepository, calendars accountCalendarRepository, events accountEventRepository, rules accountCopyRuleRepository, manager connectionManager, connector caldav.Connector, validate *validator.Validate, logger *zap.Logger) *AccountService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{
		accounts:  accounts,
		calendars: calendars,
		events:    events,
		rules:     rules,
		manager:   manager,
		connector: connector,
		validator: validate,
		logger:    logger,
	}
}

// List returns every configured account.
func (s *AccountService) List(ctx context.Context) ([]models.Account, error) {
	return s.accounts.List(ctx)
}

// Get returns one account.
func (s *AccountService) Get(ctx context.Context, id string) (*models.Account, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "account not found")
		}
		return nil, err
	}
	return account, nil
}

// Create validates and stores a new account. A created, enabled account is
// started immediately; a connect failure does not roll the row back, the
// manager keeps retrying in the background.
func (s *AccountService) Create(ctx context.Context, input CreateAccountInput) (*models.Account, error) {
	if err := s.validator.Struct(input); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid account")
	}
	if err := validateCredentials(input.AuthKind, input.Username, input.Password, input.ClientID, input.ClientSecret, input.RefreshToken); err != nil {
		return nil, err
	}

	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}
	account := &models.Account{
		Name:         input.Name,
		ServerURL:    input.ServerURL,
		AuthKind:     input.AuthKind,
		Username:     input.Username,
		Password:     input.Password,
		ClientID:     input.ClientID,
		ClientSecret: input.ClientSecret,
		RefreshToken: input.RefreshToken,
		SyncInterval: input.SyncInterval,
		Enabled:      enabled,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}
	s.logger.Sugar().Infow("account created", "account_id", account.ID, "auth_kind", account.AuthKind)

	if account.Enabled && s.manager != nil {
		if err := s.manager.StartAccount(ctx, account.ID); err != nil {
			s.logger.Sugar().Warnw("initial connect failed", "account_id", account.ID, "error", err)
		}
	}
	return account, nil
}

// Update applies partial changes. Credential or server changes take effect
// on the next (re)connect; callers restart the account to force them.
func (s *AccountService) Update(ctx context.Context, id string, input UpdateAccountInput) (*models.Account, error) {
	if err := s.validator.Struct(input); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid account update")
	}

	account, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		account.Name = *input.Name
	}
	if input.ServerURL != nil {
		account.ServerURL = *input.ServerURL
	}
	if input.Username != nil {
		account.Username = input.Username
	}
	if input.Password != nil {
		account.Password = input.Password
	}
	if input.ClientID != nil {
		account.ClientID = input.ClientID
	}
	if input.ClientSecret != nil {
		account.ClientSecret = input.ClientSecret
	}
	if input.RefreshToken != nil {
		account.RefreshToken = input.RefreshToken
	}
	if input.SyncInterval != nil {
		account.SyncInterval = *input.SyncInterval
	}

	if err := s.accounts.Update(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// Enable marks the account syncable and starts its connection.
func (s *AccountService) Enable(ctx context.Context, id string) error {
	account, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !account.Enabled {
		account.Enabled = true
		if err := s.accounts.Update(ctx, account); err != nil {
			return err
		}
	}
	if s.manager == nil {
		return nil
	}
	return s.manager.StartAccount(ctx, id)
}

// Disable stops the connection and marks the account inert. The mirrored
// data stays put.
func (s *AccountService) Disable(ctx context.Context, id string) error {
	account, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.manager != nil {
		s.manager.StopAccount(id)
	}
	if account.Enabled {
		account.Enabled = false
		if err := s.accounts.Update(ctx, account); err != nil {
			return err
		}
	}
	return nil
}

// Delete stops the account and removes it with everything it mirrors:
// copy rules and links touching its calendars, then events, then
// calendars, then the account row.
func (s *AccountService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if s.manager != nil {
		s.manager.StopAccount(id)
	}

	calendars, err := s.calendars.ListByAccount(ctx, id)
	if err != nil {
		return err
	}
	for _, calendar := range calendars {
		if s.rules != nil {
			if err := s.rules.DeleteForCalendar(ctx, calendar.ID); err != nil {
				return err
			}
		}
		if err := s.events.DeleteByCalendar(ctx, calendar.ID); err != nil {
			return err
		}
		if err := s.calendars.Delete(ctx, calendar.ID); err != nil {
			return err
		}
	}
	if err := s.accounts.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Sugar().Infow("account deleted", "account_id", id, "calendars", len(calendars))
	return nil
}

// TestConnectionInput carries candidate credentials to probe before an
// account exists.
type TestConnectionInput struct {
	ServerURL string `json:"server_url" validate:"required,url"`
	Username  string `json:"username" validate:"required"`
	Password  string `json:"password" validate:"required"`
}

// ConnectionTestResult reports a probe outcome.
type ConnectionTestResult struct {
	Success       bool   `json:"success"`
	CalendarCount int    `json:"calendar_count,omitempty"`
	Error         string `json:"error,omitempty"`
}

// TestConnection dials a server once with throwaway credentials, without
// registering anything. A failed probe is a result, not an error.
func (s *AccountService) TestConnection(ctx context.Context, input TestConnectionInput) (*ConnectionTestResult, error) {
	if err := s.validator.Struct(input); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid connection test")
	}

	probe := models.Account{
		ID:        "probe",
		ServerURL: input.ServerURL,
		AuthKind:  models.AuthBasic,
		Username:  &input.Username,
		Password:  &input.Password,
	}
	conn, err := s.connector.Connect(ctx, probe)
	if err != nil {
		return &ConnectionTestResult{Success: false, Error: err.Error()}, nil
	}
	calendars, err := conn.ListCalendars(ctx)
	if err != nil {
		return &ConnectionTestResult{Success: false, Error: err.Error()}, nil
	}
	return &ConnectionTestResult{Success: true, CalendarCount: len(calendars)}, nil
}

func validateCredentials(kind models.AuthKind, username, password, clientID, clientSecret, refreshToken *string) error {
	switch kind {
	case models.AuthBasic:
		if username == nil || password == nil {
			return appErrors.Clone(appErrors.ErrValidation, "basic auth requires username and password")
		}
	case models.AuthOAuth:
		if clientID == nil || clientSecret == nil || refreshToken == nil {
			return appErrors.Clone(appErrors.ErrValidation, "oauth requires client_id, client_secret and refresh_token")
		}
	default:
		return appErrors.Clone(appErrors.ErrValidation, "unknown auth kind")
	}
	return nil
}
