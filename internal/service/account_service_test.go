package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/calsync-api/internal/caldav"
	"github.com/noah-isme/calsync-api/internal/models"
	appErrors "github.com/noah-isme/calsync-api/pkg/errors"
)

type stubAccountRepo struct {
	accounts map[string]*models.Account
	deleted  []string
}

func newStubAccountRepo() *stubAccountRepo {
	return &stubAccountRepo{accounts: make(map[string]*models.Account)}
}

func (s *stubAccountRepo) List(context.Context) ([]models.Account, error) {
	out := make([]models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	return out, nil
}

func (s *stubAccountRepo) GetByID(_ context.Context, id string) (*models.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *a
	return &clone, nil
}

func (s *stubAccountRepo) Create(_ context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = "acc-generated"
	}
	clone := *account
	s.accounts[account.ID] = &clone
	return nil
}

func (s *stubAccountRepo) Update(_ context.Context, account *models.Account) error {
	clone := *account
	s.accounts[account.ID] = &clone
	return nil
}

func (s *stubAccountRepo) Delete(_ context.Context, id string) error {
	delete(s.accounts, id)
	s.deleted = append(s.deleted, id)
	return nil
}

type stubCalendarRepo struct {
	byAccount map[string][]models.Calendar
	deleted   []string
}

func (s *stubCalendarRepo) ListByAccount(_ context.Context, accountID string) ([]models.Calendar, error) {
	return s.byAccount[accountID], nil
}

func (s *stubCalendarRepo) Delete(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type stubEventRepo struct {
	deletedCalendars []string
	log              *[]string
}

func (s *stubEventRepo) DeleteByCalendar(_ context.Context, calendarID string) error {
	s.deletedCalendars = append(s.deletedCalendars, calendarID)
	if s.log != nil {
		*s.log = append(*s.log, "events:"+calendarID)
	}
	return nil
}

type stubRuleCleanupRepo struct {
	deletedCalendars []string
	log              *[]string
}

func (s *stubRuleCleanupRepo) DeleteForCalendar(_ context.Context, calendarID string) error {
	s.deletedCalendars = append(s.deletedCalendars, calendarID)
	if s.log != nil {
		*s.log = append(*s.log, "rules:"+calendarID)
	}
	return nil
}

type stubManager struct {
	started []string
	stopped []string
	err     error
}

func (s *stubManager) StartAccount(_ context.Context, accountID string) error {
	s.started = append(s.started, accountID)
	return s.err
}

func (s *stubManager) StopAccount(accountID string) {
	s.stopped = append(s.stopped, accountID)
}

type connectorFunc func(ctx context.Context, account models.Account) (caldav.Connection, error)

func (f connectorFunc) Connect(ctx context.Context, account models.Account) (caldav.Connection, error) {
	return f(ctx, account)
}

type listOnlyConnection struct {
	calendars []caldav.RemoteCalendar
}

func (c listOnlyConnection) ListCalendars(context.Context) ([]caldav.RemoteCalendar, error) {
	return c.calendars, nil
}
func (listOnlyConnection) ListEvents(context.Context, string) ([]caldav.RemoteObject, error) {
	return nil, nil
}
func (listOnlyConnection) CreateEvent(context.Context, string, string) (string, string, error) {
	return "", "", nil
}
func (listOnlyConnection) UpdateEvent(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (listOnlyConnection) DeleteEvent(context.Context, string, string) error { return nil }

func strPtr(s string) *string { return &s }

func newAccountService(repo *stubAccountRepo, cals *stubCalendarRepo, events *stubEventRepo, manager *stubManager, connector caldav.Connector) *AccountService {
	if cals == nil {
		cals = &stubCalendarRepo{}
	}
	if events == nil {
		events = &stubEventRepo{}
	}
	return NewAccountService(repo, cals, events, &stubRuleCleanupRepo{}, manager, connector, nil, nil)
}

func TestAccountServiceCreateValidatesCredentials(t *testing.T) {
	svc := newAccountService(newStubAccountRepo(), nil, nil, &stubManager{}, nil)

	_, err := svc.Create(context.Background(), CreateAccountInput{
		Name:      "Work",
		ServerURL: "https://dav.example.com",
		AuthKind:  models.AuthBasic,
		// no username/password
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username")

	_, err = svc.Create(context.Background(), CreateAccountInput{
		Name:      "Work",
		ServerURL: "https://dav.example.com",
		AuthKind:  models.AuthOAuth,
		ClientID:  strPtr("client"),
		// missing secret and refresh token
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh_token")
}

func TestAccountServiceCreateStartsEnabledAccount(t *testing.T) {
	repo := newStubAccountRepo()
	manager := &stubManager{}
	svc := newAccountService(repo, nil, nil, manager, nil)

	account, err := svc.Create(context.Background(), CreateAccountInput{
		Name:      "Work",
		ServerURL: "https://dav.example.com",
		AuthKind:  models.AuthBasic,
		Username:  strPtr("alice"),
		Password:  strPtr("secret"),
	})
	require.NoError(t, err)
	assert.True(t, account.Enabled)
	assert.Equal(t, []string{account.ID}, manager.started)
}

func TestAccountServiceCreateSurvivesConnectFailure(t *testing.T) {
	repo := newStubAccountRepo()
	manager := &stubManager{err: errors.New("connection refused")}
	svc := newAccountService(repo, nil, nil, manager, nil)

	account, err := svc.Create(context.Background(), CreateAccountInput{
		Name:      "Work",
		ServerURL: "https://dav.example.com",
		AuthKind:  models.AuthBasic,
		Username:  strPtr("alice"),
		Password:  strPtr("secret"),
	})
	require.NoError(t, err)
	// The row persists; the manager keeps retrying on its own.
	_, ok := repo.accounts[account.ID]
	assert.True(t, ok)
}

func TestAccountServiceDeleteCascadesRulesThenEventsThenCalendars(t *testing.T) {
	repo := newStubAccountRepo()
	repo.accounts["acc-1"] = &models.Account{ID: "acc-1", Name: "Work"}
	cals := &stubCalendarRepo{byAccount: map[string][]models.Calendar{
		"acc-1": {{ID: "cal-1"}, {ID: "cal-2"}},
	}}
	var order []string
	events := &stubEventRepo{log: &order}
	rules := &stubRuleCleanupRepo{log: &order}
	manager := &stubManager{}
	svc := NewAccountService(repo, cals, events, rules, manager, nil, nil, nil)

	require.NoError(t, svc.Delete(context.Background(), "acc-1"))
	assert.Equal(t, []string{"acc-1"}, manager.stopped)
	assert.Equal(t, []string{"cal-1", "cal-2"}, rules.deletedCalendars)
	assert.Equal(t, []string{"cal-1", "cal-2"}, events.deletedCalendars)
	assert.Equal(t, []string{"cal-1", "cal-2"}, cals.deleted)
	assert.Equal(t, []string{"acc-1"}, repo.deleted)
	// Rules and their links go before the events they reference.
	assert.Equal(t, []string{"rules:cal-1", "events:cal-1", "rules:cal-2", "events:cal-2"}, order)
}

func TestAccountServiceDisableStopsConnectionAndKeepsData(t *testing.T) {
	repo := newStubAccountRepo()
	repo.accounts["acc-1"] = &models.Account{ID: "acc-1", Name: "Work", Enabled: true}
	manager := &stubManager{}
	svc := newAccountService(repo, nil, nil, manager, nil)

	require.NoError(t, svc.Disable(context.Background(), "acc-1"))
	assert.Equal(t, []string{"acc-1"}, manager.stopped)
	assert.False(t, repo.accounts["acc-1"].Enabled)
}

func TestAccountServiceGetNotFound(t *testing.T) {
	svc := newAccountService(newStubAccountRepo(), nil, nil, &stubManager{}, nil)

	_, err := svc.Get(context.Background(), "missing")
	require.Error(t, err)
	typed := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrNotFound.Code, typed.Code)
}

func TestAccountServiceTestConnectionReportsCalendarCount(t *testing.T) {
	connector := connectorFunc(func(_ context.Context, account models.Account) (caldav.Connection, error) {
		return listOnlyConnection{calendars: []caldav.RemoteCalendar{
			{RemoteID: "/cal/a/"}, {RemoteID: "/cal/b/"},
		}}, nil
	})
	svc := newAccountService(newStubAccountRepo(), nil, nil, &stubManager{}, connector)

	result, err := svc.TestConnection(context.Background(), TestConnectionInput{
		ServerURL: "https://dav.example.com",
		Username:  "alice",
		Password:  "secret",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.CalendarCount)
}

func TestAccountServiceTestConnectionFailureIsResult(t *testing.T) {
	connector := connectorFunc(func(context.Context, models.Account) (caldav.Connection, error) {
		return nil, errors.New("401 unauthorized")
	})
	svc := newAccountService(newStubAccountRepo(), nil, nil, &stubManager{}, connector)

	result, err := svc.TestConnection(context.Background(), TestConnectionInput{
		ServerURL: "https://dav.example.com",
		Username:  "alice",
		Password:  "bad",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "401")
}
