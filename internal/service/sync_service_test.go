package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/calsync-api/internal/models"
	appErrors "github.com/noah-isme/calsync-api/pkg/errors"
)

type stubSyncManager struct {
	started   []string
	stopped   []string
	triggered []string
	trigErr   error
	statuses  map[string]*models.AccountStatus
}

func (s *stubSyncManager) StartAccount(_ context.Context, accountID string) error {
	s.started = append(s.started, accountID)
	return nil
}

func (s *stubSyncManager) StopAccount(accountID string) {
	s.stopped = append(s.stopped, accountID)
}

func (s *stubSyncManager) TriggerSync(accountID string) error {
	if s.trigErr != nil {
		return s.trigErr
	}
	s.triggered = append(s.triggered, accountID)
	return nil
}

func (s *stubSyncManager) Status(_ context.Context, accountID string) (*models.AccountStatus, error) {
	return s.statuses[accountID], nil
}

func (s *stubSyncManager) StatusAll(context.Context) ([]models.AccountStatus, error) {
	out := make([]models.AccountStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	return out, nil
}

type stubSyncCalendars struct {
	byAccount map[string][]models.Calendar
}

func (s *stubSyncCalendars) ListByAccount(_ context.Context, accountID string) ([]models.Calendar, error) {
	return s.byAccount[accountID], nil
}

func TestSyncServiceSyncNowPropagatesConflict(t *testing.T) {
	manager := &stubSyncManager{trigErr: appErrors.ErrSyncInProgress}
	svc := NewSyncService(manager, &stubSyncCalendars{}, nil, nil)

	err := svc.SyncNow("acc-1")
	assert.ErrorIs(t, err, appErrors.ErrSyncInProgress)
}

func TestSyncServiceHandleSyncedInvalidatesChangedAccount(t *testing.T) {
	calendars := &stubSyncCalendars{byAccount: map[string][]models.Calendar{
		"acc-1": {{ID: "cal-1"}, {ID: "cal-2"}},
	}}
	cache := &recordingCache{}
	svc := NewSyncService(&stubSyncManager{}, calendars, cache, nil)

	svc.HandleSynced("acc-1", models.SyncResult{Created: 1})
	assert.Equal(t, []string{"cal-1", "cal-2"}, cache.invalidated)
}

func TestSyncServiceHandleSyncedSkipsNoopPass(t *testing.T) {
	cache := &recordingCache{}
	svc := NewSyncService(&stubSyncManager{}, &stubSyncCalendars{}, cache, nil)

	svc.HandleSynced("acc-1", models.SyncResult{})
	assert.Empty(t, cache.invalidated)
}

func TestSyncServiceLifecyclePassThrough(t *testing.T) {
	manager := &stubSyncManager{statuses: map[string]*models.AccountStatus{
		"acc-1": {AccountID: "acc-1", State: models.ConnConnected, Connected: true},
	}}
	svc := NewSyncService(manager, &stubSyncCalendars{}, nil, nil)

	require.NoError(t, svc.StartSync(context.Background(), "acc-1"))
	svc.StopSync("acc-1")
	require.NoError(t, svc.SyncNow("acc-1"))

	status, err := svc.Status(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, status.Connected)

	assert.Equal(t, []string{"acc-1"}, manager.started)
	assert.Equal(t, []string{"acc-1"}, manager.stopped)
	assert.Equal(t, []string{"acc-1"}, manager.triggered)
}
