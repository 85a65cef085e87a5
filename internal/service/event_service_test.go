package service

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/calsync-api/internal/caldav"
	"github.com/noah-isme/calsync-api/internal/models"
	appErrors "github.com/noah-isme/calsync-api/pkg/errors"
)

type stubEventStore struct {
	events  map[string]*models.Event
	listed  []models.Event
	created []models.Event
	updated []models.Event
	deleted []string
}

func newStubEventStore() *stubEventStore {
	return &stubEventStore{events: make(map[string]*models.Event)}
}

func (s *stubEventStore) List(context.Context, models.EventFilter) ([]models.Event, error) {
	return s.listed, nil
}

func (s *stubEventStore) GetByID(_ context.Context, id string) (*models.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *e
	return &clone, nil
}

func (s *stubEventStore) Create(_ context.Context, event *models.Event) error {
	if event.ID == "" {
		event.ID = "evt-generated"
	}
	s.created = append(s.created, *event)
	clone := *event
	s.events[event.ID] = &clone
	return nil
}

func (s *stubEventStore) Update(_ context.Context, event *models.Event) error {
	s.updated = append(s.updated, *event)
	clone := *event
	s.events[event.ID] = &clone
	return nil
}

func (s *stubEventStore) Delete(_ context.Context, id string) error {
	delete(s.events, id)
	s.deleted = append(s.deleted, id)
	return nil
}

type stubCalendarStore struct {
	calendars map[string]*models.Calendar
}

func (s *stubCalendarStore) GetByID(_ context.Context, id string) (*models.Calendar, error) {
	c, ok := s.calendars[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *c
	return &clone, nil
}

type recordingConnection struct {
	listOnlyConnection

	createdDocs []string
	updatedDocs []string
	deletedIDs  []string
	nextRemote  string
	nextETag    string
}

func (c *recordingConnection) CreateEvent(_ context.Context, _ string, doc string) (string, string, error) {
	c.createdDocs = append(c.createdDocs, doc)
	return c.nextRemote, c.nextETag, nil
}

func (c *recordingConnection) UpdateEvent(_ context.Context, _ string, _ string, doc string) (string, error) {
	c.updatedDocs = append(c.updatedDocs, doc)
	return c.nextETag, nil
}

func (c *recordingConnection) DeleteEvent(_ context.Context, remoteID, _ string) error {
	c.deletedIDs = append(c.deletedIDs, remoteID)
	return nil
}

type stubConnSource struct {
	conn caldav.Connection
	err  error
}

func (s stubConnSource) ConnectionFor(string) (caldav.Connection, error) {
	return s.conn, s.err
}

type recordingCache struct {
	invalidated []string
	stored      int
}

func (c *recordingCache) GetEvents(context.Context, string, models.EventFilter) ([]models.Event, error) {
	return nil, appErrors.ErrCacheMiss
}

func (c *recordingCache) SetEvents(context.Context, string, models.EventFilter, []models.Event) {
	c.stored++
}

func (c *recordingCache) InvalidateCalendar(_ context.Context, calendarID string) {
	c.invalidated = append(c.invalidated, calendarID)
}

func connectedCalendarStore() *stubCalendarStore {
	accountID := "acc-1"
	return &stubCalendarStore{calendars: map[string]*models.Calendar{
		"cal-1": {ID: "cal-1", AccountID: &accountID, RemoteID: "/cal/work/", Name: "Work", Enabled: true},
	}}
}

const serviceICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:uid-1\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART:20260130T140000Z\r\n" +
	"SUMMARY:Standup\r\n" +
	"X-CUSTOM-PROP:keep-me\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestEventServiceCreateIsRemoteFirst(t *testing.T) {
	store := newStubEventStore()
	conn := &recordingConnection{nextRemote: "/cal/work/new.ics", nextETag: "\"e1\""}
	cache := &recordingCache{}
	svc := NewEventService(store, connectedCalendarStore(), stubConnSource{conn: conn}, cache, nil, nil)

	event, err := svc.Create(context.Background(), CreateEventInput{
		CalendarID: "cal-1",
		Summary:    "Planning",
		StartsAt:   time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, conn.createdDocs, 1)
	assert.Contains(t, conn.createdDocs[0], "SUMMARY:Planning")
	assert.Equal(t, "/cal/work/new.ics", event.RemoteID)
	require.NotNil(t, event.ETag)
	assert.Equal(t, "\"e1\"", *event.ETag)
	assert.Equal(t, []string{"cal-1"}, cache.invalidated)
}

func TestEventServiceCreateFailsWithoutConnection(t *testing.T) {
	store := newStubEventStore()
	svc := NewEventService(store, connectedCalendarStore(), stubConnSource{err: appErrors.ErrNotConnected}, nil, nil, nil)

	_, err := svc.Create(context.Background(), CreateEventInput{
		CalendarID: "cal-1",
		Summary:    "Planning",
		StartsAt:   time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, appErrors.ErrNotConnected)
	assert.Empty(t, store.created)
}

func TestEventServiceUpdatePatchesDocument(t *testing.T) {
	store := newStubEventStore()
	store.events["evt-1"] = &models.Event{
		ID:         "evt-1",
		CalendarID: "cal-1",
		RemoteID:   "/cal/work/evt-1.ics",
		UID:        "uid-1",
		Summary:    "Standup",
		StartsAt:   time.Date(2026, 1, 30, 14, 0, 0, 0, time.UTC),
		RawICal:    serviceICS,
	}
	conn := &recordingConnection{nextETag: "\"e2\""}
	cache := &recordingCache{}
	svc := NewEventService(store, connectedCalendarStore(), stubConnSource{conn: conn}, cache, nil, nil)

	updated, err := svc.Update(context.Background(), "evt-1", UpdateEventInput{
		Summary: strPtr("Standup (moved)"),
	})
	require.NoError(t, err)
	require.Len(t, conn.updatedDocs, 1)

	// The pushed document carries the change and keeps unmodelled
	// properties intact.
	doc := conn.updatedDocs[0]
	assert.Contains(t, doc, "SUMMARY:Standup (moved)")
	assert.Contains(t, doc, "X-CUSTOM-PROP:keep-me")
	assert.False(t, strings.Contains(doc, "SUMMARY:Standup\r\n"))

	require.NotNil(t, updated.ETag)
	assert.Equal(t, "\"e2\"", *updated.ETag)
	assert.Equal(t, []string{"cal-1"}, cache.invalidated)
}

func TestEventServiceDeleteRemovesRemoteThenLocal(t *testing.T) {
	store := newStubEventStore()
	etag := "\"e1\""
	store.events["evt-1"] = &models.Event{
		ID:         "evt-1",
		CalendarID: "cal-1",
		RemoteID:   "/cal/work/evt-1.ics",
		ETag:       &etag,
		RawICal:    serviceICS,
	}
	conn := &recordingConnection{}
	svc := NewEventService(store, connectedCalendarStore(), stubConnSource{conn: conn}, nil, nil, nil)

	require.NoError(t, svc.Delete(context.Background(), "evt-1"))
	assert.Equal(t, []string{"/cal/work/evt-1.ics"}, conn.deletedIDs)
	assert.Equal(t, []string{"evt-1"}, store.deleted)
}

func TestEventServiceListExpandsRecurringIntoRange(t *testing.T) {
	rruleInRange := "FREQ=WEEKLY;COUNT=10"
	rruleBefore := "FREQ=DAILY;COUNT=2"
	store := newStubEventStore()
	store.listed = []models.Event{
		{ID: "plain", StartsAt: time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)},
		{ID: "weekly", StartsAt: time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC), RRule: &rruleInRange},
		{ID: "ended", StartsAt: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), RRule: &rruleBefore},
	}
	svc := NewEventService(store, connectedCalendarStore(), stubConnSource{}, nil, nil, nil)

	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	events, err := svc.List(context.Background(), models.EventFilter{CalendarID: "cal-1", From: &from, To: &to})
	require.NoError(t, err)

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	// The weekly series reaches into June; the short daily series ended
	// in January and must be dropped.
	assert.Equal(t, []string{"plain", "weekly"}, ids)
}

func TestEventServiceListUsesCache(t *testing.T) {
	store := newStubEventStore()
	store.listed = []models.Event{{ID: "evt-1"}}
	cache := &recordingCache{}
	svc := NewEventService(store, connectedCalendarStore(), stubConnSource{}, cache, nil, nil)

	_, err := svc.List(context.Background(), models.EventFilter{CalendarID: "cal-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.stored)
}
