package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/caldav"
	"github.com/noah-isme/calsync-api/internal/ical"
	"github.com/noah-isme/calsync-api/internal/models"
	appErrors "github.com/noah-isme/calsync-api/pkg/errors"
)

type eventRepository interface {
	List(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
	GetByID(ctx context.Context, id string) (*models.Event, error)
	Create(ctx context.Context, event *models.Event) error
	Update(ctx context.Context, event *models.Event) error
	Delete(ctx context.Context, id string) error
}

type eventCalendarRepository interface {
	GetByID(ctx context.Context, id string) (*models.Calendar, error)
}

type connectionSource interface {
	ConnectionFor(accountID string) (caldav.Connection, error)
}

type eventCache interface {
	GetEvents(ctx context.Context, calendarID string, filter models.EventFilter) ([]models.Event, error)
	SetEvents(ctx context.Context, calendarID string, filter models.EventFilter, events []models.Event)
	InvalidateCalendar(ctx context.Context, calendarID string)
}

// CreateEventInput describes a new event.
type CreateEventInput struct {
	CalendarID  string     `json:"calendar_id" validate:"required"`
	Summary     string     `json:"summary" validate:"required"`
	Description *string    `json:"description"`
	Location    *string    `json:"location"`
	StartsAt    time.Time  `json:"starts_at" validate:"required"`
	EndsAt      *time.Time `json:"ends_at"`
	AllDay      bool       `json:"all_day"`
	RRule       *string    `json:"rrule"`
	Attendees   []string   `json:"attendees"`
}

// UpdateEventInput carries partial event changes.
type UpdateEventInput struct {
	Summary     *string    `json:"summary"`
	Description *string    `json:"description"`
	Location    *string    `json:"location"`
	StartsAt    *time.Time `json:"starts_at"`
	EndsAt      *time.Time `json:"ends_at"`
	AllDay      *bool      `json:"all_day"`
}

// EventService reads mirrored events and writes through to the remote
// server. Writes are remote-first: the local row only changes after the
// server accepted the document.
type EventService struct {
	events    eventRepository
	calendars eventCalendarRepository
	conns     connectionSource
	cache     eventCache
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEventService constructs an EventService.
func NewEventService(events eventRepository, calendars eventCalendarRepository, conns connectionSource, cache eventCache, validate *validator.Validate, logger *zap.Logger) *EventService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventService{
		events:    events,
		calendars: calendars,
		conns:     conns,
		cache:     cache,
		validator: validate,
		logger:    logger,
	}
}

// List returns events matching the filter, read through the cache. Range
// filters are recurrence-aware: a recurring event is included when any
// occurrence falls inside the window, not just its first start.
func (s *EventService) List(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	if s.cache != nil && filter.CalendarID != "" {
		if events, err := s.cache.GetEvents(ctx, filter.CalendarID, filter); err == nil {
			return events, nil
		}
	}

	events, err := s.events.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if filter.From != nil && filter.To != nil {
		events = filterRecurring(events, *filter.From, *filter.To, s.logger)
	}

	if s.cache != nil && filter.CalendarID != "" {
		s.cache.SetEvents(ctx, filter.CalendarID, filter, events)
	}
	return events, nil
}

// Get returns one event.
func (s *EventService) Get(ctx context.Context, id string) (*models.Event, error) {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
		}
		return nil, err
	}
	return event, nil
}

// Create writes a new event to the remote calendar, then mirrors it.
func (s *EventService) Create(ctx context.Context, input CreateEventInput) (*models.Event, error) {
	if err := s.validator.Struct(input); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid event")
	}

	calendar, conn, err := s.resolve(ctx, input.CalendarID)
	if err != nil {
		return nil, err
	}

	fields := ical.EventFields{
		UID:       uuid.NewString(),
		Summary:   input.Summary,
		Start:     ical.DateValue{Time: input.StartsAt.UTC(), AllDay: input.AllDay},
		Attendees: input.Attendees,
	}
	if input.Description != nil {
		fields.Description = *input.Description
	}
	if input.Location != nil {
		fields.Location = *input.Location
	}
	if input.EndsAt != nil {
		fields.End = ical.DateValue{Time: input.EndsAt.UTC(), AllDay: input.AllDay}
	}
	if input.RRule != nil {
		fields.RRule = *input.RRule
	}
	doc := ical.Generate(fields)

	remoteID, etag, err := conn.CreateEvent(ctx, calendar.RemoteID, doc)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrRemoteWrite.Code, appErrors.ErrRemoteWrite.Status, "remote create failed")
	}

	event := &models.Event{
		CalendarID:  calendar.ID,
		RemoteID:    remoteID,
		UID:         fields.UID,
		Summary:     input.Summary,
		Description: input.Description,
		Location:    input.Location,
		StartsAt:    input.StartsAt.UTC(),
		EndsAt:      input.EndsAt,
		AllDay:      input.AllDay,
		RRule:       input.RRule,
		Attendees:   input.Attendees,
		RawICal:     doc,
	}
	if etag != "" {
		event.ETag = &etag
	}
	if err := s.events.Create(ctx, event); err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.InvalidateCalendar(ctx, calendar.ID)
	}
	return event, nil
}

// Update patches the stored document with the changed fields and pushes it
// to the remote server. Properties outside the modelled set ride along
// untouched.
func (s *EventService) Update(ctx context.Context, id string, input UpdateEventInput) (*models.Event, error) {
	event, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	calendar, conn, err := s.resolve(ctx, event.CalendarID)
	if err != nil {
		return nil, err
	}

	if input.Summary != nil {
		event.Summary = *input.Summary
	}
	if input.Description != nil {
		event.Description = input.Description
	}
	if input.Location != nil {
		event.Location = input.Location
	}
	if input.StartsAt != nil {
		event.StartsAt = input.StartsAt.UTC()
	}
	if input.EndsAt != nil {
		event.EndsAt = input.EndsAt
	}
	if input.AllDay != nil {
		event.AllDay = *input.AllDay
	}

	props := map[string]ical.Property{
		"SUMMARY": ical.TextProperty(event.Summary),
		"DTSTART": ical.DateProperty(ical.DateValue{Time: event.StartsAt, AllDay: event.AllDay}),
	}
	if event.Description != nil {
		props["DESCRIPTION"] = ical.TextProperty(*event.Description)
	}
	if event.Location != nil {
		props["LOCATION"] = ical.TextProperty(*event.Location)
	}
	if event.EndsAt != nil {
		props["DTEND"] = ical.DateProperty(ical.DateValue{Time: *event.EndsAt, AllDay: event.AllDay})
	}
	doc := ical.Patch(event.RawICal, props)

	etag := ""
	if event.ETag != nil {
		etag = *event.ETag
	}
	newETag, err := conn.UpdateEvent(ctx, event.RemoteID, etag, doc)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrRemoteWrite.Code, appErrors.ErrRemoteWrite.Status, "remote update failed")
	}

	event.RawICal = doc
	event.ETag = nil
	if newETag != "" {
		event.ETag = &newETag
	}
	if err := s.events.Update(ctx, event); err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.InvalidateCalendar(ctx, calendar.ID)
	}
	return event, nil
}

// Delete removes the event remotely, then locally.
func (s *EventService) Delete(ctx context.Context, id string) error {
	event, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	calendar, conn, err := s.resolve(ctx, event.CalendarID)
	if err != nil {
		return err
	}

	etag := ""
	if event.ETag != nil {
		etag = *event.ETag
	}
	if err := conn.DeleteEvent(ctx, event.RemoteID, etag); err != nil {
		return appErrors.Wrap(err, appErrors.ErrRemoteWrite.Code, appErrors.ErrRemoteWrite.Status, "remote delete failed")
	}
	if err := s.events.Delete(ctx, id); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.InvalidateCalendar(ctx, calendar.ID)
	}
	return nil
}

// resolve maps a calendar onto its owning account's live connection.
func (s *EventService) resolve(ctx context.Context, calendarID string) (*models.Calendar, caldav.Connection, error) {
	calendar, err := s.calendars.GetByID(ctx, calendarID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "calendar not found")
		}
		return nil, nil, err
	}
	if calendar.AccountID == nil {
		return nil, nil, appErrors.ErrNotConnected
	}
	conn, err := s.conns.ConnectionFor(*calendar.AccountID)
	if err != nil {
		return nil, nil, err
	}
	return calendar, conn, nil
}

// filterRecurring drops recurring events with no occurrence inside the
// window. Non-recurring events already passed the column-range test.
func filterRecurring(events []models.Event, from, to time.Time, logger *zap.Logger) []models.Event {
	filtered := events[:0]
	for _, event := range events {
		if event.RRule == nil {
			filtered = append(filtered, event)
			continue
		}
		occurs, err := ical.OccursInRange(*event.RRule, event.StartsAt, from, to)
		if err != nil {
			logger.Sugar().Warnw("recurrence expansion failed", "event_id", event.ID, "error", err)
			filtered = append(filtered, event)
			continue
		}
		if occurs {
			filtered = append(filtered, event)
		}
	}
	return filtered
}
