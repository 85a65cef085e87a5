package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/calsync-api/internal/models"
)

// EventRepository persists mirrored events.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository constructs an event repository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, calendar_id, remote_id, uid, etag, summary, description, location,
starts_at, ends_at, duration, all_day, rrule, status, organizer, attendees, raw_ical, created_at, updated_at`

// eventRow carries the attendees array through the pq driver; the public
// model keeps a plain string slice.
type eventRow struct {
	models.Event
	AttendeeList pq.StringArray `db:"attendees"`
}

func (row eventRow) convert() models.Event {
	e := row.Event
	e.Attendees = []string(row.AttendeeList)
	return e
}

// List returns events matching the filter. Date-range matching here is
// plain column comparison; recurrence-aware range checks happen at the
// service layer where the rule can be expanded.
func (r *EventRepository) List(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.CalendarID != "" {
		where = append(where, fmt.Sprintf("calendar_id = $%d", len(args)+1))
		args = append(args, filter.CalendarID)
	}
	if filter.From != nil {
		// An event with a recurrence rule may still produce occurrences
		// after From even when its own start predates it.
		where = append(where, fmt.Sprintf("(COALESCE(ends_at, starts_at) >= $%d OR rrule IS NOT NULL)", len(args)+1))
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		where = append(where, fmt.Sprintf("starts_at <= $%d", len(args)+1))
		args = append(args, *filter.To)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	query := fmt.Sprintf("SELECT %s FROM events WHERE %s ORDER BY starts_at ASC LIMIT %d",
		eventColumns, strings.Join(where, " AND "), limit)

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events := make([]models.Event, len(rows))
	for i, row := range rows {
		events[i] = row.convert()
	}
	return events, nil
}

// ListByCalendar returns every event of one calendar, without a limit: the
// sync engines diff the full calendar, a cap would make events past it look
// newly created on every pass.
func (r *EventRepository) ListByCalendar(ctx context.Context, calendarID string) ([]models.Event, error) {
	query := fmt.Sprintf("SELECT %s FROM events WHERE calendar_id = $1 ORDER BY starts_at ASC", eventColumns)
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, calendarID); err != nil {
		return nil, fmt.Errorf("list events by calendar: %w", err)
	}
	events := make([]models.Event, len(rows))
	for i, row := range rows {
		events[i] = row.convert()
	}
	return events, nil
}

// GetByID fetches one event.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.Event, error) {
	query := fmt.Sprintf("SELECT %s FROM events WHERE id = $1", eventColumns)
	var row eventRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, err
	}
	event := row.convert()
	return &event, nil
}

// GetByRemoteID fetches an event by its remote natural key.
func (r *EventRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.Event, error) {
	query := fmt.Sprintf("SELECT %s FROM events WHERE remote_id = $1", eventColumns)
	var row eventRow
	if err := r.db.GetContext(ctx, &row, query, remoteID); err != nil {
		return nil, err
	}
	event := row.convert()
	return &event, nil
}

// Create inserts an event.
func (r *EventRepository) Create(ctx context.Context, event *models.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	row := eventRow{Event: *event, AttendeeList: pq.StringArray(event.Attendees)}
	query := `INSERT INTO events (id, calendar_id, remote_id, uid, etag, summary, description, location,
starts_at, ends_at, duration, all_day, rrule, status, organizer, attendees, raw_ical, created_at, updated_at)
VALUES (:id, :calendar_id, :remote_id, :uid, :etag, :summary, :description, :location,
:starts_at, :ends_at, :duration, :all_day, :rrule, :status, :organizer, :attendees, :raw_ical, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// Update modifies an event.
func (r *EventRepository) Update(ctx context.Context, event *models.Event) error {
	event.UpdatedAt = time.Now().UTC()
	row := eventRow{Event: *event, AttendeeList: pq.StringArray(event.Attendees)}
	query := `UPDATE events SET calendar_id = :calendar_id, remote_id = :remote_id, uid = :uid, etag = :etag,
summary = :summary, description = :description, location = :location, starts_at = :starts_at,
ends_at = :ends_at, duration = :duration, all_day = :all_day, rrule = :rrule, status = :status,
organizer = :organizer, attendees = :attendees, raw_ical = :raw_ical, updated_at = :updated_at
WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// DeleteAbsent removes a calendar's events whose remote identifier is not
// in the seen set. An empty seen set clears the calendar.
func (r *EventRepository) DeleteAbsent(ctx context.Context, calendarID string, seen []string) (int64, error) {
	if len(seen) == 0 {
		res, err := r.db.ExecContext(ctx, "DELETE FROM events WHERE calendar_id = $1", calendarID)
		if err != nil {
			return 0, fmt.Errorf("clear events: %w", err)
		}
		return res.RowsAffected()
	}

	query, args, err := sqlx.In("DELETE FROM events WHERE calendar_id = ? AND remote_id NOT IN (?)", calendarID, seen)
	if err != nil {
		return 0, fmt.Errorf("build delete query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("delete absent events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteByCalendar removes every event of one calendar.
func (r *EventRepository) DeleteByCalendar(ctx context.Context, calendarID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM events WHERE calendar_id = $1", calendarID); err != nil {
		return fmt.Errorf("delete events by calendar: %w", err)
	}
	return nil
}

// Delete removes one event row.
func (r *EventRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM events WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}
