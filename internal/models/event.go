package models

import "time"

// Event is one mirrored calendar entry. Timed values are canonical UTC
// instants; all-day values are plain dates with AllDay set, never converted
// through a zone. RawICal preserves the original exchange document verbatim
// so edits can round-trip properties this system does not model.
type Event struct {
	ID          string     `db:"id" json:"id"`
	CalendarID  string     `db:"calendar_id" json:"calendar_id"`
	RemoteID    string     `db:"remote_id" json:"remote_id"`
	UID         string     `db:"uid" json:"uid"`
	ETag        *string    `db:"etag" json:"etag,omitempty"`
	Summary     string     `db:"summary" json:"summary"`
	Description *string    `db:"description" json:"description,omitempty"`
	Location    *string    `db:"location" json:"location,omitempty"`
	StartsAt    time.Time  `db:"starts_at" json:"starts_at"`
	EndsAt      *time.Time `db:"ends_at" json:"ends_at,omitempty"`
	Duration    *string    `db:"duration" json:"duration,omitempty"`
	AllDay      bool       `db:"all_day" json:"all_day"`
	RRule       *string    `db:"rrule" json:"rrule,omitempty"`
	Status      *string    `db:"status" json:"status,omitempty"`
	Organizer   *string    `db:"organizer" json:"organizer,omitempty"`
	Attendees   []string   `db:"-" json:"attendees,omitempty"`
	RawICal     string     `db:"raw_ical" json:"-"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// EventFilter narrows down events for listing.
type EventFilter struct {
	CalendarID string
	From       *time.Time
	To         *time.Time
	Limit      int
}
