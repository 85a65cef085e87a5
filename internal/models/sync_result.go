package models

import "time"

// SyncResult aggregates one reconciliation pass for an account.
type SyncResult struct {
	Calendars int           `json:"calendars"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Deleted   int           `json:"deleted"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Merge folds another result into this one.
func (r *SyncResult) Merge(other SyncResult) {
	r.Calendars += other.Calendars
	r.Created += other.Created
	r.Updated += other.Updated
	r.Deleted += other.Deleted
	r.Errors = append(r.Errors, other.Errors...)
}

// Configuration is one key/value row of the legacy settings table. The
// one-time account migration reads the legacy single-server credentials
// out of it.
type Configuration struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
