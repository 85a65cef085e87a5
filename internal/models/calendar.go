package models

import "time"

// Calendar mirrors one remote calendar collection. RemoteID is the natural
// key correlating the row to its counterpart on the server; absence from a
// remote listing during reconciliation means the calendar was deleted there.
type Calendar struct {
	ID           string     `db:"id" json:"id"`
	AccountID    *string    `db:"account_id" json:"account_id,omitempty"`
	RemoteID     string     `db:"remote_id" json:"remote_id"`
	Name         string     `db:"name" json:"name"`
	CTag         *string    `db:"ctag" json:"ctag,omitempty"`
	Enabled      bool       `db:"enabled" json:"enabled"`
	LastSyncedAt *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}
