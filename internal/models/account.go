package models

import "time"

// AuthKind selects how an account authenticates against its server.
type AuthKind string

const (
	AuthBasic AuthKind = "basic"
	AuthOAuth AuthKind = "oauth"
)

// IsValid returns true if the auth kind is a known value.
func (k AuthKind) IsValid() bool {
	switch k {
	case AuthBasic, AuthOAuth:
		return true
	}
	return false
}

// Account is a configured remote calendar identity. It owns zero or one
// live connection at a time; the connection itself lives in the manager,
// never in the row.
type Account struct {
	ID           string        `db:"id" json:"id"`
	Name         string        `db:"name" json:"name"`
	ServerURL    string        `db:"server_url" json:"server_url"`
	AuthKind     AuthKind      `db:"auth_kind" json:"auth_kind"`
	Username     *string       `db:"username" json:"username,omitempty"`
	Password     *string       `db:"password" json:"-"`
	ClientID     *string       `db:"client_id" json:"client_id,omitempty"`
	ClientSecret *string       `db:"client_secret" json:"-"`
	AccessToken  *string       `db:"access_token" json:"-"`
	RefreshToken *string       `db:"refresh_token" json:"-"`
	TokenExpiry  *time.Time    `db:"token_expiry" json:"token_expiry,omitempty"`
	SyncInterval time.Duration `db:"sync_interval" json:"sync_interval"`
	Enabled      bool          `db:"enabled" json:"enabled"`
	LastSyncedAt *time.Time    `db:"last_synced_at" json:"last_synced_at,omitempty"`
	LastError    *string       `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// TokenPair is a refreshed OAuth credential set as observed from the
// transport layer.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// ConnState is one step of the per-account connection state machine.
type ConnState string

const (
	ConnStopped    ConnState = "stopped"
	ConnConnecting ConnState = "connecting"
	ConnConnected  ConnState = "connected"
	ConnRetrying   ConnState = "retrying"
)

// AccountStatus is the externally visible view of one account's connection,
// computed from in-memory state plus the persisted row.
type AccountStatus struct {
	AccountID     string     `json:"account_id"`
	Name          string     `json:"name"`
	State         ConnState  `json:"state"`
	Connected     bool       `json:"connected"`
	Syncing       bool       `json:"syncing"`
	CalendarCount int        `json:"calendar_count"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
}
