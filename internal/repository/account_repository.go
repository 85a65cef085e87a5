package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/calsync-api/internal/models"
)

// AccountRepository persists remote calendar accounts.
type AccountRepository struct {
	db *sqlx.DB
}

// NewAccountRepository constructs an account repository.
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, name, server_url, auth_kind, username, password, client_id, client_secret,
access_token, refresh_token, token_expiry, sync_interval, enabled, last_synced_at, last_error, created_at, updated_at`

// List returns all accounts ordered by name.
func (r *AccountRepository) List(ctx context.Context) ([]models.Account, error) {
	query := fmt.Sprintf("SELECT %s FROM accounts ORDER BY name ASC", accountColumns)
	var accounts []models.Account
	if err := r.db.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// ListEnabled returns accounts eligible for syncing.
func (r *AccountRepository) ListEnabled(ctx context.Context) ([]models.Account, error) {
	query := fmt.Sprintf("SELECT %s FROM accounts WHERE enabled = TRUE ORDER BY name ASC", accountColumns)
	var accounts []models.Account
	if err := r.db.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("list enabled accounts: %w", err)
	}
	return accounts, nil
}

// GetByID fetches one account.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := fmt.Sprintf("SELECT %s FROM accounts WHERE id = $1", accountColumns)
	var account models.Account
	if err := r.db.GetContext(ctx, &account, query, id); err != nil {
		return nil, err
	}
	return &account, nil
}

// Count returns the number of account rows. The legacy migration guard
// uses this to detect a fresh installation.
func (r *AccountRepository) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM accounts"); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return total, nil
}

// Create inserts an account.
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	query := `INSERT INTO accounts (id, name, server_url, auth_kind, username, password, client_id, client_secret,
access_token, refresh_token, token_expiry, sync_interval, enabled, last_synced_at, last_error, created_at, updated_at)
VALUES (:id, :name, :server_url, :auth_kind, :username, :password, :client_id, :client_secret,
:access_token, :refresh_token, :token_expiry, :sync_interval, :enabled, :last_synced_at, :last_error, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, account); err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// Update modifies an account.
func (r *AccountRepository) Update(ctx context.Context, account *models.Account) error {
	account.UpdatedAt = time.Now().UTC()
	query := `UPDATE accounts SET name = :name, server_url = :server_url, auth_kind = :auth_kind,
username = :username, password = :password, client_id = :client_id, client_secret = :client_secret,
access_token = :access_token, refresh_token = :refresh_token, token_expiry = :token_expiry,
sync_interval = :sync_interval, enabled = :enabled, last_synced_at = :last_synced_at,
last_error = :last_error, updated_at = :updated_at
WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, account); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

// UpdateTokens persists a refreshed token pair without touching other fields.
func (r *AccountRepository) UpdateTokens(ctx context.Context, id string, pair models.TokenPair) error {
	query := `UPDATE accounts SET access_token = $1, refresh_token = $2, token_expiry = $3, updated_at = $4 WHERE id = $5`
	if _, err := r.db.ExecContext(ctx, query, pair.AccessToken, pair.RefreshToken, pair.Expiry, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("update account tokens: %w", err)
	}
	return nil
}

// UpdateSyncState records the outcome of a sync attempt.
func (r *AccountRepository) UpdateSyncState(ctx context.Context, id string, syncedAt *time.Time, lastError *string) error {
	query := `UPDATE accounts SET last_synced_at = COALESCE($1, last_synced_at), last_error = $2, updated_at = $3 WHERE id = $4`
	if _, err := r.db.ExecContext(ctx, query, syncedAt, lastError, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("update account sync state: %w", err)
	}
	return nil
}

// Delete removes an account. Calendars, events and copy links cascade at
// the service layer so ordering stays explicit.
func (r *AccountRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}
