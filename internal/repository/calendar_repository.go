package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/calsync-api/internal/models"
)

// CalendarRepository persists mirrored calendars.
type CalendarRepository struct {
	db *sqlx.DB
}

// NewCalendarRepository constructs a calendar repository.
func NewCalendarRepository(db *sqlx.DB) *CalendarRepository {
	return &CalendarRepository{db: db}
}

const calendarColumns = `id, account_id, remote_id, name, ctag, enabled, last_synced_at, created_at, updated_at`

// List returns every tracked calendar.
func (r *CalendarRepository) List(ctx context.Context) ([]models.Calendar, error) {
	query := fmt.Sprintf("SELECT %s FROM calendars ORDER BY name ASC", calendarColumns)
	var calendars []models.Calendar
	if err := r.db.SelectContext(ctx, &calendars, query); err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	return calendars, nil
}

// ListByAccount returns the calendars mirrored for one account.
func (r *CalendarRepository) ListByAccount(ctx context.Context, accountID string) ([]models.Calendar, error) {
	query := fmt.Sprintf("SELECT %s FROM calendars WHERE account_id = $1 ORDER BY name ASC", calendarColumns)
	var calendars []models.Calendar
	if err := r.db.SelectContext(ctx, &calendars, query, accountID); err != nil {
		return nil, fmt.Errorf("list calendars for account: %w", err)
	}
	return calendars, nil
}

// ListOrphaned returns calendars that belong to no account. The legacy
// migration adopts these onto the folded-in account.
func (r *CalendarRepository) ListOrphaned(ctx context.Context) ([]models.Calendar, error) {
	query := fmt.Sprintf("SELECT %s FROM calendars WHERE account_id IS NULL", calendarColumns)
	var calendars []models.Calendar
	if err := r.db.SelectContext(ctx, &calendars, query); err != nil {
		return nil, fmt.Errorf("list orphaned calendars: %w", err)
	}
	return calendars, nil
}

// GetByID fetches one calendar.
func (r *CalendarRepository) GetByID(ctx context.Context, id string) (*models.Calendar, error) {
	query := fmt.Sprintf("SELECT %s FROM calendars WHERE id = $1", calendarColumns)
	var calendar models.Calendar
	if err := r.db.GetContext(ctx, &calendar, query, id); err != nil {
		return nil, err
	}
	return &calendar, nil
}

// GetByRemoteID fetches a calendar by its remote natural key.
func (r *CalendarRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.Calendar, error) {
	query := fmt.Sprintf("SELECT %s FROM calendars WHERE remote_id = $1", calendarColumns)
	var calendar models.Calendar
	if err := r.db.GetContext(ctx, &calendar, query, remoteID); err != nil {
		return nil, err
	}
	return &calendar, nil
}

// CountByAccount returns how many calendars an account mirrors.
func (r *CalendarRepository) CountByAccount(ctx context.Context, accountID string) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM calendars WHERE account_id = $1", accountID); err != nil {
		return 0, fmt.Errorf("count calendars: %w", err)
	}
	return total, nil
}

// Create inserts a calendar.
func (r *CalendarRepository) Create(ctx context.Context, calendar *models.Calendar) error {
	if calendar.ID == "" {
		calendar.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if calendar.CreatedAt.IsZero() {
		calendar.CreatedAt = now
	}
	calendar.UpdatedAt = now
	query := `INSERT INTO calendars (id, account_id, remote_id, name, ctag, enabled, last_synced_at, created_at, updated_at)
VALUES (:id, :account_id, :remote_id, :name, :ctag, :enabled, :last_synced_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, calendar); err != nil {
		return fmt.Errorf("create calendar: %w", err)
	}
	return nil
}

// Update modifies a calendar.
func (r *CalendarRepository) Update(ctx context.Context, calendar *models.Calendar) error {
	calendar.UpdatedAt = time.Now().UTC()
	query := `UPDATE calendars SET account_id = :account_id, remote_id = :remote_id, name = :name, ctag = :ctag,
enabled = :enabled, last_synced_at = :last_synced_at, updated_at = :updated_at
WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, calendar); err != nil {
		return fmt.Errorf("update calendar: %w", err)
	}
	return nil
}

// Delete removes one calendar row.
func (r *CalendarRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM calendars WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete calendar: %w", err)
	}
	return nil
}
