package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/calsync-api/internal/models"
)

// ConfigurationRepository reads the legacy single-account key/value
// table. It exists only so the migration fold can lift old deployments
// into the accounts table.
type ConfigurationRepository struct {
	db *sqlx.DB
}

// NewConfigurationRepository constructs a configuration repository.
func NewConfigurationRepository(db *sqlx.DB) *ConfigurationRepository {
	return &ConfigurationRepository{db: db}
}

// All returns every legacy configuration row as a map. A missing table
// is reported as an error; callers treat that as "nothing to migrate".
func (r *ConfigurationRepository) All(ctx context.Context) (map[string]string, error) {
	var rows []models.Configuration
	if err := r.db.SelectContext(ctx, &rows, "SELECT key, value FROM configurations"); err != nil {
		return nil, fmt.Errorf("read configurations: %w", err)
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	return values, nil
}

// Get returns one legacy value, or an empty string when absent.
func (r *ConfigurationRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.GetContext(ctx, &value, "SELECT value FROM configurations WHERE key = $1", key)
	if err != nil {
		return "", err
	}
	return value, nil
}
