package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/calsync-api/internal/models"
)

// CopyRuleRepository persists copy rules and the links that track
// which destination events they produced.
type CopyRuleRepository struct {
	db *sqlx.DB
}

// NewCopyRuleRepository constructs a copy-rule repository.
func NewCopyRuleRepository(db *sqlx.DB) *CopyRuleRepository {
	return &CopyRuleRepository{db: db}
}

const copyRuleColumns = `id, source_cal_id, dest_cal_id, enabled, last_executed_at, created_at, updated_at`

// List returns all copy rules.
func (r *CopyRuleRepository) List(ctx context.Context) ([]models.CopyRule, error) {
	query := fmt.Sprintf("SELECT %s FROM copy_rules ORDER BY created_at ASC", copyRuleColumns)
	var rules []models.CopyRule
	if err := r.db.SelectContext(ctx, &rules, query); err != nil {
		return nil, fmt.Errorf("list copy rules: %w", err)
	}
	return rules, nil
}

// ListEnabled returns the rules that should execute.
func (r *CopyRuleRepository) ListEnabled(ctx context.Context) ([]models.CopyRule, error) {
	query := fmt.Sprintf("SELECT %s FROM copy_rules WHERE enabled = true ORDER BY created_at ASC", copyRuleColumns)
	var rules []models.CopyRule
	if err := r.db.SelectContext(ctx, &rules, query); err != nil {
		return nil, fmt.Errorf("list enabled copy rules: %w", err)
	}
	return rules, nil
}

// GetByID fetches one rule.
func (r *CopyRuleRepository) GetByID(ctx context.Context, id string) (*models.CopyRule, error) {
	query := fmt.Sprintf("SELECT %s FROM copy_rules WHERE id = $1", copyRuleColumns)
	var rule models.CopyRule
	if err := r.db.GetContext(ctx, &rule, query, id); err != nil {
		return nil, err
	}
	return &rule, nil
}

// Create inserts a rule.
func (r *CopyRuleRepository) Create(ctx context.Context, rule *models.CopyRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	query := `INSERT INTO copy_rules (id, source_cal_id, dest_cal_id, enabled, last_executed_at, created_at, updated_at)
VALUES (:id, :source_cal_id, :dest_cal_id, :enabled, :last_executed_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, rule); err != nil {
		return fmt.Errorf("create copy rule: %w", err)
	}
	return nil
}

// Update modifies a rule.
func (r *CopyRuleRepository) Update(ctx context.Context, rule *models.CopyRule) error {
	rule.UpdatedAt = time.Now().UTC()
	query := `UPDATE copy_rules SET source_cal_id = :source_cal_id, dest_cal_id = :dest_cal_id,
enabled = :enabled, last_executed_at = :last_executed_at, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, rule); err != nil {
		return fmt.Errorf("update copy rule: %w", err)
	}
	return nil
}

// MarkExecuted stamps the rule's last execution time.
func (r *CopyRuleRepository) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	query := "UPDATE copy_rules SET last_executed_at = $1, updated_at = $2 WHERE id = $3"
	if _, err := r.db.ExecContext(ctx, query, at, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("mark copy rule executed: %w", err)
	}
	return nil
}

// Delete removes a rule and its links.
func (r *CopyRuleRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete copy rule: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM copied_event_links WHERE rule_id = $1", id); err != nil {
		return fmt.Errorf("delete copy rule links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM copy_rules WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete copy rule: %w", err)
	}
	return tx.Commit()
}

// DeleteForCalendar removes every rule reading from or writing into the
// calendar, along with any link touching the calendar's events, links
// before rules. Used by the account delete cascade so no rule keeps
// pointing at calendars that are about to disappear.
func (r *CopyRuleRepository) DeleteForCalendar(ctx context.Context, calendarID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete rules for calendar: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM copied_event_links WHERE rule_id IN
(SELECT id FROM copy_rules WHERE source_cal_id = $1 OR dest_cal_id = $1)`, calendarID); err != nil {
		return fmt.Errorf("delete rule links for calendar: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM copied_event_links WHERE source_event_id IN (SELECT id FROM events WHERE calendar_id = $1)
OR dest_event_id IN (SELECT id FROM events WHERE calendar_id = $1)`, calendarID); err != nil {
		return fmt.Errorf("delete event links for calendar: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM copy_rules WHERE source_cal_id = $1 OR dest_cal_id = $1", calendarID); err != nil {
		return fmt.Errorf("delete rules for calendar: %w", err)
	}
	return tx.Commit()
}

const linkColumns = `id, rule_id, source_event_id, dest_event_id, source_etag, created_at, updated_at`

// ListLinks returns all links created by one rule.
func (r *CopyRuleRepository) ListLinks(ctx context.Context, ruleID string) ([]models.CopiedEventLink, error) {
	query := fmt.Sprintf("SELECT %s FROM copied_event_links WHERE rule_id = $1", linkColumns)
	var links []models.CopiedEventLink
	if err := r.db.SelectContext(ctx, &links, query, ruleID); err != nil {
		return nil, fmt.Errorf("list copy links: %w", err)
	}
	return links, nil
}

// DestinationEventIDs returns the remote identifiers of every event any
// rule has ever written, across all rules. Candidates in this set are
// skipped so copies of copies never happen.
func (r *CopyRuleRepository) DestinationEventIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, "SELECT dest_event_id FROM copied_event_links"); err != nil {
		return nil, fmt.Errorf("list destination event ids: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// CreateLink records a source-to-destination pairing.
func (r *CopyRuleRepository) CreateLink(ctx context.Context, link *models.CopiedEventLink) error {
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	link.CreatedAt = now
	link.UpdatedAt = now
	query := `INSERT INTO copied_event_links (id, rule_id, source_event_id, dest_event_id, source_etag, created_at, updated_at)
VALUES (:id, :rule_id, :source_event_id, :dest_event_id, :source_etag, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, link); err != nil {
		return fmt.Errorf("create copy link: %w", err)
	}
	return nil
}

// UpdateLink refreshes the stored source marker after a re-copy.
func (r *CopyRuleRepository) UpdateLink(ctx context.Context, link *models.CopiedEventLink) error {
	link.UpdatedAt = time.Now().UTC()
	query := `UPDATE copied_event_links SET dest_event_id = :dest_event_id, source_etag = :source_etag,
updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, link); err != nil {
		return fmt.Errorf("update copy link: %w", err)
	}
	return nil
}

// DeleteLink removes one link row.
func (r *CopyRuleRepository) DeleteLink(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM copied_event_links WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete copy link: %w", err)
	}
	return nil
}
