package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/models"
	appErrors "github.com/noah-isme/calsync-api/pkg/errors"
)

type copyRuleRepository interface {
	List(ctx context.Context) ([]models.CopyRule, error)
	GetByID(ctx context.Context, id string) (*models.CopyRule, error)
	Create(ctx context.Context, rule *models.CopyRule) error
	Update(ctx context.Context, rule *models.CopyRule) error
	Delete(ctx context.Context, id string) error
}

type copyExecutor interface {
	ExecuteRule(ctx context.Context, rule models.CopyRule) (models.CopyResult, error)
	ExecuteAll(ctx context.Context) (models.CopyResult, error)
}

// CreateCopyRuleInput describes a new rule.
type CreateCopyRuleInput struct {
	SourceCalID string `json:"source_cal_id" validate:"required"`
	DestCalID   string `json:"dest_cal_id" validate:"required"`
	Enabled     *bool  `json:"enabled"`
}

// CopyRuleService manages rules and triggers their execution.
type CopyRuleService struct {
	rules     copyRuleRepository
	calendars eventCalendarRepository
	copier    copyExecutor
	cache     eventCache
	validator *validator.Validate
	logger    *zap.Logger
}

// NewCopyRuleService constructs a CopyRuleService.
func NewCopyRuleService(rules copyRuleRepository, calendars eventCalendarRepository, copier copyExecutor, cache eventCache, validate *validator.Validate, logger *zap.Logger) *CopyRuleService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CopyRuleService{
		rules:     rules,
		calendars: calendars,
		copier:    copier,
		cache:     cache,
		validator: validate,
		logger:    logger,
	}
}

// List returns every rule.
func (s *CopyRuleService) List(ctx context.Context) ([]models.CopyRule, error) {
	return s.rules.List(ctx)
}

// Get returns one rule.
func (s *CopyRuleService) Get(ctx context.Context, id string) (*models.CopyRule, error) {
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "copy rule not found")
		}
		return nil, err
	}
	return rule, nil
}

// Create validates and stores a rule. Both calendars must exist locally
// and a rule can never point a calendar at itself.
func (s *CopyRuleService) Create(ctx context.Context, input CreateCopyRuleInput) (*models.CopyRule, error) {
	if err := s.validator.Struct(input); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid copy rule")
	}
	if input.SourceCalID == input.DestCalID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "source and destination must differ")
	}
	for _, calendarID := range []string{input.SourceCalID, input.DestCalID} {
		if _, err := s.calendars.GetByID(ctx, calendarID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "calendar not found: "+calendarID)
			}
			return nil, err
		}
	}

	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}
	rule := &models.CopyRule{
		SourceCalID: input.SourceCalID,
		DestCalID:   input.DestCalID,
		Enabled:     enabled,
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}
	s.logger.Sugar().Infow("copy rule created",
		"rule_id", rule.ID, "source", rule.SourceCalID, "dest", rule.DestCalID)
	return rule, nil
}

// SetEnabled toggles a rule.
func (s *CopyRuleService) SetEnabled(ctx context.Context, id string, enabled bool) (*models.CopyRule, error) {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.Enabled != enabled {
		rule.Enabled = enabled
		if err := s.rules.Update(ctx, rule); err != nil {
			return nil, err
		}
	}
	return rule, nil
}

// Delete removes a rule and its links. Copies that were already made stay
// in the destination calendar.
func (s *CopyRuleService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.rules.Delete(ctx, id)
}

// Execute runs one rule now.
func (s *CopyRuleService) Execute(ctx context.Context, id string) (models.CopyResult, error) {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return models.CopyResult{}, err
	}
	if !rule.Enabled {
		return models.CopyResult{}, appErrors.Clone(appErrors.ErrValidation, "copy rule is disabled")
	}

	result, err := s.copier.ExecuteRule(ctx, *rule)
	if err != nil {
		return result, err
	}
	if s.cache != nil {
		s.cache.InvalidateCalendar(ctx, rule.DestCalID)
	}
	return result, nil
}

// ExecuteAll runs every enabled rule.
func (s *CopyRuleService) ExecuteAll(ctx context.Context) (models.CopyResult, error) {
	result, err := s.copier.ExecuteAll(ctx)
	if err != nil {
		return result, err
	}
	if s.cache != nil {
		rules, lerr := s.rules.List(ctx)
		if lerr == nil {
			for _, rule := range rules {
				s.cache.InvalidateCalendar(ctx, rule.DestCalID)
			}
		}
	}
	return result, nil
}
