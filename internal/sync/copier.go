package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/caldav"
	"github.com/noah-isme/calsync-api/internal/ical"
	"github.com/noah-isme/calsync-api/internal/models"
	"github.com/noah-isme/calsync-api/internal/repository"
)

// ConnectionSource resolves the live connection owning an account. The
// manager implements it; tests substitute fakes.
type ConnectionSource interface {
	ConnectionFor(accountID string) (caldav.Connection, error)
}

// Copier executes copy rules: one-way replication of events from a source
// calendar into a destination calendar, possibly across accounts.
type Copier struct {
	rules     *repository.CopyRuleRepository
	events    *repository.EventRepository
	calendars *repository.CalendarRepository
	conns     ConnectionSource
	logger    *zap.Logger
}

// NewCopier constructs a copier.
func NewCopier(rules *repository.CopyRuleRepository, events *repository.EventRepository, calendars *repository.CalendarRepository, conns ConnectionSource, logger *zap.Logger) *Copier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Copier{rules: rules, events: events, calendars: calendars, conns: conns, logger: logger}
}

// ExecuteAll runs every enabled rule in creation order. Rule failures are
// logged and do not stop later rules.
func (c *Copier) ExecuteAll(ctx context.Context) (models.CopyResult, error) {
	rules, err := c.rules.ListEnabled(ctx)
	if err != nil {
		return models.CopyResult{}, fmt.Errorf("list enabled rules: %w", err)
	}

	var total models.CopyResult
	for _, rule := range rules {
		result, err := c.ExecuteRule(ctx, rule)
		if err != nil {
			c.logger.Sugar().Warnw("copy rule failed", "rule_id", rule.ID, "error", err)
			continue
		}
		total.Created += result.Created
		total.Updated += result.Updated
	}
	return total, nil
}

// ExecuteRule runs one rule. Source events that are themselves the product
// of any rule are skipped, which is what keeps a pair of opposing rules
// from ping-ponging events forever. Per-event failures are tolerated.
func (c *Copier) ExecuteRule(ctx context.Context, rule models.CopyRule) (models.CopyResult, error) {
	var result models.CopyResult

	destCal, err := c.calendars.GetByID(ctx, rule.DestCalID)
	if err != nil {
		return result, fmt.Errorf("load destination calendar: %w", err)
	}
	if destCal.AccountID == nil {
		return result, fmt.Errorf("destination calendar %s has no account", destCal.ID)
	}
	conn, err := c.conns.ConnectionFor(*destCal.AccountID)
	if err != nil {
		return result, fmt.Errorf("destination connection: %w", err)
	}

	sources, err := c.events.ListByCalendar(ctx, rule.SourceCalID)
	if err != nil {
		return result, fmt.Errorf("list source events: %w", err)
	}

	// The exclusion set spans all rules: an event written by rule A must
	// not become a copy candidate for rule B.
	excluded, err := c.rules.DestinationEventIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("load exclusion set: %w", err)
	}

	links, err := c.rules.ListLinks(ctx, rule.ID)
	if err != nil {
		return result, fmt.Errorf("list rule links: %w", err)
	}
	linkBySource := make(map[string]models.CopiedEventLink, len(links))
	for _, link := range links {
		linkBySource[link.SourceEventID] = link
	}

	for _, source := range sources {
		if _, isCopy := excluded[source.ID]; isCopy {
			continue
		}

		link, copied := linkBySource[source.ID]
		if copied && etagMatches(link.SourceETag, source.ETag) {
			continue
		}

		if copied {
			if err := c.recopy(ctx, conn, destCal, source, link); err != nil {
				c.logger.Sugar().Warnw("copy update failed",
					"rule_id", rule.ID, "source_event_id", source.ID, "error", err)
				continue
			}
			result.Updated++
		} else {
			if err := c.copy(ctx, conn, rule.ID, destCal, source); err != nil {
				c.logger.Sugar().Warnw("copy failed",
					"rule_id", rule.ID, "source_event_id", source.ID, "error", err)
				continue
			}
			result.Created++
		}
	}

	if err := c.rules.MarkExecuted(ctx, rule.ID, time.Now().UTC()); err != nil {
		c.logger.Sugar().Warnw("mark executed failed", "rule_id", rule.ID, "error", err)
	}
	return result, nil
}

// copy clones one source event into the destination calendar under a fresh
// UID and records the link that marks the clone as rule output.
func (c *Copier) copy(ctx context.Context, conn caldav.Connection, ruleID string, destCal *models.Calendar, source models.Event) error {
	fields, err := ical.Parse(source.RawICal)
	if err != nil {
		return fmt.Errorf("parse source: %w", err)
	}
	fields.UID = uuid.NewString()
	doc := ical.Generate(fields)

	remoteID, etag, err := conn.CreateEvent(ctx, destCal.RemoteID, doc)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}

	dest := source
	dest.ID = ""
	dest.CalendarID = destCal.ID
	dest.RemoteID = remoteID
	dest.UID = fields.UID
	dest.RawICal = doc
	dest.ETag = nil
	if etag != "" {
		dest.ETag = &etag
	}
	if err := c.events.Create(ctx, &dest); err != nil {
		return fmt.Errorf("store copy: %w", err)
	}

	link := models.CopiedEventLink{
		RuleID:        ruleID,
		SourceEventID: source.ID,
		DestEventID:   dest.ID,
		SourceETag:    source.ETag,
	}
	if err := c.rules.CreateLink(ctx, &link); err != nil {
		return fmt.Errorf("record link: %w", err)
	}
	return nil
}

// recopy pushes a changed source event onto its existing destination copy.
// The destination document is patched rather than regenerated so properties
// outside the modelled set survive.
func (c *Copier) recopy(ctx context.Context, conn caldav.Connection, destCal *models.Calendar, source models.Event, link models.CopiedEventLink) error {
	dest, err := c.events.GetByID(ctx, link.DestEventID)
	if err != nil {
		// The copy vanished, likely deleted on the remote; make a new one.
		if err := c.copy(ctx, conn, link.RuleID, destCal, source); err != nil {
			return err
		}
		return c.rules.DeleteLink(ctx, link.ID)
	}

	props := map[string]ical.Property{
		"SUMMARY": ical.TextProperty(source.Summary),
		"DTSTART": ical.DateProperty(ical.DateValue{Time: source.StartsAt, AllDay: source.AllDay}),
	}
	if source.Description != nil {
		props["DESCRIPTION"] = ical.TextProperty(*source.Description)
	}
	if source.Location != nil {
		props["LOCATION"] = ical.TextProperty(*source.Location)
	}
	if source.EndsAt != nil {
		props["DTEND"] = ical.DateProperty(ical.DateValue{Time: *source.EndsAt, AllDay: source.AllDay})
	}
	doc := ical.Patch(dest.RawICal, props)

	etag := ""
	if dest.ETag != nil {
		etag = *dest.ETag
	}
	newETag, err := conn.UpdateEvent(ctx, dest.RemoteID, etag, doc)
	if err != nil {
		return fmt.Errorf("update remote: %w", err)
	}

	dest.Summary = source.Summary
	dest.Description = source.Description
	dest.Location = source.Location
	dest.StartsAt = source.StartsAt
	dest.EndsAt = source.EndsAt
	dest.AllDay = source.AllDay
	dest.RawICal = doc
	dest.ETag = nil
	if newETag != "" {
		dest.ETag = &newETag
	}
	if err := c.events.Update(ctx, dest); err != nil {
		return fmt.Errorf("store copy: %w", err)
	}

	link.SourceETag = source.ETag
	if err := c.rules.UpdateLink(ctx, &link); err != nil {
		return fmt.Errorf("update link: %w", err)
	}
	return nil
}

// etagMatches treats two absent markers as unchanged; a server that never
// hands out etags would otherwise force a re-push of every copy each pass.
func etagMatches(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
