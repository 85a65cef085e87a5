// Package sync hosts the engines that keep local state aligned with remote
// calendar servers: the reconciler mirrors remote truth into the database,
// the copier replicates events between calendars, and the manager owns
// per-account connection lifecycles and scheduling.
package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/caldav"
	"github.com/noah-isme/calsync-api/internal/ical"
	"github.com/noah-isme/calsync-api/internal/models"
	"github.com/noah-isme/calsync-api/internal/repository"
)

// Reconciler mirrors one account's remote calendars and events into local
// rows. The remote side is authoritative: local rows absent from a remote
// listing are deleted, never resurrected.
type Reconciler struct {
	calendars *repository.CalendarRepository
	events    *repository.EventRepository
	logger    *zap.Logger
}

// NewReconciler constructs a reconciler.
func NewReconciler(calendars *repository.CalendarRepository, events *repository.EventRepository, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{calendars: calendars, events: events, logger: logger}
}

// SyncAccount runs one full reconciliation pass. A non-nil error means the
// account-level listing failed and nothing was reconciled; per-calendar
// failures are tolerated and reported inside the result instead.
func (r *Reconciler) SyncAccount(ctx context.Context, account models.Account, conn caldav.Connection) (models.SyncResult, error) {
	started := time.Now()
	var result models.SyncResult

	remoteCals, err := conn.ListCalendars(ctx)
	if err != nil {
		return result, fmt.Errorf("list remote calendars: %w", err)
	}

	locals, err := r.calendars.ListByAccount(ctx, account.ID)
	if err != nil {
		return result, fmt.Errorf("list local calendars: %w", err)
	}
	localByRemote := make(map[string]models.Calendar, len(locals))
	for _, cal := range locals {
		localByRemote[cal.RemoteID] = cal
	}

	seen := make(map[string]struct{}, len(remoteCals))
	for _, remote := range remoteCals {
		seen[remote.RemoteID] = struct{}{}

		local, known := localByRemote[remote.RemoteID]
		if !known {
			accountID := account.ID
			local = models.Calendar{
				AccountID: &accountID,
				RemoteID:  remote.RemoteID,
				Name:      remote.Name,
				Enabled:   true,
			}
			if remote.CTag != "" {
				local.CTag = &remote.CTag
			}
			if err := r.calendars.Create(ctx, &local); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", remote.RemoteID, err))
				continue
			}
		}
		result.Calendars++

		if !local.Enabled {
			continue
		}

		// An unchanged collection tag means no event changed since the
		// last pass; the listing round-trip can be skipped entirely.
		if known && local.CTag != nil && remote.CTag != "" && *local.CTag == remote.CTag {
			continue
		}

		calResult, err := r.syncCalendar(ctx, local.ID, remote.RemoteID, conn)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", remote.RemoteID, err))
			continue
		}
		result.Merge(calResult)

		now := time.Now().UTC()
		local.Name = remote.Name
		local.LastSyncedAt = &now
		if remote.CTag != "" {
			local.CTag = &remote.CTag
		}
		if err := r.calendars.Update(ctx, &local); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", remote.RemoteID, err))
		}
	}

	// Cascade removals events-first so no row ever points at a calendar
	// that is already gone.
	for _, local := range locals {
		if _, present := seen[local.RemoteID]; present {
			continue
		}
		if err := r.events.DeleteByCalendar(ctx, local.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", local.RemoteID, err))
			continue
		}
		if err := r.calendars.Delete(ctx, local.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", local.RemoteID, err))
			continue
		}
		result.Deleted++
		r.logger.Sugar().Infow("calendar removed", "account_id", account.ID, "remote_id", local.RemoteID)
	}

	result.Duration = time.Since(started)
	return result, nil
}

// syncCalendar reconciles one calendar's events against the remote listing.
func (r *Reconciler) syncCalendar(ctx context.Context, calendarID, remoteID string, conn caldav.Connection) (models.SyncResult, error) {
	var result models.SyncResult

	objects, err := conn.ListEvents(ctx, remoteID)
	if err != nil {
		return result, fmt.Errorf("list events: %w", err)
	}

	locals, err := r.events.ListByCalendar(ctx, calendarID)
	if err != nil {
		return result, fmt.Errorf("list local events: %w", err)
	}
	localByRemote := make(map[string]models.Event, len(locals))
	for _, event := range locals {
		localByRemote[event.RemoteID] = event
	}

	seen := make([]string, 0, len(objects))
	for _, obj := range objects {
		seen = append(seen, obj.RemoteID)

		local, known := localByRemote[obj.RemoteID]
		if known && local.ETag != nil && obj.ETag != "" && *local.ETag == obj.ETag {
			continue
		}

		event, err := eventFromRemote(calendarID, obj)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", obj.RemoteID, err))
			continue
		}

		if known {
			event.ID = local.ID
			event.CreatedAt = local.CreatedAt
			if err := r.events.Update(ctx, &event); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", obj.RemoteID, err))
				continue
			}
			result.Updated++
		} else {
			if err := r.events.Create(ctx, &event); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", obj.RemoteID, err))
				continue
			}
			result.Created++
		}
	}

	deleted, err := r.events.DeleteAbsent(ctx, calendarID, seen)
	if err != nil {
		return result, fmt.Errorf("delete absent events: %w", err)
	}
	result.Deleted += int(deleted)

	return result, nil
}

// eventFromRemote maps one fetched object onto a local row. The raw
// document is preserved verbatim; structured fields are a projection.
func eventFromRemote(calendarID string, obj caldav.RemoteObject) (models.Event, error) {
	fields, err := ical.Parse(obj.Data)
	if err != nil {
		return models.Event{}, fmt.Errorf("parse ical: %w", err)
	}

	event := models.Event{
		CalendarID: calendarID,
		RemoteID:   obj.RemoteID,
		UID:        fields.UID,
		Summary:    fields.Summary,
		StartsAt:   fields.Start.Time,
		AllDay:     fields.Start.AllDay,
		Attendees:  fields.Attendees,
		RawICal:    obj.Data,
	}
	if obj.ETag != "" {
		etag := obj.ETag
		event.ETag = &etag
	}
	if fields.Description != "" {
		event.Description = &fields.Description
	}
	if fields.Location != "" {
		event.Location = &fields.Location
	}
	if !fields.End.Time.IsZero() {
		end := fields.End.Time
		event.EndsAt = &end
	}
	if fields.Duration != "" {
		event.Duration = &fields.Duration
	}
	if fields.RRule != "" {
		event.RRule = &fields.RRule
	}
	if fields.Status != "" {
		event.Status = &fields.Status
	}
	if fields.Organizer != "" {
		event.Organizer = &fields.Organizer
	}
	return event, nil
}
