package sync

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/caldav"
	"github.com/noah-isme/calsync-api/internal/models"
	"github.com/noah-isme/calsync-api/internal/repository"
)

type staticConns struct {
	conn caldav.Connection
	err  error
}

func (s staticConns) ConnectionFor(string) (caldav.Connection, error) {
	return s.conn, s.err
}

func newCopier(db *sqlx.DB, conns ConnectionSource) *Copier {
	return NewCopier(
		repository.NewCopyRuleRepository(db),
		repository.NewEventRepository(db),
		repository.NewCalendarRepository(db),
		conns,
		zap.NewNop(),
	)
}

func linkMockRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "rule_id", "source_event_id", "dest_event_id", "source_etag", "created_at", "updated_at",
	})
}

func destCalendarRow() *sqlmock.Rows {
	return calendarMockRows().
		AddRow("cal-b", "acc-2", "/cal/b/", "Personal", nil, true, nil, time.Now(), time.Now())
}

func sourceEventRow(etag string) *sqlmock.Rows {
	starts := time.Date(2026, 1, 30, 14, 0, 0, 0, time.UTC)
	return eventMockRows().
		AddRow("evt-src", "cal-a", "/cal/a/evt-1.ics", "uid-1", etag, "Standup", nil, nil,
			starts, nil, nil, false, nil, nil, nil, "{}", sampleICS, time.Now(), time.Now())
}

func TestCopierCreatesCopyWithFreshUID(t *testing.T) {
	db, mock, cleanup := newEngineMock(t)
	defer cleanup()

	conn := &fakeConnection{nextRemoteID: "/cal/b/copy-1.ics", nextETag: "\"c1\""}
	copier := newCopier(db, staticConns{conn: conn})

	mock.ExpectQuery("SELECT (.+) FROM calendars WHERE id").
		WithArgs("cal-b").
		WillReturnRows(destCalendarRow())
	mock.ExpectQuery("SELECT (.+) FROM events WHERE calendar_id").
		WillReturnRows(sourceEventRow("\"v1\""))
	mock.ExpectQuery("SELECT dest_event_id FROM copied_event_links").
		WillReturnRows(sqlmock.NewRows([]string{"dest_event_id"}))
	mock.ExpectQuery("SELECT (.+) FROM copied_event_links WHERE rule_id").
		WithArgs("rule-1").
		WillReturnRows(linkMockRows())
	mock.ExpectExec("INSERT INTO events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO copied_event_links").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE copy_rules SET last_executed_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rule := models.CopyRule{ID: "rule-1", SourceCalID: "cal-a", DestCalID: "cal-b", Enabled: true}
	result, err := copier.ExecuteRule(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 0, result.Updated)

	// The copy must carry its own identity, not the source's UID.
	require.Len(t, conn.created, 1)
	assert.NotContains(t, conn.created[0], "UID:uid-1")
	assert.Contains(t, conn.created[0], "SUMMARY:Standup")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopierExcludesEventsProducedByAnyRule(t *testing.T) {
	db, mock, cleanup := newEngineMock(t)
	defer cleanup()

	conn := &fakeConnection{}
	copier := newCopier(db, staticConns{conn: conn})

	mock.ExpectQuery("SELECT (.+) FROM calendars WHERE id").
		WithArgs("cal-b").
		WillReturnRows(destCalendarRow())
	mock.ExpectQuery("SELECT (.+) FROM events WHERE calendar_id").
		WillReturnRows(sourceEventRow("\"v1\""))
	// The single source event is in the global exclusion set: it was
	// written by some other rule, so it never becomes a copy candidate.
	mock.ExpectQuery("SELECT dest_event_id FROM copied_event_links").
		WillReturnRows(sqlmock.NewRows([]string{"dest_event_id"}).AddRow("evt-src"))
	mock.ExpectQuery("SELECT (.+) FROM copied_event_links WHERE rule_id").
		WithArgs("rule-1").
		WillReturnRows(linkMockRows())
	mock.ExpectExec("UPDATE copy_rules SET last_executed_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rule := models.CopyRule{ID: "rule-1", SourceCalID: "cal-a", DestCalID: "cal-b", Enabled: true}
	result, err := copier.ExecuteRule(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Empty(t, conn.created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopierSkipsUnchangedLinkedEvent(t *testing.T) {
	db, mock, cleanup := newEngineMock(t)
	defer cleanup()

	conn := &fakeConnection{}
	copier := newCopier(db, staticConns{conn: conn})

	mock.ExpectQuery("SELECT (.+) FROM calendars WHERE id").
		WithArgs("cal-b").
		WillReturnRows(destCalendarRow())
	mock.ExpectQuery("SELECT (.+) FROM events WHERE calendar_id").
		WillReturnRows(sourceEventRow("\"v1\""))
	mock.ExpectQuery("SELECT dest_event_id FROM copied_event_links").
		WillReturnRows(sqlmock.NewRows([]string{"dest_event_id"}))
	mock.ExpectQuery("SELECT (.+) FROM copied_event_links WHERE rule_id").
		WithArgs("rule-1").
		WillReturnRows(linkMockRows().
			AddRow("link-1", "rule-1", "evt-src", "evt-dst", "\"v1\"", time.Now(), time.Now()))
	mock.ExpectExec("UPDATE copy_rules SET last_executed_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rule := models.CopyRule{ID: "rule-1", SourceCalID: "cal-a", DestCalID: "cal-b", Enabled: true}
	result, err := copier.ExecuteRule(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Empty(t, conn.created)
	assert.Empty(t, conn.updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopierSkipsLinkedEventWhenServerGivesNoETags(t *testing.T) {
	db, mock, cleanup := newEngineMock(t)
	defer cleanup()

	conn := &fakeConnection{}
	copier := newCopier(db, staticConns{conn: conn})

	starts := time.Date(2026, 1, 30, 14, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM calendars WHERE id").
		WithArgs("cal-b").
		WillReturnRows(destCalendarRow())
	// Neither the source row nor the link carries a marker; the pair still
	// counts as unchanged, otherwise every pass would re-push every copy.
	mock.ExpectQuery("SELECT (.+) FROM events WHERE calendar_id").
		WillReturnRows(eventMockRows().
			AddRow("evt-src", "cal-a", "/cal/a/evt-1.ics", "uid-1", nil, "Standup", nil, nil,
				starts, nil, nil, false, nil, nil, nil, "{}", sampleICS, time.Now(), time.Now()))
	mock.ExpectQuery("SELECT dest_event_id FROM copied_event_links").
		WillReturnRows(sqlmock.NewRows([]string{"dest_event_id"}))
	mock.ExpectQuery("SELECT (.+) FROM copied_event_links WHERE rule_id").
		WithArgs("rule-1").
		WillReturnRows(linkMockRows().
			AddRow("link-1", "rule-1", "evt-src", "evt-dst", nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE copy_rules SET last_executed_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rule := models.CopyRule{ID: "rule-1", SourceCalID: "cal-a", DestCalID: "cal-b", Enabled: true}
	result, err := copier.ExecuteRule(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Empty(t, conn.updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopierRecopiesWhenSourceETagChanged(t *testing.T) {
	db, mock, cleanup := newEngineMock(t)
	defer cleanup()

	conn := &fakeConnection{nextETag: "\"c2\""}
	copier := newCopier(db, staticConns{conn: conn})

	mock.ExpectQuery("SELECT (.+) FROM calendars WHERE id").
		WithArgs("cal-b").
		WillReturnRows(destCalendarRow())
	mock.ExpectQuery("SELECT (.+) FROM events WHERE calendar_id").
		WillReturnRows(sourceEventRow("\"v2\""))
	mock.ExpectQuery("SELECT dest_event_id FROM copied_event_links").
		WillReturnRows(sqlmock.NewRows([]string{"dest_event_id"}))
	mock.ExpectQuery("SELECT (.+) FROM copied_event_links WHERE rule_id").
		WithArgs("rule-1").
		WillReturnRows(linkMockRows().
			AddRow("link-1", "rule-1", "evt-src", "evt-dst", "\"v1\"", time.Now(), time.Now()))
	mock.ExpectQuery("SELECT (.+) FROM events WHERE id").
		WithArgs("evt-dst").
		WillReturnRows(eventMockRows().
			AddRow("evt-dst", "cal-b", "/cal/b/copy-1.ics", "uid-copy", "\"c1\"", "Standup", nil, nil,
				time.Date(2026, 1, 30, 14, 0, 0, 0, time.UTC), nil, nil, false, nil, nil, nil,
				"{}", sampleICS, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE events SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE copied_event_links SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE copy_rules SET last_executed_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rule := models.CopyRule{ID: "rule-1", SourceCalID: "cal-a", DestCalID: "cal-b", Enabled: true}
	result, err := copier.ExecuteRule(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, []string{"/cal/b/copy-1.ics"}, conn.updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}
