package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db, 90)
	event := NewEvent(EventAuthorizationGranted, SeverityInfo, "u1", "granted")
	event.ResourceID = "r1"
	event.ClientIP = "10.0.0.1"
	event.ThreatLevel = "GREEN"

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(
			event.AuditID,
			string(event.EventType),
			string(event.Severity),
			"u1",
			"r1",
			"10.0.0.1",
			"granted",
			"GREEN",
			event.Timestamp,
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Write(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db, 90)
	event := NewEvent(EventAuthorizationDenied, SeverityWarning, "u1", "denied")
	payload, err := marshalEvent(event)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM audit_events WHERE audit_id").
		WithArgs(event.AuditID).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	got, err := store.Get(context.Background(), event.AuditID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, event.AuditID, got.AuditID)
	assert.True(t, got.VerifyChecksum())
}

func TestPostgresStoreGetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db, 90)
	mock.ExpectQuery("SELECT payload FROM audit_events WHERE audit_id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresStoreQueryFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db, 90)
	event := NewEvent(EventAuthorizationDenied, SeverityError, "u1", "denied")
	payload, err := marshalEvent(event)
	require.NoError(t, err)

	since := time.Now().Add(-time.Hour)
	mock.ExpectQuery("SELECT payload FROM audit_events WHERE 1=1 AND principal_id").
		WithArgs("u1", string(SeverityError), since, 100).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	events, err := store.Query(context.Background(), QueryFilter{
		PrincipalID: "u1",
		Severity:    SeverityError,
		Since:       since,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.AuditID, events[0].AuditID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePrune(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db, 30)
	mock.ExpectExec("DELETE FROM audit_events WHERE occurred_at").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 12))

	require.NoError(t, store.Prune(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
