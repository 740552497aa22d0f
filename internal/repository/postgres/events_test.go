package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockedSendRows(openedAt, clickedAt, bouncedAt *time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "campaign_id", "user_id", "status", "opened_at", "clicked_at", "bounced_at",
	}).AddRow("s-1", "c-1", "u-1", "SENT", openedAt, clickedAt, bouncedAt)
}

func TestRecordOpenFirst(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM email_sends`).
		WithArgs("trk-1").
		WillReturnRows(lockedSendRows(nil, nil, nil))
	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "s-1", "OPENED", true, "ip-hash", "Thunderbird", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_sends SET opened_at = NOW\(\)`).
		WithArgs("s-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns SET`).
		WithArgs(1, "c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.RecordOpen(context.Background(), "trk-1", "ip-hash", "Thunderbird")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOpenRepeat(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEventRepo(db)

	opened := time.Now().Add(-time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM email_sends`).
		WithArgs("trk-1").
		WillReturnRows(lockedSendRows(&opened, nil, nil))
	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "s-1", "OPENED", false, "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// opened_at already set: only the total counter moves
	mock.ExpectExec(`UPDATE campaigns SET`).
		WithArgs(0, "c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.RecordOpen(context.Background(), "trk-1", "", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOpenUnknownTracking(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM email_sends`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.RecordOpen(context.Background(), "nope", "", "")
	assert.ErrorIs(t, err, ErrSendNotFound)
}

func TestRecordClickFirst(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM email_sends`).
		WithArgs("trk-1").
		WillReturnRows(lockedSendRows(nil, nil, nil))
	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "s-1", "CLICKED", true, "", "", "https://shop.example.com/").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_sends SET clicked_at = NOW\(\)`).
		WithArgs("s-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns SET`).
		WithArgs(1, "c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.RecordClick(context.Background(), "trk-1", "https://shop.example.com/", "", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBounceFirst(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM email_sends`).
		WithArgs("trk-1").
		WillReturnRows(lockedSendRows(nil, nil, nil))
	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "s-1", "BOUNCED", true, "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_sends SET`).
		WithArgs("s-1", "550 mailbox unavailable").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns SET bounce_count`).
		WithArgs("c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	userID, err := repo.RecordBounce(context.Background(), "trk-1", "550 mailbox unavailable")
	require.NoError(t, err)
	assert.Equal(t, "u-1", userID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBounceRedelivery(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEventRepo(db)

	bounced := time.Now().Add(-time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM email_sends`).
		WithArgs("trk-1").
		WillReturnRows(lockedSendRows(nil, nil, &bounced))
	// Redelivery appends to the log only
	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "s-1", "BOUNCED", false, "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := repo.RecordBounce(context.Background(), "trk-1", "550 mailbox unavailable")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUnsubscribeFirst(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM email_sends`).
		WithArgs("trk-1").
		WillReturnRows(lockedSendRows(nil, nil, nil))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("s-1", "UNSUBSCRIBED").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "s-1", "UNSUBSCRIBED", true, "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns SET unsubscribe_count`).
		WithArgs("c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.RecordUnsubscribe(context.Background(), "trk-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
