package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/models"
)

func newMockArchive(t *testing.T, cfg Config) (*Archive, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "postgres")
	return NewWithDB(db, cfg, zap.NewNop()), mock
}

func terminalEvent(uuid string) *models.Event {
	return &models.Event{
		UUID:         uuid,
		CurrentState: models.StateComplete,
		ExecuteType:  models.ExecFlowCompletion,
		CreateAt:     models.Timestamp(time.Now()),
	}
}

func TestArchiveSaveAndFlush(t *testing.T) {
	a, mock := newMockArchive(t, Config{BatchSize: 10, FlushInterval: 20 * time.Millisecond})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_archive").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	a.Save("t1", terminalEvent("u1"))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, a.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveBatchesUpToSize(t *testing.T) {
	a, mock := newMockArchive(t, Config{BatchSize: 2, FlushInterval: time.Hour})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_archive").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_archive").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	a.Save("t1", terminalEvent("u1"))
	a.Save("t1", terminalEvent("u2"))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, a.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveCloseDrainsQueue(t *testing.T) {
	a, mock := newMockArchive(t, Config{BatchSize: 10, FlushInterval: time.Hour})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_archive").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	a.Save("t1", terminalEvent("u1"))
	require.NoError(t, a.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveRecent(t *testing.T) {
	a, mock := newMockArchive(t, Config{FlushInterval: time.Hour})

	rows := sqlmock.NewRows([]string{"thread_id", "event_uuid", "event_type", "state", "payload", "archived_at"}).
		AddRow("t1", "u1", "flow_completion", "complete", []byte(`{}`), time.Now())
	mock.ExpectQuery("SELECT .* FROM event_archive").
		WithArgs("t1", 50).
		WillReturnRows(rows)

	got, err := a.Recent(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].EventUUID)

	mock.ExpectClose()
	require.NoError(t, a.Close())
}
