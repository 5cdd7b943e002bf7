package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{"id", "media_format", "state", "opened_at", "closed_at", "end_reason",
	"chunks_in", "chunks_out", "chunks_dropped", "reconnects"}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestEnsureSchema(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("create table if not exists call_records")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, New(mock).EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenAndClose(t *testing.T) {
	mock := newMock(t)
	opened := time.Now().UTC()
	closed := opened.Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("insert into call_records")).
		WithArgs("call-1", "raw/lpcm16", "INITIATING", opened).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("update call_records")).
		WithArgs("call-1", "CLOSED", closed, "hangup", int64(40), int64(12), int64(8), 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s := New(mock)
	require.NoError(t, s.Open(context.Background(), CallRecord{
		ID: "call-1", MediaFormat: "raw/lpcm16", State: "INITIATING", OpenedAt: opened,
	}))
	require.NoError(t, s.Close(context.Background(), CallRecord{
		ID: "call-1", State: "CLOSED", ClosedAt: &closed, EndReason: "hangup",
		ChunksIn: 40, ChunksOut: 12, ChunksDropped: 8, Reconnects: 1,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseUnknownRecord(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("update call_records")).
		WithArgs("missing", "CLOSED", pgxmock.AnyArg(), "", int64(0), int64(0), int64(0), 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := New(mock).Close(context.Background(), CallRecord{ID: "missing", State: "CLOSED"})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestOpenError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("insert into call_records")).
		WithArgs("call-2", "raw/mulaw", "INITIATING", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := New(mock).Open(context.Background(), CallRecord{
		ID: "call-2", MediaFormat: "raw/mulaw", State: "INITIATING", OpenedAt: time.Now(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call-2")
}

func TestGet(t *testing.T) {
	mock := newMock(t)
	opened := time.Now().UTC()
	var closedAt *time.Time

	mock.ExpectQuery(regexp.QuoteMeta("select id, media_format")).
		WithArgs("call-1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("call-1", "raw/lpcm16", "ACTIVE", opened, closedAt, "", int64(3), int64(2), int64(0), 0))

	rec, err := New(mock).Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", rec.State)
	assert.Equal(t, uint64(3), rec.ChunksIn)
	assert.Nil(t, rec.ClosedAt)
}

func TestGetNotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("select id, media_format")).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := New(mock).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRecent(t *testing.T) {
	mock := newMock(t)
	now := time.Now().UTC()
	var open *time.Time

	mock.ExpectQuery(regexp.QuoteMeta("order by opened_at desc limit $1")).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("call-2", "raw/mulaw", "STREAMING", now, open, "", int64(1), int64(0), int64(0), 0).
			AddRow("call-1", "raw/lpcm16", "CLOSED", now.Add(-time.Minute), &now, "hangup", int64(9), int64(4), int64(1), 2))

	recs, err := New(mock).Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "call-2", recs[0].ID)
	assert.Equal(t, "hangup", recs[1].EndReason)
	require.NotNil(t, recs[1].ClosedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	assert.NoError(t, r.Open(context.Background(), CallRecord{}))
	assert.NoError(t, r.Close(context.Background(), CallRecord{}))
}
