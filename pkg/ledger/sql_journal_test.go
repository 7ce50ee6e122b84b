package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteJournal(t *testing.T) *SQLJournal {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	j, err := NewSQLJournal(db)
	require.NoError(t, err)
	return j.WithClock(func() time.Time { return fixed })
}

func TestSQLJournal_TransferAndVerify(t *testing.T) {
	j := newSQLiteJournal(t)
	ctx := context.Background()

	r1, err := j.Transfer(ctx, request("p-1", 4000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.Sequence)
	assert.Equal(t, GenesisHash, r1.PrevHash)

	r2, err := j.Transfer(ctx, request("p-2", 1<<63))
	require.NoError(t, err)
	assert.Equal(t, r1.ContentHash, r2.PrevHash)

	got, err := j.ByProposal(ctx, "p-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63), got.Amount)
	assert.True(t, fixed.Equal(got.Timestamp))

	all, err := j.List(ctx, "tr-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := j.List(ctx, "tr-other")
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.NoError(t, j.Verify(ctx))
}

func TestSQLJournal_Duplicate(t *testing.T) {
	j := newSQLiteJournal(t)
	ctx := context.Background()

	_, err := j.Transfer(ctx, request("p-1", 1))
	require.NoError(t, err)
	_, err = j.Transfer(ctx, request("p-1", 1))
	assert.ErrorIs(t, err, ErrDuplicateTransfer)

	_, err = j.ByProposal(ctx, "p-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLJournal_VerifyDetectsTampering(t *testing.T) {
	j := newSQLiteJournal(t)
	ctx := context.Background()
	_, err := j.Transfer(ctx, request("p-1", 1))
	require.NoError(t, err)

	_, err = j.db.ExecContext(ctx, `UPDATE transfers SET recipient = 'mallory' WHERE sequence = 1`)
	require.NoError(t, err)
	assert.ErrorContains(t, j.Verify(ctx), "hash mismatch")
}

func TestSQLJournal_InsertFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS transfers")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	j, err := NewSQLJournal(db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence FROM transfers WHERE proposal_id = ?")).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, content_hash FROM transfers ORDER BY sequence DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "content_hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transfers")).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err = j.Transfer(context.Background(), request("p-1", 5))
	assert.ErrorContains(t, err, "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}
