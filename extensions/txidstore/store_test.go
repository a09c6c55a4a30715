package txidstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/agentpay/usdcx-x402/go"
)

const testTxID = "0x0F7A12AB0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab"

var normalizedTxID = x402.PaymentProof(testTxID).Normalize()

func setupStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	return store, mock
}

func q(query string) string {
	return regexp.QuoteMeta(query)
}

func TestMigrate(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS consumed_txids")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveAndCommit(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectExec(q("INSERT INTO consumed_txids (txid, status, updated_at) VALUES ($1, $2, $3) ON CONFLICT (txid) DO NOTHING")).
		WithArgs(normalizedTxID, "in_flight", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE consumed_txids SET status = $1, updated_at = $2 WHERE txid = $3 AND status = $4")).
		WithArgs("consumed", sqlmock.AnyArg(), normalizedTxID, "in_flight").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	r, err := store.Reserve(ctx, testTxID)
	require.NoError(t, err)
	require.NoError(t, r.Commit(ctx))
	// settled reservations ignore further calls
	require.NoError(t, r.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserve_Consumed(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectExec(q("INSERT INTO consumed_txids")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT status FROM consumed_txids WHERE txid = $1")).
		WithArgs(normalizedTxID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("consumed"))

	_, err := store.Reserve(context.Background(), testTxID)
	assert.ErrorIs(t, err, x402.ErrProofConsumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserve_InFlight(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectExec(q("INSERT INTO consumed_txids")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT status FROM consumed_txids")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_flight"))

	_, err := store.Reserve(context.Background(), testTxID)
	assert.ErrorIs(t, err, x402.ErrProofInFlight)
}

func TestReserve_RowVanished(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectExec(q("INSERT INTO consumed_txids")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT status FROM consumed_txids")).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Reserve(context.Background(), testTxID)
	assert.ErrorIs(t, err, x402.ErrProofInFlight)
}

func TestReserve_DatabaseError(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectExec(q("INSERT INTO consumed_txids")).
		WillReturnError(errors.New("connection refused"))

	_, err := store.Reserve(context.Background(), testTxID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, x402.ErrProofConsumed)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRelease(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectExec(q("INSERT INTO consumed_txids")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("DELETE FROM consumed_txids WHERE txid = $1 AND status = $2")).
		WithArgs(normalizedTxID, "in_flight").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	r, err := store.Reserve(ctx, testTxID)
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFailureCanRelease(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectExec(q("INSERT INTO consumed_txids")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE consumed_txids")).
		WillReturnError(errors.New("deadlock"))
	mock.ExpectExec(q("DELETE FROM consumed_txids")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	r, err := store.Reserve(ctx, testTxID)
	require.NoError(t, err)
	assert.Error(t, r.Commit(ctx))
	assert.NoError(t, r.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsConsumedAndCount(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectQuery(q("SELECT COUNT(*) FROM consumed_txids WHERE txid = $1 AND status = $2")).
		WithArgs(normalizedTxID, "consumed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM consumed_txids WHERE status = $1")).
		WithArgs("consumed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	ctx := context.Background()
	consumed, err := store.IsConsumed(ctx, testTxID)
	require.NoError(t, err)
	assert.True(t, consumed)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReapInFlight(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectExec(q("DELETE FROM consumed_txids WHERE status = $1 AND updated_at < $2")).
		WithArgs("in_flight", time.Date(2025, 1, 2, 2, 4, 5, 0, time.UTC)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.ReapInFlight(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestWithTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db, WithTable("agentpay_proofs"))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM agentpay_proofs WHERE status = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
