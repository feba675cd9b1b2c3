package ledger_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
)

func setupLedgerMock(t *testing.T) (*ledger.Repository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "postgres")
	return ledger.NewRepository(sqlxDB), mock, func() { sqlxDB.Close() }
}

var entitlementRowColumns = []string{
	"id", "owner_id", "plan_id", "transaction_id", "active", "state", "activated_at", "expires_at",
	"data_limit_mb", "data_remaining_mb", "data_used_bytes", "grant_status", "deactivated_at",
	"deactivation_reason", "created_at", "updated_at",
}

func entitlementRow(id uuid.UUID, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(entitlementRowColumns).AddRow(
		id.String(), uuid.NewString(), uuid.NewString(), uuid.NewString(), true, "active", now, nil,
		int64(100), int64(40), int64(60*ledger.MiB), "granted", nil, nil, now, now,
	)
}

func TestRepositoryRetriesSerializationFailure(t *testing.T) {
	repo, mock, closeDB := setupLedgerMock(t)
	defer closeDB()

	id := uuid.New()
	now := time.Now()
	lockQuery := regexp.QuoteMeta("FROM entitlements WHERE id = $1 FOR UPDATE")

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs(id).WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs(id).WillReturnRows(entitlementRow(id, now))
	mock.ExpectCommit()

	var got *ledger.Entitlement
	err := repo.InTx(context.Background(), func(tx ledger.Tx) error {
		e, err := tx.LockEntitlement(context.Background(), id)
		got = e
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, int64(40), *got.DataRemainingMB)
	assert.Equal(t, ledger.StateActive, got.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryRetriesExhausted(t *testing.T) {
	repo, mock, closeDB := setupLedgerMock(t)
	defer closeDB()

	id := uuid.New()
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM entitlements WHERE id = $1 FOR UPDATE")).
			WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectRollback()
	}

	err := repo.InTx(context.Background(), func(tx ledger.Tx) error {
		_, err := tx.LockEntitlement(context.Background(), id)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentUpdate)
	assert.True(t, ledger.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryMapsUniqueViolations(t *testing.T) {
	repo, mock, closeDB := setupLedgerMock(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entitlements")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "entitlements_transaction_id_key"})
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertEntitlement(context.Background(), &ledger.Entitlement{
			ID: uuid.New(), TransactionID: uuid.New(), State: ledger.StateActive, GrantStatus: ledger.GrantPending,
		})
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyActivated)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "sessions_one_active_per_identity"})
	mock.ExpectRollback()

	err = repo.InTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertSession(context.Background(), &ledger.Session{ID: "s-1", Active: true})
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentUpdate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetSessionNotFound(t *testing.T) {
	repo, mock, closeDB := setupLedgerMock(t)
	defer closeDB()

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrSessionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryUpdateSessionMissingRow(t *testing.T) {
	repo, mock, closeDB := setupLedgerMock(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx ledger.Tx) error {
		return tx.UpdateSession(context.Background(), &ledger.Session{ID: "gone"})
	})
	assert.ErrorIs(t, err, ledger.ErrSessionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryWalletDefaultsToEmpty(t *testing.T) {
	repo, mock, closeDB := setupLedgerMock(t)
	defer closeDB()

	owner := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM wallets WHERE owner_id = $1")).
		WithArgs(owner).
		WillReturnError(sql.ErrNoRows)

	w, err := repo.GetWallet(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, owner, w.OwnerID)
	assert.True(t, w.Balance.IsZero())
}
