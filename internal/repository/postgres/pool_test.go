package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestInTx_CommitsOnSuccess(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE entities`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := db.InTx(context.Background(), func(tx pgx.Tx) error {
		_, err := tx.Exec(context.Background(), `UPDATE entities SET deleted=true`)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollsBackOnError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := db.InTx(context.Background(), func(pgx.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_BeginFails(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	mock.ExpectBegin().WillReturnError(errors.New("conn refused"))

	called := false
	err := db.InTx(context.Background(), func(pgx.Tx) error { called = true; return nil })
	require.Error(t, err)
	require.False(t, called)
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	require.False(t, isUniqueViolation(errors.New("x")))
}
