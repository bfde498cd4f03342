package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/schoolsync/internal/errs"
	"github.com/and161185/schoolsync/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var userCols = []string{"id", "email", "pwd_hash", "salt_auth", "created_at"}

func TestUserRepo_Create_OK_and_UniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	u := &model.User{
		ID:       uuid.Must(uuid.NewV4()),
		Email:    "kim@school.test",
		PwdHash:  []byte("h"),
		SaltAuth: []byte("s"),
	}

	mock.ExpectExec(`INSERT INTO users \(id, email, pwd_hash, salt_auth\) VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs(u.ID, u.Email, u.PwdHash, u.SaltAuth).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, u))

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(u.ID, u.Email, u.PwdHash, u.SaltAuth).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Create(ctx, u), errs.ErrAlreadyExists)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_GetByID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, email, pwd_hash, salt_auth, created_at FROM users WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(userCols).AddRow(id, "u@school.test", []byte("h"), []byte("s"), created))
	u, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, u.ID)
	require.Equal(t, created, u.CreatedAt)

	mock.ExpectQuery(`FROM users WHERE id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByID(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUserRepo_GetByEmail(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	email := "u2@school.test"
	id := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`FROM users WHERE email=\$1`).
		WithArgs(email).
		WillReturnRows(pgxmock.NewRows(userCols).AddRow(id, email, []byte("h"), []byte("s"), time.Now()))
	u, err := r.GetByEmail(ctx, email)
	require.NoError(t, err)
	require.Equal(t, email, u.Email)

	mock.ExpectQuery(`FROM users WHERE email=\$1`).
		WithArgs(email).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByEmail(ctx, email)
	require.ErrorIs(t, err, errs.ErrNotFound)

	// other failures are not masked as missing rows
	boom := errors.New("conn reset")
	mock.ExpectQuery(`FROM users WHERE email=\$1`).
		WithArgs(email).
		WillReturnError(boom)
	_, err = r.GetByEmail(ctx, email)
	require.ErrorIs(t, err, boom)
}
