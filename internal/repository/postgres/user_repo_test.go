package postgres

import (
	"context"
	"regexp"
	"testing"

	xerrors "vpn-service/internal/pkg/errors"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userRowColumns = []string{
	"id", "email", "email_encrypted", "email_confirmed", "email_confirm_code",
	"password", "partner_campaign", "referred_by", "referral_code",
}

func TestCreateShadow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	campaign := "partner-x"
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("cert-user-1", "confirm-code", &campaign).
		WillReturnRows(pgxmock.NewRows(userRowColumns).
			AddRow("cert-user-1", "", "", false, "confirm-code", "", &campaign, nil, ""))

	repo := NewUserRepository(mock)
	u, err := repo.CreateShadow(context.Background(), "cert-user-1", "confirm-code", &campaign)
	require.NoError(t, err)
	assert.Equal(t, "cert-user-1", u.ID)
	assert.False(t, u.EmailConfirmed)
	require.NotNil(t, u.PartnerCampaign)
	assert.Equal(t, "partner-x", *u.PartnerCampaign)
}

func TestCreateWithEmail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users (email, email_encrypted, password, email_confirm_code, referred_by)")).
		WithArgs("hashed-email", "encrypted-email", "bcrypt-hash", "confirm-code", (*string)(nil)).
		WillReturnRows(pgxmock.NewRows(userRowColumns).
			AddRow("", "hashed-email", "encrypted-email", false, "confirm-code", "bcrypt-hash", nil, nil, ""))

	repo := NewUserRepository(mock)
	u, err := repo.CreateWithEmail(context.Background(), "hashed-email", "encrypted-email",
		"bcrypt-hash", "confirm-code", nil)
	require.NoError(t, err)
	assert.Equal(t, "hashed-email", u.Email)
	assert.Equal(t, "bcrypt-hash", u.PasswordHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByEmailNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email = $1")).
		WithArgs("missing-hash").
		WillReturnRows(pgxmock.NewRows(userRowColumns))

	repo := NewUserRepository(mock)
	_, err = repo.FindByEmail(context.Background(), "missing-hash")
	assert.True(t, xerrors.Is(err, xerrors.ErrNotFound))
}

func TestFindByIDNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(userRowColumns))

	repo := NewUserRepository(mock)
	_, err = repo.FindByID(context.Background(), "missing")
	assert.True(t, xerrors.Is(err, xerrors.ErrNotFound))
}

func TestMarkEmailConfirmed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SET email_confirmed = true")).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows(userRowColumns).
			AddRow("user-1", "hashed", "encrypted", true, "code", "", nil, nil, ""))

	repo := NewUserRepository(mock)
	u, err := repo.MarkEmailConfirmed(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, u.EmailConfirmed)
}
