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

var certificateRowColumns = []string{"serial", "source_id", "user_id", "revoked", "assigned", "p12_encrypted"}

func TestClaimUnassigned(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// The outer WHERE must re-check assigned = false; without it two
	// concurrent claimants can both win the same row.
	mock.ExpectQuery(regexp.QuoteMeta("WHERE source_id = $1 AND assigned = false AND")).
		WithArgs("source-a").
		WillReturnRows(pgxmock.NewRows(certificateRowColumns).
			AddRow("serial-1", "source-a", "cert-user-1", false, true, "encrypted-p12"))

	repo := NewCertificateRepository(mock, "source-a")
	cert, err := repo.ClaimUnassigned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "serial-1", cert.Serial)
	assert.Equal(t, "cert-user-1", cert.UserID)
	assert.True(t, cert.Assigned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimUnassignedPoolExhausted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE source_id = $1 AND assigned = false AND")).
		WithArgs("source-a").
		WillReturnRows(pgxmock.NewRows(certificateRowColumns))

	repo := NewCertificateRepository(mock, "source-a")
	_, err = repo.ClaimUnassigned(context.Background())
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.ErrNoUnassignedCertificate))
	assert.Equal(t, 71, xerrors.CodeOf(err))
}

func TestCheckRevoked(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT revoked FROM certificates")).
		WithArgs("cert-user-1", "source-a").
		WillReturnRows(pgxmock.NewRows([]string{"revoked"}).AddRow(true))

	repo := NewCertificateRepository(mock, "source-a")
	revoked, err := repo.CheckRevoked(context.Background(), "cert-user-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}
