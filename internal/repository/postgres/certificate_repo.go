package postgres

import (
	"context"
	"errors"
	"fmt"

	"vpn-service/internal/domain/certificate"
	xerrors "vpn-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
)

const certificateColumns = `serial, source_id, user_id, revoked, assigned, p12_encrypted`

type CertificateRepository struct {
	db       Querier
	sourceID string
}

func NewCertificateRepository(db Querier, sourceID string) *CertificateRepository {
	return &CertificateRepository{db: db, sourceID: sourceID}
}

func scanCertificate(row pgx.Row) (*certificate.Certificate, error) {
	var cert certificate.Certificate
	err := row.Scan(&cert.Serial, &cert.SourceID, &cert.UserID, &cert.Revoked, &cert.Assigned, &cert.P12Encrypted)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// ClaimUnassigned atomically pops one unassigned certificate from the pool.
// The outer WHERE re-checks assigned = false so that under READ COMMITTED a
// claimant that blocked on the row lock loses the race instead of assigning
// the same certificate twice; exactly one claimant gets the row back.
func (r *CertificateRepository) ClaimUnassigned(ctx context.Context) (*certificate.Certificate, error) {
	query := `
		UPDATE certificates
		SET assigned = true
		WHERE source_id = $1 AND assigned = false AND
			user_id IN (
				SELECT user_id FROM certificates
				WHERE source_id = $1 AND assigned = false
				LIMIT 1
			)
		RETURNING ` + certificateColumns
	cert, err := scanCertificate(r.db.QueryRow(ctx, query, r.sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.WrapCode(xerrors.ErrNoUnassignedCertificate, 71, xerrors.SeverityFatal,
			"certificate pool exhausted for source "+r.sourceID)
	}
	if err != nil {
		return nil, xerrors.WrapCode(err, 99, xerrors.SeverityFatal, "claiming unassigned certificate")
	}
	return cert, nil
}

// FindCurrentActive returns the user's assigned, unrevoked certificate for the
// current source.
func (r *CertificateRepository) FindCurrentActive(ctx context.Context, userID string) (*certificate.Certificate, error) {
	query := `
		SELECT ` + certificateColumns + `
		FROM certificates
		WHERE user_id = $1
			AND revoked = false
			AND source_id = $2
			AND assigned = true
		LIMIT 1
	`
	cert, err := scanCertificate(r.db.QueryRow(ctx, query, userID, r.sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.WrapCode(xerrors.ErrNotFound, 71, xerrors.SeverityFatal,
			"no active certificate for user "+userID)
	}
	if err != nil {
		return nil, fmt.Errorf("finding active certificate: %w", err)
	}
	return cert, nil
}

// CheckRevoked reports the revocation status of a client's certificate.
func (r *CertificateRepository) CheckRevoked(ctx context.Context, clientID string) (bool, error) {
	query := `
		SELECT revoked FROM certificates
		WHERE user_id = $1 AND source_id = $2
		LIMIT 1
	`
	var revoked bool
	err := r.db.QueryRow(ctx, query, clientID, r.sourceID).Scan(&revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, xerrors.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking certificate revocation: %w", err)
	}
	return revoked, nil
}
