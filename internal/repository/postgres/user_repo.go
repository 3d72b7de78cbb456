package postgres

import (
	"context"
	"errors"
	"fmt"

	"vpn-service/internal/domain/user"
	xerrors "vpn-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
)

const userColumns = `id, email, email_encrypted, email_confirmed, email_confirm_code,
	password, partner_campaign, referred_by, referral_code`

type UserRepository struct {
	db Querier
}

func NewUserRepository(db Querier) *UserRepository {
	return &UserRepository{db: db}
}

func scanUser(row pgx.Row) (*user.User, error) {
	var u user.User
	err := row.Scan(&u.ID, &u.Email, &u.EmailEncrypted, &u.EmailConfirmed, &u.EmailConfirmCode,
		&u.PasswordHash, &u.PartnerCampaign, &u.ReferredBy, &u.ReferralCode)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindByID loads one user.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*user.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding user by id: %w", err)
	}
	return u, nil
}

// FindByEmail loads a user by hashed email.
func (r *UserRepository) FindByEmail(ctx context.Context, emailHashed string) (*user.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1 LIMIT 1`
	u, err := scanUser(r.db.QueryRow(ctx, query, emailHashed))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding user by email: %w", err)
	}
	return u, nil
}

// CreateWithEmail provisions a user from an email/password signup. The email
// arrives hashed and encrypted, the password already bcrypt-hashed.
func (r *UserRepository) CreateWithEmail(ctx context.Context, emailHashed, emailEncrypted,
	passwordHash, emailConfirmCode string, referredBy *string) (*user.User, error) {
	query := `
		INSERT INTO users (email, email_encrypted, password, email_confirm_code, referred_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + userColumns
	u, err := scanUser(r.db.QueryRow(ctx, query, emailHashed, emailEncrypted, passwordHash, emailConfirmCode, referredBy))
	if err != nil {
		return nil, xerrors.WrapCode(err, 14, xerrors.SeverityFatal, "creating user with email")
	}
	return u, nil
}

// CreateShadow provisions a user with only a certificate-backed id and an
// email confirmation code, for anonymous IAP purchase flows.
func (r *UserRepository) CreateShadow(ctx context.Context, id, emailConfirmCode string, partnerCampaign *string) (*user.User, error) {
	query := `
		INSERT INTO users (id, email_confirm_code, partner_campaign)
		VALUES ($1, $2, $3)
		RETURNING ` + userColumns
	u, err := scanUser(r.db.QueryRow(ctx, query, id, emailConfirmCode, partnerCampaign))
	if err != nil {
		return nil, xerrors.WrapCode(err, 14, xerrors.SeverityFatal, "creating user for IAP receipt")
	}
	return u, nil
}

// FindByConfirmCodeAndEmail resolves the user for an email confirmation
// attempt. The email is already hashed.
func (r *UserRepository) FindByConfirmCodeAndEmail(ctx context.Context, code, emailHashed string) (*user.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE email_confirm_code = $1 AND email = $2
		LIMIT 1
	`
	u, err := scanUser(r.db.QueryRow(ctx, query, code, emailHashed))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.WrapCode(xerrors.ErrNotFound, 18, xerrors.SeverityFatal,
			"confirmation code not found")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up confirmation code: %w", err)
	}
	return u, nil
}

// AssignID gives an id to a user that signed up by email before claiming a
// certificate identity.
func (r *UserRepository) AssignID(ctx context.Context, emailHashed, id string) (*user.User, error) {
	query := `
		UPDATE users
		SET id = $1
		WHERE email = $2
		RETURNING ` + userColumns
	u, err := scanUser(r.db.QueryRow(ctx, query, id, emailHashed))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.WrapCode(xerrors.ErrDataIntegrity, 16, xerrors.SeverityFatal,
			"assigning id to user: no matching email")
	}
	if err != nil {
		return nil, xerrors.WrapCode(err, 15, xerrors.SeverityFatal, "assigning id to user")
	}
	return u, nil
}

// MarkEmailConfirmed flips the confirmation flag.
func (r *UserRepository) MarkEmailConfirmed(ctx context.Context, id string) (*user.User, error) {
	query := `
		UPDATE users
		SET email_confirmed = true
		WHERE id = $1
		RETURNING ` + userColumns
	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.WrapCode(xerrors.ErrDataIntegrity, 19, xerrors.SeverityFatal,
			"confirming email: no such user")
	}
	if err != nil {
		return nil, fmt.Errorf("confirming email: %w", err)
	}
	return u, nil
}
