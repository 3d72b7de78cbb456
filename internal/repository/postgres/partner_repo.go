package postgres

import (
	"context"
	"errors"
	"fmt"

	"vpn-service/internal/domain/partner"
	xerrors "vpn-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
)

type PartnerRepository struct {
	db Querier
}

func NewPartnerRepository(db Querier) *PartnerRepository {
	return &PartnerRepository{db: db}
}

// FindByCode loads a partner by campaign code.
func (r *PartnerRepository) FindByCode(ctx context.Context, code string) (*partner.Partner, error) {
	query := `SELECT id, title, code, percentage_share FROM partners WHERE code = $1 LIMIT 1`
	var p partner.Partner
	err := r.db.QueryRow(ctx, query, code).Scan(&p.ID, &p.Title, &p.Code, &p.PercentageShare)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding partner by code: %w", err)
	}
	return &p, nil
}

// List returns all partners.
func (r *PartnerRepository) List(ctx context.Context) ([]partner.Partner, error) {
	rows, err := r.db.Query(ctx, `SELECT id, title, code, percentage_share FROM partners`)
	if err != nil {
		return nil, fmt.Errorf("listing partners: %w", err)
	}
	defer rows.Close()
	var partners []partner.Partner
	for rows.Next() {
		var p partner.Partner
		if err := rows.Scan(&p.ID, &p.Title, &p.Code, &p.PercentageShare); err != nil {
			return nil, fmt.Errorf("scanning partner row: %w", err)
		}
		partners = append(partners, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading partner rows: %w", err)
	}
	return partners, nil
}

// Create registers a partner with its revenue share.
func (r *PartnerRepository) Create(ctx context.Context, title, code string, percentageShare float64) (*partner.Partner, error) {
	query := `
		INSERT INTO partners (title, code, percentage_share)
		VALUES ($1, $2, $3)
		RETURNING id, title, code, percentage_share
	`
	var p partner.Partner
	err := r.db.QueryRow(ctx, query, title, code, percentageShare).Scan(&p.ID, &p.Title, &p.Code, &p.PercentageShare)
	if err != nil {
		return nil, fmt.Errorf("creating partner: %w", err)
	}
	return &p, nil
}

// CountSubscriptionsByCampaign counts total and active subscriptions of users
// attributed to a partner campaign.
func (r *PartnerRepository) CountSubscriptionsByCampaign(ctx context.Context, campaign string) (total, active int, err error) {
	query := `
		SELECT count(*),
			count(*) FILTER (WHERE s.expiration_date > now())
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE u.partner_campaign = $1
	`
	if err := r.db.QueryRow(ctx, query, campaign).Scan(&total, &active); err != nil {
		return 0, 0, fmt.Errorf("counting campaign subscriptions: %w", err)
	}
	return total, active, nil
}
