package partner

import (
	"context"
	"strings"

	"vpn-service/internal/domain/partner"
	xerrors "vpn-service/internal/pkg/errors"

	"go.uber.org/zap"
)

// Store is implemented by postgres.PartnerRepository.
type Store interface {
	FindByCode(ctx context.Context, code string) (*partner.Partner, error)
	List(ctx context.Context) ([]partner.Partner, error)
	Create(ctx context.Context, title, code string, percentageShare float64) (*partner.Partner, error)
	CountSubscriptionsByCampaign(ctx context.Context, campaign string) (total, active int, err error)
}

// Service produces campaign attribution reports for revenue-share partners.
type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Register creates a partner. Share is a fraction of revenue, 0 to 1.
func (s *Service) Register(ctx context.Context, title, code string, percentageShare float64) (*partner.Partner, error) {
	title = strings.TrimSpace(title)
	code = strings.TrimSpace(code)
	if title == "" || code == "" {
		return nil, xerrors.New(5, xerrors.SeverityFatal, "partner title and code are required")
	}
	if percentageShare < 0 || percentageShare > 1 {
		return nil, xerrors.New(5, xerrors.SeverityFatal, "percentage share must be between 0 and 1")
	}
	return s.store.Create(ctx, title, code, percentageShare)
}

// Report builds the attribution report for one campaign code.
func (s *Service) Report(ctx context.Context, code string) (*partner.CampaignReport, error) {
	p, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	total, active, err := s.store.CountSubscriptionsByCampaign(ctx, p.Code)
	if err != nil {
		return nil, err
	}
	return &partner.CampaignReport{
		Code:                p.Code,
		TotalSubscriptions:  total,
		ActiveSubscriptions: active,
		PercentageShare:     p.PercentageShare,
	}, nil
}

// ReportAll builds reports for every partner. A single failing campaign is
// logged and skipped so one bad row does not sink the whole report.
func (s *Service) ReportAll(ctx context.Context) ([]partner.CampaignReport, error) {
	partners, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]partner.CampaignReport, 0, len(partners))
	for _, p := range partners {
		total, active, err := s.store.CountSubscriptionsByCampaign(ctx, p.Code)
		if err != nil {
			s.logger.Error("could not count campaign subscriptions",
				zap.String("code", p.Code), zap.Error(err))
			continue
		}
		reports = append(reports, partner.CampaignReport{
			Code:                p.Code,
			TotalSubscriptions:  total,
			ActiveSubscriptions: active,
			PercentageShare:     p.PercentageShare,
		})
	}
	return reports, nil
}
