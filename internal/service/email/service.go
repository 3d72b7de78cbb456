package email

import (
	"context"
	"fmt"

	"vpn-service/internal/domain/user"
	xerrors "vpn-service/internal/pkg/errors"
	"vpn-service/internal/pkg/secure"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

const (
	expiredSubject = "Your VPN subscription has expired"
	expiredBody    = "Your subscription has lapsed and your devices are no longer protected. Renew any time from the app to pick up where you left off."

	confirmSubject = "Confirm your email address"
)

// SESAPI is the slice of the SES client the mailer uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// UserStore resolves recipients.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*user.User, error)
}

// NewSESClient builds an SES client from the ambient AWS configuration
// (env credentials, shared config, or instance role).
func NewSESClient(ctx context.Context) (*ses.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return ses.NewFromConfig(cfg), nil
}

// Service sends transactional mail. Stored emails are encrypted at rest, so
// every send starts with a decrypt.
type Service struct {
	client SESAPI
	users  UserStore

	from       string
	confirmURL string
	aesKey     string
	logger     *zap.Logger
}

func NewService(client SESAPI, users UserStore, from, confirmURL, aesKey string, logger *zap.Logger) *Service {
	return &Service{
		client:     client,
		users:      users,
		from:       from,
		confirmURL: confirmURL,
		aesKey:     aesKey,
		logger:     logger,
	}
}

// SendExpirationNotice emails the user that their subscription lapsed. Shadow
// users have no email on file; that is a no-op, not an error.
func (s *Service) SendExpirationNotice(ctx context.Context, userID string) error {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.EmailEncrypted == "" {
		s.logger.Info("skipping expiration notice for user without email",
			zap.String("userId", userID))
		return nil
	}
	addr, err := secure.Decrypt(u.EmailEncrypted, s.aesKey)
	if err != nil {
		return xerrors.WrapCode(err, 99, xerrors.SeverityFatal, "decrypting recipient email")
	}
	return s.send(ctx, addr, expiredSubject, expiredBody)
}

// SendConfirmation emails the link that completes email confirmation.
func (s *Service) SendConfirmation(ctx context.Context, userID string) error {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.EmailEncrypted == "" || u.EmailConfirmCode == "" {
		return xerrors.New(5, xerrors.SeverityFatal, "user has no pending email confirmation")
	}
	addr, err := secure.Decrypt(u.EmailEncrypted, s.aesKey)
	if err != nil {
		return xerrors.WrapCode(err, 99, xerrors.SeverityFatal, "decrypting recipient email")
	}
	body := fmt.Sprintf("Click the link to confirm your email address: %s?code=%s", s.confirmURL, u.EmailConfirmCode)
	return s.send(ctx, addr, confirmSubject, body)
}

func (s *Service) send(ctx context.Context, to, subject, body string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
	}
	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return xerrors.WrapCode(err, 99, xerrors.SeverityFatal, "sending email via SES")
	}
	return nil
}
