package user

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"vpn-service/internal/domain/certificate"
	"vpn-service/internal/domain/receipt"
	"vpn-service/internal/domain/subscription"
	"vpn-service/internal/domain/user"
	xerrors "vpn-service/internal/pkg/errors"
	"vpn-service/internal/pkg/secure"
	receiptsvc "vpn-service/internal/service/receipt"
	subscriptionsvc "vpn-service/internal/service/subscription"

	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

const (
	activeSubsCacheKeyPrefix = "active-subscriptions:"
	activeSubsCacheTTL       = 10 * time.Minute
)

// UserStore is the user persistence surface, implemented by
// postgres.UserRepository.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*user.User, error)
	FindByEmail(ctx context.Context, emailHashed string) (*user.User, error)
	CreateShadow(ctx context.Context, id, emailConfirmCode string, partnerCampaign *string) (*user.User, error)
	CreateWithEmail(ctx context.Context, emailHashed, emailEncrypted, passwordHash, emailConfirmCode string, referredBy *string) (*user.User, error)
	FindByConfirmCodeAndEmail(ctx context.Context, code, emailHashed string) (*user.User, error)
	AssignID(ctx context.Context, emailHashed, id string) (*user.User, error)
	MarkEmailConfirmed(ctx context.Context, id string) (*user.User, error)
}

// CertificateStore claims and reads client certificates, implemented by
// postgres.CertificateRepository.
type CertificateStore interface {
	ClaimUnassigned(ctx context.Context) (*certificate.Certificate, error)
	FindCurrentActive(ctx context.Context, userID string) (*certificate.Certificate, error)
	CheckRevoked(ctx context.Context, clientID string) (bool, error)
}

// SubscriptionStore is the subset of subscription reads binding and lookup
// need.
type SubscriptionStore interface {
	FindByReceipt(ctx context.Context, receiptID string, receiptType receipt.Type) (*subscription.Subscription, error)
	FindByUserAndReceiptID(ctx context.Context, userID, receiptID string) (*subscription.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]subscription.Subscription, error)
	ListActiveByUser(ctx context.Context, userID string) ([]subscription.Subscription, error)
}

// ReceiptVerifier validates raw store receipts.
type ReceiptVerifier interface {
	Verify(ctx context.Context, rawData string, receiptType receipt.Type) (*receipt.Receipt, error)
}

// StripeClient covers the Stripe calls the user flows make.
type StripeClient interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// Cache holds user-facing subscription summaries. Implemented by db.RedisCache.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Service implements user-receipt binding, email confirmation, and the
// user-facing subscription reads.
type Service struct {
	users      UserStore
	certs      CertificateStore
	subs       SubscriptionStore
	reconciler *subscriptionsvc.Reconciler
	verifier   ReceiptVerifier
	stripe     StripeClient
	cache      Cache

	aesKey    string
	emailSalt string
	logger    *zap.Logger
}

func NewService(users UserStore, certs CertificateStore, subs SubscriptionStore,
	reconciler *subscriptionsvc.Reconciler, verifier ReceiptVerifier, stripe StripeClient,
	cache Cache, aesKey, emailSalt string, logger *zap.Logger) *Service {
	return &Service{
		users:      users,
		certs:      certs,
		subs:       subs,
		reconciler: reconciler,
		verifier:   verifier,
		stripe:     stripe,
		cache:      cache,
		aesKey:     aesKey,
		emailSalt:  emailSalt,
		logger:     logger,
	}
}

// BindReceipt verifies a raw store receipt and binds it to a user. If the
// receipt is already bound, the existing binding wins regardless of who
// submits it. Otherwise the receipt is bound to currentUserID, or to a fresh
// shadow user whose identity is an atomically claimed client certificate.
func (s *Service) BindReceipt(ctx context.Context, currentUserID *string, rawReceipt string,
	receiptType receipt.Type, partnerCampaign *string) (*user.User, *subscription.Subscription, error) {

	rcpt, err := s.verifier.Verify(ctx, rawReceipt, receiptType)
	if err != nil {
		return nil, nil, err
	}

	var owner *user.User
	existing, err := s.subs.FindByReceipt(ctx, rcpt.ID, rcpt.Type)
	switch {
	case err == nil:
		owner, err = s.users.FindByID(ctx, existing.UserID)
		if err != nil {
			return nil, nil, xerrors.WrapCode(err, 8, xerrors.SeverityFatal,
				"subscription bound to a missing user")
		}
	case errors.Is(err, xerrors.ErrNotFound):
		owner, err = s.resolveOwner(ctx, currentUserID, partnerCampaign)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, err
	}

	sub, err := s.reconciler.Upsert(ctx, owner.ID, rcpt)
	if err != nil {
		return nil, nil, err
	}
	s.invalidateCache(ctx, owner.ID)
	return owner, sub, nil
}

func (s *Service) resolveOwner(ctx context.Context, currentUserID, partnerCampaign *string) (*user.User, error) {
	if currentUserID != nil {
		u, err := s.users.FindByID(ctx, *currentUserID)
		if err != nil {
			return nil, err
		}
		return u, nil
	}
	// Anonymous purchase: the claimed certificate's user id becomes the shadow
	// user's identity.
	cert, err := s.certs.ClaimUnassigned(ctx)
	if err != nil {
		return nil, err
	}
	code, err := secure.GenerateEmailConfirmCode()
	if err != nil {
		return nil, xerrors.WrapCode(err, 14, xerrors.SeverityFatal, "generating email confirm code")
	}
	return s.users.CreateShadow(ctx, cert.UserID, code, partnerCampaign)
}

// UpdateWithStripe refreshes one of the user's Stripe subscriptions from the
// Stripe API.
func (s *Service) UpdateWithStripe(ctx context.Context, userID, stripeSubID string) (*subscription.Subscription, error) {
	if _, err := s.subs.FindByUserAndReceiptID(ctx, userID, stripeSubID); err != nil {
		return nil, err
	}
	stripeSub, err := s.stripe.GetSubscription(ctx, stripeSubID)
	if err != nil {
		return nil, xerrors.WrapCode(err, 10, xerrors.SeverityFatal, "fetching Stripe subscription")
	}
	sub, err := s.reconciler.Refresh(ctx, receiptsvc.FromStripe(stripeSub))
	if err != nil {
		return nil, err
	}
	s.invalidateCache(ctx, userID)
	return sub, nil
}

// CancelSubscription cancels the user's Stripe subscription and reconciles the
// final state. IAP subscriptions can only be cancelled through the stores.
func (s *Service) CancelSubscription(ctx context.Context, userID, receiptID string) (*subscription.Subscription, error) {
	sub, err := s.subs.FindByUserAndReceiptID(ctx, userID, receiptID)
	if err != nil {
		return nil, err
	}
	if sub.ReceiptType != receipt.TypeStripe {
		return nil, xerrors.Newf(5, xerrors.SeverityFatal,
			"%s subscriptions must be cancelled through the store", sub.ReceiptType)
	}
	cancelled, err := s.stripe.CancelSubscription(ctx, receiptID)
	if err != nil {
		return nil, xerrors.WrapCode(err, 10, xerrors.SeverityFatal, "cancelling Stripe subscription")
	}
	updated, err := s.reconciler.Refresh(ctx, receiptsvc.FromStripe(cancelled))
	if err != nil {
		return nil, err
	}
	s.invalidateCache(ctx, userID)
	return updated, nil
}

// GetActiveSubscriptions returns the user-facing summaries of the user's
// unexpired subscriptions, cached for a few minutes. Cache trouble degrades to
// a database read.
func (s *Service) GetActiveSubscriptions(ctx context.Context, userID string) ([]subscription.Summary, error) {
	key := activeSubsCacheKeyPrefix + userID
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, key); err == nil && cached != "" {
			var summaries []subscription.Summary
			if err := json.Unmarshal([]byte(cached), &summaries); err == nil {
				return summaries, nil
			}
		}
	}

	subs, err := s.subs.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]subscription.Summary, 0, len(subs))
	for i := range subs {
		summaries = append(summaries, subs[i].Summarize(s.reconciler.GracePeriodDays()))
	}

	if s.cache != nil {
		if encoded, err := json.Marshal(summaries); err == nil {
			if err := s.cache.Set(ctx, key, string(encoded), activeSubsCacheTTL); err != nil {
				s.logger.Warn("could not cache subscription summaries",
					zap.String("userId", userID), zap.Error(err))
			}
		}
	}
	return summaries, nil
}

func (s *Service) invalidateCache(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, activeSubsCacheKeyPrefix+userID); err != nil {
		s.logger.Warn("could not invalidate subscription summary cache",
			zap.String("userId", userID), zap.Error(err))
	}
}

// GetCertificate returns the user's active client certificate with its PKCS12
// bundle decrypted.
func (s *Service) GetCertificate(ctx context.Context, userID string) (*certificate.Certificate, string, error) {
	cert, err := s.certs.FindCurrentActive(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	p12, err := secure.Decrypt(cert.P12Encrypted, s.aesKey)
	if err != nil {
		return nil, "", xerrors.WrapCode(err, 99, xerrors.SeverityFatal, "decrypting certificate bundle")
	}
	return cert, p12, nil
}

// SignUp registers an email/password user. The email is stored hashed for
// lookup and encrypted for sending; the password is bcrypt-hashed. The id
// stays empty until the user claims a certificate identity.
func (s *Service) SignUp(ctx context.Context, email, password string, referredBy *string) (*user.User, error) {
	if email == "" || password == "" {
		return nil, xerrors.New(5, xerrors.SeverityFatal, "missing email or password")
	}
	emailHashed := secure.HashEmail(email, s.emailSalt)
	existing, err := s.users.FindByEmail(ctx, emailHashed)
	switch {
	case err == nil:
		if !existing.EmailConfirmed {
			return nil, xerrors.New(1, xerrors.SeverityAcceptable,
				"email registered but not confirmed, check email for the confirmation link")
		}
		return nil, xerrors.New(40, xerrors.SeverityFatal, "that email is already registered")
	case !errors.Is(err, xerrors.ErrNotFound):
		return nil, err
	}

	passwordHash, err := secure.HashPassword(password)
	if err != nil {
		return nil, xerrors.WrapCode(err, 14, xerrors.SeverityFatal, "hashing password")
	}
	emailEncrypted, err := secure.Encrypt(email, s.aesKey)
	if err != nil {
		return nil, xerrors.WrapCode(err, 14, xerrors.SeverityFatal, "encrypting email")
	}
	code, err := secure.GenerateEmailConfirmCode()
	if err != nil {
		return nil, xerrors.WrapCode(err, 14, xerrors.SeverityFatal, "generating email confirm code")
	}
	return s.users.CreateWithEmail(ctx, emailHashed, emailEncrypted, passwordHash, code, referredBy)
}

// SignIn resolves an email/password login. Wrong email and wrong password are
// indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, email, password string) (*user.User, error) {
	u, err := s.users.FindByEmail(ctx, secure.HashEmail(email, s.emailSalt))
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, xerrors.New(2, xerrors.SeverityFatal, "incorrect login")
		}
		return nil, err
	}
	if !secure.ComparePassword(u.PasswordHash, password) {
		return nil, xerrors.New(2, xerrors.SeverityFatal, "incorrect login")
	}
	return u, nil
}

// GetSubscriptions returns the user-facing summaries of all of the user's
// subscriptions, lapsed ones included.
func (s *Service) GetSubscriptions(ctx context.Context, userID string) ([]subscription.Summary, error) {
	subs, err := s.subs.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]subscription.Summary, 0, len(subs))
	for i := range subs {
		summaries = append(summaries, subs[i].Summarize(s.reconciler.GracePeriodDays()))
	}
	return summaries, nil
}

// CheckCertificateRevoked reports whether a connecting client's certificate
// has been revoked, for the gateway's connection gate.
func (s *Service) CheckCertificateRevoked(ctx context.Context, clientID string) (bool, error) {
	return s.certs.CheckRevoked(ctx, clientID)
}

// ConfirmEmail finishes an email confirmation: the code and hashed email must
// match a pending user. Users who signed up by email before ever connecting get
// their certificate-backed id assigned here.
func (s *Service) ConfirmEmail(ctx context.Context, code, email string) (*user.User, error) {
	if code == "" || email == "" {
		return nil, xerrors.New(5, xerrors.SeverityFatal, "missing confirmation code or email")
	}
	emailHashed := secure.HashEmail(email, s.emailSalt)
	pending, err := s.users.FindByConfirmCodeAndEmail(ctx, code, emailHashed)
	if err != nil {
		return nil, err
	}
	if pending.ID == "" {
		cert, err := s.certs.ClaimUnassigned(ctx)
		if err != nil {
			return nil, err
		}
		pending, err = s.users.AssignID(ctx, emailHashed, cert.UserID)
		if err != nil {
			return nil, err
		}
	}
	return s.users.MarkEmailConfirmed(ctx, pending.ID)
}
