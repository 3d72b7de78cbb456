package user

import (
	"context"
	"testing"
	"time"

	"vpn-service/internal/domain/certificate"
	"vpn-service/internal/domain/receipt"
	"vpn-service/internal/domain/subscription"
	"vpn-service/internal/domain/user"
	xerrors "vpn-service/internal/pkg/errors"
	"vpn-service/internal/pkg/secure"
	subscriptionsvc "vpn-service/internal/service/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

const (
	testAESKey    = "0123456789abcdef0123456789abcdef"
	testEmailSalt = "test-salt"
)

type fakeUserStore struct {
	users   map[string]*user.User
	shadows []string
}

func (f *fakeUserStore) FindByID(ctx context.Context, id string) (*user.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeUserStore) FindByEmail(ctx context.Context, emailHashed string) (*user.User, error) {
	for _, u := range f.users {
		if u.Email == emailHashed {
			return u, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeUserStore) CreateWithEmail(ctx context.Context, emailHashed, emailEncrypted,
	passwordHash, code string, referredBy *string) (*user.User, error) {
	u := &user.User{
		Email:            emailHashed,
		EmailEncrypted:   emailEncrypted,
		PasswordHash:     passwordHash,
		EmailConfirmCode: code,
		ReferredBy:       referredBy,
	}
	if f.users == nil {
		f.users = map[string]*user.User{}
	}
	f.users[emailHashed] = u
	return u, nil
}

func (f *fakeUserStore) CreateShadow(ctx context.Context, id, code string, campaign *string) (*user.User, error) {
	u := &user.User{ID: id, EmailConfirmCode: code, PartnerCampaign: campaign}
	if f.users == nil {
		f.users = map[string]*user.User{}
	}
	f.users[id] = u
	f.shadows = append(f.shadows, id)
	return u, nil
}

func (f *fakeUserStore) FindByConfirmCodeAndEmail(ctx context.Context, code, emailHashed string) (*user.User, error) {
	for _, u := range f.users {
		if u.EmailConfirmCode == code && u.Email == emailHashed {
			return u, nil
		}
	}
	return nil, xerrors.WrapCode(xerrors.ErrNotFound, 18, xerrors.SeverityFatal, "confirmation code not found")
}

func (f *fakeUserStore) AssignID(ctx context.Context, emailHashed, id string) (*user.User, error) {
	for key, u := range f.users {
		if u.Email == emailHashed {
			u.ID = id
			delete(f.users, key)
			f.users[id] = u
			return u, nil
		}
	}
	return nil, xerrors.WrapCode(xerrors.ErrDataIntegrity, 16, xerrors.SeverityFatal,
		"assigning id to user: no matching email")
}

func (f *fakeUserStore) MarkEmailConfirmed(ctx context.Context, id string) (*user.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	u.EmailConfirmed = true
	return u, nil
}

type fakeCertStore struct {
	pool   []certificate.Certificate
	active map[string]*certificate.Certificate
}

func (f *fakeCertStore) ClaimUnassigned(ctx context.Context) (*certificate.Certificate, error) {
	if len(f.pool) == 0 {
		return nil, xerrors.WrapCode(xerrors.ErrNoUnassignedCertificate, 71, xerrors.SeverityFatal,
			"certificate pool exhausted")
	}
	cert := f.pool[0]
	f.pool = f.pool[1:]
	cert.Assigned = true
	return &cert, nil
}

func (f *fakeCertStore) FindCurrentActive(ctx context.Context, userID string) (*certificate.Certificate, error) {
	if cert, ok := f.active[userID]; ok {
		return cert, nil
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeCertStore) CheckRevoked(ctx context.Context, clientID string) (bool, error) {
	if cert, ok := f.active[clientID]; ok {
		return cert.Revoked, nil
	}
	return false, xerrors.ErrNotFound
}

// fakeSubStore backs both the reconciler and the user service reads.
type fakeSubStore struct {
	subs []subscription.Subscription

	activeListCalls int
}

func (f *fakeSubStore) Upsert(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	for i := range f.subs {
		if f.subs[i].ReceiptID == sub.ReceiptID && f.subs[i].ReceiptType == sub.ReceiptType {
			f.subs[i] = *sub
			return sub, nil
		}
	}
	f.subs = append(f.subs, *sub)
	return sub, nil
}

func (f *fakeSubStore) UpdateWithReceipt(ctx context.Context, receiptID, encryptedData string, receiptType receipt.Type,
	expiration time.Time, cancellation *time.Time, inTrial, renewEnabled bool) (*subscription.Subscription, error) {
	for i := range f.subs {
		if f.subs[i].ReceiptID == receiptID {
			f.subs[i].ReceiptDataEncrypted = encryptedData
			f.subs[i].ExpirationDate = expiration
			f.subs[i].CancellationDate = cancellation
			f.subs[i].InTrial = inTrial
			f.subs[i].RenewEnabled = renewEnabled
			return &f.subs[i], nil
		}
	}
	return nil, xerrors.WrapCode(xerrors.ErrDataIntegrity, 26, xerrors.SeverityFatal, "no subscription updated")
}

func (f *fakeSubStore) SetFailed(ctx context.Context, receiptID string, failed bool) (*subscription.Subscription, error) {
	return nil, xerrors.ErrNotFound
}

func (f *fakeSubStore) FindByReceipt(ctx context.Context, receiptID string, receiptType receipt.Type) (*subscription.Subscription, error) {
	for i := range f.subs {
		if f.subs[i].ReceiptID == receiptID && f.subs[i].ReceiptType == receiptType {
			return &f.subs[i], nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeSubStore) FindByUserAndReceiptID(ctx context.Context, userID, receiptID string) (*subscription.Subscription, error) {
	for i := range f.subs {
		if f.subs[i].UserID == userID && f.subs[i].ReceiptID == receiptID {
			return &f.subs[i], nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeSubStore) StampExpireEmail(ctx context.Context, receiptID string) (*subscription.Subscription, error) {
	return nil, xerrors.ErrNotFound
}

func (f *fakeSubStore) ListAll(ctx context.Context) ([]subscription.Subscription, error) {
	return f.subs, nil
}

func (f *fakeSubStore) ListByUser(ctx context.Context, userID string) ([]subscription.Subscription, error) {
	var out []subscription.Subscription
	for _, s := range f.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubStore) ListFailed(ctx context.Context) ([]subscription.Subscription, error) {
	return nil, nil
}

func (f *fakeSubStore) ListExpiringInRange(ctx context.Context, start, end time.Time) ([]subscription.Subscription, error) {
	return nil, nil
}

func (f *fakeSubStore) ListActiveByUser(ctx context.Context, userID string) ([]subscription.Subscription, error) {
	f.activeListCalls++
	var out []subscription.Subscription
	for _, s := range f.subs {
		if s.UserID == userID && s.Active(time.Now()) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeVerifier struct {
	rcpt *receipt.Receipt
	err  error
}

func (f *fakeVerifier) Verify(ctx context.Context, rawData string, receiptType receipt.Type) (*receipt.Receipt, error) {
	return f.rcpt, f.err
}

type fakeStripe struct {
	sub       *stripe.Subscription
	cancelled []string
}

func (f *fakeStripe) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return f.sub, nil
}

func (f *fakeStripe) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	f.cancelled = append(f.cancelled, id)
	return f.sub, nil
}

type fakeCache struct {
	values  map[string]string
	deleted []string
}

func (f *fakeCache) Get(ctx context.Context, key string) (string, error) {
	return f.values[key], nil
}

func (f *fakeCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.values == nil {
		f.values = map[string]string{}
	}
	f.values[key] = value
	return nil
}

func (f *fakeCache) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		f.deleted = append(f.deleted, key)
		delete(f.values, key)
	}
	return nil
}

type fixture struct {
	users *fakeUserStore
	certs *fakeCertStore
	subs  *fakeSubStore
	cache *fakeCache
	svc   *Service
}

func newFixture(verifier ReceiptVerifier, stripeClient StripeClient) *fixture {
	logger := zap.NewNop()
	f := &fixture{
		users: &fakeUserStore{users: map[string]*user.User{}},
		certs: &fakeCertStore{},
		subs:  &fakeSubStore{},
		cache: &fakeCache{values: map[string]string{}},
	}
	rec := subscriptionsvc.NewReconciler(f.subs, testAESKey, "production", logger)
	f.svc = NewService(f.users, f.certs, f.subs, rec, verifier, stripeClient, f.cache,
		testAESKey, testEmailSalt, logger)
	return f
}

func testReceipt(id string) *receipt.Receipt {
	return &receipt.Receipt{
		Type:         receipt.TypeIOS,
		ID:           id,
		PlanType:     receipt.PlanIOSAnnual,
		ExpireDateMs: time.Now().Add(30 * 24 * time.Hour).UnixMilli(),
		RenewEnabled: true,
		Data:         "payload-" + id,
	}
}

func TestBindReceiptExistingBindingWins(t *testing.T) {
	f := newFixture(&fakeVerifier{rcpt: testReceipt("tx-1")}, &fakeStripe{})
	f.users.users["original-owner"] = &user.User{ID: "original-owner"}
	f.users.users["someone-else"] = &user.User{ID: "someone-else"}
	f.subs.subs = []subscription.Subscription{{
		UserID: "original-owner", ReceiptID: "tx-1", ReceiptType: receipt.TypeIOS,
	}}

	someoneElse := "someone-else"
	owner, sub, err := f.svc.BindReceipt(context.Background(), &someoneElse, "raw", receipt.TypeIOS, nil)
	require.NoError(t, err)
	assert.Equal(t, "original-owner", owner.ID)
	assert.Equal(t, "original-owner", sub.UserID)
	assert.Empty(t, f.certs.pool)
	assert.Empty(t, f.users.shadows)
}

func TestBindReceiptCreatesShadowUserFromCertificate(t *testing.T) {
	f := newFixture(&fakeVerifier{rcpt: testReceipt("tx-2")}, &fakeStripe{})
	f.certs.pool = []certificate.Certificate{{Serial: "serial-1", UserID: "cert-user-1"}}

	campaign := "partner-x"
	owner, sub, err := f.svc.BindReceipt(context.Background(), nil, "raw", receipt.TypeIOS, &campaign)
	require.NoError(t, err)
	assert.Equal(t, "cert-user-1", owner.ID)
	assert.NotEmpty(t, owner.EmailConfirmCode)
	require.NotNil(t, owner.PartnerCampaign)
	assert.Equal(t, "partner-x", *owner.PartnerCampaign)
	assert.Equal(t, "cert-user-1", sub.UserID)
	assert.Equal(t, []string{"cert-user-1"}, f.users.shadows)
}

func TestBindReceiptToCurrentUser(t *testing.T) {
	f := newFixture(&fakeVerifier{rcpt: testReceipt("tx-3")}, &fakeStripe{})
	f.users.users["user-a"] = &user.User{ID: "user-a"}

	current := "user-a"
	owner, sub, err := f.svc.BindReceipt(context.Background(), &current, "raw", receipt.TypeIOS, nil)
	require.NoError(t, err)
	assert.Equal(t, "user-a", owner.ID)
	assert.Equal(t, "user-a", sub.UserID)
	assert.Empty(t, f.users.shadows)
	assert.Contains(t, f.cache.deleted, activeSubsCacheKeyPrefix+"user-a")
}

func TestBindReceiptCertificatePoolExhausted(t *testing.T) {
	f := newFixture(&fakeVerifier{rcpt: testReceipt("tx-4")}, &fakeStripe{})

	_, _, err := f.svc.BindReceipt(context.Background(), nil, "raw", receipt.TypeIOS, nil)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.ErrNoUnassignedCertificate))
	assert.Equal(t, 71, xerrors.CodeOf(err))
}

func TestGetActiveSubscriptionsCaches(t *testing.T) {
	f := newFixture(&fakeVerifier{}, &fakeStripe{})
	f.subs.subs = []subscription.Subscription{{
		UserID: "user-a", ReceiptID: "tx-1", ReceiptType: receipt.TypeIOS,
		PlanType: receipt.PlanIOSAnnual, ExpirationDate: time.Now().Add(24 * time.Hour),
	}}

	first, err := f.svc.GetActiveSubscriptions(context.Background(), "user-a")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "iOS Plan - Annual", first[0].PlanName)

	// Second read is served from the cache: same content, no extra list call.
	second, err := f.svc.GetActiveSubscriptions(context.Background(), "user-a")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].PlanType, second[0].PlanType)
	assert.Equal(t, first[0].PlanName, second[0].PlanName)
	assert.Equal(t, first[0].ReceiptID, second[0].ReceiptID)
	assert.True(t, first[0].ExpirationDate.Equal(second[0].ExpirationDate))
	assert.Equal(t, 1, f.subs.activeListCalls)
}

func TestCancelSubscriptionStripeOnly(t *testing.T) {
	now := time.Now()
	stripeClient := &fakeStripe{sub: &stripe.Subscription{
		ID:               "sub_123",
		Status:           stripe.SubscriptionStatusActive,
		CurrentPeriodEnd: now.Add(24 * time.Hour).Unix(),
		CanceledAt:       now.Unix(),
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{Plan: &stripe.Plan{ID: "all-monthly-USD"}},
		}},
	}}
	f := newFixture(&fakeVerifier{}, stripeClient)
	f.subs.subs = []subscription.Subscription{
		{UserID: "user-a", ReceiptID: "sub_123", ReceiptType: receipt.TypeStripe},
		{UserID: "user-a", ReceiptID: "tx-ios", ReceiptType: receipt.TypeIOS},
	}

	updated, err := f.svc.CancelSubscription(context.Background(), "user-a", "sub_123")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_123"}, stripeClient.cancelled)
	require.NotNil(t, updated.CancellationDate)
	assert.False(t, updated.RenewEnabled)

	_, err = f.svc.CancelSubscription(context.Background(), "user-a", "tx-ios")
	require.Error(t, err)
	assert.Empty(t, stripeClient.cancelled[1:])
}

func TestConfirmEmail(t *testing.T) {
	f := newFixture(&fakeVerifier{}, &fakeStripe{})
	f.users.users["user-a"] = &user.User{
		ID:               "user-a",
		Email:            secure.HashEmail("person@example.com", testEmailSalt),
		EmailConfirmCode: "code-123",
	}

	confirmed, err := f.svc.ConfirmEmail(context.Background(), "code-123", "person@example.com")
	require.NoError(t, err)
	assert.True(t, confirmed.EmailConfirmed)

	_, err = f.svc.ConfirmEmail(context.Background(), "wrong-code", "person@example.com")
	require.Error(t, err)
	assert.Equal(t, 18, xerrors.CodeOf(err))
}

func TestConfirmEmailAssignsCertificateBackedID(t *testing.T) {
	f := newFixture(&fakeVerifier{}, &fakeStripe{})
	// Signed up by email first: no id yet.
	f.users.users[""] = &user.User{
		Email:            secure.HashEmail("new@example.com", testEmailSalt),
		EmailConfirmCode: "code-456",
	}
	f.certs.pool = []certificate.Certificate{{Serial: "serial-2", UserID: "cert-user-2"}}

	confirmed, err := f.svc.ConfirmEmail(context.Background(), "code-456", "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cert-user-2", confirmed.ID)
	assert.True(t, confirmed.EmailConfirmed)
	assert.Empty(t, f.certs.pool)
}

func TestSignUpAndSignIn(t *testing.T) {
	f := newFixture(&fakeVerifier{}, &fakeStripe{})

	created, err := f.svc.SignUp(context.Background(), "person@example.com", "hunter22", nil)
	require.NoError(t, err)
	assert.Equal(t, secure.HashEmail("person@example.com", testEmailSalt), created.Email)
	assert.NotEqual(t, "hunter22", created.PasswordHash)
	assert.NotEmpty(t, created.EmailConfirmCode)

	// Stored email decrypts back to the address.
	decrypted, err := secure.Decrypt(created.EmailEncrypted, testAESKey)
	require.NoError(t, err)
	assert.Equal(t, "person@example.com", decrypted)

	signedIn, err := f.svc.SignIn(context.Background(), "person@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, created.Email, signedIn.Email)

	_, err = f.svc.SignIn(context.Background(), "person@example.com", "wrong-password")
	require.Error(t, err)
	assert.Equal(t, 2, xerrors.CodeOf(err))

	_, err = f.svc.SignIn(context.Background(), "nobody@example.com", "hunter22")
	require.Error(t, err)
	assert.Equal(t, 2, xerrors.CodeOf(err))
}

func TestSignUpRejectsTakenEmail(t *testing.T) {
	f := newFixture(&fakeVerifier{}, &fakeStripe{})

	pending, err := f.svc.SignUp(context.Background(), "person@example.com", "hunter22", nil)
	require.NoError(t, err)

	// Unconfirmed duplicate is a soft answer: check your inbox.
	_, err = f.svc.SignUp(context.Background(), "person@example.com", "hunter22", nil)
	require.Error(t, err)
	assert.True(t, xerrors.IsAcceptable(err))
	assert.Equal(t, 1, xerrors.CodeOf(err))

	pending.EmailConfirmed = true
	_, err = f.svc.SignUp(context.Background(), "person@example.com", "hunter22", nil)
	require.Error(t, err)
	assert.Equal(t, 40, xerrors.CodeOf(err))
}

func TestCheckCertificateRevoked(t *testing.T) {
	f := newFixture(&fakeVerifier{}, &fakeStripe{})
	f.certs.active = map[string]*certificate.Certificate{
		"client-ok":      {Serial: "serial-1", UserID: "client-ok"},
		"client-revoked": {Serial: "serial-2", UserID: "client-revoked", Revoked: true},
	}

	revoked, err := f.svc.CheckCertificateRevoked(context.Background(), "client-ok")
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = f.svc.CheckCertificateRevoked(context.Background(), "client-revoked")
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = f.svc.CheckCertificateRevoked(context.Background(), "client-unknown")
	assert.True(t, xerrors.Is(err, xerrors.ErrNotFound))
}

func TestGetCertificateDecryptsBundle(t *testing.T) {
	f := newFixture(&fakeVerifier{}, &fakeStripe{})
	p12, err := secure.Encrypt("pkcs12-bundle-bytes", testAESKey)
	require.NoError(t, err)
	f.certs.active = map[string]*certificate.Certificate{
		"user-a": {Serial: "serial-1", UserID: "user-a", Assigned: true, P12Encrypted: p12},
	}

	cert, bundle, err := f.svc.GetCertificate(context.Background(), "user-a")
	require.NoError(t, err)
	assert.Equal(t, "serial-1", cert.Serial)
	assert.Equal(t, "pkcs12-bundle-bytes", bundle)
}
