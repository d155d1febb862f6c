package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/sentinyl/backend/internal/auth"
)

const testSecret = "whsec_test"

type fakeStore struct {
	tierUser   uuid.UUID
	tier       string
	scanQuota  int
	agentQuota int
	statusUser uuid.UUID
	status     string
}

func (f *fakeStore) UpdateSubscriptionTier(_ context.Context, userID uuid.UUID, tier string, scanQuota, agentQuota int) error {
	f.tierUser, f.tier, f.scanQuota, f.agentQuota = userID, tier, scanQuota, agentQuota
	return nil
}

func (f *fakeStore) SetSubscriptionStatus(_ context.Context, userID uuid.UUID, status string) error {
	f.statusUser, f.status = userID, status
	return nil
}

func newTestService(st *fakeStore) *Service {
	return &Service{
		store:         st,
		webhookSecret: testSecret,
		successURL:    "https://app.example.com/billing/success",
		cancelURL:     "https://app.example.com/billing/cancel",
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestCreateCheckoutRejectsFreeAndUnknownTiers(t *testing.T) {
	svc := newTestService(&fakeStore{})
	for _, tier := range []string{auth.TierFree, "platinum", ""} {
		_, err := svc.CreateCheckout(context.Background(), uuid.New(), tier)
		assert.Error(t, err, "tier %q", tier)
	}
}

func TestCreateCheckoutBuildsSession(t *testing.T) {
	svc := newTestService(&fakeStore{})
	userID := uuid.New()

	var got *stripe.CheckoutSessionParams
	svc.newSession = func(p *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		got = p
		return &stripe.CheckoutSession{URL: "https://checkout.stripe.com/pay/cs_test"}, nil
	}

	url, err := svc.CreateCheckout(context.Background(), userID, auth.TierScoutPro)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_test", url)

	require.NotNil(t, got)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, int64(4900), *got.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "subscription", *got.Mode)
	assert.Equal(t, userID.String(), got.Metadata["user_id"])
	assert.Equal(t, auth.TierScoutPro, got.SubscriptionData.Metadata["tier"])
}

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func eventBody(eventType string, object string) string {
	return fmt.Sprintf(`{"id":"evt_test","api_version":%q,"type":%q,"data":{"object":%s}}`,
		stripe.APIVersion, eventType, object)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	svc := newTestService(&fakeStore{})
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook",
		strings.NewReader(`{"type":"checkout.session.completed"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bogus")

	rec := httptest.NewRecorder()
	svc.WebhookHandler()(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookCheckoutCompletedUpgradesTier(t *testing.T) {
	st := &fakeStore{}
	svc := newTestService(st)
	userID := uuid.New()

	body := eventBody("checkout.session.completed", fmt.Sprintf(
		`{"id":"cs_test","metadata":{"user_id":%q,"tier":"full_stack"}}`, userID))
	rec := httptest.NewRecorder()
	svc.WebhookHandler()(rec, signedRequest(t, body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, st.tierUser)
	assert.Equal(t, auth.TierFullStack, st.tier)
	assert.Equal(t, 0, st.scanQuota)
	assert.Equal(t, 0, st.agentQuota)
}

func TestWebhookPaymentFailedFlagsPastDue(t *testing.T) {
	st := &fakeStore{}
	svc := newTestService(st)
	userID := uuid.New()

	body := eventBody("invoice.payment_failed", fmt.Sprintf(
		`{"id":"in_test","subscription_details":{"metadata":{"user_id":%q}}}`, userID))
	rec := httptest.NewRecorder()
	svc.WebhookHandler()(rec, signedRequest(t, body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, st.statusUser)
	assert.Equal(t, "past_due", st.status)
}

func TestWebhookSubscriptionDeletedDowngradesToFree(t *testing.T) {
	st := &fakeStore{}
	svc := newTestService(st)
	userID := uuid.New()

	body := eventBody("customer.subscription.deleted", fmt.Sprintf(
		`{"id":"sub_test","metadata":{"user_id":%q,"tier":"scout_pro"}}`, userID))
	rec := httptest.NewRecorder()
	svc.WebhookHandler()(rec, signedRequest(t, body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, auth.TierFree, st.tier)
	assert.Equal(t, 5, st.scanQuota)
	assert.Equal(t, 0, st.agentQuota)
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	st := &fakeStore{}
	svc := newTestService(st)

	body := eventBody("customer.created", `{"id":"cus_test"}`)
	rec := httptest.NewRecorder()
	svc.WebhookHandler()(rec, signedRequest(t, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, st.tier)
	assert.Empty(t, st.status)
}
