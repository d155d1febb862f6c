// Package billing integrates Stripe subscriptions with the tier catalog.
// The API process creates checkout sessions; tier changes only ever land
// through the signed webhook, never from client input.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/sentinyl/backend/internal/auth"
)

// maxWebhookBytes bounds the webhook body read, per Stripe's guidance.
const maxWebhookBytes = 65536

// subscriptionStore is the slice of the persistence layer billing writes to.
type subscriptionStore interface {
	UpdateSubscriptionTier(ctx context.Context, userID uuid.UUID, tier string, scanQuota, agentQuota int) error
	SetSubscriptionStatus(ctx context.Context, userID uuid.UUID, status string) error
}

// Service talks to Stripe. Construct with New; a nil *Service disables the
// billing routes entirely.
type Service struct {
	store         subscriptionStore
	webhookSecret string
	successURL    string
	cancelURL     string
	logger        *slog.Logger

	// newSession is swapped out in tests.
	newSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// New wires the Stripe client. Returns nil when no API key is configured so
// callers can mount billing conditionally.
func New(st subscriptionStore, apiKey, webhookSecret, baseURL string, logger *slog.Logger) *Service {
	if apiKey == "" {
		return nil
	}
	stripe.Key = apiKey
	return &Service{
		store:         st,
		webhookSecret: webhookSecret,
		successURL:    baseURL + "/billing/success",
		cancelURL:     baseURL + "/billing/cancel",
		logger:        logger,
		newSession:    session.New,
	}
}

// CreateCheckout opens a Stripe checkout session for a tier upgrade and
// returns the hosted payment URL. The user and tier ride along as metadata
// so the webhook can apply the change without a lookup table.
func (b *Service) CreateCheckout(ctx context.Context, userID uuid.UUID, tierName string) (string, error) {
	tier, ok := auth.Tiers[tierName]
	if !ok || tier.PriceMonthly == 0 {
		return "", fmt.Errorf("tier %q is not purchasable", tierName)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(b.successURL),
		CancelURL:  stripe.String(b.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(string(stripe.CurrencyUSD)),
				UnitAmount: stripe.Int64(int64(tier.PriceMonthly)),
				Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
					Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
				},
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Sentinyl " + tier.Name),
				},
			},
		}},
		// The subscription object needs its own copy of the metadata so
		// later invoice events can be traced back to the user.
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id": userID.String(),
				"tier":    tierName,
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID.String())
	params.AddMetadata("tier", tierName)

	sess, err := b.newSession(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// WebhookHandler verifies Stripe's signature and applies subscription
// changes. Unhandled event types are acknowledged so Stripe stops retrying
// them.
func (b *Service) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
		if err != nil {
			http.Error(w, "could not read body", http.StatusBadRequest)
			return
		}
		event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), b.webhookSecret)
		if err != nil {
			b.logger.Warn("webhook signature rejected", "error", err)
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}

		switch event.Type {
		case "checkout.session.completed":
			err = b.applyCheckout(r.Context(), event.Data.Raw)
		case "invoice.payment_failed":
			err = b.applyStatus(r.Context(), event.Data.Raw, "past_due")
		case "customer.subscription.deleted":
			err = b.applyCancellation(r.Context(), event.Data.Raw)
		default:
			b.logger.Debug("webhook event ignored", "type", event.Type)
		}
		if err != nil {
			b.logger.Error("webhook apply failed", "type", event.Type, "error", err)
			// 500 makes Stripe retry with backoff.
			http.Error(w, "could not apply event", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (b *Service) applyCheckout(ctx context.Context, raw json.RawMessage) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}
	userID, tierName, err := metadataIdentity(sess.Metadata)
	if err != nil {
		return err
	}
	tier, ok := auth.Tiers[tierName]
	if !ok {
		return fmt.Errorf("unknown tier %q in checkout metadata", tierName)
	}
	if err := b.store.UpdateSubscriptionTier(ctx, userID, tierName, tier.ScanQuota, tier.AgentQuota); err != nil {
		return err
	}
	b.logger.Info("subscription upgraded", "user", userID, "tier", tierName)
	return nil
}

func (b *Service) applyStatus(ctx context.Context, raw json.RawMessage, status string) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	if inv.SubscriptionDetails == nil {
		return fmt.Errorf("invoice %s has no subscription details", inv.ID)
	}
	userID, _, err := metadataIdentity(inv.SubscriptionDetails.Metadata)
	if err != nil {
		return err
	}
	if err := b.store.SetSubscriptionStatus(ctx, userID, status); err != nil {
		return err
	}
	b.logger.Warn("subscription flagged", "user", userID, "status", status)
	return nil
}

func (b *Service) applyCancellation(ctx context.Context, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	userID, _, err := metadataIdentity(sub.Metadata)
	if err != nil {
		return err
	}
	free := auth.Tiers[auth.TierFree]
	if err := b.store.UpdateSubscriptionTier(ctx, userID, auth.TierFree, free.ScanQuota, free.AgentQuota); err != nil {
		return err
	}
	b.logger.Info("subscription downgraded to free", "user", userID)
	return nil
}

func metadataIdentity(md map[string]string) (uuid.UUID, string, error) {
	raw, ok := md["user_id"]
	if !ok {
		return uuid.Nil, "", fmt.Errorf("event metadata has no user_id")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("bad user_id in metadata: %w", err)
	}
	return userID, md["tier"], nil
}
