package infrastructure

import (
	"context"
	"strings"

	"github.com/draftea/subscription-system/subscription-service/application"
	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

var _ application.PaymentGateway = (*StripeGateway)(nil)

// StripePaymentIntents is the part of the payment intents client the gateway uses
type StripePaymentIntents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeRefunds is the part of the refunds client the gateway uses
type StripeRefunds interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeGateway charges subscriptions with confirmed payment intents
type StripeGateway struct {
	intents              StripePaymentIntents
	refunds              StripeRefunds
	defaultPaymentMethod string
}

// NewStripeGateway creates a gateway with its own API client, leaving the
// package-level stripe.Key untouched.
func NewStripeGateway(secretKey, defaultPaymentMethod string) *StripeGateway {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return NewStripeGatewayWithClients(sc.PaymentIntents, sc.Refunds, defaultPaymentMethod)
}

func NewStripeGatewayWithClients(intents StripePaymentIntents, refunds StripeRefunds, defaultPaymentMethod string) *StripeGateway {
	return &StripeGateway{intents: intents, refunds: refunds, defaultPaymentMethod: defaultPaymentMethod}
}

func (g *StripeGateway) Charge(ctx context.Context, req application.ChargeRequest) (*application.ChargeResult, error) {
	method := req.PaymentMethod
	if method == "" {
		method = g.defaultPaymentMethod
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount.Amount),
		Currency:      stripe.String(strings.ToLower(req.Amount.Currency)),
		PaymentMethod: stripe.String(method),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String(string(stripe.PaymentIntentAutomaticPaymentMethodsAllowRedirectsNever)),
		},
		Metadata: map[string]string{
			"subscription_id": req.SubscriptionID,
			"user_id":         req.UserID,
			"plan_id":         req.PlanID,
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}

	intent, err := g.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			switch stripeErr.Type {
			case stripe.ErrorTypeCard:
				return nil, errors.Wrapf(application.ErrPaymentDeclined, "%s: %s", stripeErr.Code, stripeErr.Msg)
			case stripe.ErrorTypeIdempotency:
				return nil, errors.Wrap(application.ErrIdempotencyKeyReused, stripeErr.Msg)
			}
		}
		return nil, errors.Wrap(err, "failed to create stripe payment intent")
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, errors.Wrapf(application.ErrPaymentDeclined, "payment intent %s is %s", intent.ID, intent.Status)
	}

	transactionID := intent.ID
	if intent.LatestCharge != nil && intent.LatestCharge.ID != "" {
		transactionID = intent.LatestCharge.ID
	}
	return &application.ChargeResult{
		PaymentID:     intent.ID,
		TransactionID: transactionID,
		Status:        string(intent.Status),
	}, nil
}

// Refund refunds the whole payment intent
func (g *StripeGateway) Refund(ctx context.Context, paymentID, idempotencyKey string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentID)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.IdempotencyKey = stripe.String(idempotencyKey)
	}

	if _, err := g.refunds.New(params); err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			return nil
		}
		return errors.Wrapf(err, "failed to refund payment %s", paymentID)
	}
	return nil
}
