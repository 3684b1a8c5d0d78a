package application

import (
	"context"

	"github.com/draftea/subscription-system/shared/models"
	"github.com/pkg/errors"
)

var (
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrIdempotencyKeyReused is returned when a key comes back with
	// different charge parameters.
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with different parameters")
)

// ChargeRequest asks the gateway to charge a subscription's first period
type ChargeRequest struct {
	SubscriptionID string
	UserID         string
	PlanID         string
	Amount         models.Money
	PaymentMethod  string
	// IdempotencyKey makes a retried charge return the original result.
	IdempotencyKey string
}

// ChargeResult is an approved charge
type ChargeResult struct {
	PaymentID     string
	TransactionID string
	Status        string
}

// PaymentGateway charges and refunds subscription payments
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, paymentID, idempotencyKey string) error
}

// Notification identifies who a subscription message is for
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	UserID         string `json:"userId"`
	PlanID         string `json:"planId"`
	PlanName       string `json:"planName,omitempty"`
}

// Notifier sends subscription messages to users
type Notifier interface {
	SendWelcome(ctx context.Context, n Notification) (string, error)
	SendCancellation(ctx context.Context, n Notification) error
}
