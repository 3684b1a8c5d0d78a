package application

import (
	"context"
	"encoding/json"

	"github.com/draftea/subscription-system/shared/events"
	"github.com/draftea/subscription-system/shared/idempotency"
	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/draftea/subscription-system/shared/saga"
	"github.com/draftea/subscription-system/shared/storage"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CreateSubscriptionSaga is the registered name of the subscription saga
const CreateSubscriptionSaga = "CreateSubscription"

// Step names of CreateSubscriptionSaga, in execution order.
const (
	StepValidatePlan       = "ValidatePlan"
	StepCreateSubscription = "CreateSubscription"
	StepProcessPayment     = "ProcessPayment"
	StepSendNotification   = "SendNotification"
)

// SubscriptionSagaState is passed from step to step. The saga payload fills
// the request fields and every step adds what it produced.
type SubscriptionSagaState struct {
	UserID        string `json:"userId"`
	PlanID        string `json:"planId"`
	Period        string `json:"period"`
	PaymentMethod string `json:"paymentMethod,omitempty"`

	PlanName string        `json:"planName,omitempty"`
	Amount   *models.Money `json:"amount,omitempty"`

	SubscriptionID     string `json:"subscriptionId,omitempty"`
	SubscriptionStatus string `json:"subscriptionStatus,omitempty"`

	PaymentID     string `json:"paymentId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	PaymentStatus string `json:"paymentStatus,omitempty"`

	NotificationID string `json:"notificationId,omitempty"`
	Notified       bool   `json:"notified,omitempty"`
}

func (s SubscriptionSagaState) notification() Notification {
	return Notification{
		SubscriptionID: s.SubscriptionID,
		UserID:         s.UserID,
		PlanID:         s.PlanID,
		PlanName:       s.PlanName,
	}
}

// WelcomeKey is the idempotency key shared by every path that welcomes a
// subscriber, so each subscription is welcomed once.
func WelcomeKey(subscriptionID string) string {
	return "welcome:" + subscriptionID
}

// SubscriptionSagaDependencies are the collaborators of the subscription saga
type SubscriptionSagaDependencies struct {
	Tx       storage.TxRunner
	Repo     domain.SubscriptionRepository
	Outbox   *outbox.Writer
	Gateway  PaymentGateway
	Notifier Notifier
	Guard    idempotency.Guard
	Logger   *zap.Logger
}

type subscriptionSaga struct {
	store    *subscriptionStore
	gateway  PaymentGateway
	notifier Notifier
	guard    idempotency.Guard
	logger   *zap.Logger
}

// NewCreateSubscriptionSaga builds the saga that validates the plan, creates
// the subscription, charges it and welcomes the subscriber. The subscription
// is activated once every step succeeded.
func NewCreateSubscriptionSaga(deps SubscriptionSagaDependencies) (*saga.Definition, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &subscriptionSaga{
		store:    newSubscriptionStore(deps.Tx, deps.Repo, deps.Outbox),
		gateway:  deps.Gateway,
		notifier: deps.Notifier,
		guard:    deps.Guard,
		logger:   logger.With(zap.String("saga", CreateSubscriptionSaga)),
	}

	return saga.NewDefinition(CreateSubscriptionSaga,
		[]saga.Step{
			saga.NewStep(StepValidatePlan, s.validatePlan, nil),
			saga.NewStep(StepCreateSubscription, s.createSubscription, s.cancelSubscription),
			saga.NewStep(StepProcessPayment, s.processPayment, s.refundPayment),
			saga.NewStep(StepSendNotification, s.sendWelcome, s.sendCancellation),
		},
		saga.WithOnComplete(s.onComplete),
		saga.WithOnCompensated(s.onCompensated),
	)
}

func (s *subscriptionSaga) validatePlan(ctx context.Context, in SubscriptionSagaState) (SubscriptionSagaState, error) {
	if in.UserID == "" {
		return in, errors.Wrap(ErrInvalidCommand, "user ID is required")
	}
	plan, err := domain.FindPlan(in.PlanID)
	if err != nil {
		return in, err
	}
	period, err := domain.ParseBillingPeriod(in.Period)
	if err != nil {
		return in, err
	}

	in.Period = string(period)
	in.PlanName = plan.Name
	in.Amount = &plan.Price
	return in, nil
}

func (s *subscriptionSaga) createSubscription(ctx context.Context, in SubscriptionSagaState) (SubscriptionSagaState, error) {
	sub, err := domain.NewSubscription(models.ID(in.UserID), in.PlanID, domain.BillingPeriod(in.Period), models.Now())
	if err != nil {
		return in, err
	}
	if err := s.store.create(ctx, sub, events.SubscriptionCreated); err != nil {
		return in, err
	}

	in.SubscriptionID = sub.ID.String()
	in.SubscriptionStatus = string(sub.Status)
	return in, nil
}

func (s *subscriptionSaga) cancelSubscription(ctx context.Context, in, out SubscriptionSagaState) error {
	if out.SubscriptionID == "" {
		return nil
	}
	_, err := s.store.update(ctx, models.ID(out.SubscriptionID), events.SubscriptionCancelled, func(sub *domain.Subscription) error {
		if sub.Status == domain.StatusCancelled {
			return errAlreadyCancelled
		}
		return sub.Cancel()
	})
	if errors.Is(err, errAlreadyCancelled) {
		return nil
	}
	return err
}

var errAlreadyCancelled = errors.New("subscription already cancelled")

func (s *subscriptionSaga) processPayment(ctx context.Context, in SubscriptionSagaState) (SubscriptionSagaState, error) {
	if in.Amount == nil {
		return in, errors.New("plan amount missing from saga state")
	}

	res, err := s.gateway.Charge(ctx, ChargeRequest{
		SubscriptionID: in.SubscriptionID,
		UserID:         in.UserID,
		PlanID:         in.PlanID,
		Amount:         *in.Amount,
		PaymentMethod:  in.PaymentMethod,
		IdempotencyKey: "charge-" + in.SubscriptionID,
	})
	if err != nil {
		return in, err
	}

	in.PaymentID = res.PaymentID
	in.TransactionID = res.TransactionID
	in.PaymentStatus = res.Status
	return in, nil
}

func (s *subscriptionSaga) refundPayment(ctx context.Context, in, out SubscriptionSagaState) error {
	if out.PaymentID == "" {
		return nil
	}
	return s.gateway.Refund(ctx, out.PaymentID, "refund-"+out.PaymentID)
}

func (s *subscriptionSaga) sendWelcome(ctx context.Context, in SubscriptionSagaState) (SubscriptionSagaState, error) {
	ran, err := s.guard.Do(ctx, WelcomeKey(in.SubscriptionID), func(ctx context.Context) error {
		id, err := s.notifier.SendWelcome(ctx, in.notification())
		if err != nil {
			return err
		}
		in.NotificationID = id
		return nil
	})
	if err != nil {
		return in, errors.Wrap(err, "failed to send welcome notification")
	}
	in.Notified = true
	if !ran {
		s.logger.Debug("welcome already sent", zap.String("subscription_id", in.SubscriptionID))
	}
	return in, nil
}

func (s *subscriptionSaga) sendCancellation(ctx context.Context, in, out SubscriptionSagaState) error {
	return s.notifier.SendCancellation(ctx, out.notification())
}

func (s *subscriptionSaga) onComplete(ctx context.Context, payload json.RawMessage, outputs []json.RawMessage) error {
	var state SubscriptionSagaState
	if err := json.Unmarshal(outputs[len(outputs)-1], &state); err != nil {
		return errors.Wrap(err, "failed to decode saga result")
	}

	if _, err := s.store.update(ctx, models.ID(state.SubscriptionID), events.SubscriptionActivated, (*domain.Subscription).Activate); err != nil {
		return errors.Wrap(err, "failed to activate subscription")
	}

	s.logger.Info("subscription activated",
		zap.String("subscription_id", state.SubscriptionID),
		zap.String("payment_id", state.PaymentID),
	)
	return nil
}

func (s *subscriptionSaga) onCompensated(ctx context.Context, payload json.RawMessage, cause error) error {
	var req SubscriptionSagaState
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Error("failed to decode compensated saga payload", zap.ByteString("payload", payload), zap.Error(err))
	}

	s.logger.Warn("subscription saga compensated",
		zap.String("user_id", req.UserID),
		zap.String("plan_id", req.PlanID),
		zap.Error(cause),
	)
	return nil
}
