package domain

import (
	"context"
	"time"

	"github.com/draftea/subscription-system/shared/models"
	"github.com/pkg/errors"
)

// AggregateType names subscriptions in the outbox
const AggregateType = "Subscription"

var (
	ErrSubscriptionNotFound    = errors.New("subscription not found")
	ErrInvalidStatusTransition = errors.New("invalid subscription status transition")
	ErrInvalidSubscription     = errors.New("invalid subscription")
	ErrVersionConflict         = errors.New("subscription was modified concurrently")
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	StatusPending   SubscriptionStatus = "PENDING"
	StatusActive    SubscriptionStatus = "ACTIVE"
	StatusPaused    SubscriptionStatus = "PAUSED"
	StatusCancelled SubscriptionStatus = "CANCELLED"
)

func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused, StatusCancelled:
		return true
	}
	return false
}

// Subscription aggregate root
type Subscription struct {
	ID         models.ID
	UserID     models.ID
	PlanID     string
	Status     SubscriptionStatus
	Term       Term
	Timestamps models.Timestamps
	Version    models.Version
}

// NewSubscription creates a PENDING subscription whose first term starts at now.
func NewSubscription(userID models.ID, planID string, period BillingPeriod, now time.Time) (*Subscription, error) {
	term, err := NewTerm(period, now)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:         models.GenerateUUID(),
		UserID:     userID,
		PlanID:     planID,
		Status:     StatusPending,
		Term:       term,
		Timestamps: models.NewTimestamps(now),
		Version:    models.FirstVersion(),
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

// Validate checks the invariants every stored subscription holds
func (s *Subscription) Validate() error {
	switch {
	case s.ID.IsEmpty():
		return errors.Wrap(ErrInvalidSubscription, "subscription ID is required")
	case s.UserID.IsEmpty():
		return errors.Wrap(ErrInvalidSubscription, "user ID is required")
	case s.PlanID == "":
		return errors.Wrap(ErrInvalidSubscription, "plan ID is required")
	case !s.Status.IsValid():
		return errors.Wrapf(ErrInvalidSubscription, "unknown status %q", s.Status)
	}
	return s.Term.Validate()
}

// Activate moves a pending or paused subscription to ACTIVE
func (s *Subscription) Activate() error {
	if s.Status != StatusPending && s.Status != StatusPaused {
		return s.invalidTransition(StatusActive)
	}
	s.transition(StatusActive)
	return nil
}

// Pause suspends an active subscription
func (s *Subscription) Pause() error {
	if s.Status != StatusActive {
		return s.invalidTransition(StatusPaused)
	}
	s.transition(StatusPaused)
	return nil
}

// Cancel ends the subscription. Cancelled is final.
func (s *Subscription) Cancel() error {
	if s.Status == StatusCancelled {
		return s.invalidTransition(StatusCancelled)
	}
	s.transition(StatusCancelled)
	return nil
}

// Renew starts the next term of an active subscription
func (s *Subscription) Renew(now time.Time) error {
	if s.Status != StatusActive {
		return errors.Wrapf(ErrInvalidStatusTransition, "only active subscriptions can be renewed, status is %s", s.Status)
	}

	term, err := s.Term.Renew(now)
	if err != nil {
		return errors.Wrap(err, "failed to renew term")
	}
	s.Term = term
	s.Timestamps = s.Timestamps.Touch(now)
	s.Version = s.Version.Next()
	return nil
}

// Snapshot is the event payload describing the subscription's current state
func (s *Subscription) Snapshot() SubscriptionSnapshot {
	return SubscriptionSnapshot{
		SubscriptionID: s.ID.String(),
		UserID:         s.UserID.String(),
		PlanID:         s.PlanID,
		Status:         s.Status,
		Period:         s.Term.Period,
		StartsAt:       s.Term.StartsAt,
		NextBillingAt:  s.Term.NextBillingAt,
	}
}

func (s *Subscription) transition(next SubscriptionStatus) {
	s.Status = next
	s.Timestamps = s.Timestamps.Touch(models.Now())
	s.Version = s.Version.Next()
}

func (s *Subscription) invalidTransition(next SubscriptionStatus) error {
	return errors.Wrapf(ErrInvalidStatusTransition, "%s -> %s", s.Status, next)
}

// SubscriptionSnapshot is carried by every subscription event
type SubscriptionSnapshot struct {
	SubscriptionID string             `json:"subscriptionId"`
	UserID         string             `json:"userId"`
	PlanID         string             `json:"planId"`
	Status         SubscriptionStatus `json:"status"`
	Period         BillingPeriod      `json:"period"`
	StartsAt       time.Time          `json:"startsAt"`
	NextBillingAt  time.Time          `json:"nextBillingAt"`
}

// SubscriptionRepository interface. Save joins the transaction carried by
// ctx; it inserts version 1 and otherwise updates only the row holding the
// previous version, returning ErrVersionConflict when that row moved on.
// FindByID returns ErrSubscriptionNotFound when absent.
type SubscriptionRepository interface {
	Save(ctx context.Context, sub *Subscription) error
	FindByID(ctx context.Context, id models.ID) (*Subscription, error)
	FindByUserID(ctx context.Context, userID models.ID) ([]*Subscription, error)
}
