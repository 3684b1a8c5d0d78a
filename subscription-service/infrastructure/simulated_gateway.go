package infrastructure

import (
	"context"
	"fmt"
	"sync"

	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/subscription-service/application"
	"github.com/pkg/errors"
)

var _ application.PaymentGateway = (*SimulatedGateway)(nil)

// SimulatedGateway approves every charge except those for declined plans.
// Charges are idempotent per key, and a key replayed with other parameters is
// rejected.
type SimulatedGateway struct {
	mu       sync.Mutex
	declined map[string]bool
	byKey    map[string]keyedCharge
	refunded map[string]bool
	seq      int
}

type keyedCharge struct {
	request application.ChargeRequest
	result  *application.ChargeResult
}

func NewSimulatedGateway(declinedPlans []string) *SimulatedGateway {
	g := &SimulatedGateway{
		declined: make(map[string]bool, len(declinedPlans)),
		byKey:    make(map[string]keyedCharge),
		refunded: make(map[string]bool),
	}
	for _, p := range declinedPlans {
		g.declined[p] = true
	}
	return g
}

func (g *SimulatedGateway) Charge(ctx context.Context, req application.ChargeRequest) (*application.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.declined[req.PlanID] {
		return nil, errors.Wrapf(application.ErrPaymentDeclined, "plan %s", req.PlanID)
	}
	if !req.Amount.IsPositive() {
		return nil, errors.Wrap(application.ErrPaymentDeclined, "amount must be positive")
	}
	if prior, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		if prior.request != req {
			return nil, errors.Wrapf(application.ErrIdempotencyKeyReused, "key %s", req.IdempotencyKey)
		}
		copied := *prior.result
		return &copied, nil
	}

	g.seq++
	res := &application.ChargeResult{
		PaymentID:     models.GenerateUUID().String(),
		TransactionID: fmt.Sprintf("TXN-%06d", g.seq),
		Status:        "APPROVED",
	}
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = keyedCharge{request: req, result: res}
	}
	copied := *res
	return &copied, nil
}

func (g *SimulatedGateway) Refund(ctx context.Context, paymentID, idempotencyKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunded[paymentID] = true
	return nil
}

// Refunded reports whether paymentID was refunded
func (g *SimulatedGateway) Refunded(paymentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[paymentID]
}
