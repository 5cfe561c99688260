package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Payment method references with a fixed simulated result.  They follow
// the names of Stripe's test payment methods.
const (
	SimulatedDeclined     = "pm_card_chargeDeclined"
	SimulatedRequires3DS  = "pm_card_authenticationRequired"
	SimulatedProviderDown = "pm_provider_unavailable"
)

// SimulatedGateway implements Gateway without a network call.  Any method
// reference other than the ones above succeeds.  Like a real provider it
// remembers idempotency keys and returns the original result on replay.
type SimulatedGateway struct {
	mu      sync.Mutex
	results map[string]ChargeResult
}

// NewSimulatedGateway returns an empty SimulatedGateway.
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{results: make(map[string]ChargeResult)}
}

func (g *SimulatedGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.PaymentMethodRef == SimulatedProviderDown {
		return nil, fmt.Errorf("simulated provider unavailable")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if req.IdempotencyKey != "" {
		if prev, ok := g.results[req.IdempotencyKey]; ok {
			return &prev, nil
		}
	}
	res := ChargeResult{TransactionID: "sim_" + uuid.NewString()}
	switch req.PaymentMethodRef {
	case SimulatedDeclined:
		res.Outcome = Failed
		res.FailureReason = "card_declined"
	case SimulatedRequires3DS:
		res.Outcome = RequiresAction
		res.ClientSecret = res.TransactionID + "_secret"
	default:
		res.Outcome = Succeeded
	}
	if req.IdempotencyKey != "" {
		g.results[req.IdempotencyKey] = res
	}
	return &res, nil
}

func (g *SimulatedGateway) Name() string { return "simulated" }
