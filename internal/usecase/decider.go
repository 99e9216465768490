package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/vitos/crypto_risk_gate/internal/domain"
)

// Decision is the outcome of the Decide phase. Reserved is set only when
// the protocol approved and risk was booked for the cycle.
type Decision struct {
	Evaluation  domain.Evaluation  `json:"evaluation"`
	Reservation domain.Reservation `json:"reservation"`
	Reserved    bool               `json:"reserved"`
}

type Decider struct {
	protocol *RiskProtocol
}

func NewDecider(protocol *RiskProtocol) *Decider {
	return &Decider{protocol: protocol}
}

// Decide evaluates the proposal and reserves its risk on approval. A
// context that ends during evaluation yields ErrAssessmentFailed. Only the
// final decision is counted, so an approval rejected at reservation shows
// up once, as Rejected.
func (d *Decider) Decide(ctx context.Context, cycleID string, proposal domain.TradeProposal) (Decision, error) {
	ev, err := d.protocol.evaluate(ctx, proposal)
	if err != nil {
		return Decision{}, assessmentFailed(err)
	}
	if !ev.Decision.IsApproval() {
		d.protocol.observeDecision(ev.Decision)
		return Decision{Evaluation: ev}, nil
	}

	res, ev, err := d.protocol.Reserve(ctx, cycleID, ev)
	if err != nil {
		return Decision{}, assessmentFailed(err)
	}
	d.protocol.observeDecision(ev.Decision)
	return Decision{
		Evaluation:  ev,
		Reservation: res,
		Reserved:    ev.Decision.IsApproval(),
	}, nil
}

func assessmentFailed(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = &domain.TimeoutError{Phase: domain.PhaseDeciding}
	}
	return fmt.Errorf("%w: %w", domain.ErrAssessmentFailed, err)
}
