package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/capped"
	"github.com/alanyoungcy/stakecourt/internal/domain"
	"github.com/alanyoungcy/stakecourt/internal/ledger"
)

// AppealQuote describes the funding target of one side in the current round.
type AppealQuote struct {
	AppealCost  uint256.Int
	Multiplier  uint64
	Required    uint256.Int
	Paid        uint256.Int
	Remaining   uint256.Int
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// appealTerms checks the appeal window and picks the multiplier for side.
func (e *Engine) appealTerms(ctx context.Context, b *domain.Bet, side domain.Party) (domain.Arbitrator, AppealQuote, error) {
	var q AppealQuote
	if b.Status != domain.StatusDisputeCreated {
		return nil, q, fmt.Errorf("%w: bet is %s", domain.ErrPrecondition, b.Status)
	}
	if !side.Valid() {
		return nil, q, fmt.Errorf("%w: invalid side %d", domain.ErrPrecondition, side)
	}
	arb, err := e.arbitratorFor(b)
	if err != nil {
		return nil, q, err
	}
	start, end, err := arb.AppealPeriod(ctx, b.DisputeID)
	if err != nil {
		return nil, q, fmt.Errorf("%w: appeal period: %v", domain.ErrGateway, err)
	}
	now := e.clock()
	if now.Before(start) || !now.Before(end) {
		return nil, q, fmt.Errorf("%w: outside appeal period", domain.ErrPrecondition)
	}
	current, err := arb.CurrentRuling(ctx, b.DisputeID)
	if err != nil {
		return nil, q, fmt.Errorf("%w: current ruling: %v", domain.ErrGateway, err)
	}

	m := b.Terms.Multipliers
	switch {
	case current == domain.RulingNone:
		q.Multiplier = m.Shared
	case current.Party() == side:
		q.Multiplier = m.Winner
	default:
		q.Multiplier = m.Loser
		if now.Sub(start) >= end.Sub(start)/2 {
			return nil, q, fmt.Errorf("%w: losing side may only fund during the first half of the appeal period", domain.ErrPrecondition)
		}
	}

	cost, err := arb.AppealCost(ctx, b.DisputeID, b.ExtraData)
	if err != nil {
		return nil, q, fmt.Errorf("%w: appeal cost: %v", domain.ErrGateway, err)
	}
	q.AppealCost = cost
	q.Required = withStake(cost, q.Multiplier)
	q.PeriodStart, q.PeriodEnd = start, end
	if r := b.LastRound(); r != nil {
		q.Paid = r.PaidFees[side]
	}
	q.Remaining = capped.Sub(q.Required, q.Paid)
	return arb, q, nil
}

// AppealQuote returns the current funding target for side on bet id.
func (e *Engine) AppealQuote(ctx context.Context, id uint64, side domain.Party) (AppealQuote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookup(id)
	if err != nil {
		return AppealQuote{}, err
	}
	_, q, err := e.appealTerms(ctx, b, side)
	return q, err
}

// FundAppeal contributes value towards side's appeal fee in the latest round.
// Contributions are accepted up to the remaining amount and any excess is
// refunded. Once both sides are fully funded the appeal is raised.
func (e *Engine) FundAppeal(ctx context.Context, contributor common.Address, id uint64, side domain.Party, value uint256.Int) (Receipt, error) {
	var fx effects
	rcpt, err := e.fundAppeal(ctx, &fx, contributor, id, side, value)
	e.flush(ctx, &fx)
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: fund appeal: %w", err)
	}
	return rcpt, nil
}

func (e *Engine) fundAppeal(ctx context.Context, fx *effects, contributor common.Address, id uint64, side domain.Party, value uint256.Int) (Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookup(id)
	if err != nil {
		return Receipt{}, err
	}
	if value.IsZero() {
		return Receipt{}, fmt.Errorf("%w: no value sent", domain.ErrInsufficientFunds)
	}
	arb, q, err := e.appealTerms(ctx, b, side)
	if err != nil {
		return Receipt{}, err
	}
	if b.LastRound().FullyFunded[side] {
		return Receipt{}, fmt.Errorf("%w: %s side already funded", domain.ErrPrecondition, side)
	}

	if err := e.collect(ctx, contributor, value); err != nil {
		return Receipt{}, err
	}
	prev, prevCustody := b.Clone(), e.custody

	r := b.LastRound()
	accepted, refund := ledger.Contribute(r, side, contributor, value, q.Required)
	if !r.PaidFees[side].Lt(&q.Required) {
		r.FullyFunded[side] = true
	}
	e.refund(fx, b, contributor, refund)
	e.emit(fx, domain.EventAppealFunded, b, contributor, side, &accepted, map[string]string{
		"required": q.Required.Dec(),
		"paid":     r.PaidFees[side].Dec(),
	})

	if !r.BothFunded() {
		return Receipt{Accepted: accepted, Refunded: refund}, nil
	}

	r.Raised = true
	r.RewardPool = capped.Sub(r.RewardPool, q.AppealCost)
	e.custody = capped.Sub(e.custody, q.AppealCost)
	b.Rounds = append(b.Rounds, domain.NewRound())

	if err := arb.Appeal(ctx, b.DisputeID, b.ExtraData, q.AppealCost); err != nil {
		e.bets[id] = prev
		e.custody = prevCustody
		fx.reset()
		e.refund(fx, prev, contributor, value)
		return Receipt{}, fmt.Errorf("%w: appeal: %v", domain.ErrGateway, err)
	}
	e.emit(fx, domain.EventAppealRaised, b, contributor, domain.PartyNone, &q.AppealCost, nil)
	return Receipt{Accepted: accepted, Refunded: refund}, nil
}
