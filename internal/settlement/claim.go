package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/capped"
	"github.com/alanyoungcy/stakecourt/internal/domain"
	"github.com/alanyoungcy/stakecourt/internal/ledger"
)

// withStake adds cost·multiplier/Divisor on top of cost.
func withStake(cost uint256.Int, multiplier uint64) uint256.Int {
	stake := capped.Div(capped.Mul(cost, capped.U64(multiplier)), capped.U64(domain.Divisor))
	return capped.Add(cost, stake)
}

// ClaimCost quotes the fee each side pays to open a dispute on bet id.
func (e *Engine) ClaimCost(ctx context.Context, id uint64) (uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookup(id)
	if err != nil {
		return uint256.Int{}, err
	}
	arb, err := e.arbitratorFor(b)
	if err != nil {
		return uint256.Int{}, err
	}
	cost, err := arb.ArbitrationCost(ctx, b.ExtraData)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: arbitration cost: %v", domain.ErrGateway, err)
	}
	return withStake(cost, b.Terms.Multipliers.Shared), nil
}

// InitiateClaim pays the caller's side of the claim fee. The proposer or any
// taker with a fill may call it inside the claim window. When the opposing
// side has already paid, the dispute is raised with the arbitrator.
func (e *Engine) InitiateClaim(ctx context.Context, caller common.Address, id uint64, value uint256.Int) (Receipt, error) {
	var fx effects
	rcpt, err := e.initiateClaim(ctx, &fx, caller, id, value)
	e.flush(ctx, &fx)
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: initiate claim: %w", err)
	}
	return rcpt, nil
}

func (e *Engine) initiateClaim(ctx context.Context, fx *effects, caller common.Address, id uint64, value uint256.Int) (Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookup(id)
	if err != nil {
		return Receipt{}, err
	}
	now := e.clock()
	switch {
	case b.Status != domain.StatusOpen && b.Status != domain.StatusWaitingOpponentFee:
		return Receipt{}, fmt.Errorf("%w: bet is %s", domain.ErrPrecondition, b.Status)
	case !now.After(b.Terms.ClaimStart) || !now.Before(b.Terms.ClaimEnd):
		return Receipt{}, fmt.Errorf("%w: outside claim window", domain.ErrPrecondition)
	case b.Principal.Filled.IsZero():
		return Receipt{}, fmt.Errorf("%w: bet has no takers", domain.ErrPrecondition)
	}

	var side domain.Party
	switch {
	case caller == b.Proposer:
		side = domain.PartyProposer
	case b.IsParty(caller):
		side = domain.PartyTaker
	default:
		return Receipt{}, fmt.Errorf("%w: caller is not a party to bet %d", domain.ErrUnauthorized, id)
	}
	if len(b.Rounds) > 0 && b.Rounds[0].FullyFunded[side] {
		return Receipt{}, fmt.Errorf("%w: %s side already paid", domain.ErrPrecondition, side)
	}

	arb, err := e.arbitratorFor(b)
	if err != nil {
		return Receipt{}, err
	}
	cost, err := arb.ArbitrationCost(ctx, b.ExtraData)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: arbitration cost: %v", domain.ErrGateway, err)
	}
	claimCost := withStake(cost, b.Terms.Multipliers.Shared)
	if value.Lt(&claimCost) {
		return Receipt{}, fmt.Errorf("%w: claim costs %s, sent %s", domain.ErrInsufficientFunds, claimCost.Dec(), value.Dec())
	}

	if err := e.collect(ctx, caller, value); err != nil {
		return Receipt{}, err
	}
	prev, prevCustody := b.Clone(), e.custody

	if len(b.Rounds) == 0 {
		b.Rounds = append(b.Rounds, domain.NewRound())
	}
	r0 := b.Rounds[0]
	accepted, refund := ledger.Contribute(r0, side, caller, value, claimCost)
	r0.FullyFunded[side] = true
	if side == domain.PartyTaker && b.TakerClaimant == (common.Address{}) {
		b.TakerClaimant = caller
	}
	e.refund(fx, b, caller, refund)
	e.emit(fx, domain.EventClaimInitiated, b, caller, side, &accepted, nil)

	if !r0.FullyFunded[side.Other()] {
		b.Status = domain.StatusWaitingOpponentFee
		e.emit(fx, domain.EventHasToPayFee, b, caller, side.Other(), &claimCost, nil)
		return Receipt{Accepted: accepted, Refunded: refund}, nil
	}

	if err := e.raiseDispute(ctx, fx, b, arb, cost); err != nil {
		e.bets[id] = prev
		e.custody = prevCustody
		fx.reset()
		e.refund(fx, prev, caller, value)
		return Receipt{}, err
	}
	return Receipt{Accepted: accepted, Refunded: refund}, nil
}

// raiseDispute forwards the arbitration fee from round 0 and opens the
// dispute. State is updated before the gateway is called.
func (e *Engine) raiseDispute(ctx context.Context, fx *effects, b *domain.Bet, arb domain.Arbitrator, fee uint256.Int) error {
	r0 := b.Rounds[0]
	r0.Raised = true
	r0.RewardPool = capped.Sub(r0.RewardPool, fee)
	e.custody = capped.Sub(e.custody, fee)
	b.Status = domain.StatusDisputeCreated
	b.Rounds = append(b.Rounds, domain.NewRound())

	disputeID, err := arb.CreateDispute(ctx, domain.RulingChoices, b.ExtraData, fee)
	if err != nil {
		return fmt.Errorf("%w: create dispute: %v", domain.ErrGateway, err)
	}
	key := disputeKey{b.Arbitrator, disputeID}
	if other, taken := e.disputes[key]; taken {
		return fmt.Errorf("%w: dispute %d already belongs to bet %d", domain.ErrGateway, disputeID, other)
	}
	b.DisputeID = disputeID
	b.HasDispute = true
	e.disputes[key] = b.ID

	e.emit(fx, domain.EventDisputeCreated, b, b.Arbitrator, domain.PartyNone, &fee, map[string]string{
		"dispute_id": fmt.Sprint(uint64(disputeID)),
	})
	return nil
}

// TimeoutUnopposed settles a bet whose opponent never paid its claim fee.
// Anyone may call it once the claim window has closed; the ruling goes to
// the side that paid.
func (e *Engine) TimeoutUnopposed(ctx context.Context, caller common.Address, id uint64) error {
	var fx effects
	err := e.timeoutUnopposed(&fx, caller, id)
	e.flush(ctx, &fx)
	if err != nil {
		return fmt.Errorf("settlement: timeout: %w", err)
	}
	return nil
}

func (e *Engine) timeoutUnopposed(fx *effects, caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookup(id)
	if err != nil {
		return err
	}
	if b.Status != domain.StatusWaitingOpponentFee {
		return fmt.Errorf("%w: bet is %s", domain.ErrPrecondition, b.Status)
	}
	if !e.clock().After(b.Terms.ClaimEnd) {
		return fmt.Errorf("%w: claim window still open", domain.ErrPrecondition)
	}
	payer := b.Rounds[0].SoleFunder()
	if !payer.Valid() {
		return fmt.Errorf("%w: no single paying side", domain.ErrPrecondition)
	}
	e.resolve(fx, b, caller, domain.Ruling(payer))
	return nil
}

// ExpireUnclaimed refunds every party of a filled bet nobody claimed before
// the claim window closed. Anyone may call it.
func (e *Engine) ExpireUnclaimed(ctx context.Context, caller common.Address, id uint64) error {
	var fx effects
	err := e.expireUnclaimed(&fx, caller, id)
	e.flush(ctx, &fx)
	if err != nil {
		return fmt.Errorf("settlement: expire: %w", err)
	}
	return nil
}

func (e *Engine) expireUnclaimed(fx *effects, caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookup(id)
	if err != nil {
		return err
	}
	switch {
	case b.Status != domain.StatusOpen:
		return fmt.Errorf("%w: bet is %s", domain.ErrPrecondition, b.Status)
	case b.Principal.Filled.IsZero():
		return fmt.Errorf("%w: bet has no takers", domain.ErrPrecondition)
	case !e.clock().After(b.Terms.ClaimEnd):
		return fmt.Errorf("%w: claim window still open", domain.ErrPrecondition)
	}
	e.resolve(fx, b, caller, domain.RulingNone)
	return nil
}
