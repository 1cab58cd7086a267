package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/capped"
	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// Capacity returns how much more taker stake a bet of offered principal at
// ratio can absorb once filled is already taken. The operation order is
// fixed: offered² / (offered·favorite/underdog − offered) − filled, each
// division truncating. A zero denominator yields zero capacity.
func Capacity(offered uint256.Int, ratio domain.Ratio, filled uint256.Int) uint256.Int {
	num := capped.Mul(offered, offered)
	scaled := capped.Div(capped.Mul(capped.U64(ratio.Favorite), offered), capped.U64(ratio.Underdog))
	den := capped.Sub(scaled, offered)
	return capped.Sub(capped.Div(num, den), filled)
}

// ProposalRequest carries the arguments of Propose.
type ProposalRequest struct {
	Proposer   common.Address
	Terms      domain.BetTerms
	Arbitrator common.Address
	ExtraData  []byte
	Value      uint256.Int
}

// Propose opens a bet staking req.Value as principal and returns its id.
func (e *Engine) Propose(ctx context.Context, req ProposalRequest) (uint64, error) {
	var fx effects
	id, err := e.propose(ctx, &fx, req)
	e.flush(ctx, &fx)
	if err != nil {
		return 0, fmt.Errorf("settlement: propose: %w", err)
	}
	return id, nil
}

func (e *Engine) propose(ctx context.Context, fx *effects, req ProposalRequest) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	t := req.Terms
	switch {
	case t.Ratio.Underdog == 0 || t.Ratio.Favorite <= t.Ratio.Underdog:
		return 0, fmt.Errorf("%w: ratio must satisfy favorite > underdog > 0", domain.ErrInvalidTerms)
	case !t.BetEnd.Before(t.ClaimStart):
		return 0, fmt.Errorf("%w: bet end must precede claim start", domain.ErrInvalidTerms)
	case t.ClaimEnd.Before(t.ClaimStart):
		return 0, fmt.Errorf("%w: claim end precedes claim start", domain.ErrInvalidTerms)
	case !now.Before(t.BetEnd):
		return 0, fmt.Errorf("%w: bet end already passed", domain.ErrInvalidTerms)
	case req.Value.IsZero():
		return 0, fmt.Errorf("%w: offered amount must be positive", domain.ErrInvalidTerms)
	}
	if _, ok := e.arbitrators[req.Arbitrator]; !ok {
		return 0, fmt.Errorf("%w: unknown arbitrator %s", domain.ErrInvalidTerms, req.Arbitrator.Hex())
	}
	if c := Capacity(req.Value, t.Ratio, uint256.Int{}); c.IsZero() {
		return 0, fmt.Errorf("%w: offered amount too small for ratio %d:%d", domain.ErrInvalidTerms, t.Ratio.Favorite, t.Ratio.Underdog)
	}

	if err := e.collect(ctx, req.Proposer, req.Value); err != nil {
		return 0, err
	}

	b := &domain.Bet{
		ID:         uint64(len(e.bets)),
		Proposer:   req.Proposer,
		Terms:      t,
		Fills:      make(map[common.Address]uint256.Int),
		Arbitrator: req.Arbitrator,
		ExtraData:  append([]byte(nil), req.ExtraData...),
		Status:     domain.StatusOpen,
		CreatedAt:  now.UTC(),
	}
	b.Principal.Offered = req.Value
	e.bets = append(e.bets, b)

	e.emit(fx, domain.EventBetProposed, b, req.Proposer, domain.PartyProposer, &req.Value, map[string]string{
		"description": t.Description,
	})
	return b.ID, nil
}

// Fill stakes value against bet id. Only the part that fits the remaining
// capacity is accepted; the rest is refunded.
func (e *Engine) Fill(ctx context.Context, taker common.Address, id uint64, value uint256.Int) (Receipt, error) {
	var fx effects
	rcpt, err := e.fill(ctx, &fx, taker, id, value)
	e.flush(ctx, &fx)
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: fill: %w", err)
	}
	return rcpt, nil
}

func (e *Engine) fill(ctx context.Context, fx *effects, taker common.Address, id uint64, value uint256.Int) (Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookup(id)
	if err != nil {
		return Receipt{}, err
	}
	switch {
	case b.Status != domain.StatusOpen:
		return Receipt{}, fmt.Errorf("%w: bet is %s", domain.ErrPrecondition, b.Status)
	case !e.clock().Before(b.Terms.BetEnd):
		return Receipt{}, fmt.Errorf("%w: betting period ended", domain.ErrPrecondition)
	case taker == b.Proposer:
		return Receipt{}, fmt.Errorf("%w: proposer cannot take its own bet", domain.ErrPrecondition)
	case value.IsZero():
		return Receipt{}, fmt.Errorf("%w: no value sent", domain.ErrInsufficientFunds)
	case !b.Principal.Filled.Lt(&b.Principal.Offered):
		return Receipt{}, fmt.Errorf("%w: bet fully filled", domain.ErrPrecondition)
	}
	room := Capacity(b.Principal.Offered, b.Terms.Ratio, b.Principal.Filled)
	if room.IsZero() {
		return Receipt{}, fmt.Errorf("%w: no capacity left", domain.ErrPrecondition)
	}

	if err := e.collect(ctx, taker, value); err != nil {
		return Receipt{}, err
	}
	accepted := capped.Min(value, room)
	refund := capped.Sub(value, accepted)

	b.Principal.Filled = capped.Add(b.Principal.Filled, accepted)
	b.Fills[taker] = capped.Add(b.Fills[taker], accepted)
	e.refund(fx, b, taker, refund)

	e.emit(fx, domain.EventBetFilled, b, taker, domain.PartyTaker, &accepted, nil)
	return Receipt{Accepted: accepted, Refunded: refund}, nil
}

// WithdrawUnfilled returns the principal of a bet nobody took once its
// betting period is over. Only the proposer may call it.
func (e *Engine) WithdrawUnfilled(ctx context.Context, caller common.Address, id uint64) (uint256.Int, error) {
	var fx effects
	amt, err := e.withdrawUnfilled(&fx, caller, id)
	e.flush(ctx, &fx)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("settlement: withdraw unfilled: %w", err)
	}
	return amt, nil
}

func (e *Engine) withdrawUnfilled(fx *effects, caller common.Address, id uint64) (uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookup(id)
	if err != nil {
		return uint256.Int{}, err
	}
	switch {
	case caller != b.Proposer:
		return uint256.Int{}, fmt.Errorf("%w: only the proposer may withdraw", domain.ErrUnauthorized)
	case b.Status != domain.StatusOpen:
		return uint256.Int{}, fmt.Errorf("%w: bet is %s", domain.ErrPrecondition, b.Status)
	case !b.Principal.Filled.IsZero():
		return uint256.Int{}, fmt.Errorf("%w: bet has takers", domain.ErrPrecondition)
	case !e.clock().After(b.Terms.BetEnd):
		return uint256.Int{}, fmt.Errorf("%w: betting period still running", domain.ErrPrecondition)
	}

	amt := b.Principal.Offered
	b.Principal.Offered = uint256.Int{}
	b.Status = domain.StatusResolved
	b.ResolvedAt = e.clock().UTC()
	e.pay(fx, b, b.Proposer, domain.PayoutPrincipal, amt)

	e.emit(fx, domain.EventUnfilledWithdrawn, b, caller, domain.PartyProposer, &amt, nil)
	return amt, nil
}
