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

var _ domain.RulingReceiver = (*Engine)(nil)

// DeliverRuling accepts the final ruling for a dispute. caller must be the
// arbitrator the bet was created with. If only one side funded the latest
// round, that side wins regardless of the ruling given.
func (e *Engine) DeliverRuling(ctx context.Context, caller common.Address, disputeID domain.DisputeID, ruling uint64) error {
	var fx effects
	err := e.deliverRuling(&fx, caller, disputeID, ruling)
	e.flush(ctx, &fx)
	if err != nil {
		return fmt.Errorf("settlement: deliver ruling: %w", err)
	}
	return nil
}

func (e *Engine) deliverRuling(fx *effects, caller common.Address, disputeID domain.DisputeID, ruling uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	betID, ok := e.disputes[disputeKey{caller, disputeID}]
	if !ok {
		for key := range e.disputes {
			if key.id == disputeID {
				return fmt.Errorf("%w: %s is not the arbitrator of dispute %d", domain.ErrUnauthorized, caller.Hex(), disputeID)
			}
		}
		return fmt.Errorf("dispute %d: %w", disputeID, domain.ErrNotFound)
	}
	if ruling > domain.RulingChoices {
		return fmt.Errorf("%w: ruling %d exceeds %d choices", domain.ErrPrecondition, ruling, domain.RulingChoices)
	}
	b := e.bets[betID]
	if b.Status != domain.StatusDisputeCreated {
		return fmt.Errorf("%w: bet is %s", domain.ErrPrecondition, b.Status)
	}

	final := domain.Ruling(ruling)
	if sole := b.LastRound().SoleFunder(); sole.Valid() {
		final = domain.Ruling(sole)
	}
	e.emit(fx, domain.EventRulingDelivered, b, caller, final.Party(), nil, map[string]string{
		"given": domain.Ruling(ruling).String(),
		"final": final.String(),
	})
	e.resolve(fx, b, caller, final)
	return nil
}

// resolve marks b resolved under ruling and schedules every automatic
// payout: the principal and the round 0 fee rewards. Rewards of later rounds
// stay in the ledger for WithdrawRoundReward.
func (e *Engine) resolve(fx *effects, b *domain.Bet, actor common.Address, ruling domain.Ruling) {
	b.Status = domain.StatusResolved
	b.FinalRuling = ruling
	b.ResolvedAt = e.clock().UTC()

	offered, filled := b.Principal.Offered, b.Principal.Filled
	pot := capped.Add(offered, filled)
	takers := sortedTakers(b.Fills)

	switch ruling {
	case domain.RulingProposerWins:
		e.pay(fx, b, b.Proposer, domain.PayoutWinnings, pot)
	case domain.RulingTakerWins:
		left := pot
		for _, taker := range takers {
			stake := b.Fills[taker]
			win := capped.Div(capped.Mul(stake, capped.U64(b.Terms.Ratio.Favorite)), capped.U64(b.Terms.Ratio.Underdog))
			win = capped.Min(win, left)
			left = capped.Sub(left, win)
			e.pay(fx, b, taker, domain.PayoutWinnings, win)
		}
		e.pay(fx, b, b.Proposer, domain.PayoutRemainder, left)
	default:
		e.pay(fx, b, b.Proposer, domain.PayoutPrincipal, offered)
		for _, taker := range takers {
			e.pay(fx, b, taker, domain.PayoutPrincipal, b.Fills[taker])
		}
	}

	b.Principal = domain.Principal{}
	for _, taker := range takers {
		b.Fills[taker] = uint256.Int{}
	}

	if len(b.Rounds) > 0 {
		r0 := b.Rounds[0]
		winner := ruling.Party()
		e.pay(fx, b, b.Proposer, domain.PayoutFeeReward, ledger.Reward(r0, b.Proposer, winner))
		if b.TakerClaimant != (common.Address{}) {
			e.pay(fx, b, b.TakerClaimant, domain.PayoutFeeReward, ledger.Reward(r0, b.TakerClaimant, winner))
		}
	}

	e.emit(fx, domain.EventBetResolved, b, actor, ruling.Party(), &pot, map[string]string{
		"ruling": ruling.String(),
	})
}
