// Package ledger tracks crowdfunded fee contributions per round and computes
// each contributor's share of a round's reward pool.
package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/capped"
	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// Contribute credits contributor with as much of offered as side still owes
// towards required and returns the accepted and refunded parts. accepted +
// refund always equals offered. The caller decides whether the side is now
// fully funded.
func Contribute(r *domain.Round, side domain.Party, contributor common.Address, offered, required uint256.Int) (accepted, refund uint256.Int) {
	owed := capped.Sub(required, r.PaidFees[side])
	accepted = capped.Min(offered, owed)
	refund = capped.Sub(offered, accepted)

	if accepted.IsZero() {
		return accepted, refund
	}
	if r.Contributions == nil {
		r.Contributions = make(map[common.Address][3]uint256.Int)
	}
	c := r.Contributions[contributor]
	c[side] = capped.Add(c[side], accepted)
	r.Contributions[contributor] = c
	r.PaidFees[side] = capped.Add(r.PaidFees[side], accepted)
	r.RewardPool = capped.Add(r.RewardPool, accepted)
	return accepted, refund
}

// Reward computes what beneficiary may withdraw from r given the winning side
// and zeroes the contribution slots it pays out, so a second call returns
// zero. Rounds that were never raised are settled as if no side won, which
// returns each contributor's own money.
func Reward(r *domain.Round, beneficiary common.Address, winner domain.Party) uint256.Int {
	c, ok := r.Contributions[beneficiary]
	if !ok {
		return uint256.Int{}
	}
	if !r.Raised {
		winner = domain.PartyNone
	}

	var reward uint256.Int
	if winner.Valid() {
		if !r.PaidFees[winner].IsZero() {
			reward = capped.Div(capped.Mul(c[winner], r.RewardPool), r.PaidFees[winner])
		}
		c[winner] = uint256.Int{}
	} else {
		total := capped.Add(r.PaidFees[domain.PartyProposer], r.PaidFees[domain.PartyTaker])
		if !total.IsZero() {
			forP := capped.Div(capped.Mul(c[domain.PartyProposer], r.RewardPool), total)
			forT := capped.Div(capped.Mul(c[domain.PartyTaker], r.RewardPool), total)
			reward = capped.Add(forP, forT)
		}
		c[domain.PartyProposer] = uint256.Int{}
		c[domain.PartyTaker] = uint256.Int{}
	}
	r.Contributions[beneficiary] = c
	return reward
}

// Contributors returns every address with a recorded contribution in r.
func Contributors(r *domain.Round) []common.Address {
	out := make([]common.Address, 0, len(r.Contributions))
	for addr := range r.Contributions {
		out = append(out, addr)
	}
	return out
}
