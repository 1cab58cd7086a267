package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Divisor is the basis-point denominator for stake multipliers.
const Divisor = 10000

// RulingChoices is the number of options a dispute is created with.
const RulingChoices = 2

// Party identifies a side of a bet. The zero value is "no side".
type Party uint8

const (
	PartyNone Party = iota
	PartyProposer
	PartyTaker
)

func (p Party) String() string {
	switch p {
	case PartyProposer:
		return "proposer"
	case PartyTaker:
		return "taker"
	default:
		return "none"
	}
}

// Valid reports whether p is a funding side (proposer or taker).
func (p Party) Valid() bool {
	return p == PartyProposer || p == PartyTaker
}

// Other returns the opposing side.
func (p Party) Other() Party {
	switch p {
	case PartyProposer:
		return PartyTaker
	case PartyTaker:
		return PartyProposer
	default:
		return PartyNone
	}
}

// ParseParty maps "proposer"/"taker" to a Party.
func ParseParty(s string) (Party, bool) {
	switch s {
	case "proposer":
		return PartyProposer, true
	case "taker":
		return PartyTaker, true
	default:
		return PartyNone, false
	}
}

// Ruling is the arbitrator's decision. Its numeric values match the party
// indexes: 0 refuses to arbitrate, 1 favours the proposer, 2 the takers.
type Ruling uint8

const (
	RulingNone         Ruling = Ruling(PartyNone)
	RulingProposerWins Ruling = Ruling(PartyProposer)
	RulingTakerWins    Ruling = Ruling(PartyTaker)
)

func (r Ruling) String() string {
	switch r {
	case RulingProposerWins:
		return "proposer_wins"
	case RulingTakerWins:
		return "taker_wins"
	default:
		return "none"
	}
}

// Party returns the side the ruling favours.
func (r Ruling) Party() Party { return Party(r) }

// Status is the lifecycle stage of a bet. Values only move forward.
type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusWaitingOpponentFee
	StatusDisputeCreated
	StatusResolved
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusWaitingOpponentFee:
		return "waiting_opponent_fee"
	case StatusDisputeCreated:
		return "dispute_created"
	case StatusResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for _, st := range []Status{StatusOpen, StatusWaitingOpponentFee, StatusDisputeCreated, StatusResolved} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Ratio expresses the odds offered by the proposer. Favorite > Underdog > 0.
type Ratio struct {
	Favorite uint64
	Underdog uint64
}

// Multipliers are the stake multipliers, in basis points over Divisor, added
// on top of arbitration and appeal costs.
type Multipliers struct {
	Shared uint64
	Winner uint64
	Loser  uint64
}

// BetTerms are fixed when the bet is proposed.
type BetTerms struct {
	Description string
	BetEnd      time.Time
	ClaimStart  time.Time
	ClaimEnd    time.Time
	Ratio       Ratio
	Multipliers Multipliers
}

// Principal is the value staked on the bet itself.
type Principal struct {
	Offered uint256.Int
	Filled  uint256.Int
}

// DisputeID identifies a dispute inside one arbitrator.
type DisputeID uint64

// Evidence is a document reference submitted by a party.
type Evidence struct {
	Party       common.Address
	URI         string
	SubmittedAt time.Time
}

// PayoutKind labels a transfer executed when a bet is resolved.
type PayoutKind string

const (
	PayoutPrincipal PayoutKind = "principal"
	PayoutWinnings  PayoutKind = "winnings"
	PayoutRemainder PayoutKind = "remainder"
	PayoutFeeReward PayoutKind = "fee_reward"
)

// Payout records a transfer performed at resolution.
type Payout struct {
	To     common.Address
	Kind   PayoutKind
	Amount uint256.Int
}

// Bet is a single stake agreement and its dispute history.
type Bet struct {
	ID            uint64
	Proposer      common.Address
	TakerClaimant common.Address
	Terms         BetTerms
	Principal     Principal
	Fills         map[common.Address]uint256.Int
	Arbitrator    common.Address
	ExtraData     []byte
	Status        Status
	DisputeID     DisputeID
	HasDispute    bool
	Rounds        []*Round
	FinalRuling   Ruling
	Evidence      []Evidence
	Payouts       []Payout
	CreatedAt     time.Time
	ResolvedAt    time.Time
}

// LastRound returns the most recent funding round, or nil before any claim.
func (b *Bet) LastRound() *Round {
	if len(b.Rounds) == 0 {
		return nil
	}
	return b.Rounds[len(b.Rounds)-1]
}

// IsParty reports whether addr is the proposer or holds a non-zero fill.
func (b *Bet) IsParty(addr common.Address) bool {
	if addr == b.Proposer {
		return true
	}
	f, ok := b.Fills[addr]
	return ok && !f.IsZero()
}

// Clone returns a deep copy of the bet.
func (b *Bet) Clone() *Bet {
	out := *b
	out.Fills = make(map[common.Address]uint256.Int, len(b.Fills))
	for k, v := range b.Fills {
		out.Fills[k] = v
	}
	out.ExtraData = append([]byte(nil), b.ExtraData...)
	out.Rounds = make([]*Round, len(b.Rounds))
	for i, r := range b.Rounds {
		out.Rounds[i] = r.Clone()
	}
	out.Evidence = append([]Evidence(nil), b.Evidence...)
	out.Payouts = append([]Payout(nil), b.Payouts...)
	return &out
}

// Round is one funding round of a dispute: round 0 holds the claim fees,
// later rounds hold appeal crowdfunding.
type Round struct {
	PaidFees      [3]uint256.Int
	FullyFunded   [3]bool
	RewardPool    uint256.Int
	Contributions map[common.Address][3]uint256.Int
	// Raised is set once the round's fee was forwarded to the arbitrator.
	Raised bool
}

// NewRound returns an empty round.
func NewRound() *Round {
	return &Round{Contributions: make(map[common.Address][3]uint256.Int)}
}

// Clone returns a deep copy of the round.
func (r *Round) Clone() *Round {
	out := *r
	out.Contributions = make(map[common.Address][3]uint256.Int, len(r.Contributions))
	for k, v := range r.Contributions {
		out.Contributions[k] = v
	}
	return &out
}

// BothFunded reports whether both sides have fully paid this round.
func (r *Round) BothFunded() bool {
	return r.FullyFunded[PartyProposer] && r.FullyFunded[PartyTaker]
}

// SoleFunder returns the only fully funded side, or PartyNone when zero or
// both sides are funded.
func (r *Round) SoleFunder() Party {
	p, t := r.FullyFunded[PartyProposer], r.FullyFunded[PartyTaker]
	switch {
	case p && !t:
		return PartyProposer
	case t && !p:
		return PartyTaker
	default:
		return PartyNone
	}
}
