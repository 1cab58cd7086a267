package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Amounts are encoded as decimal strings and maps as sorted lists so the
// JSON form is stable across snapshots.

type termsJSON struct {
	Description string      `json:"description"`
	BetEnd      time.Time   `json:"bet_end"`
	ClaimStart  time.Time   `json:"claim_start"`
	ClaimEnd    time.Time   `json:"claim_end"`
	Ratio       Ratio       `json:"ratio"`
	Multipliers Multipliers `json:"multipliers"`
}

type fillJSON struct {
	Taker  common.Address `json:"taker"`
	Amount string         `json:"amount"`
}

type contributionJSON struct {
	Contributor common.Address `json:"contributor"`
	Amounts     [3]string      `json:"amounts"`
}

type roundJSON struct {
	PaidFees      [3]string          `json:"paid_fees"`
	FullyFunded   [3]bool            `json:"fully_funded"`
	RewardPool    string             `json:"reward_pool"`
	Contributions []contributionJSON `json:"contributions"`
	Raised        bool               `json:"raised"`
}

type evidenceJSON struct {
	Party       common.Address `json:"party"`
	URI         string         `json:"uri"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

type payoutJSON struct {
	To     common.Address `json:"to"`
	Kind   PayoutKind     `json:"kind"`
	Amount string         `json:"amount"`
}

type betJSON struct {
	ID            uint64         `json:"id"`
	Proposer      common.Address `json:"proposer"`
	TakerClaimant common.Address `json:"taker_claimant"`
	Terms         termsJSON      `json:"terms"`
	Offered       string         `json:"offered"`
	Filled        string         `json:"filled"`
	Fills         []fillJSON     `json:"fills"`
	Arbitrator    common.Address `json:"arbitrator"`
	ExtraData     hexutil.Bytes  `json:"extra_data"`
	Status        string         `json:"status"`
	DisputeID     uint64         `json:"dispute_id"`
	HasDispute    bool           `json:"has_dispute"`
	Rounds        []roundJSON    `json:"rounds"`
	FinalRuling   string         `json:"final_ruling"`
	Evidence      []evidenceJSON `json:"evidence"`
	Payouts       []payoutJSON   `json:"payouts"`
	CreatedAt     time.Time      `json:"created_at"`
	ResolvedAt    time.Time      `json:"resolved_at"`
}

func addrLess(a, b common.Address) int { return bytes.Compare(a[:], b[:]) }

// MarshalJSON implements json.Marshaler.
func (b Bet) MarshalJSON() ([]byte, error) {
	out := betJSON{
		ID:            b.ID,
		Proposer:      b.Proposer,
		TakerClaimant: b.TakerClaimant,
		Terms: termsJSON{
			Description: b.Terms.Description,
			BetEnd:      b.Terms.BetEnd,
			ClaimStart:  b.Terms.ClaimStart,
			ClaimEnd:    b.Terms.ClaimEnd,
			Ratio:       b.Terms.Ratio,
			Multipliers: b.Terms.Multipliers,
		},
		Offered:     b.Principal.Offered.Dec(),
		Filled:      b.Principal.Filled.Dec(),
		Fills:       make([]fillJSON, 0, len(b.Fills)),
		Arbitrator:  b.Arbitrator,
		ExtraData:   b.ExtraData,
		Status:      b.Status.String(),
		DisputeID:   uint64(b.DisputeID),
		HasDispute:  b.HasDispute,
		Rounds:      make([]roundJSON, 0, len(b.Rounds)),
		FinalRuling: b.FinalRuling.String(),
		Evidence:    make([]evidenceJSON, 0, len(b.Evidence)),
		Payouts:     make([]payoutJSON, 0, len(b.Payouts)),
		CreatedAt:   b.CreatedAt,
		ResolvedAt:  b.ResolvedAt,
	}
	for taker, amt := range b.Fills {
		out.Fills = append(out.Fills, fillJSON{Taker: taker, Amount: amt.Dec()})
	}
	slices.SortFunc(out.Fills, func(x, y fillJSON) int { return addrLess(x.Taker, y.Taker) })

	for _, r := range b.Rounds {
		rj := roundJSON{
			FullyFunded:   r.FullyFunded,
			RewardPool:    r.RewardPool.Dec(),
			Contributions: make([]contributionJSON, 0, len(r.Contributions)),
			Raised:        r.Raised,
		}
		for i := range r.PaidFees {
			rj.PaidFees[i] = r.PaidFees[i].Dec()
		}
		for who, amts := range r.Contributions {
			cj := contributionJSON{Contributor: who}
			for i := range amts {
				cj.Amounts[i] = amts[i].Dec()
			}
			rj.Contributions = append(rj.Contributions, cj)
		}
		slices.SortFunc(rj.Contributions, func(x, y contributionJSON) int {
			return addrLess(x.Contributor, y.Contributor)
		})
		out.Rounds = append(out.Rounds, rj)
	}
	for _, e := range b.Evidence {
		out.Evidence = append(out.Evidence, evidenceJSON(e))
	}
	for _, p := range b.Payouts {
		out.Payouts = append(out.Payouts, payoutJSON{To: p.To, Kind: p.Kind, Amount: p.Amount.Dec()})
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bet) UnmarshalJSON(data []byte) error {
	var in betJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	status, ok := ParseStatus(in.Status)
	if !ok {
		return fmt.Errorf("domain: unknown bet status %q", in.Status)
	}
	ruling, err := ParseRuling(in.FinalRuling)
	if err != nil {
		return err
	}

	out := Bet{
		ID:            in.ID,
		Proposer:      in.Proposer,
		TakerClaimant: in.TakerClaimant,
		Terms: BetTerms{
			Description: in.Terms.Description,
			BetEnd:      in.Terms.BetEnd,
			ClaimStart:  in.Terms.ClaimStart,
			ClaimEnd:    in.Terms.ClaimEnd,
			Ratio:       in.Terms.Ratio,
			Multipliers: in.Terms.Multipliers,
		},
		Fills:       make(map[common.Address]uint256.Int, len(in.Fills)),
		Arbitrator:  in.Arbitrator,
		ExtraData:   in.ExtraData,
		Status:      status,
		DisputeID:   DisputeID(in.DisputeID),
		HasDispute:  in.HasDispute,
		FinalRuling: ruling,
		CreatedAt:   in.CreatedAt,
		ResolvedAt:  in.ResolvedAt,
	}
	if err := decodeAmount(&out.Principal.Offered, in.Offered); err != nil {
		return err
	}
	if err := decodeAmount(&out.Principal.Filled, in.Filled); err != nil {
		return err
	}
	for _, f := range in.Fills {
		var amt uint256.Int
		if err := decodeAmount(&amt, f.Amount); err != nil {
			return err
		}
		out.Fills[f.Taker] = amt
	}
	for _, rj := range in.Rounds {
		r := NewRound()
		r.FullyFunded = rj.FullyFunded
		r.Raised = rj.Raised
		for i := range rj.PaidFees {
			if err := decodeAmount(&r.PaidFees[i], rj.PaidFees[i]); err != nil {
				return err
			}
		}
		if err := decodeAmount(&r.RewardPool, rj.RewardPool); err != nil {
			return err
		}
		for _, cj := range rj.Contributions {
			var amts [3]uint256.Int
			for i := range cj.Amounts {
				if err := decodeAmount(&amts[i], cj.Amounts[i]); err != nil {
					return err
				}
			}
			r.Contributions[cj.Contributor] = amts
		}
		out.Rounds = append(out.Rounds, r)
	}
	for _, e := range in.Evidence {
		out.Evidence = append(out.Evidence, Evidence(e))
	}
	for _, p := range in.Payouts {
		po := Payout{To: p.To, Kind: p.Kind}
		if err := decodeAmount(&po.Amount, p.Amount); err != nil {
			return err
		}
		out.Payouts = append(out.Payouts, po)
	}
	*b = out
	return nil
}

func decodeAmount(dst *uint256.Int, s string) error {
	if s == "" {
		dst.Clear()
		return nil
	}
	if err := dst.SetFromDecimal(s); err != nil {
		return fmt.Errorf("domain: amount %q: %w", s, err)
	}
	return nil
}

// ParseRuling maps a ruling name back to its value.
func ParseRuling(s string) (Ruling, error) {
	switch s {
	case "", "none":
		return RulingNone, nil
	case "proposer_wins":
		return RulingProposerWins, nil
	case "taker_wins":
		return RulingTakerWins, nil
	default:
		return RulingNone, fmt.Errorf("domain: unknown ruling %q", s)
	}
}
