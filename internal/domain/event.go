package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a state transition signalled to observers.
type EventType string

const (
	EventBetProposed       EventType = "bet_proposed"
	EventBetFilled         EventType = "bet_filled"
	EventUnfilledWithdrawn EventType = "unfilled_withdrawn"
	EventClaimInitiated    EventType = "claim_initiated"
	EventHasToPayFee       EventType = "has_to_pay_fee"
	EventDisputeCreated    EventType = "dispute_created"
	EventAppealFunded      EventType = "appeal_funded"
	EventAppealRaised      EventType = "appeal_raised"
	EventRulingDelivered   EventType = "ruling_delivered"
	EventBetResolved       EventType = "bet_resolved"
	EventRewardWithdrawn   EventType = "reward_withdrawn"
	EventEvidenceSubmitted EventType = "evidence_submitted"
	EventTransferFailed    EventType = "transfer_failed"
	EventCreditWithdrawn   EventType = "credit_withdrawn"
)

// Event is emitted after a state transition has been committed.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	BetID     uint64            `json:"bet_id"`
	Actor     common.Address    `json:"actor"`
	Party     string            `json:"party,omitempty"`
	Amount    string            `json:"amount,omitempty"`
	Round     int               `json:"round"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// EventSink receives committed events. Emit is called without any engine
// lock held.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}
