package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Arbitrator is the external dispute-resolution authority a bet defers to.
// Implementations must deliver rulings through a separate RulingReceiver
// call, never from inside CreateDispute or Appeal.
type Arbitrator interface {
	Address() common.Address
	ArbitrationCost(ctx context.Context, extraData []byte) (uint256.Int, error)
	AppealCost(ctx context.Context, id DisputeID, extraData []byte) (uint256.Int, error)
	CreateDispute(ctx context.Context, choices uint64, extraData []byte, fee uint256.Int) (DisputeID, error)
	AppealPeriod(ctx context.Context, id DisputeID) (start, end time.Time, err error)
	CurrentRuling(ctx context.Context, id DisputeID) (Ruling, error)
	Appeal(ctx context.Context, id DisputeID, extraData []byte, fee uint256.Int) error
}

// RulingReceiver accepts final rulings from an arbitrator. ruling is the raw
// choice index so receivers can reject values above the declared choices.
type RulingReceiver interface {
	DeliverRuling(ctx context.Context, caller common.Address, id DisputeID, ruling uint64) error
}

// Treasury moves value between external accounts and the settlement engine.
type Treasury interface {
	// Collect debits value sent by from along with a call.
	Collect(ctx context.Context, from common.Address, amount uint256.Int) error
	// Send pushes value out to a recipient. It may fail when the recipient
	// does not accept transfers.
	Send(ctx context.Context, to common.Address, amount uint256.Int) error
}
