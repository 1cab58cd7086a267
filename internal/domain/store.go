package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BetStore persists bet snapshots keyed by their sequential id.
type BetStore interface {
	Save(ctx context.Context, bet *Bet) error
	Get(ctx context.Context, id uint64) (*Bet, error)
	ListAll(ctx context.Context) ([]*Bet, error)
	ListResolvedBefore(ctx context.Context, before time.Time) ([]*Bet, error)
	Delete(ctx context.Context, id uint64) error
}

// CreditStore persists balances owed after failed push transfers.
type CreditStore interface {
	Set(ctx context.Context, addr common.Address, amount uint256.Int) error
	All(ctx context.Context) (map[common.Address]uint256.Int, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// DisputeRecord is the persisted state of a dispute held by an in-process
// arbitrator. Status is the arbitrator's own status name.
type DisputeRecord struct {
	Arbitrator  common.Address
	ID          DisputeID
	Choices     uint64
	Fees        uint256.Int
	Ruling      Ruling
	Status      string
	Appeals     int
	AppealStart time.Time
	AppealEnd   time.Time
}

// DisputeStore persists arbitrator-side disputes so dispute ids survive a
// restart.
type DisputeStore interface {
	SaveDispute(ctx context.Context, rec DisputeRecord) error
	ListDisputes(ctx context.Context, arbitrator common.Address) ([]DisputeRecord, error)
}
