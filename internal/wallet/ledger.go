// Package wallet keeps account balances for callers of the settlement
// engine and implements domain.Treasury over them.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/capped"
	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// Ledger is an in-memory account ledger. Recipients on the reject list
// refuse incoming transfers.
type Ledger struct {
	mu       sync.Mutex
	balances map[common.Address]uint256.Int
	rejects  map[common.Address]bool
	logger   *slog.Logger
}

var _ domain.Treasury = (*Ledger)(nil)

// NewLedger creates an empty ledger.
func NewLedger(logger *slog.Logger) *Ledger {
	return &Ledger{
		balances: make(map[common.Address]uint256.Int),
		rejects:  make(map[common.Address]bool),
		logger:   logger.With(slog.String("component", "wallet")),
	}
}

// Deposit credits amount to addr.
func (l *Ledger) Deposit(addr common.Address, amount uint256.Int) uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := capped.Add(l.balances[addr], amount)
	l.balances[addr] = bal
	return bal
}

// Balance returns the balance of addr.
func (l *Ledger) Balance(addr common.Address) uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

// SetRejecting makes addr refuse (or accept again) incoming transfers.
func (l *Ledger) SetRejecting(addr common.Address, reject bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reject {
		l.rejects[addr] = true
	} else {
		delete(l.rejects, addr)
	}
}

// Collect debits amount from the caller's balance.
func (l *Ledger) Collect(_ context.Context, from common.Address, amount uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[from]
	if bal.Lt(&amount) {
		return fmt.Errorf("wallet: %s holds %s, needs %s", from.Hex(), bal.Dec(), amount.Dec())
	}
	l.balances[from] = capped.Sub(bal, amount)
	return nil
}

// Send credits amount to the recipient unless it rejects transfers.
func (l *Ledger) Send(_ context.Context, to common.Address, amount uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rejects[to] {
		return fmt.Errorf("wallet: %w: recipient %s rejects transfers", domain.ErrTransferFailed, to.Hex())
	}
	l.balances[to] = capped.Add(l.balances[to], amount)
	l.logger.Debug("transfer sent", slog.String("to", to.Hex()), slog.String("amount", amount.Dec()))
	return nil
}
