// Package settlement implements the bet lifecycle: proposal, partial fills up
// to the odds-bound capacity, claims, crowdfunded appeals and resolution with
// proportional fee rewards.
//
// The Engine is a single-writer state machine. Every operation runs under one
// mutex and either commits completely or leaves state untouched. Value
// transfers and events are collected while the lock is held and performed
// after it is released; a push that fails is credited to the recipient for
// later withdrawal.
package settlement

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/capped"
	"github.com/alanyoungcy/stakecourt/internal/domain"
	"github.com/alanyoungcy/stakecourt/internal/ledger"
)

// Receipt reports how much of the value sent with a payable call was kept and
// how much was sent back.
type Receipt struct {
	Accepted uint256.Int
	Refunded uint256.Int
}

type disputeKey struct {
	arbitrator common.Address
	id         domain.DisputeID
}

type transfer struct {
	betID  uint64
	to     common.Address
	amount uint256.Int
}

// effects are side effects of a committed operation, applied after unlock.
type effects struct {
	transfers []transfer
	events    []domain.Event
}

func (fx *effects) reset() {
	fx.transfers = nil
	fx.events = nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for all deadline checks.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithEventSink registers the observer for committed events.
func WithEventSink(sink domain.EventSink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With(slog.String("component", "settlement"))
		}
	}
}

type nopSink struct{}

func (nopSink) Emit(context.Context, domain.Event) {}

// Engine owns every bet and the value held on their behalf.
type Engine struct {
	mu          sync.Mutex
	bets        []*domain.Bet
	arbitrators map[common.Address]domain.Arbitrator
	disputes    map[disputeKey]uint64
	credits     map[common.Address]uint256.Int
	custody     uint256.Int

	treasury domain.Treasury
	sink     domain.EventSink
	logger   *slog.Logger
	clock    func() time.Time
}

// New creates an engine that moves value through treasury and accepts bets
// deferring to any of the given arbitrators.
func New(treasury domain.Treasury, arbitrators []domain.Arbitrator, opts ...Option) *Engine {
	e := &Engine{
		arbitrators: make(map[common.Address]domain.Arbitrator, len(arbitrators)),
		disputes:    make(map[disputeKey]uint64),
		credits:     make(map[common.Address]uint256.Int),
		treasury:    treasury,
		sink:        nopSink{},
		logger:      slog.Default().With(slog.String("component", "settlement")),
		clock:       time.Now,
	}
	for _, a := range arbitrators {
		e.arbitrators[a.Address()] = a
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore loads previously persisted bets and credits. It must be called
// before the engine serves any operation. Bet ids must be contiguous from 0.
func (e *Engine) Restore(bets []*domain.Bet, credits map[common.Address]uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.bets) > 0 {
		return fmt.Errorf("settlement: restore: %w: engine already holds bets", domain.ErrPrecondition)
	}
	sorted := slices.Clone(bets)
	slices.SortFunc(sorted, func(a, b *domain.Bet) int { return cmp.Compare(a.ID, b.ID) })

	var custody uint256.Int
	disputes := make(map[disputeKey]uint64)
	for i, b := range sorted {
		if b.ID != uint64(i) {
			return fmt.Errorf("settlement: restore: bet ids not contiguous at %d (got %d)", i, b.ID)
		}
		if b.HasDispute {
			key := disputeKey{b.Arbitrator, b.DisputeID}
			if other, taken := disputes[key]; taken {
				return fmt.Errorf("settlement: restore: dispute %d claimed by bets %d and %d", b.DisputeID, other, b.ID)
			}
			disputes[key] = b.ID
		}
		custody = capped.Add(custody, outstanding(b))
	}
	for addr, amt := range credits {
		e.credits[addr] = amt
		custody = capped.Add(custody, amt)
	}
	e.bets = make([]*domain.Bet, len(sorted))
	for i, b := range sorted {
		e.bets[i] = b.Clone()
	}
	e.disputes = disputes
	e.custody = custody
	return nil
}

// outstanding is the value still held for b: live principal plus whatever
// its rounds can still pay out.
func outstanding(b *domain.Bet) uint256.Int {
	held := capped.Add(b.Principal.Offered, b.Principal.Filled)
	for _, r := range b.Rounds {
		if b.Status != domain.StatusResolved {
			held = capped.Add(held, r.RewardPool)
			continue
		}
		preview := r.Clone()
		for _, who := range ledger.Contributors(preview) {
			held = capped.Add(held, ledger.Reward(preview, who, b.FinalRuling.Party()))
		}
	}
	return held
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Bet returns a copy of the bet with the given id.
func (e *Engine) Bet(id uint64) (*domain.Bet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// Bets returns copies of every bet, ordered by id.
func (e *Engine) Bets() []*domain.Bet {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.Bet, len(e.bets))
	for i, b := range e.bets {
		out[i] = b.Clone()
	}
	return out
}

// Custody returns the total value the engine currently holds.
func (e *Engine) Custody() uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.custody
}

// Credit returns the amount owed to addr after failed transfers.
func (e *Engine) Credit(addr common.Address) uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.credits[addr]
}

// Credits returns a copy of every outstanding credit.
func (e *Engine) Credits() map[common.Address]uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[common.Address]uint256.Int, len(e.credits))
	for k, v := range e.credits {
		out[k] = v
	}
	return out
}

// Arbitrator returns the registered arbitrator at addr.
func (e *Engine) Arbitrator(addr common.Address) (domain.Arbitrator, bool) {
	a, ok := e.arbitrators[addr]
	return a, ok
}

// ---------------------------------------------------------------------------
// Internals. Everything below expects e.mu to be held unless noted.
// ---------------------------------------------------------------------------

func (e *Engine) lookup(id uint64) (*domain.Bet, error) {
	if id >= uint64(len(e.bets)) {
		return nil, fmt.Errorf("bet %d: %w", id, domain.ErrNotFound)
	}
	return e.bets[id], nil
}

func (e *Engine) arbitratorFor(b *domain.Bet) (domain.Arbitrator, error) {
	a, ok := e.arbitrators[b.Arbitrator]
	if !ok {
		return nil, fmt.Errorf("arbitrator %s not registered: %w", b.Arbitrator.Hex(), domain.ErrGateway)
	}
	return a, nil
}

// collect pulls value from the caller into custody.
func (e *Engine) collect(ctx context.Context, from common.Address, value uint256.Int) error {
	if value.IsZero() {
		return nil
	}
	if err := e.treasury.Collect(ctx, from, value); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInsufficientFunds, err)
	}
	e.custody = capped.Add(e.custody, value)
	return nil
}

// pay schedules a push transfer out of custody. Payouts made at resolution
// are recorded on the bet.
func (e *Engine) pay(fx *effects, b *domain.Bet, to common.Address, kind domain.PayoutKind, amount uint256.Int) {
	if amount.IsZero() {
		return
	}
	e.custody = capped.Sub(e.custody, amount)
	if kind != "" {
		b.Payouts = append(b.Payouts, domain.Payout{To: to, Kind: kind, Amount: amount})
	}
	fx.transfers = append(fx.transfers, transfer{betID: b.ID, to: to, amount: amount})
}

// refund schedules the unaccepted part of a payment back to its sender.
func (e *Engine) refund(fx *effects, b *domain.Bet, to common.Address, amount uint256.Int) {
	e.pay(fx, b, to, "", amount)
}

func (e *Engine) emit(fx *effects, typ domain.EventType, b *domain.Bet, actor common.Address, party domain.Party, amount *uint256.Int, detail map[string]string) {
	ev := domain.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		BetID:     b.ID,
		Actor:     actor,
		Round:     max(len(b.Rounds)-1, 0),
		Detail:    detail,
		CreatedAt: e.clock().UTC(),
	}
	if party != domain.PartyNone {
		ev.Party = party.String()
	}
	if amount != nil {
		ev.Amount = amount.Dec()
	}
	fx.events = append(fx.events, ev)
}

// flush performs the collected transfers and emits events. It must be called
// without e.mu held.
func (e *Engine) flush(ctx context.Context, fx *effects) {
	for _, t := range fx.transfers {
		if err := e.treasury.Send(ctx, t.to, t.amount); err != nil {
			e.mu.Lock()
			e.credits[t.to] = capped.Add(e.credits[t.to], t.amount)
			e.custody = capped.Add(e.custody, t.amount)
			e.mu.Unlock()

			e.logger.Warn("push transfer failed, credited for withdrawal",
				slog.Uint64("bet_id", t.betID),
				slog.String("to", t.to.Hex()),
				slog.String("amount", t.amount.Dec()),
				slog.String("error", err.Error()),
			)
			amt := t.amount
			fx.events = append(fx.events, domain.Event{
				ID:        uuid.NewString(),
				Type:      domain.EventTransferFailed,
				BetID:     t.betID,
				Actor:     t.to,
				Amount:    amt.Dec(),
				Detail:    map[string]string{"error": err.Error()},
				CreatedAt: e.clock().UTC(),
			})
		}
	}
	for _, ev := range fx.events {
		e.sink.Emit(ctx, ev)
	}
}

func sortedTakers(fills map[common.Address]uint256.Int) []common.Address {
	out := make([]common.Address, 0, len(fills))
	for addr := range fills {
		out = append(out, addr)
	}
	slices.SortFunc(out, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
	return out
}
