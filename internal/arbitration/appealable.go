// Package arbitration provides an in-process appealable arbitrator operated
// by a single owner account.
package arbitration

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/capped"
	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// DisputeStatus is the arbitrator-side state of a dispute.
type DisputeStatus uint8

const (
	StatusWaiting DisputeStatus = iota
	StatusAppealable
	// StatusPending marks a final ruling that has not yet been accepted by
	// the receiver. ExecuteRuling retries the delivery.
	StatusPending
	StatusSolved
)

func (s DisputeStatus) String() string {
	switch s {
	case StatusAppealable:
		return "appealable"
	case StatusPending:
		return "delivery_pending"
	case StatusSolved:
		return "solved"
	default:
		return "waiting"
	}
}

func parseStatus(s string) (DisputeStatus, error) {
	for _, st := range []DisputeStatus{StatusWaiting, StatusAppealable, StatusPending, StatusSolved} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown dispute status %q", s)
}

// Dispute is a snapshot of one dispute.
type Dispute struct {
	ID          domain.DisputeID
	Choices     uint64
	Fees        uint256.Int
	Ruling      domain.Ruling
	Status      DisputeStatus
	Appeals     int
	AppealStart time.Time
	AppealEnd   time.Time
}

// Config holds the arbitrator's fixed parameters.
type Config struct {
	Address         common.Address
	Owner           common.Address
	ArbitrationCost uint256.Int
	AppealCost      uint256.Int
	AppealTimeout   time.Duration
}

// Appealable is an arbitrator whose owner gives rulings by hand. A given
// ruling opens an appeal window; once it closes, ExecuteRuling delivers the
// ruling to the receiver. With a zero timeout rulings are final at once.
//
// Every dispute mutation is written to the optional DisputeStore before it
// takes effect, so a restarted arbitrator never reissues a dispute id.
type Appealable struct {
	mu       sync.Mutex
	cfg      Config
	receiver domain.RulingReceiver
	disputes map[domain.DisputeID]*Dispute
	nextID   domain.DisputeID
	store    domain.DisputeStore
	logger   *slog.Logger
	clock    func() time.Time
}

var _ domain.Arbitrator = (*Appealable)(nil)

// Option configures an Appealable.
type Option func(*Appealable)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(a *Appealable) { a.clock = clock }
}

// WithStore persists disputes in store.
func WithStore(store domain.DisputeStore) Option {
	return func(a *Appealable) { a.store = store }
}

// New creates an arbitrator from cfg.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Appealable {
	a := &Appealable{
		cfg:      cfg,
		disputes: make(map[domain.DisputeID]*Dispute),
		logger:   logger.With(slog.String("component", "arbitrator")),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Restore loads the disputes persisted for this arbitrator's address. New
// disputes are numbered after the highest restored id.
func (a *Appealable) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	recs, err := a.store.ListDisputes(ctx, a.cfg.Address)
	if err != nil {
		return fmt.Errorf("arbitration: restore: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.disputes) > 0 {
		return fmt.Errorf("arbitration: restore: %w: arbitrator already holds disputes", domain.ErrPrecondition)
	}
	for _, rec := range recs {
		status, err := parseStatus(rec.Status)
		if err != nil {
			return fmt.Errorf("arbitration: restore dispute %d: %w", rec.ID, err)
		}
		a.disputes[rec.ID] = &Dispute{
			ID:          rec.ID,
			Choices:     rec.Choices,
			Fees:        rec.Fees,
			Ruling:      rec.Ruling,
			Status:      status,
			Appeals:     rec.Appeals,
			AppealStart: rec.AppealStart,
			AppealEnd:   rec.AppealEnd,
		}
		if rec.ID >= a.nextID {
			a.nextID = rec.ID + 1
		}
	}
	a.logger.InfoContext(ctx, "disputes restored",
		slog.Int("count", len(recs)),
		slog.Uint64("next_id", uint64(a.nextID)),
	)
	return nil
}

// SetReceiver registers where final rulings are delivered.
func (a *Appealable) SetReceiver(r domain.RulingReceiver) {
	a.mu.Lock()
	a.receiver = r
	a.mu.Unlock()
}

func (a *Appealable) Address() common.Address { return a.cfg.Address }

// Owner returns the account allowed to give rulings.
func (a *Appealable) Owner() common.Address { return a.cfg.Owner }

func (a *Appealable) ArbitrationCost(context.Context, []byte) (uint256.Int, error) {
	return a.cfg.ArbitrationCost, nil
}

func (a *Appealable) AppealCost(_ context.Context, id domain.DisputeID, _ []byte) (uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.get(id); err != nil {
		return uint256.Int{}, err
	}
	return a.cfg.AppealCost, nil
}

func (a *Appealable) CreateDispute(ctx context.Context, choices uint64, _ []byte, fee uint256.Int) (domain.DisputeID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if fee.Lt(&a.cfg.ArbitrationCost) {
		return 0, fmt.Errorf("arbitration: create dispute: %w: fee %s below cost %s",
			domain.ErrInsufficientFunds, fee.Dec(), a.cfg.ArbitrationCost.Dec())
	}
	d := &Dispute{
		ID:      a.nextID,
		Choices: choices,
		Fees:    fee,
		Status:  StatusWaiting,
	}
	if err := a.persist(ctx, d); err != nil {
		return 0, fmt.Errorf("arbitration: create dispute: %w", err)
	}
	a.disputes[d.ID] = d
	a.nextID++
	a.logger.InfoContext(ctx, "dispute created", slog.Uint64("dispute_id", uint64(d.ID)), slog.String("fee", fee.Dec()))
	return d.ID, nil
}

func (a *Appealable) AppealPeriod(_ context.Context, id domain.DisputeID) (time.Time, time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, err := a.get(id)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if d.Status != StatusAppealable {
		return time.Time{}, time.Time{}, nil
	}
	return d.AppealStart, d.AppealEnd, nil
}

func (a *Appealable) CurrentRuling(_ context.Context, id domain.DisputeID) (domain.Ruling, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, err := a.get(id)
	if err != nil {
		return domain.RulingNone, err
	}
	return d.Ruling, nil
}

func (a *Appealable) Appeal(ctx context.Context, id domain.DisputeID, _ []byte, fee uint256.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, err := a.get(id)
	if err != nil {
		return err
	}
	if d.Status != StatusAppealable || !a.clock().Before(d.AppealEnd) {
		return fmt.Errorf("arbitration: appeal: %w: dispute %d not appealable", domain.ErrPrecondition, id)
	}
	if fee.Lt(&a.cfg.AppealCost) {
		return fmt.Errorf("arbitration: appeal: %w: fee %s below cost %s",
			domain.ErrInsufficientFunds, fee.Dec(), a.cfg.AppealCost.Dec())
	}
	next := *d
	next.Fees = capped.Add(d.Fees, fee)
	next.Status = StatusWaiting
	next.Appeals++
	next.AppealStart, next.AppealEnd = time.Time{}, time.Time{}
	if err := a.update(ctx, d, next); err != nil {
		return fmt.Errorf("arbitration: appeal: %w", err)
	}
	a.logger.InfoContext(ctx, "dispute appealed", slog.Uint64("dispute_id", uint64(id)), slog.Int("appeals", d.Appeals))
	return nil
}

// GiveRuling records the owner's decision on a waiting dispute.
func (a *Appealable) GiveRuling(ctx context.Context, caller common.Address, id domain.DisputeID, ruling domain.Ruling) error {
	a.mu.Lock()
	if caller != a.cfg.Owner {
		a.mu.Unlock()
		return fmt.Errorf("arbitration: give ruling: %w: %s is not the owner", domain.ErrUnauthorized, caller.Hex())
	}
	d, err := a.get(id)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if d.Status != StatusWaiting {
		a.mu.Unlock()
		return fmt.Errorf("arbitration: give ruling: %w: dispute %d is %s", domain.ErrPrecondition, id, d.Status)
	}
	if uint64(ruling) > d.Choices {
		a.mu.Unlock()
		return fmt.Errorf("arbitration: give ruling: %w: ruling %d exceeds %d choices", domain.ErrPrecondition, ruling, d.Choices)
	}

	next := *d
	next.Ruling = ruling
	if a.cfg.AppealTimeout > 0 {
		now := a.clock()
		next.Status = StatusAppealable
		next.AppealStart, next.AppealEnd = now, now.Add(a.cfg.AppealTimeout)
		err := a.update(ctx, d, next)
		a.mu.Unlock()
		if err != nil {
			return fmt.Errorf("arbitration: give ruling: %w", err)
		}
		a.logger.InfoContext(ctx, "ruling given, appeal window open",
			slog.Uint64("dispute_id", uint64(id)),
			slog.String("ruling", ruling.String()),
			slog.Time("appeal_end", next.AppealEnd),
		)
		return nil
	}

	next.Status = StatusPending
	if err := a.update(ctx, d, next); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("arbitration: give ruling: %w", err)
	}
	receiver := a.receiver
	a.mu.Unlock()
	return a.deliver(ctx, receiver, id, ruling)
}

// ExecuteRuling finalizes an appealable dispute whose window has closed, or
// retries a ruling whose delivery failed earlier.
func (a *Appealable) ExecuteRuling(ctx context.Context, id domain.DisputeID) error {
	a.mu.Lock()
	d, err := a.get(id)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	switch {
	case d.Status == StatusPending:
	case d.Status == StatusAppealable && !a.clock().Before(d.AppealEnd):
		next := *d
		next.Status = StatusPending
		if err := a.update(ctx, d, next); err != nil {
			a.mu.Unlock()
			return fmt.Errorf("arbitration: execute ruling: %w", err)
		}
	default:
		a.mu.Unlock()
		return fmt.Errorf("arbitration: execute ruling: %w: dispute %d appeal window not closed", domain.ErrPrecondition, id)
	}
	ruling, receiver := d.Ruling, a.receiver
	a.mu.Unlock()
	return a.deliver(ctx, receiver, id, ruling)
}

// Executable lists disputes with a final ruling still to deliver: appealable
// ones whose window has closed and ones whose delivery failed.
func (a *Appealable) Executable() []domain.DisputeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock()
	var out []domain.DisputeID
	for _, id := range slices.Sorted(maps.Keys(a.disputes)) {
		d := a.disputes[id]
		switch {
		case d.Status == StatusPending:
			out = append(out, id)
		case d.Status == StatusAppealable && !now.Before(d.AppealEnd):
			out = append(out, id)
		}
	}
	return out
}

// Dispute returns a snapshot of dispute id.
func (a *Appealable) Dispute(id domain.DisputeID) (Dispute, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, err := a.get(id)
	if err != nil {
		return Dispute{}, err
	}
	return *d, nil
}

// deliver pushes a pending ruling to the receiver. The dispute is solved
// only once the receiver accepts it; on failure it stays pending.
func (a *Appealable) deliver(ctx context.Context, receiver domain.RulingReceiver, id domain.DisputeID, ruling domain.Ruling) error {
	if receiver == nil {
		return fmt.Errorf("arbitration: no ruling receiver registered")
	}
	if err := receiver.DeliverRuling(ctx, a.cfg.Address, id, uint64(ruling)); err != nil {
		a.logger.WarnContext(ctx, "ruling delivery failed, will retry",
			slog.Uint64("dispute_id", uint64(id)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("arbitration: deliver ruling: %w", err)
	}

	a.mu.Lock()
	d, err := a.get(id)
	if err == nil && d.Status == StatusPending {
		next := *d
		next.Status = StatusSolved
		err = a.update(ctx, d, next)
	}
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("arbitration: mark dispute %d solved: %w", id, err)
	}
	a.logger.InfoContext(ctx, "ruling delivered", slog.Uint64("dispute_id", uint64(id)), slog.String("ruling", ruling.String()))
	return nil
}

// update persists next and then applies it to d. a.mu must be held.
func (a *Appealable) update(ctx context.Context, d *Dispute, next Dispute) error {
	if err := a.persist(ctx, &next); err != nil {
		return err
	}
	*d = next
	return nil
}

func (a *Appealable) persist(ctx context.Context, d *Dispute) error {
	if a.store == nil {
		return nil
	}
	return a.store.SaveDispute(ctx, domain.DisputeRecord{
		Arbitrator:  a.cfg.Address,
		ID:          d.ID,
		Choices:     d.Choices,
		Fees:        d.Fees,
		Ruling:      d.Ruling,
		Status:      d.Status.String(),
		Appeals:     d.Appeals,
		AppealStart: d.AppealStart,
		AppealEnd:   d.AppealEnd,
	})
}

func (a *Appealable) get(id domain.DisputeID) (*Dispute, error) {
	d, ok := a.disputes[id]
	if !ok {
		return nil, fmt.Errorf("dispute %d: %w", id, domain.ErrNotFound)
	}
	return d, nil
}
