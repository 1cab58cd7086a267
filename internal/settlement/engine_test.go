package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakecourt/internal/arbitration"
	"github.com/alanyoungcy/stakecourt/internal/capped"
	"github.com/alanyoungcy/stakecourt/internal/domain"
	"github.com/alanyoungcy/stakecourt/internal/wallet"
)

var (
	t0       = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	arbAddr  = common.HexToAddress("0x000000000000000000000000000000000000a7b1")
	arbOwner = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	proposer = common.HexToAddress("0x0000000000000000000000000000000000000001")
	taker1   = common.HexToAddress("0x0000000000000000000000000000000000000002")
	taker2   = common.HexToAddress("0x0000000000000000000000000000000000000003")
	backer1  = common.HexToAddress("0x0000000000000000000000000000000000000004")
	backer2  = common.HexToAddress("0x0000000000000000000000000000000000000005")
	outsider = common.HexToAddress("0x0000000000000000000000000000000000000009")
)

const startBalance = 10_000

func amt(v uint64) uint256.Int { return capped.U64(v) }

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type memDisputes struct {
	mu   sync.Mutex
	recs map[domain.DisputeID]domain.DisputeRecord
}

func (m *memDisputes) SaveDispute(_ context.Context, rec domain.DisputeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec
	return nil
}

func (m *memDisputes) ListDisputes(_ context.Context, arbitrator common.Address) ([]domain.DisputeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DisputeRecord
	for _, rec := range m.recs {
		if rec.Arbitrator == arbitrator {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	now      time.Time
	eng      *Engine
	wallet   *wallet.Ledger
	arb      *arbitration.Appealable
	disputes *memDisputes
	sink     *recordingSink
	logger   *slog.Logger
	timeout  time.Duration
	arbCost  uint256.Int
	appeal   uint256.Int
}

// newFixture builds an engine with arbitration cost 100 and appeal cost 200.
// With the default multipliers a claim costs 150, a winning appeal side 300
// and a losing one 400.
func newFixture(t *testing.T, appealTimeout time.Duration, wrap func(*arbitration.Appealable) domain.Arbitrator) *fixture {
	t.Helper()
	return newFixtureWithCosts(t, appealTimeout, amt(100), amt(200), wrap)
}

func newFixtureWithCosts(t *testing.T, appealTimeout time.Duration, arbCost, appealCost uint256.Int, wrap func(*arbitration.Appealable) domain.Arbitrator) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		now:      t0,
		sink:     &recordingSink{},
		disputes: &memDisputes{recs: make(map[domain.DisputeID]domain.DisputeRecord)},
		logger:   logger,
		timeout:  appealTimeout,
		arbCost:  arbCost,
		appeal:   appealCost,
	}
	clock := func() time.Time { return f.now }

	f.wallet = wallet.NewLedger(logger)
	for _, a := range []common.Address{proposer, taker1, taker2, backer1, backer2, outsider} {
		f.wallet.Deposit(a, amt(startBalance))
	}
	f.arb = f.newArbitrator()

	var gw domain.Arbitrator = f.arb
	if wrap != nil {
		gw = wrap(f.arb)
	}
	f.eng = New(f.wallet, []domain.Arbitrator{gw}, WithClock(clock), WithEventSink(f.sink), WithLogger(logger))
	f.arb.SetReceiver(f.eng)
	return f
}

// newArbitrator returns an arbitrator sharing the fixture's clock and
// dispute store, as a restarted process would build it.
func (f *fixture) newArbitrator() *arbitration.Appealable {
	return arbitration.New(arbitration.Config{
		Address:         arbAddr,
		Owner:           arbOwner,
		ArbitrationCost: f.arbCost,
		AppealCost:      f.appeal,
		AppealTimeout:   f.timeout,
	}, f.logger, arbitration.WithClock(func() time.Time { return f.now }), arbitration.WithStore(f.disputes))
}

func defaultTerms() domain.BetTerms {
	return domain.BetTerms{
		Description: "home team wins",
		BetEnd:      t0.Add(1 * time.Hour),
		ClaimStart:  t0.Add(2 * time.Hour),
		ClaimEnd:    t0.Add(3 * time.Hour),
		Ratio:       domain.Ratio{Favorite: 2, Underdog: 1},
		Multipliers: domain.Multipliers{Shared: 5000, Winner: 5000, Loser: 10000},
	}
}

func (f *fixture) propose(terms domain.BetTerms, value uint64) uint64 {
	f.t.Helper()
	id, err := f.eng.Propose(f.ctx, ProposalRequest{
		Proposer:   proposer,
		Terms:      terms,
		Arbitrator: arbAddr,
		Value:      amt(value),
	})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) balance(a common.Address) uint64 {
	bal := f.wallet.Balance(a)
	return bal.Uint64()
}

func (f *fixture) enterClaimWindow() { f.now = t0.Add(2*time.Hour + time.Minute) }

// disputed returns a bet of 100 at 2:1 fully filled by taker1 with both
// claim fees paid.
func (f *fixture) disputed() uint64 {
	f.t.Helper()
	id := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker1, id, amt(100))
	require.NoError(f.t, err)
	f.enterClaimWindow()
	_, err = f.eng.InitiateClaim(f.ctx, proposer, id, amt(150))
	require.NoError(f.t, err)
	_, err = f.eng.InitiateClaim(f.ctx, taker1, id, amt(150))
	require.NoError(f.t, err)
	return id
}

func (f *fixture) bet(id uint64) *domain.Bet {
	f.t.Helper()
	b, err := f.eng.Bet(id)
	require.NoError(f.t, err)
	return b
}

// ---------------------------------------------------------------------------

func TestCapacity(t *testing.T) {
	tests := []struct {
		name    string
		offered uint64
		ratio   domain.Ratio
		filled  uint64
		want    uint64
	}{
		{"two to one", 100, domain.Ratio{Favorite: 2, Underdog: 1}, 0, 100},
		{"ten to one", 100, domain.Ratio{Favorite: 10, Underdog: 1}, 0, 11},
		{"partially filled", 100, domain.Ratio{Favorite: 2, Underdog: 1}, 40, 60},
		{"overfilled clamps", 100, domain.Ratio{Favorite: 10, Underdog: 1}, 50, 0},
		{"zero denominator", 1, domain.Ratio{Favorite: 3, Underdog: 2}, 0, 0},
		{"three to two", 3, domain.Ratio{Favorite: 3, Underdog: 2}, 0, 9},
		{"three to two larger", 4, domain.Ratio{Favorite: 3, Underdog: 2}, 0, 8},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Capacity(amt(tc.offered), tc.ratio, amt(tc.filled))
			assert.Equal(t, amt(tc.want), got)
		})
	}
}

func TestCapacityMonotonicForIntegralOdds(t *testing.T) {
	for _, fav := range []uint64{2, 3, 7, 10, 100} {
		ratio := domain.Ratio{Favorite: fav, Underdog: 1}
		prev := Capacity(amt(1), ratio, uint256.Int{})
		for offered := uint64(2); offered < 2_000; offered++ {
			cur := Capacity(amt(offered), ratio, uint256.Int{})
			require.False(t, cur.Lt(&prev), "fav=%d offered=%d", fav, offered)
			prev = cur
		}
	}
}

func TestProposeValidation(t *testing.T) {
	f := newFixture(t, 0, nil)

	mutate := func(fn func(*domain.BetTerms)) domain.BetTerms {
		terms := defaultTerms()
		fn(&terms)
		return terms
	}
	tests := []struct {
		name  string
		terms domain.BetTerms
		value uint64
		arb   common.Address
	}{
		{"equal odds", mutate(func(b *domain.BetTerms) { b.Ratio = domain.Ratio{Favorite: 1, Underdog: 1} }), 100, arbAddr},
		{"zero underdog", mutate(func(b *domain.BetTerms) { b.Ratio = domain.Ratio{Favorite: 2, Underdog: 0} }), 100, arbAddr},
		{"claim before bet end", mutate(func(b *domain.BetTerms) { b.ClaimStart = b.BetEnd }), 100, arbAddr},
		{"claim end before start", mutate(func(b *domain.BetTerms) { b.ClaimEnd = b.ClaimStart.Add(-time.Second) }), 100, arbAddr},
		{"bet end in the past", mutate(func(b *domain.BetTerms) { b.BetEnd = t0.Add(-time.Second) }), 100, arbAddr},
		{"zero offer", defaultTerms(), 0, arbAddr},
		{"no capacity", mutate(func(b *domain.BetTerms) { b.Ratio = domain.Ratio{Favorite: 3, Underdog: 2} }), 1, arbAddr},
		{"unknown arbitrator", defaultTerms(), 100, outsider},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.eng.Propose(f.ctx, ProposalRequest{Proposer: proposer, Terms: tc.terms, Arbitrator: tc.arb, Value: amt(tc.value)})
			require.ErrorIs(t, err, domain.ErrInvalidTerms)
		})
	}
	assert.Empty(t, f.eng.Bets())
	assert.Equal(t, uint64(startBalance), f.balance(proposer))
}

func TestProposeRequiresFunds(t *testing.T) {
	f := newFixture(t, 0, nil)
	_, err := f.eng.Propose(f.ctx, ProposalRequest{Proposer: proposer, Terms: defaultTerms(), Arbitrator: arbAddr, Value: amt(startBalance + 1)})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Empty(t, f.eng.Bets())
}

func TestProposeAssignsSequentialIDs(t *testing.T) {
	f := newFixture(t, 0, nil)
	assert.Equal(t, uint64(0), f.propose(defaultTerms(), 100))
	assert.Equal(t, uint64(1), f.propose(defaultTerms(), 50))

	b := f.bet(1)
	assert.Equal(t, domain.StatusOpen, b.Status)
	assert.Equal(t, amt(50), b.Principal.Offered)
	assert.Equal(t, uint64(startBalance-150), f.balance(proposer))
	assert.Equal(t, amt(150), f.eng.Custody())
}

func TestFillExactCapacity(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)

	rcpt, err := f.eng.Fill(f.ctx, taker1, id, amt(150))
	require.NoError(t, err)
	assert.Equal(t, amt(100), rcpt.Accepted)
	assert.Equal(t, amt(50), rcpt.Refunded)
	assert.Equal(t, uint64(startBalance-100), f.balance(taker1))

	_, err = f.eng.Fill(f.ctx, taker2, id, amt(1))
	require.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Equal(t, uint64(startBalance), f.balance(taker2))
}

func TestFillLongOdds(t *testing.T) {
	f := newFixture(t, 0, nil)
	terms := defaultTerms()
	terms.Ratio = domain.Ratio{Favorite: 10, Underdog: 1}
	id := f.propose(terms, 100)

	rcpt, err := f.eng.Fill(f.ctx, taker1, id, amt(200))
	require.NoError(t, err)
	assert.Equal(t, amt(11), rcpt.Accepted)
	assert.Equal(t, amt(189), rcpt.Refunded)
	assert.Equal(t, amt(11), f.bet(id).Principal.Filled)

	_, err = f.eng.Fill(f.ctx, taker2, id, amt(1))
	require.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestFillsSumToFilled(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)

	_, err := f.eng.Fill(f.ctx, taker1, id, amt(40))
	require.NoError(t, err)
	_, err = f.eng.Fill(f.ctx, taker1, id, amt(5))
	require.NoError(t, err)
	rcpt, err := f.eng.Fill(f.ctx, taker2, id, amt(100))
	require.NoError(t, err)
	assert.Equal(t, amt(55), rcpt.Accepted)

	b := f.bet(id)
	sum := capped.Add(b.Fills[taker1], b.Fills[taker2])
	assert.Equal(t, b.Principal.Filled, sum)
	assert.Equal(t, amt(45), b.Fills[taker1])
}

func TestFillRejections(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)

	_, err := f.eng.Fill(f.ctx, proposer, id, amt(10))
	require.ErrorIs(t, err, domain.ErrPrecondition)

	_, err = f.eng.Fill(f.ctx, taker1, id, uint256.Int{})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = f.eng.Fill(f.ctx, taker1, 42, amt(10))
	require.ErrorIs(t, err, domain.ErrNotFound)

	f.now = t0.Add(time.Hour)
	_, err = f.eng.Fill(f.ctx, taker1, id, amt(10))
	require.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestWithdrawUnfilled(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)

	_, err := f.eng.WithdrawUnfilled(f.ctx, proposer, id)
	require.ErrorIs(t, err, domain.ErrPrecondition)

	f.now = t0.Add(time.Hour + time.Second)
	_, err = f.eng.WithdrawUnfilled(f.ctx, taker1, id)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	got, err := f.eng.WithdrawUnfilled(f.ctx, proposer, id)
	require.NoError(t, err)
	assert.Equal(t, amt(100), got)
	assert.Equal(t, uint64(startBalance), f.balance(proposer))

	b := f.bet(id)
	assert.Equal(t, domain.StatusResolved, b.Status)
	assert.True(t, b.Principal.Offered.IsZero())

	_, err = f.eng.WithdrawUnfilled(f.ctx, proposer, id)
	require.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestWithdrawUnfilledRejectedWithTakers(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker1, id, amt(10))
	require.NoError(t, err)

	f.now = t0.Add(time.Hour + time.Second)
	_, err = f.eng.WithdrawUnfilled(f.ctx, proposer, id)
	require.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestInitiateClaimUnderpaymentLeavesNoTrace(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker1, id, amt(100))
	require.NoError(t, err)
	f.enterClaimWindow()

	cost, err := f.eng.ClaimCost(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, amt(150), cost)

	_, err = f.eng.InitiateClaim(f.ctx, proposer, id, amt(149))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	b := f.bet(id)
	assert.Equal(t, domain.StatusOpen, b.Status)
	assert.Empty(t, b.Rounds)
	assert.Equal(t, uint64(startBalance-100), f.balance(proposer))
}

func TestInitiateClaimRefundsExcess(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker1, id, amt(100))
	require.NoError(t, err)
	f.enterClaimWindow()

	rcpt, err := f.eng.InitiateClaim(f.ctx, taker1, id, amt(400))
	require.NoError(t, err)
	assert.Equal(t, amt(150), rcpt.Accepted)
	assert.Equal(t, amt(250), rcpt.Refunded)
	assert.Equal(t, uint64(startBalance-250), f.balance(taker1))

	b := f.bet(id)
	assert.Equal(t, domain.StatusWaitingOpponentFee, b.Status)
	assert.Equal(t, taker1, b.TakerClaimant)
	assert.True(t, b.Rounds[0].FullyFunded[domain.PartyTaker])
	assert.Contains(t, f.sink.types(), domain.EventHasToPayFee)

	_, err = f.eng.InitiateClaim(f.ctx, taker1, id, amt(150))
	require.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestInitiateClaimRejections(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker1, id, amt(100))
	require.NoError(t, err)

	_, err = f.eng.InitiateClaim(f.ctx, proposer, id, amt(150))
	require.ErrorIs(t, err, domain.ErrPrecondition, "before claim window")

	f.now = defaultTerms().ClaimStart
	_, err = f.eng.InitiateClaim(f.ctx, proposer, id, amt(150))
	require.ErrorIs(t, err, domain.ErrPrecondition, "claim start is exclusive")

	f.enterClaimWindow()
	_, err = f.eng.InitiateClaim(f.ctx, outsider, id, amt(150))
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	f.now = defaultTerms().ClaimEnd
	_, err = f.eng.InitiateClaim(f.ctx, proposer, id, amt(150))
	require.ErrorIs(t, err, domain.ErrPrecondition, "claim end is exclusive")
}

func TestTimeoutUnopposedPaysTheClaimant(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker1, id, amt(100))
	require.NoError(t, err)
	f.enterClaimWindow()
	_, err = f.eng.InitiateClaim(f.ctx, proposer, id, amt(150))
	require.NoError(t, err)

	require.ErrorIs(t, f.eng.TimeoutUnopposed(f.ctx, outsider, id), domain.ErrPrecondition)

	f.now = t0.Add(3*time.Hour + time.Second)
	require.NoError(t, f.eng.TimeoutUnopposed(f.ctx, outsider, id))

	b := f.bet(id)
	assert.Equal(t, domain.StatusResolved, b.Status)
	assert.Equal(t, domain.RulingProposerWins, b.FinalRuling)
	assert.True(t, b.Principal.Offered.IsZero())
	assert.True(t, b.Principal.Filled.IsZero())
	assert.Equal(t, uint64(startBalance+100), f.balance(proposer))
	assert.Equal(t, uint64(startBalance-100), f.balance(taker1))
	assert.Zero(t, f.eng.Custody())

	require.ErrorIs(t, f.eng.TimeoutUnopposed(f.ctx, outsider, id), domain.ErrPrecondition)
}

func TestDisputeCreatedWhenBothSidesPay(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.disputed()

	b := f.bet(id)
	assert.Equal(t, domain.StatusDisputeCreated, b.Status)
	assert.True(t, b.HasDispute)
	require.Len(t, b.Rounds, 2)
	assert.True(t, b.Rounds[0].Raised)
	assert.Equal(t, amt(200), b.Rounds[0].RewardPool)
	assert.Equal(t, amt(400), f.eng.Custody())

	d, err := f.arb.Dispute(b.DisputeID)
	require.NoError(t, err)
	assert.Equal(t, amt(100), d.Fees)
	assert.Equal(t, uint64(domain.RulingChoices), d.Choices)
}

func TestRulingTakerWins(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.disputed()
	b := f.bet(id)

	require.NoError(t, f.arb.GiveRuling(f.ctx, arbOwner, b.DisputeID, domain.RulingTakerWins))

	b = f.bet(id)
	assert.Equal(t, domain.StatusResolved, b.Status)
	assert.Equal(t, domain.RulingTakerWins, b.FinalRuling)
	assert.Equal(t, uint64(startBalance-250), f.balance(proposer))
	assert.Equal(t, uint64(startBalance+150), f.balance(taker1))
	assert.Zero(t, f.eng.Custody())
	assert.Zero(t, b.Fills[taker1])
}

func TestRulingNoneRefundsEveryone(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.disputed()
	b := f.bet(id)

	require.NoError(t, f.arb.GiveRuling(f.ctx, arbOwner, b.DisputeID, domain.RulingNone))

	assert.Equal(t, uint64(startBalance-50), f.balance(proposer))
	assert.Equal(t, uint64(startBalance-50), f.balance(taker1))
	assert.Zero(t, f.eng.Custody())
}

func TestTakerWinsLongOddsReturnsRemainder(t *testing.T) {
	f := newFixture(t, 0, nil)
	terms := defaultTerms()
	terms.Ratio = domain.Ratio{Favorite: 10, Underdog: 1}
	id := f.propose(terms, 100)
	_, err := f.eng.Fill(f.ctx, taker1, id, amt(5))
	require.NoError(t, err)
	_, err = f.eng.Fill(f.ctx, taker2, id, amt(6))
	require.NoError(t, err)
	f.enterClaimWindow()
	_, err = f.eng.InitiateClaim(f.ctx, taker2, id, amt(150))
	require.NoError(t, err)
	f.now = t0.Add(4 * time.Hour)
	require.NoError(t, f.eng.TimeoutUnopposed(f.ctx, outsider, id))

	b := f.bet(id)
	assert.Equal(t, domain.RulingTakerWins, b.FinalRuling)
	// Pot of 111: taker1 wins 50, taker2 wins 60, one unit goes back.
	assert.Equal(t, uint64(startBalance+45), f.balance(taker1))
	assert.Equal(t, uint64(startBalance+54), f.balance(taker2))
	assert.Equal(t, uint64(startBalance-99), f.balance(proposer))
	assert.Zero(t, f.eng.Custody())

	kinds := map[domain.PayoutKind]int{}
	for _, p := range b.Payouts {
		kinds[p.Kind]++
	}
	assert.Equal(t, 2, kinds[domain.PayoutWinnings])
	assert.Equal(t, 1, kinds[domain.PayoutRemainder])
	assert.Equal(t, 1, kinds[domain.PayoutFeeReward])
}

func TestDeliverRulingRejections(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.disputed()
	b := f.bet(id)

	err := f.eng.DeliverRuling(f.ctx, outsider, b.DisputeID, 1)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	err = f.eng.DeliverRuling(f.ctx, arbAddr, b.DisputeID, 3)
	require.ErrorIs(t, err, domain.ErrPrecondition)

	err = f.eng.DeliverRuling(f.ctx, arbAddr, b.DisputeID+5, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.eng.DeliverRuling(f.ctx, arbAddr, b.DisputeID, 1))
	balance := f.balance(proposer)
	err = f.eng.DeliverRuling(f.ctx, arbAddr, b.DisputeID, 2)
	require.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Equal(t, balance, f.balance(proposer))
}

func TestAppealUnfundedLoserKeepsRuling(t *testing.T) {
	f := newFixture(t, time.Hour, nil)
	id := f.disputed()
	b := f.bet(id)
	require.NoError(t, f.arb.GiveRuling(f.ctx, arbOwner, b.DisputeID, domain.RulingProposerWins))

	q, err := f.eng.AppealQuote(f.ctx, id, domain.PartyProposer)
	require.NoError(t, err)
	assert.Equal(t, amt(300), q.Required)

	rcpt, err := f.eng.FundAppeal(f.ctx, backer1, id, domain.PartyProposer, amt(120))
	require.NoError(t, err)
	assert.Equal(t, amt(120), rcpt.Accepted)
	rcpt, err = f.eng.FundAppeal(f.ctx, backer2, id, domain.PartyProposer, amt(200))
	require.NoError(t, err)
	assert.Equal(t, amt(180), rcpt.Accepted)
	assert.Equal(t, amt(20), rcpt.Refunded)

	_, err = f.eng.FundAppeal(f.ctx, backer1, id, domain.PartyProposer, amt(1))
	require.ErrorIs(t, err, domain.ErrPrecondition)

	f.now = f.now.Add(31 * time.Minute)
	_, err = f.eng.FundAppeal(f.ctx, taker2, id, domain.PartyTaker, amt(400))
	require.ErrorIs(t, err, domain.ErrPrecondition, "loser after half window")

	_, err = f.eng.WithdrawRoundReward(f.ctx, backer1, backer1, id, 1)
	require.ErrorIs(t, err, domain.ErrPrecondition)

	f.now = f.now.Add(time.Hour)
	require.NoError(t, f.arb.ExecuteRuling(f.ctx, b.DisputeID))

	b = f.bet(id)
	assert.Equal(t, domain.RulingProposerWins, b.FinalRuling)

	got, err := f.eng.WithdrawRoundReward(f.ctx, outsider, backer1, id, 1)
	require.NoError(t, err)
	assert.Equal(t, amt(120), got)
	got, err = f.eng.WithdrawRoundReward(f.ctx, backer2, backer2, id, 1)
	require.NoError(t, err)
	assert.Equal(t, amt(180), got)
	got, err = f.eng.WithdrawRoundReward(f.ctx, backer2, backer2, id, 1)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	assert.Equal(t, uint64(startBalance), f.balance(backer1))
	assert.Equal(t, uint64(startBalance), f.balance(backer2))
	assert.Zero(t, f.eng.Custody())
}

func TestAppealRaisedAndRewardsWinners(t *testing.T) {
	f := newFixture(t, time.Hour, nil)
	id := f.disputed()
	b := f.bet(id)
	require.NoError(t, f.arb.GiveRuling(f.ctx, arbOwner, b.DisputeID, domain.RulingProposerWins))

	_, err := f.eng.FundAppeal(f.ctx, backer1, id, domain.PartyProposer, amt(300))
	require.NoError(t, err)
	_, err = f.eng.FundAppeal(f.ctx, backer2, id, domain.PartyTaker, amt(400))
	require.NoError(t, err)

	b = f.bet(id)
	require.Len(t, b.Rounds, 3)
	assert.True(t, b.Rounds[1].Raised)
	assert.Equal(t, amt(500), b.Rounds[1].RewardPool)
	assert.Contains(t, f.sink.types(), domain.EventAppealRaised)

	d, err := f.arb.Dispute(b.DisputeID)
	require.NoError(t, err)
	assert.Equal(t, arbitration.StatusWaiting, d.Status)

	require.NoError(t, f.arb.GiveRuling(f.ctx, arbOwner, b.DisputeID, domain.RulingTakerWins))
	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, f.arb.ExecuteRuling(f.ctx, b.DisputeID))

	b = f.bet(id)
	assert.Equal(t, domain.RulingTakerWins, b.FinalRuling)

	got, err := f.eng.WithdrawRoundReward(f.ctx, backer2, backer2, id, 1)
	require.NoError(t, err)
	assert.Equal(t, amt(500), got)
	got, err = f.eng.WithdrawRoundReward(f.ctx, backer1, backer1, id, 1)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	assert.Zero(t, f.eng.Custody())
}

func TestLoneLoserFundingOverridesRuling(t *testing.T) {
	f := newFixture(t, time.Hour, nil)
	id := f.disputed()
	b := f.bet(id)
	require.NoError(t, f.arb.GiveRuling(f.ctx, arbOwner, b.DisputeID, domain.RulingProposerWins))

	q, err := f.eng.AppealQuote(f.ctx, id, domain.PartyTaker)
	require.NoError(t, err)
	assert.Equal(t, amt(400), q.Required)

	_, err = f.eng.FundAppeal(f.ctx, backer1, id, domain.PartyTaker, amt(400))
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, f.arb.ExecuteRuling(f.ctx, b.DisputeID))

	b = f.bet(id)
	assert.Equal(t, domain.RulingTakerWins, b.FinalRuling)
	assert.Equal(t, uint64(startBalance+150), f.balance(taker1))
}

func TestFundAppealOutsidePeriod(t *testing.T) {
	f := newFixture(t, time.Hour, nil)
	id := f.disputed()

	_, err := f.eng.FundAppeal(f.ctx, backer1, id, domain.PartyProposer, amt(300))
	require.ErrorIs(t, err, domain.ErrPrecondition, "no ruling given yet")

	_, err = f.eng.FundAppeal(f.ctx, backer1, id, domain.PartyNone, amt(300))
	require.ErrorIs(t, err, domain.ErrPrecondition)

	_, err = f.eng.FundAppeal(f.ctx, backer1, id, domain.PartyProposer, uint256.Int{})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestFailedPushIsCredited(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker1, id, amt(100))
	require.NoError(t, err)
	f.enterClaimWindow()
	_, err = f.eng.InitiateClaim(f.ctx, proposer, id, amt(150))
	require.NoError(t, err)

	f.wallet.SetRejecting(proposer, true)
	f.now = t0.Add(4 * time.Hour)
	require.NoError(t, f.eng.TimeoutUnopposed(f.ctx, outsider, id))

	assert.Equal(t, domain.StatusResolved, f.bet(id).Status)
	assert.Equal(t, amt(350), f.eng.Credit(proposer))
	assert.Equal(t, amt(350), f.eng.Custody())
	assert.Contains(t, f.sink.types(), domain.EventTransferFailed)

	_, err = f.eng.WithdrawCredit(f.ctx, proposer)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, amt(350), f.eng.Credit(proposer))

	f.wallet.SetRejecting(proposer, false)
	got, err := f.eng.WithdrawCredit(f.ctx, proposer)
	require.NoError(t, err)
	assert.Equal(t, amt(350), got)
	assert.Zero(t, f.eng.Credit(proposer))
	assert.Zero(t, f.eng.Custody())
	assert.Equal(t, uint64(startBalance+100), f.balance(proposer))
}

type failingGateway struct {
	*arbitration.Appealable
}

func (failingGateway) CreateDispute(context.Context, uint64, []byte, uint256.Int) (domain.DisputeID, error) {
	return 0, errors.New("court closed")
}

func TestGatewayFailureRollsBack(t *testing.T) {
	f := newFixture(t, 0, func(a *arbitration.Appealable) domain.Arbitrator { return failingGateway{a} })
	id := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker1, id, amt(100))
	require.NoError(t, err)
	f.enterClaimWindow()
	_, err = f.eng.InitiateClaim(f.ctx, proposer, id, amt(150))
	require.NoError(t, err)
	before := f.bet(id)
	custody := f.eng.Custody()

	_, err = f.eng.InitiateClaim(f.ctx, taker1, id, amt(200))
	require.ErrorIs(t, err, domain.ErrGateway)

	after := f.bet(id)
	assert.Equal(t, before.Status, after.Status)
	assert.False(t, after.Rounds[0].FullyFunded[domain.PartyTaker])
	assert.Equal(t, common.Address{}, after.TakerClaimant)
	assert.Len(t, after.Rounds, 1)
	assert.Equal(t, custody, f.eng.Custody())
	assert.Equal(t, uint64(startBalance-100), f.balance(taker1))
}

func TestSaturatingCostsNeverWrap(t *testing.T) {
	terms := defaultTerms()
	terms.Multipliers = domain.Multipliers{Shared: math.MaxUint64, Winner: math.MaxUint64, Loser: math.MaxUint64}

	t.Run("claim cost clamps to max", func(t *testing.T) {
		f := newFixtureWithCosts(t, time.Hour, capped.Sub(capped.Max(), amt(1)), amt(200), nil)
		id := f.propose(terms, 100)
		_, err := f.eng.Fill(f.ctx, taker1, id, amt(100))
		require.NoError(t, err)
		f.enterClaimWindow()

		cost, err := f.eng.ClaimCost(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, capped.Max(), cost)

		before := f.bet(id)
		custody := f.eng.Custody()
		_, err = f.eng.InitiateClaim(f.ctx, proposer, id, amt(startBalance))
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)
		assert.Equal(t, before, f.bet(id))
		assert.Equal(t, custody, f.eng.Custody())
		assert.Equal(t, uint64(startBalance-100), f.balance(proposer))
	})

	t.Run("appeal quote clamps to max", func(t *testing.T) {
		f := newFixtureWithCosts(t, time.Hour, amt(100), capped.Max(), nil)
		claim := withStake(amt(100), math.MaxUint64)
		f.wallet.Deposit(proposer, claim)
		f.wallet.Deposit(taker1, claim)

		id := f.propose(terms, 100)
		_, err := f.eng.Fill(f.ctx, taker1, id, amt(100))
		require.NoError(t, err)
		f.enterClaimWindow()
		cost, err := f.eng.ClaimCost(f.ctx, id)
		require.NoError(t, err)
		require.Equal(t, claim, cost)
		_, err = f.eng.InitiateClaim(f.ctx, proposer, id, cost)
		require.NoError(t, err)
		_, err = f.eng.InitiateClaim(f.ctx, taker1, id, cost)
		require.NoError(t, err)

		b := f.bet(id)
		require.True(t, b.HasDispute)
		require.NoError(t, f.arb.GiveRuling(f.ctx, arbOwner, b.DisputeID, domain.RulingTakerWins))

		for _, side := range []domain.Party{domain.PartyProposer, domain.PartyTaker} {
			q, err := f.eng.AppealQuote(f.ctx, id, side)
			require.NoError(t, err)
			assert.Equal(t, capped.Max(), q.Required, side.String())
			assert.Equal(t, capped.Max(), q.Remaining, side.String())
		}

		rcpt, err := f.eng.FundAppeal(f.ctx, backer1, id, domain.PartyTaker, amt(500))
		require.NoError(t, err)
		assert.Equal(t, amt(500), rcpt.Accepted)
		assert.Zero(t, rcpt.Refunded)

		q, err := f.eng.AppealQuote(f.ctx, id, domain.PartyTaker)
		require.NoError(t, err)
		assert.Equal(t, capped.Sub(capped.Max(), amt(500)), q.Remaining)
		assert.False(t, f.bet(id).LastRound().FullyFunded[domain.PartyTaker])
	})
}

func TestSubmitEvidence(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker1, id, amt(100))
	require.NoError(t, err)

	require.ErrorIs(t, f.eng.SubmitEvidence(f.ctx, outsider, id, "ipfs://x"), domain.ErrUnauthorized)
	require.ErrorIs(t, f.eng.SubmitEvidence(f.ctx, taker1, id, " "), domain.ErrPrecondition)
	require.NoError(t, f.eng.SubmitEvidence(f.ctx, taker1, id, "ipfs://score"))
	require.NoError(t, f.eng.SubmitEvidence(f.ctx, proposer, id, "ipfs://report"))

	b := f.bet(id)
	require.Len(t, b.Evidence, 2)
	assert.Equal(t, taker1, b.Evidence[0].Party)
	assert.Equal(t, "ipfs://report", b.Evidence[1].URI)

	f.now = t0.Add(4 * time.Hour)
	require.NoError(t, f.eng.ExpireUnclaimed(f.ctx, outsider, id))
	require.ErrorIs(t, f.eng.SubmitEvidence(f.ctx, taker1, id, "ipfs://late"), domain.ErrPrecondition)
}

func TestExpireUnclaimed(t *testing.T) {
	f := newFixture(t, 0, nil)
	id := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker1, id, amt(60))
	require.NoError(t, err)

	require.ErrorIs(t, f.eng.ExpireUnclaimed(f.ctx, outsider, id), domain.ErrPrecondition)

	f.now = t0.Add(3*time.Hour + time.Second)
	require.NoError(t, f.eng.ExpireUnclaimed(f.ctx, outsider, id))

	b := f.bet(id)
	assert.Equal(t, domain.StatusResolved, b.Status)
	assert.Equal(t, domain.RulingNone, b.FinalRuling)
	assert.Equal(t, uint64(startBalance), f.balance(proposer))
	assert.Equal(t, uint64(startBalance), f.balance(taker1))
	assert.Len(t, b.Payouts, 2)
}

func TestRestoreRebuildsCustodyAndDisputes(t *testing.T) {
	f := newFixture(t, time.Hour, nil)
	open := f.propose(defaultTerms(), 70)
	second := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker2, second, amt(100))
	require.NoError(t, err)
	id := f.disputed()
	b := f.bet(id)
	require.NoError(t, f.arb.GiveRuling(f.ctx, arbOwner, b.DisputeID, domain.RulingTakerWins))
	_, err = f.eng.FundAppeal(f.ctx, backer1, id, domain.PartyTaker, amt(100))
	require.NoError(t, err)

	var snapshots []*domain.Bet
	for _, bet := range f.eng.Bets() {
		raw, err := json.Marshal(bet)
		require.NoError(t, err)
		var back domain.Bet
		require.NoError(t, json.Unmarshal(raw, &back))
		snapshots = append(snapshots, &back)
	}

	arb := f.newArbitrator()
	require.NoError(t, arb.Restore(f.ctx))
	restored := New(f.wallet, []domain.Arbitrator{arb}, WithClock(func() time.Time { return f.now }))
	require.NoError(t, restored.Restore(snapshots, nil))
	arb.SetReceiver(restored)
	assert.Equal(t, f.eng.Custody(), restored.Custody())
	assert.Equal(t, amt(70), func() uint256.Int { r, _ := restored.Bet(open); return r.Principal.Offered }())

	_, err = restored.InitiateClaim(f.ctx, proposer, second, amt(150))
	require.NoError(t, err)
	_, err = restored.InitiateClaim(f.ctx, taker2, second, amt(150))
	require.NoError(t, err)
	sb, err := restored.Bet(second)
	require.NoError(t, err)
	require.True(t, sb.HasDispute)
	assert.NotEqual(t, b.DisputeID, sb.DisputeID)

	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, arb.ExecuteRuling(f.ctx, b.DisputeID))
	rb, err := restored.Bet(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, rb.Status)
	sb, err = restored.Bet(second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisputeCreated, sb.Status)

	require.Error(t, restored.Restore(snapshots, nil))
}

func TestRestoreRejectsSharedDispute(t *testing.T) {
	f := newFixture(t, time.Hour, nil)
	id := f.disputed()
	b := f.bet(id)

	dup := b.Clone()
	dup.ID = 1
	fresh := New(f.wallet, []domain.Arbitrator{f.arb}, WithClock(func() time.Time { return f.now }))
	require.Error(t, fresh.Restore([]*domain.Bet{b, dup}, nil))
	_, err := fresh.Bet(0)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// reusedIDGateway creates real disputes but always reports id 0, the way a
// stateless arbitrator would after a restart.
type reusedIDGateway struct {
	*arbitration.Appealable
}

func (g reusedIDGateway) CreateDispute(ctx context.Context, choices uint64, extraData []byte, fee uint256.Int) (domain.DisputeID, error) {
	if _, err := g.Appealable.CreateDispute(ctx, choices, extraData, fee); err != nil {
		return 0, err
	}
	return 0, nil
}

func TestReusedDisputeIDRollsBack(t *testing.T) {
	f := newFixture(t, time.Hour, func(a *arbitration.Appealable) domain.Arbitrator { return reusedIDGateway{a} })
	second := f.propose(defaultTerms(), 100)
	_, err := f.eng.Fill(f.ctx, taker2, second, amt(100))
	require.NoError(t, err)
	first := f.disputed()
	require.Equal(t, domain.DisputeID(0), f.bet(first).DisputeID)

	_, err = f.eng.InitiateClaim(f.ctx, proposer, second, amt(150))
	require.NoError(t, err)
	custody := f.eng.Custody()

	_, err = f.eng.InitiateClaim(f.ctx, taker2, second, amt(150))
	require.ErrorIs(t, err, domain.ErrGateway)

	after := f.bet(second)
	assert.Equal(t, domain.StatusWaitingOpponentFee, after.Status)
	assert.False(t, after.HasDispute)
	assert.Len(t, after.Rounds, 1)
	assert.Equal(t, custody, f.eng.Custody())
	assert.Equal(t, uint64(startBalance-100), f.balance(taker2))

	require.NoError(t, f.arb.GiveRuling(f.ctx, arbOwner, 0, domain.RulingTakerWins))
	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, f.arb.ExecuteRuling(f.ctx, 0))
	assert.Equal(t, domain.StatusResolved, f.bet(first).Status)
	assert.Equal(t, domain.StatusWaitingOpponentFee, f.bet(second).Status)
}
