package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakecourt/internal/arbitration"
	"github.com/alanyoungcy/stakecourt/internal/domain"
	"github.com/alanyoungcy/stakecourt/internal/settlement"
	"github.com/alanyoungcy/stakecourt/internal/store/sqlite"
	"github.com/alanyoungcy/stakecourt/internal/wallet"
)

var (
	t0       = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	arbAddr  = common.HexToAddress("0xa7b1")
	arbOwner = common.HexToAddress("0xff")
	proposer = common.HexToAddress("0x01")
	taker    = common.HexToAddress("0x02")
	outsider = common.HexToAddress("0x09")
)

func u(v uint64) uint256.Int { return *uint256.NewInt(v) }

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) types(channel string) []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.EventType
	for _, p := range b.published[channel] {
		var ev domain.Event
		if err := json.Unmarshal(p, &ev); err == nil {
			out = append(out, ev.Type)
		}
	}
	return out
}

type memEvidence struct {
	objects map[string]string
}

func (m *memEvidence) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, _ := io.ReadAll(data)
	m.objects[path] = string(b)
	return nil
}

func (m *memEvidence) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memEvidence) URI(path string) string { return "s3://evidence/" + path }

type harness struct {
	ctx      context.Context
	now      time.Time
	store    *sqlite.Store
	wallet   *wallet.Ledger
	arb      *arbitration.Appealable
	bus      *memBus
	evidence *memEvidence
	svc      *BetService
}

func newHarness(t *testing.T, store *sqlite.Store) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{ctx: context.Background(), now: t0, store: store, bus: newMemBus(), evidence: &memEvidence{objects: map[string]string{}}}
	clock := func() time.Time { return h.now }

	h.wallet = wallet.NewLedger(logger)
	for _, a := range []common.Address{proposer, taker, outsider} {
		h.wallet.Deposit(a, u(10_000))
	}
	h.arb = arbitration.New(arbitration.Config{
		Address:         arbAddr,
		Owner:           arbOwner,
		ArbitrationCost: u(100),
		AppealCost:      u(200),
	}, logger, arbitration.WithClock(clock))

	h.svc = NewBetService(h.wallet, []domain.Arbitrator{h.arb}, Deps{
		Bets:     store,
		Credits:  store,
		Audit:    store,
		Bus:      h.bus,
		Evidence: h.evidence,
	}, logger, settlement.WithClock(clock))
	h.arb.SetReceiver(h.svc)
	return h
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func terms() domain.BetTerms {
	return domain.BetTerms{
		Description: "home team wins",
		BetEnd:      t0.Add(time.Hour),
		ClaimStart:  t0.Add(2 * time.Hour),
		ClaimEnd:    t0.Add(3 * time.Hour),
		Ratio:       domain.Ratio{Favorite: 2, Underdog: 1},
		Multipliers: domain.Multipliers{Shared: 5000, Winner: 5000, Loser: 10000},
	}
}

func (h *harness) propose(t *testing.T) uint64 {
	t.Helper()
	id, err := h.svc.Propose(h.ctx, settlement.ProposalRequest{
		Proposer:   proposer,
		Terms:      terms(),
		Arbitrator: arbAddr,
		Value:      u(100),
	})
	require.NoError(t, err)
	return id
}

func TestDisputeIsPersistedAndPublished(t *testing.T) {
	store := openStore(t)
	h := newHarness(t, store)

	id := h.propose(t)
	_, err := h.svc.Fill(h.ctx, taker, id, u(100))
	require.NoError(t, err)

	h.now = t0.Add(2*time.Hour + time.Minute)
	_, err = h.svc.InitiateClaim(h.ctx, proposer, id, u(150))
	require.NoError(t, err)

	stored, err := store.Get(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaitingOpponentFee, stored.Status)

	_, err = h.svc.InitiateClaim(h.ctx, taker, id, u(150))
	require.NoError(t, err)
	require.NoError(t, h.arb.GiveRuling(h.ctx, arbOwner, 0, domain.RulingProposerWins))

	stored, err = store.Get(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, stored.Status)
	assert.Equal(t, domain.RulingProposerWins, stored.FinalRuling)
	assert.Equal(t, u(10_150), h.wallet.Balance(proposer))
	assert.Equal(t, u(9_750), h.wallet.Balance(taker))

	types := h.bus.types(EventChannel)
	assert.Contains(t, types, domain.EventDisputeCreated)
	assert.Contains(t, types, domain.EventBetResolved)
	assert.Len(t, h.bus.streamed[EventStream], len(h.bus.published[EventChannel]))

	entries, err := store.List(h.ctx, domain.ListOpts{})
	require.NoError(t, err)
	var events []string
	for _, e := range entries {
		events = append(events, e.Event)
	}
	assert.Contains(t, events, "bet.bet_resolved")
	assert.Contains(t, events, "bet.ruling_delivered")
}

func TestRestoreFromStore(t *testing.T) {
	store := openStore(t)
	h := newHarness(t, store)

	open := h.propose(t)
	_, err := h.svc.Fill(h.ctx, taker, open, u(60))
	require.NoError(t, err)

	restarted := newHarness(t, store)
	require.NoError(t, restarted.svc.Restore(restarted.ctx))

	b, err := restarted.svc.Bet(open)
	require.NoError(t, err)
	assert.Equal(t, u(100), b.Principal.Offered)
	assert.Equal(t, u(60), b.Principal.Filled)
	assert.Equal(t, u(160), restarted.svc.Custody())

	next, err := restarted.svc.Propose(restarted.ctx, settlement.ProposalRequest{
		Proposer:   proposer,
		Terms:      terms(),
		Arbitrator: arbAddr,
		Value:      u(50),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)
}

func TestFailedPayoutCreditIsPersisted(t *testing.T) {
	store := openStore(t)
	h := newHarness(t, store)

	id := h.propose(t)
	h.wallet.SetRejecting(proposer, true)
	h.now = t0.Add(90 * time.Minute)

	_, err := h.svc.WithdrawUnfilled(h.ctx, proposer, id)
	require.NoError(t, err)

	credits, err := store.All(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, u(100), credits[proposer])
	assert.Contains(t, h.bus.types(EventChannel), domain.EventTransferFailed)

	h.wallet.SetRejecting(proposer, false)
	paid, err := h.svc.WithdrawCredit(h.ctx, proposer)
	require.NoError(t, err)
	assert.Equal(t, u(100), paid)

	credits, err = store.All(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, credits)
	assert.Equal(t, u(10_000), h.wallet.Balance(proposer))
}

func TestSubmitEvidenceDocument(t *testing.T) {
	h := newHarness(t, openStore(t))
	id := h.propose(t)

	_, err := h.svc.SubmitEvidenceDocument(h.ctx, outsider, id, "photo.jpg", strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Empty(t, h.evidence.objects)

	uri, err := h.svc.SubmitEvidenceDocument(h.ctx, proposer, id, "Score.PNG", bytes.NewReader([]byte("final score")))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "s3://evidence/evidence/0/"))
	assert.True(t, strings.HasSuffix(uri, ".png"))

	b, err := h.svc.Bet(id)
	require.NoError(t, err)
	require.Len(t, b.Evidence, 1)
	assert.Equal(t, uri, b.Evidence[0].URI)

	key := strings.TrimPrefix(uri, "s3://evidence/")
	assert.Equal(t, "final score", h.evidence.objects[key])
}
