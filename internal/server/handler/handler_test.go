package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakecourt/internal/arbitration"
	"github.com/alanyoungcy/stakecourt/internal/domain"
	"github.com/alanyoungcy/stakecourt/internal/server/middleware"
	"github.com/alanyoungcy/stakecourt/internal/service"
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
)

type memEvidence struct{ objects map[string][]byte }

func (m *memEvidence) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	m.objects[path] = b
	return err
}

func (m *memEvidence) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memEvidence) URI(path string) string { return "s3://evidence/" + path }

type api struct {
	now      time.Time
	mux      *http.ServeMux
	wallet   *wallet.Ledger
	store    *sqlite.Store
	evidence *memEvidence
}

func newAPI(t *testing.T) *api {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := &api{now: t0, evidence: &memEvidence{objects: map[string][]byte{}}}
	clock := func() time.Time { return a.now }

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	a.store = store

	a.wallet = wallet.NewLedger(logger)
	arb := arbitration.New(arbitration.Config{
		Address:         arbAddr,
		Owner:           arbOwner,
		ArbitrationCost: *uint256.NewInt(100),
		AppealCost:      *uint256.NewInt(200),
	}, logger, arbitration.WithClock(clock))
	svc := service.NewBetService(a.wallet, []domain.Arbitrator{arb}, service.Deps{
		Bets:     store,
		Credits:  store,
		Audit:    store,
		Evidence: a.evidence,
	}, logger, settlement.WithClock(clock))
	arb.SetReceiver(svc)

	bets := NewBetHandler(svc, logger)
	wallets := NewWalletHandler(a.wallet, svc, store, logger)
	arbs := NewArbitratorHandler(arb, logger)

	a.mux = http.NewServeMux()
	a.mux.HandleFunc("GET /api/bets", bets.ListBets)
	a.mux.HandleFunc("GET /api/bets/{id}", bets.GetBet)
	a.mux.HandleFunc("GET /api/bets/{id}/claim-cost", bets.ClaimCost)
	a.mux.HandleFunc("POST /api/bets", bets.Propose)
	a.mux.HandleFunc("POST /api/bets/{id}/fill", bets.Fill)
	a.mux.HandleFunc("POST /api/bets/{id}/withdraw", bets.WithdrawUnfilled)
	a.mux.HandleFunc("POST /api/bets/{id}/claim", bets.InitiateClaim)
	a.mux.HandleFunc("POST /api/bets/{id}/expire", bets.Expire)
	a.mux.HandleFunc("POST /api/bets/{id}/evidence", bets.SubmitEvidence)
	a.mux.HandleFunc("GET /api/wallets/{address}", wallets.GetWallet)
	a.mux.HandleFunc("POST /api/admin/deposits", wallets.Deposit)
	a.mux.HandleFunc("GET /api/admin/audit", wallets.ListAudit)
	a.mux.HandleFunc("POST /api/arbitrator/disputes/{id}/ruling", arbs.GiveRuling)
	return a
}

func (a *api) do(t *testing.T, method, path string, from *common.Address, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if from != nil {
		req = req.WithContext(middleware.WithCaller(req.Context(), *from))
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *api) deposit(t *testing.T, addr common.Address, amount string) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/admin/deposits", nil,
		fmt.Sprintf(`{"address":%q,"amount":%q}`, addr.Hex(), amount))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func proposal(value string) string {
	return fmt.Sprintf(`{
		"description": "home team wins",
		"bet_end": %q,
		"claim_start": %q,
		"claim_end": %q,
		"favorite": 2,
		"underdog": 1,
		"shared_multiplier": 5000,
		"winner_multiplier": 5000,
		"loser_multiplier": 10000,
		"arbitrator": %q,
		"value": %q
	}`,
		t0.Add(time.Hour).Format(time.RFC3339),
		t0.Add(2*time.Hour).Format(time.RFC3339),
		t0.Add(3*time.Hour).Format(time.RFC3339),
		arbAddr.Hex(), value)
}

func (a *api) propose(t *testing.T) uint64 {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/bets", &proposer, proposal("100"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[map[string]uint64](t, rec)["bet_id"]
}

func TestDisputeLifecycleOverHTTP(t *testing.T) {
	a := newAPI(t)
	a.deposit(t, proposer, "10000")
	a.deposit(t, taker, "10000")

	id := a.propose(t)
	require.EqualValues(t, 0, id)

	rec := a.do(t, http.MethodPost, "/api/bets/0/fill", &taker, `{"value":"150"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rcpt := decode[receiptResponse](t, rec)
	assert.Equal(t, "100", rcpt.Accepted)
	assert.Equal(t, "50", rcpt.Refunded)

	a.now = t0.Add(2*time.Hour + time.Minute)
	rec = a.do(t, http.MethodGet, "/api/bets/0/claim-cost", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "150", decode[amountResponse](t, rec).Amount)

	rec = a.do(t, http.MethodPost, "/api/bets/0/claim", &proposer, `{"value":"150"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = a.do(t, http.MethodPost, "/api/bets/0/claim", &taker, `{"value":"150"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/bets?status=dispute_created", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[struct {
		Total int `json:"total"`
	}](t, rec).Total)

	rec = a.do(t, http.MethodPost, "/api/arbitrator/disputes/0/ruling", &taker, `{"ruling":"taker_wins"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/arbitrator/disputes/0/ruling", &arbOwner, `{"ruling":"taker_wins"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "solved", decode[disputeResponse](t, rec).Status)

	rec = a.do(t, http.MethodGet, "/api/bets/0", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	bet := decode[domain.Bet](t, rec)
	assert.Equal(t, domain.StatusResolved, bet.Status)
	assert.Equal(t, domain.RulingTakerWins, bet.FinalRuling)

	rec = a.do(t, http.MethodGet, "/api/wallets/"+taker.Hex(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10150", decode[walletResponse](t, rec).Balance)
	rec = a.do(t, http.MethodGet, "/api/wallets/"+proposer.Hex(), nil, "")
	assert.Equal(t, "9750", decode[walletResponse](t, rec).Balance)

	rec = a.do(t, http.MethodGet, "/api/admin/audit?limit=500", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wallet.deposit")
	assert.Contains(t, rec.Body.String(), "bet.bet_resolved")
}

func TestErrorMapping(t *testing.T) {
	a := newAPI(t)
	a.deposit(t, proposer, "10000")
	a.deposit(t, taker, "10000")
	a.propose(t)

	tests := []struct {
		name   string
		method string
		path   string
		from   *common.Address
		body   string
		want   int
	}{
		{"unsigned", http.MethodPost, "/api/bets/0/fill", nil, `{"value":"10"}`, http.StatusUnauthorized},
		{"unknown bet", http.MethodGet, "/api/bets/7", nil, "", http.StatusNotFound},
		{"bad id", http.MethodGet, "/api/bets/x", nil, "", http.StatusBadRequest},
		{"own bet", http.MethodPost, "/api/bets/0/fill", &proposer, `{"value":"10"}`, http.StatusConflict},
		{"bad amount", http.MethodPost, "/api/bets/0/fill", &taker, `{"value":"-1"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/bets/0/fill", &taker, `{"amount":"1"}`, http.StatusBadRequest},
		{"withdraw by taker", http.MethodPost, "/api/bets/0/withdraw", &taker, "", http.StatusForbidden},
		{"withdraw too early", http.MethodPost, "/api/bets/0/withdraw", &proposer, "", http.StatusConflict},
		{"zero stake", http.MethodPost, "/api/bets", &proposer, proposal("0"), http.StatusBadRequest},
		{"no funds", http.MethodPost, "/api/bets", &arbOwner, proposal("100"), http.StatusPaymentRequired},
		{"bad status filter", http.MethodGet, "/api/bets?status=bogus", nil, "", http.StatusBadRequest},
		{"bad wallet", http.MethodGet, "/api/wallets/nope", nil, "", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(t, tc.method, tc.path, tc.from, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidTerms, http.StatusBadRequest},
		{domain.ErrBadSignature, http.StatusUnauthorized},
		{domain.ErrInsufficientFunds, http.StatusPaymentRequired},
		{domain.ErrUnauthorized, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrPrecondition, http.StatusConflict},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrGateway, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		wrapped := fmt.Errorf("settlement: op: %w", tc.err)
		assert.Equal(t, tc.want, statusFor(wrapped), tc.err.Error())
	}
}

func TestEvidenceUpload(t *testing.T) {
	a := newAPI(t)
	a.deposit(t, proposer, "10000")
	a.deposit(t, taker, "10000")
	a.propose(t)
	rec := a.do(t, http.MethodPost, "/api/bets/0/fill", &taker, `{"value":"100"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/bets/0/evidence", &taker, `{"uri":"ipfs://QmScore"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("document", "Scoreboard.PNG")
	require.NoError(t, err)
	part.Write([]byte("png bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/bets/0/evidence", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req = req.WithContext(middleware.WithCaller(req.Context(), proposer))
	rec = httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	uri := decode[map[string]any](t, rec)["uri"].(string)
	assert.True(t, strings.HasPrefix(uri, "s3://evidence/evidence/0/"))
	assert.True(t, strings.HasSuffix(uri, ".png"))
	require.Len(t, a.evidence.objects, 1)

	rec = a.do(t, http.MethodGet, "/api/bets/0", nil, "")
	bet := decode[domain.Bet](t, rec)
	require.Len(t, bet.Evidence, 2)
	assert.Equal(t, "ipfs://QmScore", bet.Evidence[0].URI)
	assert.Equal(t, uri, bet.Evidence[1].URI)

	rec = a.do(t, http.MethodPost, "/api/bets/0/evidence", &arbOwner, `{"uri":"ipfs://QmNope"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHealthHandler(map[string]Pinger{
		"store": PingFunc(func(context.Context) error { return nil }),
	}, func() time.Time { return t0 }, logger)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2026-01-01T00:00:00Z", body["timestamp"])

	h.checks["redis"] = PingFunc(func(context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
