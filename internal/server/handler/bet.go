package handler

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/domain"
	"github.com/alanyoungcy/stakecourt/internal/settlement"
)

// maxEvidenceUpload bounds multipart evidence uploads held in memory.
const maxEvidenceUpload = 16 << 20

// BetService defines the methods that the bet handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type BetService interface {
	Bet(id uint64) (*domain.Bet, error)
	Bets() []*domain.Bet
	ClaimCost(ctx context.Context, id uint64) (uint256.Int, error)
	AppealQuote(ctx context.Context, id uint64, side domain.Party) (settlement.AppealQuote, error)

	Propose(ctx context.Context, req settlement.ProposalRequest) (uint64, error)
	Fill(ctx context.Context, taker common.Address, id uint64, value uint256.Int) (settlement.Receipt, error)
	WithdrawUnfilled(ctx context.Context, caller common.Address, id uint64) (uint256.Int, error)
	InitiateClaim(ctx context.Context, caller common.Address, id uint64, value uint256.Int) (settlement.Receipt, error)
	TimeoutUnopposed(ctx context.Context, caller common.Address, id uint64) error
	ExpireUnclaimed(ctx context.Context, caller common.Address, id uint64) error
	FundAppeal(ctx context.Context, contributor common.Address, id uint64, side domain.Party, value uint256.Int) (settlement.Receipt, error)
	WithdrawRoundReward(ctx context.Context, caller, beneficiary common.Address, id uint64, round int) (uint256.Int, error)
	SubmitEvidence(ctx context.Context, caller common.Address, id uint64, uri string) error
	SubmitEvidenceDocument(ctx context.Context, caller common.Address, id uint64, filename string, doc io.Reader) (string, error)
}

// BetHandler serves bet-related HTTP endpoints.
type BetHandler struct {
	bets   BetService
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler with the given service and logger.
func NewBetHandler(bets BetService, logger *slog.Logger) *BetHandler {
	return &BetHandler{
		bets:   bets,
		logger: logHandler(logger, "bets"),
	}
}

type listBetsResponse struct {
	Bets   []*domain.Bet `json:"bets"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type receiptResponse struct {
	BetID    uint64 `json:"bet_id"`
	Accepted string `json:"accepted"`
	Refunded string `json:"refunded"`
}

type amountResponse struct {
	BetID  uint64 `json:"bet_id"`
	Amount string `json:"amount"`
}

type valueRequest struct {
	Value string `json:"value"`
}

// ListBets returns bets in id order, optionally filtered by status.
// GET /api/bets?status=open&limit=50&offset=0
func (h *BetHandler) ListBets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	var want domain.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st, ok := domain.ParseStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		want = st
	}

	matched := make([]*domain.Bet, 0)
	for _, b := range h.bets.Bets() {
		if want == 0 || b.Status == want {
			matched = append(matched, b)
		}
	}
	total := len(matched)
	start := min(opts.Offset, total)
	end := min(start+opts.Limit, total)

	writeJSON(w, http.StatusOK, listBetsResponse{
		Bets:   matched[start:end],
		Total:  total,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// GetBet returns a single bet by its id.
// GET /api/bets/{id}
func (h *BetHandler) GetBet(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := h.bets.Bet(id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get bet", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ClaimCost quotes what each side pays to open a dispute.
// GET /api/bets/{id}/claim-cost
func (h *BetHandler) ClaimCost(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cost, err := h.bets.ClaimCost(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "claim cost", err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{BetID: id, Amount: cost.Dec()})
}

type appealQuoteResponse struct {
	BetID       uint64    `json:"bet_id"`
	Side        string    `json:"side"`
	AppealCost  string    `json:"appeal_cost"`
	Multiplier  uint64    `json:"multiplier"`
	Required    string    `json:"required"`
	Paid        string    `json:"paid"`
	Remaining   string    `json:"remaining"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// AppealQuote returns the funding target of one side in the current round.
// GET /api/bets/{id}/appeal-quote?side=proposer
func (h *BetHandler) AppealQuote(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, ok := domain.ParseParty(r.URL.Query().Get("side"))
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be proposer or taker")
		return
	}
	q, err := h.bets.AppealQuote(r.Context(), id, side)
	if err != nil {
		writeDomainError(w, r, h.logger, "appeal quote", err)
		return
	}
	writeJSON(w, http.StatusOK, appealQuoteResponse{
		BetID:       id,
		Side:        side.String(),
		AppealCost:  q.AppealCost.Dec(),
		Multiplier:  q.Multiplier,
		Required:    q.Required.Dec(),
		Paid:        q.Paid.Dec(),
		Remaining:   q.Remaining.Dec(),
		PeriodStart: q.PeriodStart,
		PeriodEnd:   q.PeriodEnd,
	})
}

type proposeRequest struct {
	Description string        `json:"description"`
	BetEnd      time.Time     `json:"bet_end"`
	ClaimStart  time.Time     `json:"claim_start"`
	ClaimEnd    time.Time     `json:"claim_end"`
	Favorite    uint64        `json:"favorite"`
	Underdog    uint64        `json:"underdog"`
	Shared      uint64        `json:"shared_multiplier"`
	Winner      uint64        `json:"winner_multiplier"`
	Loser       uint64        `json:"loser_multiplier"`
	Arbitrator  string        `json:"arbitrator"`
	ExtraData   hexutil.Bytes `json:"extra_data"`
	Value       string        `json:"value"`
}

// Propose opens a new bet for the signed caller.
// POST /api/bets
func (h *BetHandler) Propose(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	arb, err := parseAddress(req.Arbitrator)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.bets.Propose(r.Context(), settlement.ProposalRequest{
		Proposer: from,
		Terms: domain.BetTerms{
			Description: req.Description,
			BetEnd:      req.BetEnd,
			ClaimStart:  req.ClaimStart,
			ClaimEnd:    req.ClaimEnd,
			Ratio:       domain.Ratio{Favorite: req.Favorite, Underdog: req.Underdog},
			Multipliers: domain.Multipliers{Shared: req.Shared, Winner: req.Winner, Loser: req.Loser},
		},
		Arbitrator: arb,
		ExtraData:  req.ExtraData,
		Value:      value,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "propose", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"bet_id": id})
}

// Fill stakes value against a bet for the signed caller.
// POST /api/bets/{id}/fill
func (h *BetHandler) Fill(w http.ResponseWriter, r *http.Request) {
	h.withValue(w, r, "fill", func(from common.Address, id uint64, value uint256.Int) (settlement.Receipt, error) {
		return h.bets.Fill(r.Context(), from, id, value)
	})
}

// InitiateClaim pays the caller's side of the claim fee.
// POST /api/bets/{id}/claim
func (h *BetHandler) InitiateClaim(w http.ResponseWriter, r *http.Request) {
	h.withValue(w, r, "claim", func(from common.Address, id uint64, value uint256.Int) (settlement.Receipt, error) {
		return h.bets.InitiateClaim(r.Context(), from, id, value)
	})
}

func (h *BetHandler) withValue(w http.ResponseWriter, r *http.Request, op string, call func(common.Address, uint64, uint256.Int) (settlement.Receipt, error)) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req valueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rcpt, err := call(from, id, value)
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{BetID: id, Accepted: rcpt.Accepted.Dec(), Refunded: rcpt.Refunded.Dec()})
}

// WithdrawUnfilled returns the principal of an untaken bet to its proposer.
// POST /api/bets/{id}/withdraw
func (h *BetHandler) WithdrawUnfilled(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amt, err := h.bets.WithdrawUnfilled(r.Context(), from, id)
	if err != nil {
		writeDomainError(w, r, h.logger, "withdraw unfilled", err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{BetID: id, Amount: amt.Dec()})
}

// Timeout settles a claim the opponent never answered.
// POST /api/bets/{id}/timeout
func (h *BetHandler) Timeout(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "timeout", h.bets.TimeoutUnopposed)
}

// Expire refunds a filled bet nobody claimed.
// POST /api/bets/{id}/expire
func (h *BetHandler) Expire(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "expire", h.bets.ExpireUnclaimed)
}

func (h *BetHandler) settle(w http.ResponseWriter, r *http.Request, op string, call func(context.Context, common.Address, uint64) error) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := call(r.Context(), from, id); err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	b, err := h.bets.Bet(id)
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type appealRequest struct {
	Side  string `json:"side"`
	Value string `json:"value"`
}

// FundAppeal contributes towards one side's appeal fee.
// POST /api/bets/{id}/appeal
func (h *BetHandler) FundAppeal(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req appealRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, ok := domain.ParseParty(req.Side)
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be proposer or taker")
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rcpt, err := h.bets.FundAppeal(r.Context(), from, id, side, value)
	if err != nil {
		writeDomainError(w, r, h.logger, "fund appeal", err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{BetID: id, Accepted: rcpt.Accepted.Dec(), Refunded: rcpt.Refunded.Dec()})
}

type rewardRequest struct {
	Beneficiary string `json:"beneficiary"`
}

// WithdrawRoundReward pays out a beneficiary's share of one round. The
// beneficiary defaults to the caller.
// POST /api/bets/{id}/rounds/{round}/withdraw
func (h *BetHandler) WithdrawRoundReward(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	round, err := pathUint(r, "round")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	beneficiary := from
	if r.ContentLength != 0 {
		var req rewardRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Beneficiary != "" {
			if beneficiary, err = parseAddress(req.Beneficiary); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}
	amt, err := h.bets.WithdrawRoundReward(r.Context(), from, beneficiary, id, int(round))
	if err != nil {
		writeDomainError(w, r, h.logger, "withdraw reward", err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{BetID: id, Amount: amt.Dec()})
}

type evidenceRequest struct {
	URI string `json:"uri"`
}

// SubmitEvidence attaches evidence to a disputed bet. A JSON body carries a
// URI; a multipart body uploads the document in its "document" field.
// POST /api/bets/{id}/evidence
func (h *BetHandler) SubmitEvidence(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxEvidenceUpload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
			return
		}
		file, header, err := r.FormFile("document")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing document field")
			return
		}
		defer file.Close()
		uri, err := h.bets.SubmitEvidenceDocument(r.Context(), from, id, header.Filename, file)
		if err != nil {
			writeDomainError(w, r, h.logger, "submit evidence", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"bet_id": id, "uri": uri})
		return
	}

	var req evidenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URI == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}
	if err := h.bets.SubmitEvidence(r.Context(), from, id, req.URI); err != nil {
		writeDomainError(w, r, h.logger, "submit evidence", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"bet_id": id, "uri": req.URI})
}
