package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/stakecourt/internal/arbitration"
	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// Arbitrator is the in-process arbitrator operated through the API.
type Arbitrator interface {
	Address() common.Address
	GiveRuling(ctx context.Context, caller common.Address, id domain.DisputeID, ruling domain.Ruling) error
	ExecuteRuling(ctx context.Context, id domain.DisputeID) error
	Dispute(id domain.DisputeID) (arbitration.Dispute, error)
}

// ArbitratorHandler lets the arbitrator owner rule on disputes.
type ArbitratorHandler struct {
	arb    Arbitrator
	logger *slog.Logger
}

// NewArbitratorHandler creates an ArbitratorHandler.
func NewArbitratorHandler(arb Arbitrator, logger *slog.Logger) *ArbitratorHandler {
	return &ArbitratorHandler{arb: arb, logger: logHandler(logger, "arbitrator")}
}

type disputeResponse struct {
	ID          uint64    `json:"id"`
	Arbitrator  string    `json:"arbitrator"`
	Choices     uint64    `json:"choices"`
	Fees        string    `json:"fees"`
	Ruling      string    `json:"ruling"`
	Status      string    `json:"status"`
	Appeals     int       `json:"appeals"`
	AppealStart time.Time `json:"appeal_start,omitzero"`
	AppealEnd   time.Time `json:"appeal_end,omitzero"`
}

func (h *ArbitratorHandler) respond(w http.ResponseWriter, r *http.Request, id domain.DisputeID, status int) {
	d, err := h.arb.Dispute(id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get dispute", err)
		return
	}
	writeJSON(w, status, disputeResponse{
		ID:          uint64(d.ID),
		Arbitrator:  h.arb.Address().Hex(),
		Choices:     d.Choices,
		Fees:        d.Fees.Dec(),
		Ruling:      d.Ruling.String(),
		Status:      d.Status.String(),
		Appeals:     d.Appeals,
		AppealStart: d.AppealStart,
		AppealEnd:   d.AppealEnd,
	})
}

// GetDispute returns the arbitrator-side state of a dispute.
// GET /api/arbitrator/disputes/{id}
func (h *ArbitratorHandler) GetDispute(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respond(w, r, domain.DisputeID(id), http.StatusOK)
}

type rulingRequest struct {
	Ruling string `json:"ruling"`
}

// GiveRuling records the owner's ruling. The signed caller must be the owner.
// POST /api/arbitrator/disputes/{id}/ruling
func (h *ArbitratorHandler) GiveRuling(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req rulingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ruling, err := domain.ParseRuling(req.Ruling)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.arb.GiveRuling(r.Context(), from, domain.DisputeID(id), ruling); err != nil {
		writeDomainError(w, r, h.logger, "give ruling", err)
		return
	}
	h.respond(w, r, domain.DisputeID(id), http.StatusOK)
}

// ExecuteRuling finalizes a dispute whose appeal window has closed. Any
// signed caller may trigger it.
// POST /api/arbitrator/disputes/{id}/execute
func (h *ArbitratorHandler) ExecuteRuling(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.arb.ExecuteRuling(r.Context(), domain.DisputeID(id)); err != nil {
		writeDomainError(w, r, h.logger, "execute ruling", err)
		return
	}
	h.respond(w, r, domain.DisputeID(id), http.StatusOK)
}
