package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// Wallet is the account ledger the engine collects from and pays into.
type Wallet interface {
	Deposit(addr common.Address, amount uint256.Int) uint256.Int
	Balance(addr common.Address) uint256.Int
	SetRejecting(addr common.Address, reject bool)
}

// CreditService exposes the credits owed after failed transfers.
type CreditService interface {
	Credit(addr common.Address) uint256.Int
	WithdrawCredit(ctx context.Context, beneficiary common.Address) (uint256.Int, error)
}

// WalletHandler serves balances, credits and operator deposits.
type WalletHandler struct {
	wallet  Wallet
	credits CreditService
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewWalletHandler creates a WalletHandler. audit may be nil.
func NewWalletHandler(wallet Wallet, credits CreditService, audit domain.AuditStore, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{
		wallet:  wallet,
		credits: credits,
		audit:   audit,
		logger:  logHandler(logger, "wallets"),
	}
}

type walletResponse struct {
	Address common.Address `json:"address"`
	Balance string         `json:"balance"`
	Credit  string         `json:"credit"`
}

// GetWallet returns the balance and outstanding credit of an account.
// GET /api/wallets/{address}
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, credit := h.wallet.Balance(addr), h.credits.Credit(addr)
	writeJSON(w, http.StatusOK, walletResponse{Address: addr, Balance: bal.Dec(), Credit: credit.Dec()})
}

// WithdrawCredit retries the transfer of an account's outstanding credit.
// Any signed caller may trigger it; funds only ever go to the account itself.
// POST /api/credits/{address}/withdraw
func (h *WalletHandler) WithdrawCredit(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amt, err := h.credits.WithdrawCredit(r.Context(), addr)
	if err != nil {
		writeDomainError(w, r, h.logger, "withdraw credit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "amount": amt.Dec()})
}

type depositRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// Deposit credits funds to an account.
// POST /api/admin/deposits
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := parseAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil || amount.IsZero() {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}
	bal := h.wallet.Deposit(addr, amount)
	h.record(r, "wallet.deposit", map[string]any{"address": addr.Hex(), "amount": amount.Dec()})
	h.logger.InfoContext(r.Context(), "handler: deposit",
		slog.String("address", addr.Hex()),
		slog.String("amount", amount.Dec()),
	)
	credit := h.credits.Credit(addr)
	writeJSON(w, http.StatusOK, walletResponse{Address: addr, Balance: bal.Dec(), Credit: credit.Dec()})
}

type rejectingRequest struct {
	Reject bool `json:"reject"`
}

// SetRejecting makes an account refuse or accept incoming transfers.
// POST /api/admin/wallets/{address}/rejecting
func (h *WalletHandler) SetRejecting(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req rejectingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.wallet.SetRejecting(addr, req.Reject)
	h.record(r, "wallet.rejecting", map[string]any{"address": addr.Hex(), "reject": req.Reject})
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "reject": req.Reject})
}

// ListAudit returns audit entries, newest first.
// GET /api/admin/audit?limit=50&offset=0&since=...&until=...
func (h *WalletHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []domain.AuditEntry{}})
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *WalletHandler) record(r *http.Request, event string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Log(r.Context(), event, detail); err != nil {
		h.logger.WarnContext(r.Context(), "handler: audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
