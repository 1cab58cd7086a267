package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/domain"
	"github.com/alanyoungcy/stakecourt/internal/settlement"
)

// Bus channel and stream carrying every committed bet event.
const (
	EventChannel = "bets"
	EventStream  = "stream:bets"
)

// evidencePartSize is the multipart chunk used for evidence uploads.
const evidencePartSize = 8 << 20

// EventNotifier forwards selected events to operators.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// Deps are the collaborators of a BetService. Bus, Notifier and Evidence are
// optional.
type Deps struct {
	Bets     domain.BetStore
	Credits  domain.CreditStore
	Audit    domain.AuditStore
	Bus      domain.SignalBus
	Notifier EventNotifier
	Evidence domain.BlobWriter
}

// BetService runs the settlement engine behind persistence and event
// distribution. Every mutating call saves the snapshots of the bets it
// touched and the changed credits before returning.
type BetService struct {
	engine *settlement.Engine
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	touched map[uint64]struct{}

	persistMu sync.Mutex
	saved     map[common.Address]uint256.Int
}

var (
	_ domain.EventSink      = (*BetService)(nil)
	_ domain.RulingReceiver = (*BetService)(nil)
)

// NewBetService builds the engine with the service as its event sink.
func NewBetService(treasury domain.Treasury, arbitrators []domain.Arbitrator, deps Deps, logger *slog.Logger, opts ...settlement.Option) *BetService {
	s := &BetService{
		deps:    deps,
		logger:  logger.With(slog.String("component", "bet_service")),
		touched: make(map[uint64]struct{}),
		saved:   make(map[common.Address]uint256.Int),
	}
	opts = append(opts, settlement.WithEventSink(s), settlement.WithLogger(logger))
	s.engine = settlement.New(treasury, arbitrators, opts...)
	return s
}

// Engine exposes the underlying engine for read-only queries.
func (s *BetService) Engine() *settlement.Engine { return s.engine }

// Restore loads persisted bets and credits into the engine.
func (s *BetService) Restore(ctx context.Context) error {
	bets, err := s.deps.Bets.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("bet_service: restore bets: %w", err)
	}
	credits, err := s.deps.Credits.All(ctx)
	if err != nil {
		return fmt.Errorf("bet_service: restore credits: %w", err)
	}
	if err := s.engine.Restore(bets, credits); err != nil {
		return fmt.Errorf("bet_service: %w", err)
	}

	s.persistMu.Lock()
	for addr, amt := range credits {
		s.saved[addr] = amt
	}
	s.persistMu.Unlock()

	custody := s.engine.Custody()
	s.logger.InfoContext(ctx, "engine restored",
		slog.Int("bets", len(bets)),
		slog.Int("credits", len(credits)),
		slog.String("custody", custody.Dec()),
	)
	return nil
}

// Emit implements domain.EventSink. It is called by the engine after each
// committed transition.
func (s *BetService) Emit(ctx context.Context, ev domain.Event) {
	if ev.Type != domain.EventCreditWithdrawn {
		s.mu.Lock()
		s.touched[ev.BetID] = struct{}{}
		s.mu.Unlock()
	}

	log := s.logger.With(slog.String("event", string(ev.Type)), slog.Uint64("bet_id", ev.BetID))
	log.DebugContext(ctx, "bet event", slog.String("actor", ev.Actor.Hex()), slog.String("amount", ev.Amount))

	if s.deps.Bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.ErrorContext(ctx, "marshal event", slog.String("error", err.Error()))
		} else {
			if err := s.deps.Bus.Publish(ctx, EventChannel, payload); err != nil {
				log.WarnContext(ctx, "publish event", slog.String("error", err.Error()))
			}
			if err := s.deps.Bus.StreamAppend(ctx, EventStream, payload); err != nil {
				log.WarnContext(ctx, "append event stream", slog.String("error", err.Error()))
			}
		}
	}

	if s.deps.Audit != nil {
		detail := map[string]any{
			"event_id": ev.ID,
			"bet_id":   ev.BetID,
			"actor":    ev.Actor.Hex(),
			"round":    ev.Round,
		}
		if ev.Party != "" {
			detail["party"] = ev.Party
		}
		if ev.Amount != "" {
			detail["amount"] = ev.Amount
		}
		for k, v := range ev.Detail {
			detail[k] = v
		}
		if err := s.deps.Audit.Log(ctx, "bet."+string(ev.Type), detail); err != nil {
			log.WarnContext(ctx, "audit log", slog.String("error", err.Error()))
		}
	}

	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.NotifyEvent(ctx, ev); err != nil {
			log.WarnContext(ctx, "notify", slog.String("error", err.Error()))
		}
	}
}

// sync persists every bet touched since the last call and the credits that
// changed. Persistence failures are returned so the API can surface them;
// the engine state is authoritative either way.
func (s *BetService) sync(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.touched))
	for id := range s.touched {
		ids = append(ids, id)
	}
	clear(s.touched)
	s.mu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	for _, id := range ids {
		b, err := s.engine.Bet(id)
		if err != nil {
			continue
		}
		if err := s.deps.Bets.Save(ctx, b); err != nil {
			return fmt.Errorf("bet_service: persist bet %d: %w", id, err)
		}
	}

	current := s.engine.Credits()
	for addr, amt := range current {
		if prev, ok := s.saved[addr]; ok && prev.Eq(&amt) {
			continue
		}
		if err := s.deps.Credits.Set(ctx, addr, amt); err != nil {
			return fmt.Errorf("bet_service: persist credit %s: %w", addr.Hex(), err)
		}
		s.saved[addr] = amt
	}
	for addr := range s.saved {
		if _, ok := current[addr]; ok {
			continue
		}
		if err := s.deps.Credits.Set(ctx, addr, uint256.Int{}); err != nil {
			return fmt.Errorf("bet_service: clear credit %s: %w", addr.Hex(), err)
		}
		delete(s.saved, addr)
	}
	return nil
}

// after persists and merges a persistence failure into the op result.
func (s *BetService) after(ctx context.Context, opErr error) error {
	if err := s.sync(ctx); err != nil {
		s.logger.ErrorContext(ctx, "persist state", slog.String("error", err.Error()))
		if opErr == nil {
			return err
		}
	}
	return opErr
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Propose opens a bet and persists it.
func (s *BetService) Propose(ctx context.Context, req settlement.ProposalRequest) (uint64, error) {
	id, err := s.engine.Propose(ctx, req)
	return id, s.after(ctx, err)
}

// Fill takes part of an open bet for taker.
func (s *BetService) Fill(ctx context.Context, taker common.Address, id uint64, value uint256.Int) (settlement.Receipt, error) {
	r, err := s.engine.Fill(ctx, taker, id, value)
	return r, s.after(ctx, err)
}

// WithdrawUnfilled returns the unmatched principal of a bet nobody took.
func (s *BetService) WithdrawUnfilled(ctx context.Context, caller common.Address, id uint64) (uint256.Int, error) {
	amt, err := s.engine.WithdrawUnfilled(ctx, caller, id)
	return amt, s.after(ctx, err)
}

// InitiateClaim pays caller's side of the claim fee.
func (s *BetService) InitiateClaim(ctx context.Context, caller common.Address, id uint64, value uint256.Int) (settlement.Receipt, error) {
	r, err := s.engine.InitiateClaim(ctx, caller, id, value)
	return r, s.after(ctx, err)
}

// TimeoutUnopposed settles a claim the other side never answered.
func (s *BetService) TimeoutUnopposed(ctx context.Context, caller common.Address, id uint64) error {
	return s.after(ctx, s.engine.TimeoutUnopposed(ctx, caller, id))
}

// ExpireUnclaimed refunds a bet nobody claimed before the window closed.
func (s *BetService) ExpireUnclaimed(ctx context.Context, caller common.Address, id uint64) error {
	return s.after(ctx, s.engine.ExpireUnclaimed(ctx, caller, id))
}

// FundAppeal contributes towards side's appeal fee in the current round.
func (s *BetService) FundAppeal(ctx context.Context, contributor common.Address, id uint64, side domain.Party, value uint256.Int) (settlement.Receipt, error) {
	r, err := s.engine.FundAppeal(ctx, contributor, id, side, value)
	return r, s.after(ctx, err)
}

// DeliverRuling implements domain.RulingReceiver; register the service, not
// the bare engine, with arbitrators so rulings are persisted.
func (s *BetService) DeliverRuling(ctx context.Context, caller common.Address, disputeID domain.DisputeID, ruling uint64) error {
	return s.after(ctx, s.engine.DeliverRuling(ctx, caller, disputeID, ruling))
}

// WithdrawRoundReward pays beneficiary's share of a raised round.
func (s *BetService) WithdrawRoundReward(ctx context.Context, caller, beneficiary common.Address, id uint64, round int) (uint256.Int, error) {
	amt, err := s.engine.WithdrawRoundReward(ctx, caller, beneficiary, id, round)
	return amt, s.after(ctx, err)
}

// SubmitEvidence attaches an evidence URI to a bet.
func (s *BetService) SubmitEvidence(ctx context.Context, caller common.Address, id uint64, uri string) error {
	return s.after(ctx, s.engine.SubmitEvidence(ctx, caller, id, uri))
}

// SubmitEvidenceDocument stores doc in object storage and submits its URI.
// The caller's standing is checked before anything is uploaded.
func (s *BetService) SubmitEvidenceDocument(ctx context.Context, caller common.Address, id uint64, filename string, doc io.Reader) (string, error) {
	if s.deps.Evidence == nil {
		return "", fmt.Errorf("bet_service: evidence upload: %w: no evidence store configured", domain.ErrPrecondition)
	}
	b, err := s.engine.Bet(id)
	if err != nil {
		return "", fmt.Errorf("bet_service: evidence upload: %w", err)
	}
	if b.Status == domain.StatusResolved {
		return "", fmt.Errorf("bet_service: evidence upload: %w: bet is resolved", domain.ErrPrecondition)
	}
	if !b.IsParty(caller) {
		return "", fmt.Errorf("bet_service: evidence upload: %w: caller is not a party to bet %d", domain.ErrUnauthorized, id)
	}

	key := fmt.Sprintf("evidence/%d/%s%s", id, uuid.NewString(), strings.ToLower(path.Ext(filename)))
	if err := s.deps.Evidence.PutMultipart(ctx, key, doc, evidencePartSize); err != nil {
		return "", fmt.Errorf("bet_service: evidence upload: %w", err)
	}
	uri := s.deps.Evidence.URI(key)
	if err := s.SubmitEvidence(ctx, caller, id, uri); err != nil {
		return "", err
	}
	return uri, nil
}

// WithdrawCredit retries a push that failed earlier.
func (s *BetService) WithdrawCredit(ctx context.Context, beneficiary common.Address) (uint256.Int, error) {
	amt, err := s.engine.WithdrawCredit(ctx, beneficiary)
	return amt, s.after(ctx, err)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Bet returns a copy of bet id.
func (s *BetService) Bet(id uint64) (*domain.Bet, error) { return s.engine.Bet(id) }

// Bets returns copies of every bet.
func (s *BetService) Bets() []*domain.Bet { return s.engine.Bets() }

// ClaimCost quotes the per-side claim fee.
func (s *BetService) ClaimCost(ctx context.Context, id uint64) (uint256.Int, error) {
	return s.engine.ClaimCost(ctx, id)
}

// AppealQuote reports side's funding target in the current round.
func (s *BetService) AppealQuote(ctx context.Context, id uint64, side domain.Party) (settlement.AppealQuote, error) {
	return s.engine.AppealQuote(ctx, id, side)
}

// Credit is what the engine owes addr after failed pushes.
func (s *BetService) Credit(addr common.Address) uint256.Int { return s.engine.Credit(addr) }

// Credits lists every outstanding credit.
func (s *BetService) Credits() map[common.Address]uint256.Int { return s.engine.Credits() }

// Custody is the total value the engine holds.
func (s *BetService) Custody() uint256.Int { return s.engine.Custody() }
