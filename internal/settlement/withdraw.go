package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/capped"
	"github.com/alanyoungcy/stakecourt/internal/domain"
	"github.com/alanyoungcy/stakecourt/internal/ledger"
)

// WithdrawRoundReward pays beneficiary its share of round on a resolved bet.
// Anyone may trigger it; repeated calls pay zero.
func (e *Engine) WithdrawRoundReward(ctx context.Context, caller, beneficiary common.Address, id uint64, round int) (uint256.Int, error) {
	var fx effects
	amt, err := e.withdrawRoundReward(&fx, caller, beneficiary, id, round)
	e.flush(ctx, &fx)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("settlement: withdraw reward: %w", err)
	}
	return amt, nil
}

func (e *Engine) withdrawRoundReward(fx *effects, caller, beneficiary common.Address, id uint64, round int) (uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookup(id)
	if err != nil {
		return uint256.Int{}, err
	}
	if b.Status != domain.StatusResolved {
		return uint256.Int{}, fmt.Errorf("%w: bet is %s", domain.ErrPrecondition, b.Status)
	}
	if round < 0 || round >= len(b.Rounds) {
		return uint256.Int{}, fmt.Errorf("%w: bet %d has no round %d", domain.ErrPrecondition, id, round)
	}

	reward := ledger.Reward(b.Rounds[round], beneficiary, b.FinalRuling.Party())
	if reward.IsZero() {
		return reward, nil
	}
	e.pay(fx, b, beneficiary, domain.PayoutFeeReward, reward)
	e.emit(fx, domain.EventRewardWithdrawn, b, caller, domain.PartyNone, &reward, map[string]string{
		"beneficiary": beneficiary.Hex(),
		"round":       fmt.Sprint(round),
	})
	return reward, nil
}

// SubmitEvidence attaches a document reference to an unresolved bet. Only
// the proposer and takers may submit.
func (e *Engine) SubmitEvidence(ctx context.Context, caller common.Address, id uint64, uri string) error {
	var fx effects
	err := e.submitEvidence(&fx, caller, id, uri)
	e.flush(ctx, &fx)
	if err != nil {
		return fmt.Errorf("settlement: submit evidence: %w", err)
	}
	return nil
}

func (e *Engine) submitEvidence(fx *effects, caller common.Address, id uint64, uri string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.lookup(id)
	if err != nil {
		return err
	}
	switch {
	case b.Status == domain.StatusResolved:
		return fmt.Errorf("%w: bet is resolved", domain.ErrPrecondition)
	case !b.IsParty(caller):
		return fmt.Errorf("%w: caller is not a party to bet %d", domain.ErrUnauthorized, id)
	case strings.TrimSpace(uri) == "":
		return fmt.Errorf("%w: empty evidence uri", domain.ErrPrecondition)
	}
	b.Evidence = append(b.Evidence, domain.Evidence{Party: caller, URI: uri, SubmittedAt: e.clock().UTC()})
	e.emit(fx, domain.EventEvidenceSubmitted, b, caller, domain.PartyNone, nil, map[string]string{"uri": uri})
	return nil
}

// WithdrawCredit retries the payment of everything owed to beneficiary after
// failed push transfers. The credit is kept when the retry fails.
func (e *Engine) WithdrawCredit(ctx context.Context, beneficiary common.Address) (uint256.Int, error) {
	e.mu.Lock()
	amt := e.credits[beneficiary]
	if amt.IsZero() {
		e.mu.Unlock()
		return amt, nil
	}
	delete(e.credits, beneficiary)
	e.custody = capped.Sub(e.custody, amt)
	e.mu.Unlock()

	if err := e.treasury.Send(ctx, beneficiary, amt); err != nil {
		e.mu.Lock()
		e.credits[beneficiary] = capped.Add(e.credits[beneficiary], amt)
		e.custody = capped.Add(e.custody, amt)
		e.mu.Unlock()
		e.logger.Warn("credit withdrawal failed",
			slog.String("beneficiary", beneficiary.Hex()),
			slog.String("amount", amt.Dec()),
			slog.String("error", err.Error()),
		)
		return uint256.Int{}, fmt.Errorf("settlement: withdraw credit: %w: %v", domain.ErrTransferFailed, err)
	}

	e.sink.Emit(ctx, domain.Event{
		ID:        uuid.NewString(),
		Type:      domain.EventCreditWithdrawn,
		Actor:     beneficiary,
		Amount:    amt.Dec(),
		CreatedAt: e.clock().UTC(),
	})
	return amt, nil
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock() }
