package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// BetStore implements domain.BetStore. Each bet is kept as a JSONB snapshot
// next to the columns used for filtering.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

// Save inserts or replaces the snapshot of bet.
func (s *BetStore) Save(ctx context.Context, bet *domain.Bet) error {
	snapshot, err := json.Marshal(bet)
	if err != nil {
		return fmt.Errorf("postgres: marshal bet %d: %w", bet.ID, err)
	}
	var resolvedAt *time.Time
	if !bet.ResolvedAt.IsZero() {
		resolvedAt = &bet.ResolvedAt
	}

	const query = `
		INSERT INTO bets (id, proposer, arbitrator, status, snapshot, created_at, resolved_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			snapshot = EXCLUDED.snapshot,
			resolved_at = EXCLUDED.resolved_at,
			updated_at = NOW()`
	_, err = s.pool.Exec(ctx, query,
		int64(bet.ID), bet.Proposer.Hex(), bet.Arbitrator.Hex(), bet.Status.String(),
		snapshot, bet.CreatedAt, resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save bet %d: %w", bet.ID, err)
	}
	return nil
}

// Get returns the bet with the given id.
func (s *BetStore) Get(ctx context.Context, id uint64) (*domain.Bet, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM bets WHERE id = $1`, int64(id)).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: get bet %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get bet %d: %w", id, err)
	}
	return decodeBet(snapshot)
}

// ListAll returns every bet ordered by id.
func (s *BetStore) ListAll(ctx context.Context) ([]*domain.Bet, error) {
	return s.query(ctx, `SELECT snapshot FROM bets ORDER BY id`)
}

// ListResolvedBefore returns resolved bets whose resolution precedes before.
func (s *BetStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]*domain.Bet, error) {
	const query = `
		SELECT snapshot FROM bets
		WHERE status = $1 AND resolved_at IS NOT NULL AND resolved_at < $2
		ORDER BY id`
	return s.query(ctx, query, domain.StatusResolved.String(), before)
}

// Delete removes a bet snapshot.
func (s *BetStore) Delete(ctx context.Context, id uint64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bets WHERE id = $1`, int64(id)); err != nil {
		return fmt.Errorf("postgres: delete bet %d: %w", id, err)
	}
	return nil
}

func (s *BetStore) query(ctx context.Context, query string, args ...any) ([]*domain.Bet, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query bets: %w", err)
	}
	defer rows.Close()

	var bets []*domain.Bet
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		bet, err := decodeBet(snapshot)
		if err != nil {
			return nil, err
		}
		bets = append(bets, bet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query bets rows: %w", err)
	}
	return bets, nil
}

func decodeBet(snapshot []byte) (*domain.Bet, error) {
	var bet domain.Bet
	if err := json.Unmarshal(snapshot, &bet); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal bet: %w", err)
	}
	return &bet, nil
}
