package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CreditStore implements domain.CreditStore. Amounts are stored as decimal
// text since they exceed every native integer column.
type CreditStore struct {
	pool *pgxpool.Pool
}

// NewCreditStore creates a new CreditStore.
func NewCreditStore(pool *pgxpool.Pool) *CreditStore {
	return &CreditStore{pool: pool}
}

// Set records the credit owed to addr; a zero amount removes the row.
func (s *CreditStore) Set(ctx context.Context, addr common.Address, amount uint256.Int) error {
	if amount.IsZero() {
		if _, err := s.pool.Exec(ctx, `DELETE FROM credits WHERE address = $1`, addr.Hex()); err != nil {
			return fmt.Errorf("postgres: clear credit %s: %w", addr.Hex(), err)
		}
		return nil
	}
	const query = `
		INSERT INTO credits (address, amount, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (address) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, addr.Hex(), amount.Dec()); err != nil {
		return fmt.Errorf("postgres: set credit %s: %w", addr.Hex(), err)
	}
	return nil
}

// All returns every outstanding credit.
func (s *CreditStore) All(ctx context.Context) (map[common.Address]uint256.Int, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, amount FROM credits`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list credits: %w", err)
	}
	defer rows.Close()

	out := make(map[common.Address]uint256.Int)
	for rows.Next() {
		var addr, amount string
		if err := rows.Scan(&addr, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan credit: %w", err)
		}
		v, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("postgres: credit %s amount %q: %w", addr, amount, err)
		}
		out[common.HexToAddress(addr)] = *v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list credits rows: %w", err)
	}
	return out, nil
}
