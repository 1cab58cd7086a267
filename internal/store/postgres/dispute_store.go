package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// DisputeStore implements domain.DisputeStore for the in-process arbitrator.
type DisputeStore struct {
	pool *pgxpool.Pool
}

// NewDisputeStore creates a new DisputeStore.
func NewDisputeStore(pool *pgxpool.Pool) *DisputeStore {
	return &DisputeStore{pool: pool}
}

// SaveDispute inserts or replaces an arbitrator's dispute.
func (s *DisputeStore) SaveDispute(ctx context.Context, rec domain.DisputeRecord) error {
	const query = `
		INSERT INTO disputes (arbitrator, id, choices, fees, ruling, status, appeals, appeal_start, appeal_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (arbitrator, id) DO UPDATE SET
			fees = EXCLUDED.fees,
			ruling = EXCLUDED.ruling,
			status = EXCLUDED.status,
			appeals = EXCLUDED.appeals,
			appeal_start = EXCLUDED.appeal_start,
			appeal_end = EXCLUDED.appeal_end,
			updated_at = NOW()`
	_, err := s.pool.Exec(ctx, query,
		rec.Arbitrator.Hex(), int64(rec.ID), int64(rec.Choices), rec.Fees.Dec(), int16(rec.Ruling),
		rec.Status, rec.Appeals, nullableTime(rec.AppealStart), nullableTime(rec.AppealEnd),
	)
	if err != nil {
		return fmt.Errorf("postgres: save dispute %d: %w", rec.ID, err)
	}
	return nil
}

type disputeRow struct {
	ID          int64      `db:"id"`
	Choices     int64      `db:"choices"`
	Fees        string     `db:"fees"`
	Ruling      int16      `db:"ruling"`
	Status      string     `db:"status"`
	Appeals     int        `db:"appeals"`
	AppealStart *time.Time `db:"appeal_start"`
	AppealEnd   *time.Time `db:"appeal_end"`
}

// ListDisputes returns every dispute of arbitrator ordered by id.
func (s *DisputeStore) ListDisputes(ctx context.Context, arbitrator common.Address) ([]domain.DisputeRecord, error) {
	const query = `
		SELECT id, choices, fees, ruling, status, appeals, appeal_start, appeal_end
		FROM disputes WHERE arbitrator = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, arbitrator.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list disputes: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[disputeRow])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan disputes: %w", err)
	}

	out := make([]domain.DisputeRecord, 0, len(collected))
	for _, row := range collected {
		fees, err := uint256.FromDecimal(row.Fees)
		if err != nil {
			return nil, fmt.Errorf("postgres: dispute %d fees %q: %w", row.ID, row.Fees, err)
		}
		rec := domain.DisputeRecord{
			Arbitrator: arbitrator,
			ID:         domain.DisputeID(row.ID),
			Choices:    uint64(row.Choices),
			Fees:       *fees,
			Ruling:     domain.Ruling(row.Ruling),
			Status:     row.Status,
			Appeals:    row.Appeals,
		}
		if row.AppealStart != nil {
			rec.AppealStart = row.AppealStart.UTC()
		}
		if row.AppealEnd != nil {
			rec.AppealEnd = row.AppealEnd.UTC()
		}
		out = append(out, rec)
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
